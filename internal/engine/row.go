// Package engine keeps the inventory view: it merges the item, allocation and
// pending-request feeds into display rows and filters them per viewer.
package engine

import (
	"github.com/erazemk/oprema/internal/model"
	"github.com/erazemk/oprema/internal/planner"
)

// Row is one line of the inventory view: an item held by one owner, or the
// item's unassigned pool.
type Row struct {
	RowID              string        `json:"row_id"`
	ItemID             string        `json:"item_id"`
	Name               string        `json:"name"`
	SerialNumber       string        `json:"serial_number,omitempty"`
	TotalQuantity      int           `json:"total_quantity"`
	OwnerName          string        `json:"owner_name,omitempty"`
	OwnerUnitID        string        `json:"owner_unit_id,omitempty"`
	OwnerPersonID      string        `json:"owner_person_id,omitempty"`
	AssignmentLevel    planner.Level `json:"assignment_level"`
	CurrentQuantity    int           `json:"current_quantity"`
	PendingQuantity    int           `json:"pending_quantity,omitempty"`
	HasPendingTransfer bool          `json:"has_pending_transfer"`
	ItemStatus         string        `json:"item_status"`
	ScopeID            string        `json:"scope_id"`
	CreatedBy          string        `json:"created_by"`
	AllocationID       string        `json:"allocation_id,omitempty"`
}

// PoolRowID is the row id of an item's unassigned pool.
func PoolRowID(itemID string) string {
	return itemID + ":unassigned"
}

// Unassigned reports whether the row is an unassigned pool.
func (r Row) Unassigned() bool {
	return r.OwnerUnitID == "" && r.OwnerPersonID == ""
}

// Owner returns who holds the row.
func (r Row) Owner() model.Owner {
	return model.Owner{UnitID: r.OwnerUnitID, PersonID: r.OwnerPersonID}
}

// Position returns the row's owner as a planner position.
func (r Row) Position() planner.Position {
	if r.Unassigned() {
		return planner.Unassigned
	}
	return planner.Position{Level: r.AssignmentLevel, UnitID: r.OwnerUnitID, PersonID: r.OwnerPersonID}
}

// Snapshot is one consistent read of the three feeds.
type Snapshot struct {
	Items       []model.Item
	Allocations []model.Allocation
	Pending     []model.TransferRequest
}
