package model

import "time"

// Allocation binds some quantity of an item to exactly one unit or person.
// It is active while ReturnedAt is nil; once set, ReturnedAt never changes.
type Allocation struct {
	ID         string     `json:"id"`
	ItemID     string     `json:"item_id"`
	PersonID   string     `json:"person_id,omitempty"`
	UnitID     string     `json:"unit_id,omitempty"`
	Quantity   int        `json:"quantity"`
	AssignedAt time.Time  `json:"assigned_at"`
	AssignedBy string     `json:"assigned_by,omitempty"`
	ReturnedAt *time.Time `json:"returned_at,omitempty"`
}

// Active reports whether the allocation is still open.
func (a *Allocation) Active() bool {
	return a.ReturnedAt == nil
}

// Owner returns who holds the allocation.
func (a *Allocation) Owner() Owner {
	return Owner{UnitID: a.UnitID, PersonID: a.PersonID}
}

// Owner identifies a holder of equipment. The zero value is the unassigned pool.
type Owner struct {
	UnitID   string `json:"unit_id,omitempty"`
	PersonID string `json:"person_id,omitempty"`
}

// IsZero reports whether the owner is the unassigned pool.
func (o Owner) IsZero() bool {
	return o.UnitID == "" && o.PersonID == ""
}

// Valid reports whether at most one of UnitID and PersonID is set.
func (o Owner) Valid() bool {
	return o.UnitID == "" || o.PersonID == ""
}
