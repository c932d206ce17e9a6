package engine

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/erazemk/oprema/internal/directory"
	"github.com/erazemk/oprema/internal/model"
	"github.com/erazemk/oprema/internal/planner"
)

// NameResolver resolves display names for a rebuild; *directory.Lookups
// implements it.
type NameResolver interface {
	Names(ctx context.Context, personIDs, unitIDs []string) (directory.Names, error)
}

// Rebuilder turns a snapshot into inventory rows.
type Rebuilder struct {
	Names NameResolver
}

// Result is the output of one rebuild.
type Result struct {
	Rows            []Row
	Inconsistencies []Inconsistency
}

type holderKey struct {
	itemID string
	owner  model.Owner
}

// Rebuild produces the rows for snap. Pending requests out of an owner
// reserve their quantity on that owner's row; a row with nothing left is
// omitted. The unassigned pool is always total minus active allocations.
// A lookup failure aborts the rebuild.
func (b *Rebuilder) Rebuild(ctx context.Context, snap Snapshot) (Result, error) {
	var personIDs, unitIDs []string
	byItem := make(map[string][]model.Allocation)
	for _, a := range snap.Allocations {
		if !a.Active() {
			continue
		}
		if a.PersonID != "" {
			personIDs = append(personIDs, a.PersonID)
		} else {
			unitIDs = append(unitIDs, a.UnitID)
		}
		byItem[a.ItemID] = append(byItem[a.ItemID], a)
	}

	names, err := b.Names.Names(ctx, personIDs, unitIDs)
	if err != nil {
		return Result{}, fmt.Errorf("resolving owner names: %w", err)
	}

	pending := make(map[string][]model.TransferRequest)
	reserved := make(map[holderKey]int)
	for _, r := range snap.Pending {
		if r.Status != model.RequestStatusPending {
			continue
		}
		pending[r.ItemID] = append(pending[r.ItemID], r)
		from := r.From()
		if from.IsZero() {
			continue
		}
		k := holderKey{r.ItemID, from}
		if r.Quantity == nil {
			reserved[k] = math.MaxInt
		} else if reserved[k] != math.MaxInt {
			reserved[k] += *r.Quantity
		}
	}

	var rows []Row
	for _, item := range snap.Items {
		flagged := len(pending[item.ID]) > 0 || item.Status == model.ItemStatusPendingTransfer
		base := Row{
			ItemID:             item.ID,
			Name:               item.Name,
			SerialNumber:       item.SerialNumber,
			TotalQuantity:      item.TotalQuantity,
			HasPendingTransfer: flagged,
			ItemStatus:         item.Status,
			ScopeID:            item.ScopeID,
			CreatedBy:          item.CreatedBy,
		}

		allocated := 0
		for _, a := range byItem[item.ID] {
			allocated += a.Quantity

			row := base
			row.RowID = a.ID
			row.AllocationID = a.ID
			row.OwnerUnitID = a.UnitID
			row.OwnerPersonID = a.PersonID
			row.OwnerName, row.AssignmentLevel = ownerOf(a, names)

			k := holderKey{item.ID, a.Owner()}
			take := min(reserved[k], a.Quantity)
			reserved[k] -= take
			row.PendingQuantity = take
			row.CurrentQuantity = a.Quantity - take
			if row.CurrentQuantity <= 0 {
				continue
			}
			rows = append(rows, row)
		}

		unassigned := item.TotalQuantity - allocated
		if unassigned > 0 || len(byItem[item.ID]) == 0 {
			row := base
			row.RowID = PoolRowID(item.ID)
			row.AssignmentLevel = planner.LevelUnassigned
			row.CurrentQuantity = unassigned
			rows = append(rows, row)
		}
	}

	sortRows(rows)
	return Result{Rows: rows, Inconsistencies: checkConsistency(snap, byItem, pending)}, nil
}

// ownerOf resolves an allocation's owner name and level. A unit that no
// longer exists keeps its id but has no name and an unknown level.
func ownerOf(a model.Allocation, names directory.Names) (string, planner.Level) {
	if a.PersonID != "" {
		if p := names.Persons[a.PersonID]; p != nil {
			return p.DisplayName(), planner.LevelIndividual
		}
		return "", planner.LevelIndividual
	}
	if u := names.Units[a.UnitID]; u != nil {
		return u.Name, planner.LevelOf(u.Type)
	}
	return "", planner.LevelUnknown
}

func sortRows(rows []Row) {
	slices.SortStableFunc(rows, func(a, b Row) int {
		return cmp.Or(
			cmp.Compare(a.Name, b.Name),
			cmp.Compare(a.ItemID, b.ItemID),
			cmp.Compare(a.AssignmentLevel.Rank(), b.AssignmentLevel.Rank()),
			cmp.Compare(a.OwnerName, b.OwnerName),
			cmp.Compare(a.RowID, b.RowID),
		)
	})
}

// Inconsistency kinds.
const (
	FlagWithoutRequest = "flag_without_request"
	RequestWithoutFlag = "request_without_flag"
	MultiplePending    = "multiple_pending"
	OverAllocated      = "over_allocated"
)

// Inconsistency is a cross-document mismatch left behind by a partially
// applied move. They are reported, never repaired here.
type Inconsistency struct {
	ItemID   string `json:"item_id"`
	ItemName string `json:"item_name"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
}

func checkConsistency(snap Snapshot, byItem map[string][]model.Allocation, pending map[string][]model.TransferRequest) []Inconsistency {
	var out []Inconsistency
	report := func(item model.Item, kind, format string, args ...any) {
		inc := Inconsistency{ItemID: item.ID, ItemName: item.Name, Kind: kind, Detail: fmt.Sprintf(format, args...)}
		slog.Warn("inventory inconsistency", "item", item.ID, "kind", kind, "detail", inc.Detail)
		out = append(out, inc)
	}

	for _, item := range snap.Items {
		reqs := pending[item.ID]
		switch {
		case item.Status == model.ItemStatusPendingTransfer && len(reqs) == 0:
			report(item, FlagWithoutRequest, "item is marked pending_transfer but has no pending request")
		case item.Status != model.ItemStatusPendingTransfer && len(reqs) > 0:
			report(item, RequestWithoutFlag, "pending request %s but item is %s", reqs[0].ID, item.Status)
		}
		if len(reqs) > 1 {
			report(item, MultiplePending, "%d pending requests", len(reqs))
		}

		allocated := 0
		for _, a := range byItem[item.ID] {
			allocated += a.Quantity
		}
		if allocated > item.TotalQuantity {
			report(item, OverAllocated, "%d allocated of %d on hand", allocated, item.TotalQuantity)
		}
	}
	return out
}

// CountByKind tallies inconsistencies for metrics.
func CountByKind(incs []Inconsistency) map[string]int {
	counts := make(map[string]int)
	for _, inc := range incs {
		counts[inc.Kind]++
	}
	return counts
}
