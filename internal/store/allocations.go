package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/erazemk/oprema/internal/feed"
	"github.com/erazemk/oprema/internal/model"
)

const allocationColumns = `a.id, a.item_id, a.person_id, a.unit_id, a.quantity, a.assigned_at, a.assigned_by, a.returned_at`

func scanAllocation(sc scanner) (*model.Allocation, error) {
	a := &model.Allocation{}
	var person, unit, by sql.NullString
	if err := sc.Scan(&a.ID, &a.ItemID, &person, &unit, &a.Quantity, &a.AssignedAt, &by, &a.ReturnedAt); err != nil {
		return nil, err
	}
	a.PersonID = person.String
	a.UnitID = unit.String
	a.AssignedBy = by.String
	return a, nil
}

// Allocation returns an allocation by ID.
func (r Reader) Allocation(ctx context.Context, id string) (*model.Allocation, error) {
	a, err := scanAllocation(r.q.QueryRowContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations a WHERE a.id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting allocation: %w", err)
	}
	return a, nil
}

// ActiveAllocations returns the open allocations of an item.
func (r Reader) ActiveAllocations(ctx context.Context, itemID string) ([]model.Allocation, error) {
	return r.Allocations(ctx, feed.Filter{ItemID: itemID, ActiveOnly: true})
}

// Allocations lists allocations ordered by assignment time. Scope is that of
// the allocated item.
func (r Reader) Allocations(ctx context.Context, f feed.Filter) ([]model.Allocation, error) {
	var w where
	if f.ScopeID != "" {
		w.add("i.scope_id = ?", f.ScopeID)
	}
	if f.ItemID != "" {
		w.add("a.item_id = ?", f.ItemID)
	}
	if f.ActiveOnly {
		w.add("a.returned_at IS NULL")
	}

	rows, err := r.q.QueryContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations a JOIN items i ON i.id = a.item_id`+w.String()+
			` ORDER BY a.assigned_at, a.id`, w.args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing allocations: %w", err)
	}
	defer rows.Close()

	var out []model.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning allocation: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func insertAllocation(ctx context.Context, q Querier, a *model.Allocation) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO allocations (id, item_id, person_id, unit_id, quantity, assigned_at, assigned_by, returned_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ItemID, nullString(a.PersonID), nullString(a.UnitID), a.Quantity, a.AssignedAt,
		nullString(a.AssignedBy), a.ReturnedAt,
	)
	if err != nil {
		return fmt.Errorf("creating allocation: %w", err)
	}
	return nil
}

func updateAllocation(ctx context.Context, q Querier, a *model.Allocation) error {
	_, err := q.ExecContext(ctx,
		`UPDATE allocations SET quantity = ?, returned_at = ? WHERE id = ?`,
		a.Quantity, a.ReturnedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating allocation: %w", err)
	}
	return nil
}
