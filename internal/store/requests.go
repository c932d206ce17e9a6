package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/erazemk/oprema/internal/feed"
	"github.com/erazemk/oprema/internal/model"
)

const requestColumns = `r.id, r.item_id, r.from_person_id, r.from_unit_id, r.to_person_id, r.to_unit_id, r.quantity,
	r.status, r.requested_by, r.requested_at, r.decided_by, r.decided_at, r.notes,
	r.item_name, r.from_name, r.to_name, r.from_level, r.to_level`

func scanRequest(sc scanner) (*model.TransferRequest, error) {
	r := &model.TransferRequest{}
	var fromPerson, fromUnit, toPerson, toUnit, decidedBy, notes sql.NullString
	var itemName, fromName, toName, fromLevel, toLevel sql.NullString
	var quantity sql.NullInt64
	err := sc.Scan(&r.ID, &r.ItemID, &fromPerson, &fromUnit, &toPerson, &toUnit, &quantity,
		&r.Status, &r.RequestedBy, &r.RequestedAt, &decidedBy, &r.DecidedAt, &notes,
		&itemName, &fromName, &toName, &fromLevel, &toLevel)
	if err != nil {
		return nil, err
	}
	r.FromPersonID = fromPerson.String
	r.FromUnitID = fromUnit.String
	r.ToPersonID = toPerson.String
	r.ToUnitID = toUnit.String
	if quantity.Valid {
		q := int(quantity.Int64)
		r.Quantity = &q
	}
	r.DecidedBy = decidedBy.String
	r.Notes = notes.String
	r.ItemName = itemName.String
	r.FromName = fromName.String
	r.ToName = toName.String
	r.FromLevel = fromLevel.String
	r.ToLevel = toLevel.String
	return r, nil
}

// TransferRequest returns a transfer request by ID.
func (r Reader) TransferRequest(ctx context.Context, id string) (*model.TransferRequest, error) {
	req, err := scanRequest(r.q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM transfer_requests r WHERE r.id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting transfer request: %w", err)
	}
	return req, nil
}

// PendingRequests returns the undecided requests of an item.
func (r Reader) PendingRequests(ctx context.Context, itemID string) ([]model.TransferRequest, error) {
	return r.TransferRequests(ctx, feed.Filter{ItemID: itemID, Status: model.RequestStatusPending})
}

// TransferRequests lists requests, newest first. Scope is that of the item.
func (r Reader) TransferRequests(ctx context.Context, f feed.Filter) ([]model.TransferRequest, error) {
	var w where
	if f.ScopeID != "" {
		w.add("i.scope_id = ?", f.ScopeID)
	}
	if f.Status != "" {
		w.add("r.status = ?", f.Status)
	}
	if f.ItemID != "" {
		w.add("r.item_id = ?", f.ItemID)
	}

	rows, err := r.q.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM transfer_requests r JOIN items i ON i.id = r.item_id`+w.String()+
			` ORDER BY r.requested_at DESC, r.id`, w.args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing transfer requests: %w", err)
	}
	defer rows.Close()

	var out []model.TransferRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transfer request: %w", err)
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// ItemHistory returns every request ever made for an item, newest first.
func (r Reader) ItemHistory(ctx context.Context, itemID string) ([]model.TransferRequest, error) {
	return r.TransferRequests(ctx, feed.Filter{ItemID: itemID})
}

func insertRequest(ctx context.Context, q Querier, r *model.TransferRequest) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO transfer_requests (id, item_id, from_person_id, from_unit_id, to_person_id, to_unit_id, quantity,
			status, requested_by, requested_at, decided_by, decided_at, notes,
			item_name, from_name, to_name, from_level, to_level)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ItemID, nullString(r.FromPersonID), nullString(r.FromUnitID), nullString(r.ToPersonID), nullString(r.ToUnitID),
		r.Quantity, r.Status, r.RequestedBy, r.RequestedAt, nullString(r.DecidedBy), r.DecidedAt, nullString(r.Notes),
		nullString(r.ItemName), nullString(r.FromName), nullString(r.ToName), nullString(r.FromLevel), nullString(r.ToLevel),
	)
	if err != nil {
		return fmt.Errorf("creating transfer request: %w", err)
	}
	return nil
}

// updateRequest writes the decision; every other field is frozen at creation.
func updateRequest(ctx context.Context, q Querier, r *model.TransferRequest) error {
	_, err := q.ExecContext(ctx,
		`UPDATE transfer_requests SET status = ?, decided_by = ?, decided_at = ? WHERE id = ?`,
		r.Status, nullString(r.DecidedBy), r.DecidedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("updating transfer request: %w", err)
	}
	return nil
}
