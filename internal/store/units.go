package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/erazemk/oprema/internal/model"
)

const unitColumns = `id, name, type, parent_id, scope_id, created_at`

func scanUnit(sc scanner) (*model.Unit, error) {
	u := &model.Unit{}
	var parent sql.NullString
	if err := sc.Scan(&u.ID, &u.Name, &u.Type, &parent, &u.ScopeID, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.ParentID = parent.String
	return u, nil
}

// Unit returns a unit by ID.
func (r Reader) Unit(ctx context.Context, id string) (*model.Unit, error) {
	u, err := scanUnit(r.q.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM units WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting unit: %w", err)
	}
	return u, nil
}

// Units lists units of a scope, or of every scope when scopeID is empty.
func (r Reader) Units(ctx context.Context, scopeID string) ([]model.Unit, error) {
	var w where
	if scopeID != "" {
		w.add("scope_id = ?", scopeID)
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+unitColumns+` FROM units`+w.String()+` ORDER BY name, id`, w.args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing units: %w", err)
	}
	defer rows.Close()

	var units []model.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning unit: %w", err)
		}
		units = append(units, *u)
	}
	return units, rows.Err()
}

// UnitInUse reports whether a unit still has sub-units, members or open
// allocations.
func (r Reader) UnitInUse(ctx context.Context, id string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM units WHERE parent_id = ?)
		      + (SELECT COUNT(*) FROM persons WHERE unit_id = ?)
		      + (SELECT COUNT(*) FROM allocations WHERE unit_id = ? AND returned_at IS NULL)`,
		id, id, id,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking unit usage: %w", err)
	}
	return n > 0, nil
}

func insertUnit(ctx context.Context, q Querier, u *model.Unit) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO units (id, name, type, parent_id, scope_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Type, nullString(u.ParentID), u.ScopeID, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating unit: %w", err)
	}
	return nil
}

func updateUnit(ctx context.Context, q Querier, u *model.Unit) error {
	_, err := q.ExecContext(ctx,
		`UPDATE units SET name = ?, type = ?, parent_id = ?, scope_id = ? WHERE id = ?`,
		u.Name, u.Type, nullString(u.ParentID), u.ScopeID, u.ID,
	)
	if err != nil {
		return fmt.Errorf("updating unit: %w", err)
	}
	return nil
}

const personColumns = `p.id, p.first_name, p.last_name, p.unit_id, p.account_id, p.signature_authority, p.created_at`

func scanPerson(sc scanner) (*model.Person, error) {
	p := &model.Person{}
	var account sql.NullString
	if err := sc.Scan(&p.ID, &p.FirstName, &p.LastName, &p.UnitID, &account, &p.SignatureAuthority, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.AccountID = account.String
	return p, nil
}

// Person returns a person by ID.
func (r Reader) Person(ctx context.Context, id string) (*model.Person, error) {
	p, err := scanPerson(r.q.QueryRowContext(ctx,
		`SELECT `+personColumns+` FROM persons p WHERE p.id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting person: %w", err)
	}
	return p, nil
}

// PersonByAccount returns the person linked to a user account.
func (r Reader) PersonByAccount(ctx context.Context, userID string) (*model.Person, error) {
	p, err := scanPerson(r.q.QueryRowContext(ctx,
		`SELECT `+personColumns+` FROM persons p WHERE p.account_id = ?`, userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting person by account: %w", err)
	}
	return p, nil
}

// Persons lists persons whose unit is in scopeID, or everyone when empty.
func (r Reader) Persons(ctx context.Context, scopeID string) ([]model.Person, error) {
	var w where
	if scopeID != "" {
		w.add("u.scope_id = ?", scopeID)
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+personColumns+` FROM persons p JOIN units u ON u.id = p.unit_id`+w.String()+
			` ORDER BY p.last_name, p.first_name, p.id`, w.args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing persons: %w", err)
	}
	defer rows.Close()

	var persons []model.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning person: %w", err)
		}
		persons = append(persons, *p)
	}
	return persons, rows.Err()
}

func insertPerson(ctx context.Context, q Querier, p *model.Person) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO persons (id, first_name, last_name, unit_id, account_id, signature_authority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.FirstName, p.LastName, p.UnitID, nullString(p.AccountID), p.SignatureAuthority, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating person: %w", err)
	}
	return nil
}

func updatePerson(ctx context.Context, q Querier, p *model.Person) error {
	_, err := q.ExecContext(ctx,
		`UPDATE persons SET first_name = ?, last_name = ?, unit_id = ?, account_id = ?, signature_authority = ? WHERE id = ?`,
		p.FirstName, p.LastName, p.UnitID, nullString(p.AccountID), p.SignatureAuthority, p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating person: %w", err)
	}
	return nil
}
