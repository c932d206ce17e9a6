// Package store is the authoritative ledger store. Every ledger write goes
// through Commit, which evaluates the rule table inside the write transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/erazemk/oprema/internal/feed"
	"github.com/erazemk/oprema/internal/model"
	"github.com/erazemk/oprema/internal/rules"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrExists    = errors.New("already exists")
	ErrForbidden = errors.New("outside read scope")
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Recorder observes store operations; the metrics package implements it.
type Recorder interface {
	Observe(op string, success bool, d time.Duration)
}

// Store is the authoritative store. Its embedded Reader reads outside any
// transaction.
type Store struct {
	Reader

	DB       *sql.DB
	Guard    *rules.Guard
	Recorder Recorder

	// AfterCommit, when set, is called with the applied changes after every
	// successful commit.
	AfterCommit func(ctx context.Context, changes []rules.Change)

	hub *feed.Hub
}

// New returns a store over db guarded by guard.
func New(db *sql.DB, guard *rules.Guard) *Store {
	return &Store{
		Reader: Reader{q: db},
		DB:     db,
		Guard:  guard,
		hub:    feed.NewHub(),
	}
}

// Hub returns the change hub that subscriptions listen on.
func (s *Store) Hub() *feed.Hub {
	return s.hub
}

// Close ends every live subscription.
func (s *Store) Close() {
	s.hub.Close()
}

// Reader runs point reads and list queries against a Querier. It implements
// rules.View.
type Reader struct {
	q Querier
}

var _ rules.View = Reader{}

// Commit applies changes in one transaction. Each change's Before is loaded
// from the store, the rule table is evaluated against the transaction's view
// of the data, and the change is applied before the next one is checked.
// A blocked change aborts the whole commit with a *rules.RejectionError.
func (s *Store) Commit(ctx context.Context, actor model.Actor, changes ...rules.Change) error {
	return s.commit(ctx, actor, changes, nil)
}

// commit is Commit with an optional extra statement run in the same
// transaction after the changes are applied.
func (s *Store) commit(ctx context.Context, actor model.Actor, changes []rules.Change, extra func(Querier) error) (err error) {
	start := time.Now()
	defer func() {
		if s.Recorder != nil {
			s.Recorder.Observe("commit", err == nil, time.Since(start))
		}
	}()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	view := Reader{q: tx}
	topics := make([]string, 0, len(changes))
	applied := make([]rules.Change, 0, len(changes))
	seen := make(map[rules.Collection]bool)

	for _, c := range changes {
		before, err := view.load(ctx, c.Collection, c.ID)
		if err != nil {
			return err
		}
		switch {
		case c.Op == rules.OpCreate && before != nil:
			return fmt.Errorf("%s %s: %w", c.Collection, c.ID, ErrExists)
		case c.Op != rules.OpCreate && before == nil:
			return fmt.Errorf("%s %s: %w", c.Collection, c.ID, ErrNotFound)
		}
		c.Before = before
		if c.Op == rules.OpDelete {
			c.After = nil
		}

		if err := s.Guard.Check(ctx, view, actor, c); err != nil {
			return err
		}
		if err := apply(ctx, tx, c); err != nil {
			return err
		}
		applied = append(applied, c)

		if !seen[c.Collection] {
			seen[c.Collection] = true
			topics = append(topics, string(c.Collection))
		}
	}

	if extra != nil {
		if err := extra(tx); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.hub.Notify(topics...)
	if s.AfterCommit != nil {
		s.AfterCommit(ctx, applied)
	}
	return nil
}

// load returns the stored document for a change as a model pointer, or an
// untyped nil when it does not exist.
func (r Reader) load(ctx context.Context, c rules.Collection, id string) (any, error) {
	var (
		doc any
		err error
		ok  bool
	)
	switch c {
	case rules.Items:
		var v *model.Item
		v, err = r.Item(ctx, id)
		doc, ok = v, v != nil
	case rules.Allocations:
		var v *model.Allocation
		v, err = r.Allocation(ctx, id)
		doc, ok = v, v != nil
	case rules.TransferRequests:
		var v *model.TransferRequest
		v, err = r.TransferRequest(ctx, id)
		doc, ok = v, v != nil
	case rules.Units:
		var v *model.Unit
		v, err = r.Unit(ctx, id)
		doc, ok = v, v != nil
	case rules.Persons:
		var v *model.Person
		v, err = r.Person(ctx, id)
		doc, ok = v, v != nil
	default:
		return nil, fmt.Errorf("unknown collection %q", c)
	}
	if err != nil || !ok {
		return nil, err
	}
	return doc, nil
}

func apply(ctx context.Context, q Querier, c rules.Change) error {
	if c.Op == rules.OpDelete {
		return deleteDoc(ctx, q, c.Collection, c.ID)
	}

	switch doc := c.After.(type) {
	case *model.Item:
		if c.Op == rules.OpCreate {
			return insertItem(ctx, q, doc)
		}
		return updateItem(ctx, q, doc)
	case *model.Allocation:
		if c.Op == rules.OpCreate {
			return insertAllocation(ctx, q, doc)
		}
		return updateAllocation(ctx, q, doc)
	case *model.TransferRequest:
		if c.Op == rules.OpCreate {
			return insertRequest(ctx, q, doc)
		}
		return updateRequest(ctx, q, doc)
	case *model.Unit:
		if c.Op == rules.OpCreate {
			return insertUnit(ctx, q, doc)
		}
		return updateUnit(ctx, q, doc)
	case *model.Person:
		if c.Op == rules.OpCreate {
			return insertPerson(ctx, q, doc)
		}
		return updatePerson(ctx, q, doc)
	}
	return fmt.Errorf("%s %s: unsupported document %T", c.Collection, c.ID, c.After)
}

func deleteDoc(ctx context.Context, q Querier, c rules.Collection, id string) error {
	var table string
	switch c {
	case rules.Items, rules.Allocations, rules.TransferRequests, rules.Units, rules.Persons:
		table = string(c)
	default:
		return fmt.Errorf("unknown collection %q", c)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting from %s: %w", table, err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// where accumulates filter clauses.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, arg...)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	s := " WHERE " + w.clauses[0]
	for _, c := range w.clauses[1:] {
		s += " AND " + c
	}
	return s
}
