// Package rules holds the write rules every change to the ledger must pass.
// The same table runs twice: as a pre-check before a write is sent, and inside
// the store's transaction where it is authoritative.
package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/erazemk/oprema/internal/model"
)

// Collection names a stored document collection.
type Collection string

// Collections guarded by the rule table.
const (
	Items            Collection = "items"
	Allocations      Collection = "allocations"
	TransferRequests Collection = "transfer_requests"
	Units            Collection = "units"
	Persons          Collection = "persons"
)

// Op is the kind of write.
type Op string

// Write operations.
const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is a single document write. Before is nil for creates and After is
// nil for deletes. Both hold pointers to model types (*model.Item, ...).
type Change struct {
	Collection Collection
	Op         Op
	ID         string
	Before     any
	After      any
}

// Severity captures rule outcomes.
type Severity string

// Rule severities. Only blocking violations reject a write.
const (
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
)

// Violation is a single rule failure.
type Violation struct {
	Rule       string     `json:"rule"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Collection Collection `json:"collection"`
	ID         string     `json:"id,omitempty"`
}

// Result aggregates violations from the guard.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking reports whether any violation rejects the write.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// ErrRejected is matched by every RejectionError.
var ErrRejected = errors.New("write rejected")

// RejectionError is returned when a write violates a blocking rule.
type RejectionError struct {
	Result Result
}

func (e *RejectionError) Error() string {
	var msgs []string
	for _, v := range e.Result.Violations {
		if v.Severity != SeverityBlock {
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Rule, v.Message))
	}
	return "write rejected: " + strings.Join(msgs, "; ")
}

func (e *RejectionError) Unwrap() error { return ErrRejected }

// View gives rules read access to current state. The store implements it on
// top of its open transaction.
type View interface {
	Item(ctx context.Context, id string) (*model.Item, error)
	ActiveAllocations(ctx context.Context, itemID string) ([]model.Allocation, error)
	PendingRequests(ctx context.Context, itemID string) ([]model.TransferRequest, error)
	Unit(ctx context.Context, id string) (*model.Unit, error)
	Person(ctx context.Context, id string) (*model.Person, error)
	UnitInUse(ctx context.Context, id string) (bool, error)
}

// Rule evaluates a single change.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view View, actor model.Actor, change Change) (Result, error)
}

// Guard evaluates registered rules against changes.
type Guard struct {
	rules []Rule

	// OnViolation, when set, is called for every blocking violation.
	OnViolation func(Violation)
}

// NewGuard constructs an empty guard.
func NewGuard() *Guard {
	return &Guard{}
}

// Register appends a rule to the guard.
func (g *Guard) Register(rule Rule) {
	g.rules = append(g.rules, rule)
}

// Rules returns the names of registered rules in evaluation order.
func (g *Guard) Rules() []string {
	names := make([]string, 0, len(g.rules))
	for _, r := range g.rules {
		names = append(names, r.Name())
	}
	return names
}

// Evaluate executes all registered rules and aggregates their results.
func (g *Guard) Evaluate(ctx context.Context, view View, actor model.Actor, change Change) (Result, error) {
	var combined Result
	for _, rule := range g.rules {
		res, err := rule.Evaluate(ctx, view, actor, change)
		if err != nil {
			return Result{}, fmt.Errorf("evaluating rule %s: %w", rule.Name(), err)
		}
		combined.Merge(res)
	}
	return combined, nil
}

// Check evaluates a change and returns a *RejectionError if it is blocked.
func (g *Guard) Check(ctx context.Context, view View, actor model.Actor, change Change) error {
	res, err := g.Evaluate(ctx, view, actor, change)
	if err != nil {
		return err
	}
	if !res.HasBlocking() {
		return nil
	}
	if g.OnViolation != nil {
		for _, v := range res.Violations {
			if v.Severity == SeverityBlock {
				g.OnViolation(v)
			}
		}
	}
	return &RejectionError{Result: res}
}

// CanRead reports whether the actor may read documents in the given scope.
// This is the coarse, organization-wide read scope; row-level visibility is
// applied on top of it by the inventory view.
func (g *Guard) CanRead(actor model.Actor, scopeID string) bool {
	if actor.Elevated() {
		return true
	}
	return actor.ScopeID != "" && actor.ScopeID == scopeID
}
