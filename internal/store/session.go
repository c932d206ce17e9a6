package store

import (
	"context"
	"fmt"

	"github.com/erazemk/oprema/internal/feed"
	"github.com/erazemk/oprema/internal/model"
	"github.com/erazemk/oprema/internal/rules"
)

// Actor resolves a user account to the principal the rule table evaluates:
// account, linked person, the person's unit and that unit's scope. It returns
// nil for unknown or deleted accounts.
func (s *Store) Actor(ctx context.Context, userID string) (*model.Actor, error) {
	user, err := GetUser(ctx, s.DB, userID)
	if err != nil {
		return nil, err
	}
	if user == nil || user.DeletedAt != nil {
		return nil, nil
	}

	actor := &model.Actor{UserID: user.ID, Role: user.Role}
	person, err := s.PersonByAccount(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if person == nil {
		return actor, nil
	}
	actor.PersonID = person.ID
	actor.UnitID = person.UnitID

	unit, err := s.Unit(ctx, person.UnitID)
	if err != nil {
		return nil, err
	}
	if unit != nil {
		actor.ScopeID = unit.ScopeID
	}
	return actor, nil
}

// Session is the store as seen by one actor: reads and subscriptions are held
// to the actor's read scope.
type Session struct {
	store *Store
	actor model.Actor
}

// For returns a session for actor.
func (s *Store) For(actor model.Actor) *Session {
	return &Session{store: s, actor: actor}
}

// Actor returns the session's principal.
func (s *Session) Actor() model.Actor {
	return s.actor
}

// Scope fills in the actor's scope when f names none and rejects scopes the
// actor cannot read. Elevated actors may leave the scope empty to read all.
func (s *Session) Scope(f feed.Filter) (feed.Filter, error) {
	if f.ScopeID == "" && !s.actor.Elevated() {
		f.ScopeID = s.actor.ScopeID
	}
	if f.ScopeID == "" && s.actor.Elevated() {
		return f, nil
	}
	if !s.store.Guard.CanRead(s.actor, f.ScopeID) {
		return f, fmt.Errorf("scope %q: %w", f.ScopeID, ErrForbidden)
	}
	return f, nil
}

// SubscribeItems pushes the scoped item catalog after every item write.
func (s *Session) SubscribeItems(ctx context.Context, f feed.Filter) (*feed.Subscription[model.Item], error) {
	f, err := s.Scope(f)
	if err != nil {
		return nil, err
	}
	notify, release := s.store.hub.Listen(string(rules.Items))
	return feed.NewSubscription(ctx, func(ctx context.Context) ([]model.Item, error) {
		return s.store.Items(ctx, f)
	}, notify, release), nil
}

// SubscribeAllocations pushes the scoped active allocations after every
// allocation or item write.
func (s *Session) SubscribeAllocations(ctx context.Context, f feed.Filter) (*feed.Subscription[model.Allocation], error) {
	f, err := s.Scope(f)
	if err != nil {
		return nil, err
	}
	f.ActiveOnly = true
	notify, release := s.store.hub.Listen(string(rules.Allocations), string(rules.Items))
	return feed.NewSubscription(ctx, func(ctx context.Context) ([]model.Allocation, error) {
		return s.store.Allocations(ctx, f)
	}, notify, release), nil
}

// SubscribePendingRequests pushes the scoped pending transfer requests after
// every request or item write.
func (s *Session) SubscribePendingRequests(ctx context.Context, f feed.Filter) (*feed.Subscription[model.TransferRequest], error) {
	f, err := s.Scope(f)
	if err != nil {
		return nil, err
	}
	f.Status = model.RequestStatusPending
	notify, release := s.store.hub.Listen(string(rules.TransferRequests), string(rules.Items))
	return feed.NewSubscription(ctx, func(ctx context.Context) ([]model.TransferRequest, error) {
		return s.store.TransferRequests(ctx, f)
	}, notify, release), nil
}

// Items lists the scoped item catalog.
func (s *Session) Items(ctx context.Context, f feed.Filter) ([]model.Item, error) {
	f, err := s.Scope(f)
	if err != nil {
		return nil, err
	}
	return s.store.Items(ctx, f)
}

// Allocations lists scoped allocations.
func (s *Session) Allocations(ctx context.Context, f feed.Filter) ([]model.Allocation, error) {
	f, err := s.Scope(f)
	if err != nil {
		return nil, err
	}
	return s.store.Allocations(ctx, f)
}

// TransferRequests lists scoped transfer requests.
func (s *Session) TransferRequests(ctx context.Context, f feed.Filter) ([]model.TransferRequest, error) {
	f, err := s.Scope(f)
	if err != nil {
		return nil, err
	}
	return s.store.TransferRequests(ctx, f)
}

// Units lists units in the actor's read scope.
func (s *Session) Units(ctx context.Context) ([]model.Unit, error) {
	f, err := s.Scope(feed.Filter{})
	if err != nil {
		return nil, err
	}
	return s.store.Units(ctx, f.ScopeID)
}

// Persons lists persons in the actor's read scope.
func (s *Session) Persons(ctx context.Context) ([]model.Person, error) {
	f, err := s.Scope(feed.Filter{})
	if err != nil {
		return nil, err
	}
	return s.store.Persons(ctx, f.ScopeID)
}

// Commit commits changes as the session's actor.
func (s *Session) Commit(ctx context.Context, changes ...rules.Change) error {
	return s.store.Commit(ctx, s.actor, changes...)
}
