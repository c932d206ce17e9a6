// Package transfer carries out moves of equipment between owners as
// sequences of guarded store commits.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/erazemk/oprema/internal/engine"
	"github.com/erazemk/oprema/internal/model"
	"github.com/erazemk/oprema/internal/planner"
	"github.com/erazemk/oprema/internal/rules"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrTransferPending      = errors.New("item already has a transfer pending")
	ErrInsufficientQuantity = errors.New("quantity exceeds the source holding")
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrRequiresRequest      = errors.New("move needs a transfer request")
	ErrSameOwner            = errors.New("source and destination are the same owner")
	ErrAmbiguousSource      = errors.New("item has several holders; name the source allocation")
	ErrInvalidDestination   = errors.New("destination must name at most one of unit or person")
	ErrNotPending           = errors.New("request is no longer pending")
)

// PartialError reports a move that failed after its transfer request was
// committed. Earlier steps stay applied.
type PartialError struct {
	Step      string
	RequestID string
	Err       error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("transfer %s: %s: %v", e.RequestID, e.Step, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// Store is the ledger the executor reads and writes; *store.Store has it.
type Store interface {
	rules.View
	Allocation(ctx context.Context, id string) (*model.Allocation, error)
	TransferRequest(ctx context.Context, id string) (*model.TransferRequest, error)
	Commit(ctx context.Context, actor model.Actor, changes ...rules.Change) error
}

// Directory resolves owner names; *directory.Lookups has it.
type Directory interface {
	Person(ctx context.Context, id string) (*model.Person, error)
	Unit(ctx context.Context, id string) (*model.Unit, error)
}

// Executor runs moves, approvals and rejections.
type Executor struct {
	Store     Store
	Directory Directory
	Guard     *rules.Guard

	Now   func() time.Time
	NewID func() string
}

// New returns an executor. guard runs as a pre-check before every commit;
// the store evaluates its own copy of the rules again.
func New(s Store, dir Directory, guard *rules.Guard) *Executor {
	return &Executor{
		Store:     s,
		Directory: dir,
		Guard:     guard,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     uuid.NewString,
	}
}

// Move asks for quantity of an item to change hands. FromAllocationID names
// the source holding; it may also be the item's pool row id. To is the
// destination, the zero Owner being the pool. A zero Quantity moves the whole
// source holding.
type Move struct {
	ItemID           string      `json:"item_id"`
	FromAllocationID string      `json:"from_allocation_id,omitempty"`
	To               model.Owner `json:"to"`
	Quantity         int         `json:"quantity,omitempty"`
	Notes            string      `json:"notes,omitempty"`
}

// ItemSpec describes a new item.
type ItemSpec struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	SerialNumber  string `json:"serial_number,omitempty"`
	TotalQuantity int    `json:"total_quantity"`
	ScopeID       string `json:"scope_id,omitempty"`
}

// Outcome describes what a move did.
type Outcome struct {
	Plan    planner.Plan           `json:"plan"`
	Request *model.TransferRequest `json:"request"`
	Applied bool                   `json:"applied"`
}

// CreateItem creates an item and, when dest is not nil, assigns its full
// quantity there.
func (x *Executor) CreateItem(ctx context.Context, actor model.Actor, spec ItemSpec, dest *model.Owner) (*model.Item, *Outcome, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return nil, nil, errors.New("name is required")
	}
	if spec.SerialNumber != "" && spec.TotalQuantity == 0 {
		spec.TotalQuantity = 1
	}
	scopeID := actor.ScopeID
	if actor.Elevated() && spec.ScopeID != "" {
		scopeID = spec.ScopeID
	}

	now := x.Now()
	item := &model.Item{
		ID:            x.NewID(),
		Name:          spec.Name,
		Description:   spec.Description,
		SerialNumber:  spec.SerialNumber,
		TotalQuantity: spec.TotalQuantity,
		Status:        model.ItemStatusServiceable,
		ScopeID:       scopeID,
		CreatedBy:     actor.Principal(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := x.commit(ctx, actor, rules.Change{Collection: rules.Items, Op: rules.OpCreate, ID: item.ID, After: item}); err != nil {
		return nil, nil, fmt.Errorf("creating item: %w", err)
	}
	slog.Info("item created", "item", item.ID, "name", item.Name, "quantity", item.TotalQuantity)

	if dest == nil || dest.IsZero() {
		return item, nil, nil
	}
	out, err := x.Assign(ctx, actor, Move{ItemID: item.ID, FromAllocationID: engine.PoolRowID(item.ID), To: *dest})
	if err != nil {
		return item, out, fmt.Errorf("assigning new item: %w", err)
	}
	return item, out, nil
}

// DeleteItem returns the item's active allocations, rejects its pending
// requests and then deletes it.
func (x *Executor) DeleteItem(ctx context.Context, actor model.Actor, itemID string) error {
	item, err := x.Store.Item(ctx, itemID)
	if err != nil {
		return err
	}
	if item == nil {
		return ErrNotFound
	}

	active, err := x.Store.ActiveAllocations(ctx, itemID)
	if err != nil {
		return err
	}
	pending, err := x.Store.PendingRequests(ctx, itemID)
	if err != nil {
		return err
	}

	now := x.Now()
	var changes []rules.Change
	for _, a := range active {
		closed := a
		closed.ReturnedAt = &now
		changes = append(changes, rules.Change{Collection: rules.Allocations, Op: rules.OpUpdate, ID: a.ID, After: &closed})
	}
	for _, r := range pending {
		changes = append(changes, x.decision(actor, r, model.RequestStatusRejected, now))
	}
	del := rules.Change{Collection: rules.Items, Op: rules.OpDelete, ID: itemID, Before: item}

	// Nothing is released unless the delete itself would be allowed.
	if err := x.precheck(ctx, actor, append(changes, del)...); err != nil {
		return err
	}
	if len(changes) > 0 {
		if err := x.commit(ctx, actor, changes...); err != nil {
			return fmt.Errorf("releasing item: %w", err)
		}
	}

	if err := x.commit(ctx, actor, del); err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}
	slog.Info("item deleted", "item", itemID, "returned", len(active), "rejected", len(pending))
	return nil
}

// Assign applies a move that needs no approval. Moves the planner routes
// through a request fail with ErrRequiresRequest.
func (x *Executor) Assign(ctx context.Context, actor model.Actor, m Move) (*Outcome, error) {
	return x.move(ctx, actor, m, false)
}

// RequestTransfer records a transfer request for m. When the move needs no
// approval it is applied right away.
func (x *Executor) RequestTransfer(ctx context.Context, actor model.Actor, m Move) (*Outcome, error) {
	return x.move(ctx, actor, m, true)
}

// Unassign returns a holding to the item's pool. An empty fromAllocationID
// picks the item's only active allocation.
func (x *Executor) Unassign(ctx context.Context, actor model.Actor, itemID, fromAllocationID string) (*Outcome, error) {
	mv, err := x.resolve(ctx, Move{ItemID: itemID, FromAllocationID: fromAllocationID})
	if err != nil {
		return nil, err
	}
	if mv.from.Owner().IsZero() {
		return nil, ErrSameOwner
	}
	plan := planner.Plan{Mode: planner.ModeDirect, From: mv.from, To: planner.Unassigned}
	return x.submit(ctx, actor, mv, plan)
}

// Approve applies a pending request.
func (x *Executor) Approve(ctx context.Context, actor model.Actor, requestID string) error {
	r, err := x.pending(ctx, requestID)
	if err != nil {
		return err
	}
	return x.approve(ctx, actor, r)
}

// Reject closes a pending request without moving anything.
func (x *Executor) Reject(ctx context.Context, actor model.Actor, requestID string) error {
	r, err := x.pending(ctx, requestID)
	if err != nil {
		return err
	}
	now := x.Now()
	changes := []rules.Change{x.decision(actor, *r, model.RequestStatusRejected, now)}
	if c, ok, err := x.releaseItem(ctx, r.ItemID, now); err != nil {
		return err
	} else if ok {
		changes = append(changes, c)
	}
	if err := x.commit(ctx, actor, changes...); err != nil {
		return fmt.Errorf("rejecting request: %w", err)
	}
	slog.Info("transfer rejected", "request", r.ID, "item", r.ItemID, "by", actor.UserID)
	return nil
}

// Restock changes an item's total quantity.
func (x *Executor) Restock(ctx context.Context, actor model.Actor, itemID string, total int) (*model.Item, error) {
	item, err := x.Store.Item(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNotFound
	}
	updated := *item
	updated.TotalQuantity = total
	updated.UpdatedAt = x.Now()
	if err := x.commit(ctx, actor, rules.Change{Collection: rules.Items, Op: rules.OpUpdate, ID: itemID, After: &updated}); err != nil {
		return nil, fmt.Errorf("restocking item: %w", err)
	}
	return &updated, nil
}

// resolved is a move with its source and destination looked up.
type resolved struct {
	item     *model.Item
	from, to planner.Position
	fromName string
	toName   string
	quantity int
	notes    string
}

func (x *Executor) move(ctx context.Context, actor model.Actor, m Move, allowRequest bool) (*Outcome, error) {
	mv, err := x.resolve(ctx, m)
	if err != nil {
		return nil, err
	}
	if mv.from.Owner() == mv.to.Owner() {
		return nil, ErrSameOwner
	}
	plan, err := planner.Classify(mv.from, mv.to, mv.item.Serialized())
	if err != nil {
		return nil, err
	}
	if !plan.Direct() && !allowRequest {
		return &Outcome{Plan: plan}, ErrRequiresRequest
	}
	return x.submit(ctx, actor, mv, plan)
}

// resolve looks up the item, the source holding and the destination.
func (x *Executor) resolve(ctx context.Context, m Move) (*resolved, error) {
	if !m.To.Valid() {
		return nil, ErrInvalidDestination
	}
	if m.Quantity < 0 {
		return nil, ErrInvalidQuantity
	}
	item, err := x.Store.Item(ctx, m.ItemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("item %s: %w", m.ItemID, ErrNotFound)
	}
	if item.Status == model.ItemStatusPendingTransfer {
		return nil, ErrTransferPending
	}

	mv := &resolved{item: item, notes: m.Notes}
	holding, err := x.source(ctx, mv, m.FromAllocationID)
	if err != nil {
		return nil, err
	}
	mv.quantity = m.Quantity
	if mv.quantity == 0 {
		mv.quantity = holding
	}
	if mv.quantity <= 0 || mv.quantity > holding {
		return nil, ErrInsufficientQuantity
	}

	mv.to, mv.toName, err = x.position(ctx, m.To)
	if err != nil {
		return nil, err
	}
	return mv, nil
}

// source fills in the move's origin and returns how much it holds.
func (x *Executor) source(ctx context.Context, mv *resolved, fromID string) (int, error) {
	active, err := x.Store.ActiveAllocations(ctx, mv.item.ID)
	if err != nil {
		return 0, err
	}
	pool := func() int {
		held := 0
		for _, a := range active {
			held += a.Quantity
		}
		mv.from = planner.Unassigned
		return mv.item.TotalQuantity - held
	}

	var alloc *model.Allocation
	switch {
	case fromID == engine.PoolRowID(mv.item.ID):
		return pool(), nil
	case fromID != "":
		for i := range active {
			if active[i].ID == fromID {
				alloc = &active[i]
			}
		}
		if alloc == nil {
			return 0, fmt.Errorf("allocation %s: %w", fromID, ErrNotFound)
		}
	case len(active) == 0:
		return pool(), nil
	case len(active) == 1:
		alloc = &active[0]
	default:
		return 0, ErrAmbiguousSource
	}

	mv.from, mv.fromName, err = x.position(ctx, alloc.Owner())
	if err != nil {
		return 0, err
	}
	return alloc.Quantity, nil
}

// position resolves an owner's level and display name.
func (x *Executor) position(ctx context.Context, o model.Owner) (planner.Position, string, error) {
	switch {
	case o.PersonID != "":
		p, err := x.Directory.Person(ctx, o.PersonID)
		if err != nil {
			return planner.Position{}, "", err
		}
		if p == nil {
			return planner.Position{}, "", fmt.Errorf("person %s: %w", o.PersonID, ErrNotFound)
		}
		return planner.Position{Level: planner.LevelIndividual, PersonID: p.ID}, p.DisplayName(), nil
	case o.UnitID != "":
		u, err := x.Directory.Unit(ctx, o.UnitID)
		if err != nil {
			return planner.Position{}, "", err
		}
		if u == nil {
			return planner.Position{}, "", fmt.Errorf("unit %s: %w", o.UnitID, ErrNotFound)
		}
		return planner.Position{Level: planner.LevelOf(u.Type), UnitID: u.ID}, u.Name, nil
	}
	return planner.Unassigned, "", nil
}

// submit commits the request, flags the item and, for direct moves, approves.
func (x *Executor) submit(ctx context.Context, actor model.Actor, mv *resolved, plan planner.Plan) (*Outcome, error) {
	now := x.Now()
	qty := mv.quantity
	from, to := mv.from.Owner(), mv.to.Owner()
	r := &model.TransferRequest{
		ID:           x.NewID(),
		ItemID:       mv.item.ID,
		FromPersonID: from.PersonID,
		FromUnitID:   from.UnitID,
		ToPersonID:   to.PersonID,
		ToUnitID:     to.UnitID,
		Quantity:     &qty,
		Status:       model.RequestStatusPending,
		RequestedBy:  actor.UserID,
		RequestedAt:  now,
		Notes:        mv.notes,
		ItemName:     mv.item.Name,
		FromName:     mv.fromName,
		ToName:       mv.toName,
		FromLevel:    string(mv.from.Level),
		ToLevel:      string(mv.to.Level),
	}
	out := &Outcome{Plan: plan, Request: r}

	flagged := *mv.item
	flagged.Status = model.ItemStatusPendingTransfer
	flagged.UpdatedAt = now
	create := rules.Change{Collection: rules.TransferRequests, Op: rules.OpCreate, ID: r.ID, After: r}
	flag := rules.Change{Collection: rules.Items, Op: rules.OpUpdate, ID: flagged.ID, After: &flagged}

	// Nothing is committed unless every step would be accepted.
	steps := []rules.Change{create, flag}
	if plan.Direct() {
		view := newOverlay(x.Store)
		view.apply(create)
		view.apply(flag)
		approval, _, err := x.approval(ctx, view, actor, r)
		if err != nil {
			return nil, err
		}
		steps = append(steps, approval...)
	}
	if err := x.precheck(ctx, actor, steps...); err != nil {
		return nil, err
	}

	if err := x.commit(ctx, actor, create); err != nil {
		return nil, fmt.Errorf("creating transfer request: %w", err)
	}
	if err := x.commit(ctx, actor, flag); err != nil {
		return out, x.partial("flag item", r.ID, err)
	}

	if !plan.Direct() {
		slog.Info("transfer requested", "request", r.ID, "item", r.ItemID, "from", r.FromName, "to", r.ToName, "quantity", qty)
		return out, nil
	}
	if err := x.approve(ctx, actor, r); err != nil {
		return out, x.partial("approve", r.ID, err)
	}
	out.Applied = true
	return out, nil
}

func (x *Executor) partial(step, requestID string, err error) error {
	slog.Error("transfer left incomplete", "request", requestID, "step", step, "error", err)
	return &PartialError{Step: step, RequestID: requestID, Err: err}
}

func (x *Executor) pending(ctx context.Context, requestID string) (*model.TransferRequest, error) {
	r, err := x.Store.TransferRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	if r.Terminal() {
		return nil, ErrNotPending
	}
	return r, nil
}

// approve moves the requested quantity in one commit: the source holding is
// closed (leaving a remainder when partial), the destination is credited, the
// request is marked approved and the item released.
func (x *Executor) approve(ctx context.Context, actor model.Actor, r *model.TransferRequest) error {
	changes, qty, err := x.approval(ctx, x.Store, actor, r)
	if err != nil {
		return err
	}
	if err := x.commit(ctx, actor, changes...); err != nil {
		return fmt.Errorf("approving request: %w", err)
	}
	slog.Info("transfer approved", "request", r.ID, "item", r.ItemID, "from", r.FromName, "to", r.ToName, "quantity", qty, "by", actor.UserID)
	return nil
}

// approval builds the changes that apply r against view, and the quantity
// they move.
func (x *Executor) approval(ctx context.Context, view rules.View, actor model.Actor, r *model.TransferRequest) ([]rules.Change, int, error) {
	item, err := view.Item(ctx, r.ItemID)
	if err != nil {
		return nil, 0, err
	}
	if item == nil {
		return nil, 0, fmt.Errorf("item %s: %w", r.ItemID, ErrNotFound)
	}
	active, err := view.ActiveAllocations(ctx, r.ItemID)
	if err != nil {
		return nil, 0, err
	}

	now := x.Now()
	from, to := r.From(), r.To()
	var changes []rules.Change

	var held []model.Allocation
	allocated := 0
	for _, a := range active {
		allocated += a.Quantity
		if !from.IsZero() && a.Owner() == from {
			held = append(held, a)
		}
	}

	qty := 0
	if from.IsZero() {
		available := item.TotalQuantity - allocated
		qty = available
		if r.Quantity != nil {
			qty = *r.Quantity
		}
		if qty <= 0 || qty > available {
			return nil, 0, ErrInsufficientQuantity
		}
	} else {
		total := 0
		for _, a := range held {
			total += a.Quantity
		}
		qty = total
		if r.Quantity != nil {
			qty = *r.Quantity
		}
		if qty <= 0 || qty > total {
			return nil, 0, ErrInsufficientQuantity
		}
		left := qty
		for _, a := range held {
			if left == 0 {
				break
			}
			closed := a
			closed.ReturnedAt = &now
			changes = append(changes, rules.Change{Collection: rules.Allocations, Op: rules.OpUpdate, ID: a.ID, After: &closed})
			take := min(left, a.Quantity)
			left -= take
			if rest := a.Quantity - take; rest > 0 {
				id := x.NewID()
				changes = append(changes, rules.Change{Collection: rules.Allocations, Op: rules.OpCreate, ID: id, After: &model.Allocation{
					ID:         id,
					ItemID:     a.ItemID,
					PersonID:   a.PersonID,
					UnitID:     a.UnitID,
					Quantity:   rest,
					AssignedAt: now,
					AssignedBy: actor.UserID,
				}})
			}
		}
	}

	if !to.IsZero() {
		var existing *model.Allocation
		for i := range active {
			if active[i].Owner() == to {
				existing = &active[i]
				break
			}
		}
		if existing != nil {
			credited := *existing
			credited.Quantity += qty
			changes = append(changes, rules.Change{Collection: rules.Allocations, Op: rules.OpUpdate, ID: existing.ID, After: &credited})
		} else {
			id := x.NewID()
			changes = append(changes, rules.Change{Collection: rules.Allocations, Op: rules.OpCreate, ID: id, After: &model.Allocation{
				ID:         id,
				ItemID:     r.ItemID,
				PersonID:   to.PersonID,
				UnitID:     to.UnitID,
				Quantity:   qty,
				AssignedAt: now,
				AssignedBy: actor.UserID,
			}})
		}
	}

	changes = append(changes, x.decision(actor, *r, model.RequestStatusApproved, now))
	released := *item
	released.Status = model.ItemStatusServiceable
	released.UpdatedAt = now
	changes = append(changes, rules.Change{Collection: rules.Items, Op: rules.OpUpdate, ID: item.ID, After: &released})
	return changes, qty, nil
}

func (x *Executor) decision(actor model.Actor, r model.TransferRequest, status string, now time.Time) rules.Change {
	r.Status = status
	r.DecidedBy = actor.UserID
	r.DecidedAt = &now
	return rules.Change{Collection: rules.TransferRequests, Op: rules.OpUpdate, ID: r.ID, After: &r}
}

// releaseItem returns the change that flips a flagged item back to
// serviceable, if it is flagged.
func (x *Executor) releaseItem(ctx context.Context, itemID string, now time.Time) (rules.Change, bool, error) {
	item, err := x.Store.Item(ctx, itemID)
	if err != nil || item == nil || item.Status != model.ItemStatusPendingTransfer {
		return rules.Change{}, false, err
	}
	released := *item
	released.Status = model.ItemStatusServiceable
	released.UpdatedAt = now
	return rules.Change{Collection: rules.Items, Op: rules.OpUpdate, ID: itemID, After: &released}, true, nil
}

// commit pre-checks changes against the current state with earlier changes
// layered on, then hands them to the store. The pre-check does not report
// violations to the guard's observer; the store's check does.
func (x *Executor) commit(ctx context.Context, actor model.Actor, changes ...rules.Change) error {
	if err := x.precheck(ctx, actor, changes...); err != nil {
		return err
	}
	return x.Store.Commit(ctx, actor, changes...)
}

// precheck evaluates changes in order against an overlay of the store, so a
// later change sees the earlier ones applied.
func (x *Executor) precheck(ctx context.Context, actor model.Actor, changes ...rules.Change) error {
	if x.Guard == nil {
		return nil
	}
	view := newOverlay(x.Store)
	for _, c := range changes {
		before, err := view.before(ctx, c)
		if err != nil {
			return err
		}
		c.Before = before
		res, err := x.Guard.Evaluate(ctx, view, actor, c)
		if err != nil {
			return err
		}
		if res.HasBlocking() {
			return &rules.RejectionError{Result: res}
		}
		view.apply(c)
	}
	return nil
}
