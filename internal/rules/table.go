package rules

import (
	"context"
	"fmt"

	"github.com/erazemk/oprema/internal/model"
	"github.com/erazemk/oprema/internal/planner"
)

// DefaultGuard builds a guard with the full ledger rule table.
func DefaultGuard() *Guard {
	g := NewGuard()
	for _, r := range table {
		g.Register(r)
	}
	return g
}

// table is evaluated in order; every rule sees every change and ignores the
// collections it does not cover.
var table = []Rule{
	ruleFunc{"positive_quantity", positiveQuantity},
	ruleFunc{"serialized_individual", serializedIndividual},
	ruleFunc{"allocation_owner", allocationOwner},
	ruleFunc{"quantity_conservation", quantityConservation},
	ruleFunc{"returned_at_monotonic", returnedAtMonotonic},
	ruleFunc{"request_create", requestCreate},
	ruleFunc{"request_terminal", requestTerminal},
	ruleFunc{"unit_structure", unitStructure},
	ruleFunc{"scope", scope},
	ruleFunc{"role_gated_fields", roleGatedFields},
	ruleFunc{"unit_lifecycle", unitLifecycle},
	ruleFunc{"item_delete", itemDelete},
}

type ruleFunc struct {
	name string
	eval func(ctx context.Context, e *evaluation) error
}

func (r ruleFunc) Name() string { return r.name }

func (r ruleFunc) Evaluate(ctx context.Context, view View, actor model.Actor, change Change) (Result, error) {
	e := &evaluation{rule: r.name, view: view, actor: actor, change: change}
	if err := r.eval(ctx, e); err != nil {
		return Result{}, err
	}
	return e.res, nil
}

// evaluation carries one rule's inputs and collects its violations.
type evaluation struct {
	rule   string
	view   View
	actor  model.Actor
	change Change
	res    Result
}

func (e *evaluation) block(format string, args ...any) {
	e.res.Violations = append(e.res.Violations, Violation{
		Rule:       e.rule,
		Severity:   SeverityBlock,
		Message:    fmt.Sprintf(format, args...),
		Collection: e.change.Collection,
		ID:         e.change.ID,
	})
}

func (e *evaluation) is(c Collection, ops ...Op) bool {
	if e.change.Collection != c {
		return false
	}
	if len(ops) == 0 {
		return true
	}
	for _, op := range ops {
		if e.change.Op == op {
			return true
		}
	}
	return false
}

func asItem(v any) *model.Item {
	i, _ := v.(*model.Item)
	return i
}

func asAllocation(v any) *model.Allocation {
	a, _ := v.(*model.Allocation)
	return a
}

func asRequest(v any) *model.TransferRequest {
	r, _ := v.(*model.TransferRequest)
	return r
}

func asUnit(v any) *model.Unit {
	u, _ := v.(*model.Unit)
	return u
}

func asPerson(v any) *model.Person {
	p, _ := v.(*model.Person)
	return p
}

func positiveQuantity(_ context.Context, e *evaluation) error {
	switch {
	case e.is(Items, OpCreate, OpUpdate):
		if it := asItem(e.change.After); it != nil && it.TotalQuantity <= 0 {
			e.block("total quantity must be positive, got %d", it.TotalQuantity)
		}
	case e.is(Allocations, OpCreate, OpUpdate):
		if a := asAllocation(e.change.After); a != nil && a.Quantity <= 0 {
			e.block("allocation quantity must be positive, got %d", a.Quantity)
		}
	case e.is(TransferRequests, OpCreate, OpUpdate):
		if r := asRequest(e.change.After); r != nil && r.Quantity != nil && *r.Quantity <= 0 {
			e.block("request quantity must be positive, got %d", *r.Quantity)
		}
	}
	return nil
}

func serializedIndividual(ctx context.Context, e *evaluation) error {
	switch {
	case e.is(Items, OpCreate, OpUpdate):
		if it := asItem(e.change.After); it != nil && it.Serialized() && it.TotalQuantity != 1 {
			e.block("serialized item %s must have quantity 1", it.SerialNumber)
		}
	case e.is(Allocations, OpCreate, OpUpdate):
		a := asAllocation(e.change.After)
		if a == nil || !a.Active() {
			return nil
		}
		item, err := e.view.Item(ctx, a.ItemID)
		if err != nil {
			return err
		}
		if item == nil || !item.Serialized() {
			return nil
		}
		if a.PersonID == "" {
			e.block("serialized item %s can only be allocated to an individual", item.SerialNumber)
		}
		if a.Quantity != 1 {
			e.block("serialized item %s can only be allocated with quantity 1", item.SerialNumber)
		}
	case e.is(TransferRequests, OpCreate):
		r := asRequest(e.change.After)
		if r == nil || r.ToUnitID == "" {
			return nil
		}
		item, err := e.view.Item(ctx, r.ItemID)
		if err != nil {
			return err
		}
		if item != nil && item.Serialized() {
			e.block("serialized item %s can only be transferred to an individual", item.SerialNumber)
		}
	}
	return nil
}

func allocationOwner(ctx context.Context, e *evaluation) error {
	if !e.is(Allocations, OpCreate, OpUpdate) {
		return nil
	}
	a := asAllocation(e.change.After)
	if a == nil {
		return nil
	}
	if (a.PersonID == "") == (a.UnitID == "") {
		e.block("allocation must name exactly one of person or unit")
		return nil
	}
	if e.change.Op == OpCreate && a.ReturnedAt != nil {
		e.block("allocation cannot be created already returned")
	}

	item, err := e.view.Item(ctx, a.ItemID)
	if err != nil {
		return err
	}
	if item == nil {
		e.block("item %s not found", a.ItemID)
	}

	if e.change.Op != OpCreate {
		return nil
	}
	if a.PersonID != "" {
		p, err := e.view.Person(ctx, a.PersonID)
		if err != nil {
			return err
		}
		if p == nil {
			e.block("person %s not found", a.PersonID)
		}
	} else {
		u, err := e.view.Unit(ctx, a.UnitID)
		if err != nil {
			return err
		}
		if u == nil {
			e.block("unit %s not found", a.UnitID)
		}
	}
	return nil
}

func quantityConservation(ctx context.Context, e *evaluation) error {
	switch {
	case e.is(Allocations, OpCreate, OpUpdate):
		a := asAllocation(e.change.After)
		if a == nil || !a.Active() {
			return nil
		}
		item, err := e.view.Item(ctx, a.ItemID)
		if err != nil || item == nil {
			return err
		}
		active, err := e.view.ActiveAllocations(ctx, a.ItemID)
		if err != nil {
			return err
		}
		sum := a.Quantity
		for _, other := range active {
			if other.ID != a.ID {
				sum += other.Quantity
			}
		}
		if sum > item.TotalQuantity {
			e.block("allocations of %s would total %d, more than the %d on hand", item.Name, sum, item.TotalQuantity)
		}
	case e.is(Items, OpUpdate):
		it := asItem(e.change.After)
		if it == nil {
			return nil
		}
		active, err := e.view.ActiveAllocations(ctx, it.ID)
		if err != nil {
			return err
		}
		sum := 0
		for _, a := range active {
			sum += a.Quantity
		}
		if it.TotalQuantity < sum {
			e.block("total quantity %d is below the %d currently allocated", it.TotalQuantity, sum)
		}
	}
	return nil
}

func returnedAtMonotonic(_ context.Context, e *evaluation) error {
	if !e.is(Allocations, OpUpdate) {
		return nil
	}
	before, after := asAllocation(e.change.Before), asAllocation(e.change.After)
	if before == nil || after == nil {
		return nil
	}
	if before.ItemID != after.ItemID || before.PersonID != after.PersonID || before.UnitID != after.UnitID {
		e.block("allocation item and owner are immutable")
	}
	if before.ReturnedAt == nil {
		return nil
	}
	switch {
	case after.ReturnedAt == nil:
		e.block("returned_at cannot be cleared once set")
	case !after.ReturnedAt.Equal(*before.ReturnedAt):
		e.block("returned_at cannot be changed once set")
	}
	if after.Quantity != before.Quantity {
		e.block("returned allocation quantity is frozen")
	}
	return nil
}

func requestCreate(ctx context.Context, e *evaluation) error {
	if !e.is(TransferRequests, OpCreate) {
		return nil
	}
	r := asRequest(e.change.After)
	if r == nil {
		return nil
	}
	if r.Status != model.RequestStatusPending {
		e.block("request must be created pending, got %q", r.Status)
	}
	if r.RequestedBy != e.actor.UserID {
		e.block("requested_by must be the authenticated account")
	}
	if r.DecidedBy != "" || r.DecidedAt != nil {
		e.block("request cannot be created decided")
	}
	if !r.From().Valid() || !r.To().Valid() {
		e.block("request must name at most one source and one destination owner")
	}
	if r.From() == r.To() {
		e.block("request source and destination are the same owner")
	}

	item, err := e.view.Item(ctx, r.ItemID)
	if err != nil {
		return err
	}
	if item == nil {
		e.block("item %s not found", r.ItemID)
		return nil
	}
	if item.Status == model.ItemStatusPendingTransfer {
		e.block("item %s already has a transfer pending", item.Name)
		return nil
	}
	pending, err := e.view.PendingRequests(ctx, r.ItemID)
	if err != nil {
		return err
	}
	for _, p := range pending {
		if p.ID != r.ID {
			e.block("item %s already has pending request %s", item.Name, p.ID)
			break
		}
	}
	return nil
}

// requestMachine lists the legal request transitions; terminal states have none.
var requestMachine = map[string]map[string]struct{}{
	model.RequestStatusPending: toSet(model.RequestStatusApproved, model.RequestStatusRejected),
}

func requestTerminal(_ context.Context, e *evaluation) error {
	switch {
	case e.is(TransferRequests, OpDelete):
		if !e.actor.Elevated() {
			e.block("transfer requests can only be deleted by an administrator")
		}
		return nil
	case !e.is(TransferRequests, OpUpdate):
		return nil
	}

	before, after := asRequest(e.change.Before), asRequest(e.change.After)
	if before == nil || after == nil {
		return nil
	}
	next, ok := requestMachine[before.Status]
	if !ok {
		e.block("request is %s and can no longer change", before.Status)
		return nil
	}
	if _, ok := next[after.Status]; !ok {
		e.block("request cannot move from %s to %q", before.Status, after.Status)
		return nil
	}
	if before.ItemID != after.ItemID || before.From() != after.From() || before.To() != after.To() ||
		!sameQuantity(before.Quantity, after.Quantity) || before.RequestedBy != after.RequestedBy ||
		!before.RequestedAt.Equal(after.RequestedAt) {
		e.block("only status and decision fields of a request can change")
	}
	if after.DecidedBy != e.actor.UserID {
		e.block("decided_by must be the authenticated account")
	}
	if !canDecide(e.actor, before, after.Status) {
		e.block("not allowed to %s this request", verb(after.Status))
	}
	return nil
}

// canDecide allows the recipient and managers to decide a request; the
// requester may withdraw it, and may approve it when the move would not have
// needed a request in the first place or hands the requester's own holding
// back to the pool.
func canDecide(actor model.Actor, r *model.TransferRequest, status string) bool {
	if model.RoleAtLeast(actor.Role, model.RoleManager) {
		return true
	}
	if r.ToUnitID != "" && actor.UnitID == r.ToUnitID {
		return true
	}
	if r.ToPersonID != "" && actor.PersonID == r.ToPersonID {
		return true
	}
	if actor.UserID != r.RequestedBy {
		return false
	}
	if status == model.RequestStatusRejected {
		return true
	}
	if returnsOwnHolding(actor, r) {
		return true
	}
	plan, err := planner.Classify(position(r.FromLevel, r.From()), position(r.ToLevel, r.To()), false)
	return err == nil && plan.Direct()
}

// returnsOwnHolding reports whether r moves a holding of the actor, or of the
// actor's unit, to the unassigned pool.
func returnsOwnHolding(actor model.Actor, r *model.TransferRequest) bool {
	if !r.To().IsZero() {
		return false
	}
	switch {
	case r.FromPersonID != "":
		return r.FromPersonID == actor.PersonID
	case r.FromUnitID != "":
		return r.FromUnitID == actor.UnitID
	}
	return false
}

func position(level string, o model.Owner) planner.Position {
	if o.IsZero() {
		return planner.Unassigned
	}
	return planner.Position{Level: planner.Level(level), UnitID: o.UnitID, PersonID: o.PersonID}
}

func verb(status string) string {
	if status == model.RequestStatusApproved {
		return "approve"
	}
	return "reject"
}

func sameQuantity(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func unitStructure(ctx context.Context, e *evaluation) error {
	switch {
	case e.is(Units, OpDelete):
		inUse, err := e.view.UnitInUse(ctx, e.change.ID)
		if err != nil {
			return err
		}
		if inUse {
			e.block("unit still has sub-units, members or equipment")
		}
		return nil
	case !e.is(Units, OpCreate, OpUpdate):
		return nil
	}

	u := asUnit(e.change.After)
	if u == nil {
		return nil
	}
	if u.ParentID != "" && u.ParentID == u.ID {
		e.block("unit cannot be its own parent")
		return nil
	}
	if !model.ValidUnitType(u.Type) {
		e.block("invalid unit type %q", u.Type)
		return nil
	}

	want, needsParent := model.ParentType(u.Type)
	if !needsParent {
		if u.ParentID != "" {
			e.block("a battalion cannot have a parent")
		}
		if u.ScopeID != u.ID {
			e.block("a battalion is its own scope")
		}
		return nil
	}
	if u.ParentID == "" {
		e.block("a %s needs a parent %s", u.Type, want)
		return nil
	}
	parent, err := e.view.Unit(ctx, u.ParentID)
	if err != nil {
		return err
	}
	if parent == nil {
		e.block("parent unit %s not found", u.ParentID)
		return nil
	}
	if parent.Type != want {
		e.block("a %s must be under a %s, not a %s", u.Type, want, parent.Type)
	}
	if u.ScopeID != parent.ScopeID {
		e.block("unit scope must match its parent's scope")
	}
	return nil
}

func scope(ctx context.Context, e *evaluation) error {
	if e.actor.Elevated() || e.change.Collection == Units {
		return nil
	}
	if e.actor.ScopeID == "" {
		e.block("account is not posted to an organizational scope")
		return nil
	}
	for _, doc := range []any{e.change.Before, e.change.After} {
		if doc == nil {
			continue
		}
		id, err := scopeOf(ctx, e.view, doc)
		if err != nil {
			return err
		}
		// An unscoped document is outside every scope.
		if id != e.actor.ScopeID {
			e.block("outside the actor's organizational scope")
			return nil
		}
	}
	return nil
}

func scopeOf(ctx context.Context, view View, doc any) (string, error) {
	itemScope := func(itemID string) (string, error) {
		item, err := view.Item(ctx, itemID)
		if err != nil || item == nil {
			return "", err
		}
		return item.ScopeID, nil
	}
	switch d := doc.(type) {
	case *model.Item:
		return d.ScopeID, nil
	case *model.Allocation:
		return itemScope(d.ItemID)
	case *model.TransferRequest:
		return itemScope(d.ItemID)
	case *model.Person:
		u, err := view.Unit(ctx, d.UnitID)
		if err != nil || u == nil {
			return "", err
		}
		return u.ScopeID, nil
	}
	return "", nil
}

func roleGatedFields(_ context.Context, e *evaluation) error {
	manager := model.RoleAtLeast(e.actor.Role, model.RoleManager)
	switch {
	case e.is(Items, OpCreate):
		it := asItem(e.change.After)
		if !manager {
			e.block("creating items requires the manager role")
		}
		if it != nil && it.CreatedBy != e.actor.Principal() {
			e.block("created_by must be the acting principal")
		}
		if it != nil && it.Status != model.ItemStatusServiceable {
			e.block("items are created serviceable")
		}
	case e.is(Items, OpUpdate):
		before, after := asItem(e.change.Before), asItem(e.change.After)
		if before == nil || after == nil {
			return nil
		}
		if before.CreatedBy != after.CreatedBy || before.ScopeID != after.ScopeID {
			e.block("item creator and scope are immutable")
		}
		if !model.ValidItemStatus(after.Status) {
			e.block("invalid item status %q", after.Status)
		}
		edited := before.Name != after.Name || before.Description != after.Description ||
			before.SerialNumber != after.SerialNumber || before.ImageMime != after.ImageMime
		if !manager && edited {
			e.block("editing items requires the manager role")
		}
		if !manager && before.TotalQuantity != after.TotalQuantity {
			e.block("restocking requires the manager role")
		}
	case e.is(Allocations, OpDelete):
		if !e.actor.Elevated() {
			e.block("allocations are returned, not deleted")
		}
	case e.is(Persons, OpCreate, OpUpdate):
		if !manager {
			e.block("managing persons requires the manager role")
		}
		before, after := asPerson(e.change.Before), asPerson(e.change.After)
		changed := after != nil && after.SignatureAuthority
		if before != nil && after != nil {
			changed = before.SignatureAuthority != after.SignatureAuthority
		}
		if changed && !e.actor.Elevated() {
			e.block("signature authority can only be granted by an administrator")
		}
	case e.is(Persons, OpDelete):
		if !e.actor.Elevated() {
			e.block("deleting persons requires the admin role")
		}
	}
	return nil
}

func unitLifecycle(_ context.Context, e *evaluation) error {
	if !e.is(Units) || e.actor.Elevated() {
		return nil
	}
	if e.change.Op == OpDelete || !model.RoleAtLeast(e.actor.Role, model.RoleManager) {
		e.block("%s of units requires the admin role", e.change.Op)
		return nil
	}
	for _, u := range []*model.Unit{asUnit(e.change.Before), asUnit(e.change.After)} {
		if u != nil && (u.ScopeID != e.actor.ScopeID || e.actor.ScopeID == "") {
			e.block("managers can only change units in their own scope")
			return nil
		}
	}
	return nil
}

func itemDelete(ctx context.Context, e *evaluation) error {
	if !e.is(Items, OpDelete) {
		return nil
	}
	it := asItem(e.change.Before)
	if it == nil {
		return nil
	}
	if it.CreatedBy == e.actor.Principal() {
		return nil
	}
	if !e.actor.Elevated() {
		e.block("only the creator or an administrator can delete an item")
		return nil
	}
	active, err := e.view.ActiveAllocations(ctx, it.ID)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		e.block("item still has %d active allocations", len(active))
	}
	return nil
}

func toSet(values ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
