package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erazemk/oprema/internal/model"
)

type fakeView struct {
	items       map[string]*model.Item
	allocations []model.Allocation
	requests    []model.TransferRequest
	units       map[string]*model.Unit
	persons     map[string]*model.Person
	inUse       map[string]bool
}

func newFakeView() *fakeView {
	return &fakeView{
		items:   map[string]*model.Item{},
		units:   map[string]*model.Unit{},
		persons: map[string]*model.Person{},
		inUse:   map[string]bool{},
	}
}

func (v *fakeView) Item(_ context.Context, id string) (*model.Item, error) {
	return v.items[id], nil
}

func (v *fakeView) ActiveAllocations(_ context.Context, itemID string) ([]model.Allocation, error) {
	var out []model.Allocation
	for _, a := range v.allocations {
		if a.ItemID == itemID && a.Active() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (v *fakeView) PendingRequests(_ context.Context, itemID string) ([]model.TransferRequest, error) {
	var out []model.TransferRequest
	for _, r := range v.requests {
		if r.ItemID == itemID && r.Status == model.RequestStatusPending {
			out = append(out, r)
		}
	}
	return out, nil
}

func (v *fakeView) Unit(_ context.Context, id string) (*model.Unit, error) {
	return v.units[id], nil
}

func (v *fakeView) Person(_ context.Context, id string) (*model.Person, error) {
	return v.persons[id], nil
}

func (v *fakeView) UnitInUse(_ context.Context, id string) (bool, error) {
	return v.inUse[id], nil
}

var (
	admin   = model.Actor{UserID: "u-admin", Role: model.RoleAdmin}
	manager = model.Actor{UserID: "u-mgr", PersonID: "p-mgr", UnitID: "co-a", ScopeID: "bn", Role: model.RoleManager}
	soldier = model.Actor{UserID: "u-sol", PersonID: "p-sol", UnitID: "plt-1", ScopeID: "bn", Role: model.RoleUser}
	outside = model.Actor{UserID: "u-out", PersonID: "p-out", UnitID: "co-x", ScopeID: "bn-2", Role: model.RoleManager}
)

func seededView() *fakeView {
	v := newFakeView()
	v.units["bn"] = &model.Unit{ID: "bn", Type: model.UnitTypeBattalion, ScopeID: "bn"}
	v.units["co-a"] = &model.Unit{ID: "co-a", Type: model.UnitTypeCompany, ParentID: "bn", ScopeID: "bn"}
	v.units["plt-1"] = &model.Unit{ID: "plt-1", Type: model.UnitTypePlatoon, ParentID: "co-a", ScopeID: "bn"}
	v.persons["p-sol"] = &model.Person{ID: "p-sol", UnitID: "plt-1"}
	v.persons["p-mgr"] = &model.Person{ID: "p-mgr", UnitID: "co-a"}
	v.items["radio"] = &model.Item{ID: "radio", Name: "Radio", TotalQuantity: 5, Status: model.ItemStatusServiceable, ScopeID: "bn", CreatedBy: "p-mgr"}
	v.items["rifle"] = &model.Item{ID: "rifle", Name: "Rifle", SerialNumber: "SN-1", TotalQuantity: 1, Status: model.ItemStatusServiceable, ScopeID: "bn", CreatedBy: "p-mgr"}
	return v
}

func check(t *testing.T, view View, actor model.Actor, c Change) error {
	t.Helper()
	return DefaultGuard().Check(context.Background(), view, actor, c)
}

func expectRejected(t *testing.T, err error, rule string) {
	t.Helper()
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected rejection by %s, got %v", rule, err)
	}
	for _, v := range rej.Result.Violations {
		if v.Rule == rule {
			return
		}
	}
	t.Fatalf("expected violation of %s, got %+v", rule, rej.Result.Violations)
}

func TestQuantityMustBePositive(t *testing.T) {
	v := seededView()
	err := check(t, v, manager, Change{Collection: Items, Op: OpCreate, ID: "x",
		After: &model.Item{ID: "x", Name: "Empty", TotalQuantity: 0, Status: model.ItemStatusServiceable, ScopeID: "bn", CreatedBy: "p-mgr"}})
	expectRejected(t, err, "positive_quantity")

	err = check(t, v, manager, Change{Collection: Allocations, Op: OpCreate, ID: "a",
		After: &model.Allocation{ID: "a", ItemID: "radio", UnitID: "co-a", Quantity: 0}})
	expectRejected(t, err, "positive_quantity")
}

func TestItemCreateAllowed(t *testing.T) {
	err := check(t, seededView(), manager, Change{Collection: Items, Op: OpCreate, ID: "x",
		After: &model.Item{ID: "x", Name: "Tent", TotalQuantity: 3, Status: model.ItemStatusServiceable, ScopeID: "bn", CreatedBy: "p-mgr"}})
	if err != nil {
		t.Fatalf("expected item creation to pass: %v", err)
	}
}

func TestItemCreateRequiresManager(t *testing.T) {
	err := check(t, seededView(), soldier, Change{Collection: Items, Op: OpCreate, ID: "x",
		After: &model.Item{ID: "x", Name: "Tent", TotalQuantity: 3, Status: model.ItemStatusServiceable, ScopeID: "bn", CreatedBy: "p-sol"}})
	expectRejected(t, err, "role_gated_fields")
}

func TestQuantityConservation(t *testing.T) {
	v := seededView()
	v.allocations = []model.Allocation{{ID: "a1", ItemID: "radio", UnitID: "co-a", Quantity: 4}}

	err := check(t, v, manager, Change{Collection: Allocations, Op: OpCreate, ID: "a2",
		After: &model.Allocation{ID: "a2", ItemID: "radio", UnitID: "plt-1", Quantity: 2}})
	expectRejected(t, err, "quantity_conservation")

	err = check(t, v, manager, Change{Collection: Allocations, Op: OpCreate, ID: "a2",
		After: &model.Allocation{ID: "a2", ItemID: "radio", UnitID: "plt-1", Quantity: 1}})
	if err != nil {
		t.Fatalf("allocation within total rejected: %v", err)
	}

	// Restocking below what is allocated.
	item := *v.items["radio"]
	item.TotalQuantity = 3
	err = check(t, v, manager, Change{Collection: Items, Op: OpUpdate, ID: "radio", Before: v.items["radio"], After: &item})
	expectRejected(t, err, "quantity_conservation")
}

func TestReturnedAtIsMonotonic(t *testing.T) {
	v := seededView()
	returned := time.Now()
	before := &model.Allocation{ID: "a1", ItemID: "radio", UnitID: "co-a", Quantity: 2, ReturnedAt: &returned}
	after := *before
	after.ReturnedAt = nil

	err := check(t, v, manager, Change{Collection: Allocations, Op: OpUpdate, ID: "a1", Before: before, After: &after})
	expectRejected(t, err, "returned_at_monotonic")

	open := &model.Allocation{ID: "a2", ItemID: "radio", UnitID: "co-a", Quantity: 2}
	closed := *open
	closed.ReturnedAt = &returned
	if err := check(t, v, manager, Change{Collection: Allocations, Op: OpUpdate, ID: "a2", Before: open, After: &closed}); err != nil {
		t.Fatalf("closing an allocation rejected: %v", err)
	}
}

func TestSerializedItemOnlyToIndividuals(t *testing.T) {
	v := seededView()
	err := check(t, v, manager, Change{Collection: Allocations, Op: OpCreate, ID: "a",
		After: &model.Allocation{ID: "a", ItemID: "rifle", UnitID: "co-a", Quantity: 1}})
	expectRejected(t, err, "serialized_individual")

	err = check(t, v, manager, Change{Collection: Allocations, Op: OpCreate, ID: "a",
		After: &model.Allocation{ID: "a", ItemID: "rifle", PersonID: "p-sol", Quantity: 1}})
	if err != nil {
		t.Fatalf("serialized item to individual rejected: %v", err)
	}
}

func pendingRequest(id, itemID, requestedBy string) *model.TransferRequest {
	return &model.TransferRequest{
		ID: id, ItemID: itemID, FromUnitID: "co-a", FromLevel: "company", ToUnitID: "plt-1", ToLevel: "platoon",
		Status: model.RequestStatusPending, RequestedBy: requestedBy, RequestedAt: time.Unix(100, 0),
	}
}

func TestRequestCreatedByCaller(t *testing.T) {
	v := seededView()
	err := check(t, v, manager, Change{Collection: TransferRequests, Op: OpCreate, ID: "r1",
		After: pendingRequest("r1", "radio", "someone-else")})
	expectRejected(t, err, "request_create")

	if err := check(t, v, manager, Change{Collection: TransferRequests, Op: OpCreate, ID: "r1",
		After: pendingRequest("r1", "radio", manager.UserID)}); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}

func TestSinglePendingRequest(t *testing.T) {
	v := seededView()
	v.requests = []model.TransferRequest{*pendingRequest("r1", "radio", manager.UserID)}

	err := check(t, v, manager, Change{Collection: TransferRequests, Op: OpCreate, ID: "r2",
		After: pendingRequest("r2", "radio", manager.UserID)})
	expectRejected(t, err, "request_create")

	v.requests = nil
	v.items["radio"].Status = model.ItemStatusPendingTransfer
	err = check(t, v, manager, Change{Collection: TransferRequests, Op: OpCreate, ID: "r2",
		After: pendingRequest("r2", "radio", manager.UserID)})
	expectRejected(t, err, "request_create")
}

func TestRequestMustBeCreatedPending(t *testing.T) {
	r := pendingRequest("r1", "radio", manager.UserID)
	r.Status = model.RequestStatusApproved
	err := check(t, seededView(), manager, Change{Collection: TransferRequests, Op: OpCreate, ID: "r1", After: r})
	expectRejected(t, err, "request_create")
}

func TestTerminalRequestIsFrozen(t *testing.T) {
	v := seededView()
	before := pendingRequest("r1", "radio", manager.UserID)
	before.Status = model.RequestStatusApproved
	after := *before
	after.Status = model.RequestStatusRejected
	after.DecidedBy = admin.UserID

	err := check(t, v, admin, Change{Collection: TransferRequests, Op: OpUpdate, ID: "r1", Before: before, After: &after})
	expectRejected(t, err, "request_terminal")
}

func TestRequestDecisions(t *testing.T) {
	v := seededView()
	decide := func(actor model.Actor, status string) error {
		before := pendingRequest("r1", "radio", manager.UserID)
		after := *before
		after.Status = status
		after.DecidedBy = actor.UserID
		now := time.Now()
		after.DecidedAt = &now
		return check(t, v, actor, Change{Collection: TransferRequests, Op: OpUpdate, ID: "r1", Before: before, After: &after})
	}

	// The destination platoon member is the recipient.
	if err := decide(soldier, model.RequestStatusApproved); err != nil {
		t.Errorf("recipient approval rejected: %v", err)
	}

	// Company to platoon is not direct, so a requester without manager role
	// cannot approve it; they can withdraw it.
	requester := model.Actor{UserID: manager.UserID, PersonID: "p-x", UnitID: "co-a", ScopeID: "bn", Role: model.RoleUser}
	expectRejected(t, decide(requester, model.RequestStatusApproved), "request_terminal")
	if err := decide(requester, model.RequestStatusRejected); err != nil {
		t.Errorf("requester withdrawal rejected: %v", err)
	}

	// Back to pending is never allowed.
	expectRejected(t, decide(admin, model.RequestStatusPending), "request_terminal")
}

func TestRequestDecisionFieldsImmutable(t *testing.T) {
	before := pendingRequest("r1", "radio", manager.UserID)
	after := *before
	after.Status = model.RequestStatusApproved
	after.DecidedBy = admin.UserID
	after.ToUnitID = "co-a"
	err := check(t, seededView(), admin, Change{Collection: TransferRequests, Op: OpUpdate, ID: "r1", Before: before, After: &after})
	expectRejected(t, err, "request_terminal")
}

func TestUnitCannotParentItself(t *testing.T) {
	err := check(t, seededView(), admin, Change{Collection: Units, Op: OpUpdate, ID: "co-a",
		Before: &model.Unit{ID: "co-a", Type: model.UnitTypeCompany, ParentID: "bn", ScopeID: "bn"},
		After:  &model.Unit{ID: "co-a", Type: model.UnitTypeCompany, ParentID: "co-a", ScopeID: "bn"}})
	expectRejected(t, err, "unit_structure")
}

func TestUnitHierarchyShape(t *testing.T) {
	v := seededView()
	err := check(t, v, admin, Change{Collection: Units, Op: OpCreate, ID: "plt-x",
		After: &model.Unit{ID: "plt-x", Type: model.UnitTypePlatoon, ParentID: "bn", ScopeID: "bn"}})
	expectRejected(t, err, "unit_structure")

	if err := check(t, v, admin, Change{Collection: Units, Op: OpCreate, ID: "plt-x",
		After: &model.Unit{ID: "plt-x", Type: model.UnitTypePlatoon, ParentID: "co-a", ScopeID: "bn"}}); err != nil {
		t.Fatalf("valid platoon rejected: %v", err)
	}
}

func TestUnitLifecycleRoles(t *testing.T) {
	v := seededView()
	platoon := &model.Unit{ID: "plt-2", Type: model.UnitTypePlatoon, ParentID: "co-a", ScopeID: "bn"}

	if err := check(t, v, manager, Change{Collection: Units, Op: OpCreate, ID: "plt-2", After: platoon}); err != nil {
		t.Errorf("manager creating unit in own scope rejected: %v", err)
	}
	expectRejected(t, check(t, v, soldier, Change{Collection: Units, Op: OpCreate, ID: "plt-2", After: platoon}), "unit_lifecycle")
	expectRejected(t, check(t, v, outside, Change{Collection: Units, Op: OpCreate, ID: "plt-2", After: platoon}), "unit_lifecycle")
	expectRejected(t, check(t, v, manager, Change{Collection: Units, Op: OpDelete, ID: "plt-1", Before: v.units["plt-1"]}), "unit_lifecycle")

	v.inUse["plt-1"] = true
	expectRejected(t, check(t, v, admin, Change{Collection: Units, Op: OpDelete, ID: "plt-1", Before: v.units["plt-1"]}), "unit_structure")
}

func TestScopeEnforced(t *testing.T) {
	v := seededView()
	err := check(t, v, outside, Change{Collection: Allocations, Op: OpCreate, ID: "a",
		After: &model.Allocation{ID: "a", ItemID: "radio", UnitID: "co-a", Quantity: 1}})
	expectRejected(t, err, "scope")

	if err := check(t, v, admin, Change{Collection: Allocations, Op: OpCreate, ID: "a",
		After: &model.Allocation{ID: "a", ItemID: "radio", UnitID: "co-a", Quantity: 1}}); err != nil {
		t.Errorf("elevated actor rejected across scope: %v", err)
	}

	// A manager account with no unit has no scope to write in.
	unposted := model.Actor{UserID: "u-x", Role: model.RoleManager}
	err = check(t, v, unposted, Change{Collection: Items, Op: OpCreate, ID: "x",
		After: &model.Item{ID: "x", Name: "Tent", TotalQuantity: 1, Status: model.ItemStatusServiceable, CreatedBy: "u-x"}})
	expectRejected(t, err, "scope")

	// A document without a scope belongs to no one's scope.
	err = check(t, v, manager, Change{Collection: Items, Op: OpCreate, ID: "x",
		After: &model.Item{ID: "x", Name: "Tent", TotalQuantity: 1, Status: model.ItemStatusServiceable, CreatedBy: "p-mgr"}})
	expectRejected(t, err, "scope")
}

func TestHolderReturnsOwnHolding(t *testing.T) {
	v := seededView()
	qty := 1
	decide := func(actor model.Actor, from model.Owner) error {
		before := &model.TransferRequest{ID: "r1", ItemID: "radio", FromPersonID: from.PersonID, FromUnitID: from.UnitID,
			FromLevel: "individual", Quantity: &qty, Status: model.RequestStatusPending,
			RequestedBy: actor.UserID, RequestedAt: time.Now()}
		if from.UnitID != "" {
			before.FromLevel = "platoon"
		}
		after := *before
		after.Status = model.RequestStatusApproved
		after.DecidedBy = actor.UserID
		now := time.Now()
		after.DecidedAt = &now
		return check(t, v, actor, Change{Collection: TransferRequests, Op: OpUpdate, ID: "r1", Before: before, After: &after})
	}

	if err := decide(soldier, model.Owner{PersonID: "p-sol"}); err != nil {
		t.Errorf("returning own holding rejected: %v", err)
	}
	if err := decide(soldier, model.Owner{UnitID: "plt-1"}); err != nil {
		t.Errorf("returning own unit's holding rejected: %v", err)
	}
	expectRejected(t, decide(soldier, model.Owner{PersonID: "p-mgr"}), "request_terminal")
	expectRejected(t, decide(soldier, model.Owner{UnitID: "co-a"}), "request_terminal")
}

func TestSignatureAuthorityIsAdminOnly(t *testing.T) {
	v := seededView()
	before := v.persons["p-sol"]
	after := *before
	after.SignatureAuthority = true

	expectRejected(t, check(t, v, manager, Change{Collection: Persons, Op: OpUpdate, ID: "p-sol", Before: before, After: &after}), "role_gated_fields")
	if err := check(t, v, admin, Change{Collection: Persons, Op: OpUpdate, ID: "p-sol", Before: before, After: &after}); err != nil {
		t.Errorf("admin granting signature authority rejected: %v", err)
	}
}

func TestItemDelete(t *testing.T) {
	v := seededView()
	v.allocations = []model.Allocation{{ID: "a1", ItemID: "radio", UnitID: "co-a", Quantity: 1}}
	del := Change{Collection: Items, Op: OpDelete, ID: "radio", Before: v.items["radio"]}

	if err := check(t, v, manager, del); err != nil {
		t.Errorf("creator delete rejected: %v", err)
	}
	expectRejected(t, check(t, v, admin, del), "item_delete")
	expectRejected(t, check(t, v, soldier, del), "item_delete")

	v.allocations = nil
	if err := check(t, v, admin, del); err != nil {
		t.Errorf("admin delete of unallocated item rejected: %v", err)
	}
}

func TestOnViolationHook(t *testing.T) {
	g := DefaultGuard()
	var seen []string
	g.OnViolation = func(v Violation) { seen = append(seen, v.Rule) }

	err := g.Check(context.Background(), seededView(), manager, Change{Collection: Units, Op: OpDelete, ID: "plt-1"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if len(seen) == 0 {
		t.Error("expected OnViolation to be called")
	}
}

func TestCanRead(t *testing.T) {
	g := DefaultGuard()
	if !g.CanRead(manager, "bn") {
		t.Error("same scope read denied")
	}
	if g.CanRead(manager, "bn-2") {
		t.Error("cross scope read allowed")
	}
	if !g.CanRead(admin, "bn-2") {
		t.Error("elevated read denied")
	}
	if g.CanRead(model.Actor{Role: model.RoleUser}, "") {
		t.Error("unscoped actor read allowed")
	}
}

func TestResultMerge(t *testing.T) {
	var result Result
	result.Merge(Result{Violations: []Violation{{Rule: "warn", Severity: SeverityWarn}}})
	if result.HasBlocking() {
		t.Fatal("expected no blocking violations")
	}
	result.Merge(Result{Violations: []Violation{{Rule: "block", Severity: SeverityBlock, Message: "no"}}})
	if !result.HasBlocking() {
		t.Fatal("expected blocking violation")
	}
	err := &RejectionError{Result: result}
	if err.Error() != "write rejected: block: no" {
		t.Errorf("unexpected error string %q", err.Error())
	}
}
