package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erazemk/oprema/internal/db"
	"github.com/erazemk/oprema/internal/directory"
	"github.com/erazemk/oprema/internal/engine"
	"github.com/erazemk/oprema/internal/model"
	"github.com/erazemk/oprema/internal/planner"
	"github.com/erazemk/oprema/internal/rules"
	"github.com/erazemk/oprema/internal/store"
)

var (
	testAdmin = model.Actor{UserID: "admin", Role: model.RoleAdmin}
	manager   = model.Actor{UserID: "u-mgr", PersonID: "p-mgr", UnitID: "co", ScopeID: "bn", Role: model.RoleManager}
	soldier   = model.Actor{UserID: "u1", PersonID: "p1", UnitID: "plt", ScopeID: "bn", Role: model.RoleUser}
)

// countingStore fails the commit numbered failAt (1-based) and counts calls.
type countingStore struct {
	Store
	calls  int
	failAt int
}

func (c *countingStore) Commit(ctx context.Context, actor model.Actor, changes ...rules.Change) error {
	c.calls++
	if c.calls == c.failAt {
		return errors.New("connection lost")
	}
	return c.Store.Commit(ctx, actor, changes...)
}

// newExecutor seeds battalion bn > company co > platoon plt, a person p1 in
// the platoon and a manager p-mgr in the company.
func newExecutor(t *testing.T) (*Executor, *store.Store, *countingStore) {
	t.Helper()
	s := store.New(db.NewTestDB(t), rules.DefaultGuard())
	t.Cleanup(s.Close)
	now := time.Now().UTC()

	err := s.Commit(context.Background(), testAdmin,
		rules.Change{Collection: rules.Units, Op: rules.OpCreate, ID: "bn",
			After: &model.Unit{ID: "bn", Name: "1st Battalion", Type: model.UnitTypeBattalion, ScopeID: "bn", CreatedAt: now}},
		rules.Change{Collection: rules.Units, Op: rules.OpCreate, ID: "co",
			After: &model.Unit{ID: "co", Name: "A Company", Type: model.UnitTypeCompany, ParentID: "bn", ScopeID: "bn", CreatedAt: now}},
		rules.Change{Collection: rules.Units, Op: rules.OpCreate, ID: "plt",
			After: &model.Unit{ID: "plt", Name: "1st Platoon", Type: model.UnitTypePlatoon, ParentID: "co", ScopeID: "bn", CreatedAt: now}},
		rules.Change{Collection: rules.Persons, Op: rules.OpCreate, ID: "p1",
			After: &model.Person{ID: "p1", FirstName: "Ana", LastName: "Novak", UnitID: "plt", CreatedAt: now}},
		rules.Change{Collection: rules.Persons, Op: rules.OpCreate, ID: "p-mgr",
			After: &model.Person{ID: "p-mgr", FirstName: "Marko", LastName: "Kos", UnitID: "co", CreatedAt: now}},
	)
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}

	cs := &countingStore{Store: s}
	return New(cs, directory.New(s, nil, 0), rules.DefaultGuard()), s, cs
}

func createItem(t *testing.T, x *Executor, spec ItemSpec) *model.Item {
	t.Helper()
	item, _, err := x.CreateItem(context.Background(), manager, spec, nil)
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	return item
}

func assign(t *testing.T, x *Executor, itemID string, to model.Owner, qty int) {
	t.Helper()
	out, err := x.Assign(context.Background(), manager, Move{ItemID: itemID, FromAllocationID: engine.PoolRowID(itemID), To: to, Quantity: qty})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if !out.Applied {
		t.Fatalf("expected move to apply, got %+v", out)
	}
}

// holdings returns active quantity per owner.
func holdings(t *testing.T, s *store.Store, itemID string) map[model.Owner]int {
	t.Helper()
	active, err := s.ActiveAllocations(context.Background(), itemID)
	if err != nil {
		t.Fatalf("ActiveAllocations: %v", err)
	}
	out := make(map[model.Owner]int)
	for _, a := range active {
		out[a.Owner()] += a.Quantity
	}
	return out
}

func itemStatus(t *testing.T, s *store.Store, itemID string) string {
	t.Helper()
	item, err := s.Item(context.Background(), itemID)
	if err != nil || item == nil {
		t.Fatalf("Item: %v %v", item, err)
	}
	return item.Status
}

var (
	company = model.Owner{UnitID: "co"}
	platoon = model.Owner{UnitID: "plt"}
	ana     = model.Owner{PersonID: "p1"}
)

func TestAssignFromPool(t *testing.T) {
	x, s, _ := newExecutor(t)
	ctx := context.Background()
	item := createItem(t, x, ItemSpec{Name: "Radio", TotalQuantity: 5})

	out, err := x.Assign(ctx, manager, Move{ItemID: item.ID, To: ana, Quantity: 2})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if !out.Applied || out.Plan.Mode != planner.ModeDirect {
		t.Errorf("unexpected outcome %+v", out)
	}
	if out.Request.ToName != "Ana Novak" || out.Request.ToLevel != string(planner.LevelIndividual) {
		t.Errorf("request names not resolved: %+v", out.Request)
	}

	got := holdings(t, s, item.ID)
	if got[ana] != 2 || len(got) != 1 {
		t.Errorf("holdings = %v, want 2 with p1", got)
	}
	if st := itemStatus(t, s, item.ID); st != model.ItemStatusServiceable {
		t.Errorf("item status = %q after direct move", st)
	}

	r, err := s.TransferRequest(ctx, out.Request.ID)
	if err != nil || r == nil {
		t.Fatalf("TransferRequest: %v %v", r, err)
	}
	if r.Status != model.RequestStatusApproved || r.DecidedBy != manager.UserID {
		t.Errorf("request not approved: %+v", r)
	}
}

func TestCreateItemWithDestination(t *testing.T) {
	x, s, _ := newExecutor(t)
	item, out, err := x.CreateItem(context.Background(), manager, ItemSpec{Name: "Tent", TotalQuantity: 4}, &company)
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if out == nil || !out.Applied {
		t.Fatalf("expected assignment, got %+v", out)
	}
	if item.CreatedBy != manager.PersonID || item.ScopeID != "bn" {
		t.Errorf("unexpected item %+v", item)
	}
	if got := holdings(t, s, item.ID); got[company] != 4 {
		t.Errorf("holdings = %v", got)
	}
}

func TestSerializedItemToUnitRejected(t *testing.T) {
	x, s, _ := newExecutor(t)
	ctx := context.Background()
	item := createItem(t, x, ItemSpec{Name: "Rifle", SerialNumber: "SN-1"})
	if item.TotalQuantity != 1 {
		t.Fatalf("serialized item quantity = %d", item.TotalQuantity)
	}

	_, err := x.Assign(ctx, manager, Move{ItemID: item.ID, To: company})
	if !errors.Is(err, planner.ErrSerializedTarget) {
		t.Fatalf("expected ErrSerializedTarget, got %v", err)
	}
	if pending, _ := s.PendingRequests(ctx, item.ID); len(pending) != 0 {
		t.Errorf("rejected move left %d requests", len(pending))
	}

	assign(t, x, item.ID, ana, 0)
	if got := holdings(t, s, item.ID); got[ana] != 1 {
		t.Errorf("holdings = %v", got)
	}
}

func TestCrossUnitMoveNeedsRequest(t *testing.T) {
	x, s, _ := newExecutor(t)
	ctx := context.Background()
	item := createItem(t, x, ItemSpec{Name: "Radio", TotalQuantity: 5})
	assign(t, x, item.ID, company, 5)

	_, err := x.Assign(ctx, manager, Move{ItemID: item.ID, To: platoon})
	if !errors.Is(err, ErrRequiresRequest) {
		t.Fatalf("expected ErrRequiresRequest, got %v", err)
	}

	out, err := x.RequestTransfer(ctx, manager, Move{ItemID: item.ID, To: platoon})
	if err != nil {
		t.Fatalf("RequestTransfer: %v", err)
	}
	if out.Applied {
		t.Fatal("cross-unit move applied without approval")
	}
	if st := itemStatus(t, s, item.ID); st != model.ItemStatusPendingTransfer {
		t.Errorf("item status = %q, want pending_transfer", st)
	}
	if got := holdings(t, s, item.ID); got[company] != 5 {
		t.Errorf("holdings changed before approval: %v", got)
	}

	if _, err := x.RequestTransfer(ctx, manager, Move{ItemID: item.ID, To: ana}); !errors.Is(err, ErrTransferPending) {
		t.Errorf("expected ErrTransferPending, got %v", err)
	}

	if err := x.Approve(ctx, manager, out.Request.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	got := holdings(t, s, item.ID)
	if got[platoon] != 5 || len(got) != 1 {
		t.Errorf("holdings = %v, want 5 with plt", got)
	}
	if st := itemStatus(t, s, item.ID); st != model.ItemStatusServiceable {
		t.Errorf("item status = %q after approval", st)
	}
	if err := x.Approve(ctx, manager, out.Request.ID); !errors.Is(err, ErrNotPending) {
		t.Errorf("second approval: expected ErrNotPending, got %v", err)
	}
}

func TestPartialApprovalLeavesRemainder(t *testing.T) {
	x, s, _ := newExecutor(t)
	ctx := context.Background()
	item := createItem(t, x, ItemSpec{Name: "Radio", TotalQuantity: 6})
	assign(t, x, item.ID, platoon, 1)
	assign(t, x, item.ID, company, 4)

	before, _ := s.ActiveAllocations(ctx, item.ID)
	var pltID string
	for _, a := range before {
		if a.Owner() == platoon {
			pltID = a.ID
		}
	}

	var companyAlloc string
	for _, a := range before {
		if a.Owner() == company {
			companyAlloc = a.ID
		}
	}
	out, err := x.RequestTransfer(ctx, manager, Move{ItemID: item.ID, FromAllocationID: companyAlloc, To: platoon, Quantity: 2})
	if err != nil {
		t.Fatalf("RequestTransfer: %v", err)
	}
	if err := x.Approve(ctx, manager, out.Request.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	got := holdings(t, s, item.ID)
	if got[company] != 2 || got[platoon] != 3 {
		t.Errorf("holdings = %v, want co 2 plt 3", got)
	}
	after, _ := s.ActiveAllocations(ctx, item.ID)
	for _, a := range after {
		if a.Owner() == platoon && a.ID != pltID {
			t.Errorf("destination allocation replaced: %s, want %s", a.ID, pltID)
		}
		if a.ID == companyAlloc {
			t.Error("source allocation still active after partial move")
		}
	}
}

func TestAmbiguousSource(t *testing.T) {
	x, _, _ := newExecutor(t)
	item := createItem(t, x, ItemSpec{Name: "Radio", TotalQuantity: 6})
	assign(t, x, item.ID, platoon, 1)
	assign(t, x, item.ID, company, 1)

	_, err := x.RequestTransfer(context.Background(), manager, Move{ItemID: item.ID, To: ana})
	if !errors.Is(err, ErrAmbiguousSource) {
		t.Errorf("expected ErrAmbiguousSource, got %v", err)
	}
}

func TestMoveValidation(t *testing.T) {
	x, _, _ := newExecutor(t)
	ctx := context.Background()
	item := createItem(t, x, ItemSpec{Name: "Radio", TotalQuantity: 5})

	tests := []struct {
		name string
		move Move
		want error
	}{
		{"pool to pool", Move{ItemID: item.ID}, ErrSameOwner},
		{"too many", Move{ItemID: item.ID, To: ana, Quantity: 6}, ErrInsufficientQuantity},
		{"negative", Move{ItemID: item.ID, To: ana, Quantity: -1}, ErrInvalidQuantity},
		{"two owners", Move{ItemID: item.ID, To: model.Owner{UnitID: "co", PersonID: "p1"}}, ErrInvalidDestination},
		{"missing item", Move{ItemID: "nope", To: ana}, ErrNotFound},
		{"missing person", Move{ItemID: item.ID, To: model.Owner{PersonID: "ghost"}}, ErrNotFound},
		{"missing allocation", Move{ItemID: item.ID, FromAllocationID: "ghost", To: ana}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := x.RequestTransfer(ctx, manager, tt.move); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	assign(t, x, item.ID, company, 2)
	if _, err := x.RequestTransfer(ctx, manager, Move{ItemID: item.ID, To: company}); !errors.Is(err, ErrSameOwner) {
		t.Errorf("company to company: got %v", err)
	}
}

func TestReject(t *testing.T) {
	x, s, _ := newExecutor(t)
	ctx := context.Background()
	item := createItem(t, x, ItemSpec{Name: "Radio", TotalQuantity: 5})
	assign(t, x, item.ID, company, 5)

	out, err := x.RequestTransfer(ctx, manager, Move{ItemID: item.ID, To: platoon})
	if err != nil {
		t.Fatalf("RequestTransfer: %v", err)
	}
	if err := x.Reject(ctx, manager, out.Request.ID); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if st := itemStatus(t, s, item.ID); st != model.ItemStatusServiceable {
		t.Errorf("item status = %q after rejection", st)
	}
	if got := holdings(t, s, item.ID); got[company] != 5 {
		t.Errorf("holdings = %v", got)
	}
	if err := x.Reject(ctx, manager, out.Request.ID); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
}

func TestApproveByUnrelatedUserRejected(t *testing.T) {
	x, s, _ := newExecutor(t)
	ctx := context.Background()
	item := createItem(t, x, ItemSpec{Name: "Radio", TotalQuantity: 5})
	assign(t, x, item.ID, platoon, 5)

	out, err := x.RequestTransfer(ctx, manager, Move{ItemID: item.ID, To: company})
	if err != nil {
		t.Fatalf("RequestTransfer: %v", err)
	}

	err = x.Approve(ctx, soldier, out.Request.ID)
	var rej *rules.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if got := holdings(t, s, item.ID); got[platoon] != 5 {
		t.Errorf("holdings changed: %v", got)
	}
}

func TestPreCheckStopsBeforeStore(t *testing.T) {
	x, _, cs := newExecutor(t)
	_, _, err := x.CreateItem(context.Background(), soldier, ItemSpec{Name: "Radio", TotalQuantity: 1}, nil)
	if !errors.Is(err, rules.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if cs.calls != 0 {
		t.Errorf("store saw %d commits for a write the pre-check blocks", cs.calls)
	}
}

func TestPartialFailure(t *testing.T) {
	x, s, cs := newExecutor(t)
	ctx := context.Background()
	item := createItem(t, x, ItemSpec{Name: "Radio", TotalQuantity: 5})

	// Request create succeeds, flagging the item fails.
	cs.failAt = cs.calls + 2
	out, err := x.Assign(ctx, manager, Move{ItemID: item.ID, To: ana})
	var partial *PartialError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialError, got %v", err)
	}
	if partial.Step != "flag item" || partial.RequestID != out.Request.ID {
		t.Errorf("unexpected partial error %+v", partial)
	}

	pending, _ := s.PendingRequests(ctx, item.ID)
	if len(pending) != 1 {
		t.Errorf("request should stay committed, got %d pending", len(pending))
	}
	if got := holdings(t, s, item.ID); len(got) != 0 {
		t.Errorf("nothing should have moved, got %v", got)
	}
}

func TestUnassign(t *testing.T) {
	x, s, _ := newExecutor(t)
	ctx := context.Background()
	item := createItem(t, x, ItemSpec{Name: "Radio", TotalQuantity: 5})
	assign(t, x, item.ID, ana, 3)

	out, err := x.Unassign(ctx, manager, item.ID, "")
	if err != nil {
		t.Fatalf("Unassign: %v", err)
	}
	if !out.Applied || out.Request.FromName != "Ana Novak" {
		t.Errorf("unexpected outcome %+v", out)
	}
	if got := holdings(t, s, item.ID); len(got) != 0 {
		t.Errorf("holdings = %v after unassign", got)
	}
	if _, err := x.Unassign(ctx, manager, item.ID, ""); !errors.Is(err, ErrSameOwner) {
		t.Errorf("unassigning the pool: got %v", err)
	}
}

func TestUnassignByHolder(t *testing.T) {
	x, s, cs := newExecutor(t)
	ctx := context.Background()

	held := createItem(t, x, ItemSpec{Name: "Radio", TotalQuantity: 5})
	assign(t, x, held.ID, ana, 1)
	out, err := x.Unassign(ctx, soldier, held.ID, "")
	if err != nil {
		t.Fatalf("holder returning own holding: %v", err)
	}
	if !out.Applied {
		t.Errorf("expected the return to apply, got %+v", out)
	}
	if got := holdings(t, s, held.ID); len(got) != 0 {
		t.Errorf("holdings = %v after unassign", got)
	}
	if got := itemStatus(t, s, held.ID); got != model.ItemStatusServiceable {
		t.Errorf("item status = %s, want serviceable", got)
	}

	// Someone else's holding: refused before anything is written.
	other := createItem(t, x, ItemSpec{Name: "Binoculars", TotalQuantity: 5})
	assign(t, x, other.ID, company, 2)
	calls := cs.calls
	if _, err := x.Unassign(ctx, soldier, other.ID, ""); !errors.Is(err, rules.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if cs.calls != calls {
		t.Errorf("store saw %d commits for a refused unassign", cs.calls-calls)
	}
	if got := itemStatus(t, s, other.ID); got != model.ItemStatusServiceable {
		t.Errorf("item left %s by a refused unassign", got)
	}
	pending, err := s.PendingRequests(ctx, other.ID)
	if err != nil || len(pending) != 0 {
		t.Errorf("pending requests after refused unassign: %v %v", pending, err)
	}
	if got := holdings(t, s, other.ID); got[company] != 2 {
		t.Errorf("holdings changed by a refused unassign: %v", got)
	}

	// The item is still movable.
	assign(t, x, other.ID, platoon, 1)
}

func TestDeleteItem(t *testing.T) {
	x, s, _ := newExecutor(t)
	ctx := context.Background()
	item := createItem(t, x, ItemSpec{Name: "Radio", TotalQuantity: 5})
	assign(t, x, item.ID, company, 3)
	if _, err := x.RequestTransfer(ctx, manager, Move{ItemID: item.ID, To: platoon}); err != nil {
		t.Fatalf("RequestTransfer: %v", err)
	}

	// A refused delete releases nothing.
	if err := x.DeleteItem(ctx, soldier, item.ID); !errors.Is(err, rules.ErrRejected) {
		t.Fatalf("expected rejection for a non-creator, got %v", err)
	}
	if got := holdings(t, s, item.ID); got[company] != 3 {
		t.Errorf("holdings changed by a refused delete: %v", got)
	}

	if err := x.DeleteItem(ctx, manager, item.ID); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	got, err := s.Item(ctx, item.ID)
	if err != nil || got != nil {
		t.Errorf("item still present: %v %v", got, err)
	}
	if err := x.DeleteItem(ctx, manager, item.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRestock(t *testing.T) {
	x, _, _ := newExecutor(t)
	ctx := context.Background()
	item := createItem(t, x, ItemSpec{Name: "Radio", TotalQuantity: 5})
	assign(t, x, item.ID, company, 4)

	if _, err := x.Restock(ctx, manager, item.ID, 3); !errors.Is(err, rules.ErrRejected) {
		t.Errorf("restocking below allocation: got %v", err)
	}
	updated, err := x.Restock(ctx, manager, item.ID, 8)
	if err != nil {
		t.Fatalf("Restock: %v", err)
	}
	if updated.TotalQuantity != 8 {
		t.Errorf("total = %d", updated.TotalQuantity)
	}
}
