package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/erazemk/oprema/internal/engine"
	"github.com/erazemk/oprema/internal/model"
)

type outcomeBody struct {
	Request *model.TransferRequest `json:"request"`
	Applied bool                   `json:"applied"`
}

type itemBody struct {
	Item    model.Item   `json:"item"`
	Outcome *outcomeBody `json:"outcome"`
}

func (e *testEnv) createItem(t *testing.T, name string, qty int, to *model.Owner) itemBody {
	t.Helper()
	var created itemBody
	e.call(t, "POST", "/api/items", e.manager, map[string]any{
		"name":           name,
		"total_quantity": qty,
		"assign_to":      to,
	}, http.StatusCreated, &created)
	return created
}

func rowFor(rows []engine.Row, itemID string, owner model.Owner) (engine.Row, bool) {
	for _, r := range rows {
		if r.ItemID == itemID && r.Owner() == owner {
			return r, true
		}
	}
	return engine.Row{}, false
}

func TestItemsAPIFlow(t *testing.T) {
	env := setupTestServer(t)

	created := env.createItem(t, "Radio", 5, &model.Owner{UnitID: "plt"})
	if created.Outcome == nil || !created.Outcome.Applied {
		t.Fatalf("expected the initial assignment to apply, got %+v", created.Outcome)
	}
	id := created.Item.ID

	var items []model.Item
	env.call(t, "GET", "/api/items", env.soldier, nil, http.StatusOK, &items)
	if len(items) != 1 || items[0].ID != id {
		t.Fatalf("expected the radio in the catalog, got %+v", items)
	}

	var detail itemDetail
	env.call(t, "GET", "/api/items/"+id, env.soldier, nil, http.StatusOK, &detail)
	if len(detail.Allocations) != 1 || detail.Allocations[0].Quantity != 5 {
		t.Errorf("expected one allocation of 5, got %+v", detail.Allocations)
	}

	var inv inventoryResponse
	env.call(t, "GET", "/api/inventory", env.soldier, nil, http.StatusOK, &inv)
	row, ok := rowFor(inv.Rows, id, model.Owner{UnitID: "plt"})
	if !ok || row.CurrentQuantity != 5 {
		t.Errorf("expected the platoon row with 5, got %+v", inv.Rows)
	}

	// Restock grows the pool.
	env.call(t, "PUT", "/api/items/"+id+"/stock", env.manager, map[string]int{"total_quantity": 8}, http.StatusOK, nil)
	env.call(t, "GET", "/api/inventory", env.manager, nil, http.StatusOK, &inv)
	if pool, ok := rowFor(inv.Rows, id, model.Owner{}); !ok || pool.CurrentQuantity != 3 {
		t.Errorf("expected 3 unassigned after restock, got %+v", inv.Rows)
	}

	// Shrinking below what is held is refused by the rule table.
	env.call(t, "PUT", "/api/items/"+id+"/stock", env.manager, map[string]int{"total_quantity": 4}, http.StatusForbidden, nil)

	env.call(t, "GET", "/api/items/missing", env.soldier, nil, http.StatusNotFound, nil)
}

func TestMoveValidationStatus(t *testing.T) {
	env := setupTestServer(t)
	id := env.createItem(t, "Tent", 2, nil).Item.ID

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"negative quantity", map[string]any{"to": map[string]string{"unit_id": "plt"}, "quantity": -1}, http.StatusBadRequest},
		{"too many", map[string]any{"to": map[string]string{"unit_id": "plt"}, "quantity": 3}, http.StatusBadRequest},
		{"two destinations", map[string]any{"to": map[string]string{"unit_id": "plt", "person_id": "p1"}}, http.StatusBadRequest},
		{"unknown item", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := id
			if tt.body == nil {
				target = "missing"
				tt.body = map[string]any{"to": map[string]string{"unit_id": "plt"}}
			}
			env.call(t, "POST", "/api/items/"+target+"/assign", env.manager, tt.body, tt.want, nil)
		})
	}
}

func TestTransferRequestFlow(t *testing.T) {
	env := setupTestServer(t)
	id := env.createItem(t, "Generator", 4, &model.Owner{UnitID: "plt"}).Item.ID

	// Platoon to company crosses units and waits for approval.
	var out outcomeBody
	env.call(t, "POST", "/api/items/"+id+"/transfer", env.manager, map[string]any{
		"to":    map[string]string{"unit_id": "co"},
		"notes": "maintenance",
	}, http.StatusAccepted, &out)
	if out.Applied || out.Request == nil || out.Request.Status != model.RequestStatusPending {
		t.Fatalf("expected a pending request, got %+v", out)
	}

	// A second move while one is pending conflicts.
	env.call(t, "POST", "/api/items/"+id+"/transfer", env.manager, map[string]any{
		"to": map[string]string{"person_id": "p1"},
	}, http.StatusConflict, nil)

	var pending []model.TransferRequest
	env.call(t, "GET", "/api/transfers?status=pending", env.manager, nil, http.StatusOK, &pending)
	if len(pending) != 1 || pending[0].ID != out.Request.ID {
		t.Fatalf("expected the one pending request, got %+v", pending)
	}
	env.call(t, "GET", "/api/transfers?status=bogus", env.manager, nil, http.StatusBadRequest, nil)

	// The soldier is neither the recipient nor a manager.
	var rejected struct {
		Error      string `json:"error"`
		Violations []any  `json:"violations"`
	}
	env.call(t, "POST", "/api/transfers/"+out.Request.ID+"/approve", env.soldier, nil, http.StatusForbidden, &rejected)
	if len(rejected.Violations) == 0 {
		t.Errorf("expected violations in the rejection, got %+v", rejected)
	}

	env.call(t, "POST", "/api/transfers/"+out.Request.ID+"/approve", env.manager, nil, http.StatusOK, nil)
	env.call(t, "POST", "/api/transfers/"+out.Request.ID+"/reject", env.manager, nil, http.StatusConflict, nil)

	var detail itemDetail
	env.call(t, "GET", "/api/items/"+id, env.manager, nil, http.StatusOK, &detail)
	if detail.Item.Status != model.ItemStatusServiceable {
		t.Errorf("expected item serviceable after approval, got %s", detail.Item.Status)
	}
	if len(detail.Allocations) != 1 || detail.Allocations[0].UnitID != "co" || detail.Allocations[0].Quantity != 4 {
		t.Errorf("expected the company to hold 4, got %+v", detail.Allocations)
	}

	var history []model.TransferRequest
	env.call(t, "GET", "/api/items/"+id+"/history", env.manager, nil, http.StatusOK, &history)
	if len(history) < 2 {
		t.Errorf("expected the assignment and the transfer in history, got %d", len(history))
	}
}

func TestDeleteItem(t *testing.T) {
	env := setupTestServer(t)
	id := env.createItem(t, "Stretcher", 2, &model.Owner{UnitID: "plt"}).Item.ID

	env.call(t, "DELETE", "/api/items/"+id, env.soldier, nil, http.StatusForbidden, nil)
	env.call(t, "DELETE", "/api/items/"+id, env.manager, nil, http.StatusOK, nil)
	env.call(t, "GET", "/api/items/"+id, env.manager, nil, http.StatusNotFound, nil)
}

func TestUnassignAsHolder(t *testing.T) {
	env := setupTestServer(t)

	held := env.createItem(t, "Headset", 1, &model.Owner{PersonID: "p1"}).Item.ID
	var out outcomeBody
	env.call(t, "POST", "/api/items/"+held+"/unassign", env.soldier, map[string]any{}, http.StatusOK, &out)
	if !out.Applied {
		t.Errorf("expected the return to apply, got %+v", out)
	}
	var detail struct {
		Item        model.Item         `json:"item"`
		Allocations []model.Allocation `json:"allocations"`
	}
	env.call(t, "GET", "/api/items/"+held, env.manager, nil, http.StatusOK, &detail)
	if detail.Item.Status != model.ItemStatusServiceable || len(detail.Allocations) != 0 {
		t.Errorf("unexpected item after unassign: %+v", detail)
	}

	// A company holding is not the soldier's to return, and stays movable.
	other := env.createItem(t, "Stretcher", 2, &model.Owner{UnitID: "co"}).Item.ID
	env.call(t, "POST", "/api/items/"+other+"/unassign", env.soldier, map[string]any{}, http.StatusForbidden, nil)
	env.call(t, "POST", "/api/items/"+other+"/assign", env.manager, map[string]any{
		"to": model.Owner{PersonID: "p1"},
	}, http.StatusOK, nil)
}

func TestInventoryLive(t *testing.T) {
	env := setupTestServer(t)
	id := env.createItem(t, "Radio", 5, nil).Item.ID

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/inventory/live?access_token=" + env.soldier
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dialing live view: %v", err)
	}
	defer conn.CloseNow()

	// waitFor reads views until one satisfies ok.
	waitFor := func(ok func(inventoryResponse) bool) inventoryResponse {
		t.Helper()
		for {
			var msg liveMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				t.Fatalf("reading live view: %v", err)
			}
			if msg.Type != "view" || msg.View == nil || msg.View.Loading {
				continue
			}
			if ok(*msg.View) {
				return *msg.View
			}
		}
	}

	waitFor(func(v inventoryResponse) bool {
		pool, ok := rowFor(v.Rows, id, model.Owner{})
		return ok && pool.CurrentQuantity == 5
	})

	env.call(t, "POST", "/api/items/"+id+"/assign", env.manager, map[string]any{
		"to":       map[string]string{"unit_id": "plt"},
		"quantity": 2,
	}, http.StatusOK, nil)

	v := waitFor(func(v inventoryResponse) bool {
		_, ok := rowFor(v.Rows, id, model.Owner{UnitID: "plt"})
		return ok
	})
	if pool, _ := rowFor(v.Rows, id, model.Owner{}); pool.CurrentQuantity != 3 {
		t.Errorf("expected 3 left in the pool, got %+v", v.Rows)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}
