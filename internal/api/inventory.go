package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/erazemk/oprema/internal/engine"
	"github.com/erazemk/oprema/internal/feed"
	"github.com/erazemk/oprema/internal/model"
	"github.com/erazemk/oprema/internal/store"
)

const liveWriteTimeout = 5 * time.Second

// InventoryHandler serves the aggregated inventory view.
type InventoryHandler struct {
	Store     *store.Store
	Rebuilder *engine.Rebuilder
	// Recorder, when set, receives aggregator health signals.
	Recorder engine.Recorder
	// OriginPatterns are the extra hosts allowed to open the live view.
	OriginPatterns []string
}

type inventoryResponse struct {
	Rows            []engine.Row           `json:"rows"`
	Loading         bool                   `json:"loading"`
	Version         uint64                 `json:"version,omitempty"`
	BuiltAt         time.Time              `json:"built_at"`
	Inconsistencies []engine.Inconsistency `json:"inconsistencies,omitempty"`
}

type liveMessage struct {
	Type  string             `json:"type"`
	View  *inventoryResponse `json:"view,omitempty"`
	Error string             `json:"error,omitempty"`
}

// visibleRows narrows rows to what the actor may see. An admin not posted to
// any unit sees every row.
func visibleRows(actor model.Actor, rows []engine.Row) []engine.Row {
	if actor.Elevated() && actor.UnitID == "" && actor.PersonID == "" {
		return rows
	}
	return engine.Visible(rows, engine.Viewer{UnitID: actor.UnitID, PersonID: actor.PersonID})
}

func (h *InventoryHandler) snapshot(ctx context.Context, actor model.Actor) (engine.Result, error) {
	sess := h.Store.For(actor)
	f, err := sess.Scope(feed.Filter{})
	if err != nil {
		return engine.Result{}, err
	}

	items, err := sess.Items(ctx, f)
	if err != nil {
		return engine.Result{}, err
	}
	active := f
	active.ActiveOnly = true
	allocations, err := sess.Allocations(ctx, active)
	if err != nil {
		return engine.Result{}, err
	}
	pending := f
	pending.Status = model.RequestStatusPending
	requests, err := sess.TransferRequests(ctx, pending)
	if err != nil {
		return engine.Result{}, err
	}

	return h.Rebuilder.Rebuild(ctx, engine.Snapshot{Items: items, Allocations: allocations, Pending: requests})
}

// List handles GET /api/inventory.
func (h *InventoryHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())
	start := time.Now()
	res, err := h.snapshot(r.Context(), actor)
	if h.Recorder != nil {
		h.Recorder.Observe("inventory", err == nil, time.Since(start))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusOK, inventoryResponse{
		Rows:    nonNil(visibleRows(actor, res.Rows)),
		BuiltAt: time.Now().UTC(),
	})
}

// Consistency handles GET /api/consistency.
func (h *InventoryHandler) Consistency(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())
	res, err := h.snapshot(r.Context(), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if h.Recorder != nil {
		h.Recorder.Inconsistencies(engine.CountByKind(res.Inconsistencies))
	}
	incs := res.Inconsistencies
	if incs == nil {
		incs = []engine.Inconsistency{}
	}
	jsonResponse(w, http.StatusOK, incs)
}

// Live handles GET /api/inventory/live. Every connection gets its own
// aggregator; each published view is sent whole.
func (h *InventoryHandler) Live(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.OriginPatterns})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var opts []engine.Option
	if h.Recorder != nil {
		opts = append(opts, engine.WithRecorder(h.Recorder))
	}
	agg, err := engine.NewAggregator(ctx, h.Store.For(actor), feed.Filter{}, h.Rebuilder, opts...)
	if err != nil {
		send(ctx, conn, liveMessage{Type: "error", Error: err.Error()})
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer agg.Close()

	changes, stop := agg.Changes()
	defer stop()

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	var sent uint64
	push := func() bool {
		v := agg.View()
		if v.Version != 0 && v.Version == sent {
			return true
		}
		sent = v.Version
		msg := liveMessage{Type: "view", View: &inventoryResponse{
			Rows:    nonNil(visibleRows(actor, v.Rows)),
			Loading: v.Loading,
			Version: v.Version,
			BuiltAt: v.BuiltAt,
		}}
		if v.Err != nil {
			msg.Error = v.Err.Error()
		}
		return send(ctx, conn, msg)
	}

	if !push() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			return
		case _, ok := <-changes:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if !push() {
				return
			}
		}
	}
}

func send(ctx context.Context, conn *websocket.Conn, msg liveMessage) bool {
	ctx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		slog.Debug("live view write failed", "error", err)
		return false
	}
	return true
}

func nonNil(rows []engine.Row) []engine.Row {
	if rows == nil {
		return []engine.Row{}
	}
	return rows
}
