package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/erazemk/oprema/internal/feed"
	"github.com/erazemk/oprema/internal/imaging"
	"github.com/erazemk/oprema/internal/model"
	"github.com/erazemk/oprema/internal/rules"
	"github.com/erazemk/oprema/internal/store"
	"github.com/erazemk/oprema/internal/transfer"
)

// ItemsHandler handles the item catalog and moves of a single item.
type ItemsHandler struct {
	Store    *store.Store
	Executor *transfer.Executor
	Photos   imaging.Options
}

type createItemRequest struct {
	transfer.ItemSpec
	AssignTo *model.Owner `json:"assign_to,omitempty"`
}

type createItemResponse struct {
	Item    *model.Item       `json:"item"`
	Outcome *transfer.Outcome `json:"outcome,omitempty"`
}

type updateItemRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type stockRequest struct {
	TotalQuantity int `json:"total_quantity"`
}

type moveRequest struct {
	FromAllocationID string      `json:"from_allocation_id"`
	To               model.Owner `json:"to"`
	Quantity         int         `json:"quantity"`
	Notes            string      `json:"notes"`
}

type itemDetail struct {
	Item        *model.Item             `json:"item"`
	Allocations []model.Allocation      `json:"allocations"`
	Pending     []model.TransferRequest `json:"pending"`
}

// item loads the {id} item and checks the actor may read it. It writes the
// error response itself and returns nil on failure.
func (h *ItemsHandler) item(w http.ResponseWriter, r *http.Request) *model.Item {
	item, err := h.Store.Item(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return nil
	}
	actor, _ := GetActor(r.Context())
	if item == nil || !h.Store.Guard.CanRead(actor, item.ScopeID) {
		jsonError(w, http.StatusNotFound, "item not found")
		return nil
	}
	return item
}

// List handles GET /api/items.
func (h *ItemsHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())
	items, err := h.Store.For(actor).Items(r.Context(), feed.Filter{Status: r.URL.Query().Get("status")})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.Item{}
	}
	jsonResponse(w, http.StatusOK, items)
}

// Create handles POST /api/items.
func (h *ItemsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		jsonError(w, http.StatusBadRequest, "name required")
		return
	}

	actor, _ := GetActor(r.Context())
	item, out, err := h.Executor.CreateItem(r.Context(), actor, req.ItemSpec, req.AssignTo)
	if err != nil && item == nil {
		writeError(w, r, err)
		return
	}
	if err != nil {
		// The item exists; only the initial assignment failed.
		slog.Warn("new item left unassigned", "item", item.ID, "error", err)
	}
	jsonResponse(w, http.StatusCreated, createItemResponse{Item: item, Outcome: out})
}

// Get handles GET /api/items/{id}.
func (h *ItemsHandler) Get(w http.ResponseWriter, r *http.Request) {
	item := h.item(w, r)
	if item == nil {
		return
	}

	active, err := h.Store.ActiveAllocations(r.Context(), item.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	pending, err := h.Store.PendingRequests(r.Context(), item.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if active == nil {
		active = []model.Allocation{}
	}
	if pending == nil {
		pending = []model.TransferRequest{}
	}
	jsonResponse(w, http.StatusOK, itemDetail{Item: item, Allocations: active, Pending: pending})
}

// Update handles PUT /api/items/{id}.
func (h *ItemsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateItemRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		jsonError(w, http.StatusBadRequest, "name required")
		return
	}

	item := h.item(w, r)
	if item == nil {
		return
	}
	updated := *item
	updated.Name = req.Name
	updated.Description = req.Description
	updated.UpdatedAt = h.Executor.Now()

	actor, _ := GetActor(r.Context())
	if err := h.Store.Commit(r.Context(), actor, rules.Change{Collection: rules.Items, Op: rules.OpUpdate, ID: item.ID, After: &updated}); err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, updated)
}

// Delete handles DELETE /api/items/{id}.
func (h *ItemsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	item := h.item(w, r)
	if item == nil {
		return
	}
	actor, _ := GetActor(r.Context())
	if err := h.Executor.DeleteItem(r.Context(), actor, item.ID); err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"message": "item deleted"})
}

// Stock handles PUT /api/items/{id}/stock.
func (h *ItemsHandler) Stock(w http.ResponseWriter, r *http.Request) {
	var req stockRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	item := h.item(w, r)
	if item == nil {
		return
	}

	actor, _ := GetActor(r.Context())
	updated, err := h.Executor.Restock(r.Context(), actor, item.ID, req.TotalQuantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("item restocked", "by", actor.UserID, "item", item.ID, "from", item.TotalQuantity, "to", updated.TotalQuantity)
	jsonResponse(w, http.StatusOK, updated)
}

func (h *ItemsHandler) decodeMove(w http.ResponseWriter, r *http.Request) (transfer.Move, bool) {
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return transfer.Move{}, false
	}
	return transfer.Move{
		ItemID:           r.PathValue("id"),
		FromAllocationID: req.FromAllocationID,
		To:               req.To,
		Quantity:         req.Quantity,
		Notes:            req.Notes,
	}, true
}

func moveStatus(out *transfer.Outcome) int {
	if out.Applied {
		return http.StatusOK
	}
	return http.StatusAccepted
}

// Assign handles POST /api/items/{id}/assign.
func (h *ItemsHandler) Assign(w http.ResponseWriter, r *http.Request) {
	m, ok := h.decodeMove(w, r)
	if !ok || h.item(w, r) == nil {
		return
	}
	actor, _ := GetActor(r.Context())
	out, err := h.Executor.Assign(r.Context(), actor, m)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, moveStatus(out), out)
}

// Transfer handles POST /api/items/{id}/transfer. A move that needs approval
// answers 202 with the pending request.
func (h *ItemsHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	m, ok := h.decodeMove(w, r)
	if !ok || h.item(w, r) == nil {
		return
	}
	actor, _ := GetActor(r.Context())
	out, err := h.Executor.RequestTransfer(r.Context(), actor, m)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, moveStatus(out), out)
}

// Unassign handles POST /api/items/{id}/unassign.
func (h *ItemsHandler) Unassign(w http.ResponseWriter, r *http.Request) {
	m, ok := h.decodeMove(w, r)
	if !ok || h.item(w, r) == nil {
		return
	}
	actor, _ := GetActor(r.Context())
	out, err := h.Executor.Unassign(r.Context(), actor, m.ItemID, m.FromAllocationID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, moveStatus(out), out)
}

// UploadImage handles PUT /api/items/{id}/image.
func (h *ItemsHandler) UploadImage(w http.ResponseWriter, r *http.Request) {
	item := h.item(w, r)
	if item == nil {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.Photos.MaxBytes+1<<10)
	if err := r.ParseMultipartForm(h.Photos.MaxBytes); err != nil {
		jsonError(w, http.StatusBadRequest, "file too large or invalid multipart form")
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "image file required")
		return
	}
	defer file.Close()

	photo, err := imaging.Encode(file, h.Photos)
	if errors.Is(err, imaging.ErrUnsupported) || errors.Is(err, imaging.ErrTooLarge) {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid image")
		return
	}

	actor, _ := GetActor(r.Context())
	if err := h.Store.SetItemImage(r.Context(), actor, item.ID, photo.Data, photo.MIME); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("item photo stored", "by", actor.UserID, "item", item.ID, "width", photo.Width, "height", photo.Height)
	jsonResponse(w, http.StatusOK, map[string]string{"message": "image uploaded"})
}

// GetImage handles GET /api/items/{id}/image.
func (h *ItemsHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	item := h.item(w, r)
	if item == nil {
		return
	}
	data, mime, err := h.Store.ItemImage(r.Context(), item.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if data == nil {
		jsonError(w, http.StatusNotFound, "no image")
		return
	}

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(data)
}

// History handles GET /api/items/{id}/history.
func (h *ItemsHandler) History(w http.ResponseWriter, r *http.Request) {
	item := h.item(w, r)
	if item == nil {
		return
	}
	history, err := h.Store.ItemHistory(r.Context(), item.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if history == nil {
		history = []model.TransferRequest{}
	}
	jsonResponse(w, http.StatusOK, history)
}
