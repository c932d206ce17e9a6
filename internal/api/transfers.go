package api

import (
	"net/http"

	"github.com/erazemk/oprema/internal/feed"
	"github.com/erazemk/oprema/internal/model"
	"github.com/erazemk/oprema/internal/store"
	"github.com/erazemk/oprema/internal/transfer"
)

// TransfersHandler handles transfer request endpoints.
type TransfersHandler struct {
	Store    *store.Store
	Executor *transfer.Executor
}

// List handles GET /api/transfers.
func (h *TransfersHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	if status != "" && !model.ValidRequestStatus(status) {
		jsonError(w, http.StatusBadRequest, "invalid status")
		return
	}

	actor, _ := GetActor(r.Context())
	requests, err := h.Store.For(actor).TransferRequests(r.Context(), feed.Filter{Status: status, ItemID: q.Get("item_id")})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if requests == nil {
		requests = []model.TransferRequest{}
	}
	jsonResponse(w, http.StatusOK, requests)
}

// Approve handles POST /api/transfers/{id}/approve.
func (h *TransfersHandler) Approve(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())
	if err := h.Executor.Approve(r.Context(), actor, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": model.RequestStatusApproved})
}

// Reject handles POST /api/transfers/{id}/reject.
func (h *TransfersHandler) Reject(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())
	if err := h.Executor.Reject(r.Context(), actor, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": model.RequestStatusRejected})
}
