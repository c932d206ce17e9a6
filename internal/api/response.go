package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/erazemk/oprema/internal/planner"
	"github.com/erazemk/oprema/internal/rules"
	"github.com/erazemk/oprema/internal/store"
	"github.com/erazemk/oprema/internal/transfer"
)

// jsonResponse writes a JSON response with the given status code.
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("error encoding response", "error", err)
		}
	}
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// decodeJSON decodes a JSON request body into the given target.
func decodeJSON(r *http.Request, target any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(target)
}

type rejectionBody struct {
	Error      string            `json:"error"`
	Violations []rules.Violation `json:"violations"`
}

type partialBody struct {
	Error     string `json:"error"`
	Step      string `json:"step"`
	RequestID string `json:"request_id"`
}

// writeError maps domain errors onto status codes. Anything unrecognised is
// logged and reported as a 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rejected *rules.RejectionError
		partial  *transfer.PartialError
	)
	switch {
	case errors.As(err, &rejected):
		jsonResponse(w, http.StatusForbidden, rejectionBody{Error: rejected.Error(), Violations: rejected.Result.Violations})
	case errors.As(err, &partial):
		slog.Error("transfer incomplete", "request", partial.RequestID, "step", partial.Step,
			"error", partial.Err, "request_id", GetRequestID(r.Context()))
		jsonResponse(w, http.StatusInternalServerError, partialBody{Error: "transfer incomplete", Step: partial.Step, RequestID: partial.RequestID})
	case errors.Is(err, store.ErrForbidden):
		jsonError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, transfer.ErrNotFound):
		jsonError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrExists),
		errors.Is(err, transfer.ErrTransferPending),
		errors.Is(err, transfer.ErrNotPending),
		errors.Is(err, transfer.ErrRequiresRequest),
		errors.Is(err, transfer.ErrAmbiguousSource):
		jsonError(w, http.StatusConflict, err.Error())
	case errors.Is(err, transfer.ErrInsufficientQuantity),
		errors.Is(err, transfer.ErrInvalidQuantity),
		errors.Is(err, transfer.ErrSameOwner),
		errors.Is(err, transfer.ErrInvalidDestination),
		errors.Is(err, planner.ErrSerializedTarget),
		errors.Is(err, planner.ErrUnknownLevel):
		jsonError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"error", err, "request_id", GetRequestID(r.Context()))
		jsonError(w, http.StatusInternalServerError, "internal error")
	}
}
