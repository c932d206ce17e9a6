package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/erazemk/oprema/internal/model"
	"github.com/erazemk/oprema/internal/rules"
	"github.com/erazemk/oprema/internal/store"
)

// UnitsHandler handles the organizational tree: units and the persons in them.
type UnitsHandler struct {
	Store *store.Store
}

type unitRequest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	ParentID string `json:"parent_id"`
}

type personRequest struct {
	FirstName          string `json:"first_name"`
	LastName           string `json:"last_name"`
	UnitID             string `json:"unit_id"`
	AccountID          string `json:"account_id"`
	SignatureAuthority bool   `json:"signature_authority"`
}

// ListUnits handles GET /api/units.
func (h *UnitsHandler) ListUnits(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())
	units, err := h.Store.For(actor).Units(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if units == nil {
		units = []model.Unit{}
	}
	jsonResponse(w, http.StatusOK, units)
}

// CreateUnit handles POST /api/units. A battalion is its own scope; other
// units inherit their parent's.
func (h *UnitsHandler) CreateUnit(w http.ResponseWriter, r *http.Request) {
	var req unitRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.Type == "" {
		jsonError(w, http.StatusBadRequest, "name and type required")
		return
	}

	unit := &model.Unit{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Type:      req.Type,
		ParentID:  req.ParentID,
		CreatedAt: time.Now().UTC(),
	}
	unit.ScopeID = unit.ID
	if req.ParentID != "" {
		parent, err := h.Store.Unit(r.Context(), req.ParentID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if parent == nil {
			jsonError(w, http.StatusBadRequest, "parent unit not found")
			return
		}
		unit.ScopeID = parent.ScopeID
	}

	actor, _ := GetActor(r.Context())
	if err := h.Store.Commit(r.Context(), actor, rules.Change{Collection: rules.Units, Op: rules.OpCreate, ID: unit.ID, After: unit}); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("unit created", "by", actor.UserID, "unit", unit.Name, "type", unit.Type)
	jsonResponse(w, http.StatusCreated, unit)
}

// UpdateUnit handles PUT /api/units/{id}. Only the name changes.
func (h *UnitsHandler) UpdateUnit(w http.ResponseWriter, r *http.Request) {
	var req unitRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		jsonError(w, http.StatusBadRequest, "name required")
		return
	}

	unit, err := h.Store.Unit(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if unit == nil {
		jsonError(w, http.StatusNotFound, "unit not found")
		return
	}
	unit.Name = req.Name

	actor, _ := GetActor(r.Context())
	if err := h.Store.Commit(r.Context(), actor, rules.Change{Collection: rules.Units, Op: rules.OpUpdate, ID: unit.ID, After: unit}); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("unit renamed", "by", actor.UserID, "unit", unit.ID, "name", unit.Name)
	jsonResponse(w, http.StatusOK, unit)
}

// DeleteUnit handles DELETE /api/units/{id}.
func (h *UnitsHandler) DeleteUnit(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())
	id := r.PathValue("id")
	if err := h.Store.Commit(r.Context(), actor, rules.Change{Collection: rules.Units, Op: rules.OpDelete, ID: id}); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("unit deleted", "by", actor.UserID, "unit", id)
	jsonResponse(w, http.StatusOK, map[string]string{"message": "unit deleted"})
}

// ListPersons handles GET /api/persons.
func (h *UnitsHandler) ListPersons(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())
	persons, err := h.Store.For(actor).Persons(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if persons == nil {
		persons = []model.Person{}
	}
	jsonResponse(w, http.StatusOK, persons)
}

// CreatePerson handles POST /api/persons.
func (h *UnitsHandler) CreatePerson(w http.ResponseWriter, r *http.Request) {
	var req personRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.FirstName+req.LastName) == "" || req.UnitID == "" {
		jsonError(w, http.StatusBadRequest, "name and unit_id required")
		return
	}

	person := &model.Person{
		ID:                 uuid.NewString(),
		FirstName:          strings.TrimSpace(req.FirstName),
		LastName:           strings.TrimSpace(req.LastName),
		UnitID:             req.UnitID,
		AccountID:          req.AccountID,
		SignatureAuthority: req.SignatureAuthority,
		CreatedAt:          time.Now().UTC(),
	}

	actor, _ := GetActor(r.Context())
	if err := h.Store.Commit(r.Context(), actor, rules.Change{Collection: rules.Persons, Op: rules.OpCreate, ID: person.ID, After: person}); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("person created", "by", actor.UserID, "person", person.DisplayName(), "unit", person.UnitID)
	jsonResponse(w, http.StatusCreated, person)
}

// UpdatePerson handles PUT /api/persons/{id}.
func (h *UnitsHandler) UpdatePerson(w http.ResponseWriter, r *http.Request) {
	var req personRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	person, err := h.Store.Person(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if person == nil {
		jsonError(w, http.StatusNotFound, "person not found")
		return
	}

	updated := *person
	if req.FirstName != "" || req.LastName != "" {
		updated.FirstName = strings.TrimSpace(req.FirstName)
		updated.LastName = strings.TrimSpace(req.LastName)
	}
	if req.UnitID != "" {
		updated.UnitID = req.UnitID
	}
	updated.AccountID = req.AccountID
	updated.SignatureAuthority = req.SignatureAuthority

	actor, _ := GetActor(r.Context())
	if err := h.Store.Commit(r.Context(), actor, rules.Change{Collection: rules.Persons, Op: rules.OpUpdate, ID: person.ID, After: &updated}); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("person updated", "by", actor.UserID, "person", person.ID)
	jsonResponse(w, http.StatusOK, updated)
}

// DeletePerson handles DELETE /api/persons/{id}.
func (h *UnitsHandler) DeletePerson(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())
	id := r.PathValue("id")
	if err := h.Store.Commit(r.Context(), actor, rules.Change{Collection: rules.Persons, Op: rules.OpDelete, ID: id}); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("person deleted", "by", actor.UserID, "person", id)
	jsonResponse(w, http.StatusOK, map[string]string{"message": "person deleted"})
}
