package model

import "time"

// TransferRequest is a two-party proposal to move quantity of an item from one
// owner to another. It leaves the pending state at most once.
type TransferRequest struct {
	ID           string     `json:"id"`
	ItemID       string     `json:"item_id"`
	FromPersonID string     `json:"from_person_id,omitempty"`
	FromUnitID   string     `json:"from_unit_id,omitempty"`
	ToPersonID   string     `json:"to_person_id,omitempty"`
	ToUnitID     string     `json:"to_unit_id,omitempty"`
	Quantity     *int       `json:"quantity,omitempty"`
	Status       string     `json:"status"`
	RequestedBy  string     `json:"requested_by"`
	RequestedAt  time.Time  `json:"requested_at"`
	DecidedBy    string     `json:"decided_by,omitempty"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	Notes        string     `json:"notes,omitempty"`

	// Resolved once when the request is created; later renames do not touch them.
	ItemName  string `json:"item_name,omitempty"`
	FromName  string `json:"from_name,omitempty"`
	ToName    string `json:"to_name,omitempty"`
	FromLevel string `json:"from_level,omitempty"`
	ToLevel   string `json:"to_level,omitempty"`
}

// Transfer request statuses.
const (
	RequestStatusPending  = "pending"
	RequestStatusApproved = "approved"
	RequestStatusRejected = "rejected"
)

// Terminal reports whether the request has been decided.
func (r *TransferRequest) Terminal() bool {
	return r.Status != RequestStatusPending
}

// From returns the owner the request moves quantity out of.
func (r *TransferRequest) From() Owner {
	return Owner{UnitID: r.FromUnitID, PersonID: r.FromPersonID}
}

// To returns the owner the request moves quantity into.
func (r *TransferRequest) To() Owner {
	return Owner{UnitID: r.ToUnitID, PersonID: r.ToPersonID}
}

// ValidRequestStatus reports whether s is a known request status.
func ValidRequestStatus(s string) bool {
	switch s {
	case RequestStatusPending, RequestStatusApproved, RequestStatusRejected:
		return true
	}
	return false
}
