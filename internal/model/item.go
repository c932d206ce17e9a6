package model

import "time"

// Item represents an equipment record with a finite on-hand quantity.
// An item with a serial number is serialized: its quantity is fixed at 1 and
// it can only be held by an individual.
type Item struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	SerialNumber  string    `json:"serial_number,omitempty"`
	TotalQuantity int       `json:"total_quantity"`
	Status        string    `json:"status"`
	ScopeID       string    `json:"scope_id"`
	CreatedBy     string    `json:"created_by"`
	ImageMime     string    `json:"image_mime,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Item statuses.
const (
	ItemStatusServiceable     = "serviceable"
	ItemStatusPendingTransfer = "pending_transfer"
)

// Serialized reports whether the item carries a serial number.
func (i *Item) Serialized() bool {
	return i.SerialNumber != ""
}

// ValidItemStatus reports whether s is a known item status.
func ValidItemStatus(s string) bool {
	return s == ItemStatusServiceable || s == ItemStatusPendingTransfer
}
