package model

import "time"

// Unit is a node of the organizational tree.
type Unit struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	ParentID  string    `json:"parent_id,omitempty"`
	ScopeID   string    `json:"scope_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Unit types, top to bottom.
const (
	UnitTypeBattalion = "battalion"
	UnitTypeCompany   = "company"
	UnitTypePlatoon   = "platoon"
)

// ParentType returns the unit type a unit of type t must hang under.
// Battalions have no parent.
func ParentType(t string) (string, bool) {
	switch t {
	case UnitTypeCompany:
		return UnitTypeBattalion, true
	case UnitTypePlatoon:
		return UnitTypeCompany, true
	}
	return "", false
}

// ValidUnitType reports whether t is a known unit type.
func ValidUnitType(t string) bool {
	return t == UnitTypeBattalion || t == UnitTypeCompany || t == UnitTypePlatoon
}

// Person is an individual who can hold equipment.
type Person struct {
	ID                 string    `json:"id"`
	FirstName          string    `json:"first_name"`
	LastName           string    `json:"last_name"`
	UnitID             string    `json:"unit_id"`
	AccountID          string    `json:"account_id,omitempty"`
	SignatureAuthority bool      `json:"signature_authority"`
	CreatedAt          time.Time `json:"created_at"`
}

// DisplayName returns the name shown for the person.
func (p *Person) DisplayName() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}
