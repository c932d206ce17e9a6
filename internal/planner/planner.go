// Package planner decides how a move of equipment between owners is applied:
// immediately, or through a pending transfer request.
package planner

import (
	"errors"

	"github.com/erazemk/oprema/internal/model"
)

// Level is an owner's position in the hierarchy.
type Level string

// Assignment levels.
const (
	LevelUnassigned Level = "unassigned"
	LevelBattalion  Level = "battalion"
	LevelCompany    Level = "company"
	LevelPlatoon    Level = "platoon"
	LevelIndividual Level = "individual"

	// LevelUnknown marks a unit owner whose unit record could not be found.
	LevelUnknown Level = "unknown"
)

var (
	ErrSerializedTarget = errors.New("serialized items can only be assigned to individuals")
	ErrUnknownLevel     = errors.New("unknown assignment level")
)

var ranks = map[Level]int{
	LevelUnassigned: 0,
	LevelBattalion:  1,
	LevelCompany:    2,
	LevelPlatoon:    3,
	LevelIndividual: 4,
}

// Rank orders levels top-down; the pool sorts first. Unknown levels sort last.
func (l Level) Rank() int {
	if r, ok := ranks[l]; ok {
		return r
	}
	return len(ranks)
}

// Valid reports whether l is one of the five assignment levels.
func (l Level) Valid() bool {
	_, ok := ranks[l]
	return ok
}

// UnitLevel reports whether l denotes a unit owner.
func (l Level) UnitLevel() bool {
	return l == LevelBattalion || l == LevelCompany || l == LevelPlatoon
}

// LevelOf maps a unit type to its assignment level.
func LevelOf(unitType string) Level {
	switch unitType {
	case model.UnitTypeBattalion:
		return LevelBattalion
	case model.UnitTypeCompany:
		return LevelCompany
	case model.UnitTypePlatoon:
		return LevelPlatoon
	}
	return LevelUnknown
}

// adjacency lists, for each level, the levels a move may reach in one step.
var adjacency = map[Level][]Level{
	LevelUnassigned: {LevelBattalion, LevelCompany, LevelPlatoon, LevelIndividual},
	LevelBattalion:  {LevelUnassigned, LevelCompany},
	LevelCompany:    {LevelUnassigned, LevelBattalion, LevelPlatoon},
	LevelPlatoon:    {LevelUnassigned, LevelCompany, LevelIndividual},
	LevelIndividual: {LevelUnassigned, LevelPlatoon},
}

// Adjacent reports whether a and b are neighbours in the hierarchy.
func Adjacent(a, b Level) bool {
	for _, n := range adjacency[a] {
		if n == b {
			return true
		}
	}
	return false
}

// Position is an owner together with its level.
type Position struct {
	Level    Level  `json:"level"`
	UnitID   string `json:"unit_id,omitempty"`
	PersonID string `json:"person_id,omitempty"`
}

// Unassigned is the position of the unassigned pool.
var Unassigned = Position{Level: LevelUnassigned}

// Owner returns the position's holder.
func (p Position) Owner() model.Owner {
	return model.Owner{UnitID: p.UnitID, PersonID: p.PersonID}
}

// Same reports whether p and o denote the same holder.
func (p Position) Same(o Position) bool {
	return p.Level == o.Level && p.UnitID == o.UnitID && p.PersonID == o.PersonID
}

// Mode says how a planned move is applied.
type Mode string

// Move modes.
const (
	ModeDirect  Mode = "direct"
	ModeRequest Mode = "request"
)

// Plan is the classification of a requested move.
type Plan struct {
	Mode     Mode     `json:"mode"`
	From     Position `json:"from"`
	To       Position `json:"to"`
	Adjacent bool     `json:"adjacent"`
	SameUnit bool     `json:"same_unit"`
}

// Direct reports whether the move applies without approval.
func (p Plan) Direct() bool {
	return p.Mode == ModeDirect
}

// IsSameUnit reports whether a move between current and target stays inside
// one unit, i.e. is a pure quantity move.
func IsSameUnit(currentLevel, targetLevel Level, current, target Position) bool {
	if !currentLevel.UnitLevel() || currentLevel != targetLevel {
		return false
	}
	return current.UnitID != "" && current.UnitID == target.UnitID
}

// Classify decides whether moving from current to target is direct or must go
// through a transfer request. Non-adjacent and cross-unit moves are never
// rejected here; they become requests. The only refusal is a serialized item
// aimed at anything but an individual or the pool.
func Classify(current, target Position, serialized bool) (Plan, error) {
	if !current.Level.Valid() || !target.Level.Valid() {
		return Plan{}, ErrUnknownLevel
	}
	if serialized && target.Level != LevelIndividual && target.Level != LevelUnassigned {
		return Plan{}, ErrSerializedTarget
	}
	plan := Plan{
		Mode:     ModeRequest,
		From:     current,
		To:       target,
		Adjacent: Adjacent(current.Level, target.Level),
		SameUnit: IsSameUnit(current.Level, target.Level, current, target),
	}
	if target.Level == LevelIndividual || plan.SameUnit || current.Level == LevelUnassigned {
		plan.Mode = ModeDirect
	}
	return plan, nil
}
