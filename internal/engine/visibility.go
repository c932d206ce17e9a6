package engine

import "github.com/erazemk/oprema/internal/planner"

// Viewer is who a row list is filtered for.
type Viewer struct {
	UnitID   string
	PersonID string
}

// Visible keeps unassigned rows, rows held by the viewer's unit and rows held
// by the viewer. The store's read scope is organization-wide, so this is what
// hides peer units' holdings.
func Visible(rows []Row, v Viewer) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		switch {
		case r.Unassigned():
		case v.UnitID != "" && r.OwnerUnitID == v.UnitID:
		case v.PersonID != "" && r.OwnerPersonID == v.PersonID:
		default:
			continue
		}
		out = append(out, r)
	}
	return out
}

// CanDelete reports whether the viewer created the row's item.
func CanDelete(row Row, viewerPersonID string) bool {
	return viewerPersonID != "" && row.CreatedBy == viewerPersonID
}

// IsSameUnit reports whether moving row to dest is a quantity move inside
// one unit.
func IsSameUnit(currentLevel, targetLevel planner.Level, row Row, dest planner.Position) bool {
	return planner.IsSameUnit(currentLevel, targetLevel, row.Position(), dest)
}
