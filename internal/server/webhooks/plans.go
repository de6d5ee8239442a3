package webhooks

import (
	"strings"

	"github.com/dmitrijs2005/optipress/internal/server/config"
)

// PlanTable maps provider plans to credit amounts.
type PlanTable struct {
	byID   map[string]int64
	byName map[string]int64
}

func NewPlanTable(plans []config.Plan) *PlanTable {
	t := &PlanTable{byID: map[string]int64{}, byName: map[string]int64{}}
	for _, p := range plans {
		if p.ID != "" {
			t.byID[p.ID] = p.Credits
		}
		if p.Name != "" {
			t.byName[strings.ToLower(p.Name)] = p.Credits
		}
	}
	return t
}

// Credits looks the plan up by id, then by case-insensitive name. Unknown
// plans are worth 0.
func (t *PlanTable) Credits(id, name string) int64 {
	if c, ok := t.byID[id]; ok && id != "" {
		return c
	}
	if name != "" {
		return t.byName[strings.ToLower(name)]
	}
	return 0
}
