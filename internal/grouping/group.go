// Package grouping buckets operations by calendar day and filters them
// into derived views. Nothing in this package mutates its input.
package grouping

import (
	"sort"
	"time"

	"github.com/atmx/operations-engine/internal/aggregate"
	"github.com/atmx/operations-engine/internal/model"
)

// ByDay groups ops by calendar day in loc (UTC when nil). Groups are ordered
// newest day first and operations inside a group newest first.
func ByDay(ops []model.Operation, loc *time.Location) []model.OperationGroup {
	if len(ops) == 0 {
		return []model.OperationGroup{}
	}
	if loc == nil {
		loc = time.UTC
	}

	sorted := make([]model.Operation, len(ops))
	copy(sorted, ops)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	var groups []model.OperationGroup
	for _, op := range sorted {
		day := dayOf(op.Timestamp, loc)
		n := len(groups)
		if n == 0 || !groups[n-1].Date.Equal(day) {
			groups = append(groups, model.OperationGroup{Date: day})
			n++
		}
		groups[n-1].Operations = append(groups[n-1].Operations, op)
	}
	for i := range groups {
		groups[i].DayTotal = aggregate.Sum(groups[i].Operations)
	}
	return groups
}

// dayOf truncates t to midnight of its calendar day in loc.
func dayOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
