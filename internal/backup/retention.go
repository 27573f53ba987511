package backup

import (
	"sort"
	"time"
)

// Plan partitions a listing by the tiered retention policy.
type Plan struct {
	Recent  []Object // inside the daily window, all kept
	Monthly []Object // oldest backup of each older calendar month, kept forever
	Delete  []Object
}

type yearMonth struct {
	year  int
	month time.Month
}

// PlanRetention keeps every object modified at or after now minus days,
// and of the older ones only the earliest per UTC calendar month.
func PlanRetention(objects []Object, now time.Time, days int) Plan {
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)

	var plan Plan
	groups := make(map[yearMonth][]Object)
	for _, o := range objects {
		if !o.LastModified.Before(cutoff) {
			plan.Recent = append(plan.Recent, o)
			continue
		}
		t := o.LastModified.UTC()
		ym := yearMonth{t.Year(), t.Month()}
		groups[ym] = append(groups[ym], o)
	}

	months := make([]yearMonth, 0, len(groups))
	for ym := range groups {
		months = append(months, ym)
	}
	sort.Slice(months, func(i, j int) bool {
		if months[i].year != months[j].year {
			return months[i].year < months[j].year
		}
		return months[i].month < months[j].month
	})

	for _, ym := range months {
		g := groups[ym]
		sortOldestFirst(g)
		plan.Monthly = append(plan.Monthly, g[0])
		plan.Delete = append(plan.Delete, g[1:]...)
	}
	return plan
}

func sortOldestFirst(objs []Object) {
	sort.SliceStable(objs, func(i, j int) bool {
		if !objs[i].LastModified.Equal(objs[j].LastModified) {
			return objs[i].LastModified.Before(objs[j].LastModified)
		}
		return objs[i].Key < objs[j].Key
	})
}

func sortNewestFirst(objs []Object) {
	sort.SliceStable(objs, func(i, j int) bool {
		if !objs[i].LastModified.Equal(objs[j].LastModified) {
			return objs[i].LastModified.After(objs[j].LastModified)
		}
		return objs[i].Key > objs[j].Key
	})
}
