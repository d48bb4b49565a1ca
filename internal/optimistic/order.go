package optimistic

import "sort"

func sortByRegistration(entries []*entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].update, entries[j].update
		if !a.RegisteredAt.Equal(b.RegisteredAt) {
			return a.RegisteredAt.Before(b.RegisteredAt)
		}
		return a.ID < b.ID
	})
}
