package verify

import (
	"slices"

	"github.com/joshuapare/magzone/internal/format"
)

// overlap returns the first two entries whose ranges intersect.
func overlap(entries []format.Entry) (format.Entry, format.Entry, bool) {
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b format.Entry) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
	for i := 1; i < len(sorted); i++ {
		if prev := sorted[i-1]; prev.Addr+prev.Size > sorted[i].Addr {
			return prev, sorted[i], true
		}
	}
	return format.Entry{}, format.Entry{}, false
}
