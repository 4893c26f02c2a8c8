package screenshot

import (
	"cmp"
	"slices"
	"strings"
)

// SortRecords orders records by description (case-insensitive), device,
// width and id. Every step falls back to a byte-wise comparison so the
// order is total and reproducible.
func SortRecords(records []*Record) {
	slices.SortStableFunc(records, compareRecords)
}

func compareRecords(a, b *Record) int {
	if c := cmp.Compare(strings.ToLower(a.Desc), strings.ToLower(b.Desc)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Desc, b.Desc); c != 0 {
		return c
	}
	if c := cmp.Compare(deviceKey(a), deviceKey(b)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Width, b.Width); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func deviceKey(r *Record) string {
	if r.Device != "" {
		return r.Device
	}
	return r.UserAgent
}
