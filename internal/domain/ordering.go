package domain

import (
	"cmp"
	"slices"
	"strings"
)

// OrderingMode selects how the feed is sorted.
type OrderingMode int

const (
	// Chronological sorts by submission time, newest first.
	Chronological OrderingMode = iota
	// Ranked sorts by vote count, most voted first.
	Ranked
)

func (m OrderingMode) String() string {
	switch m {
	case Ranked:
		return "top"
	default:
		return "new"
	}
}

// ParseMode maps the public mode names to an OrderingMode.
// "new" and "chronological" select Chronological, "top" and "ranked" select Ranked.
func ParseMode(s string) (OrderingMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "new", "chronological":
		return Chronological, true
	case "top", "ranked":
		return Ranked, true
	default:
		return Chronological, false
	}
}

// Compare orders two items under the mode. It is a total order:
// ties always fall back to the item id.
func (m OrderingMode) Compare(a, b *Item) int {
	if m == Ranked {
		return CompareRanked(a, b)
	}
	return CompareChronological(a, b)
}

// CompareChronological: submission time desc, then id asc.
func CompareChronological(a, b *Item) int {
	if c := b.SubmittedAt.Compare(a.SubmittedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// CompareRanked: vote count desc, then submission time desc, then id asc.
func CompareRanked(a, b *Item) int {
	if c := cmp.Compare(b.VoteCount(), a.VoteCount()); c != 0 {
		return c
	}
	return CompareChronological(a, b)
}

// SortItems sorts items in place under the mode.
func SortItems(items []*Item, mode OrderingMode) {
	slices.SortFunc(items, mode.Compare)
}

func sortStrings(s []string) {
	slices.Sort(s)
}
