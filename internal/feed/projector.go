package feed

import (
	"slices"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
)

// Window selects a contiguous slice of an ordered sequence.
type Window struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Project orders items by mode and returns the window slice of the result.
// It never mutates its input. Negative bounds are clamped to zero and a window
// past the end yields an empty, non-nil slice.
func Project(items []*domain.Item, mode domain.OrderingMode, w Window) []*domain.Item {
	offset := max(w.Offset, 0)
	limit := max(w.Limit, 0)

	if offset >= len(items) || limit == 0 {
		return []*domain.Item{}
	}

	sorted := slices.Clone(items)
	domain.SortItems(sorted, mode)

	end := min(offset+limit, len(sorted))
	return sorted[offset:end]
}
