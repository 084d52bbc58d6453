package feed

import "github.com/MrSnakeDoc/linkfeed/internal/domain"

const (
	DefaultPageSize = 5
	DefaultTopN     = 100
)

// Pagination maps a page number to a window over the ordered sequence.
type Pagination struct {
	PageSize int
	TopN     int
}

func (p Pagination) withDefaults() Pagination {
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.TopN <= 0 {
		p.TopN = DefaultTopN
	}
	return p
}

// ClampPage returns page, or 1 when page is below 1.
func ClampPage(page int) int {
	return max(page, 1)
}

// ComputeWindow returns the window for a page.
// Chronological mode pages by PageSize; Ranked mode is a single window over
// the first TopN items whatever the page.
func (p Pagination) ComputeWindow(mode domain.OrderingMode, page int) Window {
	p = p.withDefaults()
	if mode == domain.Ranked {
		return Window{Offset: 0, Limit: p.TopN}
	}
	page = ClampPage(page)
	return Window{Offset: (page - 1) * p.PageSize, Limit: p.PageSize}
}

// CanAdvance reports whether a page after page holds at least one item.
// Ranked mode has no further pages.
func (p Pagination) CanAdvance(mode domain.OrderingMode, page, total int) bool {
	p = p.withDefaults()
	if mode == domain.Ranked {
		return false
	}
	return ClampPage(page)*p.PageSize < total
}

// fetchRequest is the upstream request that covers a page.
// Ranked mode reads the newest TopN items and reorders them locally.
func (p Pagination) fetchRequest(mode domain.OrderingMode, page int) domain.FetchRequest {
	w := p.ComputeWindow(mode, page)
	return domain.FetchRequest{
		Skip:    w.Offset,
		Take:    w.Limit,
		OrderBy: domain.OrderBy{Field: "createdAt", Direction: domain.Desc},
	}
}
