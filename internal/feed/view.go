package feed

import (
	"strconv"
	"strings"
	"sync"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
	"github.com/MrSnakeDoc/linkfeed/internal/metrics"
)

// View is one projection delivered to a subscriber.
type View struct {
	Mode          domain.OrderingMode `json:"-"`
	ModeName      string              `json:"mode"`
	Page          int                 `json:"page"`
	Window        Window              `json:"window"`
	Items         []*domain.Item      `json:"items"`
	TotalCount    int                 `json:"total_count"`
	UpstreamCount int                 `json:"upstream_count"`
	HasNext       bool                `json:"has_next"`
}

// Subscription receives views of one ordering mode.
//
// Its channel holds at most one view. When the subscriber falls behind, the
// undelivered view is replaced by the newer one, so the publisher never blocks.
type Subscription struct {
	id   uint64
	hub  *hub
	mode domain.OrderingMode
	ch   chan View

	// guarded by hub.mu
	page   int
	last   string
	closed bool
}

// C returns the channel of views.
func (s *Subscription) C() <-chan View { return s.ch }

// Mode returns the ordering mode of the subscription.
func (s *Subscription) Mode() domain.OrderingMode { return s.mode }

// Page returns the page currently projected.
func (s *Subscription) Page() int {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.page
}

// Close stops the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// frame is the data a publish pass projects from.
type frame struct {
	items    []*domain.Item
	upstream int
}

type hub struct {
	mu     sync.Mutex
	pager  Pagination
	subs   map[uint64]*Subscription
	nextID uint64
	cur    frame
}

func newHub(pager Pagination) *hub {
	return &hub{
		pager: pager,
		subs:  make(map[uint64]*Subscription),
	}
}

func (h *hub) subscribe(mode domain.OrderingMode) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	s := &Subscription{
		id:   h.nextID,
		hub:  h,
		mode: mode,
		ch:   make(chan View, 1),
		page: 1,
	}
	h.subs[s.id] = s
	h.deliverLocked(s)
	return s
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	delete(h.subs, s.id)
	close(s.ch)
}

// closeAll ends every subscription.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, s := range h.subs {
		s.closed = true
		delete(h.subs, id)
		close(s.ch)
	}
}

// setPage moves a subscription to another page and pushes the new view.
func (h *hub) setPage(s *Subscription, page int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return
	}
	s.page = ClampPage(page)
	h.deliverLocked(s)
}

// publish replaces the current frame and pushes every view that changed.
func (h *hub) publish(f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cur = f
	for _, s := range h.subs {
		h.deliverLocked(s)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) deliverLocked(s *Subscription) {
	v := h.viewLocked(s.mode, s.page)
	fp := fingerprint(v)
	if fp == s.last {
		return
	}
	s.last = fp

	select {
	case s.ch <- v:
	default:
		// Replace the stale frame. Only the publisher sends, under h.mu,
		// so the second send cannot block.
		select {
		case <-s.ch:
			metrics.ViewFramesReplaced.Inc()
		default:
		}
		select {
		case s.ch <- v:
		default:
		}
	}
	metrics.ViewEmissions.Inc()
}

func (h *hub) viewLocked(mode domain.OrderingMode, page int) View {
	page = ClampPage(page)
	w := h.pager.ComputeWindow(mode, page)
	total := len(h.cur.items)
	return View{
		Mode:          mode,
		ModeName:      mode.String(),
		Page:          page,
		Window:        w,
		Items:         Project(h.cur.items, mode, w),
		TotalCount:    total,
		UpstreamCount: h.cur.upstream,
		HasNext:       h.pager.CanAdvance(mode, page, max(total, h.cur.upstream)),
	}
}

func (h *hub) snapshot(mode domain.OrderingMode, page int) View {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.viewLocked(mode, page)
}

// fingerprint identifies what a subscriber can see of a view.
func fingerprint(v View) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(v.Page))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(v.TotalCount))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(v.UpstreamCount))
	for _, it := range v.Items {
		b.WriteByte('|')
		b.WriteString(it.ID)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(it.VoteCount()))
		if it.Provisional {
			b.WriteByte('p')
		}
	}
	return b.String()
}
