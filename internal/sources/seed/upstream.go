package seed

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
	"github.com/MrSnakeDoc/linkfeed/internal/feed"
)

// Upstream is an in-process stand-in for the links API, backed by a seed file.
// It answers bulk fetches, accepts posts and votes, and pushes the resulting
// events to its sources like the real subscriptions would.
type Upstream struct {
	mu     sync.RWMutex
	items  map[string]*domain.Item
	nextID int
	viewer func() domain.UserRef
	now    func() time.Time

	subsMu sync.Mutex
	subs   map[chan domain.Signal]struct{}
}

// NewUpstream serves items. viewer names the user behind mutations.
func NewUpstream(items []*domain.Item, viewer func() domain.UserRef) *Upstream {
	u := &Upstream{
		items:  make(map[string]*domain.Item, len(items)),
		viewer: viewer,
		now:    time.Now,
		subs:   make(map[chan domain.Signal]struct{}),
	}
	for _, it := range items {
		u.items[it.ID] = it.Clone()
		if n, err := strconv.Atoi(it.ID); err == nil && n > u.nextID {
			u.nextID = n
		}
	}
	return u
}

// Load reads and maps a seed file into an Upstream.
func Load(path string, viewer func() domain.UserRef) (*Upstream, error) {
	file, err := NewLoader(path).Load()
	if err != nil {
		return nil, err
	}
	items, err := NewMapper().MapLinks(file)
	if err != nil {
		return nil, err
	}
	return NewUpstream(items, viewer), nil
}

// Count returns the number of links served.
func (u *Upstream) Count() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.items)
}

// FetchPage answers a bulk request: the filter matches description or url
// (case-insensitive), then orderBy, skip and take apply. Take 0 means all.
func (u *Upstream) FetchPage(ctx context.Context, req domain.FetchRequest) (domain.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.FetchResult{}, err
	}

	u.mu.RLock()
	matched := make([]*domain.Item, 0, len(u.items))
	needle := strings.ToLower(req.Filter)
	for _, it := range u.items {
		if needle == "" ||
			strings.Contains(strings.ToLower(it.Payload.Description), needle) ||
			strings.Contains(strings.ToLower(it.Payload.URL), needle) {
			matched = append(matched, it.Clone())
		}
	}
	u.mu.RUnlock()

	if err := sortByOrder(matched, req.OrderBy); err != nil {
		return domain.FetchResult{}, err
	}

	total := len(matched)
	start := min(max(req.Skip, 0), total)
	end := total
	if req.Take > 0 {
		end = min(start+req.Take, total)
	}

	return domain.FetchResult{
		Request:    req,
		Items:      matched[start:end],
		TotalCount: total,
	}, nil
}

func sortByOrder(items []*domain.Item, order domain.OrderBy) error {
	var key func(a, b *domain.Item) int
	switch order.Field {
	case "", "createdAt":
		key = func(a, b *domain.Item) int { return a.SubmittedAt.Compare(b.SubmittedAt) }
	case "description":
		key = func(a, b *domain.Item) int { return cmp.Compare(a.Payload.Description, b.Payload.Description) }
	case "url":
		key = func(a, b *domain.Item) int { return cmp.Compare(a.Payload.URL, b.Payload.URL) }
	default:
		return fmt.Errorf("unsupported orderBy field %q", order.Field)
	}

	desc := order.Direction == domain.Desc
	slices.SortFunc(items, func(a, b *domain.Item) int {
		c := key(a, b)
		if desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return nil
}

// PostLink stores a new link under the next numeric id. The client id is
// ignored, like the real API does.
func (u *Upstream) PostLink(ctx context.Context, payload domain.Payload, _ string) (*domain.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.URL) == "" {
		return nil, errors.New("url is required")
	}

	by := u.viewer()

	u.mu.Lock()
	u.nextID++
	item := domain.NewItem(strconv.Itoa(u.nextID), u.now().UTC(), payload, &by)
	u.items[item.ID] = item
	out := item.Clone()
	u.mu.Unlock()

	u.broadcast(domain.ItemCreated{Item: out.Clone()})
	return out, nil
}

// Vote records the viewer's vote for itemID.
func (u *Upstream) Vote(ctx context.Context, itemID string) (domain.Vote, error) {
	if err := ctx.Err(); err != nil {
		return domain.Vote{}, err
	}

	voter := u.viewer()

	u.mu.Lock()
	item, ok := u.items[itemID]
	if !ok {
		u.mu.Unlock()
		return domain.Vote{}, fmt.Errorf("link %s: %w", itemID, domain.ErrNotFound)
	}
	if item.HasVoter(voter.ID) {
		u.mu.Unlock()
		return domain.Vote{}, fmt.Errorf("link %s: %w", itemID, domain.ErrAlreadyVoted)
	}
	v := domain.Vote{ID: itemID + ":" + voter.ID, Voter: voter}
	item.Votes[v.Key()] = v
	snapshot := item.Clone()
	u.mu.Unlock()

	u.broadcast(domain.VoteCast{ItemID: itemID, Vote: v, Item: snapshot})
	return v, nil
}

// Sources returns the two push channels: new links and new votes.
func (u *Upstream) Sources() []feed.Source {
	return []feed.Source{
		pushSource{name: "seed-links", up: u, accept: isLinkEvent},
		pushSource{name: "seed-votes", up: u, accept: isVoteEvent},
	}
}

func isLinkEvent(s domain.Signal) bool {
	_, ok := s.(domain.ItemCreated)
	return ok
}

func isVoteEvent(s domain.Signal) bool {
	_, ok := s.(domain.VoteCast)
	return ok
}

func (u *Upstream) subscribe() chan domain.Signal {
	ch := make(chan domain.Signal, 64)
	u.subsMu.Lock()
	u.subs[ch] = struct{}{}
	u.subsMu.Unlock()
	return ch
}

func (u *Upstream) unsubscribe(ch chan domain.Signal) {
	u.subsMu.Lock()
	delete(u.subs, ch)
	u.subsMu.Unlock()
}

// broadcast never blocks: a subscriber with a full buffer misses the event.
func (u *Upstream) broadcast(s domain.Signal) {
	u.subsMu.Lock()
	defer u.subsMu.Unlock()
	for ch := range u.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

type pushSource struct {
	name   string
	up     *Upstream
	accept func(domain.Signal) bool
}

func (p pushSource) Name() string { return p.name }

func (p pushSource) Run(ctx context.Context, out chan<- domain.Signal) error {
	ch := p.up.subscribe()
	defer p.up.unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-ch:
			if !p.accept(s) {
				continue
			}
			select {
			case out <- s:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
