package feed

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Pending tracks one local mutation until the upstream confirms or rejects it.
// It resolves exactly once.
type Pending struct {
	// ProvisionalID is the local id the mutation is visible under until confirmed.
	ProvisionalID string

	once   sync.Once
	done   chan struct{}
	itemID string
	err    error
}

func newPending(id string) *Pending {
	return &Pending{ProvisionalID: id, done: make(chan struct{})}
}

// Done is closed once the mutation is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err returns the failure, or nil when confirmed. Only valid after Done.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// ItemID returns the confirmed item id. Only valid after Done.
func (p *Pending) ItemID() string {
	select {
	case <-p.done:
		return p.itemID
	default:
		return ""
	}
}

// Wait blocks until the mutation is resolved or ctx is done.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		return p.itemID, p.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// resolve reports whether this call was the one that resolved p.
func (p *Pending) resolve(itemID string, err error) bool {
	resolved := false
	p.once.Do(func() {
		p.itemID = itemID
		p.err = err
		close(p.done)
		resolved = true
	})
	return resolved
}

// pendingSet indexes in-flight mutations by key.
type pendingSet struct {
	mu sync.Mutex
	m  map[string]*Pending
}

func newPendingSet() *pendingSet {
	return &pendingSet{m: make(map[string]*Pending)}
}

func (s *pendingSet) add(key string, p *Pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = p
}

// take removes and returns the handle stored under key.
func (s *pendingSet) take(key string) (*Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[key]
	if ok {
		delete(s.m, key)
	}
	return p, ok
}

func (s *pendingSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func itemKey(id string) string { return "item:" + id }

func voteKey(itemID, voterID string) string { return "vote:" + itemID + ":" + voterID }

// idSource mints client-side ids for local mutations.
type idSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// itemID returns a sortable id for a local post.
func (s *idSource) itemID(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "local-" + ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
}

func (s *idSource) voteID() string {
	return "local-" + uuid.NewString()
}
