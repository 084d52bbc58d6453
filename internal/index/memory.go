package index

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
)

// MemoryIndex is the Item Store: the deduplicated set of items known to the feed.
//
// Every getter returns deep copies, so a reader never observes a vote union
// that is only half applied. Iteration order of GetAll is undefined.
type MemoryIndex struct {
	mu          sync.RWMutex
	items       map[string]*domain.Item // ID -> Item
	provisional map[string]time.Time    // ID -> time the provisional record was inserted
	lastChange  time.Time
	now         func() time.Time
}

// NewMemoryIndex creates an empty store.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		items:       make(map[string]*domain.Item),
		provisional: make(map[string]time.Time),
		now:         time.Now,
	}
}

// UpsertItem inserts an unknown item or unions the votes of a known one.
// Identity fields of a known item are left untouched, except that a confirmed
// copy pins the tentative fields of a provisional record.
// It reports whether the store changed.
func (idx *MemoryIndex) UpsertItem(item *domain.Item) (bool, error) {
	if item == nil || item.ID == "" {
		return false, domain.ErrMalformedSignal
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	changed := idx.upsertLocked(item)
	if changed {
		idx.lastChange = idx.now()
	}
	return changed, nil
}

func (idx *MemoryIndex) upsertLocked(item *domain.Item) bool {
	existing, ok := idx.items[item.ID]
	if !ok {
		cp := item.Clone()
		cp.Votes = make(map[string]domain.Vote, len(item.Votes))
		for _, v := range item.Votes {
			mergeVote(cp, v)
		}
		idx.items[cp.ID] = cp
		if cp.Provisional {
			idx.provisional[cp.ID] = idx.now()
		}
		return true
	}

	changed := false
	for _, v := range item.Votes {
		if mergeVote(existing, v) {
			changed = true
		}
	}

	if existing.Provisional && !item.Provisional {
		existing.Provisional = false
		if !item.SubmittedAt.IsZero() {
			existing.SubmittedAt = item.SubmittedAt
		}
		if item.PostedBy != nil {
			by := *item.PostedBy
			existing.PostedBy = &by
		}
		delete(idx.provisional, existing.ID)
		changed = true
	}

	return changed
}

// mergeVote adds v to the vote set of item. A confirmed vote replaces a
// provisional one under the same key without changing the count.
//
// The vote id is the identity of a delivered vote. An id already present
// under another key is the same vote and is not counted again, except that a
// copy naming the voter takes over an entry that was keyed by vote id.
func mergeVote(item *domain.Item, v domain.Vote) bool {
	key := v.Key()
	if key == "" {
		return false
	}
	if otherKey, other, seen := voteByID(item, v.ID); seen && otherKey != key {
		if v.Voter.ID == "" || other.Voter.ID != "" {
			if other.Provisional && !v.Provisional {
				other.Provisional = false
				item.Votes[otherKey] = other
				return true
			}
			return false
		}
		delete(item.Votes, otherKey)
		if !other.Provisional {
			v.Provisional = false
		}
		if cur, ok := item.Votes[key]; ok && !cur.Provisional {
			return true
		}
		item.Votes[key] = v
		return true
	}

	cur, ok := item.Votes[key]
	if !ok {
		item.Votes[key] = v
		return true
	}
	if cur.Provisional && !v.Provisional {
		if v.ID == "" {
			v.ID = cur.ID
		}
		item.Votes[key] = v
		return true
	}
	return false
}

func voteByID(item *domain.Item, id string) (string, domain.Vote, bool) {
	if id == "" {
		return "", domain.Vote{}, false
	}
	for k, v := range item.Votes {
		if v.ID == id {
			return k, v, true
		}
	}
	return "", domain.Vote{}, false
}

// UpsertVote adds a vote to a known item.
// It fails with domain.ErrNotFound when the item is not in the store yet.
func (idx *MemoryIndex) UpsertVote(itemID string, vote domain.Vote) (bool, error) {
	if itemID == "" || vote.Key() == "" {
		return false, domain.ErrMalformedSignal
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	item, ok := idx.items[itemID]
	if !ok {
		return false, domain.ErrNotFound
	}

	changed := mergeVote(item, vote)
	if changed {
		idx.lastChange = idx.now()
	}
	return changed, nil
}

// Rekey reconciles a provisional record whose confirmation came back under a
// different id. Confirmed votes recorded on the provisional record are carried
// over to the confirmed one, then the provisional record is removed.
// Provisional votes are dropped: they were cast against an id the upstream
// never knew.
func (idx *MemoryIndex) Rekey(provisionalID string, confirmed *domain.Item) (bool, error) {
	if confirmed == nil || confirmed.ID == "" {
		return false, domain.ErrMalformedSignal
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	changed := idx.upsertLocked(confirmed)

	if provisionalID != "" && provisionalID != confirmed.ID {
		if old, ok := idx.items[provisionalID]; ok && old.Provisional {
			target := idx.items[confirmed.ID]
			for _, v := range old.Votes {
				if !v.Provisional {
					mergeVote(target, v)
				}
			}
			delete(idx.items, provisionalID)
			delete(idx.provisional, provisionalID)
			changed = true
		}
	}

	if changed {
		idx.lastChange = idx.now()
	}
	return changed, nil
}

// MatchProvisional finds the provisional record a confirmed item stands for:
// same author, same payload, and not submitted more than skew before the
// provisional record. The oldest match wins. Items without author never match.
func (idx *MemoryIndex) MatchProvisional(confirmed *domain.Item, skew time.Duration) (string, bool) {
	if confirmed == nil || confirmed.PostedBy == nil || confirmed.PostedBy.ID == "" {
		return "", false
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var (
		bestID string
		bestAt time.Time
	)
	for id, at := range idx.provisional {
		if id == confirmed.ID {
			continue
		}
		prov := idx.items[id]
		if prov.PostedBy == nil || prov.PostedBy.ID != confirmed.PostedBy.ID || prov.Payload != confirmed.Payload {
			continue
		}
		if !confirmed.SubmittedAt.IsZero() && confirmed.SubmittedAt.Before(prov.SubmittedAt.Add(-skew)) {
			continue
		}
		if bestID == "" || at.Before(bestAt) || (at.Equal(bestAt) && id < bestID) {
			bestID, bestAt = id, at
		}
	}
	return bestID, bestID != ""
}

// IsProvisional reports whether id is held as a provisional record.
func (idx *MemoryIndex) IsProvisional(id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	_, ok := idx.provisional[id]
	return ok
}

// Revoke removes a record that is still provisional.
// Confirmed records are never removed.
func (idx *MemoryIndex) Revoke(id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	item, ok := idx.items[id]
	if !ok || !item.Provisional {
		return false
	}
	delete(idx.items, id)
	delete(idx.provisional, id)
	idx.lastChange = idx.now()
	return true
}

// RevokeVote removes a still provisional vote of voterID on itemID.
func (idx *MemoryIndex) RevokeVote(itemID, voterID string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	item, ok := idx.items[itemID]
	if !ok {
		return false
	}
	key := domain.Vote{Voter: domain.UserRef{ID: voterID}}.Key()
	v, ok := item.Votes[key]
	if !ok || !v.Provisional {
		return false
	}
	delete(item.Votes, key)
	idx.lastChange = idx.now()
	return true
}

// ProvisionalBefore returns the ids of provisional records inserted before cutoff.
func (idx *MemoryIndex) ProvisionalBefore(cutoff time.Time) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var ids []string
	for id, at := range idx.provisional {
		if at.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Get retrieves a copy of an item by ID.
func (idx *MemoryIndex) Get(id string) (*domain.Item, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	item, ok := idx.items[id]
	if !ok {
		return nil, false
	}
	return item.Clone(), true
}

// Has reports whether the item is in the store.
func (idx *MemoryIndex) Has(id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	_, ok := idx.items[id]
	return ok
}

// GetAll returns a snapshot of every item. Callers must not rely on its order.
func (idx *MemoryIndex) GetAll() []*domain.Item {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	items := make([]*domain.Item, 0, len(idx.items))
	for _, item := range idx.items {
		items = append(items, item.Clone())
	}
	return items
}

// Count returns the number of items in the store.
func (idx *MemoryIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return len(idx.items)
}

// ProvisionalCount returns the number of unconfirmed records.
func (idx *MemoryIndex) ProvisionalCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return len(idx.provisional)
}

// LastChange returns the time of the last mutation.
func (idx *MemoryIndex) LastChange() time.Time {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return idx.lastChange
}

// Verify checks the store invariants and reports the first violation.
func (idx *MemoryIndex) Verify() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for id, item := range idx.items {
		if item.ID != id {
			return fmt.Errorf("%w: item stored under %q has id %q", domain.ErrStoreCorruption, id, item.ID)
		}
		seen := make(map[string]string, len(item.Votes))
		for key, v := range item.Votes {
			if v.Key() != key {
				return fmt.Errorf("%w: item %q holds vote under %q with key %q", domain.ErrStoreCorruption, id, key, v.Key())
			}
			if v.ID == "" {
				continue
			}
			if other, dup := seen[v.ID]; dup {
				return fmt.Errorf("%w: item %q counts vote %q under %q and %q", domain.ErrStoreCorruption, id, v.ID, other, key)
			}
			seen[v.ID] = key
		}
		if _, tracked := idx.provisional[id]; tracked != item.Provisional {
			return fmt.Errorf("%w: item %q provisional flag out of sync", domain.ErrStoreCorruption, id)
		}
	}
	for id := range idx.provisional {
		if _, ok := idx.items[id]; !ok {
			return fmt.Errorf("%w: provisional id %q has no record", domain.ErrStoreCorruption, id)
		}
	}
	return nil
}
