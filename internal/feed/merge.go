package feed

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
	"github.com/MrSnakeDoc/linkfeed/internal/index"
	"github.com/MrSnakeDoc/linkfeed/internal/logger"
	"github.com/MrSnakeDoc/linkfeed/internal/metrics"
)

// rekeyClockSkew tolerates an upstream clock behind the local one when a
// confirmed copy is matched against a provisional record.
const rekeyClockSkew = 5 * time.Minute

// EngineConfig bounds the dangling vote buffer.
type EngineConfig struct {
	MaxPendingItems        int
	MaxPendingVotesPerItem int
	MaxFlushAttempts       int
	PendingTTL             time.Duration
}

// DefaultEngineConfig returns the bounds used when none are configured.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxPendingItems:        1024,
		MaxPendingVotesPerItem: 256,
		MaxFlushAttempts:       5,
		PendingTTL:             2 * time.Minute,
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	d := DefaultEngineConfig()
	if c.MaxPendingItems <= 0 {
		c.MaxPendingItems = d.MaxPendingItems
	}
	if c.MaxPendingVotesPerItem <= 0 {
		c.MaxPendingVotesPerItem = d.MaxPendingVotesPerItem
	}
	if c.MaxFlushAttempts <= 0 {
		c.MaxFlushAttempts = d.MaxFlushAttempts
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = d.PendingTTL
	}
	return c
}

// Result reports the outcome of one applied operation.
type Result struct {
	Changed  bool
	Buffered bool
	Err      error

	// ProvisionalID and ConfirmedID are set when the operation collapsed a
	// provisional record into its confirmed copy.
	ProvisionalID string
	ConfirmedID   string
}

type pendingVote struct {
	vote       domain.Vote
	bufferedAt time.Time
	attempts   int
}

type pendingBucket struct {
	firstSeen time.Time
	votes     map[string]*pendingVote // vote key -> vote
}

// Engine applies operations to the Item Store one at a time.
//
// Votes for items the store does not know yet are parked in a bounded buffer
// and replayed as soon as the item is inserted.
type Engine struct {
	mu      sync.Mutex
	store   *index.MemoryIndex
	cfg     EngineConfig
	log     logger.Logger
	now     func() time.Time
	pending map[string]*pendingBucket // item ID -> buffered votes
	parked  int
}

// NewEngine creates an Engine writing to store.
func NewEngine(store *index.MemoryIndex, cfg EngineConfig, log logger.Logger) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	return &Engine{
		store:   store,
		cfg:     cfg.withDefaults(),
		log:     log,
		now:     time.Now,
		pending: make(map[string]*pendingBucket),
	}
}

// Store returns the Item Store the engine writes to.
func (e *Engine) Store() *index.MemoryIndex { return e.store }

// Apply merges one operation into the store.
func (e *Engine) Apply(op Operation) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := e.applyLocked(op)

	outcome := "unchanged"
	switch {
	case res.Err != nil:
		outcome = "error"
	case res.Buffered:
		outcome = "buffered"
	case res.Changed:
		outcome = "changed"
	}
	metrics.OperationsApplied.WithLabelValues(op.Kind.String(), outcome).Inc()
	return res
}

func (e *Engine) applyLocked(op Operation) Result {
	switch op.Kind {
	case OpNoop:
		return Result{}

	case OpInsertItem:
		// The upstream assigns its own id, so a pushed or fetched copy of a
		// local submission can arrive before the mutation response does.
		if !op.Item.Provisional && !e.store.Has(op.Item.ID) {
			if pid, ok := e.store.MatchProvisional(op.Item, rekeyClockSkew); ok {
				return e.rekeyLocked(pid, op.Item)
			}
		}
		changed, err := e.store.UpsertItem(op.Item)
		if err != nil {
			return Result{Err: err}
		}
		if e.flushLocked(op.Item.ID) {
			changed = true
		}
		return Result{Changed: changed}

	case OpRecordVote:
		// A local vote needs an id the upstream knows: never on a provisional
		// record, and never parked for an item that is gone.
		if op.Vote.Provisional && e.store.IsProvisional(op.ItemID) {
			return Result{Err: fmt.Errorf("item %q: %w", op.ItemID, domain.ErrNotConfirmed)}
		}
		changed, err := e.store.UpsertVote(op.ItemID, op.Vote)
		if errors.Is(err, domain.ErrNotFound) {
			if op.Vote.Provisional {
				return Result{Err: fmt.Errorf("item %q: %w", op.ItemID, err)}
			}
			return Result{Buffered: e.bufferLocked(op.ItemID, op.Vote)}
		}
		if err != nil {
			return Result{Err: err}
		}
		return Result{Changed: changed}

	case OpRekey:
		return e.rekeyLocked(op.ProvisionalID, op.Item)

	case OpRevoke:
		removed := e.store.Revoke(op.ItemID)
		if removed {
			metrics.Revocations.Inc()
		}
		return Result{Changed: removed}

	case OpRevokeVote:
		return Result{Changed: e.store.RevokeVote(op.ItemID, op.VoterID)}

	default:
		return Result{Err: fmt.Errorf("%w: unknown operation kind %d", domain.ErrMalformedSignal, op.Kind)}
	}
}

func (e *Engine) rekeyLocked(provisionalID string, item *domain.Item) Result {
	collapsing := provisionalID != item.ID && e.store.IsProvisional(provisionalID)

	changed, err := e.store.Rekey(provisionalID, item)
	if err != nil {
		return Result{Err: err}
	}
	if e.flushLocked(item.ID) {
		changed = true
	}

	res := Result{Changed: changed}
	if collapsing {
		res.ProvisionalID = provisionalID
		res.ConfirmedID = item.ID
		e.log.Debug("provisional record confirmed",
			logger.String("provisional_id", provisionalID),
			logger.String("item_id", item.ID))
	}
	return res
}

// bufferLocked parks a vote for an item that is not in the store yet.
func (e *Engine) bufferLocked(itemID string, v domain.Vote) bool {
	now := e.now()
	bucket, ok := e.pending[itemID]
	if !ok {
		if len(e.pending) >= e.cfg.MaxPendingItems {
			e.evictOldestLocked()
		}
		bucket = &pendingBucket{firstSeen: now, votes: make(map[string]*pendingVote)}
		e.pending[itemID] = bucket
	}

	key := v.Key()
	if cur, dup := bucket.votes[key]; dup {
		if cur.vote.Provisional && !v.Provisional {
			cur.vote = v
		}
		return true
	}
	if len(bucket.votes) >= e.cfg.MaxPendingVotesPerItem {
		metrics.DanglingVotesDropped.WithLabelValues("bucket_full").Inc()
		e.log.Warn("dangling vote dropped, bucket full",
			logger.String("item_id", itemID),
			logger.Int("limit", e.cfg.MaxPendingVotesPerItem))
		return false
	}

	bucket.votes[key] = &pendingVote{vote: v, bufferedAt: now}
	e.parked++
	metrics.DanglingVotesBuffered.Inc()
	metrics.PendingVotes.Set(float64(e.parked))
	e.log.Debug("vote buffered until its item arrives",
		logger.String("item_id", itemID),
		logger.String("vote_key", key))
	return true
}

func (e *Engine) evictOldestLocked() {
	var (
		oldestID string
		oldest   time.Time
	)
	for id, b := range e.pending {
		if oldestID == "" || b.firstSeen.Before(oldest) {
			oldestID, oldest = id, b.firstSeen
		}
	}
	if oldestID == "" {
		return
	}
	n := len(e.pending[oldestID].votes)
	e.dropBucketLocked(oldestID)
	metrics.DanglingVotesDropped.WithLabelValues("overflow").Add(float64(n))
	e.log.Warn("dangling vote buffer full, oldest item evicted",
		logger.String("item_id", oldestID),
		logger.Int("votes", n))
}

func (e *Engine) dropBucketLocked(itemID string) {
	if b, ok := e.pending[itemID]; ok {
		e.parked -= len(b.votes)
		delete(e.pending, itemID)
		metrics.PendingVotes.Set(float64(e.parked))
	}
}

// flushLocked replays the votes buffered for itemID once the item exists.
func (e *Engine) flushLocked(itemID string) bool {
	bucket, ok := e.pending[itemID]
	if !ok || !e.store.Has(itemID) {
		return false
	}

	changed := false
	for _, pv := range bucket.votes {
		c, err := e.store.UpsertVote(itemID, pv.vote)
		if err != nil {
			e.log.Warn("buffered vote could not be applied",
				logger.String("item_id", itemID),
				logger.Error(err))
			continue
		}
		changed = changed || c
	}
	e.log.Debug("buffered votes flushed",
		logger.String("item_id", itemID),
		logger.Int("votes", len(bucket.votes)))
	e.dropBucketLocked(itemID)
	return changed
}

// Sweep is one periodic flush pass over the buffer. Buffered votes whose item
// is still unknown use up one attempt; votes past their attempt budget or TTL
// are dropped. It returns the number of dropped votes.
func (e *Engine) Sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	dropped := 0
	for itemID, bucket := range e.pending {
		if e.store.Has(itemID) {
			e.flushLocked(itemID)
			continue
		}
		for key, pv := range bucket.votes {
			pv.attempts++
			reason := ""
			switch {
			case pv.attempts >= e.cfg.MaxFlushAttempts:
				reason = "attempts"
			case now.Sub(pv.bufferedAt) >= e.cfg.PendingTTL:
				reason = "ttl"
			}
			if reason == "" {
				continue
			}
			delete(bucket.votes, key)
			e.parked--
			dropped++
			metrics.DanglingVotesDropped.WithLabelValues(reason).Inc()
		}
		if len(bucket.votes) == 0 {
			delete(e.pending, itemID)
		}
	}

	metrics.PendingVotes.Set(float64(e.parked))
	if dropped > 0 {
		e.log.Debug("dangling votes expired", logger.Int("dropped", dropped))
	}
	return dropped
}

// PendingCount returns the number of buffered votes.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.parked
}

// Verify checks the store invariants and that no buffered vote belongs to an
// item the store already holds.
func (e *Engine) Verify() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.Verify(); err != nil {
		return err
	}
	total := 0
	for itemID, b := range e.pending {
		if e.store.Has(itemID) {
			return fmt.Errorf("%w: votes for known item %q still buffered", domain.ErrStoreCorruption, itemID)
		}
		total += len(b.votes)
	}
	if total != e.parked {
		return fmt.Errorf("%w: buffer holds %d votes, counter says %d", domain.ErrStoreCorruption, total, e.parked)
	}
	return nil
}
