package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
	"github.com/MrSnakeDoc/linkfeed/internal/logger"
)

// DefaultFlushInterval is how often the store is snapshotted
const DefaultFlushInterval = time.Minute

// SnapshotStore is a persistence backend for confirmed items.
type SnapshotStore interface {
	Name() string
	Ping(ctx context.Context) error
	SaveMany(ctx context.Context, items []*domain.Item) (int, error)
	LoadAll(ctx context.Context) ([]*domain.Item, error)
}

// pruner is implemented by backends without key expiry.
type pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// ItemSource yields the items to snapshot.
type ItemSource interface {
	ConfirmedItems() []*domain.Item
}

// SnapshotFlusher periodically saves the confirmed items of the feed
type SnapshotFlusher struct {
	store         SnapshotStore
	source        ItemSource
	logger        logger.Logger
	interval      time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	manualTrigger chan struct{}
	done          chan struct{}
	retention     time.Duration
	now           func() time.Time

	lastFlush atomic.Int64 // unix nano
	lastCount atomic.Int64
}

// NewSnapshotFlusher creates a new flusher. manualTrigger may be nil.
func NewSnapshotFlusher(
	store SnapshotStore,
	source ItemSource,
	log logger.Logger,
	interval time.Duration,
	manualTrigger chan struct{},
) *SnapshotFlusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	return &SnapshotFlusher{
		store:         store,
		source:        source,
		logger:        log,
		interval:      interval,
		stopCh:        make(chan struct{}),
		manualTrigger: manualTrigger,
		now:           time.Now,
	}
}

// WithRetention prunes items older than d after each flush, on backends
// that need it.
func (sf *SnapshotFlusher) WithRetention(d time.Duration) *SnapshotFlusher {
	sf.retention = d
	return sf
}

// Start begins the periodic flush. A final flush runs when ctx is cancelled
// or Stop is called, so a clean shutdown loses nothing.
func (sf *SnapshotFlusher) Start(ctx context.Context) error {
	ticker := time.NewTicker(sf.interval)
	sf.done = make(chan struct{})
	go func() {
		defer close(sf.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sf.flushLogged(ctx)
			case <-sf.manualTrigger:
				sf.logger.Info("manual snapshot triggered")
				sf.flushLogged(ctx)
			case <-sf.stopCh:
				sf.flushLogged(context.Background())
				return
			case <-ctx.Done():
				// ctx is gone: give the final flush its own deadline.
				fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				sf.flushLogged(fctx)
				cancel()
				return
			}
		}
	}()

	return nil
}

// Stop stops the flusher and waits for the final flush.
func (sf *SnapshotFlusher) Stop() {
	sf.stopOnce.Do(func() { close(sf.stopCh) })
	if sf.done != nil {
		<-sf.done
	}
}

func (sf *SnapshotFlusher) flushLogged(ctx context.Context) {
	if err := sf.Flush(ctx); err != nil {
		sf.logger.Error("failed to save snapshot",
			logger.String("backend", sf.store.Name()),
			logger.Error(err))
	}
}

// Flush saves the current confirmed items
func (sf *SnapshotFlusher) Flush(ctx context.Context) error {
	items := sf.source.ConfirmedItems()
	if len(items) == 0 {
		sf.logger.Debug("nothing to snapshot")
		return nil
	}

	n, err := sf.store.SaveMany(ctx, items)
	if err != nil {
		return fmt.Errorf("save %d items: %w", len(items), err)
	}

	sf.lastFlush.Store(sf.now().UnixNano())
	sf.lastCount.Store(int64(n))
	sf.logger.Info("snapshot saved",
		logger.String("backend", sf.store.Name()),
		logger.Int("count", n))

	if p, ok := sf.store.(pruner); ok && sf.retention > 0 {
		pruned, err := p.Prune(ctx, sf.now().Add(-sf.retention))
		if err != nil {
			return fmt.Errorf("prune snapshot: %w", err)
		}
		if pruned > 0 {
			sf.logger.Info("pruned old snapshot items", logger.Int("count", int(pruned)))
		}
	}
	return nil
}

// LastFlush returns the time and size of the last successful flush
func (sf *SnapshotFlusher) LastFlush() (time.Time, int) {
	ns := sf.lastFlush.Load()
	if ns == 0 {
		return time.Time{}, 0
	}
	return time.Unix(0, ns), int(sf.lastCount.Load())
}
