package scheduler

import (
	"context"
	"fmt"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
	"github.com/MrSnakeDoc/linkfeed/internal/logger"
)

// SignalSink accepts signals into the feed pipeline.
type SignalSink interface {
	Ingest(ctx context.Context, sig domain.Signal) error
}

// SnapshotSyncer warms the feed from the last snapshot on startup
type SnapshotSyncer struct {
	store  SnapshotStore
	sink   SignalSink
	logger logger.Logger
}

// NewSnapshotSyncer creates a new syncer
func NewSnapshotSyncer(
	store SnapshotStore,
	sink SignalSink,
	log logger.Logger,
) *SnapshotSyncer {
	return &SnapshotSyncer{
		store:  store,
		sink:   sink,
		logger: log,
	}
}

// Sync loads the snapshot and merges it through the normal pipeline, so
// restored items dedup against whatever the upstream already delivered.
func (ss *SnapshotSyncer) Sync(ctx context.Context) (int, error) {
	ss.logger.Info("restoring feed from snapshot",
		logger.String("backend", ss.store.Name()))

	items, err := ss.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}

	if len(items) == 0 {
		ss.logger.Info("no items found in snapshot")
		return 0, nil
	}

	if err := ss.sink.Ingest(ctx, domain.Restored{Items: items}); err != nil {
		return 0, fmt.Errorf("ingest snapshot: %w", err)
	}

	ss.logger.Info("restored items from snapshot",
		logger.Int("count", len(items)))

	return len(items), nil
}
