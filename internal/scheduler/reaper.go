package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/MrSnakeDoc/linkfeed/internal/logger"
)

// DefaultReapInterval is how often expired provisional records are revoked
const DefaultReapInterval = 5 * time.Second

// Maintainer is the part of the feed the reaper drives.
type Maintainer interface {
	RevokeExpired(now time.Time) int
	SweepPending(now time.Time) int
}

// Reaper periodically revokes unconfirmed submissions and expires dangling votes
type Reaper struct {
	feed     Maintainer
	logger   logger.Logger
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReaper creates a new reaper
func NewReaper(feed Maintainer, log logger.Logger, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}

	return &Reaper{
		feed:     feed,
		logger:   log,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic reaping
func (r *Reaper) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Reap()
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the reaper
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Reap runs one pass and returns the revoked submissions and dropped votes
func (r *Reaper) Reap() (revoked, dropped int) {
	now := r.now()

	revoked = r.feed.RevokeExpired(now)
	dropped = r.feed.SweepPending(now)

	if revoked > 0 || dropped > 0 {
		r.logger.Info("reaper pass completed",
			logger.Int("revoked_submissions", revoked),
			logger.Int("dropped_votes", dropped))
	} else {
		r.logger.Debug("nothing to reap")
	}
	return revoked, dropped
}
