// Package feed reconciles the link feed from bulk fetches, push events and
// local optimistic mutations, and serves ordered, paged views of it.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
	"github.com/MrSnakeDoc/linkfeed/internal/index"
	"github.com/MrSnakeDoc/linkfeed/internal/logger"
	"github.com/MrSnakeDoc/linkfeed/internal/metrics"
)

var (
	ErrStopped    = errors.New("feed: stopped")
	ErrNotStarted = errors.New("feed: not started")
	ErrReadOnly   = errors.New("feed: no mutator configured")
)

// Fetcher performs bulk page requests against the upstream.
type Fetcher interface {
	FetchPage(ctx context.Context, req domain.FetchRequest) (domain.FetchResult, error)
}

// Source is one push channel. Run blocks, writing signals to out until ctx
// is done or the channel fails.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- domain.Signal) error
}

// Mutator sends local mutations to the upstream.
type Mutator interface {
	PostLink(ctx context.Context, payload domain.Payload, clientID string) (*domain.Item, error)
	Vote(ctx context.Context, itemID string) (domain.Vote, error)
}

// Authenticator tells whether mutations are allowed, and on whose behalf.
type Authenticator interface {
	Authenticated() bool
	Viewer() domain.UserRef
}

// Config tunes the feed. Zero values fall back to defaults.
type Config struct {
	PageSize          int
	TopN              int
	Engine            EngineConfig
	RevocationTimeout time.Duration
	InboxSize         int

	// FetchRate limits bulk fetches per second; FetchBurst is the bucket size.
	FetchRate  rate.Limit
	FetchBurst int
}

func (c Config) withDefaults() Config {
	if c.RevocationTimeout <= 0 {
		c.RevocationTimeout = 30 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.FetchRate <= 0 {
		c.FetchRate = 2
	}
	if c.FetchBurst <= 0 {
		c.FetchBurst = 4
	}
	c.Engine = c.Engine.withDefaults()
	return c
}

// Deps are the collaborators of the feed. Only Logger is required to be
// non-nil in practice; a feed without Fetcher never fetches and a feed
// without Mutator is read-only.
type Deps struct {
	Fetcher Fetcher
	Sources []Source
	Mutator Mutator
	Auth    Authenticator
	Logger  logger.Logger
}

type envelope struct {
	sig  domain.Signal
	done chan struct{}
}

// Feed owns the Item Store and the single consumer that mutates it.
type Feed struct {
	cfg     Config
	log     logger.Logger
	store   *index.MemoryIndex
	engine  *Engine
	pager   Pagination
	hub     *hub
	fetcher Fetcher
	sources []Source
	mutator Mutator
	auth    Authenticator
	limiter *rate.Limiter
	flight  singleflight.Group
	ids     *idSource
	pending *pendingSet
	now     func() time.Time

	inbox   chan envelope
	signals chan domain.Signal

	// consumeMu serializes handle: the consumer goroutine, the reaper and
	// callers ingesting before Start all go through it.
	consumeMu sync.Mutex

	// revoked remembers submissions failed by timeout, so a confirmation
	// that still arrives can be traced. Guarded by consumeMu.
	revoked map[string]time.Time

	fetchedMu sync.Mutex
	fetched   map[domain.FetchRequest]struct{}

	upstream atomic.Int64
	ready    atomic.Bool

	lifeMu  sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New builds a feed. Nothing runs until Start.
func New(cfg Config, deps Deps) *Feed {
	cfg = cfg.withDefaults()
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With(logger.String("component", "feed"))

	store := index.NewMemoryIndex()
	pager := Pagination{PageSize: cfg.PageSize, TopN: cfg.TopN}.withDefaults()

	return &Feed{
		cfg:     cfg,
		log:     log,
		store:   store,
		engine:  NewEngine(store, cfg.Engine, log),
		pager:   pager,
		hub:     newHub(pager),
		fetcher: deps.Fetcher,
		sources: deps.Sources,
		mutator: deps.Mutator,
		auth:    deps.Auth,
		limiter: rate.NewLimiter(cfg.FetchRate, cfg.FetchBurst),
		ids:     newIDSource(),
		pending: newPendingSet(),
		now:     time.Now,
		inbox:   make(chan envelope, cfg.InboxSize),
		signals: make(chan domain.Signal, cfg.InboxSize),
		fetched: make(map[domain.FetchRequest]struct{}),
		revoked: make(map[string]time.Time),
	}
}

// Start launches the consumer, one goroutine per push source and the fetch
// of the first page. It returns immediately.
func (f *Feed) Start(ctx context.Context) error {
	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()

	if f.running {
		return errors.New("feed: already started")
	}
	if f.group != nil {
		return ErrStopped
	}

	f.ctx, f.cancel = context.WithCancel(ctx)
	f.group = &errgroup.Group{}
	f.running = true

	runCtx := f.ctx
	f.group.Go(func() error { return f.consume(runCtx) })

	for _, src := range f.sources {
		f.group.Go(func() error {
			f.log.Info("push source started", logger.String("source", src.Name()))
			err := src.Run(runCtx, f.signals)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
				f.log.Info("push source stopped", logger.String("source", src.Name()))
			default:
				// No reconnect: the feed keeps serving fetched pages.
				f.log.Error("push source failed", logger.String("source", src.Name()), logger.Error(err))
			}
			return nil
		})
	}

	if f.fetcher != nil {
		f.group.Go(func() error {
			if _, err := f.RequestPage(runCtx, domain.Chronological, 1); err != nil && !errors.Is(err, context.Canceled) {
				f.log.Warn("initial fetch failed", logger.Error(err))
			}
			return nil
		})
	}

	f.log.Info("feed started",
		logger.Int("sources", len(f.sources)),
		logger.Int("page_size", f.pager.PageSize),
		logger.Int("top_n", f.pager.TopN))
	return nil
}

// Stop cancels every goroutine of the feed and waits for them.
// In-flight mutations are resolved with ErrStopped and subscriptions are
// closed.
func (f *Feed) Stop() {
	f.lifeMu.Lock()
	if !f.running {
		f.lifeMu.Unlock()
		return
	}
	f.running = false
	f.cancel()
	g := f.group
	f.lifeMu.Unlock()

	_ = g.Wait()

	f.pending.mu.Lock()
	for key, p := range f.pending.m {
		p.resolve("", ErrStopped)
		delete(f.pending.m, key)
	}
	f.pending.mu.Unlock()

	f.hub.closeAll()
	f.log.Info("feed stopped")
}

// spawn runs fn on the feed's errgroup while the feed is running.
func (f *Feed) spawn(fn func(ctx context.Context)) error {
	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()

	if !f.running {
		if f.group == nil {
			return ErrNotStarted
		}
		return ErrStopped
	}
	ctx := f.ctx
	f.group.Go(func() error {
		fn(ctx)
		return nil
	})
	return nil
}

func (f *Feed) runContext() (context.Context, bool) {
	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()
	return f.ctx, f.running
}

func (f *Feed) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-f.inbox:
			f.handle(env.sig)
			if env.done != nil {
				close(env.done)
			}
		case sig := <-f.signals:
			f.handle(sig)
		}
	}
}

// Ingest hands a signal to the consumer and waits until it is applied.
// Before Start the signal is applied on the calling goroutine.
func (f *Feed) Ingest(ctx context.Context, sig domain.Signal) error {
	runCtx, running := f.runContext()
	if !running {
		if runCtx != nil {
			return ErrStopped
		}
		f.handle(sig)
		return nil
	}

	env := envelope{sig: sig, done: make(chan struct{})}
	select {
	case f.inbox <- env:
	default:
		metrics.InboxFull.Inc()
		select {
		case f.inbox <- env:
		case <-ctx.Done():
			return ctx.Err()
		case <-runCtx.Done():
			return ErrStopped
		}
	}

	select {
	case <-env.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-runCtx.Done():
		return ErrStopped
	}
}

func (f *Feed) handle(sig domain.Signal) {
	f.consumeMu.Lock()
	defer f.consumeMu.Unlock()

	name := domain.SignalName(sig)
	metrics.SignalsReceived.WithLabelValues(name).Inc()

	ops, err := Normalize(sig)
	if err != nil {
		metrics.MalformedSignals.Inc()
		f.log.Warn("malformed signal dropped", logger.String("signal", name), logger.Error(err))
	}

	changed := false
	var collapsed []Result
	for _, op := range ops {
		res := f.engine.Apply(op)
		if res.Err != nil {
			f.log.Warn("operation rejected",
				logger.String("kind", op.Kind.String()),
				logger.Error(res.Err))
			continue
		}
		changed = changed || res.Changed
		if res.ProvisionalID != "" {
			collapsed = append(collapsed, res)
		}
	}

	if s, ok := sig.(domain.FetchResult); ok {
		if s.Request.Filter == "" {
			if old := f.upstream.Swap(int64(s.TotalCount)); old != int64(s.TotalCount) {
				changed = true
			}
		}
		f.ready.Store(true)
	}

	if changed {
		f.publishLocked()
	}

	// Handles resolve after the view reflects the outcome.
	f.resolveLocked(sig)
	for _, res := range collapsed {
		if p, ok := f.pending.take(itemKey(res.ProvisionalID)); ok {
			p.resolve(res.ConfirmedID, nil)
		}
	}
}

func (f *Feed) resolveLocked(sig domain.Signal) {
	switch s := sig.(type) {
	case domain.SubmissionConfirmed:
		if s.Item == nil {
			return
		}
		if p, ok := f.pending.take(itemKey(s.ProvisionalID)); ok {
			p.resolve(s.Item.ID, nil)
			return
		}
		if at, ok := f.revoked[s.ProvisionalID]; ok {
			delete(f.revoked, s.ProvisionalID)
			f.log.Info("submission confirmed after its revocation",
				logger.String("provisional_id", s.ProvisionalID),
				logger.String("item_id", s.Item.ID),
				logger.Duration("late_by", f.now().Sub(at)))
		}

	case domain.SubmissionFailed:
		cause := s.Err
		if cause == nil {
			cause = errors.New("submission rejected")
		}
		if p, ok := f.pending.take(itemKey(s.ProvisionalID)); ok {
			p.resolve("", cause)
			f.log.Warn("provisional submission revoked",
				logger.String("provisional_id", s.ProvisionalID),
				logger.Error(cause))
			if errors.Is(cause, domain.ErrRevocationTimeout) {
				f.rememberRevokedLocked(s.ProvisionalID)
			}
		}

	case domain.VoteConfirmed:
		if p, ok := f.pending.take(voteKey(s.ItemID, s.Vote.Voter.ID)); ok {
			p.resolve(s.ItemID, nil)
		}

	case domain.VoteFailed:
		cause := s.Err
		if cause == nil {
			cause = errors.New("vote rejected")
		}
		if p, ok := f.pending.take(voteKey(s.ItemID, s.VoterID)); ok {
			p.resolve("", cause)
			f.log.Warn("provisional vote revoked",
				logger.String("item_id", s.ItemID),
				logger.Error(cause))
		}
	}
}

// rememberRevokedLocked records a timed out submission. A confirmation can
// only trail it by one more revocation timeout, the bound of the mutation call.
func (f *Feed) rememberRevokedLocked(id string) {
	now := f.now()
	for old, at := range f.revoked {
		if now.Sub(at) > 2*f.cfg.RevocationTimeout {
			delete(f.revoked, old)
		}
	}
	f.revoked[id] = now
}

func (f *Feed) publishLocked() {
	items := f.store.GetAll()
	metrics.StoreItems.Set(float64(len(items)))
	f.hub.publish(frame{items: items, upstream: int(f.upstream.Load())})
}

// SubscribeToView returns a subscription on page 1 of mode. The current view
// is available on its channel right away.
func (f *Feed) SubscribeToView(mode domain.OrderingMode) *Subscription {
	return f.hub.subscribe(mode)
}

// Snapshot returns the current view of a page without subscribing.
func (f *Feed) Snapshot(mode domain.OrderingMode, page int) View {
	return f.hub.snapshot(mode, page)
}

// RequestPage moves subs to page and fetches the windows up to it from the
// upstream unless they were fetched before. It returns the window of the page.
func (f *Feed) RequestPage(ctx context.Context, mode domain.OrderingMode, page int, subs ...*Subscription) (Window, error) {
	page = ClampPage(page)
	for _, s := range subs {
		f.hub.setPage(s, page)
	}

	w := f.pager.ComputeWindow(mode, page)
	if f.fetcher == nil {
		return w, nil
	}
	if mode == domain.Ranked {
		return w, f.fetch(ctx, f.pager.fetchRequest(mode, page))
	}
	// Windows are projected from the store, so every earlier page must be
	// merged too. Pages fetched before are skipped.
	for p := 1; p <= page; p++ {
		if err := f.fetch(ctx, f.pager.fetchRequest(mode, p)); err != nil {
			return w, err
		}
	}
	return w, nil
}

func (f *Feed) fetch(ctx context.Context, req domain.FetchRequest) error {
	if f.wasFetched(req) {
		return nil
	}

	key := fmt.Sprintf("%s|%d|%d|%s|%s", req.Filter, req.Skip, req.Take, req.OrderBy.Field, req.OrderBy.Direction)
	_, err, _ := f.flight.Do(key, func() (any, error) {
		if f.wasFetched(req) {
			return nil, nil
		}
		res, err := f.fetchOnce(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := f.Ingest(ctx, res); err != nil {
			return nil, err
		}
		f.fetchedMu.Lock()
		f.fetched[req] = struct{}{}
		f.fetchedMu.Unlock()
		return nil, nil
	})
	return err
}

func (f *Feed) fetchOnce(ctx context.Context, req domain.FetchRequest) (domain.FetchResult, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return domain.FetchResult{}, err
	}

	start := time.Now()
	res, err := f.fetcher.FetchPage(ctx, req)
	if err != nil {
		metrics.FetchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return domain.FetchResult{}, fmt.Errorf("fetch skip=%d take=%d: %w", req.Skip, req.Take, err)
	}
	metrics.FetchDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	res.Request = req
	f.log.Debug("page fetched",
		logger.Int("skip", req.Skip),
		logger.Int("take", req.Take),
		logger.Int("items", len(res.Items)),
		logger.Int("count", res.TotalCount))
	return res, nil
}

func (f *Feed) wasFetched(req domain.FetchRequest) bool {
	f.fetchedMu.Lock()
	defer f.fetchedMu.Unlock()
	_, ok := f.fetched[req]
	return ok
}

// Refresh forgets which windows were fetched so the next RequestPage for
// each goes to the upstream again.
func (f *Feed) Refresh() {
	f.fetchedMu.Lock()
	defer f.fetchedMu.Unlock()
	clear(f.fetched)
}

// Search runs a filtered fetch, merges the result into the store and returns
// the matching items newest first, with the upstream match count.
func (f *Feed) Search(ctx context.Context, filter string) ([]*domain.Item, int, error) {
	if f.fetcher == nil {
		return nil, 0, ErrReadOnly
	}

	req := domain.FetchRequest{
		Filter:  filter,
		Take:    f.pager.TopN,
		OrderBy: domain.OrderBy{Field: "createdAt", Direction: domain.Desc},
	}
	res, err := f.fetchOnce(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	if err := f.Ingest(ctx, res); err != nil {
		return nil, 0, err
	}

	items := make([]*domain.Item, 0, len(res.Items))
	for _, it := range res.Items {
		if it == nil || it.ID == "" {
			continue
		}
		if cur, ok := f.store.Get(it.ID); ok {
			items = append(items, cur)
		}
	}
	domain.SortItems(items, domain.Chronological)
	return items, res.TotalCount, nil
}

// SubmitItem posts a link on behalf of the viewer. The item is visible as
// provisional as soon as SubmitItem returns; the handle resolves when the
// upstream answers or the submission is revoked.
func (f *Feed) SubmitItem(ctx context.Context, payload domain.Payload) (*Pending, error) {
	if f.mutator == nil {
		return nil, ErrReadOnly
	}
	if f.auth == nil || !f.auth.Authenticated() {
		return nil, domain.ErrUnauthenticated
	}
	if _, running := f.runContext(); !running {
		return nil, ErrNotStarted
	}

	viewer := f.auth.Viewer()
	now := f.now()
	id := f.ids.itemID(now)
	item := domain.NewItem(id, now, payload, &viewer)
	item.Provisional = true

	p := newPending(id)
	f.pending.add(itemKey(id), p)
	if err := f.Ingest(ctx, domain.Submission{Item: item}); err != nil {
		f.pending.take(itemKey(id))
		return nil, err
	}

	err := f.spawn(func(runCtx context.Context) {
		mctx, cancel := context.WithTimeout(runCtx, f.cfg.RevocationTimeout)
		defer cancel()

		var sig domain.Signal
		confirmed, err := f.mutator.PostLink(mctx, payload, id)
		switch {
		case err != nil:
			sig = domain.SubmissionFailed{ProvisionalID: id, Err: err}
		case confirmed == nil || confirmed.ID == "":
			sig = domain.SubmissionFailed{ProvisionalID: id, Err: fmt.Errorf("%w: post returned no id", domain.ErrMalformedSignal)}
		default:
			sig = domain.SubmissionConfirmed{ProvisionalID: id, Item: confirmed}
		}
		if err := f.Ingest(runCtx, sig); err != nil && !errors.Is(err, ErrStopped) {
			f.log.Warn("submission outcome lost", logger.String("provisional_id", id), logger.Error(err))
		}
	})
	if err != nil {
		f.pending.take(itemKey(id))
		p.resolve("", err)
	}
	return p, nil
}

// CastVote votes for itemID on behalf of the viewer.
func (f *Feed) CastVote(ctx context.Context, itemID string) (*Pending, error) {
	if f.mutator == nil {
		return nil, ErrReadOnly
	}
	if f.auth == nil || !f.auth.Authenticated() {
		return nil, domain.ErrUnauthenticated
	}
	if _, running := f.runContext(); !running {
		return nil, ErrNotStarted
	}

	viewer := f.auth.Viewer()
	item, ok := f.store.Get(itemID)
	if !ok {
		return nil, fmt.Errorf("item %q: %w", itemID, domain.ErrNotFound)
	}
	if item.Provisional {
		return nil, fmt.Errorf("item %q: %w", itemID, domain.ErrNotConfirmed)
	}
	if item.HasVoter(viewer.ID) {
		return nil, domain.ErrAlreadyVoted
	}

	vote := domain.Vote{ID: f.ids.voteID(), Voter: viewer, Provisional: true}
	key := voteKey(itemID, viewer.ID)
	p := newPending(vote.ID)
	f.pending.add(key, p)
	if err := f.Ingest(ctx, domain.VoteSubmitted{ItemID: itemID, Vote: vote}); err != nil {
		f.pending.take(key)
		return nil, err
	}

	err := f.spawn(func(runCtx context.Context) {
		mctx, cancel := context.WithTimeout(runCtx, f.cfg.RevocationTimeout)
		defer cancel()

		var sig domain.Signal
		confirmed, err := f.mutator.Vote(mctx, itemID)
		if err != nil {
			sig = domain.VoteFailed{ItemID: itemID, VoterID: viewer.ID, Err: err}
		} else {
			if confirmed.Voter.ID == "" {
				confirmed.Voter = viewer
			}
			confirmed.Provisional = false
			sig = domain.VoteConfirmed{ItemID: itemID, Vote: confirmed}
		}
		if err := f.Ingest(runCtx, sig); err != nil && !errors.Is(err, ErrStopped) {
			f.log.Warn("vote outcome lost", logger.String("item_id", itemID), logger.Error(err))
		}
	})
	if err != nil {
		f.pending.take(key)
		p.resolve("", err)
	}
	return p, nil
}

// RevokeExpired removes provisional submissions older than the revocation
// timeout and fails their handles. It returns the number of revoked items.
func (f *Feed) RevokeExpired(now time.Time) int {
	ids := f.store.ProvisionalBefore(now.Add(-f.cfg.RevocationTimeout))
	for _, id := range ids {
		f.handle(domain.SubmissionFailed{ProvisionalID: id, Err: domain.ErrRevocationTimeout})
	}
	return len(ids)
}

// SweepPending runs one flush pass over the dangling vote buffer.
func (f *Feed) SweepPending(now time.Time) int {
	f.consumeMu.Lock()
	defer f.consumeMu.Unlock()
	return f.engine.Sweep(now)
}

// ConfirmedItems returns a copy of every confirmed item, for snapshots.
func (f *Feed) ConfirmedItems() []*domain.Item {
	all := f.store.GetAll()
	out := all[:0]
	for _, it := range all {
		if !it.Provisional {
			out = append(out, it)
		}
	}
	return out
}

// Ready reports whether a first bulk page was merged.
func (f *Feed) Ready() bool { return f.ready.Load() }

// Stats is a point-in-time summary for the infra endpoint.
type Stats struct {
	Items         int       `json:"items"`
	Provisional   int       `json:"provisional"`
	PendingVotes  int       `json:"pending_votes"`
	InFlight      int       `json:"in_flight"`
	Subscribers   int       `json:"subscribers"`
	UpstreamCount int       `json:"upstream_count"`
	LastChange    time.Time `json:"last_change"`
	Ready         bool      `json:"ready"`
}

// Stats returns the current counters of the feed.
func (f *Feed) Stats() Stats {
	return Stats{
		Items:         f.store.Count(),
		Provisional:   f.store.ProvisionalCount(),
		PendingVotes:  f.engine.PendingCount(),
		InFlight:      f.pending.len(),
		Subscribers:   f.hub.count(),
		UpstreamCount: int(f.upstream.Load()),
		LastChange:    f.store.LastChange(),
		Ready:         f.Ready(),
	}
}

// Verify checks the store and buffer invariants.
func (f *Feed) Verify() error { return f.engine.Verify() }
