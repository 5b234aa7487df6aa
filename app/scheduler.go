package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"dealhub/domain"
	"dealhub/internal/metrics"
)

// SchedulerConfig holds the tunables of the poll loop.
type SchedulerConfig struct {
	Interval      time.Duration
	Workers       int
	CacheCap      int
	DeliveryDelay time.Duration
	FetchTimeout  time.Duration
	Sources       []domain.Source
}

// Scheduler runs the periodic poll of every tenant with a persisted
// settings record. Ticks are single-flight: a tick that fires while the
// previous one is still running is dropped.
type Scheduler struct {
	settings *ConfigStore
	cache    domain.CacheRepository
	ledger   domain.LedgerRepository
	fetcher  domain.FeedFetcher
	sink     domain.DeliverySink
	now      func() time.Time

	cacheCap      int
	deliveryDelay time.Duration
	fetchTimeout  time.Duration
	sources       []domain.Source

	ticking atomic.Bool
	wg      sync.WaitGroup

	mu       sync.Mutex
	interval time.Duration
	workers  int
	lastRun  map[string]time.Time
	inFlight map[string]struct{}
	cancel   context.CancelFunc
	resetCh  chan struct{}
	started  bool
}

var _ domain.Scheduler = (*Scheduler)(nil)

func NewScheduler(settings *ConfigStore, store domain.Store, fetcher domain.FeedFetcher, sink domain.DeliverySink, cfg SchedulerConfig, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Scheduler{
		settings:      settings,
		cache:         store,
		ledger:        store,
		fetcher:       fetcher,
		sink:          sink,
		now:           now,
		cacheCap:      cfg.CacheCap,
		deliveryDelay: cfg.DeliveryDelay,
		fetchTimeout:  cfg.FetchTimeout,
		sources:       cfg.Sources,
		interval:      cfg.Interval,
		workers:       cfg.Workers,
		lastRun:       map[string]time.Time{},
		inFlight:      map[string]struct{}{},
	}
}

// Start runs a tick immediately and then on every interval until ctx is
// done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.resetCh = make(chan struct{})
	s.started = true
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop cancels the loop and waits for an in-flight tick to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.started = false
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	if s.started {
		close(s.resetCh)
		s.resetCh = make(chan struct{})
	}
}

// Resize sets the number of tenants polled concurrently, starting with the
// next tick.
func (s *Scheduler) Resize(workers int) error {
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = workers
	return nil
}

func (s *Scheduler) CurrentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) CurrentWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	s.spawnTick(ctx)
	for {
		s.mu.Lock()
		interval := s.interval
		resetCh := s.resetCh
		s.mu.Unlock()

		ticker := time.NewTicker(interval)
		select {
		case <-ctx.Done():
			ticker.Stop()
			return
		case <-resetCh:
			ticker.Stop()
			continue
		case <-ticker.C:
			ticker.Stop()
		}
		s.spawnTick(ctx)
	}
}

func (s *Scheduler) spawnTick(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Tick(ctx)
	}()
}

// Tick polls every due tenant once. It reports false when another tick was
// still running; a tick that panicked still counts as run.
func (s *Scheduler) Tick(ctx context.Context) (ran bool) {
	logger := logr.FromContextOrDiscard(ctx)
	if !s.ticking.CompareAndSwap(false, true) {
		metrics.RecordTick("skipped")
		logger.V(1).Info("Tick skipped, previous tick still running")
		return false
	}
	start := s.now()
	logger = logger.WithValues("tick", uuid.NewString())
	ctx = logr.NewContext(ctx, logger)

	outcome := "run"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panicked"
			logger.Error(fmt.Errorf("%v", r), "Tick panicked")
		}
		metrics.RecordTick(outcome)
		metrics.RecordTickDuration(s.now().Sub(start))
		s.ticking.Store(false)
	}()

	ran = true
	s.runTick(ctx, start)
	return ran
}

func (s *Scheduler) runTick(ctx context.Context, now time.Time) {
	logger := logr.FromContextOrDiscard(ctx)
	tenants, err := s.settings.ListAll(ctx)
	if err != nil {
		logger.Error(err, "Listing tenants failed")
		return
	}

	var g errgroup.Group
	g.SetLimit(s.CurrentWorkers())
	for _, t := range tenants {
		if !s.claim(t, now) {
			continue
		}
		g.Go(func() error {
			defer s.release(t.TenantID)
			s.pollTenantSafe(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

// claim marks a due tenant as run at now. lastRun moves before the poll so a
// slow or failing poll is not retried on the next tick.
func (s *Scheduler) claim(t domain.Settings, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[t.TenantID]; busy {
		return false
	}
	if last, ok := s.lastRun[t.TenantID]; ok && now.Sub(last) < t.PollInterval() {
		return false
	}
	s.lastRun[t.TenantID] = now
	s.inFlight[t.TenantID] = struct{}{}
	return true
}

func (s *Scheduler) release(tenantID string) {
	s.mu.Lock()
	delete(s.inFlight, tenantID)
	s.mu.Unlock()
}

func (s *Scheduler) pollTenantSafe(ctx context.Context, t domain.Settings) {
	defer func() {
		if r := recover(); r != nil {
			logr.FromContextOrDiscard(ctx).Error(fmt.Errorf("%v", r), "Poll panicked", "tenant", t.TenantID)
		}
	}()
	s.pollTenant(ctx, t)
}

func (s *Scheduler) pollTenant(ctx context.Context, t domain.Settings) {
	logger := logr.FromContextOrDiscard(ctx).WithValues("tenant", t.TenantID)
	ctx = logr.NewContext(ctx, logger)

	if !t.AutopostEnabled || t.DestinationID == "" {
		logger.V(1).Info("Skipping tenant", "autopost", t.AutopostEnabled, "destination", t.DestinationID)
		return
	}
	metrics.RecordTenantPolled()

	dest, err := s.sink.ResolveDestination(ctx, t.DestinationID)
	if err != nil {
		logger.Error(err, "Resolving destination failed", "destination", t.DestinationID)
		return
	}

	var items []domain.Item
	for _, src := range s.sources {
		if !t.SourceEnabled(src.Tag) {
			continue
		}
		items = append(items, s.fetch(ctx, src, t)...)
	}
	if len(items) == 0 {
		return
	}

	if err := s.cache.UpsertAll(ctx, t.TenantID, items, s.now()); err != nil {
		logger.Error(err, "Caching items failed")
	} else if n, err := s.cache.EvictExcess(ctx, t.TenantID, s.cacheCap); err != nil {
		logger.Error(err, "Evicting cache entries failed")
	} else if n > 0 {
		logger.V(2).Info("Evicted cache entries", "count", n)
	}

	candidates := s.undelivered(ctx, t.TenantID, dest.ID, items)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].PublishedAt.After(candidates[j].PublishedAt)
	})
	if len(candidates) > t.MaxDeliveriesPerTick {
		candidates = candidates[:max(t.MaxDeliveriesPerTick, 0)]
	}

	for i, it := range candidates {
		if i > 0 && !sleepCtx(ctx, s.deliveryDelay) {
			return
		}
		s.deliver(ctx, t.TenantID, dest, it)
	}
}

func (s *Scheduler) fetch(ctx context.Context, src domain.Source, t domain.Settings) []domain.Item {
	return fetchWithin(ctx, s.fetcher, s.fetchTimeout, src, t)
}

// fetchWithin bounds a single source fetch by timeout when it is positive.
func fetchWithin(ctx context.Context, fetcher domain.FeedFetcher, timeout time.Duration, src domain.Source, t domain.Settings) []domain.Item {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fetcher.Fetch(ctx, src, t)
}

// undelivered drops items already in the ledger for the destination and
// repeated IDs within the batch. Items whose ledger lookup fails are held
// back until a later tick.
func (s *Scheduler) undelivered(ctx context.Context, tenantID, destinationID string, items []domain.Item) []domain.Item {
	logger := logr.FromContextOrDiscard(ctx)
	seen := make(map[string]struct{}, len(items))
	var out []domain.Item
	for _, it := range items {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		sent, err := s.ledger.WasDelivered(ctx, tenantID, destinationID, it.ID)
		if err != nil {
			logger.Error(err, "Ledger lookup failed", "item", it.ID)
			continue
		}
		if !sent {
			out = append(out, it)
		}
	}
	return out
}

func (s *Scheduler) deliver(ctx context.Context, tenantID string, dest domain.Destination, it domain.Item) {
	logger := logr.FromContextOrDiscard(ctx).WithValues("item", it.ID)
	if err := s.sink.Deliver(ctx, dest, domain.NewMessage(it, domain.VariantNormal)); err != nil {
		metrics.RecordDelivery(false)
		logger.Error(err, "Delivery failed")
		return
	}
	metrics.RecordDelivery(true)

	err := s.ledger.RecordDelivered(ctx, tenantID, dest.ID, it, s.now())
	switch {
	case errors.Is(err, domain.ErrConflict):
		metrics.RecordLedgerConflict()
		logger.V(1).Info("Item already recorded as delivered")
	case err != nil:
		logger.Error(err, "Recording delivery failed")
	default:
		logger.V(1).Info("Delivered item", "destination", dest.ID)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
