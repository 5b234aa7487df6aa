package app

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"dealhub/domain"
)

// DealConfig holds the tunables of on-demand picks.
type DealConfig struct {
	CacheCap     int
	SampleSize   int
	FetchTimeout time.Duration
	Sources      []domain.Source
}

// DealService serves on-demand picks from a tenant's recency cache.
type DealService struct {
	settings     *ConfigStore
	cache        domain.CacheRepository
	fetcher      domain.FeedFetcher
	sources      []domain.Source
	cacheCap     int
	sampleSize   int
	fetchTimeout time.Duration
	now          func() time.Time
}

func NewDealService(settings *ConfigStore, cache domain.CacheRepository, fetcher domain.FeedFetcher, cfg DealConfig, now func() time.Time) *DealService {
	if now == nil {
		now = time.Now
	}
	return &DealService{
		settings:     settings,
		cache:        cache,
		fetcher:      fetcher,
		sources:      cfg.Sources,
		cacheCap:     cfg.CacheCap,
		sampleSize:   cfg.SampleSize,
		fetchTimeout: cfg.FetchTimeout,
		now:          now,
	}
}

// Pick selects one cached item for tenantID. An empty cache is seeded once
// from the first enabled source; if it is still empty the result is
// domain.ErrNoDeal.
func (d *DealService) Pick(ctx context.Context, tenantID string, mode domain.PickMode) (domain.Item, domain.Variant, error) {
	st := d.settings.Get(ctx, tenantID)
	variant := domain.VariantNormal
	if mode == domain.PickHandpicked {
		variant = domain.VariantHandpicked
	}

	it, err := d.pick(ctx, st, mode)
	if errors.Is(err, domain.ErrNotFound) && d.seed(ctx, st) {
		it, err = d.pick(ctx, st, mode)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Item{}, variant, domain.ErrNoDeal
	}
	if err != nil {
		return domain.Item{}, variant, err
	}
	return it, variant, nil
}

func (d *DealService) pick(ctx context.Context, st domain.Settings, mode domain.PickMode) (domain.Item, error) {
	switch mode {
	case domain.PickHot:
		return d.cache.PickByHighestQuality(ctx, st.TenantID)
	case domain.PickHandpicked:
		it, err := d.cache.PickByKeywordMatch(ctx, st.TenantID, st.KeywordAllowlist, d.sampleSize)
		if !errors.Is(err, domain.ErrNotFound) {
			return it, err
		}
		return d.cache.PickRandom(ctx, st.TenantID)
	default:
		return d.cache.PickRandom(ctx, st.TenantID)
	}
}

func (d *DealService) seed(ctx context.Context, st domain.Settings) bool {
	logger := logr.FromContextOrDiscard(ctx).WithValues("tenant", st.TenantID)
	for _, src := range d.sources {
		if !st.SourceEnabled(src.Tag) {
			continue
		}
		items := fetchWithin(ctx, d.fetcher, d.fetchTimeout, src, st)
		if len(items) == 0 {
			return false
		}
		if err := d.cache.UpsertAll(ctx, st.TenantID, items, d.now()); err != nil {
			logger.Error(err, "Seeding cache failed", "source", src.Tag)
			return false
		}
		if _, err := d.cache.EvictExcess(ctx, st.TenantID, d.cacheCap); err != nil {
			logger.Error(err, "Evicting cache entries failed")
		}
		logger.V(1).Info("Seeded cache", "source", src.Tag, "items", len(items))
		return true
	}
	return false
}
