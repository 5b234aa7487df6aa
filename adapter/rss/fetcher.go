package rss

import (
	"context"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/jellydator/ttlcache/v3"
	"github.com/mmcdole/gofeed"

	"dealhub/domain"
	"dealhub/internal/filter"
	"dealhub/internal/metrics"
)

const userAgent = "dealhub/1.0"

// Fetcher implements domain.FeedFetcher. Parsed feeds are shared between
// tenants for the cache TTL; filtering is always per tenant.
type Fetcher struct {
	client   *http.Client
	rewriter domain.LinkRewriter
	feeds    *ttlcache.Cache[string, *gofeed.Feed]
	now      func() time.Time
}

var _ domain.FeedFetcher = (*Fetcher)(nil)

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }

func WithClock(now func() time.Time) Option { return func(f *Fetcher) { f.now = now } }

// WithCacheTTL sets how long a parsed feed is reused. Zero disables reuse.
func WithCacheTTL(ttl time.Duration) Option {
	return func(f *Fetcher) {
		if ttl <= 0 {
			f.feeds = nil
			return
		}
		f.feeds = ttlcache.New[string, *gofeed.Feed](
			ttlcache.WithTTL[string, *gofeed.Feed](ttl),
			ttlcache.WithDisableTouchOnHit[string, *gofeed.Feed](),
		)
	}
}

func NewFetcher(rewriter domain.LinkRewriter, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: 20 * time.Second},
		rewriter: rewriter,
		now:      time.Now,
	}
	WithCacheTTL(time.Minute)(f)
	for _, o := range opts {
		o(f)
	}
	return f
}

// Start runs expired-entry cleanup until Stop is called.
func (f *Fetcher) Start() {
	if f.feeds != nil {
		go f.feeds.Start()
	}
}

func (f *Fetcher) Stop() {
	if f.feeds != nil {
		f.feeds.Stop()
	}
}

// Fetch retrieves src, normalizes every entry and keeps the ones the
// tenant's filters accept. Errors are logged and produce an empty result.
func (f *Fetcher) Fetch(ctx context.Context, src domain.Source, settings domain.Settings) []domain.Item {
	logger := logr.FromContextOrDiscard(ctx).WithValues("source", src.Tag)

	feed, err := f.parse(ctx, src.URL)
	if err != nil {
		logger.Error(err, "Fetching feed failed", "url", src.URL)
		metrics.RecordFetchError(src.Tag)
		return nil
	}

	fetchedAt := f.now()
	items := make([]domain.Item, 0, len(feed.Items))
	for _, entry := range feed.Items {
		if entry == nil {
			continue
		}
		it := normalize(entry, src.Tag, fetchedAt)
		if settings.LinkRewriteEnabled && f.rewriter != nil && it.URL != "" {
			it.URL = f.rewriter.Rewrite(ctx, it.URL)
		}
		verdict := filter.Evaluate(it, settings)
		metrics.RecordItem(src.Tag, verdict.String())
		if verdict != filter.Accepted {
			logger.V(2).Info("Item filtered", "item", it.ID, "verdict", verdict.String())
			continue
		}
		items = append(items, it)
	}
	logger.V(1).Info("Fetched feed", "entries", len(feed.Items), "accepted", len(items))
	return items
}

func (f *Fetcher) parse(ctx context.Context, url string) (*gofeed.Feed, error) {
	if f.feeds != nil {
		if cached := f.feeds.Get(url); cached != nil {
			return cached.Value(), nil
		}
	}
	p := gofeed.NewParser()
	p.Client = f.client
	p.UserAgent = userAgent
	feed, err := p.ParseURLWithContext(url, ctx)
	if err != nil {
		return nil, err
	}
	if f.feeds != nil {
		f.feeds.Set(url, feed, ttlcache.DefaultTTL)
	}
	return feed, nil
}
