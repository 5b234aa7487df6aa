package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("already exists")
	ErrNoDeal      = errors.New("no deal available")
	ErrUnknownMode = errors.New("unknown pick mode")
)

// SettingsRepository persists tenant settings as full-record upserts.
type SettingsRepository interface {
	LoadSettings(ctx context.Context, tenantID string) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error
	ListSettings(ctx context.Context) ([]Settings, error)
}

// CacheRepository is the per-tenant bounded recency cache.
type CacheRepository interface {
	UpsertAll(ctx context.Context, tenantID string, items []Item, insertedAt time.Time) error
	EvictExcess(ctx context.Context, tenantID string, limit int) (int64, error)
	PickRandom(ctx context.Context, tenantID string) (Item, error)
	PickByHighestQuality(ctx context.Context, tenantID string) (Item, error)
	PickByKeywordMatch(ctx context.Context, tenantID string, allowlist []string, sampleSize int) (Item, error)
	ListRecent(ctx context.Context, tenantID string, limit int) ([]CacheEntry, error)
}

// LedgerRepository records deliveries per (tenant, destination, item).
type LedgerRepository interface {
	WasDelivered(ctx context.Context, tenantID, destinationID, itemID string) (bool, error)
	RecordDelivered(ctx context.Context, tenantID, destinationID string, it Item, at time.Time) error
	ListSent(ctx context.Context, tenantID string, limit int) ([]SentRecord, error)
}

// Store bundles the persisted tables.
type Store interface {
	SettingsRepository
	CacheRepository
	LedgerRepository
	Ensure(ctx context.Context) error
	Close() error
}

// FeedFetcher fetches, normalizes and filters one source. Failures are
// reported through the context logger and yield an empty result.
type FeedFetcher interface {
	Fetch(ctx context.Context, src Source, settings Settings) []Item
}

// LinkRewriter rewrites outbound URLs. It returns the input on any failure.
type LinkRewriter interface {
	Rewrite(ctx context.Context, rawURL string) string
}

// DeliverySink resolves destinations and delivers messages to them.
type DeliverySink interface {
	ResolveDestination(ctx context.Context, id string) (Destination, error)
	Deliver(ctx context.Context, dest Destination, msg Message) error
}

// Scheduler exposes runtime controls of the poll loop.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error

	SetInterval(d time.Duration)
	Resize(workers int) error
	CurrentInterval() time.Duration
	CurrentWorkers() int
}
