package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dealhub/adapter/sqlite"
	"dealhub/domain"
)

func newStore(t *testing.T) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.Open(filepath.Join(t.TempDir(), "deals.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Ensure(context.Background()))
	t.Cleanup(func() { repo.Close() })
	return repo
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeFetcher struct {
	mu      sync.Mutex
	items   map[string][]domain.Item
	calls   map[string]int
	started chan struct{}
	block   chan struct{}
	panics  bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{items: map[string][]domain.Item{}, calls: map[string]int{}}
}

func (f *fakeFetcher) set(tag string, items ...domain.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[tag] = items
}

func (f *fakeFetcher) callCount(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tenantID]
}

func (f *fakeFetcher) Fetch(ctx context.Context, src domain.Source, settings domain.Settings) []domain.Item {
	f.mu.Lock()
	f.calls[settings.TenantID]++
	items := append([]domain.Item(nil), f.items[src.Tag]...)
	started, block, panics := f.started, f.block, f.panics
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil
		}
	}
	if panics {
		panic("feed exploded")
	}
	return items
}

type delivery struct {
	dest   string
	itemID string
}

type fakeSink struct {
	mu           sync.Mutex
	unresolvable map[string]bool
	failItems    map[string]bool
	delivered    []delivery
}

func newFakeSink() *fakeSink {
	return &fakeSink{unresolvable: map[string]bool{}, failItems: map[string]bool{}}
}

func (s *fakeSink) ResolveDestination(_ context.Context, id string) (domain.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unresolvable[id] {
		return domain.Destination{}, domain.ErrNotFound
	}
	return domain.Destination{ID: id, Name: "channel-" + id}, nil
}

func (s *fakeSink) Deliver(_ context.Context, dest domain.Destination, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failItems[msg.URL] {
		return errors.New("downstream rejected message")
	}
	s.delivered = append(s.delivered, delivery{dest: dest.ID, itemID: msg.URL})
	return nil
}

func (s *fakeSink) deliveredIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, d := range s.delivered {
		ids = append(ids, d.itemID)
	}
	return ids
}

// item builds a test item whose URL equals its ID so sinks can report it.
func item(id string, published time.Time) domain.Item {
	return domain.Item{ID: id, Source: "a", URL: id, Title: "Deal " + id, PublishedAt: published}
}

func ptr[T any](v T) *T { return &v }

// flakyStore wraps a real store and injects ledger and listing failures.
type flakyStore struct {
	domain.Store

	mu          sync.Mutex
	conflicts   bool
	lookupFails map[string]bool
	listPanics  bool
	recorded    []string
}

func newFlakyStore(t *testing.T) *flakyStore {
	return &flakyStore{Store: newStore(t), lookupFails: map[string]bool{}}
}

func (s *flakyStore) ListSettings(ctx context.Context) ([]domain.Settings, error) {
	s.mu.Lock()
	panics := s.listPanics
	s.mu.Unlock()
	if panics {
		panic("settings table vanished")
	}
	return s.Store.ListSettings(ctx)
}

func (s *flakyStore) WasDelivered(ctx context.Context, tenantID, destinationID, itemID string) (bool, error) {
	s.mu.Lock()
	fails := s.lookupFails[itemID]
	s.mu.Unlock()
	if fails {
		return false, errors.New("ledger unavailable")
	}
	return s.Store.WasDelivered(ctx, tenantID, destinationID, itemID)
}

func (s *flakyStore) RecordDelivered(ctx context.Context, tenantID, destinationID string, it domain.Item, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, it.ID)
	if s.conflicts {
		return fmt.Errorf("insert sent_ledger: %w", domain.ErrConflict)
	}
	return s.Store.RecordDelivered(ctx, tenantID, destinationID, it, at)
}
