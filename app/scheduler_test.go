package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealhub/domain"
	"dealhub/internal/metrics"
)

type schedulerFixture struct {
	clock   *fakeClock
	store   domain.Store
	config  *ConfigStore
	fetcher *fakeFetcher
	sink    *fakeSink
	sched   *Scheduler
	ctx     context.Context
}

func newSchedulerFixture(t *testing.T, workers int) *schedulerFixture {
	t.Helper()
	return newSchedulerFixtureWith(t, workers, newStore(t), 0)
}

func newSchedulerFixtureWith(t *testing.T, workers int, store domain.Store, deliveryDelay time.Duration) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		clock:   newClock(),
		store:   store,
		fetcher: newFakeFetcher(),
		sink:    newFakeSink(),
		ctx:     logr.NewContext(context.Background(), testr.New(t)),
	}
	f.config = NewConfigStore(f.store, f.clock.Now)
	f.sched = NewScheduler(f.config, f.store, f.fetcher, f.sink, SchedulerConfig{
		Interval:      time.Hour,
		Workers:       workers,
		CacheCap:      500,
		DeliveryDelay: deliveryDelay,
		FetchTimeout:  time.Second,
		Sources:       []domain.Source{{Tag: "a", URL: "https://a.example/rss"}, {Tag: "b", URL: "https://b.example/rss"}},
	}, f.clock.Now)
	return f
}

var testRegistry = sync.OnceValue(func() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	return reg
})

// counterValue reads a dealhub counter from the test registry, optionally
// selecting the series with the given label value.
func counterValue(t *testing.T, name, label, value string) float64 {
	t.Helper()
	families, err := testRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label == "" {
				return m.GetCounter().GetValue()
			}
			for _, l := range m.GetLabel() {
				if l.GetName() == label && l.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func (f *schedulerFixture) tenant(t *testing.T, id string, patch domain.SettingsPatch) {
	t.Helper()
	_, err := f.config.Set(f.ctx, id, patch)
	require.NoError(t, err)
}

func (f *schedulerFixture) wasDelivered(t *testing.T, tenant, dest, itemID string) bool {
	t.Helper()
	ok, err := f.store.WasDelivered(f.ctx, tenant, dest, itemID)
	require.NoError(t, err)
	return ok
}

func TestTickDeliversNewestFirstUpToMax(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	f.tenant(t, "g1", domain.SettingsPatch{DestinationID: ptr("c1"), MaxDeliveriesPerTick: ptr(1)})
	t1 := f.clock.Now().Add(-2 * time.Hour)
	t2 := f.clock.Now().Add(-time.Hour)
	f.fetcher.set("a", item("older", t1), item("newer", t2))

	require.True(t, f.sched.Tick(f.ctx))
	assert.Equal(t, []string{"newer"}, f.sink.deliveredIDs())
	assert.True(t, f.wasDelivered(t, "g1", "c1", "newer"))
	assert.False(t, f.wasDelivered(t, "g1", "c1", "older"))

	f.clock.Advance(domain.DefaultPollIntervalSeconds * time.Second)
	require.True(t, f.sched.Tick(f.ctx))
	assert.Equal(t, []string{"newer", "older"}, f.sink.deliveredIDs())

	f.clock.Advance(domain.DefaultPollIntervalSeconds * time.Second)
	require.True(t, f.sched.Tick(f.ctx))
	assert.Equal(t, []string{"newer", "older"}, f.sink.deliveredIDs(), "delivered items are never sent twice")
}

func TestTickWritesRecencyCache(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	f.tenant(t, "g1", domain.SettingsPatch{DestinationID: ptr("c1"), MaxDeliveriesPerTick: ptr(0)})
	now := f.clock.Now()
	f.fetcher.set("a", item("x", now), item("y", now))
	f.fetcher.set("b", item("x", now))

	f.sched.Tick(f.ctx)

	entries, err := f.store.ListRecent(f.ctx, "g1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Empty(t, f.sink.deliveredIDs())
}

func TestTickHonoursPollInterval(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	f.tenant(t, "g1", domain.SettingsPatch{DestinationID: ptr("c1"), PollIntervalSeconds: ptr(120)})

	f.sched.Tick(f.ctx)
	assert.Equal(t, 2, f.fetcher.callCount("g1"))

	f.clock.Advance(119 * time.Second)
	f.sched.Tick(f.ctx)
	assert.Equal(t, 2, f.fetcher.callCount("g1"), "not due yet")

	f.clock.Advance(time.Second)
	f.sched.Tick(f.ctx)
	assert.Equal(t, 4, f.fetcher.callCount("g1"))
}

func TestTickSkipsDisabledSources(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	f.tenant(t, "g1", domain.SettingsPatch{DestinationID: ptr("c1"), Sources: map[string]bool{"b": false}})
	f.fetcher.set("a", item("from-a", f.clock.Now()))
	f.fetcher.set("b", item("from-b", f.clock.Now()))

	f.sched.Tick(f.ctx)
	assert.Equal(t, 1, f.fetcher.callCount("g1"))
	assert.Equal(t, []string{"from-a"}, f.sink.deliveredIDs())
}

func TestTickSkipsTenantsWithoutAutopostOrDestination(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	f.tenant(t, "off", domain.SettingsPatch{DestinationID: ptr("c1"), AutopostEnabled: ptr(false)})
	f.tenant(t, "nodest", domain.SettingsPatch{})
	f.fetcher.set("a", item("x", f.clock.Now()))

	f.sched.Tick(f.ctx)
	assert.Zero(t, f.fetcher.callCount("off"))
	assert.Zero(t, f.fetcher.callCount("nodest"))
	assert.Empty(t, f.sink.deliveredIDs())
}

func TestUnresolvableDestinationOnlyAbortsThatTenant(t *testing.T) {
	f := newSchedulerFixture(t, 2)
	f.sink.unresolvable["gone"] = true
	f.tenant(t, "g1", domain.SettingsPatch{DestinationID: ptr("gone")})
	f.tenant(t, "g2", domain.SettingsPatch{DestinationID: ptr("c2")})
	f.fetcher.set("a", item("x", f.clock.Now()))

	f.sched.Tick(f.ctx)
	assert.Zero(t, f.fetcher.callCount("g1"))
	assert.Equal(t, []string{"x"}, f.sink.deliveredIDs())
	assert.True(t, f.wasDelivered(t, "g2", "c2", "x"))
}

func TestDeliveryFailureContinuesWithNextItem(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	f.tenant(t, "g1", domain.SettingsPatch{DestinationID: ptr("c1")})
	now := f.clock.Now()
	f.fetcher.set("a", item("bad", now), item("good", now.Add(-time.Minute)))
	f.sink.failItems["bad"] = true

	f.sched.Tick(f.ctx)
	assert.Equal(t, []string{"good"}, f.sink.deliveredIDs())
	assert.False(t, f.wasDelivered(t, "g1", "c1", "bad"), "failed deliveries stay eligible")
}

func TestLedgerIsPerDestination(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	f.tenant(t, "g1", domain.SettingsPatch{DestinationID: ptr("c1")})
	f.fetcher.set("a", item("x", f.clock.Now()))
	f.sched.Tick(f.ctx)

	f.tenant(t, "g1", domain.SettingsPatch{DestinationID: ptr("c2")})
	f.clock.Advance(time.Hour)
	f.sched.Tick(f.ctx)

	assert.Equal(t, []delivery{{dest: "c1", itemID: "x"}, {dest: "c2", itemID: "x"}}, f.sink.delivered)
}

func TestOverlappingTickIsDropped(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	f.tenant(t, "g1", domain.SettingsPatch{DestinationID: ptr("c1")})
	f.fetcher.set("a", item("x", f.clock.Now()))
	f.fetcher.started = make(chan struct{}, 1)
	f.fetcher.block = make(chan struct{})

	done := make(chan bool)
	go func() { done <- f.sched.Tick(f.ctx) }()
	<-f.fetcher.started
	f.sched.mu.Lock()
	firstRun := f.sched.lastRun["g1"]
	f.sched.mu.Unlock()

	f.clock.Advance(time.Hour)
	assert.False(t, f.sched.Tick(f.ctx), "second tick must be a no-op")

	f.fetcher.mu.Lock()
	close(f.fetcher.block)
	f.fetcher.block = nil
	f.fetcher.mu.Unlock()
	assert.True(t, <-done)

	f.sched.mu.Lock()
	assert.Equal(t, firstRun, f.sched.lastRun["g1"])
	f.sched.mu.Unlock()
	assert.Equal(t, []string{"x"}, f.sink.deliveredIDs())
}

func TestPanickingPollReleasesGuard(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	f.tenant(t, "g1", domain.SettingsPatch{DestinationID: ptr("c1")})
	f.fetcher.set("a", item("x", f.clock.Now()))
	f.fetcher.panics = true

	assert.True(t, f.sched.Tick(f.ctx))
	assert.False(t, f.sched.ticking.Load())

	f.fetcher.mu.Lock()
	f.fetcher.panics = false
	f.fetcher.mu.Unlock()
	f.clock.Advance(time.Hour)
	assert.True(t, f.sched.Tick(f.ctx))
	assert.Equal(t, []string{"x"}, f.sink.deliveredIDs())
}

func TestStartRunsImmediatelyAndStopWaits(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	f.tenant(t, "g1", domain.SettingsPatch{DestinationID: ptr("c1")})
	f.fetcher.set("a", item("x", f.clock.Now()))

	require.NoError(t, f.sched.Start(f.ctx))
	assert.Error(t, f.sched.Start(f.ctx))
	assert.Eventually(t, func() bool { return len(f.sink.deliveredIDs()) == 1 }, 5*time.Second, 10*time.Millisecond)

	f.sched.SetInterval(30 * time.Minute)
	assert.Equal(t, 30*time.Minute, f.sched.CurrentInterval())
	require.NoError(t, f.sched.Stop())
	require.NoError(t, f.sched.Stop())
}

func TestRuntimeControls(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	assert.Error(t, f.sched.Resize(0))
	require.NoError(t, f.sched.Resize(4))
	assert.Equal(t, 4, f.sched.CurrentWorkers())

	f.sched.SetInterval(0)
	assert.Equal(t, time.Hour, f.sched.CurrentInterval())
	f.sched.SetInterval(5 * time.Second)
	assert.Equal(t, 5*time.Second, f.sched.CurrentInterval())
}

func TestParallelWorkersPollEveryTenant(t *testing.T) {
	f := newSchedulerFixture(t, 4)
	for _, id := range []string{"g1", "g2", "g3", "g4", "g5"} {
		f.tenant(t, id, domain.SettingsPatch{DestinationID: ptr("c-" + id)})
	}
	f.fetcher.set("a", item("x", f.clock.Now()))

	f.sched.Tick(f.ctx)
	assert.Len(t, f.sink.deliveredIDs(), 5)
	for _, id := range []string{"g1", "g2", "g3", "g4", "g5"} {
		assert.True(t, f.wasDelivered(t, id, "c-"+id, "x"), id)
	}
}

func TestLedgerConflictDoesNotStopDeliveries(t *testing.T) {
	store := newFlakyStore(t)
	store.conflicts = true
	f := newSchedulerFixtureWith(t, 1, store, 0)
	f.tenant(t, "g1", domain.SettingsPatch{DestinationID: ptr("c1")})
	now := f.clock.Now()
	f.fetcher.set("a", item("x", now), item("y", now.Add(-time.Minute)), item("z", now.Add(-2*time.Minute)))
	before := counterValue(t, "dealhub_ledger_conflicts_total", "", "")

	require.True(t, f.sched.Tick(f.ctx))
	assert.Equal(t, []string{"x", "y", "z"}, f.sink.deliveredIDs())
	assert.Equal(t, []string{"x", "y", "z"}, store.recorded)
	assert.Equal(t, before+3, counterValue(t, "dealhub_ledger_conflicts_total", "", ""))
}

func TestFailedLedgerLookupHoldsItemBack(t *testing.T) {
	store := newFlakyStore(t)
	store.lookupFails["y"] = true
	f := newSchedulerFixtureWith(t, 1, store, 0)
	f.tenant(t, "g1", domain.SettingsPatch{DestinationID: ptr("c1")})
	now := f.clock.Now()
	f.fetcher.set("a", item("x", now), item("y", now.Add(-time.Minute)), item("z", now.Add(-2*time.Minute)))

	require.True(t, f.sched.Tick(f.ctx))
	assert.Equal(t, []string{"x", "z"}, f.sink.deliveredIDs())
	assert.False(t, f.wasDelivered(t, "g1", "c1", "y"))

	store.mu.Lock()
	delete(store.lookupFails, "y")
	store.mu.Unlock()
	f.clock.Advance(domain.DefaultPollIntervalSeconds * time.Second)
	require.True(t, f.sched.Tick(f.ctx))
	assert.Equal(t, []string{"x", "z", "y"}, f.sink.deliveredIDs(), "held-back item goes out once the ledger answers")
}

func TestDeliveriesAreSpacedByDelay(t *testing.T) {
	const delay = 50 * time.Millisecond
	f := newSchedulerFixtureWith(t, 1, newStore(t), delay)
	f.tenant(t, "g1", domain.SettingsPatch{DestinationID: ptr("c1")})
	now := f.clock.Now()
	f.fetcher.set("a", item("x", now), item("y", now.Add(-time.Minute)), item("z", now.Add(-2*time.Minute)))

	start := time.Now()
	require.True(t, f.sched.Tick(f.ctx))
	assert.GreaterOrEqual(t, time.Since(start), 2*delay, "no pause before the first delivery, one between each pair")
	assert.Equal(t, []string{"x", "y", "z"}, f.sink.deliveredIDs())
}

func TestCancelledTickStopsBetweenDeliveries(t *testing.T) {
	f := newSchedulerFixtureWith(t, 1, newStore(t), time.Hour)
	f.tenant(t, "g1", domain.SettingsPatch{DestinationID: ptr("c1")})
	now := f.clock.Now()
	f.fetcher.set("a", item("x", now), item("y", now.Add(-time.Minute)))

	ctx, cancel := context.WithTimeout(f.ctx, 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.True(t, f.sched.Tick(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{"x"}, f.sink.deliveredIDs())
}

func TestPanickingTickIsRecovered(t *testing.T) {
	store := newFlakyStore(t)
	f := newSchedulerFixtureWith(t, 1, store, 0)
	f.tenant(t, "g1", domain.SettingsPatch{DestinationID: ptr("c1")})
	f.fetcher.set("a", item("x", f.clock.Now()))
	store.listPanics = true
	before := counterValue(t, "dealhub_ticks_total", "outcome", "panicked")

	assert.True(t, f.sched.Tick(f.ctx))
	assert.False(t, f.sched.ticking.Load(), "guard released after a panic")
	assert.Equal(t, before+1, counterValue(t, "dealhub_ticks_total", "outcome", "panicked"))
	assert.Empty(t, f.sink.deliveredIDs())

	store.mu.Lock()
	store.listPanics = false
	store.mu.Unlock()
	assert.True(t, f.sched.Tick(f.ctx))
	assert.Equal(t, []string{"x"}, f.sink.deliveredIDs())
}
