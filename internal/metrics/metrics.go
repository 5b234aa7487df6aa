package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dealhub"

var (
	ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduler ticks by outcome (run, skipped, panicked).",
		},
		[]string{"outcome"},
	)
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of completed scheduler ticks.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
	tenantsPolled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenants_polled_total",
			Help:      "Due tenants handed to the poller.",
		},
	)
	fetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Feed fetch or parse failures by source.",
		},
		[]string{"source"},
	)
	itemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Normalized feed items by source and filter verdict.",
		},
		[]string{"source", "verdict"},
	)
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by result (ok, failed).",
		},
		[]string{"result"},
	)
	ledgerConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_conflicts_total",
			Help:      "Duplicate sent-ledger inserts absorbed as already delivered.",
		},
	)
)

var registerMetrics sync.Once

// Register all metrics on reg. Only the first call has an effect.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(ticksTotal)
		reg.MustRegister(tickDuration)
		reg.MustRegister(tenantsPolled)
		reg.MustRegister(fetchErrors)
		reg.MustRegister(itemsTotal)
		reg.MustRegister(deliveriesTotal)
		reg.MustRegister(ledgerConflicts)
	})
}

func RecordTick(outcome string) { ticksTotal.WithLabelValues(outcome).Inc() }

func RecordTickDuration(d time.Duration) { tickDuration.Observe(d.Seconds()) }

func RecordTenantPolled() { tenantsPolled.Inc() }

func RecordFetchError(source string) { fetchErrors.WithLabelValues(source).Inc() }

func RecordItem(source, verdict string) { itemsTotal.WithLabelValues(source, verdict).Inc() }

func RecordDelivery(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	deliveriesTotal.WithLabelValues(result).Inc()
}

func RecordLedgerConflict() { ledgerConflicts.Inc() }
