package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Live poller, transaction source and price feed instrumentation.

var (
	// Poller
	PollerCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remit",
		Subsystem: "poller",
		Name:      "cycles_total",
		Help:      "Total poll cycles, by kind (transactions, balance) and trigger (initial, tick, resume, refresh)",
	}, []string{"kind", "trigger"})

	PollerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remit",
		Subsystem: "poller",
		Name:      "errors_total",
		Help:      "Total failed poll cycles",
	}, []string{"kind"})

	PollerNoveltyEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remit",
		Subsystem: "poller",
		Name:      "novelty_events_total",
		Help:      "Total new activity events emitted",
	})

	PollerStaleDiscards = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remit",
		Subsystem: "poller",
		Name:      "stale_results_discarded_total",
		Help:      "Fetch results dropped because their subscription ended",
	})

	PollerCycleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "remit",
		Subsystem: "poller",
		Name:      "cycle_duration_seconds",
		Help:      "Poll cycle duration including the source fetch",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"kind"})

	PollerActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "remit",
		Subsystem: "poller",
		Name:      "active_subscriptions",
		Help:      "Live subscriptions currently registered",
	})

	// Source
	SourceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remit",
		Subsystem: "source",
		Name:      "requests_total",
		Help:      "Total requests sent to the transaction source, by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	SourceRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "remit",
		Subsystem: "source",
		Name:      "request_duration_seconds",
		Help:      "Transaction source request duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"endpoint"})

	SourceDecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remit",
		Subsystem: "source",
		Name:      "decode_errors_total",
		Help:      "Fields recovered with a default value, by field",
	}, []string{"field"})

	// Prices
	PriceTableServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remit",
		Subsystem: "prices",
		Name:      "tables_served_total",
		Help:      "Rate tables served, by origin (cache, live, stale, static)",
	}, []string{"origin"})

	PriceFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remit",
		Subsystem: "prices",
		Name:      "fetch_errors_total",
		Help:      "Failed live quote fetches",
	})

	// API
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remit",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Total HTTP requests, by route and status code",
	}, []string{"route", "code"})

	HTTPRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "remit",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	// Archive
	ArchiveTransactionsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remit",
		Subsystem: "archive",
		Name:      "transactions_written_total",
		Help:      "Transactions written to the ClickHouse archive",
	})

	ArchiveUpdatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remit",
		Subsystem: "archive",
		Name:      "updates_dropped_total",
		Help:      "Poll updates not archived because the archive queue was full",
	})

	WorkerWatchedWallets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "remit",
		Subsystem: "worker",
		Name:      "watched_wallets",
		Help:      "Wallets the archive worker keeps subscribed",
	})

	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "remit",
		Subsystem: "source",
		Name:      "circuit_state",
		Help:      "Circuit breaker state per upstream endpoint (0 closed, 1 half-open, 2 open)",
	}, []string{"endpoint"})

	CircuitRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remit",
		Subsystem: "source",
		Name:      "circuit_rejected_total",
		Help:      "Requests refused without contacting the endpoint because its circuit was open",
	}, []string{"endpoint"})

	StoreQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "remit",
		Subsystem: "store",
		Name:      "query_duration_seconds",
		Help:      "Duration of storage operations, by store and operation",
		Buckets:   prometheus.DefBuckets,
	}, []string{"store", "op"})

	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remit",
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Failed storage operations, by store and operation",
	}, []string{"store", "op"})

	BudgetDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remit",
		Subsystem: "budget",
		Name:      "denied_total",
		Help:      "Requests delayed because the shared upstream budget was exhausted",
	}, []string{"budget", "priority"})
)
