package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler
	QueueRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qearn",
		Subsystem: "queue",
		Name:      "requests_total",
		Help:      "Total queued contract queries completed, by outcome",
	}, []string{"outcome"})

	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "qearn",
		Subsystem: "queue",
		Name:      "length",
		Help:      "Pending contract queries waiting for a batch",
	})

	QueueBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qearn",
		Subsystem: "queue",
		Name:      "batches_total",
		Help:      "Total batches dispatched by the drain loop",
	})

	// Caller
	RetryAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qearn",
		Subsystem: "caller",
		Name:      "rate_limit_retries_total",
		Help:      "Total retries issued after a rate-limit response",
	})

	CallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qearn",
		Subsystem: "caller",
		Name:      "call_duration_seconds",
		Help:      "Contract query duration including retries",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"outcome"})

	// Fetcher
	FetcherItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qearn",
		Subsystem: "fetcher",
		Name:      "items_total",
		Help:      "Per-epoch items fetched, by kind and outcome",
	}, []string{"kind", "outcome"})

	FetcherWindowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qearn",
		Subsystem: "fetcher",
		Name:      "windows_total",
		Help:      "Epoch window fetches, by final state",
	}, []string{"state"})

	FetcherWindowLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "qearn",
		Subsystem: "fetcher",
		Name:      "window_duration_seconds",
		Help:      "Epoch window fetch duration",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	FetcherFailureRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "qearn",
		Subsystem: "fetcher",
		Name:      "window_failure_ratio",
		Help:      "Share of failed items in the last completed epoch window",
	})

	// Watcher
	WatcherCurrentEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "qearn",
		Subsystem: "watcher",
		Name:      "current_epoch",
		Help:      "Epoch reported by the latest tick-info poll",
	})

	WatcherPollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qearn",
		Subsystem: "watcher",
		Name:      "poll_errors_total",
		Help:      "Failed tick-info polls",
	})
)
