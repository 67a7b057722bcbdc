package metrics

import (
	"github.com/devrev/pairdb/refstore/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the reference-mode store.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registerer prometheus.Registerer
	labels     prometheus.Labels

	// Engine metrics
	ProxyMessagesTotal   *prometheus.CounterVec
	ProxyMessageDuration *prometheus.HistogramVec
	ContainerOpsTotal    *prometheus.CounterVec
	SendsTotal           *prometheus.CounterVec
	PendingHolds         prometheus.Gauge
	HoldReleasesTotal    prometheus.Counter
	CallbacksRegistered  prometheus.Gauge
	SyncTimeoutsTotal    prometheus.Counter

	// Backing store metrics
	BackingWritesTotal   *prometheus.CounterVec
	BackingWriteDuration prometheus.Histogram
	BackingLoadsTotal    *prometheus.CounterVec
	CacheSizeBytes       prometheus.Gauge
	CacheEntriesTotal    prometheus.Gauge
	CacheEvictionsTotal  prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg. A nil reg uses the default registerer.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		registerer: reg,
		labels:     labels,

		ProxyMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "refstore",
			Subsystem:   "engine",
			Name:        "proxy_messages_total",
			Help:        "Proxy messages handled, by type, outcome and gRPC status code",
			ConstLabels: labels,
		}, []string{"type", "result", "code"}),
		ProxyMessageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "refstore",
			Subsystem:   "engine",
			Name:        "proxy_message_duration_seconds",
			Help:        "Time to handle a proxy message",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"type"}),
		ContainerOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "refstore",
			Subsystem:   "engine",
			Name:        "container_ops_total",
			Help:        "Reference operations offered to the container, by outcome",
			ConstLabels: labels,
		}, []string{"result"}),
		SendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "refstore",
			Subsystem:   "engine",
			Name:        "sends_total",
			Help:        "Outbound proxy sends, by whether they waited on the backing store",
			ConstLabels: labels,
		}, []string{"mode"}),
		PendingHolds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "refstore",
			Subsystem:   "engine",
			Name:        "pending_holds",
			Help:        "Sends waiting for references to be confirmed",
			ConstLabels: labels,
		}),
		HoldReleasesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "refstore",
			Subsystem:   "engine",
			Name:        "hold_releases_total",
			Help:        "Blocked sends released after their references were confirmed",
			ConstLabels: labels,
		}),
		CallbacksRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "refstore",
			Subsystem:   "engine",
			Name:        "callbacks_registered",
			Help:        "Registered proxy callbacks",
			ConstLabels: labels,
		}),
		SyncTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "refstore",
			Subsystem:   "engine",
			Name:        "sync_timeouts_total",
			Help:        "Sync requests that timed out waiting for the backing store",
			ConstLabels: labels,
		}),

		BackingWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "refstore",
			Subsystem:   "backing",
			Name:        "writes_total",
			Help:        "Durable entity writes, by outcome",
			ConstLabels: labels,
		}, []string{"result"}),
		BackingWriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "refstore",
			Subsystem:   "backing",
			Name:        "write_duration_seconds",
			Help:        "Durable entity write latency",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		BackingLoadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "refstore",
			Subsystem:   "backing",
			Name:        "loads_total",
			Help:        "Entity lookups, by where they were served from",
			ConstLabels: labels,
		}, []string{"source"}),
		CacheSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "refstore",
			Subsystem:   "cache",
			Name:        "size_bytes",
			Help:        "Approximate bytes held by the entity cache",
			ConstLabels: labels,
		}),
		CacheEntriesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "refstore",
			Subsystem:   "cache",
			Name:        "entries",
			Help:        "Entities held by the entity cache",
			ConstLabels: labels,
		}),
		CacheEvictionsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "refstore",
			Subsystem:   "cache",
			Name:        "evictions",
			Help:        "Entities evicted from the entity cache since start",
			ConstLabels: labels,
		}),
	}
}

// WatchWorkerPool exports the write pool's queue depth, active workers and failure counts
func (m *Metrics) WatchWorkerPool(pool *workerpool.WorkerPool) {
	if m == nil || pool == nil {
		return
	}
	factory := promauto.With(m.registerer)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "refstore",
		Subsystem:   "workerpool",
		Name:        "queued_tasks",
		Help:        "Tasks waiting in the write pool",
		ConstLabels: m.labels,
	}, func() float64 { return float64(pool.Stats().QueuedTasks) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "refstore",
		Subsystem:   "workerpool",
		Name:        "active_workers",
		Help:        "Workers currently running a write",
		ConstLabels: m.labels,
	}, func() float64 { return float64(pool.Stats().ActiveWorkers) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   "refstore",
		Subsystem:   "workerpool",
		Name:        "failed_tasks_total",
		Help:        "Writes that failed or panicked in the write pool",
		ConstLabels: m.labels,
	}, func() float64 { return float64(pool.Stats().FailedTasks) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   "refstore",
		Subsystem:   "workerpool",
		Name:        "rejected_tasks_total",
		Help:        "Writes the pool refused and the backing store ran inline",
		ConstLabels: m.labels,
	}, func() float64 { return float64(pool.Stats().RejectedTasks) })
}

// RecordProxyMessage records one handled proxy message
func (m *Metrics) RecordProxyMessage(messageType string, accepted bool, code string, duration float64) {
	if m == nil {
		return
	}
	m.ProxyMessagesTotal.WithLabelValues(messageType, outcome(accepted), code).Inc()
	m.ProxyMessageDuration.WithLabelValues(messageType).Observe(duration)
}

// RecordContainerOp records whether the container accepted an op
func (m *Metrics) RecordContainerOp(accepted bool) {
	if m == nil {
		return
	}
	m.ContainerOpsTotal.WithLabelValues(outcome(accepted)).Inc()
}

// RecordSend records an outbound send; blocked sends also bump the pending gauge
func (m *Metrics) RecordSend(blocked bool) {
	if m == nil {
		return
	}
	if blocked {
		m.SendsTotal.WithLabelValues("blocked").Inc()
		m.PendingHolds.Inc()
		return
	}
	m.SendsTotal.WithLabelValues("immediate").Inc()
}

// RecordHoldRelease records a blocked send finally running
func (m *Metrics) RecordHoldRelease() {
	if m == nil {
		return
	}
	m.HoldReleasesTotal.Inc()
	m.PendingHolds.Dec()
}

// RecordHoldAbandoned records a blocked send that was cancelled
func (m *Metrics) RecordHoldAbandoned() {
	if m == nil {
		return
	}
	m.PendingHolds.Dec()
}

// UpdateCallbacks sets the number of registered callbacks
func (m *Metrics) UpdateCallbacks(count int) {
	if m == nil {
		return
	}
	m.CallbacksRegistered.Set(float64(count))
}

// RecordSyncTimeout records a sync that gave up waiting
func (m *Metrics) RecordSyncTimeout() {
	if m == nil {
		return
	}
	m.SyncTimeoutsTotal.Inc()
}

// RecordBackingWrite records a durable write
func (m *Metrics) RecordBackingWrite(success bool, duration float64) {
	if m == nil {
		return
	}
	m.BackingWritesTotal.WithLabelValues(outcome(success)).Inc()
	m.BackingWriteDuration.Observe(duration)
}

// RecordBackingLoad records where a lookup was served from: pending, cache, store or missing
func (m *Metrics) RecordBackingLoad(source string) {
	if m == nil {
		return
	}
	m.BackingLoadsTotal.WithLabelValues(source).Inc()
}

// UpdateCacheStats mirrors the entity cache statistics
func (m *Metrics) UpdateCacheStats(bytes int64, entries int, evictions int64) {
	if m == nil {
		return
	}
	m.CacheSizeBytes.Set(float64(bytes))
	m.CacheEntriesTotal.Set(float64(entries))
	m.CacheEvictionsTotal.Set(float64(evictions))
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
