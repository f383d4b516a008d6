// Package metrics exposes gateway runtime counters to Prometheus. It is the
// sole implementation of engine.MetricsSink and gatewayhttp.Metrics used by
// cmd/gatewayd; every admission, dispatch and discard decision the engine
// makes is reflected here.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gateway holds the Prometheus collectors backing the engine's MetricsSink
// interface plus the HTTP handler that exposes them.
type Gateway struct {
	registry *prometheus.Registry

	incomingTotal   prometheus.Counter
	inflightGauge   prometheus.Gauge
	pendingGauge    prometheus.Gauge
	messageDelay    prometheus.Histogram
	inputShmTotal   prometheus.Counter
	outputShmTotal  prometheus.Counter
	discardedTotal  prometheus.Counter
	dispatchQueue   *prometheus.HistogramVec
	dispatchProcess *prometheus.HistogramVec
	startTime       time.Time
}

// New builds a Gateway metrics collector registered under namespace (for
// example "nova_gateway"). buckets, in microseconds, sizes the dispatch and
// message-delay histograms; a nil slice falls back to a default spread
// scaled for microsecond observations.
func New(namespace string, buckets []float64) *Gateway {
	if len(buckets) == 0 {
		buckets = []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000, 1000000}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	g := &Gateway{
		registry:  reg,
		startTime: time.Now(),
		incomingTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incoming_calls_total",
			Help:      "External calls admitted to the engine.",
		}),
		inflightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_external_calls",
			Help:      "External calls admitted and not yet finished, running or pending.",
		}),
		pendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_external_calls",
			Help:      "External calls admitted but not yet dispatched to a worker.",
		}),
		messageDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_delay_microseconds",
			Help:      "Time between a message's SendTimestamp and its processing.",
			Buckets:   buckets,
		}),
		inputShmTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shm_input_allocations_total",
			Help:      "Calls whose input payload was placed in shared memory.",
		}),
		outputShmTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shm_output_allocations_total",
			Help:      "Calls whose output payload was placed in shared memory.",
		}),
		discardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_calls_total",
			Help:      "Calls evicted by the discard reaper.",
		}),
		dispatchQueue: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_wait_microseconds",
			Help:      "Time a call spent waiting for a free worker, by func_id.",
			Buckets:   buckets,
		}, []string{"func_id"}),
		dispatchProcess: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_processing_microseconds",
			Help:      "Worker-reported processing time, by func_id.",
			Buckets:   buckets,
		}, []string{"func_id"}),
	}

	reg.MustRegister(
		g.incomingTotal, g.inflightGauge, g.pendingGauge, g.messageDelay,
		g.inputShmTotal, g.outputShmTotal, g.discardedTotal,
		g.dispatchQueue, g.dispatchProcess,
	)

	return g
}

func (g *Gateway) RecordIncoming(_ time.Time) { g.incomingTotal.Inc() }

func (g *Gateway) SetInflightExternal(n int64) { g.inflightGauge.Set(float64(n)) }

func (g *Gateway) SetPendingExternal(n int) { g.pendingGauge.Set(float64(n)) }

func (g *Gateway) ObserveMessageDelay(micros int64) {
	if micros < 0 {
		return
	}
	g.messageDelay.Observe(float64(micros))
}

func (g *Gateway) IncInputShm() { g.inputShmTotal.Inc() }

func (g *Gateway) IncOutputShm() { g.outputShmTotal.Inc() }

func (g *Gateway) IncDiscarded() { g.discardedTotal.Inc() }

func (g *Gateway) ObserveDispatch(funcID uint16, processingMicros, queueWaitMicros int64) {
	label := strconv.FormatUint(uint64(funcID), 10)
	if queueWaitMicros >= 0 {
		g.dispatchQueue.WithLabelValues(label).Observe(float64(queueWaitMicros))
	}
	if processingMicros >= 0 {
		g.dispatchProcess.WithLabelValues(label).Observe(float64(processingMicros))
	}
}

// Handler exposes the registered collectors in the Prometheus text format.
func (g *Gateway) Handler() http.Handler {
	return promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{})
}

// Uptime reports how long this metrics collector has been running.
func (g *Gateway) Uptime() time.Duration { return time.Since(g.startTime) }
