// Package metrics owns the Prometheus collectors for the bus, the operation
// queue and the saga manager. Collectors live on an explicit registry so
// several Recorders can coexist in one process (tests, embedded use).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orchestrator"

// Recorder is safe to use as a nil pointer; every method is then a no-op.
type Recorder struct {
	registry *prometheus.Registry

	eventsPublished    *prometheus.CounterVec
	handlerFailures    *prometheus.CounterVec
	busRetries         *prometheus.CounterVec
	dlqSize            prometheus.Gauge
	dlqReprocessed     *prometheus.CounterVec
	deliveriesDropped  prometheus.Counter
	deliveryQueueRatio prometheus.Gauge

	opsEnqueued *prometheus.CounterVec
	opsFinished *prometheus.CounterVec
	opsRetries  *prometheus.CounterVec
	opsDuration *prometheus.HistogramVec
	queueDepth  *prometheus.GaugeVec
	opsInFlight prometheus.Gauge

	sagasStarted       *prometheus.CounterVec
	sagasFinished      *prometheus.CounterVec
	compensationErrors *prometheus.CounterVec
	sagasActive        prometheus.Gauge
	sagasStale         prometheus.Gauge
}

// New creates a Recorder with its own registry. Go runtime and process
// collectors are registered alongside.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,

		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "events_published_total",
			Help: "Events published, labelled by type and publish status.",
		}, []string{"event_type", "status"}),
		handlerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "handler_failures_total",
			Help: "Subscriber handler failures, labelled by error category.",
		}, []string{"category"}),
		busRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "retries_total",
			Help: "Subscriber retry attempts, labelled by outcome.",
		}, []string{"outcome"}),
		dlqSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "dlq_messages",
			Help: "Messages currently in the event dead letter queue.",
		}),
		dlqReprocessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "dlq_reprocessed_total",
			Help: "DLQ reprocessing attempts, labelled by outcome.",
		}, []string{"outcome"}),
		deliveriesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "deliveries_dropped_total",
			Help: "Live deliveries rejected because the delivery pool was full.",
		}),
		deliveryQueueRatio: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "delivery_queue_utilization_ratio",
			Help: "Current live delivery queue utilization (0-1).",
		}),

		opsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "operations_enqueued_total",
			Help: "Operations enqueued, labelled by type and priority.",
		}, []string{"operation_type", "priority"}),
		opsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "operations_finished_total",
			Help: "Operations reaching a terminal status, labelled by type and status.",
		}, []string{"operation_type", "status"}),
		opsRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "retries_scheduled_total",
			Help: "Operation retries scheduled, labelled by type.",
		}, []string{"operation_type"}),
		opsDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "queue", Name: "execution_duration_ms",
			Help:    "Processor execution time in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000},
		}, []string{"operation_type"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Queued operations per priority bucket.",
		}, []string{"priority"}),
		opsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "in_flight",
			Help: "Operations currently being processed.",
		}),

		sagasStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "saga", Name: "started_total",
			Help: "Sagas started, labelled by definition.",
		}, []string{"definition"}),
		sagasFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "saga", Name: "finished_total",
			Help: "Sagas reaching a terminal status, labelled by definition and status.",
		}, []string{"definition", "status"}),
		compensationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "saga", Name: "compensation_errors_total",
			Help: "Compensation steps that failed, labelled by definition.",
		}, []string{"definition"}),
		sagasActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "saga", Name: "active",
			Help: "Sagas not yet in a terminal status.",
		}),
		sagasStale: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "saga", Name: "stale",
			Help: "Active sagas whose last update is older than the heartbeat threshold.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Bus

func (r *Recorder) EventPublished(eventType, status string) {
	if r != nil {
		r.eventsPublished.WithLabelValues(eventType, status).Inc()
	}
}

func (r *Recorder) HandlerFailed(category string) {
	if r != nil {
		r.handlerFailures.WithLabelValues(category).Inc()
	}
}

// BusRetry records a retry sweep outcome: "succeeded", "rescheduled" or "dead_lettered".
func (r *Recorder) BusRetry(outcome string) {
	if r != nil {
		r.busRetries.WithLabelValues(outcome).Inc()
	}
}

func (r *Recorder) SetDLQSize(n int) {
	if r != nil {
		r.dlqSize.Set(float64(n))
	}
}

// DLQReprocessed records "succeeded", "failed" or "discarded".
func (r *Recorder) DLQReprocessed(outcome string) {
	if r != nil {
		r.dlqReprocessed.WithLabelValues(outcome).Inc()
	}
}

func (r *Recorder) DeliveryDropped() {
	if r != nil {
		r.deliveriesDropped.Inc()
	}
}

func (r *Recorder) SetDeliveryUtilization(ratio float64) {
	if r != nil {
		r.deliveryQueueRatio.Set(ratio)
	}
}

// Queue

func (r *Recorder) OperationEnqueued(opType, priority string) {
	if r != nil {
		r.opsEnqueued.WithLabelValues(opType, priority).Inc()
	}
}

func (r *Recorder) OperationFinished(opType, status string) {
	if r != nil {
		r.opsFinished.WithLabelValues(opType, status).Inc()
	}
}

func (r *Recorder) OperationRetryScheduled(opType string) {
	if r != nil {
		r.opsRetries.WithLabelValues(opType).Inc()
	}
}

func (r *Recorder) ObserveExecution(opType string, d time.Duration) {
	if r != nil {
		r.opsDuration.WithLabelValues(opType).Observe(float64(d.Microseconds()) / 1000)
	}
}

func (r *Recorder) SetQueueDepth(priority string, n int) {
	if r != nil {
		r.queueDepth.WithLabelValues(priority).Set(float64(n))
	}
}

func (r *Recorder) SetInFlight(n int) {
	if r != nil {
		r.opsInFlight.Set(float64(n))
	}
}

// Saga

func (r *Recorder) SagaStarted(definition string) {
	if r != nil {
		r.sagasStarted.WithLabelValues(definition).Inc()
	}
}

func (r *Recorder) SagaFinished(definition, status string) {
	if r != nil {
		r.sagasFinished.WithLabelValues(definition, status).Inc()
	}
}

func (r *Recorder) CompensationFailed(definition string) {
	if r != nil {
		r.compensationErrors.WithLabelValues(definition).Inc()
	}
}

func (r *Recorder) SetActiveSagas(n int) {
	if r != nil {
		r.sagasActive.Set(float64(n))
	}
}

func (r *Recorder) SetStaleSagas(n int) {
	if r != nil {
		r.sagasStale.Set(float64(n))
	}
}
