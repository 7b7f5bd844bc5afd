// Package metrics exposes FlowPipe's Prometheus metrics on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Namespace prefixes every FlowPipe metric.
const Namespace = "flowpipe"

// Collector records engine, outbox and HTTP metrics. It implements
// flow.Observer.
type Collector struct {
	registry *prometheus.Registry

	InboundMessages  *prometheus.CounterVec
	InboundDuration  *prometheus.HistogramVec
	SessionsEnded    *prometheus.CounterVec
	CRMProjections   *prometheus.CounterVec
	OutboundSends    *prometheus.CounterVec
	OutboundDuration *prometheus.HistogramVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	JobRuns          *prometheus.CounterVec
}

var _ flow.Observer = (*Collector)(nil)

// NewCollector creates a Collector with its own registry, which also carries
// the Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages handled by the engine, by outcome.",
		}, []string{"channel", "outcome"}),
		InboundDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "inbound_handle_seconds",
			Help:      "Time to apply one inbound message, lock wait included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		SessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sessions_ended_total",
			Help:      "Conversations that reached a terminal status.",
		}, []string{"channel", "status", "reason"}),
		CRMProjections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "crm_projections_total",
			Help:      "CRM projection attempts by result.",
		}, []string{"result"}),
		OutboundSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "outbound_sends_total",
			Help:      "Outbox send attempts by outcome.",
		}, []string{"channel", "kind", "outcome"}),
		OutboundDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "outbound_send_seconds",
			Help:      "Duration of outbox send attempts, rate limiter wait included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "durable_job_runs_total",
			Help:      "Durable job runs by kind and result.",
		}, []string{"kind", "result"}),
	}
	reg.MustRegister(
		c.InboundMessages, c.InboundDuration, c.SessionsEnded, c.CRMProjections,
		c.OutboundSends, c.OutboundDuration, c.HTTPRequests, c.HTTPDuration, c.JobRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InboundHandled implements flow.Observer.
func (c *Collector) InboundHandled(channelID string, outcome flow.Outcome, took time.Duration) {
	c.InboundMessages.WithLabelValues(channelID, string(outcome)).Inc()
	c.InboundDuration.WithLabelValues(channelID).Observe(took.Seconds())
}

// SessionEnded implements flow.Observer.
func (c *Collector) SessionEnded(channelID string, status models.SessionStatus, reason models.AbandonReason) {
	c.SessionsEnded.WithLabelValues(channelID, string(status), string(reason)).Inc()
}

// ProjectionFinished implements flow.Observer.
func (c *Collector) ProjectionFinished(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.CRMProjections.WithLabelValues(result).Inc()
}

// ObserveSend records one outbox send attempt. It matches the callback of
// store.WithSendObserver.
func (c *Collector) ObserveSend(msg store.OutboxMessage, outcome store.SendOutcome, took time.Duration) {
	c.OutboundSends.WithLabelValues(msg.ChannelID, msg.Kind, string(outcome)).Inc()
	c.OutboundDuration.WithLabelValues(msg.ChannelID).Observe(took.Seconds())
}

// ObserveJob records one durable job run. It matches store.JobObserver.
func (c *Collector) ObserveJob(kind string, result store.JobResult, _ time.Duration) {
	c.JobRuns.WithLabelValues(kind, string(result)).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument wraps next so its requests are counted under route.
func (c *Collector) Instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		c.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		c.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	}
}
