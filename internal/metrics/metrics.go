// Package metrics wires Prometheus instrumentation for the SIEM core,
// directly modeled on the teacher's cmd/pulse-sensor-proxy/metrics.go
// (a private prometheus.Registry, vectors per concern, MustRegister once
// at construction, record methods, a nil-receiver-safe Shutdown, an HTTP server
// serving /metrics via promhttp).
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds every Prometheus collector the core publishes.
type Metrics struct {
	eventsAccepted  prometheus.Counter
	eventsDuplicate prometheus.Counter
	eventsQueueFull prometheus.Counter
	eventsInvalid     prometheus.Counter
	eventsWhitelisted prometheus.Counter
	shardQueueDepth   *prometheus.GaugeVec

	findingsEmitted *prometheus.CounterVec

	incidentsOpen      prometheus.Gauge
	incidentsCreated   prometheus.Counter
	actionsExecuted    *prometheus.CounterVec
	actionLatency      *prometheus.HistogramVec

	supervisorRestarts prometheus.Counter
	supervisorFailed   prometheus.Gauge
	supervisorRunning  prometheus.Gauge

	busDegraded *prometheus.GaugeVec

	buildInfo *prometheus.GaugeVec

	registry *prometheus.Registry
	server   *http.Server
}

// New constructs and registers every collector.
func New(version string) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		eventsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentineld_dispatcher_events_accepted_total",
			Help: "Total events accepted by the dispatcher.",
		}),
		eventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentineld_dispatcher_events_duplicate_total",
			Help: "Total events dropped as duplicates within the dedup window.",
		}),
		eventsQueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentineld_dispatcher_events_queue_full_total",
			Help: "Total events dropped due to a full shard queue.",
		}),
		eventsInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentineld_dispatcher_events_invalid_total",
			Help: "Total events rejected as structurally invalid.",
		}),
		eventsWhitelisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentineld_dispatcher_events_whitelisted_total",
			Help: "Total events dropped by the pre-accept whitelist filter.",
		}),
		shardQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentineld_dispatcher_shard_queue_depth",
			Help: "Current backlog per dispatcher shard.",
		}, []string{"shard"}),
		findingsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentineld_findings_emitted_total",
			Help: "Total threat findings emitted, by detector kind.",
		}, []string{"detector_kind"}),
		incidentsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentineld_incidents_open",
			Help: "Current number of non-terminal incidents.",
		}),
		incidentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentineld_incidents_created_total",
			Help: "Total incidents created.",
		}),
		actionsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentineld_actions_executed_total",
			Help: "Total response actions executed, by kind and result.",
		}, []string{"kind", "result"}),
		actionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentineld_action_latency_seconds",
			Help:    "Response action execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		supervisorRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentineld_supervisor_restarts_total",
			Help: "Total supervised service restarts.",
		}),
		supervisorFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentineld_supervisor_services_failed",
			Help: "Current number of failed or unrecoverable supervised services.",
		}),
		supervisorRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentineld_supervisor_services_running",
			Help: "Current number of running supervised services.",
		}),
		busDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentineld_bus_channel_degraded",
			Help: "1 if a bus channel has recently dropped a delivery, else 0.",
		}, []string{"channel"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentineld_build_info",
			Help: "Build metadata.",
		}, []string{"version"}),
		registry: reg,
	}

	reg.MustRegister(
		m.eventsAccepted, m.eventsDuplicate, m.eventsQueueFull, m.eventsInvalid,
		m.eventsWhitelisted, m.shardQueueDepth, m.findingsEmitted, m.incidentsOpen,
		m.incidentsCreated, m.actionsExecuted, m.actionLatency, m.supervisorRestarts,
		m.supervisorFailed, m.supervisorRunning, m.busDegraded, m.buildInfo,
	)
	m.buildInfo.WithLabelValues(version).Set(1)

	return m
}

func (m *Metrics) RecordAccepted()    { m.eventsAccepted.Inc() }
func (m *Metrics) RecordDuplicate()   { m.eventsDuplicate.Inc() }
func (m *Metrics) RecordQueueFull()   { m.eventsQueueFull.Inc() }
func (m *Metrics) RecordInvalid()     { m.eventsInvalid.Inc() }
func (m *Metrics) RecordWhitelisted() { m.eventsWhitelisted.Inc() }

func (m *Metrics) SetShardQueueDepth(shard string, depth int) {
	m.shardQueueDepth.WithLabelValues(shard).Set(float64(depth))
}

func (m *Metrics) RecordFinding(detectorKind string) {
	m.findingsEmitted.WithLabelValues(detectorKind).Inc()
}

func (m *Metrics) SetIncidentsOpen(n int) { m.incidentsOpen.Set(float64(n)) }
func (m *Metrics) RecordIncidentCreated() { m.incidentsCreated.Inc() }

func (m *Metrics) RecordAction(kind, result string, d time.Duration) {
	m.actionsExecuted.WithLabelValues(kind, result).Inc()
	m.actionLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) RecordSupervisorRestart() { m.supervisorRestarts.Inc() }
func (m *Metrics) SetSupervisorFailed(n int)  { m.supervisorFailed.Set(float64(n)) }
func (m *Metrics) SetSupervisorRunning(n int) { m.supervisorRunning.Set(float64(n)) }

func (m *Metrics) SetBusDegraded(channel string, degraded bool) {
	v := 0.0
	if degraded {
		v = 1.0
	}
	m.busDegraded.WithLabelValues(channel).Set(v)
}

// Start serves /metrics on addr. An empty or "disabled" addr is a no-op,
// matching the teacher's metrics server posture.
func (m *Metrics) Start(addr string) error {
	if addr == "" || addr == "disabled" {
		log.Info().Msg("metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	m.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := m.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped unexpectedly")
		}
	}()

	log.Info().Str("addr", addr).Msg("metrics server started")
	return nil
}

// Shutdown gracefully stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) {
	if m == nil || m.server == nil {
		return
	}
	_ = m.server.Shutdown(ctx)
}
