package output

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wesleyorama2/vuload/internal/logging"
	"github.com/wesleyorama2/vuload/internal/metrics"
	"github.com/wesleyorama2/vuload/internal/sampler"
	"github.com/wesleyorama2/vuload/internal/scheduler"
)

// PrometheusExporter exposes live run metrics on a /metrics endpoint.
// Record makes it a metrics.Sink; Observe copies scheduler-level values
// from a snapshot.
type PrometheusExporter struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
	checks   *prometheus.CounterVec
	latency  prometheus.Histogram
	bytes    prometheus.Counter
	vus      prometheus.Gauge
	dropped  prometheus.Gauge
	phase    *prometheus.GaugeVec

	mutex    sync.Mutex
	server   *http.Server
	listener net.Listener
}

var phases = []scheduler.RunState{
	scheduler.StateIdle,
	scheduler.StateRampingUp,
	scheduler.StateSteadyHold,
	scheduler.StateRampingDown,
	scheduler.StateCompleted,
	scheduler.StateAborted,
}

// NewPrometheusExporter registers the vuload metrics on a private registry.
// Every series carries a run label with runName.
func NewPrometheusExporter(runName string, logger *zap.Logger) *PrometheusExporter {
	labels := prometheus.Labels{"run": runName}

	pe := &PrometheusExporter{
		registry: prometheus.NewRegistry(),
		logger:   logging.OrNop(logger),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "vuload_http_reqs_total",
				Help:        "Total number of recorded requests",
				ConstLabels: labels,
			},
			[]string{"status", "result"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "vuload_http_req_failures_total",
				Help:        "Failed requests by failure kind",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "vuload_checks_total",
				Help:        "Response check results",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		latency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "vuload_http_req_duration_seconds",
				Help:        "Request latency in seconds",
				Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
				ConstLabels: labels,
			},
		),
		bytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "vuload_data_received_bytes_total",
				Help:        "Response body bytes received",
				ConstLabels: labels,
			},
		),
		vus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "vuload_vus",
				Help:        "Currently running virtual users",
				ConstLabels: labels,
			},
		),
		dropped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "vuload_dropped_samples",
				Help:        "Outcomes lost to aggregator queue overflow",
				ConstLabels: labels,
			},
		),
		phase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "vuload_run_phase",
				Help:        "1 for the current run phase, 0 otherwise",
				ConstLabels: labels,
			},
			[]string{"phase"},
		),
	}

	pe.registry.MustRegister(
		pe.requests,
		pe.failures,
		pe.checks,
		pe.latency,
		pe.bytes,
		pe.vus,
		pe.dropped,
		pe.phase,
	)
	pe.setPhase(scheduler.StateIdle.String())

	return pe
}

// Record implements metrics.Sink.
func (pe *PrometheusExporter) Record(o sampler.Outcome) {
	result := "success"
	if !o.Success {
		result = "failure"
		pe.failures.WithLabelValues(string(o.Failure)).Inc()
	}
	pe.requests.WithLabelValues(strconv.Itoa(o.Status), result).Inc()
	pe.latency.Observe(o.Latency.Seconds())
	pe.bytes.Add(float64(o.Bytes))

	if o.ChecksPassed > 0 {
		pe.checks.WithLabelValues("pass").Add(float64(o.ChecksPassed))
	}
	if o.ChecksFailed > 0 {
		pe.checks.WithLabelValues("fail").Add(float64(o.ChecksFailed))
	}
}

// Observe updates the gauges from a live snapshot.
func (pe *PrometheusExporter) Observe(snap *metrics.Snapshot) {
	if snap == nil {
		return
	}
	pe.vus.Set(float64(snap.ActiveVUs))
	pe.dropped.Set(float64(snap.Dropped))
	if snap.Phase != "" {
		pe.setPhase(snap.Phase)
	}
}

func (pe *PrometheusExporter) setPhase(current string) {
	for _, p := range phases {
		v := 0.0
		if p.String() == current {
			v = 1
		}
		pe.phase.WithLabelValues(p.String()).Set(v)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (pe *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(pe.registry, promhttp.HandlerOpts{Registry: pe.registry})
}

// Start listens on addr and serves /metrics in the background. It returns
// the bound address, which differs from addr when addr uses port 0.
func (pe *PrometheusExporter) Start(addr string) (string, error) {
	pe.mutex.Lock()
	defer pe.mutex.Unlock()

	if pe.server != nil {
		return "", errors.New("prometheus exporter already started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", pe.Handler())

	pe.listener = ln
	pe.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := pe.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			pe.logger.Error("prometheus server stopped", zap.Error(err))
		}
	}()

	pe.logger.Info("serving prometheus metrics", zap.String("addr", ln.Addr().String()))
	return ln.Addr().String(), nil
}

// Close shuts the HTTP server down, if started.
func (pe *PrometheusExporter) Close(ctx context.Context) error {
	pe.mutex.Lock()
	srv := pe.server
	pe.server = nil
	pe.mutex.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
