// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/computex/market-engine/internal/model"
)

var (
	// MatchesTotal counts receipts emitted, partitioned by lane.
	MatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "computex_matches_total",
		Help: "Total number of matches emitted",
	}, []string{"lane"})

	// MatchBatchDuration tracks how long a match batch takes.
	MatchBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "computex_match_batch_duration_seconds",
		Help:    "Match batch duration in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	// QueueDepth tracks resting orders per lane and side.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "computex_queue_depth",
		Help: "Resting orders per lane",
	}, []string{"lane", "side"})

	// OldestWait tracks the wait of the oldest resting order per lane.
	OldestWait = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "computex_oldest_wait_seconds",
		Help: "Wait time of the oldest resting order",
	}, []string{"lane"})

	// CapabilityMismatches counts bids left queued for lack of a capable ask.
	CapabilityMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "computex_capability_mismatches_total",
		Help: "Bids with no capability-satisfying ask",
	}, []string{"lane"})

	// StarvationWarnings counts orders reported as starving.
	StarvationWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "computex_starvation_warnings_total",
		Help: "Orders that waited past the starvation threshold",
	}, []string{"lane"})

	// OrderRejections counts refused submissions by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "computex_order_rejections_total",
		Help: "Rejected order submissions",
	}, []string{"reason"})

	// SettlementOutcomes counts ledger applications by outcome
	// (applied, duplicate, archived, unavailable).
	SettlementOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "computex_settlement_outcomes_total",
		Help: "Settlement applications by outcome",
	}, []string{"outcome"})

	// LedgerSequence is the last committed audit sequence.
	LedgerSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "computex_ledger_sequence",
		Help: "Last committed audit record sequence",
	})

	// FailedApplications is the size of the failed application archive.
	FailedApplications = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "computex_failed_applications",
		Help: "Receipts archived for lack of funds",
	})

	// SettlementHalted is 1 while the matcher has halted settlement.
	SettlementHalted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "computex_settlement_halted",
		Help: "1 while settlement is halted after a ledger failure",
	})

	// SLAOutcomes counts resolved SLA records (completed, breached).
	SLAOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "computex_sla_outcomes_total",
		Help: "Resolved SLA records by outcome",
	}, []string{"outcome"})

	// SLAOutstanding is the number of registered SLA records.
	SLAOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "computex_sla_outstanding",
		Help: "Registered SLA records awaiting resolution",
	})

	// SLASweepFailures counts records a sweep could not resolve.
	SLASweepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "computex_sla_sweep_failures_total",
		Help: "SLA records left for the next sweep after a failure",
	})

	// ActivationMode is 1 for the current mode and 0 for the others.
	ActivationMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "computex_activation_mode",
		Help: "Current activation mode",
	}, []string{"mode"})

	// RelayDropped counts outbound events dropped because the relay was full.
	RelayDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "computex_relay_dropped_total",
		Help: "Outbound events dropped on a full relay queue",
	}, []string{"kind"})

	// RelayOutbox tracks escrow releases still owed to at least one sink.
	RelayOutbox = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "computex_relay_outbox",
		Help: "Escrow releases awaiting delivery",
	})

	// RelayRetries counts outbox delivery attempts that left a sink failing.
	RelayRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "computex_relay_retries_total",
		Help: "Outbox deliveries scheduled for retry",
	}, []string{"kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "computex_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "computex_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "computex_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// SetActivationMode flips the mode gauge to the given mode.
func SetActivationMode(mode model.ActivationMode) {
	for _, m := range []model.ActivationMode{model.ModeDryRun, model.ModeArmed, model.ModeReal} {
		v := 0.0
		if m == mode {
			v = 1
		}
		ActivationMode.WithLabelValues(string(m)).Set(v)
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for the path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
