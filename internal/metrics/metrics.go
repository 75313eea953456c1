// Package metrics exposes wforced's Prometheus metrics: policy decisions,
// cluster replication health, list-store sizes, and HTTP API latency.
//
// Grounded on the teacher's former internal/prometheus.Server shape
// (promauto-registered CounterVec/Histogram, an http.ServeMux serving
// /metrics), generalised from DNS-query metrics to wforced's own domain.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures a [Server].
type Config struct {
	// Logger is used for diagnostic output.  It must not be nil.
	Logger *slog.Logger

	// Addr is the address the /metrics endpoint listens on.  An empty Addr
	// disables the metrics HTTP server; the collectors are still registered
	// with the default Prometheus registry and keep counting.
	Addr string

	// Namespace prefixes every metric name, e.g. "wforced".
	Namespace string
}

// Server owns wforced's Prometheus collectors and, optionally, the HTTP
// server that exposes them.
type Server struct {
	logger *slog.Logger
	addr   string
	srv    *http.Server

	AllowDecisions    *prometheus.CounterVec
	AllowDuration     prometheus.Histogram
	ReplicationSent   *prometheus.CounterVec
	ReplicationRecv   *prometheus.CounterVec
	ReplicationErrors *prometheus.CounterVec
	ListSize          *prometheus.GaugeVec
	ListMutations     *prometheus.CounterVec
	ReceiveQueueDepth prometheus.Gauge
	HTTPQueueWait     prometheus.Histogram
	HTTPRunTime       *prometheus.HistogramVec
	HTTPRequestsTotal *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
}

// httpLatencyBuckets matches the reference implementation's queue-wait/
// run-time histogram boundaries: sub-millisecond, 1-10ms, 10-100ms,
// 100ms-1s, and over a second.
var httpLatencyBuckets = []float64{0.001, 0.01, 0.1, 1}

// New builds and registers every collector with the default Prometheus
// registry.
func New(c *Config) (s *Server, err error) {
	if c.Logger == nil {
		return nil, fmt.Errorf("metrics: logger is nil")
	}

	ns := c.Namespace

	s = &Server{
		logger: c.Logger.With(slogutil.KeyPrefix, "metrics"),
		addr:   c.Addr,

		AllowDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "policy", Name: "allow_decisions_total",
			Help: "Number of allow decisions by status.",
		}, []string{"status"}),

		AllowDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "policy", Name: "allow_duration_seconds",
			Help:    "Time spent evaluating allow decisions.",
			Buckets: prometheus.ExponentialBuckets(0.00025, 2, 16),
		}),

		ReplicationSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "replication", Name: "messages_sent_total",
			Help: "Number of messages sent to a sibling.",
		}, []string{"sibling"}),

		ReplicationRecv: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "replication", Name: "messages_received_total",
			Help: "Number of messages received from a sibling.",
		}, []string{"origin"}),

		ReplicationErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "replication", Name: "errors_total",
			Help: "Number of send/receive failures, by sibling and kind.",
		}, []string{"sibling", "kind"}),

		ListSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "lists", Name: "entries",
			Help: "Current number of entries in a list store.",
		}, []string{"store"}),

		ListMutations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "lists", Name: "mutations_total",
			Help: "Number of list-store mutations, by store and kind.",
		}, []string{"store", "kind"}),

		ReceiveQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "replication", Name: "receive_queue_depth",
			Help: "Number of in-flight connections the replication receiver is handling.",
		}),

		HTTPQueueWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "http", Name: "queue_wait_seconds",
			Help:    "Time an HTTP API request waited for a worker slot.",
			Buckets: httpLatencyBuckets,
		}),

		HTTPRunTime: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Time spent handling an HTTP API request, by endpoint.",
			Buckets: httpLatencyBuckets,
		}, []string{"endpoint"}),

		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "http", Name: "requests_total",
			Help: "Number of HTTP API requests, by endpoint and status.",
		}, []string{"endpoint", "status"}),

		WebhookDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "webhook", Name: "deliveries_total",
			Help: "Number of webhook delivery attempts, by hook and outcome.",
		}, []string{"hook", "outcome"}),
	}

	if s.addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		s.srv = &http.Server{Addr: s.addr, Handler: mux}
	}

	return s, nil
}

// Serve runs the /metrics HTTP server until ctx is cancelled.  It returns
// immediately if no Addr was configured.
func (s *Server) Serve(ctx context.Context) (err error) {
	if s.srv == nil {
		return nil
	}

	errCh := make(chan error, 1)

	go func() {
		if lerr := s.srv.ListenAndServe(); lerr != nil && lerr != http.ErrServerClosed {
			errCh <- lerr

			return
		}

		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return s.srv.Shutdown(shutdownCtx)
	case err = <-errCh:
		return err
	}
}

// ObserveQueueWait implements the [github.com/wforce/wforced/internal/apid.Metrics]
// interface for Server.
func (s *Server) ObserveQueueWait(d time.Duration) {
	s.HTTPQueueWait.Observe(d.Seconds())
}

// ObserveRunTime implements the [github.com/wforce/wforced/internal/apid.Metrics]
// interface for Server.
func (s *Server) ObserveRunTime(endpoint string, d time.Duration) {
	s.HTTPRunTime.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveRequest implements the [github.com/wforce/wforced/internal/apid.Metrics]
// interface for Server, counting one completed request by endpoint and
// status.
func (s *Server) ObserveRequest(endpoint, status string) {
	s.HTTPRequestsTotal.WithLabelValues(endpoint, status).Inc()
}

// ObserveAllowDecision implements the
// [github.com/wforce/wforced/internal/apid.Metrics] interface for Server,
// counting one allow decision by its resulting status and observing how
// long evaluating it took.
func (s *Server) ObserveAllowDecision(status string, d time.Duration) {
	s.AllowDecisions.WithLabelValues(status).Inc()
	s.AllowDuration.Observe(d.Seconds())
}

// ObserveReplicationSend implements the
// [github.com/wforce/wforced/internal/replication.Metrics] interface for
// Server.
func (s *Server) ObserveReplicationSend(sibling string, ok bool) {
	if ok {
		s.ReplicationSent.WithLabelValues(sibling).Inc()
	} else {
		s.ReplicationErrors.WithLabelValues(sibling, "send").Inc()
	}
}

// ObserveReplicationRecv implements the
// [github.com/wforce/wforced/internal/replication.Metrics] interface for
// Server.
func (s *Server) ObserveReplicationRecv(origin string, ok bool) {
	if ok {
		s.ReplicationRecv.WithLabelValues(origin).Inc()
	} else {
		s.ReplicationErrors.WithLabelValues(origin, "recv").Inc()
	}
}

// SetReceiveQueueDepth implements the
// [github.com/wforce/wforced/internal/replication.Metrics] interface for
// Server.
func (s *Server) SetReceiveQueueDepth(n int64) {
	s.ReceiveQueueDepth.Set(float64(n))
}

// SetListSize records the current entry count of a list store.
func (s *Server) SetListSize(store string, n int) {
	s.ListSize.WithLabelValues(store).Set(float64(n))
}

// ObserveListMutation counts one list-store mutation by store and kind.
func (s *Server) ObserveListMutation(store, kind string) {
	s.ListMutations.WithLabelValues(store, kind).Inc()
}

// ObserveWebhookDelivery counts one webhook delivery attempt by hook ID and
// outcome ("ok", "error", or "dropped").
func (s *Server) ObserveWebhookDelivery(hook, outcome string) {
	s.WebhookDeliveries.WithLabelValues(hook, outcome).Inc()
}
