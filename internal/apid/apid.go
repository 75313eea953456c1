// Package apid implements the HTTP API wforced exposes to the
// authenticating services it protects: the allow/report/reset decision
// endpoints, list-store management, stats introspection, and cluster
// bootstrap endpoints.
package apid

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/c2h5oh/datasize"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/wforce/wforced/internal/aghhttp"
	"github.com/wforce/wforced/internal/filtering"
	"github.com/wforce/wforced/internal/policy"
	"github.com/wforce/wforced/internal/replication"
	"github.com/wforce/wforced/internal/stats"
)

// defaultIdleTimeout closes idle keep-alive connections, matching the
// reference implementation's default.
const defaultIdleTimeout = 5 * time.Second

// defaultWorkers bounds the number of requests handled concurrently.
const defaultWorkers = 64

// defaultMaxBodySize bounds a single request body, to keep a malformed or
// hostile client from making this node allocate unboundedly.
const defaultMaxBodySize = 1 << 20 // 1MB

// Metrics receives per-request timing; a nil Metrics disables reporting.
// Implemented by the metrics package once built; kept as a narrow interface
// here so apid doesn't import it directly.
type Metrics interface {
	// ObserveQueueWait records how long a request waited for a worker slot.
	ObserveQueueWait(d time.Duration)

	// ObserveRunTime records how long a request's handler took to run.
	ObserveRunTime(endpoint string, d time.Duration)

	// ObserveRequest counts one completed request by endpoint and status.
	ObserveRequest(endpoint, status string)

	// ObserveAllowDecision counts one allow decision by its resulting
	// status and records how long evaluating it took.
	ObserveAllowDecision(status string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveQueueWait(time.Duration)             {}
func (noopMetrics) ObserveRunTime(string, time.Duration)       {}
func (noopMetrics) ObserveRequest(string, string)              {}
func (noopMetrics) ObserveAllowDecision(string, time.Duration) {}

// Config configures a [Server].
type Config struct {
	// Logger is used for diagnostic output.  It must not be nil.
	Logger *slog.Logger

	// Addr is the address the server listens on.
	Addr string

	// Password is compared, in constant time, against the password
	// component of incoming Basic Auth credentials.  The username is
	// accepted but ignored, matching the reference implementation's
	// single-shared-secret authentication model.
	Password string

	// Workers bounds the number of requests handled concurrently.
	// Defaults to defaultWorkers.
	Workers int64

	// IdleTimeout closes idle keep-alive connections after this long.
	// Defaults to defaultIdleTimeout.
	IdleTimeout time.Duration

	// MaxBodySize bounds a single request body. Defaults to
	// defaultMaxBodySize.
	MaxBodySize datasize.ByteSize

	// Stats, Lists, and Policy back the corresponding endpoint groups.
	// Each is optional; endpoints backed by a nil dependency respond with
	// 404.
	Stats  *stats.Registry
	Lists  *filtering.Registry
	Policy *policy.Pool

	// Replication, if non-nil, answers syncDBs/syncDone requests from
	// siblings bootstrapping off this node.
	Replication replication.SyncProvider

	// Metrics receives per-request timing.  Defaults to a no-op.
	Metrics Metrics
}

func (c *Config) validate() (err error) {
	if c.Logger == nil {
		return errors.Error("apid: logger is nil")
	}

	if c.Addr == "" {
		return errors.Error("apid: addr is empty")
	}

	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}

	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}

	if c.MaxBodySize <= 0 {
		c.MaxBodySize = defaultMaxBodySize
	}

	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}

	return nil
}

// Server is wforced's HTTP API.
type Server struct {
	logger    *slog.Logger
	cfg       *Config
	sem       *semaphore.Weighted
	srv       *http.Server
	startedAt time.Time

	reports, allows, denieds atomic.Int64
	ready                    atomic.Bool

	commandStats sync.Map // string -> *atomic.Int64
	customStats  sync.Map // string -> *atomic.Int64
}

// New builds a [Server] from c.  Call Serve to start accepting connections.
func New(c *Config) (s *Server, err error) {
	if err = c.validate(); err != nil {
		return nil, fmt.Errorf("apid: %w", err)
	}

	s = &Server{
		logger:    c.Logger.With(slogutil.KeyPrefix, "apid"),
		cfg:       c,
		sem:       semaphore.NewWeighted(c.Workers),
		startedAt: time.Now(),
	}
	s.ready.Store(true)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.srv = &http.Server{
		Addr:        c.Addr,
		Handler:     requestID(s.authenticate(s.limitBody(gziphandler.GzipHandler(mux)))),
		IdleTimeout: c.IdleTimeout,
	}

	return s, nil
}

// Serve runs the server until ctx is cancelled or an unrecoverable error
// occurs.
func (s *Server) Serve(ctx context.Context) (err error) {
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultIdleTimeout)
		defer cancel()

		return s.srv.Shutdown(shutdownCtx)
	case err = <-errCh:
		return err
	}
}

// requestID wraps next so every response carries an [aghhttp.HdrNameRequestID]
// header, echoing the caller's own if it sent one, so callers and this
// node's logs can be correlated across a request's lifetime.
func requestID(next http.Handler) (h http.Handler) {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(aghhttp.HdrNameRequestID)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(aghhttp.HdrNameRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// authenticate wraps next with HTTP Basic Auth against cfg.Password.  An
// empty configured password disables authentication, useful for local
// development.
func (s *Server) authenticate(next http.Handler) (h http.Handler) {
	if s.cfg.Password == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="wforced"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// limitBody wraps next so its request body can't exceed cfg.MaxBodySize.
func (s *Server) limitBody(next http.Handler) (h http.Handler) {
	max := int64(s.cfg.MaxBodySize)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, max)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder wraps a http.ResponseWriter to capture the status code
// written, for metrics purposes; defaults to 200 if WriteHeader is never
// called explicitly.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// incStat increments the named counter in m, creating it on first use.
func incStat(m *sync.Map, name string) {
	v, _ := m.LoadOrStore(name, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// bounded wraps a handler so it runs behind the server's worker semaphore,
// recording queue-wait, run-time, per-command counts, and total
// request/status counts via cfg.Metrics.
//
// Grounded on the same semaphore.Weighted-bounded-concurrency idiom used by
// the cluster replication receiver, generalised here to HTTP request
// handling instead of accepted TCP connections.
func (s *Server) bounded(endpoint string, next http.HandlerFunc) (h http.HandlerFunc) {
	return func(w http.ResponseWriter, r *http.Request) {
		waitStart := time.Now()

		if err := s.sem.Acquire(r.Context(), 1); err != nil {
			http.Error(w, "server busy", http.StatusServiceUnavailable)

			return
		}
		defer s.sem.Release(1)

		s.cfg.Metrics.ObserveQueueWait(time.Since(waitStart))

		incStat(&s.commandStats, endpoint)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		runStart := time.Now()
		next(rec, r)
		s.cfg.Metrics.ObserveRunTime(endpoint, time.Since(runStart))
		s.cfg.Metrics.ObserveRequest(endpoint, http.StatusText(rec.status))
	}
}
