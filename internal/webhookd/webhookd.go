// Package webhookd delivers [filtering.Event]s and other notable
// occurrences to user-configured HTTP webhooks, each with its own bounded
// worker pool so one slow or unreachable hook can't stall delivery to the
// others.
package webhookd

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"golang.org/x/sync/semaphore"

	"github.com/wforce/wforced/internal/aghstrings"
)

const (
	// defaultTimeout is how long a single delivery attempt may take before
	// it is abandoned.  The reference implementation does not retry failed
	// deliveries, so a generous-but-bounded timeout is what keeps a dead
	// endpoint from exhausting the worker pool.
	defaultTimeout = 2 * time.Second

	// defaultMaxConns bounds the number of concurrent in-flight deliveries
	// to one hook.
	defaultMaxConns = 10

	headerEvent     = "X-Wforce-Event"
	headerHookID    = "X-Wforce-HookID"
	headerDelivery  = "X-Wforce-Delivery"
	headerSignature = "X-Wforce-Signature"
)

// Metrics receives per-delivery outcome counts; a nil Metrics disables
// reporting.
type Metrics interface {
	// ObserveWebhookDelivery counts one delivery attempt to hook, tagged
	// with its outcome ("ok", "error", or "dropped").
	ObserveWebhookDelivery(hook, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveWebhookDelivery(string, string) {}

// Config describes one webhook endpoint.
type Config struct {
	// ID identifies the hook in logs and in the X-Wforce-HookID header.
	ID string

	// URL is the endpoint events are POSTed to.
	URL string

	// Secret, if non-empty, is used to HMAC-SHA256-sign every delivery's
	// body; the signature is sent in the X-Wforce-Signature header.
	Secret string

	// Events is the set of event names this hook receives, e.g. "addbl",
	// "delbl", "expirebl", "report".  A nil or empty Events matches every
	// event.
	Events []string

	// Timeout bounds a single delivery attempt.  Defaults to
	// defaultTimeout.
	Timeout time.Duration

	// MaxConns bounds concurrent in-flight deliveries to this hook.
	// Defaults to defaultMaxConns.
	MaxConns int64
}

func (c *Config) validate() (err error) {
	if c.ID == "" {
		return errors.Error("webhookd: hook id is empty")
	}

	if c.URL == "" {
		return fmt.Errorf("webhookd: hook %q: url is empty", c.ID)
	}

	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}

	if c.MaxConns <= 0 {
		c.MaxConns = defaultMaxConns
	}

	return nil
}

// hook is one configured, running webhook endpoint.
type hook struct {
	cfg     Config
	logger  *slog.Logger
	client  *http.Client
	sem     *semaphore.Weighted
	metrics Metrics

	// events is cfg.Events as a set, for constant-time [hook.matches]. A nil
	// set matches every event.
	events *aghstrings.Set
}

func newHook(logger *slog.Logger, cfg Config, metrics Metrics) (h *hook) {
	var events *aghstrings.Set
	if len(cfg.Events) > 0 {
		events = aghstrings.NewSet(cfg.Events...)
	}

	return &hook{
		cfg:     cfg,
		logger:  logger.With(slogutil.KeyPrefix, fmt.Sprintf("webhookd(%s)", cfg.ID)),
		client:  &http.Client{Timeout: cfg.Timeout},
		sem:     semaphore.NewWeighted(cfg.MaxConns),
		metrics: metrics,
		events:  events,
	}
}

// matches reports whether h should receive event.
func (h *hook) matches(event string) (yes bool) {
	if h.events == nil {
		return true
	}

	return h.events.Has(event)
}

// deliver POSTs payload to h's URL, applying the semaphore bound and
// signing the body if h.cfg.Secret is set.  It never retries; a failed
// delivery is logged and dropped.
func (h *hook) deliver(ctx context.Context, event string, payload []byte) {
	if !h.sem.TryAcquire(1) {
		h.logger.WarnContext(ctx, "dropping delivery: hook at max concurrency", "event", event)
		h.metrics.ObserveWebhookDelivery(h.cfg.ID, "dropped")

		return
	}
	defer h.sem.Release(1)

	reqCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, h.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		h.logger.WarnContext(ctx, "building request", slogutil.KeyError, err)
		h.metrics.ObserveWebhookDelivery(h.cfg.ID, "error")

		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, event)
	req.Header.Set(headerHookID, h.cfg.ID)
	req.Header.Set(headerDelivery, deliveryID(payload))

	if h.cfg.Secret != "" {
		req.Header.Set(headerSignature, sign(h.cfg.Secret, payload))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.WarnContext(ctx, "delivering", "event", event, slogutil.KeyError, err)
		h.metrics.ObserveWebhookDelivery(h.cfg.ID, "error")

		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		h.logger.WarnContext(ctx, "non-2xx response", "event", event, "status", resp.StatusCode)
		h.metrics.ObserveWebhookDelivery(h.cfg.ID, "error")

		return
	}

	h.metrics.ObserveWebhookDelivery(h.cfg.ID, "ok")
}

// deliveryID is the base64-encoded SHA-256 digest of payload, used as an
// idempotency key a receiver can use to de-duplicate retried deliveries;
// wforced itself never retries.
func deliveryID(payload []byte) (id string) {
	sum := sha256.Sum256(payload)

	return base64.StdEncoding.EncodeToString(sum[:])
}

func sign(secret string, payload []byte) (sig string) {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)

	return hex.EncodeToString(mac.Sum(nil))
}

// Notification is the JSON body POSTed to a matching webhook.
type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
	Time  int64  `json:"time"`
}

// Runner dispatches notifications to every hook whose configured event set
// matches.
type Runner struct {
	logger *slog.Logger

	mu      sync.RWMutex
	hooks   []*hook
	metrics Metrics
}

// NewRunner returns a *Runner with no configured hooks; use SetHooks to
// load configuration.
func NewRunner(logger *slog.Logger) (r *Runner) {
	return &Runner{logger: logger.With(slogutil.KeyPrefix, "webhookd"), metrics: noopMetrics{}}
}

// SetMetrics installs m as the runner's delivery-outcome sink.  Hooks
// created by a later SetHooks call pick it up; existing hooks keep
// whatever Metrics was set when they were created.
func (r *Runner) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics = m
}

// SetHooks replaces the runner's configured hooks.
func (r *Runner) SetHooks(cfgs []Config) (err error) {
	hooks := make([]*hook, 0, len(cfgs))

	r.mu.RLock()
	metrics := r.metrics
	r.mu.RUnlock()

	for i := range cfgs {
		c := cfgs[i]
		if verr := c.validate(); verr != nil {
			return fmt.Errorf("webhookd: hook %d: %w", i, verr)
		}

		hooks = append(hooks, newHook(r.logger, c, metrics))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.hooks = hooks

	return nil
}

// Notify delivers event/data to every configured hook matching event.
// Delivery happens in its own goroutine per matching hook; Notify itself
// never blocks on network I/O.
func (r *Runner) Notify(ctx context.Context, event string, data any) {
	r.mu.RLock()
	hooks := append([]*hook(nil), r.hooks...)
	r.mu.RUnlock()

	if len(hooks) == 0 {
		return
	}

	n := Notification{Event: event, Data: data, Time: time.Now().Unix()}

	payload, err := json.Marshal(n)
	if err != nil {
		r.logger.WarnContext(ctx, "marshaling notification", "event", event, slogutil.KeyError, err)

		return
	}

	for _, h := range hooks {
		if !h.matches(event) {
			continue
		}

		go h.deliver(ctx, event, payload)
	}
}
