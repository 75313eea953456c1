package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"

	"github.com/wforce/wforced/internal/wfevent"
)

// defaultPoolSize is the number of interpreter instances a [Pool] runs when
// Config.PoolSize is unset, matching the reference implementation's default
// Lua state pool size.
const defaultPoolSize = 6

// Config configures a [Pool].
type Config struct {
	// Logger is used for diagnostic output.  It must not be nil.
	Logger *slog.Logger

	// Script is the ECMAScript source every pool member loads
	// independently.  It must define at least an allow function.
	Script string

	// PoolSize is the number of independent interpreter instances to run.
	// Defaults to defaultPoolSize.
	PoolSize int

	// HostAPI is bound into every interpreter's global scope before Script
	// runs.
	HostAPI HostAPI
}

func (c *Config) validate() (err error) {
	if c.Logger == nil {
		return errors.Error("policy: logger is nil")
	}

	if c.Script == "" {
		return errors.Error("policy: script is empty")
	}

	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}

	return nil
}

// Pool is a fixed-size set of independent [Runtime]s, dispatched to in
// round-robin order.  A pool of separate interpreters, rather than one
// interpreter guarded by a single mutex, lets concurrent requests run their
// script logic in parallel; goja.Runtime itself is not safe for concurrent
// use by more than one goroutine at a time.
type Pool struct {
	logger   *slog.Logger
	runtimes []*Runtime
	next     atomic.Uint64

	// global is a separate interpreter outside the round-robin pool, used
	// only for the administrative console's EvalAll: the reference
	// implementation keeps one such "global" Lua state alongside its pool
	// of allow/report states for exactly this purpose.
	global *Runtime
}

// NewPool compiles Config.PoolSize independent interpreters from
// Config.Script and returns the resulting *Pool.
func NewPool(c *Config) (p *Pool, err error) {
	if err = c.validate(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}

	p = &Pool{
		logger:   c.Logger.With(slogutil.KeyPrefix, "policy(pool)"),
		runtimes: make([]*Runtime, c.PoolSize),
	}

	for i := range p.runtimes {
		rt, rerr := NewRuntime(c.Logger, c.Script, c.HostAPI)
		if rerr != nil {
			return nil, fmt.Errorf("policy: loading interpreter %d/%d: %w", i+1, c.PoolSize, rerr)
		}

		p.runtimes[i] = rt
	}

	global, gerr := NewRuntime(c.Logger, c.Script, c.HostAPI)
	if gerr != nil {
		return nil, fmt.Errorf("policy: loading global interpreter: %w", gerr)
	}
	p.global = global

	return p, nil
}

// pick returns the next runtime in round-robin order.
func (p *Pool) pick() (rt *Runtime) {
	idx := p.next.Add(1) - 1

	return p.runtimes[int(idx)%len(p.runtimes)]
}

// Allow dispatches ev to the next runtime's allow function.
func (p *Pool) Allow(ctx context.Context, ev *wfevent.Event) (d Decision, err error) {
	return p.pick().Allow(ctx, ev)
}

// Report dispatches ev to the next runtime's report function.
func (p *Pool) Report(ctx context.Context, ev *wfevent.Event) (err error) {
	return p.pick().Report(ctx, ev)
}

// Reset dispatches key to the next runtime's reset function.
func (p *Pool) Reset(ctx context.Context, key string) (err error) {
	return p.pick().Reset(ctx, key)
}

// Canonicalize dispatches login to the next runtime's canonicalize
// function.
func (p *Pool) Canonicalize(login string) (canonical string) {
	return p.pick().Canonicalize(login)
}

// CustomEndpoints returns the names every pool member's script registered.
// Every member runs the same script, so the first member's set is
// authoritative.
func (p *Pool) CustomEndpoints() (names []string) {
	if len(p.runtimes) == 0 {
		return nil
	}

	return p.runtimes[0].CustomEndpoints()
}

// CallCustom dispatches a custom endpoint call to the next runtime.
func (p *Pool) CallCustom(name string, args ...any) (result goja.Value, err error) {
	return p.pick().CallCustom(name, args...)
}

// Size returns the number of interpreters in the pool.
func (p *Pool) Size() (n int) { return len(p.runtimes) }

// EvalAll runs code against every pool member's interpreter, then against
// the pool's separate global interpreter, returning the global
// interpreter's printed output — matching the reference implementation's
// administrative console, which applies a line of code to every
// allow/report Lua state for its side effects before running it once more
// against a dedicated global state to capture its output.
func (p *Pool) EvalAll(code string) (output string, err error) {
	for i, rt := range p.runtimes {
		if _, rerr := rt.Eval(code); rerr != nil {
			return "", fmt.Errorf("policy: evaluating against interpreter %d/%d: %w", i+1, len(p.runtimes), rerr)
		}
	}

	if p.global == nil {
		return "", nil
	}

	return p.global.Eval(code)
}
