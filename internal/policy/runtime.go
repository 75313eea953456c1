// Package policy runs the user-supplied decision script that implements
// allow/report/reset logic and, optionally, custom HTTP endpoints, against
// a small pool of independent script interpreters.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/AdguardTeam/golibs/logutil/slogutil"

	"github.com/wforce/wforced/internal/wfevent"
)

// functionName values are the well-known top-level JS functions a policy
// script may define.  Only allowFunc is mandatory; the others fall back to
// permissive/no-op defaults when absent.
const (
	allowFunc        = "allow"
	reportFunc       = "report"
	resetFunc        = "reset"
	canonicalizeFunc = "canonicalize"
)

// Decision is the result of running the allow function against an event.
type Decision struct {
	// Status is one of "ok", "fail", or "bypass", mirroring the reference
	// implementation's three-way policy verdict: "bypass" skips whatever
	// stats bookkeeping the caller would otherwise have done for a rejected
	// attempt.
	Status string

	// Message is an optional human-readable reason, returned to the client
	// and logged.
	Message string

	// Delay, in milliseconds, tells the caller to hold the response for
	// that long before returning it, a tarpit tactic the reference
	// implementation's policy scripts use against slow brute-forcers.
	Delay int

	// Attrs carries the "attrs" object of the script's reply, echoed back to
	// the caller verbatim as "r_attrs" alongside status/msg.
	Attrs map[string]any

	// LogMessage is the script's own notice-log line, distinct from Message
	// (which is user-facing): always written for reject/tarpit, only when
	// non-empty for allow.
	LogMessage string
}

// Runtime is one independent goja.Runtime loaded with a policy script.  The
// goja.Runtime is not safe for concurrent use, so every Runtime method holds
// the Runtime's own mutex for the duration of the call (see [Pool]).
type Runtime struct {
	logger *slog.Logger
	vm     *goja.Runtime
	mu     sync.Mutex

	allow        goja.Callable
	report       goja.Callable
	reset        goja.Callable
	canonicalize goja.Callable
	custom       map[string]goja.Callable
}

// HostAPI is the set of host-provided bindings exposed to policy scripts as
// global functions/objects.  See [NewRuntime].
type HostAPI struct {
	// RegisterEndpoint is called from script-land (as the global function
	// registerEndpoint(name, fn)) to expose a custom HTTP endpoint.
	RegisterEndpoint func(name string, fn goja.Callable)

	// Log is called from script-land (as the global function log(msg)) to
	// emit a diagnostic line through the host logger.
	Log func(msg string)

	// Globals are bound into the runtime's global scope under their map
	// key before the script runs, e.g. {"wf": &wfObject{...}} exposes a
	// "wf" object whose exported methods the script can call.
	Globals map[string]any
}

// NewRuntime compiles and runs script in a fresh goja.Runtime, binding
// hostAPI's functions into its global scope first.
//
// Grounded on the reference implementation's use of an embedded scripting
// language for policy decisions; goja (sourced from the pack's go-ethereum
// fork, which already depends on it for contract execution) substitutes for
// that embedded interpreter as the closest ECMAScript engine available in
// the dependency set.
func NewRuntime(logger *slog.Logger, script string, hostAPI HostAPI) (r *Runtime, err error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	r = &Runtime{
		logger: logger.With(slogutil.KeyPrefix, "policy(runtime)"),
		vm:     vm,
		custom: make(map[string]goja.Callable),
	}

	if err = vm.Set("registerEndpoint", func(name string, fn goja.Callable) {
		r.custom[name] = fn

		if hostAPI.RegisterEndpoint != nil {
			hostAPI.RegisterEndpoint(name, fn)
		}
	}); err != nil {
		return nil, fmt.Errorf("policy: binding registerEndpoint: %w", err)
	}

	logFn := hostAPI.Log
	if logFn == nil {
		logFn = func(string) {}
	}

	if err = vm.Set("log", logFn); err != nil {
		return nil, fmt.Errorf("policy: binding log: %w", err)
	}

	for name, val := range hostAPI.Globals {
		if err = vm.Set(name, val); err != nil {
			return nil, fmt.Errorf("policy: binding global %q: %w", name, err)
		}
	}

	if _, err = vm.RunString(script); err != nil {
		return nil, fmt.Errorf("policy: running script: %w", err)
	}

	r.allow, err = r.lookupFunc(allowFunc, true)
	if err != nil {
		return nil, err
	}

	r.report, _ = r.lookupFunc(reportFunc, false)
	r.reset, _ = r.lookupFunc(resetFunc, false)
	r.canonicalize, _ = r.lookupFunc(canonicalizeFunc, false)

	return r, nil
}

func (r *Runtime) lookupFunc(name string, required bool) (fn goja.Callable, err error) {
	v := r.vm.Get(name)
	if v == nil || goja.IsUndefined(v) {
		if required {
			return nil, fmt.Errorf("policy: script doesn't define required function %q", name)
		}

		return nil, nil
	}

	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("policy: %q is not a function", name)
	}

	return fn, nil
}

// Allow runs the script's allow function against ev and returns its
// verdict.
func (r *Runtime) Allow(ctx context.Context, ev *wfevent.Event) (d Decision, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.allow(goja.Undefined(), r.vm.ToValue(ev))
	if err != nil {
		return Decision{}, fmt.Errorf("policy: calling allow: %w", err)
	}

	return decodeDecision(v)
}

// Report runs the script's report function against ev, if defined.  A
// script without a report function is treated as accepting every report
// silently.
func (r *Runtime) Report(ctx context.Context, ev *wfevent.Event) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.report == nil {
		return nil
	}

	_, err = r.report(goja.Undefined(), r.vm.ToValue(ev))
	if err != nil {
		return fmt.Errorf("policy: calling report: %w", err)
	}

	return nil
}

// Reset runs the script's reset function against key, if defined.
func (r *Runtime) Reset(ctx context.Context, key string) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reset == nil {
		return nil
	}

	_, err = r.reset(goja.Undefined(), r.vm.ToValue(key))
	if err != nil {
		return fmt.Errorf("policy: calling reset: %w", err)
	}

	return nil
}

// Canonicalize runs the script's canonicalize function against login, if
// defined, falling back to the identity function otherwise.
func (r *Runtime) Canonicalize(login string) (canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.canonicalize == nil {
		return login
	}

	v, err := r.canonicalize(goja.Undefined(), r.vm.ToValue(login))
	if err != nil {
		r.logger.Warn("calling canonicalize", slogutil.KeyError, err)

		return login
	}

	return v.String()
}

// CallCustom invokes the named custom endpoint registered by the script via
// registerEndpoint, passing args as its JS arguments.
func (r *Runtime) CallCustom(name string, args ...any) (result goja.Value, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn, ok := r.custom[name]
	if !ok {
		return nil, fmt.Errorf("policy: no custom endpoint named %q", name)
	}

	vargs := make([]goja.Value, len(args))
	for i, a := range args {
		vargs[i] = r.vm.ToValue(a)
	}

	result, err = fn(goja.Undefined(), vargs...)
	if err != nil {
		return nil, fmt.Errorf("policy: calling custom endpoint %q: %w", name, err)
	}

	return result, nil
}

// CustomEndpoints returns the names of every endpoint the script registered
// via registerEndpoint.
func (r *Runtime) CustomEndpoints() (names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names = make([]string, 0, len(r.custom))
	for name := range r.custom {
		names = append(names, name)
	}

	return names
}

// Eval runs code directly against r's interpreter, as the administrative
// console does, and returns whatever it printed via the script's log()
// function.  code's own result value takes precedence over the log buffer
// when it is itself a string, mirroring the reference implementation's
// console, which prefers an explicit return value over accumulated output.
func (r *Runtime) Eval(code string) (output string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var buf strings.Builder

	prevLog := r.vm.Get("log")
	if serr := r.vm.Set("log", func(msg string) {
		buf.WriteString(msg)
		buf.WriteString("\n")
	}); serr != nil {
		return "", fmt.Errorf("policy: binding console log: %w", serr)
	}
	defer func() {
		_ = r.vm.Set("log", prevLog)
	}()

	v, rerr := r.vm.RunString(code)
	if rerr != nil {
		return "", fmt.Errorf("policy: evaluating: %w", rerr)
	}

	if v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		if s, ok := v.Export().(string); ok {
			return s, nil
		}
	}

	return buf.String(), nil
}

func decodeDecision(v goja.Value) (d Decision, err error) {
	exported := v.Export()

	m, ok := exported.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("policy: allow must return an object, got %T", exported)
	}

	d.Status, _ = m["status"].(string)
	if d.Status == "" {
		d.Status = "ok"
	}

	d.Message, _ = m["message"].(string)

	if delay, ok := m["delay"].(int64); ok {
		d.Delay = int(delay)
	} else if delayF, ok := m["delay"].(float64); ok {
		d.Delay = int(delayF)
	}

	d.LogMessage, _ = m["logMessage"].(string)

	if attrs, ok := m["attrs"].(map[string]any); ok {
		d.Attrs = attrs
	}

	return d, nil
}
