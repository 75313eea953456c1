package apid

import (
	"encoding/json"
	"mime"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wforce/wforced/internal/aghhttp"
	"github.com/wforce/wforced/internal/filtering"
	"github.com/wforce/wforced/internal/wfevent"
)

// commandSpec binds one ?command= value to the HTTP method it must arrive
// on and the handler that serves it, mirroring the reference
// implementation's single-path, command-query-parameter wire protocol.
type commandSpec struct {
	method string
	handle http.HandlerFunc
}

// registerRoutes wires every documented ?command= value, plus any
// script-registered custom endpoint, onto a single path dispatched by the
// "command" query parameter.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	commands := map[string]commandSpec{
		"ping":       {http.MethodGet, s.handlePing},
		"allow":      {http.MethodPost, s.handleAllow},
		"report":     {http.MethodPost, s.handleReport},
		"reset":      {http.MethodPost, s.handleReset},
		"addBLEntry": {http.MethodPost, s.handleAddBLEntry},
		"delBLEntry": {http.MethodPost, s.handleDelBLEntry},
		"getBL":      {http.MethodGet, s.handleGetBL},
		"getDBStats": {http.MethodPost, s.handleGetDBStats},
		"stats":      {http.MethodGet, s.handleStats},
		"syncDBs":    {http.MethodPost, s.handleSyncDBs},
		"syncDone":   {http.MethodGet, s.handleSyncDone},
	}

	if s.cfg.Policy != nil {
		for _, name := range s.cfg.Policy.CustomEndpoints() {
			commands[name] = commandSpec{http.MethodPost, s.handleCustom(name)}
		}
	}

	mux.HandleFunc("/", s.dispatchCommand(commands))
}

// dispatchCommand returns the handler registered on "/": it resolves
// ?command=, checks the method, and runs the matching handler behind the
// worker pool, wrapping it for queue-wait/run-time/request metrics.
func (s *Server) dispatchCommand(commands map[string]commandSpec) (h http.HandlerFunc) {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("command")
		if name == "" {
			http.NotFound(w, r)

			return
		}

		spec, ok := commands[name]
		if !ok {
			http.NotFound(w, r)

			return
		}

		if r.Method != spec.method {
			w.Header().Set("Allow", spec.method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		s.bounded(name, spec.handle)(w, r)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	status := "warmup"
	if s.ready.Load() {
		status = "ok"
	}

	aghhttp.WriteJSONResponseOK(w, r, map[string]any{"status": status})
}

// decodeJSON decodes r's body into v, rejecting non-JSON content types per
// the API's JSON-only contract.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) (ok bool) {
	if aghhttp.WriteTextPlainDeprecated(w, r) {
		return false
	}

	mt, _, err := mime.ParseMediaType(r.Header.Get(aghhttp.HdrNameContentType))
	if err != nil || mt != aghhttp.HdrValApplicationJSON {
		http.Error(w, "content type must be application/json", http.StatusUnsupportedMediaType)

		return false
	}

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json body", http.StatusUnsupportedMediaType)

		return false
	}

	return true
}

func (s *Server) handleAllow(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Policy == nil {
		http.NotFound(w, r)

		return
	}

	var ev wfevent.Event
	if !decodeJSON(w, r, &ev) {
		return
	}

	if ev.Time == 0 {
		ev.Time = float64(time.Now().UnixNano()) / float64(time.Second)
	}

	start := time.Now()
	d, err := s.cfg.Policy.Allow(r.Context(), &ev)
	s.cfg.Metrics.ObserveAllowDecision(d.Status, time.Since(start))
	if err != nil {
		aghhttp.ErrorAndLog(r.Context(), s.logger, r, w, http.StatusInternalServerError, "evaluating policy: %s", err)

		return
	}

	switch d.Status {
	case "ok":
		s.allows.Add(1)
	default:
		s.denieds.Add(1)
	}

	// logMessage/attrs are always written to the notice log for anything
	// but a plain allow; for allow, only when the script actually set one.
	if d.Status != "ok" || d.Delay > 0 || d.LogMessage != "" {
		s.logger.InfoContext(r.Context(), d.LogMessage, "login", ev.Login, "remote", ev.Remote, "status", d.Status, "attrs", d.Attrs)
	}

	attrs := d.Attrs
	if attrs == nil {
		attrs = map[string]any{}
	}

	aghhttp.WriteJSONResponseOK(w, r, map[string]any{
		"status":  d.Status,
		"msg":     d.Message,
		"r_attrs": attrs,
		"delay":   d.Delay,
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Policy == nil {
		http.NotFound(w, r)

		return
	}

	var ev wfevent.Event
	if !decodeJSON(w, r, &ev) {
		return
	}

	if err := s.cfg.Policy.Report(r.Context(), &ev); err != nil {
		aghhttp.ErrorAndLog(r.Context(), s.logger, r, w, http.StatusInternalServerError, "reporting: %s", err)

		return
	}

	s.reports.Add(1)

	aghhttp.OK(w)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Policy == nil {
		http.NotFound(w, r)

		return
	}

	var req struct {
		Key string `json:"login"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.cfg.Policy.Reset(r.Context(), req.Key); err != nil {
		aghhttp.ErrorAndLog(r.Context(), s.logger, r, w, http.StatusInternalServerError, "resetting: %s", err)

		return
	}

	aghhttp.OK(w)
}

type blEntryRequest struct {
	Store  string `json:"store"`
	Key    string `json:"key"`
	Reason string `json:"reason"`
	TTLSec int    `json:"ttl"`
}

func (s *Server) handleAddBLEntry(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Lists == nil {
		http.NotFound(w, r)

		return
	}

	var req blEntryRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	store, ok := s.cfg.Lists.Get(req.Store)
	if !ok {
		http.NotFound(w, r)

		return
	}

	ttl := time.Duration(req.TTLSec) * time.Second
	if err := store.Add(r.Context(), req.Key, req.Reason, ttl, false); err != nil {
		aghhttp.ErrorAndLog(r.Context(), s.logger, r, w, http.StatusInternalServerError, "adding entry: %s", err)

		return
	}

	aghhttp.OK(w)
}

func (s *Server) handleDelBLEntry(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Lists == nil {
		http.NotFound(w, r)

		return
	}

	var req blEntryRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	store, ok := s.cfg.Lists.Get(req.Store)
	if !ok {
		http.NotFound(w, r)

		return
	}

	if err := store.Del(r.Context(), req.Key, false); err != nil {
		aghhttp.ErrorAndLog(r.Context(), s.logger, r, w, http.StatusInternalServerError, "deleting entry: %s", err)

		return
	}

	aghhttp.OK(w)
}

func (s *Server) handleGetBL(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Lists == nil {
		http.NotFound(w, r)

		return
	}

	name := r.URL.Query().Get("store")
	if name == "" {
		http.Error(w, "missing store parameter", http.StatusBadRequest)

		return
	}

	store, ok := s.cfg.Lists.Get(name)
	if !ok {
		http.NotFound(w, r)

		return
	}

	aghhttp.WriteJSONResponseOK(w, r, map[string]any{"bl_entries": entriesResponse(store.All())})
}

func entriesResponse(entries []filtering.Entry) (resp []map[string]any) {
	resp = make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		m := map[string]any{"key": e.Key, "reason": e.Reason}
		if !e.Expiry.IsZero() {
			m["expiry"] = e.Expiry.Unix()
		}

		resp = append(resp, m)
	}

	return resp
}

// handleGetDBStats reports either every stats DB's size (no "name" query
// parameter) or a single DB's size (?name=...), matching the single
// getDBStats command the wire protocol documents.
func (s *Server) handleGetDBStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Stats == nil {
		http.NotFound(w, r)

		return
	}

	if name := r.URL.Query().Get("name"); name != "" {
		db, ok := s.cfg.Stats.Get(name)
		if !ok {
			http.NotFound(w, r)

			return
		}

		aghhttp.WriteJSONResponseOK(w, r, map[string]any{"name": name, "size": db.Size()})

		return
	}

	names := s.cfg.Stats.Names()
	resp := make([]map[string]any, 0, len(names))

	for _, name := range names {
		db, ok := s.cfg.Stats.Get(name)
		if !ok {
			continue
		}

		resp = append(resp, map[string]any{"name": name, "size": db.Size()})
	}

	aghhttp.WriteJSONResponseOK(w, r, resp)
}

// statMapJSON snapshots a sync.Map of *atomic.Int64 counters into a plain
// map for JSON encoding.
func statMapJSON(m *sync.Map) (out map[string]int64) {
	out = map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()

		return true
	})

	return out
}

// handleStats answers the "stats" command: process-wide counters matched
// against the reference implementation's rusage-backed response, bucketed
// per-command and per-custom-endpoint counters, and this node's uptime.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var ru runtimeUsage
	ru.read()

	aghhttp.WriteJSONResponseOK(w, r, map[string]any{
		"reports":       s.reports.Load(),
		"allows":        s.allows.Load(),
		"denieds":       s.denieds.Load(),
		"user-msec":     ru.userMsec,
		"sys-msec":      ru.sysMsec,
		"uptime":        int64(time.Since(s.startedAt).Seconds()),
		"commandstats":  statMapJSON(&s.commandStats),
		"customstats":   statMapJSON(&s.customStats),
		"num_goroutine": runtime.NumGoroutine(),
	})
}

func (s *Server) handleSyncDBs(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Replication == nil {
		http.NotFound(w, r)

		return
	}

	statsDump, err := s.cfg.Replication.FullDump()
	if err != nil {
		aghhttp.ErrorAndLog(r.Context(), s.logger, r, w, http.StatusInternalServerError, "full dump: %s", err)

		return
	}

	lists, err := s.cfg.Replication.ListEntries()
	if err != nil {
		aghhttp.ErrorAndLog(r.Context(), s.logger, r, w, http.StatusInternalServerError, "list entries: %s", err)

		return
	}

	aghhttp.WriteJSONResponseOK(w, r, map[string]any{"stats": statsDump, "lists": lists})
}

// handleSyncDone marks this node ready to serve traffic, called by a
// warming instance's sync peer once the bulk sync it requested has finished
// streaming.
func (s *Server) handleSyncDone(w http.ResponseWriter, r *http.Request) {
	s.ready.Store(true)

	aghhttp.OK(w)
}

func (s *Server) handleCustom(name string) (h http.HandlerFunc) {
	return func(w http.ResponseWriter, r *http.Request) {
		var args map[string]any
		if !decodeJSON(w, r, &args) {
			return
		}

		incStat(&s.customStats, name)

		result, err := s.cfg.Policy.CallCustom(name, args)
		if err != nil {
			aghhttp.ErrorAndLog(r.Context(), s.logger, r, w, http.StatusInternalServerError, "custom endpoint: %s", err)

			return
		}

		aghhttp.WriteJSONResponseOK(w, r, result.Export())
	}
}
