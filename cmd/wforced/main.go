// Command wforced runs the anti-abuse policy engine: it loads a YAML
// configuration file, wires the stats, list-store, policy, replication,
// webhook, and API components together, and serves until a shutdown signal
// arrives.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wforce/wforced/internal/apid"
	"github.com/wforce/wforced/internal/control"
	"github.com/wforce/wforced/internal/filtering"
	"github.com/wforce/wforced/internal/metrics"
	"github.com/wforce/wforced/internal/policy"
	"github.com/wforce/wforced/internal/replication"
	"github.com/wforce/wforced/internal/stats"
	"github.com/wforce/wforced/internal/webhookd"
	"github.com/wforce/wforced/internal/wfconfig"
)

// defaultShutdownTimeout bounds how long graceful shutdown waits for
// in-flight work before giving up.
const defaultShutdownTimeout = 10 * time.Second

// defaultSweepInterval is how often stats DBs sweep expired windows.
const defaultSweepInterval = 30 * time.Second

// defaultSnapshotInterval is how often the stats registry is saved to disk
// when snapshotting is enabled but no interval is configured.
const defaultSnapshotInterval = 5 * time.Minute

func main() {
	configPath := flag.String("c", "wforced.yml", "path to the configuration file")
	flag.Parse()

	ctx := context.Background()

	bootLogger := slogutil.New(&slogutil.Config{Format: slogutil.FormatDefault, Level: slogutil.LevelInfo})

	cfg, err := wfconfig.Load(*configPath)
	if err != nil {
		bootLogger.ErrorContext(ctx, "loading configuration", slogutil.KeyError, err)
		os.Exit(osutil.ExitCodeFailure)
	}

	logger := newLogger(cfg.Logging)

	app, err := newApp(ctx, logger, cfg)
	if err != nil {
		logger.ErrorContext(ctx, "initializing", slogutil.KeyError, err)
		os.Exit(osutil.ExitCodeFailure)
	}

	os.Exit(int(app.run(ctx)))
}

// newLogger builds the application logger per lc.  A configured File is
// rotated with lumberjack; an empty one logs to stderr.
func newLogger(lc wfconfig.LogConfig) (logger *slog.Logger) {
	lvl := slogutil.LevelInfo
	if lc.Verbose {
		lvl = slogutil.LevelDebug
	}

	var out io.Writer
	if lc.File != "" {
		out = &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
			Compress:   lc.Compress,
		}
	}

	return slogutil.New(&slogutil.Config{
		Format:       slogutil.FormatDefault,
		Level:        lvl,
		Output:       out,
		AddTimestamp: true,
	})
}

// app bundles every component main wires together, so construction and the
// run loop can be tested and reasoned about independently of os.Exit/flag
// parsing.
type app struct {
	logger *slog.Logger

	statsReg *stats.Registry
	listsReg *filtering.Registry
	pool     *policy.Pool
	hooks    *webhookd.Runner
	metrics  *metrics.Server
	api      *apid.Server

	replication *replicationComponents
	control     *control.Server
	controlAddr string

	// persisters holds the bbolt handles opened for list stores configured
	// with a bbolt_path, so run can close them on shutdown; [filtering.Store]
	// itself never closes the [filtering.Persister] it was built with.
	persisters []io.Closer

	// snapshotPath, if non-empty, is where the stats registry is
	// periodically saved for restart recovery.
	snapshotPath     string
	snapshotInterval time.Duration
}

// replicationComponents bundles the pieces only present when cluster
// replication is enabled.
type replicationComponents struct {
	fanout     *replication.Fanout
	receiver   *replication.Receiver
	syncServer *replication.SyncServer
	syncAddr   string
	providers  replication.Providers
}

// newApp builds every configured component but starts nothing; call
// [app.run] to serve.
func newApp(ctx context.Context, logger *slog.Logger, cfg *wfconfig.Config) (a *app, err error) {
	a = &app{
		logger:   logger,
		statsReg: stats.NewRegistry(logger),
		listsReg: filtering.NewRegistry(),
		hooks:    webhookd.NewRunner(logger),
	}

	a.metrics, err = metrics.New(&metrics.Config{
		Logger:    logger,
		Addr:      cfg.Metrics.Addr,
		Namespace: cfg.Metrics.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring metrics: %w", err)
	}

	a.hooks.SetMetrics(a.metrics)

	var fanout *replication.Fanout
	if cfg.Replication.Enabled {
		fanout = replication.NewFanout(logger, a.statsReg, a.listsReg)
	}

	if err = a.buildStatsDBs(cfg.StatsDBs, fanout); err != nil {
		return nil, err
	}

	if err = a.buildListStores(ctx, cfg.Lists, fanout); err != nil {
		return nil, err
	}

	if err = a.hooks.SetHooks(webhookConfigs(cfg.Webhooks)); err != nil {
		return nil, fmt.Errorf("configuring webhooks: %w", err)
	}

	if err = a.buildPolicy(cfg.Policy); err != nil {
		return nil, err
	}

	if cfg.Replication.Enabled {
		if err = a.buildReplication(cfg.Replication, fanout); err != nil {
			return nil, err
		}
	}

	if cfg.Control.Enabled {
		if err = a.buildControl(cfg.Control); err != nil {
			return nil, err
		}
	}

	a.snapshotPath = cfg.Snapshot.Path
	a.snapshotInterval = cfg.Snapshot.Interval.Duration
	if a.snapshotPath != "" {
		if err = a.statsReg.LoadFrom(ctx, a.snapshotPath); err != nil {
			return nil, fmt.Errorf("loading stats snapshot: %w", err)
		}
	}

	var syncProvider replication.SyncProvider
	if a.replication != nil {
		syncProvider = a.replication.providers
	}

	a.api, err = apid.New(&apid.Config{
		Logger:      logger,
		Addr:        cfg.API.Addr,
		Password:    cfg.API.Password,
		Workers:     cfg.API.Workers,
		IdleTimeout: time.Duration(cfg.API.IdleTimeout) * time.Second,
		MaxBodySize: cfg.API.MaxBodySize,
		Stats:       a.statsReg,
		Lists:       a.listsReg,
		Policy:      a.pool,
		Replication: syncProvider,
		Metrics:     a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring api: %w", err)
	}

	return a, nil
}

func (a *app) buildStatsDBs(dbCfgs []wfconfig.StatsDBConfig, fanout *replication.Fanout) (err error) {
	for _, dbc := range dbCfgs {
		fields := make([]stats.FieldConfig, 0, len(dbc.Fields))
		for _, f := range dbc.Fields {
			kind, kerr := statsKind(f.Kind)
			if kerr != nil {
				return fmt.Errorf("stats db %q: %w", dbc.Name, kerr)
			}

			fields = append(fields, stats.FieldConfig{
				Name: f.Name, Kind: kind, Precision: f.Precision, Eps: f.Epsilon, Gamma: f.Gamma,
			})
		}

		sc := &stats.Config{
			Logger:      a.logger,
			Name:        dbc.Name,
			Fields:      fields,
			NumWindows:  dbc.NumWindows,
			WindowSize:  dbc.WindowSize.Duration,
			MaxSize:     dbc.MaxSize,
			V4PrefixLen: dbc.V4PrefixLength,
			V6PrefixLen: dbc.V6PrefixLength,
		}
		if fanout != nil {
			sc.ReplicationHook = fanout.PushStatsMutation
		}

		db, nerr := stats.New(sc)
		if nerr != nil {
			return fmt.Errorf("building stats db %q: %w", dbc.Name, nerr)
		}

		if err = a.statsReg.Register(db); err != nil {
			return err
		}
	}

	return nil
}

func statsKind(s string) (k stats.Kind, err error) {
	switch s {
	case "", "int":
		return stats.KindInt, nil
	case "hll":
		return stats.KindHLL, nil
	case "countmin":
		return stats.KindCountMin, nil
	default:
		return 0, fmt.Errorf("unknown stats field kind %q", s)
	}
}

func keySpace(s string) (ks filtering.KeySpace, err error) {
	switch s {
	case "ip":
		return filtering.KeySpaceIP, nil
	case "login":
		return filtering.KeySpaceLogin, nil
	case "ip_login":
		return filtering.KeySpaceIPLogin, nil
	default:
		return 0, fmt.Errorf("unknown key space %q", s)
	}
}

// combineListHooks returns a single [filtering.Config.Hook] that invokes
// every non-nil hook in turn, since a [filtering.Store] only takes one.
func combineListHooks(hooks ...func(filtering.Event)) func(filtering.Event) {
	return func(ev filtering.Event) {
		for _, h := range hooks {
			if h != nil {
				h(ev)
			}
		}
	}
}

func (a *app) buildListStores(ctx context.Context, listCfgs []wfconfig.ListConfig, fanout *replication.Fanout) (err error) {
	for _, lc := range listCfgs {
		ks, kerr := keySpace(lc.KeySpace)
		if kerr != nil {
			return fmt.Errorf("list store %q: %w", lc.Name, kerr)
		}

		var persister filtering.Persister
		if lc.BBoltPath != "" {
			bp, berr := filtering.NewBBoltPersister(lc.BBoltPath, lc.Name)
			if berr != nil {
				return fmt.Errorf("opening bbolt persister for %q: %w", lc.Name, berr)
			}

			persister = bp
			a.persisters = append(a.persisters, bp)
		}

		hooks := []func(filtering.Event){a.hooks.ListHook(lc.Name)}
		if fanout != nil {
			hooks = append(hooks, fanout.PushListEvent(lc.Name))
		}

		var store *filtering.Store
		hooks = append(hooks, func(ev filtering.Event) {
			a.metrics.ObserveListMutation(lc.Name, ev.Kind.String())
			a.metrics.SetListSize(lc.Name, store.Size())
		})

		store, serr := filtering.New(&filtering.Config{
			Logger:    a.logger,
			Name:      lc.Name,
			KeySpace:  ks,
			Hook:      combineListHooks(hooks...),
			Persister: persister,
		})
		if serr != nil {
			return fmt.Errorf("building list store %q: %w", lc.Name, serr)
		}

		if persister != nil {
			if lerr := store.LoadPersisted(ctx); lerr != nil {
				return fmt.Errorf("loading persisted entries for %q: %w", lc.Name, lerr)
			}
		}

		a.metrics.SetListSize(lc.Name, store.Size())

		if err = a.listsReg.Register(store); err != nil {
			return err
		}
	}

	return nil
}

func webhookConfigs(cfgs []wfconfig.WebhookConfig) (out []webhookd.Config) {
	out = make([]webhookd.Config, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, webhookd.Config{
			ID:       c.ID,
			URL:      c.URL,
			Secret:   c.Secret,
			Events:   c.Events,
			Timeout:  time.Duration(c.TimeoutS) * time.Second,
			MaxConns: c.MaxConns,
		})
	}

	return out
}

func (a *app) buildPolicy(pc wfconfig.PolicyConfig) (err error) {
	script, err := os.ReadFile(pc.ScriptPath)
	if err != nil {
		return fmt.Errorf("reading policy script %s: %w", pc.ScriptPath, err)
	}

	a.pool, err = policy.NewPool(&policy.Config{
		Logger:   a.logger,
		Script:   string(script),
		PoolSize: pc.PoolSize,
		HostAPI:  policy.RegistryHostAPI(a.logger, a.statsReg, a.listsReg),
	})
	if err != nil {
		return fmt.Errorf("loading policy script: %w", err)
	}

	return nil
}

func decodeKey(s string) (key []byte, err error) {
	key, err = base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 key: %w", err)
	}

	return key, nil
}

func (a *app) buildReplication(rc wfconfig.ReplicationConfig, fanout *replication.Fanout) (err error) {
	key, err := decodeKey(rc.Key)
	if err != nil {
		return fmt.Errorf("replication: %w", err)
	}

	siblings := make([]*replication.Sibling, 0, len(rc.Siblings))
	for _, sc := range rc.Siblings {
		proto := replication.ProtoUDP
		localAddr := rc.ListenUDP
		if sc.Protocol == "tcp" {
			proto = replication.ProtoTCP
			localAddr = rc.ListenTCP
		}

		sib, serr := replication.NewSibling(a.logger, sc.Name, sc.Addr, proto, key, rc.Origin, localAddr)
		if serr != nil {
			return fmt.Errorf("replication: building sibling %q: %w", sc.Name, serr)
		}

		sib.SetMetrics(a.metrics)

		siblings = append(siblings, sib)
	}
	fanout.SetSiblings(siblings)

	receiver, err := replication.NewReceiver(replication.ReceiverConfig{
		Logger:   a.logger,
		UDPAddr:  rc.ListenUDP,
		TCPAddr:  rc.ListenTCP,
		Key:      key,
		Origin:   rc.Origin,
		Siblings: siblings,
		Metrics:  a.metrics,
		Handle:   fanout.Handle,
	})
	if err != nil {
		return fmt.Errorf("replication: building receiver: %w", err)
	}

	providers := replication.Providers{Stats: a.statsReg, Lists: a.listsReg}

	a.replication = &replicationComponents{
		fanout:    fanout,
		receiver:  receiver,
		syncAddr:  rc.SyncListen,
		providers: providers,
	}

	if rc.SyncListen != "" {
		syncServer, serr := replication.NewSyncServer(a.logger, key, providers)
		if serr != nil {
			return fmt.Errorf("replication: building sync server: %w", serr)
		}

		a.replication.syncServer = syncServer
	}

	return nil
}

func (a *app) buildControl(cc wfconfig.ControlConfig) (err error) {
	key, err := decodeKey(cc.Key)
	if err != nil {
		return fmt.Errorf("control: %w", err)
	}

	srv, err := control.NewServer(a.logger, key, control.Registries{
		Policy: a.pool,
	})
	if err != nil {
		return fmt.Errorf("control: %w", err)
	}

	a.control = srv
	a.controlAddr = cc.Addr

	return nil
}

// run starts every configured background service, blocks until a shutdown
// signal arrives, and shuts everything back down.  It returns the process
// exit code.
func (a *app) run(ctx context.Context) (status osutil.ExitCode) {
	a.statsReg.StartExpireThreads(ctx, defaultSweepInterval)
	a.listsReg.StartExpireThreads(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 8)
	serve := func(name string, f func(context.Context) error) {
		go func() {
			if err := f(runCtx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)

				return
			}

			errCh <- nil
		}()
	}

	serve("api", a.api.Serve)
	serve("metrics", a.metrics.Serve)

	if a.replication != nil {
		a.replication.fanout.Start(runCtx)

		serve("replication receiver", a.replication.receiver.Serve)

		if a.replication.syncServer != nil {
			serve("replication sync server", func(ctx context.Context) error {
				return a.replication.syncServer.Serve(ctx, a.replication.syncAddr)
			})
		}
	}

	if a.control != nil {
		serve("control", func(ctx context.Context) error {
			return a.control.Serve(ctx, a.controlAddr)
		})
	}

	if a.snapshotPath != "" {
		go a.runSnapshotLoop(runCtx)
	}

	sig := make(chan os.Signal, 1)
	notifier := osutil.DefaultSignalNotifier{}
	osutil.NotifyShutdownSignal(notifier, sig)

	select {
	case s := <-sig:
		a.logger.InfoContext(ctx, "received signal, shutting down", "signal", s)
	case err := <-errCh:
		if err != nil {
			a.logger.ErrorContext(ctx, "service exited unexpectedly", slogutil.KeyError, err)
			status = osutil.ExitCodeFailure
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := a.statsReg.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down stats registry: %w", err))
	}

	if err := a.listsReg.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down list registry: %w", err))
	}

	for _, p := range a.persisters {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing list persister: %w", err))
		}
	}

	if a.snapshotPath != "" {
		if err := a.statsReg.SaveTo(a.snapshotPath); err != nil {
			errs = append(errs, fmt.Errorf("saving final stats snapshot: %w", err))
		}
	}

	if len(errs) > 0 {
		a.logger.ErrorContext(ctx, "errors during shutdown", slogutil.KeyError, errors.Join(errs...))
		status = osutil.ExitCodeFailure
	}

	return status
}

// runSnapshotLoop periodically saves the stats registry to a.snapshotPath
// until ctx is cancelled.
func (a *app) runSnapshotLoop(ctx context.Context) {
	interval := a.snapshotInterval
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.statsReg.SaveTo(a.snapshotPath); err != nil {
				a.logger.WarnContext(ctx, "saving stats snapshot", slogutil.KeyError, err)
			}
		}
	}
}
