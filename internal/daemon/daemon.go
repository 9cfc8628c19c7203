// Package daemon wires configuration, the scope client, the inventory and
// the synchronizer into a long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog"

	"github.com/yairfalse/podsync/internal/config"
	"github.com/yairfalse/podsync/internal/emitter"
	"github.com/yairfalse/podsync/internal/sockwatch"
	itel "github.com/yairfalse/podsync/internal/telemetry"
	"github.com/yairfalse/podsync/observer"
	"github.com/yairfalse/podsync/providers"
	"github.com/yairfalse/podsync/reconciler"
	"github.com/yairfalse/podsync/storage"
	"github.com/yairfalse/podsync/synchronizer"
	"github.com/yairfalse/podsync/telemetry"
	"github.com/yairfalse/podsync/types"
	"github.com/yairfalse/podsync/wal"
)

const (
	maintenanceInterval = time.Hour
	shutdownTimeout     = 5 * time.Second
)

// Options overrides parts of the wiring, mostly for tests.
type Options struct {
	// Client replaces the provider named in the config.
	Client providers.ScopeClient
	// Logger replaces the logger built from the log section.
	Logger *telemetry.Logger
}

// Daemon keeps the dual-scope inventory in sync until interrupted.
type Daemon struct {
	cfg       *config.Config
	logger    *telemetry.Logger
	log       zerolog.Logger
	telemetry *itel.Provider
	client    providers.ScopeClient
	store     *storage.Inventory
	history   *storage.History
	journal   *wal.WAL
	sync      *synchronizer.Synchronizer
	emitter   emitter.Emitter
	metrics   *DaemonMetrics
	startTime time.Time
	running   atomic.Bool
}

// New builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (d *Daemon, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d = &Daemon{cfg: cfg, startTime: time.Now()}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	d.logger = opts.Logger
	if d.logger == nil {
		d.logger = telemetry.NewLoggerWithOptions(cfg.OTEL.ServiceName, telemetry.LogOptions{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
		})
	}
	d.log = d.logger.Component("daemon")

	d.telemetry, err = itel.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	d.client = opts.Client
	if d.client == nil {
		d.client, err = providers.New(cfg.Provider, providers.Config{
			SystemSocket: cfg.Socket(types.ScopeSystem),
			UserSocket:   cfg.Socket(types.ScopeUser),
			APIVersion:   cfg.APIVersion,
		})
		if err != nil {
			return nil, fmt.Errorf("create %s client: %w", cfg.Provider, err)
		}
	}

	if cfg.Journal.Enabled {
		d.journal, err = wal.OpenWithConfig(cfg.Journal.Dir, journalConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		d.log.Info().Str("dir", cfg.Journal.Dir).Str("session", d.journal.Session()).Msg("event journal enabled")
	}

	changeMetrics, err := observer.NewChangeMetrics(d.telemetry.Meter())
	if err != nil {
		return nil, fmt.Errorf("create change metrics: %w", err)
	}
	recorders := storage.Recorders{changeMetrics}
	if cfg.History.Enabled {
		if err := os.MkdirAll(cfg.History.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
		d.history, err = storage.OpenHistory(cfg.History.Dir, d.logger.Component("history"))
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		recorders = append(recorders, d.history)
	}
	d.store = storage.NewInventory().WithRecorder(recorders)

	d.sync = synchronizer.New(d.client, d.store, synchronizer.Options{
		Scopes:       cfg.EnabledScopes(),
		FetchTimeout: cfg.FetchTimeout,
		Logger:       d.logger,
		Metrics:      d.telemetry.SyncMetrics(),
		Journal:      d.journal,
	})

	d.emitter, err = emitter.NewMetricsEmitter(d.telemetry.Meter(), d.logger.Component("emitter"))
	if err != nil {
		return nil, fmt.Errorf("create emitter: %w", err)
	}

	d.metrics, err = NewDaemonMetrics(d.telemetry.Meter())
	if err != nil {
		return nil, fmt.Errorf("create daemon metrics: %w", err)
	}

	return d, nil
}

func journalConfig(cfg *config.Config) wal.Config {
	jc := wal.DefaultConfig()
	jc.RetentionDays = cfg.Journal.RetentionDays
	return jc
}

// Run starts every actor and blocks until ctx is cancelled, a signal
// arrives or an actor fails. A daemon runs once.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("daemon already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group

	g.Add(run.SignalHandler(runCtx, os.Interrupt, syscall.SIGTERM))

	unsubscribe := d.sync.Subscribe(emitter.AsObserver(runCtx, d.emitter, d.log))
	defer unsubscribe()
	g.Add(func() error {
		if err := d.sync.Start(runCtx); err != nil {
			return fmt.Errorf("start synchronizer: %w", err)
		}
		<-runCtx.Done()
		return nil
	}, func(error) {
		cancel()
	})
	defer d.sync.Stop()

	if d.cfg.Metrics.Enabled {
		ln, err := net.Listen("tcp", d.cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", d.cfg.Metrics.Addr, err)
		}
		srv := &http.Server{
			Handler:           d.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Add(func() error {
			d.log.Info().Str("addr", ln.Addr().String()).Msg("serving /metrics, /health, /-/ready, /inventory")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	if d.cfg.WatchSockets {
		w, err := d.newSocketWatcher()
		if err != nil {
			return err
		}
		g.Add(func() error {
			return w.Run(runCtx)
		}, func(error) {
			cancel()
		})
	}

	if d.journal != nil || d.history != nil {
		g.Add(func() error {
			d.maintain(runCtx)
			return nil
		}, func(error) {
			cancel()
		})
	}

	d.log.Info().
		Strs("scopes", scopeNames(d.cfg.EnabledScopes())).
		Str("provider", d.cfg.Provider).
		Msg("podsync daemon starting")

	err := g.Run()

	var sig run.SignalError
	switch {
	case errors.As(err, &sig):
		d.log.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	case err == nil, errors.Is(err, context.Canceled):
		d.log.Info().Msg("shutting down")
		return nil
	default:
		return err
	}
}

func (d *Daemon) newSocketWatcher() (*sockwatch.Watcher, error) {
	sockets := make(map[types.Scope]string)
	for _, scope := range d.cfg.EnabledScopes() {
		sockets[scope] = d.cfg.Socket(scope)
	}
	w, err := sockwatch.New(sockwatch.Config{
		Sockets: sockets,
		OnAppear: func(ctx context.Context, scope types.Scope) {
			_ = d.Probe(ctx, scope, TriggerSocket)
		},
		Logger: d.logger.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create socket watcher: %w", err)
	}
	return w, nil
}

// Probe asks the synchronizer to retry scope and records the outcome.
func (d *Daemon) Probe(ctx context.Context, scope types.Scope, trigger string) error {
	start := time.Now()
	err := d.sync.Probe(ctx, scope)
	status := "success"
	if err != nil {
		status = "failure"
		d.log.Warn().Err(err).Str("scope", scope.String()).Str("trigger", trigger).Msg("probe failed")
	}
	d.metrics.RecordProbe(ctx, scope.String(), trigger, status, time.Since(start))
	return err
}

// ErrScopeNotLoaded is returned when a refresh targets a scope that is not
// Available.
var ErrScopeNotLoaded = errors.New("scope not loaded")

// Refresh reloads one entity kind of scope in the background. Results land in
// the inventory like any event-driven reload.
func (d *Daemon) Refresh(scope types.Scope, kind types.Kind) error {
	if !slices.Contains(d.cfg.EnabledScopes(), scope) {
		return fmt.Errorf("%w: %s", synchronizer.ErrScopeDisabled, scope)
	}
	if state := d.sync.State(scope); state != types.ScopeAvailable {
		return fmt.Errorf("%w: %s is %s", ErrScopeNotLoaded, scope, state)
	}
	d.sync.Engine().Dispatch(scope, reconciler.Action{Type: reconciler.ActionRefetchInventory, Kind: kind})
	d.log.Info().Str("scope", scope.String()).Str("kind", string(kind)).Msg("refresh requested")
	return nil
}

// maintain prunes the journal and compacts history until ctx ends.
func (d *Daemon) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		d.runMaintenance(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Daemon) runMaintenance(ctx context.Context) {
	if d.journal != nil {
		stats, err := wal.CleanupWithStats(d.cfg.Journal.Dir, journalConfig(d.cfg))
		if err != nil {
			d.log.Error().Err(err).Msg("journal cleanup failed")
			d.metrics.RecordStorageOperation(ctx, "journal_cleanup", "error", "io")
		} else {
			d.metrics.RecordStorageOperation(ctx, "journal_cleanup", "success", "")
			if stats.FilesRemoved > 0 {
				d.log.Info().
					Int("files", stats.FilesRemoved).
					Int64("bytes", stats.BytesFreed).
					Msg("removed old journal files")
			}
		}
	}

	if d.history != nil {
		removed, err := d.history.Compact(d.cfg.History.Keep)
		if err != nil {
			d.log.Error().Err(err).Msg("history compaction failed")
			d.metrics.RecordStorageOperation(ctx, "history_compact", "error", "db")
		} else {
			d.metrics.RecordStorageOperation(ctx, "history_compact", "success", "")
			if removed > 0 {
				d.log.Debug().Int("observations", removed).Msg("compacted history")
			}
		}
	}
}

// View returns the current inventory view.
func (d *Daemon) View() observer.View {
	return d.sync.View()
}

// History returns the observation history, nil when disabled.
func (d *Daemon) History() *storage.History {
	return d.history
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	v := d.sync.View()
	scopes := make(map[string]string, len(v.States))
	for scope, state := range v.States {
		scopes[scope.String()] = state.String()
	}
	return HealthStatus{
		Status:   "healthy",
		Uptime:   int64(time.Since(d.startTime).Seconds()),
		Revision: v.Revision,
		Scopes:   scopes,
	}
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status   string            `json:"status"`
	Uptime   int64             `json:"uptime_seconds"`
	Revision int64             `json:"revision"`
	Scopes   map[string]string `json:"scopes"`
}

// Close releases everything New acquired. Safe on a partially built daemon.
func (d *Daemon) Close() error {
	var errs []error
	if d.emitter != nil {
		errs = append(errs, d.emitter.Close())
	}
	if d.journal != nil {
		errs = append(errs, d.journal.Close())
	}
	if d.history != nil {
		errs = append(errs, d.history.Close())
	}
	if c, ok := d.client.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if d.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errs = append(errs, d.telemetry.Shutdown(shutdownCtx))
	}
	return errors.Join(errs...)
}

func scopeNames(scopes []types.Scope) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, s.String())
	}
	return out
}
