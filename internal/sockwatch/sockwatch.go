// Package sockwatch re-probes a scope when its daemon socket appears.
//
// A daemon that was not running at startup leaves its scope Unavailable.
// Socket activation creates the socket file when the daemon comes up, so
// watching the socket directory is enough to know when to retry. Socket
// removal is only logged: the subscription closing drives the scope drop.
package sockwatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/yairfalse/podsync/types"
)

const (
	// DefaultDebounce is the wait after the last socket event before the
	// probe fires. The daemon creates, removes and recreates the socket
	// during startup.
	DefaultDebounce = 250 * time.Millisecond

	// DefaultPollInterval is used for socket directories that cannot be
	// watched, typically because they do not exist yet.
	DefaultPollInterval = 5 * time.Second
)

// ProbeFunc is called when the socket of scope appears.
type ProbeFunc func(ctx context.Context, scope types.Scope)

// Config holds the watcher configuration.
type Config struct {
	// Sockets maps each watched scope to its socket path.
	Sockets map[types.Scope]string

	// OnAppear is called once per debounced socket creation.
	OnAppear ProbeFunc

	Debounce     time.Duration
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// Watcher watches socket directories with fsnotify, polling the ones it
// cannot watch.
type Watcher struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	timers map[types.Scope]*time.Timer
}

// New creates a watcher. Scopes with an empty socket path are ignored.
func New(cfg Config) (*Watcher, error) {
	if cfg.OnAppear == nil {
		return nil, errors.New("sockwatch: OnAppear is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	sockets := make(map[types.Scope]string, len(cfg.Sockets))
	for scope, path := range cfg.Sockets {
		if path != "" {
			sockets[scope] = filepath.Clean(path)
		}
	}
	cfg.Sockets = sockets

	return &Watcher{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "sockwatch").Logger(),
		timers: make(map[types.Scope]*time.Timer),
	}, nil
}

// Run watches until ctx is cancelled. It returns ctx.Err() on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stopTimers()

	var polled []types.Scope
	var eventsCh <-chan fsnotify.Event
	var errorsCh <-chan error

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn().Err(err).Msg("fsnotify not available, falling back to polling")
		for scope := range w.cfg.Sockets {
			polled = append(polled, scope)
		}
	} else {
		defer func() { _ = fsw.Close() }()
		for scope, path := range w.cfg.Sockets {
			dir := filepath.Dir(path)
			if err := fsw.Add(dir); err != nil {
				w.logger.Debug().Err(err).
					Str("scope", scope.String()).
					Str("dir", dir).
					Msg("cannot watch socket directory, polling")
				polled = append(polled, scope)
				continue
			}
			w.logger.Info().Str("scope", scope.String()).Str("socket", path).Msg("watching socket")
		}
		eventsCh = fsw.Events
		errorsCh = fsw.Errors
	}

	var tick <-chan time.Time
	present := make(map[types.Scope]bool, len(polled))
	if len(polled) > 0 {
		for _, scope := range polled {
			present[scope] = exists(w.cfg.Sockets[scope])
		}
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-eventsCh:
			if !ok {
				eventsCh = nil
				continue
			}
			w.handleEvent(ctx, event)

		case err, ok := <-errorsCh:
			if !ok {
				errorsCh = nil
				continue
			}
			w.logger.Error().Err(err).Msg("fsnotify error")

		case <-tick:
			for _, scope := range polled {
				now := exists(w.cfg.Sockets[scope])
				if now && !present[scope] {
					w.logger.Debug().Str("scope", scope.String()).Msg("socket appeared (poll)")
					w.trigger(ctx, scope)
				}
				present[scope] = now
			}
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	scope, ok := w.scopeOf(filepath.Clean(event.Name))
	if !ok {
		return
	}

	switch {
	case event.Op&fsnotify.Create != 0:
		w.logger.Debug().Str("scope", scope.String()).Str("socket", event.Name).Msg("socket created")
		w.trigger(ctx, scope)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.logger.Info().Str("scope", scope.String()).Str("socket", event.Name).Msg("socket removed")
	}
}

func (w *Watcher) scopeOf(path string) (types.Scope, bool) {
	for scope, socket := range w.cfg.Sockets {
		if socket == path {
			return scope, true
		}
	}
	return 0, false
}

// trigger fires OnAppear for scope after the debounce interval, restarting
// the interval on every call.
func (w *Watcher) trigger(ctx context.Context, scope types.Scope) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t := w.timers[scope]; t != nil {
		t.Stop()
	}
	w.timers[scope] = time.AfterFunc(w.cfg.Debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.logger.Info().Str("scope", scope.String()).Msg("socket appeared, probing scope")
		w.cfg.OnAppear(ctx, scope)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for scope, t := range w.timers {
		t.Stop()
		delete(w.timers, scope)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
