package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yairfalse/podsync/observer"
	"github.com/yairfalse/podsync/providers"
	"github.com/yairfalse/podsync/reconciler"
	"github.com/yairfalse/podsync/storage"
	"github.com/yairfalse/podsync/telemetry"
	"github.com/yairfalse/podsync/types"
	"github.com/yairfalse/podsync/wal"
)

var (
	// ErrNotStarted is returned by Probe before Start
	ErrNotStarted = errors.New("synchronizer not started")
	// ErrScopeDisabled is returned by Probe for a scope that is not synchronized
	ErrScopeDisabled = errors.New("scope disabled")
	// ErrStopped is returned by Start and Probe once Stop has run
	ErrStopped = errors.New("synchronizer stopped")
)

// Options configures a Synchronizer
type Options struct {
	// Scopes to synchronize. Both when empty; the others stay Unavailable.
	Scopes       []types.Scope
	FetchTimeout time.Duration
	Logger       *telemetry.Logger
	Reporter     reconciler.Reporter
	Metrics      *telemetry.SyncMetrics
	Journal      *wal.WAL
}

// Synchronizer keeps the inventory of both scopes in step with their
// daemons. Each scope runs its own state machine
// Unknown -> Probing -> {Available, Unavailable}; the scopes never wait on
// each other.
type Synchronizer struct {
	client   providers.ScopeClient
	store    storage.Store
	engine   *reconciler.Engine
	hub      *observer.Hub
	logger   *telemetry.Logger
	reporter reconciler.Reporter
	metrics  *telemetry.SyncMetrics
	journal  *wal.WAL
	enabled  map[types.Scope]bool

	// mu guards states and the lifecycle fields. wg.Add only happens under
	// mu with stopped unset, so Stop's Wait never races a new goroutine.
	mu      sync.Mutex
	states  map[types.Scope]types.ScopeState
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// New creates a synchronizer over client and store
func New(client providers.ScopeClient, store storage.Store, opts Options) *Synchronizer {
	if opts.Logger == nil {
		opts.Logger = &telemetry.Logger{Logger: zerolog.Nop()}
	}
	if opts.Reporter == nil {
		opts.Reporter = telemetry.NewReporter(opts.Logger.Component("reporter"), opts.Metrics)
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = types.Scopes()
	}

	s := &Synchronizer{
		client:   client,
		store:    store,
		logger:   opts.Logger,
		reporter: opts.Reporter,
		metrics:  opts.Metrics,
		journal:  opts.Journal,
		enabled:  make(map[types.Scope]bool),
		states:   make(map[types.Scope]types.ScopeState),
	}
	for _, scope := range opts.Scopes {
		s.enabled[scope] = true
	}
	for _, scope := range types.Scopes() {
		s.states[scope] = types.ScopeUnknown
	}

	s.engine = reconciler.NewEngine(client, store, reconciler.Options{
		FetchTimeout: opts.FetchTimeout,
		Logger:       opts.Logger.Logger,
		Reporter:     opts.Reporter,
		Metrics:      opts.Metrics,
		Journal:      opts.Journal,
	})
	s.hub = observer.NewHub(s.View, opts.Logger.Logger)
	return s
}

// Engine exposes the reconciliation engine for operator-triggered refreshes
func (s *Synchronizer) Engine() *reconciler.Engine {
	return s.engine
}

// Start begins publishing and probes every enabled scope in parallel.
// It returns without waiting for the probes.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.ctx != nil {
		s.mu.Unlock()
		return fmt.Errorf("synchronizer already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	var probes []types.Scope
	for _, scope := range types.Scopes() {
		if s.enabled[scope] {
			probes = append(probes, scope)
		}
	}
	// the hub plus one initial probe per enabled scope
	s.wg.Add(1 + len(probes))
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.hub.Run(runCtx, s.store.Changes())
	}()

	for _, scope := range types.Scopes() {
		if !s.enabled[scope] {
			s.setState(runCtx, scope, types.ScopeUnavailable)
			continue
		}
		scope := scope
		go func() {
			defer s.wg.Done()
			if err := s.Probe(runCtx, scope); err != nil {
				s.logger.WithContext(runCtx).Debug().Err(err).Str("scope", scope.String()).Msg("initial probe failed")
			}
		}()
	}
	return nil
}

// Probe checks the daemon of scope and, if it answers, loads the scope and
// subscribes to its events. It is also the external retry trigger. A scope
// that is already Probing or Available ignores the call.
func (s *Synchronizer) Probe(ctx context.Context, scope types.Scope) error {
	if !s.enabled[scope] {
		return fmt.Errorf("probe %s: %w", scope, ErrScopeDisabled)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	runCtx := s.ctx
	if runCtx == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	from := s.states[scope]
	if from.Busy() {
		s.mu.Unlock()
		s.logger.WithContext(ctx).Debug().Str("scope", scope.String()).Str("state", from.String()).Msg("probe ignored")
		return nil
	}
	s.states[scope] = types.ScopeProbing
	s.mu.Unlock()
	s.stateChanged(ctx, scope, from, types.ScopeProbing)

	ctx, span := telemetry.StartProbe(ctx, telemetry.Tracer, scope)
	err := s.probe(ctx, runCtx, scope)
	telemetry.EndSpan(span, err)
	return err
}

func (s *Synchronizer) probe(ctx, runCtx context.Context, scope types.Scope) error {
	if err := s.client.Ping(ctx, scope); err != nil {
		if !errors.Is(err, providers.ErrConnectionClosed) {
			s.reporter.ReportError(scope, err)
		}
		s.setState(ctx, scope, types.ScopeUnavailable)
		return fmt.Errorf("ping %s: %w", scope, err)
	}
	s.setState(ctx, scope, types.ScopeAvailable)

	start := time.Now()
	if err := s.engine.FullLoad(ctx, scope); err != nil {
		// partial results must not linger as if they were the scope
		if !errors.Is(err, providers.ErrConnectionClosed) {
			s.reporter.ReportError(scope, err)
		}
		s.drop(ctx, scope, err)
		return err
	}
	containers, images := s.store.Snapshot().Count(scope)
	s.logger.LogFullLoad(ctx, scope, containers, images, float64(time.Since(start).Microseconds())/1000)

	s.mu.Lock()
	if s.stopped || runCtx.Err() != nil {
		s.mu.Unlock()
		return ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()

	events, errs := s.client.SubscribeEvents(runCtx, scope)
	go func() {
		defer s.wg.Done()
		s.pump(runCtx, scope, events, errs)
	}()
	return nil
}

// pump delivers one scope's events to the engine until the stream ends
func (s *Synchronizer) pump(ctx context.Context, scope types.Scope, events <-chan types.Event, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.engine.OnEvent(scope, ev)
		case err, ok := <-errs:
			if !ok {
				err = providers.ErrConnectionClosed
			}
			if ctx.Err() != nil {
				return
			}
			s.closed(ctx, scope, err)
			return
		}
	}
}

// closed handles the end of a subscription. In-flight fetches are left to
// finish; the epoch bump makes their results stale.
func (s *Synchronizer) closed(ctx context.Context, scope types.Scope, err error) {
	graceful := err == nil || errors.Is(err, providers.ErrConnectionClosed)
	if !graceful {
		s.reporter.ReportError(scope, fmt.Errorf("event stream %s: %w", scope, err))
	}
	s.metrics.RecordScopeDrop(ctx, scope, graceful)
	s.drop(ctx, scope, err)
}

// drop discards scope and marks it Unavailable in one step, so a view never
// pairs dropped entities with a live state or the reverse.
func (s *Synchronizer) drop(ctx context.Context, scope types.Scope, cause error) {
	s.mu.Lock()
	s.store.DropScope(scope)
	from := s.states[scope]
	s.states[scope] = types.ScopeUnavailable
	s.mu.Unlock()

	s.logger.LogScopeDropped(ctx, scope, cause)
	if s.journal != nil {
		if err := s.journal.RecordDrop(scope, cause); err != nil {
			s.logger.Warn().Err(err).Msg("failed to journal scope drop")
		}
	}
	if from != types.ScopeUnavailable {
		s.stateChanged(ctx, scope, from, types.ScopeUnavailable)
	}
}

func (s *Synchronizer) setState(ctx context.Context, scope types.Scope, to types.ScopeState) {
	s.mu.Lock()
	from := s.states[scope]
	s.states[scope] = to
	s.mu.Unlock()

	if from != to {
		s.stateChanged(ctx, scope, from, to)
	}
}

func (s *Synchronizer) stateChanged(ctx context.Context, scope types.Scope, from, to types.ScopeState) {
	s.logger.LogScopeState(ctx, scope, from.String(), to.String())
	if s.journal != nil {
		if err := s.journal.RecordState(scope, to.String()); err != nil {
			s.logger.Warn().Err(err).Msg("failed to journal scope state")
		}
	}
	s.hub.Notify()
}

// State returns the state of scope
func (s *Synchronizer) State(scope types.Scope) types.ScopeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[scope]
}

// States returns the state of every scope
func (s *Synchronizer) States() map[types.Scope]types.ScopeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statesLocked()
}

func (s *Synchronizer) statesLocked() map[types.Scope]types.ScopeState {
	out := make(map[types.Scope]types.ScopeState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// Snapshot returns the merged inventory of both scopes
func (s *Synchronizer) Snapshot() storage.Snapshot {
	return s.store.Snapshot()
}

// View returns the inventory together with the scope states, both read at
// the same point in time
func (s *Synchronizer) View() observer.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return observer.View{Snapshot: s.store.Snapshot(), States: s.statesLocked()}
}

// Subscribe registers obs for published views. The latest view is delivered
// right away; the returned function unsubscribes.
func (s *Synchronizer) Subscribe(obs observer.Observer) func() {
	return s.hub.Subscribe(obs)
}

// Stop ends every subscription and waits for in-flight work. The inventory
// is left as it was.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.engine.Close()
	s.hub.Close()
}
