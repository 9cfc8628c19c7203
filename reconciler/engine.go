package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/podsync/providers"
	"github.com/yairfalse/podsync/storage"
	"github.com/yairfalse/podsync/telemetry"
	"github.com/yairfalse/podsync/types"
	"github.com/yairfalse/podsync/wal"
)

// DefaultFetchTimeout bounds a single corrective fetch
const DefaultFetchTimeout = 30 * time.Second

// Reporter receives conditions the engine cannot act on
type Reporter interface {
	ReportUnhandled(ev types.Event)
	ReportError(scope types.Scope, err error)
}

// Options configures an Engine. Zero values are usable.
type Options struct {
	FetchTimeout time.Duration
	Logger       zerolog.Logger
	Reporter     Reporter
	Metrics      *telemetry.SyncMetrics
	Journal      *wal.WAL
}

// Engine turns classified events into corrective fetches and applies their
// results to the store. Every fetch runs in its own goroutine; results
// carry the scope epoch captured when the fetch was issued, so anything
// that completes after the scope was dropped is discarded by the store.
type Engine struct {
	client providers.ScopeClient
	store  storage.Store

	fetchTimeout time.Duration
	logger       zerolog.Logger
	reporter     Reporter
	metrics      *telemetry.SyncMetrics
	journal      *wal.WAL

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine
func NewEngine(client providers.ScopeClient, store storage.Store, opts Options) *Engine {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Reporter == nil {
		opts.Reporter = telemetry.NewReporter(opts.Logger, opts.Metrics)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		client:       client,
		store:        store,
		fetchTimeout: opts.FetchTimeout,
		logger:       opts.Logger.With().Str("component", "engine").Logger(),
		reporter:     opts.Reporter,
		metrics:      opts.Metrics,
		journal:      opts.Journal,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// OnEvent classifies an event received on scope's stream and issues the
// corrective fetches. It never blocks on the daemon.
func (e *Engine) OnEvent(scope types.Scope, ev types.Event) {
	ev.Scope = scope
	e.metrics.RecordEvent(e.ctx, ev)

	actions, err := Classify(ev)
	if err != nil {
		e.reporter.ReportUnhandled(ev)
	}
	e.journalEvent(ev, actions)

	for _, a := range actions {
		e.dispatch(scope, a)
	}
}

// Dispatch issues a single action against scope. It is the path OnEvent
// uses and is exported for operator-triggered refreshes.
func (e *Engine) Dispatch(scope types.Scope, a Action) {
	e.dispatch(scope, a)
}

func (e *Engine) dispatch(scope types.Scope, a Action) {
	epoch := e.store.Epoch(scope)

	switch a.Type {
	case ActionRefetchEntity:
		key := types.NewKey(scope, a.ID)
		switch a.Kind {
		case types.KindContainer:
			e.spawn("get_container", key, func(ctx context.Context) error {
				return e.refetchContainer(ctx, epoch, key)
			})
		case types.KindImage:
			e.spawn("get_image", key, func(ctx context.Context) error {
				return e.refetchImage(ctx, epoch, key)
			})
		}
	case ActionRefetchInventory:
		key := types.Key{Scope: scope}
		switch a.Kind {
		case types.KindContainer:
			e.spawn("list_containers", key, func(ctx context.Context) error {
				return e.reloadContainers(ctx, epoch, scope)
			})
		case types.KindImage:
			e.spawn("list_images", key, func(ctx context.Context) error {
				return e.reloadImages(ctx, epoch, scope)
			})
		}
	}
}

// FullLoad fetches containers and images of scope concurrently and merges
// both, which marks the scope loaded. Stats for running containers are
// requested afterwards and do not delay the return.
func (e *Engine) FullLoad(ctx context.Context, scope types.Scope) error {
	start := time.Now()
	epoch := e.store.Epoch(scope)

	ctx, span := telemetry.StartFullLoad(ctx, telemetry.Tracer, scope)
	err := e.fullLoad(ctx, epoch, scope)
	telemetry.EndSpan(span, err)

	result := telemetry.ResultOK
	if err != nil {
		result = resultOf(err)
	}
	e.metrics.RecordFullLoad(ctx, scope, result, time.Since(start))
	return err
}

func (e *Engine) fullLoad(ctx context.Context, epoch storage.Epoch, scope types.Scope) error {
	ctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	var (
		containers []types.Container
		images     []types.Image
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		containers, err = e.client.ListContainers(gctx, scope)
		if err != nil {
			return fmt.Errorf("list containers: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		images, err = e.client.ListImages(gctx, scope)
		if err != nil {
			return fmt.Errorf("list images: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("full load %s: %w", scope, err)
	}

	if err := e.store.MergeImages(epoch, scope, images); err != nil {
		return fmt.Errorf("full load %s: %w", scope, err)
	}
	if err := e.store.MergeContainers(epoch, scope, containers); err != nil {
		return fmt.Errorf("full load %s: %w", scope, err)
	}

	e.logger.Debug().
		Str("scope", scope.String()).
		Int("containers", len(containers)).
		Int("images", len(images)).
		Msg("full load merged")

	e.requestStats(epoch, containers)
	return nil
}

// Wait blocks until every in-flight fetch has finished
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close cancels in-flight fetches and waits for them
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) refetchContainer(ctx context.Context, epoch storage.Epoch, key types.Key) error {
	c, err := e.client.GetContainer(ctx, key.Scope, key.ID)
	if errors.Is(err, providers.ErrNotFound) {
		e.logger.Debug().Str("key", key.String()).Msg("container vanished, removing")
		return e.store.RemoveEntity(epoch, types.KindContainer, key)
	}
	if err != nil {
		return fmt.Errorf("get container %s: %w", key, err)
	}

	// stats of a stopped container are dropped in the same mutation
	if err := e.store.MergeContainer(epoch, c); err != nil {
		return err
	}
	if c.IsRunning() {
		e.requestStats(epoch, []types.Container{c})
	}
	return nil
}

func (e *Engine) refetchImage(ctx context.Context, epoch storage.Epoch, key types.Key) error {
	img, err := e.client.GetImage(ctx, key.Scope, key.ID)
	if errors.Is(err, providers.ErrNotFound) {
		e.logger.Debug().Str("key", key.String()).Msg("image vanished, removing")
		return e.store.RemoveEntity(epoch, types.KindImage, key)
	}
	if err != nil {
		return fmt.Errorf("get image %s: %w", key, err)
	}
	return e.store.MergeImage(epoch, img)
}

func (e *Engine) reloadContainers(ctx context.Context, epoch storage.Epoch, scope types.Scope) error {
	containers, err := e.client.ListContainers(ctx, scope)
	if err != nil {
		return fmt.Errorf("list containers %s: %w", scope, err)
	}
	if err := e.store.MergeContainers(epoch, scope, containers); err != nil {
		return err
	}
	e.requestStats(epoch, containers)
	return nil
}

func (e *Engine) reloadImages(ctx context.Context, epoch storage.Epoch, scope types.Scope) error {
	images, err := e.client.ListImages(ctx, scope)
	if err != nil {
		return fmt.Errorf("list images %s: %w", scope, err)
	}
	return e.store.MergeImages(epoch, scope, images)
}

// requestStats issues a stats fetch for every running container
func (e *Engine) requestStats(epoch storage.Epoch, containers []types.Container) {
	for _, c := range containers {
		if !c.IsRunning() {
			continue
		}
		key := c.Key
		e.spawn("get_stats", key, func(ctx context.Context) error {
			return e.refetchStats(ctx, epoch, key)
		})
	}
}

func (e *Engine) refetchStats(ctx context.Context, epoch storage.Epoch, key types.Key) error {
	st, err := e.client.GetStats(ctx, key.Scope, key.ID)
	switch {
	case errors.Is(err, providers.ErrStatsUnavailable):
		// distinct from "not sampled": the daemon will never have them
		return e.store.MergeStats(epoch, types.ContainerStats{Key: key, Unavailable: true, SampledAt: time.Now()})
	case errors.Is(err, providers.ErrNotFound):
		return e.store.RemoveStats(epoch, key)
	case err != nil:
		return fmt.Errorf("get stats %s: %w", key, err)
	}
	st.Key = key
	if st.SampledAt.IsZero() {
		st.SampledAt = time.Now()
	}
	return e.store.MergeStats(epoch, st)
}

// spawn runs fn in a tracked goroutine under a span and the fetch timeout
func (e *Engine) spawn(op string, key types.Key, fn func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		start := time.Now()
		ctx, cancel := context.WithTimeout(e.ctx, e.fetchTimeout)
		defer cancel()

		ctx, span := telemetry.StartFetch(ctx, telemetry.Tracer, op, key)
		err := fn(ctx)
		e.finish(ctx, op, key, err)
		telemetry.EndSpan(span, err)
		e.metrics.RecordFetch(ctx, key.Scope, op, resultOf(err), time.Since(start))
	}()
}

// finish decides what a failed fetch means. Prior state is left untouched
// and nothing is retried.
func (e *Engine) finish(ctx context.Context, op string, key types.Key, err error) {
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrStaleEpoch):
		e.logger.Debug().Ctx(ctx).Str("op", op).Str("key", key.String()).Msg("discarding result for dropped scope")
	case errors.Is(err, providers.ErrConnectionClosed), errors.Is(err, context.Canceled):
		// the subscription close drives the drop
		e.logger.Debug().Ctx(ctx).Err(err).Str("op", op).Str("key", key.String()).Msg("fetch abandoned")
	default:
		e.reporter.ReportError(key.Scope, err)
		if e.journal != nil {
			if jerr := e.journal.AppendError(wal.EntryError, key, op, err); jerr != nil {
				e.logger.Warn().Err(jerr).Msg("failed to journal fetch error")
			}
		}
	}
}

func (e *Engine) journalEvent(ev types.Event, actions []Action) {
	if e.journal == nil {
		return
	}
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.String()
	}
	if err := e.journal.RecordEvent(ev, names); err != nil {
		e.logger.Warn().Err(err).Msg("failed to journal event")
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return telemetry.ResultOK
	case errors.Is(err, storage.ErrStaleEpoch):
		return telemetry.ResultStale
	case errors.Is(err, providers.ErrNotFound):
		return telemetry.ResultNotFound
	default:
		return telemetry.ResultError
	}
}
