package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/podsync/observer"
	"github.com/yairfalse/podsync/providers"
	"github.com/yairfalse/podsync/providers/fake"
	"github.com/yairfalse/podsync/storage"
	"github.com/yairfalse/podsync/types"
	"github.com/yairfalse/podsync/wal"
)

const waitTimeout = 2 * time.Second

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) ReportUnhandled(types.Event) {}

func (r *recordingReporter) ReportError(_ types.Scope, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

type fixture struct {
	client   *fake.Client
	store    *storage.Inventory
	sync     *Synchronizer
	reporter *recordingReporter
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		client:   fake.New(),
		store:    storage.NewInventory(),
		reporter: &recordingReporter{},
	}
	opts.Reporter = f.reporter
	f.sync = New(f.client, f.store, opts)
	t.Cleanup(f.sync.Stop)
	return f
}

func (f *fixture) waitState(t *testing.T, scope types.Scope, want types.ScopeState) {
	t.Helper()
	require.Eventually(t, func() bool { return f.sync.State(scope) == want },
		waitTimeout, 5*time.Millisecond, "scope %s never reached %s (now %s)", scope, want, f.sync.State(scope))
}

func (f *fixture) waitSubscribed(t *testing.T, scope types.Scope) {
	t.Helper()
	require.Eventually(t, func() bool { return f.client.Subscribers(scope) == 1 }, waitTimeout, 5*time.Millisecond)
}

func container(scope types.Scope, id, state string) types.Container {
	return types.Container{Key: types.NewKey(scope, id), Names: []string{id + "-" + scope.String()}, State: state}
}

func TestSynchronizer_SameIDInBothScopes(t *testing.T) {
	f := newFixture(t, Options{})
	f.client.PutContainer(container(types.ScopeSystem, "abc123", "running"))
	f.client.PutContainer(container(types.ScopeUser, "abc123", "exited"))

	require.NoError(t, f.sync.Start(context.Background()))
	f.waitSubscribed(t, types.ScopeSystem)
	f.waitSubscribed(t, types.ScopeUser)

	snap := f.sync.Snapshot()
	require.True(t, snap.Complete())
	require.Len(t, snap.Containers, 2)

	sys := snap.Containers[types.NewKey(types.ScopeSystem, "abc123")]
	usr := snap.Containers[types.NewKey(types.ScopeUser, "abc123")]
	assert.Equal(t, "running", sys.State)
	assert.Equal(t, "exited", usr.State)
	assert.Equal(t, []string{"abc123-system"}, sys.Names)
	assert.Equal(t, []string{"abc123-user"}, usr.Names)
}

func TestSynchronizer_GracefulCloseDropsOnlyThatScope(t *testing.T) {
	f := newFixture(t, Options{})
	f.client.PutContainer(container(types.ScopeSystem, "s1", "exited"))
	f.client.PutContainer(container(types.ScopeUser, "u1", "exited"))
	f.client.PutImage(types.Image{Key: types.NewKey(types.ScopeUser, "img")})

	require.NoError(t, f.sync.Start(context.Background()))
	f.waitSubscribed(t, types.ScopeSystem)
	f.waitSubscribed(t, types.ScopeUser)
	before := f.sync.Snapshot()

	f.client.CloseStream(types.ScopeSystem, providers.ErrConnectionClosed)
	f.waitState(t, types.ScopeSystem, types.ScopeUnavailable)

	snap := f.sync.Snapshot()
	assert.False(t, snap.Loaded[types.ScopeSystem])
	assert.True(t, snap.Loaded[types.ScopeUser])
	assert.NotContains(t, snap.Containers, types.NewKey(types.ScopeSystem, "s1"))
	assert.Equal(t, before.Containers[types.NewKey(types.ScopeUser, "u1")], snap.Containers[types.NewKey(types.ScopeUser, "u1")])
	assert.Contains(t, snap.Images, types.NewKey(types.ScopeUser, "img"))
	assert.Equal(t, types.ScopeAvailable, f.sync.State(types.ScopeUser))
	assert.Zero(t, f.reporter.count(), "a graceful close is not an error")
}

func TestSynchronizer_UnexpectedCloseIsReported(t *testing.T) {
	f := newFixture(t, Options{})
	f.client.PutContainer(container(types.ScopeUser, "u1", "exited"))

	require.NoError(t, f.sync.Start(context.Background()))
	f.waitSubscribed(t, types.ScopeUser)

	f.client.CloseStream(types.ScopeUser, errors.New("malformed frame"))
	f.waitState(t, types.ScopeUser, types.ScopeUnavailable)

	assert.Equal(t, 1, f.reporter.count())
	assert.False(t, f.store.Loaded(types.ScopeUser))
	assert.Empty(t, f.sync.Snapshot().Containers)
}

func TestSynchronizer_UnreachableScope(t *testing.T) {
	f := newFixture(t, Options{})
	f.client.SetReachable(types.ScopeSystem, false)
	f.client.PutContainer(container(types.ScopeUser, "u1", "exited"))

	require.NoError(t, f.sync.Start(context.Background()))
	f.waitState(t, types.ScopeSystem, types.ScopeUnavailable)
	f.waitSubscribed(t, types.ScopeUser)

	assert.Zero(t, f.reporter.count())
	view := f.sync.View()
	assert.True(t, view.Settled())
	assert.False(t, view.Complete())
}

func TestSynchronizer_ReprobeAfterDrop(t *testing.T) {
	f := newFixture(t, Options{})
	f.client.SetReachable(types.ScopeSystem, false)

	require.NoError(t, f.sync.Start(context.Background()))
	f.waitState(t, types.ScopeSystem, types.ScopeUnavailable)

	f.client.SetReachable(types.ScopeSystem, true)
	f.client.PutContainer(container(types.ScopeSystem, "late", "exited"))
	require.NoError(t, f.sync.Probe(context.Background(), types.ScopeSystem))

	assert.Equal(t, types.ScopeAvailable, f.sync.State(types.ScopeSystem))
	assert.True(t, f.store.Loaded(types.ScopeSystem))
	assert.Contains(t, f.sync.Snapshot().Containers, types.NewKey(types.ScopeSystem, "late"))
}

func TestSynchronizer_SecondProbeIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.sync.Start(context.Background()))
	f.waitSubscribed(t, types.ScopeUser)

	pings := f.client.Calls(fake.OpPing)
	require.NoError(t, f.sync.Probe(context.Background(), types.ScopeUser))
	assert.Equal(t, pings, f.client.Calls(fake.OpPing))
	assert.Equal(t, 1, f.client.Subscribers(types.ScopeUser))
}

func TestSynchronizer_ProbeErrors(t *testing.T) {
	f := newFixture(t, Options{Scopes: []types.Scope{types.ScopeUser}})

	assert.ErrorIs(t, f.sync.Probe(context.Background(), types.ScopeUser), ErrNotStarted)
	assert.ErrorIs(t, f.sync.Probe(context.Background(), types.ScopeSystem), ErrScopeDisabled)

	require.NoError(t, f.sync.Start(context.Background()))
	assert.Error(t, f.sync.Start(context.Background()))
	f.waitState(t, types.ScopeUser, types.ScopeAvailable)
	assert.Equal(t, types.ScopeUnavailable, f.sync.State(types.ScopeSystem))
	assert.Equal(t, 1, f.client.Calls(fake.OpPing), "only the enabled scope is probed")
}

func TestSynchronizer_FullLoadFailureLeavesScopeUnavailable(t *testing.T) {
	f := newFixture(t, Options{})
	f.client.PutImage(types.Image{Key: types.NewKey(types.ScopeSystem, "i1")})
	f.client.SetError(fake.OpListContainers, types.ScopeSystem, errors.New("500 internal"))

	require.NoError(t, f.sync.Start(context.Background()))
	f.waitState(t, types.ScopeSystem, types.ScopeUnavailable)

	assert.False(t, f.store.Loaded(types.ScopeSystem))
	assert.Empty(t, f.sync.Snapshot().Images)
	assert.Zero(t, f.client.Subscribers(types.ScopeSystem))
	assert.GreaterOrEqual(t, f.reporter.count(), 1)
}

func TestSynchronizer_EventsReachTheInventory(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.sync.Start(context.Background()))
	f.waitSubscribed(t, types.ScopeUser)

	f.client.PutContainer(container(types.ScopeUser, "new", "created"))
	f.client.Emit(types.Event{Kind: types.KindContainer, Status: types.StatusCreate, ID: "new", Scope: types.ScopeUser, Time: time.Now()})

	require.Eventually(t, func() bool {
		_, ok := f.sync.Snapshot().Containers[types.NewKey(types.ScopeUser, "new")]
		return ok
	}, waitTimeout, 5*time.Millisecond)
}

func TestSynchronizer_SubscribersSeeSettledView(t *testing.T) {
	f := newFixture(t, Options{})
	f.client.PutContainer(container(types.ScopeSystem, "s1", "exited"))

	settled := make(chan observer.View, 1)
	f.sync.Subscribe(observer.ObserverFunc(func(v observer.View) {
		if v.Settled() {
			select {
			case settled <- v:
			default:
			}
		}
	}))
	require.NoError(t, f.sync.Start(context.Background()))

	select {
	case v := <-settled:
		assert.True(t, v.Complete())
		assert.Contains(t, v.Containers, types.NewKey(types.ScopeSystem, "s1"))
	case <-time.After(waitTimeout):
		t.Fatal("no settled view published")
	}
}

func TestSynchronizer_JournalsStatesAndDrops(t *testing.T) {
	dir := t.TempDir()
	journal, err := wal.Open(dir)
	require.NoError(t, err)

	f := newFixture(t, Options{Journal: journal, Scopes: []types.Scope{types.ScopeSystem}})
	require.NoError(t, f.sync.Start(context.Background()))
	f.waitSubscribed(t, types.ScopeSystem)

	f.client.CloseStream(types.ScopeSystem, providers.ErrConnectionClosed)
	f.waitState(t, types.ScopeSystem, types.ScopeUnavailable)
	f.sync.Stop()
	require.NoError(t, journal.Close())

	counts := map[wal.EntryType]int{}
	require.NoError(t, wal.Replay(dir, time.Time{}, func(e *wal.Entry) error {
		counts[e.Type]++
		return nil
	}))
	assert.Equal(t, 1, counts[wal.EntryDrop])
	// user: unavailable; system: probing, available, unavailable
	assert.Equal(t, 4, counts[wal.EntryState])
}

func TestSynchronizer_ProbeRacingStopStartsNothing(t *testing.T) {
	f := newFixture(t, Options{Scopes: []types.Scope{types.ScopeUser}})
	require.NoError(t, f.sync.Start(context.Background()))
	f.waitSubscribed(t, types.ScopeUser)

	f.client.CloseStream(types.ScopeUser, providers.ErrConnectionClosed)
	f.waitState(t, types.ScopeUser, types.ScopeUnavailable)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.client.SetHook(func(op fake.Op, _ types.Scope, _ string) {
		if op == fake.OpPing {
			once.Do(func() { close(entered) })
			<-release
		}
	})

	errCh := make(chan error, 1)
	go func() { errCh <- f.sync.Probe(context.Background(), types.ScopeUser) }()
	<-entered

	f.sync.Stop()
	close(release)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(waitTimeout):
		t.Fatal("probe did not return after stop")
	}
	assert.Equal(t, 0, f.client.Subscribers(types.ScopeUser))

	assert.ErrorIs(t, f.sync.Probe(context.Background(), types.ScopeUser), ErrStopped)
	assert.ErrorIs(t, f.sync.Start(context.Background()), ErrStopped)
}

func TestSynchronizer_ViewPairsStateWithInventory(t *testing.T) {
	f := newFixture(t, Options{})
	for i := 0; i < 50; i++ {
		f.client.PutContainer(container(types.ScopeSystem, fmt.Sprintf("s%02d", i), "exited"))
	}

	require.NoError(t, f.sync.Start(context.Background()))
	f.waitSubscribed(t, types.ScopeSystem)
	f.waitSubscribed(t, types.ScopeUser)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.client.CloseStream(types.ScopeSystem, providers.ErrConnectionClosed)
	}()

	deadline := time.After(waitTimeout)
	for {
		v := f.sync.View()
		containers, _ := v.Count(types.ScopeSystem)
		switch v.State(types.ScopeSystem) {
		case types.ScopeUnavailable:
			require.Zero(t, containers, "unavailable scope still holds entities")
			require.False(t, v.Loaded[types.ScopeSystem])
		case types.ScopeAvailable:
			require.Equal(t, 50, containers, "available scope lost entities")
		}
		if v.State(types.ScopeSystem) == types.ScopeUnavailable {
			break
		}
		select {
		case <-deadline:
			t.Fatal("system scope never dropped")
		default:
		}
	}
	<-done
}
