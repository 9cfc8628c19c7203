package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/podsync/types"
)

func container(scope types.Scope, id, state string) types.Container {
	return types.Container{
		Key:   types.NewKey(scope, id),
		Names: []string{"ct-" + id},
		State: state,
	}
}

func image(scope types.Scope, id string) types.Image {
	return types.Image{Key: types.NewKey(scope, id), RepoTags: []string{"img:" + id}}
}

type captureRecorder struct {
	mu  sync.Mutex
	obs []Observation
}

func (r *captureRecorder) Record(obs []Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, obs...)
}

func (r *captureRecorder) ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Op, len(r.obs))
	for i, o := range r.obs {
		out[i] = o.Op
	}
	return out
}

func TestInventory_SameIDDifferentScopes(t *testing.T) {
	inv := NewInventory()
	sys := inv.Epoch(types.ScopeSystem)
	usr := inv.Epoch(types.ScopeUser)

	require.NoError(t, inv.MergeContainer(sys, container(types.ScopeSystem, "abc", "running")))
	require.NoError(t, inv.MergeContainer(usr, container(types.ScopeUser, "abc", "exited")))

	snap := inv.Snapshot()
	require.Len(t, snap.Containers, 2)
	assert.Equal(t, "running", snap.Containers[types.NewKey(types.ScopeSystem, "abc")].State)
	assert.Equal(t, "exited", snap.Containers[types.NewKey(types.ScopeUser, "abc")].State)

	require.NoError(t, inv.RemoveEntity(usr, types.KindContainer, types.NewKey(types.ScopeUser, "abc")))
	snap = inv.Snapshot()
	assert.Len(t, snap.Containers, 1)
	assert.Contains(t, snap.Containers, types.NewKey(types.ScopeSystem, "abc"))
}

func TestInventory_MergeIsIdempotent(t *testing.T) {
	inv := NewInventory()
	epoch := inv.Epoch(types.ScopeSystem)
	c := container(types.ScopeSystem, "c1", "running")

	require.NoError(t, inv.MergeContainer(epoch, c))
	first := inv.Snapshot()
	require.NoError(t, inv.MergeContainer(epoch, c))
	second := inv.Snapshot()

	assert.Equal(t, first.Containers, second.Containers)
}

func TestInventory_FullMergeReplacesOnlyItsScope(t *testing.T) {
	inv := NewInventory()
	sys := inv.Epoch(types.ScopeSystem)
	usr := inv.Epoch(types.ScopeUser)

	require.NoError(t, inv.MergeContainers(usr, types.ScopeUser, []types.Container{
		container(types.ScopeUser, "u1", "running"),
	}))
	require.NoError(t, inv.MergeContainers(sys, types.ScopeSystem, []types.Container{
		container(types.ScopeSystem, "s1", "running"),
		container(types.ScopeSystem, "s2", "exited"),
	}))
	require.NoError(t, inv.MergeContainers(sys, types.ScopeSystem, []types.Container{
		container(types.ScopeSystem, "s2", "exited"),
	}))

	snap := inv.Snapshot()
	assert.Len(t, snap.Containers, 2)
	assert.Contains(t, snap.Containers, types.NewKey(types.ScopeUser, "u1"))
	assert.Contains(t, snap.Containers, types.NewKey(types.ScopeSystem, "s2"))
	assert.NotContains(t, snap.Containers, types.NewKey(types.ScopeSystem, "s1"))
}

func TestInventory_FullMergeRejectsForeignScope(t *testing.T) {
	inv := NewInventory()
	err := inv.MergeContainers(inv.Epoch(types.ScopeSystem), types.ScopeSystem, []types.Container{
		container(types.ScopeUser, "u1", "running"),
	})
	assert.Error(t, err)
	assert.Empty(t, inv.Snapshot().Containers)
}

func TestInventory_LoadedNeedsBothKinds(t *testing.T) {
	inv := NewInventory()
	epoch := inv.Epoch(types.ScopeUser)

	assert.False(t, inv.Loaded(types.ScopeUser))
	require.NoError(t, inv.MergeContainers(epoch, types.ScopeUser, nil))
	assert.False(t, inv.Loaded(types.ScopeUser))
	require.NoError(t, inv.MergeImages(epoch, types.ScopeUser, nil))
	assert.True(t, inv.Loaded(types.ScopeUser))
	assert.False(t, inv.Loaded(types.ScopeSystem))

	snap := inv.Snapshot()
	assert.True(t, snap.Loaded[types.ScopeUser])
	assert.False(t, snap.Complete())
}

func TestInventory_DropScope(t *testing.T) {
	inv := NewInventory()
	sys := inv.Epoch(types.ScopeSystem)
	usr := inv.Epoch(types.ScopeUser)

	require.NoError(t, inv.MergeContainers(sys, types.ScopeSystem, []types.Container{container(types.ScopeSystem, "s1", "running")}))
	require.NoError(t, inv.MergeImages(sys, types.ScopeSystem, []types.Image{image(types.ScopeSystem, "i1")}))
	require.NoError(t, inv.MergeStats(sys, types.ContainerStats{Key: types.NewKey(types.ScopeSystem, "s1"), CPUPercent: 3}))
	require.NoError(t, inv.MergeContainers(usr, types.ScopeUser, []types.Container{container(types.ScopeUser, "u1", "running")}))

	next := inv.DropScope(types.ScopeSystem)
	assert.Greater(t, next, sys)
	assert.False(t, inv.Loaded(types.ScopeSystem))

	snap := inv.Snapshot()
	assert.Len(t, snap.Containers, 1)
	assert.Contains(t, snap.Containers, types.NewKey(types.ScopeUser, "u1"))
	assert.Empty(t, snap.Images)
	assert.Empty(t, snap.Stats)
	assert.Equal(t, usr, inv.Epoch(types.ScopeUser))
}

func TestInventory_StaleEpochRejected(t *testing.T) {
	inv := NewInventory()
	old := inv.Epoch(types.ScopeSystem)
	inv.DropScope(types.ScopeSystem)

	err := inv.MergeContainer(old, container(types.ScopeSystem, "late", "running"))
	assert.ErrorIs(t, err, ErrStaleEpoch)
	err = inv.MergeImages(old, types.ScopeSystem, []types.Image{image(types.ScopeSystem, "late")})
	assert.ErrorIs(t, err, ErrStaleEpoch)

	snap := inv.Snapshot()
	assert.Empty(t, snap.Containers)
	assert.Empty(t, snap.Images)
	assert.False(t, snap.Loaded[types.ScopeSystem])
}

func TestInventory_StatsFollowLiveness(t *testing.T) {
	inv := NewInventory()
	epoch := inv.Epoch(types.ScopeUser)
	key := types.NewKey(types.ScopeUser, "c1")

	// no container yet
	require.NoError(t, inv.MergeStats(epoch, types.ContainerStats{Key: key}))
	assert.Empty(t, inv.Snapshot().Stats)

	require.NoError(t, inv.MergeContainer(epoch, container(types.ScopeUser, "c1", "running")))
	require.NoError(t, inv.MergeStats(epoch, types.ContainerStats{Key: key, CPUPercent: 12.5}))
	assert.Equal(t, 12.5, inv.Snapshot().Stats[key].CPUPercent)

	require.NoError(t, inv.MergeContainer(epoch, container(types.ScopeUser, "c1", "exited")))
	assert.Empty(t, inv.Snapshot().Stats)

	require.NoError(t, inv.MergeStats(epoch, types.ContainerStats{Key: key}))
	assert.Empty(t, inv.Snapshot().Stats, "stopped containers get no stats")
}

func TestInventory_RemoveContainerRemovesStats(t *testing.T) {
	inv := NewInventory()
	epoch := inv.Epoch(types.ScopeSystem)
	key := types.NewKey(types.ScopeSystem, "c1")

	require.NoError(t, inv.MergeContainer(epoch, container(types.ScopeSystem, "c1", "running")))
	require.NoError(t, inv.MergeStats(epoch, types.ContainerStats{Key: key}))
	require.NoError(t, inv.RemoveEntity(epoch, types.KindContainer, key))

	snap := inv.Snapshot()
	assert.Empty(t, snap.Containers)
	assert.Empty(t, snap.Stats)

	// removing again is a no-op
	rev := inv.Revision()
	require.NoError(t, inv.RemoveEntity(epoch, types.KindContainer, key))
	assert.Equal(t, rev, inv.Revision())
}

func TestInventory_FullMergePrunesStats(t *testing.T) {
	inv := NewInventory()
	epoch := inv.Epoch(types.ScopeSystem)
	a := types.NewKey(types.ScopeSystem, "a")
	b := types.NewKey(types.ScopeSystem, "b")

	require.NoError(t, inv.MergeContainers(epoch, types.ScopeSystem, []types.Container{
		container(types.ScopeSystem, "a", "running"),
		container(types.ScopeSystem, "b", "running"),
	}))
	require.NoError(t, inv.MergeStats(epoch, types.ContainerStats{Key: a}))
	require.NoError(t, inv.MergeStats(epoch, types.ContainerStats{Key: b}))

	require.NoError(t, inv.MergeContainers(epoch, types.ScopeSystem, []types.Container{
		container(types.ScopeSystem, "b", "exited"),
	}))
	assert.Empty(t, inv.Snapshot().Stats)
}

func TestInventory_SnapshotIsIsolated(t *testing.T) {
	inv := NewInventory()
	epoch := inv.Epoch(types.ScopeSystem)
	require.NoError(t, inv.MergeContainer(epoch, container(types.ScopeSystem, "c1", "running")))

	snap := inv.Snapshot()
	c := snap.Containers[types.NewKey(types.ScopeSystem, "c1")]
	c.Names[0] = "mutated"

	again := inv.Snapshot()
	assert.Equal(t, "ct-c1", again.Containers[types.NewKey(types.ScopeSystem, "c1")].Names[0])
}

func TestInventory_ChangesCoalesce(t *testing.T) {
	inv := NewInventory()
	epoch := inv.Epoch(types.ScopeSystem)

	for i := 0; i < 5; i++ {
		require.NoError(t, inv.MergeContainer(epoch, container(types.ScopeSystem, "c1", "running")))
	}

	select {
	case <-inv.Changes():
	default:
		t.Fatal("expected a change notification")
	}
	select {
	case <-inv.Changes():
		t.Fatal("notifications should coalesce")
	default:
	}
}

func TestInventory_RecorderSeesMutations(t *testing.T) {
	rec := &captureRecorder{}
	inv := NewInventory().WithRecorder(rec)
	epoch := inv.Epoch(types.ScopeUser)

	require.NoError(t, inv.MergeContainer(epoch, container(types.ScopeUser, "c1", "running")))
	require.NoError(t, inv.RemoveEntity(epoch, types.KindContainer, types.NewKey(types.ScopeUser, "c1")))
	inv.DropScope(types.ScopeUser)

	assert.Equal(t, []Op{OpObserved, OpRemoved, OpDropped}, rec.ops())
	assert.Equal(t, int64(3), inv.Revision())
}

func TestInventory_ConcurrentWriters(t *testing.T) {
	inv := NewInventory()

	var wg sync.WaitGroup
	for _, scope := range types.Scopes() {
		epoch := inv.Epoch(scope)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(scope types.Scope, i int) {
				defer wg.Done()
				id := string(rune('a' + i%26))
				_ = inv.MergeContainer(epoch, container(scope, id, "running"))
				_ = inv.MergeStats(epoch, types.ContainerStats{Key: types.NewKey(scope, id)})
				_ = inv.Snapshot()
			}(scope, i)
		}
	}
	wg.Wait()

	c, _ := inv.Snapshot().Count(types.ScopeSystem)
	assert.Equal(t, 26, c)
}
