package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/yairfalse/podsync/types"
)

// ErrStaleEpoch is returned when a write carries the epoch of a scope that
// has since been dropped.
var ErrStaleEpoch = errors.New("stale scope epoch")

const btreeDegree = 32

// Inventory is the authoritative container/image/stats mapping for both
// scopes. Every entry is keyed by types.Key; one RWMutex orders all
// mutations and snapshots never observe a partial merge.
type Inventory struct {
	mu sync.RWMutex

	containers *btree.BTreeG[types.Container]
	images     *btree.BTreeG[types.Image]
	stats      *btree.BTreeG[types.ContainerStats]

	// loaded tracks which entity kinds completed a full load per scope
	loaded map[types.Scope]map[types.Kind]bool
	epochs map[types.Scope]Epoch

	revision int64
	changes  chan struct{}
	recorder Recorder
}

var _ Store = (*Inventory)(nil)

// NewInventory creates an empty inventory
func NewInventory() *Inventory {
	inv := &Inventory{
		containers: btree.NewG[types.Container](btreeDegree, func(a, b types.Container) bool {
			return a.Key.Less(b.Key)
		}),
		images: btree.NewG[types.Image](btreeDegree, func(a, b types.Image) bool {
			return a.Key.Less(b.Key)
		}),
		stats: btree.NewG[types.ContainerStats](btreeDegree, func(a, b types.ContainerStats) bool {
			return a.Key.Less(b.Key)
		}),
		loaded:  make(map[types.Scope]map[types.Kind]bool),
		epochs:  make(map[types.Scope]Epoch),
		changes: make(chan struct{}, 1),
	}
	for _, s := range types.Scopes() {
		inv.loaded[s] = make(map[types.Kind]bool)
		inv.epochs[s] = 1
	}
	return inv
}

// WithRecorder forwards every mutation to r
func (inv *Inventory) WithRecorder(r Recorder) *Inventory {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.recorder = r
	return inv
}

// Changes signals after visible mutations. Signals coalesce: one pending
// notification covers any number of mutations.
func (inv *Inventory) Changes() <-chan struct{} {
	return inv.changes
}

// Epoch returns the current epoch of scope
func (inv *Inventory) Epoch(scope types.Scope) Epoch {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.epochs[scope]
}

// Loaded reports whether both containers and images of scope completed a
// full load since the scope was last dropped.
func (inv *Inventory) Loaded(scope types.Scope) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.loadedLocked(scope)
}

func (inv *Inventory) loadedLocked(scope types.Scope) bool {
	for _, k := range types.EntityKinds() {
		if !inv.loaded[scope][k] {
			return false
		}
	}
	return true
}

// Revision returns the number of visible mutations so far
func (inv *Inventory) Revision() int64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.revision
}

// MergeContainer inserts or replaces one container. A container that is not
// running loses its stats entry in the same mutation.
func (inv *Inventory) MergeContainer(epoch Epoch, c types.Container) error {
	if c.Key.IsZero() {
		return fmt.Errorf("merge container: empty id")
	}

	var obs []Observation
	err := inv.mutate(epoch, c.Key.Scope, func() {
		inv.containers.ReplaceOrInsert(c.Clone())
		obs = append(obs, observed(types.KindContainer, c.Key, c))
		if !c.IsRunning() {
			if _, ok := inv.stats.Delete(types.ContainerStats{Key: c.Key}); ok {
				obs = append(obs, removed(kindStats, c.Key))
			}
		}
	}, &obs)
	return err
}

// MergeImage inserts or replaces one image
func (inv *Inventory) MergeImage(epoch Epoch, img types.Image) error {
	if img.Key.IsZero() {
		return fmt.Errorf("merge image: empty id")
	}

	var obs []Observation
	return inv.mutate(epoch, img.Key.Scope, func() {
		inv.images.ReplaceOrInsert(img.Clone())
		obs = append(obs, observed(types.KindImage, img.Key, img))
	}, &obs)
}

// MergeContainers replaces every container of scope with the given set and
// marks containers of scope as loaded. Other scopes are untouched. Stats of
// containers that vanished or stopped are removed in the same mutation.
func (inv *Inventory) MergeContainers(epoch Epoch, scope types.Scope, containers []types.Container) error {
	next := make(map[types.Key]bool, len(containers))
	for _, c := range containers {
		if c.Key.Scope != scope {
			return fmt.Errorf("merge containers: %s does not belong to scope %s", c.Key, scope)
		}
		if c.Key.IsZero() {
			return fmt.Errorf("merge containers: empty id in scope %s", scope)
		}
		next[c.Key] = c.IsRunning()
	}

	var obs []Observation
	return inv.mutate(epoch, scope, func() {
		for _, stale := range scopeKeys(inv.containers, scope, func(c types.Container) types.Key { return c.Key }) {
			if _, keep := next[stale]; !keep {
				inv.containers.Delete(types.Container{Key: stale})
				obs = append(obs, removed(types.KindContainer, stale))
			}
		}
		for _, c := range containers {
			inv.containers.ReplaceOrInsert(c.Clone())
			obs = append(obs, observed(types.KindContainer, c.Key, c))
		}
		for _, key := range scopeKeys(inv.stats, scope, func(s types.ContainerStats) types.Key { return s.Key }) {
			if running := next[key]; !running {
				inv.stats.Delete(types.ContainerStats{Key: key})
				obs = append(obs, removed(kindStats, key))
			}
		}
		inv.loaded[scope][types.KindContainer] = true
	}, &obs)
}

// MergeImages replaces every image of scope with the given set and marks
// images of scope as loaded. Other scopes are untouched.
func (inv *Inventory) MergeImages(epoch Epoch, scope types.Scope, images []types.Image) error {
	next := make(map[types.Key]bool, len(images))
	for _, img := range images {
		if img.Key.Scope != scope {
			return fmt.Errorf("merge images: %s does not belong to scope %s", img.Key, scope)
		}
		if img.Key.IsZero() {
			return fmt.Errorf("merge images: empty id in scope %s", scope)
		}
		next[img.Key] = true
	}

	var obs []Observation
	return inv.mutate(epoch, scope, func() {
		for _, stale := range scopeKeys(inv.images, scope, func(i types.Image) types.Key { return i.Key }) {
			if !next[stale] {
				inv.images.Delete(types.Image{Key: stale})
				obs = append(obs, removed(types.KindImage, stale))
			}
		}
		for _, img := range images {
			inv.images.ReplaceOrInsert(img.Clone())
			obs = append(obs, observed(types.KindImage, img.Key, img))
		}
		inv.loaded[scope][types.KindImage] = true
	}, &obs)
}

// RemoveEntity deletes one composite key. Removing a container also removes
// its stats. Removing an absent key is a no-op.
func (inv *Inventory) RemoveEntity(epoch Epoch, kind types.Kind, key types.Key) error {
	var obs []Observation
	return inv.mutate(epoch, key.Scope, func() {
		switch kind {
		case types.KindContainer:
			if _, ok := inv.containers.Delete(types.Container{Key: key}); ok {
				obs = append(obs, removed(types.KindContainer, key))
			}
			if _, ok := inv.stats.Delete(types.ContainerStats{Key: key}); ok {
				obs = append(obs, removed(kindStats, key))
			}
		case types.KindImage:
			if _, ok := inv.images.Delete(types.Image{Key: key}); ok {
				obs = append(obs, removed(types.KindImage, key))
			}
		}
	}, &obs)
}

// MergeStats stores a stats sample. Samples for containers that are absent
// or not running are dropped so stats never outlive liveness.
func (inv *Inventory) MergeStats(epoch Epoch, st types.ContainerStats) error {
	var obs []Observation
	return inv.mutate(epoch, st.Key.Scope, func() {
		c, ok := inv.containers.Get(types.Container{Key: st.Key})
		if !ok || !c.IsRunning() {
			return
		}
		inv.stats.ReplaceOrInsert(st)
		obs = append(obs, observed(kindStats, st.Key, st))
	}, &obs)
}

// RemoveStats deletes the stats entry of key
func (inv *Inventory) RemoveStats(epoch Epoch, key types.Key) error {
	var obs []Observation
	return inv.mutate(epoch, key.Scope, func() {
		if _, ok := inv.stats.Delete(types.ContainerStats{Key: key}); ok {
			obs = append(obs, removed(kindStats, key))
		}
	}, &obs)
}

// DropScope removes every container, image and stats entry of scope, resets
// its loaded flags and advances its epoch. Returns the new epoch.
func (inv *Inventory) DropScope(scope types.Scope) Epoch {
	inv.mu.Lock()

	var obs []Observation
	for _, k := range scopeKeys(inv.containers, scope, func(c types.Container) types.Key { return c.Key }) {
		inv.containers.Delete(types.Container{Key: k})
	}
	for _, k := range scopeKeys(inv.images, scope, func(i types.Image) types.Key { return i.Key }) {
		inv.images.Delete(types.Image{Key: k})
	}
	for _, k := range scopeKeys(inv.stats, scope, func(s types.ContainerStats) types.Key { return s.Key }) {
		inv.stats.Delete(types.ContainerStats{Key: k})
	}
	inv.loaded[scope] = make(map[types.Kind]bool)
	inv.epochs[scope]++
	epoch := inv.epochs[scope]

	inv.revision++
	obs = append(obs, dropped(scope))
	stampRevision(obs, inv.revision)
	recorder := inv.recorder
	inv.mu.Unlock()

	inv.notify()
	if recorder != nil {
		recorder.Record(obs)
	}
	return epoch
}

// Snapshot returns a deep copy of the current state
func (inv *Inventory) Snapshot() Snapshot {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	snap := Snapshot{
		Revision:   inv.revision,
		Containers: make(map[types.Key]types.Container, inv.containers.Len()),
		Images:     make(map[types.Key]types.Image, inv.images.Len()),
		Stats:      make(map[types.Key]types.ContainerStats, inv.stats.Len()),
		Loaded:     make(map[types.Scope]bool, len(inv.loaded)),
	}
	inv.containers.Ascend(func(c types.Container) bool {
		snap.Containers[c.Key] = c.Clone()
		return true
	})
	inv.images.Ascend(func(i types.Image) bool {
		snap.Images[i.Key] = i.Clone()
		return true
	})
	inv.stats.Ascend(func(s types.ContainerStats) bool {
		snap.Stats[s.Key] = s
		return true
	})
	for _, s := range types.Scopes() {
		snap.Loaded[s] = inv.loadedLocked(s)
	}
	return snap
}

// mutate runs fn under the write lock if epoch is current for scope, bumps
// the revision when fn produced observations and notifies afterwards.
func (inv *Inventory) mutate(epoch Epoch, scope types.Scope, fn func(), obs *[]Observation) error {
	inv.mu.Lock()
	current, ok := inv.epochs[scope]
	if !ok {
		inv.mu.Unlock()
		return fmt.Errorf("unknown scope %s", scope)
	}
	if epoch != current {
		inv.mu.Unlock()
		return fmt.Errorf("%s epoch %d (current %d): %w", scope, epoch, current, ErrStaleEpoch)
	}

	wasLoaded := inv.loadedLocked(scope)
	fn()
	changed := len(*obs) > 0 || wasLoaded != inv.loadedLocked(scope)
	if changed {
		inv.revision++
		stampRevision(*obs, inv.revision)
	}
	recorder := inv.recorder
	inv.mu.Unlock()

	if changed {
		inv.notify()
	}
	if recorder != nil && len(*obs) > 0 {
		recorder.Record(*obs)
	}
	return nil
}

func (inv *Inventory) notify() {
	select {
	case inv.changes <- struct{}{}:
	default:
	}
}

// scopeKeys collects the keys of scope in tree order
func scopeKeys[T any](tree *btree.BTreeG[T], scope types.Scope, key func(T) types.Key) []types.Key {
	var keys []types.Key
	tree.Ascend(func(item T) bool {
		k := key(item)
		if k.Scope == scope {
			keys = append(keys, k)
		}
		return k.Scope <= scope
	})
	return keys
}
