package storage

import (
	"sort"
	"time"

	"github.com/yairfalse/podsync/types"
)

// Snapshot is a consistent, deep-copied view of the inventory.
type Snapshot struct {
	Revision   int64
	Containers map[types.Key]types.Container
	Images     map[types.Key]types.Image
	Stats      map[types.Key]types.ContainerStats
	Loaded     map[types.Scope]bool
}

// Complete reports whether every scope finished its initial load
func (s Snapshot) Complete() bool {
	for _, scope := range types.Scopes() {
		if !s.Loaded[scope] {
			return false
		}
	}
	return true
}

// ContainerList returns containers sorted by key
func (s Snapshot) ContainerList() []types.Container {
	out := make([]types.Container, 0, len(s.Containers))
	for _, c := range s.Containers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// ImageList returns images sorted by key
func (s Snapshot) ImageList() []types.Image {
	out := make([]types.Image, 0, len(s.Images))
	for _, img := range s.Images {
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// ContainersByImage groups container keys by the image they were created
// from. Containers of one scope only ever reference images of that scope.
func (s Snapshot) ContainersByImage() map[types.Key][]types.Key {
	out := make(map[types.Key][]types.Key)
	for _, c := range s.Containers {
		if c.ImageKey.IsZero() {
			continue
		}
		out[c.ImageKey] = append(out[c.ImageKey], c.Key)
	}
	for img := range out {
		keys := out[img]
		sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	}
	return out
}

// Count returns containers and images held for scope
func (s Snapshot) Count(scope types.Scope) (containers, images int) {
	for k := range s.Containers {
		if k.Scope == scope {
			containers++
		}
	}
	for k := range s.Images {
		if k.Scope == scope {
			images++
		}
	}
	return containers, images
}

// Op is the kind of mutation an Observation records
type Op string

const (
	OpObserved Op = "observed"
	OpRemoved  Op = "removed"
	OpDropped  Op = "dropped"
)

// kindStats tags stats observations; stats are not an event kind.
const kindStats types.Kind = "stats"

// Observation is a single visible mutation of the inventory
type Observation struct {
	Revision int64       `json:"revision"`
	Op       Op          `json:"op"`
	Kind     types.Kind  `json:"kind,omitempty"`
	Key      types.Key   `json:"key"`
	Value    interface{} `json:"value,omitempty"`
	Time     time.Time   `json:"time"`
}

func observed(kind types.Kind, key types.Key, value interface{}) Observation {
	return Observation{Op: OpObserved, Kind: kind, Key: key, Value: value, Time: time.Now()}
}

func removed(kind types.Kind, key types.Key) Observation {
	return Observation{Op: OpRemoved, Kind: kind, Key: key, Time: time.Now()}
}

func dropped(scope types.Scope) Observation {
	return Observation{Op: OpDropped, Key: types.Key{Scope: scope}, Time: time.Now()}
}

func stampRevision(obs []Observation, rev int64) {
	for i := range obs {
		obs[i].Revision = rev
	}
}
