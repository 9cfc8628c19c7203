package emitter

import (
	"encoding/json"
	"maps"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/yairfalse/podsync/storage"
	"github.com/yairfalse/podsync/types"
)

// DiffType represents the type of change detected.
type DiffType string

const (
	DiffAdded    DiffType = "added"
	DiffRemoved  DiffType = "removed"
	DiffModified DiffType = "modified"
)

// Change is a single field change. The field name is the map key in
// Diff.Changes.
type Change struct {
	Previous string
	Current  string
}

// Diff is one detected change of a container or image.
type Diff struct {
	Type    DiffType
	Kind    types.Kind
	Key     types.Key
	Name    string
	Changes map[string]Change
}

// DiffTracker remembers the previous view and reports what changed.
// Scopes that are not loaded are skipped on both sides, so a scope being
// dropped or rebuilt does not show up as mass removal or mass addition.
type DiffTracker struct {
	mu          sync.Mutex
	containers  map[types.Key]types.Container
	images      map[types.Key]types.Image
	loaded      map[types.Scope]bool
	initialized bool
}

// NewDiffTracker creates a new diff tracker.
func NewDiffTracker() *DiffTracker {
	return &DiffTracker{
		containers: make(map[types.Key]types.Container),
		images:     make(map[types.Key]types.Image),
		loaded:     make(map[types.Scope]bool),
	}
}

// Observe compares snap with the previous snapshot and stores it as the new
// baseline. Returns nil for the first snapshot.
func (d *DiffTracker) Observe(snap storage.Snapshot) []Diff {
	d.mu.Lock()
	defer d.mu.Unlock()

	var diffs []Diff
	if d.initialized {
		diffs = make([]Diff, 0)
		diffs = append(diffs, d.diffContainers(snap)...)
		diffs = append(diffs, d.diffImages(snap)...)
		sort.Slice(diffs, func(i, j int) bool {
			if diffs[i].Kind != diffs[j].Kind {
				return diffs[i].Kind < diffs[j].Kind
			}
			return diffs[i].Key.Less(diffs[j].Key)
		})
	}

	d.containers = maps.Clone(snap.Containers)
	d.images = maps.Clone(snap.Images)
	d.loaded = maps.Clone(snap.Loaded)
	d.initialized = true
	return diffs
}

// comparable reports whether scope was loaded in both snapshots
func (d *DiffTracker) comparable(snap storage.Snapshot, scope types.Scope) bool {
	return d.loaded[scope] && snap.Loaded[scope]
}

func (d *DiffTracker) diffContainers(snap storage.Snapshot) []Diff {
	var diffs []Diff
	for key, prev := range d.containers {
		if !d.comparable(snap, key.Scope) {
			continue
		}
		curr, ok := snap.Containers[key]
		if !ok {
			diffs = append(diffs, Diff{Type: DiffRemoved, Kind: types.KindContainer, Key: key, Name: prev.Name()})
			continue
		}
		if changes := containerChanges(prev, curr); len(changes) > 0 {
			diffs = append(diffs, Diff{Type: DiffModified, Kind: types.KindContainer, Key: key, Name: curr.Name(), Changes: changes})
		}
	}
	for key, curr := range snap.Containers {
		if !d.comparable(snap, key.Scope) {
			continue
		}
		if _, ok := d.containers[key]; !ok {
			diffs = append(diffs, Diff{Type: DiffAdded, Kind: types.KindContainer, Key: key, Name: curr.Name()})
		}
	}
	return diffs
}

func (d *DiffTracker) diffImages(snap storage.Snapshot) []Diff {
	var diffs []Diff
	for key, prev := range d.images {
		if !d.comparable(snap, key.Scope) {
			continue
		}
		curr, ok := snap.Images[key]
		if !ok {
			diffs = append(diffs, Diff{Type: DiffRemoved, Kind: types.KindImage, Key: key, Name: imageName(prev)})
			continue
		}
		if changes := imageChanges(prev, curr); len(changes) > 0 {
			diffs = append(diffs, Diff{Type: DiffModified, Kind: types.KindImage, Key: key, Name: imageName(curr), Changes: changes})
		}
	}
	for key, curr := range snap.Images {
		if !d.comparable(snap, key.Scope) {
			continue
		}
		if _, ok := d.images[key]; !ok {
			diffs = append(diffs, Diff{Type: DiffAdded, Kind: types.KindImage, Key: key, Name: imageName(curr)})
		}
	}
	return diffs
}

// containerChanges compares the fields an operator cares about. Status is
// left out: it embeds a relative uptime and changes constantly.
func containerChanges(prev, curr types.Container) map[string]Change {
	changes := make(map[string]Change)

	if prev.State != curr.State {
		changes["state"] = Change{Previous: prev.State, Current: curr.State}
	}
	if prev.Image != curr.Image {
		changes["image"] = Change{Previous: prev.Image, Current: curr.Image}
	}
	if !slices.Equal(prev.Names, curr.Names) {
		changes["names"] = Change{Previous: toJSON(prev.Names), Current: toJSON(curr.Names)}
	}
	if prev.Pod != curr.Pod {
		changes["pod"] = Change{Previous: prev.Pod, Current: curr.Pod}
	}
	if !maps.Equal(prev.Labels, curr.Labels) {
		changes["labels"] = Change{Previous: mapToJSON(prev.Labels), Current: mapToJSON(curr.Labels)}
	}

	return changes
}

func imageChanges(prev, curr types.Image) map[string]Change {
	changes := make(map[string]Change)

	if !slices.Equal(prev.RepoTags, curr.RepoTags) {
		changes["repo_tags"] = Change{Previous: toJSON(prev.RepoTags), Current: toJSON(curr.RepoTags)}
	}
	if prev.Size != curr.Size {
		changes["size"] = Change{
			Previous: strconv.FormatInt(prev.Size, 10),
			Current:  strconv.FormatInt(curr.Size, 10),
		}
	}

	return changes
}

func imageName(img types.Image) string {
	if len(img.RepoTags) > 0 {
		return img.RepoTags[0]
	}
	return img.Key.ShortID()
}

// mapToJSON converts a map to a deterministic JSON string for comparison.
func mapToJSON(m map[string]string) string {
	if m == nil {
		return "{}"
	}
	return toJSON(m)
}

func toJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}
