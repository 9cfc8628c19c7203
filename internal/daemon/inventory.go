package daemon

import (
	"github.com/yairfalse/podsync/internal/filter"
	"github.com/yairfalse/podsync/observer"
	"github.com/yairfalse/podsync/types"
)

// Inventory is the JSON document served on /inventory and printed by
// `podsync inventory --json`.
type Inventory struct {
	Revision   int64                  `json:"revision"`
	Complete   bool                   `json:"complete"`
	Scopes     map[string]ScopeStatus `json:"scopes"`
	Containers []ContainerEntry       `json:"containers"`
	Images     []ImageEntry           `json:"images"`
}

// ScopeStatus summarizes one scope.
type ScopeStatus struct {
	State      string `json:"state"`
	Loaded     bool   `json:"loaded"`
	Containers int    `json:"containers"`
	Images     int    `json:"images"`
}

// ContainerEntry is a container with its last stats sample.
type ContainerEntry struct {
	types.Container
	Stats *types.ContainerStats `json:"stats,omitempty"`
}

// ImageEntry is an image with the containers created from it.
type ImageEntry struct {
	types.Image
	UsedBy []types.Key `json:"used_by,omitempty"`
}

// BuildInventory renders v through f. Scope totals ignore the filter.
func BuildInventory(v observer.View, f *filter.Filter) Inventory {
	inv := Inventory{
		Revision:   v.Revision,
		Complete:   v.Complete(),
		Scopes:     make(map[string]ScopeStatus),
		Containers: []ContainerEntry{},
		Images:     []ImageEntry{},
	}

	for _, scope := range types.Scopes() {
		containers, images := v.Count(scope)
		inv.Scopes[scope.String()] = ScopeStatus{
			State:      v.State(scope).String(),
			Loaded:     v.Loaded[scope],
			Containers: containers,
			Images:     images,
		}
	}

	for _, c := range f.Containers(v.Snapshot) {
		entry := ContainerEntry{Container: c}
		if st, ok := v.Stats[c.Key]; ok {
			entry.Stats = &st
		}
		inv.Containers = append(inv.Containers, entry)
	}

	usedBy := v.ContainersByImage()
	for _, img := range f.Images(v.Snapshot) {
		inv.Images = append(inv.Images, ImageEntry{Image: img, UsedBy: usedBy[img.Key]})
	}

	return inv
}
