// Package filter selects containers and images out of an inventory snapshot.
package filter

import (
	"strings"

	"github.com/yairfalse/podsync/storage"
	"github.com/yairfalse/podsync/types"
)

// Filter controls which entities of a snapshot are shown.
type Filter struct {
	runningOnly bool
	text        string
	scopes      map[types.Scope]bool
	includeTags map[string]string
	excludeTags map[string]string
}

// Options configures a Filter. The zero value matches everything.
type Options struct {
	// RunningOnly hides containers that are not running.
	RunningOnly bool
	// Text is matched case-insensitively against names, images and ids.
	Text string
	// Scopes restricts output to these scopes; empty means all.
	Scopes []types.Scope
	// IncludeLabels must ALL match for a container to be shown.
	IncludeLabels map[string]string
	// ExcludeLabels hides a container when ANY matches.
	ExcludeLabels map[string]string
}

// New creates a new Filter from opts.
func New(opts Options) *Filter {
	var scopes map[types.Scope]bool
	if len(opts.Scopes) > 0 {
		scopes = make(map[types.Scope]bool, len(opts.Scopes))
		for _, s := range opts.Scopes {
			scopes[s] = true
		}
	}

	return &Filter{
		runningOnly: opts.RunningOnly,
		text:        strings.ToLower(strings.TrimSpace(opts.Text)),
		scopes:      scopes,
		includeTags: opts.IncludeLabels,
		excludeTags: opts.ExcludeLabels,
	}
}

// ShouldIncludeScope returns true if entities of scope pass the filter.
func (f *Filter) ShouldIncludeScope(scope types.Scope) bool {
	return f.scopes == nil || f.scopes[scope]
}

// ShouldIncludeContainer returns true if c passes every configured filter.
func (f *Filter) ShouldIncludeContainer(c types.Container) bool {
	if !f.ShouldIncludeScope(c.Key.Scope) {
		return false
	}
	if f.runningOnly && !c.IsRunning() {
		return false
	}

	// Check include labels (whitelist) - ALL must match
	for k, v := range f.includeTags {
		if c.Labels == nil || c.Labels[k] != v {
			return false
		}
	}

	// Check exclude labels (blacklist) - ANY match excludes
	for k, v := range f.excludeTags {
		if c.Labels != nil && c.Labels[k] == v {
			return false
		}
	}

	if f.text == "" {
		return true
	}
	candidates := append([]string{c.Key.ID, c.Image, c.Pod}, c.Names...)
	return f.matchText(candidates)
}

// ShouldIncludeImage returns true if img passes the scope and text filters.
// Running and label filters only apply to containers.
func (f *Filter) ShouldIncludeImage(img types.Image) bool {
	if !f.ShouldIncludeScope(img.Key.Scope) {
		return false
	}
	if f.text == "" {
		return true
	}
	return f.matchText(append([]string{img.Key.ID}, img.RepoTags...))
}

func (f *Filter) matchText(candidates []string) bool {
	for _, s := range candidates {
		if s != "" && strings.Contains(strings.ToLower(s), f.text) {
			return true
		}
	}
	return false
}

// Containers returns the snapshot's containers that pass the filter, in key
// order.
func (f *Filter) Containers(snap storage.Snapshot) []types.Container {
	all := snap.ContainerList()
	if f.IsEmpty() {
		return all
	}

	filtered := make([]types.Container, 0, len(all))
	for _, c := range all {
		if f.ShouldIncludeContainer(c) {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// Images returns the snapshot's images that pass the filter, in key order.
func (f *Filter) Images(snap storage.Snapshot) []types.Image {
	all := snap.ImageList()
	if f.IsEmpty() {
		return all
	}

	filtered := make([]types.Image, 0, len(all))
	for _, img := range all {
		if f.ShouldIncludeImage(img) {
			filtered = append(filtered, img)
		}
	}
	return filtered
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return !f.runningOnly && f.text == "" && f.scopes == nil &&
		len(f.includeTags) == 0 && len(f.excludeTags) == 0
}
