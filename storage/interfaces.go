package storage

import "github.com/yairfalse/podsync/types"

// Epoch is a per-scope generation token. It changes every time the scope is
// dropped; writes carrying an older epoch are rejected.
type Epoch uint64

// InventoryWriter applies fetch results to the inventory
type InventoryWriter interface {
	MergeContainer(epoch Epoch, c types.Container) error
	MergeImage(epoch Epoch, img types.Image) error
	MergeContainers(epoch Epoch, scope types.Scope, containers []types.Container) error
	MergeImages(epoch Epoch, scope types.Scope, images []types.Image) error
	RemoveEntity(epoch Epoch, kind types.Kind, key types.Key) error
	MergeStats(epoch Epoch, st types.ContainerStats) error
	RemoveStats(epoch Epoch, key types.Key) error
}

// InventoryReader queries the inventory
type InventoryReader interface {
	Epoch(scope types.Scope) Epoch
	Loaded(scope types.Scope) bool
	Snapshot() Snapshot
	Revision() int64
}

// ScopeDropper discards a scope
type ScopeDropper interface {
	DropScope(scope types.Scope) Epoch
}

// Store is the complete inventory interface
type Store interface {
	InventoryWriter
	InventoryReader
	ScopeDropper
	Changes() <-chan struct{}
}

// Recorder receives a copy of every visible mutation, in revision order
// per caller.
type Recorder interface {
	Record(obs []Observation)
}

// Recorders fans observations out to several recorders in order
type Recorders []Recorder

// Record implements Recorder
func (rs Recorders) Record(obs []Observation) {
	for _, r := range rs {
		r.Record(obs)
	}
}
