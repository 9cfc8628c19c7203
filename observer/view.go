package observer

import (
	"github.com/yairfalse/podsync/storage"
	"github.com/yairfalse/podsync/types"
)

// View is what observers receive: the inventory snapshot together with the
// connection state of every scope.
type View struct {
	storage.Snapshot
	States map[types.Scope]types.ScopeState
}

// Observer consumes published views. Views are shared between observers and
// must be treated as read-only.
type Observer interface {
	OnSnapshot(v View)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(v View)

// OnSnapshot implements Observer
func (f ObserverFunc) OnSnapshot(v View) { f(v) }

// State returns the state of scope
func (v View) State(scope types.Scope) types.ScopeState {
	return v.States[scope]
}

// Settled reports whether every scope either finished its initial load or
// is known to be unavailable. Until then the view is provisional and an
// empty scope must not be read as "no containers".
func (v View) Settled() bool {
	for _, scope := range types.Scopes() {
		if v.Loaded[scope] {
			continue
		}
		if v.States[scope] != types.ScopeUnavailable {
			return false
		}
	}
	return true
}
