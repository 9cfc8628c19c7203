package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/yairfalse/podsync/types"
)

var (
	// ErrNotFound means the entity vanished before it could be fetched.
	ErrNotFound = errors.New("entity not found")

	// ErrConnectionClosed means the daemon is unreachable or closed the connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrStatsUnavailable means the daemon cannot produce stats for the container.
	ErrStatsUnavailable = errors.New("stats unavailable")
)

// ScopeClient talks to the daemon of one or both scopes. Every call carries
// the scope tag; resolving it to a transport address is the client's job.
type ScopeClient interface {
	// Ping checks the daemon for scope is reachable.
	Ping(ctx context.Context, scope types.Scope) error

	ListContainers(ctx context.Context, scope types.Scope) ([]types.Container, error)
	GetContainer(ctx context.Context, scope types.Scope, id string) (types.Container, error)
	ListImages(ctx context.Context, scope types.Scope) ([]types.Image, error)
	GetImage(ctx context.Context, scope types.Scope, id string) (types.Image, error)
	GetStats(ctx context.Context, scope types.Scope, id string) (types.ContainerStats, error)

	// SubscribeEvents streams events until ctx is cancelled or the daemon
	// goes away. Exactly one value is sent on the error channel when the
	// stream ends: ErrConnectionClosed for a graceful close, anything else
	// for a protocol failure. No event is sent after that value; the event
	// channel may be left open, so consumers stop on the error.
	SubscribeEvents(ctx context.Context, scope types.Scope) (<-chan types.Event, <-chan error)
}

// Config holds settings shared by client implementations.
type Config struct {
	SystemSocket string
	UserSocket   string
	APIVersion   string
}

// Factory creates a client instance.
type Factory func(cfg Config) (ScopeClient, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register registers a client factory under name.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = factory
}

// New creates a client by name.
func New(name string, cfg Config) (ScopeClient, error) {
	mu.RLock()
	factory, exists := factories[name]
	mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("provider %s not found", name)
	}
	return factory(cfg)
}

// Names returns registered provider names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
