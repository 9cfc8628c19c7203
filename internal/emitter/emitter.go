// Package emitter turns published inventory views into metrics and logs.
package emitter

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/yairfalse/podsync/observer"
)

// Emitter outputs inventory views to a backend.
type Emitter interface {
	// Emit sends one view to the backend.
	Emit(ctx context.Context, v observer.View) error

	// Close cleans up resources.
	Close() error
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit sends to all emitters, returns first error.
func (m *MultiEmitter) Emit(ctx context.Context, v observer.View) error {
	for _, e := range m.emitters {
		if err := e.Emit(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all emitters.
func (m *MultiEmitter) Close() error {
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			return err
		}
	}
	return nil
}

// AsObserver adapts e to the hub's Observer interface. Emit errors are
// logged; the hub has nowhere to return them.
func AsObserver(ctx context.Context, e Emitter, logger zerolog.Logger) observer.Observer {
	return observer.ObserverFunc(func(v observer.View) {
		if err := e.Emit(ctx, v); err != nil {
			logger.Error().Err(err).Int64("revision", v.Revision).Msg("emit failed")
		}
	})
}
