package podman

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/yairfalse/podsync/providers"
	"github.com/yairfalse/podsync/types"
)

const eventBuffer = 64

// SubscribeEvents implements providers.ScopeClient. The stream ends with
// ErrConnectionClosed when the daemon goes away or ctx is cancelled, and
// with a decode error when the daemon sends something unreadable.
func (c *Client) SubscribeEvents(ctx context.Context, scope types.Scope) (<-chan types.Event, <-chan error) {
	events := make(chan types.Event, eventBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		errs <- c.stream(ctx, scope, events)
	}()

	return events, errs
}

func (c *Client) stream(ctx context.Context, scope types.Scope, events chan<- types.Event) error {
	resp, err := c.do(ctx, scope, "events", url.Values{"stream": {"true"}})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", providers.ErrConnectionClosed, ctx.Err())
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	dec := json.NewDecoder(resp.Body)
	for {
		var w wireEvent
		if err := dec.Decode(&w); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", providers.ErrConnectionClosed, ctx.Err())
			}
			mapped := mapTransportError(err)
			if errors.Is(mapped, providers.ErrConnectionClosed) {
				return mapped
			}
			return fmt.Errorf("decode %s event: %w", scope, err)
		}

		select {
		case events <- w.toEvent(scope):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", providers.ErrConnectionClosed, ctx.Err())
		}
	}
}
