// Package fake provides an in-memory ScopeClient for tests and demos.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/yairfalse/podsync/providers"
	"github.com/yairfalse/podsync/types"
)

// Op names a client operation for hooks and error injection.
type Op string

const (
	OpPing           Op = "ping"
	OpListContainers Op = "list_containers"
	OpGetContainer   Op = "get_container"
	OpListImages     Op = "list_images"
	OpGetImage       Op = "get_image"
	OpGetStats       Op = "get_stats"
)

func init() {
	providers.Register("fake", func(providers.Config) (providers.ScopeClient, error) {
		return New(), nil
	})
}

type scopeData struct {
	reachable  bool
	containers map[string]types.Container
	images     map[string]types.Image
	stats      map[string]types.ContainerStats
	errs       map[Op]error
	subs       []*subscription
}

type subscription struct {
	events chan types.Event
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) close(err error) {
	s.once.Do(func() {
		close(s.done)
		s.errs <- err
		close(s.errs)
	})
}

// Client is a thread-safe in-memory daemon pair.
type Client struct {
	mu     sync.Mutex
	scopes map[types.Scope]*scopeData
	hook   func(op Op, scope types.Scope, id string)
	calls  map[Op]int
}

var _ providers.ScopeClient = (*Client)(nil)

// New creates a client with both scopes reachable and empty.
func New() *Client {
	c := &Client{
		scopes: make(map[types.Scope]*scopeData),
		calls:  make(map[Op]int),
	}
	for _, s := range types.Scopes() {
		c.scopes[s] = &scopeData{
			reachable:  true,
			containers: make(map[string]types.Container),
			images:     make(map[string]types.Image),
			stats:      make(map[string]types.ContainerStats),
			errs:       make(map[Op]error),
		}
	}
	return c
}

// SetReachable toggles whether Ping and subscriptions succeed for scope.
func (c *Client) SetReachable(scope types.Scope, reachable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes[scope].reachable = reachable
}

// SetHook installs a function called at the start of every fetch, before
// any data is read. Tests block in it to control completion order.
func (c *Client) SetHook(hook func(op Op, scope types.Scope, id string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = hook
}

// SetError makes op fail with err for scope until cleared with a nil err.
func (c *Client) SetError(op Op, scope types.Scope, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.scopes[scope].errs, op)
		return
	}
	c.scopes[scope].errs[op] = err
}

// PutContainer inserts or replaces a container. The key decides the scope.
func (c *Client) PutContainer(ct types.Container) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes[ct.Key.Scope].containers[ct.Key.ID] = ct.Clone()
}

// DeleteContainer removes a container and its stats.
func (c *Client) DeleteContainer(key types.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.scopes[key.Scope].containers, key.ID)
	delete(c.scopes[key.Scope].stats, key.ID)
}

// PutImage inserts or replaces an image.
func (c *Client) PutImage(img types.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes[img.Key.Scope].images[img.Key.ID] = img.Clone()
}

// DeleteImage removes an image.
func (c *Client) DeleteImage(key types.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.scopes[key.Scope].images, key.ID)
}

// PutStats sets the stats sample returned for a container.
func (c *Client) PutStats(st types.ContainerStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes[st.Key.Scope].stats[st.Key.ID] = st
}

// Calls returns how many times op was invoked.
func (c *Client) Calls(op Op) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Emit delivers ev to every open subscription of ev.Scope.
func (c *Client) Emit(ev types.Event) {
	c.mu.Lock()
	subs := append([]*subscription(nil), c.scopes[ev.Scope].subs...)
	c.mu.Unlock()

	for _, s := range subs {
		select {
		case s.events <- ev:
		case <-s.done:
		}
	}
}

// CloseStream ends every subscription of scope with err
// (providers.ErrConnectionClosed for a graceful close).
func (c *Client) CloseStream(scope types.Scope, err error) {
	c.mu.Lock()
	subs := c.scopes[scope].subs
	c.scopes[scope].subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		s.close(err)
	}
}

// Subscribers returns the number of open subscriptions for scope.
func (c *Client) Subscribers(scope types.Scope) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scopes[scope].subs)
}

// begin records the call, runs the hook and returns the injected error.
func (c *Client) begin(op Op, scope types.Scope, id string) error {
	c.mu.Lock()
	c.calls[op]++
	hook := c.hook
	c.mu.Unlock()

	if hook != nil {
		hook(op, scope, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.scopes[scope]
	if !ok {
		return fmt.Errorf("unknown scope %s", scope)
	}
	if !data.reachable {
		return providers.ErrConnectionClosed
	}
	return data.errs[op]
}

// Ping implements providers.ScopeClient.
func (c *Client) Ping(ctx context.Context, scope types.Scope) error {
	return c.begin(OpPing, scope, "")
}

// ListContainers implements providers.ScopeClient.
func (c *Client) ListContainers(ctx context.Context, scope types.Scope) ([]types.Container, error) {
	if err := c.begin(OpListContainers, scope, ""); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.Container, 0, len(c.scopes[scope].containers))
	for _, ct := range c.scopes[scope].containers {
		out = append(out, ct.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

// GetContainer implements providers.ScopeClient.
func (c *Client) GetContainer(ctx context.Context, scope types.Scope, id string) (types.Container, error) {
	if err := c.begin(OpGetContainer, scope, id); err != nil {
		return types.Container{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ct, ok := c.scopes[scope].containers[id]
	if !ok {
		return types.Container{}, fmt.Errorf("container %s: %w", id, providers.ErrNotFound)
	}
	return ct.Clone(), nil
}

// ListImages implements providers.ScopeClient.
func (c *Client) ListImages(ctx context.Context, scope types.Scope) ([]types.Image, error) {
	if err := c.begin(OpListImages, scope, ""); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.Image, 0, len(c.scopes[scope].images))
	for _, img := range c.scopes[scope].images {
		out = append(out, img.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

// GetImage implements providers.ScopeClient.
func (c *Client) GetImage(ctx context.Context, scope types.Scope, id string) (types.Image, error) {
	if err := c.begin(OpGetImage, scope, id); err != nil {
		return types.Image{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	img, ok := c.scopes[scope].images[id]
	if !ok {
		return types.Image{}, fmt.Errorf("image %s: %w", id, providers.ErrNotFound)
	}
	return img.Clone(), nil
}

// GetStats implements providers.ScopeClient.
func (c *Client) GetStats(ctx context.Context, scope types.Scope, id string) (types.ContainerStats, error) {
	if err := c.begin(OpGetStats, scope, id); err != nil {
		return types.ContainerStats{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.scopes[scope].stats[id]
	if !ok {
		return types.ContainerStats{Key: types.NewKey(scope, id)}, nil
	}
	return st, nil
}

// SubscribeEvents implements providers.ScopeClient.
func (c *Client) SubscribeEvents(ctx context.Context, scope types.Scope) (<-chan types.Event, <-chan error) {
	sub := &subscription{
		events: make(chan types.Event),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	data := c.scopes[scope]
	if !data.reachable {
		c.mu.Unlock()
		sub.close(providers.ErrConnectionClosed)
		return sub.events, sub.errs
	}
	data.subs = append(data.subs, sub)
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			c.detach(scope, sub)
			sub.close(providers.ErrConnectionClosed)
		case <-sub.done:
		}
	}()

	return sub.events, sub.errs
}

func (c *Client) detach(scope types.Scope, sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.scopes[scope].subs
	for i, s := range subs {
		if s == sub {
			c.scopes[scope].subs = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
