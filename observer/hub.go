package observer

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Hub publishes views to subscribers. Each subscriber has its own goroutine
// and at most one pending notification, so a slow observer skips
// intermediate views instead of blocking the store or other observers.
type Hub struct {
	source func() View
	logger zerolog.Logger

	mu     sync.Mutex
	latest *View
	gen    uint64
	nextID int
	subs   map[int]*subscriber
	closed bool
	wg     sync.WaitGroup
}

type subscriber struct {
	obs     Observer
	pending chan struct{}
	done    chan struct{}
	seen    uint64
}

// NewHub creates a hub that builds views with source
func NewHub(source func() View, logger zerolog.Logger) *Hub {
	return &Hub{
		source: source,
		logger: logger.With().Str("component", "hub").Logger(),
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe registers obs and delivers the latest view to it right away.
// The returned function unsubscribes.
func (h *Hub) Subscribe(obs Observer) func() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return func() {}
	}
	if h.latest == nil {
		v := h.source()
		h.latest = &v
		h.gen++
	}
	id := h.nextID
	h.nextID++
	sub := &subscriber{
		obs:     obs,
		pending: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	h.subs[id] = sub
	sub.pending <- struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	go h.deliver(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub.done)
			}
			h.mu.Unlock()
		})
	}
}

// Notify takes a fresh view and signals every subscriber. The view is built
// under the hub lock, so concurrent notifies publish in the order they read
// the source and an older view never replaces a newer one.
func (h *Hub) Notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	v := h.source()
	h.latest = &v
	h.gen++
	for _, sub := range h.subs {
		select {
		case sub.pending <- struct{}{}:
		default:
		}
	}
}

// Run republishes on every signal of changes until ctx is done
func (h *Hub) Run(ctx context.Context, changes <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			h.Notify()
		}
	}
}

// Close stops every delivery goroutine and waits for them
func (h *Hub) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		for id, sub := range h.subs {
			delete(h.subs, id)
			close(sub.done)
		}
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) deliver(sub *subscriber) {
	defer h.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case <-sub.pending:
		}

		h.mu.Lock()
		v, gen := h.latest, h.gen
		h.mu.Unlock()
		if v == nil || gen == sub.seen {
			continue
		}
		sub.seen = gen
		h.safeCall(sub.obs, *v)
	}
}

// safeCall keeps one misbehaving observer from taking the hub down
func (h *Hub) safeCall(obs Observer, v View) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Int64("revision", v.Revision).Msg("observer panicked")
		}
	}()
	obs.OnSnapshot(v)
}
