package feed

import "sync"

// Hub fans change notifications out to listeners by topic. Signals coalesce:
// a listener that has not consumed its previous signal receives no second one.
type Hub struct {
	mu        sync.Mutex
	listeners map[string]map[chan struct{}]struct{}
	closed    bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[string]map[chan struct{}]struct{})}
}

// Listen registers interest in the given topics. The returned channel receives
// a signal after any of them is notified and is closed when the hub closes.
// The returned func unregisters the listener.
func (h *Hub) Listen(topics ...string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	for _, t := range topics {
		set, ok := h.listeners[t]
		if !ok {
			set = make(map[chan struct{}]struct{})
			h.listeners[t] = set
		}
		set[ch] = struct{}{}
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for _, t := range topics {
				delete(h.listeners[t], ch)
			}
		})
	}
}

// Notify signals every listener of the given topics.
func (h *Hub) Notify(topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, t := range topics {
		for ch := range h.listeners[t] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// Close closes every listener channel; later Listen calls get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	seen := make(map[chan struct{}]struct{})
	for _, set := range h.listeners {
		for ch := range set {
			if _, ok := seen[ch]; ok {
				continue
			}
			seen[ch] = struct{}{}
			close(ch)
		}
	}
	h.listeners = nil
}
