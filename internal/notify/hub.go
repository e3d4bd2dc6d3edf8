// Package notify fans processing events out to the clients of the asset's owner.
package notify

import (
	"log/slog"
	"sync"

	"mediaflow/internal/media"
	"mediaflow/internal/platform/metrics"
)

// DefaultBuffer is the number of undelivered events a subscription may hold
// before it is dropped as too slow.
const DefaultBuffer = 64

// Subscription is one live client's interest in an owner's events, optionally
// narrowed to a single asset. C is closed when the subscription ends.
type Subscription struct {
	OwnerID media.OwnerID
	AssetID media.AssetID
	C       <-chan media.Event

	ch     chan media.Event
	closed bool
}

func (s *Subscription) wants(ev media.Event) bool {
	return s.AssetID == "" || s.AssetID == ev.AssetID
}

// Hub routes events to subscriptions by owner. Delivery is best effort:
// events published while a client is offline are not replayed.
type Hub struct {
	mu      sync.Mutex
	subs    map[media.OwnerID]map[*Subscription]struct{}
	count   int
	buffer  int
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHub returns an empty hub. If buffer <= 0, DefaultBuffer is used.
// Metrics may be nil.
func NewHub(log *slog.Logger, m *metrics.Metrics, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:    make(map[media.OwnerID]map[*Subscription]struct{}),
		buffer:  buffer,
		log:     log,
		metrics: m,
	}
}

// Subscribe registers interest in owner's events. An empty asset receives
// every event of the owner; otherwise only that asset's events arrive.
func (h *Hub) Subscribe(owner media.OwnerID, asset media.AssetID) *Subscription {
	ch := make(chan media.Event, h.buffer)
	sub := &Subscription{OwnerID: owner, AssetID: asset, C: ch, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[owner]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[owner] = set
	}
	set[sub] = struct{}{}
	h.count++
	h.metrics.SetNotifySubscribers(h.count)
	h.log.Debug("notify subscribed",
		slog.String("owner_id", string(owner)),
		slog.String("asset_id", string(asset)),
		slog.Int("total", h.count))
	return sub
}

// Unsubscribe removes sub and closes its channel. Calling it twice is harmless.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// removeLocked drops sub from the registry. Caller must hold h.mu.
func (h *Hub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if set, ok := h.subs[sub.OwnerID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.OwnerID)
		}
	}
	h.count--
	h.metrics.SetNotifySubscribers(h.count)
}

// Publish implements media.Publisher. Events reach each subscription in the
// order they were published. A subscription whose buffer is full is dropped;
// its client has to reconnect and re-query the current status.
func (h *Hub) Publish(ev media.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[ev.OwnerID] {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.log.Warn("notify subscriber too slow, dropping",
				slog.String("owner_id", string(sub.OwnerID)),
				slog.String("asset_id", string(ev.AssetID)))
			h.removeLocked(sub)
		}
	}
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subs {
		for sub := range set {
			h.removeLocked(sub)
		}
	}
}
