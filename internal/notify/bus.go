// Package notify carries cart notifications between the storefront page,
// widget instances, and optional external sinks.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind names a notification channel.
type Kind string

const (
	KindCartUpdate Kind = "cart:update" // A line changed somewhere on the page
	KindCartAdd    Kind = "cart:add"    // An item was added somewhere on the page
	KindGiftAdded  Kind = "gift:added"  // A widget added a gift line
)

// SourceGiftWidget identifies events published by the gift widget.
const SourceGiftWidget = "gift-with-purchase-component"

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCartUpdate, KindCartAdd, KindGiftAdded:
		return true
	}
	return false
}

// CartMutation reports whether k is a page-level cart change, the kinds
// accepted from outside the widgets.
func (k Kind) CartMutation() bool {
	return k == KindCartUpdate || k == KindCartAdd
}

// Reconciles reports whether an event of this kind can change gift
// eligibility. A gift added by one widget is a cart change for every other.
func (k Kind) Reconciles() bool {
	return k.CartMutation() || k == KindGiftAdded
}

// Event is one notification.
type Event struct {
	Kind      Kind              `json:"kind"`
	Origin    string            `json:"origin,omitempty"` // Instance that caused it; empty for external
	Source    string            `json:"source,omitempty"`
	ItemCount int               `json:"item_count,omitempty"`
	VariantID int64             `json:"variant_id,omitempty"`
	Sections  map[string]string `json:"sections,omitempty"`
	At        time.Time         `json:"at"`
}

// Handler receives events. Handlers run on the publisher's goroutine and
// must not block.
type Handler func(Event)

// Publisher forwards events to an external system. Sinks run on the bus's
// forwarding goroutine, one event at a time, so a sink may block (up to
// SinkTimeout) without holding up publishers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

const (
	// ForwardQueueSize bounds events waiting for sinks. Events beyond it are
	// dropped with a warning.
	ForwardQueueSize = 256

	// SinkTimeout bounds one sink call.
	SinkTimeout = 10 * time.Second
)

// Bus is an in-process fan-out of events to subscribers and forward sinks.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
	sinks  []Publisher
	queue  chan forward
	closed bool
	wg     sync.WaitGroup
}

// forward is an event waiting for the sinks.
type forward struct {
	ctx context.Context
	ev  Event
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[int]Handler),
	}
}

// Forward registers a sink that receives every published event. The first
// sink starts the forwarding goroutine; Close stops it.
func (b *Bus) Forward(p Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.sinks = append(b.sinks, p)
	if b.queue == nil {
		b.queue = make(chan forward, ForwardQueueSize)
		b.wg.Add(1)
		go b.forwardLoop(b.queue)
	}
}

// Subscribe registers fn until the returned subscription is closed.
func (b *Bus) Subscribe(fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return &Subscription{bus: b, id: id}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers ev to every subscriber, then queues it for the sinks and
// returns. Sinks see a context detached from ctx's cancellation; their
// failures are logged and never reach the publisher.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.queue == nil || b.closed {
		return
	}
	select {
	case b.queue <- forward{ctx: context.WithoutCancel(ctx), ev: ev}:
	default:
		b.logger.Warn("event forward queue full, dropping event",
			slog.String("kind", string(ev.Kind)),
		)
	}
}

// Close stops forwarding after the queued events reach the sinks.
// Subscribers keep receiving events. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.queue != nil {
		close(b.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) forwardLoop(queue <-chan forward) {
	defer b.wg.Done()
	for f := range queue {
		b.mu.RLock()
		sinks := append([]Publisher(nil), b.sinks...)
		b.mu.RUnlock()

		for _, s := range sinks {
			ctx, cancel := context.WithTimeout(f.ctx, SinkTimeout)
			err := s.Publish(ctx, f.ev)
			cancel()
			if err != nil {
				b.logger.Warn("event forward failed",
					slog.String("kind", string(f.ev.Kind)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Subscription is a live registration on a Bus.
type Subscription struct {
	bus  *Bus
	id   int
	once sync.Once
}

// Close removes the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
}
