package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	delay time.Duration
	err   error

	mu      sync.Mutex
	events  []Event
	ctxErrs []error
}

func (s *recordingSink) Publish(ctx context.Context, ev Event) error {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	return s.err
}

func (s *recordingSink) received() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestBus_PublishReachesSubscribers(t *testing.T) {
	bus := NewBus(nil)

	var a, b []Event
	bus.Subscribe(func(ev Event) { a = append(a, ev) })
	bus.Subscribe(func(ev Event) { b = append(b, ev) })

	bus.Publish(context.Background(), Event{Kind: KindCartUpdate})

	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("deliveries = %d/%d, want 1/1", len(a), len(b))
	}
	if a[0].At.IsZero() {
		t.Error("At should be stamped on publish")
	}
}

func TestBus_CloseStopsDelivery(t *testing.T) {
	bus := NewBus(nil)

	count := 0
	sub := bus.Subscribe(func(Event) { count++ })
	bus.Publish(context.Background(), Event{Kind: KindCartAdd})

	sub.Close()
	sub.Close() // idempotent
	bus.Publish(context.Background(), Event{Kind: KindCartAdd})

	if count != 1 {
		t.Errorf("deliveries = %d, want 1", count)
	}
	if bus.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", bus.Subscribers())
	}
}

func TestBus_SinkFailureIsContained(t *testing.T) {
	bus := NewBus(nil)
	failing := &recordingSink{err: errors.New("broker down")}
	ok := &recordingSink{}
	bus.Forward(failing)
	bus.Forward(ok)

	bus.Publish(context.Background(), Event{Kind: KindGiftAdded, VariantID: 111})
	bus.Close()

	if len(failing.received()) != 1 || len(ok.received()) != 1 {
		t.Errorf("sink deliveries = %d/%d, want 1/1", len(failing.received()), len(ok.received()))
	}
}

func TestBus_SlowSinkDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(nil)
	sink := &recordingSink{delay: 200 * time.Millisecond}
	bus.Forward(sink)

	delivered := 0
	bus.Subscribe(func(Event) { delivered++ })

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	for i := int64(1); i <= 3; i++ {
		bus.Publish(ctx, Event{Kind: KindGiftAdded, VariantID: i})
	}
	cancel()
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Publish took %v, want it not to wait for the sink", elapsed)
	}
	if delivered != 3 {
		t.Errorf("subscriber deliveries = %d, want 3", delivered)
	}

	bus.Close()
	got := sink.received()
	if len(got) != 3 {
		t.Fatalf("sink deliveries = %d, want 3 after Close", len(got))
	}
	for i, ev := range got {
		if ev.VariantID != int64(i+1) {
			t.Errorf("event %d VariantID = %d, want %d", i, ev.VariantID, i+1)
		}
	}
	for i, err := range sink.ctxErrs {
		if err != nil {
			t.Errorf("event %d sink ctx.Err() = %v, want nil after publisher cancel", i, err)
		}
	}
}

func TestBus_PublishAfterCloseSkipsSinks(t *testing.T) {
	bus := NewBus(nil)
	sink := &recordingSink{}
	bus.Forward(sink)

	delivered := 0
	bus.Subscribe(func(Event) { delivered++ })

	bus.Close()
	bus.Close() // idempotent
	bus.Publish(context.Background(), Event{Kind: KindGiftAdded})

	if delivered != 1 {
		t.Errorf("subscriber deliveries = %d, want 1", delivered)
	}
	if got := len(sink.received()); got != 0 {
		t.Errorf("sink deliveries = %d, want 0", got)
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		kind       Kind
		valid      bool
		mutation   bool
		reconciles bool
	}{
		{KindCartUpdate, true, true, true},
		{KindCartAdd, true, true, true},
		{KindGiftAdded, true, false, true},
		{"cart:clear", false, false, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Valid(); got != tt.valid {
			t.Errorf("%s.Valid() = %v, want %v", tt.kind, got, tt.valid)
		}
		if got := tt.kind.CartMutation(); got != tt.mutation {
			t.Errorf("%s.CartMutation() = %v, want %v", tt.kind, got, tt.mutation)
		}
		if got := tt.kind.Reconciles(); got != tt.reconciles {
			t.Errorf("%s.Reconciles() = %v, want %v", tt.kind, got, tt.reconciles)
		}
	}
}

func TestMessage(t *testing.T) {
	ev := Event{
		Kind:      KindGiftAdded,
		Origin:    "w-1",
		Source:    SourceGiftWidget,
		ItemCount: 3,
		VariantID: 111,
		Sections:  map[string]string{"gift-with-purchase": "<div/>"},
	}

	msg, err := Message(ev)
	if err != nil {
		t.Fatalf("Message() error = %v", err)
	}
	if string(msg.Key) != "w-1" {
		t.Errorf("Key = %s, want w-1", msg.Key)
	}

	var decoded map[string]any
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("unmarshal value: %v", err)
	}
	if decoded["source"] != SourceGiftWidget {
		t.Errorf("source = %v, want %s", decoded["source"], SourceGiftWidget)
	}
	if decoded["variant_id"] != float64(111) {
		t.Errorf("variant_id = %v, want 111", decoded["variant_id"])
	}
	if _, ok := decoded["sections"]; ok {
		t.Error("sections should not be forwarded")
	}
}

func TestKafkaPublisher_SkipsOtherKinds(t *testing.T) {
	p := NewKafkaPublisher([]string{"127.0.0.1:1"}, "gifts")
	defer p.Close()

	// Not forwarded, so no broker round trip happens.
	if err := p.Publish(context.Background(), Event{Kind: KindCartUpdate}); err != nil {
		t.Errorf("Publish() error = %v, want nil", err)
	}
}
