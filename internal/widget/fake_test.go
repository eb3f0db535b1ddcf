package widget

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"testing"
	"time"

	"gwp-sync/internal/adapter"
	"gwp-sync/internal/model"
	"gwp-sync/internal/notify"
	"gwp-sync/internal/view"
)

// fakeCart is a stateful storefront cart. Line numbers shift on removal
// exactly like the real endpoints.
type fakeCart struct {
	mu    sync.Mutex
	lines []model.CartLine
	calls []string

	fetches    int
	fetchErr   error
	fetchHook  func(n int) // runs outside the lock, may block
	sticky     int         // removals acknowledged but not applied
	addStatus  string
	addMessage string
	renderErrs map[string]error
}

func newFakeCart(lines ...model.CartLine) *fakeCart {
	return &fakeCart{lines: lines}
}

func (f *fakeCart) FetchCart(ctx context.Context) (*model.Cart, error) {
	f.mu.Lock()
	f.fetches++
	n, hook := f.fetches, f.fetchHook
	f.calls = append(f.calls, "fetch")
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.snapshot(), nil
}

func (f *fakeCart) ChangeLine(ctx context.Context, req *adapter.ChangeLineRequest) (*adapter.ChangeLineResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("change:%d", req.Line))

	if req.Line < 1 || req.Line > len(f.lines) {
		return &adapter.ChangeLineResult{Errors: "line out of range"}, nil
	}
	if f.sticky > 0 {
		f.sticky--
		return &adapter.ChangeLineResult{Cart: f.snapshot()}, nil
	}
	if req.Quantity == 0 {
		f.lines = append(f.lines[:req.Line-1:req.Line-1], f.lines[req.Line:]...)
	} else {
		f.lines[req.Line-1].Quantity = req.Quantity
	}
	return &adapter.ChangeLineResult{Cart: f.snapshot()}, nil
}

func (f *fakeCart) AddItem(ctx context.Context, req *adapter.AddItemRequest) (*adapter.AddItemResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("add:%d", req.VariantID))

	if f.addStatus != "" {
		return &adapter.AddItemResult{Status: f.addStatus, Message: f.addMessage}, nil
	}
	f.lines = append(f.lines, model.CartLine{
		VariantID:  req.VariantID,
		Quantity:   req.Quantity,
		Properties: model.Properties(maps.Clone(req.Properties)),
	})
	return &adapter.AddItemResult{}, nil
}

func (f *fakeCart) RenderSection(ctx context.Context, sectionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "render:"+sectionID)
	if err := f.renderErrs[sectionID]; err != nil {
		return "", err
	}
	return "<div>" + sectionID + "</div>", nil
}

// snapshot builds a cart the way the storefront reports it. Callers hold mu.
func (f *fakeCart) snapshot() *model.Cart {
	cart := &model.Cart{}
	for i, line := range f.lines {
		line.Position = i + 1
		cart.Items = append(cart.Items, line)
		cart.TotalPrice += line.LinePrice
		cart.ItemCount += line.Quantity
	}
	return cart
}

// callsWith returns recorded calls having the given prefix, in order.
func (f *fakeCart) callsWith(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeCart) resetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func (f *fakeCart) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeCart) current() *model.Cart {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot()
}

var _ adapter.Cart = (*fakeCart)(nil)

func merch(variant, price int64) model.CartLine {
	return model.CartLine{VariantID: variant, Quantity: 1, LinePrice: price}
}

func gift(variant int64) model.CartLine {
	return model.CartLine{VariantID: variant, Quantity: 1, Properties: model.Properties{model.TagGift: "true"}}
}

func vipGift(variant int64) model.CartLine {
	return model.CartLine{VariantID: variant, Quantity: 1, Properties: model.Properties{model.TagVIPGift: "true"}}
}

func testConfig() *model.WidgetConfig {
	return &model.WidgetConfig{
		SectionID:       "gift-with-purchase",
		CartSectionIDs:  []string{"cart-drawer", "cart-items"},
		Threshold:       5000,
		StandardEnabled: true,
		GiftVariants:    []int64{100, 111},
		VIPEnabled:      true,
		VIPTag:          "VIP",
		VIPVariantID:    900,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	w     *Widget
	cart  *fakeCart
	view  *view.Cache
	bus   *notify.Bus
	mu    sync.Mutex
	added []notify.Event
}

func newHarness(t *testing.T, cfg *model.WidgetConfig, cart *fakeCart, seed model.Seed) *harness {
	t.Helper()
	h := &harness{cart: cart, view: view.NewCache(), bus: notify.NewBus(discardLogger())}
	h.bus.Subscribe(func(ev notify.Event) {
		if ev.Kind == notify.KindGiftAdded {
			h.mu.Lock()
			h.added = append(h.added, ev)
			h.mu.Unlock()
		}
	})

	w, err := New(cfg, Options{Cart: cart, View: h.view, Bus: h.bus, Logger: discardLogger(), Seed: seed})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(w.Close)
	h.w = w
	return h
}

func (h *harness) giftEvents() []notify.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]notify.Event(nil), h.added...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
