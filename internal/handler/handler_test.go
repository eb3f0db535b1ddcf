package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gwp-sync/internal/model"
	"gwp-sync/internal/notify"
	"gwp-sync/internal/view"
	"gwp-sync/internal/widget"
)

// stubWidget implements Reconciler with overridable behavior.
type stubWidget struct {
	cfg   *model.WidgetConfig
	state widget.State

	SelectFunc    func(ctx context.Context, variantID int64) (*widget.Outcome, error)
	EditFunc      func() (widget.State, error)
	ReconcileFunc func(ctx context.Context) (*widget.Outcome, error)
}

func (s *stubWidget) ID() string                  { return s.state.InstanceID }
func (s *stubWidget) Config() *model.WidgetConfig { return s.cfg }
func (s *stubWidget) State() widget.State         { return s.state }

func (s *stubWidget) Select(ctx context.Context, variantID int64) (*widget.Outcome, error) {
	if s.SelectFunc != nil {
		return s.SelectFunc(ctx, variantID)
	}
	return &widget.Outcome{Eligible: true, Verified: true}, nil
}

func (s *stubWidget) Edit() (widget.State, error) {
	if s.EditFunc != nil {
		return s.EditFunc()
	}
	s.state.Editing = true
	return s.state, nil
}

func (s *stubWidget) Reconcile(ctx context.Context) (*widget.Outcome, error) {
	if s.ReconcileFunc != nil {
		return s.ReconcileFunc(ctx)
	}
	return &widget.Outcome{Verified: true}, nil
}

func newStubWidget() *stubWidget {
	return &stubWidget{
		cfg: &model.WidgetConfig{
			SectionID:       "gift-with-purchase",
			CartSectionIDs:  []string{"cart-drawer"},
			Threshold:       5000,
			StandardEnabled: true,
			GiftVariants:    []int64{100, 111},
		},
		state: widget.State{
			InstanceID:     "w-1",
			Phase:          widget.PhaseIdle,
			CurrentVariant: 100,
			HasStandard:    true,
			Eligible:       true,
			LastTotal:      4250,
			ItemCount:      3,
			LastSync:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testHandler creates a Handler with a stub widget, a real bus and a
// section cache, returning the mux with routes registered.
func testHandler(w *stubWidget) (*Handler, *http.ServeMux, *notify.Bus, *view.Cache) {
	logger := discardLogger()
	bus := notify.NewBus(logger)
	cache := view.NewCache()
	h := New(w, bus, cache, logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h, mux, bus, cache
}

func decodeError(t *testing.T, body []byte) errorBody {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Failed to decode error: %v\nBody: %s", err, body)
	}
	return resp.Error
}

func TestHealth(t *testing.T) {
	_, mux, _, _ := testHandler(newStubWidget())

	for _, path := range []string{"/health", "/healthz"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", path, nil))

		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want %d", path, w.Code, http.StatusOK)
		}
		if !strings.Contains(w.Body.String(), `"ok"`) {
			t.Errorf("%s body = %s", path, w.Body.String())
		}
	}
}

func TestStatus(t *testing.T) {
	_, mux, _, _ := testHandler(newStubWidget())

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/widget", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var got StatusOutput
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got.InstanceID != "w-1" {
		t.Errorf("InstanceID = %q, want w-1", got.InstanceID)
	}
	if got.CartTotal != "42.50" {
		t.Errorf("CartTotal = %q, want 42.50", got.CartTotal)
	}
	if got.Threshold != "50.00" {
		t.Errorf("Threshold = %q, want 50.00", got.Threshold)
	}
	if got.Remaining != "7.50" {
		t.Errorf("Remaining = %q, want 7.50", got.Remaining)
	}
	if got.LastSync != "2026-03-01T12:00:00Z" {
		t.Errorf("LastSync = %q", got.LastSync)
	}
	if len(got.SectionIDs) != 2 {
		t.Errorf("SectionIDs = %v, want widget and cart-drawer", got.SectionIDs)
	}
}

func TestStatusRemainingNeverNegative(t *testing.T) {
	sw := newStubWidget()
	sw.state.LastTotal = 9000
	_, mux, _, _ := testHandler(sw)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/widget", nil))

	var got StatusOutput
	json.NewDecoder(w.Body).Decode(&got)
	if got.Remaining != "0.00" {
		t.Errorf("Remaining = %q, want 0.00", got.Remaining)
	}
}

func TestSelectGift(t *testing.T) {
	var gotVariant int64
	sw := newStubWidget()
	sw.SelectFunc = func(ctx context.Context, variantID int64) (*widget.Outcome, error) {
		gotVariant = variantID
		return &widget.Outcome{Removed: []int{2}, Added: []int64{variantID}, Eligible: true, Verified: true}, nil
	}
	_, mux, _, _ := testHandler(sw)

	req := httptest.NewRequest("POST", "/widget/gift", strings.NewReader(`{"variant_id":111}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d\nBody: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if gotVariant != 111 {
		t.Errorf("Select variant = %d, want 111", gotVariant)
	}

	var got PassOutput
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(got.Outcome.Added) != 1 || got.Outcome.Added[0] != 111 {
		t.Errorf("Outcome.Added = %v, want [111]", got.Outcome.Added)
	}
	if got.Status.InstanceID != "w-1" {
		t.Errorf("Status.InstanceID = %q", got.Status.InstanceID)
	}
}

func TestSelectGiftErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		selectErr  error
		outcome    *widget.Outcome
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "invalid json",
			body:       `{`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "missing variant",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "unoffered variant",
			body:       `{"variant_id":999}`,
			selectErr:  model.NewValidationError("variant_id", "not offered"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "below threshold",
			body:       `{"variant_id":100}`,
			selectErr:  model.NewNotEligibleError("Spend 7.50 more to unlock your free gift."),
			outcome:    &widget.Outcome{Message: "Spend 7.50 more to unlock your free gift.", Verified: true},
			wantStatus: http.StatusConflict,
			wantCode:   "NOT_ELIGIBLE",
			wantMsg:    "Spend 7.50 more",
		},
		{
			name:       "disabled without pass",
			body:       `{"variant_id":100}`,
			selectErr:  model.NewNotEligibleError("standard gift is disabled"),
			wantStatus: http.StatusConflict,
			wantCode:   "NOT_ELIGIBLE",
			wantMsg:    "disabled",
		},
		{
			name:       "closed",
			body:       `{"variant_id":100}`,
			selectErr:  model.NewClosedError(),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "WIDGET_CLOSED",
		},
		{
			name:       "upstream",
			body:       `{"variant_id":100}`,
			selectErr:  model.NewUpstreamError("storefront", io.ErrUnexpectedEOF),
			wantStatus: http.StatusBadGateway,
			wantCode:   "UPSTREAM_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw := newStubWidget()
			sw.SelectFunc = func(ctx context.Context, variantID int64) (*widget.Outcome, error) {
				return tt.outcome, tt.selectErr
			}
			_, mux, _, _ := testHandler(sw)

			req := httptest.NewRequest("POST", "/widget/gift", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d\nBody: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			body := decodeError(t, w.Body.Bytes())
			if body.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", body.Code, tt.wantCode)
			}
			if tt.wantMsg != "" && !strings.Contains(body.Message, tt.wantMsg) {
				t.Errorf("Message = %q, want containing %q", body.Message, tt.wantMsg)
			}
		})
	}
}

func TestSelectGiftNotEligibleCarriesPass(t *testing.T) {
	sw := newStubWidget()
	sw.SelectFunc = func(ctx context.Context, variantID int64) (*widget.Outcome, error) {
		out := &widget.Outcome{Removed: []int{4}, Verified: true, Message: "Spend 7.50 more to unlock your free gift."}
		return out, model.NewNotEligibleError(out.Message)
	}
	_, mux, _, _ := testHandler(sw)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("POST", "/widget/gift", strings.NewReader(`{"variant_id":100}`)))

	var got struct {
		Error   errorBody       `json:"error"`
		Outcome *widget.Outcome `json:"outcome"`
		Status  StatusOutput    `json:"status"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got.Outcome == nil || len(got.Outcome.Removed) != 1 {
		t.Errorf("Outcome = %+v, want the pass that ran", got.Outcome)
	}
	if got.Status.InstanceID != "w-1" {
		t.Errorf("Status missing from error response")
	}
}

func TestEdit(t *testing.T) {
	sw := newStubWidget()
	_, mux, _, _ := testHandler(sw)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("POST", "/widget/edit", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	var got StatusOutput
	json.NewDecoder(w.Body).Decode(&got)
	if !got.Editing {
		t.Error("Editing = false, want true")
	}
}

func TestEditClosed(t *testing.T) {
	sw := newStubWidget()
	sw.EditFunc = func() (widget.State, error) {
		return widget.State{}, model.NewClosedError()
	}
	_, mux, _, _ := testHandler(sw)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("POST", "/widget/edit", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestSync(t *testing.T) {
	calls := 0
	sw := newStubWidget()
	sw.ReconcileFunc = func(ctx context.Context) (*widget.Outcome, error) {
		calls++
		return &widget.Outcome{Removed: []int{3}, Verified: true}, nil
	}
	_, mux, _, _ := testHandler(sw)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("POST", "/widget/sync", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	if calls != 1 {
		t.Errorf("Reconcile calls = %d, want 1", calls)
	}
	var got PassOutput
	json.NewDecoder(w.Body).Decode(&got)
	if len(got.Outcome.Removed) != 1 || got.Outcome.Removed[0] != 3 {
		t.Errorf("Outcome.Removed = %v, want [3]", got.Outcome.Removed)
	}
}

func TestSyncFetchFailure(t *testing.T) {
	sw := newStubWidget()
	sw.ReconcileFunc = func(ctx context.Context) (*widget.Outcome, error) {
		return &widget.Outcome{}, model.NewUpstreamError("storefront", io.EOF)
	}
	_, mux, _, _ := testHandler(sw)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("POST", "/widget/sync", nil))

	if w.Code != http.StatusBadGateway {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

func TestCartEvent(t *testing.T) {
	_, mux, bus, _ := testHandler(newStubWidget())

	var got []notify.Event
	sub := bus.Subscribe(func(ev notify.Event) { got = append(got, ev) })
	defer sub.Close()

	req := httptest.NewRequest("POST", "/events/cart", strings.NewReader(`{"kind":"cart:add","item_count":4}`))
	req.Header.Set(OriginHeader, `instance="other-widget", source="product-form"`)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d\nBody: %s", w.Code, http.StatusAccepted, w.Body.String())
	}
	if len(got) != 1 {
		t.Fatalf("published %d events, want 1", len(got))
	}
	ev := got[0]
	if ev.Kind != notify.KindCartAdd {
		t.Errorf("Kind = %q, want %q", ev.Kind, notify.KindCartAdd)
	}
	if ev.Origin != "other-widget" || ev.Source != "product-form" {
		t.Errorf("Origin/Source = %q/%q", ev.Origin, ev.Source)
	}
	if ev.ItemCount != 4 {
		t.Errorf("ItemCount = %d, want 4", ev.ItemCount)
	}
}

func TestCartEventRejected(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		origin string
	}{
		{"gift kind", `{"kind":"gift:added"}`, ""},
		{"unknown kind", `{"kind":"cart:clear"}`, ""},
		{"missing kind", `{}`, ""},
		{"bad json", `{"kind":`, ""},
		{"malformed origin", `{"kind":"cart:update"}`, `instance=`},
		{"inner list origin", `{"kind":"cart:update"}`, `instance=("a" "b")`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mux, bus, _ := testHandler(newStubWidget())
			published := 0
			sub := bus.Subscribe(func(notify.Event) { published++ })
			defer sub.Close()

			req := httptest.NewRequest("POST", "/events/cart", strings.NewReader(tt.body))
			if tt.origin != "" {
				req.Header.Set(OriginHeader, tt.origin)
			}
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Status = %d, want %d\nBody: %s", w.Code, http.StatusBadRequest, w.Body.String())
			}
			if published != 0 {
				t.Errorf("published %d events, want 0", published)
			}
		})
	}
}

func TestCartEventWithoutBus(t *testing.T) {
	h := New(newStubWidget(), nil, nil, discardLogger())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("POST", "/events/cart", strings.NewReader(`{"kind":"cart:update"}`)))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestSections(t *testing.T) {
	_, mux, _, cache := testHandler(newStubWidget())
	cache.Morph("cart-drawer", `<div id="cart-drawer">3 items</div>`)

	t.Run("list", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", "/sections", nil))

		var got map[string][]string
		json.NewDecoder(w.Body).Decode(&got)
		if len(got["sections"]) != 1 || got["sections"][0] != "cart-drawer" {
			t.Errorf("sections = %v, want [cart-drawer]", got["sections"])
		}
	})

	t.Run("get", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", "/sections/cart-drawer", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
		}
		if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("Content-Type = %q, want text/html", ct)
		}
		if !bytes.Contains(w.Body.Bytes(), []byte("3 items")) {
			t.Errorf("Body = %s", w.Body.String())
		}
	})

	t.Run("missing", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", "/sections/cart-items", nil))

		if w.Code != http.StatusNotFound {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

func TestSectionsListEmpty(t *testing.T) {
	h := New(newStubWidget(), nil, nil, discardLogger())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/sections", nil))

	if !strings.Contains(w.Body.String(), `"sections":[]`) {
		t.Errorf("Body = %s, want empty array", w.Body.String())
	}
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	sw := newStubWidget()
	sw.ReconcileFunc = func(ctx context.Context) (*widget.Outcome, error) {
		return nil, io.ErrClosedPipe
	}
	_, mux, _, _ := testHandler(sw)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("POST", "/widget/sync", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if strings.Contains(w.Body.String(), "closed pipe") {
		t.Errorf("internal error leaked: %s", w.Body.String())
	}
}
