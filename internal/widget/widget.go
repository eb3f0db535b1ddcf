// Package widget implements the gift-with-purchase reconciler: one instance
// per widget on the page, converging the remote cart's gift lines on what the
// eligibility policy and the shopper's selection call for.
package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gwp-sync/internal/adapter"
	"gwp-sync/internal/eligibility"
	"gwp-sync/internal/model"
	"gwp-sync/internal/notify"
)

// View receives re-rendered section markup.
type View interface {
	Morph(sectionID, markup string)
}

// Options wires a widget to its collaborators.
type Options struct {
	Cart   adapter.Cart // Required
	View   View         // Optional; rendered markup is discarded when nil
	Bus    *notify.Bus  // Optional; without it the widget only runs on demand
	Logger *slog.Logger
	Seed   model.Seed // Gift state the page rendered with
}

// Widget reconciles one widget's gift lines against one cart.
//
// Passes never overlap. User actions wait for the running pass and then run
// their own; cart notifications arriving while a pass is pending collapse
// into that pass, since it reads a fresh snapshot anyway.
type Widget struct {
	id     string
	cfg    *model.WidgetConfig
	policy eligibility.Policy
	cart   adapter.Cart
	view   View
	bus    *notify.Bus
	logger *slog.Logger

	passMu sync.Mutex // held for the duration of a pass

	mu     sync.RWMutex
	state  State
	active bool
	closed bool

	sub    *notify.Subscription
	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a widget. cfg must not be modified afterwards.
func New(cfg *model.WidgetConfig, opts Options) (*Widget, error) {
	if cfg == nil {
		return nil, fmt.Errorf("widget config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid widget config: %w", err)
	}
	if opts.Cart == nil {
		return nil, fmt.Errorf("cart is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	return &Widget{
		id:     id,
		cfg:    cfg,
		policy: eligibility.PolicyFor(cfg),
		cart:   opts.Cart,
		view:   opts.View,
		bus:    opts.Bus,
		logger: logger.With(slog.String("widget", id), slog.String("section", cfg.SectionID)),
		state: State{
			InstanceID:     id,
			Phase:          PhaseIdle,
			CurrentVariant: opts.Seed.CurrentGiftVariantID,
			HasStandard:    opts.Seed.HasGiftInCart,
		},
		kick: make(chan struct{}, 1),
	}, nil
}

// ID returns the instance id stamped on events this widget publishes.
func (w *Widget) ID() string {
	return w.id
}

// Config returns the widget's configuration.
func (w *Widget) Config() *model.WidgetConfig {
	return w.cfg
}

// State returns a copy of the current state.
func (w *Widget) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Activate subscribes to cart notifications, starts the notification worker
// and runs the initial pass. The worker lives until Close or until ctx ends.
func (w *Widget) Activate(ctx context.Context) (*Outcome, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, model.NewClosedError()
	}
	if w.active {
		w.mu.Unlock()
		return nil, fmt.Errorf("widget %s already active", w.id)
	}
	w.active = true

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	if w.bus != nil {
		w.sub = w.bus.Subscribe(w.Notify)
	}
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(workerCtx)

	w.logger.Info("widget activated",
		slog.Int64("threshold", w.cfg.Threshold),
		slog.Bool("vip", w.policy.VIPEnabled && w.policy.VIPCustomer),
	)
	return w.pass(ctx, selection{})
}

// Close releases the subscription and stops the worker. Passes still in
// flight finish their network calls but no longer touch state.
func (w *Widget) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	sub, cancel := w.sub, w.cancel
	w.sub, w.cancel = nil, nil
	w.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
	w.logger.Info("widget closed")
}

// Notify schedules a pass for a cart notification, including gifts added by
// other widgets on the same cart. Events this instance published itself, and
// kinds that cannot change eligibility, are ignored. Never blocks.
func (w *Widget) Notify(ev notify.Event) {
	if ev.Origin == w.id || !ev.Kind.Reconciles() || w.isClosed() {
		return
	}
	select {
	case w.kick <- struct{}{}:
	default:
		// A pass is already pending.
	}
}

// Reconcile runs a pass now, waiting for any running pass first.
func (w *Widget) Reconcile(ctx context.Context) (*Outcome, error) {
	return w.pass(ctx, selection{})
}

// Select asks for variantID as the standard gift and runs a pass.
// When the cart is below the threshold the pass still runs (removing any
// stale gift) and a model.ErrNotEligible error is returned with the outcome.
func (w *Widget) Select(ctx context.Context, variantID int64) (*Outcome, error) {
	if w.isClosed() {
		return nil, model.NewClosedError()
	}
	if !w.cfg.StandardEnabled {
		return nil, model.NewNotEligibleError("gift selection is disabled")
	}
	if !w.cfg.OffersVariant(variantID) {
		return nil, model.NewValidationError("variant_id", fmt.Sprintf("%d is not an offered gift", variantID))
	}

	out, err := w.pass(ctx, selection{variant: variantID})
	if err != nil {
		return out, err
	}
	if !out.Eligible {
		return out, model.NewNotEligibleError(out.Message)
	}
	return out, nil
}

// Edit enters editing mode: the next selection replaces the gift in the
// cart even when it is the same variant.
func (w *Widget) Edit() (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.state, model.NewClosedError()
	}
	w.state.Editing = true
	w.state.LastMessage = ""
	return w.state, nil
}

// loop runs one pass per coalesced notification.
func (w *Widget) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kick:
			if _, err := w.pass(ctx, selection{}); err != nil && ctx.Err() == nil && !errors.Is(err, model.ErrClosed) {
				w.logger.Warn("notification pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (w *Widget) isClosed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.closed
}

func (w *Widget) setPhase(p Phase) {
	w.mu.Lock()
	w.state.Phase = p
	w.mu.Unlock()
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
