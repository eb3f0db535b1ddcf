package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"gwp-sync/internal/adapter"
	"gwp-sync/internal/eligibility"
	"gwp-sync/internal/model"
	"gwp-sync/internal/notify"
	"gwp-sync/internal/reconcile"
)

// updateFailedMessage is shown when stuck removals keep the requested gift
// from being added.
const updateFailedMessage = "Your gift could not be updated, please try again."

// verifyRounds bounds how many snapshots are taken after a removal batch
// before the remaining lines are judged stuck.
const verifyRounds = 2

// selection is the user intent a pass carries. The zero value is a plain
// convergence pass.
type selection struct {
	variant int64
}

// =============================================================================
// CONVERGENCE PASS
// =============================================================================
//
// The cart endpoints are sequential and non-transactional, and a change
// addresses lines by their current 1-based number. A pass therefore:
//
//  1. fetches a snapshot and decides the target from it alone
//  2. removes tagged lines highest number first, without re-fetching
//  3. waits for the storefront to settle, re-fetches and re-diffs; lines
//     still present get exactly one more removal round
//  4. adds missing gifts only once removals are confirmed
//  5. re-renders every tracked section if anything was sent
//
// Failures in one step are logged and surface on the Outcome; state only
// ever reflects a fetched snapshot or a confirmed add.
// =============================================================================

func (w *Widget) pass(ctx context.Context, sel selection) (*Outcome, error) {
	w.passMu.Lock()
	defer w.passMu.Unlock()

	if w.isClosed() {
		return nil, model.NewClosedError()
	}

	w.mu.Lock()
	w.state.Phase = PhaseSyncing
	w.state.PendingVariant = sel.variant
	editing := w.state.Editing
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.state.Phase = PhaseIdle
		w.state.PendingVariant = 0
		if sel.variant > 0 {
			w.state.Editing = false
		}
		w.mu.Unlock()
	}()

	out := &Outcome{Verified: true}

	cart, err := w.cart.FetchCart(ctx)
	if err != nil {
		w.logger.Warn("cart fetch failed", slog.String("error", err.Error()))
		return out, fmt.Errorf("fetching cart: %w", err)
	}

	decision := w.policy.Decide(eligibility.InputFrom(cart, sel.variant, editing))
	target := w.target(cart, sel, editing, decision)
	out.Eligible = decision.Standard
	if sel.variant > 0 && !decision.Standard {
		out.Message = w.unlockMessage(cart.TotalPrice)
	}
	w.observe(cart, decision, out.Message)

	diff := reconcile.DiffGifts(cart, target)
	if diff.IsEmpty() {
		w.logger.Debug("cart already converged",
			slog.Int64("total", cart.TotalPrice),
			slog.Int("lines", len(cart.Items)),
		)
		return out, nil
	}

	additions := diff.ToAdd
	if len(diff.ToRemove) > 0 {
		w.setPhase(PhaseRemoving)

		fresh, err := w.removeVerified(ctx, diff.ToRemove, target, out)
		if err == nil && !out.Verified && len(diff.ToAdd) > 0 {
			w.report(out, updateFailedMessage)
		}
		if err != nil || !out.Verified {
			w.render(ctx, out)
			return out, err
		}
		w.observe(fresh, w.policy.Decide(eligibility.InputFrom(fresh, sel.variant, editing)), out.Message)
		additions = reconcile.DiffGifts(fresh, target).ToAdd
	}

	var addErr error
	if len(additions) > 0 {
		w.setPhase(PhaseAdding)
		for _, a := range additions {
			if err := w.add(ctx, a, out); err != nil {
				addErr = err
				break
			}
		}
	}

	w.render(ctx, out)
	return out, addErr
}

// target turns the policy decision into the gift state the diff drives to.
func (w *Widget) target(cart *model.Cart, sel selection, editing bool, d eligibility.Decision) reconcile.Target {
	t := reconcile.Target{
		Standard:   d.Standard,
		VIP:        d.VIP,
		VIPVariant: w.cfg.VIPVariantID,
	}
	switch {
	case sel.variant > 0:
		t.StandardVariant = sel.variant
		t.Replace = editing && d.AddStandard
	default:
		// Without a selection keep the variant we believe is ours, but only
		// if the cart still holds it: the standard gift is never re-added
		// on the shopper's behalf.
		current := w.State().CurrentVariant
		for _, line := range cart.Lines(model.GiftStandard) {
			if line.VariantID == current {
				t.StandardVariant = current
				break
			}
		}
	}
	return t
}

// observe overwrites state from a fresh snapshot.
func (w *Widget) observe(cart *model.Cart, d eligibility.Decision, message string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	standard := cart.Lines(model.GiftStandard)
	w.state.HasStandard = len(standard) > 0
	w.state.CurrentVariant = 0
	if len(standard) > 0 {
		w.state.CurrentVariant = standard[0].VariantID
	}
	w.state.HasVIP = len(cart.Lines(model.GiftVIP)) > 0
	w.state.Eligible = d.Standard
	w.state.LastTotal = cart.TotalPrice
	w.state.ItemCount = cart.ItemCount
	w.state.LastMessage = message
	w.state.LastSync = time.Now()
}

// removeVerified removes the given lines, confirms the removal against a fresh
// snapshot and retries once. out.Verified is false if tagged lines survive.
func (w *Widget) removeVerified(ctx context.Context, removals []reconcile.Removal, target reconcile.Target, out *Outcome) (*model.Cart, error) {
	if err := w.removeAll(ctx, removals, out); err != nil {
		out.Verified = false
		return nil, err
	}

	fresh, remaining, err := w.settle(ctx, target)
	if err != nil {
		out.Verified = false
		return nil, err
	}
	if len(remaining) == 0 {
		return fresh, nil
	}

	w.logger.Info("removal incomplete, retrying",
		slog.Any("positions", positions(remaining)),
	)
	if err := w.removeAll(ctx, remaining, out); err != nil {
		out.Verified = false
		return nil, err
	}

	fresh, remaining, err = w.settle(ctx, target)
	if err != nil {
		out.Verified = false
		return nil, err
	}
	if len(remaining) > 0 {
		out.Verified = false
		w.logger.Warn("gift lines still present after retry",
			slog.Any("positions", positions(remaining)),
		)
		w.observe(fresh, w.policy.Decide(eligibility.InputFrom(fresh, 0, false)), out.Message)
	}
	return fresh, nil
}

// removeAll issues one quantity-0 change per removal, in the given
// (descending) order, pacing calls by RemovalInterval. A failed change is
// logged and left for verification; lines below it keep their numbers.
func (w *Widget) removeAll(ctx context.Context, removals []reconcile.Removal, out *Outcome) error {
	for i, r := range removals {
		if i > 0 {
			if err := sleep(ctx, w.cfg.RemovalInterval); err != nil {
				return err
			}
		}

		res, err := w.cart.ChangeLine(ctx, &adapter.ChangeLineRequest{
			Line:        r.Position,
			Quantity:    0,
			Sections:    w.cfg.SectionIDs(),
			SectionsURL: w.cfg.SectionsURL,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("gift removal failed",
				slog.Int("line", r.Position),
				slog.Int64("variant_id", r.VariantID),
				slog.String("error", err.Error()),
			)
			continue
		}
		w.morph(res.Sections)
		if res.Errors != "" {
			w.logger.Warn("storefront rejected gift removal",
				slog.Int("line", r.Position),
				slog.String("errors", res.Errors),
			)
			continue
		}
		out.Removed = append(out.Removed, r.Position)
	}
	return nil
}

// settle waits for the storefront to apply removals, then re-fetches and
// re-diffs. Polls with growing delays, at most verifyRounds snapshots.
func (w *Widget) settle(ctx context.Context, target reconcile.Target) (*model.Cart, []reconcile.Removal, error) {
	b := &backoff.Backoff{
		Min:    w.cfg.SettleDelay,
		Max:    2 * w.cfg.SettleDelay,
		Factor: 2,
	}

	var lastErr error
	for round := 1; round <= verifyRounds; round++ {
		delay := b.Duration()
		if w.cfg.SettleDelay <= 0 {
			delay = 0
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, nil, err
		}

		cart, err := w.cart.FetchCart(ctx)
		if err != nil {
			lastErr = err
			w.logger.Warn("verification fetch failed",
				slog.Int("round", round),
				slog.String("error", err.Error()),
			)
			continue
		}

		remaining := reconcile.DiffGifts(cart, target).ToRemove
		if len(remaining) == 0 || round == verifyRounds {
			return cart, remaining, nil
		}
	}
	return nil, nil, fmt.Errorf("verifying removals: %w", lastErr)
}

// add adds one gift. A rejected add is reported on out and leaves state
// alone; only transport failures are returned.
func (w *Widget) add(ctx context.Context, a reconcile.Addition, out *Outcome) error {
	res, err := w.cart.AddItem(ctx, &adapter.AddItemRequest{
		VariantID:  a.VariantID,
		Quantity:   1,
		Properties: map[string]string{a.Tag(): "true"},
		Sections:   w.cfg.SectionIDs(),
	})
	if err != nil {
		w.logger.Warn("gift add failed",
			slog.Int64("variant_id", a.VariantID),
			slog.String("kind", a.Kind.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("adding gift %d: %w", a.VariantID, err)
	}
	if res.Failed() {
		msg := res.Message
		if msg == "" {
			msg = "The gift could not be added to your cart."
		}
		w.logger.Warn("storefront rejected gift add",
			slog.Int64("variant_id", a.VariantID),
			slog.String("status", res.Status),
			slog.String("message", res.Message),
		)
		w.report(out, msg)
		return nil
	}

	w.morph(res.Sections)
	out.Added = append(out.Added, a.VariantID)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	switch a.Kind {
	case model.GiftVIP:
		w.state.HasVIP = true
	default:
		w.state.HasStandard = true
		w.state.CurrentVariant = a.VariantID
	}
	previousCount := w.state.ItemCount
	w.mu.Unlock()

	itemCount := previousCount + 1
	if cart, err := w.cart.FetchCart(ctx); err != nil {
		w.logger.Warn("item count refresh failed", slog.String("error", err.Error()))
	} else {
		itemCount = cart.ItemCount
	}

	w.mu.Lock()
	if !w.closed {
		w.state.ItemCount = itemCount
	}
	w.mu.Unlock()

	if w.bus != nil {
		w.bus.Publish(ctx, notify.Event{
			Kind:      notify.KindGiftAdded,
			Origin:    w.id,
			Source:    notify.SourceGiftWidget,
			ItemCount: itemCount,
			VariantID: a.VariantID,
			Sections:  res.Sections,
		})
	}

	w.logger.Info("gift added",
		slog.Int64("variant_id", a.VariantID),
		slog.String("kind", a.Kind.String()),
		slog.Int("item_count", itemCount),
	)
	return nil
}

// render re-renders every tracked section concurrently. A failing section is
// logged and skipped; it never blocks the others.
func (w *Widget) render(ctx context.Context, out *Outcome) {
	ids := w.cfg.SectionIDs()
	rendered := make([]bool, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			markup, err := w.cart.RenderSection(ctx, id)
			if err != nil {
				level := slog.LevelWarn
				if errors.Is(err, model.ErrNotFound) {
					level = slog.LevelDebug
				}
				w.logger.Log(ctx, level, "section render failed",
					slog.String("section_id", id),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if w.view != nil {
				w.view.Morph(id, markup)
			}
			rendered[i] = true
			return nil
		})
	}
	g.Wait()

	for i, id := range ids {
		if rendered[i] {
			out.Rendered = append(out.Rendered, id)
		}
	}
}

// report surfaces msg to the shopper on the outcome and in state.
func (w *Widget) report(out *Outcome, msg string) {
	out.Message = msg
	w.mu.Lock()
	if !w.closed {
		w.state.LastMessage = msg
	}
	w.mu.Unlock()
}

// morph applies sections returned inline by a mutation.
func (w *Widget) morph(sections map[string]string) {
	if w.view == nil {
		return
	}
	for id, markup := range sections {
		w.view.Morph(id, markup)
	}
}

// unlockMessage tells the shopper how far the cart is from the threshold.
func (w *Widget) unlockMessage(total int64) string {
	if !w.cfg.StandardEnabled {
		return "Gift selection is not available."
	}
	return fmt.Sprintf("Spend %s more to unlock your free gift.", model.FormatMinorUnits(w.cfg.Threshold-total))
}

func positions(removals []reconcile.Removal) []int {
	out := make([]int, len(removals))
	for i, r := range removals {
		out[i] = r.Position
	}
	return out
}
