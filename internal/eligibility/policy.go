// Package eligibility decides which gifts a cart qualifies for.
// Decisions are pure functions of a fresh cart snapshot and the widget's
// immutable configuration; stale local flags never feed in.
package eligibility

import "gwp-sync/internal/model"

// Policy holds the configuration the decision depends on.
type Policy struct {
	Threshold       int64 // Minor units, inclusive
	StandardEnabled bool
	VIPEnabled      bool
	VIPCustomer     bool
}

// PolicyFor derives the policy from widget configuration.
func PolicyFor(cfg *model.WidgetConfig) Policy {
	return Policy{
		Threshold:       cfg.Threshold,
		StandardEnabled: cfg.StandardEnabled,
		VIPEnabled:      cfg.VIPEnabled,
		VIPCustomer:     cfg.IsVIP(),
	}
}

// Input is what the policy reads from a snapshot plus the user's intent.
type Input struct {
	CartTotal       int64   // total_price from the snapshot
	HasMerchandise  bool    // at least one non-gift line
	PresentStandard []int64 // variants of standard gift lines in the snapshot
	Selected        int64   // variant the user asked for; 0 if none
	Editing         bool    // user is re-selecting a gift already in the cart
}

// InputFrom builds an Input from a snapshot.
func InputFrom(cart *model.Cart, selected int64, editing bool) Input {
	in := Input{
		CartTotal:      cart.TotalPrice,
		HasMerchandise: cart.HasMerchandise(),
		Selected:       selected,
		Editing:        editing,
	}
	for _, line := range cart.Lines(model.GiftStandard) {
		in.PresentStandard = append(in.PresentStandard, line.VariantID)
	}
	return in
}

// Decision is the desired gift state.
type Decision struct {
	Standard    bool // A standard gift may be in the cart
	AddStandard bool // The selected variant must be added
	VIP         bool // The VIP gift must be in the cart
}

// MeetsThreshold reports whether total unlocks the standard gift.
// The boundary is inclusive: total == Threshold qualifies.
func (p Policy) MeetsThreshold(total int64) bool {
	return total >= p.Threshold
}

// Decide evaluates both gifts independently.
//
// Standard: enabled AND total >= threshold. An add is needed when a variant
// is selected and not already present, or when the user is editing.
//
// VIP: enabled AND VIP customer AND the cart holds merchandise. A gift-only
// or empty cart never keeps the VIP gift. Threshold and the standard flag
// play no part.
func (p Policy) Decide(in Input) Decision {
	d := Decision{
		Standard: p.StandardEnabled && p.MeetsThreshold(in.CartTotal),
		VIP:      p.VIPEnabled && p.VIPCustomer && in.HasMerchandise,
	}
	if d.Standard && in.Selected > 0 {
		d.AddStandard = in.Editing || !contains(in.PresentStandard, in.Selected)
	}
	return d
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
