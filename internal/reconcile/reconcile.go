// Package reconcile computes the cart mutations that bring gift lines in line
// with a target state. It is pure: callers fetch the snapshot, decide the
// target, and execute the resulting diff against the storefront.
package reconcile

import (
	"sort"

	"gwp-sync/internal/model"
)

// Target is the gift state a convergence pass is driving the cart towards.
type Target struct {
	Standard        bool  // A standard gift may be present
	StandardVariant int64 // Variant that must be the standard gift; 0 keeps whatever is there
	Replace         bool  // Re-selection while editing: drop even an identical variant
	VIP             bool  // The VIP gift must be present
	VIPVariant      int64 // Variant added when the VIP gift is missing
}

// GiftDiff describes the mutations needed to reach a Target.
// Removals must run before additions, highest position first
// (see ToRemove), so that no pending line number is invalidated.
type GiftDiff struct {
	ToRemove []Removal  // Sorted by descending Position
	ToAdd    []Addition // Standard gift first, then VIP
}

// Removal is a tagged line to drop (quantity 0 on its line number).
type Removal struct {
	Position  int
	VariantID int64
	Kind      model.GiftKind
}

// Addition is a gift to add with quantity 1 and its tag property.
type Addition struct {
	VariantID int64
	Kind      model.GiftKind
}

// Tag returns the property key that marks this addition in the cart.
func (a Addition) Tag() string {
	if a.Kind == model.GiftVIP {
		return model.TagVIPGift
	}
	return model.TagGift
}

// IsEmpty returns true if the cart already matches the target.
func (d *GiftDiff) IsEmpty() bool {
	return len(d.ToRemove) == 0 && len(d.ToAdd) == 0
}

// Positions returns the removal line numbers in execution order.
func (d *GiftDiff) Positions() []int {
	out := make([]int, len(d.ToRemove))
	for i, r := range d.ToRemove {
		out[i] = r.Position
	}
	return out
}

// DiffGifts computes the delta between the gift lines in cart and target.
// Only tagged lines are ever removed; merchandise is never touched.
//
// Standard gift:
//  1. Not allowed → remove every standard line
//  2. Replace → remove every standard line, add StandardVariant
//  3. StandardVariant set → keep the first line holding it, remove the rest;
//     add it if no line holds it
//  4. Otherwise → keep the first standard line, remove duplicates
//
// VIP gift: keep the first VIP line and remove duplicates when wanted,
// remove all VIP lines when not; add VIPVariant when wanted and absent.
func DiffGifts(cart *model.Cart, target Target) *GiftDiff {
	diff := &GiftDiff{}
	standard := cart.Lines(model.GiftStandard)
	vip := cart.Lines(model.GiftVIP)

	switch {
	case !target.Standard:
		diff.remove(standard...)

	case target.Replace && target.StandardVariant > 0:
		diff.remove(standard...)
		diff.add(target.StandardVariant, model.GiftStandard)

	case target.StandardVariant > 0:
		kept := false
		for _, line := range standard {
			if !kept && line.VariantID == target.StandardVariant {
				kept = true
				continue
			}
			diff.remove(line)
		}
		if !kept {
			diff.add(target.StandardVariant, model.GiftStandard)
		}

	case len(standard) > 1:
		diff.remove(standard[1:]...)
	}

	if target.VIP {
		if len(vip) > 1 {
			diff.remove(vip[1:]...)
		}
		if len(vip) == 0 && target.VIPVariant > 0 {
			diff.add(target.VIPVariant, model.GiftVIP)
		}
	} else {
		diff.remove(vip...)
	}

	SortForRemoval(diff.ToRemove)
	return diff
}

// SortForRemoval orders removals from the highest line number to the lowest.
// Removing line N only shifts lines after N, so every pending removal keeps
// a valid position without re-fetching the cart in between.
func SortForRemoval(removals []Removal) {
	sort.SliceStable(removals, func(i, j int) bool {
		return removals[i].Position > removals[j].Position
	})
}

func (d *GiftDiff) remove(lines ...model.CartLine) {
	for _, line := range lines {
		d.ToRemove = append(d.ToRemove, Removal{
			Position:  line.Position,
			VariantID: line.VariantID,
			Kind:      line.Kind(),
		})
	}
}

func (d *GiftDiff) add(variantID int64, kind model.GiftKind) {
	d.ToAdd = append(d.ToAdd, Addition{VariantID: variantID, Kind: kind})
}
