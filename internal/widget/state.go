package widget

import "time"

// Phase is where a widget is in its convergence cycle.
//
//	idle → syncing → (removing → adding?) → idle
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseSyncing  Phase = "syncing"
	PhaseRemoving Phase = "removing"
	PhaseAdding   Phase = "adding"
)

// State is the widget's belief about the cart. Every field except Editing,
// PendingVariant and LastMessage is overwritten from each fresh snapshot.
type State struct {
	InstanceID     string    `json:"instance_id"`
	Phase          Phase     `json:"phase"`
	CurrentVariant int64     `json:"current_variant_id,omitempty"`
	HasStandard    bool      `json:"has_gift"`
	HasVIP         bool      `json:"has_vip_gift"`
	Eligible       bool      `json:"eligible"`
	LastTotal      int64     `json:"cart_total"`
	ItemCount      int       `json:"item_count"`
	Editing        bool      `json:"editing"`
	PendingVariant int64     `json:"pending_variant_id,omitempty"`
	LastMessage    string    `json:"message,omitempty"`
	LastSync       time.Time `json:"last_sync,omitempty"`
}

// Busy reports whether a pass is in flight.
func (s State) Busy() bool {
	return s.Phase != PhaseIdle && s.Phase != ""
}

// Outcome reports what one convergence pass did.
type Outcome struct {
	Removed  []int    `json:"removed,omitempty"`  // Line numbers removed, in call order
	Added    []int64  `json:"added,omitempty"`    // Variants added
	Rendered []string `json:"rendered,omitempty"` // Sections re-rendered
	Eligible bool     `json:"eligible"`           // Standard gift unlocked by the cart total
	Verified bool     `json:"verified"`           // Removals confirmed by a fresh snapshot
	Message  string   `json:"message,omitempty"`  // Shown to the shopper
}

// Mutated reports whether the pass changed the cart.
func (o *Outcome) Mutated() bool {
	return len(o.Removed) > 0 || len(o.Added) > 0
}
