// Package adapter defines the remote cart the gift widget reconciles against.
// The storefront owns the cart; the widget can only read it, change a line by
// number, add an item, and ask for sections to be re-rendered.
package adapter

import (
	"context"

	"gwp-sync/internal/model"
)

// Cart abstracts the storefront cart endpoints.
// Implementations must not retry mutations on their own: the reconciler owns
// pacing and verification.
type Cart interface {
	// FetchCart returns a fresh snapshot. Line positions are 1-based.
	FetchCart(ctx context.Context) (*model.Cart, error)

	// ChangeLine sets the quantity of the line at the given position.
	// Quantity 0 removes the line and shifts every later line up by one.
	// A response carrying an errors field is returned as a result, not an error.
	ChangeLine(ctx context.Context, req *ChangeLineRequest) (*ChangeLineResult, error)

	// AddItem adds a variant. A response with an error status is returned
	// as a result with Status/Message set, not as an error.
	AddItem(ctx context.Context, req *AddItemRequest) (*AddItemResult, error)

	// RenderSection returns fresh markup for one section, bypassing caches.
	// Returns a model.ErrNotFound error when the page has no such section.
	RenderSection(ctx context.Context, sectionID string) (string, error)
}

// ChangeLineRequest is the body of a line mutation.
type ChangeLineRequest struct {
	Line        int      `json:"line"`
	Quantity    int      `json:"quantity"`
	Sections    []string `json:"-"`
	SectionsURL string   `json:"sections_url,omitempty"`
}

// ChangeLineResult is the storefront's answer to a line mutation.
type ChangeLineResult struct {
	Errors   string            // Non-empty when the storefront rejected the change
	Sections map[string]string // Rendered markup keyed by section id
	Cart     *model.Cart       // Cart state after the change, when returned
}

// AddItemRequest adds one variant with line properties.
type AddItemRequest struct {
	VariantID  int64
	Quantity   int
	Properties map[string]string
	Sections   []string
}

// AddItemResult is the storefront's answer to an add.
type AddItemResult struct {
	Status   string // Non-empty when the add failed, e.g. "422"
	Message  string
	Sections map[string]string
}

// Failed reports whether the storefront rejected the add.
func (r *AddItemResult) Failed() bool {
	return r != nil && r.Status != ""
}
