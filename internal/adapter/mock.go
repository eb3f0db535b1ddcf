package adapter

import (
	"context"

	"gwp-sync/internal/model"
)

// Mock implements Cart for testing.
// Each method can be configured via function fields.
type Mock struct {
	FetchCartFunc     func(ctx context.Context) (*model.Cart, error)
	ChangeLineFunc    func(ctx context.Context, req *ChangeLineRequest) (*ChangeLineResult, error)
	AddItemFunc       func(ctx context.Context, req *AddItemRequest) (*AddItemResult, error)
	RenderSectionFunc func(ctx context.Context, sectionID string) (string, error)
}

// FetchCart calls the configured FetchCartFunc or returns an empty cart.
func (m *Mock) FetchCart(ctx context.Context) (*model.Cart, error) {
	if m.FetchCartFunc != nil {
		return m.FetchCartFunc(ctx)
	}
	return &model.Cart{}, nil
}

// ChangeLine calls the configured ChangeLineFunc or reports success.
func (m *Mock) ChangeLine(ctx context.Context, req *ChangeLineRequest) (*ChangeLineResult, error) {
	if m.ChangeLineFunc != nil {
		return m.ChangeLineFunc(ctx, req)
	}
	return &ChangeLineResult{}, nil
}

// AddItem calls the configured AddItemFunc or reports success.
func (m *Mock) AddItem(ctx context.Context, req *AddItemRequest) (*AddItemResult, error) {
	if m.AddItemFunc != nil {
		return m.AddItemFunc(ctx, req)
	}
	return &AddItemResult{}, nil
}

// RenderSection calls the configured RenderSectionFunc or returns a not-found error.
func (m *Mock) RenderSection(ctx context.Context, sectionID string) (string, error) {
	if m.RenderSectionFunc != nil {
		return m.RenderSectionFunc(ctx, sectionID)
	}
	return "", model.NewNotFoundError("section " + sectionID)
}

// Verify Mock implements Cart interface at compile time.
var _ Cart = (*Mock)(nil)
