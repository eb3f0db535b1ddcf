// MCP transport for the gift widget using the official MCP Go SDK.
// Exposes the widget operations as tools for assistants driving a cart.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"gwp-sync/internal/model"
)

// === MCP Tool Input Types ===

// GiftStatusInput is the input schema for the gift_status tool.
type GiftStatusInput struct {
	Refresh bool `json:"refresh,omitempty" jsonschema:"run a convergence pass before reporting"`
}

// SelectGiftInput is the input schema for the select_gift tool.
type SelectGiftInput struct {
	VariantID int64 `json:"variant_id" jsonschema:"standard gift variant to place in the cart,required"`
}

// ReconcileCartInput is the input schema for the reconcile_cart tool.
type ReconcileCartInput struct {
	Reason string `json:"reason,omitempty" jsonschema:"why the cart is being re-checked, for logs"`
}

// NewMCPServer creates an MCP server with the widget tools registered.
// The server exposes the same operations as the REST API.
func (h *Handler) NewMCPServer() *mcp.Server {
	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    "gwp-sync",
			Version: "1.0.0",
		},
		&mcp.ServerOptions{
			Instructions: "Gift with purchase widget. Inspect the cart's gift state, " +
				"choose the free gift, or ask the widget to bring the cart back in line.",
		},
	)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "gift_status",
		Description: "Report the gift widget state: eligibility, selected gift, cart total and amount left to unlock.",
	}, h.mcpGiftStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "select_gift",
		Description: "Choose the standard free gift. Replaces any gift already in the cart. Fails when the cart total is below the threshold.",
	}, h.mcpSelectGift)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "reconcile_cart",
		Description: "Re-read the cart and remove or add gift lines so the cart matches the current eligibility.",
	}, h.mcpReconcileCart)

	return server
}

// NewMCPHandler returns an HTTP handler for the MCP endpoint.
// Mount this at /mcp on your mux.
func (h *Handler) NewMCPHandler() http.Handler {
	server := h.NewMCPServer()
	return mcp.NewStreamableHTTPHandler(
		func(r *http.Request) *mcp.Server { return server },
		nil,
	)
}

// === Tool Handlers ===

func (h *Handler) mcpGiftStatus(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GiftStatusInput,
) (*mcp.CallToolResult, *StatusOutput, error) {
	if input.Refresh {
		if _, err := h.widget.Reconcile(ctx); err != nil {
			return nil, nil, h.mcpError(err)
		}
	}
	status := h.statusOutput()
	return nil, &status, nil
}

func (h *Handler) mcpSelectGift(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input SelectGiftInput,
) (*mcp.CallToolResult, *PassOutput, error) {
	if input.VariantID <= 0 {
		return nil, nil, fmt.Errorf("variant_id is required")
	}

	out, err := h.widget.Select(ctx, input.VariantID)
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, &PassOutput{Outcome: out, Status: h.statusOutput()}, nil
}

func (h *Handler) mcpReconcileCart(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ReconcileCartInput,
) (*mcp.CallToolResult, *PassOutput, error) {
	if input.Reason != "" {
		h.logger.InfoContext(ctx, "reconcile requested", slog.String("reason", input.Reason))
	}

	out, err := h.widget.Reconcile(ctx)
	if err != nil {
		return nil, nil, h.mcpError(err)
	}
	return nil, &PassOutput{Outcome: out, Status: h.statusOutput()}, nil
}

// mcpError converts widget errors to MCP-friendly errors.
func (h *Handler) mcpError(err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
		return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
	}
	// Don't leak internal error details
	h.logger.Error("mcp tool failed", slog.String("error", err.Error()))
	if apiErr != nil {
		return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("internal error")
}
