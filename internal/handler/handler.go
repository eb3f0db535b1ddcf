// Package handler provides the HTTP API of the gift widget daemon.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"gwp-sync/internal/model"
	"gwp-sync/internal/notify"
	"gwp-sync/internal/view"
	"gwp-sync/internal/widget"
)

// Reconciler is the widget surface the API drives.
type Reconciler interface {
	ID() string
	Config() *model.WidgetConfig
	State() widget.State
	Select(ctx context.Context, variantID int64) (*widget.Outcome, error)
	Edit() (widget.State, error)
	Reconcile(ctx context.Context) (*widget.Outcome, error)
}

// Sections reads rendered section markup.
type Sections interface {
	Get(sectionID string) (view.Section, bool)
	IDs() []string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	widget   Reconciler
	bus      *notify.Bus
	sections Sections
	logger   *slog.Logger
}

// New creates a Handler. bus and sections may be nil; the related routes
// then answer 503 and 404 respectively.
func New(w Reconciler, bus *notify.Bus, sections Sections, logger *slog.Logger) *Handler {
	return &Handler{
		widget:   w,
		bus:      bus,
		sections: sections,
		logger:   logger,
	}
}

// RegisterRoutes registers all HTTP routes with the given ServeMux.
// Uses Go 1.22+ method routing patterns.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /widget", h.handleStatus)
	mux.HandleFunc("POST /widget/gift", h.handleSelect)
	mux.HandleFunc("POST /widget/edit", h.handleEdit)
	mux.HandleFunc("POST /widget/sync", h.handleSync)

	mux.HandleFunc("POST /events/cart", h.handleCartEvent)

	mux.HandleFunc("GET /sections", h.handleListSections)
	mux.HandleFunc("GET /sections/{id}", h.handleGetSection)

	mux.Handle("/mcp", h.NewMCPHandler())

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

// handleHealth returns a simple health check response.
// GET /health, GET /healthz
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

type healthResponse struct {
	Status string `json:"status"`
}

// === Response Helpers ===

// writeJSON sends a JSON response with the given status code.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError sends an error response, extracting status/code from APIError if present.
// Uses errors.As() to unwrap error chains (e.g., fmt.Errorf wrapping).
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	apiErr := asAPIError(err)
	if apiErr.StatusCode >= 500 {
		h.logger.Error("request failed", slog.String("error", err.Error()))
	}
	h.writeJSON(w, apiErr.StatusCode, errorResponse{
		Error: errorBody{
			Code:    apiErr.Code,
			Message: apiErr.Message,
		},
	})
}

// asAPIError finds the APIError in err's chain, or wraps err as internal.
func asAPIError(err error) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return model.NewInternalError(err)
}

// errorResponse is the JSON structure for error responses.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MaxRequestBodySize limits JSON request bodies.
const MaxRequestBodySize = 64 << 10

// decodeJSON reads JSON from request body into v.
// An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	r.Body = http.MaxBytesReader(nil, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.NewValidationError("body", "invalid JSON")
	}
	return nil
}
