package handler

import (
	"log/slog"
	"net/http"

	"gwp-sync/internal/model"
	"gwp-sync/internal/notify"
)

// cartEventRequest is the body of POST /events/cart.
type cartEventRequest struct {
	Kind      notify.Kind `json:"kind"`
	ItemCount int         `json:"item_count,omitempty"`
}

type cartEventResponse struct {
	Status string `json:"status"`
	Kind   string `json:"kind"`
}

// handleCartEvent relays a page cart notification onto the bus.
// POST /events/cart
func (h *Handler) handleCartEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.bus == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error: errorBody{Code: "UNAVAILABLE", Message: "event intake is disabled"},
		})
		return
	}

	origin, err := ParseOriginHeader(r.Header.Get(OriginHeader))
	if err != nil {
		h.writeError(w, model.NewValidationError(OriginHeader, err.Error()))
		return
	}

	var req cartEventRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if !req.Kind.CartMutation() {
		h.writeError(w, model.NewValidationError("kind", "must be cart:update or cart:add"))
		return
	}

	h.logger.DebugContext(ctx, "cart event",
		slog.String("kind", string(req.Kind)),
		slog.String("origin", origin.Instance),
		slog.String("source", origin.Source),
	)

	h.bus.Publish(ctx, notify.Event{
		Kind:      req.Kind,
		Origin:    origin.Instance,
		Source:    origin.Source,
		ItemCount: req.ItemCount,
	})

	h.writeJSON(w, http.StatusAccepted, cartEventResponse{Status: "accepted", Kind: string(req.Kind)})
}

// handleListSections lists the sections rendered so far.
// GET /sections
func (h *Handler) handleListSections(w http.ResponseWriter, r *http.Request) {
	ids := []string{}
	if h.sections != nil {
		ids = append(ids, h.sections.IDs()...)
	}
	h.writeJSON(w, http.StatusOK, map[string][]string{"sections": ids})
}

// handleGetSection returns the last markup rendered for a section.
// GET /sections/{id}
func (h *Handler) handleGetSection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.sections == nil {
		h.writeError(w, model.NewNotFoundError("section "+id))
		return
	}
	s, ok := h.sections.Get(id)
	if !ok {
		h.writeError(w, model.NewNotFoundError("section "+id))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Last-Modified", s.UpdatedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.Markup))
}
