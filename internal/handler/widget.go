package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"gwp-sync/internal/model"
	"gwp-sync/internal/widget"
)

// StatusOutput is the widget as the shopper-facing page sees it.
type StatusOutput struct {
	InstanceID       string   `json:"instance_id"`
	Phase            string   `json:"phase"`
	CurrentVariantID int64    `json:"current_variant_id,omitempty"`
	HasGift          bool     `json:"has_gift"`
	HasVIPGift       bool     `json:"has_vip_gift"`
	Eligible         bool     `json:"eligible"`
	Editing          bool     `json:"editing"`
	CartTotal        string   `json:"cart_total"`
	Threshold        string   `json:"threshold"`
	Remaining        string   `json:"remaining"`
	ItemCount        int      `json:"item_count"`
	Message          string   `json:"message,omitempty"`
	GiftVariants     []int64  `json:"gift_variants,omitempty"`
	SectionIDs       []string `json:"section_ids,omitempty"`
	LastSync         string   `json:"last_sync,omitempty"`
}

// PassOutput reports a convergence pass and the state it left behind.
type PassOutput struct {
	Outcome *widget.Outcome `json:"outcome"`
	Status  StatusOutput    `json:"status"`
}

// selectRequest is the body of POST /widget/gift.
type selectRequest struct {
	VariantID int64 `json:"variant_id"`
}

// statusOutput renders the current widget state.
func (h *Handler) statusOutput() StatusOutput {
	st := h.widget.State()
	cfg := h.widget.Config()

	remaining := cfg.Threshold - st.LastTotal
	if remaining < 0 {
		remaining = 0
	}

	out := StatusOutput{
		InstanceID:       st.InstanceID,
		Phase:            string(st.Phase),
		CurrentVariantID: st.CurrentVariant,
		HasGift:          st.HasStandard,
		HasVIPGift:       st.HasVIP,
		Eligible:         st.Eligible,
		Editing:          st.Editing,
		CartTotal:        model.FormatMinorUnits(st.LastTotal),
		Threshold:        model.FormatMinorUnits(cfg.Threshold),
		Remaining:        model.FormatMinorUnits(remaining),
		ItemCount:        st.ItemCount,
		Message:          st.LastMessage,
		GiftVariants:     cfg.GiftVariants,
		SectionIDs:       cfg.SectionIDs(),
	}
	if !st.LastSync.IsZero() {
		out.LastSync = st.LastSync.UTC().Format(time.RFC3339)
	}
	return out
}

// handleStatus returns the widget state.
// GET /widget
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.statusOutput())
}

// handleSelect selects the standard gift and converges the cart.
// POST /widget/gift
func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req selectRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.VariantID <= 0 {
		h.writeError(w, model.NewValidationError("variant_id", "required"))
		return
	}

	h.logger.InfoContext(ctx, "selecting gift", slog.Int64("variant_id", req.VariantID))

	out, err := h.widget.Select(ctx, req.VariantID)
	if err != nil {
		// A below-threshold selection still ran a pass; report it with the error.
		if out != nil && errors.Is(err, model.ErrNotEligible) {
			h.writeJSON(w, http.StatusConflict, passError{
				errorResponse: errorResponse{Error: errorBody{Code: "NOT_ELIGIBLE", Message: out.Message}},
				PassOutput:    PassOutput{Outcome: out, Status: h.statusOutput()},
			})
			return
		}
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, PassOutput{Outcome: out, Status: h.statusOutput()})
}

// passError is an error response that still carries the pass that ran.
type passError struct {
	errorResponse
	PassOutput
}

// handleEdit enters editing mode.
// POST /widget/edit
func (h *Handler) handleEdit(w http.ResponseWriter, r *http.Request) {
	if _, err := h.widget.Edit(); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.statusOutput())
}

// handleSync runs a convergence pass.
// POST /widget/sync
func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	out, err := h.widget.Reconcile(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, PassOutput{Outcome: out, Status: h.statusOutput()})
}
