package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSectionID is the section the widget renders into when the page
// does not name one.
const DefaultSectionID = "gift-with-purchase"

// Default pacing between cart mutations. The storefront offers no
// transactions, so these give its state time to settle.
const (
	DefaultRemovalInterval = 100 * time.Millisecond
	DefaultSettleDelay     = 300 * time.Millisecond
)

// WidgetConfig holds the immutable settings of one gift widget instance.
// Built once at construction (from config or from page data attributes).
type WidgetConfig struct {
	SectionID      string   // Section the widget itself lives in
	CartSectionIDs []string // Cart summary / cart line sections present on the page
	SectionsURL    string   // Page path passed as sections_url on mutations

	Threshold       int64 // Minor units; standard gift unlocks at total >= Threshold
	StandardEnabled bool
	GiftVariants    []int64 // Standard gift candidates offered in the picker

	VIPEnabled   bool
	VIPCustomer  bool
	VIPTag       string   // Customer tag that marks a VIP
	CustomerTags []string // Tags of the signed-in customer, if known
	VIPVariantID int64

	RemovalInterval time.Duration
	SettleDelay     time.Duration
}

// IsVIP reports whether the current customer gets the VIP gift.
// An explicit flag wins; otherwise the customer's tags are matched against VIPTag.
func (c *WidgetConfig) IsVIP() bool {
	if c.VIPCustomer {
		return true
	}
	if c.VIPTag == "" {
		return false
	}
	for _, tag := range c.CustomerTags {
		if strings.EqualFold(strings.TrimSpace(tag), c.VIPTag) {
			return true
		}
	}
	return false
}

// OffersVariant returns true if variantID is one of the standard gift candidates.
// An empty candidate list accepts any variant.
func (c *WidgetConfig) OffersVariant(variantID int64) bool {
	if len(c.GiftVariants) == 0 {
		return variantID > 0
	}
	for _, v := range c.GiftVariants {
		if v == variantID {
			return true
		}
	}
	return false
}

// SectionIDs returns the widget section followed by each cart section, deduplicated.
func (c *WidgetConfig) SectionIDs() []string {
	seen := make(map[string]bool)
	ids := make([]string, 0, 1+len(c.CartSectionIDs))
	for _, id := range append([]string{c.SectionID}, c.CartSectionIDs...) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// Validate checks internal consistency.
func (c *WidgetConfig) Validate() error {
	if c.SectionID == "" {
		return fmt.Errorf("section_id is required")
	}
	if c.Threshold < 0 {
		return fmt.Errorf("threshold must not be negative")
	}
	if c.VIPEnabled && c.VIPVariantID <= 0 {
		return fmt.Errorf("vip_variant_id is required when VIP gifts are enabled")
	}
	for _, v := range c.GiftVariants {
		if v <= 0 {
			return fmt.Errorf("gift variant ids must be positive, got %d", v)
		}
		if c.VIPEnabled && v == c.VIPVariantID {
			return fmt.Errorf("variant %d is both a standard and a VIP gift", v)
		}
	}
	if c.RemovalInterval < 0 || c.SettleDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	return nil
}

// Seed is the gift state the page rendered with. The first convergence
// pass replaces it with what the cart actually holds.
type Seed struct {
	CurrentGiftVariantID int64
	HasGiftInCart        bool
}

// ParseDataset builds widget settings from the element's data attributes.
// Keys are the attribute names without the "data-" prefix, e.g. "cart-threshold".
func ParseDataset(attrs map[string]string) (*WidgetConfig, Seed, error) {
	cfg := &WidgetConfig{
		SectionID:       withDefault(attrs["section-id"], DefaultSectionID),
		CartSectionIDs:  splitList(attrs["cart-section-ids"]),
		SectionsURL:     attrs["sections-url"],
		Threshold:       ParseMinorUnits(attrs["cart-threshold"]),
		StandardEnabled: attrs["standard-enabled"] != "false",
		VIPEnabled:      attrs["vip-enabled"] == "true",
		VIPCustomer:     attrs["is-vip"] == "true",
		VIPTag:          withDefault(attrs["vip-tag"], "VIP"),
		CustomerTags:    splitList(attrs["customer-tags"]),
		RemovalInterval: DefaultRemovalInterval,
		SettleDelay:     DefaultSettleDelay,
	}

	var err error
	if cfg.VIPVariantID, err = parseID(attrs["vip-variant-id"]); err != nil {
		return nil, Seed{}, fmt.Errorf("vip-variant-id: %w", err)
	}
	for _, raw := range splitList(attrs["gift-variant-ids"]) {
		id, err := parseID(raw)
		if err != nil {
			return nil, Seed{}, fmt.Errorf("gift-variant-ids: %w", err)
		}
		cfg.GiftVariants = append(cfg.GiftVariants, id)
	}

	var seed Seed
	if seed.CurrentGiftVariantID, err = parseID(attrs["current-gift-variant-id"]); err != nil {
		return nil, Seed{}, fmt.Errorf("current-gift-variant-id: %w", err)
	}
	seed.HasGiftInCart = attrs["has-gift-in-cart"] == "true"

	if err := cfg.Validate(); err != nil {
		return nil, Seed{}, err
	}
	return cfg, seed, nil
}

// parseID parses an optional positive integer id. Empty means zero.
func parseID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	if id < 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// splitList splits a comma-separated attribute, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func withDefault(val, defaultVal string) string {
	if val != "" {
		return val
	}
	return defaultVal
}
