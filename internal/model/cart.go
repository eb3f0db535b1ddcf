package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Property keys that mark lines the gift widget created itself.
// The storefront hides underscore-prefixed properties from shoppers.
const (
	TagGift    = "_gwp"
	TagVIPGift = "_vip_gift"

	// tagValue is the only value that counts as "tagged".
	tagValue = "true"
)

// Cart is a snapshot of the remote cart as returned by GET /cart.js.
// Treat it as stale as soon as any mutation has been issued.
type Cart struct {
	Token      string     `json:"token,omitempty"`
	Items      []CartLine `json:"items"`
	TotalPrice int64      `json:"total_price"` // minor units
	ItemCount  int        `json:"item_count"`
	Currency   string     `json:"currency,omitempty"`
}

// UnmarshalJSON decodes the cart and assigns 1-based line positions.
// Positions are implicit on the wire (array order) but the change endpoint
// addresses lines by number, so they are materialized here.
func (c *Cart) UnmarshalJSON(data []byte) error {
	type cartAlias Cart
	var raw cartAlias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Cart(raw)
	for i := range c.Items {
		c.Items[i].Position = i + 1
	}
	return nil
}

// CartLine is one line of the cart.
type CartLine struct {
	Position   int        `json:"-"`
	Key        string     `json:"key,omitempty"`
	VariantID  int64      `json:"variant_id"`
	ProductID  int64      `json:"product_id,omitempty"`
	Title      string     `json:"title,omitempty"`
	Quantity   int        `json:"quantity"`
	LinePrice  int64      `json:"final_line_price,omitempty"`
	Properties Properties `json:"properties"`
}

// GiftKind classifies a cart line by the tag properties it carries.
type GiftKind int

const (
	GiftNone GiftKind = iota
	GiftStandard
	GiftVIP
)

func (k GiftKind) String() string {
	switch k {
	case GiftStandard:
		return "standard"
	case GiftVIP:
		return "vip"
	default:
		return "none"
	}
}

// Kind reports which gift, if any, this line is.
// A line tagged with both markers counts as a VIP gift.
func (l CartLine) Kind() GiftKind {
	if l.Properties.Tagged(TagVIPGift) {
		return GiftVIP
	}
	if l.Properties.Tagged(TagGift) {
		return GiftStandard
	}
	return GiftNone
}

// IsGift returns true for lines created by the widget.
func (l CartLine) IsGift() bool {
	return l.Kind() != GiftNone
}

// Lines returns the lines of the given kind in cart order.
func (c *Cart) Lines(kind GiftKind) []CartLine {
	var out []CartLine
	for _, line := range c.Items {
		if line.Kind() == kind {
			out = append(out, line)
		}
	}
	return out
}

// HasMerchandise returns true if at least one line is not a gift.
func (c *Cart) HasMerchandise() bool {
	return len(c.Lines(GiftNone)) > 0
}

// Properties is a line's property bag.
// The storefront returns it either as an object or as a list of
// {name, value} pairs depending on the endpoint; both decode here.
type Properties map[string]string

// Tagged returns true if key is present with the value "true".
func (p Properties) Tagged(key string) bool {
	return p[key] == tagValue
}

// propertyPair is the list form of a single property.
type propertyPair struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// UnmarshalJSON handles null, {"k": v, ...} and [{"name": k, "value": v}, ...].
func (p *Properties) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = nil
		return nil
	}

	// Object form
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err == nil {
		out := make(Properties, len(obj))
		for k, v := range obj {
			out[k] = scalarString(v)
		}
		*p = out
		return nil
	}

	// List form
	var pairs []propertyPair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("properties: expected object or name/value list: %w", err)
	}
	out := make(Properties, len(pairs))
	for _, pair := range pairs {
		if pair.Name == "" {
			continue
		}
		out[pair.Name] = scalarString(pair.Value)
	}
	*p = out
	return nil
}

// scalarString renders a JSON scalar as the string the storefront would
// have stored. Strings are unquoted, other scalars keep their literal form.
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b)
	}
	return string(raw)
}
