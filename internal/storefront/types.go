package storefront

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gwp-sync/internal/model"
)

// changeRequest is the JSON body of POST /cart/change.js.
type changeRequest struct {
	Line        int    `json:"line"`
	Quantity    int    `json:"quantity"`
	Sections    string `json:"sections,omitempty"` // comma-joined section ids
	SectionsURL string `json:"sections_url,omitempty"`
}

// changeResponse is the cart returned by /cart/change.js, plus the
// optional errors and sections fields.
type changeResponse struct {
	model.Cart
	Errors   json.RawMessage   `json:"errors,omitempty"`
	Sections map[string]string `json:"sections,omitempty"`
}

// UnmarshalJSON decodes the embedded cart (which has its own decoder) and the
// side fields separately; the embedded decoder would otherwise swallow them.
func (r *changeResponse) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &r.Cart); err != nil {
		return err
	}
	var side struct {
		Errors   json.RawMessage   `json:"errors"`
		Sections map[string]string `json:"sections"`
	}
	if err := json.Unmarshal(data, &side); err != nil {
		return err
	}
	r.Errors = side.Errors
	r.Sections = side.Sections
	return nil
}

// addResponse covers both shapes of /cart/add.js: the added item with
// sections on success, or status/message/description on failure.
type addResponse struct {
	Status      json.RawMessage   `json:"status,omitempty"`
	Message     string            `json:"message,omitempty"`
	Description string            `json:"description,omitempty"`
	Sections    map[string]string `json:"sections,omitempty"`
}

// errorResponse is the storefront's generic error body.
type errorResponse struct {
	Status      json.RawMessage `json:"status"`
	Message     string          `json:"message"`
	Description string          `json:"description"`
}

// truthyStatus returns the status as a string when it signals an error.
// The storefront sends numbers (422) or strings ("bad_request"); false,
// 0, "", and null mean success.
func truthyStatus(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	switch s {
	case "", "null", "false", "0", `""`:
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return s
}

// flattenErrors renders the errors field of a change response as one line.
// It may be a string, a list of strings, or an object of field → messages.
func flattenErrors(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err == nil {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k, flattenErrors(fields[k])))
		}
		return strings.Join(parts, "; ")
	}

	return s
}
