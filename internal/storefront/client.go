// Package storefront implements adapter.Cart against the storefront's AJAX
// cart API (cart.js, cart/change.js, cart/add.js and section rendering).
package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"gwp-sync/internal/adapter"
	"gwp-sync/internal/model"
	"gwp-sync/internal/transport"
)

// =============================================================================
// CART SESSION
// =============================================================================
//
// The storefront keys the cart on the "cart" cookie. The client sends the
// configured token on every call and adopts any replacement the storefront
// hands back in Set-Cookie, so a rotated session keeps pointing at the same
// cart the shopper sees.
//
// None of the endpoints are transactional. A change addresses a line by its
// 1-based position in the *current* cart, so callers must work from a fresh
// snapshot and remove from the highest line downwards.
// =============================================================================

const (
	pathCart   = "/cart.js"
	pathChange = "/cart/change.js"
	pathAdd    = "/cart/add.js"

	cartCookie = "cart"
	userAgent  = "GWP-Sync/1.0"

	// service names the storefront in upstream errors.
	service = "storefront"
)

// Config holds storefront client configuration.
type Config struct {
	StoreURL    string
	CartToken   string       // Value of the storefront's cart cookie
	SectionsURL string       // Page path used for section rendering; defaults to "/"
	HTTPClient  *http.Client // Optional; defaults to a fingerprinted client
}

// Client talks to one storefront cart.
type Client struct {
	httpClient  *http.Client
	storeURL    string
	sectionsURL string

	mu        sync.RWMutex
	cartToken string
}

// New creates a storefront client.
func New(cfg Config) (*Client, error) {
	if cfg.StoreURL == "" {
		return nil, fmt.Errorf("store URL is required")
	}
	if _, err := url.Parse(cfg.StoreURL); err != nil {
		return nil, fmt.Errorf("invalid store URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = transport.NewClient(transport.Options{Fingerprint: true})
	}

	sectionsURL := cfg.SectionsURL
	if sectionsURL == "" {
		sectionsURL = "/"
	}

	return &Client{
		httpClient:  httpClient,
		storeURL:    strings.TrimSuffix(cfg.StoreURL, "/"),
		sectionsURL: sectionsURL,
		cartToken:   cfg.CartToken,
	}, nil
}

// CartToken returns the cart session currently in use.
func (c *Client) CartToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cartToken
}

// SectionsURL returns the page path passed along with mutations.
func (c *Client) SectionsURL() string {
	return c.sectionsURL
}

// FetchCart retrieves the current cart.
func (c *Client) FetchCart(ctx context.Context) (*model.Cart, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.storeURL+pathCart, nil)
	if err != nil {
		return nil, fmt.Errorf("creating cart request: %w", err)
	}
	c.setHeaders(req)

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var cart model.Cart
	if err := json.Unmarshal(body, &cart); err != nil {
		return nil, fmt.Errorf("parsing cart response: %w", err)
	}
	return &cart, nil
}

// ChangeLine sets the quantity of one line, addressed by position.
func (c *Client) ChangeLine(ctx context.Context, r *adapter.ChangeLineRequest) (*adapter.ChangeLineResult, error) {
	if r.Line < 1 {
		return nil, model.NewValidationError("line", "must be 1 or greater")
	}

	sectionsURL := r.SectionsURL
	if sectionsURL == "" {
		sectionsURL = c.sectionsURL
	}
	payload, err := json.Marshal(changeRequest{
		Line:        r.Line,
		Quantity:    r.Quantity,
		Sections:    strings.Join(r.Sections, ","),
		SectionsURL: sectionsURL,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling change request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.storeURL+pathChange, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating change request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.NewUpstreamError(service, err)
	}
	defer resp.Body.Close()
	c.adoptCartToken(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading change response: %w", err)
	}

	// A rejected change (e.g. line out of range) still carries a JSON body
	// describing it; surface that as a result rather than an error.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusUnprocessableEntity && resp.StatusCode != http.StatusBadRequest {
		return nil, parseErrorResponse(resp.StatusCode, body)
	}

	var parsed changeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing change response: %w", err)
	}

	result := &adapter.ChangeLineResult{
		Errors:   flattenErrors(parsed.Errors),
		Sections: parsed.Sections,
	}
	if resp.StatusCode >= 400 {
		if result.Errors == "" {
			result.Errors = errorMessage(body, resp.StatusCode)
		}
		return result, nil
	}
	result.Cart = &parsed.Cart
	return result, nil
}

// AddItem adds a variant using the multipart form the theme submits.
func (c *Client) AddItem(ctx context.Context, r *adapter.AddItemRequest) (*adapter.AddItemResult, error) {
	if r.VariantID <= 0 {
		return nil, model.NewValidationError("id", "variant id is required")
	}
	quantity := r.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"id", strconv.FormatInt(r.VariantID, 10)},
		{"quantity", strconv.Itoa(quantity)},
	}
	for k, v := range r.Properties {
		fields = append(fields, [2]string{"properties[" + k + "]", v})
	}
	if len(r.Sections) > 0 {
		fields = append(fields, [2]string{"sections", strings.Join(r.Sections, ",")})
	}
	for _, f := range fields {
		if err := form.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("writing form field %s: %w", f[0], err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("closing add form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.storeURL+pathAdd, &buf)
	if err != nil {
		return nil, fmt.Errorf("creating add request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.NewUpstreamError(service, err)
	}
	defer resp.Body.Close()
	c.adoptCartToken(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading add response: %w", err)
	}

	var parsed addResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		if resp.StatusCode >= 400 {
			return nil, parseErrorResponse(resp.StatusCode, body)
		}
		return nil, fmt.Errorf("parsing add response: %w", err)
	}

	status := truthyStatus(parsed.Status)
	if status == "" && resp.StatusCode >= 400 {
		// Errors without a status field (e.g. 5xx from the CDN) are transport failures.
		return nil, parseErrorResponse(resp.StatusCode, body)
	}

	message := parsed.Message
	if parsed.Description != "" {
		message = parsed.Description
	}
	if status == "" {
		message = ""
	}

	return &adapter.AddItemResult{
		Status:   status,
		Message:  message,
		Sections: parsed.Sections,
	}, nil
}

// RenderSection fetches one section's markup, bypassing caches.
func (c *Client) RenderSection(ctx context.Context, sectionID string) (string, error) {
	if sectionID == "" {
		return "", model.NewValidationError("section_id", "required")
	}

	u, err := url.Parse(c.storeURL + c.sectionsURL)
	if err != nil {
		return "", fmt.Errorf("building section URL: %w", err)
	}
	q := u.Query()
	q.Set("section_id", sectionID)
	q.Set("_", strconv.FormatInt(time.Now().UnixNano(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("creating section request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/html")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", model.NewUpstreamError(service, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading section response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", model.NewNotFoundError("section " + sectionID)
	}
	if resp.StatusCode >= 400 {
		return "", parseErrorResponse(resp.StatusCode, body)
	}
	return string(body), nil
}

// do executes a request and returns the body of a successful response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.NewUpstreamError(service, err)
	}
	defer resp.Body.Close()
	c.adoptCartToken(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

// setHeaders sets the headers every storefront call carries.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if token := c.CartToken(); token != "" {
		req.AddCookie(&http.Cookie{Name: cartCookie, Value: token})
	}
}

// adoptCartToken switches to a cart session the storefront rotated us onto.
func (c *Client) adoptCartToken(resp *http.Response) {
	for _, ck := range resp.Cookies() {
		if ck.Name == cartCookie && ck.Value != "" {
			c.mu.Lock()
			c.cartToken = ck.Value
			c.mu.Unlock()
			return
		}
	}
}

// parseErrorResponse converts a storefront error to APIError.
func parseErrorResponse(statusCode int, body []byte) error {
	switch statusCode {
	case 404:
		return model.NewNotFoundError("cart resource")
	case 401, 403:
		return model.NewUnauthorizedError("storefront rejected the cart session")
	case 400, 422:
		return model.NewValidationError("request", errorMessage(body, statusCode))
	case 429:
		return model.NewRateLimitError(service)
	default:
		return model.NewUpstreamError(service,
			fmt.Errorf("status %d: %s", statusCode, errorMessage(body, statusCode)))
	}
}

// errorMessage extracts the most specific message from an error body.
func errorMessage(body []byte, statusCode int) string {
	var e errorResponse
	json.Unmarshal(body, &e) // Best effort parse
	switch {
	case e.Description != "":
		return e.Description
	case e.Message != "":
		return e.Message
	default:
		return http.StatusText(statusCode)
	}
}

// Verify Client implements adapter.Cart at compile time.
var _ adapter.Cart = (*Client)(nil)
