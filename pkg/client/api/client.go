// Package api is an HTTP client for the content broker.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a broker instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a broker API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ContentResponse is returned by GET /content.
type ContentResponse struct {
	URL string `json:"url"`
}

// MembershipResponse is returned by GET /membership.
type MembershipResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the standard error format.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Error is returned for any non-200 broker response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker error (%d): %s", e.StatusCode, e.Message)
}

// Content requests a signed URL for file on behalf of addresses, in
// priority order.
func (c *Client) Content(ctx context.Context, file string, addresses ...string) (*ContentResponse, error) {
	segments := strings.Split(strings.TrimPrefix(file, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	path := "/content/" + strings.Join(segments, "/")

	var result ContentResponse
	if err := c.get(ctx, path, addressQuery(addresses), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Membership returns "none", "expired" or "active".
func (c *Client) Membership(ctx context.Context, addresses ...string) (string, error) {
	var result MembershipResponse
	if err := c.get(ctx, "/membership", addressQuery(addresses), &result); err != nil {
		return "", err
	}
	return result.Status, nil
}

// Health checks broker health.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var result map[string]any
	if err := c.get(ctx, "/health", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func addressQuery(addresses []string) url.Values {
	q := url.Values{}
	for _, a := range addresses {
		q.Add("address", a)
	}
	return q
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return &Error{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
