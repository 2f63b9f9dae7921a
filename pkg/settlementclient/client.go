/**
 * @description
 * Client for the settlement service's internal endpoints, used by the scheduler.
 */
package settlementclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/seatshare/settlement-service/internal/domain"
)

// Client calls the settlement service with the shared internal API key.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new settlement service client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ReleaseExpired asks the service to liberate up to limit payments whose
// retention deadline has passed.
func (c *Client) ReleaseExpired(ctx context.Context, limit int) (domain.ReleaseSummary, error) {
	var summary domain.ReleaseSummary
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if err := c.post(ctx, "/internal/payments/release-expired", query, &summary); err != nil {
		return domain.ReleaseSummary{}, err
	}
	return summary, nil
}

func (c *Client) post(ctx context.Context, path string, query url.Values, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("settlement service base URL is not configured")
	}

	endpoint := c.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString("{}"))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to settlement service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("settlement service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode settlement service response: %w", err)
	}
	return nil
}
