// Package detect scores stored content for manipulation likelihood via the
// external detection service.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable reports a detector outage. The caller surfaces it as a
// retryable upstream failure; tokens already spent on the scan stay spent.
var ErrUnavailable = errors.New("detect: service unavailable")

// Analyzer scores content. 0 reads as definitely authentic, 1 as definitely
// manipulated.
type Analyzer interface {
	Analyze(ctx context.Context, contentRef string) (float64, error)
}

// HTTPClient calls the detection service over JSON HTTP.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

var _ Analyzer = (*HTTPClient)(nil)

// NewHTTPClient builds a detector client. The timeout bounds every call;
// zero falls back to 30 seconds.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Analyze(ctx context.Context, contentRef string) (float64, error) {
	raw, err := json.Marshal(struct {
		ContentRef string `json:"contentRef"`
	}{contentRef})
	if err != nil {
		return 0, fmt.Errorf("detect: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("detect: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	var out struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if out.Score < 0 || out.Score > 1 {
		return 0, fmt.Errorf("detect: score %v out of range", out.Score)
	}
	return out.Score, nil
}

// Static returns a fixed score. It stands in when no detector is configured
// and pins scores in tests.
type Static struct {
	Score float64
}

var _ Analyzer = Static{}

func (s Static) Analyze(ctx context.Context, contentRef string) (float64, error) {
	return s.Score, nil
}
