// Package client is a typed HTTP client for the scan service API. It is
// what smoke tooling and Go consumers use instead of hand-building requests.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"veriscan.app/internal/ledger"
	"veriscan.app/internal/scans"
)

// Client talks to one service instance. Methods are safe for concurrent use
// once the bearer token is set.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// New creates a client with sensible defaults.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// SetToken installs the bearer credential used on subsequent calls.
func (c *Client) SetToken(token string) { c.token = token }

// APIError is a non-2xx response decoded from the service's error body.
type APIError struct {
	Status       int
	Message      string
	RequestID    string
	TokenBalance int64
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// GuestSession is the provisioning outcome for one device.
type GuestSession struct {
	SubjectID          string `json:"subjectId"`
	AccessToken        string `json:"accessToken"`
	IDToken            string `json:"idToken"`
	RefreshToken       string `json:"refreshToken"`
	IsGuest            bool   `json:"isGuest"`
	DeviceID           string `json:"deviceId"`
	DeviceLimitReached bool   `json:"deviceLimitReached"`
	TokenBalance       int64  `json:"tokenBalance"`
}

// GuestAuth provisions (or re-authenticates) the guest account for the
// device and installs its access token on the client.
func (c *Client) GuestAuth(ctx context.Context, deviceID string) (*GuestSession, error) {
	var out GuestSession
	if _, err := c.do(ctx, http.MethodPost, "/v1/auth/guest", map[string]string{"deviceId": deviceID}, &out); err != nil {
		return nil, err
	}
	c.SetToken(out.AccessToken)
	return &out, nil
}

type balanceBody struct {
	SubjectID    string `json:"subjectId"`
	TokenBalance int64  `json:"tokenBalance"`
}

// Balance returns the caller's token balance.
func (c *Client) Balance(ctx context.Context) (int64, error) {
	var out balanceBody
	if _, err := c.do(ctx, http.MethodGet, "/v1/tokens/balance", nil, &out); err != nil {
		return 0, err
	}
	return out.TokenBalance, nil
}

// Consume spends one token. deviceID may be empty; guests that pass it have
// the scan counted against the device's free allowance.
func (c *Client) Consume(ctx context.Context, deviceID string) (int64, error) {
	var body any
	if deviceID != "" {
		body = map[string]string{"deviceId": deviceID}
	}
	var out balanceBody
	if _, err := c.do(ctx, http.MethodPost, "/v1/tokens/consume", body, &out); err != nil {
		return 0, err
	}
	return out.TokenBalance, nil
}

// PurchaseOutcome mirrors the purchase response.
type PurchaseOutcome struct {
	TokenBalance int64                 `json:"tokenBalance"`
	TokensAdded  int64                 `json:"tokensAdded"`
	Replayed     bool                  `json:"replayed"`
	Purchase     ledger.PurchaseRecord `json:"purchase"`
}

// Purchase settles a token pack purchase. The transaction id is the
// idempotency key; retrying it replays the recorded purchase.
func (c *Client) Purchase(ctx context.Context, packID, transactionID string) (*PurchaseOutcome, error) {
	var out PurchaseOutcome
	_, err := c.do(ctx, http.MethodPost, "/v1/tokens/purchase", map[string]string{
		"packId":        packID,
		"transactionId": transactionID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPurchases returns the caller's purchases, newest first.
func (c *Client) ListPurchases(ctx context.Context, limit int) ([]ledger.PurchaseRecord, error) {
	path := "/v1/tokens/purchases"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Items []ledger.PurchaseRecord `json:"items"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// AnalyzeRequest carries one payload for the full server-side pipeline.
type AnalyzeRequest struct {
	Image       []byte
	ContentType string
	Label       string
	DeviceID    string
}

// AnalyzeOutcome is the pipeline result. Replayed reports that the content
// was already scanned and the original verdict was returned.
type AnalyzeOutcome struct {
	Record       scans.ScanRecord `json:"record"`
	TokenBalance int64            `json:"tokenBalance"`
	Replayed     bool             `json:"-"`
}

// Analyze submits a payload for scanning.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeOutcome, error) {
	var out AnalyzeOutcome
	status, err := c.do(ctx, http.MethodPost, "/v1/scans/analyze", map[string]string{
		"image":       base64.StdEncoding.EncodeToString(req.Image),
		"contentType": req.ContentType,
		"label":       req.Label,
		"deviceId":    req.DeviceID,
	}, &out)
	if err != nil {
		return nil, err
	}
	out.Replayed = status == http.StatusOK
	return &out, nil
}

// CreateScanInput records a verdict produced outside the service.
type CreateScanInput struct {
	ContentRef string  `json:"contentRef,omitempty"`
	RequestID  string  `json:"requestId,omitempty"`
	Status     string  `json:"status"`
	Score      float64 `json:"score"`
	Label      string  `json:"label,omitempty"`
	Note       string  `json:"note,omitempty"`
}

// CreateScan ingests one verdict. The returned bool reports whether a new
// record was created; false means the content was already recorded.
func (c *Client) CreateScan(ctx context.Context, in CreateScanInput) (scans.ScanRecord, bool, error) {
	var rec scans.ScanRecord
	status, err := c.do(ctx, http.MethodPost, "/v1/scans", in, &rec)
	if err != nil {
		return scans.ScanRecord{}, false, err
	}
	return rec, status == http.StatusCreated, nil
}

// UpdateScan patches a record's label or note; nil fields stay unchanged.
func (c *Client) UpdateScan(ctx context.Context, scanID string, label, note *string) (scans.ScanRecord, error) {
	body := map[string]*string{}
	if label != nil {
		body["label"] = label
	}
	if note != nil {
		body["note"] = note
	}
	var rec scans.ScanRecord
	if _, err := c.do(ctx, http.MethodPatch, "/v1/scans/"+url.PathEscape(scanID), body, &rec); err != nil {
		return scans.ScanRecord{}, err
	}
	return rec, nil
}

// ScanPage is one page of scan history.
type ScanPage struct {
	Items      []scans.ScanRecord `json:"items"`
	NextCursor uint64             `json:"nextCursor"`
}

// ListScans pages through the caller's scan history, newest first. A zero
// cursor starts from the top; a zero NextCursor ends the walk.
func (c *Client) ListScans(ctx context.Context, limit int, cursor uint64) (*ScanPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatUint(cursor, 10))
	}
	path := "/v1/scans"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out ScanPage
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return 0, fmt.Errorf("client: encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &body)
	if err != nil {
		return 0, fmt.Errorf("client: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var wire struct {
			Error        string `json:"error"`
			RequestID    string `json:"request_id"`
			TokenBalance int64  `json:"tokenBalance"`
		}
		if derr := json.NewDecoder(resp.Body).Decode(&wire); derr == nil && wire.Error != "" {
			apiErr.Message = wire.Error
			apiErr.RequestID = wire.RequestID
			apiErr.TokenBalance = wire.TokenBalance
		}
		return resp.StatusCode, apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("client: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// WithTimeout returns a context with a default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
