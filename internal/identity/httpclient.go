package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPProvider talks to the hosted identity provider over JSON HTTP.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider builds a client for the provider at baseURL. The timeout
// bounds every call; zero falls back to 10 seconds.
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) CreateAnonymousAccount(ctx context.Context, seed AccountSeed) (*Account, error) {
	var acc Account
	if err := p.do(ctx, http.MethodPost, "/v1/accounts", seed, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (p *HTTPProvider) Authenticate(ctx context.Context, handle, credential string) (*AuthResult, error) {
	in := struct {
		Handle     string `json:"handle"`
		Credential string `json:"credential"`
	}{handle, credential}
	var out AuthResult
	if err := p.do(ctx, http.MethodPost, "/v1/auth", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProvider) RespondToChallenge(ctx context.Context, challenge *Challenge, handle, newCredential string) (*AuthResult, error) {
	if challenge == nil {
		return nil, ErrChallengeFailed
	}
	in := struct {
		Name          string `json:"name"`
		Session       string `json:"session"`
		Handle        string `json:"handle"`
		NewCredential string `json:"newCredential"`
	}{challenge.Name, challenge.Session, handle, newCredential}
	var out AuthResult
	if err := p.do(ctx, http.MethodPost, "/v1/auth/challenge", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProvider) SetCredential(ctx context.Context, handle, credential string, permanent bool) error {
	in := struct {
		Credential string `json:"credential"`
		Permanent  bool   `json:"permanent"`
	}{credential, permanent}
	path := "/v1/accounts/" + url.PathEscape(handle) + "/credential"
	return p.do(ctx, http.MethodPut, path, in, nil)
}

func (p *HTTPProvider) FindByAttribute(ctx context.Context, key, value string) (*Account, error) {
	q := url.Values{"key": {key}, "value": {value}}
	var acc Account
	if err := p.do(ctx, http.MethodGet, "/v1/accounts/lookup?"+q.Encode(), nil, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("identity: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("identity: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}

func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusConflict:
		return ErrAlreadyExists
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrInvalidCredential
	case code == http.StatusBadRequest:
		return ErrChallengeFailed
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrUnavailable, code)
	}
}
