package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"veriscan.app/internal/detect"
	"veriscan.app/internal/device"
	"veriscan.app/internal/guest"
	"veriscan.app/internal/identity"
	"veriscan.app/internal/ledger"
	"veriscan.app/internal/scans"
)

// ReadyProbe reports whether the backing store answers.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "veriscan-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "veriscan-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
		"packs":   a.packs,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"success": false,
		"error":   msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeInsufficient is the 402 shape: the client needs the observed balance
// to render the paywall without a second round trip.
func writeInsufficient(w http.ResponseWriter, r *http.Request, msg string, balance int64) {
	payload := map[string]any{
		"success":      false,
		"error":        msg,
		"tokenBalance": balance,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, http.StatusPaymentRequired, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

var errBodyRequired = errors.New("request body is required")

// decodeJSON decodes a request body strictly: unknown fields and trailing
// data are rejected. The body size is already capped by middleware.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errBodyRequired
		}
		return fmt.Errorf("invalid JSON: %v", err)
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be omitted
// entirely.
func decodeOptionalJSON(r *http.Request, dst any) error {
	err := decodeJSON(r, dst)
	if errors.Is(err, errBodyRequired) {
		return nil
	}
	return err
}

func parsePositiveInt(raw string, def, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func parseCursor(raw string) uint64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// handleDomainError maps sentinel errors onto status codes in one place so
// every handler reports failures the same way. Unknown errors are treated
// as retryable store failures.
func (a *API) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *ledger.InsufficientTokensError
	switch {
	case errors.As(err, &insufficient):
		writeInsufficient(w, r, "insufficient tokens", insufficient.Balance)
	case errors.Is(err, ledger.ErrInsufficientTokens):
		writeInsufficient(w, r, "insufficient tokens", 0)
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidSubject),
		errors.Is(err, ledger.ErrInvalidPack),
		errors.Is(err, scans.ErrInvalidSubject),
		errors.Is(err, scans.ErrInvalidStatus),
		errors.Is(err, scans.ErrNoFingerprint),
		errors.Is(err, scans.ErrNoContent),
		errors.Is(err, guest.ErrDeviceRequired):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrTransactionConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, scans.ErrNotFound), errors.Is(err, device.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, identity.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, guest.ErrUnexpectedChallenge):
		writeError(w, r, http.StatusInternalServerError, err.Error())
	case errors.Is(err, identity.ErrUnavailable),
		errors.Is(err, detect.ErrUnavailable),
		errors.Is(err, scans.ErrUpstream):
		writeError(w, r, http.StatusBadGateway, "upstream dependency unavailable")
	default:
		writeError(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
	}
}
