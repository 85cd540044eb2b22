package httpapi

import (
	"net/http"
	"strings"

	"veriscan.app/internal/audit"
	"veriscan.app/internal/obs"
)

type guestAuthRequest struct {
	DeviceID string `json:"deviceId"`
}

type guestAuthResponse struct {
	SubjectID          string `json:"subjectId"`
	AccessToken        string `json:"accessToken"`
	IDToken            string `json:"idToken,omitempty"`
	RefreshToken       string `json:"refreshToken,omitempty"`
	IsGuest            bool   `json:"isGuest"`
	DeviceID           string `json:"deviceId"`
	DeviceLimitReached bool   `json:"deviceLimitReached"`
	TokenBalance       int64  `json:"tokenBalance"`
}

// handleGuestAuth provisions (or re-authenticates) the guest account for a
// device fingerprint. The response is the same whether this call created
// the account or found it; retries converge.
func (a *API) handleGuestAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req guestAuthRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)

	res, err := a.guests.Provision(r.Context(), req.DeviceID)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}

	outcome := "reused"
	if res.Created {
		outcome = "created"
	}
	obs.IncGuestProvision(outcome)

	_ = audit.LogEvent(r.Context(), "guest.provisioned", map[string]any{
		"subject_id":           res.SubjectID,
		"device_id":            req.DeviceID,
		"created":              res.Created,
		"device_limit_reached": res.DeviceLimitReached,
	})

	writeJSON(w, http.StatusOK, guestAuthResponse{
		SubjectID:          res.SubjectID,
		AccessToken:        res.AccessToken,
		IDToken:            res.IDToken,
		RefreshToken:       res.RefreshToken,
		IsGuest:            true,
		DeviceID:           res.DeviceID,
		DeviceLimitReached: res.DeviceLimitReached,
		TokenBalance:       res.TokenBalance,
	})
}
