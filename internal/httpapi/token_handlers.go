package httpapi

import (
	"net/http"
	"strings"

	"veriscan.app/internal/audit"
	"veriscan.app/internal/ledger"
	"veriscan.app/internal/obs"
)

// handleTokenBalance reports the caller's balance. Missing ledger rows read
// as zero, so a freshly provisioned client never sees a 404 here.
func (a *API) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	sub, ok := a.subjectFor(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	bal, err := a.tokens.BalanceOf(r.Context(), sub.ID)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subjectId":    bal.SubjectID,
		"tokenBalance": bal.Tokens,
	})
}

type consumeTokenRequest struct {
	DeviceID string `json:"deviceId"`
}

// handleTokenConsume spends one token. This is the gate for clients that
// run detection on-device and only need the metering; a refused spend is a
// 402 carrying the observed balance.
func (a *API) handleTokenConsume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sub, ok := a.subjectFor(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req consumeTokenRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)

	bal, err := a.tokens.Consume(r.Context(), sub.ID, 1)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	obs.IncTokensConsumed()

	// Forensic counter, not the gate: failures are logged and tolerated.
	if sub.Guest && req.DeviceID != "" {
		if _, derr := a.devices.RecordScan(r.Context(), req.DeviceID, sub.ID); derr != nil {
			obs.Warn("device_record_scan_failed", map[string]any{
				"device_id":  req.DeviceID,
				"subject_id": sub.ID,
				"error":      derr.Error(),
			})
		}
	}

	_ = audit.LogEvent(r.Context(), "tokens.consume", map[string]any{
		"subject_id": sub.ID,
		"balance":    bal.Tokens,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"subjectId":    bal.SubjectID,
		"tokenBalance": bal.Tokens,
	})
}

type purchaseRequest struct {
	PackID        string `json:"packId"`
	TransactionID string `json:"transactionId"`
}

type purchaseResponse struct {
	TokenBalance int64                 `json:"tokenBalance"`
	TokensAdded  int64                 `json:"tokensAdded"`
	Replayed     bool                  `json:"replayed"`
	Purchase     ledger.PurchaseRecord `json:"purchase"`
}

// handleTokenPurchase settles a pack purchase. The processor transaction id
// is the idempotency key: retries replay the recorded purchase instead of
// granting twice.
func (a *API) handleTokenPurchase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sub, ok := a.subjectFor(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req purchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.PackID = strings.TrimSpace(req.PackID)
	req.TransactionID = strings.TrimSpace(req.TransactionID)
	if req.PackID == "" {
		writeError(w, r, http.StatusBadRequest, "packId is required")
		return
	}
	if req.TransactionID == "" {
		writeError(w, r, http.StatusBadRequest, "transactionId is required")
		return
	}

	res, err := a.tokens.Purchase(r.Context(), sub.ID, req.PackID, req.TransactionID)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	if !res.Replayed {
		obs.AddTokensGranted("purchase", res.Purchase.Tokens)
	}

	event := "tokens.purchase"
	if res.Replayed {
		event = "tokens.purchase.replay"
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"subject_id":     sub.ID,
		"pack_id":        res.Purchase.PackID,
		"transaction_id": res.Purchase.TransactionID,
		"tokens":         res.Purchase.Tokens,
		"balance":        res.Balance,
	})

	writeJSON(w, http.StatusOK, purchaseResponse{
		TokenBalance: res.Balance,
		TokensAdded:  res.Purchase.Tokens,
		Replayed:     res.Replayed,
		Purchase:     res.Purchase,
	})
}

// handlePurchaseHistory lists the caller's settled purchases, newest first.
func (a *API) handlePurchaseHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	sub, ok := a.subjectFor(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	limit := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	items, err := a.tokens.ListPurchases(r.Context(), sub.ID, limit)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.PurchaseRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
	})
}
