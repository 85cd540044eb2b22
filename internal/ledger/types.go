package ledger

import (
	"errors"
	"fmt"
	"time"

	"veriscan.app/internal/ids"
)

// TokenBalance is a subject's scan token account. Tokens are whole units;
// the balance never goes below zero.
type TokenBalance struct {
	SubjectID string    `json:"subjectId"`
	Tokens    int64     `json:"tokens"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Pack is one purchasable token bundle. The pack table is injected from
// configuration; the ledger only validates against it.
type Pack struct {
	Tokens     int64 `json:"tokens"`
	PriceCents int64 `json:"priceCents"`
}

// PurchaseRecord is one settled token pack purchase. TransactionID is the
// payment processor's reference and is unique across all purchases.
type PurchaseRecord struct {
	ID            string    `json:"id"`
	SubjectID     string    `json:"subjectId"`
	PackID        string    `json:"packId"`
	Tokens        int64     `json:"tokens"`
	PriceCents    int64     `json:"priceCents"`
	TransactionID string    `json:"transactionId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// PurchaseResult reports the settled purchase, the balance after it, and
// whether the call replayed an already-recorded transaction.
type PurchaseResult struct {
	Purchase PurchaseRecord `json:"purchase"`
	Balance  int64          `json:"balance"`
	Replayed bool           `json:"replayed"`
}

var (
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrInvalidSubject      = errors.New("ledger: subject id is required")
	ErrInvalidPack         = errors.New("ledger: unknown token pack")
	ErrTransactionConflict = errors.New("ledger: transaction recorded for another subject")

	// ErrInsufficientTokens reports a failed conditional spend. Callers that
	// need the observed balance unwrap an InsufficientTokensError.
	ErrInsufficientTokens = errors.New("ledger: insufficient tokens")
)

// InsufficientTokensError carries the balance observed when a spend failed,
// so callers can report it without a second read.
type InsufficientTokensError struct {
	Balance int64
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("ledger: insufficient tokens (balance %d)", e.Balance)
}

func (e *InsufficientTokensError) Unwrap() error { return ErrInsufficientTokens }

func newPurchaseID() string {
	return ids.Prefixed("pur")
}
