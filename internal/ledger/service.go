package ledger

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Service defines token accounting operations. Every mutation is a single
// conditional write against the backing store; correctness never depends on
// the caller holding a lock between a read and a write.
type Service interface {
	// Initialize creates the subject's balance row with the given token
	// count if it does not exist yet. It reports whether this call created
	// the row, so at-least-once provisioning grants the free allowance at
	// most once.
	Initialize(ctx context.Context, subjectID string, tokens int64) (TokenBalance, bool, error)

	// Grant adds tokens unconditionally, creating the balance row when
	// missing. A zero grant just materializes the row.
	Grant(ctx context.Context, subjectID string, tokens int64) (TokenBalance, error)

	// Consume spends tokens only if the balance covers them. A failed spend
	// returns an InsufficientTokensError carrying the observed balance; a
	// missing account behaves as balance zero.
	Consume(ctx context.Context, subjectID string, tokens int64) (TokenBalance, error)

	// BalanceOf returns the subject's balance. Missing rows read as zero,
	// not as an error.
	BalanceOf(ctx context.Context, subjectID string) (TokenBalance, error)

	// Purchase validates the pack, records the purchase, and grants its
	// tokens. Replaying a transaction id returns the original record with
	// Replayed=true and no second grant.
	Purchase(ctx context.Context, subjectID, packID, transactionID string) (PurchaseResult, error)

	// ListPurchases returns the subject's purchases, newest first.
	ListPurchases(ctx context.Context, subjectID string, limit int) ([]PurchaseRecord, error)
}

// InMemory implements Service with in-process concurrency safety. It backs
// tests and single-node development; deployments use the Postgres store.
type InMemory struct {
	mu        sync.RWMutex
	balances  map[string]*TokenBalance
	purchases []PurchaseRecord
	byTxn     map[string]PurchaseRecord
	packs     map[string]Pack
	now       func() time.Time
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates a fresh ledger with the given pack table.
func NewInMemory(packs map[string]Pack) *InMemory {
	table := make(map[string]Pack, len(packs))
	for id, p := range packs {
		table[id] = p
	}
	return &InMemory{
		balances: make(map[string]*TokenBalance),
		byTxn:    make(map[string]PurchaseRecord),
		packs:    table,
		now:      time.Now,
	}
}

func (s *InMemory) Initialize(ctx context.Context, subjectID string, tokens int64) (TokenBalance, bool, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return TokenBalance{}, false, ErrInvalidSubject
	}
	if tokens < 0 {
		return TokenBalance{}, false, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.balances[subjectID]; ok {
		return *existing, false, nil
	}
	now := s.now().UTC()
	bal := &TokenBalance{SubjectID: subjectID, Tokens: tokens, CreatedAt: now, UpdatedAt: now}
	s.balances[subjectID] = bal
	return *bal, true, nil
}

func (s *InMemory) Grant(ctx context.Context, subjectID string, tokens int64) (TokenBalance, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return TokenBalance{}, ErrInvalidSubject
	}
	if tokens < 0 {
		return TokenBalance{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grantLocked(subjectID, tokens), nil
}

// grantLocked applies an unconditional credit. Callers hold s.mu.
func (s *InMemory) grantLocked(subjectID string, tokens int64) TokenBalance {
	now := s.now().UTC()
	bal, ok := s.balances[subjectID]
	if !ok {
		bal = &TokenBalance{SubjectID: subjectID, CreatedAt: now}
		s.balances[subjectID] = bal
	}
	bal.Tokens += tokens
	bal.UpdatedAt = now
	return *bal
}

func (s *InMemory) Consume(ctx context.Context, subjectID string, tokens int64) (TokenBalance, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return TokenBalance{}, ErrInvalidSubject
	}
	if tokens <= 0 {
		return TokenBalance{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[subjectID]
	if !ok {
		// Missing account spends like an empty one.
		return TokenBalance{}, &InsufficientTokensError{Balance: 0}
	}
	if bal.Tokens < tokens {
		return TokenBalance{}, &InsufficientTokensError{Balance: bal.Tokens}
	}
	bal.Tokens -= tokens
	bal.UpdatedAt = s.now().UTC()
	return *bal, nil
}

func (s *InMemory) BalanceOf(ctx context.Context, subjectID string) (TokenBalance, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return TokenBalance{}, ErrInvalidSubject
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	bal, ok := s.balances[subjectID]
	if !ok {
		// Missing rows read as zero.
		return TokenBalance{SubjectID: subjectID}, nil
	}
	return *bal, nil
}

func (s *InMemory) Purchase(ctx context.Context, subjectID, packID, transactionID string) (PurchaseResult, error) {
	subjectID = strings.TrimSpace(subjectID)
	transactionID = strings.TrimSpace(transactionID)
	if subjectID == "" {
		return PurchaseResult{}, ErrInvalidSubject
	}
	if transactionID == "" {
		return PurchaseResult{}, ErrInvalidAmount
	}
	pack, ok := s.packs[packID]
	if !ok {
		return PurchaseResult{}, ErrInvalidPack
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Idempotency: a replayed transaction id returns the original purchase
	// and grants nothing.
	if prev, ok := s.byTxn[transactionID]; ok {
		if prev.SubjectID != subjectID {
			return PurchaseResult{}, ErrTransactionConflict
		}
		balance := int64(0)
		if bal, ok := s.balances[subjectID]; ok {
			balance = bal.Tokens
		}
		return PurchaseResult{Purchase: prev, Balance: balance, Replayed: true}, nil
	}

	rec := PurchaseRecord{
		ID:            newPurchaseID(),
		SubjectID:     subjectID,
		PackID:        packID,
		Tokens:        pack.Tokens,
		PriceCents:    pack.PriceCents,
		TransactionID: transactionID,
		CreatedAt:     s.now().UTC(),
	}
	s.purchases = append(s.purchases, rec)
	s.byTxn[transactionID] = rec

	bal := s.grantLocked(subjectID, pack.Tokens)
	return PurchaseResult{Purchase: rec, Balance: bal.Tokens}, nil
}

func (s *InMemory) ListPurchases(ctx context.Context, subjectID string, limit int) ([]PurchaseRecord, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, ErrInvalidSubject
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []PurchaseRecord
	for i := len(s.purchases) - 1; i >= 0 && len(res) < limit; i-- {
		if s.purchases[i].SubjectID == subjectID {
			res = append(res, s.purchases[i])
		}
	}
	return res, nil
}
