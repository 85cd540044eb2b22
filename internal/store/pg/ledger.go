package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"veriscan.app/internal/ids"
	"veriscan.app/internal/ledger"
)

var _ ledger.Service = (*Store)(nil)

func (s *Store) Initialize(ctx context.Context, subjectID string, tokens int64) (ledger.TokenBalance, bool, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return ledger.TokenBalance{}, false, ledger.ErrInvalidSubject
	}
	if tokens < 0 {
		return ledger.TokenBalance{}, false, ledger.ErrInvalidAmount
	}

	bal := ledger.TokenBalance{SubjectID: subjectID}
	err := s.db.QueryRowContext(ctx, `
		insert into token_balances (subject_id, tokens)
		values ($1, $2)
		on conflict (subject_id) do nothing
		returning tokens, created_at, updated_at
	`, subjectID, tokens).Scan(&bal.Tokens, &bal.CreatedAt, &bal.UpdatedAt)
	if err == nil {
		return bal, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ledger.TokenBalance{}, false, err
	}

	// Row already existed; the initial grant stays a one-time event.
	bal, err = s.BalanceOf(ctx, subjectID)
	return bal, false, err
}

func (s *Store) Grant(ctx context.Context, subjectID string, tokens int64) (ledger.TokenBalance, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return ledger.TokenBalance{}, ledger.ErrInvalidSubject
	}
	if tokens < 0 {
		return ledger.TokenBalance{}, ledger.ErrInvalidAmount
	}

	bal := ledger.TokenBalance{SubjectID: subjectID}
	err := s.db.QueryRowContext(ctx, `
		insert into token_balances (subject_id, tokens)
		values ($1, $2)
		on conflict (subject_id) do update
		set tokens = token_balances.tokens + excluded.tokens, updated_at = now()
		returning tokens, created_at, updated_at
	`, subjectID, tokens).Scan(&bal.Tokens, &bal.CreatedAt, &bal.UpdatedAt)
	if err != nil {
		return ledger.TokenBalance{}, err
	}
	return bal, nil
}

func (s *Store) Consume(ctx context.Context, subjectID string, tokens int64) (ledger.TokenBalance, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return ledger.TokenBalance{}, ledger.ErrInvalidSubject
	}
	if tokens <= 0 {
		return ledger.TokenBalance{}, ledger.ErrInvalidAmount
	}

	bal := ledger.TokenBalance{SubjectID: subjectID}
	err := s.db.QueryRowContext(ctx, `
		update token_balances
		set tokens = tokens - $2, updated_at = now()
		where subject_id = $1 and tokens >= $2
		returning tokens, created_at, updated_at
	`, subjectID, tokens).Scan(&bal.Tokens, &bal.CreatedAt, &bal.UpdatedAt)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ledger.TokenBalance{}, err
	}

	// The conditional update refused the spend. The follow-up read only
	// decorates the error; when it fails the refusal stands with balance 0.
	observed := int64(0)
	if cur, err := s.BalanceOf(ctx, subjectID); err == nil {
		observed = cur.Tokens
	}
	return ledger.TokenBalance{}, &ledger.InsufficientTokensError{Balance: observed}
}

func (s *Store) BalanceOf(ctx context.Context, subjectID string) (ledger.TokenBalance, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return ledger.TokenBalance{}, ledger.ErrInvalidSubject
	}

	bal := ledger.TokenBalance{SubjectID: subjectID}
	err := s.db.QueryRowContext(ctx, `
		select tokens, created_at, updated_at
		from token_balances
		where subject_id = $1
	`, subjectID).Scan(&bal.Tokens, &bal.CreatedAt, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Missing rows read as zero.
		return ledger.TokenBalance{SubjectID: subjectID}, nil
	}
	if err != nil {
		return ledger.TokenBalance{}, err
	}
	return bal, nil
}

func (s *Store) Purchase(ctx context.Context, subjectID, packID, transactionID string) (ledger.PurchaseResult, error) {
	subjectID = strings.TrimSpace(subjectID)
	transactionID = strings.TrimSpace(transactionID)
	if subjectID == "" {
		return ledger.PurchaseResult{}, ledger.ErrInvalidSubject
	}
	if transactionID == "" {
		return ledger.PurchaseResult{}, ledger.ErrInvalidAmount
	}
	pack, ok := s.packs[packID]
	if !ok {
		return ledger.PurchaseResult{}, ledger.ErrInvalidPack
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.PurchaseResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rec := ledger.PurchaseRecord{
		ID:            ids.Prefixed("pur"),
		SubjectID:     subjectID,
		PackID:        packID,
		Tokens:        pack.Tokens,
		PriceCents:    pack.PriceCents,
		TransactionID: transactionID,
	}
	err = tx.QueryRowContext(ctx, `
		insert into purchases (id, subject_id, pack_id, tokens, price_cents, transaction_id)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (transaction_id) do nothing
		returning created_at
	`, rec.ID, rec.SubjectID, rec.PackID, rec.Tokens, rec.PriceCents, rec.TransactionID).Scan(&rec.CreatedAt)

	switch {
	case err == nil:
		// Fresh transaction: the grant commits with the record or not at all.
		var balance int64
		if err := tx.QueryRowContext(ctx, `
			insert into token_balances (subject_id, tokens)
			values ($1, $2)
			on conflict (subject_id) do update
			set tokens = token_balances.tokens + excluded.tokens, updated_at = now()
			returning tokens
		`, subjectID, pack.Tokens).Scan(&balance); err != nil {
			return ledger.PurchaseResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return ledger.PurchaseResult{}, err
		}
		return ledger.PurchaseResult{Purchase: rec, Balance: balance}, nil

	case errors.Is(err, sql.ErrNoRows):
		// Replayed transaction id. The conflicting insert has committed by
		// the time ours resolves, so the recorded purchase is visible.
		prev, err := s.purchaseByTransaction(ctx, transactionID)
		if err != nil {
			return ledger.PurchaseResult{}, err
		}
		if prev.SubjectID != subjectID {
			return ledger.PurchaseResult{}, ledger.ErrTransactionConflict
		}
		bal, err := s.BalanceOf(ctx, subjectID)
		if err != nil {
			return ledger.PurchaseResult{}, err
		}
		return ledger.PurchaseResult{Purchase: prev, Balance: bal.Tokens, Replayed: true}, nil

	default:
		return ledger.PurchaseResult{}, err
	}
}

func (s *Store) ListPurchases(ctx context.Context, subjectID string, limit int) ([]ledger.PurchaseRecord, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, ledger.ErrInvalidSubject
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, subject_id, pack_id, tokens, price_cents, transaction_id, created_at
		from purchases
		where subject_id = $1
		order by created_at desc, id desc
		limit $2
	`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.PurchaseRecord
	for rows.Next() {
		rec, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (s *Store) purchaseByTransaction(ctx context.Context, transactionID string) (ledger.PurchaseRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, subject_id, pack_id, tokens, price_cents, transaction_id, created_at
		from purchases
		where transaction_id = $1
	`, transactionID)
	return scanPurchase(row)
}

func scanPurchase(row rowScanner) (ledger.PurchaseRecord, error) {
	var rec ledger.PurchaseRecord
	err := row.Scan(&rec.ID, &rec.SubjectID, &rec.PackID, &rec.Tokens, &rec.PriceCents, &rec.TransactionID, &rec.CreatedAt)
	if err != nil {
		return ledger.PurchaseRecord{}, err
	}
	return rec, nil
}
