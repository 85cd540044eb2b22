package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"veriscan.app/internal/ledger"
)

func balanceRows(tokens int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"tokens", "created_at", "updated_at"}).
		AddRow(tokens, testTime, testTime)
}

func TestInitializeInserts(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`insert into token_balances`).
		WithArgs("guest-a", int64(5)).
		WillReturnRows(balanceRows(5))

	bal, created, err := s.Initialize(context.Background(), "guest-a", 5)
	if err != nil {
		t.Fatal(err)
	}
	if !created || bal.Tokens != 5 || bal.SubjectID != "guest-a" {
		t.Fatalf("unexpected result: created=%v %+v", created, bal)
	}
	expectationsMet(t, mock)
}

func TestInitializeExistingRowWins(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`insert into token_balances`).
		WithArgs("guest-a", int64(5)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`select tokens, created_at, updated_at`).
		WithArgs("guest-a").
		WillReturnRows(balanceRows(7))

	bal, created, err := s.Initialize(context.Background(), "guest-a", 5)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("conflicting insert must not report created")
	}
	if bal.Tokens != 7 {
		t.Fatalf("expected the existing balance, got %d", bal.Tokens)
	}
	expectationsMet(t, mock)
}

func TestGrantUpserts(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`on conflict \(subject_id\) do update`).
		WithArgs("guest-a", int64(15)).
		WillReturnRows(balanceRows(20))

	bal, err := s.Grant(context.Background(), "guest-a", 15)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Tokens != 20 {
		t.Fatalf("expected 20 tokens, got %d", bal.Tokens)
	}
	expectationsMet(t, mock)
}

func TestConsumeConditionalSpend(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`update token_balances`).
		WithArgs("guest-a", int64(1)).
		WillReturnRows(balanceRows(4))

	bal, err := s.Consume(context.Background(), "guest-a", 1)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Tokens != 4 {
		t.Fatalf("expected 4 tokens, got %d", bal.Tokens)
	}
	expectationsMet(t, mock)
}

func TestConsumeInsufficientCarriesBalance(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`update token_balances`).
		WithArgs("guest-a", int64(5)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`select tokens, created_at, updated_at`).
		WithArgs("guest-a").
		WillReturnRows(balanceRows(3))

	_, err := s.Consume(context.Background(), "guest-a", 5)
	if !errors.Is(err, ledger.ErrInsufficientTokens) {
		t.Fatalf("expected insufficient tokens, got %v", err)
	}
	var ite *ledger.InsufficientTokensError
	if !errors.As(err, &ite) || ite.Balance != 3 {
		t.Fatalf("expected observed balance 3, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestConsumeInsufficientSurvivesBalanceReadFailure(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`update token_balances`).
		WithArgs("guest-a", int64(1)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`select tokens, created_at, updated_at`).
		WithArgs("guest-a").
		WillReturnError(errors.New("db down"))

	_, err := s.Consume(context.Background(), "guest-a", 1)
	var ite *ledger.InsufficientTokensError
	if !errors.As(err, &ite) || ite.Balance != 0 {
		t.Fatalf("the refusal must stand with balance 0, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestBalanceOfMissingReadsZero(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery(`select tokens, created_at, updated_at`).
		WithArgs("guest-a").
		WillReturnError(sql.ErrNoRows)

	bal, err := s.BalanceOf(context.Background(), "guest-a")
	if err != nil {
		t.Fatal(err)
	}
	if bal.Tokens != 0 || bal.SubjectID != "guest-a" {
		t.Fatalf("missing row must read as zero: %+v", bal)
	}
	expectationsMet(t, mock)
}

func TestPurchaseFreshGrantsInOneTx(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`insert into purchases`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(testTime))
	mock.ExpectQuery(`insert into token_balances`).
		WithArgs("guest-a", int64(50)).
		WillReturnRows(sqlmock.NewRows([]string{"tokens"}).AddRow(int64(65)))
	mock.ExpectCommit()

	res, err := s.Purchase(context.Background(), "guest-a", "pack_50", "txn-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Replayed {
		t.Fatal("fresh transaction must not read as replayed")
	}
	if res.Balance != 65 || res.Purchase.Tokens != 50 || res.Purchase.PriceCents != 999 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Purchase.TransactionID != "txn-1" {
		t.Fatalf("transaction id not recorded: %+v", res.Purchase)
	}
	expectationsMet(t, mock)
}

func purchaseRows(subjectID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "subject_id", "pack_id", "tokens", "price_cents", "transaction_id", "created_at"}).
		AddRow("pur_01ABC", subjectID, "pack_50", int64(50), int64(999), "txn-1", testTime)
}

func TestPurchaseReplayReturnsOriginal(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`insert into purchases`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`from purchases`).
		WithArgs("txn-1").
		WillReturnRows(purchaseRows("guest-a"))
	mock.ExpectQuery(`select tokens, created_at, updated_at`).
		WithArgs("guest-a").
		WillReturnRows(balanceRows(65))
	mock.ExpectRollback()

	res, err := s.Purchase(context.Background(), "guest-a", "pack_50", "txn-1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Replayed {
		t.Fatal("duplicate transaction must read as replayed")
	}
	if res.Purchase.ID != "pur_01ABC" || res.Balance != 65 {
		t.Fatalf("expected the recorded purchase, got %+v", res)
	}
	expectationsMet(t, mock)
}

func TestPurchaseTransactionConflict(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`insert into purchases`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`from purchases`).
		WithArgs("txn-1").
		WillReturnRows(purchaseRows("guest-b"))
	mock.ExpectRollback()

	_, err := s.Purchase(context.Background(), "guest-a", "pack_50", "txn-1")
	if !errors.Is(err, ledger.ErrTransactionConflict) {
		t.Fatalf("expected transaction conflict, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPurchaseUnknownPack(t *testing.T) {
	s, mock := newStoreWithMock(t)

	_, err := s.Purchase(context.Background(), "guest-a", "pack_9000", "txn-1")
	if !errors.Is(err, ledger.ErrInvalidPack) {
		t.Fatalf("expected unknown pack error, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestListPurchases(t *testing.T) {
	s, mock := newStoreWithMock(t)

	rows := sqlmock.NewRows([]string{"id", "subject_id", "pack_id", "tokens", "price_cents", "transaction_id", "created_at"}).
		AddRow("pur_2", "guest-a", "pack_50", int64(50), int64(999), "txn-2", testTime).
		AddRow("pur_1", "guest-a", "pack_15", int64(15), int64(499), "txn-1", testTime.Add(-1))
	mock.ExpectQuery(`from purchases`).
		WithArgs("guest-a", 100).
		WillReturnRows(rows)

	res, err := s.ListPurchases(context.Background(), "guest-a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 || res[0].ID != "pur_2" || res[1].ID != "pur_1" {
		t.Fatalf("unexpected listing: %+v", res)
	}
	expectationsMet(t, mock)
}
