package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func testPacks() map[string]Pack {
	return map[string]Pack{
		"pack_15": {Tokens: 15, PriceCents: 499},
		"pack_50": {Tokens: 50, PriceCents: 999},
	}
}

func TestInitializeCreatesOnce(t *testing.T) {
	s := NewInMemory(testPacks())
	ctx := context.Background()

	bal, created, err := s.Initialize(ctx, "guest-a", 5)
	if err != nil {
		t.Fatal(err)
	}
	if !created || bal.Tokens != 5 {
		t.Fatalf("expected fresh balance of 5, got created=%v tokens=%d", created, bal.Tokens)
	}

	bal, created, err = s.Initialize(ctx, "guest-a", 99)
	if err != nil {
		t.Fatal(err)
	}
	if created || bal.Tokens != 5 {
		t.Fatalf("second initialize must be a no-op: created=%v tokens=%d", created, bal.Tokens)
	}
}

func TestInitializeZeroBalanceRow(t *testing.T) {
	s := NewInMemory(testPacks())
	ctx := context.Background()

	bal, created, err := s.Initialize(ctx, "guest-exhausted", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !created || bal.Tokens != 0 {
		t.Fatalf("expected zero-token row, got created=%v tokens=%d", created, bal.Tokens)
	}

	// The zero row counts as created, so a later initialize cannot grant.
	_, created, err = s.Initialize(ctx, "guest-exhausted", 5)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("zero initialize must still create the row")
	}
}

func TestGrantLazyCreate(t *testing.T) {
	s := NewInMemory(testPacks())
	ctx := context.Background()

	bal, err := s.Grant(ctx, "user-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Tokens != 10 {
		t.Fatalf("unexpected balance: %d", bal.Tokens)
	}

	bal, err = s.Grant(ctx, "user-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Tokens != 15 {
		t.Fatalf("unexpected balance after second grant: %d", bal.Tokens)
	}
}

func TestConsumeSuccessAndBalance(t *testing.T) {
	s := NewInMemory(testPacks())
	ctx := context.Background()
	_, _, _ = s.Initialize(ctx, "user-2", 3)

	bal, err := s.Consume(ctx, "user-2", 1)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Tokens != 2 {
		t.Fatalf("unexpected balance: %d", bal.Tokens)
	}

	got, err := s.BalanceOf(ctx, "user-2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Tokens != 2 {
		t.Fatalf("BalanceOf disagrees: %d", got.Tokens)
	}
}

func TestConsumeInsufficientCarriesBalance(t *testing.T) {
	s := NewInMemory(testPacks())
	ctx := context.Background()
	_, _, _ = s.Initialize(ctx, "user-3", 2)

	_, err := s.Consume(ctx, "user-3", 5)
	if !errors.Is(err, ErrInsufficientTokens) {
		t.Fatalf("expected ErrInsufficientTokens, got %v", err)
	}
	var ie *InsufficientTokensError
	if !errors.As(err, &ie) || ie.Balance != 2 {
		t.Fatalf("expected balance 2 in error, got %v", err)
	}

	// The failed spend must not touch the balance.
	got, _ := s.BalanceOf(ctx, "user-3")
	if got.Tokens != 2 {
		t.Fatalf("failed consume mutated balance: %d", got.Tokens)
	}
}

func TestConsumeMissingAccount(t *testing.T) {
	s := NewInMemory(testPacks())

	_, err := s.Consume(context.Background(), "nobody", 1)
	if !errors.Is(err, ErrInsufficientTokens) {
		t.Fatalf("missing account must spend like an empty one, got %v", err)
	}
	var ie *InsufficientTokensError
	if !errors.As(err, &ie) || ie.Balance != 0 {
		t.Fatalf("expected balance 0 in error, got %v", err)
	}
}

func TestBalanceOfMissingReadsZero(t *testing.T) {
	s := NewInMemory(testPacks())
	bal, err := s.BalanceOf(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if bal.Tokens != 0 || bal.SubjectID != "nobody" {
		t.Fatalf("expected zero balance for missing row, got %+v", bal)
	}
}

func TestConcurrentConsumesNeverOverspend(t *testing.T) {
	s := NewInMemory(testPacks())
	ctx := context.Background()
	_, _, _ = s.Initialize(ctx, "user-4", 10)

	var wg sync.WaitGroup
	var ok atomic.Int64
	N := 50
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Consume(ctx, "user-4", 1); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 10 {
		t.Fatalf("expected exactly 10 successful spends, got %d", ok.Load())
	}
	bal, _ := s.BalanceOf(ctx, "user-4")
	if bal.Tokens != 0 {
		t.Fatalf("expected empty balance, got %d", bal.Tokens)
	}
}

func TestConcurrentInitializeGrantsOnce(t *testing.T) {
	s := NewInMemory(testPacks())
	ctx := context.Background()

	var wg sync.WaitGroup
	var created atomic.Int64
	N := 20
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, c, err := s.Initialize(ctx, "guest-race", 5); err == nil && c {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Fatalf("expected exactly one creation, got %d", created.Load())
	}
	bal, _ := s.BalanceOf(ctx, "guest-race")
	if bal.Tokens != 5 {
		t.Fatalf("free allowance granted more than once: %d", bal.Tokens)
	}
}

func TestPurchaseGrantsAndRecords(t *testing.T) {
	s := NewInMemory(testPacks())
	ctx := context.Background()
	_, _, _ = s.Initialize(ctx, "user-5", 1)

	res, err := s.Purchase(ctx, "user-5", "pack_15", "txn-100")
	if err != nil {
		t.Fatal(err)
	}
	if res.Replayed {
		t.Fatal("first purchase must not be a replay")
	}
	if res.Balance != 16 {
		t.Fatalf("unexpected balance: %d", res.Balance)
	}
	if res.Purchase.Tokens != 15 || res.Purchase.PriceCents != 499 {
		t.Fatalf("pack not applied: %+v", res.Purchase)
	}
	if res.Purchase.ID == "" || res.Purchase.TransactionID != "txn-100" {
		t.Fatalf("record incomplete: %+v", res.Purchase)
	}
}

func TestPurchaseReplayIsIdempotent(t *testing.T) {
	s := NewInMemory(testPacks())
	ctx := context.Background()

	first, err := s.Purchase(ctx, "user-6", "pack_50", "txn-200")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Purchase(ctx, "user-6", "pack_50", "txn-200")
	if err != nil {
		t.Fatal(err)
	}
	if !second.Replayed {
		t.Fatal("replay not detected")
	}
	if second.Purchase.ID != first.Purchase.ID {
		t.Fatalf("replay must return the original record: %s != %s", second.Purchase.ID, first.Purchase.ID)
	}
	if second.Balance != first.Balance {
		t.Fatalf("replay granted tokens again: %d != %d", second.Balance, first.Balance)
	}
}

func TestPurchaseConcurrentReplay(t *testing.T) {
	s := NewInMemory(testPacks())
	ctx := context.Background()

	var wg sync.WaitGroup
	var applied atomic.Int64
	N := 20
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Purchase(ctx, "user-7", "pack_15", "txn-race")
			if err == nil && !res.Replayed {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	if applied.Load() != 1 {
		t.Fatalf("expected exactly one applied purchase, got %d", applied.Load())
	}
	bal, _ := s.BalanceOf(ctx, "user-7")
	if bal.Tokens != 15 {
		t.Fatalf("tokens granted more than once: %d", bal.Tokens)
	}
}

func TestPurchaseTransactionConflict(t *testing.T) {
	s := NewInMemory(testPacks())
	ctx := context.Background()

	if _, err := s.Purchase(ctx, "user-8", "pack_15", "txn-300"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Purchase(ctx, "user-9", "pack_15", "txn-300"); !errors.Is(err, ErrTransactionConflict) {
		t.Fatalf("expected ErrTransactionConflict, got %v", err)
	}
}

func TestPurchaseUnknownPack(t *testing.T) {
	s := NewInMemory(testPacks())
	if _, err := s.Purchase(context.Background(), "user-10", "pack_999", "txn-400"); !errors.Is(err, ErrInvalidPack) {
		t.Fatalf("expected ErrInvalidPack, got %v", err)
	}
}

func TestListPurchasesNewestFirst(t *testing.T) {
	s := NewInMemory(testPacks())
	ctx := context.Background()

	_, _ = s.Purchase(ctx, "user-11", "pack_15", "txn-1")
	_, _ = s.Purchase(ctx, "user-11", "pack_50", "txn-2")
	_, _ = s.Purchase(ctx, "user-12", "pack_15", "txn-3")

	list, err := s.ListPurchases(ctx, "user-11", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 purchases, got %d", len(list))
	}
	if list[0].TransactionID != "txn-2" || list[1].TransactionID != "txn-1" {
		t.Fatalf("wrong order: %s, %s", list[0].TransactionID, list[1].TransactionID)
	}

	list, err = s.ListPurchases(ctx, "user-11", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].TransactionID != "txn-2" {
		t.Fatalf("limit not applied: %+v", list)
	}
}

func TestValidation(t *testing.T) {
	s := NewInMemory(testPacks())
	ctx := context.Background()

	if _, err := s.Grant(ctx, "", 5); !errors.Is(err, ErrInvalidSubject) {
		t.Fatalf("expected ErrInvalidSubject, got %v", err)
	}
	if _, err := s.Grant(ctx, "user", -1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if bal, err := s.Grant(ctx, "user", 0); err != nil || bal.Tokens != 0 {
		t.Fatalf("zero grant must lazily create the row: %v %+v", err, bal)
	}
	if _, err := s.Consume(ctx, "user", -1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, _, err := s.Initialize(ctx, "user", -1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := s.Purchase(ctx, "user", "pack_15", "  "); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for blank transaction, got %v", err)
	}
}
