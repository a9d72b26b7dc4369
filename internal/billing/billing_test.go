package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CedrosPay/server/internal/authz"
	"github.com/CedrosPay/server/internal/config"
	"github.com/CedrosPay/server/internal/money"
	"github.com/CedrosPay/server/internal/storage"
)

func mustMoney(t *testing.T, major string) money.Money {
	t.Helper()
	m, err := money.FromMajor(money.CNY, major)
	if err != nil {
		t.Fatalf("money.FromMajor(%q): %v", major, err)
	}
	return m
}

func seedOperator(t *testing.T, store storage.Store, balance string) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		if err := store.CreateOperator(context.Background(), tx, storage.Operator{
			ID: "op1", Username: "acme", Balance: mustMoney(t, balance), IsActive: true,
		}); err != nil {
			return err
		}
		if err := store.CreateApplication(context.Background(), tx, storage.Application{
			ID: "app1", AppCode: "APP_1", AppName: "Zombie Run",
			UnitPrice: mustMoney(t, "10.00"), MinPlayers: 2, MaxPlayers: 8, IsActive: true,
		}); err != nil {
			return err
		}
		if err := store.CreateSite(context.Background(), tx, storage.Site{
			ID: "site1", OperatorID: "op1", IsActive: true,
		}); err != nil {
			return err
		}
		return store.UpsertAuthorisation(context.Background(), tx, storage.ApplicationAuthorisation{
			OperatorID: "op1", ApplicationID: "app1", GrantedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("seedOperator: %v", err)
	}
}

func TestAuthorise_DebitsAndRecords(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedOperator(t, store, "100.00")
	svc := New(store, nil, config.BillingConfig{})

	result, err := svc.Authorise(context.Background(), "op1", authz.Request{AppCode: "APP_1", SiteID: "site1", PlayerCount: 5})
	if err != nil {
		t.Fatalf("Authorise: %v", err)
	}
	if result.TotalCost.ToMajor() != "50.00" {
		t.Errorf("TotalCost = %s, want 50.00", result.TotalCost)
	}
	if result.BalanceAfter.ToMajor() != "50.00" {
		t.Errorf("BalanceAfter = %s, want 50.00", result.BalanceAfter)
	}
	if result.SessionID == "" {
		t.Error("SessionID must not be empty")
	}

	txns, total, err := store.ListTransactionsByOperator(context.Background(), "op1", storage.Page{})
	if err != nil {
		t.Fatalf("ListTransactionsByOperator: %v", err)
	}
	if total != 1 || len(txns) != 1 {
		t.Fatalf("want exactly one transaction, got %d", total)
	}
	if txns[0].Amount.ToMajor() != "-50.00" {
		t.Errorf("transaction amount = %s, want -50.00", txns[0].Amount)
	}
}

func TestAuthorise_InsufficientBalance(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedOperator(t, store, "30.00")
	svc := New(store, nil, config.BillingConfig{})

	_, err := svc.Authorise(context.Background(), "op1", authz.Request{AppCode: "APP_1", SiteID: "site1", PlayerCount: 5})
	var insufficient *authz.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want *InsufficientBalanceError", err)
	}

	_, total, _ := store.ListTransactionsByOperator(context.Background(), "op1", storage.Page{})
	if total != 0 {
		t.Fatalf("no transaction should be recorded on rejection, got %d", total)
	}
}

func TestAuthorise_IdempotencyWindow(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedOperator(t, store, "100.00")
	svc := New(store, nil, config.BillingConfig{})

	first, err := svc.Authorise(context.Background(), "op1", authz.Request{AppCode: "APP_1", SiteID: "site1", PlayerCount: 5})
	if err != nil {
		t.Fatalf("first Authorise: %v", err)
	}
	second, err := svc.Authorise(context.Background(), "op1", authz.Request{AppCode: "APP_1", SiteID: "site1", PlayerCount: 5})
	if err != nil {
		t.Fatalf("second Authorise: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("replayed authorise returned a new session_id: %s vs %s", second.SessionID, first.SessionID)
	}
	if second.BalanceAfter.ToMajor() != "50.00" {
		t.Errorf("BalanceAfter after replay = %s, want 50.00 (no second debit)", second.BalanceAfter)
	}

	_, total, _ := store.ListTransactionsByOperator(context.Background(), "op1", storage.Page{})
	if total != 1 {
		t.Fatalf("want exactly one transaction across both calls, got %d", total)
	}
}

// TestAuthorise_ConcurrentRequestsAreIdempotent is spec.md §8's race
// scenario: N concurrent authorise calls for the same business key within
// the 30s window must yield exactly one UsageRecord/Transaction, and every
// caller must observe the same session_id and balance_after.
func TestAuthorise_ConcurrentRequestsAreIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedOperator(t, store, "100.00")
	svc := New(store, nil, config.BillingConfig{})

	const n = 10
	results := make([]AuthoriseResult, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Authorise(context.Background(), "op1", authz.Request{AppCode: "APP_1", SiteID: "site1", PlayerCount: 5})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Authorise[%d]: %v", i, err)
		}
	}

	sessionID := results[0].SessionID
	balanceAfter := results[0].BalanceAfter.ToMajor()
	for i, r := range results {
		if r.SessionID != sessionID {
			t.Errorf("result[%d].SessionID = %s, want %s (all callers must observe the same session)", i, r.SessionID, sessionID)
		}
		if r.BalanceAfter.ToMajor() != balanceAfter {
			t.Errorf("result[%d].BalanceAfter = %s, want %s", i, r.BalanceAfter, balanceAfter)
		}
	}
	if balanceAfter != "50.00" {
		t.Errorf("BalanceAfter = %s, want 50.00 (debited exactly once)", balanceAfter)
	}

	_, total, _ := store.ListTransactionsByOperator(context.Background(), "op1", storage.Page{})
	if total != 1 {
		t.Fatalf("want exactly one consumption transaction across %d concurrent calls, got %d", n, total)
	}
}

func TestAuthorise_DifferentPlayerCountIsNewSession(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedOperator(t, store, "100.00")
	svc := New(store, nil, config.BillingConfig{})

	first, err := svc.Authorise(context.Background(), "op1", authz.Request{AppCode: "APP_1", SiteID: "site1", PlayerCount: 5})
	if err != nil {
		t.Fatalf("first Authorise: %v", err)
	}
	second, err := svc.Authorise(context.Background(), "op1", authz.Request{AppCode: "APP_1", SiteID: "site1", PlayerCount: 3})
	if err != nil {
		t.Fatalf("second Authorise: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Error("a different player_count must not be treated as a duplicate business key")
	}

	_, total, _ := store.ListTransactionsByOperator(context.Background(), "op1", storage.Page{})
	if total != 2 {
		t.Fatalf("want two transactions for two distinct business keys, got %d", total)
	}
}

func TestUpload_OverwritesGameSession(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedOperator(t, store, "100.00")
	svc := New(store, nil, config.BillingConfig{})

	result, err := svc.Authorise(context.Background(), "op1", authz.Request{AppCode: "APP_1", SiteID: "site1", PlayerCount: 5})
	if err != nil {
		t.Fatalf("Authorise: %v", err)
	}

	err = svc.Upload(context.Background(), "op1", UploadRequest{
		SessionID: result.SessionID,
		Headsets: []storage.HeadsetGameRecord{
			{DeviceID: "H1", DeviceName: "Headset 1"},
			{DeviceID: "H2", DeviceName: "Headset 2"},
		},
	})
	if err != nil {
		t.Fatalf("first Upload: %v", err)
	}

	err = svc.Upload(context.Background(), "op1", UploadRequest{
		SessionID: result.SessionID,
		Headsets: []storage.HeadsetGameRecord{
			{DeviceID: "H1", DeviceName: "Headset 1 renamed"},
			{DeviceID: "H3", DeviceName: "Headset 3"},
		},
	})
	if err != nil {
		t.Fatalf("second Upload: %v", err)
	}

	err = store.WithTx(context.Background(), func(tx storage.Tx) error {
		usage, err := store.GetUsageBySessionID(context.Background(), tx, result.SessionID)
		if err != nil {
			return err
		}
		if usage.GameSession == nil || len(usage.GameSession.Headsets) != 2 {
			t.Fatalf("expected exactly 2 headsets after overwrite, got %+v", usage.GameSession)
		}
		ids := map[string]bool{}
		for _, h := range usage.GameSession.Headsets {
			ids[h.DeviceID] = true
		}
		if ids["H2"] {
			t.Error("H2 should have been dropped by the overwrite")
		}
		if !ids["H1"] || !ids["H3"] {
			t.Error("expected H1 and H3 to be present after overwrite")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestUpload_WrongOperatorDenied(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	seedOperator(t, store, "100.00")
	svc := New(store, nil, config.BillingConfig{})

	result, err := svc.Authorise(context.Background(), "op1", authz.Request{AppCode: "APP_1", SiteID: "site1", PlayerCount: 5})
	if err != nil {
		t.Fatalf("Authorise: %v", err)
	}

	err = svc.Upload(context.Background(), "op_someone_else", UploadRequest{SessionID: result.SessionID})
	if !errors.Is(err, storage.ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
}

func TestUpload_UnknownSession(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	svc := New(store, nil, config.BillingConfig{})

	err := svc.Upload(context.Background(), "op1", UploadRequest{SessionID: "nope"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
