package authz

import (
	"context"
	"errors"
	"testing"
	"time"

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

// seed creates an operator, application, site and active authorisation
// and returns their IDs for use in Check requests.
func seed(t *testing.T, store storage.Store, balance string, minP, maxP int) (operatorID, siteID string) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		op := storage.Operator{
			ID: "op1", Username: "acme", Balance: mustMoney(t, balance),
			IsActive: true,
		}
		if err := store.CreateOperator(context.Background(), tx, op); err != nil {
			return err
		}
		app := storage.Application{
			ID: "app1", AppCode: "APP_1", AppName: "Zombie Run",
			UnitPrice: mustMoney(t, "10.00"), MinPlayers: minP, MaxPlayers: maxP, IsActive: true,
		}
		if err := store.CreateApplication(context.Background(), tx, app); err != nil {
			return err
		}
		site := storage.Site{ID: "site1", OperatorID: "op1", Name: "Mall Branch", IsActive: true}
		if err := store.CreateSite(context.Background(), tx, site); err != nil {
			return err
		}
		return store.UpsertAuthorisation(context.Background(), tx, storage.ApplicationAuthorisation{
			OperatorID: "op1", ApplicationID: "app1", GrantedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return "op1", "site1"
}

func getOperator(t *testing.T, store storage.Store, id string) storage.Operator {
	t.Helper()
	var op storage.Operator
	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		op, err = store.GetOperator(context.Background(), tx, id)
		return err
	})
	if err != nil {
		t.Fatalf("getOperator: %v", err)
	}
	return op
}

func TestCheck_Success(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	opID, siteID := seed(t, store, "100.00", 2, 8)
	op := getOperator(t, store, opID)

	var result Result
	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		result, err = Check(context.Background(), tx, store, op, Request{
			AppCode: "APP_1", SiteID: siteID, PlayerCount: 5,
		})
		return err
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	want := mustMoney(t, "50.00")
	if !result.TotalCost.Equal(want) {
		t.Errorf("TotalCost = %s, want %s", result.TotalCost, want)
	}
}

func TestCheck_AccountLocked(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	opID, siteID := seed(t, store, "100.00", 2, 8)
	op := getOperator(t, store, opID)
	op.IsLocked = true

	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		_, err := Check(context.Background(), tx, store, op, Request{AppCode: "APP_1", SiteID: siteID, PlayerCount: 5})
		return err
	})
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("err = %v, want ErrAccountLocked", err)
	}
}

func TestCheck_AppNotFound(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	opID, siteID := seed(t, store, "100.00", 2, 8)
	op := getOperator(t, store, opID)

	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		_, err := Check(context.Background(), tx, store, op, Request{AppCode: "NOPE", SiteID: siteID, PlayerCount: 5})
		return err
	})
	if !errors.Is(err, ErrAppNotFound) {
		t.Fatalf("err = %v, want ErrAppNotFound", err)
	}
}

func TestCheck_SiteNotOwned(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	opID, _ := seed(t, store, "100.00", 2, 8)
	op := getOperator(t, store, opID)

	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		if err := store.CreateOperator(context.Background(), tx, storage.Operator{ID: "op2", Username: "other", Balance: mustMoney(t, "0.00"), IsActive: true}); err != nil {
			return err
		}
		if err := store.CreateSite(context.Background(), tx, storage.Site{ID: "site2", OperatorID: "op2", IsActive: true}); err != nil {
			return err
		}
		_, err := Check(context.Background(), tx, store, op, Request{AppCode: "APP_1", SiteID: "site2", PlayerCount: 5})
		return err
	})
	if !errors.Is(err, ErrSiteNotOwned) {
		t.Fatalf("err = %v, want ErrSiteNotOwned", err)
	}
}

func TestCheck_PlayerCountBoundaries(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	opID, siteID := seed(t, store, "1000.00", 2, 8)
	op := getOperator(t, store, opID)

	for _, tc := range []struct {
		count   int
		wantErr error
	}{
		{1, ErrInvalidPlayerCount},
		{2, nil},
		{8, nil},
		{9, ErrInvalidPlayerCount},
	} {
		err := store.WithTx(context.Background(), func(tx storage.Tx) error {
			_, err := Check(context.Background(), tx, store, op, Request{AppCode: "APP_1", SiteID: siteID, PlayerCount: tc.count})
			return err
		})
		if tc.wantErr == nil && err != nil {
			t.Errorf("count=%d: unexpected error %v", tc.count, err)
		}
		if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
			t.Errorf("count=%d: err = %v, want %v", tc.count, err, tc.wantErr)
		}
	}
}

func TestCheck_InsufficientBalance(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	opID, siteID := seed(t, store, "30.00", 2, 8)
	op := getOperator(t, store, opID)

	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		_, err := Check(context.Background(), tx, store, op, Request{AppCode: "APP_1", SiteID: siteID, PlayerCount: 5})
		return err
	})
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want *InsufficientBalanceError", err)
	}
	if insufficient.Required.ToMajor() != "50.00" || insufficient.CurrentBalance.ToMajor() != "30.00" {
		t.Errorf("unexpected amounts: required=%s current=%s", insufficient.Required, insufficient.CurrentBalance)
	}
}

func TestCheck_BalanceExactlyEqual(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	opID, siteID := seed(t, store, "50.00", 2, 8)
	op := getOperator(t, store, opID)

	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		_, err := Check(context.Background(), tx, store, op, Request{AppCode: "APP_1", SiteID: siteID, PlayerCount: 5})
		return err
	})
	if err != nil {
		t.Fatalf("balance == cost should be accepted, got %v", err)
	}
}

func TestNormalizeSiteID(t *testing.T) {
	for _, tc := range []struct {
		in, want string
		wantErr  bool
	}{
		{"site_abc123", "abc123", false},
		{"abc123", "abc123", false},
		{"", "", true},
	} {
		got, err := NormalizeSiteID(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("NormalizeSiteID(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("NormalizeSiteID(%q) = (%q, %v), want (%q, nil)", tc.in, got, err, tc.want)
		}
	}
}
