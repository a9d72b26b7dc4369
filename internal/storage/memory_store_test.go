package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CedrosPay/server/internal/money"
)

func seedOperator(t *testing.T, s *MemoryStore, id string, balance int64) Operator {
	t.Helper()
	op := Operator{
		ID:        id,
		Username:  id + "-user",
		Balance:   money.New(money.CNY, balance),
		IsActive:  true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.WithTx(context.Background(), func(tx Tx) error {
		return s.CreateOperator(context.Background(), tx, op)
	}); err != nil {
		t.Fatalf("seed operator: %v", err)
	}
	return op
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	seedOperator(t, s, "op_1", 10000)

	sentinel := errors.New("boom")
	err := s.WithTx(context.Background(), func(tx Tx) error {
		if setErr := s.SetOperatorLock(context.Background(), tx, "op_1", true, "fraud hold"); setErr != nil {
			t.Fatalf("SetOperatorLock: %v", setErr)
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("WithTx() error = %v, want sentinel", err)
	}

	op, getErr := s.GetOperator(context.Background(), memoryTx{}, "op_1")
	if getErr != nil {
		t.Fatalf("GetOperator: %v", getErr)
	}
	if op.IsLocked {
		t.Error("expected lock to be rolled back")
	}
}

func TestInsertUsageAndTransactionRejectsSessionConflict(t *testing.T) {
	s := NewMemoryStore()
	op := seedOperator(t, s, "op_1", 10000)

	usage := UsageRecord{
		ID:           "usage_1",
		SessionID:    "op_1_1700000000000_abcdef0123456789",
		OperatorID:   op.ID,
		TotalCost:    money.New(money.CNY, 1000),
		AuthorizedAt: time.Now(),
	}
	txn := Transaction{
		ID:            "txn_1",
		OperatorID:    op.ID,
		Type:          TxConsumption,
		Amount:        money.New(money.CNY, -1000),
		BalanceBefore: op.Balance,
		BalanceAfter:  money.New(money.CNY, 9000),
		CreatedAt:     time.Now(),
	}

	err := s.WithTx(context.Background(), func(tx Tx) error {
		return s.InsertUsageAndTransaction(context.Background(), tx, usage, txn)
	})
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}

	usage2 := usage
	usage2.ID = "usage_2"
	err = s.WithTx(context.Background(), func(tx Tx) error {
		return s.InsertUsageAndTransaction(context.Background(), tx, usage2, txn)
	})
	if !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("expected ErrSessionConflict, got %v", err)
	}

	op2, _ := s.GetOperator(context.Background(), memoryTx{}, "op_1")
	if op2.Balance.Atomic != 9000 {
		t.Errorf("balance = %d, want 9000 (conflict must not double-debit)", op2.Balance.Atomic)
	}
}

func TestInsertUsageAndTransactionRejectsBalanceMismatch(t *testing.T) {
	s := NewMemoryStore()
	op := seedOperator(t, s, "op_1", 10000)

	usage := UsageRecord{ID: "usage_1", SessionID: "sess_1", OperatorID: op.ID, TotalCost: money.New(money.CNY, 1000), AuthorizedAt: time.Now()}
	txn := Transaction{
		ID:            "txn_1",
		OperatorID:    op.ID,
		Type:          TxConsumption,
		Amount:        money.New(money.CNY, -1000),
		BalanceBefore: money.New(money.CNY, 5000), // stale — does not match actual 10000 balance
		BalanceAfter:  money.New(money.CNY, 4000),
		CreatedAt:     time.Now(),
	}

	err := s.WithTx(context.Background(), func(tx Tx) error {
		return s.InsertUsageAndTransaction(context.Background(), tx, usage, txn)
	})
	if !errors.Is(err, ErrBalanceMismatch) {
		t.Fatalf("expected ErrBalanceMismatch, got %v", err)
	}
}

func TestFindUsageByBusinessKeyHonoursWindow(t *testing.T) {
	s := NewMemoryStore()
	op := seedOperator(t, s, "op_1", 10000)
	now := time.Now()

	usage := UsageRecord{
		ID: "usage_1", SessionID: "sess_1", OperatorID: op.ID,
		ApplicationID: "app_1", SiteID: "site_1", PlayerCount: 4,
		TotalCost: money.New(money.CNY, 1000), AuthorizedAt: now,
	}
	txn := Transaction{
		ID: "txn_1", OperatorID: op.ID, Type: TxConsumption,
		Amount: money.New(money.CNY, -1000), BalanceBefore: op.Balance, BalanceAfter: money.New(money.CNY, 9000),
		CreatedAt: now,
	}
	if err := s.WithTx(context.Background(), func(tx Tx) error {
		return s.InsertUsageAndTransaction(context.Background(), tx, usage, txn)
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	found, ok, err := s.FindUsageByBusinessKey(context.Background(), memoryTx{}, "op_1", "app_1", "site_1", 4, now.Add(-30*time.Second))
	if err != nil || !ok {
		t.Fatalf("expected a match within the window, ok=%v err=%v", ok, err)
	}
	if found.ID != usage.ID {
		t.Errorf("found ID = %q, want %q", found.ID, usage.ID)
	}

	_, ok, err = s.FindUsageByBusinessKey(context.Background(), memoryTx{}, "op_1", "app_1", "site_1", 4, now.Add(time.Second))
	if err != nil || ok {
		t.Fatalf("expected no match once window has moved past AuthorizedAt, ok=%v err=%v", ok, err)
	}

	_, ok, err = s.FindUsageByBusinessKey(context.Background(), memoryTx{}, "op_1", "app_1", "site_1", 5, now.Add(-30*time.Second))
	if err != nil || ok {
		t.Fatalf("expected no match for a different player_count, ok=%v err=%v", ok, err)
	}
}

func TestUpsertGameSessionDeniesWrongOwner(t *testing.T) {
	s := NewMemoryStore()
	opA := seedOperator(t, s, "op_a", 10000)
	seedOperator(t, s, "op_b", 10000)

	usage := UsageRecord{ID: "usage_1", SessionID: "sess_1", OperatorID: opA.ID, TotalCost: money.New(money.CNY, 100), AuthorizedAt: time.Now()}
	txn := Transaction{ID: "txn_1", OperatorID: opA.ID, Type: TxConsumption, Amount: money.New(money.CNY, -100), BalanceBefore: opA.Balance, BalanceAfter: money.New(money.CNY, 9900), CreatedAt: time.Now()}
	if err := s.WithTx(context.Background(), func(tx Tx) error {
		return s.InsertUsageAndTransaction(context.Background(), tx, usage, txn)
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := s.WithTx(context.Background(), func(tx Tx) error {
		return s.UpsertGameSession(context.Background(), tx, "sess_1", "op_b", GameSession{ProcessInfo: "hijack"})
	})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}

	err = s.WithTx(context.Background(), func(tx Tx) error {
		return s.UpsertGameSession(context.Background(), tx, "sess_1", "op_a", GameSession{ProcessInfo: "legit"})
	})
	if err != nil {
		t.Fatalf("legitimate upload: %v", err)
	}
	got, err := s.GetUsageBySessionID(context.Background(), memoryTx{}, "sess_1")
	if err != nil {
		t.Fatalf("GetUsageBySessionID: %v", err)
	}
	if got.GameSession == nil || got.GameSession.ProcessInfo != "legit" {
		t.Errorf("GameSession not persisted correctly: %+v", got.GameSession)
	}
}

func TestApplyOperatorTransactionRefundDecreasesBalance(t *testing.T) {
	s := NewMemoryStore()
	op := seedOperator(t, s, "op_1", 10000)

	txn := Transaction{
		ID: "txn_refund_1", OperatorID: op.ID, Type: TxRefund,
		Amount: money.New(money.CNY, -500), BalanceBefore: op.Balance, BalanceAfter: money.New(money.CNY, 9500),
		CreatedAt: time.Now(),
	}
	if err := s.WithTx(context.Background(), func(tx Tx) error {
		return s.ApplyOperatorTransaction(context.Background(), tx, txn)
	}); err != nil {
		t.Fatalf("ApplyOperatorTransaction: %v", err)
	}

	got, _ := s.GetOperator(context.Background(), memoryTx{}, "op_1")
	if got.Balance.Atomic != 9500 {
		t.Errorf("balance after refund = %d, want 9500 (refund approval must decrease balance)", got.Balance.Atomic)
	}
	if got.TotalRefunded.Atomic != 500 {
		t.Errorf("TotalRefunded = %d, want 500", got.TotalRefunded.Atomic)
	}
}

func TestUpdateApplicationRequestStatusRejectsNonPending(t *testing.T) {
	s := NewMemoryStore()
	req := ApplicationRequest{ID: "req_1", OperatorID: "op_1", ApplicationID: "app_1", Status: RequestApproved, CreatedAt: time.Now()}
	if err := s.WithTx(context.Background(), func(tx Tx) error {
		return s.CreateApplicationRequest(context.Background(), tx, req)
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := s.WithTx(context.Background(), func(tx Tx) error {
		return s.UpdateApplicationRequestStatus(context.Background(), tx, "req_1", RequestRejected, "admin_1", "too late")
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}
