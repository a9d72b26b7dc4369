// Package billing is the Billing Engine (C4): the hot path that turns a
// passing authz.Check into an atomic, idempotent debit, and the session
// upload path that attaches post-game telemetry to the resulting
// UsageRecord.
//
// Grounded on CedrosPay-server's internal/paywall.Service (same
// lock-check-debit shape, the same dbretry-wrapped transaction-retry
// convention borrowed from its RPC layer) and internal/storage/refund.go
// for the crypto/rand-based identifier generation idiom, retargeted from
// a pull-payment/crypto-proof model to a prepaid-balance debit model.
package billing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/server/internal/authz"
	"github.com/CedrosPay/server/internal/config"
	"github.com/CedrosPay/server/internal/dbretry"
	"github.com/CedrosPay/server/internal/metrics"
	"github.com/CedrosPay/server/internal/money"
	"github.com/CedrosPay/server/internal/storage"
)

// ErrSessionIDExhausted is returned when three consecutive generated
// session IDs all collided — astronomically unlikely, treated as
// Internal by callers.
var ErrSessionIDExhausted = errors.New("billing: exhausted session_id generation attempts")

// ErrSessionNotFound is returned by Upload when session_id has no
// matching UsageRecord.
var ErrSessionNotFound = storage.ErrNotFound

// ErrSessionAccessDenied is returned by Upload when the UsageRecord for
// session_id belongs to a different operator than the caller.
var ErrSessionAccessDenied = storage.ErrAccessDenied

// Service is the C4 Billing Engine.
type Service struct {
	store   storage.Store
	metrics *metrics.Metrics
	cfg     config.BillingConfig
}

// defaultBillingConfig matches spec.md §4.4's hardcoded defaults, used
// when New is called with a zero-value config.BillingConfig (tests, or a
// caller that hasn't loaded one).
var defaultBillingConfig = config.BillingConfig{
	IdempotencyWindow: config.Duration{Duration: 30 * time.Second},
	SessionIDRetries:  3,
	TxRetryAttempts:   3,
	RequestTimeout:    config.Duration{Duration: 30 * time.Second},
}

// New builds a Service over store, recording outcomes to m (m may be nil
// in tests). A zero-value cfg falls back to defaultBillingConfig.
func New(store storage.Store, m *metrics.Metrics, cfg config.BillingConfig) *Service {
	if cfg.IdempotencyWindow.Duration == 0 {
		cfg.IdempotencyWindow = defaultBillingConfig.IdempotencyWindow
	}
	if cfg.SessionIDRetries == 0 {
		cfg.SessionIDRetries = defaultBillingConfig.SessionIDRetries
	}
	if cfg.TxRetryAttempts == 0 {
		cfg.TxRetryAttempts = defaultBillingConfig.TxRetryAttempts
	}
	if cfg.RequestTimeout.Duration == 0 {
		cfg.RequestTimeout = defaultBillingConfig.RequestTimeout
	}
	return &Service{store: store, metrics: m, cfg: cfg}
}

// PreAuthoriseResult mirrors the POST /auth/game/pre-authorize response:
// read-only, side-effect free, safe to call repeatedly.
type PreAuthoriseResult struct {
	CanAuthorize   bool
	AppName        string
	UnitPrice      money.Money
	TotalCost      money.Money
	CurrentBalance money.Money
}

// PreAuthorise runs the C3 rule set only — no write, no record.
func (s *Service) PreAuthorise(ctx context.Context, operatorID string, req authz.Request) (PreAuthoriseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout.Duration)
	defer cancel()

	var result PreAuthoriseResult
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		start := time.Now()
		op, err := s.store.GetOperator(ctx, tx, operatorID)
		if err != nil {
			return err
		}
		checked, err := authz.Check(ctx, tx, s.store, op, req)
		if s.metrics != nil {
			s.metrics.ObservePreAuthorise(req.AppCode, err == nil, time.Since(start))
		}
		if err != nil {
			return err
		}
		result = PreAuthoriseResult{
			CanAuthorize:   true,
			AppName:        checked.Application.AppName,
			UnitPrice:      checked.UnitPrice,
			TotalCost:      checked.TotalCost,
			CurrentBalance: checked.CurrentBalance,
		}
		return nil
	})
	return result, err
}

// AuthoriseResult mirrors the POST /auth/game/authorize response, and
// doubles as the idempotency-window replay payload.
type AuthoriseResult struct {
	SessionID    string
	AppName      string
	PlayerCount  int
	UnitPrice    money.Money
	TotalCost    money.Money
	BalanceAfter money.Money
	AuthorizedAt time.Time
}

// Authorise runs the full C4 algorithm: lock the operator row, run C3,
// check the 30s idempotency window, generate a session_id, debit, and
// insert the UsageRecord + consumption Transaction — all in one
// transaction, with the whole attempt retried transparently by
// internal/dbretry on a transient Postgres failure.
func (s *Service) Authorise(ctx context.Context, operatorID string, req authz.Request) (AuthoriseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout.Duration)
	defer cancel()

	return dbretry.WithRetry(ctx, func() (AuthoriseResult, error) {
		var result AuthoriseResult
		var failureReason string
		start := time.Now()

		err := s.store.WithTx(ctx, func(tx storage.Tx) error {
			op, err := s.store.LockOperatorForUpdate(ctx, tx, operatorID)
			if err != nil {
				failureReason = "operator_not_found"
				return err
			}

			checked, err := authz.Check(ctx, tx, s.store, op, req)
			if err != nil {
				failureReason = authzFailureReason(err)
				return err
			}

			windowStart := time.Now().Add(-s.cfg.IdempotencyWindow.Duration)
			if existing, found, err := s.store.FindUsageByBusinessKey(ctx, tx, operatorID, checked.Application.ID, checked.Site.ID, req.PlayerCount, windowStart); err != nil {
				failureReason = "internal"
				return err
			} else if found {
				if s.metrics != nil {
					s.metrics.ObserveIdempotencyHit("authorise")
				}
				result = resultFromUsage(checked.Application.AppName, existing, op.Balance)
				return nil
			}

			balanceAfter, err := op.Balance.Sub(checked.TotalCost)
			if err != nil {
				failureReason = "internal"
				return fmt.Errorf("billing: compute balance_after: %w", err)
			}

			now := time.Now()
			usage, err := insertWithSessionID(ctx, tx, s.store, op, checked, req, balanceAfter, now, s.cfg.SessionIDRetries)
			if err != nil {
				failureReason = "internal"
				return err
			}

			result = resultFromUsage(checked.Application.AppName, usage, balanceAfter)
			return nil
		})

		if s.metrics != nil {
			s.metrics.ObserveAuthorise(req.AppCode, err == nil, time.Since(start), failureReason)
		}
		return result, err
	})
}

// insertWithSessionID generates a session_id and attempts the insert up
// to maxAttempts times, regenerating the ID on a collision.
func insertWithSessionID(ctx context.Context, tx storage.Tx, store storage.Store, op storage.Operator, checked authz.Result, req authz.Request, balanceAfter money.Money, now time.Time, maxAttempts int) (storage.UsageRecord, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sessionID, err := generateSessionID(op.ID, now)
		if err != nil {
			return storage.UsageRecord{}, fmt.Errorf("billing: generate session_id: %w", err)
		}

		usage := storage.UsageRecord{
			ID:            sessionID,
			SessionID:     sessionID,
			OperatorID:    op.ID,
			ApplicationID: checked.Application.ID,
			SiteID:        checked.Site.ID,
			PlayerCount:   req.PlayerCount,
			UnitPrice:     checked.UnitPrice,
			TotalCost:     checked.TotalCost,
			AuthorizedAt:  now,
		}
		txn := storage.Transaction{
			ID:            "txn_" + sessionID,
			OperatorID:    op.ID,
			Type:          storage.TxConsumption,
			Amount:        checked.TotalCost.Negate(),
			BalanceBefore: op.Balance,
			BalanceAfter:  balanceAfter,
			Description:   fmt.Sprintf("consumption: %s x%d", checked.Application.AppName, req.PlayerCount),
			RelatedID:     usage.ID,
			CreatedAt:     now,
		}

		err = store.InsertUsageAndTransaction(ctx, tx, usage, txn)
		if err == nil {
			return usage, nil
		}
		if !errors.Is(err, storage.ErrSessionConflict) {
			return storage.UsageRecord{}, err
		}
	}
	return storage.UsageRecord{}, ErrSessionIDExhausted
}

// generateSessionID produces "{operatorId}_{unix_ms}_{16 hex chars}".
func generateSessionID(operatorID string, now time.Time) (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%d_%s", operatorID, now.UnixMilli(), hex.EncodeToString(buf)), nil
}

func resultFromUsage(appName string, usage storage.UsageRecord, balanceAfter money.Money) AuthoriseResult {
	return AuthoriseResult{
		SessionID:    usage.SessionID,
		AppName:      appName,
		PlayerCount:  usage.PlayerCount,
		UnitPrice:    usage.UnitPrice,
		TotalCost:    usage.TotalCost,
		BalanceAfter: balanceAfter,
		AuthorizedAt: usage.AuthorizedAt,
	}
}

// authzFailureReason maps an authz error to a short metrics label.
func authzFailureReason(err error) string {
	switch {
	case errors.Is(err, authz.ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, authz.ErrAppNotFound):
		return "app_not_found"
	case errors.Is(err, authz.ErrAppNotAuthorised):
		return "app_not_authorised"
	case errors.Is(err, authz.ErrSiteNotFound):
		return "site_not_found"
	case errors.Is(err, authz.ErrSiteNotOwned):
		return "site_not_owned"
	case errors.Is(err, authz.ErrInvalidPlayerCount):
		return "invalid_player_count"
	default:
		var insufficient *authz.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			return "insufficient_balance"
		}
		return "internal"
	}
}

// UploadRequest is the post-game telemetry attached to an existing
// UsageRecord; re-uploads overwrite in full (spec §4.1, §4.4).
type UploadRequest struct {
	SessionID   string
	StartTime   *time.Time
	EndTime     *time.Time
	ProcessInfo string
	Headsets    []storage.HeadsetGameRecord
}

// Upload attaches session to the UsageRecord identified by req.SessionID,
// replacing any prior GameSession contents. Fails with ErrSessionNotFound
// or ErrSessionAccessDenied (both storage sentinels, unwrapped here so
// callers can errors.Is against a single source of truth).
func (s *Service) Upload(ctx context.Context, operatorID string, req UploadRequest) error {
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		session := storage.GameSession{
			StartTime:   req.StartTime,
			EndTime:     req.EndTime,
			ProcessInfo: req.ProcessInfo,
			Headsets:    req.Headsets,
		}
		return s.store.UpsertGameSession(ctx, tx, req.SessionID, operatorID, session)
	})
	if s.metrics != nil {
		s.metrics.ObserveSessionUpload(err == nil)
	}
	return err
}
