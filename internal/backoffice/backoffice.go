// Package backoffice is Back-office Operations (C5): admin balance
// adjustments, the refund and invoice lifecycles, application-request
// review, and recharge-order completion. Every write runs in a single
// database transaction and, where it moves money, records a matching
// Transaction row.
//
// Grounded on CedrosPay-server's internal/paywall refund/subscription
// approval flows (lock row -> validate current state -> transition ->
// ledger entry, all inside one WithTx) and internal/storage/refund.go's
// identifier generation, retargeted from crypto refunds/subscriptions to
// this domain's refund/invoice/application-request state machines.
package backoffice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/CedrosPay/server/internal/credential"
	"github.com/CedrosPay/server/internal/metrics"
	"github.com/CedrosPay/server/internal/money"
	"github.com/CedrosPay/server/internal/storage"
)

// AdjustmentKind is the closed set of manual balance adjustment directions.
type AdjustmentKind string

const (
	AdjustAdd      AdjustmentKind = "add"
	AdjustSubtract AdjustmentKind = "subtract"
)

// ErrAdjustmentWouldUnderflow is returned when a subtract adjustment
// would drive the operator's balance below zero.
var ErrAdjustmentWouldUnderflow = errors.New("backoffice: adjustment would drive balance negative")

// ErrInvalidAdjustmentKind is returned for any AdjustmentKind other than
// AdjustAdd/AdjustSubtract.
var ErrInvalidAdjustmentKind = errors.New("backoffice: invalid adjustment kind")

// Service is the C5 Back-office Operations service.
type Service struct {
	store   storage.Store
	metrics *metrics.Metrics
}

// New builds a Service over store, recording outcomes to m (m may be nil
// in tests).
func New(store storage.Store, m *metrics.Metrics) *Service {
	return &Service{store: store, metrics: m}
}

func generateID(prefix string) (string, error) {
	return prefix + uuid.NewString(), nil
}

// AdjustBalance locks the operator row, applies a signed delta, and
// inserts an adjustment Transaction. Subtract must not drive the
// balance below zero.
func (s *Service) AdjustBalance(ctx context.Context, operatorID string, kind AdjustmentKind, amount money.Money, reason, adminID string) (storage.Transaction, error) {
	if kind != AdjustAdd && kind != AdjustSubtract {
		return storage.Transaction{}, ErrInvalidAdjustmentKind
	}

	var txn storage.Transaction
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		op, err := s.store.LockOperatorForUpdate(ctx, tx, operatorID)
		if err != nil {
			return err
		}

		signed := amount
		if kind == AdjustSubtract {
			signed = amount.Negate()
		}
		balanceAfter, err := op.Balance.Add(signed)
		if err != nil {
			return fmt.Errorf("backoffice: apply adjustment: %w", err)
		}
		if balanceAfter.IsNegative() {
			return ErrAdjustmentWouldUnderflow
		}

		id, err := generateID("txn_adj_")
		if err != nil {
			return err
		}
		txn = storage.Transaction{
			ID:            id,
			OperatorID:    operatorID,
			Type:          storage.TxAdjustment,
			Amount:        signed,
			BalanceBefore: op.Balance,
			BalanceAfter:  balanceAfter,
			Description:   reason,
			RelatedID:     adminID,
			CreatedAt:     time.Now(),
		}
		return s.store.ApplyOperatorTransaction(ctx, tx, txn)
	})
	if err == nil && s.metrics != nil {
		s.metrics.ObserveBalanceAdjustment()
	}
	return txn, err
}

// ApproveRefund transitions a pending Refund to approved, records the
// reviewer, and decreases the operator's balance by requested_amount —
// the money has left the platform back to the customer, so the
// operator's prepaid pool shrinks (see DESIGN.md open question on the
// refund sign convention).
func (s *Service) ApproveRefund(ctx context.Context, refundID, reviewerID, adminNote string) (storage.Refund, error) {
	var refund storage.Refund
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		r, err := s.store.LockRefundForUpdate(ctx, tx, refundID)
		if err != nil {
			return err
		}
		if r.Status != storage.RefundPending {
			return fmt.Errorf("refund %q already %s: %w", refundID, r.Status, storage.ErrInvalidState)
		}

		op, err := s.store.LockOperatorForUpdate(ctx, tx, r.OperatorID)
		if err != nil {
			return err
		}
		balanceAfter, err := op.Balance.Sub(r.RequestedAmount)
		if err != nil {
			return fmt.Errorf("backoffice: apply refund: %w", err)
		}
		if balanceAfter.IsNegative() {
			return ErrAdjustmentWouldUnderflow
		}

		id, err := generateID("txn_refund_")
		if err != nil {
			return err
		}
		if err := s.store.ApplyOperatorTransaction(ctx, tx, storage.Transaction{
			ID:            id,
			OperatorID:    r.OperatorID,
			Type:          storage.TxRefund,
			Amount:        r.RequestedAmount.Negate(),
			BalanceBefore: op.Balance,
			BalanceAfter:  balanceAfter,
			Description:   "refund approved: " + r.Reason,
			RelatedID:     refundID,
			CreatedAt:     time.Now(),
		}); err != nil {
			return err
		}

		if err := s.store.UpdateRefundStatus(ctx, tx, refundID, storage.RefundApproved, reviewerID, adminNote); err != nil {
			return err
		}
		refund, err = s.store.GetRefund(ctx, tx, refundID)
		return err
	})
	if s.metrics != nil {
		atomic := int64(0)
		if err == nil {
			atomic = refund.RequestedAmount.Atomic
		}
		s.metrics.ObserveRefund(statusOrFailed(err, string(storage.RefundApproved)), atomic)
	}
	return refund, err
}

// RejectRefund transitions a pending Refund to rejected with no balance
// movement.
func (s *Service) RejectRefund(ctx context.Context, refundID, reviewerID, rejectReason string) (storage.Refund, error) {
	var refund storage.Refund
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := s.store.UpdateRefundStatus(ctx, tx, refundID, storage.RefundRejected, reviewerID, rejectReason); err != nil {
			return err
		}
		var err error
		refund, err = s.store.GetRefund(ctx, tx, refundID)
		return err
	})
	if s.metrics != nil {
		s.metrics.ObserveRefund(statusOrFailed(err, string(storage.RefundRejected)), 0)
	}
	return refund, err
}

// ApproveInvoice transitions a pending Invoice to approved with an
// assigned invoice_number. No balance movement. UpdateInvoiceStatus does
// not itself enforce the state machine, so the legality check lives here.
func (s *Service) ApproveInvoice(ctx context.Context, invoiceID, invoiceNumber string) (storage.Invoice, error) {
	return s.transitionInvoice(ctx, invoiceID, storage.InvoicePending, storage.InvoiceApproved, invoiceNumber, "")
}

// RejectInvoice transitions a pending Invoice to rejected.
func (s *Service) RejectInvoice(ctx context.Context, invoiceID string) (storage.Invoice, error) {
	return s.transitionInvoice(ctx, invoiceID, storage.InvoicePending, storage.InvoiceRejected, "", "")
}

// IssueInvoice transitions an approved Invoice to issued once a PDF has
// been attached at invoiceURL.
func (s *Service) IssueInvoice(ctx context.Context, invoiceID, invoiceURL string) (storage.Invoice, error) {
	return s.transitionInvoice(ctx, invoiceID, storage.InvoiceApproved, storage.InvoiceIssued, "", invoiceURL)
}

func (s *Service) transitionInvoice(ctx context.Context, invoiceID string, from, to storage.InvoiceStatus, invoiceNumber, invoiceURL string) (storage.Invoice, error) {
	var invoice storage.Invoice
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		inv, err := s.store.GetInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != from {
			return fmt.Errorf("invoice %q is %s, not %s: %w", invoiceID, inv.Status, from, storage.ErrInvalidState)
		}
		if err := s.store.UpdateInvoiceStatus(ctx, tx, invoiceID, to, invoiceNumber, invoiceURL); err != nil {
			return err
		}
		invoice, err = s.store.GetInvoice(ctx, tx, invoiceID)
		return err
	})
	if s.metrics != nil {
		s.metrics.ObserveInvoice(statusOrFailed(err, string(to)))
	}
	return invoice, err
}

// ApproveApplicationRequest transitions a pending ApplicationRequest to
// approved and atomically upserts the resulting ApplicationAuthorisation.
func (s *Service) ApproveApplicationRequest(ctx context.Context, requestID, reviewerID, adminNote string, expiresAt *time.Time) (storage.ApplicationRequest, error) {
	var req storage.ApplicationRequest
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		pending, err := s.store.GetApplicationRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if err := s.store.UpdateApplicationRequestStatus(ctx, tx, requestID, storage.RequestApproved, reviewerID, adminNote); err != nil {
			return err
		}
		if err := s.store.UpsertAuthorisation(ctx, tx, storage.ApplicationAuthorisation{
			OperatorID:    pending.OperatorID,
			ApplicationID: pending.ApplicationID,
			GrantedAt:     time.Now(),
			ExpiresAt:     expiresAt,
		}); err != nil {
			return err
		}
		req, err = s.store.GetApplicationRequest(ctx, tx, requestID)
		return err
	})
	return req, err
}

// RejectApplicationRequest transitions a pending ApplicationRequest to
// rejected; no authorisation is created.
func (s *Service) RejectApplicationRequest(ctx context.Context, requestID, reviewerID, adminNote string) (storage.ApplicationRequest, error) {
	var req storage.ApplicationRequest
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := s.store.UpdateApplicationRequestStatus(ctx, tx, requestID, storage.RequestRejected, reviewerID, adminNote); err != nil {
			return err
		}
		var err error
		req, err = s.store.GetApplicationRequest(ctx, tx, requestID)
		return err
	})
	return req, err
}

// CompleteRecharge handles a payment-gateway webhook callback (opaque to
// this core beyond order id and success flag). On success it flips the
// order to paid, locks the operator, and records a recharge Transaction.
// Repeated callbacks for an already-paid or expired order are
// acknowledged as no-ops — no error, no second balance movement.
func (s *Service) CompleteRecharge(ctx context.Context, orderID string, success bool) (storage.RechargeOrder, error) {
	var order storage.RechargeOrder
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		order, err = s.store.LockRechargeOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !success {
			return nil
		}
		if order.Status != storage.RechargePending {
			// Already paid, cancelled, or expired: acknowledge, no-op.
			return nil
		}

		op, err := s.store.LockOperatorForUpdate(ctx, tx, order.OperatorID)
		if err != nil {
			return err
		}
		balanceAfter, err := op.Balance.Add(order.Amount)
		if err != nil {
			return fmt.Errorf("backoffice: apply recharge: %w", err)
		}

		id, err := generateID("txn_recharge_")
		if err != nil {
			return err
		}
		if err := s.store.ApplyOperatorTransaction(ctx, tx, storage.Transaction{
			ID:            id,
			OperatorID:    order.OperatorID,
			Type:          storage.TxRecharge,
			Amount:        order.Amount,
			BalanceBefore: op.Balance,
			BalanceAfter:  balanceAfter,
			Description:   "recharge order " + orderID,
			RelatedID:     orderID,
			CreatedAt:     time.Now(),
		}); err != nil {
			return err
		}

		if err := s.store.MarkRechargeOrderPaid(ctx, tx, orderID); err != nil {
			return err
		}
		order, err = s.store.GetRechargeOrder(ctx, tx, orderID)
		return err
	})
	if s.metrics != nil {
		s.metrics.ObserveRechargeOrder(statusOrFailed(err, string(order.Status)))
	}
	return order, err
}

// LockOperator places a hold on operatorID's account; authz.Check rejects
// any further authorise/pre-authorise call against it with AccountLocked
// until UnlockOperator reverses it.
func (s *Service) LockOperator(ctx context.Context, operatorID, reason string) (storage.Operator, error) {
	var op storage.Operator
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := s.store.SetOperatorLock(ctx, tx, operatorID, true, reason); err != nil {
			return err
		}
		var err error
		op, err = s.store.GetOperator(ctx, tx, operatorID)
		return err
	})
	return op, err
}

// UnlockOperator lifts a previously applied hold.
func (s *Service) UnlockOperator(ctx context.Context, operatorID string) (storage.Operator, error) {
	var op storage.Operator
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := s.store.SetOperatorLock(ctx, tx, operatorID, false, ""); err != nil {
			return err
		}
		var err error
		op, err = s.store.GetOperator(ctx, tx, operatorID)
		return err
	})
	return op, err
}

func statusOrFailed(err error, status string) string {
	if err != nil {
		return "failed"
	}
	return status
}

// ErrInvalidAmount is returned when a requested amount is not strictly
// positive.
var ErrInvalidAmount = errors.New("backoffice: amount must be positive")

// RegisterOperator creates a new Operator account with a hashed password
// and zeroed balances (spec.md §3: "created by self-registration or
// admin"). Username uniqueness is enforced by the store.
func (s *Service) RegisterOperator(ctx context.Context, username, password, displayName, contactEmail, contactPhone string) (storage.Operator, error) {
	hash, err := credential.Hash(password)
	if err != nil {
		return storage.Operator{}, fmt.Errorf("backoffice: hash password: %w", err)
	}
	id, err := generateID("op_")
	if err != nil {
		return storage.Operator{}, err
	}
	zero := money.Zero(money.CNY)
	op := storage.Operator{
		ID:             id,
		Username:       username,
		PasswordHash:   hash,
		DisplayName:    displayName,
		ContactEmail:   contactEmail,
		ContactPhone:   contactPhone,
		Balance:        zero,
		TotalRecharged: zero,
		TotalConsumed:  zero,
		TotalRefunded:  zero,
		CustomerTier:   storage.TierTrial,
		IsActive:       true,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		return s.store.CreateOperator(ctx, tx, op)
	})
	return op, err
}

// CreateSite registers a new physical venue for operatorID.
func (s *Service) CreateSite(ctx context.Context, operatorID, name, address, contactPerson, contactPhone string) (storage.Site, error) {
	id, err := generateID("site_")
	if err != nil {
		return storage.Site{}, err
	}
	site := storage.Site{
		ID:            id,
		OperatorID:    operatorID,
		Name:          name,
		Address:       address,
		ContactPerson: contactPerson,
		ContactPhone:  contactPhone,
		IsActive:      true,
		CreatedAt:     time.Now(),
	}
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		return s.store.CreateSite(ctx, tx, site)
	})
	return site, err
}

// RequestApplicationGrant records an operator's ask to use applicationID,
// left pending for admin review (ApproveApplicationRequest/
// RejectApplicationRequest above).
func (s *Service) RequestApplicationGrant(ctx context.Context, operatorID, applicationID, reason string) (storage.ApplicationRequest, error) {
	id, err := generateID("apreq_")
	if err != nil {
		return storage.ApplicationRequest{}, err
	}
	req := storage.ApplicationRequest{
		ID:            id,
		OperatorID:    operatorID,
		ApplicationID: applicationID,
		Reason:        reason,
		Status:        storage.RequestPending,
		CreatedAt:     time.Now(),
	}
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		return s.store.CreateApplicationRequest(ctx, tx, req)
	})
	return req, err
}

// RequestRefund records an operator's ask for money back, left pending
// for finance review (ApproveRefund/RejectRefund above).
func (s *Service) RequestRefund(ctx context.Context, operatorID string, amount money.Money, reason string) (storage.Refund, error) {
	if !amount.IsPositive() {
		return storage.Refund{}, ErrInvalidAmount
	}
	id, err := generateID("refund_")
	if err != nil {
		return storage.Refund{}, err
	}
	refund := storage.Refund{
		ID:              id,
		OperatorID:      operatorID,
		RequestedAmount: amount,
		Reason:          reason,
		Status:          storage.RefundPending,
		CreatedAt:       time.Now(),
	}
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		return s.store.CreateRefund(ctx, tx, refund)
	})
	return refund, err
}

// RequestInvoice records an operator's ask for a billing document, left
// pending for finance review (ApproveInvoice/RejectInvoice above).
func (s *Service) RequestInvoice(ctx context.Context, operatorID string, invoiceType storage.InvoiceType, amount money.Money, buyerTaxInfo string) (storage.Invoice, error) {
	if !amount.IsPositive() {
		return storage.Invoice{}, ErrInvalidAmount
	}
	id, err := generateID("invoice_")
	if err != nil {
		return storage.Invoice{}, err
	}
	inv := storage.Invoice{
		ID:           id,
		OperatorID:   operatorID,
		InvoiceType:  invoiceType,
		Amount:       amount,
		BuyerTaxInfo: buyerTaxInfo,
		Status:       storage.InvoicePending,
		CreatedAt:    time.Now(),
	}
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		return s.store.CreateInvoice(ctx, tx, inv)
	})
	return inv, err
}

// RequestRecharge records an operator-initiated top-up intent, pending
// completion by the payment gateway's webhook callback (CompleteRecharge
// above). expiresIn bounds how long the intent stays payable.
func (s *Service) RequestRecharge(ctx context.Context, operatorID string, amount money.Money, paymentMethod string, expiresIn time.Duration) (storage.RechargeOrder, error) {
	if !amount.IsPositive() {
		return storage.RechargeOrder{}, ErrInvalidAmount
	}
	id, err := generateID("order_")
	if err != nil {
		return storage.RechargeOrder{}, err
	}
	order := storage.RechargeOrder{
		ID:            id,
		OperatorID:    operatorID,
		Amount:        amount,
		PaymentMethod: paymentMethod,
		Status:        storage.RechargePending,
		ExpiresAt:     time.Now().Add(expiresIn),
		CreatedAt:     time.Now(),
	}
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		return s.store.CreateRechargeOrder(ctx, tx, order)
	})
	return order, err
}
