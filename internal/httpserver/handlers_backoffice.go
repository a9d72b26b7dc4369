package httpserver

import (
	"net/http"
	"time"

	"github.com/CedrosPay/server/internal/backoffice"
	apierrors "github.com/CedrosPay/server/internal/errors"
	"github.com/CedrosPay/server/internal/logger"
	"github.com/CedrosPay/server/internal/money"
	"github.com/CedrosPay/server/internal/storage"
)

type adjustBalanceRequest struct {
	Kind   string `json:"kind"`
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

// adjustBalance applies a manual balance correction. Admin-role-gated:
// the closed AdminRole set separates this from the finance review
// endpoints below (spec.md §3).
// POST /v1/admin/operators/{operatorID}/adjust-balance
func (h *handlers) adjustBalance(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	claims := claimsFromContext(r.Context())
	operatorID := routeParam(r, "operatorID")

	var req adjustBalanceRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	amount, err := money.FromMajor(money.CNY, req.Amount)
	if err != nil || !amount.IsPositive() {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "amount must be a positive decimal CNY string")
		return
	}

	txn, err := h.backoffice.AdjustBalance(r.Context(), operatorID, backoffice.AdjustmentKind(req.Kind), amount, req.Reason, claims.AdminID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	log.Info().Str("operator_id", operatorID).Str("kind", req.Kind).Str("admin_id", claims.AdminID).Msg("backoffice.balance_adjusted")

	writeJSON(w, http.StatusOK, map[string]any{"transaction": transactionView(txn)})
}

func transactionView(t storage.Transaction) map[string]any {
	return map[string]any{
		"transaction_id": t.ID,
		"operator_id":    t.OperatorID,
		"type":           t.Type,
		"amount":         t.Amount.ToMajor(),
		"balance_before": t.BalanceBefore.ToMajor(),
		"balance_after":  t.BalanceAfter.ToMajor(),
		"description":    t.Description,
		"related_id":     t.RelatedID,
		"created_at":     t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// lockOperator places an admin hold on an operator's account.
// POST /v1/admin/operators/{operatorID}/lock
func (h *handlers) lockOperator(w http.ResponseWriter, r *http.Request) {
	operatorID := routeParam(r, "operatorID")
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	op, err := h.backoffice.LockOperator(r.Context(), operatorID, req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operator": operatorView(op)})
}

// unlockOperator lifts a previously applied hold.
// POST /v1/admin/operators/{operatorID}/unlock
func (h *handlers) unlockOperator(w http.ResponseWriter, r *http.Request) {
	operatorID := routeParam(r, "operatorID")
	op, err := h.backoffice.UnlockOperator(r.Context(), operatorID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operator": operatorView(op)})
}

// listPendingApplicationRequests pages through requests awaiting review.
// GET /v1/admin/application-requests/pending
func (h *handlers) listPendingApplicationRequests(w http.ResponseWriter, r *http.Request) {
	reqs, total, err := h.store.ListPendingApplicationRequests(r.Context(), pageFromQuery(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, applicationRequestView(req))
	}
	writeJSON(w, http.StatusOK, map[string]any{"application_requests": out, "total": total})
}

func applicationRequestView(req storage.ApplicationRequest) map[string]any {
	return map[string]any{
		"application_request_id": req.ID,
		"operator_id":            req.OperatorID,
		"application_id":         req.ApplicationID,
		"reason":                 req.Reason,
		"status":                 req.Status,
		"admin_note":             req.AdminNote,
	}
}

type reviewRequest struct {
	Note      string     `json:"note"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// approveApplicationRequest grants applicationID to the requesting operator.
// POST /v1/admin/application-requests/{requestID}/approve
func (h *handlers) approveApplicationRequest(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	requestID := routeParam(r, "requestID")
	var req reviewRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	out, err := h.backoffice.ApproveApplicationRequest(r.Context(), requestID, claims.AdminID, req.Note, req.ExpiresAt)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"application_request": applicationRequestView(out)})
}

// rejectApplicationRequest declines an operator's application-grant ask.
// POST /v1/admin/application-requests/{requestID}/reject
func (h *handlers) rejectApplicationRequest(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	requestID := routeParam(r, "requestID")
	var req reviewRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	out, err := h.backoffice.RejectApplicationRequest(r.Context(), requestID, claims.AdminID, req.Note)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"application_request": applicationRequestView(out)})
}

func refundView(r storage.Refund) map[string]any {
	return map[string]any{
		"refund_id":        r.ID,
		"operator_id":      r.OperatorID,
		"requested_amount": r.RequestedAmount.ToMajor(),
		"reason":           r.Reason,
		"status":           r.Status,
		"admin_note":       r.AdminNote,
		"reject_reason":    r.RejectReason,
	}
}

// approveRefund debits the operator by the requested amount and marks
// the refund approved. Finance-role-gated.
// POST /v1/finance/refunds/{refundID}/approve
func (h *handlers) approveRefund(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	refundID := routeParam(r, "refundID")
	var req reviewRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	refund, err := h.backoffice.ApproveRefund(r.Context(), refundID, claims.AdminID, req.Note)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refund": refundView(refund)})
}

// rejectRefund declines a refund request with no balance movement.
// POST /v1/finance/refunds/{refundID}/reject
func (h *handlers) rejectRefund(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	refundID := routeParam(r, "refundID")
	var req struct {
		RejectReason string `json:"reject_reason"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	refund, err := h.backoffice.RejectRefund(r.Context(), refundID, claims.AdminID, req.RejectReason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refund": refundView(refund)})
}

func invoiceView(inv storage.Invoice) map[string]any {
	return map[string]any{
		"invoice_id":     inv.ID,
		"operator_id":    inv.OperatorID,
		"invoice_type":   inv.InvoiceType,
		"amount":         inv.Amount.ToMajor(),
		"buyer_tax_info": inv.BuyerTaxInfo,
		"status":         inv.Status,
		"invoice_number": inv.InvoiceNumber,
		"invoice_url":    inv.InvoiceURL,
	}
}

// approveInvoice assigns an invoice_number and moves the invoice to
// approved, awaiting the PDF attachment step (issueInvoice below).
// POST /v1/finance/invoices/{invoiceID}/approve
func (h *handlers) approveInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID := routeParam(r, "invoiceID")
	var req struct {
		InvoiceNumber string `json:"invoice_number"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.InvoiceNumber == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invoice_number is required")
		return
	}
	inv, err := h.backoffice.ApproveInvoice(r.Context(), invoiceID, req.InvoiceNumber)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": invoiceView(inv)})
}

// rejectInvoice declines an invoice request.
// POST /v1/finance/invoices/{invoiceID}/reject
func (h *handlers) rejectInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID := routeParam(r, "invoiceID")
	inv, err := h.backoffice.RejectInvoice(r.Context(), invoiceID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": invoiceView(inv)})
}

// issueInvoice attaches the generated PDF/URL and marks the invoice issued.
// POST /v1/finance/invoices/{invoiceID}/issue
func (h *handlers) issueInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID := routeParam(r, "invoiceID")
	var req struct {
		InvoiceURL string `json:"invoice_url"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.InvoiceURL == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invoice_url is required")
		return
	}
	inv, err := h.backoffice.IssueInvoice(r.Context(), invoiceID, req.InvoiceURL)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": invoiceView(inv)})
}

// rechargeCallback is the payment-gateway webhook: opaque to this core
// beyond order_id and success (spec.md §4.5). Deliberately unauthenticated
// by bearer token — gateways authenticate by shared-secret signature,
// which is this endpoint's concern to add once a specific provider is
// chosen (see DESIGN.md open questions).
// POST /v1/webhooks/recharge-callback
func (h *handlers) rechargeCallback(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	var req struct {
		OrderID string `json:"order_id"`
		Success bool   `json:"success"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.OrderID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "order_id is required")
		return
	}

	order, err := h.backoffice.CompleteRecharge(r.Context(), req.OrderID, req.Success)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	log.Info().Str("order_id", order.ID).Str("status", string(order.Status)).Msg("recharge.callback_processed")

	writeJSON(w, http.StatusOK, map[string]any{
		"order_id": order.ID,
		"status":   order.Status,
	})
}
