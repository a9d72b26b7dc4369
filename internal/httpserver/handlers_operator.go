package httpserver

import (
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/CedrosPay/server/internal/errors"
	"github.com/CedrosPay/server/internal/logger"
	"github.com/CedrosPay/server/internal/money"
	"github.com/CedrosPay/server/internal/storage"
)

// pageFromQuery reads offset/limit query params with spec-reasonable
// defaults, matching the teacher's paginated-list handler convention.
func pageFromQuery(r *http.Request) storage.Page {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return storage.Page{Offset: offset, Limit: limit}
}

// getMyProfile returns the calling operator's own account, including
// current balance and lifetime totals.
// GET /v1/operators/me
func (h *handlers) getMyProfile(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var op storage.Operator
	err := h.store.WithTx(r.Context(), func(tx storage.Tx) error {
		var err error
		op, err = h.store.GetOperator(r.Context(), tx, claims.OperatorID)
		return err
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operator": operatorView(op)})
}

// listMyTransactions pages through the operator's append-only ledger.
// GET /v1/operators/me/transactions
func (h *handlers) listMyTransactions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	txns, total, err := h.store.ListTransactionsByOperator(r.Context(), claims.OperatorID, pageFromQuery(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(txns))
	for _, t := range txns {
		out = append(out, map[string]any{
			"id":             t.ID,
			"type":           t.Type,
			"amount":         t.Amount.ToMajor(),
			"balance_before": t.BalanceBefore.ToMajor(),
			"balance_after":  t.BalanceAfter.ToMajor(),
			"description":    t.Description,
			"related_id":     t.RelatedID,
			"created_at":     t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out, "total": total})
}

type createSiteRequest struct {
	Name          string `json:"name"`
	Address       string `json:"address"`
	ContactPerson string `json:"contact_person"`
	ContactPhone  string `json:"contact_phone"`
}

// createSite registers a physical venue under the caller's operator.
// POST /v1/operators/me/sites
func (h *handlers) createSite(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req createSiteRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "name is required")
		return
	}

	site, err := h.backoffice.CreateSite(r.Context(), claims.OperatorID, req.Name, req.Address, req.ContactPerson, req.ContactPhone)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"site": siteView(site)})
}

// listMySites pages through the caller's venues.
// GET /v1/operators/me/sites
func (h *handlers) listMySites(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	sites, total, err := h.store.ListSitesByOperator(r.Context(), claims.OperatorID, pageFromQuery(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(sites))
	for _, s := range sites {
		out = append(out, siteView(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": out, "total": total})
}

func siteView(s storage.Site) map[string]any {
	return map[string]any{
		"site_id":        s.ID,
		"name":           s.Name,
		"address":        s.Address,
		"contact_person": s.ContactPerson,
		"contact_phone":  s.ContactPhone,
		"is_active":      s.IsActive,
	}
}

type applicationGrantRequest struct {
	ApplicationID string `json:"application_id"`
	Reason        string `json:"reason"`
}

// requestApplicationGrant asks a back-office reviewer for permission to
// run applicationID.
// POST /v1/operators/me/application-requests
func (h *handlers) requestApplicationGrant(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req applicationGrantRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.ApplicationID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "application_id is required")
		return
	}

	appReq, err := h.backoffice.RequestApplicationGrant(r.Context(), claims.OperatorID, req.ApplicationID, req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"application_request_id": appReq.ID,
		"status":                 appReq.Status,
	})
}

type refundRequest struct {
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

// requestRefund asks finance to return amount to the operator.
// POST /v1/operators/me/refunds
func (h *handlers) requestRefund(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req refundRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	amount, err := money.FromMajor(money.CNY, req.Amount)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "amount must be a decimal CNY string")
		return
	}

	refund, err := h.backoffice.RequestRefund(r.Context(), claims.OperatorID, amount, req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"refund_id": refund.ID,
		"status":    refund.Status,
	})
}

type invoiceRequest struct {
	InvoiceType  string `json:"invoice_type"`
	Amount       string `json:"amount"`
	BuyerTaxInfo string `json:"buyer_tax_info"`
}

// requestInvoice asks finance for a billing document.
// POST /v1/operators/me/invoices
func (h *handlers) requestInvoice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req invoiceRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	amount, err := money.FromMajor(money.CNY, req.Amount)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "amount must be a decimal CNY string")
		return
	}
	invType := storage.InvoiceRegular
	if req.InvoiceType == string(storage.InvoiceVAT) {
		invType = storage.InvoiceVAT
	}

	inv, err := h.backoffice.RequestInvoice(r.Context(), claims.OperatorID, invType, amount, req.BuyerTaxInfo)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"invoice_id": inv.ID,
		"status":     inv.Status,
	})
}

type rechargeRequest struct {
	Amount        string `json:"amount"`
	PaymentMethod string `json:"payment_method"`
}

// requestRecharge opens a top-up intent, payable until it expires.
// POST /v1/operators/me/recharge-orders
func (h *handlers) requestRecharge(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	claims := claimsFromContext(r.Context())
	var req rechargeRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	amount, err := money.FromMajor(money.CNY, req.Amount)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "amount must be a decimal CNY string")
		return
	}

	order, err := h.backoffice.RequestRecharge(r.Context(), claims.OperatorID, amount, req.PaymentMethod, h.cfg.Billing.RechargeOrderTTL.Duration)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	log.Info().Str("order_id", order.ID).Msg("recharge.order_created")

	writeJSON(w, http.StatusCreated, map[string]any{
		"order_id":       order.ID,
		"amount":         order.Amount.ToMajor(),
		"payment_method": order.PaymentMethod,
		"status":         order.Status,
		"expires_at":     order.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
