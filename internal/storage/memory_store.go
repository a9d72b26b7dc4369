package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CedrosPay/server/internal/money"
)

// addMoney adds two CNY amounts. Both operands always share the CNY
// asset in this deployment, so the asset-mismatch error Add can return
// never fires here.
func addMoney(a, b money.Money) money.Money {
	sum, err := a.Add(b)
	if err != nil {
		return a
	}
	return sum
}

// memoryTx is the marker Tx value MemoryStore hands out. MemoryStore has
// no real transaction log; WithTx instead snapshots every map up front
// and restores it verbatim if fn returns an error, which is sufficient
// for a single-process test double.
type memoryTx struct{}

func (memoryTx) private() {}

// MemoryStore is an in-process Store implementation, grounded on the
// teacher's mutex-guarded-maps MemoryStore idiom. It is intended for
// tests and local development, not for production traffic — there is
// no durability and WithTx serialises all writers behind one mutex
// rather than locking per operator row.
type MemoryStore struct {
	mu sync.Mutex

	operators           map[string]Operator
	operatorsByUsername map[string]string

	admins           map[string]Admin
	adminsByUsername map[string]string

	applications       map[string]Application
	applicationsByCode map[string]string

	sites map[string]Site

	authorisations map[string]ApplicationAuthorisation // key: operatorID + "|" + applicationID
	appRequests    map[string]ApplicationRequest

	usageRecords     map[string]UsageRecord
	usageBySessionID map[string]string

	transactions map[string]Transaction

	rechargeOrders map[string]RechargeOrder
	refunds        map[string]Refund
	invoices       map[string]Invoice
}

// NewMemoryStore returns an empty MemoryStore ready for use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		operators:            make(map[string]Operator),
		operatorsByUsername:  make(map[string]string),
		admins:               make(map[string]Admin),
		adminsByUsername:     make(map[string]string),
		applications:         make(map[string]Application),
		applicationsByCode:   make(map[string]string),
		sites:                make(map[string]Site),
		authorisations:       make(map[string]ApplicationAuthorisation),
		appRequests:          make(map[string]ApplicationRequest),
		usageRecords:         make(map[string]UsageRecord),
		usageBySessionID:     make(map[string]string),
		transactions:         make(map[string]Transaction),
		rechargeOrders:       make(map[string]RechargeOrder),
		refunds:              make(map[string]Refund),
		invoices:             make(map[string]Invoice),
	}
}

type memorySnapshot struct {
	operators            map[string]Operator
	operatorsByUsername  map[string]string
	admins               map[string]Admin
	adminsByUsername     map[string]string
	applications         map[string]Application
	applicationsByCode   map[string]string
	sites                map[string]Site
	authorisations       map[string]ApplicationAuthorisation
	appRequests          map[string]ApplicationRequest
	usageRecords         map[string]UsageRecord
	usageBySessionID     map[string]string
	transactions         map[string]Transaction
	rechargeOrders       map[string]RechargeOrder
	refunds              map[string]Refund
	invoices             map[string]Invoice
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) snapshot() memorySnapshot {
	return memorySnapshot{
		operators:           copyMap(s.operators),
		operatorsByUsername: copyMap(s.operatorsByUsername),
		admins:              copyMap(s.admins),
		adminsByUsername:    copyMap(s.adminsByUsername),
		applications:        copyMap(s.applications),
		applicationsByCode:  copyMap(s.applicationsByCode),
		sites:               copyMap(s.sites),
		authorisations:      copyMap(s.authorisations),
		appRequests:         copyMap(s.appRequests),
		usageRecords:        copyMap(s.usageRecords),
		usageBySessionID:    copyMap(s.usageBySessionID),
		transactions:        copyMap(s.transactions),
		rechargeOrders:      copyMap(s.rechargeOrders),
		refunds:             copyMap(s.refunds),
		invoices:            copyMap(s.invoices),
	}
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.operators = snap.operators
	s.operatorsByUsername = snap.operatorsByUsername
	s.admins = snap.admins
	s.adminsByUsername = snap.adminsByUsername
	s.applications = snap.applications
	s.applicationsByCode = snap.applicationsByCode
	s.sites = snap.sites
	s.authorisations = snap.authorisations
	s.appRequests = snap.appRequests
	s.usageRecords = snap.usageRecords
	s.usageBySessionID = snap.usageBySessionID
	s.transactions = snap.transactions
	s.rechargeOrders = snap.rechargeOrders
	s.refunds = snap.refunds
	s.invoices = snap.invoices
}

// WithTx holds the store-wide lock for the duration of fn and rolls back
// to a pre-call snapshot if fn returns an error.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(memoryTx{}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func authKey(operatorID, applicationID string) string {
	return operatorID + "|" + applicationID
}

// --- Operators ---

func (s *MemoryStore) CreateOperator(ctx context.Context, tx Tx, op Operator) error {
	if _, exists := s.operatorsByUsername[op.Username]; exists {
		return fmt.Errorf("operator username %q: %w", op.Username, ErrAlreadyExists)
	}
	s.operators[op.ID] = op
	s.operatorsByUsername[op.Username] = op.ID
	return nil
}

func (s *MemoryStore) GetOperator(ctx context.Context, tx Tx, operatorID string) (Operator, error) {
	op, ok := s.operators[operatorID]
	if !ok {
		return Operator{}, fmt.Errorf("operator %q: %w", operatorID, ErrNotFound)
	}
	return op, nil
}

func (s *MemoryStore) GetOperatorByUsername(ctx context.Context, username string) (Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.operatorsByUsername[username]
	if !ok {
		return Operator{}, fmt.Errorf("operator username %q: %w", username, ErrNotFound)
	}
	return s.operators[id], nil
}

// LockOperatorForUpdate returns the current operator row. MemoryStore has
// no per-row lock; WithTx's store-wide mutex already serialises writers.
func (s *MemoryStore) LockOperatorForUpdate(ctx context.Context, tx Tx, operatorID string) (Operator, error) {
	return s.GetOperator(ctx, tx, operatorID)
}

func (s *MemoryStore) SetOperatorLock(ctx context.Context, tx Tx, operatorID string, locked bool, reason string) error {
	op, ok := s.operators[operatorID]
	if !ok {
		return fmt.Errorf("operator %q: %w", operatorID, ErrNotFound)
	}
	op.IsLocked = locked
	op.LockReason = reason
	now := time.Now()
	if locked {
		op.LockedAt = &now
	} else {
		op.LockedAt = nil
	}
	op.UpdatedAt = now
	s.operators[operatorID] = op
	return nil
}

func (s *MemoryStore) ListOperators(ctx context.Context, page Page) ([]Operator, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]Operator, 0, len(s.operators))
	for _, op := range s.operators {
		all = append(all, op)
	}
	return paginate(all, page), len(all), nil
}

// --- Admins ---

func (s *MemoryStore) CreateAdmin(ctx context.Context, tx Tx, a Admin) error {
	if _, exists := s.adminsByUsername[a.Username]; exists {
		return fmt.Errorf("admin username %q: %w", a.Username, ErrAlreadyExists)
	}
	s.admins[a.ID] = a
	s.adminsByUsername[a.Username] = a.ID
	return nil
}

func (s *MemoryStore) GetAdmin(ctx context.Context, adminID string) (Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.admins[adminID]
	if !ok {
		return Admin{}, fmt.Errorf("admin %q: %w", adminID, ErrNotFound)
	}
	return a, nil
}

func (s *MemoryStore) GetAdminByUsername(ctx context.Context, username string) (Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.adminsByUsername[username]
	if !ok {
		return Admin{}, fmt.Errorf("admin username %q: %w", username, ErrNotFound)
	}
	return s.admins[id], nil
}

// --- Applications ---

func (s *MemoryStore) CreateApplication(ctx context.Context, tx Tx, app Application) error {
	if _, exists := s.applicationsByCode[app.AppCode]; exists {
		return fmt.Errorf("app_code %q: %w", app.AppCode, ErrAlreadyExists)
	}
	s.applications[app.ID] = app
	s.applicationsByCode[app.AppCode] = app.ID
	return nil
}

func (s *MemoryStore) GetApplication(ctx context.Context, tx Tx, applicationID string) (Application, error) {
	app, ok := s.applications[applicationID]
	if !ok {
		return Application{}, fmt.Errorf("application %q: %w", applicationID, ErrNotFound)
	}
	return app, nil
}

func (s *MemoryStore) GetApplicationByCode(ctx context.Context, tx Tx, appCode string) (Application, error) {
	id, ok := s.applicationsByCode[appCode]
	if !ok {
		return Application{}, fmt.Errorf("app_code %q: %w", appCode, ErrNotFound)
	}
	return s.applications[id], nil
}

func (s *MemoryStore) ListApplications(ctx context.Context, page Page) ([]Application, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]Application, 0, len(s.applications))
	for _, app := range s.applications {
		all = append(all, app)
	}
	return paginate(all, page), len(all), nil
}

// --- Sites ---

func (s *MemoryStore) CreateSite(ctx context.Context, tx Tx, site Site) error {
	s.sites[site.ID] = site
	return nil
}

func (s *MemoryStore) GetSite(ctx context.Context, tx Tx, siteID string) (Site, error) {
	site, ok := s.sites[siteID]
	if !ok {
		return Site{}, fmt.Errorf("site %q: %w", siteID, ErrNotFound)
	}
	return site, nil
}

func (s *MemoryStore) ListSitesByOperator(ctx context.Context, operatorID string, page Page) ([]Site, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := make([]Site, 0)
	for _, site := range s.sites {
		if site.OperatorID == operatorID && site.DeletedAt == nil {
			matches = append(matches, site)
		}
	}
	return paginate(matches, page), len(matches), nil
}

func (s *MemoryStore) SoftDeleteSite(ctx context.Context, tx Tx, siteID string) error {
	site, ok := s.sites[siteID]
	if !ok {
		return fmt.Errorf("site %q: %w", siteID, ErrNotFound)
	}
	now := time.Now()
	site.DeletedAt = &now
	site.IsActive = false
	s.sites[siteID] = site
	return nil
}

// --- Authorisations & requests ---

func (s *MemoryStore) GetActiveAuthorisation(ctx context.Context, tx Tx, operatorID, applicationID string) (ApplicationAuthorisation, bool, error) {
	auth, ok := s.authorisations[authKey(operatorID, applicationID)]
	if !ok {
		return ApplicationAuthorisation{}, false, nil
	}
	return auth, auth.Active(time.Now()), nil
}

func (s *MemoryStore) UpsertAuthorisation(ctx context.Context, tx Tx, auth ApplicationAuthorisation) error {
	s.authorisations[authKey(auth.OperatorID, auth.ApplicationID)] = auth
	return nil
}

func (s *MemoryStore) CreateApplicationRequest(ctx context.Context, tx Tx, req ApplicationRequest) error {
	s.appRequests[req.ID] = req
	return nil
}

func (s *MemoryStore) GetApplicationRequest(ctx context.Context, tx Tx, requestID string) (ApplicationRequest, error) {
	req, ok := s.appRequests[requestID]
	if !ok {
		return ApplicationRequest{}, fmt.Errorf("application request %q: %w", requestID, ErrNotFound)
	}
	return req, nil
}

func (s *MemoryStore) ListPendingApplicationRequests(ctx context.Context, page Page) ([]ApplicationRequest, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := make([]ApplicationRequest, 0)
	for _, req := range s.appRequests {
		if req.Status == RequestPending {
			matches = append(matches, req)
		}
	}
	return paginate(matches, page), len(matches), nil
}

func (s *MemoryStore) UpdateApplicationRequestStatus(ctx context.Context, tx Tx, requestID string, status ApplicationRequestStatus, reviewerID, adminNote string) error {
	req, ok := s.appRequests[requestID]
	if !ok {
		return fmt.Errorf("application request %q: %w", requestID, ErrNotFound)
	}
	if req.Status != RequestPending {
		return fmt.Errorf("application request %q already %s: %w", requestID, req.Status, ErrInvalidState)
	}
	now := time.Now()
	req.Status = status
	req.ReviewerID = reviewerID
	req.AdminNote = adminNote
	req.ReviewedAt = &now
	s.appRequests[requestID] = req
	return nil
}

// --- Usage records & billing hot path ---

func (s *MemoryStore) FindUsageByBusinessKey(ctx context.Context, tx Tx, operatorID, applicationID, siteID string, playerCount int, windowStart time.Time) (UsageRecord, bool, error) {
	var best UsageRecord
	found := false
	for _, u := range s.usageRecords {
		if u.OperatorID != operatorID || u.ApplicationID != applicationID || u.SiteID != siteID || u.PlayerCount != playerCount {
			continue
		}
		if u.AuthorizedAt.Before(windowStart) {
			continue
		}
		if !found || u.AuthorizedAt.After(best.AuthorizedAt) {
			best = u
			found = true
		}
	}
	return best, found, nil
}

func (s *MemoryStore) InsertUsageAndTransaction(ctx context.Context, tx Tx, usage UsageRecord, txn Transaction) error {
	if _, exists := s.usageBySessionID[usage.SessionID]; exists {
		return fmt.Errorf("session_id %q: %w", usage.SessionID, ErrSessionConflict)
	}
	op, ok := s.operators[usage.OperatorID]
	if !ok {
		return fmt.Errorf("operator %q: %w", usage.OperatorID, ErrNotFound)
	}
	if !op.Balance.Equal(txn.BalanceBefore) {
		return ErrBalanceMismatch
	}
	op.Balance = txn.BalanceAfter
	op.TotalConsumed = addMoney(op.TotalConsumed, usage.TotalCost)
	op.UpdatedAt = time.Now()
	s.operators[op.ID] = op

	s.usageRecords[usage.ID] = usage
	s.usageBySessionID[usage.SessionID] = usage.ID
	s.transactions[txn.ID] = txn
	return nil
}

func (s *MemoryStore) GetUsageBySessionID(ctx context.Context, tx Tx, sessionID string) (UsageRecord, error) {
	id, ok := s.usageBySessionID[sessionID]
	if !ok {
		return UsageRecord{}, fmt.Errorf("session_id %q: %w", sessionID, ErrNotFound)
	}
	return s.usageRecords[id], nil
}

func (s *MemoryStore) UpsertGameSession(ctx context.Context, tx Tx, sessionID, requestingOperatorID string, session GameSession) error {
	id, ok := s.usageBySessionID[sessionID]
	if !ok {
		return fmt.Errorf("session_id %q: %w", sessionID, ErrNotFound)
	}
	usage := s.usageRecords[id]
	if usage.OperatorID != requestingOperatorID {
		return fmt.Errorf("session_id %q: %w", sessionID, ErrAccessDenied)
	}
	sessionCopy := session
	usage.GameSession = &sessionCopy
	s.usageRecords[id] = usage
	return nil
}

// --- Transactions ---

func (s *MemoryStore) ListTransactionsByOperator(ctx context.Context, operatorID string, page Page) ([]Transaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := make([]Transaction, 0)
	for _, t := range s.transactions {
		if t.OperatorID == operatorID {
			matches = append(matches, t)
		}
	}
	return paginate(matches, page), len(matches), nil
}

// ApplyOperatorTransaction applies a prepared balance movement (recharge,
// refund, adjustment) to the operator row and appends the ledger entry.
// The caller is expected to have computed BalanceBefore/BalanceAfter from
// a value obtained via LockOperatorForUpdate in the same WithTx.
func (s *MemoryStore) ApplyOperatorTransaction(ctx context.Context, tx Tx, txn Transaction) error {
	op, ok := s.operators[txn.OperatorID]
	if !ok {
		return fmt.Errorf("operator %q: %w", txn.OperatorID, ErrNotFound)
	}
	if !op.Balance.Equal(txn.BalanceBefore) {
		return ErrBalanceMismatch
	}
	op.Balance = txn.BalanceAfter
	switch txn.Type {
	case TxRecharge:
		op.TotalRecharged = addMoney(op.TotalRecharged, txn.Amount)
	case TxRefund:
		op.TotalRefunded = addMoney(op.TotalRefunded, txn.Amount.Abs())
	}
	op.UpdatedAt = time.Now()
	s.operators[op.ID] = op
	s.transactions[txn.ID] = txn
	return nil
}

// --- Recharge orders ---

func (s *MemoryStore) CreateRechargeOrder(ctx context.Context, tx Tx, order RechargeOrder) error {
	s.rechargeOrders[order.ID] = order
	return nil
}

func (s *MemoryStore) GetRechargeOrder(ctx context.Context, tx Tx, orderID string) (RechargeOrder, error) {
	order, ok := s.rechargeOrders[orderID]
	if !ok {
		return RechargeOrder{}, fmt.Errorf("recharge order %q: %w", orderID, ErrNotFound)
	}
	return order, nil
}

func (s *MemoryStore) LockRechargeOrderForUpdate(ctx context.Context, tx Tx, orderID string) (RechargeOrder, error) {
	return s.GetRechargeOrder(ctx, tx, orderID)
}

func (s *MemoryStore) MarkRechargeOrderPaid(ctx context.Context, tx Tx, orderID string) error {
	order, ok := s.rechargeOrders[orderID]
	if !ok {
		return fmt.Errorf("recharge order %q: %w", orderID, ErrNotFound)
	}
	order.Status = RechargePaid
	s.rechargeOrders[orderID] = order
	return nil
}

// --- Refunds ---

func (s *MemoryStore) CreateRefund(ctx context.Context, tx Tx, refund Refund) error {
	s.refunds[refund.ID] = refund
	return nil
}

func (s *MemoryStore) GetRefund(ctx context.Context, tx Tx, refundID string) (Refund, error) {
	r, ok := s.refunds[refundID]
	if !ok {
		return Refund{}, fmt.Errorf("refund %q: %w", refundID, ErrNotFound)
	}
	return r, nil
}

func (s *MemoryStore) LockRefundForUpdate(ctx context.Context, tx Tx, refundID string) (Refund, error) {
	return s.GetRefund(ctx, tx, refundID)
}

func (s *MemoryStore) UpdateRefundStatus(ctx context.Context, tx Tx, refundID string, status RefundStatus, reviewerID, note string) error {
	r, ok := s.refunds[refundID]
	if !ok {
		return fmt.Errorf("refund %q: %w", refundID, ErrNotFound)
	}
	if r.Status != RefundPending {
		return fmt.Errorf("refund %q already %s: %w", refundID, r.Status, ErrInvalidState)
	}
	now := time.Now()
	r.Status = status
	r.ReviewerID = reviewerID
	if status == RefundRejected {
		r.RejectReason = note
	} else {
		r.AdminNote = note
	}
	r.ReviewedAt = &now
	s.refunds[refundID] = r
	return nil
}

func (s *MemoryStore) ListRefunds(ctx context.Context, operatorID string, page Page) ([]Refund, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := make([]Refund, 0)
	for _, r := range s.refunds {
		if operatorID == "" || r.OperatorID == operatorID {
			matches = append(matches, r)
		}
	}
	return paginate(matches, page), len(matches), nil
}

// --- Invoices ---

func (s *MemoryStore) CreateInvoice(ctx context.Context, tx Tx, inv Invoice) error {
	s.invoices[inv.ID] = inv
	return nil
}

func (s *MemoryStore) GetInvoice(ctx context.Context, tx Tx, invoiceID string) (Invoice, error) {
	inv, ok := s.invoices[invoiceID]
	if !ok {
		return Invoice{}, fmt.Errorf("invoice %q: %w", invoiceID, ErrNotFound)
	}
	return inv, nil
}

func (s *MemoryStore) UpdateInvoiceStatus(ctx context.Context, tx Tx, invoiceID string, status InvoiceStatus, invoiceNumber, invoiceURL string) error {
	inv, ok := s.invoices[invoiceID]
	if !ok {
		return fmt.Errorf("invoice %q: %w", invoiceID, ErrNotFound)
	}
	inv.Status = status
	if invoiceNumber != "" {
		inv.InvoiceNumber = invoiceNumber
	}
	if invoiceURL != "" {
		inv.InvoiceURL = invoiceURL
	}
	s.invoices[invoiceID] = inv
	return nil
}

func (s *MemoryStore) ListInvoices(ctx context.Context, operatorID string, page Page) ([]Invoice, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := make([]Invoice, 0)
	for _, inv := range s.invoices {
		if operatorID == "" || inv.OperatorID == operatorID {
			matches = append(matches, inv)
		}
	}
	return paginate(matches, page), len(matches), nil
}

func (s *MemoryStore) Close() error { return nil }

func paginate[T any](items []T, page Page) []T {
	if page.Limit <= 0 {
		return items
	}
	start := page.Offset
	if start > len(items) {
		return []T{}
	}
	end := start + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
