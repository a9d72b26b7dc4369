// Package storage is the authoritative persistence layer for operators,
// sites, applications, authorisations, usage records, transactions,
// refunds, invoices and recharge orders. All balance-affecting writes
// go through WithTx so callers get commit-or-rollback without threading
// a database handle through every layer.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/CedrosPay/server/internal/money"
)

var (
	// ErrNotFound is returned when a lookup by ID/code/username finds nothing.
	ErrNotFound = errors.New("storage: not found")
	// ErrSessionConflict is returned by InsertUsageAndTransaction on a
	// session_id unique-constraint collision; the caller retries generation.
	ErrSessionConflict = errors.New("storage: session_id collision")
	// ErrAlreadyExists is returned by creates that collide on a unique key
	// (operator username, application app_code, site).
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrBalanceMismatch signals that the BalanceBefore a caller computed
	// no longer matches the stored balance — the row was not actually
	// locked, or the caller raced a concurrent writer. Treated as Internal.
	ErrBalanceMismatch = errors.New("storage: balance_before does not match current balance")
	// ErrInvalidState is returned by state-machine transitions attempted
	// from a terminal or otherwise illegal source state.
	ErrInvalidState = errors.New("storage: illegal state transition")
	// ErrAccessDenied is returned when a record exists but is not owned by
	// the caller (e.g. a session_id whose operator differs from the token).
	ErrAccessDenied = errors.New("storage: access denied")
)

// CustomerTier is informational metadata on Operator; no rule in this
// package keys off it (see DESIGN.md open questions).
type CustomerTier string

const (
	TierTrial   CustomerTier = "trial"
	TierRegular CustomerTier = "regular"
	TierVIP     CustomerTier = "vip"
)

// AdminRole is the closed set of back-office roles.
type AdminRole string

const (
	RoleSuperAdmin     AdminRole = "super_admin"
	RoleAdmin          AdminRole = "admin"
	RoleFinanceSpec    AdminRole = "finance_specialist"
	RoleFinanceManager AdminRole = "finance_manager"
	RoleFinanceAuditor AdminRole = "finance_auditor"
)

// Operator is a commercial tenant running one or more sites.
type Operator struct {
	ID             string
	Username       string
	PasswordHash   string
	DisplayName    string
	ContactEmail   string
	ContactPhone   string
	Balance        money.Money
	TotalRecharged money.Money
	TotalConsumed  money.Money
	TotalRefunded  money.Money
	CustomerTier   CustomerTier
	IsActive       bool
	IsLocked       bool
	LockReason     string
	LockedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Admin is a back-office account; same shape as Operator minus balance
// fields, with a Role instead.
type Admin struct {
	ID           string
	Username     string
	PasswordHash string
	DisplayName  string
	Role         AdminRole
	IsActive     bool
	CreatedAt    time.Time
}

// Application is a game title authorised for a price, addressed
// externally by its immutable app_code.
type Application struct {
	ID         string
	AppCode    string
	AppName    string
	UnitPrice  money.Money
	MinPlayers int
	MaxPlayers int
	IsActive   bool
	CreatedAt  time.Time
}

// Site is an operator's physical venue.
type Site struct {
	ID            string
	OperatorID    string
	Name          string
	Address       string
	ContactPerson string
	ContactPhone  string
	IsActive      bool
	DeletedAt     *time.Time
	CreatedAt     time.Time
}

// ApplicationAuthorisation is an approved grant that an operator may use
// an application. At most one active grant exists per (operator, app).
type ApplicationAuthorisation struct {
	OperatorID    string
	ApplicationID string
	GrantedAt     time.Time
	ExpiresAt     *time.Time
}

// Active reports whether the grant has not expired as of now.
func (a ApplicationAuthorisation) Active(now time.Time) bool {
	return a.ExpiresAt == nil || now.Before(*a.ExpiresAt)
}

// ApplicationRequestStatus is the closed state set for ApplicationRequest.
type ApplicationRequestStatus string

const (
	RequestPending  ApplicationRequestStatus = "pending"
	RequestApproved ApplicationRequestStatus = "approved"
	RequestRejected ApplicationRequestStatus = "rejected"
)

// ApplicationRequest is an operator's ask for a grant, reviewed by an admin.
type ApplicationRequest struct {
	ID            string
	OperatorID    string
	ApplicationID string
	Reason        string
	Status        ApplicationRequestStatus
	ReviewerID    string
	ReviewedAt    *time.Time
	AdminNote     string
	CreatedAt     time.Time
}

// HeadsetGameRecord is one device's contribution to a GameSession.
type HeadsetGameRecord struct {
	DeviceID    string
	DeviceName  string
	StartTime   *time.Time
	EndTime     *time.Time
	ProcessInfo string
}

// GameSession is the post-game telemetry attached to a UsageRecord by
// session upload. Re-uploads overwrite the prior contents in full.
type GameSession struct {
	StartTime   *time.Time
	EndTime     *time.Time
	ProcessInfo string
	Headsets    []HeadsetGameRecord
}

// UsageRecord is the immutable billing artifact of one authorised session.
type UsageRecord struct {
	ID            string
	SessionID     string
	OperatorID    string
	ApplicationID string
	SiteID        string
	PlayerCount   int
	UnitPrice     money.Money
	TotalCost     money.Money
	AuthorizedAt  time.Time
	GameSession   *GameSession
}

// TransactionType is the closed set of ledger entry kinds.
type TransactionType string

const (
	TxRecharge    TransactionType = "recharge"
	TxConsumption TransactionType = "consumption"
	TxRefund      TransactionType = "refund"
	TxAdjustment  TransactionType = "adjustment"
)

// Transaction is an append-only ledger entry for a balance movement.
type Transaction struct {
	ID            string
	OperatorID    string
	Type          TransactionType
	Amount        money.Money // signed; positive = balance increase
	BalanceBefore money.Money
	BalanceAfter  money.Money
	Description   string
	RelatedID     string
	CreatedAt     time.Time
}

// RechargeOrderStatus is the closed state set for RechargeOrder.
type RechargeOrderStatus string

const (
	RechargePending   RechargeOrderStatus = "pending"
	RechargePaid      RechargeOrderStatus = "paid"
	RechargeCancelled RechargeOrderStatus = "cancelled"
	RechargeExpired   RechargeOrderStatus = "expired"
)

// RechargeOrder is an operator-initiated top-up intent.
type RechargeOrder struct {
	ID            string
	OperatorID    string
	Amount        money.Money
	PaymentMethod string
	Status        RechargeOrderStatus
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// RefundStatus is the closed state set for Refund.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundApproved  RefundStatus = "approved"
	RefundRejected  RefundStatus = "rejected"
	RefundCompleted RefundStatus = "completed"
)

// Refund is an operator's ask for money back; approval decreases the
// operator's balance (see DESIGN.md open questions).
type Refund struct {
	ID              string
	OperatorID      string
	RequestedAmount money.Money
	Reason          string
	Status          RefundStatus
	ReviewerID      string
	AdminNote       string
	RejectReason    string
	ReviewedAt      *time.Time
	CreatedAt       time.Time
}

// InvoiceType distinguishes a plain receipt from a VAT invoice.
type InvoiceType string

const (
	InvoiceRegular InvoiceType = "regular"
	InvoiceVAT     InvoiceType = "vat"
)

// InvoiceStatus is the closed state set for Invoice.
type InvoiceStatus string

const (
	InvoicePending  InvoiceStatus = "pending"
	InvoiceApproved InvoiceStatus = "approved"
	InvoiceRejected InvoiceStatus = "rejected"
	InvoiceIssued   InvoiceStatus = "issued"
)

// Invoice is an operator's ask for a billing document.
type Invoice struct {
	ID            string
	OperatorID    string
	InvoiceType   InvoiceType
	Amount        money.Money
	BuyerTaxInfo  string
	Status        InvoiceStatus
	InvoiceNumber string
	InvoiceURL    string
	CreatedAt     time.Time
}

// Page is a simple offset/limit paging request.
type Page struct {
	Offset int
	Limit  int
}

// Tx is an opaque transaction handle. Its concrete type is backend
// specific (a *sql.Tx wrapper for PostgresStore, a marker value for
// MemoryStore); callers only ever pass it through to the same Store
// that produced it.
type Tx interface {
	private()
}

// Store is the C1 Ledger Store contract: authoritative persistence for
// every entity in the data model, with WithTx as the sole unit-of-work
// boundary. Every mutating method takes the Tx produced by the active
// WithTx call; the top-level request handler never sees a bare DB handle.
type Store interface {
	// WithTx runs fn within a transaction, committing on nil return and
	// rolling back otherwise. Calls do not nest: each call begins its own
	// transaction, and MemoryStore's store-wide lock is not reentrant,
	// so a WithTx issued from inside fn blocks there.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Operators.
	CreateOperator(ctx context.Context, tx Tx, op Operator) error
	GetOperator(ctx context.Context, tx Tx, operatorID string) (Operator, error)
	GetOperatorByUsername(ctx context.Context, username string) (Operator, error)
	LockOperatorForUpdate(ctx context.Context, tx Tx, operatorID string) (Operator, error)
	SetOperatorLock(ctx context.Context, tx Tx, operatorID string, locked bool, reason string) error
	ListOperators(ctx context.Context, page Page) ([]Operator, int, error)

	// Admins.
	CreateAdmin(ctx context.Context, tx Tx, a Admin) error
	GetAdmin(ctx context.Context, adminID string) (Admin, error)
	GetAdminByUsername(ctx context.Context, username string) (Admin, error)

	// Applications.
	CreateApplication(ctx context.Context, tx Tx, app Application) error
	GetApplication(ctx context.Context, tx Tx, applicationID string) (Application, error)
	GetApplicationByCode(ctx context.Context, tx Tx, appCode string) (Application, error)
	ListApplications(ctx context.Context, page Page) ([]Application, int, error)

	// Sites.
	CreateSite(ctx context.Context, tx Tx, site Site) error
	GetSite(ctx context.Context, tx Tx, siteID string) (Site, error)
	ListSitesByOperator(ctx context.Context, operatorID string, page Page) ([]Site, int, error)
	SoftDeleteSite(ctx context.Context, tx Tx, siteID string) error

	// Application authorisations and requests.
	GetActiveAuthorisation(ctx context.Context, tx Tx, operatorID, applicationID string) (ApplicationAuthorisation, bool, error)
	UpsertAuthorisation(ctx context.Context, tx Tx, auth ApplicationAuthorisation) error
	CreateApplicationRequest(ctx context.Context, tx Tx, req ApplicationRequest) error
	GetApplicationRequest(ctx context.Context, tx Tx, requestID string) (ApplicationRequest, error)
	ListPendingApplicationRequests(ctx context.Context, page Page) ([]ApplicationRequest, int, error)
	UpdateApplicationRequestStatus(ctx context.Context, tx Tx, requestID string, status ApplicationRequestStatus, reviewerID, adminNote string) error

	// Usage records and the billing hot path.
	FindUsageByBusinessKey(ctx context.Context, tx Tx, operatorID, applicationID, siteID string, playerCount int, windowStart time.Time) (UsageRecord, bool, error)
	InsertUsageAndTransaction(ctx context.Context, tx Tx, usage UsageRecord, txn Transaction) error
	GetUsageBySessionID(ctx context.Context, tx Tx, sessionID string) (UsageRecord, error)
	UpsertGameSession(ctx context.Context, tx Tx, sessionID, requestingOperatorID string, session GameSession) error

	// Transactions (append-only ledger).
	ListTransactionsByOperator(ctx context.Context, operatorID string, page Page) ([]Transaction, int, error)
	ApplyOperatorTransaction(ctx context.Context, tx Tx, txn Transaction) error

	// Recharge orders.
	CreateRechargeOrder(ctx context.Context, tx Tx, order RechargeOrder) error
	GetRechargeOrder(ctx context.Context, tx Tx, orderID string) (RechargeOrder, error)
	LockRechargeOrderForUpdate(ctx context.Context, tx Tx, orderID string) (RechargeOrder, error)
	MarkRechargeOrderPaid(ctx context.Context, tx Tx, orderID string) error

	// Refunds.
	CreateRefund(ctx context.Context, tx Tx, refund Refund) error
	GetRefund(ctx context.Context, tx Tx, refundID string) (Refund, error)
	LockRefundForUpdate(ctx context.Context, tx Tx, refundID string) (Refund, error)
	UpdateRefundStatus(ctx context.Context, tx Tx, refundID string, status RefundStatus, reviewerID, note string) error
	ListRefunds(ctx context.Context, operatorID string, page Page) ([]Refund, int, error)

	// Invoices.
	CreateInvoice(ctx context.Context, tx Tx, inv Invoice) error
	GetInvoice(ctx context.Context, tx Tx, invoiceID string) (Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, tx Tx, invoiceID string, status InvoiceStatus, invoiceNumber, invoiceURL string) error
	ListInvoices(ctx context.Context, operatorID string, page Page) ([]Invoice, int, error)

	Close() error
}

// StoreConfig selects and configures a Store implementation.
type StoreConfig struct {
	Backend     string // "memory" or "postgres"
	PostgresURL string

	// Table name overrides, mirroring the teacher's configurable-schema
	// convention; empty fields fall back to the defaults in postgres_store.go.
	OperatorsTable           string
	AdminsTable              string
	ApplicationsTable        string
	SitesTable               string
	AuthorisationsTable      string
	ApplicationRequestsTable string
	UsageRecordsTable        string
	GameSessionsTable        string
	HeadsetGameRecordsTable  string
	TransactionsTable        string
	RechargeOrdersTable      string
	RefundsTable             string
	InvoicesTable            string

	QueryTimeout time.Duration
}

// NewStore constructs a Store from configuration. "memory" (or an empty
// Backend) yields an in-process MemoryStore; "postgres" dials PostgresURL.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(ctx, cfg)
	default:
		return nil, errors.New("storage: unknown backend: " + cfg.Backend)
	}
}
