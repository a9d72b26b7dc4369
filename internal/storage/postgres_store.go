package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/server/internal/config"
	"github.com/CedrosPay/server/internal/dbretry"
	"github.com/CedrosPay/server/internal/money"
	"github.com/lib/pq"
)

const defaultQueryTimeout = 5 * time.Second

// PostgresStore implements Store against PostgreSQL, using SELECT ... FOR
// UPDATE row locking inside WithTx to serialise concurrent authorisations
// for the same operator.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool

	operatorsTable           string
	adminsTable              string
	applicationsTable        string
	sitesTable               string
	authorisationsTable      string
	applicationRequestsTable string
	usageRecordsTable        string
	gameSessionsTable        string
	headsetGameRecordsTable  string
	transactionsTable        string
	rechargeOrdersTable      string
	refundsTable             string
	invoicesTable            string

	queryTimeout time.Duration
}

// pgTx wraps the *sql.Tx handed out by PostgresStore.WithTx.
type pgTx struct{ tx *sql.Tx }

func (pgTx) private() {}

func txOf(tx Tx) *sql.Tx {
	pt, ok := tx.(pgTx)
	if !ok {
		panic("storage: Tx from a different Store implementation passed to PostgresStore")
	}
	return pt.tx
}

// NewPostgresStore opens a PostgreSQL-backed store and creates its schema
// if missing.
func NewPostgresStore(ctx context.Context, cfg StoreConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, config.PostgresPoolConfig{})

	store := newPostgresStoreFromConfig(db, true, cfg)
	if err := store.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB builds a PostgresStore on a shared connection
// pool (see internal/dbpool), so multiple stores/repositories can share
// one set of connections.
func NewPostgresStoreWithDB(ctx context.Context, db *sql.DB, cfg StoreConfig) (*PostgresStore, error) {
	store := newPostgresStoreFromConfig(db, false, cfg)
	if err := store.createTables(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func newPostgresStoreFromConfig(db *sql.DB, ownsDB bool, cfg StoreConfig) *PostgresStore {
	def := func(override, fallback string) string {
		if override != "" {
			return override
		}
		return fallback
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &PostgresStore{
		db:                       db,
		ownsDB:                   ownsDB,
		operatorsTable:           def(cfg.OperatorsTable, "operators"),
		adminsTable:              def(cfg.AdminsTable, "admins"),
		applicationsTable:        def(cfg.ApplicationsTable, "applications"),
		sitesTable:               def(cfg.SitesTable, "sites"),
		authorisationsTable:      def(cfg.AuthorisationsTable, "application_authorisations"),
		applicationRequestsTable: def(cfg.ApplicationRequestsTable, "application_requests"),
		usageRecordsTable:        def(cfg.UsageRecordsTable, "usage_records"),
		gameSessionsTable:        def(cfg.GameSessionsTable, "game_sessions"),
		headsetGameRecordsTable:  def(cfg.HeadsetGameRecordsTable, "headset_game_records"),
		transactionsTable:        def(cfg.TransactionsTable, "transactions"),
		rechargeOrdersTable:      def(cfg.RechargeOrdersTable, "recharge_orders"),
		refundsTable:             def(cfg.RefundsTable, "refunds"),
		invoicesTable:            def(cfg.InvoicesTable, "invoices"),
		queryTimeout:             timeout,
	}
}

func (s *PostgresStore) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			display_name TEXT NOT NULL,
			contact_email TEXT,
			contact_phone TEXT,
			balance_atomic BIGINT NOT NULL DEFAULT 0,
			total_recharged_atomic BIGINT NOT NULL DEFAULT 0,
			total_consumed_atomic BIGINT NOT NULL DEFAULT 0,
			total_refunded_atomic BIGINT NOT NULL DEFAULT 0,
			customer_tier TEXT NOT NULL DEFAULT 'trial',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_locked BOOLEAN NOT NULL DEFAULT FALSE,
			lock_reason TEXT,
			locked_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			display_name TEXT NOT NULL,
			role TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			app_code TEXT UNIQUE NOT NULL,
			app_name TEXT NOT NULL,
			unit_price_atomic BIGINT NOT NULL,
			min_players INTEGER NOT NULL,
			max_players INTEGER NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS %[4]s (
			id TEXT PRIMARY KEY,
			operator_id TEXT NOT NULL REFERENCES %[1]s(id),
			name TEXT NOT NULL,
			address TEXT,
			contact_person TEXT,
			contact_phone TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			deleted_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS %[5]s (
			operator_id TEXT NOT NULL REFERENCES %[1]s(id),
			application_id TEXT NOT NULL REFERENCES %[3]s(id),
			granted_at TIMESTAMP NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMP,
			PRIMARY KEY (operator_id, application_id)
		);

		CREATE TABLE IF NOT EXISTS %[6]s (
			id TEXT PRIMARY KEY,
			operator_id TEXT NOT NULL REFERENCES %[1]s(id),
			application_id TEXT NOT NULL REFERENCES %[3]s(id),
			reason TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			reviewer_id TEXT,
			reviewed_at TIMESTAMP,
			admin_note TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS %[7]s (
			id TEXT PRIMARY KEY,
			session_id TEXT UNIQUE NOT NULL,
			operator_id TEXT NOT NULL REFERENCES %[1]s(id),
			application_id TEXT NOT NULL REFERENCES %[3]s(id),
			site_id TEXT NOT NULL REFERENCES %[4]s(id),
			player_count INTEGER NOT NULL,
			unit_price_atomic BIGINT NOT NULL,
			total_cost_atomic BIGINT NOT NULL,
			authorized_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %[8]s (
			usage_record_id TEXT PRIMARY KEY REFERENCES %[7]s(id),
			start_time TIMESTAMP,
			end_time TIMESTAMP,
			process_info TEXT
		);

		CREATE TABLE IF NOT EXISTS %[9]s (
			id SERIAL PRIMARY KEY,
			usage_record_id TEXT NOT NULL REFERENCES %[7]s(id),
			device_id TEXT NOT NULL,
			device_name TEXT,
			start_time TIMESTAMP,
			end_time TIMESTAMP,
			process_info TEXT
		);

		CREATE TABLE IF NOT EXISTS %[10]s (
			id TEXT PRIMARY KEY,
			operator_id TEXT NOT NULL REFERENCES %[1]s(id),
			type TEXT NOT NULL,
			amount_atomic BIGINT NOT NULL,
			balance_before_atomic BIGINT NOT NULL,
			balance_after_atomic BIGINT NOT NULL,
			description TEXT,
			related_id TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS %[11]s (
			id TEXT PRIMARY KEY,
			operator_id TEXT NOT NULL REFERENCES %[1]s(id),
			amount_atomic BIGINT NOT NULL,
			payment_method TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS %[12]s (
			id TEXT PRIMARY KEY,
			operator_id TEXT NOT NULL REFERENCES %[1]s(id),
			requested_amount_atomic BIGINT NOT NULL,
			reason TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			reviewer_id TEXT,
			admin_note TEXT,
			reject_reason TEXT,
			reviewed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS %[13]s (
			id TEXT PRIMARY KEY,
			operator_id TEXT NOT NULL REFERENCES %[1]s(id),
			invoice_type TEXT NOT NULL,
			amount_atomic BIGINT NOT NULL,
			buyer_tax_info TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			invoice_number TEXT,
			invoice_url TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_usage_operator_authorized ON %[7]s(operator_id, authorized_at DESC);
		CREATE INDEX IF NOT EXISTS idx_usage_business_key ON %[7]s(operator_id, application_id, site_id, player_count, authorized_at);
		CREATE INDEX IF NOT EXISTS idx_transactions_operator ON %[10]s(operator_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_sites_operator ON %[4]s(operator_id);
		CREATE INDEX IF NOT EXISTS idx_refunds_operator ON %[12]s(operator_id);
		CREATE INDEX IF NOT EXISTS idx_invoices_operator ON %[13]s(operator_id);
	`,
		s.operatorsTable, s.adminsTable, s.applicationsTable, s.sitesTable,
		s.authorisationsTable, s.applicationRequestsTable, s.usageRecordsTable,
		s.gameSessionsTable, s.headsetGameRecordsTable, s.transactionsTable,
		s.rechargeOrdersTable, s.refundsTable, s.invoicesTable,
	)

	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// WithTx runs fn inside a REPEATABLE READ transaction, retrying the whole
// closure up to three times with exponential backoff if the database
// aborts it with a serialization failure or deadlock (spec.md §7).
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	_, err := dbretry.WithRetry(ctx, func() (struct{}, error) {
		sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
		if err != nil {
			return struct{}{}, fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(pgTx{sqlTx}); err != nil {
			_ = sqlTx.Rollback()
			return struct{}{}, err
		}
		if err := sqlTx.Commit(); err != nil {
			_ = sqlTx.Rollback()
			return struct{}{}, fmt.Errorf("commit tx: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// --- Operators ---

func (s *PostgresStore) CreateOperator(ctx context.Context, tx Tx, op Operator) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, username, password_hash, display_name, contact_email, contact_phone,
			balance_atomic, total_recharged_atomic, total_consumed_atomic, total_refunded_atomic,
			customer_tier, is_active, is_locked, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, s.operatorsTable)
	_, err := txOf(tx).ExecContext(ctx, query,
		op.ID, op.Username, op.PasswordHash, op.DisplayName, op.ContactEmail, op.ContactPhone,
		op.Balance.Atomic, op.TotalRecharged.Atomic, op.TotalConsumed.Atomic, op.TotalRefunded.Atomic,
		string(op.CustomerTier), op.IsActive, op.IsLocked, op.CreatedAt.UTC(), op.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("operator username %q: %w", op.Username, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) scanOperator(row *sql.Row) (Operator, error) {
	var op Operator
	var balance, recharged, consumed, refunded int64
	var tier string
	err := row.Scan(&op.ID, &op.Username, &op.PasswordHash, &op.DisplayName, &op.ContactEmail, &op.ContactPhone,
		&balance, &recharged, &consumed, &refunded, &tier, &op.IsActive, &op.IsLocked,
		&op.LockReason, &op.LockedAt, &op.CreatedAt, &op.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Operator{}, ErrNotFound
	}
	if err != nil {
		return Operator{}, err
	}
	op.Balance = money.New(money.CNY, balance)
	op.TotalRecharged = money.New(money.CNY, recharged)
	op.TotalConsumed = money.New(money.CNY, consumed)
	op.TotalRefunded = money.New(money.CNY, refunded)
	op.CustomerTier = CustomerTier(tier)
	return op, nil
}

const operatorColumns = `id, username, password_hash, display_name, contact_email, contact_phone,
	balance_atomic, total_recharged_atomic, total_consumed_atomic, total_refunded_atomic,
	customer_tier, is_active, is_locked, lock_reason, locked_at, created_at, updated_at`

func (s *PostgresStore) GetOperator(ctx context.Context, tx Tx, operatorID string) (Operator, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, operatorColumns, s.operatorsTable)
	return s.scanOperator(txOf(tx).QueryRowContext(ctx, query, operatorID))
}

func (s *PostgresStore) GetOperatorByUsername(ctx context.Context, username string) (Operator, error) {
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE username = $1`, operatorColumns, s.operatorsTable)
	return s.scanOperator(s.db.QueryRowContext(ctx, query, username))
}

// LockOperatorForUpdate acquires the exclusive row lock that serialises
// all concurrent authorisations for this operator (spec.md §4.1/§5).
func (s *PostgresStore) LockOperatorForUpdate(ctx context.Context, tx Tx, operatorID string) (Operator, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, operatorColumns, s.operatorsTable)
	op, err := s.scanOperator(txOf(tx).QueryRowContext(ctx, query, operatorID))
	if errors.Is(err, ErrNotFound) {
		return Operator{}, fmt.Errorf("operator %q: %w", operatorID, ErrNotFound)
	}
	return op, err
}

func (s *PostgresStore) SetOperatorLock(ctx context.Context, tx Tx, operatorID string, locked bool, reason string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET is_locked = $2, lock_reason = $3,
			locked_at = CASE WHEN $2 THEN NOW() ELSE NULL END, updated_at = NOW()
		WHERE id = $1
	`, s.operatorsTable)
	res, err := txOf(tx).ExecContext(ctx, query, operatorID, locked, reason)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, fmt.Sprintf("operator %q", operatorID))
}

func (s *PostgresStore) ListOperators(ctx context.Context, page Page) ([]Operator, int, error) {
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	var total int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.operatorsTable)).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC %s`, operatorColumns, s.operatorsTable, limitOffset(page))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Operator
	for rows.Next() {
		var op Operator
		var balance, recharged, consumed, refunded int64
		var tier string
		if err := rows.Scan(&op.ID, &op.Username, &op.PasswordHash, &op.DisplayName, &op.ContactEmail, &op.ContactPhone,
			&balance, &recharged, &consumed, &refunded, &tier, &op.IsActive, &op.IsLocked,
			&op.LockReason, &op.LockedAt, &op.CreatedAt, &op.UpdatedAt); err != nil {
			return nil, 0, err
		}
		op.Balance = money.New(money.CNY, balance)
		op.TotalRecharged = money.New(money.CNY, recharged)
		op.TotalConsumed = money.New(money.CNY, consumed)
		op.TotalRefunded = money.New(money.CNY, refunded)
		op.CustomerTier = CustomerTier(tier)
		out = append(out, op)
	}
	return out, total, rows.Err()
}

// --- Admins ---

func (s *PostgresStore) CreateAdmin(ctx context.Context, tx Tx, a Admin) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, username, password_hash, display_name, role, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, s.adminsTable)
	_, err := txOf(tx).ExecContext(ctx, query, a.ID, a.Username, a.PasswordHash, a.DisplayName, string(a.Role), a.IsActive, a.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("admin username %q: %w", a.Username, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) scanAdmin(row *sql.Row) (Admin, error) {
	var a Admin
	var role string
	err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.DisplayName, &role, &a.IsActive, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Admin{}, ErrNotFound
	}
	if err != nil {
		return Admin{}, err
	}
	a.Role = AdminRole(role)
	return a, nil
}

func (s *PostgresStore) GetAdmin(ctx context.Context, adminID string) (Admin, error) {
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT id, username, password_hash, display_name, role, is_active, created_at FROM %s WHERE id = $1`, s.adminsTable)
	return s.scanAdmin(s.db.QueryRowContext(ctx, query, adminID))
}

func (s *PostgresStore) GetAdminByUsername(ctx context.Context, username string) (Admin, error) {
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT id, username, password_hash, display_name, role, is_active, created_at FROM %s WHERE username = $1`, s.adminsTable)
	return s.scanAdmin(s.db.QueryRowContext(ctx, query, username))
}

// --- Applications ---

func (s *PostgresStore) CreateApplication(ctx context.Context, tx Tx, app Application) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, app_code, app_name, unit_price_atomic, min_players, max_players, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, s.applicationsTable)
	_, err := txOf(tx).ExecContext(ctx, query, app.ID, app.AppCode, app.AppName, app.UnitPrice.Atomic,
		app.MinPlayers, app.MaxPlayers, app.IsActive, app.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("app_code %q: %w", app.AppCode, ErrAlreadyExists)
	}
	return err
}

func scanApplication(row *sql.Row) (Application, error) {
	var app Application
	var unitPrice int64
	err := row.Scan(&app.ID, &app.AppCode, &app.AppName, &unitPrice, &app.MinPlayers, &app.MaxPlayers, &app.IsActive, &app.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Application{}, ErrNotFound
	}
	if err != nil {
		return Application{}, err
	}
	app.UnitPrice = money.New(money.CNY, unitPrice)
	return app, nil
}

const applicationColumns = `id, app_code, app_name, unit_price_atomic, min_players, max_players, is_active, created_at`

func (s *PostgresStore) GetApplication(ctx context.Context, tx Tx, applicationID string) (Application, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, applicationColumns, s.applicationsTable)
	return scanApplication(txOf(tx).QueryRowContext(ctx, query, applicationID))
}

func (s *PostgresStore) GetApplicationByCode(ctx context.Context, tx Tx, appCode string) (Application, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE app_code = $1`, applicationColumns, s.applicationsTable)
	return scanApplication(txOf(tx).QueryRowContext(ctx, query, appCode))
}

func (s *PostgresStore) ListApplications(ctx context.Context, page Page) ([]Application, int, error) {
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	var total int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.applicationsTable)).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC %s`, applicationColumns, s.applicationsTable, limitOffset(page))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Application
	for rows.Next() {
		var app Application
		var unitPrice int64
		if err := rows.Scan(&app.ID, &app.AppCode, &app.AppName, &unitPrice, &app.MinPlayers, &app.MaxPlayers, &app.IsActive, &app.CreatedAt); err != nil {
			return nil, 0, err
		}
		app.UnitPrice = money.New(money.CNY, unitPrice)
		out = append(out, app)
	}
	return out, total, rows.Err()
}

// --- Sites ---

func (s *PostgresStore) CreateSite(ctx context.Context, tx Tx, site Site) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, operator_id, name, address, contact_person, contact_phone, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, s.sitesTable)
	_, err := txOf(tx).ExecContext(ctx, query, site.ID, site.OperatorID, site.Name, site.Address,
		site.ContactPerson, site.ContactPhone, site.IsActive, site.CreatedAt.UTC())
	return err
}

const siteColumns = `id, operator_id, name, address, contact_person, contact_phone, is_active, deleted_at, created_at`

func scanSite(row *sql.Row) (Site, error) {
	var site Site
	err := row.Scan(&site.ID, &site.OperatorID, &site.Name, &site.Address, &site.ContactPerson,
		&site.ContactPhone, &site.IsActive, &site.DeletedAt, &site.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Site{}, ErrNotFound
	}
	return site, err
}

func (s *PostgresStore) GetSite(ctx context.Context, tx Tx, siteID string) (Site, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, siteColumns, s.sitesTable)
	return scanSite(txOf(tx).QueryRowContext(ctx, query, siteID))
}

func (s *PostgresStore) ListSitesByOperator(ctx context.Context, operatorID string, page Page) ([]Site, int, error) {
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE operator_id = $1 AND deleted_at IS NULL`, s.sitesTable)
	if err := s.db.QueryRowContext(ctx, countQuery, operatorID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE operator_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC %s`, siteColumns, s.sitesTable, limitOffset(page))
	rows, err := s.db.QueryContext(ctx, query, operatorID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Site
	for rows.Next() {
		var site Site
		if err := rows.Scan(&site.ID, &site.OperatorID, &site.Name, &site.Address, &site.ContactPerson,
			&site.ContactPhone, &site.IsActive, &site.DeletedAt, &site.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, site)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) SoftDeleteSite(ctx context.Context, tx Tx, siteID string) error {
	query := fmt.Sprintf(`UPDATE %s SET deleted_at = NOW(), is_active = FALSE WHERE id = $1 AND deleted_at IS NULL`, s.sitesTable)
	res, err := txOf(tx).ExecContext(ctx, query, siteID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, fmt.Sprintf("site %q", siteID))
}

// --- Authorisations & requests ---

func (s *PostgresStore) GetActiveAuthorisation(ctx context.Context, tx Tx, operatorID, applicationID string) (ApplicationAuthorisation, bool, error) {
	query := fmt.Sprintf(`SELECT operator_id, application_id, granted_at, expires_at FROM %s WHERE operator_id = $1 AND application_id = $2`, s.authorisationsTable)
	var auth ApplicationAuthorisation
	err := txOf(tx).QueryRowContext(ctx, query, operatorID, applicationID).Scan(&auth.OperatorID, &auth.ApplicationID, &auth.GrantedAt, &auth.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ApplicationAuthorisation{}, false, nil
	}
	if err != nil {
		return ApplicationAuthorisation{}, false, err
	}
	return auth, auth.Active(time.Now()), nil
}

func (s *PostgresStore) UpsertAuthorisation(ctx context.Context, tx Tx, auth ApplicationAuthorisation) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (operator_id, application_id, granted_at, expires_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (operator_id, application_id) DO UPDATE SET
			granted_at = EXCLUDED.granted_at, expires_at = EXCLUDED.expires_at
	`, s.authorisationsTable)
	_, err := txOf(tx).ExecContext(ctx, query, auth.OperatorID, auth.ApplicationID, auth.GrantedAt.UTC(), auth.ExpiresAt)
	return err
}

func (s *PostgresStore) CreateApplicationRequest(ctx context.Context, tx Tx, req ApplicationRequest) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, operator_id, application_id, reason, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, s.applicationRequestsTable)
	_, err := txOf(tx).ExecContext(ctx, query, req.ID, req.OperatorID, req.ApplicationID, req.Reason, string(req.Status), req.CreatedAt.UTC())
	return err
}

const applicationRequestColumns = `id, operator_id, application_id, reason, status, reviewer_id, reviewed_at, admin_note, created_at`

func scanApplicationRequest(row *sql.Row) (ApplicationRequest, error) {
	var req ApplicationRequest
	var status string
	err := row.Scan(&req.ID, &req.OperatorID, &req.ApplicationID, &req.Reason, &status,
		&req.ReviewerID, &req.ReviewedAt, &req.AdminNote, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ApplicationRequest{}, ErrNotFound
	}
	if err != nil {
		return ApplicationRequest{}, err
	}
	req.Status = ApplicationRequestStatus(status)
	return req, nil
}

func (s *PostgresStore) GetApplicationRequest(ctx context.Context, tx Tx, requestID string) (ApplicationRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, applicationRequestColumns, s.applicationRequestsTable)
	return scanApplicationRequest(txOf(tx).QueryRowContext(ctx, query, requestID))
}

func (s *PostgresStore) ListPendingApplicationRequests(ctx context.Context, page Page) ([]ApplicationRequest, int, error) {
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = 'pending'`, s.applicationRequestsTable)
	if err := s.db.QueryRowContext(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = 'pending' ORDER BY created_at ASC %s`, applicationRequestColumns, s.applicationRequestsTable, limitOffset(page))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []ApplicationRequest
	for rows.Next() {
		var req ApplicationRequest
		var status string
		if err := rows.Scan(&req.ID, &req.OperatorID, &req.ApplicationID, &req.Reason, &status,
			&req.ReviewerID, &req.ReviewedAt, &req.AdminNote, &req.CreatedAt); err != nil {
			return nil, 0, err
		}
		req.Status = ApplicationRequestStatus(status)
		out = append(out, req)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) UpdateApplicationRequestStatus(ctx context.Context, tx Tx, requestID string, status ApplicationRequestStatus, reviewerID, adminNote string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, reviewer_id = $3, admin_note = $4, reviewed_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, s.applicationRequestsTable)
	res, err := txOf(tx).ExecContext(ctx, query, requestID, string(status), reviewerID, adminNote)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, getErr := s.GetApplicationRequest(ctx, tx, requestID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("application request %q not pending: %w", requestID, ErrInvalidState)
	}
	return nil
}

// --- Usage records and the billing hot path ---

func (s *PostgresStore) FindUsageByBusinessKey(ctx context.Context, tx Tx, operatorID, applicationID, siteID string, playerCount int, windowStart time.Time) (UsageRecord, bool, error) {
	query := fmt.Sprintf(`
		SELECT id, session_id, operator_id, application_id, site_id, player_count, unit_price_atomic, total_cost_atomic, authorized_at
		FROM %s
		WHERE operator_id = $1 AND application_id = $2 AND site_id = $3 AND player_count = $4 AND authorized_at >= $5
		ORDER BY authorized_at DESC
		LIMIT 1
	`, s.usageRecordsTable)
	row := txOf(tx).QueryRowContext(ctx, query, operatorID, applicationID, siteID, playerCount, windowStart.UTC())
	usage, err := scanUsageRecord(row)
	if errors.Is(err, ErrNotFound) {
		return UsageRecord{}, false, nil
	}
	if err != nil {
		return UsageRecord{}, false, err
	}
	return usage, true, nil
}

func scanUsageRecord(row *sql.Row) (UsageRecord, error) {
	var u UsageRecord
	var unitPrice, totalCost int64
	err := row.Scan(&u.ID, &u.SessionID, &u.OperatorID, &u.ApplicationID, &u.SiteID, &u.PlayerCount, &unitPrice, &totalCost, &u.AuthorizedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return UsageRecord{}, ErrNotFound
	}
	if err != nil {
		return UsageRecord{}, err
	}
	u.UnitPrice = money.New(money.CNY, unitPrice)
	u.TotalCost = money.New(money.CNY, totalCost)
	return u, nil
}

// InsertUsageAndTransaction inserts the UsageRecord and its matching
// consumption Transaction and applies the new operator balance, all
// within the caller's transaction. The operator row must already be
// locked via LockOperatorForUpdate earlier in the same transaction; the
// balance update is additionally guarded by an optimistic compare against
// txn.BalanceBefore so a stale caller cannot silently corrupt the ledger.
func (s *PostgresStore) InsertUsageAndTransaction(ctx context.Context, tx Tx, usage UsageRecord, txn Transaction) error {
	sqlTx := txOf(tx)

	updateQuery := fmt.Sprintf(`UPDATE %s SET balance_atomic = $2, total_consumed_atomic = total_consumed_atomic + $3, updated_at = NOW() WHERE id = $1 AND balance_atomic = $4`, s.operatorsTable)
	res, err := sqlTx.ExecContext(ctx, updateQuery, usage.OperatorID, txn.BalanceAfter.Atomic, usage.TotalCost.Atomic, txn.BalanceBefore.Atomic)
	if err != nil {
		return err
	}
	if err := requireRowsAffected(res, "operator balance"); err != nil {
		return ErrBalanceMismatch
	}

	insertUsage := fmt.Sprintf(`
		INSERT INTO %s (id, session_id, operator_id, application_id, site_id, player_count, unit_price_atomic, total_cost_atomic, authorized_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, s.usageRecordsTable)
	_, err = sqlTx.ExecContext(ctx, insertUsage, usage.ID, usage.SessionID, usage.OperatorID, usage.ApplicationID,
		usage.SiteID, usage.PlayerCount, usage.UnitPrice.Atomic, usage.TotalCost.Atomic, usage.AuthorizedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("session_id %q: %w", usage.SessionID, ErrSessionConflict)
	}
	if err != nil {
		return err
	}

	insertTxn := fmt.Sprintf(`
		INSERT INTO %s (id, operator_id, type, amount_atomic, balance_before_atomic, balance_after_atomic, description, related_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, s.transactionsTable)
	_, err = sqlTx.ExecContext(ctx, insertTxn, txn.ID, txn.OperatorID, string(txn.Type), txn.Amount.Atomic,
		txn.BalanceBefore.Atomic, txn.BalanceAfter.Atomic, txn.Description, txn.RelatedID, txn.CreatedAt.UTC())
	return err
}

func (s *PostgresStore) GetUsageBySessionID(ctx context.Context, tx Tx, sessionID string) (UsageRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, session_id, operator_id, application_id, site_id, player_count, unit_price_atomic, total_cost_atomic, authorized_at
		FROM %s WHERE session_id = $1
	`, s.usageRecordsTable)
	usage, err := scanUsageRecord(txOf(tx).QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, ErrNotFound) {
		return UsageRecord{}, fmt.Errorf("session_id %q: %w", sessionID, ErrNotFound)
	}
	return usage, err
}

// UpsertGameSession deletes the prior GameSession/HeadsetGameRecord rows
// for sessionID and inserts the new set, within one transaction.
func (s *PostgresStore) UpsertGameSession(ctx context.Context, tx Tx, sessionID, requestingOperatorID string, session GameSession) error {
	sqlTx := txOf(tx)

	var usageRecordID, operatorID string
	lookup := fmt.Sprintf(`SELECT id, operator_id FROM %s WHERE session_id = $1`, s.usageRecordsTable)
	if err := sqlTx.QueryRowContext(ctx, lookup, sessionID).Scan(&usageRecordID, &operatorID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session_id %q: %w", sessionID, ErrNotFound)
		}
		return err
	}
	if operatorID != requestingOperatorID {
		return fmt.Errorf("session_id %q: %w", sessionID, ErrAccessDenied)
	}

	if _, err := sqlTx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE usage_record_id = $1`, s.headsetGameRecordsTable), usageRecordID); err != nil {
		return err
	}
	if _, err := sqlTx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE usage_record_id = $1`, s.gameSessionsTable), usageRecordID); err != nil {
		return err
	}

	insertSession := fmt.Sprintf(`INSERT INTO %s (usage_record_id, start_time, end_time, process_info) VALUES ($1,$2,$3,$4)`, s.gameSessionsTable)
	if _, err := sqlTx.ExecContext(ctx, insertSession, usageRecordID, session.StartTime, session.EndTime, session.ProcessInfo); err != nil {
		return err
	}

	insertHeadset := fmt.Sprintf(`INSERT INTO %s (usage_record_id, device_id, device_name, start_time, end_time, process_info) VALUES ($1,$2,$3,$4,$5,$6)`, s.headsetGameRecordsTable)
	for _, h := range session.Headsets {
		if _, err := sqlTx.ExecContext(ctx, insertHeadset, usageRecordID, h.DeviceID, h.DeviceName, h.StartTime, h.EndTime, h.ProcessInfo); err != nil {
			return err
		}
	}
	return nil
}

// --- Transactions ---

func (s *PostgresStore) ListTransactionsByOperator(ctx context.Context, operatorID string, page Page) ([]Transaction, int, error) {
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE operator_id = $1`, s.transactionsTable)
	if err := s.db.QueryRowContext(ctx, countQuery, operatorID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT id, operator_id, type, amount_atomic, balance_before_atomic, balance_after_atomic, description, related_id, created_at
		FROM %s WHERE operator_id = $1 ORDER BY created_at DESC %s
	`, s.transactionsTable, limitOffset(page))
	rows, err := s.db.QueryContext(ctx, query, operatorID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var typ string
		var amount, before, after int64
		if err := rows.Scan(&t.ID, &t.OperatorID, &typ, &amount, &before, &after, &t.Description, &t.RelatedID, &t.CreatedAt); err != nil {
			return nil, 0, err
		}
		t.Type = TransactionType(typ)
		t.Amount = money.New(money.CNY, amount)
		t.BalanceBefore = money.New(money.CNY, before)
		t.BalanceAfter = money.New(money.CNY, after)
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// ApplyOperatorTransaction applies a prepared balance movement (recharge,
// refund, adjustment) and appends the ledger entry, guarded the same way
// as InsertUsageAndTransaction's optimistic balance compare.
func (s *PostgresStore) ApplyOperatorTransaction(ctx context.Context, tx Tx, txn Transaction) error {
	sqlTx := txOf(tx)

	var recharged, refunded string
	switch txn.Type {
	case TxRecharge:
		recharged = "total_recharged_atomic = total_recharged_atomic + " + fmt.Sprint(txn.Amount.Atomic) + ","
	case TxRefund:
		refunded = "total_refunded_atomic = total_refunded_atomic + " + fmt.Sprint(txn.Amount.Abs().Atomic) + ","
	}

	updateQuery := fmt.Sprintf(`UPDATE %s SET balance_atomic = $2, %s %s updated_at = NOW() WHERE id = $1 AND balance_atomic = $3`,
		s.operatorsTable, recharged, refunded)
	res, err := sqlTx.ExecContext(ctx, updateQuery, txn.OperatorID, txn.BalanceAfter.Atomic, txn.BalanceBefore.Atomic)
	if err != nil {
		return err
	}
	if err := requireRowsAffected(res, "operator balance"); err != nil {
		return ErrBalanceMismatch
	}

	insertTxn := fmt.Sprintf(`
		INSERT INTO %s (id, operator_id, type, amount_atomic, balance_before_atomic, balance_after_atomic, description, related_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, s.transactionsTable)
	_, err = sqlTx.ExecContext(ctx, insertTxn, txn.ID, txn.OperatorID, string(txn.Type), txn.Amount.Atomic,
		txn.BalanceBefore.Atomic, txn.BalanceAfter.Atomic, txn.Description, txn.RelatedID, txn.CreatedAt.UTC())
	return err
}

// --- Recharge orders ---

func (s *PostgresStore) CreateRechargeOrder(ctx context.Context, tx Tx, order RechargeOrder) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, operator_id, amount_atomic, payment_method, status, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, s.rechargeOrdersTable)
	_, err := txOf(tx).ExecContext(ctx, query, order.ID, order.OperatorID, order.Amount.Atomic,
		order.PaymentMethod, string(order.Status), order.ExpiresAt.UTC(), order.CreatedAt.UTC())
	return err
}

const rechargeOrderColumns = `id, operator_id, amount_atomic, payment_method, status, expires_at, created_at`

func scanRechargeOrder(row *sql.Row) (RechargeOrder, error) {
	var o RechargeOrder
	var amount int64
	var status string
	err := row.Scan(&o.ID, &o.OperatorID, &amount, &o.PaymentMethod, &status, &o.ExpiresAt, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RechargeOrder{}, ErrNotFound
	}
	if err != nil {
		return RechargeOrder{}, err
	}
	o.Amount = money.New(money.CNY, amount)
	o.Status = RechargeOrderStatus(status)
	return o, nil
}

func (s *PostgresStore) GetRechargeOrder(ctx context.Context, tx Tx, orderID string) (RechargeOrder, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, rechargeOrderColumns, s.rechargeOrdersTable)
	return scanRechargeOrder(txOf(tx).QueryRowContext(ctx, query, orderID))
}

func (s *PostgresStore) LockRechargeOrderForUpdate(ctx context.Context, tx Tx, orderID string) (RechargeOrder, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, rechargeOrderColumns, s.rechargeOrdersTable)
	return scanRechargeOrder(txOf(tx).QueryRowContext(ctx, query, orderID))
}

func (s *PostgresStore) MarkRechargeOrderPaid(ctx context.Context, tx Tx, orderID string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2 WHERE id = $1`, s.rechargeOrdersTable)
	_, err := txOf(tx).ExecContext(ctx, query, orderID, string(RechargePaid))
	return err
}

// --- Refunds ---

func (s *PostgresStore) CreateRefund(ctx context.Context, tx Tx, refund Refund) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, operator_id, requested_amount_atomic, reason, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, s.refundsTable)
	_, err := txOf(tx).ExecContext(ctx, query, refund.ID, refund.OperatorID, refund.RequestedAmount.Atomic,
		refund.Reason, string(refund.Status), refund.CreatedAt.UTC())
	return err
}

const refundColumns = `id, operator_id, requested_amount_atomic, reason, status, reviewer_id, admin_note, reject_reason, reviewed_at, created_at`

func scanRefund(row *sql.Row) (Refund, error) {
	var r Refund
	var amount int64
	var status string
	err := row.Scan(&r.ID, &r.OperatorID, &amount, &r.Reason, &status, &r.ReviewerID, &r.AdminNote, &r.RejectReason, &r.ReviewedAt, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Refund{}, ErrNotFound
	}
	if err != nil {
		return Refund{}, err
	}
	r.RequestedAmount = money.New(money.CNY, amount)
	r.Status = RefundStatus(status)
	return r, nil
}

func (s *PostgresStore) GetRefund(ctx context.Context, tx Tx, refundID string) (Refund, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, refundColumns, s.refundsTable)
	return scanRefund(txOf(tx).QueryRowContext(ctx, query, refundID))
}

func (s *PostgresStore) LockRefundForUpdate(ctx context.Context, tx Tx, refundID string) (Refund, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, refundColumns, s.refundsTable)
	return scanRefund(txOf(tx).QueryRowContext(ctx, query, refundID))
}

func (s *PostgresStore) UpdateRefundStatus(ctx context.Context, tx Tx, refundID string, status RefundStatus, reviewerID, note string) error {
	var noteColumn string
	if status == RefundRejected {
		noteColumn = "reject_reason"
	} else {
		noteColumn = "admin_note"
	}
	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, reviewer_id = $3, %s = $4, reviewed_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, s.refundsTable, noteColumn)
	res, err := txOf(tx).ExecContext(ctx, query, refundID, string(status), reviewerID, note)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, getErr := s.GetRefund(ctx, tx, refundID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("refund %q not pending: %w", refundID, ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) ListRefunds(ctx context.Context, operatorID string, page Page) ([]Refund, int, error) {
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	where, args := "", []interface{}{}
	if operatorID != "" {
		where = "WHERE operator_id = $1"
		args = append(args, operatorID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s %s`, s.refundsTable, where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY created_at DESC %s`, refundColumns, s.refundsTable, where, limitOffset(page))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Refund
	for rows.Next() {
		var r Refund
		var amount int64
		var status string
		if err := rows.Scan(&r.ID, &r.OperatorID, &amount, &r.Reason, &status, &r.ReviewerID, &r.AdminNote, &r.RejectReason, &r.ReviewedAt, &r.CreatedAt); err != nil {
			return nil, 0, err
		}
		r.RequestedAmount = money.New(money.CNY, amount)
		r.Status = RefundStatus(status)
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// --- Invoices ---

func (s *PostgresStore) CreateInvoice(ctx context.Context, tx Tx, inv Invoice) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, operator_id, invoice_type, amount_atomic, buyer_tax_info, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, s.invoicesTable)
	_, err := txOf(tx).ExecContext(ctx, query, inv.ID, inv.OperatorID, string(inv.InvoiceType), inv.Amount.Atomic,
		inv.BuyerTaxInfo, string(inv.Status), inv.CreatedAt.UTC())
	return err
}

const invoiceColumns = `id, operator_id, invoice_type, amount_atomic, buyer_tax_info, status, invoice_number, invoice_url, created_at`

func scanInvoice(row *sql.Row) (Invoice, error) {
	var inv Invoice
	var amount int64
	var invType, status string
	err := row.Scan(&inv.ID, &inv.OperatorID, &invType, &amount, &inv.BuyerTaxInfo, &status, &inv.InvoiceNumber, &inv.InvoiceURL, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Invoice{}, ErrNotFound
	}
	if err != nil {
		return Invoice{}, err
	}
	inv.Amount = money.New(money.CNY, amount)
	inv.InvoiceType = InvoiceType(invType)
	inv.Status = InvoiceStatus(status)
	return inv, nil
}

func (s *PostgresStore) GetInvoice(ctx context.Context, tx Tx, invoiceID string) (Invoice, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, invoiceColumns, s.invoicesTable)
	return scanInvoice(txOf(tx).QueryRowContext(ctx, query, invoiceID))
}

func (s *PostgresStore) UpdateInvoiceStatus(ctx context.Context, tx Tx, invoiceID string, status InvoiceStatus, invoiceNumber, invoiceURL string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $2,
			invoice_number = CASE WHEN $3 <> '' THEN $3 ELSE invoice_number END,
			invoice_url = CASE WHEN $4 <> '' THEN $4 ELSE invoice_url END
		WHERE id = $1
	`, s.invoicesTable)
	res, err := txOf(tx).ExecContext(ctx, query, invoiceID, string(status), invoiceNumber, invoiceURL)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, fmt.Sprintf("invoice %q", invoiceID))
}

func (s *PostgresStore) ListInvoices(ctx context.Context, operatorID string, page Page) ([]Invoice, int, error) {
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	where, args := "", []interface{}{}
	if operatorID != "" {
		where = "WHERE operator_id = $1"
		args = append(args, operatorID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s %s`, s.invoicesTable, where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY created_at DESC %s`, invoiceColumns, s.invoicesTable, where, limitOffset(page))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		var inv Invoice
		var amount int64
		var invType, status string
		if err := rows.Scan(&inv.ID, &inv.OperatorID, &invType, &amount, &inv.BuyerTaxInfo, &status, &inv.InvoiceNumber, &inv.InvoiceURL, &inv.CreatedAt); err != nil {
			return nil, 0, err
		}
		inv.Amount = money.New(money.CNY, amount)
		inv.InvoiceType = InvoiceType(invType)
		inv.Status = InvoiceStatus(status)
		out = append(out, inv)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// --- helpers ---

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505"
}

func requireRowsAffected(res sql.Result, what string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func limitOffset(page Page) string {
	if page.Limit <= 0 {
		return ""
	}
	return fmt.Sprintf("LIMIT %d OFFSET %d", page.Limit, page.Offset)
}
