package config

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CedrosPay/server/internal/money"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		c.Server.RequestTimeout = Duration{Duration: 30 * time.Second}
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.QueryTimeout.Duration <= 0 {
		c.Storage.QueryTimeout = Duration{Duration: 5 * time.Second}
	}

	if c.Token.OperatorSessionTTL.Duration <= 0 {
		c.Token.OperatorSessionTTL = Duration{Duration: 30 * time.Minute}
	}
	if c.Token.AdminSessionTTL.Duration <= 0 {
		c.Token.AdminSessionTTL = Duration{Duration: 30 * time.Minute}
	}
	if c.Token.HeadsetSessionTTL.Duration <= 0 {
		c.Token.HeadsetSessionTTL = Duration{Duration: 24 * time.Hour}
	}

	if c.Billing.IdempotencyWindow.Duration <= 0 {
		c.Billing.IdempotencyWindow = Duration{Duration: 30 * time.Second}
	}
	if c.Billing.SessionIDRetries <= 0 {
		c.Billing.SessionIDRetries = 3
	}
	if c.Billing.TxRetryAttempts <= 0 {
		c.Billing.TxRetryAttempts = 3
	}
	if c.Billing.RequestTimeout.Duration <= 0 {
		c.Billing.RequestTimeout = Duration{Duration: 30 * time.Second}
	}
	if c.Billing.RechargeOrderTTL.Duration <= 0 {
		c.Billing.RechargeOrderTTL = Duration{Duration: 30 * time.Minute}
	}

	if c.Monitoring.LowBalanceThreshold == "" {
		c.Monitoring.LowBalanceThreshold = "50.00"
	}
	if c.Monitoring.CheckInterval.Duration <= 0 {
		c.Monitoring.CheckInterval = Duration{Duration: 15 * time.Minute}
	}
	if c.Monitoring.Timeout.Duration <= 0 {
		c.Monitoring.Timeout = Duration{Duration: 5 * time.Second}
	}
	if c.Monitoring.Headers == nil {
		c.Monitoring.Headers = make(map[string]string)
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Storage.Backend {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not one of: memory, postgres", c.Storage.Backend))
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresURL == "" {
		errs = append(errs, "storage.postgres_url is required when storage.backend is 'postgres'")
	}

	if len(c.Token.Secret) < 32 {
		errs = append(errs, fmt.Sprintf("token secret (GAB_TOKEN_SECRET) must be at least 32 bytes, got %d", len(c.Token.Secret)))
	}

	if _, err := money.FromMajor(money.CNY, c.Monitoring.LowBalanceThreshold); err != nil {
		errs = append(errs, fmt.Sprintf("monitoring.low_balance_threshold %q is not a valid CNY amount: %v", c.Monitoring.LowBalanceThreshold, err))
	}
	if c.Monitoring.LowBalanceAlertURL != "" && c.Monitoring.BodyTemplate == "" {
		// A missing template isn't fatal — the monitor falls back to a
		// built-in default — so this isn't added to errs.
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of: debug, info, warn, error", c.Logging.Level))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
