package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	Token          TokenConfig          `yaml:"token"`
	Billing        BillingConfig        `yaml:"billing"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout         Duration `yaml:"read_timeout"`
	WriteTimeout        Duration `yaml:"write_timeout"`
	IdleTimeout         Duration `yaml:"idle_timeout"`
	RequestTimeout      Duration `yaml:"request_timeout"`       // overall per-request deadline (spec.md §5 default 30s)
	CORSAllowedOrigins  []string `yaml:"cors_allowed_origins"`  // operator/admin web console origins
	RoutePrefix         string   `yaml:"route_prefix"`          // optional prefix for all routes (e.g. "/api")
	AdminMetricsAPIKey  string   `yaml:"admin_metrics_api_key"` // optional key to protect /metrics (empty disables protection)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // default: 25
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // default: 5
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // default: 5m
}

// SchemaMappingConfig holds table name overrides for the ledger store's
// entities, mirroring the teacher's configurable-schema convention.
type SchemaMappingConfig struct {
	Operators           TableMappingConfig `yaml:"operators"`
	Admins              TableMappingConfig `yaml:"admins"`
	Applications        TableMappingConfig `yaml:"applications"`
	Sites               TableMappingConfig `yaml:"sites"`
	Authorisations      TableMappingConfig `yaml:"authorisations"`
	ApplicationRequests TableMappingConfig `yaml:"application_requests"`
	UsageRecords        TableMappingConfig `yaml:"usage_records"`
	GameSessions        TableMappingConfig `yaml:"game_sessions"`
	HeadsetGameRecords  TableMappingConfig `yaml:"headset_game_records"`
	Transactions        TableMappingConfig `yaml:"transactions"`
	RechargeOrders      TableMappingConfig `yaml:"recharge_orders"`
	Refunds             TableMappingConfig `yaml:"refunds"`
	Invoices            TableMappingConfig `yaml:"invoices"`
}

// TableMappingConfig defines a single table name mapping.
type TableMappingConfig struct {
	TableName string `yaml:"table_name"`
}

// StorageConfig holds the C1 Ledger Store backend configuration.
type StorageConfig struct {
	Backend       string              `yaml:"backend"` // "memory" or "postgres"
	PostgresURL   string              `yaml:"postgres_url"`
	PostgresPool  PostgresPoolConfig  `yaml:"postgres_pool"`
	QueryTimeout  Duration            `yaml:"query_timeout"`  // per-query timeout (default: 5s)
	SchemaMapping SchemaMappingConfig `yaml:"schema_mapping"` // table name overrides
}

// TokenConfig holds the C2 Identity & Token Service configuration. Only
// Secret reaches token.NewService; the TTL fields are loaded and
// defaulted but not read, and the token service issues operator and
// admin tokens for 30m and headset tokens for 24h regardless of them.
type TokenConfig struct {
	Secret             string   `yaml:"-"`                    // 32-byte-minimum HMAC secret; env-only, never in YAML
	OperatorSessionTTL Duration `yaml:"operator_session_ttl"` // default: 30m
	AdminSessionTTL    Duration `yaml:"admin_session_ttl"`    // default: 30m
	HeadsetSessionTTL  Duration `yaml:"headset_session_ttl"`  // default: 24h
}

// BillingConfig holds the C4 Billing Engine configuration.
type BillingConfig struct {
	IdempotencyWindow Duration `yaml:"idempotency_window"`  // business-key dedup window (default: 30s)
	SessionIDRetries  int      `yaml:"session_id_retries"`  // max session_id generation attempts on collision (default: 3)
	TxRetryAttempts   int      `yaml:"tx_retry_attempts"`   // default: 3; not read by the retry path — internal/dbretry always retries up to three times
	RequestTimeout    Duration `yaml:"request_timeout"`     // overall deadline for authorise/pre-authorise (default: 30s)
	RechargeOrderTTL  Duration `yaml:"recharge_order_ttl"`  // how long a pending RechargeOrder stays payable (default: 30m)
}

// RateLimitConfig holds rate limiting configuration. Thresholds here are
// delegated to the edge per spec.md §9 — these are generous
// spam-prevention defaults, not traffic-shaping policy.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Per-operator limiting, identified by the verified bearer token's
	// operator/admin claim rather than a wallet or API key header.
	PerOperatorEnabled bool     `yaml:"per_operator_enabled"`
	PerOperatorLimit   int      `yaml:"per_operator_limit"`
	PerOperatorWindow  Duration `yaml:"per_operator_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// CircuitBreakerConfig is retained for the one outbound call this core
// makes (the low-balance alert webhook) — disabled by default since
// that call is fire-and-forget and best-effort (see DESIGN.md).
type CircuitBreakerConfig struct {
	Enabled bool                 `yaml:"enabled"`
	Webhook BreakerServiceConfig `yaml:"webhook"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}

// MonitoringConfig holds low-balance operator alerting configuration.
type MonitoringConfig struct {
	LowBalanceAlertURL  string            `yaml:"low_balance_alert_url"` // webhook URL (Discord, Slack, …)
	LowBalanceThreshold string            `yaml:"low_balance_threshold"` // CNY decimal string, e.g. "50.00"
	CheckInterval       Duration          `yaml:"check_interval"`        // default: 15m
	Headers             map[string]string `yaml:"headers"`
	BodyTemplate        string            `yaml:"body_template"` // Go text/template; default is a Discord-style message
	Timeout             Duration          `yaml:"timeout"`       // default: 5s
}
