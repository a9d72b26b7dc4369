package config

import (
	"fmt"
	"net/textproto"
	"os"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the GAB_ (Game Authorisation & Billing) prefix for
// namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "GAB_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "GAB_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "GAB_ADMIN_METRICS_API_KEY")
	setDurationIfEnv(&c.Server.RequestTimeout, "GAB_SERVER_REQUEST_TIMEOUT")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "GAB_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "GAB_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "GAB_ENVIRONMENT")

	// Storage config
	setIfEnv(&c.Storage.Backend, "GAB_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "GAB_STORAGE_POSTGRES_URL")
	setDurationIfEnv(&c.Storage.QueryTimeout, "GAB_STORAGE_QUERY_TIMEOUT")
	setIntIfEnv(&c.Storage.PostgresPool.MaxOpenConns, "GAB_STORAGE_POOL_MAX_OPEN_CONNS")
	setIntIfEnv(&c.Storage.PostgresPool.MaxIdleConns, "GAB_STORAGE_POOL_MAX_IDLE_CONNS")
	setDurationIfEnv(&c.Storage.PostgresPool.ConnMaxLifetime, "GAB_STORAGE_POOL_CONN_MAX_LIFETIME")

	// Token config. The signing secret is intentionally env-only — it must
	// never be checked into a YAML file alongside the rest of the config.
	setIfEnv(&c.Token.Secret, "GAB_TOKEN_SECRET")
	setDurationIfEnv(&c.Token.OperatorSessionTTL, "GAB_TOKEN_OPERATOR_SESSION_TTL")
	setDurationIfEnv(&c.Token.AdminSessionTTL, "GAB_TOKEN_ADMIN_SESSION_TTL")
	setDurationIfEnv(&c.Token.HeadsetSessionTTL, "GAB_TOKEN_HEADSET_SESSION_TTL")

	// Billing config
	setDurationIfEnv(&c.Billing.IdempotencyWindow, "GAB_BILLING_IDEMPOTENCY_WINDOW")
	setIntIfEnv(&c.Billing.SessionIDRetries, "GAB_BILLING_SESSION_ID_RETRIES")
	setIntIfEnv(&c.Billing.TxRetryAttempts, "GAB_BILLING_TX_RETRY_ATTEMPTS")
	setDurationIfEnv(&c.Billing.RequestTimeout, "GAB_BILLING_REQUEST_TIMEOUT")

	// Rate limit config
	setBoolIfEnv(&c.RateLimit.GlobalEnabled, "GAB_RATE_LIMIT_GLOBAL_ENABLED")
	setIntIfEnv(&c.RateLimit.GlobalLimit, "GAB_RATE_LIMIT_GLOBAL_LIMIT")
	setDurationIfEnv(&c.RateLimit.GlobalWindow, "GAB_RATE_LIMIT_GLOBAL_WINDOW")
	setBoolIfEnv(&c.RateLimit.PerOperatorEnabled, "GAB_RATE_LIMIT_PER_OPERATOR_ENABLED")
	setIntIfEnv(&c.RateLimit.PerOperatorLimit, "GAB_RATE_LIMIT_PER_OPERATOR_LIMIT")
	setDurationIfEnv(&c.RateLimit.PerOperatorWindow, "GAB_RATE_LIMIT_PER_OPERATOR_WINDOW")
	setBoolIfEnv(&c.RateLimit.PerIPEnabled, "GAB_RATE_LIMIT_PER_IP_ENABLED")
	setIntIfEnv(&c.RateLimit.PerIPLimit, "GAB_RATE_LIMIT_PER_IP_LIMIT")
	setDurationIfEnv(&c.RateLimit.PerIPWindow, "GAB_RATE_LIMIT_PER_IP_WINDOW")

	// Circuit breaker config (webhook alert calls only)
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "GAB_CIRCUIT_BREAKER_ENABLED")

	// Monitoring config
	setIfEnv(&c.Monitoring.LowBalanceAlertURL, "GAB_MONITORING_LOW_BALANCE_ALERT_URL")
	setIfEnv(&c.Monitoring.LowBalanceThreshold, "GAB_MONITORING_LOW_BALANCE_THRESHOLD")
	setDurationIfEnv(&c.Monitoring.CheckInterval, "GAB_MONITORING_CHECK_INTERVAL")
	setDurationIfEnv(&c.Monitoring.Timeout, "GAB_MONITORING_TIMEOUT")
	// Load monitoring alert webhook headers (GAB_MONITORING_HEADER_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "GAB_MONITORING_HEADER_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "GAB_MONITORING_HEADER_")
		if name == "" {
			continue
		}
		if c.Monitoring.Headers == nil {
			c.Monitoring.Headers = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		c.Monitoring.Headers[headerName] = parts[1]
	}
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			*target = parsed
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api", "gab" -> "/gab"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
