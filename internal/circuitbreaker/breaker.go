// Package circuitbreaker guards the one outbound call this core makes in
// its own code path: the low-balance operator alert webhook fired by
// internal/monitoring. Grounded on the teacher's internal/circuitbreaker
// manager, trimmed from that file's three-service (Solana RPC/Stripe/
// webhook) registry down to the single "webhook" breaker this domain has
// a use for.
package circuitbreaker

import (
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/CedrosPay/server/internal/config"
)

// Breaker wraps a single gobreaker.CircuitBreaker, passing calls through
// untouched when circuit breaking is disabled in configuration.
type Breaker struct {
	enabled bool
	cb      *gobreaker.CircuitBreaker
}

// NewWebhookBreaker builds the breaker guarding low-balance alert
// deliveries from cfg.CircuitBreaker.Webhook.
func NewWebhookBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	if !cfg.Enabled {
		return &Breaker{enabled: false}
	}

	settings := gobreaker.Settings{
		Name:        "low_balance_webhook",
		MaxRequests: cfg.Webhook.MaxRequests,
		Interval:    cfg.Webhook.Interval.Duration,
		Timeout:     cfg.Webhook.Timeout.Duration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.Webhook.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.Webhook.ConsecutiveFailures {
				return true
			}
			if cfg.Webhook.FailureRatio > 0 && cfg.Webhook.MinRequests > 0 && counts.Requests >= cfg.Webhook.MinRequests {
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.Webhook.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuitbreaker.state_change")
		},
	}

	return &Breaker{enabled: true, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. With circuit breaking disabled it
// calls fn directly. With the breaker tripped open it returns
// gobreaker.ErrOpenState without calling fn — the caller should treat
// that the same as any other
// delivery failure (log and move on; nothing downstream depends on this
// webhook succeeding).
func (b *Breaker) Execute(fn func() error) error {
	if !b.enabled {
		return fn()
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State reports the breaker's current state, or "disabled".
func (b *Breaker) State() string {
	if !b.enabled {
		return "disabled"
	}
	return b.cb.State().String()
}
