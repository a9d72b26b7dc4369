package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/server/internal/backoffice"
	"github.com/CedrosPay/server/internal/billing"
	"github.com/CedrosPay/server/internal/config"
	"github.com/CedrosPay/server/internal/idempotency"
	"github.com/CedrosPay/server/internal/logger"
	"github.com/CedrosPay/server/internal/metrics"
	"github.com/CedrosPay/server/internal/ratelimit"
	"github.com/CedrosPay/server/internal/storage"
	"github.com/CedrosPay/server/internal/token"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies for the Game
// Authorisation & Billing Core's HTTP surface.
type Server struct {
	handlers
	httpServer *http.Server
}

// handlers groups every dependency a route handler needs. A single
// instance is shared by every request; nothing here is request-scoped.
type handlers struct {
	cfg              *config.Config
	store            storage.Store
	tokens           *token.Service
	billing          *billing.Service
	backoffice       *backoffice.Service
	idempotencyStore idempotency.Store
	metrics          *metrics.Metrics
	logger           zerolog.Logger
}

// New builds the HTTP server with a configured router.
func New(cfg *config.Config, store storage.Store, tokens *token.Service, billingSvc *billing.Service, backofficeSvc *backoffice.Service, idempotencyStore idempotency.Store, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:              cfg,
			store:            store,
			tokens:           tokens,
			billing:          billingSvc,
			backoffice:       backofficeSvc,
			idempotencyStore: idempotencyStore,
			metrics:          metricsCollector,
			logger:           appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, store, tokens, billingSvc, backofficeSvc, idempotencyStore, metricsCollector, appLogger)

	return s
}

// ConfigureRouter attaches every route to an existing router, letting
// tests mount the same handler set on an httptest server without going
// through New's *http.Server construction.
func ConfigureRouter(router chi.Router, cfg *config.Config, store storage.Store, tokens *token.Service, billingSvc *billing.Service, backofficeSvc *backoffice.Service, idempotencyStore idempotency.Store, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	h := handlers{
		cfg:              cfg,
		store:            store,
		tokens:           tokens,
		billing:          billingSvc,
		backoffice:       backofficeSvc,
		idempotencyStore: idempotencyStore,
		metrics:          metricsCollector,
		logger:           appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled:      cfg.RateLimit.GlobalEnabled,
		GlobalLimit:        cfg.RateLimit.GlobalLimit,
		GlobalWindow:       cfg.RateLimit.GlobalWindow.Duration,
		PerOperatorEnabled: cfg.RateLimit.PerOperatorEnabled,
		PerOperatorLimit:   cfg.RateLimit.PerOperatorLimit,
		PerOperatorWindow:  cfg.RateLimit.PerOperatorWindow.Duration,
		PerIPEnabled:       cfg.RateLimit.PerIPEnabled,
		PerIPLimit:         cfg.RateLimit.PerIPLimit,
		PerIPWindow:        cfg.RateLimit.PerIPWindow.Duration,
		Metrics:            metricsCollector,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))
	// The per-operator limiter keys on the verified token's operator, so it
	// runs inside each authenticated group, after requireToken.
	operatorLimiter := ratelimit.OperatorLimiter(rateLimitCfg)

	prefix := cfg.Server.RoutePrefix
	idempotencyMW := idempotency.Middleware(idempotencyStore, 24*time.Hour)

	// Lightweight endpoints: health and metrics, 5s timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/healthz", h.health)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Unauthenticated auth/registration endpoints, 5s timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Post(prefix+"/v1/auth/operators/register", h.registerOperator)
		r.Post(prefix+"/v1/auth/operators/login", h.loginOperator)
		r.Post(prefix+"/v1/auth/admins/login", h.loginAdmin)
	})

	// Payment-gateway webhook: stable URL, no bearer auth, 30s timeout to
	// match the rest of the money-moving surface.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.With(idempotencyMW).Post(prefix+"/v1/webhooks/recharge-callback", h.rechargeCallback)
	})

	// Game (C3/C4) endpoints: headset bearer token required, 30s timeout
	// for the authorise hot path's transaction-retry budget.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(h.requireToken(token.TypeHeadset))
		r.Use(operatorLimiter)
		r.Post(prefix+"/v1/auth/game/pre-authorize", h.preAuthorize)
		r.With(idempotencyMW).Post(prefix+"/v1/auth/game/authorize", h.authorize)
		r.Post(prefix+"/v1/auth/game/session/upload", h.sessionUpload)
	})

	// Operator self-service endpoints: operator bearer token required.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(h.requireToken(token.TypeOperator))
		r.Use(operatorLimiter)
		r.Get(prefix+"/v1/operators/me", h.getMyProfile)
		r.Get(prefix+"/v1/operators/me/transactions", h.listMyTransactions)
		r.Post(prefix+"/v1/operators/me/sites", h.createSite)
		r.Get(prefix+"/v1/operators/me/sites", h.listMySites)
		r.Post(prefix+"/v1/operators/me/application-requests", h.requestApplicationGrant)
		r.Post(prefix+"/v1/operators/me/refunds", h.requestRefund)
		r.Post(prefix+"/v1/operators/me/invoices", h.requestInvoice)
		r.With(idempotencyMW).Post(prefix+"/v1/operators/me/recharge-orders", h.requestRecharge)
		r.Post(prefix+"/v1/operators/me/applications/launch", h.launchApplication)
	})

	// Admin-only back-office endpoints: balance adjustments, account
	// locks, and application-grant review (spec.md §3's role list keeps
	// these out of the finance_* roles' hands).
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(h.requireToken(token.TypeAdmin))
		r.Use(operatorLimiter)
		r.Get(prefix+"/v1/admin/application-requests/pending", h.listPendingApplicationRequests)
		r.Post(prefix+"/v1/admin/application-requests/{requestID}/approve", h.approveApplicationRequest)
		r.Post(prefix+"/v1/admin/application-requests/{requestID}/reject", h.rejectApplicationRequest)
		r.Post(prefix+"/v1/admin/operators/{operatorID}/adjust-balance", h.adjustBalance)
		r.Post(prefix+"/v1/admin/operators/{operatorID}/lock", h.lockOperator)
		r.Post(prefix+"/v1/admin/operators/{operatorID}/unlock", h.unlockOperator)
	})

	// Finance-only endpoints: refund and invoice lifecycle, matching
	// spec.md §6's `/finance/refunds/{id}/approve` wire form.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(h.requireToken(token.TypeFinance))
		r.Use(operatorLimiter)
		r.Post(prefix+"/v1/finance/refunds/{refundID}/approve", h.approveRefund)
		r.Post(prefix+"/v1/finance/refunds/{refundID}/reject", h.rejectRefund)
		r.Post(prefix+"/v1/finance/invoices/{invoiceID}/approve", h.approveInvoice)
		r.Post(prefix+"/v1/finance/invoices/{invoiceID}/reject", h.rejectInvoice)
		r.Post(prefix+"/v1/finance/invoices/{invoiceID}/issue", h.issueInvoice)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
