// Package authz is the Authorisation Engine (C3): a stateless set of rule
// checks run against an already-locked Operator row and an open
// transaction, resolving whether a pre-authorise/authorise request may
// proceed and, if so, its price.
//
// Grounded on CedrosPay-server's internal/paywall (the teacher's own
// "can this proceed, and at what price" gate), retargeted from
// resource/coupon pricing to application/site/player-count rules and
// rewritten against this domain's sentinel-error-per-rule contract.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CedrosPay/server/internal/money"
	"github.com/CedrosPay/server/internal/storage"
)

var (
	// ErrAccountLocked is returned when the operator is inactive or locked.
	ErrAccountLocked = errors.New("authz: operator account locked or inactive")
	// ErrAppNotFound is returned when app_code has no matching Application,
	// or the Application is disabled.
	ErrAppNotFound = errors.New("authz: application not found or disabled")
	// ErrAppNotAuthorised is returned when the operator has no active
	// ApplicationAuthorisation grant for the application.
	ErrAppNotAuthorised = errors.New("authz: application not authorised for operator")
	// ErrSiteNotFound is returned when site_id has no matching Site row.
	ErrSiteNotFound = errors.New("authz: site not found")
	// ErrSiteNotOwned is returned when the site exists but belongs to a
	// different operator, or is soft-deleted/deactivated.
	ErrSiteNotOwned = errors.New("authz: site not owned by operator")
	// ErrInvalidPlayerCount is returned when player_count falls outside
	// the application's [min_players, max_players] range.
	ErrInvalidPlayerCount = errors.New("authz: player_count outside allowed range")
	// ErrInvalidSiteID is returned when site_id is not a bare UUID or a
	// site_-prefixed UUID.
	ErrInvalidSiteID = errors.New("authz: malformed site_id")
)

// InsufficientBalanceError is returned when the operator's balance is
// strictly less than the computed total cost. It carries both figures
// so the caller can surface them in the error payload.
type InsufficientBalanceError struct {
	CurrentBalance money.Money
	Required       money.Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("authz: balance %s below required %s", e.CurrentBalance.String(), e.Required.String())
}

// Request is the candidate authorisation check.
type Request struct {
	AppCode     string
	SiteID      string
	PlayerCount int
}

// Result is the resolved outcome of a passing check: side-effect free,
// ready for either a pre-authorise response or a C4 debit.
type Result struct {
	Application    storage.Application
	Site           storage.Site
	UnitPrice      money.Money
	TotalCost      money.Money
	CurrentBalance money.Money
}

// NormalizeSiteID accepts both a bare UUID and a "site_"-prefixed form,
// returning the bare form. It does not validate UUID syntax beyond
// requiring a non-empty remainder.
func NormalizeSiteID(raw string) (string, error) {
	id := strings.TrimPrefix(raw, "site_")
	if id == "" {
		return "", ErrInvalidSiteID
	}
	return id, nil
}

// Check runs the full C3 rule set in spec order against an Operator row
// the caller has already locked (or, for pre-authorise, merely fetched).
// It fails at the first violated rule.
func Check(ctx context.Context, tx storage.Tx, store storage.Store, op storage.Operator, req Request) (Result, error) {
	if !op.IsActive || op.IsLocked {
		return Result{}, ErrAccountLocked
	}

	app, err := store.GetApplicationByCode(ctx, tx, req.AppCode)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, ErrAppNotFound
		}
		return Result{}, fmt.Errorf("authz: lookup application: %w", err)
	}
	if !app.IsActive {
		return Result{}, ErrAppNotFound
	}

	auth, ok, err := store.GetActiveAuthorisation(ctx, tx, op.ID, app.ID)
	if err != nil {
		return Result{}, fmt.Errorf("authz: lookup authorisation: %w", err)
	}
	if !ok || !auth.Active(time.Now()) {
		return Result{}, ErrAppNotAuthorised
	}

	siteID, err := NormalizeSiteID(req.SiteID)
	if err != nil {
		return Result{}, err
	}
	site, err := store.GetSite(ctx, tx, siteID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, ErrSiteNotFound
		}
		return Result{}, fmt.Errorf("authz: lookup site: %w", err)
	}
	if site.OperatorID != op.ID || site.DeletedAt != nil || !site.IsActive {
		return Result{}, ErrSiteNotOwned
	}

	if req.PlayerCount < app.MinPlayers || req.PlayerCount > app.MaxPlayers {
		return Result{}, ErrInvalidPlayerCount
	}

	totalCost, err := app.UnitPrice.Mul(int64(req.PlayerCount))
	if err != nil {
		return Result{}, fmt.Errorf("authz: compute total cost: %w", err)
	}
	if op.Balance.LessThan(totalCost) {
		return Result{}, &InsufficientBalanceError{CurrentBalance: op.Balance, Required: totalCost}
	}

	return Result{
		Application:    app,
		Site:           site,
		UnitPrice:      app.UnitPrice,
		TotalCost:      totalCost,
		CurrentBalance: op.Balance,
	}, nil
}
