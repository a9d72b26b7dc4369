// Package token is the Identity & Token Service (C2): HMAC-SHA256
// bearer tokens for the three identity kinds this system recognises,
// each carrying a typ claim and its own fixed lifetime.
//
// Grounded on FAISAL63655-loft-backend/pkg/authn/jwt.go's JWTManager —
// same golang-jwt/v5 signing-method assertion and issuer check, collapsed
// from that file's dual access/refresh-secret model to a single secret
// with no refresh flow, since headset/operator/admin sessions here are
// re-obtained by logging in again rather than refreshed.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Type is the closed set of bearer token kinds (spec.md §4.2).
type Type string

const (
	TypeOperator Type = "operator"
	TypeAdmin    Type = "admin"
	TypeFinance  Type = "finance"
	TypeHeadset  Type = "headset"
)

const (
	operatorSessionTTL = 30 * time.Minute
	adminSessionTTL    = 30 * time.Minute
	headsetSessionTTL  = 24 * time.Hour

	issuer = "cedrospay-billing"

	minSecretLen = 32
)

// ErrInvalidToken covers signature failure, expiry, malformed claims, or
// any other verification failure. Deliberately undifferentiated so a
// caller can't probe which check failed.
var ErrInvalidToken = errors.New("token: invalid or expired")

// ErrWrongType is returned by Verify when the token is otherwise valid
// but was not minted for the type the caller expected.
var ErrWrongType = errors.New("token: unexpected token type")

// Claims is the JWT payload shared by all four token kinds; unused
// fields are omitted from the encoded token.
type Claims struct {
	jwt.RegisteredClaims
	Type       Type   `json:"typ"`
	OperatorID string `json:"operator_id,omitempty"`
	AdminID    string `json:"admin_id,omitempty"`
	Role       string `json:"role,omitempty"`
	AppCode    string `json:"app_code,omitempty"`
	SiteID     string `json:"site_id,omitempty"`
}

// Service issues and verifies bearer tokens with one symmetric secret.
type Service struct {
	secret []byte
}

// NewService builds a Service from a secret of at least 32 bytes
// (spec.md §4.2 — "32-byte minimum shared secret").
func NewService(secret string) (*Service, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("token: secret must be at least %d bytes, got %d", minSecretLen, len(secret))
	}
	return &Service{secret: []byte(secret)}, nil
}

func (s *Service) sign(claims Claims) (string, time.Time, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: sign: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

func registeredClaims(subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := time.Now().UTC()
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

// IssueOperatorToken mints a 30-minute operator session token.
func (s *Service) IssueOperatorToken(operatorID string) (string, time.Time, error) {
	return s.sign(Claims{
		RegisteredClaims: registeredClaims("operator:"+operatorID, operatorSessionTTL),
		Type:             TypeOperator,
		OperatorID:       operatorID,
	})
}

// IssueAdminToken mints a 30-minute back-office session token. role
// determines whether the typ claim is "admin" or "finance" per the
// closed role set in internal/storage.
func (s *Service) IssueAdminToken(adminID, role string) (string, time.Time, error) {
	typ := TypeAdmin
	if isFinanceRole(role) {
		typ = TypeFinance
	}
	return s.sign(Claims{
		RegisteredClaims: registeredClaims("admin:"+adminID, adminSessionTTL),
		Type:             typ,
		AdminID:          adminID,
		Role:             role,
	})
}

func isFinanceRole(role string) bool {
	switch role {
	case "finance_specialist", "finance_manager", "finance_auditor":
		return true
	default:
		return false
	}
}

// IssueHeadsetToken mints a 24-hour headset session token, scoped to the
// operator, application, and site the launch URL was generated for.
// Callers must verify an operator session token before calling this —
// headset tokens are only ever minted from an already-authenticated
// operator session (spec.md §4.2).
func (s *Service) IssueHeadsetToken(operatorID, appCode, siteID string) (string, time.Time, error) {
	return s.sign(Claims{
		RegisteredClaims: registeredClaims("headset:"+operatorID, headsetSessionTTL),
		Type:             TypeHeadset,
		OperatorID:       operatorID,
		AppCode:          appCode,
		SiteID:           siteID,
	})
}

// Verify checks signature, expiry, and issuer, then enforces that the
// token's typ claim matches expected. Any failure before the type check
// returns ErrInvalidToken; a structurally valid token of the wrong type
// returns ErrWrongType so callers can surface InvalidTokenType (403)
// instead of InvalidToken (401), per spec.md §7.
func (s *Service) Verify(tokenString string, expected Type) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != expected {
		return nil, ErrWrongType
	}
	return claims, nil
}

// VerifyAny checks signature, expiry, and issuer like Verify, but accepts
// any of the given types — used by back-office routes open to more than
// one admin role (e.g. both "admin" and "finance" session tokens).
func (s *Service) VerifyAny(tokenString string, expected ...Type) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	for _, typ := range expected {
		if claims.Type == typ {
			return claims, nil
		}
	}
	return nil, ErrWrongType
}
