package token

import (
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewService_RejectsShortSecret(t *testing.T) {
	if _, err := NewService("too-short"); err == nil {
		t.Fatal("expected error for secret under 32 bytes")
	}
}

func TestIssueAndVerify_OperatorToken(t *testing.T) {
	svc, err := NewService(testSecret)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	tok, expiresAt, err := svc.IssueOperatorToken("op-1")
	if err != nil {
		t.Fatalf("IssueOperatorToken: %v", err)
	}
	if time.Until(expiresAt) > 30*time.Minute || time.Until(expiresAt) < 29*time.Minute {
		t.Errorf("expected ~30m TTL, got %v", time.Until(expiresAt))
	}

	claims, err := svc.Verify(tok, TypeOperator)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.OperatorID != "op-1" {
		t.Errorf("expected operator_id op-1, got %q", claims.OperatorID)
	}
}

func TestIssueHeadsetToken_CarriesLaunchScope(t *testing.T) {
	svc, _ := NewService(testSecret)

	tok, _, err := svc.IssueHeadsetToken("op-1", "APP_1", "site-1")
	if err != nil {
		t.Fatalf("IssueHeadsetToken: %v", err)
	}

	claims, err := svc.Verify(tok, TypeHeadset)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.OperatorID != "op-1" || claims.AppCode != "APP_1" || claims.SiteID != "site-1" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestIssueAdminToken_RoleDeterminesType(t *testing.T) {
	svc, _ := NewService(testSecret)

	cases := []struct {
		role     string
		wantType Type
	}{
		{"super_admin", TypeAdmin},
		{"admin", TypeAdmin},
		{"finance_specialist", TypeFinance},
		{"finance_manager", TypeFinance},
		{"finance_auditor", TypeFinance},
	}

	for _, tc := range cases {
		tok, _, err := svc.IssueAdminToken("admin-1", tc.role)
		if err != nil {
			t.Fatalf("IssueAdminToken(%s): %v", tc.role, err)
		}
		claims, err := svc.Verify(tok, tc.wantType)
		if err != nil {
			t.Errorf("role %s: expected Verify as %s to succeed, got %v", tc.role, tc.wantType, err)
		}
		if claims.Role != tc.role {
			t.Errorf("role %s: expected claims.Role %s, got %s", tc.role, tc.role, claims.Role)
		}
	}
}

// TestTokenTypeIsolation is the property-based check from spec.md §8: no
// endpoint accepting one token type accepts any other.
func TestTokenTypeIsolation(t *testing.T) {
	svc, _ := NewService(testSecret)

	operatorTok, _, _ := svc.IssueOperatorToken("op-1")
	headsetTok, _, _ := svc.IssueHeadsetToken("op-1", "APP_1", "site-1")
	adminTok, _, _ := svc.IssueAdminToken("admin-1", "admin")
	financeTok, _, _ := svc.IssueAdminToken("admin-2", "finance_manager")

	allTokens := map[Type]string{
		TypeOperator: operatorTok,
		TypeHeadset:  headsetTok,
		TypeAdmin:    adminTok,
		TypeFinance:  financeTok,
	}

	for mintedAs, tok := range allTokens {
		for _, expected := range []Type{TypeOperator, TypeHeadset, TypeAdmin, TypeFinance} {
			if mintedAs == expected {
				continue
			}
			if _, err := svc.Verify(tok, expected); err != ErrWrongType {
				t.Errorf("token minted as %s verified against %s: expected ErrWrongType, got %v", mintedAs, expected, err)
			}
		}
	}
}

func TestVerify_RejectsTamperedSignature(t *testing.T) {
	svc, _ := NewService(testSecret)
	tok, _, _ := svc.IssueOperatorToken("op-1")

	tampered := tok[:len(tok)-1] + "x"
	if _, err := svc.Verify(tampered, TypeOperator); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken for tampered signature, got %v", err)
	}
}

func TestVerify_RejectsDifferentSecret(t *testing.T) {
	svc, _ := NewService(testSecret)
	other, _ := NewService("fedcba9876543210fedcba9876543210")

	tok, _, _ := svc.IssueOperatorToken("op-1")
	if _, err := other.Verify(tok, TypeOperator); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken when verifying with a different secret, got %v", err)
	}
}

func TestVerifyAny_AcceptsAdminOrFinance(t *testing.T) {
	svc, _ := NewService(testSecret)
	financeTok, _, _ := svc.IssueAdminToken("admin-1", "finance_auditor")

	claims, err := svc.VerifyAny(financeTok, TypeAdmin, TypeFinance)
	if err != nil {
		t.Fatalf("VerifyAny: %v", err)
	}
	if claims.Type != TypeFinance {
		t.Errorf("expected TypeFinance, got %s", claims.Type)
	}

	headsetTok, _, _ := svc.IssueHeadsetToken("op-1", "APP_1", "site-1")
	if _, err := svc.VerifyAny(headsetTok, TypeAdmin, TypeFinance); err != ErrWrongType {
		t.Errorf("expected ErrWrongType for headset token against admin/finance, got %v", err)
	}
}
