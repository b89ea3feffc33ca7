package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/library"
)

const (
	testSessionSigningSecret = "secret"
	testSessionCookieName    = "assetgrid_session"
	testSessionUserID        = "user-123"
	testSessionUserEmail     = "user@example.com"
)

func newTestValidator(t *testing.T, clockNow time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        DefaultSessionIssuer,
		CookieName:    testSessionCookieName,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signClaims(t *testing.T, claims SessionClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func registered(issuer string, issuedAt, expiresAt time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   testSessionUserID,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		NotBefore: jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
}

func TestNewSessionValidatorRequiresConfiguration(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing signing key, got %v", err)
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("x")}); !errors.Is(err, ErrMissingSessionIssuer) {
		t.Fatalf("expected missing issuer, got %v", err)
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("x"), Issuer: "i"}); !errors.Is(err, ErrMissingSessionCookieName) {
		t.Fatalf("expected missing cookie name, got %v", err)
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	signed := signClaims(t, SessionClaims{
		UserID:           testSessionUserID,
		UserEmail:        testSessionUserEmail,
		UserRoles:        []string{"viewer"},
		LibraryRoles:     map[string]string{"lib-1": "editor"},
		RegisteredClaims: registered(DefaultSessionIssuer, clockNow.Add(-time.Minute), clockNow.Add(time.Hour)),
	})

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
	if claims.LibraryRoles["lib-1"] != "editor" {
		t.Fatalf("expected library roles to round trip, got %v", claims.LibraryRoles)
	}
}

func TestSessionValidatorRejectsExpiredAndForeignTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	expired := signClaims(t, SessionClaims{
		UserID:           testSessionUserID,
		RegisteredClaims: registered(DefaultSessionIssuer, clockNow.Add(-2*time.Hour), clockNow.Add(-time.Hour)),
	})
	if _, err := validator.ValidateToken(expired); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}

	foreign := signClaims(t, SessionClaims{
		UserID:           testSessionUserID,
		RegisteredClaims: registered("someone-else", clockNow.Add(-time.Minute), clockNow.Add(time.Hour)),
	})
	if _, err := validator.ValidateToken(foreign); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}

	anonymous := signClaims(t, SessionClaims{
		RegisteredClaims: registered(DefaultSessionIssuer, clockNow.Add(-time.Minute), clockNow.Add(time.Hour)),
	})
	if _, err := validator.ValidateToken(anonymous); !errors.Is(err, ErrMissingSessionSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestSessionValidatorValidateRequestUsesCookie(t *testing.T) {
	validator := newTestValidator(t, time.Now())
	signed := signClaims(t, SessionClaims{
		UserID:           testSessionUserID,
		RegisteredClaims: registered(DefaultSessionIssuer, time.Now().Add(-time.Minute), time.Now().Add(time.Hour)),
	})

	request := httptest.NewRequest(http.MethodGet, "/libraries/lib-1/rows", http.NoBody)
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token without cookie, got %v", err)
	}
	request.AddCookie(&http.Cookie{
		Name:  testSessionCookieName,
		Value: signed,
	})

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestSessionClaimsRoleIn(t *testing.T) {
	claims := SessionClaims{
		UserID:       testSessionUserID,
		UserRoles:    []string{"viewer", "editor", "unknown"},
		LibraryRoles: map[string]string{"lib-admin": "admin", "lib-read": "viewer"},
	}

	testCases := []struct {
		libraryID library.LibraryID
		expected  library.Role
	}{
		{libraryID: "lib-admin", expected: library.RoleAdmin},
		{libraryID: "lib-read", expected: library.RoleViewer},
		{libraryID: "lib-other", expected: library.RoleEditor},
	}
	for _, testCase := range testCases {
		role, err := claims.RoleIn(testCase.libraryID)
		if err != nil {
			t.Fatalf("role in %s: %v", testCase.libraryID, err)
		}
		if role != testCase.expected {
			t.Fatalf("expected %s in %s, got %s", testCase.expected, testCase.libraryID, role)
		}
	}

	caller, err := claims.CallerIn("lib-read")
	if err != nil {
		t.Fatalf("caller in: %v", err)
	}
	if caller.UserID != testSessionUserID || caller.Role.CanEdit() {
		t.Fatalf("unexpected caller %+v", caller)
	}

	if _, err := (SessionClaims{UserID: "u"}).RoleIn("lib-1"); !errors.Is(err, ErrNoLibraryAccess) {
		t.Fatalf("expected no access error, got %v", err)
	}
}
