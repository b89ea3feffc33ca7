package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/library"
)

const DefaultSessionIssuer = "assetgrid-auth"

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionIssuer     = errors.New("session validator: issuer required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
	// ErrNoLibraryAccess indicates that the session carries no role for the requested library.
	ErrNoLibraryAccess = errors.New("session: no access to library")
)

// SessionClaims mirrors the JWT payload emitted by the identity provider. LibraryRoles maps a library id to the
// role held there; UserRoles are global and apply to every library.
type SessionClaims struct {
	UserID          string            `json:"user_id"`
	UserEmail       string            `json:"user_email"`
	UserDisplayName string            `json:"user_display_name"`
	UserAvatarURL   string            `json:"user_avatar_url"`
	UserRoles       []string          `json:"user_roles"`
	LibraryRoles    map[string]string `json:"library_roles,omitempty"`
	jwt.RegisteredClaims
}

// RoleIn resolves the caller's role in a library. A library-scoped role wins over global roles; among global roles
// the most privileged one is used.
func (c SessionClaims) RoleIn(libraryID library.LibraryID) (library.Role, error) {
	if raw, ok := c.LibraryRoles[libraryID.String()]; ok {
		return library.ParseRole(raw)
	}
	best := library.Role("")
	for _, raw := range c.UserRoles {
		role, err := library.ParseRole(raw)
		if err != nil {
			continue
		}
		if rank(role) > rank(best) {
			best = role
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: %s", ErrNoLibraryAccess, libraryID)
	}
	return best, nil
}

// CallerIn builds the backend caller for a library.
func (c SessionClaims) CallerIn(libraryID library.LibraryID) (library.Caller, error) {
	role, err := c.RoleIn(libraryID)
	if err != nil {
		return library.Caller{}, err
	}
	return library.Caller{UserID: c.UserID, Role: role}, nil
}

func rank(role library.Role) int {
	switch role {
	case library.RoleAdmin:
		return 3
	case library.RoleEditor:
		return 2
	case library.RoleViewer:
		return 1
	default:
		return 0
	}
}

// SessionValidatorConfig describes how to validate session JWTs.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator validates HS256 session JWTs.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		clock:         clock,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.UserID) == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return *claims, nil
}

// ValidateRequest extracts the configured cookie from the request and validates it.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil || cookie == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(cookie.Value)
}
