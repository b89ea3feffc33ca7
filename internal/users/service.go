package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/presence"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUnknownCollaborator indicates that no identity maps to the requested user id.
	ErrUnknownCollaborator = errors.New("users: unknown collaborator")
)

const (
	defaultProvider      = "default"
	queryProviderSubject = "provider = ? AND subject = ?"
)

// ServiceConfig describes the dependencies required for collaborator resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the collaborator directory: it maps session claims to canonical ids and remembers how each
// collaborator is displayed.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the collaborator directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveCollaborator returns the presence identity for the session. The identity row is created the first time a
// provider+subject pair is seen and refreshed with newer profile data afterwards.
func (s *Service) ResolveCollaborator(ctx context.Context, claims auth.SessionClaims) (presence.Identity, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return presence.Identity{}, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if identity, ok := cached.(presence.Identity); ok && !profileChanged(identity, claims) {
			return identity, nil
		}
	}

	nowSeconds := s.now().UTC().Unix()
	var collaborator Collaborator
	err := s.db.WithContext(ctx).
		Where(queryProviderSubject, provider, subject).
		First(&collaborator).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		collaborator = Collaborator{
			Provider:          provider,
			Subject:           subject,
			UserID:            subject,
			Email:             normalize(claims.UserEmail),
			DisplayName:       normalize(claims.UserDisplayName),
			AvatarURL:         normalize(claims.UserAvatarURL),
			CreatedAtSeconds:  nowSeconds,
			LastSeenAtSeconds: nowSeconds,
		}
		collaborator.AvatarColor = presence.AvatarColor(collaborator.label(), collaborator.UserID)
		if err := s.db.WithContext(ctx).Create(&collaborator).Error; err != nil {
			s.logger.Error("collaborator create failed", zap.String("provider", provider), zap.Error(err))
			return presence.Identity{}, err
		}
	case err != nil:
		return presence.Identity{}, err
	default:
		updates := map[string]interface{}{"last_seen_at_s": nowSeconds}
		if email := normalize(claims.UserEmail); email != "" && email != collaborator.Email {
			updates["email"] = email
			collaborator.Email = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != collaborator.DisplayName {
			updates["display_name"] = display
			collaborator.DisplayName = display
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != collaborator.AvatarURL {
			updates["avatar_url"] = avatar
			collaborator.AvatarURL = avatar
		}
		if color := presence.AvatarColor(collaborator.label(), collaborator.UserID); color != collaborator.AvatarColor {
			updates["avatar_color"] = color
			collaborator.AvatarColor = color
		}
		if err := s.db.WithContext(ctx).Model(&Collaborator{}).
			Where(queryProviderSubject, provider, subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("collaborator profile refresh failed", zap.String("user_id", collaborator.UserID), zap.Error(err))
		}
	}

	resolved := collaborator.presenceIdentity()
	s.cache.Store(cacheKey, resolved)
	return resolved, nil
}

// Lookup returns the stored identity for a canonical user id.
func (s *Service) Lookup(ctx context.Context, userID string) (presence.Identity, error) {
	var collaborator Collaborator
	err := s.db.WithContext(ctx).
		Where("user_id = ?", normalize(userID)).
		Order("last_seen_at_s DESC").
		First(&collaborator).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return presence.Identity{}, fmt.Errorf("%w: %s", ErrUnknownCollaborator, userID)
	}
	if err != nil {
		return presence.Identity{}, err
	}
	return collaborator.presenceIdentity(), nil
}

func profileChanged(cached presence.Identity, claims auth.SessionClaims) bool {
	if email := normalize(claims.UserEmail); email != "" && email != cached.Email {
		return true
	}
	display := normalize(claims.UserDisplayName)
	return display != "" && display != cached.DisplayName
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
