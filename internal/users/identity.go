package users

import (
	"strings"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/presence"
)

// Collaborator is one provider login and the canonical id it appears under in libraries.
type Collaborator struct {
	Provider          string `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject           string `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID            string `gorm:"column:user_id;size:190;not null;index"`
	Email             string `gorm:"column:email;size:320"`
	DisplayName       string `gorm:"column:display_name;size:320"`
	AvatarURL         string `gorm:"column:avatar_url;size:512"`
	AvatarColor       string `gorm:"column:avatar_color;size:16;not null;default:''"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
	LastSeenAtSeconds int64  `gorm:"column:last_seen_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "collaborators"
}

// label is the name shown next to the collaborator's cursor.
func (c Collaborator) label() string {
	switch {
	case c.DisplayName != "":
		return c.DisplayName
	case c.Email != "":
		return c.Email
	default:
		return c.UserID
	}
}

func (c Collaborator) presenceIdentity() presence.Identity {
	return presence.Identity{
		UserID:      c.UserID,
		DisplayName: c.label(),
		Email:       c.Email,
	}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
