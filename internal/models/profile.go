package models

import (
	"time"

	"github.com/google/uuid"
)

// Profile represents a registered Sofvo user.
type Profile struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Name returns the display name, falling back to the username.
func (p *Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}

// Relationship summarises how two profiles relate to each other.
type Relationship struct {
	Following  bool `json:"following"`   // viewer follows other
	FollowedBy bool `json:"followed_by"` // other follows viewer
	Blocking   bool `json:"blocking"`    // viewer blocked other
	BlockedBy  bool `json:"blocked_by"`  // other blocked viewer
}

// Mutual reports whether both sides follow each other.
func (r Relationship) Mutual() bool {
	return r.Following && r.FollowedBy
}

// Blocked reports whether either side has blocked the other.
func (r Relationship) Blocked() bool {
	return r.Blocking || r.BlockedBy
}
