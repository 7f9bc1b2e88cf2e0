package domain

import (
	"strings"
	"time"
)

// UserRole enumerates supported roles.
type UserRole string

const (
	UserRoleUser        UserRole = "user"
	UserRoleAdmin       UserRole = "admin"
	UserRoleSpecialUser UserRole = "special_user"
)

// ParseUserRole normalizes a role name from a token claim or profile row:
// case is folded and spaces or dashes become underscores, so "Special User"
// reads as special_user. An empty name is a plain user.
func ParseUserRole(raw string) UserRole {
	role := strings.ToLower(strings.TrimSpace(raw))
	if role == "" {
		return UserRoleUser
	}
	role = strings.Join(strings.FieldsFunc(role, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
	return UserRole(role)
}

// Profile is the remote account record used by the orchestrator.
type Profile struct {
	ID                string
	Username          string
	PersonalToken     string
	CaptchaKey        string
	Role              UserRole
	EntitlementStatus string
	EntitlementExpiry *time.Time
	ProxyServer       string
}

// HasActiveEntitlement reports whether the shared CAPTCHA key may be used.
func (p Profile) HasActiveEntitlement(now time.Time) bool {
	if p.EntitlementExpiry == nil {
		return false
	}
	return p.EntitlementStatus == "active" && p.EntitlementExpiry.After(now)
}

// Caller is the identity and context a request is made on behalf of.
type Caller struct {
	ID       string
	Username string
	Role     UserRole
	// Local is set when the caller runs in a local/development context.
	Local bool
	// PinnedServer is an explicit server choice made by the user.
	PinnedServer string
}
