package auth

import (
	"slices"
	"time"
)

// Capability is a permission group held by a session identity.
type Capability string

const (
	CapabilityManager       Capability = "learning_agreement_manager"
	CapabilitySelfService   Capability = "portal"
	CapabilityAdministrator Capability = "administrator"
)

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	PartnerID    int64
	Capabilities []Capability
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity is the caller resolved from a session token. The zero value is
// an anonymous caller.
type Identity struct {
	UserID       string
	PartnerID    int64
	Capabilities []Capability
}

// System is the identity scheduled jobs act as.
var System = Identity{UserID: "system", Capabilities: []Capability{CapabilityAdministrator}}

// Authenticated reports whether the identity came from a valid session.
func (i Identity) Authenticated() bool {
	return i.UserID != ""
}

// Has reports whether the identity holds the capability.
func (i Identity) Has(c Capability) bool {
	return slices.Contains(i.Capabilities, c)
}

// IsStaff reports whether the identity may use the back-office actions.
func (i Identity) IsStaff() bool {
	return i.Has(CapabilityManager) || i.Has(CapabilityAdministrator)
}

// Identity returns the session identity of the user.
func (u User) Identity() Identity {
	return Identity{UserID: u.ID, PartnerID: u.PartnerID, Capabilities: u.Capabilities}
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email        string       `json:"email"`
	Password     string       `json:"password"`
	FullName     string       `json:"full_name"`
	PartnerID    int64        `json:"partner_id"`
	Capabilities []Capability `json:"capabilities"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
