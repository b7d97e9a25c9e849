package core

import (
	"fmt"
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func ParseRole(s string) (Role, error) {
	switch s {
	case string(RoleUser):
		return RoleUser, nil
	case string(RoleAdmin):
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalid, s)
	}
}

type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

func ParseStatus(s string) (Status, error) {
	switch s {
	case string(StatusActive):
		return StatusActive, nil
	case string(StatusInactive):
		return StatusInactive, nil
	case string(StatusSuspended):
		return StatusSuspended, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalid, s)
	}
}

type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierCustom     Tier = "custom"
)

func ParseTier(s string) (Tier, error) {
	switch s {
	case string(TierFree):
		return TierFree, nil
	case string(TierPro):
		return TierPro, nil
	case string(TierEnterprise):
		return TierEnterprise, nil
	case string(TierCustom):
		return TierCustom, nil
	default:
		return "", fmt.Errorf("%w: unknown tier %q", ErrInvalid, s)
	}
}

type User struct {
	ID           string
	Email        string
	Name         string
	Role         Role
	Status       Status
	Tier         Tier
	TrustEpoch   int64
	PasswordHash *string
	CreatedAt    time.Time
}

// Application is a registered launchable app. ClientID is immutable after
// creation; DeletedAt marks soft deletion.
type Application struct {
	ID           string     `json:"id"`
	ClientID     string     `json:"client_id"`
	SecretHash   string     `json:"-"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	LogoURL      string     `json:"logo_url,omitempty"`
	RedirectURIs []string   `json:"redirect_uris"`
	Scopes       []string   `json:"scopes"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Launchable reports whether the app can accept new authorizations.
func (a *Application) Launchable() bool {
	return a != nil && a.Active && a.DeletedAt == nil
}

type RefreshToken struct {
	ID          string
	UserID      string
	AppID       string
	SessionID   string
	FamilyID    string
	TokenHash   string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
	RevokedAt   *time.Time
	RotatedFrom *string
}

// Session owns its tokens by id reference only; tokens point back via
// SessionID, never the other way around.
type Session struct {
	ID        string
	UserID    string
	AppID     string
	Scope     string
	Role      Role
	Status    Status
	Epoch     int64
	CreatedAt time.Time
	RevokedAt *time.Time
}

type AuditEvent struct {
	ID       string         `json:"id"`
	ActorID  string         `json:"actor_id"`
	Target   string         `json:"target"`
	TargetID string         `json:"target_id"`
	Type     string         `json:"type"`
	Before   map[string]any `json:"before,omitempty"`
	After    map[string]any `json:"after,omitempty"`
	OriginIP string         `json:"origin_ip,omitempty"`
	At       time.Time      `json:"at"`
}

// Audit event types.
const (
	AuditUserCreated        = "user.created"
	AuditAppCreated         = "app.created"
	AuditAppUpdated         = "app.updated"
	AuditAppActivated       = "app.activated"
	AuditAppDeactivated     = "app.deactivated"
	AuditAppDeleted         = "app.deleted"
	AuditAccessModified     = "app.access_modified"
	AuditRoleChanged        = "user.role_changed"
	AuditStatusChanged      = "user.status_changed"
	AuditSessionsRevoked    = "user.sessions_revoked"
	AuditTokenTheftDetected = "token.theft_detected"
)

// OutboxEntry is a durable sync task for the secondary store, enqueued in
// the same transaction as the primary write.
type OutboxEntry struct {
	ID            int64
	Kind          string // "audit" | "profile"
	Payload       []byte
	Attempts      int
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

const (
	OutboxKindAudit   = "audit"
	OutboxKindProfile = "profile"
)
