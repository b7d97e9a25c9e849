package core

import (
	"fmt"
	"time"
)

// AccessMode is the closed set of access-rule variants. Exactly one mode is
// active per rule; the operand lists are validated against the mode at the
// write boundary (Validate), so readers never tie-break.
type AccessMode string

const (
	ModeAllUsers         AccessMode = "all_users"
	ModeAllExcept        AccessMode = "all_except"
	ModeOnlySpecified    AccessMode = "only_specified"
	ModeSubscriptionTier AccessMode = "subscription_tier"
)

// ParseAccessMode normalizes a wire-level mode tag. "subscription_based" is
// accepted as a legacy alias of "subscription_tier".
func ParseAccessMode(s string) (AccessMode, error) {
	switch s {
	case string(ModeAllUsers):
		return ModeAllUsers, nil
	case string(ModeAllExcept):
		return ModeAllExcept, nil
	case string(ModeOnlySpecified):
		return ModeOnlySpecified, nil
	case string(ModeSubscriptionTier), "subscription_based":
		return ModeSubscriptionTier, nil
	default:
		return "", fmt.Errorf("%w: unknown access mode %q", ErrInvalid, s)
	}
}

// AccessRule is one-to-one with an Application. Absence of a rule row means
// default-allow-all.
type AccessRule struct {
	AppID     string     `json:"app_id"`
	Mode      AccessMode `json:"mode"`
	UserIDs   []string   `json:"user_ids,omitempty"`
	Tiers     []Tier     `json:"tiers,omitempty"`
	UpdatedBy string     `json:"updated_by,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate enforces the tagged-union invariant: the operand set matching the
// mode must be present, and the other operand set must be empty.
func (r *AccessRule) Validate() error {
	switch r.Mode {
	case ModeAllUsers:
		if len(r.UserIDs) > 0 || len(r.Tiers) > 0 {
			return fmt.Errorf("%w: all_users takes no operands", ErrInvalid)
		}
	case ModeAllExcept, ModeOnlySpecified:
		if len(r.UserIDs) == 0 {
			return fmt.Errorf("%w: %s requires user_ids", ErrInvalid, r.Mode)
		}
		if len(r.Tiers) > 0 {
			return fmt.Errorf("%w: %s takes no tiers", ErrInvalid, r.Mode)
		}
	case ModeSubscriptionTier:
		if len(r.Tiers) == 0 {
			return fmt.Errorf("%w: subscription_tier requires tiers", ErrInvalid)
		}
		if len(r.UserIDs) > 0 {
			return fmt.Errorf("%w: subscription_tier takes no user_ids", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown access mode %q", ErrInvalid, r.Mode)
	}
	return nil
}
