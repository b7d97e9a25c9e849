// Package authz implements the per-application access-control evaluation.
package authz

import (
	"github.com/epicdev/launchpad/internal/store/core"
)

// Decision is the evaluator verdict.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Evaluate maps (user, application, rule) to Allow/Deny. Pure and
// deterministic; no I/O. rule may be nil, which means default-allow-all.
//
// Order: inactive or soft-deleted app denies before the rule is looked at.
// An unreadable app record is the caller's problem and must fail closed;
// this function only ever sees a loaded Application.
func Evaluate(user *core.User, app *core.Application, rule *core.AccessRule) Decision {
	if user == nil || !app.Launchable() {
		return Deny
	}
	if rule == nil {
		return Allow
	}

	switch rule.Mode {
	case core.ModeAllUsers:
		return Allow
	case core.ModeAllExcept:
		if containsUser(rule.UserIDs, user.ID) {
			return Deny
		}
		return Allow
	case core.ModeOnlySpecified:
		if containsUser(rule.UserIDs, user.ID) {
			return Allow
		}
		return Deny
	case core.ModeSubscriptionTier:
		for _, t := range rule.Tiers {
			if t == user.Tier {
				return Allow
			}
		}
		return Deny
	}

	// Unknown mode tags cannot be written (Validate rejects them), but a
	// corrupted row still fails closed.
	return Deny
}

func containsUser(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
