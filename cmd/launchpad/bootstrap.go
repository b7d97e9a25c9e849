package main

import (
	"context"
	"errors"

	"github.com/epicdev/launchpad/internal/observability/logger"
	"github.com/epicdev/launchpad/internal/security/password"
	"github.com/epicdev/launchpad/internal/store/core"
)

// bootstrapAdmin creates an active admin account if the email is free.
func bootstrapAdmin(ctx context.Context, st core.Repository, email, pass string) error {
	phc, err := password.Hash(password.Default, pass)
	if err != nil {
		return err
	}
	u := &core.User{
		Email:        email,
		Name:         "Bootstrap Admin",
		Role:         core.RoleAdmin,
		Status:       core.StatusActive,
		Tier:         core.TierEnterprise,
		PasswordHash: &phc,
	}
	if err := st.CreateUser(ctx, u); err != nil {
		if errors.Is(err, core.ErrConflict) {
			return nil
		}
		return err
	}
	logger.L().Info("bootstrap admin created", logger.String("email", email))
	return nil
}
