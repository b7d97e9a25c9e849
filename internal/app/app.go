// Package app holds the DI container handlers are built from.
package app

import (
	"github.com/epicdev/launchpad/internal/audit"
	"github.com/epicdev/launchpad/internal/cache"
	"github.com/epicdev/launchpad/internal/config"
	"github.com/epicdev/launchpad/internal/flow"
	"github.com/epicdev/launchpad/internal/rate"
	"github.com/epicdev/launchpad/internal/registry"
	"github.com/epicdev/launchpad/internal/session"
	"github.com/epicdev/launchpad/internal/store/core"
	"github.com/epicdev/launchpad/internal/token"
)

// Container is the simple DI container used by the handlers.
type Container struct {
	Cfg *config.Config

	Store    core.Repository
	Vault    cache.Client
	Registry *registry.Registry

	Flow     *flow.Service
	Tokens   *token.Service
	Keys     *token.Keyring
	Sessions *session.Manager
	Bcast    *session.Broadcaster
	Audit    audit.Recorder

	// Secondary is nil when the dual store is disabled.
	Secondary cache.Client

	LoginLimiter rate.Limiter
	TokenLimiter rate.Limiter

	// Close hooks registered during wiring, run in reverse order.
	closers []func()
}

func (c *Container) OnClose(fn func()) { c.closers = append(c.closers, fn) }

func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}
