// Package registry fronts the client registry and access-rule tables with
// a read-mostly cache. Admin writes invalidate synchronously: access
// control data is never allowed to be eventually consistent.
package registry

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/epicdev/launchpad/internal/store/core"
)

const (
	appPrefix  = "app:"
	rulePrefix = "rule:"
)

type Registry struct {
	repo  core.Repository
	cache *gocache.Cache
}

// New builds a registry cache. ttl bounds staleness for reads that race an
// invalidation from another process; in-process writes always purge.
func New(repo core.Repository, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{
		repo:  repo,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// GetApplicationByClientID reads through the cache. Store errors propagate
// so callers can fail closed.
func (r *Registry) GetApplicationByClientID(ctx context.Context, clientID string) (*core.Application, error) {
	if v, ok := r.cache.Get(appPrefix + clientID); ok {
		if app, ok := v.(*core.Application); ok {
			return app, nil
		}
	}
	app, err := r.repo.GetApplicationByClientID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(appPrefix+clientID, app)
	return app, nil
}

// GetAccessRule returns (nil, nil) when no rule exists: absence is a
// defined state (allow-all), not an error, and negative results are cached
// too so the hot path stays off the database.
func (r *Registry) GetAccessRule(ctx context.Context, appID string) (*core.AccessRule, error) {
	if v, ok := r.cache.Get(rulePrefix + appID); ok {
		rule, _ := v.(*core.AccessRule) // nil entry = cached absence
		return rule, nil
	}
	rule, err := r.repo.GetAccessRule(ctx, appID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			r.cache.SetDefault(rulePrefix+appID, (*core.AccessRule)(nil))
			return nil, nil
		}
		return nil, err
	}
	r.cache.SetDefault(rulePrefix+appID, rule)
	return rule, nil
}

// InvalidateApp purges the cached application. Call on every admin write.
func (r *Registry) InvalidateApp(clientID string) {
	r.cache.Delete(appPrefix + clientID)
}

// InvalidateRule purges the cached rule for an application.
func (r *Registry) InvalidateRule(appID string) {
	r.cache.Delete(rulePrefix + appID)
}
