// Package cache provides the short-lived key/value abstraction backing the
// PKCE/state vault and authorization codes.
//
// Backends:
//   - Memory (in-process, dev/testing)
//   - Redis (distributed, production)
//
// GetDel is the load-bearing operation: single-use records (states, codes)
// are consumed by atomic read-and-delete, so two concurrent consumers see
// exactly one success.
package cache

import (
	"context"
	"time"
)

// Client defines the cache operations.
type Client interface {
	// Get returns a value. ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) (string, error)

	// GetDel atomically returns and deletes a value. ErrNotFound when the
	// key does not exist (including when a concurrent GetDel won).
	GetDel(ctx context.Context, key string) (string, error)

	// Set stores a value with an optional TTL. ttl 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Exists reports whether a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Ping checks the connection.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// Config for constructing a client.
type Config struct {
	Driver   string // "memory" | "redis"
	Addr     string
	Password string
	DB       int
	Prefix   string // prepended to every key
}

var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "cache: key not found" }

// IsNotFound reports whether err means the key was absent.
func IsNotFound(err error) bool {
	_, ok := err.(errNotFound)
	return ok
}

// New builds a client for the configured driver.
func New(cfg Config) (Client, error) {
	switch cfg.Driver {
	case "redis":
		return NewRedis(cfg)
	case "memory", "":
		return NewMemory(cfg.Prefix), nil
	default:
		return NewMemory(cfg.Prefix), nil
	}
}
