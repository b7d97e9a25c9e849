// Package config loads the YAML configuration with environment overrides.
// Validation runs at startup; a config that breaks the token-lifetime
// ordering never boots.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type KeyConfig struct {
	KID  string `yaml:"kid"`
	Seed string `yaml:"seed"` // base64 ed25519 seed; empty in dev = generate
}

type UpstreamConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
}

type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"env"`
	} `yaml:"app"`

	Server struct {
		Addr               string   `yaml:"addr"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	} `yaml:"server"`

	Storage struct {
		Driver   string `yaml:"driver"` // memory | postgres
		DSN      string `yaml:"dsn"`
		Postgres struct {
			MaxConns        int    `yaml:"max_conns"`
			ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Cache struct {
		Kind  string `yaml:"kind"` // memory | redis
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	// Secondary is the eventually consistent read store fed by the outbox.
	Secondary struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"secondary"`

	JWT struct {
		Issuer     string      `yaml:"issuer"`
		AccessTTL  string      `yaml:"access_ttl"`
		RefreshTTL string      `yaml:"refresh_ttl"`
		Keys       []KeyConfig `yaml:"keys"` // first key signs, the rest verify
	} `yaml:"jwt"`

	OAuth struct {
		CodeTTL    string `yaml:"code_ttl"`
		RequestTTL string `yaml:"request_ttl"`
	} `yaml:"oauth"`

	Session struct {
		CookieName     string `yaml:"cookie_name"`
		CSRFCookieName string `yaml:"csrf_cookie_name"`
		Domain         string `yaml:"domain"`
		SameSite       string `yaml:"samesite"`
		Secure         bool   `yaml:"secure"`
		TTL            string `yaml:"ttl"`
	} `yaml:"session"`

	Snapshot struct {
		TTL string `yaml:"ttl"` // credential snapshot cache, 0 disables
	} `yaml:"snapshot"`

	Rate struct {
		Enabled bool `yaml:"enabled"`
		Login   struct {
			Limit  int    `yaml:"limit"`
			Window string `yaml:"window"`
		} `yaml:"login"`
		Token struct {
			Limit  int    `yaml:"limit"`
			Window string `yaml:"window"`
		} `yaml:"token"`
	} `yaml:"rate"`

	Outbox struct {
		Interval    string `yaml:"interval"`
		BatchSize   int    `yaml:"batch_size"`
		MaxAttempts int    `yaml:"max_attempts"`
		BaseBackoff string `yaml:"base_backoff"`
		ProfileTTL  string `yaml:"profile_ttl"`
	} `yaml:"outbox"`

	AMQP struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"amqp"`

	// Relay upstreams served through the launch gateway.
	Relay struct {
		Upstreams []UpstreamConfig `yaml:"upstreams"`
	} `yaml:"relay"`

	Sweep struct {
		// cron spec for expired token/session cleanup
		Schedule string `yaml:"schedule"`
	} `yaml:"sweep"`
}

func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}

	// sane defaults
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "http://localhost:8080"
	}
	if c.JWT.AccessTTL == "" {
		c.JWT.AccessTTL = "15m"
	}
	if c.JWT.RefreshTTL == "" {
		c.JWT.RefreshTTL = "168h" // 7d
	}
	if c.OAuth.CodeTTL == "" {
		c.OAuth.CodeTTL = "1m"
	}
	if c.OAuth.RequestTTL == "" {
		c.OAuth.RequestTTL = "10m"
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "lp_session"
	}
	if c.Session.CSRFCookieName == "" {
		c.Session.CSRFCookieName = "lp_csrf"
	}
	if c.Session.SameSite == "" {
		c.Session.SameSite = "lax"
	}
	if c.Session.TTL == "" {
		c.Session.TTL = "12h"
	}
	if c.Snapshot.TTL == "" {
		c.Snapshot.TTL = "30s"
	}
	if c.Rate.Login.Limit == 0 {
		c.Rate.Login.Limit = 10
	}
	if c.Rate.Login.Window == "" {
		c.Rate.Login.Window = "1m"
	}
	if c.Rate.Token.Limit == 0 {
		c.Rate.Token.Limit = 60
	}
	if c.Rate.Token.Window == "" {
		c.Rate.Token.Window = "1m"
	}
	if c.Outbox.Interval == "" {
		c.Outbox.Interval = "5s"
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.MaxAttempts == 0 {
		c.Outbox.MaxAttempts = 8
	}
	if c.Outbox.BaseBackoff == "" {
		c.Outbox.BaseBackoff = "2s"
	}
	if c.Outbox.ProfileTTL == "" {
		c.Outbox.ProfileTTL = "24h"
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "@every 10m"
	}

	c.applyEnvOverrides()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("LP_SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("LP_STORAGE_DRIVER"); ok {
		c.Storage.Driver = v
	}
	if v, ok := getEnvStr("LP_STORAGE_DSN"); ok {
		c.Storage.DSN = v
	}
	if v, ok := getEnvStr("LP_CACHE_KIND"); ok {
		c.Cache.Kind = v
	}
	if v, ok := getEnvStr("LP_REDIS_ADDR"); ok {
		c.Cache.Redis.Addr = v
	}
	if v, ok := getEnvStr("LP_REDIS_PASSWORD"); ok {
		c.Cache.Redis.Password = v
	}
	if v, ok := getEnvStr("LP_SECONDARY_ADDR"); ok {
		c.Secondary.Addr = v
		c.Secondary.Enabled = true
	}
	if v, ok := getEnvStr("LP_JWT_ISSUER"); ok {
		c.JWT.Issuer = v
	}
	if v, ok := getEnvStr("LP_AMQP_URL"); ok {
		c.AMQP.URL = v
		c.AMQP.Enabled = true
	}
	if v, ok := getEnvBool("LP_RATE_ENABLED"); ok {
		c.Rate.Enabled = v
	}
	if v, ok := getEnvBool("LP_COOKIE_SECURE"); ok {
		c.Session.Secure = v
	}
}

// Validate enforces the lifetime ordering: authorization codes expire
// first, access tokens second, refresh tokens last. Codes are capped at
// ten minutes.
func (c *Config) Validate() error {
	code, err := c.CodeTTL()
	if err != nil {
		return fmt.Errorf("oauth.code_ttl: %w", err)
	}
	access, err := c.AccessTTL()
	if err != nil {
		return fmt.Errorf("jwt.access_ttl: %w", err)
	}
	refresh, err := c.RefreshTTL()
	if err != nil {
		return fmt.Errorf("jwt.refresh_ttl: %w", err)
	}
	if code <= 0 || access <= 0 || refresh <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if code > 10*time.Minute {
		return fmt.Errorf("oauth.code_ttl %s exceeds the 10m cap", code)
	}
	if !(code < access && access < refresh) {
		return fmt.Errorf("lifetime ordering violated: code(%s) < access(%s) < refresh(%s) required", code, access, refresh)
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn required for postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Cache.Kind {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr required for redis cache")
		}
	default:
		return fmt.Errorf("unknown cache kind %q", c.Cache.Kind)
	}
	if c.Secondary.Enabled && c.Secondary.Addr == "" {
		return fmt.Errorf("secondary.addr required when secondary store is enabled")
	}
	return nil
}

func (c *Config) IsProd() bool { return c.App.Env == "prod" }

func (c *Config) AccessTTL() (time.Duration, error)  { return time.ParseDuration(c.JWT.AccessTTL) }
func (c *Config) RefreshTTL() (time.Duration, error) { return time.ParseDuration(c.JWT.RefreshTTL) }
func (c *Config) CodeTTL() (time.Duration, error)    { return time.ParseDuration(c.OAuth.CodeTTL) }

// Dur parses a duration field that Validate already vetted; bad values at
// other call sites fall back to def.
func Dur(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func getEnvStr(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func getEnvBool(key string) (bool, bool) {
	v, ok := getEnvStr(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
