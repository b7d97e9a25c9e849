package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.Server.Addr)
	assert.Equal(t, "memory", c.Storage.Driver)
	assert.Equal(t, "memory", c.Cache.Kind)

	access, err := c.AccessTTL()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, access)
}

func TestLifetimeOrderingEnforced(t *testing.T) {
	cases := map[string]string{
		"code above cap": `
oauth:
  code_ttl: 20m
`,
		"code not below access": `
jwt:
  access_ttl: 5m
oauth:
  code_ttl: 5m
`,
		"access not below refresh": `
jwt:
  access_ttl: 200h
  refresh_ttl: 168h
oauth:
  code_ttl: 1m
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(write(t, body))
			assert.Error(t, err)
		})
	}
}

func TestPostgresRequiresDSN(t *testing.T) {
	_, err := Load(write(t, "storage:\n  driver: postgres\n"))
	assert.Error(t, err)

	_, err = Load(write(t, "storage:\n  driver: postgres\n  dsn: postgres://x\n"))
	assert.NoError(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LP_SERVER_ADDR", ":9999")
	t.Setenv("LP_SECONDARY_ADDR", "localhost:6380")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", c.Server.Addr)
	assert.True(t, c.Secondary.Enabled)
	assert.Equal(t, "localhost:6380", c.Secondary.Addr)
}
