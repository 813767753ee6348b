package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commission-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	c, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "dev", c.App.Env)
	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, "sqlite", c.Store.Driver)
	assert.Equal(t, 5*time.Second, c.CashDrawer.Timeout)
	assert.Equal(t, 30, c.Subscriptions.LookbackDays)
	assert.True(t, c.Metrics.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  env: prod
http:
  addr: ":9090"
store:
  driver: memory
cash_drawer:
  webhook_url: http://register.local/refresh
  timeout: 2s
subscriptions:
  lookback_days: 60
  timezone: America/Sao_Paulo
`), 0o600))

	t.Setenv("COMMISSION_HTTP_ADDR", ":7070")
	t.Setenv("COMMISSION_SUBSCRIPTIONS_LOOKBACK_DAYS", "14")

	c, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", c.App.Env)
	assert.Equal(t, ":7070", c.HTTP.Addr, "env overrides file")
	assert.Equal(t, "memory", c.Store.Driver)
	assert.Equal(t, "http://register.local/refresh", c.CashDrawer.WebhookURL)
	assert.Equal(t, 2*time.Second, c.CashDrawer.Timeout)
	assert.Equal(t, 14, c.Subscriptions.LookbackDays)

	loc, err := c.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/Sao_Paulo", loc.String())
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("COMMISSION_APP_ENV=staging\n"), 0o600))
	t.Setenv("COMMISSION_APP_ENV", "")
	os.Unsetenv("COMMISSION_APP_ENV")

	c, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "staging", c.App.Env)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"unknown driver", func(c *config.Config) { c.Store.Driver = "mongo" }},
		{"postgres without dsn", func(c *config.Config) { c.Store.Driver = "postgres" }},
		{"zero lookback", func(c *config.Config) { c.Subscriptions.LookbackDays = 0 }},
		{"bad timezone", func(c *config.Config) { c.Subscriptions.Timezone = "Mars/Olympus" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c config.Config
			c.Store.Driver = "sqlite"
			c.Subscriptions.LookbackDays = 30
			require.NoError(t, c.Validate())

			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	chdir(t, t.TempDir())
	_, err := config.Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestLoad_ExampleFile(t *testing.T) {
	c, err := config.Load("example.yaml")
	require.NoError(t, err)

	assert.Equal(t, []string{"http://localhost:5173"}, c.HTTP.CORSOrigins)
	loc, err := c.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/Sao_Paulo", loc.String())
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
