package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml or .env is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 60, cfg.Server.RequestTimeoutSecs)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "./data/nylta.db", cfg.Store.Path)
	assert.Equal(t, 300, cfg.Pricing.ReloadIntervalSecs)
	assert.Equal(t, "fake", cfg.Payment.Mode)
	assert.Equal(t, "https://services.leadconnectorhq.com", cfg.CRM.BaseURL)
	assert.InDelta(t, 5.0, cfg.CRM.RatePerSec, 0.001)
	assert.Equal(t, 120, cfg.Redis.LockTTLSecs)
	assert.Equal(t, 1800, cfg.Reconcile.StaleAfterSecs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: memory
log:
  level: debug
  format: console
server:
  port: 9090
  allowed_origins:
    - https://nylta.test
pricing:
  source_url: https://cms.nylta.test/wp-json/pricing
  reload_interval_secs: 60
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://nylta.test"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "https://cms.nylta.test/wp-json/pricing", cfg.Pricing.SourceURL)
	assert.Equal(t, 60, cfg.Pricing.ReloadIntervalSecs)
}

func TestLoadEnvOverride(t *testing.T) {
	chdirTemp(t)

	t.Setenv("NYLTA_SERVER_PORT", "3000")
	t.Setenv("NYLTA_PAYMENT_MODE", "http")
	t.Setenv("NYLTA_PAYMENT_BASE_URL", "https://pay.test")
	t.Setenv("NYLTA_PAYMENT_API_KEY", "sk_test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "http", cfg.Payment.Mode)
	assert.Equal(t, "sk_test", cfg.Payment.APIKey)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("NYLTA_CRM_API_KEY=ghl_key\nNYLTA_CRM_LOCATION_ID=loc_1\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("NYLTA_CRM_API_KEY")
		os.Unsetenv("NYLTA_CRM_LOCATION_ID")
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ghl_key", cfg.CRM.APIKey)
	assert.Equal(t, "loc_1", cfg.CRM.LocationID)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Store:   StoreConfig{Driver: "sqlite", Path: "x.db"},
			Payment: PaymentConfig{Mode: "fake"},
		}
	}

	c := valid()
	assert.NoError(t, c.Validate())

	c = valid()
	c.Store.Driver = "postgres"
	assert.Error(t, c.Validate())

	c = valid()
	c.Store.Path = ""
	assert.Error(t, c.Validate())

	c = valid()
	c.Payment.Mode = "http"
	assert.Error(t, c.Validate(), "http mode needs credentials")

	c = valid()
	c.CRM.APIKey = "k"
	assert.Error(t, c.Validate(), "crm needs a location")
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, 90*time.Second, Seconds(90))
}

func TestInitLogger(t *testing.T) {
	orig := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(orig) })

	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))

	require.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "json"}))
	assert.False(t, zap.L().Core().Enabled(zap.InfoLevel))

	assert.Error(t, InitLogger(LogConfig{Level: "loud"}))
}
