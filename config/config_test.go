package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestConfig returns a valid Config for testing
func newTestConfig() Config {
	tier := RateTier{Limit: 10, Window: time.Minute, Burst: 10}
	cfg := Config{
		StartupMode: StartupModeStrict,
		DataPaths:   DataPaths{DataDir: "./data"},
		API: APIConfig{
			Port:      8080,
			RateLimit: RateLimitConfig{Login: tier, API: tier, Global: tier},
		},
		Auth: AuthConfig{
			Enabled:           true,
			SessionTTL:        24 * time.Hour,
			RememberTTL:       30 * 24 * time.Hour,
			BcryptCost:        10,
			SessionCacheSize:  16,
			PasswordMinLength: 8,
			AdminUsername:     "admin",
		},
	}
	cfg.Logging.Level = "info"
	return cfg
}

// loadIsolated runs LoadConfig in an empty directory with a clean viper
func loadIsolated(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	if yaml != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	}
	t.Chdir(dir)
	return LoadConfig()
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadIsolated(t, "")
	require.NoError(t, err)

	assert.Equal(t, StartupModeStrict, cfg.StartupMode)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Auth.RememberTTL)
	assert.Equal(t, 5, cfg.API.RateLimit.Login.Limit)
	assert.Equal(t, time.Minute, cfg.API.RateLimit.Login.Window)
	assert.Equal(t, "env", cfg.Secrets.Provider)
	assert.Equal(t, filepath.Join("data", "attackmatrix.db"), cfg.GetSQLitePath())
	assert.Empty(t, cfg.Auth.SessionSecret)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	t.Setenv("ATTACKMATRIX_SQLITE_PATH", "/tmp/override.db")
	t.Setenv("ATTACKMATRIX_API_PORT", "9443")

	cfg, err := loadIsolated(t, `
startup_mode: graceful
api:
  port: 9000
  allowed_origins: ["https://attack.example.org"]
  rate_limit:
    login:
      limit: 3
      window: 30s
auth:
  session_ttl: 2h
logging:
  level: debug
`)
	require.NoError(t, err)

	assert.True(t, cfg.IsGracefulMode())
	assert.Equal(t, 9443, cfg.API.Port, "environment beats file")
	assert.Equal(t, []string{"https://attack.example.org"}, cfg.API.AllowedOrigins)
	assert.Equal(t, 3, cfg.API.RateLimit.Login.Limit)
	assert.Equal(t, 30*time.Second, cfg.API.RateLimit.Login.Window)
	assert.Equal(t, 2*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, "/tmp/override.db", cfg.GetSQLitePath())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_SessionSecretFromEnv(t *testing.T) {
	secret := strings.Repeat("k7Qx", 10)
	t.Setenv("ATTACKMATRIX_SESSION_SECRET", secret)

	cfg, err := loadIsolated(t, "")
	require.NoError(t, err)
	assert.Equal(t, secret, cfg.Auth.SessionSecret)
}

func TestLoadConfig_RejectsInvalidFile(t *testing.T) {
	_, err := loadIsolated(t, "api:\n  port: 0\n")
	assert.Error(t, err)

	_, err = loadIsolated(t, "api: [unclosed\n")
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad startup mode", func(c *Config) { c.StartupMode = "lazy" }, "startup_mode"},
		{"port zero", func(c *Config) { c.API.Port = 0 }, "port"},
		{"port too high", func(c *Config) { c.API.Port = 70000 }, "port"},
		{"tls without cert", func(c *Config) { c.API.TLS = true }, "cert_file"},
		{"bad proxy network", func(c *Config) { c.API.TrustedProxyNetworks = []string{"10.0.0.0/33"} }, "trusted proxy"},
		{"bad exempt ip", func(c *Config) { c.API.RateLimit.ExemptIPs = []string{"not-an-ip"} }, "exempt"},
		{"exempt cidr ok", func(c *Config) { c.API.RateLimit.ExemptIPs = []string{"10.0.0.0/8", "::1"} }, ""},
		{"zero login limit", func(c *Config) { c.API.RateLimit.Login.Limit = 0 }, "rate_limit.login"},
		{"negative burst", func(c *Config) { c.API.RateLimit.Global.Burst = -1 }, "rate_limit.global"},
		{"redis without addr", func(c *Config) { c.API.RateLimit.Redis.Enabled = true }, "redis.addr"},
		{"short secret", func(c *Config) { c.Auth.SessionSecret = "tooshort" }, "at least 32"},
		{"weak secret", func(c *Config) { c.Auth.SessionSecret = "changeme-changeme-changeme-changeme" }, "weak"},
		{"strong secret", func(c *Config) { c.Auth.SessionSecret = strings.Repeat("Zq8w", 9) }, ""},
		{"bcrypt too low", func(c *Config) { c.Auth.BcryptCost = 2 }, "bcrypt_cost"},
		{"password policy", func(c *Config) { c.Auth.PasswordMinLength = 4 }, "password_min_length"},
		{"no admin name", func(c *Config) { c.Auth.AdminUsername = "" }, "admin_username"},
		{"zero ttl", func(c *Config) { c.Auth.SessionTTL = 0 }, "session_ttl"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig()
			tt.mutate(&cfg)
			err := validateConfig(&cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateConfig_ProductionRequiresTLS(t *testing.T) {
	t.Setenv("ATTACKMATRIX_ENV", "production")
	cfg := newTestConfig()
	err := validateConfig(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TLS")

	cfg.API.TLS = true
	cfg.API.CertFile = "server.crt"
	cfg.API.KeyFile = "server.key"
	assert.NoError(t, validateConfig(&cfg))
}

func TestResolveDataPaths(t *testing.T) {
	cfg := Config{DataPaths: DataPaths{DataDir: "/var/lib/attackmatrix", AttackBundle: "bundles/../enterprise.json"}}
	cfg.ResolveDataPaths()
	assert.Equal(t, "/var/lib/attackmatrix/attackmatrix.db", cfg.DataPaths.SQLitePath)
	assert.Equal(t, "enterprise.json", cfg.DataPaths.AttackBundle)

	empty := Config{}
	empty.ResolveDataPaths()
	assert.Equal(t, "./data", empty.DataPaths.DataDir)
	assert.Equal(t, filepath.Join("data", "attackmatrix.db"), empty.GetSQLitePath())
}

func TestIsValidIPOrCIDR(t *testing.T) {
	assert.True(t, isValidIPOrCIDR("127.0.0.1"))
	assert.True(t, isValidIPOrCIDR("2001:db8::1"))
	assert.True(t, isValidIPOrCIDR("192.168.0.0/16"))
	assert.False(t, isValidIPOrCIDR("localhost"))
	assert.False(t, isValidIPOrCIDR(""))
}
