package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// StartupMode defines how the service handles initialization failures
type StartupMode string

const (
	// StartupModeStrict fails fast on any initialization error (default)
	StartupModeStrict StartupMode = "strict"
	// StartupModeGraceful starts with degraded functionality, logging warnings
	StartupModeGraceful StartupMode = "graceful"
)

// DataPaths holds all data directory and file path configuration
// These paths can be overridden via environment variables
type DataPaths struct {
	// DataDir is the base data directory (ATTACKMATRIX_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the SQLite database file path (ATTACKMATRIX_SQLITE_PATH, default: ${DataDir}/attackmatrix.db)
	SQLitePath string `mapstructure:"sqlite_path"`
	// AttackBundle is a local STIX bundle imported on startup when the knowledge base is empty
	AttackBundle string `mapstructure:"attack_bundle"`
}

// RateTier is one tier of the multi-tier rate limiter
type RateTier struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
	Burst  int           `mapstructure:"burst"`
}

// RedisConfig configures the optional Redis backend of the rate limiter
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RateLimitConfig configures the login, api and global tiers
type RateLimitConfig struct {
	Login     RateTier    `mapstructure:"login"`
	API       RateTier    `mapstructure:"api"`
	Global    RateTier    `mapstructure:"global"`
	ExemptIPs []string    `mapstructure:"exempt_ips"`
	Redis     RedisConfig `mapstructure:"redis"`
}

// APIConfig configures the HTTP server
type APIConfig struct {
	Port                 int             `mapstructure:"port"`
	TLS                  bool            `mapstructure:"tls"`
	CertFile             string          `mapstructure:"cert_file"`
	KeyFile              string          `mapstructure:"key_file"`
	AllowedOrigins       []string        `mapstructure:"allowed_origins"`
	TrustProxy           bool            `mapstructure:"trust_proxy"`
	TrustedProxyNetworks []string        `mapstructure:"trusted_proxy_networks"`
	ReadTimeout          time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout         time.Duration   `mapstructure:"write_timeout"`
	JSONBodyLimit        int64           `mapstructure:"json_body_limit"`
	ImportBodyLimit      int64           `mapstructure:"import_body_limit"`
	RateLimit            RateLimitConfig `mapstructure:"rate_limit"`
}

// AuthConfig configures sessions and passwords
type AuthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// SessionSecret signs session tokens. Empty means a random per-process secret.
	SessionSecret     string        `mapstructure:"session_secret"`
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	RememberTTL       time.Duration `mapstructure:"remember_ttl"`
	BcryptCost        int           `mapstructure:"bcrypt_cost"`
	SessionCacheSize  int           `mapstructure:"session_cache_size"`
	SessionCacheTTL   time.Duration `mapstructure:"session_cache_ttl"`
	PasswordMinLength int           `mapstructure:"password_min_length"`
	// AdminUsername names the account created on first run
	AdminUsername string `mapstructure:"admin_username"`
	// AdminPassword is the first-run admin password. Empty means generated.
	AdminPassword string `mapstructure:"admin_password"`
}

// AttackConfig configures ATT&CK bundle downloads
type AttackConfig struct {
	BundleURL       string        `mapstructure:"bundle_url"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
}

// SecretsConfig selects where session_secret and admin_password come from
type SecretsConfig struct {
	Provider string `mapstructure:"provider"` // env, vault, aws
	Vault    struct {
		Address string `mapstructure:"address"`
		Token   string `mapstructure:"token"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"vault"`
	AWS struct {
		Region    string `mapstructure:"region"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		SecretID  string `mapstructure:"secret_id"`
		Endpoint  string `mapstructure:"endpoint"`
	} `mapstructure:"aws"`
}

// Config holds all configuration for the service
type Config struct {
	// StartupMode controls how initialization failures are handled
	StartupMode StartupMode `mapstructure:"startup_mode"`

	DataPaths DataPaths     `mapstructure:"data_paths"`
	API       APIConfig     `mapstructure:"api"`
	Auth      AuthConfig    `mapstructure:"auth"`
	Attack    AttackConfig  `mapstructure:"attack"`
	Secrets   SecretsConfig `mapstructure:"secrets"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("startup_mode", string(StartupModeStrict))

	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "") // Empty = derive from data_dir
	viper.SetDefault("data_paths.attack_bundle", "")

	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.tls", false)
	viper.SetDefault("api.cert_file", "server.crt")
	viper.SetDefault("api.key_file", "server.key")
	viper.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})
	viper.SetDefault("api.trust_proxy", false)
	viper.SetDefault("api.trusted_proxy_networks", []string{})
	viper.SetDefault("api.read_timeout", 15*time.Second)
	viper.SetDefault("api.write_timeout", 60*time.Second)
	viper.SetDefault("api.json_body_limit", 1<<20)    // 1MB
	viper.SetDefault("api.import_body_limit", 10<<20) // 10MB
	viper.SetDefault("api.rate_limit.login.limit", 5)
	viper.SetDefault("api.rate_limit.login.window", time.Minute)
	viper.SetDefault("api.rate_limit.login.burst", 5)
	viper.SetDefault("api.rate_limit.api.limit", 300)
	viper.SetDefault("api.rate_limit.api.window", time.Minute)
	viper.SetDefault("api.rate_limit.api.burst", 300)
	viper.SetDefault("api.rate_limit.global.limit", 5000)
	viper.SetDefault("api.rate_limit.global.window", time.Second)
	viper.SetDefault("api.rate_limit.global.burst", 5000)
	viper.SetDefault("api.rate_limit.exempt_ips", []string{})
	viper.SetDefault("api.rate_limit.redis.enabled", false)
	viper.SetDefault("api.rate_limit.redis.addr", "localhost:6379")
	viper.SetDefault("api.rate_limit.redis.password", "")
	viper.SetDefault("api.rate_limit.redis.db", 0)
	viper.SetDefault("api.rate_limit.redis.pool_size", 10)

	viper.SetDefault("auth.enabled", true)
	viper.SetDefault("auth.session_secret", "")
	viper.SetDefault("auth.session_ttl", 24*time.Hour)
	viper.SetDefault("auth.remember_ttl", 30*24*time.Hour)
	viper.SetDefault("auth.bcrypt_cost", bcrypt.DefaultCost)
	viper.SetDefault("auth.session_cache_size", 1024)
	viper.SetDefault("auth.session_cache_ttl", time.Minute)
	viper.SetDefault("auth.password_min_length", 8)
	viper.SetDefault("auth.admin_username", "admin")
	viper.SetDefault("auth.admin_password", "")

	viper.SetDefault("attack.bundle_url", "https://raw.githubusercontent.com/mitre-attack/attack-stix-data/master/enterprise-attack/enterprise-attack.json")
	viper.SetDefault("attack.download_timeout", 5*time.Minute)

	viper.SetDefault("secrets.provider", "env")
	viper.SetDefault("secrets.vault.path", "secret/data/attackmatrix")
	viper.SetDefault("secrets.aws.secret_id", "attackmatrix/secrets")

	viper.SetDefault("logging.level", "info")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix("ATTACKMATRIX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Shorter names for the settings most often overridden in containers
	_ = viper.BindEnv("startup_mode", "ATTACKMATRIX_STARTUP_MODE")
	_ = viper.BindEnv("data_paths.data_dir", "ATTACKMATRIX_DATA_DIR")
	_ = viper.BindEnv("data_paths.sqlite_path", "ATTACKMATRIX_SQLITE_PATH")
	_ = viper.BindEnv("data_paths.attack_bundle", "ATTACKMATRIX_ATTACK_BUNDLE")
	_ = viper.BindEnv("auth.session_secret", "ATTACKMATRIX_SESSION_SECRET")
	_ = viper.BindEnv("auth.admin_password", "ATTACKMATRIX_ADMIN_PASSWORD")
}

// LoadConfig loads configuration from file and environment variables, then pulls
// secrets from the configured provider
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: defaults and environment only
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := LoadSecrets(&config); err != nil {
		return nil, err
	}

	config.ResolveDataPaths()

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// ResolveDataPaths derives unset paths from DataDir
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "attackmatrix.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}

	if c.DataPaths.AttackBundle != "" && !filepath.IsAbs(c.DataPaths.AttackBundle) {
		c.DataPaths.AttackBundle = filepath.Clean(c.DataPaths.AttackBundle)
	}

	c.DataPaths.DataDir = dataDir
}

// GetSQLitePath returns the resolved SQLite database path
func (c *Config) GetSQLitePath() string {
	if c.DataPaths.SQLitePath == "" {
		return filepath.Join(c.DataPaths.DataDir, "attackmatrix.db")
	}
	return c.DataPaths.SQLitePath
}

// IsGracefulMode returns true if the startup mode is graceful
func (c *Config) IsGracefulMode() bool {
	return c.StartupMode == StartupModeGraceful
}

var weakSecrets = []string{
	"secret", "password", "changeme", "default", "admin",
	"session_secret", "supersecret", "mysecret", "test", "example",
}

// validateConfig validates the configuration for security and correctness
func validateConfig(config *Config) error {
	switch config.StartupMode {
	case StartupModeStrict, StartupModeGraceful:
	default:
		return fmt.Errorf("invalid startup_mode %q (must be strict or graceful)", config.StartupMode)
	}

	if config.API.Port < 1 || config.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d (must be 1-65535)", config.API.Port)
	}
	if config.API.TLS && (config.API.CertFile == "" || config.API.KeyFile == "") {
		return fmt.Errorf("api.cert_file and api.key_file are required when TLS is enabled")
	}
	for _, cidr := range config.API.TrustedProxyNetworks {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("invalid trusted proxy network %q: %w", cidr, err)
		}
	}
	for _, ip := range config.API.RateLimit.ExemptIPs {
		if !isValidIPOrCIDR(strings.TrimSpace(ip)) {
			return fmt.Errorf("invalid rate limit exempt IP %q", ip)
		}
	}

	tiers := []struct {
		name string
		tier RateTier
	}{
		{"login", config.API.RateLimit.Login},
		{"api", config.API.RateLimit.API},
		{"global", config.API.RateLimit.Global},
	}
	for _, t := range tiers {
		if t.tier.Limit <= 0 || t.tier.Window <= 0 {
			return fmt.Errorf("api.rate_limit.%s needs a positive limit and window", t.name)
		}
		if t.tier.Burst < 0 {
			return fmt.Errorf("api.rate_limit.%s.burst cannot be negative", t.name)
		}
	}
	if config.API.RateLimit.Redis.Enabled && config.API.RateLimit.Redis.Addr == "" {
		return fmt.Errorf("api.rate_limit.redis.addr is required when redis is enabled")
	}

	if secret := config.Auth.SessionSecret; secret != "" {
		if len(secret) < 32 {
			return fmt.Errorf("session secret must be at least 32 characters (256 bits) for security")
		}
		lowerSecret := strings.ToLower(secret)
		for _, weak := range weakSecrets {
			if strings.Contains(lowerSecret, weak) {
				return fmt.Errorf("session secret appears to contain weak/default value: please use a cryptographically secure random string")
			}
		}
	}
	if config.Auth.SessionTTL <= 0 || config.Auth.RememberTTL <= 0 {
		return fmt.Errorf("auth.session_ttl and auth.remember_ttl must be positive")
	}
	if config.Auth.BcryptCost < bcrypt.MinCost || config.Auth.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("auth.bcrypt_cost must be between %d and %d, got %d", bcrypt.MinCost, bcrypt.MaxCost, config.Auth.BcryptCost)
	}
	if config.Auth.PasswordMinLength < 6 {
		return fmt.Errorf("auth.password_min_length must be at least 6, got %d", config.Auth.PasswordMinLength)
	}
	if config.Auth.SessionCacheSize < 0 {
		return fmt.Errorf("auth.session_cache_size cannot be negative")
	}
	if config.Auth.AdminUsername == "" {
		return fmt.Errorf("auth.admin_username cannot be empty")
	}

	// TLS is mandatory in production
	if os.Getenv("ATTACKMATRIX_ENV") == "production" && !config.API.TLS {
		return fmt.Errorf("CRITICAL SECURITY ERROR: TLS must be enabled for API in production (ATTACKMATRIX_ENV=production, api.tls=false)")
	}

	switch strings.ToLower(config.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", config.Logging.Level)
	}
	return nil
}

// isValidIPOrCIDR checks if a string is a valid IP address or CIDR
func isValidIPOrCIDR(ipStr string) bool {
	if ip := net.ParseIP(ipStr); ip != nil {
		return true
	}
	if _, _, err := net.ParseCIDR(ipStr); err == nil {
		return true
	}
	return false
}
