package bootstrap

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"attackmatrix/config"
)

// logLevel is shared by every logger InitLogger builds so the configured level can be
// applied after the configuration is loaded
var logLevel = zap.NewAtomicLevelAt(zapcore.DebugLevel)

// InitLogger initializes the zap logger with colored console output
func InitLogger() (*zap.Logger, *zap.SugaredLogger, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		logLevel,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// SetLogLevel changes the level of every logger built by InitLogger
func SetLogLevel(level string) error {
	if level == "" {
		return nil
	}
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid logging.level %q: %w", level, err)
	}
	logLevel.SetLevel(parsed)
	return nil
}

// InitConfig loads the application configuration and applies its log level
func InitConfig(sugar *zap.SugaredLogger) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if viper.ConfigFileUsed() == "" {
		sugar.Info("No config file found, using defaults and env vars")
	}
	if err := SetLogLevel(cfg.Logging.Level); err != nil {
		sugar.Warnw("Ignoring log level", "error", err)
	}

	mode := "will fail fast on any initialization error"
	if cfg.IsGracefulMode() {
		mode = "will continue with degraded functionality on non-critical errors"
	}
	sugar.Infow("Startup mode", "mode", string(cfg.StartupMode), "description", mode)

	sugar.Infow("Config loaded",
		"data_dir", cfg.DataPaths.DataDir,
		"sqlite_path", cfg.GetSQLitePath(),
		"api_port", cfg.API.Port,
		"auth_enabled", cfg.Auth.Enabled,
		"redis_enabled", cfg.API.RateLimit.Redis.Enabled,
		"secrets_provider", cfg.Secrets.Provider)

	return cfg, nil
}
