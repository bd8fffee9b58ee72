// Package cmd provides the attackmatrix command-line interface.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"attackmatrix/bootstrap"
	"attackmatrix/config"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	outputJSON bool
	configFile string
	noColor    bool
	quiet      bool
)

const defaultTimeout = 10 * time.Minute

// stdout is where command output goes; tests replace it
var stdout io.Writer = os.Stdout

// NewRootCmd creates the attackmatrix command with all subcommands. Without a
// subcommand it runs the server.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "attackmatrix",
		Short: "MITRE ATT&CK knowledge base and detection coverage service",
		Long: `attackmatrix stores the MITRE ATT&CK matrix together with your detection rules
and reports how well the rules cover each tactic and technique.

Run without a subcommand to start the REST API server.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if noColor || outputJSON {
				color.NoColor = true
			}
			if configFile != "" {
				viper.SetConfigFile(configFile)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newImportAttackCmd())
	rootCmd.AddCommand(newImportRulesCmd())
	rootCmd.AddCommand(newExportRulesCmd())
	rootCmd.AddCommand(newUserCmd())
	rootCmd.AddCommand(newCoverageCmd())

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return NewRootCmd().ExecuteContext(ctx)
}

// newServeCmd creates the 'serve' subcommand
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		Long:  "Open the database, apply migrations, seed the knowledge base on first run and serve the REST API.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// runServer initializes and starts the service, then blocks until shutdown
func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	waitErr := app.WaitForShutdown(ctx)
	app.Shutdown()
	return waitErr
}

// cliEnv is what the maintenance commands work with
type cliEnv struct {
	cfg     *config.Config
	sugar   *zap.SugaredLogger
	storage *bootstrap.StorageComponents
}

// openEnv loads configuration and opens the migrated database
func openEnv() (*cliEnv, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newCLILogger()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	sugar := logger.Sugar()

	if err := bootstrap.EnsureDataDirectories(bootstrap.DataDirectoriesFromConfig(cfg), sugar); err != nil {
		return nil, nil, err
	}
	sc, err := bootstrap.InitStorage(cfg, sugar)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		if err := sc.Close(); err != nil {
			sugar.Warnf("Failed to close SQLite connection during cleanup: %v", err)
		}
		_ = logger.Sync()
	}
	return &cliEnv{cfg: cfg, sugar: sugar, storage: sc}, cleanup, nil
}

// newCLILogger logs warnings and errors to stderr
func newCLILogger() (*zap.Logger, error) {
	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	logCfg.Encoding = "console"
	logCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return logCfg.Build()
}

// outputAsJSON writes data as indented JSON
func outputAsJSON(data interface{}) error {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
