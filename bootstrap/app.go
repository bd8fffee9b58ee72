package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"attackmatrix/api"
	"attackmatrix/config"
	"attackmatrix/core"
)

// App represents the service with all its components
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Storage   *StorageComponents
	Redis     *core.RedisCache
	APIServer *api.API

	serviceWg *sync.WaitGroup
	serverErr chan error
}

// NewApp loads configuration, opens storage and runs first-run setup
func NewApp(ctx context.Context) (*App, error) {
	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	sugar.Info("attackmatrix starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	return NewAppWithConfig(ctx, cfg, logger)
}

// NewAppWithConfig builds the application from an already loaded configuration
func NewAppWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	sugar := logger.Sugar()
	app := &App{
		Config:    cfg,
		Logger:    logger,
		Sugar:     sugar,
		serviceWg: &sync.WaitGroup{},
		serverErr: make(chan error, 1),
	}

	sugar.Info("Running pre-flight checks...")
	if err := EnsureDataDirectories(DataDirectoriesFromConfig(cfg), sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	storageComponents, err := InitStorage(cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Storage = storageComponents

	redis, err := InitRedis(ctx, cfg, sugar)
	if err != nil {
		if !cfg.IsGracefulMode() {
			_ = app.Storage.Close()
			return nil, err
		}
		sugar.Warnw("Continuing without Redis, rate limits are kept in memory", "error", err)
	}
	app.Redis = redis

	if _, err := SeedKnowledgeBase(ctx, cfg, storageComponents.KnowledgeBase, sugar); err != nil {
		if !cfg.IsGracefulMode() {
			app.closeBackends()
			return nil, err
		}
		sugar.Warnw("Continuing with an empty knowledge base", "error", err)
	}

	result, err := app.runFirstRunSetup(ctx)
	if err != nil {
		sugar.Errorf("First-run setup encountered errors: %v", err)
	} else if result.IsFirstRun {
		sugar.Infow("First-run setup completed",
			"admin_created", result.AdminCreated,
			"admin_username", result.AdminUsername)
	}

	return app, nil
}

// Start creates the API server and serves it in the background
func (a *App) Start(ctx context.Context) error {
	server, err := api.NewAPI(a.Storage.Stores(), a.Storage.SQLite, a.Redis, a.Config, a.Sugar)
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}
	a.APIServer = server

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		a.Sugar.Infof("API server started on :%d", a.Config.API.Port)

		var err error
		if a.Config.API.TLS {
			err = server.StartTLS(a.Config.API.Port, a.Config.API.CertFile, a.Config.API.KeyFile)
		} else {
			err = server.Start(a.Config.API.Port)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorf("API server error: %v", err)
			a.serverErr <- err
		}
	}()
	return nil
}

// WaitForShutdown blocks until a shutdown signal arrives, ctx ends or the server fails
func (a *App) WaitForShutdown(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		a.Sugar.Infow("Received shutdown signal", "signal", sig.String())
		return nil
	case <-ctx.Done():
		return nil
	case err := <-a.serverErr:
		return err
	}
}

// Shutdown stops the server and closes the backends
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	if a.APIServer != nil {
		a.Sugar.Info("Stopping API server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	a.closeBackends()
	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

func (a *App) closeBackends() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Sugar.Errorw("Failed to close Redis connection", "error", err)
		}
	}
	if err := a.Storage.Close(); err != nil {
		a.Sugar.Errorw("Failed to close database", "error", err)
	}
}

// FirstRunResult contains information about first-run initialization
type FirstRunResult struct {
	IsFirstRun    bool
	AdminCreated  bool
	AdminUsername string
	AdminPassword string
}

// runFirstRunSetup creates the initial admin when the users table is empty.
// A generated password is printed to stderr once.
func (a *App) runFirstRunSetup(ctx context.Context) (*FirstRunResult, error) {
	result := &FirstRunResult{}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	count, err := a.Storage.Users.CountUsers(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to count users: %w", err)
	}
	if count > 0 {
		return result, nil
	}
	result.IsFirstRun = true

	a.Sugar.Info("========================================")
	a.Sugar.Info("FIRST RUN DETECTED - Running initial setup")
	a.Sugar.Info("========================================")

	if !a.Config.Auth.Enabled {
		a.Sugar.Info("Authentication disabled, no admin account created")
		return result, nil
	}

	admin, password, generated, err := CreateAdmin(ctx, a.Storage, a.Config)
	if err != nil {
		return result, err
	}
	result.AdminCreated = true
	result.AdminUsername = admin.Username

	if generated {
		result.AdminPassword = password
		printBanner("     DEFAULT ADMIN CREDENTIALS",
			"  Username: "+admin.Username,
			"  Password: "+password,
			"========================================",
			"  IMPORTANT: This password will NOT be",
			"  shown again! Store it securely now.")
	}
	return result, nil
}

// CreateAdmin creates the configured admin account, generating a password when none
// is configured. The creation is written to the audit log.
func CreateAdmin(ctx context.Context, sc *StorageComponents, cfg *config.Config) (*core.User, string, bool, error) {
	password := cfg.Auth.AdminPassword
	generated := false
	if password == "" {
		var err error
		if password, err = GenerateSecurePassword(24); err != nil {
			return nil, "", false, fmt.Errorf("failed to generate admin password: %w", err)
		}
		generated = true
	}
	if err := core.ValidatePassword(password, cfg.Auth.PasswordMinLength); err != nil {
		return nil, "", false, fmt.Errorf("configured admin password rejected: %w", err)
	}

	username := cfg.Auth.AdminUsername
	if username == "" {
		username = "admin"
	}
	admin := &core.User{
		Username: username,
		FullName: "Administrator",
		Role:     core.RoleAdmin,
		IsActive: true,
	}
	if err := sc.Users.CreateUser(ctx, admin, password); err != nil {
		return nil, "", false, fmt.Errorf("failed to create admin user: %w", err)
	}

	entry := &core.AuditEntry{
		EventType:   core.EventUserCreated,
		Level:       core.AuditSecurity,
		Description: "Initial admin account " + username + " created",
		EntityType:  "user",
		EntityID:    fmt.Sprint(admin.ID),
		Username:    "system",
	}
	_ = sc.Audit.CreateAuditEntry(ctx, entry)
	return admin, password, generated, nil
}
