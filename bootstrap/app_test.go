package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"attackmatrix/config"
	"attackmatrix/storage"
)

const seedBundle = `{
  "type": "bundle",
  "id": "bundle--seed",
  "objects": [
    {"type": "x-mitre-tactic", "id": "x-mitre-tactic--1", "name": "Execution", "x_mitre_shortname": "execution",
     "external_references": [{"source_name": "mitre-attack", "external_id": "TA0002"}]},
    {"type": "attack-pattern", "id": "attack-pattern--1", "name": "Command and Scripting Interpreter",
     "kill_chain_phases": [{"kill_chain_name": "mitre-attack", "phase_name": "execution"}],
     "external_references": [{"source_name": "mitre-attack", "external_id": "T1059"}]}
  ]
}`

func testAppConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{StartupMode: config.StartupModeStrict}
	cfg.DataPaths.DataDir = filepath.Join(dir, "data")
	cfg.DataPaths.SQLitePath = filepath.Join(dir, "data", "attackmatrix.db")
	cfg.Auth.Enabled = true
	cfg.Auth.BcryptCost = bcrypt.MinCost
	cfg.Auth.PasswordMinLength = 12
	cfg.Auth.AdminUsername = "root"
	cfg.Attack.DownloadTimeout = time.Second
	return cfg
}

func TestNewAppWithConfig_FirstRun(t *testing.T) {
	cfg := testAppConfig(t)
	bundle := filepath.Join(t.TempDir(), "enterprise-attack.json")
	require.NoError(t, os.WriteFile(bundle, []byte(seedBundle), 0o600))
	cfg.DataPaths.AttackBundle = bundle

	ctx := context.Background()
	app, err := NewAppWithConfig(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	admin, err := app.Storage.Users.GetUserByUsername(ctx, "root")
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin())
	assert.True(t, admin.IsActive)

	tactics, err := app.Storage.KnowledgeBase.ListTactics(ctx)
	require.NoError(t, err)
	require.Len(t, tactics, 1)
	assert.Equal(t, "TA0002", tactics[0].ID)

	entries, total, err := app.Storage.Audit.ListAuditEntries(ctx, storage.AuditFilter{EventType: "user_created"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "system", entries[0].Username)

	app.closeBackends()

	// a second start over the same database neither re-creates the admin nor re-imports
	again, err := NewAppWithConfig(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer again.closeBackends()

	count, err := again.Storage.Users.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	seeded, err := SeedKnowledgeBase(ctx, cfg, again.Storage.KnowledgeBase, again.Sugar)
	require.NoError(t, err)
	assert.False(t, seeded)
}

func TestNewAppWithConfig_ConfiguredAdminPassword(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Auth.AdminPassword = "Configured-Passw0rd"

	ctx := context.Background()
	app, err := NewAppWithConfig(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer app.closeBackends()

	_, err = app.Storage.Users.Authenticate(ctx, "root", "Configured-Passw0rd")
	assert.NoError(t, err)
}

func TestCreateAdmin_RejectsWeakConfiguredPassword(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Auth.Enabled = false

	ctx := context.Background()
	app, err := NewAppWithConfig(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer app.closeBackends()

	count, err := app.Storage.Users.CountUsers(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "no admin is created while authentication is disabled")

	cfg.Auth.AdminPassword = "short"
	_, _, _, err = CreateAdmin(ctx, app.Storage, cfg)
	assert.Error(t, err)
}

func TestSeedKnowledgeBase_NoBundle(t *testing.T) {
	cfg := testAppConfig(t)
	logger := zaptest.NewLogger(t).Sugar()

	require.NoError(t, EnsureDataDirectories(DataDirectoriesFromConfig(cfg), logger))
	sc, err := InitStorage(cfg, logger)
	require.NoError(t, err)
	defer func() { _ = sc.Close() }()

	seeded, err := SeedKnowledgeBase(context.Background(), cfg, sc.KnowledgeBase, logger)
	require.NoError(t, err)
	assert.False(t, seeded)

	cfg.DataPaths.AttackBundle = filepath.Join(t.TempDir(), "missing.json")
	_, err = SeedKnowledgeBase(context.Background(), cfg, sc.KnowledgeBase, logger)
	assert.Error(t, err)
}

func TestInitRedis(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	cfg := testAppConfig(t)

	t.Run("disabled", func(t *testing.T) {
		redis, err := InitRedis(context.Background(), cfg, logger)
		require.NoError(t, err)
		assert.Nil(t, redis)
	})

	t.Run("connected", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg.API.RateLimit.Redis.Enabled = true
		cfg.API.RateLimit.Redis.Addr = mr.Addr()
		cfg.API.RateLimit.Redis.PoolSize = 2

		redis, err := InitRedis(context.Background(), cfg, logger)
		require.NoError(t, err)
		require.NotNil(t, redis)
		assert.NoError(t, redis.Close())
	})

	t.Run("gives up when the context ends", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		cfg.API.RateLimit.Redis.Enabled = true
		cfg.API.RateLimit.Redis.Addr = addr

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		redis, err := InitRedis(ctx, cfg, logger)
		assert.Error(t, err)
		assert.Nil(t, redis)
	})
}
