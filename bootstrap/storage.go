package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"attackmatrix/api"
	"attackmatrix/config"
	"attackmatrix/core"
	"attackmatrix/storage"
)

// StorageComponents holds the database and the stores built on it
type StorageComponents struct {
	SQLite        *storage.SQLite
	KnowledgeBase *storage.SQLiteKnowledgeBase
	Rules         *storage.SQLiteRuleStorage
	Comments      *storage.SQLiteCommentStorage
	Users         *storage.SQLiteUserStorage
	Sessions      *storage.SQLiteSessionStorage
	Audit         *storage.SQLiteAuditStorage
}

// Stores returns the storage interfaces the API handlers use
func (sc *StorageComponents) Stores() api.Stores {
	return api.Stores{
		KnowledgeBase: sc.KnowledgeBase,
		Rules:         sc.Rules,
		Comments:      sc.Comments,
		Users:         sc.Users,
		Sessions:      sc.Sessions,
		Audit:         sc.Audit,
	}
}

// Close closes the database
func (sc *StorageComponents) Close() error {
	if sc == nil || sc.SQLite == nil {
		return nil
	}
	return sc.SQLite.Close()
}

// InitSQLite opens the SQLite database
func InitSQLite(dbPath string, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	sqlite, err := storage.NewSQLite(dbPath, sugar)
	if err != nil {
		printBanner("FATAL: SQLite Initialization Failed", ClassifySQLiteError(err, dbPath))
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	sugar.Info("SQLite initialized successfully")
	return sqlite, nil
}

// InitStorage opens the database, applies pending migrations and builds every store
func InitStorage(cfg *config.Config, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	sqlite, err := InitSQLite(cfg.GetSQLitePath(), sugar)
	if err != nil {
		return nil, err
	}
	if err := sqlite.RunMigrations(); err != nil {
		_ = sqlite.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return NewStorageComponents(sqlite, cfg, sugar), nil
}

// NewStorageComponents builds every store on an already migrated database
func NewStorageComponents(sqlite *storage.SQLite, cfg *config.Config, sugar *zap.SugaredLogger) *StorageComponents {
	return &StorageComponents{
		SQLite:        sqlite,
		KnowledgeBase: storage.NewSQLiteKnowledgeBase(sqlite, sugar),
		Rules:         storage.NewSQLiteRuleStorage(sqlite, sugar),
		Comments:      storage.NewSQLiteCommentStorage(sqlite, sugar),
		Users:         storage.NewSQLiteUserStorage(sqlite, cfg.Auth.BcryptCost, sugar),
		Sessions:      storage.NewSQLiteSessionStorage(sqlite, sugar),
		Audit:         storage.NewSQLiteAuditStorage(sqlite, sugar),
	}
}

// InitRedis connects the optional Redis backend of the rate limiter, retrying with
// backoff. It returns nil when Redis is disabled.
func InitRedis(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*core.RedisCache, error) {
	rc := cfg.API.RateLimit.Redis
	if !rc.Enabled {
		sugar.Info("Redis disabled, rate limits are kept in memory")
		return nil, nil
	}

	retryDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	redis := core.NewRedisCache(rc.Addr, rc.Password, rc.DB, rc.PoolSize, sugar)

	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			sugar.Infow("Retrying Redis connection",
				"attempt", attempt,
				"max_retries", len(retryDelays),
				"delay", retryDelays[attempt-1])
			select {
			case <-time.After(retryDelays[attempt-1]):
			case <-ctx.Done():
				_ = redis.Close()
				return nil, ctx.Err()
			}
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = redis.Ping(pingCtx)
		cancel()
		if lastErr == nil {
			sugar.Infow("Connected to Redis", "addr", rc.Addr)
			return redis, nil
		}
		sugar.Warnw("Redis connection attempt failed", "attempt", attempt+1, "error", lastErr)
	}

	_ = redis.Close()
	printBanner("FATAL: Redis Connection Failed", ClassifyRedisError(lastErr, rc.Addr))
	return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", len(retryDelays)+1, lastErr)
}
