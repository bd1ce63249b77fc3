// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/oracle"
	"github.com/xkilldash9x/pilot-cli/internal/store"
)

// Archive is a queryable intent archive.
type Archive interface {
	schemas.IntentArchive
	RecentIntents(ctx context.Context, limit int) ([]store.ArchivedIntent, error)
}

// InitializeArchive opens the configured archive backend. A database URL
// selects PostgreSQL and takes precedence over a local SQLite path.
func InitializeArchive(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Archive, func(), error) {
	switch {
	case cfg.URL != "":
		st, cleanup, err := InitializeStore(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return st, cleanup, nil
	case cfg.Path != "":
		local, err := store.OpenLocal(ctx, cfg.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			logger.Debug("Closing local intent archive.")
			if err := local.Close(); err != nil {
				logger.Warn("Error closing local intent archive.", zap.Error(err))
			}
		}
		return local, cleanup, nil
	}
	return nil, nil, fmt.Errorf("no intent archive is configured (hint: set PILOT_DATABASE_URL or database.path)")
}

// InitializeStore connects to the archive database and makes sure its schema
// exists. The returned cleanup closes the pool.
func InitializeStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*store.Store, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (hint: check PILOT_DATABASE_URL)")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}

	// store.New pings, so a bad URL fails here rather than on the first write.
	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	cleanup := func() {
		logger.Debug("Closing PostgreSQL connection pool.")
		pool.Close()
	}
	return st, cleanup, nil
}

// InitializeOracle creates the Gemini client backing both oracles. It
// returns nil without an error when no API key is configured, in which case
// decomposition falls back to keyword rules and resolution to local
// strategies.
func InitializeOracle(ctx context.Context, cfg config.OracleConfig, logger *zap.Logger) (*oracle.Gemini, error) {
	if cfg.APIKey == "" {
		logger.Warn("No oracle API key configured; running without semantic and vision oracles. Set PILOT_ORACLE_API_KEY to enable them.")
		return nil, nil
	}
	g, err := oracle.NewGemini(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize oracle client.", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize oracle client: %w", err)
	}
	return g, nil
}
