package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"scriptforge/backend/internal/config"
)

// Open builds the Repository selected by cfg.DB.Driver.
func Open(ctx context.Context, cfg *config.Config) (Repository, error) {
	switch cfg.DB.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(cfg.DB.Path)
	case "postgres":
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.DB.AutoMigrate {
			if err := MigratePostgres(pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return NewPostgresStore(pool), nil
	default:
		return nil, errors.Errorf("unsupported db driver %q", cfg.DB.Driver)
	}
}

// OpenMigrator connects to the database selected by cfg without changing its
// schema. Closing the Migrator closes the connection.
func OpenMigrator(ctx context.Context, cfg *config.Config) (*Migrator, error) {
	switch cfg.DB.Driver {
	case "sqlite":
		db, err := openSQLiteDB(cfg.DB.Path)
		if err != nil {
			return nil, err
		}
		g, err := NewSQLiteMigrator(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return g, nil
	case "postgres":
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		g, err := NewPostgresMigrator(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		g.release = pool.Close
		return g, nil
	default:
		return nil, errors.Errorf("db driver %q has no schema to migrate", cfg.DB.Driver)
	}
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres config")
	}
	if cfg.DB.MaxConns > 0 {
		poolCfg.MaxConns = cfg.DB.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return pool, nil
}
