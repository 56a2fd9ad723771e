package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/creditgate/internal/settlement"
	"github.com/MarkoPoloResearchLab/creditgate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditgate/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

const (
	storeDriverGorm = "gorm"
	storeDriverPgx  = "pgx"

	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite"
)

// store is what both store implementations provide.
type store interface {
	ledger.Store
	settlement.Store
}

// openStore opens the configured store and, for sqlite, migrates it in place.
func openStore(ctx context.Context, cfg *runtimeConfig) (store, func() error, error) {
	if cfg.StoreDriver == storeDriverPgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("pgx pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgx ping: %w", err)
		}
		return pgstore.New(pool), func() error { pool.Close(); return nil }, nil
	}

	gormDB, cleanup, dialect, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	if dialect == dialectSQLite {
		if err := gormstore.Migrate(gormDB); err != nil {
			_ = cleanup()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return gormstore.New(gormDB), cleanup, nil
}

func runMigrate(ctx context.Context, cfg *runtimeConfig) error {
	if cfg.StoreDriver == storeDriverPgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("pgx pool: %w", err)
		}
		defer pool.Close()
		return pgstore.Migrate(ctx, pool)
	}
	gormDB, cleanup, _, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	if err := gormstore.Migrate(gormDB); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func openDatabase(dsn string) (*gorm.DB, func() error, string, error) {
	dialect, sqlitePath, err := resolveDialect(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	switch dialect {
	case dialectPostgres:
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case dialectSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", dialect)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if dialect == dialectSQLite {
		// sqlite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db, cleanup, dialect, nil
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func resolveDialect(dsn string) (string, string, error) {
	if isPostgresURL(dsn) {
		return dialectPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "creditgate.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return dialectSQLite, sqlitePath, err
	}
	// Anything else is a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return dialectSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
