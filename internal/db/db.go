package db

import (
	"context"
	"fmt"
	"time"

	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// PoolConfig параметры пула соединений
type PoolConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// DBClient клиент базы данных: пул pgx и sqlx поверх него
type DBClient struct {
	pool *pgxpool.Pool
	db   *sqlx.DB
	log  *logger.Logger
}

// NewDBClient создает пул PostgreSQL и sqlx-обертку над ним.
func NewDBClient(ctx context.Context, cfg PoolConfig, log *logger.Logger) (*DBClient, error) {
	log.Infow("Connecting to PostgreSQL")

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 2
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	// database/sql интерфейс поверх того же пула для sqlx и goose
	sqlDB := stdlib.OpenDBFromPool(pool)

	log.Infow("Successfully connected to PostgreSQL")
	return &DBClient{
		pool: pool,
		db:   sqlx.NewDb(sqlDB, "pgx"),
		log:  log,
	}, nil
}

// DB возвращает sqlx handle для репозиториев
func (dc *DBClient) DB() *sqlx.DB {
	return dc.db
}

// Ping проверка доступности для /health
func (dc *DBClient) Ping(ctx context.Context) error {
	return dc.pool.Ping(ctx)
}

// Close закрывает соединение с базой данных.
func (dc *DBClient) Close() error {
	if err := dc.db.Close(); err != nil {
		dc.log.Errorw("Failed to close database connection", "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	dc.pool.Close()
	return nil
}

// WithTx выполняет fn в транзакции; откат при ошибке.
func WithTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
