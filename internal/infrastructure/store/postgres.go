package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// bucketTables maps each bucket to its dedicated table. The tables are
// created by the SQL migrations, all with the same (key, value, created_at)
// shape.
var bucketTables = map[string]string{
	BucketAudit:    "audit_events",
	BucketVault:    "token_vault",
	BucketSessions: "phi_sessions",
}

// PostgresStore persists each bucket in its own table through a pgx pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects to Postgres, verifies the connection, and
// returns the store. The caller owns running migrations first.
func NewPostgresStore(ctx context.Context, databaseURL string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second
	cfg.ConnConfig.RuntimeParams = map[string]string{
		"application_name": "phi_engine",
		"timezone":         "UTC",
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("postgres store initialized",
		zap.String("host", cfg.ConnConfig.Host),
		zap.Int32("max_conns", cfg.MaxConns))

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// NewPostgresStoreWithPool wraps an existing pool, used by tests that
// provision their own database container.
func NewPostgresStoreWithPool(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

func tableFor(bucket string) (string, error) {
	if err := validBucket(bucket); err != nil {
		return "", err
	}
	return bucketTables[bucket], nil
}

func (s *PostgresStore) Put(ctx context.Context, bucket, key string, value []byte) error {
	table, err := tableFor(bucket)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, table)
	if _, err := s.pool.Exec(ctx, query, key, value); err != nil {
		s.logger.Error("postgres put failed",
			zap.String("bucket", bucket),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("postgres put failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	table, err := tableFor(bucket)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, table)
	var value []byte
	if err := s.pool.QueryRow(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFoundError{Bucket: bucket, Key: key}
		}
		s.logger.Error("postgres get failed",
			zap.String("bucket", bucket),
			zap.String("key", key),
			zap.Error(err))
		return nil, fmt.Errorf("postgres get failed: %w", err)
	}
	return value, nil
}

func (s *PostgresStore) Delete(ctx context.Context, bucket, key string) error {
	table, err := tableFor(bucket)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, table)
	if _, err := s.pool.Exec(ctx, query, key); err != nil {
		s.logger.Error("postgres delete failed",
			zap.String("bucket", bucket),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("postgres delete failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Scan(ctx context.Context, bucket string, fn func(key string, value []byte) error) error {
	table, err := tableFor(bucket)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`SELECT key, value FROM %s ORDER BY key`, table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		s.logger.Error("postgres scan failed",
			zap.String("bucket", bucket),
			zap.Error(err))
		return fmt.Errorf("postgres scan failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("postgres scan row failed: %w", err)
		}
		if err := fn(key, value); err != nil {
			if err == ErrStopScan {
				return nil
			}
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres scan failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
