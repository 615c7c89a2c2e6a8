// Package storage реализует хранение состояний корзин и сессий в PostgreSQL.
//
// Состояние хранится как непрозрачный JSON-блоб под ключом (scope, key):
// прямое серверное соответствие клиентскому хранилищу с фиксированными
// ключами. Логический писатель у каждого ключа один, блокировки не нужны;
// согласованность между вкладками не гарантируется.
package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound возвращается, если блоб с таким ключом не сохранялся.
var ErrNotFound = errors.New("blob not found")

// Scope-ы хранилища. Ключ внутри scope — идентификатор корзины или сессии.
const (
	ScopeCart    = "cart"
	ScopeSession = "session"
)

// PostgresStorage предоставляет доступ к блоб-хранилищу в PostgreSQL.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage создаёт хранилище и инициализирует схему БД через миграции.
func NewPostgresStorage(dsn string) (*PostgresStorage, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStorage{pool: pool}

	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStorage) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (s *PostgresStorage) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Повторяем только сериализационные сбои, дедлоки и обрывы соединения.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

// SaveBlob сохраняет блоб целиком, замещая предыдущее содержимое ключа.
func (s *PostgresStorage) SaveBlob(ctx context.Context, scope, key string, data []byte) error {
	return s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO blobs (scope, key, data, updated_at) VALUES ($1, $2, $3, now())
			 ON CONFLICT (scope, key) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
			scope, key, data,
		)
		if err != nil {
			return fmt.Errorf("save blob: %w", err)
		}
		return nil
	})
}

// LoadBlob возвращает сохранённый блоб или ErrNotFound.
func (s *PostgresStorage) LoadBlob(ctx context.Context, scope, key string) ([]byte, error) {
	var data []byte
	err := s.withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			`SELECT data FROM blobs WHERE scope = $1 AND key = $2`,
			scope, key,
		)
		if err := row.Scan(&data); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("load blob: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DeleteBlob удаляет блоб. Отсутствие ключа ошибкой не считается.
func (s *PostgresStorage) DeleteBlob(ctx context.Context, scope, key string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM blobs WHERE scope = $1 AND key = $2`,
			scope, key,
		)
		if err != nil {
			return fmt.Errorf("delete blob: %w", err)
		}
		return nil
	})
}
