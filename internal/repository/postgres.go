// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrPayerNotFound возвращается, если плательщик не найден.
var (
	ErrPayerNotFound = errors.New("payer not found")
	// ErrInsufficientCredit возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientCredit = errors.New("insufficient credit")
	// ErrPlatformFeeNotSet возвращается, если у плательщика нет индивидуальной комиссии.
	ErrPlatformFeeNotSet = errors.New("platform fee not set")
	// ErrShipmentNotFound возвращается, если отправление не найдено.
	ErrShipmentNotFound = errors.New("shipment not found")
	// ErrShipmentExists возвращается при повторной вставке отправления с тем же ключом идемпотентности.
	ErrShipmentExists = errors.New("shipment already exists for idempotency key")
	// ErrLockLost возвращается, если блокировка идемпотентности перехвачена другой попыткой.
	ErrLockLost = errors.New("idempotency lock lost")
	// ErrCompensationNotPending возвращается при изменении уже закрытой задачи компенсации.
	ErrCompensationNotPending = errors.New("compensation task is not pending")
)

const (
	defaultRetryBase    = 25 * time.Millisecond
	defaultRetryAttempt = 3
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool       *pgxpool.Pool
	retryBase  time.Duration
	maxRetries uint64
	now        func() time.Time
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
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

	r := &PostgresRepository{
		pool:       pool,
		retryBase:  defaultRetryBase,
		maxRetries: defaultRetryAttempt,
		now:        time.Now,
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
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

// withRetry повторяет fn при конфликтах записи: сериализация, дедлок, занятая строка (NOWAIT).
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(r.maxRetries, retry.WithJitterPercent(20, retry.NewExponential(r.retryBase)))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if isContention(err) || isConnectionError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isContention(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
