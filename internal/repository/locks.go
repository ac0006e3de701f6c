package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/shipgate/internal/model"
)

const minRetryAfter = time.Second

// AcquireLock атомарно создаёт запись идемпотентности в статусе in_progress.
// Просроченная in_progress запись перехватывается тем же условным INSERT.
func (r *PostgresRepository) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (model.LockResult, error) {
	for i := 0; i < 3; i++ {
		now := r.now()
		attempt := uuid.NewString()

		var got string
		err := r.pool.QueryRow(ctx,
			`INSERT INTO idempotency_locks (key, owner_id, attempt_id, status, expires_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $6)
			 ON CONFLICT (key) DO UPDATE
			 SET owner_id = EXCLUDED.owner_id,
			     attempt_id = EXCLUDED.attempt_id,
			     status = EXCLUDED.status,
			     result_shipment_id = NULL,
			     error_message = NULL,
			     expires_at = EXCLUDED.expires_at,
			     updated_at = EXCLUDED.updated_at
			 WHERE idempotency_locks.status = $4 AND idempotency_locks.expires_at <= $6
			 RETURNING attempt_id`,
			key, ownerID, attempt, string(model.LockStatusInProgress), now.Add(ttl), now,
		).Scan(&got)
		if err == nil {
			return model.LockResult{
				Acquired: true,
				Status:   model.LockStatusInProgress,
				Attempt:  got,
			}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return model.LockResult{}, fmt.Errorf("acquire lock: %w", err)
		}

		var (
			status    string
			result    *string
			errMsg    *string
			expiresAt time.Time
		)
		err = r.pool.QueryRow(ctx,
			`SELECT status, result_shipment_id, error_message, expires_at
			 FROM idempotency_locks
			 WHERE key = $1`,
			key,
		).Scan(&status, &result, &errMsg, &expiresAt)
		if errors.Is(err, pgx.ErrNoRows) {
			// Запись удалили между запросами, пробуем захватить заново.
			continue
		}
		if err != nil {
			return model.LockResult{}, fmt.Errorf("select lock: %w", err)
		}

		res := model.LockResult{
			Status:       model.LockStatus(status),
			ResultID:     result,
			ErrorMessage: errMsg,
		}
		if res.Status == model.LockStatusInProgress {
			res.RetryAfter = max(expiresAt.Sub(now), minRetryAfter)
		}
		return res, nil
	}

	return model.LockResult{}, errors.New("acquire lock: record keeps changing")
}

// CompleteLock переводит запись попытки attempt в completed.
func (r *PostgresRepository) CompleteLock(ctx context.Context, key, attempt, shipmentID string) error {
	return r.finishLock(ctx,
		`UPDATE idempotency_locks
		 SET status = 'completed', result_shipment_id = $3, error_message = NULL, updated_at = now()
		 WHERE key = $1 AND attempt_id = $2 AND status = 'in_progress'`,
		key, attempt, shipmentID,
	)
}

// FailLock переводит запись попытки attempt в failed с сообщением об ошибке.
func (r *PostgresRepository) FailLock(ctx context.Context, key, attempt, message string) error {
	return r.finishLock(ctx,
		`UPDATE idempotency_locks
		 SET status = 'failed', error_message = $3, updated_at = now()
		 WHERE key = $1 AND attempt_id = $2 AND status = 'in_progress'`,
		key, attempt, message,
	)
}

// ReleaseLock удаляет in_progress запись, если до побочных эффектов дело не дошло.
func (r *PostgresRepository) ReleaseLock(ctx context.Context, key, attempt string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM idempotency_locks WHERE key = $1 AND attempt_id = $2 AND status = 'in_progress'`,
		key, attempt,
	)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrLockLost
	}
	return nil
}

func (r *PostgresRepository) finishLock(ctx context.Context, query string, args ...any) error {
	cmdTag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update lock: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrLockLost
	}
	return nil
}
