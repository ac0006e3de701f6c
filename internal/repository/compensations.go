package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/shipgate/internal/model"
)

// DefaultMaxRetries задаёт число автоматических повторов задачи компенсации.
const DefaultMaxRetries = 5

// EnqueueCompensation сохраняет задачу компенсации в статусе PENDING.
func (r *PostgresRepository) EnqueueCompensation(ctx context.Context, t *model.CompensationTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = model.CompensationPending
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	if t.ExternalShipmentID == "" {
		t.ExternalShipmentID = model.UnknownExternalID
	}
	if t.TrackingNumber == "" {
		t.TrackingNumber = model.UnknownExternalID
	}
	errCtx := t.ErrorContext
	if errCtx == nil {
		errCtx = map[string]string{}
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO compensation_queue (id, payer_id, workspace_id, provider, carrier, external_shipment_id,
		 tracking_number, action, amount, error_context, status, max_retries, next_retry_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING created_at`,
		t.ID, t.PayerID, t.WorkspaceID, t.Provider, t.Carrier, t.ExternalShipmentID,
		t.TrackingNumber, string(t.Action), int64(t.Amount), errCtx, string(t.Status), t.MaxRetries, t.NextRetryAt,
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert compensation task: %w", err)
	}
	return nil
}

// CompensationLease откладывает выданную задачу, пока обработчик её выполняет.
// Покрывает пакет по умолчанию с удалением этикеток.
const CompensationLease = 30 * time.Minute

// DueCompensations забирает задачи PENDING, время повтора которых наступило.
// Выданные задачи сдвигаются на now+CompensationLease, поэтому другой экземпляр
// получит их только после истечения аренды, если исход не был записан.
func (r *PostgresRepository) DueCompensations(ctx context.Context, now time.Time, limit int) ([]model.CompensationTask, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE compensation_queue q
		 SET next_retry_at = $4
		 FROM (
		 	SELECT id FROM compensation_queue
		 	WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $2)
		 	ORDER BY created_at
		 	LIMIT $3
		 	FOR UPDATE SKIP LOCKED
		 ) due
		 WHERE q.id = due.id
		 RETURNING q.id, q.payer_id, q.workspace_id, q.provider, q.carrier, q.external_shipment_id,
		 q.tracking_number, q.action, q.amount, q.error_context, q.status, q.retry_count, q.max_retries,
		 q.next_retry_at, q.last_retry_at, q.resolution_notes, q.created_at`,
		string(model.CompensationPending), now, limit, now.Add(CompensationLease),
	)
	if err != nil {
		return nil, fmt.Errorf("claim due compensations: %w", err)
	}
	defer rows.Close()

	var res []model.CompensationTask
	for rows.Next() {
		var (
			t      model.CompensationTask
			action string
			status string
			amount int64
		)
		if err := rows.Scan(&t.ID, &t.PayerID, &t.WorkspaceID, &t.Provider, &t.Carrier, &t.ExternalShipmentID,
			&t.TrackingNumber, &action, &amount, &t.ErrorContext, &status, &t.RetryCount, &t.MaxRetries,
			&t.NextRetryAt, &t.LastRetryAt, &t.ResolutionNotes, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan compensation: %w", err)
		}
		t.Action = model.CompensationAction(action)
		t.Status = model.CompensationStatus(status)
		t.Amount = model.Money(amount)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	// RETURNING не сохраняет порядок подзапроса.
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })

	return res, nil
}

// ResolveCompensation закрывает задачу как выполненную.
func (r *PostgresRepository) ResolveCompensation(ctx context.Context, id string, retryCount int, notes string) error {
	return r.updatePending(ctx,
		`UPDATE compensation_queue
		 SET status = 'RESOLVED', retry_count = $2, last_retry_at = now(), completed_at = now(), resolution_notes = $3
		 WHERE id = $1 AND status = 'PENDING'`,
		id, retryCount, notes,
	)
}

// RescheduleCompensation откладывает следующий повтор задачи.
func (r *PostgresRepository) RescheduleCompensation(ctx context.Context, id string, retryCount int, next time.Time, lastErr string) error {
	return r.updatePending(ctx,
		`UPDATE compensation_queue
		 SET retry_count = $2, last_retry_at = now(), next_retry_at = $3,
		     error_context = error_context || jsonb_build_object('last_retry_error', $4::text)
		 WHERE id = $1 AND status = 'PENDING'`,
		id, retryCount, next, lastErr,
	)
}

// DeadLetterCompensation переводит задачу в FAILED: нужен ручной разбор.
func (r *PostgresRepository) DeadLetterCompensation(ctx context.Context, id, reason string) error {
	return r.updatePending(ctx,
		`UPDATE compensation_queue
		 SET status = 'FAILED', completed_at = now(), resolution_notes = $2
		 WHERE id = $1 AND status = 'PENDING'`,
		id, reason,
	)
}

// ExpireCompensations переводит в EXPIRED задачи PENDING, созданные раньше olderThan.
func (r *PostgresRepository) ExpireCompensations(ctx context.Context, olderThan time.Time) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE compensation_queue
		 SET status = 'EXPIRED', completed_at = now(),
		     resolution_notes = 'auto-expired: pending for more than retention period'
		 WHERE status = 'PENDING' AND created_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("expire compensations: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

func (r *PostgresRepository) updatePending(ctx context.Context, query string, args ...any) error {
	cmdTag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update compensation: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCompensationNotPending
	}
	return nil
}
