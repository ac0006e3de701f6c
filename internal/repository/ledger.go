package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/shipgate/internal/model"
)

// Типы записей журнала кошелька.
const (
	EntryShipmentCharge = "SHIPMENT_CHARGE"
	EntryRefund         = "REFUND"
	EntryPostpaidCharge = "POSTPAID_CHARGE"
)

// GetPayer возвращает плательщика и текущий баланс кошелька.
func (r *PostgresRepository) GetPayer(ctx context.Context, payerID string) (*model.Payer, error) {
	var (
		p    model.Payer
		mode string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, role, billing_mode, balance, byoc, workspace_id
		 FROM payers
		 WHERE id = $1`,
		payerID,
	).Scan(&p.ID, &p.Email, &p.Role, &mode, &p.Balance, &p.BYOC, &p.WorkspaceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayerNotFound
		}
		return nil, fmt.Errorf("get payer: %w", err)
	}
	p.BillingMode = model.BillingMode(mode)

	return &p, nil
}

// GetPlatformFee возвращает индивидуальную комиссию платформы для плательщика.
func (r *PostgresRepository) GetPlatformFee(ctx context.Context, payerID string) (model.Money, error) {
	var fee *int64
	err := r.pool.QueryRow(ctx, `SELECT platform_fee FROM payers WHERE id = $1`, payerID).Scan(&fee)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrPayerNotFound
		}
		return 0, fmt.Errorf("get platform fee: %w", err)
	}
	if fee == nil {
		return 0, ErrPlatformFeeNotSet
	}
	return model.Money(*fee), nil
}

// Debit списывает сумму с кошелька. Повтор с тем же ключом не списывает повторно.
// Строка плательщика блокируется через NOWAIT, конфликт снимается повторной попыткой.
func (r *PostgresRepository) Debit(ctx context.Context, e model.LedgerEntry) (*model.DebitResult, error) {
	if e.Amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", e.Amount)
	}

	var res model.DebitResult
	err := r.withRetry(ctx, func(ctx context.Context) error {
		res = model.DebitResult{}
		return r.debitOnce(ctx, e, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *PostgresRepository) debitOnce(ctx context.Context, e model.LedgerEntry, res *model.DebitResult) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		balance int64
		role    string
		mode    string
	)
	err = tx.QueryRow(ctx,
		`SELECT balance, role, billing_mode FROM payers WHERE id = $1 FOR UPDATE NOWAIT`,
		e.PayerID,
	).Scan(&balance, &role, &mode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPayerNotFound
		}
		return fmt.Errorf("lock payer for update: %w", err)
	}

	var existingID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM wallet_transactions WHERE idempotency_key = $1`,
		e.IdempotencyKey,
	).Scan(&existingID)
	switch {
	case err == nil:
		res.TransactionID = existingID
		res.IdempotentReplay = true
		return nil
	case !errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("select wallet transaction: %w", err)
	}

	payer := model.Payer{Role: role, BillingMode: model.BillingMode(mode)}
	touchBalance := !payer.Exempt() && !payer.Postpaid()

	if touchBalance && balance < int64(e.Amount) {
		return ErrInsufficientCredit
	}

	id := uuid.NewString()
	_, err = tx.Exec(ctx,
		`INSERT INTO wallet_transactions (id, payer_id, workspace_id, amount, type, idempotency_key, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, e.PayerID, e.WorkspaceID, -int64(e.Amount), EntryShipmentCharge, e.IdempotencyKey, e.Description,
	)
	if err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}

	if touchBalance {
		if _, err := tx.Exec(ctx,
			`UPDATE payers SET balance = balance - $2 WHERE id = $1`,
			e.PayerID, int64(e.Amount),
		); err != nil {
			return fmt.Errorf("decrement balance: %w", err)
		}

		if e.WorkspaceID != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE workspaces SET balance = balance - $2 WHERE id = $1`,
				*e.WorkspaceID, int64(e.Amount),
			); err != nil {
				return fmt.Errorf("decrement workspace balance: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	res.TransactionID = id
	return nil
}

// Refund возвращает сумму на кошелёк под собственным ключом. Повтор с тем же ключом ничего не меняет.
func (r *PostgresRepository) Refund(ctx context.Context, e model.LedgerEntry) error {
	if e.Amount <= 0 {
		return fmt.Errorf("refund amount must be positive, got %d", e.Amount)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO wallet_transactions (id, payer_id, workspace_id, amount, type, idempotency_key, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		uuid.NewString(), e.PayerID, e.WorkspaceID, int64(e.Amount), EntryRefund, e.IdempotencyKey, e.Description,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrPayerNotFound
		}
		return fmt.Errorf("insert refund: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE payers SET balance = balance + $2 WHERE id = $1`,
		e.PayerID, int64(e.Amount),
	); err != nil {
		return fmt.Errorf("increment balance: %w", err)
	}

	if e.WorkspaceID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE workspaces SET balance = balance + $2 WHERE id = $1`,
			*e.WorkspaceID, int64(e.Amount),
		); err != nil {
			return fmt.Errorf("increment workspace balance: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// RecordPostpaidCharge записывает долг плательщика без изменения баланса.
func (r *PostgresRepository) RecordPostpaidCharge(ctx context.Context, e model.LedgerEntry) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO wallet_transactions (id, payer_id, workspace_id, amount, type, idempotency_key, description)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (idempotency_key) DO NOTHING`,
			uuid.NewString(), e.PayerID, e.WorkspaceID, -int64(e.Amount), EntryPostpaidCharge, e.IdempotencyKey, e.Description,
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return ErrPayerNotFound
			}
			return fmt.Errorf("insert postpaid charge: %w", err)
		}
		return nil
	})
}

// DeletePostpaidCharge удаляет запись долга по ключу. Отсутствие записи не считается ошибкой.
func (r *PostgresRepository) DeletePostpaidCharge(ctx context.Context, idempotencyKey string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM wallet_transactions WHERE idempotency_key = $1 AND type = $2`,
		idempotencyKey, EntryPostpaidCharge,
	)
	if err != nil {
		return fmt.Errorf("delete postpaid charge: %w", err)
	}
	return nil
}
