package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/shipgate/internal/metrics"
	"github.com/mmeshcher/shipgate/internal/model"
	"github.com/mmeshcher/shipgate/internal/repository"
)

// CompensationRetention задаёт срок, после которого необработанная задача помечается EXPIRED.
const CompensationRetention = 7 * 24 * time.Hour

var compensationBackoff = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	12 * time.Hour,
}

func backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	return compensationBackoff[min(retry, len(compensationBackoff))-1]
}

// StartCompensationProcessing запускает фоновую обработку очереди компенсаций.
func (s *Service) StartCompensationProcessing(ctx context.Context) {
	if s.compensations == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.opts.CompensationInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ProcessCompensations(ctx)
			}
		}
	}()
}

// ProcessCompensations обрабатывает одну пачку задач, время повтора которых наступило.
func (s *Service) ProcessCompensations(ctx context.Context) {
	now := s.now()

	expired, err := s.compensations.ExpireCompensations(ctx, now.Add(-CompensationRetention))
	if err != nil {
		s.logger.Error("expire compensation tasks", zap.Error(err))
	} else if expired > 0 {
		s.logger.Warn("compensation tasks expired", zap.Int64("count", expired))
		s.metrics.CompensationsExpired(expired)
	}

	tasks, err := s.compensations.DueCompensations(ctx, now, s.opts.CompensationBatch)
	if err != nil {
		s.logger.Error("select due compensation tasks", zap.Error(err))
		return
	}

	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		s.processCompensation(ctx, t, now)
	}
}

func (s *Service) processCompensation(ctx context.Context, t model.CompensationTask, now time.Time) {
	log := s.logger.With(
		zap.String("task_id", t.ID),
		zap.String("action", string(t.Action)),
		zap.String("payer_id", t.PayerID),
	)

	retries := t.RetryCount + 1
	maxRetries := t.MaxRetries
	if maxRetries <= 0 {
		maxRetries = repository.DefaultMaxRetries
	}

	err := s.executeCompensation(ctx, t)
	var update error
	switch {
	case err == nil:
		update = s.compensations.ResolveCompensation(ctx, t.ID, retries, "resolved by automatic retry")
		if update == nil {
			s.metrics.Compensation(string(t.Action), metrics.CompensationResolved)
			log.Info("compensation task resolved")
		}
	case errors.Is(err, errNotRetryable) || retries >= maxRetries:
		update = s.compensations.DeadLetterCompensation(ctx, t.ID, fmt.Sprintf("manual review required after %d attempts: %v", retries, err))
		if update == nil {
			s.metrics.Compensation(string(t.Action), metrics.CompensationDeadLetter)
			log.Error("compensation task moved to dead letter", zap.Int("retries", retries), zap.Error(err))
		}
	default:
		next := now.Add(backoff(retries))
		update = s.compensations.RescheduleCompensation(ctx, t.ID, retries, next, err.Error())
		if update == nil {
			s.metrics.Compensation(string(t.Action), metrics.CompensationRescheduled)
			log.Warn("compensation task rescheduled", zap.Int("retries", retries), zap.Time("next_retry_at", next), zap.Error(err))
		}
	}

	if update != nil && !errors.Is(update, repository.ErrCompensationNotPending) {
		log.Error("update compensation task", zap.Error(update))
	}
}

var errNotRetryable = errors.New("compensation cannot be retried automatically")

func (s *Service) executeCompensation(ctx context.Context, t model.CompensationTask) error {
	switch t.Action {
	case model.CompensationRefund:
		if t.Amount <= 0 {
			return fmt.Errorf("%w: non-positive refund amount", errNotRetryable)
		}
		return s.ledger.Refund(ctx, model.LedgerEntry{
			PayerID:        t.PayerID,
			WorkspaceID:    t.WorkspaceID,
			Amount:         t.Amount,
			IdempotencyKey: "compensation-refund-" + t.ID,
			Description:    "compensation refund " + t.ID,
		})
	case model.CompensationDelete:
		if t.ExternalShipmentID == "" || t.ExternalShipmentID == model.UnknownExternalID {
			return fmt.Errorf("%w: external shipment id unknown", errNotRetryable)
		}
		gw, err := s.couriers.Resolve(ctx, t.Provider)
		if err != nil {
			return fmt.Errorf("resolve courier gateway: %w", err)
		}

		delCtx, cancel := context.WithTimeout(ctx, courierDeleteTimeout)
		defer cancel()

		start := time.Now()
		err = gw.Delete(delCtx, t.ExternalShipmentID)
		s.metrics.ObserveCourier("delete", err, time.Since(start))
		return err
	default:
		return fmt.Errorf("%w: unknown action %q", errNotRetryable, t.Action)
	}
}
