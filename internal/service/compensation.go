package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/shipgate/internal/courier"
	"github.com/mmeshcher/shipgate/internal/metrics"
	"github.com/mmeshcher/shipgate/internal/model"
)

// compensateLabelFailure откатывает оплату, когда этикетка не создана.
// Блокировка остаётся в failed: повтор требует ручного разбора.
func (s *Service) compensateLabelFailure(ctx context.Context, st *saga, cause error) {
	s.reversePayment(ctx, st, nil, "label creation failed", cause)

	if err := s.locks.FailLock(ctx, st.key, st.attempt, cause.Error()); err != nil {
		st.log.Warn("mark idempotency lock failed", zap.Error(err))
	}
}

// compensatePersistenceFailure откатывает и оплату, и уже купленную этикетку.
func (s *Service) compensatePersistenceFailure(ctx context.Context, st *saga, label *courier.Label, cause error) *model.ShipmentError {
	st.log.Error("shipment persistence failed, compensating",
		zap.String("external_shipment_id", label.ExternalShipmentID), zap.Error(cause))

	if err := s.locks.FailLock(ctx, st.key, st.attempt, "persistence failed: "+cause.Error()); err != nil {
		st.log.Warn("mark idempotency lock failed", zap.Error(err))
	}

	s.reversePayment(ctx, st, label, "shipment persistence failed", cause)
	s.deleteLabel(ctx, st, label, "shipment persistence failed")

	serr := internalError(st.key, "shipment could not be saved, the charge was reversed")
	serr.RequiresManualReview = true
	if s.opts.DebugErrors {
		serr.Debug = cause.Error()
	}
	return serr
}

// reversePayment возвращает списанную сумму или удаляет запись долга.
// Неудачный возврат превращается в задачу REFUND.
func (s *Service) reversePayment(ctx context.Context, st *saga, label *courier.Label, reason string, cause error) {
	if st.postpaid {
		if err := s.ledger.DeletePostpaidCharge(ctx, st.key); err != nil {
			st.log.Error("delete postpaid charge", zap.Error(err))
		}
		return
	}
	if st.debited <= 0 {
		return
	}

	err := s.ledger.Refund(ctx, st.entry(st.key+"-refund", st.debited, "refund: "+reason))
	if err == nil {
		st.log.Info("wallet refunded", zap.Int64("amount_cents", int64(st.debited)))
		return
	}

	st.log.Error("wallet refund failed", zap.Int64("amount_cents", int64(st.debited)), zap.Error(err))

	task := &model.CompensationTask{
		PayerID:     st.payer.ID,
		WorkspaceID: st.payer.WorkspaceID,
		Provider:    st.req.Provider,
		Carrier:     st.req.Carrier,
		Action:      model.CompensationRefund,
		Amount:      st.debited,
		ErrorContext: map[string]string{
			"reason":          reason,
			"cause":           cause.Error(),
			"refund_error":    err.Error(),
			"idempotency_key": st.key,
		},
	}
	task.ExternalShipmentID = model.UnknownExternalID
	task.TrackingNumber = model.UnknownExternalID
	if label != nil {
		task.ExternalShipmentID = label.ExternalShipmentID
		task.TrackingNumber = label.TrackingNumber
	}
	s.enqueue(ctx, st.log, task)
}

// deleteLabel аннулирует этикетку у курьера. Неудача превращается в отложенную задачу DELETE.
func (s *Service) deleteLabel(ctx context.Context, st *saga, label *courier.Label, reason string) {
	delCtx, cancel := context.WithTimeout(ctx, courierDeleteTimeout)
	start := time.Now()
	err := st.gateway.Delete(delCtx, label.ExternalShipmentID)
	cancel()
	s.metrics.ObserveCourier("delete", err, time.Since(start))

	if err == nil {
		st.log.Info("courier label deleted", zap.String("external_shipment_id", label.ExternalShipmentID))
		return
	}

	st.log.Error("courier label delete failed", zap.String("external_shipment_id", label.ExternalShipmentID), zap.Error(err))

	next := s.now().Add(DeleteRetryDelay)
	s.enqueue(ctx, st.log, &model.CompensationTask{
		PayerID:            st.payer.ID,
		WorkspaceID:        st.payer.WorkspaceID,
		Provider:           st.req.Provider,
		Carrier:            st.req.Carrier,
		ExternalShipmentID: label.ExternalShipmentID,
		TrackingNumber:     label.TrackingNumber,
		Action:             model.CompensationDelete,
		Amount:             st.debited,
		ErrorContext: map[string]string{
			"reason":          reason,
			"delete_error":    err.Error(),
			"idempotency_key": st.key,
		},
		NextRetryAt: &next,
	})
}

// enqueue сохраняет задачу компенсации. Если не удалось и это, задача целиком пишется в лог.
func (s *Service) enqueue(ctx context.Context, log *zap.Logger, t *model.CompensationTask) {
	err := s.compensations.EnqueueCompensation(ctx, t)
	if err == nil {
		s.metrics.Compensation(string(t.Action), metrics.CompensationEnqueued)
		log.Warn("compensation task enqueued", zap.String("task_id", t.ID), zap.String("action", string(t.Action)))
		return
	}

	s.metrics.Compensation(string(t.Action), metrics.CompensationLost)
	log.Error("CRITICAL: compensation task could not be stored",
		zap.Error(err),
		zap.String("action", string(t.Action)),
		zap.String("payer_id", t.PayerID),
		zap.Int64("amount_cents", int64(t.Amount)),
		zap.String("provider", t.Provider),
		zap.String("carrier", t.Carrier),
		zap.String("external_shipment_id", t.ExternalShipmentID),
		zap.String("tracking_number", t.TrackingNumber),
		zap.Any("error_context", t.ErrorContext),
	)
}
