package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/shipgate/internal/courier"
	"github.com/mmeshcher/shipgate/internal/metrics"
	"github.com/mmeshcher/shipgate/internal/model"
	"github.com/mmeshcher/shipgate/internal/repository"
)

const (
	// DeleteRetryDelay откладывает первый повтор удаления этикетки.
	DeleteRetryDelay = time.Minute

	courierDeleteTimeout = 15 * time.Second
	bookkeepingTimeout   = 30 * time.Second
)

// saga хранит состояние одной попытки создания отправления.
type saga struct {
	key     string
	attempt string
	payer   *model.Payer
	req     model.ShipmentRequest
	gateway courier.Gateway
	charge  charge
	log     *zap.Logger

	// сумма, фактически списанная этой попыткой
	debited  model.Money
	postpaid bool
}

func (st *saga) entry(key string, amount model.Money, description string) model.LedgerEntry {
	return model.LedgerEntry{
		PayerID:        st.payer.ID,
		WorkspaceID:    st.payer.WorkspaceID,
		Amount:         amount,
		IdempotencyKey: key,
		Description:    description,
	}
}

// CreateShipment создаёт отправление: списание, покупка этикетки, сохранение.
// Этикетка не покупается без успешного списания, а списание не остаётся без этикетки.
func (s *Service) CreateShipment(ctx context.Context, payerID string, req model.ShipmentRequest) (*model.CreatedShipment, error) {
	if !s.begin() {
		s.metrics.ShipmentOutcome(string(model.CodeInternal))
		return nil, ErrServiceClosed
	}
	defer s.inflight.Done()

	res, err := s.createShipment(ctx, payerID, req)

	var serr *model.ShipmentError
	switch {
	case err == nil && res.Replay:
		s.metrics.ShipmentOutcome(metrics.OutcomeReplay)
	case err == nil:
		s.metrics.ShipmentOutcome(metrics.OutcomeCreated)
	case errors.As(err, &serr):
		s.metrics.ShipmentOutcome(string(serr.Code))
	default:
		s.metrics.ShipmentOutcome(string(model.CodeInternal))
	}

	return res, err
}

func (s *Service) createShipment(ctx context.Context, payerID string, req model.ShipmentRequest) (*model.CreatedShipment, error) {
	key := IdempotencyKey(payerID, req, s.now(), s.opts.IdempotencyBucket)
	log := s.logger.With(zap.String("idempotency_key", key), zap.String("payer_id", payerID))

	lock, err := s.locks.AcquireLock(ctx, key, payerID, s.opts.LockTTL)
	if err != nil {
		log.Error("acquire idempotency lock", zap.Error(err))
		return nil, internalError(key, "idempotency check unavailable")
	}
	if !lock.Acquired {
		return s.replay(ctx, key, lock, log)
	}

	st := &saga{key: key, attempt: lock.Attempt, req: req, log: log}

	// Предыдущая попытка могла сохранить отправление и не успеть закрыть блокировку.
	existing, err := s.shipments.GetShipmentByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		log.Info("shipment already persisted for key, completing lock", zap.String("shipment_id", existing.ID))
		if err := s.locks.CompleteLock(ctx, key, st.attempt, existing.ID); err != nil {
			log.Warn("complete lock for existing shipment", zap.Error(err))
		}
		return model.NewCreatedShipment(existing, true), nil
	case !errors.Is(err, repository.ErrShipmentNotFound):
		s.release(ctx, st)
		log.Error("lookup shipment by idempotency key", zap.Error(err))
		return nil, internalError(key, "shipment lookup failed")
	}

	st.gateway, err = s.couriers.Resolve(ctx, req.Provider)
	if err != nil {
		s.release(ctx, st)
		log.Error("resolve courier gateway", zap.String("provider", req.Provider), zap.Error(err))
		return nil, internalError(key, "courier not configured")
	}

	st.payer, err = s.ledger.GetPayer(ctx, payerID)
	if err != nil {
		s.release(ctx, st)
		if errors.Is(err, repository.ErrPayerNotFound) {
			return nil, &model.ShipmentError{Code: model.CodePayerNotFound, Message: "payer not found", IdempotencyKey: key}
		}
		log.Error("load payer", zap.Error(err))
		return nil, internalError(key, "payer lookup failed")
	}

	st.charge = s.computeCharge(ctx, st.payer, req)
	log = log.With(zap.Int64("charge_cents", int64(st.charge.Amount)), zap.String("charge_source", st.charge.Source))
	st.log = log

	if !st.payer.Exempt() && !st.payer.Postpaid() && st.payer.Balance < st.charge.Amount {
		s.release(ctx, st)
		return nil, insufficientCredit(key, st.charge.Amount, st.payer.Balance)
	}

	// С этого момента деньги могут быть списаны: отмена запроса не прерывает работу.
	bg := context.WithoutCancel(ctx)

	if serr := s.takePayment(bg, st); serr != nil {
		return nil, serr
	}

	createCtx, cancel := context.WithTimeout(bg, courier.DefaultCreateTimeout)
	start := time.Now()
	label, err := st.gateway.Create(createCtx, courierRequest(req))
	cancel()
	s.metrics.ObserveCourier("create", err, time.Since(start))
	if err != nil {
		log.Warn("courier label creation failed", zap.Error(err))
		s.compensateLabelFailure(bg, st, err)
		return nil, courierFailure(key, err)
	}
	log = log.With(zap.String("tracking_number", label.TrackingNumber))
	st.log = log

	if err := s.reconcileCharge(bg, st, label); err != nil {
		return nil, s.compensatePersistenceFailure(bg, st, label, err)
	}

	shp := s.buildShipment(st, label)
	if err := s.shipments.InsertShipment(bg, shp); err != nil {
		if errors.Is(err, repository.ErrShipmentExists) {
			return s.resolveConcurrentInsert(bg, st, label)
		}
		return nil, s.compensatePersistenceFailure(bg, st, label, err)
	}

	if err := s.locks.CompleteLock(bg, key, st.attempt, shp.ID); err != nil {
		log.Warn("complete idempotency lock", zap.String("shipment_id", shp.ID), zap.Error(err))
	}

	log.Info("shipment created", zap.String("shipment_id", shp.ID), zap.Int64("charged_cents", int64(shp.Charged)))
	s.dispatchBookkeeping(shp, st.charge.Source)

	return model.NewCreatedShipment(shp, false), nil
}

// replay отвечает на запрос, для которого блокировка уже существует.
func (s *Service) replay(ctx context.Context, key string, lock model.LockResult, log *zap.Logger) (*model.CreatedShipment, error) {
	switch lock.Status {
	case model.LockStatusCompleted:
		if lock.ResultID == nil {
			log.Error("completed lock without result id")
			return nil, internalError(key, "previous result unavailable")
		}
		shp, err := s.shipments.GetShipment(ctx, *lock.ResultID)
		if err != nil {
			log.Error("fetch replayed shipment", zap.String("shipment_id", *lock.ResultID), zap.Error(err))
			return nil, internalError(key, "previous result unavailable")
		}
		return model.NewCreatedShipment(shp, true), nil
	case model.LockStatusInProgress:
		return nil, duplicateRequest(key, lock.RetryAfter)
	case model.LockStatusFailed:
		return nil, previousAttemptFailed(key, lock.ErrorMessage)
	default:
		log.Error("unknown lock status", zap.String("status", string(lock.Status)))
		return nil, internalError(key, "unknown idempotency state")
	}
}

// takePayment списывает сумму или записывает долг постоплатного плательщика.
// Ошибка до фактического списания снимает блокировку, чтобы повтор после пополнения прошёл сразу.
func (s *Service) takePayment(ctx context.Context, st *saga) *model.ShipmentError {
	description := "shipment " + st.key

	switch {
	case st.payer.Exempt() || st.charge.Amount <= 0:
		return nil
	case st.payer.Postpaid():
		if err := s.ledger.RecordPostpaidCharge(ctx, st.entry(st.key, st.charge.Amount, description)); err != nil {
			s.release(ctx, st)
			st.log.Error("record postpaid charge", zap.Error(err))
			return internalError(st.key, "postpaid charge failed")
		}
		st.postpaid = true
		return nil
	}

	res, err := s.ledger.Debit(ctx, st.entry(st.key, st.charge.Amount, description))
	if err != nil {
		s.release(ctx, st)
		if errors.Is(err, repository.ErrInsufficientCredit) {
			return insufficientCredit(st.key, st.charge.Amount, st.payer.Balance)
		}
		st.log.Error("wallet debit", zap.Error(err))
		return internalError(st.key, "wallet debit failed")
	}
	if res.IdempotentReplay {
		st.log.Info("wallet debit replayed", zap.String("transaction_id", res.TransactionID))
	}
	st.debited = st.charge.Amount
	return nil
}

// reconcileCharge приводит списание по оценке к фактической стоимости курьера плюс комиссия.
// Ошибка доплаты обрабатывается как ошибка сохранения, ошибка возврата разницы ставится в очередь.
func (s *Service) reconcileCharge(ctx context.Context, st *saga, label *courier.Label) error {
	if st.charge.Source != ChargeSourceFallback || st.debited == 0 {
		return nil
	}

	target := label.Cost + st.charge.Fee
	diff := target - st.debited

	switch {
	case diff > 0:
		_, err := s.ledger.Debit(ctx, st.entry(st.key+"-adjust-debit", diff, "shipment adjustment "+label.TrackingNumber))
		if err != nil {
			return fmt.Errorf("wallet adjustment debit: %w", err)
		}
	case diff < 0:
		credit := -diff
		err := s.ledger.Refund(ctx, st.entry(st.key+"-adjust-credit", credit, "shipment adjustment "+label.TrackingNumber))
		if err != nil {
			st.log.Error("wallet adjustment credit", zap.Int64("amount_cents", int64(credit)), zap.Error(err))
			s.enqueue(ctx, st.log, &model.CompensationTask{
				PayerID:            st.payer.ID,
				WorkspaceID:        st.payer.WorkspaceID,
				Provider:           st.req.Provider,
				Carrier:            st.req.Carrier,
				ExternalShipmentID: label.ExternalShipmentID,
				TrackingNumber:     label.TrackingNumber,
				Action:             model.CompensationRefund,
				Amount:             credit,
				ErrorContext: map[string]string{
					"adjustment_error": err.Error(),
					"estimated":        st.debited.String(),
					"actual":           target.String(),
					"idempotency_key":  st.key,
				},
			})
		}
	default:
		return nil
	}

	// Недоплаченная разница, если она есть, уже записана в очередь компенсаций.
	st.debited = target
	return nil
}

func (s *Service) buildShipment(st *saga, label *courier.Label) *model.Shipment {
	charged := st.charge.Amount
	if st.debited > 0 {
		charged = st.debited
	}

	shp := &model.Shipment{
		ID:                 s.newID(),
		PayerID:            st.payer.ID,
		IdempotencyKey:     st.key,
		Provider:           st.req.Provider,
		Carrier:            st.req.Carrier,
		TrackingNumber:     label.TrackingNumber,
		ExternalShipmentID: label.ExternalShipmentID,
		LabelData:          label.LabelData,
		Charged:            charged,
		ProviderCost:       providerCost(st.req, label.Cost),
		Sender:             st.req.Sender,
		Recipient:          st.req.Recipient,
		Notes:              st.req.Notes,
	}
	if len(st.req.Packages) > 0 {
		shp.Package = st.req.Packages[0]
	}
	if st.req.InsuredValue != nil {
		shp.InsuredValue = *st.req.InsuredValue
	}
	if st.req.CashOnDelivery != nil {
		shp.CashOnDelivery = *st.req.CashOnDelivery
	}
	return shp
}

// resolveConcurrentInsert обрабатывает случай, когда отправление с тем же ключом
// сохранила перехваченная ранее попытка. Списание под тем же ключом одно, поэтому
// лишней остаётся только этикетка этой попытки.
func (s *Service) resolveConcurrentInsert(ctx context.Context, st *saga, label *courier.Label) (*model.CreatedShipment, error) {
	st.log.Warn("shipment for key persisted by another attempt, voiding duplicate label")
	s.deleteLabel(ctx, st, label, "duplicate label for persisted shipment")

	existing, err := s.shipments.GetShipmentByIdempotencyKey(ctx, st.key)
	if err != nil {
		st.log.Error("fetch concurrently persisted shipment", zap.Error(err))
		return nil, internalError(st.key, "previous result unavailable")
	}
	if err := s.locks.CompleteLock(ctx, st.key, st.attempt, existing.ID); err != nil {
		st.log.Warn("complete lock for existing shipment", zap.Error(err))
	}
	return model.NewCreatedShipment(existing, true), nil
}

func courierRequest(req model.ShipmentRequest) courier.CreateRequest {
	cr := courier.CreateRequest{
		Carrier:   req.Carrier,
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Packages:  req.Packages,
		Notes:     req.Notes,
	}
	if req.InsuredValue != nil && *req.InsuredValue > 0 {
		v := req.InsuredValue.Euros()
		cr.Insurance = &v
	}
	if req.CashOnDelivery != nil && *req.CashOnDelivery > 0 {
		v := req.CashOnDelivery.Euros()
		cr.CashOnDelivery = &v
	}
	return cr
}

func (s *Service) release(ctx context.Context, st *saga) {
	if err := s.locks.ReleaseLock(context.WithoutCancel(ctx), st.key, st.attempt); err != nil {
		st.log.Warn("release idempotency lock", zap.Error(err))
	}
}

// dispatchBookkeeping запускает второстепенные операции после создания отправления.
// Их ошибки только логируются.
func (s *Service) dispatchBookkeeping(shp *model.Shipment, source string) {
	log := s.logger.With(zap.String("shipment_id", shp.ID))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
		defer cancel()

		err := s.shipments.RecordPlatformCost(ctx, model.PlatformCost{
			ShipmentID:     shp.ID,
			TrackingNumber: shp.TrackingNumber,
			PayerID:        shp.PayerID,
			Billed:         shp.Charged,
			ProviderCost:   shp.ProviderCost,
			Carrier:        shp.Carrier,
			Source:         source,
		})
		if err != nil {
			log.Warn("record platform cost", zap.Error(err))
		}
	}()

	if s.notifier == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
		defer cancel()

		if err := s.notifier.ShipmentCreated(ctx, shp); err != nil {
			log.Warn("shipment notification", zap.Error(err))
		}
	}()
}
