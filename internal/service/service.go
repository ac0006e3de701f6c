// Package service реализует координатор создания отправлений и фоновую обработку компенсаций.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/shipgate/internal/courier"
	"github.com/mmeshcher/shipgate/internal/metrics"
	"github.com/mmeshcher/shipgate/internal/model"
	"github.com/mmeshcher/shipgate/internal/repository"
)

// LockStore описывает хранилище блокировок идемпотентности.
type LockStore interface {
	AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (model.LockResult, error)
	CompleteLock(ctx context.Context, key, attempt, shipmentID string) error
	FailLock(ctx context.Context, key, attempt, message string) error
	ReleaseLock(ctx context.Context, key, attempt string) error
}

// Ledger описывает операции с кошельком плательщика.
type Ledger interface {
	GetPayer(ctx context.Context, payerID string) (*model.Payer, error)
	GetPlatformFee(ctx context.Context, payerID string) (model.Money, error)
	Debit(ctx context.Context, e model.LedgerEntry) (*model.DebitResult, error)
	Refund(ctx context.Context, e model.LedgerEntry) error
	RecordPostpaidCharge(ctx context.Context, e model.LedgerEntry) error
	DeletePostpaidCharge(ctx context.Context, idempotencyKey string) error
}

// ShipmentStore описывает хранилище отправлений.
type ShipmentStore interface {
	InsertShipment(ctx context.Context, s *model.Shipment) error
	GetShipment(ctx context.Context, id string) (*model.Shipment, error)
	GetShipmentByIdempotencyKey(ctx context.Context, key string) (*model.Shipment, error)
	RecordPlatformCost(ctx context.Context, c model.PlatformCost) error
}

// CompensationQueue описывает очередь задач компенсации.
type CompensationQueue interface {
	EnqueueCompensation(ctx context.Context, t *model.CompensationTask) error
	DueCompensations(ctx context.Context, now time.Time, limit int) ([]model.CompensationTask, error)
	ResolveCompensation(ctx context.Context, id string, retryCount int, notes string) error
	RescheduleCompensation(ctx context.Context, id string, retryCount int, next time.Time, lastErr string) error
	DeadLetterCompensation(ctx context.Context, id, reason string) error
	ExpireCompensations(ctx context.Context, olderThan time.Time) (int64, error)
}

// CourierResolver выбирает клиент курьерского API по провайдеру.
type CourierResolver interface {
	Resolve(ctx context.Context, provider string) (courier.Gateway, error)
}

// Notifier получает уведомления о созданных отправлениях.
type Notifier interface {
	ShipmentCreated(ctx context.Context, s *model.Shipment) error
}

// Значения по умолчанию для Options.
const (
	DefaultIdempotencyBucket    = 5 * time.Second
	DefaultLockTTL              = 30 * time.Minute
	DefaultPlatformFee          = model.Money(50)
	DefaultCompensationInterval = time.Minute
	DefaultCompensationBatch    = 50
)

// Options содержит настройки координатора.
type Options struct {
	IdempotencyBucket    time.Duration
	LockTTL              time.Duration
	DefaultPlatformFee   model.Money
	DebugErrors          bool
	CompensationInterval time.Duration
	CompensationBatch    int
}

func (o Options) withDefaults() Options {
	if o.IdempotencyBucket <= 0 {
		o.IdempotencyBucket = DefaultIdempotencyBucket
	}
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.DefaultPlatformFee < 0 {
		o.DefaultPlatformFee = DefaultPlatformFee
	}
	if o.CompensationInterval <= 0 {
		o.CompensationInterval = DefaultCompensationInterval
	}
	if o.CompensationBatch <= 0 {
		o.CompensationBatch = DefaultCompensationBatch
	}
	return o
}

// Dependencies собирает внешние зависимости координатора.
// Notifier и Metrics могут отсутствовать.
type Dependencies struct {
	Locks         LockStore
	Ledger        Ledger
	Shipments     ShipmentStore
	Compensations CompensationQueue
	Couriers      CourierResolver
	Notifier      Notifier
	Metrics       *metrics.Metrics
}

// Service содержит бизнес-логику создания отправлений.
type Service struct {
	locks         LockStore
	ledger        Ledger
	shipments     ShipmentStore
	compensations CompensationQueue
	couriers      CourierResolver
	notifier      Notifier
	metrics       *metrics.Metrics
	opts          Options
	logger        *zap.Logger

	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	wg       sync.WaitGroup
}

// NewService создаёт сервис с указанными зависимостями.
func NewService(deps Dependencies, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		locks:         deps.Locks,
		ledger:        deps.Ledger,
		shipments:     deps.Shipments,
		compensations: deps.Compensations,
		couriers:      deps.Couriers,
		notifier:      deps.Notifier,
		metrics:       deps.Metrics,
		opts:          opts.withDefaults(),
		logger:        logger,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// DrainTimeout покрывает самый долгий путь после списания:
// покупку этикетки, её удаление и фоновую запись учёта.
const DrainTimeout = courier.DefaultCreateTimeout + courierDeleteTimeout + bookkeepingTimeout

// Close перестаёт принимать новые запросы, дожидается начатых саг
// и фоновых задач сервиса.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.inflight.Wait()
	s.wg.Wait()
	return nil
}

// begin регистрирует сагу; false означает, что сервис уже закрыт.
func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.inflight.Add(1)
	return true
}

// GetShipment возвращает отправление плательщика по идентификатору.
func (s *Service) GetShipment(ctx context.Context, payerID, id string) (*model.Shipment, error) {
	shp, err := s.shipments.GetShipment(ctx, id)
	if err != nil {
		return nil, err
	}
	if shp.PayerID != payerID {
		return nil, repository.ErrShipmentNotFound
	}
	return shp, nil
}

// GetBalance возвращает баланс плательщика.
func (s *Service) GetBalance(ctx context.Context, payerID string) (*model.Balance, error) {
	p, err := s.ledger.GetPayer(ctx, payerID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		Current:     p.Balance,
		BillingMode: p.BillingMode,
	}, nil
}

// IsNotFound сообщает, что запрошенная сущность не существует.
func IsNotFound(err error) bool {
	return errors.Is(err, repository.ErrShipmentNotFound) || errors.Is(err, repository.ErrPayerNotFound)
}
