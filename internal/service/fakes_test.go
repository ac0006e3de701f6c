package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmeshcher/shipgate/internal/courier"
	"github.com/mmeshcher/shipgate/internal/metrics"
	"github.com/mmeshcher/shipgate/internal/model"
	"github.com/mmeshcher/shipgate/internal/repository"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type lockRecord struct {
	status  model.LockStatus
	attempt string
	result  *string
	errMsg  *string
	expires time.Time
}

type fakeLocks struct {
	mu         sync.Mutex
	now        func() time.Time
	seq        int
	records    map[string]*lockRecord
	acquireErr error
}

func newFakeLocks(now func() time.Time) *fakeLocks {
	return &fakeLocks{now: now, records: make(map[string]*lockRecord)}
}

func (f *fakeLocks) AcquireLock(_ context.Context, key, _ string, ttl time.Duration) (model.LockResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.acquireErr != nil {
		return model.LockResult{}, f.acquireErr
	}

	now := f.now()
	rec, ok := f.records[key]
	if !ok || (rec.status == model.LockStatusInProgress && !rec.expires.After(now)) {
		f.seq++
		attempt := "attempt-" + strconv.Itoa(f.seq)
		f.records[key] = &lockRecord{status: model.LockStatusInProgress, attempt: attempt, expires: now.Add(ttl)}
		return model.LockResult{Acquired: true, Status: model.LockStatusInProgress, Attempt: attempt}, nil
	}

	res := model.LockResult{Status: rec.status, ResultID: rec.result, ErrorMessage: rec.errMsg}
	if rec.status == model.LockStatusInProgress {
		res.RetryAfter = max(rec.expires.Sub(now), time.Second)
	}
	return res, nil
}

func (f *fakeLocks) finish(key, attempt string, fn func(*lockRecord)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[key]
	if !ok || rec.attempt != attempt || rec.status != model.LockStatusInProgress {
		return repository.ErrLockLost
	}
	fn(rec)
	return nil
}

func (f *fakeLocks) CompleteLock(_ context.Context, key, attempt, shipmentID string) error {
	return f.finish(key, attempt, func(r *lockRecord) {
		r.status = model.LockStatusCompleted
		r.result = &shipmentID
	})
}

func (f *fakeLocks) FailLock(_ context.Context, key, attempt, message string) error {
	return f.finish(key, attempt, func(r *lockRecord) {
		r.status = model.LockStatusFailed
		r.errMsg = &message
	})
}

func (f *fakeLocks) ReleaseLock(_ context.Context, key, attempt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[key]
	if !ok || rec.attempt != attempt || rec.status != model.LockStatusInProgress {
		return repository.ErrLockLost
	}
	delete(f.records, key)
	return nil
}

func (f *fakeLocks) status(key string) (model.LockStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[key]
	if !ok {
		return "", false
	}
	return rec.status, true
}

func (f *fakeLocks) anyRecord() (*lockRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, r := range f.records {
		cp := *r
		return &cp, true
	}
	return nil, false
}

type fakeLedger struct {
	mu sync.Mutex

	payers   map[string]*model.Payer
	fees     map[string]model.Money
	feeErr   error
	payerErr error

	entries  map[string]model.Money
	postpaid map[string]model.Money

	debitKeys  []string
	refundKeys []string

	debitErr    map[string]error
	refundErr   error
	postpaidErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		payers:   make(map[string]*model.Payer),
		fees:     make(map[string]model.Money),
		entries:  make(map[string]model.Money),
		postpaid: make(map[string]model.Money),
		debitErr: make(map[string]error),
	}
}

func (f *fakeLedger) addPayer(p model.Payer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payers[p.ID] = &p
}

func (f *fakeLedger) balance(id string) model.Money {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payers[id].Balance
}

func (f *fakeLedger) debits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.debitKeys...)
}

func (f *fakeLedger) refunds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refundKeys...)
}

func (f *fakeLedger) GetPayer(_ context.Context, payerID string) (*model.Payer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.payerErr != nil {
		return nil, f.payerErr
	}
	p, ok := f.payers[payerID]
	if !ok {
		return nil, repository.ErrPayerNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeLedger) GetPlatformFee(_ context.Context, payerID string) (model.Money, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.feeErr != nil {
		return 0, f.feeErr
	}
	fee, ok := f.fees[payerID]
	if !ok {
		return 0, repository.ErrPlatformFeeNotSet
	}
	return fee, nil
}

func (f *fakeLedger) Debit(_ context.Context, e model.LedgerEntry) (*model.DebitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.debitKeys = append(f.debitKeys, e.IdempotencyKey)
	if err := f.debitErr[e.IdempotencyKey]; err != nil {
		return nil, err
	}
	if _, ok := f.entries[e.IdempotencyKey]; ok {
		return &model.DebitResult{TransactionID: "tx-" + e.IdempotencyKey, IdempotentReplay: true}, nil
	}

	p, ok := f.payers[e.PayerID]
	if !ok {
		return nil, repository.ErrPayerNotFound
	}
	if p.Balance < e.Amount {
		return nil, repository.ErrInsufficientCredit
	}
	p.Balance -= e.Amount
	f.entries[e.IdempotencyKey] = -e.Amount
	return &model.DebitResult{TransactionID: "tx-" + e.IdempotencyKey}, nil
}

func (f *fakeLedger) Refund(_ context.Context, e model.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refundKeys = append(f.refundKeys, e.IdempotencyKey)
	if f.refundErr != nil {
		return f.refundErr
	}
	if _, ok := f.entries[e.IdempotencyKey]; ok {
		return nil
	}
	p, ok := f.payers[e.PayerID]
	if !ok {
		return repository.ErrPayerNotFound
	}
	p.Balance += e.Amount
	f.entries[e.IdempotencyKey] = e.Amount
	return nil
}

func (f *fakeLedger) RecordPostpaidCharge(_ context.Context, e model.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.postpaidErr != nil {
		return f.postpaidErr
	}
	f.postpaid[e.IdempotencyKey] = e.Amount
	return nil
}

func (f *fakeLedger) DeletePostpaidCharge(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.postpaid, key)
	return nil
}

type fakeShipments struct {
	mu        sync.Mutex
	byID      map[string]*model.Shipment
	byKey     map[string]*model.Shipment
	costs     []model.PlatformCost
	insertErr error
	// beforeInsert вызывается перед вставкой, например чтобы смоделировать чужую запись.
	beforeInsert func(s *model.Shipment)
}

func newFakeShipments() *fakeShipments {
	return &fakeShipments{byID: make(map[string]*model.Shipment), byKey: make(map[string]*model.Shipment)}
}

func (f *fakeShipments) put(s *model.Shipment) {
	f.byID[s.ID] = s
	f.byKey[s.IdempotencyKey] = s
}

func (f *fakeShipments) InsertShipment(_ context.Context, s *model.Shipment) error {
	if f.beforeInsert != nil {
		f.beforeInsert(s)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.insertErr != nil {
		return f.insertErr
	}
	if _, ok := f.byKey[s.IdempotencyKey]; ok {
		return repository.ErrShipmentExists
	}
	s.CreatedAt = testNow
	cp := *s
	f.put(&cp)
	return nil
}

func (f *fakeShipments) GetShipment(_ context.Context, id string) (*model.Shipment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrShipmentNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeShipments) GetShipmentByIdempotencyKey(_ context.Context, key string) (*model.Shipment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.byKey[key]
	if !ok {
		return nil, repository.ErrShipmentNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeShipments) RecordPlatformCost(_ context.Context, c model.PlatformCost) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.costs = append(f.costs, c)
	return nil
}

func (f *fakeShipments) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

type fakeQueue struct {
	mu            sync.Mutex
	seq           int
	tasks         []*model.CompensationTask
	enqueueErr    error
	expiredBefore time.Time
	expireCount   int64
}

func (f *fakeQueue) EnqueueCompensation(_ context.Context, t *model.CompensationTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.seq++
	if t.ID == "" {
		t.ID = "task-" + strconv.Itoa(f.seq)
	}
	if t.Status == "" {
		t.Status = model.CompensationPending
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = repository.DefaultMaxRetries
	}
	cp := *t
	f.tasks = append(f.tasks, &cp)
	return nil
}

func (f *fakeQueue) DueCompensations(_ context.Context, now time.Time, limit int) ([]model.CompensationTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var res []model.CompensationTask
	for _, t := range f.tasks {
		if t.Status != model.CompensationPending {
			continue
		}
		if t.NextRetryAt != nil && t.NextRetryAt.After(now) {
			continue
		}
		res = append(res, *t)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (f *fakeQueue) find(id string) *model.CompensationTask {
	for _, t := range f.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (f *fakeQueue) update(id string, fn func(t *model.CompensationTask)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := f.find(id)
	if t == nil || t.Status != model.CompensationPending {
		return repository.ErrCompensationNotPending
	}
	fn(t)
	return nil
}

func (f *fakeQueue) ResolveCompensation(_ context.Context, id string, retryCount int, notes string) error {
	return f.update(id, func(t *model.CompensationTask) {
		t.Status = model.CompensationResolved
		t.RetryCount = retryCount
		t.ResolutionNotes = &notes
	})
}

func (f *fakeQueue) RescheduleCompensation(_ context.Context, id string, retryCount int, next time.Time, lastErr string) error {
	return f.update(id, func(t *model.CompensationTask) {
		t.RetryCount = retryCount
		t.NextRetryAt = &next
		if t.ErrorContext == nil {
			t.ErrorContext = map[string]string{}
		}
		t.ErrorContext["last_retry_error"] = lastErr
	})
}

func (f *fakeQueue) DeadLetterCompensation(_ context.Context, id, reason string) error {
	return f.update(id, func(t *model.CompensationTask) {
		t.Status = model.CompensationFailed
		t.ResolutionNotes = &reason
	})
}

func (f *fakeQueue) ExpireCompensations(_ context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.expiredBefore = olderThan
	var n int64
	for _, t := range f.tasks {
		if t.Status == model.CompensationPending && t.CreatedAt.Before(olderThan) {
			t.Status = model.CompensationExpired
			n++
		}
	}
	f.expireCount += n
	return n, nil
}

func (f *fakeQueue) snapshot() []model.CompensationTask {
	f.mu.Lock()
	defer f.mu.Unlock()

	res := make([]model.CompensationTask, 0, len(f.tasks))
	for _, t := range f.tasks {
		res = append(res, *t)
	}
	return res
}

type fakeGateway struct {
	mu          sync.Mutex
	createCalls int
	deleted     []string
	createFn    func(ctx context.Context, req courier.CreateRequest) (*courier.Label, error)
	deleteErr   error
}

func (f *fakeGateway) Create(ctx context.Context, req courier.CreateRequest) (*courier.Label, error) {
	f.mu.Lock()
	f.createCalls++
	n := f.createCalls
	fn := f.createFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &courier.Label{
		TrackingNumber:     "TRK" + strconv.Itoa(n),
		ExternalShipmentID: "ext-" + strconv.Itoa(n),
		Cost:               900,
		LabelData:          "label",
	}, nil
}

func (f *fakeGateway) Delete(_ context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, externalID)
	return f.deleteErr
}

func (f *fakeGateway) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *fakeGateway) deletes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeResolver struct {
	gw  courier.Gateway
	err error
}

func (f *fakeResolver) Resolve(context.Context, string) (courier.Gateway, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.gw, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeNotifier) ShipmentCreated(_ context.Context, s *model.Shipment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, s.ID)
	return nil
}

type testEnv struct {
	svc       *Service
	locks     *fakeLocks
	ledger    *fakeLedger
	shipments *fakeShipments
	queue     *fakeQueue
	gateway   *fakeGateway
	resolver  *fakeResolver
	notifier  *fakeNotifier
	logs      *observer.ObservedLogs
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	now := func() time.Time { return testNow }

	env := &testEnv{
		locks:     newFakeLocks(now),
		ledger:    newFakeLedger(),
		shipments: newFakeShipments(),
		queue:     &fakeQueue{},
		gateway:   &fakeGateway{},
		notifier:  &fakeNotifier{},
		logs:      logs,
	}
	env.resolver = &fakeResolver{gw: env.gateway}

	env.svc = NewService(Dependencies{
		Locks:         env.locks,
		Ledger:        env.ledger,
		Shipments:     env.shipments,
		Compensations: env.queue,
		Couriers:      env.resolver,
		Notifier:      env.notifier,
		Metrics:       metrics.New(),
	}, opts, zap.New(core))
	env.svc.now = now

	var seq int
	var mu sync.Mutex
	env.svc.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return "shp-" + strconv.Itoa(seq)
	}

	t.Cleanup(func() { _ = env.svc.Close() })
	return env
}

var errBoom = errors.New("boom")

func money(v int64) *model.Money {
	m := model.Money(v)
	return &m
}

func testRequest() model.ShipmentRequest {
	return model.ShipmentRequest{
		Provider: "spediscionline",
		Carrier:  "gls",
		Sender: model.Address{
			Name: "Mario Rossi", Address: "Via Roma 1", City: "Milano",
			Province: "MI", PostalCode: "20100", Country: "IT",
		},
		Recipient: model.Address{
			Name: "Luigi Verdi", Address: "Via Napoli 2", City: "Roma",
			Province: "RM", PostalCode: "00100", Country: "IT",
		},
		Packages: []model.Package{{Weight: 2.5, Length: 30, Width: 20, Height: 10}},
	}
}
