package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/shipgate/internal/courier"
	"github.com/mmeshcher/shipgate/internal/model"
	"github.com/mmeshcher/shipgate/internal/repository"
)

func requireShipmentError(t *testing.T, err error, code model.ErrorCode) *model.ShipmentError {
	t.Helper()

	var serr *model.ShipmentError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *model.ShipmentError, got %v", err)
	}
	if serr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, serr.Code, serr.Message)
	}
	return serr
}

func keyFor(payerID string, req model.ShipmentRequest) string {
	return IdempotencyKey(payerID, req, testNow, DefaultIdempotencyBucket)
}

func TestCreateShipment_QuotedPriceSuccess(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})

	req := testRequest()
	req.QuotedPrice = money(1200)

	res, err := env.svc.CreateShipment(context.Background(), "p1", req)
	require.NoError(t, err)

	assert.False(t, res.Replay)
	assert.Equal(t, "TRK1", res.TrackingNumber)
	assert.Equal(t, model.Money(1200), res.Cost)
	assert.Equal(t, req.Recipient, res.Recipient)
	assert.Equal(t, model.Money(3800), env.ledger.balance("p1"))

	status, ok := env.locks.status(keyFor("p1", req))
	require.True(t, ok)
	assert.Equal(t, model.LockStatusCompleted, status)

	require.NoError(t, env.svc.Close())
	require.Len(t, env.shipments.costs, 1)
	assert.Equal(t, model.Money(1200), env.shipments.costs[0].Billed)
	assert.Equal(t, model.Money(900), env.shipments.costs[0].ProviderCost)
	assert.Equal(t, ChargeSourceQuoted, env.shipments.costs[0].Source)
	assert.Equal(t, []string{res.ID}, env.notifier.sent)
}

func TestCreateShipment_IdempotentReplay(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})

	req := testRequest()
	req.QuotedPrice = money(1200)

	first, err := env.svc.CreateShipment(context.Background(), "p1", req)
	require.NoError(t, err)

	second, err := env.svc.CreateShipment(context.Background(), "p1", req)
	require.NoError(t, err)

	assert.True(t, second.Replay)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.TrackingNumber, second.TrackingNumber)
	assert.Len(t, env.ledger.debits(), 1)
	assert.Equal(t, 1, env.gateway.creates())
	assert.Equal(t, model.Money(3800), env.ledger.balance("p1"))
}

func TestCreateShipment_ConcurrentDuplicate(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})

	started := make(chan struct{})
	proceed := make(chan struct{})
	env.gateway.createFn = func(ctx context.Context, req courier.CreateRequest) (*courier.Label, error) {
		close(started)
		<-proceed
		return &courier.Label{TrackingNumber: "TRK-RACE", ExternalShipmentID: "ext-race", Cost: 900}, nil
	}

	req := testRequest()
	req.QuotedPrice = money(1200)

	var (
		wg       sync.WaitGroup
		firstRes *model.CreatedShipment
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstRes, firstErr = env.svc.CreateShipment(context.Background(), "p1", req)
	}()

	<-started
	_, err := env.svc.CreateShipment(context.Background(), "p1", req)
	serr := requireShipmentError(t, err, model.CodeDuplicateRequest)
	assert.Equal(t, http.StatusConflict, serr.HTTPStatus())
	assert.GreaterOrEqual(t, serr.RetryAfter, time.Second)

	close(proceed)
	wg.Wait()

	require.NoError(t, firstErr)
	assert.Equal(t, "TRK-RACE", firstRes.TrackingNumber)
	assert.Len(t, env.ledger.debits(), 1)
	assert.Equal(t, 1, env.shipments.count())
}

func TestCreateShipment_InsufficientCredit(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 1000})

	req := testRequest()
	req.QuotedPrice = money(1500)

	_, err := env.svc.CreateShipment(context.Background(), "p1", req)
	serr := requireShipmentError(t, err, model.CodeInsufficientCredit)

	require.NotNil(t, serr.Required)
	require.NotNil(t, serr.Available)
	assert.Equal(t, model.Money(1500), *serr.Required)
	assert.Equal(t, model.Money(1000), *serr.Available)
	assert.Equal(t, http.StatusPaymentRequired, serr.HTTPStatus())

	assert.Empty(t, env.ledger.debits())
	assert.Equal(t, 0, env.gateway.creates())
	assert.Equal(t, model.Money(1000), env.ledger.balance("p1"))

	_, held := env.locks.status(keyFor("p1", req))
	assert.False(t, held, "lock must be released so a retry after top-up is not blocked")
}

func TestCreateShipment_DebitRefusedReleasesLock(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})

	req := testRequest()
	req.QuotedPrice = money(1200)
	key := keyFor("p1", req)
	env.ledger.debitErr[key] = repository.ErrInsufficientCredit

	_, err := env.svc.CreateShipment(context.Background(), "p1", req)
	requireShipmentError(t, err, model.CodeInsufficientCredit)

	assert.Equal(t, 0, env.gateway.creates())
	_, held := env.locks.status(key)
	assert.False(t, held)
}

func TestCreateShipment_CourierServerErrorRefunds(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})
	env.gateway.createFn = func(context.Context, courier.CreateRequest) (*courier.Label, error) {
		return nil, &courier.Error{StatusCode: http.StatusInternalServerError, Message: "upstream exploded"}
	}

	req := testRequest()
	req.QuotedPrice = money(1200)
	key := keyFor("p1", req)

	_, err := env.svc.CreateShipment(context.Background(), "p1", req)
	serr := requireShipmentError(t, err, model.CodeProviderUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, serr.HTTPStatus())

	assert.Equal(t, model.Money(5000), env.ledger.balance("p1"))
	assert.Equal(t, []string{key + "-refund"}, env.ledger.refunds())

	status, ok := env.locks.status(key)
	require.True(t, ok)
	assert.Equal(t, model.LockStatusFailed, status)

	_, err = env.svc.CreateShipment(context.Background(), "p1", req)
	replay := requireShipmentError(t, err, model.CodePreviousAttemptFailed)
	assert.True(t, replay.RequiresManualReview)
	assert.Contains(t, replay.Message, "upstream exploded")
	assert.Equal(t, 1, env.gateway.creates())
}

func TestCreateShipment_CourierErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.ErrorCode
	}{
		{name: "invalid address", err: &courier.Error{StatusCode: http.StatusUnprocessableEntity, Message: "bad zip"}, want: model.CodeInvalidAddress},
		{name: "bad gateway", err: &courier.Error{StatusCode: http.StatusBadGateway}, want: model.CodeProviderUnavailable},
		{name: "timeout", err: &courier.Error{Timeout: true, Message: "deadline"}, want: model.CodeProviderUnavailable},
		{name: "deadline", err: context.DeadlineExceeded, want: model.CodeProviderUnavailable},
		{name: "bad request", err: &courier.Error{StatusCode: http.StatusBadRequest}, want: model.CodeInternal},
		{name: "unknown", err: errBoom, want: model.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := courierFailure("k", tt.err)
			if got.Code != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got.Code)
			}
		})
	}
}

func TestCreateShipment_RefundFailureEnqueuesTask(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})
	env.ledger.refundErr = errBoom
	env.gateway.createFn = func(context.Context, courier.CreateRequest) (*courier.Label, error) {
		return nil, &courier.Error{StatusCode: http.StatusUnprocessableEntity, Message: "bad zip"}
	}

	req := testRequest()
	req.QuotedPrice = money(1200)

	_, err := env.svc.CreateShipment(context.Background(), "p1", req)
	requireShipmentError(t, err, model.CodeInvalidAddress)

	tasks := env.queue.snapshot()
	require.Len(t, tasks, 1)
	assert.Equal(t, model.CompensationRefund, tasks[0].Action)
	assert.Equal(t, model.Money(1200), tasks[0].Amount)
	assert.Equal(t, "p1", tasks[0].PayerID)
	assert.Equal(t, model.CompensationPending, tasks[0].Status)
	assert.Equal(t, model.UnknownExternalID, tasks[0].ExternalShipmentID)
	assert.Equal(t, "boom", tasks[0].ErrorContext["refund_error"])
}

func TestCreateShipment_PersistenceFailureDoubleCompensation(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})
	env.shipments.insertErr = errBoom

	req := testRequest()
	req.QuotedPrice = money(1200)
	key := keyFor("p1", req)

	_, err := env.svc.CreateShipment(context.Background(), "p1", req)
	serr := requireShipmentError(t, err, model.CodeInternal)
	assert.True(t, serr.RequiresManualReview)
	assert.Empty(t, serr.Debug)

	assert.Equal(t, model.Money(5000), env.ledger.balance("p1"))
	assert.Equal(t, []string{"ext-1"}, env.gateway.deletes())
	assert.Empty(t, env.queue.snapshot())

	status, _ := env.locks.status(key)
	assert.Equal(t, model.LockStatusFailed, status)
}

func TestCreateShipment_PersistenceFailureEnqueuesBothTasks(t *testing.T) {
	env := newTestEnv(t, Options{DebugErrors: true})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})
	env.shipments.insertErr = errBoom
	env.ledger.refundErr = errors.New("ledger down")
	env.gateway.deleteErr = errors.New("rate limited")

	req := testRequest()
	req.QuotedPrice = money(1200)

	_, err := env.svc.CreateShipment(context.Background(), "p1", req)
	serr := requireShipmentError(t, err, model.CodeInternal)
	assert.Equal(t, "boom", serr.Debug)

	tasks := env.queue.snapshot()
	require.Len(t, tasks, 2)

	byAction := map[model.CompensationAction]model.CompensationTask{}
	for _, task := range tasks {
		byAction[task.Action] = task
	}

	refund := byAction[model.CompensationRefund]
	assert.Equal(t, model.Money(1200), refund.Amount)
	assert.Equal(t, "ext-1", refund.ExternalShipmentID)

	del := byAction[model.CompensationDelete]
	assert.Equal(t, "ext-1", del.ExternalShipmentID)
	assert.Equal(t, "TRK1", del.TrackingNumber)
	require.NotNil(t, del.NextRetryAt)
	assert.Equal(t, testNow.Add(DeleteRetryDelay), *del.NextRetryAt)
}

func TestCreateShipment_QuotedPriceWinsOverCourierCost(t *testing.T) {
	env := newTestEnv(t, Options{DefaultPlatformFee: 50})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})
	env.gateway.createFn = func(context.Context, courier.CreateRequest) (*courier.Label, error) {
		return &courier.Label{TrackingNumber: "T", ExternalShipmentID: "E", Cost: 2100}, nil
	}

	req := testRequest()
	req.QuotedPrice = money(1500)

	res, err := env.svc.CreateShipment(context.Background(), "p1", req)
	require.NoError(t, err)

	assert.Equal(t, model.Money(1500), res.Cost)
	assert.Equal(t, model.Money(3500), env.ledger.balance("p1"))
	assert.Len(t, env.ledger.debits(), 1)
	assert.Empty(t, env.ledger.refunds())
}

func TestCreateShipment_FallbackAdjustsToCourierCost(t *testing.T) {
	tests := []struct {
		name        string
		courierCost model.Money
		wantCharged model.Money
		wantKeys    []string
	}{
		{name: "cheaper than estimate", courierCost: 935, wantCharged: 1035, wantKeys: []string{"", "-adjust-credit"}},
		{name: "dearer than estimate", courierCost: 1200, wantCharged: 1300, wantKeys: []string{"", "-adjust-debit"}},
		{name: "exact estimate", courierCost: 1020, wantCharged: 1120, wantKeys: []string{""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})
			env.ledger.fees["p1"] = 100
			env.gateway.createFn = func(context.Context, courier.CreateRequest) (*courier.Label, error) {
				return &courier.Label{TrackingNumber: "T", ExternalShipmentID: "E", Cost: tt.courierCost}, nil
			}

			req := testRequest()
			key := keyFor("p1", req)

			res, err := env.svc.CreateShipment(context.Background(), "p1", req)
			require.NoError(t, err)

			assert.Equal(t, tt.wantCharged, res.Cost)
			assert.Equal(t, 5000-tt.wantCharged, env.ledger.balance("p1"))

			var touched []string
			for _, k := range append(env.ledger.debits(), env.ledger.refunds()...) {
				touched = append(touched, k[len(key):])
			}
			assert.Equal(t, tt.wantKeys, touched)
		})
	}
}

func TestCreateShipment_FallbackAdjustDebitFailureCompensates(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})
	env.gateway.createFn = func(context.Context, courier.CreateRequest) (*courier.Label, error) {
		return &courier.Label{TrackingNumber: "T", ExternalShipmentID: "E", Cost: 1500}, nil
	}

	req := testRequest()
	key := keyFor("p1", req)
	env.ledger.debitErr[key+"-adjust-debit"] = repository.ErrInsufficientCredit

	_, err := env.svc.CreateShipment(context.Background(), "p1", req)
	requireShipmentError(t, err, model.CodeInternal)

	assert.Equal(t, model.Money(5000), env.ledger.balance("p1"))
	assert.Equal(t, []string{"E"}, env.gateway.deletes())
	assert.Equal(t, 0, env.shipments.count())
}

func TestCreateShipment_FallbackAdjustCreditFailureEnqueuesRefund(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})
	env.ledger.refundErr = errBoom
	env.gateway.createFn = func(context.Context, courier.CreateRequest) (*courier.Label, error) {
		return &courier.Label{TrackingNumber: "T", ExternalShipmentID: "E", Cost: 800}, nil
	}

	res, err := env.svc.CreateShipment(context.Background(), "p1", testRequest())
	require.NoError(t, err)

	// Оценка 1020 + комиссия 0, фактически 800: разница 220 ждёт в очереди.
	assert.Equal(t, model.Money(800), res.Cost)
	tasks := env.queue.snapshot()
	require.Len(t, tasks, 1)
	assert.Equal(t, model.CompensationRefund, tasks[0].Action)
	assert.Equal(t, model.Money(220), tasks[0].Amount)
}

func TestCreateShipment_BYOCPaysPlatformFee(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000, BYOC: true})
	env.ledger.fees["p1"] = 200

	req := testRequest()
	req.QuotedPrice = money(1500)

	res, err := env.svc.CreateShipment(context.Background(), "p1", req)
	require.NoError(t, err)

	assert.Equal(t, model.Money(200), res.Cost)
	assert.Equal(t, model.Money(4800), env.ledger.balance("p1"))
}

func TestCreateShipment_PlatformFeeFallsBackToDefault(t *testing.T) {
	env := newTestEnv(t, Options{DefaultPlatformFee: 75})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000, BYOC: true})
	env.ledger.feeErr = errBoom

	res, err := env.svc.CreateShipment(context.Background(), "p1", testRequest())
	require.NoError(t, err)
	assert.Equal(t, model.Money(75), res.Cost)
}

func TestCreateShipment_PostpaidSkipsBalance(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 0, BillingMode: model.BillingModePostpaid})

	req := testRequest()
	req.QuotedPrice = money(1200)
	key := keyFor("p1", req)

	_, err := env.svc.CreateShipment(context.Background(), "p1", req)
	require.NoError(t, err)

	assert.Empty(t, env.ledger.debits())
	assert.Equal(t, model.Money(1200), env.ledger.postpaid[key])
}

func TestCreateShipment_PostpaidCourierFailureRemovesCharge(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", BillingMode: model.BillingModePostpaid})
	env.gateway.createFn = func(context.Context, courier.CreateRequest) (*courier.Label, error) {
		return nil, &courier.Error{Timeout: true, Message: "slow"}
	}

	req := testRequest()
	req.QuotedPrice = money(1200)

	_, err := env.svc.CreateShipment(context.Background(), "p1", req)
	requireShipmentError(t, err, model.CodeProviderUnavailable)

	assert.Empty(t, env.ledger.postpaid)
	assert.Empty(t, env.ledger.refunds())
	assert.Empty(t, env.queue.snapshot())
}

func TestCreateShipment_ExemptPayerIsNotDebited(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "admin", Role: model.RoleSuperadmin})

	req := testRequest()
	req.QuotedPrice = money(1200)

	res, err := env.svc.CreateShipment(context.Background(), "admin", req)
	require.NoError(t, err)

	assert.Equal(t, model.Money(1200), res.Cost)
	assert.Empty(t, env.ledger.debits())
}

func TestCreateShipment_PayerNotFound(t *testing.T) {
	env := newTestEnv(t, Options{})

	req := testRequest()
	_, err := env.svc.CreateShipment(context.Background(), "ghost", req)
	serr := requireShipmentError(t, err, model.CodePayerNotFound)
	assert.Equal(t, http.StatusNotFound, serr.HTTPStatus())

	_, held := env.locks.status(keyFor("ghost", req))
	assert.False(t, held)
}

func TestCreateShipment_CourierNotConfigured(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})
	env.resolver.err = courier.ErrNoGateway

	_, err := env.svc.CreateShipment(context.Background(), "p1", testRequest())
	requireShipmentError(t, err, model.CodeInternal)
	assert.Empty(t, env.ledger.debits())
}

func TestCreateShipment_LockStoreUnavailable(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.locks.acquireErr = errBoom

	_, err := env.svc.CreateShipment(context.Background(), "p1", testRequest())
	requireShipmentError(t, err, model.CodeInternal)
	assert.Equal(t, 0, env.gateway.creates())
}

func TestCreateShipment_ShipmentPersistedByCrashedAttempt(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})

	req := testRequest()
	key := keyFor("p1", req)
	env.shipments.put(&model.Shipment{ID: "shp-old", PayerID: "p1", IdempotencyKey: key, TrackingNumber: "OLD"})

	res, err := env.svc.CreateShipment(context.Background(), "p1", req)
	require.NoError(t, err)

	assert.True(t, res.Replay)
	assert.Equal(t, "shp-old", res.ID)
	assert.Equal(t, 0, env.gateway.creates())
	assert.Empty(t, env.ledger.debits())

	status, _ := env.locks.status(key)
	assert.Equal(t, model.LockStatusCompleted, status)
}

func TestCreateShipment_CompletedLockWithoutShipment(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})

	req := testRequest()
	key := keyFor("p1", req)
	missing := "shp-missing"
	env.locks.records[key] = &lockRecord{status: model.LockStatusCompleted, result: &missing}

	_, err := env.svc.CreateShipment(context.Background(), "p1", req)
	requireShipmentError(t, err, model.CodeInternal)

	assert.Equal(t, 0, env.gateway.creates())
	assert.Empty(t, env.ledger.debits())
}

func TestCreateShipment_ConcurrentInsertVoidsDuplicateLabel(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})

	req := testRequest()
	req.QuotedPrice = money(1200)
	key := keyFor("p1", req)

	env.shipments.beforeInsert = func(s *model.Shipment) {
		env.shipments.mu.Lock()
		defer env.shipments.mu.Unlock()
		if _, ok := env.shipments.byKey[key]; !ok {
			env.shipments.put(&model.Shipment{ID: "shp-winner", PayerID: "p1", IdempotencyKey: key})
		}
	}

	res, err := env.svc.CreateShipment(context.Background(), "p1", req)
	require.NoError(t, err)

	assert.Equal(t, "shp-winner", res.ID)
	assert.True(t, res.Replay)
	assert.Equal(t, []string{"ext-1"}, env.gateway.deletes())
	assert.Empty(t, env.ledger.refunds())
	assert.Equal(t, model.Money(3800), env.ledger.balance("p1"))
}

func TestCreateShipment_CancellationAfterDebitDoesNotAbort(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env.gateway.createFn = func(cctx context.Context, _ courier.CreateRequest) (*courier.Label, error) {
		cancel()
		if cctx.Err() != nil {
			return nil, cctx.Err()
		}
		return &courier.Label{TrackingNumber: "T", ExternalShipmentID: "E", Cost: 1020}, nil
	}

	req := testRequest()
	res, err := env.svc.CreateShipment(ctx, "p1", req)
	require.NoError(t, err)
	assert.Equal(t, "T", res.TrackingNumber)

	status, _ := env.locks.status(keyFor("p1", req))
	assert.Equal(t, model.LockStatusCompleted, status)
}

func TestCreateShipment_EnqueueFailureIsLogged(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})
	env.ledger.refundErr = errBoom
	env.queue.enqueueErr = errors.New("queue down")
	env.gateway.createFn = func(context.Context, courier.CreateRequest) (*courier.Label, error) {
		return nil, &courier.Error{StatusCode: http.StatusServiceUnavailable}
	}

	req := testRequest()
	req.QuotedPrice = money(1200)

	_, err := env.svc.CreateShipment(context.Background(), "p1", req)
	requireShipmentError(t, err, model.CodeProviderUnavailable)

	entries := env.logs.FilterMessage("CRITICAL: compensation task could not be stored").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1200), entries[0].ContextMap()["amount_cents"])
}

func TestGetShipment_ChecksOwner(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.shipments.put(&model.Shipment{ID: "shp-1", PayerID: "p1", IdempotencyKey: "k"})

	got, err := env.svc.GetShipment(context.Background(), "p1", "shp-1")
	require.NoError(t, err)
	assert.Equal(t, "shp-1", got.ID)

	_, err = env.svc.GetShipment(context.Background(), "p2", "shp-1")
	assert.True(t, IsNotFound(err))
}

func TestGetBalance(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 4250, BillingMode: model.BillingModePrepaid})

	b, err := env.svc.GetBalance(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, model.Money(4250), b.Current)

	_, err = env.svc.GetBalance(context.Background(), "ghost")
	assert.True(t, IsNotFound(err))
}

func TestClose_WaitsForInflightShipment(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.ledger.addPayer(model.Payer{ID: "p1", Balance: 5000})

	started := make(chan struct{})
	release := make(chan struct{})
	env.gateway.createFn = func(context.Context, courier.CreateRequest) (*courier.Label, error) {
		close(started)
		<-release
		return &courier.Label{TrackingNumber: "T", ExternalShipmentID: "E", Cost: 900}, nil
	}

	created := make(chan error, 1)
	go func() {
		_, err := env.svc.CreateShipment(context.Background(), "p1", testRequest())
		created <- err
	}()
	<-started

	closed := make(chan struct{})
	go func() {
		_ = env.svc.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a debited shipment was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-created)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the shipment finished")
	}

	assert.Len(t, env.ledger.debits(), 1)
	assert.Equal(t, 1, env.shipments.count())

	_, err := env.svc.CreateShipment(context.Background(), "p1", testRequest())
	assert.ErrorIs(t, err, ErrServiceClosed)
	requireShipmentError(t, err, model.CodeInternal)
	assert.Len(t, env.ledger.debits(), 1)
	assert.Equal(t, 1, env.gateway.creates())
}
