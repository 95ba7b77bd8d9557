package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/domain"
	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/repo"
	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/yookassa"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:paymentsvc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeGateway is an in-memory Gateway double.
type fakeGateway struct {
	mu sync.Mutex

	createResp *yookassa.Payment
	createErr  error

	status   string // status returned by GetPayment
	getErr   error
	getCalls int
}

func (f *fakeGateway) CreatePayment(_ context.Context, _ string, _ yookassa.CreatePaymentRequest) (*yookassa.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createResp, nil
}

func (f *fakeGateway) GetPayment(_ context.Context, providerID string) (*yookassa.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &yookassa.Payment{
		ID:     providerID,
		Status: f.status,
		Paid:   f.status == yookassa.StatusSucceeded,
	}, nil
}

func (f *fakeGateway) setStatus(s string) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func (f *fakeGateway) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func newService(t *testing.T, gw *fakeGateway) *PaymentService {
	t.Helper()
	svc := &PaymentService{
		DB:           newTestDB(t),
		Gateway:      gw,
		ReturnURL:    "http://localhost:3000/account?payment=success",
		PollInterval: 5 * time.Millisecond,
		PollMaxTicks: 1000,
	}
	t.Cleanup(func() {
		// Stop any pollers the test armed.
		for _, id := range []string{"yk-1", "yk-2", "yk-3"} {
			svc.DisarmPoller(id)
		}
	})
	return svc
}

// seedBound inserts a pending payment already bound to a provider ID, as if
// creation completed but no outcome arrived yet.
func seedBound(t *testing.T, svc *PaymentService, userID, providerID string, credits int) *domain.Payment {
	t.Helper()
	ctx := context.Background()
	p, err := repo.CreatePayment(ctx, svc.DB, userID, "TARIFF_5_CARD", credits, "199.00", "RUB", uuid.NewString())
	if err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	if err := repo.SetProviderID(ctx, svc.DB, p.ID, providerID); err != nil {
		t.Fatalf("bind provider ID: %v", err)
	}
	p.ProviderID = providerID
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreate_Success(t *testing.T) {
	gw := &fakeGateway{
		createResp: &yookassa.Payment{
			ID:     "yk-1",
			Status: yookassa.StatusPending,
			Confirmation: &yookassa.Confirmation{
				Type:            "redirect",
				ConfirmationURL: "https://pay.example/confirm/yk-1",
			},
		},
		status: yookassa.StatusPending,
	}
	svc := newService(t, gw)

	res, err := svc.Create(context.Background(), "u1", "TARIFF_5_CARD", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.ConfirmationURL != "https://pay.example/confirm/yk-1" {
		t.Fatalf("confirmation URL = %q", res.ConfirmationURL)
	}
	if res.Payment.Status != domain.StatusPending {
		t.Fatalf("status = %q; want pending", res.Payment.Status)
	}
	if res.Payment.ProviderID != "yk-1" {
		t.Fatalf("provider ID = %q; want yk-1", res.Payment.ProviderID)
	}
	if svc.ActivePollers() != 1 {
		t.Fatalf("active pollers = %d; want 1", svc.ActivePollers())
	}
}

func TestCreate_UnknownTariff(t *testing.T) {
	svc := newService(t, &fakeGateway{})
	if _, err := svc.Create(context.Background(), "u1", "TARIFF_999", ""); !errors.Is(err, ErrUnknownTariff) {
		t.Fatalf("expected ErrUnknownTariff, got %v", err)
	}
}

func TestCreate_GatewayFailureLeavesOrphan(t *testing.T) {
	gw := &fakeGateway{createErr: errors.New("connection refused")}
	svc := newService(t, gw)

	_, err := svc.Create(context.Background(), "u1", "TARIFF_1_CARD", "")
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}

	// The remote call may have partially succeeded, so the local record stays
	// pending with no provider ID for manual reconciliation.
	var orphans []domain.Payment
	if err := svc.DB.Where("status = ?", domain.StatusPending).Find(&orphans).Error; err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(orphans) != 1 {
		t.Fatalf("pending payments = %d; want 1", len(orphans))
	}
	if orphans[0].ProviderID != "" {
		t.Fatalf("orphan provider ID = %q; want empty", orphans[0].ProviderID)
	}
	if svc.ActivePollers() != 0 {
		t.Fatalf("no poller should be armed on failed creation")
	}
}

func TestHandleWebhook_SuccessGrantsCreditsOnce(t *testing.T) {
	svc := newService(t, &fakeGateway{})
	ctx := context.Background()
	p := seedBound(t, svc, "u1", "yk-1", 5)

	ev := domain.WebhookEvent{
		Event: domain.EventPaymentSucceeded,
		Object: domain.WebhookPayment{
			ID: "yk-1", Status: yookassa.StatusSucceeded, Paid: true,
			Amount: domain.WebhookAmount{Value: "199.00", Currency: "RUB"},
		},
	}
	if err := svc.HandleWebhook(ctx, ev); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	// Redelivery of the same notification.
	if err := svc.HandleWebhook(ctx, ev); err != nil {
		t.Fatalf("duplicate webhook: %v", err)
	}

	got, err := repo.GetPayment(ctx, svc.DB, p.ID)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if got.Status != domain.StatusSucceeded {
		t.Fatalf("status = %q; want succeeded", got.Status)
	}
	if got.PaidAt == nil {
		t.Fatalf("paid_at not set")
	}

	bal, err := repo.GetBalance(ctx, svc.DB, "u1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal != 5 {
		t.Fatalf("balance = %d; want 5 (credits granted exactly once)", bal)
	}
}

func TestHandleWebhook_ConcurrentDeliveries(t *testing.T) {
	svc := newService(t, &fakeGateway{})
	ctx := context.Background()
	seedBound(t, svc, "u1", "yk-1", 10)

	ev := domain.WebhookEvent{
		Event:  domain.EventPaymentSucceeded,
		Object: domain.WebhookPayment{ID: "yk-1", Status: yookassa.StatusSucceeded, Paid: true},
	}

	const deliveries = 6
	var wg sync.WaitGroup
	errs := make(chan error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.HandleWebhook(ctx, ev)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent webhook: %v", err)
		}
	}

	bal, err := repo.GetBalance(ctx, svc.DB, "u1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal != 10 {
		t.Fatalf("balance = %d; want 10", bal)
	}
}

func TestHandleWebhook_UnknownProviderID(t *testing.T) {
	svc := newService(t, &fakeGateway{})
	ev := domain.WebhookEvent{
		Event:  domain.EventPaymentSucceeded,
		Object: domain.WebhookPayment{ID: "yk-ghost", Paid: true},
	}
	if err := svc.HandleWebhook(context.Background(), ev); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestHandleWebhook_CanceledEvent(t *testing.T) {
	svc := newService(t, &fakeGateway{})
	ctx := context.Background()
	p := seedBound(t, svc, "u1", "yk-1", 5)

	ev := domain.WebhookEvent{
		Event:  domain.EventPaymentCanceled,
		Object: domain.WebhookPayment{ID: "yk-1", Status: yookassa.StatusCanceled},
	}
	if err := svc.HandleWebhook(ctx, ev); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	got, _ := repo.GetPayment(ctx, svc.DB, p.ID)
	if got.Status != domain.StatusCanceled {
		t.Fatalf("status = %q; want canceled", got.Status)
	}
	bal, _ := repo.GetBalance(ctx, svc.DB, "u1")
	if bal != 0 {
		t.Fatalf("canceled payment must not grant credits, balance = %d", bal)
	}
}

func TestHandleWebhook_CancelAfterSuccessIsNoop(t *testing.T) {
	svc := newService(t, &fakeGateway{})
	ctx := context.Background()
	p := seedBound(t, svc, "u1", "yk-1", 5)

	succ := domain.WebhookEvent{
		Event:  domain.EventPaymentSucceeded,
		Object: domain.WebhookPayment{ID: "yk-1", Paid: true},
	}
	if err := svc.HandleWebhook(ctx, succ); err != nil {
		t.Fatalf("success webhook: %v", err)
	}

	canc := domain.WebhookEvent{
		Event:  domain.EventPaymentCanceled,
		Object: domain.WebhookPayment{ID: "yk-1"},
	}
	if err := svc.HandleWebhook(ctx, canc); err != nil {
		t.Fatalf("cancel webhook: %v", err)
	}

	got, _ := repo.GetPayment(ctx, svc.DB, p.ID)
	if got.Status != domain.StatusSucceeded {
		t.Fatalf("terminal state changed: %q", got.Status)
	}
	bal, _ := repo.GetBalance(ctx, svc.DB, "u1")
	if bal != 5 {
		t.Fatalf("balance = %d; want 5", bal)
	}
}

func TestCheckStatus_ReconcilesLiveSuccess(t *testing.T) {
	gw := &fakeGateway{status: yookassa.StatusSucceeded}
	svc := newService(t, gw)
	ctx := context.Background()
	p := seedBound(t, svc, "u1", "yk-1", 5)

	got, err := svc.CheckStatus(ctx, "u1", p.ID)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if got.Status != domain.StatusSucceeded {
		t.Fatalf("status = %q; want succeeded", got.Status)
	}
	bal, _ := repo.GetBalance(ctx, svc.DB, "u1")
	if bal != 5 {
		t.Fatalf("balance = %d; want 5", bal)
	}
}

func TestCheckStatus_GatewayDownReturnsLocalState(t *testing.T) {
	gw := &fakeGateway{getErr: errors.New("gateway down")}
	svc := newService(t, gw)
	p := seedBound(t, svc, "u1", "yk-1", 5)

	got, err := svc.CheckStatus(context.Background(), "u1", p.ID)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("status = %q; want pending", got.Status)
	}
}

func TestCheckStatus_AcceptsProviderID(t *testing.T) {
	gw := &fakeGateway{status: yookassa.StatusPending}
	svc := newService(t, gw)
	p := seedBound(t, svc, "u1", "yk-1", 5)

	got, err := svc.CheckStatus(context.Background(), "u1", "yk-1")
	if err != nil {
		t.Fatalf("CheckStatus by provider ID: %v", err)
	}
	if got.ID != p.ID {
		t.Fatalf("resolved payment %q; want %q", got.ID, p.ID)
	}
}

func TestCheckStatus_OtherUsersPaymentHidden(t *testing.T) {
	svc := newService(t, &fakeGateway{status: yookassa.StatusPending})
	p := seedBound(t, svc, "owner", "yk-1", 5)

	if _, err := svc.CheckStatus(context.Background(), "intruder", p.ID); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestPoller_FulfillsOnSuccess(t *testing.T) {
	gw := &fakeGateway{status: yookassa.StatusPending}
	svc := newService(t, gw)
	ctx := context.Background()
	p := seedBound(t, svc, "u1", "yk-1", 5)

	svc.ArmPoller("yk-1", p.ID)
	waitFor(t, "first poll", func() bool { return gw.calls() > 0 })

	gw.setStatus(yookassa.StatusSucceeded)
	waitFor(t, "fulfillment", func() bool {
		got, err := repo.GetPayment(ctx, svc.DB, p.ID)
		return err == nil && got.Status == domain.StatusSucceeded
	})
	waitFor(t, "poller exit", func() bool { return svc.ActivePollers() == 0 })

	bal, _ := repo.GetBalance(ctx, svc.DB, "u1")
	if bal != 5 {
		t.Fatalf("balance = %d; want 5", bal)
	}
}

func TestPoller_ArmIsIdempotent(t *testing.T) {
	gw := &fakeGateway{status: yookassa.StatusPending}
	svc := newService(t, gw)
	p := seedBound(t, svc, "u1", "yk-1", 5)

	svc.ArmPoller("yk-1", p.ID)
	svc.ArmPoller("yk-1", p.ID)
	svc.ArmPoller("yk-1", p.ID)

	if n := svc.ActivePollers(); n != 1 {
		t.Fatalf("active pollers = %d; want 1", n)
	}
}

func TestPoller_BudgetExhaustionCancels(t *testing.T) {
	gw := &fakeGateway{status: yookassa.StatusPending}
	svc := newService(t, gw)
	svc.PollMaxTicks = 3
	ctx := context.Background()
	p := seedBound(t, svc, "u1", "yk-1", 5)

	svc.ArmPoller("yk-1", p.ID)
	waitFor(t, "budget cancel", func() bool {
		got, err := repo.GetPayment(ctx, svc.DB, p.ID)
		return err == nil && got.Status == domain.StatusCanceled
	})
	waitFor(t, "poller exit", func() bool { return svc.ActivePollers() == 0 })

	if gw.calls() > 3 {
		t.Fatalf("poll calls = %d; want at most 3", gw.calls())
	}
	bal, _ := repo.GetBalance(ctx, svc.DB, "u1")
	if bal != 0 {
		t.Fatalf("exhausted payment must not grant credits, balance = %d", bal)
	}
}

func TestPoller_WebhookDisarms(t *testing.T) {
	gw := &fakeGateway{status: yookassa.StatusPending}
	svc := newService(t, gw)
	ctx := context.Background()
	p := seedBound(t, svc, "u1", "yk-1", 5)

	svc.ArmPoller("yk-1", p.ID)

	ev := domain.WebhookEvent{
		Event:  domain.EventPaymentSucceeded,
		Object: domain.WebhookPayment{ID: "yk-1", Paid: true},
	}
	if err := svc.HandleWebhook(ctx, ev); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	waitFor(t, "poller disarm", func() bool { return svc.ActivePollers() == 0 })

	bal, _ := repo.GetBalance(ctx, svc.DB, "u1")
	if bal != 5 {
		t.Fatalf("balance = %d; want 5", bal)
	}
}

func TestRecoverPending(t *testing.T) {
	gw := &fakeGateway{status: yookassa.StatusPending}
	svc := newService(t, gw)
	ctx := context.Background()
	svc.RecoveryWindow = time.Hour

	// Bound pending within the window: should get a poller.
	bound := seedBound(t, svc, "u1", "yk-1", 5)

	// Orphan pending (no provider ID): crash happened before the gateway call
	// completed, nothing to poll, left for manual reconciliation.
	orphan, err := repo.CreatePayment(ctx, svc.DB, "u1", "TARIFF_1_CARD", 1, "79.00", "RUB", uuid.NewString())
	if err != nil {
		t.Fatalf("seed orphan: %v", err)
	}

	// Stale pending outside the window: left alone.
	stale := seedBound(t, svc, "u1", "yk-2", 5)
	old := time.Now().UTC().Add(-2 * time.Hour)
	if err := svc.DB.Model(&domain.Payment{}).Where("id = ?", stale.ID).
		Update("created_at", old).Error; err != nil {
		t.Fatalf("age payment: %v", err)
	}

	armed, err := svc.RecoverPending(ctx)
	if err != nil {
		t.Fatalf("RecoverPending: %v", err)
	}
	if armed != 1 {
		t.Fatalf("armed = %d; want 1", armed)
	}
	if svc.ActivePollers() != 1 {
		t.Fatalf("active pollers = %d; want 1", svc.ActivePollers())
	}

	gotOrphan, _ := repo.GetPayment(ctx, svc.DB, orphan.ID)
	if gotOrphan.Status != domain.StatusPending {
		t.Fatalf("orphan status = %q; want pending", gotOrphan.Status)
	}
	gotBound, _ := repo.GetPayment(ctx, svc.DB, bound.ID)
	if gotBound.Status != domain.StatusPending {
		t.Fatalf("bound status = %q; want pending", gotBound.Status)
	}
	gotStale, _ := repo.GetPayment(ctx, svc.DB, stale.ID)
	if gotStale.Status != domain.StatusPending {
		t.Fatalf("stale status = %q; want pending", gotStale.Status)
	}
}

func TestListPage(t *testing.T) {
	svc := newService(t, &fakeGateway{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := repo.CreatePayment(ctx, svc.DB, "u1", "TARIFF_1_CARD", 1, "79.00", "RUB", uuid.NewString()); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	items, total, err := svc.ListPage(ctx, "u1", 1, 2)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("total=%d len=%d; want 3, 2", total, len(items))
	}

	// Defaults applied for out-of-range paging values.
	items, total, err = svc.ListPage(ctx, "u1", 0, 0)
	if err != nil {
		t.Fatalf("ListPage defaults: %v", err)
	}
	if total != 3 || len(items) != 3 {
		t.Fatalf("total=%d len=%d; want 3, 3", total, len(items))
	}

	items, total, err = svc.ListPage(ctx, "nobody", 1, 10)
	if err != nil || total != 0 || len(items) != 0 {
		t.Fatalf("empty history: items=%v total=%d err=%v", items, total, err)
	}
}

func TestBalance_DefaultsToZero(t *testing.T) {
	svc := newService(t, &fakeGateway{})
	bal, err := svc.Balance(context.Background(), "nobody")
	if err != nil || bal != 0 {
		t.Fatalf("Balance = %d, %v; want 0, nil", bal, err)
	}
}
