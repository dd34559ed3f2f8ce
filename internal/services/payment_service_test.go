package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	domain "github.com/shopswift/api/internal/domain"
	"github.com/shopswift/api/internal/payments"
)

type stubVerifier struct {
	verifyFn func([]byte, string) (payments.Event, error)
}

func (s stubVerifier) Verify(payload []byte, header string) (payments.Event, error) {
	return s.verifyFn(payload, header)
}

// memoryDeduper mirrors idempotency.EventDeduper: completed ids are skipped, failures release.
type memoryDeduper struct {
	mu   sync.Mutex
	done map[string]bool
}

func (d *memoryDeduper) Do(ctx context.Context, id string, fn func(context.Context) error) (bool, error) {
	d.mu.Lock()
	if d.done == nil {
		d.done = make(map[string]bool)
	}
	if d.done[id] {
		d.mu.Unlock()
		return true, nil
	}
	d.mu.Unlock()
	if err := fn(ctx); err != nil {
		return false, err
	}
	d.mu.Lock()
	d.done[id] = true
	d.mu.Unlock()
	return false, nil
}

type captureMetrics struct {
	webhooks []string
}

func (c *captureMetrics) OrderCreated(context.Context, string)          {}
func (c *captureMetrics) StatusChanged(context.Context, string, string) {}
func (c *captureMetrics) WebhookEvent(_ context.Context, eventType, outcome string) {
	c.webhooks = append(c.webhooks, eventType+":"+outcome)
}

type paymentFixture struct {
	*orderFixture
	payments PaymentService
	metrics  *captureMetrics
}

func newPaymentFixture(t *testing.T, orders []domain.Order, verifier WebhookVerifier) *paymentFixture {
	t.Helper()
	f := newOrderFixture(t, orders)
	metrics := &captureMetrics{}
	svc, err := NewPaymentService(PaymentServiceDeps{
		Orders:      f.svc,
		Customers:   f.customers,
		Gateway:     f.gateway,
		Verifier:    verifier,
		Deduper:     &memoryDeduper{},
		Permissions: rolePermissions{},
		Metrics:     metrics,
		Logger:      f.logs.log,
	})
	if err != nil {
		t.Fatalf("new payment service: %v", err)
	}
	return &paymentFixture{orderFixture: f, payments: svc, metrics: metrics}
}

func intentEvent(t *testing.T, id, eventType string, intent map[string]any) payments.Event {
	t.Helper()
	raw, err := json.Marshal(intent)
	if err != nil {
		t.Fatalf("marshal intent: %v", err)
	}
	return payments.Event{ID: id, Type: eventType, Raw: raw}
}

func TestPaymentServiceCreateIntent(t *testing.T) {
	f := newPaymentFixture(t, []domain.Order{seededOrder("ord_1")}, nil)

	result, err := f.payments.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: "ord_1", Actor: customerActor})
	if err != nil {
		t.Fatalf("CreateIntent returned error: %v", err)
	}
	if result.PaymentIntentID != "pi_test" || result.ClientSecret != "pi_test_secret" || result.Amount != 2160 || result.Currency != "usd" {
		t.Fatalf("unexpected result %+v", result)
	}
	req := f.gateway.intentRequests[0]
	if req.CustomerID != "cus_test" || req.Metadata["orderId"] != "ord_1" || req.Metadata["orderNumber"] != "ORD-202403-0001" {
		t.Fatalf("unexpected intent request %+v", req)
	}
	if got := f.customers.customers["cust_1"].StripeCustomerID; got != "cus_test" {
		t.Fatalf("expected provider customer persisted, got %q", got)
	}
	if got := f.orders.get("ord_1").Payment.PaymentIntentID; got != "pi_test" {
		t.Fatalf("expected intent attached, got %q", got)
	}

	if _, err := f.payments.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: "ord_1", Actor: customerActor}); err != nil {
		t.Fatalf("second CreateIntent returned error: %v", err)
	}
	if f.gateway.customerCreates != 1 {
		t.Fatalf("expected provider customer reused, created %d", f.gateway.customerCreates)
	}
}

func TestPaymentServiceCreateIntent_Rejections(t *testing.T) {
	f := newPaymentFixture(t, []domain.Order{seededOrder("ord_1"), seededOrder("ord_2", paid("pi_2"))}, nil)
	ctx := context.Background()

	if _, err := f.payments.CreateIntent(ctx, CreatePaymentIntentCommand{OrderID: "ord_2", Actor: customerActor}); !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("expected invalid state for paid order, got %v", err)
	}
	if _, err := f.payments.CreateIntent(ctx, CreatePaymentIntentCommand{OrderID: "ord_1", Actor: otherActor}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	f.gateway.createIntentFn = func(context.Context, payments.IntentRequest) (payments.Intent, error) {
		return payments.Intent{}, &payments.ProviderError{Op: "create intent", Message: "Your card was declined.", Card: true, Status: http.StatusPaymentRequired}
	}
	_, err := f.payments.CreateIntent(ctx, CreatePaymentIntentCommand{OrderID: "ord_1", Actor: customerActor})
	if !errors.Is(err, ErrPaymentProvider) || !payments.IsCardError(err) {
		t.Fatalf("expected wrapped card error, got %v", err)
	}
}

func TestPaymentServiceConfirm(t *testing.T) {
	pending := seededOrder("ord_1", func(o *domain.Order) { o.Payment.PaymentIntentID = "pi_1" })
	f := newPaymentFixture(t, []domain.Order{pending}, nil)

	result, err := f.payments.Confirm(context.Background(), ConfirmPaymentCommand{IntentID: "pi_1", PaymentMethodID: "pm_card", Actor: customerActor})
	if err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}
	if result.Order.Status != domain.OrderStatusConfirmed || result.Order.Payment.Status != domain.PaymentStatusCompleted || result.Order.Payment.PaymentMethodID != "pm_card" {
		t.Fatalf("unexpected order %+v", result.Order)
	}

	if _, err := f.payments.Confirm(context.Background(), ConfirmPaymentCommand{IntentID: "pi_unknown", Actor: customerActor}); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPaymentServiceConfirm_FailureLeavesStatus(t *testing.T) {
	pending := seededOrder("ord_1", func(o *domain.Order) { o.Payment.PaymentIntentID = "pi_1" })
	f := newPaymentFixture(t, []domain.Order{pending}, nil)
	f.gateway.confirmFn = func(_ context.Context, id, _ string) (payments.Intent, error) {
		return payments.Intent{ID: id, Status: payments.IntentStatusRequiresPaymentMethod, FailureMessage: "insufficient funds"}, nil
	}

	result, err := f.payments.Confirm(context.Background(), ConfirmPaymentCommand{IntentID: "pi_1", Actor: customerActor})
	if err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}
	if result.Order.Status != domain.OrderStatusPending || result.Order.Payment.Status != domain.PaymentStatusFailed || result.Order.Payment.FailureReason != "insufficient funds" {
		t.Fatalf("unexpected order %+v", result.Order)
	}
}

func TestPaymentServiceConfirm_CancelledOrderIsNotCharged(t *testing.T) {
	pending := seededOrder("ord_1", func(o *domain.Order) { o.Payment.PaymentIntentID = "pi_1" })
	f := newPaymentFixture(t, []domain.Order{pending}, nil)
	ctx := context.Background()

	if _, err := f.svc.Cancel(ctx, CancelOrderCommand{OrderID: "ord_1", Reason: "customer changed mind", Actor: customerActor}); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	_, err := f.payments.Confirm(ctx, ConfirmPaymentCommand{IntentID: "pi_1", PaymentMethodID: "pm_card", Actor: customerActor})
	if !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if len(f.gateway.confirmed) != 0 {
		t.Fatalf("expected provider confirm to be skipped, got %v", f.gateway.confirmed)
	}
	order := f.orders.get("ord_1")
	if order.Status != domain.OrderStatusCancelled || order.Payment.Status != domain.PaymentStatusCancelled {
		t.Fatalf("unexpected order %s/%s", order.Status, order.Payment.Status)
	}
	if f.products.stock("prod_a") != 12 || len(f.gateway.refundRequests) != 0 {
		t.Fatalf("unexpected stock %d or refunds %v", f.products.stock("prod_a"), f.gateway.refundRequests)
	}
}

func TestPaymentServiceRefund_PartialThenOverRefund(t *testing.T) {
	f := newPaymentFixture(t, []domain.Order{seededOrder("ord_1", paid("pi_1"))}, nil)
	ctx := context.Background()
	partial := int64(1000)

	result, err := f.payments.Refund(ctx, RefundPaymentCommand{IntentID: "pi_1", Amount: &partial, Reason: "requested_by_customer", Actor: adminActor})
	if err != nil {
		t.Fatalf("Refund returned error: %v", err)
	}
	if result.Order.Payment.Status != domain.PaymentStatusPartiallyRefunded || result.Order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected order %s/%s", result.Order.Status, result.Order.Payment.Status)
	}

	tooMuch := int64(1161)
	if _, err := f.payments.Refund(ctx, RefundPaymentCommand{IntentID: "pi_1", Amount: &tooMuch, Actor: adminActor}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected over-refund rejected, got %v", err)
	}
	if len(f.gateway.refundRequests) != 1 {
		t.Fatalf("expected provider not called for over-refund")
	}

	result, err = f.payments.Refund(ctx, RefundPaymentCommand{IntentID: "pi_1", Actor: adminActor})
	if err != nil {
		t.Fatalf("Refund returned error: %v", err)
	}
	if f.gateway.refundRequests[1].Amount != 1160 {
		t.Fatalf("expected remainder refunded, got %d", f.gateway.refundRequests[1].Amount)
	}
	if result.Order.Status != domain.OrderStatusRefunded || result.Order.Payment.Status != domain.PaymentStatusRefunded {
		t.Fatalf("expected full refund, got %s/%s", result.Order.Status, result.Order.Payment.Status)
	}
}

func TestPaymentServiceRefund_Validation(t *testing.T) {
	f := newPaymentFixture(t, []domain.Order{seededOrder("ord_1", func(o *domain.Order) { o.Payment.PaymentIntentID = "pi_1" })}, nil)
	ctx := context.Background()

	if _, err := f.payments.Refund(ctx, RefundPaymentCommand{IntentID: "pi_1", Reason: "whim", Actor: adminActor}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected invalid reason, got %v", err)
	}
	if _, err := f.payments.Refund(ctx, RefundPaymentCommand{IntentID: "pi_1", Actor: adminActor}); !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("expected invalid state for unpaid order, got %v", err)
	}
}

func TestPaymentServiceCancelIntent(t *testing.T) {
	pending := seededOrder("ord_1", func(o *domain.Order) { o.Payment.PaymentIntentID = "pi_1" })
	f := newPaymentFixture(t, []domain.Order{pending}, nil)

	order, err := f.payments.CancelIntent(context.Background(), CancelPaymentIntentCommand{IntentID: "pi_1", Actor: customerActor})
	if err != nil {
		t.Fatalf("CancelIntent returned error: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled || order.Payment.Status != domain.PaymentStatusCancelled {
		t.Fatalf("unexpected order %s/%s", order.Status, order.Payment.Status)
	}
	if f.products.stock("prod_a") != 12 {
		t.Fatalf("expected stock restored")
	}
}

func TestPaymentServiceDetachPaymentMethod_RequiresOwnership(t *testing.T) {
	f := newPaymentFixture(t, nil, nil)
	f.customers.customers["cust_1"] = domain.Customer{ID: "cust_1", StripeCustomerID: "cus_1"}
	f.gateway.listMethodsFn = func(context.Context, string) ([]domain.PaymentMethod, error) {
		return []domain.PaymentMethod{{ID: "pm_1", Brand: "visa", Last4: "4242"}}, nil
	}
	ctx := context.Background()

	if err := f.payments.DetachPaymentMethod(ctx, "pm_other", customerActor); !errors.Is(err, ErrPaymentForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := f.payments.DetachPaymentMethod(ctx, "pm_1", customerActor); err != nil {
		t.Fatalf("DetachPaymentMethod returned error: %v", err)
	}
	if len(f.gateway.detached) != 1 || f.gateway.detached[0] != "pm_1" {
		t.Fatalf("unexpected detach calls %v", f.gateway.detached)
	}
}

func TestPaymentServiceListPaymentMethods_NoProviderCustomer(t *testing.T) {
	f := newPaymentFixture(t, nil, nil)
	methods, err := f.payments.ListPaymentMethods(context.Background(), customerActor)
	if err != nil || len(methods) != 0 {
		t.Fatalf("expected empty list, got %v err=%v", methods, err)
	}
}

func TestPaymentServiceHandleWebhook_SucceededIsDeduplicated(t *testing.T) {
	pending := seededOrder("ord_1", func(o *domain.Order) { o.Payment.PaymentIntentID = "pi_1" })
	var f *paymentFixture
	verifier := stubVerifier{verifyFn: func([]byte, string) (payments.Event, error) {
		return intentEvent(t, "evt_1", payments.EventPaymentIntentSucceeded, map[string]any{"id": "pi_1", "status": "succeeded", "amount": 2160}), nil
	}}
	f = newPaymentFixture(t, []domain.Order{pending}, verifier)
	ctx := context.Background()

	first, err := f.payments.HandleWebhook(ctx, []byte(`{}`), "sig")
	if err != nil {
		t.Fatalf("HandleWebhook returned error: %v", err)
	}
	if first.Duplicate {
		t.Fatalf("first delivery must not be a duplicate")
	}
	updates := f.orders.updates

	second, err := f.payments.HandleWebhook(ctx, []byte(`{}`), "sig")
	if err != nil {
		t.Fatalf("HandleWebhook returned error: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected duplicate on redelivery")
	}
	if f.orders.updates != updates {
		t.Fatalf("expected no further writes on duplicate")
	}
	order := f.orders.get("ord_1")
	if order.Status != domain.OrderStatusConfirmed || order.Payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("unexpected order %s/%s", order.Status, order.Payment.Status)
	}
	history := f.history.forOrder("ord_1")
	if len(history) != 1 || history[0].Note != "Payment completed via webhook" {
		t.Fatalf("unexpected history %+v", history)
	}
	if len(f.metrics.webhooks) != 2 || f.metrics.webhooks[1] != "payment_intent.succeeded:duplicate" {
		t.Fatalf("unexpected metrics %v", f.metrics.webhooks)
	}
}

func TestPaymentServiceHandleWebhook_SucceededAfterCancelRefunds(t *testing.T) {
	pending := seededOrder("ord_1", func(o *domain.Order) { o.Payment.PaymentIntentID = "pi_1" })
	verifier := stubVerifier{verifyFn: func([]byte, string) (payments.Event, error) {
		return intentEvent(t, "evt_1", payments.EventPaymentIntentSucceeded, map[string]any{"id": "pi_1", "status": "succeeded", "amount": 2160}), nil
	}}
	f := newPaymentFixture(t, []domain.Order{pending}, verifier)
	ctx := context.Background()

	if _, err := f.svc.Cancel(ctx, CancelOrderCommand{OrderID: "ord_1", Reason: "customer changed mind", Actor: customerActor}); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if _, err := f.payments.HandleWebhook(ctx, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("HandleWebhook returned error: %v", err)
	}

	order := f.orders.get("ord_1")
	if order.Status != domain.OrderStatusCancelled || order.Payment.Status != domain.PaymentStatusRefunded {
		t.Fatalf("unexpected order %s/%s", order.Status, order.Payment.Status)
	}
	if len(f.gateway.refundRequests) != 1 || f.gateway.refundRequests[0].Amount != 2160 || f.gateway.refundRequests[0].IdempotencyKey != "cancel-ord_1" {
		t.Fatalf("unexpected refund requests %+v", f.gateway.refundRequests)
	}
}

func TestPaymentServiceHandleWebhook_Failed(t *testing.T) {
	pending := seededOrder("ord_1", func(o *domain.Order) { o.Payment.PaymentIntentID = "pi_1" })
	verifier := stubVerifier{verifyFn: func([]byte, string) (payments.Event, error) {
		return intentEvent(t, "evt_2", payments.EventPaymentIntentFailed, map[string]any{
			"id":                 "pi_1",
			"status":             "requires_payment_method",
			"last_payment_error": map[string]any{"message": "Your card was declined."},
		}), nil
	}}
	f := newPaymentFixture(t, []domain.Order{pending}, verifier)

	if _, err := f.payments.HandleWebhook(context.Background(), []byte(`{}`), "sig"); err != nil {
		t.Fatalf("HandleWebhook returned error: %v", err)
	}
	order := f.orders.get("ord_1")
	if order.Status != domain.OrderStatusPending || order.Payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("unexpected order %s/%s", order.Status, order.Payment.Status)
	}
}

func TestPaymentServiceHandleWebhook_InvalidSignature(t *testing.T) {
	verifier := stubVerifier{verifyFn: func([]byte, string) (payments.Event, error) {
		return payments.Event{}, payments.ErrInvalidSignature
	}}
	f := newPaymentFixture(t, []domain.Order{seededOrder("ord_1")}, verifier)

	_, err := f.payments.HandleWebhook(context.Background(), []byte(`{}`), "bad")
	if !errors.Is(err, ErrPaymentWebhookSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
	if f.orders.updates != 0 {
		t.Fatalf("expected no state change")
	}
}

func TestPaymentServiceHandleWebhook_UnknownIntentAcknowledged(t *testing.T) {
	verifier := stubVerifier{verifyFn: func([]byte, string) (payments.Event, error) {
		return intentEvent(t, "evt_3", payments.EventPaymentIntentSucceeded, map[string]any{"id": "pi_missing", "status": "succeeded"}), nil
	}}
	f := newPaymentFixture(t, nil, verifier)

	if _, err := f.payments.HandleWebhook(context.Background(), []byte(`{}`), "sig"); err != nil {
		t.Fatalf("expected acknowledgement, got %v", err)
	}
	if !f.logs.has("payment.webhook.order_missing") {
		t.Fatalf("expected order_missing log")
	}
}
