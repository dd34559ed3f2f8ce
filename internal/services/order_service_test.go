package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/shopswift/api/internal/domain"
	"github.com/shopswift/api/internal/payments"
)

func TestNewOrderServiceRequiresRepositories(t *testing.T) {
	if _, err := NewOrderService(OrderServiceDeps{}); err == nil {
		t.Fatalf("expected error for missing repositories")
	}
}

func TestOrderServiceCreate_PricesAndPersists(t *testing.T) {
	f := newOrderFixture(t, nil)

	order, err := f.svc.Create(context.Background(), CreateOrderCommand{
		Actor:           customerActor,
		Items:           []CreateOrderItem{{ProductID: "prod_a", Quantity: 2}},
		ShippingAddress: testAddress(),
		PaymentMethod:   "card",
		CustomerNotes:   "<b>Leave at door</b>",
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if order.Subtotal != 2000 || order.Tax != 160 || order.Total != 2160 {
		t.Fatalf("unexpected totals subtotal=%d tax=%d total=%d", order.Subtotal, order.Tax, order.Total)
	}
	if order.OrderNumber != "ORD-202403-0001" {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if !strings.HasPrefix(order.ID, "ord_") {
		t.Fatalf("expected ord_ prefix, got %q", order.ID)
	}
	if order.Status != domain.OrderStatusPending || order.Payment.Status != domain.PaymentStatusPending {
		t.Fatalf("unexpected statuses %s/%s", order.Status, order.Payment.Status)
	}
	if order.Shipping.Method != domain.ShippingMethodStandard {
		t.Fatalf("expected default standard shipping, got %s", order.Shipping.Method)
	}
	if order.CustomerNotes != "Leave at door" {
		t.Fatalf("expected sanitized notes, got %q", order.CustomerNotes)
	}
	if order.BillingAddress == nil || order.BillingAddress.City != "Austin" {
		t.Fatalf("expected billing address copied from shipping")
	}
	if got := f.products.stock("prod_a"); got != 8 {
		t.Fatalf("expected stock 8, got %d", got)
	}
	if f.customers.spent["cust_1"] != 2160 || len(f.customers.cleared) != 1 {
		t.Fatalf("expected customer bookkeeping, spent=%d cleared=%v", f.customers.spent["cust_1"], f.customers.cleared)
	}
	history := f.history.forOrder(order.ID)
	if len(history) != 1 || history[0].Status != domain.OrderStatusPending || history[0].Note != "Order placed" {
		t.Fatalf("unexpected history %+v", history)
	}
	if len(f.notifier.confirmations) != 1 {
		t.Fatalf("expected confirmation email")
	}
	if types := f.events.types(); len(types) != 1 || types[0] != "order.created" {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestOrderServiceCreate_ExpressShippingIsTaxed(t *testing.T) {
	f := newOrderFixture(t, nil)

	order, err := f.svc.Create(context.Background(), CreateOrderCommand{
		Actor:           customerActor,
		Items:           []CreateOrderItem{{ProductID: "prod_a", Quantity: 1}},
		ShippingAddress: testAddress(),
		PaymentMethod:   "card",
		ShippingMethod:  domain.ShippingMethodExpress,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	// (1000 + 999) * 8% = 159.92
	if order.ShippingCost != 999 || order.Tax != 160 || order.Total != 2159 {
		t.Fatalf("unexpected totals shipping=%d tax=%d total=%d", order.ShippingCost, order.Tax, order.Total)
	}
}

func TestOrderServiceCreate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		items  []CreateOrderItem
		method string
		want   error
	}{
		{name: "no items", method: "card", want: ErrOrderInvalidInput},
		{name: "quantity too large", items: []CreateOrderItem{{ProductID: "prod_a", Quantity: 51}}, method: "card", want: ErrOrderInvalidInput},
		{name: "unknown payment method", items: []CreateOrderItem{{ProductID: "prod_a", Quantity: 1}}, method: "barter", want: ErrOrderInvalidInput},
		{name: "missing product", items: []CreateOrderItem{{ProductID: "prod_x", Quantity: 1}}, method: "card", want: ErrOrderNotFound},
		{name: "unpublished product", items: []CreateOrderItem{{ProductID: "prod_draft", Quantity: 1}}, method: "card", want: ErrOrderInvalidInput},
		{name: "insufficient stock", items: []CreateOrderItem{{ProductID: "prod_b", Quantity: 2}}, method: "card", want: ErrOrderInvalidInput},
		{name: "repeated lines exceed stock", items: []CreateOrderItem{{ProductID: "prod_b", Quantity: 1}, {ProductID: "prod_b", Quantity: 1}}, method: "card", want: ErrOrderInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newOrderFixture(t, nil)
			_, err := f.svc.Create(context.Background(), CreateOrderCommand{
				Actor:           customerActor,
				Items:           tc.items,
				ShippingAddress: testAddress(),
				PaymentMethod:   tc.method,
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(f.orders.orders) != 0 {
				t.Fatalf("expected no order persisted")
			}
			if f.products.stock("prod_b") != 1 {
				t.Fatalf("expected stock untouched")
			}
		})
	}
}

func TestOrderServiceCreate_MissingAddressField(t *testing.T) {
	f := newOrderFixture(t, nil)
	addr := testAddress()
	addr.ZipCode = " "
	_, err := f.svc.Create(context.Background(), CreateOrderCommand{
		Actor:           customerActor,
		Items:           []CreateOrderItem{{ProductID: "prod_a", Quantity: 1}},
		ShippingAddress: addr,
		PaymentMethod:   "card",
	})
	if !errors.Is(err, ErrOrderInvalidInput) || !strings.Contains(err.Error(), "zipCode") {
		t.Fatalf("expected zipCode validation error, got %v", err)
	}
}

func TestOrderServiceCreate_SequenceExhausted(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.counters.nextFn = func(context.Context, string, int64) (int64, error) {
		return 10000, nil
	}
	_, err := f.svc.Create(context.Background(), CreateOrderCommand{
		Actor:           customerActor,
		Items:           []CreateOrderItem{{ProductID: "prod_a", Quantity: 1}},
		ShippingAddress: testAddress(),
		PaymentMethod:   "card",
	})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestOrderServiceCreate_MonthlySequence(t *testing.T) {
	f := newOrderFixture(t, nil)
	var numbers []string
	for range 2 {
		order, err := f.svc.Create(context.Background(), CreateOrderCommand{
			Actor:           customerActor,
			Items:           []CreateOrderItem{{ProductID: "prod_a", Quantity: 1}},
			ShippingAddress: testAddress(),
			PaymentMethod:   "card",
		})
		if err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
		numbers = append(numbers, order.OrderNumber)
	}
	if numbers[0] != "ORD-202403-0001" || numbers[1] != "ORD-202403-0002" {
		t.Fatalf("unexpected numbers %v", numbers)
	}
	if f.counters.values["orders-202403"] != 2 {
		t.Fatalf("expected counter orders-202403 to be 2, got %v", f.counters.values)
	}
}

func TestOrderServiceGet_AccessControl(t *testing.T) {
	f := newOrderFixture(t, []domain.Order{seededOrder("ord_1")})
	ctx := context.Background()

	if _, err := f.svc.Get(ctx, "ord_1", customerActor); err != nil {
		t.Fatalf("owner should read order: %v", err)
	}
	if _, err := f.svc.Get(ctx, "ord_1", adminActor); err != nil {
		t.Fatalf("admin should read order: %v", err)
	}
	if _, err := f.svc.Get(ctx, "ord_1", otherActor); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.svc.Get(ctx, "missing", adminActor); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderServiceGetByNumber(t *testing.T) {
	f := newOrderFixture(t, []domain.Order{seededOrder("ord_1")})
	ctx := context.Background()

	order, err := f.svc.GetByNumber(ctx, "ORD-202403-0001", customerActor)
	if err != nil || order.ID != "ord_1" {
		t.Fatalf("expected ord_1, got %+v err=%v", order, err)
	}
	if _, err := f.svc.GetByNumber(ctx, "ORD-2024-1", customerActor); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for malformed number, got %v", err)
	}
}

func TestOrderServiceUpdateStatus_StrictRejectsIllegalEdge(t *testing.T) {
	delivered := seededOrder("ord_1", func(o *domain.Order) { o.Status = domain.OrderStatusDelivered })
	f := newOrderFixture(t, []domain.Order{delivered})

	_, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "ord_1",
		Status:  domain.OrderStatusProcessing,
		Actor:   adminActor,
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if got := f.orders.get("ord_1").Status; got != domain.OrderStatusDelivered {
		t.Fatalf("expected status unchanged, got %s", got)
	}
	if len(f.history.entries) != 0 {
		t.Fatalf("expected no history entries")
	}
}

func TestOrderServiceUpdateStatus_OverrideTagsNote(t *testing.T) {
	delivered := seededOrder("ord_1", func(o *domain.Order) { o.Status = domain.OrderStatusDelivered })
	f := newOrderFixture(t, []domain.Order{delivered}, withPolicy(OrderStatusPolicyOverride))

	order, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "ord_1",
		Status:  domain.OrderStatusProcessing,
		Note:    "Reopened for repack",
		Actor:   adminActor,
	})
	if err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}
	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected processing, got %s", order.Status)
	}
	history := f.history.forOrder("ord_1")
	if len(history) != 1 || history[0].Note != "[override] Reopened for repack" || history[0].UpdatedBy != "admin_1" {
		t.Fatalf("unexpected history %+v", history)
	}
	if !f.logs.has("order.status.override") {
		t.Fatalf("expected override log, got %v", f.logs.events)
	}
}

func TestOrderServiceUpdateStatus_SameStatusRejected(t *testing.T) {
	f := newOrderFixture(t, []domain.Order{seededOrder("ord_1")}, withPolicy(OrderStatusPolicyOverride))
	_, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusPending, Actor: adminActor})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestOrderServiceUpdateStatus_UnknownStatus(t *testing.T) {
	f := newOrderFixture(t, []domain.Order{seededOrder("ord_1")})
	_, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: "ord_1", Status: "lost", Actor: adminActor})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestOrderServiceUpdateStatus_ShippedSendsEmail(t *testing.T) {
	f := newOrderFixture(t, []domain.Order{seededOrder("ord_1", paid("pi_1"))})

	order, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: "ord_1",
		Status:  domain.OrderStatusShipped,
		Actor:   adminActor,
	})
	if err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}
	if order.ShippedAt == nil || order.Shipping.ShippedAt == nil || order.Shipping.Status != domain.ShippingStatusShipped {
		t.Fatalf("expected shipped timestamps, got %+v", order.Shipping)
	}
	if len(f.notifier.shipped) != 1 {
		t.Fatalf("expected shipped email")
	}
	if types := f.events.types(); len(types) != 1 || types[0] != "order.status.changed" {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestOrderServiceCancel_RestoresStock(t *testing.T) {
	f := newOrderFixture(t, []domain.Order{seededOrder("ord_1")})

	order, err := f.svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: "ord_1",
		Reason:  "Changed my mind",
		Actor:   customerActor,
	})
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled || order.CancelledAt == nil || order.CancellationReason != "Changed my mind" {
		t.Fatalf("unexpected order %+v", order)
	}
	if got := f.products.stock("prod_a"); got != 12 {
		t.Fatalf("expected stock 12, got %d", got)
	}
	if len(f.gateway.refundRequests) != 0 {
		t.Fatalf("expected no refund for unpaid order")
	}
	history := f.history.forOrder("ord_1")
	if len(history) != 1 || history[0].Status != domain.OrderStatusCancelled {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestOrderServiceCancel_Guards(t *testing.T) {
	shipped := seededOrder("ord_2", func(o *domain.Order) { o.Status = domain.OrderStatusShipped })
	f := newOrderFixture(t, []domain.Order{seededOrder("ord_1"), shipped})
	ctx := context.Background()

	if _, err := f.svc.Cancel(ctx, CancelOrderCommand{OrderID: "ord_1", Reason: "no", Actor: customerActor}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected short reason rejected, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, CancelOrderCommand{OrderID: "ord_1", Reason: "Not needed", Actor: otherActor}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, CancelOrderCommand{OrderID: "ord_2", Reason: "Not needed", Actor: customerActor}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state for shipped order, got %v", err)
	}
	if f.products.stock("prod_a") != 10 {
		t.Fatalf("expected stock untouched")
	}
}

func TestOrderServiceCancel_RefundsPaidOrder(t *testing.T) {
	f := newOrderFixture(t, []domain.Order{seededOrder("ord_1", paid("pi_1"))})

	order, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1", Reason: "Ordered twice", Actor: customerActor})
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if len(f.gateway.refundRequests) != 1 || f.gateway.refundRequests[0].Amount != 2160 || f.gateway.refundRequests[0].IntentID != "pi_1" {
		t.Fatalf("unexpected refund requests %+v", f.gateway.refundRequests)
	}
	if order.Payment.Status != domain.PaymentStatusRefunded || order.Payment.RefundAmount != 2160 || order.Payment.RefundedAt == nil {
		t.Fatalf("unexpected payment %+v", order.Payment)
	}
	if stored := f.orders.get("ord_1"); stored.Payment.Status != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded payment persisted, got %s", stored.Payment.Status)
	}
}

func TestOrderServiceCancel_RefundFailureKeepsCancellation(t *testing.T) {
	f := newOrderFixture(t, []domain.Order{seededOrder("ord_1", paid("pi_1"))})
	f.gateway.refundFn = func(context.Context, payments.RefundRequest) (payments.Refund, error) {
		return payments.Refund{}, errors.New("provider down")
	}

	order, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1", Reason: "Ordered twice", Actor: adminActor})
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled || order.Payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected cancelled order with completed payment, got %s/%s", order.Status, order.Payment.Status)
	}
	if !f.logs.has("order.refund.failed") {
		t.Fatalf("expected refund failure log")
	}
	history := f.history.forOrder("ord_1")
	if len(history) != 2 || !strings.Contains(history[1].Note, "Automatic refund failed") {
		t.Fatalf("expected failure note, got %+v", history)
	}
}

func TestOrderServiceUpdateStatus_CancelRestoresStock(t *testing.T) {
	f := newOrderFixture(t, []domain.Order{seededOrder("ord_1")})
	order, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusCancelled, Actor: adminActor})
	if err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled || f.products.stock("prod_a") != 12 {
		t.Fatalf("expected cancel with stock restore, status=%s stock=%d", order.Status, f.products.stock("prod_a"))
	}
}

func TestOrderServiceRequestReturn(t *testing.T) {
	deliveredAt := fixtureNow.Add(-10 * 24 * time.Hour)
	delivered := seededOrder("ord_1", paid("pi_1"), func(o *domain.Order) {
		o.Status = domain.OrderStatusDelivered
		o.DeliveredAt = &deliveredAt
	})
	f := newOrderFixture(t, []domain.Order{delivered})

	order, err := f.svc.RequestReturn(context.Background(), RequestReturnCommand{OrderID: "ord_1", Reason: "Arrived broken", Actor: customerActor})
	if err != nil {
		t.Fatalf("RequestReturn returned error: %v", err)
	}
	if order.ReturnStatus != domain.ReturnStatusRequested || order.ReturnReason != "Arrived broken" || order.Status != domain.OrderStatusDelivered {
		t.Fatalf("unexpected order %+v", order)
	}
	history := f.history.forOrder("ord_1")
	if len(history) != 1 || history[0].Status != domain.OrderStatusDelivered {
		t.Fatalf("expected note entry with unchanged status, got %+v", history)
	}
}

func TestOrderServiceRequestReturn_OutsideWindow(t *testing.T) {
	deliveredAt := fixtureNow.Add(-10 * 24 * time.Hour)
	delivered := seededOrder("ord_1", func(o *domain.Order) {
		o.Status = domain.OrderStatusDelivered
		o.DeliveredAt = &deliveredAt
	})
	f := newOrderFixture(t, []domain.Order{delivered}, withClock(fixtureNow.Add(25*24*time.Hour)))

	_, err := f.svc.RequestReturn(context.Background(), RequestReturnCommand{OrderID: "ord_1", Reason: "Too late", Actor: customerActor})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if got := f.orders.get("ord_1").ReturnStatus; got != domain.ReturnStatusNone {
		t.Fatalf("expected return status none, got %s", got)
	}
}

func TestOrderServiceMarkPaid_Idempotent(t *testing.T) {
	f := newOrderFixture(t, []domain.Order{seededOrder("ord_1", func(o *domain.Order) { o.Payment.PaymentIntentID = "pi_1" })})
	ctx := context.Background()

	order, err := f.svc.MarkPaid(ctx, MarkPaidCommand{OrderID: "ord_1", IntentID: "pi_1", ActorID: "cust_1"})
	if err != nil {
		t.Fatalf("MarkPaid returned error: %v", err)
	}
	if order.Status != domain.OrderStatusConfirmed || order.Payment.Status != domain.PaymentStatusCompleted || order.Payment.PaidAt == nil {
		t.Fatalf("unexpected order %+v", order)
	}
	if _, err := f.svc.MarkPaid(ctx, MarkPaidCommand{OrderID: "ord_1", IntentID: "pi_1", ActorID: "cust_1"}); err != nil {
		t.Fatalf("second MarkPaid returned error: %v", err)
	}
	history := f.history.forOrder("ord_1")
	if len(history) != 1 || history[0].Note != "Payment completed successfully" {
		t.Fatalf("expected a single history entry, got %+v", history)
	}
}

func TestOrderServiceRecordRefund_PartialThenFull(t *testing.T) {
	f := newOrderFixture(t, []domain.Order{seededOrder("ord_1", paid("pi_1"))})
	ctx := context.Background()

	order, err := f.svc.RecordRefund(ctx, RecordRefundCommand{OrderID: "ord_1", Refund: PaymentRefund{RefundID: "re_1", Amount: 1000, Reason: "requested_by_customer"}, ActorID: "admin_1"})
	if err != nil {
		t.Fatalf("RecordRefund returned error: %v", err)
	}
	if order.Status != domain.OrderStatusConfirmed || order.Payment.Status != domain.PaymentStatusPartiallyRefunded {
		t.Fatalf("expected partial refund, got %s/%s", order.Status, order.Payment.Status)
	}

	order, err = f.svc.RecordRefund(ctx, RecordRefundCommand{OrderID: "ord_1", Refund: PaymentRefund{RefundID: "re_2", Amount: 1160, Reason: "requested_by_customer"}, ActorID: "admin_1"})
	if err != nil {
		t.Fatalf("RecordRefund returned error: %v", err)
	}
	if order.Status != domain.OrderStatusRefunded || order.Payment.Status != domain.PaymentStatusRefunded || order.Payment.RefundAmount != 2160 {
		t.Fatalf("expected full refund, got %s/%s/%d", order.Status, order.Payment.Status, order.Payment.RefundAmount)
	}
	history := f.history.forOrder("ord_1")
	if len(history) != 2 || !strings.HasPrefix(history[1].Note, "Full refund processed: $21.6") {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestOrderServiceHistory(t *testing.T) {
	f := newOrderFixture(t, []domain.Order{seededOrder("ord_1")})
	ctx := context.Background()
	if _, err := f.svc.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusConfirmed, Actor: adminActor}); err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}
	entries, err := f.svc.History(ctx, "ord_1", customerActor)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one entry, got %v err=%v", entries, err)
	}
	if _, err := f.svc.History(ctx, "ord_1", otherActor); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestOrderServicePublishFailureIsLogged(t *testing.T) {
	f := newOrderFixture(t, []domain.Order{seededOrder("ord_1")})
	svc := f.svc.(*orderService)
	svc.events = failingPublisher{}

	if _, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusConfirmed, Actor: adminActor}); err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}
	if !f.logs.has("order.event.publish.failed") {
		t.Fatalf("expected publish failure log")
	}
}

type failingPublisher struct{}

func (failingPublisher) PublishOrderEvent(context.Context, OrderEvent) error {
	return errors.New("topic unavailable")
}

func TestOrderServiceCreate_LineItemsAreSnapshots(t *testing.T) {
	f := newOrderFixture(t, nil)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, CreateOrderCommand{
		Actor:           customerActor,
		Items:           []CreateOrderItem{{ProductID: "prod_a", Quantity: 2}},
		ShippingAddress: testAddress(),
		PaymentMethod:   "card",
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	f.products.mu.Lock()
	product := f.products.products["prod_a"]
	product.Price = 4500
	product.Name = "Desk Lamp (2025 edition)"
	f.products.products["prod_a"] = product
	f.products.mu.Unlock()

	reloaded, err := f.svc.Get(ctx, created.ID, customerActor)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	item := reloaded.Items[0]
	if item.Price != 1000 || item.Name != "Desk Lamp" || item.Total != 2000 {
		t.Fatalf("expected frozen line item, got %+v", item)
	}
	if reloaded.Subtotal != 2000 || reloaded.Total != 2160 {
		t.Fatalf("expected totals unchanged, got subtotal=%d total=%d", reloaded.Subtotal, reloaded.Total)
	}
}

func TestOrderServiceCreate_MissingProductMessage(t *testing.T) {
	f := newOrderFixture(t, nil)

	_, err := f.svc.Create(context.Background(), CreateOrderCommand{
		Actor:           customerActor,
		Items:           []CreateOrderItem{{ProductID: "prod_x", Quantity: 1}},
		ShippingAddress: testAddress(),
		PaymentMethod:   "card",
	})
	if !errors.Is(err, ErrOrderNotFound) || !strings.Contains(err.Error(), "product prod_x not found") {
		t.Fatalf("expected product not found, got %v", err)
	}
}

func TestOrderServiceCancel_VoidsOpenPaymentIntent(t *testing.T) {
	f := newOrderFixture(t, []domain.Order{seededOrder("ord_1", func(o *domain.Order) { o.Payment.PaymentIntentID = "pi_1" })})

	order, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1", Reason: "customer changed mind", Actor: customerActor})
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if len(f.gateway.cancelled) != 1 || f.gateway.cancelled[0] != "pi_1" {
		t.Fatalf("expected intent pi_1 cancelled, got %v", f.gateway.cancelled)
	}
	if order.Status != domain.OrderStatusCancelled || order.Payment.Status != domain.PaymentStatusCancelled {
		t.Fatalf("unexpected order %s/%s", order.Status, order.Payment.Status)
	}
	if stored := f.orders.get("ord_1"); stored.Payment.Status != domain.PaymentStatusCancelled {
		t.Fatalf("expected cancelled payment persisted, got %s", stored.Payment.Status)
	}
	if len(f.gateway.refundRequests) != 0 {
		t.Fatalf("expected no refund for unpaid order")
	}
}

func TestOrderServiceCancel_IntentVoidFailureIsNoted(t *testing.T) {
	f := newOrderFixture(t, []domain.Order{seededOrder("ord_1", func(o *domain.Order) { o.Payment.PaymentIntentID = "pi_1" })})
	f.gateway.cancelFn = func(context.Context, string) (payments.Intent, error) {
		return payments.Intent{}, errors.New("provider down")
	}

	order, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1", Reason: "customer changed mind", Actor: customerActor})
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled || order.Payment.Status != domain.PaymentStatusPending {
		t.Fatalf("unexpected order %s/%s", order.Status, order.Payment.Status)
	}
	if !f.logs.has("order.intent.cancel.failed") {
		t.Fatalf("expected intent cancel failure log")
	}
	history := f.history.forOrder("ord_1")
	if len(history) != 2 || !strings.Contains(history[1].Note, "Payment intent cancellation failed") {
		t.Fatalf("expected failure note, got %+v", history)
	}
}

func TestOrderServiceMarkPaid_CancelledOrderIsRefunded(t *testing.T) {
	cancelledAt := fixtureNow.Add(-time.Hour)
	cancelled := seededOrder("ord_1", func(o *domain.Order) {
		o.Status = domain.OrderStatusCancelled
		o.CancelledAt = &cancelledAt
		o.CancellationReason = "customer changed mind"
		o.Payment.PaymentIntentID = "pi_1"
	})
	f := newOrderFixture(t, []domain.Order{cancelled})

	order, err := f.svc.MarkPaid(context.Background(), MarkPaidCommand{OrderID: "ord_1", IntentID: "pi_1", ActorID: "webhook"})
	if err != nil {
		t.Fatalf("MarkPaid returned error: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected order to stay cancelled, got %s", order.Status)
	}
	if len(f.gateway.refundRequests) != 1 || f.gateway.refundRequests[0].IntentID != "pi_1" || f.gateway.refundRequests[0].Amount != 2160 {
		t.Fatalf("unexpected refund requests %+v", f.gateway.refundRequests)
	}
	if order.Payment.Status != domain.PaymentStatusRefunded || order.Payment.RefundAmount != 2160 || order.Payment.RefundReason != "customer changed mind" {
		t.Fatalf("unexpected payment %+v", order.Payment)
	}
	if stored := f.orders.get("ord_1"); stored.Payment.Status != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded payment persisted, got %s", stored.Payment.Status)
	}
	history := f.history.forOrder("ord_1")
	if len(history) != 1 || history[0].Status != domain.OrderStatusCancelled || !strings.Contains(history[0].Note, "after cancellation") {
		t.Fatalf("unexpected history %+v", history)
	}
	if f.products.stock("prod_a") != 10 {
		t.Fatalf("expected stock untouched, got %d", f.products.stock("prod_a"))
	}

	replay, err := f.svc.MarkPaid(context.Background(), MarkPaidCommand{OrderID: "ord_1", IntentID: "pi_1", ActorID: "webhook"})
	if err != nil {
		t.Fatalf("replayed MarkPaid returned error: %v", err)
	}
	if replay.Payment.Status != domain.PaymentStatusRefunded || len(f.gateway.refundRequests) != 1 {
		t.Fatalf("expected replay to be a no-op, got %s with %d refunds", replay.Payment.Status, len(f.gateway.refundRequests))
	}
}

func TestOrderServiceUpdateStatus_ShortCancelNote(t *testing.T) {
	f := newOrderFixture(t, []domain.Order{seededOrder("ord_1")})

	order, err := f.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusCancelled, Note: "dup", Actor: adminActor})
	if err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled || order.CancellationReason != "Cancelled by administrator: dup" {
		t.Fatalf("unexpected order %s reason=%q", order.Status, order.CancellationReason)
	}

	if got := adminCancelReason(""); got != "Cancelled by administrator" {
		t.Fatalf("unexpected default reason %q", got)
	}
	if got := adminCancelReason("Duplicate order"); got != "Duplicate order" {
		t.Fatalf("expected long note kept, got %q", got)
	}
}
