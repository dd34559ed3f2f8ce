package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/go-chi/chi/v5"

	domain "github.com/shopswift/api/internal/domain"
	"github.com/shopswift/api/internal/payments"
	"github.com/shopswift/api/internal/platform/auth"
	"github.com/shopswift/api/internal/platform/authz"
	"github.com/shopswift/api/internal/services"
)

const (
	customerToken = "customer-token"
	adminToken    = "admin-token"
)

var errNotImplemented = errors.New("not implemented")

type stubVerifier struct{}

func (stubVerifier) VerifyIDToken(_ context.Context, token string) (*firebaseauth.Token, error) {
	switch token {
	case customerToken:
		return &firebaseauth.Token{UID: "cust-1", Claims: map[string]interface{}{"email": "jane@example.com"}}, nil
	case adminToken:
		return &firebaseauth.Token{UID: "admin-1", Claims: map[string]interface{}{"role": "admin"}}, nil
	default:
		return nil, errors.New("invalid token")
	}
}

func newTestAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator(stubVerifier{})
}

func newTestEnforcer(t *testing.T) *authz.Enforcer {
	t.Helper()
	enforcer, err := authz.NewEnforcer()
	if err != nil {
		t.Fatalf("new enforcer: %v", err)
	}
	return enforcer
}

type stubOrderService struct {
	createFn        func(context.Context, services.CreateOrderCommand) (services.Order, error)
	getFn           func(context.Context, string, services.Actor) (services.Order, error)
	getByNumberFn   func(context.Context, string, services.Actor) (services.Order, error)
	listFn          func(context.Context, services.OrderListFilter) (domain.Page[services.Order], error)
	historyFn       func(context.Context, string, services.Actor) ([]services.StatusHistoryEntry, error)
	updateStatusFn  func(context.Context, services.UpdateOrderStatusCommand) (services.Order, error)
	cancelFn        func(context.Context, services.CancelOrderCommand) (services.Order, error)
	returnFn        func(context.Context, services.RequestReturnCommand) (services.Order, error)
	paymentStatusFn func(context.Context, services.UpdatePaymentStatusCommand) (services.Order, error)
	shippingFn      func(context.Context, services.UpdateShippingCommand) (services.Order, error)
	noteFn          func(context.Context, services.AddOrderNoteCommand) (services.Order, error)
	discountFn      func(context.Context, services.ApplyDiscountCommand) (services.Order, error)
	analyticsFn     func(context.Context, services.AnalyticsQuery) (services.OrderAnalytics, error)
}

func (s *stubOrderService) Create(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) Get(ctx context.Context, orderID string, actor services.Actor) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID, actor)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) GetByNumber(ctx context.Context, number string, actor services.Actor) (services.Order, error) {
	if s.getByNumberFn != nil {
		return s.getByNumberFn(ctx, number, actor)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) GetByPaymentIntent(context.Context, string) (services.Order, error) {
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) List(ctx context.Context, filter services.OrderListFilter) (domain.Page[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.Page[services.Order]{}, nil
}

func (s *stubOrderService) History(ctx context.Context, orderID string, actor services.Actor) ([]services.StatusHistoryEntry, error) {
	if s.historyFn != nil {
		return s.historyFn(ctx, orderID, actor)
	}
	return nil, errNotImplemented
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (services.Order, error) {
	if s.updateStatusFn != nil {
		return s.updateStatusFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) RequestReturn(ctx context.Context, cmd services.RequestReturnCommand) (services.Order, error) {
	if s.returnFn != nil {
		return s.returnFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) UpdatePaymentStatus(ctx context.Context, cmd services.UpdatePaymentStatusCommand) (services.Order, error) {
	if s.paymentStatusFn != nil {
		return s.paymentStatusFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) UpdateShipping(ctx context.Context, cmd services.UpdateShippingCommand) (services.Order, error) {
	if s.shippingFn != nil {
		return s.shippingFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) AddNote(ctx context.Context, cmd services.AddOrderNoteCommand) (services.Order, error) {
	if s.noteFn != nil {
		return s.noteFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) ApplyDiscount(ctx context.Context, cmd services.ApplyDiscountCommand) (services.Order, error) {
	if s.discountFn != nil {
		return s.discountFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) Analytics(ctx context.Context, query services.AnalyticsQuery) (services.OrderAnalytics, error) {
	if s.analyticsFn != nil {
		return s.analyticsFn(ctx, query)
	}
	return services.OrderAnalytics{}, errNotImplemented
}

func (s *stubOrderService) AttachPaymentIntent(context.Context, string, string) (services.Order, error) {
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) MarkPaid(context.Context, services.MarkPaidCommand) (services.Order, error) {
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) MarkPaymentFailed(context.Context, services.MarkPaymentFailedCommand) (services.Order, error) {
	return services.Order{}, errNotImplemented
}

func (s *stubOrderService) RecordRefund(context.Context, services.RecordRefundCommand) (services.Order, error) {
	return services.Order{}, errNotImplemented
}

type stubPaymentService struct {
	createIntentFn func(context.Context, services.CreatePaymentIntentCommand) (services.PaymentIntentResult, error)
	confirmFn      func(context.Context, services.ConfirmPaymentCommand) (services.PaymentConfirmation, error)
	statusFn       func(context.Context, string, services.Actor) (services.PaymentStatusResult, error)
	cancelFn       func(context.Context, services.CancelPaymentIntentCommand) (services.Order, error)
	refundFn       func(context.Context, services.RefundPaymentCommand) (services.RefundResult, error)
	listMethodsFn  func(context.Context, services.Actor) ([]services.PaymentMethod, error)
	detachFn       func(context.Context, string, services.Actor) error
	setupIntentFn  func(context.Context, services.Actor) (payments.SetupIntent, error)
	webhookFn      func(context.Context, []byte, string) (services.WebhookResult, error)
}

func (s *stubPaymentService) CreateIntent(ctx context.Context, cmd services.CreatePaymentIntentCommand) (services.PaymentIntentResult, error) {
	if s.createIntentFn != nil {
		return s.createIntentFn(ctx, cmd)
	}
	return services.PaymentIntentResult{}, errNotImplemented
}

func (s *stubPaymentService) Confirm(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.PaymentConfirmation, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, cmd)
	}
	return services.PaymentConfirmation{}, errNotImplemented
}

func (s *stubPaymentService) Status(ctx context.Context, intentID string, actor services.Actor) (services.PaymentStatusResult, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, intentID, actor)
	}
	return services.PaymentStatusResult{}, errNotImplemented
}

func (s *stubPaymentService) CancelIntent(ctx context.Context, cmd services.CancelPaymentIntentCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, errNotImplemented
}

func (s *stubPaymentService) Refund(ctx context.Context, cmd services.RefundPaymentCommand) (services.RefundResult, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, cmd)
	}
	return services.RefundResult{}, errNotImplemented
}

func (s *stubPaymentService) ListPaymentMethods(ctx context.Context, actor services.Actor) ([]services.PaymentMethod, error) {
	if s.listMethodsFn != nil {
		return s.listMethodsFn(ctx, actor)
	}
	return nil, errNotImplemented
}

func (s *stubPaymentService) DetachPaymentMethod(ctx context.Context, id string, actor services.Actor) error {
	if s.detachFn != nil {
		return s.detachFn(ctx, id, actor)
	}
	return errNotImplemented
}

func (s *stubPaymentService) CreateSetupIntent(ctx context.Context, actor services.Actor) (payments.SetupIntent, error) {
	if s.setupIntentFn != nil {
		return s.setupIntentFn(ctx, actor)
	}
	return payments.SetupIntent{}, errNotImplemented
}

func (s *stubPaymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) (services.WebhookResult, error) {
	if s.webhookFn != nil {
		return s.webhookFn(ctx, payload, signature)
	}
	return services.WebhookResult{}, errNotImplemented
}

func mountRoutes(path string, registrar RouteRegistrar) http.Handler {
	r := chi.NewRouter()
	r.Route(path, func(group chi.Router) {
		registrar(group)
	})
	return r
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func sampleOrder() services.Order {
	return services.Order{
		ID:          "ord_1",
		OrderNumber: "ORD-202403-0001",
		CustomerID:  "cust-1",
		Items: []services.OrderLineItem{
			{ProductID: "prod-1", Name: "Mug", Price: 1250, Quantity: 2, Total: 2500},
		},
		Subtotal: 2500,
		Tax:      200,
		TaxRate:  800,
		Total:    2700,
		Currency: "USD",
		Status:   domain.OrderStatusPending,
		Payment:  services.OrderPayment{Method: "card", Status: domain.PaymentStatusPending, Amount: 2700, Currency: "USD"},
		Shipping: services.OrderShipping{Method: domain.ShippingMethodStandard, Status: domain.ShippingStatusPending},
	}
}
