package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/shopswift/api/internal/domain"
	"github.com/shopswift/api/internal/payments"
	"github.com/shopswift/api/internal/platform/authz"
	"github.com/shopswift/api/internal/repositories"
)

var (
	// ErrPaymentInvalidInput signals malformed payment requests.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentNotFound indicates no order is linked to the payment intent.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrPaymentForbidden indicates the caller does not own the payment.
	ErrPaymentForbidden = errors.New("payment: forbidden")
	// ErrPaymentInvalidState indicates the order's payment cannot take the requested action.
	ErrPaymentInvalidState = errors.New("payment: invalid state")
	// ErrPaymentProvider wraps failures reported by the payment provider.
	ErrPaymentProvider = errors.New("payment: provider error")
	// ErrPaymentWebhookSignature indicates a webhook delivery failed signature verification.
	ErrPaymentWebhookSignature = errors.New("payment: invalid webhook signature")
)

const (
	webhookActor        = "stripe-webhook"
	defaultCancelReason = "Payment cancelled by customer"
)

var refundReasons = []string{
	payments.RefundReasonDuplicate,
	payments.RefundReasonFraudulent,
	payments.RefundReasonRequestedByCustomer,
}

// PaymentServiceDeps bundles collaborators for the payment service.
type PaymentServiceDeps struct {
	Orders      OrderService
	Customers   repositories.CustomerRepository
	Gateway     payments.Gateway
	Verifier    WebhookVerifier
	Deduper     EventDeduper
	Permissions Permissions
	Metrics     OrderMetrics
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders      OrderService
	customers   repositories.CustomerRepository
	gateway     payments.Gateway
	verifier    WebhookVerifier
	deduper     EventDeduper
	permissions Permissions
	metrics     OrderMetrics
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

// NewPaymentService validates dependencies and returns a PaymentService.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order service is required")
	}
	if deps.Customers == nil {
		return nil, errors.New("payment service: customer repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: payment gateway is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentService{
		orders:      deps.Orders,
		customers:   deps.Customers,
		gateway:     deps.Gateway,
		verifier:    deps.Verifier,
		deduper:     deps.Deduper,
		permissions: deps.Permissions,
		metrics:     deps.Metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *paymentService) CreateIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntentResult, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return PaymentIntentResult{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	order, err := s.orders.Get(ctx, cmd.OrderID, cmd.Actor)
	if err != nil {
		return PaymentIntentResult{}, err
	}
	if order.IsPaid() {
		return PaymentIntentResult{}, fmt.Errorf("%w: order is already paid", ErrPaymentInvalidState)
	}
	if order.Status == domain.OrderStatusCancelled {
		return PaymentIntentResult{}, fmt.Errorf("%w: order is cancelled", ErrPaymentInvalidState)
	}

	customerID, err := s.ensureProviderCustomer(ctx, order.CustomerID)
	if err != nil {
		return PaymentIntentResult{}, err
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, payments.IntentRequest{
		Amount:     order.Total,
		Currency:   strings.ToLower(order.Currency),
		CustomerID: customerID,
		Metadata: map[string]string{
			"orderId":     order.ID,
			"orderNumber": order.OrderNumber,
			"customerId":  order.CustomerID,
		},
	})
	if err != nil {
		return PaymentIntentResult{}, providerFailure(err)
	}

	order, err = s.orders.AttachPaymentIntent(ctx, order.ID, intent.ID)
	if err != nil {
		return PaymentIntentResult{}, err
	}
	s.logger(ctx, "payment.intent.created", map[string]any{
		"orderId":       order.ID,
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
	})
	return PaymentIntentResult{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		Amount:          intent.Amount,
		Currency:        intent.Currency,
		OrderID:         order.ID,
		OrderNumber:     order.OrderNumber,
	}, nil
}

// ensureProviderCustomer returns the customer's provider id, creating and persisting one on first use.
func (s *paymentService) ensureProviderCustomer(ctx context.Context, customerID string) (string, error) {
	customer, err := s.customers.FindByID(ctx, customerID)
	if err != nil {
		return "", mapPaymentRepositoryError(err)
	}
	if customer.StripeCustomerID != "" {
		return customer.StripeCustomerID, nil
	}
	providerID, err := s.gateway.CreateCustomer(ctx, payments.CustomerRequest{
		Email:    customer.Email,
		Name:     customer.DisplayName(),
		Metadata: map[string]string{"userId": customer.ID},
	})
	if err != nil {
		return "", providerFailure(err)
	}
	if err := s.customers.SetStripeCustomerID(ctx, customer.ID, providerID); err != nil {
		return "", mapPaymentRepositoryError(err)
	}
	return providerID, nil
}

func (s *paymentService) Confirm(ctx context.Context, cmd ConfirmPaymentCommand) (PaymentConfirmation, error) {
	intentID := strings.TrimSpace(cmd.IntentID)
	if intentID == "" {
		return PaymentConfirmation{}, fmt.Errorf("%w: payment intent id is required", ErrPaymentInvalidInput)
	}
	order, err := s.orderForIntent(ctx, intentID, cmd.Actor)
	if err != nil {
		return PaymentConfirmation{}, err
	}
	if order.Status != domain.OrderStatusPending {
		return PaymentConfirmation{}, fmt.Errorf("%w: order is %s", ErrPaymentInvalidState, order.Status)
	}

	intent, err := s.gateway.ConfirmPaymentIntent(ctx, intentID, strings.TrimSpace(cmd.PaymentMethodID))
	if err != nil {
		return PaymentConfirmation{}, providerFailure(err)
	}

	if intent.Succeeded() {
		order, err = s.orders.MarkPaid(ctx, MarkPaidCommand{
			OrderID:         order.ID,
			IntentID:        intent.ID,
			PaymentMethodID: intent.PaymentMethodID,
			Note:            "Payment completed successfully",
			ActorID:         cmd.Actor.ID,
		})
	} else {
		order, err = s.orders.MarkPaymentFailed(ctx, MarkPaymentFailedCommand{
			OrderID: order.ID,
			Reason:  firstNonEmpty(intent.FailureMessage, "Payment status: "+intent.Status),
			ActorID: cmd.Actor.ID,
		})
	}
	if err != nil {
		return PaymentConfirmation{}, err
	}
	return PaymentConfirmation{Intent: intent, Order: order}, nil
}

func (s *paymentService) Status(ctx context.Context, intentID string, actor Actor) (PaymentStatusResult, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return PaymentStatusResult{}, fmt.Errorf("%w: payment intent id is required", ErrPaymentInvalidInput)
	}
	intent, err := s.gateway.GetPaymentIntent(ctx, intentID)
	if err != nil {
		return PaymentStatusResult{}, providerFailure(err)
	}
	result := PaymentStatusResult{Intent: intent}

	order, err := s.orders.GetByPaymentIntent(ctx, intentID)
	switch {
	case err == nil:
		if !s.canAccess(order.CustomerID, actor) {
			return PaymentStatusResult{}, fmt.Errorf("%w: not authorized to view this payment", ErrPaymentForbidden)
		}
		result.Order = &order
	case errors.Is(err, ErrOrderNotFound):
		if !s.canAccess(intent.Metadata["customerId"], actor) {
			return PaymentStatusResult{}, fmt.Errorf("%w: not authorized to view this payment", ErrPaymentForbidden)
		}
	default:
		return PaymentStatusResult{}, err
	}
	return result, nil
}

func (s *paymentService) CancelIntent(ctx context.Context, cmd CancelPaymentIntentCommand) (Order, error) {
	intentID := strings.TrimSpace(cmd.IntentID)
	if intentID == "" {
		return Order{}, fmt.Errorf("%w: payment intent id is required", ErrPaymentInvalidInput)
	}
	order, err := s.orderForIntent(ctx, intentID, cmd.Actor)
	if err != nil {
		return Order{}, err
	}
	if order.IsPaid() {
		return Order{}, fmt.Errorf("%w: captured payments must be refunded", ErrPaymentInvalidState)
	}
	if !order.CanBeCancelled() {
		return Order{}, fmt.Errorf("%w: order cannot be cancelled while %s", ErrPaymentInvalidState, order.Status)
	}

	if _, err := s.gateway.CancelPaymentIntent(ctx, intentID); err != nil {
		return Order{}, providerFailure(err)
	}
	return s.orders.Cancel(ctx, CancelOrderCommand{
		OrderID:          order.ID,
		Reason:           firstNonEmpty(strings.TrimSpace(cmd.Reason), defaultCancelReason),
		Actor:            cmd.Actor,
		PaymentCancelled: true,
	})
}

func (s *paymentService) Refund(ctx context.Context, cmd RefundPaymentCommand) (RefundResult, error) {
	intentID := strings.TrimSpace(cmd.IntentID)
	if intentID == "" {
		return RefundResult{}, fmt.Errorf("%w: payment intent id is required", ErrPaymentInvalidInput)
	}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = payments.RefundReasonRequestedByCustomer
	}
	if !slices.Contains(refundReasons, reason) {
		return RefundResult{}, fmt.Errorf("%w: refund reason must be one of %s", ErrPaymentInvalidInput, strings.Join(refundReasons, ", "))
	}

	order, err := s.orders.GetByPaymentIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return RefundResult{}, fmt.Errorf("%w: no order for payment intent %s", ErrPaymentNotFound, intentID)
		}
		return RefundResult{}, err
	}
	if order.Payment.Status != domain.PaymentStatusCompleted && order.Payment.Status != domain.PaymentStatusPartiallyRefunded {
		return RefundResult{}, fmt.Errorf("%w: payment is %s", ErrPaymentInvalidState, order.Payment.Status)
	}

	remaining := order.Total - order.RefundedAmount()
	amount := remaining
	if cmd.Amount != nil {
		amount = *cmd.Amount
	}
	if amount <= 0 {
		return RefundResult{}, fmt.Errorf("%w: refund amount must be positive", ErrPaymentInvalidInput)
	}
	if amount > remaining {
		return RefundResult{}, fmt.Errorf("%w: refund amount exceeds refundable balance of %s", ErrPaymentInvalidInput, FormatMoney(remaining, order.Currency))
	}

	refund, err := s.gateway.CreateRefund(ctx, payments.RefundRequest{
		IntentID: intentID,
		Amount:   amount,
		Reason:   reason,
		Metadata: map[string]string{"orderId": order.ID, "orderNumber": order.OrderNumber},
	})
	if err != nil {
		return RefundResult{}, providerFailure(err)
	}

	createdAt := refund.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock()
	}
	order, err = s.orders.RecordRefund(ctx, RecordRefundCommand{
		OrderID: order.ID,
		Refund: PaymentRefund{
			RefundID:  refund.ID,
			Amount:    refund.Amount,
			Reason:    reason,
			Status:    refund.Status,
			CreatedAt: createdAt,
		},
		ActorID: cmd.Actor.ID,
	})
	if err != nil {
		return RefundResult{}, err
	}
	s.logger(ctx, "payment.refund.created", map[string]any{
		"orderId":  order.ID,
		"refundId": refund.ID,
		"amount":   refund.Amount,
	})
	return RefundResult{Refund: refund, Order: order}, nil
}

func (s *paymentService) ListPaymentMethods(ctx context.Context, actor Actor) ([]PaymentMethod, error) {
	customer, err := s.customers.FindByID(ctx, actor.ID)
	if err != nil {
		return nil, mapPaymentRepositoryError(err)
	}
	if customer.StripeCustomerID == "" {
		return []PaymentMethod{}, nil
	}
	methods, err := s.gateway.ListPaymentMethods(ctx, customer.StripeCustomerID)
	if err != nil {
		return nil, providerFailure(err)
	}
	return methods, nil
}

func (s *paymentService) DetachPaymentMethod(ctx context.Context, paymentMethodID string, actor Actor) error {
	paymentMethodID = strings.TrimSpace(paymentMethodID)
	if paymentMethodID == "" {
		return fmt.Errorf("%w: payment method id is required", ErrPaymentInvalidInput)
	}
	methods, err := s.ListPaymentMethods(ctx, actor)
	if err != nil {
		return err
	}
	owned := slices.ContainsFunc(methods, func(m PaymentMethod) bool { return m.ID == paymentMethodID })
	if !owned {
		return fmt.Errorf("%w: payment method does not belong to this customer", ErrPaymentForbidden)
	}
	if err := s.gateway.DetachPaymentMethod(ctx, paymentMethodID); err != nil {
		return providerFailure(err)
	}
	return nil
}

func (s *paymentService) CreateSetupIntent(ctx context.Context, actor Actor) (payments.SetupIntent, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return payments.SetupIntent{}, fmt.Errorf("%w: customer id is required", ErrPaymentInvalidInput)
	}
	customerID, err := s.ensureProviderCustomer(ctx, actor.ID)
	if err != nil {
		return payments.SetupIntent{}, err
	}
	setup, err := s.gateway.CreateSetupIntent(ctx, customerID)
	if err != nil {
		return payments.SetupIntent{}, providerFailure(err)
	}
	return setup, nil
}

func (s *paymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	if s.verifier == nil {
		return WebhookResult{}, fmt.Errorf("%w: webhook verification not configured", ErrPaymentProvider)
	}
	event, err := s.verifier.Verify(payload, signature)
	if err != nil {
		s.recordWebhook(ctx, "unknown", "invalid_signature")
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrPaymentWebhookSignature, err)
	}

	handle := func(ctx context.Context) error {
		return s.dispatchEvent(ctx, event)
	}
	duplicate := false
	if s.deduper != nil {
		duplicate, err = s.deduper.Do(ctx, event.ID, handle)
	} else {
		err = handle(ctx)
	}
	if err != nil {
		s.recordWebhook(ctx, event.Type, "error")
		s.logger(ctx, "payment.webhook.failed", map[string]any{
			"eventId": event.ID,
			"type":    event.Type,
			"error":   err.Error(),
		})
		return WebhookResult{}, err
	}
	outcome := "processed"
	if duplicate {
		outcome = "duplicate"
	}
	s.recordWebhook(ctx, event.Type, outcome)
	return WebhookResult{EventID: event.ID, Type: event.Type, Duplicate: duplicate}, nil
}

func (s *paymentService) dispatchEvent(ctx context.Context, event payments.Event) error {
	switch event.Type {
	case payments.EventPaymentIntentSucceeded:
		intent, err := event.PaymentIntent()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
		}
		order, ok, err := s.webhookOrder(ctx, event, intent.ID)
		if err != nil || !ok {
			return err
		}
		_, err = s.orders.MarkPaid(ctx, MarkPaidCommand{
			OrderID:         order.ID,
			IntentID:        intent.ID,
			PaymentMethodID: intent.PaymentMethodID,
			Note:            "Payment completed via webhook",
			ActorID:         webhookActor,
		})
		return err
	case payments.EventPaymentIntentFailed:
		intent, err := event.PaymentIntent()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
		}
		order, ok, err := s.webhookOrder(ctx, event, intent.ID)
		if err != nil || !ok {
			return err
		}
		_, err = s.orders.MarkPaymentFailed(ctx, MarkPaymentFailedCommand{
			OrderID: order.ID,
			Reason:  firstNonEmpty(intent.FailureMessage, "Payment failed"),
			ActorID: webhookActor,
		})
		return err
	case payments.EventSetupIntentSucceeded:
		s.logger(ctx, "payment.webhook.setup_intent.succeeded", map[string]any{
			"eventId":     event.ID,
			"setupIntent": event.ObjectID(),
		})
		return nil
	default:
		s.logger(ctx, "payment.webhook.unhandled", map[string]any{
			"eventId": event.ID,
			"type":    event.Type,
		})
		return nil
	}
}

// webhookOrder resolves the order for an intent event. Unknown intents are acknowledged and logged.
func (s *paymentService) webhookOrder(ctx context.Context, event payments.Event, intentID string) (Order, bool, error) {
	order, err := s.orders.GetByPaymentIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			s.logger(ctx, "payment.webhook.order_missing", map[string]any{
				"eventId":       event.ID,
				"type":          event.Type,
				"paymentIntent": intentID,
			})
			return Order{}, false, nil
		}
		return Order{}, false, err
	}
	return order, true, nil
}

func (s *paymentService) orderForIntent(ctx context.Context, intentID string, actor Actor) (Order, error) {
	order, err := s.orders.GetByPaymentIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return Order{}, fmt.Errorf("%w: no order for payment intent %s", ErrPaymentNotFound, intentID)
		}
		return Order{}, err
	}
	if !s.canAccess(order.CustomerID, actor) {
		return Order{}, fmt.Errorf("%w: not authorized to access this payment", ErrPaymentForbidden)
	}
	return order, nil
}

func (s *paymentService) canAccess(ownerID string, actor Actor) bool {
	if actor.ID != "" && ownerID == actor.ID {
		return true
	}
	if s.permissions == nil {
		return actor.Role == "admin"
	}
	return s.permissions.Allowed(actor.Role, authz.ResourceOrders, authz.ActionReadAll)
}

func (s *paymentService) recordWebhook(ctx context.Context, eventType, outcome string) {
	if s.metrics != nil {
		s.metrics.WebhookEvent(ctx, eventType, outcome)
	}
}

func providerFailure(err error) error {
	if errors.Is(err, ErrPaymentProvider) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPaymentProvider, err)
}

func mapPaymentRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPaymentNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("payment: repository unavailable: %w", err)
		}
	}
	return err
}
