package services

import (
	"context"
	"time"

	domain "github.com/shopswift/api/internal/domain"
	"github.com/shopswift/api/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Address            = domain.Address
	Order              = domain.Order
	OrderLineItem      = domain.OrderLineItem
	OrderPayment       = domain.OrderPayment
	OrderShipping      = domain.OrderShipping
	OrderStatus        = domain.OrderStatus
	PaymentStatus      = domain.PaymentStatus
	PaymentRefund      = domain.PaymentRefund
	ShippingMethod     = domain.ShippingMethod
	ShippingStatus     = domain.ShippingStatus
	StatusHistoryEntry = domain.StatusHistoryEntry
	Product            = domain.Product
	Customer           = domain.Customer
	PaymentMethod      = domain.PaymentMethod
)

// Actor identifies the authenticated caller of a service operation.
type Actor struct {
	ID   string
	Role string
}

// OrderService exposes the order lifecycle: placement, reads, status changes and admin edits.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	Get(ctx context.Context, orderID string, actor Actor) (Order, error)
	GetByNumber(ctx context.Context, orderNumber string, actor Actor) (Order, error)
	GetByPaymentIntent(ctx context.Context, intentID string) (Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.Page[Order], error)
	History(ctx context.Context, orderID string, actor Actor) ([]StatusHistoryEntry, error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	RequestReturn(ctx context.Context, cmd RequestReturnCommand) (Order, error)
	UpdatePaymentStatus(ctx context.Context, cmd UpdatePaymentStatusCommand) (Order, error)
	UpdateShipping(ctx context.Context, cmd UpdateShippingCommand) (Order, error)
	AddNote(ctx context.Context, cmd AddOrderNoteCommand) (Order, error)
	ApplyDiscount(ctx context.Context, cmd ApplyDiscountCommand) (Order, error)
	Analytics(ctx context.Context, query AnalyticsQuery) (OrderAnalytics, error)
	AttachPaymentIntent(ctx context.Context, orderID string, intentID string) (Order, error)
	MarkPaid(ctx context.Context, cmd MarkPaidCommand) (Order, error)
	MarkPaymentFailed(ctx context.Context, cmd MarkPaymentFailedCommand) (Order, error)
	RecordRefund(ctx context.Context, cmd RecordRefundCommand) (Order, error)
}

// PaymentService bridges orders and the payment provider.
type PaymentService interface {
	CreateIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntentResult, error)
	Confirm(ctx context.Context, cmd ConfirmPaymentCommand) (PaymentConfirmation, error)
	Status(ctx context.Context, intentID string, actor Actor) (PaymentStatusResult, error)
	CancelIntent(ctx context.Context, cmd CancelPaymentIntentCommand) (Order, error)
	Refund(ctx context.Context, cmd RefundPaymentCommand) (RefundResult, error)
	ListPaymentMethods(ctx context.Context, actor Actor) ([]PaymentMethod, error)
	DetachPaymentMethod(ctx context.Context, paymentMethodID string, actor Actor) error
	CreateSetupIntent(ctx context.Context, actor Actor) (payments.SetupIntent, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error)
}

// OrderNotifier sends transactional order emails. Implementations never fail the caller.
type OrderNotifier interface {
	OrderConfirmation(ctx context.Context, order Order, customer Customer)
	OrderShipped(ctx context.Context, order Order)
}

// Permissions answers role based access questions.
type Permissions interface {
	Allowed(role, resource, action string) bool
}

// OrderMetrics records order lifecycle counters.
type OrderMetrics interface {
	OrderCreated(ctx context.Context, shippingMethod string)
	StatusChanged(ctx context.Context, from, to string)
	WebhookEvent(ctx context.Context, eventType, outcome string)
}

// WebhookVerifier authenticates provider webhook deliveries.
type WebhookVerifier interface {
	Verify(payload []byte, signatureHeader string) (payments.Event, error)
}

// EventDeduper runs fn at most once per event id.
type EventDeduper interface {
	Do(ctx context.Context, eventID string, fn func(ctx context.Context) error) (bool, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	CustomerID     string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// CreateOrderItem is one requested line.
type CreateOrderItem struct {
	ProductID string
	Quantity  int
}

// CreateOrderCommand places a new order for the acting customer.
type CreateOrderCommand struct {
	Actor           Actor
	Items           []CreateOrderItem
	ShippingAddress Address
	BillingAddress  *Address
	PaymentMethod   string
	ShippingMethod  ShippingMethod
	CustomerNotes   string
	IsGift          bool
	GiftMessage     string
	GiftWrap        bool
	Source          string
}

// OrderListFilter narrows admin order listings.
type OrderListFilter struct {
	Status         []OrderStatus
	PaymentStatus  []PaymentStatus
	ShippingStatus []ShippingStatus
	CustomerID     string
	From           *time.Time
	To             *time.Time
	Pagination     Pagination
}

// UpdateOrderStatusCommand is an admin status write.
type UpdateOrderStatusCommand struct {
	OrderID string
	Status  OrderStatus
	Note    string
	Actor   Actor
}

// CancelOrderCommand cancels an order on behalf of its owner or an admin.
type CancelOrderCommand struct {
	OrderID string
	Reason  string
	Actor   Actor
	// PaymentCancelled marks an unpaid intent as cancelled at the provider.
	PaymentCancelled bool
}

// RequestReturnCommand opens a return for a delivered order.
type RequestReturnCommand struct {
	OrderID string
	Reason  string
	Actor   Actor
}

// UpdatePaymentStatusCommand is an admin payment status write.
type UpdatePaymentStatusCommand struct {
	OrderID       string
	Status        PaymentStatus
	TransactionID string
	FailureReason string
	Actor         Actor
}

// UpdateShippingCommand edits tracking fields. Nil fields are left unchanged.
type UpdateShippingCommand struct {
	OrderID           string
	TrackingNumber    *string
	Carrier           *string
	TrackingURL       *string
	EstimatedDelivery *time.Time
	Status            *ShippingStatus
	Actor             Actor
}

// AddOrderNoteCommand appends to the order's public or admin notes.
type AddOrderNoteCommand struct {
	OrderID   string
	Note      string
	AdminNote bool
	Actor     Actor
}

// ApplyDiscountCommand sets a discount on an unpaid pending order.
type ApplyDiscountCommand struct {
	OrderID string
	Amount  int64
	Code    string
	Actor   Actor
}

// AnalyticsQuery selects the period and bucket size for order analytics.
type AnalyticsQuery struct {
	Start   time.Time
	End     time.Time
	GroupBy string
}

// AnalyticsBucket aggregates revenue for one period.
type AnalyticsBucket struct {
	Period            string
	Revenue           int64
	Orders            int
	AverageOrderValue int64
}

// OrderAnalytics summarises revenue and status distribution over a period.
type OrderAnalytics struct {
	Start              time.Time
	End                time.Time
	GroupBy            string
	Buckets            []AnalyticsBucket
	TotalRevenue       int64
	TotalOrders        int
	AverageOrderValue  int64
	StatusDistribution map[OrderStatus]int
}

// MarkPaidCommand records a captured payment.
type MarkPaidCommand struct {
	OrderID         string
	IntentID        string
	PaymentMethodID string
	Note            string
	ActorID         string
}

// MarkPaymentFailedCommand records a failed payment attempt.
type MarkPaymentFailedCommand struct {
	OrderID string
	Reason  string
	ActorID string
}

// RecordRefundCommand books a provider refund against the order.
type RecordRefundCommand struct {
	OrderID string
	Refund  PaymentRefund
	ActorID string
}

// CreatePaymentIntentCommand starts payment for an order.
type CreatePaymentIntentCommand struct {
	OrderID string
	Actor   Actor
}

// PaymentIntentResult is returned to the client to complete payment.
type PaymentIntentResult struct {
	ClientSecret    string
	PaymentIntentID string
	Amount          int64
	Currency        string
	OrderID         string
	OrderNumber     string
}

// ConfirmPaymentCommand confirms an intent with an optional payment method.
type ConfirmPaymentCommand struct {
	IntentID        string
	PaymentMethodID string
	Actor           Actor
}

// PaymentConfirmation carries the provider outcome and the updated order.
type PaymentConfirmation struct {
	Intent payments.Intent
	Order  Order
}

// PaymentStatusResult pairs the provider intent with its order when one exists.
type PaymentStatusResult struct {
	Intent payments.Intent
	Order  *Order
}

// CancelPaymentIntentCommand abandons an unpaid intent and its order.
type CancelPaymentIntentCommand struct {
	IntentID string
	Reason   string
	Actor    Actor
}

// RefundPaymentCommand refunds all or part of a captured intent. Nil Amount refunds the remainder.
type RefundPaymentCommand struct {
	IntentID string
	Amount   *int64
	Reason   string
	Actor    Actor
}

// RefundResult carries the provider refund and the updated order.
type RefundResult struct {
	Refund payments.Refund
	Order  Order
}

// WebhookResult reports how a webhook delivery was handled.
type WebhookResult struct {
	EventID   string
	Type      string
	Duplicate bool
}
