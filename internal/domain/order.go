package domain

import (
	"slices"
	"time"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was placed and awaits payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates payment was confirmed.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been handed to a carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before shipping.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusReturned indicates the goods came back from the customer.
	OrderStatusReturned OrderStatus = "returned"
	// OrderStatusRefunded indicates the full order total was refunded.
	OrderStatusRefunded OrderStatus = "refunded"
)

// OrderStatuses lists every known order status.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusReturned,
	OrderStatusRefunded,
}

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	return slices.Contains(OrderStatuses, s)
}

// PaymentStatus enumerates states of the payment sub-document.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusProcessing        PaymentStatus = "processing"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusCancelled         PaymentStatus = "cancelled"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// PaymentStatuses lists every known payment status.
var PaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusProcessing,
	PaymentStatusCompleted,
	PaymentStatusFailed,
	PaymentStatusCancelled,
	PaymentStatusRefunded,
	PaymentStatusPartiallyRefunded,
}

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	return slices.Contains(PaymentStatuses, s)
}

// PaymentMethodKinds lists the payment methods a customer may choose at checkout.
var PaymentMethodKinds = []string{"card", "paypal", "stripe", "apple_pay", "google_pay", "bank_transfer", "cash_on_delivery"}

// ShippingMethod selects the delivery speed and its flat price.
type ShippingMethod string

const (
	ShippingMethodStandard  ShippingMethod = "standard"
	ShippingMethodExpress   ShippingMethod = "express"
	ShippingMethodOvernight ShippingMethod = "overnight"
	ShippingMethodPickup    ShippingMethod = "pickup"
)

// deliveryDays is the transit estimate used when no carrier estimate exists.
var deliveryDays = map[ShippingMethod]int{
	ShippingMethodStandard:  7,
	ShippingMethodExpress:   3,
	ShippingMethodOvernight: 1,
	ShippingMethodPickup:    0,
}

// Valid reports whether m is a known shipping method.
func (m ShippingMethod) Valid() bool {
	_, ok := deliveryDays[m]
	return ok
}

// ShippingStatus tracks the carrier-side state which may lead or lag the order status.
type ShippingStatus string

const (
	ShippingStatusPending        ShippingStatus = "pending"
	ShippingStatusProcessing     ShippingStatus = "processing"
	ShippingStatusShipped        ShippingStatus = "shipped"
	ShippingStatusInTransit      ShippingStatus = "in_transit"
	ShippingStatusOutForDelivery ShippingStatus = "out_for_delivery"
	ShippingStatusDelivered      ShippingStatus = "delivered"
	ShippingStatusFailed         ShippingStatus = "failed"
	ShippingStatusReturned       ShippingStatus = "returned"
)

// ShippingStatuses lists every known shipping status.
var ShippingStatuses = []ShippingStatus{
	ShippingStatusPending,
	ShippingStatusProcessing,
	ShippingStatusShipped,
	ShippingStatusInTransit,
	ShippingStatusOutForDelivery,
	ShippingStatusDelivered,
	ShippingStatusFailed,
	ShippingStatusReturned,
}

// Valid reports whether s is a known shipping status.
func (s ShippingStatus) Valid() bool {
	return slices.Contains(ShippingStatuses, s)
}

// ReturnStatus tracks the administrative return workflow, separate from OrderStatus.
type ReturnStatus string

const (
	ReturnStatusNone      ReturnStatus = "none"
	ReturnStatusRequested ReturnStatus = "requested"
	ReturnStatusApproved  ReturnStatus = "approved"
	ReturnStatusRejected  ReturnStatus = "rejected"
	ReturnStatusReceived  ReturnStatus = "received"
	ReturnStatusProcessed ReturnStatus = "processed"
)

// ReturnWindow is how long after delivery a customer may request a return.
const ReturnWindow = 30 * 24 * time.Hour

// Order captures an immutable checkout record plus its mutable status sub-fields.
type Order struct {
	ID                 string
	OrderNumber        string
	CustomerID         string
	CustomerEmail      string
	CustomerPhone      string
	Items              []OrderLineItem
	Subtotal           int64
	Tax                int64
	TaxRate            int64
	Discount           int64
	DiscountCode       string
	ShippingCost       int64
	Total              int64
	Currency           string
	ShippingAddress    Address
	BillingAddress     *Address
	Payment            OrderPayment
	Shipping           OrderShipping
	Status             OrderStatus
	Notes              string
	CustomerNotes      string
	AdminNotes         string
	IsGift             bool
	GiftMessage        string
	GiftWrap           bool
	CancellationReason string
	ReturnReason       string
	ReturnStatus       ReturnStatus
	Source             string
	OrderDate          time.Time
	ConfirmedAt        *time.Time
	ShippedAt          *time.Time
	DeliveredAt        *time.Time
	CancelledAt        *time.Time
	ReturnedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OrderLineItem is a frozen snapshot of a product at order time.
type OrderLineItem struct {
	ProductID string
	Name      string
	Image     *ProductImage
	Price     int64
	Quantity  int
	SKU       string
	Total     int64
}

// OrderPayment is the payment sub-document owned by an order.
type OrderPayment struct {
	Method          string
	Status          PaymentStatus
	TransactionID   string
	PaymentIntentID string
	PaymentMethodID string
	Amount          int64
	Currency        string
	PaidAt          *time.Time
	FailureReason   string
	RefundAmount    int64
	RefundReason    string
	RefundedAt      *time.Time
	Refunds         []PaymentRefund
}

// PaymentRefund records one refund issued against the order's payment intent.
type PaymentRefund struct {
	RefundID  string
	Amount    int64
	Reason    string
	Status    string
	CreatedAt time.Time
}

// OrderShipping is the shipping sub-document owned by an order.
type OrderShipping struct {
	Method            ShippingMethod
	Cost              int64
	EstimatedDelivery *time.Time
	Carrier           string
	TrackingNumber    string
	TrackingURL       string
	ShippedAt         *time.Time
	DeliveredAt       *time.Time
	Status            ShippingStatus
	Notes             string
}

// StatusHistoryEntry is one append-only audit record of an order status write.
type StatusHistoryEntry struct {
	ID        string
	OrderID   string
	Status    OrderStatus
	Note      string
	UpdatedBy string
	Timestamp time.Time
}

// CanBeCancelled reports whether the order may still be cancelled.
func (o Order) CanBeCancelled() bool {
	switch o.Status {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing:
		return true
	default:
		return false
	}
}

// CanBeReturned reports whether a return may be requested at now.
func (o Order) CanBeReturned(now time.Time) bool {
	if o.Status != OrderStatusDelivered || o.DeliveredAt == nil {
		return false
	}
	return now.Sub(*o.DeliveredAt) <= ReturnWindow
}

// IsPaid reports whether payment has been captured.
func (o Order) IsPaid() bool {
	return o.Payment.Status == PaymentStatusCompleted
}

// TotalItems sums the quantity of every line item.
func (o Order) TotalItems() int {
	total := 0
	for _, item := range o.Items {
		total += item.Quantity
	}
	return total
}

// RefundedAmount sums every refund recorded on the payment.
func (o Order) RefundedAmount() int64 {
	var total int64
	for _, refund := range o.Payment.Refunds {
		total += refund.Amount
	}
	return total
}

// EstimatedDelivery returns the carrier estimate, or a method based estimate from the ship or order date.
func (o Order) EstimatedDelivery() time.Time {
	if o.Shipping.EstimatedDelivery != nil {
		return *o.Shipping.EstimatedDelivery
	}
	method := o.Shipping.Method
	if !method.Valid() {
		method = ShippingMethodStandard
	}
	base := o.OrderDate
	if o.ShippedAt != nil {
		base = *o.ShippedAt
	}
	return base.AddDate(0, 0, deliveryDays[method])
}
