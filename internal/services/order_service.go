package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	domain "github.com/shopswift/api/internal/domain"
	"github.com/shopswift/api/internal/payments"
	"github.com/shopswift/api/internal/platform/authz"
	"github.com/shopswift/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventCancelled     = "order.cancelled"
	orderEventReturnRequest = "order.return.requested"

	orderIDPrefix   = "ord_"
	historyIDPrefix = "hst_"

	defaultCurrency    = "USD"
	defaultOrderSource = "web"

	maxItemQuantity         = 50
	maxCustomerNotes        = 500
	maxGiftMessage          = 200
	minCancelReason         = 5
	maxCancelReason         = 200
	maxReturnReason         = 500
	maxOrderNote            = 1000
	maxOrderSequence        = 9999
	notesSeparator          = "\n---\n"
	defaultAdminCancel      = "Cancelled by administrator"
	defaultCancelledCapture = "Order cancelled before payment"
	orderCreatedHistNote    = "Order placed"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order or one of its referenced records could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the caller may not access the order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates concurrency conflicts, duplicates or an exhausted sequence.
	ErrOrderConflict = errors.New("order: conflict")
)

var orderNumberPattern = regexp.MustCompile(`^ORD-\d{6}-\d{4}$`)

// ValidOrderNumber reports whether number has the ORD-YYYYMM-NNNN shape.
func ValidOrderNumber(number string) bool {
	return orderNumberPattern.MatchString(number)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders       repositories.OrderRepository
	History      repositories.StatusHistoryRepository
	Products     repositories.ProductRepository
	Customers    repositories.CustomerRepository
	Counters     repositories.CounterRepository
	UnitOfWork   repositories.UnitOfWork
	Payments     payments.Gateway
	Notifier     OrderNotifier
	Permissions  Permissions
	Metrics      OrderMetrics
	Events       OrderEventPublisher
	TaxRateBPS   int64
	Currency     string
	StatusPolicy OrderStatusPolicy
	Clock        func() time.Time
	IDGenerator  func() string
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders      repositories.OrderRepository
	history     repositories.StatusHistoryRepository
	products    repositories.ProductRepository
	customers   repositories.CustomerRepository
	counters    repositories.CounterRepository
	unitOfWork  repositories.UnitOfWork
	payments    payments.Gateway
	notifier    OrderNotifier
	permissions Permissions
	metrics     OrderMetrics
	events      OrderEventPublisher
	taxRate     int64
	currency    string
	policy      OrderStatusPolicy
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.History == nil {
		return nil, errors.New("order service: status history repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Customers == nil {
		return nil, errors.New("order service: customer repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	taxRate := deps.TaxRateBPS
	if taxRate <= 0 {
		taxRate = DefaultTaxRateBPS
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	policy := deps.StatusPolicy
	if policy != OrderStatusPolicyOverride {
		policy = OrderStatusPolicyStrict
	}

	return &orderService{
		orders:      deps.Orders,
		history:     deps.History,
		products:    deps.Products,
		customers:   deps.Customers,
		counters:    deps.Counters,
		unitOfWork:  unit,
		payments:    deps.Payments,
		notifier:    deps.Notifier,
		permissions: deps.Permissions,
		metrics:     deps.Metrics,
		events:      deps.Events,
		taxRate:     taxRate,
		currency:    currency,
		policy:      policy,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	customerID := strings.TrimSpace(cmd.Actor.ID)
	if customerID == "" {
		return Order{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	if err := validateCreateCommand(&cmd); err != nil {
		return Order{}, err
	}

	now := s.now()
	order := Order{
		ID:              s.nextOrderID(),
		CustomerID:      customerID,
		TaxRate:         s.taxRate,
		Currency:        s.currency,
		ShippingAddress: cmd.ShippingAddress,
		BillingAddress:  cloneAddress(cmd.BillingAddress),
		Status:          domain.OrderStatusPending,
		CustomerNotes:   cmd.CustomerNotes,
		IsGift:          cmd.IsGift,
		GiftMessage:     cmd.GiftMessage,
		GiftWrap:        cmd.GiftWrap,
		ReturnStatus:    domain.ReturnStatusNone,
		Source:          firstNonEmpty(strings.TrimSpace(cmd.Source), defaultOrderSource),
		OrderDate:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
		Payment: OrderPayment{
			Method:   cmd.PaymentMethod,
			Status:   domain.PaymentStatusPending,
			Currency: s.currency,
		},
		Shipping: OrderShipping{
			Method: cmd.ShippingMethod,
			Status: domain.ShippingStatusPending,
		},
	}
	if order.BillingAddress == nil {
		order.BillingAddress = cloneAddress(&cmd.ShippingAddress)
	}
	historyID := s.nextHistoryID()

	var customer Customer
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		lines, err := s.loadLines(ctx, cmd.Items)
		if err != nil {
			return err
		}
		customer, err = s.customers.FindByID(ctx, customerID)
		if err != nil {
			if isRepoNotFound(err) {
				return fmt.Errorf("%w: customer %s not found", ErrOrderNotFound, customerID)
			}
			return s.mapRepositoryError(err)
		}

		number, err := s.generateOrderNumber(ctx, now)
		if err != nil {
			return err
		}

		priced := priceLines(lines, cmd.ShippingMethod, s.taxRate)
		order.OrderNumber = number
		order.Items = priced.Items
		order.Subtotal = priced.Subtotal
		order.ShippingCost = priced.Shipping
		order.Tax = priced.Tax
		order.Total = priced.Total
		order.Payment.Amount = priced.Total
		order.Shipping.Cost = priced.Shipping
		order.CustomerEmail = customer.Email
		order.CustomerPhone = firstNonEmpty(customer.Phone, cmd.ShippingAddress.Phone)

		if err := s.orders.Insert(ctx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.history.Append(ctx, StatusHistoryEntry{
			ID:        historyID,
			OrderID:   order.ID,
			Status:    domain.OrderStatusPending,
			Note:      orderCreatedHistNote,
			UpdatedBy: customerID,
			Timestamp: now,
		}); err != nil {
			return s.mapRepositoryError(err)
		}
		for _, item := range order.Items {
			if err := s.products.AdjustStock(ctx, item.ProductID, -int64(item.Quantity), int64(item.Quantity)); err != nil {
				return s.mapRepositoryError(err)
			}
		}
		if err := s.customers.ClearCart(ctx, customerID); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.customers.RecordOrder(ctx, customerID, order.ID, order.Total); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"total":       order.Total,
		"items":       order.TotalItems(),
	})
	if s.metrics != nil {
		s.metrics.OrderCreated(ctx, string(order.Shipping.Method))
	}
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CustomerID:    order.CustomerID,
		CurrentStatus: string(order.Status),
		ActorID:       customerID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"total":    order.Total,
			"currency": order.Currency,
		},
	})
	if s.notifier != nil {
		s.notifier.OrderConfirmation(ctx, order, customer)
	}
	return order, nil
}

func validateCreateCommand(cmd *CreateOrderCommand) error {
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	for i, item := range cmd.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: items[%d].productId is required", ErrOrderInvalidInput, i)
		}
		if item.Quantity < 1 || item.Quantity > maxItemQuantity {
			return fmt.Errorf("%w: items[%d].quantity must be between 1 and %d", ErrOrderInvalidInput, i, maxItemQuantity)
		}
	}
	if err := validateAddress("shippingAddress", cmd.ShippingAddress); err != nil {
		return err
	}
	if cmd.BillingAddress != nil {
		if err := validateAddress("billingAddress", *cmd.BillingAddress); err != nil {
			return err
		}
	}
	if !slices.Contains(domain.PaymentMethodKinds, cmd.PaymentMethod) {
		return fmt.Errorf("%w: invalid payment method %q", ErrOrderInvalidInput, cmd.PaymentMethod)
	}
	if cmd.ShippingMethod == "" {
		cmd.ShippingMethod = domain.ShippingMethodStandard
	}
	if !cmd.ShippingMethod.Valid() {
		return fmt.Errorf("%w: invalid shipping method %q", ErrOrderInvalidInput, cmd.ShippingMethod)
	}
	cmd.CustomerNotes = sanitizeText(cmd.CustomerNotes)
	if utf8.RuneCountInString(cmd.CustomerNotes) > maxCustomerNotes {
		return fmt.Errorf("%w: customer notes must be at most %d characters", ErrOrderInvalidInput, maxCustomerNotes)
	}
	cmd.GiftMessage = sanitizeText(cmd.GiftMessage)
	if utf8.RuneCountInString(cmd.GiftMessage) > maxGiftMessage {
		return fmt.Errorf("%w: gift message must be at most %d characters", ErrOrderInvalidInput, maxGiftMessage)
	}
	return nil
}

func validateAddress(field string, addr Address) error {
	required := map[string]string{
		"firstName": addr.FirstName,
		"lastName":  addr.LastName,
		"address":   addr.Address,
		"city":      addr.City,
		"state":     addr.State,
		"zipCode":   addr.ZipCode,
	}
	for _, key := range []string{"firstName", "lastName", "address", "city", "state", "zipCode"} {
		if strings.TrimSpace(required[key]) == "" {
			return fmt.Errorf("%w: %s.%s is required", ErrOrderInvalidInput, field, key)
		}
	}
	return nil
}

// loadLines reads every product before anything is written and checks availability. Quantities
// of repeated products are summed for the stock check.
func (s *orderService) loadLines(ctx context.Context, items []CreateOrderItem) ([]lineRequest, error) {
	products := make(map[string]Product, len(items))
	requested := make(map[string]int, len(items))
	lines := make([]lineRequest, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		product, ok := products[id]
		if !ok {
			found, err := s.products.FindByID(ctx, id)
			if err != nil {
				if isRepoNotFound(err) {
					return nil, fmt.Errorf("%w: product %s not found", ErrOrderNotFound, id)
				}
				return nil, s.mapRepositoryError(err)
			}
			product = found
			products[id] = product
		}
		if !product.Purchasable() {
			return nil, fmt.Errorf("%w: product %s is not available", ErrOrderInvalidInput, product.Name)
		}
		requested[id] += item.Quantity
		if !product.HasStockFor(requested[id]) {
			return nil, fmt.Errorf("%w: insufficient stock for %s", ErrOrderInvalidInput, product.Name)
		}
		lines = append(lines, lineRequest{product: product, quantity: item.Quantity})
	}
	return lines, nil
}

func (s *orderService) Get(ctx context.Context, orderID string, actor Actor) (Order, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := s.authorizeRead(order, actor); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) GetByNumber(ctx context.Context, orderNumber string, actor Actor) (Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if !ValidOrderNumber(orderNumber) {
		return Order{}, fmt.Errorf("%w: invalid order number format", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByNumber(ctx, orderNumber)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := s.authorizeRead(order, actor); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) GetByPaymentIntent(ctx context.Context, intentID string) (Order, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return Order{}, fmt.Errorf("%w: payment intent id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByPaymentIntent(ctx, intentID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) List(ctx context.Context, filter OrderListFilter) (domain.Page[Order], error) {
	for _, status := range filter.Status {
		if !status.Valid() {
			return domain.Page[Order]{}, fmt.Errorf("%w: unknown order status %q", ErrOrderInvalidInput, status)
		}
	}
	for _, status := range filter.PaymentStatus {
		if !status.Valid() {
			return domain.Page[Order]{}, fmt.Errorf("%w: unknown payment status %q", ErrOrderInvalidInput, status)
		}
	}
	for _, status := range filter.ShippingStatus {
		if !status.Valid() {
			return domain.Page[Order]{}, fmt.Errorf("%w: unknown shipping status %q", ErrOrderInvalidInput, status)
		}
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return domain.Page[Order]{}, fmt.Errorf("%w: end date must not precede start date", ErrOrderInvalidInput)
	}
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		Status:         filter.Status,
		PaymentStatus:  filter.PaymentStatus,
		ShippingStatus: filter.ShippingStatus,
		CustomerID:     strings.TrimSpace(filter.CustomerID),
		OrderDate:      domain.RangeQuery[time.Time]{From: filter.From, To: filter.To},
		Pagination:     filter.Pagination,
	})
	if err != nil {
		return domain.Page[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) History(ctx context.Context, orderID string, actor Actor) ([]StatusHistoryEntry, error) {
	if _, err := s.Get(ctx, orderID, actor); err != nil {
		return nil, err
	}
	entries, err := s.history.List(ctx, orderID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return entries, nil
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	target := OrderStatus(strings.ToLower(strings.TrimSpace(string(cmd.Status))))
	if !target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown order status %q", ErrOrderInvalidInput, cmd.Status)
	}
	note := sanitizeText(cmd.Note)
	if target == domain.OrderStatusCancelled {
		return s.cancel(ctx, CancelOrderCommand{
			OrderID: cmd.OrderID,
			Reason:  adminCancelReason(note),
			Actor:   cmd.Actor,
		}, false)
	}

	var (
		order      Order
		previous   OrderStatus
		overridden bool
	)
	historyID := s.nextHistoryID()
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.load(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		previous = order.Status
		entry, forced, err := transition(&order, target, note, cmd.Actor.ID, s.now(), s.policy == OrderStatusPolicyOverride)
		if err != nil {
			return err
		}
		overridden = forced
		entry.ID = historyID
		return s.save(ctx, order, entry)
	})
	if err != nil {
		return Order{}, err
	}

	if overridden {
		s.logger(ctx, "order.status.override", map[string]any{
			"orderId": order.ID,
			"from":    string(previous),
			"to":      string(target),
			"actor":   cmd.Actor.ID,
		})
	}
	s.statusChanged(ctx, order, previous, cmd.Actor.ID)
	if target == domain.OrderStatusShipped && previous != domain.OrderStatusShipped && s.notifier != nil {
		s.notifier.OrderShipped(ctx, order)
	}
	return order, nil
}

// adminCancelReason keeps a short admin note readable as a cancellation reason.
func adminCancelReason(note string) string {
	switch {
	case note == "":
		return defaultAdminCancel
	case utf8.RuneCountInString(note) < minCancelReason:
		return defaultAdminCancel + ": " + note
	default:
		return note
	}
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	return s.cancel(ctx, cmd, true)
}

// cancel restores stock and cancels inside one transaction, then refunds a captured payment or
// voids an open payment intent. A failed provider call leaves the cancellation in place.
func (s *orderService) cancel(ctx context.Context, cmd CancelOrderCommand, checkAccess bool) (Order, error) {
	reason := sanitizeText(cmd.Reason)
	if n := utf8.RuneCountInString(reason); n < minCancelReason || n > maxCancelReason {
		return Order{}, fmt.Errorf("%w: cancellation reason must be between %d and %d characters", ErrOrderInvalidInput, minCancelReason, maxCancelReason)
	}

	var (
		order    Order
		previous OrderStatus
	)
	historyID := s.nextHistoryID()
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.load(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if checkAccess {
			if err := s.authorizeRead(order, cmd.Actor); err != nil {
				return err
			}
		}
		if !order.CanBeCancelled() {
			return fmt.Errorf("%w: order cannot be cancelled while %s", ErrOrderInvalidState, order.Status)
		}
		previous = order.Status

		restock := make(map[string]int64, len(order.Items))
		for _, item := range order.Items {
			restock[item.ProductID] += int64(item.Quantity)
		}
		if err := s.products.RestoreStock(ctx, restock); err != nil {
			return s.mapRepositoryError(err)
		}

		entry, _, err := transition(&order, domain.OrderStatusCancelled, "Order cancelled: "+reason, cmd.Actor.ID, s.now(), false)
		if err != nil {
			return err
		}
		entry.ID = historyID
		order.CancellationReason = reason
		if cmd.PaymentCancelled && !order.IsPaid() {
			order.Payment.Status = domain.PaymentStatusCancelled
		}
		return s.save(ctx, order, entry)
	})
	if err != nil {
		return Order{}, err
	}

	s.statusChanged(ctx, order, previous, cmd.Actor.ID)
	switch {
	case order.IsPaid() || order.Payment.Status == domain.PaymentStatusPartiallyRefunded:
		order = s.refundCancelled(ctx, order, reason, cmd.Actor.ID)
	case order.Payment.PaymentIntentID != "" && !cmd.PaymentCancelled && hasOpenIntent(order.Payment.Status):
		order = s.voidIntent(ctx, order, cmd.Actor.ID)
	}
	return order, nil
}

func isRefundedPayment(status domain.PaymentStatus) bool {
	return status == domain.PaymentStatusRefunded || status == domain.PaymentStatusPartiallyRefunded
}

func hasOpenIntent(status domain.PaymentStatus) bool {
	return status == domain.PaymentStatusPending || status == domain.PaymentStatusFailed
}

// voidIntent cancels the provider intent of an unpaid cancelled order so it can no longer be
// charged. A capture that still races through is refunded by MarkPaid.
func (s *orderService) voidIntent(ctx context.Context, order Order, actorID string) Order {
	if s.payments == nil {
		s.recordProviderFailure(ctx, order, "order.intent.cancel.failed", "Payment intent cancellation failed", errors.New("payment provider not configured"), actorID)
		return order
	}
	if _, err := s.payments.CancelPaymentIntent(ctx, order.Payment.PaymentIntentID); err != nil {
		s.recordProviderFailure(ctx, order, "order.intent.cancel.failed", "Payment intent cancellation failed", err, actorID)
		return order
	}
	order.Payment.Status = domain.PaymentStatusCancelled
	order.UpdatedAt = s.now()
	if err := s.orders.Update(ctx, order); err != nil {
		s.logger(ctx, "order.intent.cancel.persist.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
	return order
}

func (s *orderService) refundCancelled(ctx context.Context, order Order, reason, actorID string) Order {
	now := s.now()
	refundable := order.Total - order.RefundedAmount()
	if order.Payment.PaymentIntentID != "" && refundable > 0 {
		if s.payments == nil {
			s.recordProviderFailure(ctx, order, "order.refund.failed", "Automatic refund failed", errors.New("payment provider not configured"), actorID)
			return order
		}
		refund, err := s.payments.CreateRefund(ctx, payments.RefundRequest{
			IntentID:       order.Payment.PaymentIntentID,
			Amount:         refundable,
			Reason:         payments.RefundReasonRequestedByCustomer,
			IdempotencyKey: "cancel-" + order.ID,
			Metadata:       map[string]string{"orderId": order.ID, "orderNumber": order.OrderNumber},
		})
		if err != nil {
			s.recordProviderFailure(ctx, order, "order.refund.failed", "Automatic refund failed", err, actorID)
			return order
		}
		order.Payment.Refunds = append(order.Payment.Refunds, PaymentRefund{
			RefundID:  refund.ID,
			Amount:    refund.Amount,
			Reason:    reason,
			Status:    refund.Status,
			CreatedAt: now,
		})
	}

	order.Payment.Status = domain.PaymentStatusRefunded
	order.Payment.RefundAmount = order.Total
	order.Payment.RefundReason = reason
	order.Payment.RefundedAt = &now
	order.UpdatedAt = now
	if err := s.orders.Update(ctx, order); err != nil {
		s.logger(ctx, "order.refund.persist.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
	return order
}

func (s *orderService) recordProviderFailure(ctx context.Context, order Order, event, note string, providerErr error, actorID string) {
	s.logger(ctx, event, map[string]any{
		"orderId":       order.ID,
		"paymentIntent": order.Payment.PaymentIntentID,
		"error":         providerErr.Error(),
	})
	entry := noteEntry(order, note+": "+providerErr.Error(), actorID, s.now())
	entry.ID = s.nextHistoryID()
	if err := s.history.Append(ctx, entry); err != nil {
		s.logger(ctx, "order.history.append.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func (s *orderService) RequestReturn(ctx context.Context, cmd RequestReturnCommand) (Order, error) {
	reason := sanitizeText(cmd.Reason)
	if reason == "" {
		return Order{}, fmt.Errorf("%w: return reason is required", ErrOrderInvalidInput)
	}
	if utf8.RuneCountInString(reason) > maxReturnReason {
		return Order{}, fmt.Errorf("%w: return reason must be at most %d characters", ErrOrderInvalidInput, maxReturnReason)
	}

	var order Order
	historyID := s.nextHistoryID()
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.load(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if err := s.authorizeRead(order, cmd.Actor); err != nil {
			return err
		}
		now := s.now()
		if !order.CanBeReturned(now) {
			return fmt.Errorf("%w: order is not eligible for return", ErrOrderInvalidState)
		}
		if order.ReturnStatus != domain.ReturnStatusNone && order.ReturnStatus != "" {
			return fmt.Errorf("%w: a return was already requested", ErrOrderInvalidState)
		}
		order.ReturnReason = reason
		order.ReturnStatus = domain.ReturnStatusRequested
		order.UpdatedAt = now
		entry := noteEntry(order, "Return requested: "+reason, cmd.Actor.ID, now)
		entry.ID = historyID
		return s.save(ctx, order, entry)
	})
	if err != nil {
		return Order{}, err
	}
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventReturnRequest,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CustomerID:    order.CustomerID,
		CurrentStatus: string(order.Status),
		ActorID:       cmd.Actor.ID,
		OccurredAt:    order.UpdatedAt,
	})
	return order, nil
}

func (s *orderService) AttachPaymentIntent(ctx context.Context, orderID string, intentID string) (Order, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return Order{}, fmt.Errorf("%w: payment intent id is required", ErrOrderInvalidInput)
	}
	var order Order
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.load(ctx, orderID)
		if err != nil {
			return err
		}
		if order.IsPaid() {
			return fmt.Errorf("%w: order is already paid", ErrOrderInvalidState)
		}
		order.Payment.PaymentIntentID = intentID
		order.Payment.Status = domain.PaymentStatusPending
		order.Payment.FailureReason = ""
		order.UpdatedAt = s.now()
		if err := s.orders.Update(ctx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

// MarkPaid records a captured payment. A capture on a cancelled order is recorded and then
// refunded in full.
func (s *orderService) MarkPaid(ctx context.Context, cmd MarkPaidCommand) (Order, error) {
	var (
		order     Order
		previous  OrderStatus
		changed   bool
		cancelled bool
	)
	historyID := s.nextHistoryID()
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.load(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if order.IsPaid() || isRefundedPayment(order.Payment.Status) {
			changed = false
			return nil
		}
		changed = true
		previous = order.Status
		now := s.now()
		note := firstNonEmpty(strings.TrimSpace(cmd.Note), "Payment completed successfully")

		order.Payment.Status = domain.PaymentStatusCompleted
		order.Payment.PaidAt = &now
		order.Payment.Amount = order.Total
		order.Payment.FailureReason = ""
		if cmd.IntentID != "" {
			order.Payment.PaymentIntentID = cmd.IntentID
			order.Payment.TransactionID = cmd.IntentID
		}
		if cmd.PaymentMethodID != "" {
			order.Payment.PaymentMethodID = cmd.PaymentMethodID
		}

		var entry StatusHistoryEntry
		switch order.Status {
		case domain.OrderStatusPending:
			entry, _, err = transition(&order, domain.OrderStatusConfirmed, note, cmd.ActorID, now, false)
			if err != nil {
				return err
			}
		case domain.OrderStatusCancelled:
			cancelled = true
			order.UpdatedAt = now
			entry = noteEntry(order, "Payment received after cancellation; refunding", cmd.ActorID, now)
		default:
			order.UpdatedAt = now
			entry = noteEntry(order, note, cmd.ActorID, now)
		}
		entry.ID = historyID
		return s.save(ctx, order, entry)
	})
	if err != nil {
		return Order{}, err
	}
	if changed {
		s.logger(ctx, "order.payment.completed", map[string]any{
			"orderId":       order.ID,
			"paymentIntent": order.Payment.PaymentIntentID,
			"amount":        order.Payment.Amount,
		})
		if previous != order.Status {
			s.statusChanged(ctx, order, previous, cmd.ActorID)
		}
		if cancelled {
			order = s.refundCancelled(ctx, order, firstNonEmpty(order.CancellationReason, defaultCancelledCapture), cmd.ActorID)
		}
	}
	return order, nil
}

func (s *orderService) MarkPaymentFailed(ctx context.Context, cmd MarkPaymentFailedCommand) (Order, error) {
	var order Order
	historyID := s.nextHistoryID()
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.load(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if order.IsPaid() {
			return nil
		}
		now := s.now()
		reason := firstNonEmpty(strings.TrimSpace(cmd.Reason), "Payment failed")
		order.Payment.Status = domain.PaymentStatusFailed
		order.Payment.FailureReason = reason
		order.UpdatedAt = now
		entry := noteEntry(order, "Payment failed: "+reason, cmd.ActorID, now)
		entry.ID = historyID
		return s.save(ctx, order, entry)
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) RecordRefund(ctx context.Context, cmd RecordRefundCommand) (Order, error) {
	if cmd.Refund.Amount <= 0 {
		return Order{}, fmt.Errorf("%w: refund amount must be positive", ErrOrderInvalidInput)
	}
	var (
		order    Order
		previous OrderStatus
	)
	historyID := s.nextHistoryID()
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.load(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		previous = order.Status
		now := s.now()
		refund := cmd.Refund
		if refund.CreatedAt.IsZero() {
			refund.CreatedAt = now
		}
		order.Payment.Refunds = append(order.Payment.Refunds, refund)
		refunded := order.RefundedAmount()
		order.Payment.RefundAmount = refunded
		order.Payment.RefundReason = refund.Reason
		order.Payment.RefundedAt = &now
		order.UpdatedAt = now

		var entry StatusHistoryEntry
		if refunded >= order.Total {
			order.Payment.Status = domain.PaymentStatusRefunded
			note := "Full refund processed: " + FormatMoney(refunded, order.Currency)
			if CanTransition(order.Status, domain.OrderStatusRefunded) {
				entry, _, err = transition(&order, domain.OrderStatusRefunded, note, cmd.ActorID, now, false)
				if err != nil {
					return err
				}
			} else {
				entry = noteEntry(order, note, cmd.ActorID, now)
			}
		} else {
			order.Payment.Status = domain.PaymentStatusPartiallyRefunded
			entry = noteEntry(order, "Partial refund processed: "+FormatMoney(refund.Amount, order.Currency), cmd.ActorID, now)
		}
		entry.ID = historyID
		return s.save(ctx, order, entry)
	})
	if err != nil {
		return Order{}, err
	}
	if previous != order.Status {
		s.statusChanged(ctx, order, previous, cmd.ActorID)
	}
	return order, nil
}

func (s *orderService) load(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

// save persists order and appends entry; both join the caller's transaction.
func (s *orderService) save(ctx context.Context, order Order, entry StatusHistoryEntry) error {
	if err := s.orders.Update(ctx, order); err != nil {
		return s.mapRepositoryError(err)
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *orderService) authorizeRead(order Order, actor Actor) error {
	if actor.ID != "" && order.CustomerID == actor.ID {
		return nil
	}
	if s.isAdmin(actor) {
		return nil
	}
	return fmt.Errorf("%w: not authorized to access this order", ErrOrderForbidden)
}

func (s *orderService) isAdmin(actor Actor) bool {
	if s.permissions == nil {
		return actor.Role == "admin"
	}
	return s.permissions.Allowed(actor.Role, authz.ResourceOrders, authz.ActionReadAll)
}

func (s *orderService) statusChanged(ctx context.Context, order Order, previous OrderStatus, actorID string) {
	if s.metrics != nil {
		s.metrics.StatusChanged(ctx, string(previous), string(order.Status))
	}
	eventType := orderEventStatusChanged
	if order.Status == domain.OrderStatusCancelled {
		eventType = orderEventCancelled
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           eventType,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		CustomerID:     order.CustomerID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        actorID,
		OccurredAt:     order.UpdatedAt,
	})
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if isServiceError(err) {
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: order not found", ErrOrderNotFound)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func isServiceError(err error) bool {
	for _, target := range []error{ErrOrderInvalidInput, ErrOrderNotFound, ErrOrderForbidden, ErrOrderInvalidState, ErrOrderConflict} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// generateOrderNumber draws the next value of the monthly sequence, e.g. ORD-202403-0001.
func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	period := now.Format("200601")
	seq, err := s.counters.Next(ctx, "orders-"+period, 1)
	if err != nil {
		return "", s.mapRepositoryError(err)
	}
	if seq < 1 || seq > maxOrderSequence {
		return "", fmt.Errorf("%w: order number sequence for %s exhausted", ErrOrderConflict, period)
	}
	return fmt.Sprintf("ORD-%s-%04d", period, seq), nil
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) nextHistoryID() string {
	return historyIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func cloneAddress(addr *Address) *Address {
	if addr == nil {
		return nil
	}
	copied := *addr
	return &copied
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
