package services

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	domain "github.com/shopswift/api/internal/domain"
	"github.com/shopswift/api/internal/payments"
	"github.com/shopswift/api/internal/repositories"
)

type testRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e testRepoError) Error() string {
	switch {
	case e.notFound:
		return "not found"
	case e.conflict:
		return "conflict"
	default:
		return "unavailable"
	}
}

func (e testRepoError) IsNotFound() bool    { return e.notFound }
func (e testRepoError) IsConflict() bool    { return e.conflict }
func (e testRepoError) IsUnavailable() bool { return e.unavailable }

var errTestNotFound = testRepoError{notFound: true}

type stubOrderRepo struct {
	mu      sync.Mutex
	orders  map[string]domain.Order
	updates int

	insertFn func(context.Context, domain.Order) error
	updateFn func(context.Context, domain.Order) error
	listFn   func(context.Context, repositories.OrderListFilter) (domain.Page[domain.Order], error)
}

func newStubOrderRepo(orders ...domain.Order) *stubOrderRepo {
	repo := &stubOrderRepo{orders: make(map[string]domain.Order)}
	for _, o := range orders {
		repo.orders[o.ID] = o
	}
	return repo
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		if err := s.insertFn(ctx, order); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; exists {
		return testRepoError{conflict: true}
	}
	s.orders[order.ID] = order
	return nil
}

func (s *stubOrderRepo) Update(ctx context.Context, order domain.Order) error {
	if s.updateFn != nil {
		if err := s.updateFn(ctx, order); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; !exists {
		return errTestNotFound
	}
	s.orders[order.ID] = order
	s.updates++
	return nil
}

func (s *stubOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, errTestNotFound
	}
	return order, nil
}

func (s *stubOrderRepo) FindByNumber(_ context.Context, number string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.OrderNumber == number {
			return order, nil
		}
	}
	return domain.Order{}, errTestNotFound
}

func (s *stubOrderRepo) FindByPaymentIntent(_ context.Context, intentID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.Payment.PaymentIntentID == intentID {
			return order, nil
		}
	}
	return domain.Order{}, errTestNotFound
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]domain.Order, 0, len(s.orders))
	for _, order := range s.orders {
		items = append(items, order)
	}
	return domain.Page[domain.Order]{Items: items, Total: len(items), Page: 1, Limit: len(items)}, nil
}

func (s *stubOrderRepo) get(id string) domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

type stubHistoryRepo struct {
	mu      sync.Mutex
	entries []domain.StatusHistoryEntry
}

func (s *stubHistoryRepo) Append(_ context.Context, entry domain.StatusHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubHistoryRepo) List(_ context.Context, orderID string) ([]domain.StatusHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StatusHistoryEntry
	for _, e := range s.entries {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *stubHistoryRepo) forOrder(orderID string) []domain.StatusHistoryEntry {
	out, _ := s.List(context.Background(), orderID)
	return out
}

type stubProductRepo struct {
	mu       sync.Mutex
	products map[string]domain.Product
	restored []map[string]int64
}

func newStubProductRepo(products ...domain.Product) *stubProductRepo {
	repo := &stubProductRepo{products: make(map[string]domain.Product)}
	for _, p := range products {
		repo.products[p.ID] = p
	}
	return repo
}

func (s *stubProductRepo) FindByID(_ context.Context, productID string) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, errTestNotFound
	}
	return product, nil
}

func (s *stubProductRepo) AdjustStock(_ context.Context, productID string, stockDelta, purchaseDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[productID]
	if !ok {
		return errTestNotFound
	}
	product.Stock += stockDelta
	product.Purchases += purchaseDelta
	s.products[productID] = product
	return nil
}

func (s *stubProductRepo) RestoreStock(_ context.Context, quantities map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restored = append(s.restored, quantities)
	for id, qty := range quantities {
		product, ok := s.products[id]
		if !ok {
			continue
		}
		product.Stock = max(0, product.Stock+qty)
		s.products[id] = product
	}
	return nil
}

func (s *stubProductRepo) stock(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[id].Stock
}

type stubCustomerRepo struct {
	mu        sync.Mutex
	customers map[string]domain.Customer
	cleared   []string
	recorded  map[string][]string
	spent     map[string]int64
}

func newStubCustomerRepo(customers ...domain.Customer) *stubCustomerRepo {
	repo := &stubCustomerRepo{
		customers: make(map[string]domain.Customer),
		recorded:  make(map[string][]string),
		spent:     make(map[string]int64),
	}
	for _, c := range customers {
		repo.customers[c.ID] = c
	}
	return repo
}

func (s *stubCustomerRepo) FindByID(_ context.Context, id string) (domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	customer, ok := s.customers[id]
	if !ok {
		return domain.Customer{}, errTestNotFound
	}
	return customer, nil
}

func (s *stubCustomerRepo) ClearCart(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, id)
	return nil
}

func (s *stubCustomerRepo) RecordOrder(_ context.Context, id, orderID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded[id] = append(s.recorded[id], orderID)
	s.spent[id] += amount
	return nil
}

func (s *stubCustomerRepo) SetStripeCustomerID(_ context.Context, id, stripeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	customer, ok := s.customers[id]
	if !ok {
		return errTestNotFound
	}
	customer.StripeCustomerID = stripeID
	s.customers[id] = customer
	return nil
}

type stubCounterRepo struct {
	mu     sync.Mutex
	values map[string]int64
	nextFn func(context.Context, string, int64) (int64, error)
}

func (s *stubCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]int64)
	}
	s.values[counterID] += step
	return s.values[counterID], nil
}

type stubGateway struct {
	createIntentFn  func(context.Context, payments.IntentRequest) (payments.Intent, error)
	confirmFn       func(context.Context, string, string) (payments.Intent, error)
	getFn           func(context.Context, string) (payments.Intent, error)
	cancelFn        func(context.Context, string) (payments.Intent, error)
	refundFn        func(context.Context, payments.RefundRequest) (payments.Refund, error)
	createCustomer  func(context.Context, payments.CustomerRequest) (string, error)
	listMethodsFn   func(context.Context, string) ([]domain.PaymentMethod, error)
	detached        []string
	cancelled       []string
	confirmed       []string
	refundRequests  []payments.RefundRequest
	intentRequests  []payments.IntentRequest
	customerCreates int
}

func (g *stubGateway) CreatePaymentIntent(ctx context.Context, req payments.IntentRequest) (payments.Intent, error) {
	g.intentRequests = append(g.intentRequests, req)
	if g.createIntentFn != nil {
		return g.createIntentFn(ctx, req)
	}
	return payments.Intent{ID: "pi_test", ClientSecret: "pi_test_secret", Status: payments.IntentStatusRequiresPaymentMethod, Amount: req.Amount, Currency: req.Currency}, nil
}

func (g *stubGateway) ConfirmPaymentIntent(ctx context.Context, intentID, pmID string) (payments.Intent, error) {
	g.confirmed = append(g.confirmed, intentID)
	if g.confirmFn != nil {
		return g.confirmFn(ctx, intentID, pmID)
	}
	return payments.Intent{ID: intentID, Status: payments.IntentStatusSucceeded, PaymentMethodID: pmID}, nil
}

func (g *stubGateway) GetPaymentIntent(ctx context.Context, intentID string) (payments.Intent, error) {
	if g.getFn != nil {
		return g.getFn(ctx, intentID)
	}
	return payments.Intent{ID: intentID, Status: payments.IntentStatusProcessing}, nil
}

func (g *stubGateway) CancelPaymentIntent(ctx context.Context, intentID string) (payments.Intent, error) {
	g.cancelled = append(g.cancelled, intentID)
	if g.cancelFn != nil {
		return g.cancelFn(ctx, intentID)
	}
	return payments.Intent{ID: intentID, Status: payments.IntentStatusCanceled}, nil
}

func (g *stubGateway) CreateRefund(ctx context.Context, req payments.RefundRequest) (payments.Refund, error) {
	g.refundRequests = append(g.refundRequests, req)
	if g.refundFn != nil {
		return g.refundFn(ctx, req)
	}
	return payments.Refund{ID: fmt.Sprintf("re_%d", len(g.refundRequests)), Amount: req.Amount, Status: "succeeded", Reason: req.Reason}, nil
}

func (g *stubGateway) CreateCustomer(ctx context.Context, req payments.CustomerRequest) (string, error) {
	g.customerCreates++
	if g.createCustomer != nil {
		return g.createCustomer(ctx, req)
	}
	return "cus_test", nil
}

func (g *stubGateway) CreateSetupIntent(_ context.Context, customerID string) (payments.SetupIntent, error) {
	return payments.SetupIntent{ID: "seti_" + customerID, ClientSecret: "seti_secret", Status: "requires_payment_method"}, nil
}

func (g *stubGateway) ListPaymentMethods(ctx context.Context, customerID string) ([]domain.PaymentMethod, error) {
	if g.listMethodsFn != nil {
		return g.listMethodsFn(ctx, customerID)
	}
	return nil, nil
}

func (g *stubGateway) DetachPaymentMethod(_ context.Context, id string) error {
	g.detached = append(g.detached, id)
	return nil
}

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureOrderEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

type captureNotifier struct {
	confirmations []string
	shipped       []string
}

func (c *captureNotifier) OrderConfirmation(_ context.Context, order Order, _ Customer) {
	c.confirmations = append(c.confirmations, order.ID)
}

func (c *captureNotifier) OrderShipped(_ context.Context, order Order) {
	c.shipped = append(c.shipped, order.ID)
}

type captureLogger struct {
	mu     sync.Mutex
	events []string
}

func (c *captureLogger) log(_ context.Context, event string, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureLogger) has(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.events, event)
}

type rolePermissions struct{}

func (rolePermissions) Allowed(role, _, _ string) bool {
	return role == "admin"
}

type orderFixture struct {
	svc       OrderService
	orders    *stubOrderRepo
	history   *stubHistoryRepo
	products  *stubProductRepo
	customers *stubCustomerRepo
	counters  *stubCounterRepo
	gateway   *stubGateway
	events    *captureOrderEvents
	notifier  *captureNotifier
	logs      *captureLogger
	now       time.Time
}

type fixtureOption func(*OrderServiceDeps)

func withPolicy(policy OrderStatusPolicy) fixtureOption {
	return func(d *OrderServiceDeps) { d.StatusPolicy = policy }
}

func withClock(now time.Time) fixtureOption {
	return func(d *OrderServiceDeps) { d.Clock = func() time.Time { return now } }
}

var fixtureNow = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

func newOrderFixture(tb interface{ Fatalf(string, ...any) }, orders []domain.Order, opts ...fixtureOption) *orderFixture {
	f := &orderFixture{
		orders:  newStubOrderRepo(orders...),
		history: &stubHistoryRepo{},
		products: newStubProductRepo(
			domain.Product{ID: "prod_a", Name: "Desk Lamp", SKU: "LAMP-1", Price: 1000, Status: domain.ProductStatusActive, IsPublished: true, TrackQuantity: true, Stock: 10},
			domain.Product{ID: "prod_b", Name: "Notebook", SKU: "NOTE-1", Price: 250, Status: domain.ProductStatusActive, IsPublished: true, TrackQuantity: true, Stock: 1},
			domain.Product{ID: "prod_draft", Name: "Prototype", Price: 500, Status: domain.ProductStatusDraft},
		),
		customers: newStubCustomerRepo(
			domain.Customer{ID: "cust_1", Email: "ana@example.com", FirstName: "Ana", LastName: "Lopez"},
			domain.Customer{ID: "cust_2", Email: "ben@example.com", FirstName: "Ben"},
		),
		counters: &stubCounterRepo{},
		gateway:  &stubGateway{},
		events:   &captureOrderEvents{},
		notifier: &captureNotifier{},
		logs:     &captureLogger{},
		now:      fixtureNow,
	}
	seq := 0
	deps := OrderServiceDeps{
		Orders:      f.orders,
		History:     f.history,
		Products:    f.products,
		Customers:   f.customers,
		Counters:    f.counters,
		Payments:    f.gateway,
		Notifier:    f.notifier,
		Events:      f.events,
		Permissions: rolePermissions{},
		Clock:       func() time.Time { return fixtureNow },
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("%04d", seq)
		},
		Logger: f.logs.log,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	svc, err := NewOrderService(deps)
	if err != nil {
		tb.Fatalf("new order service: %v", err)
	}
	f.svc = svc
	return f
}

var (
	customerActor = Actor{ID: "cust_1", Role: "customer"}
	otherActor    = Actor{ID: "cust_2", Role: "customer"}
	adminActor    = Actor{ID: "admin_1", Role: "admin"}
)

func testAddress() Address {
	return Address{FirstName: "Ana", LastName: "Lopez", Address: "1 Main St", City: "Austin", State: "TX", ZipCode: "78701", Country: "US"}
}

// seededOrder returns a pending order for cust_1 with two prod_a units.
func seededOrder(id string, mutate ...func(*domain.Order)) domain.Order {
	order := domain.Order{
		ID:          id,
		OrderNumber: "ORD-202403-0001",
		CustomerID:  "cust_1",
		Items: []domain.OrderLineItem{
			{ProductID: "prod_a", Name: "Desk Lamp", Price: 1000, Quantity: 2, Total: 2000},
		},
		Subtotal:     2000,
		Tax:          160,
		TaxRate:      800,
		Total:        2160,
		Currency:     "USD",
		Status:       domain.OrderStatusPending,
		ReturnStatus: domain.ReturnStatusNone,
		OrderDate:    fixtureNow.Add(-48 * time.Hour),
		Payment: domain.OrderPayment{
			Method:   "card",
			Status:   domain.PaymentStatusPending,
			Amount:   2160,
			Currency: "USD",
		},
		Shipping: domain.OrderShipping{Method: domain.ShippingMethodStandard, Status: domain.ShippingStatusPending},
	}
	for _, fn := range mutate {
		fn(&order)
	}
	return order
}

func paid(intentID string) func(*domain.Order) {
	return func(o *domain.Order) {
		o.Status = domain.OrderStatusConfirmed
		o.Payment.Status = domain.PaymentStatusCompleted
		o.Payment.PaymentIntentID = intentID
	}
}
