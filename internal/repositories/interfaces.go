package repositories

import (
	"context"
	"time"

	domain "github.com/shopswift/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
// Implementations carry the transaction on the context handed to fn; repositories called with
// that context join the transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order headers together with their payment and shipping sub-documents.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.Page[domain.Order], error)
}

// StatusHistoryRepository is the append-only audit log of order status writes keyed by order id.
type StatusHistoryRepository interface {
	Append(ctx context.Context, entry domain.StatusHistoryEntry) error
	List(ctx context.Context, orderID string) ([]domain.StatusHistoryEntry, error)
}

// ProductRepository exposes catalog reads and atomic stock mutations.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	// AdjustStock adds stockDelta to the stock counter and purchaseDelta to the purchase counter.
	AdjustStock(ctx context.Context, productID string, stockDelta int64, purchaseDelta int64) error
	// RestoreStock adds each quantity back to its product's stock, clamping at zero. Every product
	// is read before any write so the call is valid inside a Firestore transaction.
	RestoreStock(ctx context.Context, quantities map[string]int64) error
}

// CustomerRepository manages the customer-owned cart, order history and spend counters.
type CustomerRepository interface {
	FindByID(ctx context.Context, customerID string) (domain.Customer, error)
	ClearCart(ctx context.Context, customerID string) error
	RecordOrder(ctx context.Context, customerID string, orderID string, amount int64) error
	SetStripeCustomerID(ctx context.Context, customerID string, stripeCustomerID string) error
}

// CounterRepository exposes atomic counters for order number sequences.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// OrderListFilter narrows admin order listings.
type OrderListFilter struct {
	Status         []domain.OrderStatus
	PaymentStatus  []domain.PaymentStatus
	ShippingStatus []domain.ShippingStatus
	CustomerID     string
	OrderDate      domain.RangeQuery[time.Time]
	Pagination     domain.Pagination
}
