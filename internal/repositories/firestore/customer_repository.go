package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/shopswift/api/internal/domain"
	pfirestore "github.com/shopswift/api/internal/platform/firestore"
)

const usersCollection = "users"

type customerDocument struct {
	Email            string             `firestore:"email"`
	FirstName        string             `firestore:"firstName"`
	LastName         string             `firestore:"lastName"`
	Phone            string             `firestore:"phone,omitempty"`
	Role             string             `firestore:"role"`
	Cart             []cartItemDocument `firestore:"cart"`
	Orders           []string           `firestore:"orders"`
	TotalSpent       int64              `firestore:"totalSpent"`
	StripeCustomerID string             `firestore:"stripeCustomerId,omitempty"`
	UpdatedAt        time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProductID string    `firestore:"productId"`
	Quantity  int       `firestore:"quantity"`
	Price     int64     `firestore:"price"`
	AddedAt   time.Time `firestore:"addedAt"`
}

// CustomerRepository reads user documents and applies the order-related counters on them.
type CustomerRepository struct {
	base *pfirestore.BaseRepository[customerDocument]
}

// NewCustomerRepository constructs a Firestore-backed customer repository.
func NewCustomerRepository(provider *pfirestore.Provider) (*CustomerRepository, error) {
	if provider == nil {
		return nil, errors.New("customer repository requires firestore provider")
	}
	return &CustomerRepository{base: pfirestore.NewBaseRepository[customerDocument](provider, usersCollection, nil)}, nil
}

// FindByID loads the customer by UID.
func (r *CustomerRepository) FindByID(ctx context.Context, customerID string) (domain.Customer, error) {
	if strings.TrimSpace(customerID) == "" {
		return domain.Customer{}, errors.New("customer id is required")
	}
	doc, err := r.base.Get(ctx, customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	data := doc.Data
	customer := domain.Customer{
		ID:               doc.ID,
		Email:            data.Email,
		FirstName:        data.FirstName,
		LastName:         data.LastName,
		Phone:            data.Phone,
		Role:             data.Role,
		Orders:           append([]string(nil), data.Orders...),
		TotalSpent:       data.TotalSpent,
		StripeCustomerID: data.StripeCustomerID,
		UpdatedAt:        data.UpdatedAt,
	}
	for _, item := range data.Cart {
		customer.Cart = append(customer.Cart, domain.CartItem(item))
	}
	return customer, nil
}

// ClearCart empties the customer's cart.
func (r *CustomerRepository) ClearCart(ctx context.Context, customerID string) error {
	return r.base.Update(ctx, customerID, []firestore.Update{
		{Path: "cart", Value: []cartItemDocument{}},
		{Path: "updatedAt", Value: firestore.ServerTimestamp},
	})
}

// RecordOrder appends orderID to the customer's orders and adds amount to their total spend.
func (r *CustomerRepository) RecordOrder(ctx context.Context, customerID string, orderID string, amount int64) error {
	return r.base.Update(ctx, customerID, []firestore.Update{
		{Path: "orders", Value: firestore.ArrayUnion(orderID)},
		{Path: "totalSpent", Value: firestore.Increment(amount)},
		{Path: "updatedAt", Value: firestore.ServerTimestamp},
	})
}

// SetStripeCustomerID stores the payment provider's customer id.
func (r *CustomerRepository) SetStripeCustomerID(ctx context.Context, customerID string, stripeCustomerID string) error {
	return r.base.Update(ctx, customerID, []firestore.Update{
		{Path: "stripeCustomerId", Value: stripeCustomerID},
		{Path: "updatedAt", Value: firestore.ServerTimestamp},
	})
}
