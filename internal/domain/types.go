package domain

import (
	"time"
)

// Pagination defines page/limit paging inputs for list operations.
type Pagination struct {
	Page  int
	Limit int
}

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// Page packages list results together with the total number of matches.
type Page[T any] struct {
	Items   []T
	Total   int
	Page    int
	Limit   int
	HasNext bool
	HasPrev bool
}

// Address is a postal address captured on orders.
type Address struct {
	FirstName string
	LastName  string
	Company   string
	Address   string
	Apartment string
	City      string
	State     string
	ZipCode   string
	Country   string
	Phone     string
}

// ProductStatus enumerates catalog availability states.
type ProductStatus string

const (
	ProductStatusActive   ProductStatus = "active"
	ProductStatusInactive ProductStatus = "inactive"
	ProductStatusDraft    ProductStatus = "draft"
	ProductStatusArchived ProductStatus = "archived"
)

// ProductImage references a hosted product image.
type ProductImage struct {
	PublicID string
	URL      string
}

// Product is the catalog view the order engine needs to validate and price line items.
type Product struct {
	ID             string
	Name           string
	SKU            string
	Price          int64
	PrimaryImage   *ProductImage
	Status         ProductStatus
	IsPublished    bool
	TrackQuantity  bool
	AllowBackorder bool
	Stock          int64
	Purchases      int64
	UpdatedAt      time.Time
}

// Purchasable reports whether the product can currently be sold.
func (p Product) Purchasable() bool {
	return p.Status == ProductStatusActive && p.IsPublished
}

// HasStockFor reports whether quantity units can be sold, honouring backorders.
func (p Product) HasStockFor(quantity int) bool {
	if !p.TrackQuantity || p.AllowBackorder {
		return true
	}
	return p.Stock >= int64(quantity)
}

// CartItem is a line in the customer's cart.
type CartItem struct {
	ProductID string
	Quantity  int
	Price     int64
	AddedAt   time.Time
}

// Customer is the user record the order engine reads and updates.
type Customer struct {
	ID               string
	Email            string
	FirstName        string
	LastName         string
	Phone            string
	Role             string
	Cart             []CartItem
	Orders           []string
	TotalSpent       int64
	StripeCustomerID string
	UpdatedAt        time.Time
}

// DisplayName joins first and last name.
func (c Customer) DisplayName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	default:
		return c.FirstName + " " + c.LastName
	}
}

// PaymentMethod summarises a saved card at the payment provider.
type PaymentMethod struct {
	ID        string
	Type      string
	Brand     string
	Last4     string
	ExpMonth  int
	ExpYear   int
	CreatedAt time.Time
}
