package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/shopswift/api/internal/domain"
	pfirestore "github.com/shopswift/api/internal/platform/firestore"
	"github.com/shopswift/api/internal/repositories"
)

const (
	ordersCollection = "orders"
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// OrderRepository persists orders in Firestore, joining the transaction carried by the context.
type OrderRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{base: pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil)}, nil
}

// Insert creates the order document and fails when the id is already taken.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order id is required")
	}
	return r.base.Create(ctx, order.ID, fromDomainOrder(order))
}

// Update replaces the stored order.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order id is required")
	}
	return r.base.Set(ctx, order.ID, fromDomainOrder(order))
}

// FindByID loads an order by document id.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByNumber loads an order by its human readable number.
func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_number", "orderNumber", strings.TrimSpace(orderNumber))
}

// FindByPaymentIntent loads the order a payment intent was created for.
func (r *OrderRepository) FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_payment_intent", "payment.paymentIntentId", strings.TrimSpace(intentID))
}

func (r *OrderRepository) findOne(ctx context.Context, op, field, value string) (domain.Order, error) {
	if value == "" {
		return domain.Order{}, pfirestore.NotFound(op, "order")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where(field, "==", value).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.NotFound(op, "order")
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// List returns orders matching filter, newest first, along with the total match count.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	page := filter.Pagination.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Pagination.Limit
	switch {
	case limit <= 0:
		limit = defaultPageLimit
	case limit > maxPageLimit:
		limit = maxPageLimit
	}

	where := orderFilterQuery(filter)
	total, err := r.base.Count(ctx, where)
	if err != nil {
		return domain.Page[domain.Order]{}, err
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return where(q).OrderBy("orderDate", firestore.Desc).Offset((page - 1) * limit).Limit(limit)
	})
	if err != nil {
		return domain.Page[domain.Order]{}, err
	}

	items := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc.Data.toDomain(doc.ID))
	}
	return domain.Page[domain.Order]{
		Items:   items,
		Total:   total,
		Page:    page,
		Limit:   limit,
		HasNext: page*limit < total,
		HasPrev: page > 1,
	}, nil
}

func orderFilterQuery(filter repositories.OrderListFilter) pfirestore.QueryBuilder {
	return func(q firestore.Query) firestore.Query {
		if len(filter.Status) > 0 {
			q = q.Where("status", "in", stringValues(filter.Status))
		}
		if len(filter.PaymentStatus) > 0 {
			q = q.Where("payment.status", "in", stringValues(filter.PaymentStatus))
		}
		if len(filter.ShippingStatus) > 0 {
			q = q.Where("shipping.status", "in", stringValues(filter.ShippingStatus))
		}
		if id := strings.TrimSpace(filter.CustomerID); id != "" {
			q = q.Where("customerId", "==", id)
		}
		if filter.OrderDate.From != nil {
			q = q.Where("orderDate", ">=", filter.OrderDate.From.UTC())
		}
		if filter.OrderDate.To != nil {
			q = q.Where("orderDate", "<=", filter.OrderDate.To.UTC())
		}
		return q
	}
}

func stringValues[T ~string](values []T) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, string(v))
	}
	return out
}

type orderDocument struct {
	OrderNumber        string             `firestore:"orderNumber"`
	CustomerID         string             `firestore:"customerId"`
	CustomerEmail      string             `firestore:"customerEmail"`
	CustomerPhone      string             `firestore:"customerPhone,omitempty"`
	Items              []lineItemDocument `firestore:"items"`
	Subtotal           int64              `firestore:"subtotal"`
	Tax                int64              `firestore:"tax"`
	TaxRate            int64              `firestore:"taxRate"`
	Discount           int64              `firestore:"discount"`
	DiscountCode       string             `firestore:"discountCode,omitempty"`
	ShippingCost       int64              `firestore:"shippingCost"`
	Total              int64              `firestore:"total"`
	Currency           string             `firestore:"currency"`
	ShippingAddress    addressDocument    `firestore:"shippingAddress"`
	BillingAddress     *addressDocument   `firestore:"billingAddress,omitempty"`
	Payment            paymentDocument    `firestore:"payment"`
	Shipping           shippingDocument   `firestore:"shipping"`
	Status             string             `firestore:"status"`
	Notes              string             `firestore:"notes,omitempty"`
	CustomerNotes      string             `firestore:"customerNotes,omitempty"`
	AdminNotes         string             `firestore:"adminNotes,omitempty"`
	IsGift             bool               `firestore:"isGift"`
	GiftMessage        string             `firestore:"giftMessage,omitempty"`
	GiftWrap           bool               `firestore:"giftWrap"`
	CancellationReason string             `firestore:"cancellationReason,omitempty"`
	ReturnReason       string             `firestore:"returnReason,omitempty"`
	ReturnStatus       string             `firestore:"returnStatus"`
	Source             string             `firestore:"source"`
	OrderDate          time.Time          `firestore:"orderDate"`
	ConfirmedAt        *time.Time         `firestore:"confirmedAt,omitempty"`
	ShippedAt          *time.Time         `firestore:"shippedAt,omitempty"`
	DeliveredAt        *time.Time         `firestore:"deliveredAt,omitempty"`
	CancelledAt        *time.Time         `firestore:"cancelledAt,omitempty"`
	ReturnedAt         *time.Time         `firestore:"returnedAt,omitempty"`
	CreatedAt          time.Time          `firestore:"createdAt"`
	UpdatedAt          time.Time          `firestore:"updatedAt"`
}

type lineItemDocument struct {
	ProductID string         `firestore:"productId"`
	Name      string         `firestore:"name"`
	Image     *imageDocument `firestore:"image,omitempty"`
	Price     int64          `firestore:"price"`
	Quantity  int            `firestore:"quantity"`
	SKU       string         `firestore:"sku,omitempty"`
	Total     int64          `firestore:"total"`
}

type imageDocument struct {
	PublicID string `firestore:"publicId,omitempty"`
	URL      string `firestore:"url"`
}

type addressDocument struct {
	FirstName string `firestore:"firstName"`
	LastName  string `firestore:"lastName"`
	Company   string `firestore:"company,omitempty"`
	Address   string `firestore:"address"`
	Apartment string `firestore:"apartment,omitempty"`
	City      string `firestore:"city"`
	State     string `firestore:"state"`
	ZipCode   string `firestore:"zipCode"`
	Country   string `firestore:"country"`
	Phone     string `firestore:"phone,omitempty"`
}

type paymentDocument struct {
	Method          string           `firestore:"method"`
	Status          string           `firestore:"status"`
	TransactionID   string           `firestore:"transactionId,omitempty"`
	PaymentIntentID string           `firestore:"paymentIntentId,omitempty"`
	PaymentMethodID string           `firestore:"paymentMethodId,omitempty"`
	Amount          int64            `firestore:"amount"`
	Currency        string           `firestore:"currency"`
	PaidAt          *time.Time       `firestore:"paidAt,omitempty"`
	FailureReason   string           `firestore:"failureReason,omitempty"`
	RefundAmount    int64            `firestore:"refundAmount,omitempty"`
	RefundReason    string           `firestore:"refundReason,omitempty"`
	RefundedAt      *time.Time       `firestore:"refundedAt,omitempty"`
	Refunds         []refundDocument `firestore:"refunds,omitempty"`
}

type refundDocument struct {
	RefundID  string    `firestore:"refundId"`
	Amount    int64     `firestore:"amount"`
	Reason    string    `firestore:"reason"`
	Status    string    `firestore:"status"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type shippingDocument struct {
	Method            string     `firestore:"method"`
	Cost              int64      `firestore:"cost"`
	EstimatedDelivery *time.Time `firestore:"estimatedDelivery,omitempty"`
	Carrier           string     `firestore:"carrier,omitempty"`
	TrackingNumber    string     `firestore:"trackingNumber,omitempty"`
	TrackingURL       string     `firestore:"trackingUrl,omitempty"`
	ShippedAt         *time.Time `firestore:"shippedAt,omitempty"`
	DeliveredAt       *time.Time `firestore:"deliveredAt,omitempty"`
	Status            string     `firestore:"status"`
	Notes             string     `firestore:"notes,omitempty"`
}

func fromDomainOrder(o domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:        o.OrderNumber,
		CustomerID:         o.CustomerID,
		CustomerEmail:      o.CustomerEmail,
		CustomerPhone:      o.CustomerPhone,
		Subtotal:           o.Subtotal,
		Tax:                o.Tax,
		TaxRate:            o.TaxRate,
		Discount:           o.Discount,
		DiscountCode:       o.DiscountCode,
		ShippingCost:       o.ShippingCost,
		Total:              o.Total,
		Currency:           o.Currency,
		ShippingAddress:    addressDocument(o.ShippingAddress),
		Status:             string(o.Status),
		Notes:              o.Notes,
		CustomerNotes:      o.CustomerNotes,
		AdminNotes:         o.AdminNotes,
		IsGift:             o.IsGift,
		GiftMessage:        o.GiftMessage,
		GiftWrap:           o.GiftWrap,
		CancellationReason: o.CancellationReason,
		ReturnReason:       o.ReturnReason,
		ReturnStatus:       string(o.ReturnStatus),
		Source:             o.Source,
		OrderDate:          o.OrderDate.UTC(),
		ConfirmedAt:        utcPtr(o.ConfirmedAt),
		ShippedAt:          utcPtr(o.ShippedAt),
		DeliveredAt:        utcPtr(o.DeliveredAt),
		CancelledAt:        utcPtr(o.CancelledAt),
		ReturnedAt:         utcPtr(o.ReturnedAt),
		CreatedAt:          o.CreatedAt.UTC(),
		UpdatedAt:          o.UpdatedAt.UTC(),
		Payment: paymentDocument{
			Method:          o.Payment.Method,
			Status:          string(o.Payment.Status),
			TransactionID:   o.Payment.TransactionID,
			PaymentIntentID: o.Payment.PaymentIntentID,
			PaymentMethodID: o.Payment.PaymentMethodID,
			Amount:          o.Payment.Amount,
			Currency:        o.Payment.Currency,
			PaidAt:          utcPtr(o.Payment.PaidAt),
			FailureReason:   o.Payment.FailureReason,
			RefundAmount:    o.Payment.RefundAmount,
			RefundReason:    o.Payment.RefundReason,
			RefundedAt:      utcPtr(o.Payment.RefundedAt),
		},
		Shipping: shippingDocument{
			Method:            string(o.Shipping.Method),
			Cost:              o.Shipping.Cost,
			EstimatedDelivery: utcPtr(o.Shipping.EstimatedDelivery),
			Carrier:           o.Shipping.Carrier,
			TrackingNumber:    o.Shipping.TrackingNumber,
			TrackingURL:       o.Shipping.TrackingURL,
			ShippedAt:         utcPtr(o.Shipping.ShippedAt),
			DeliveredAt:       utcPtr(o.Shipping.DeliveredAt),
			Status:            string(o.Shipping.Status),
			Notes:             o.Shipping.Notes,
		},
	}
	if o.BillingAddress != nil {
		billing := addressDocument(*o.BillingAddress)
		doc.BillingAddress = &billing
	}
	for _, item := range o.Items {
		line := lineItemDocument{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.Price,
			Quantity:  item.Quantity,
			SKU:       item.SKU,
			Total:     item.Total,
		}
		if item.Image != nil {
			line.Image = &imageDocument{PublicID: item.Image.PublicID, URL: item.Image.URL}
		}
		doc.Items = append(doc.Items, line)
	}
	for _, refund := range o.Payment.Refunds {
		doc.Payment.Refunds = append(doc.Payment.Refunds, refundDocument{
			RefundID:  refund.RefundID,
			Amount:    refund.Amount,
			Reason:    refund.Reason,
			Status:    refund.Status,
			CreatedAt: refund.CreatedAt.UTC(),
		})
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:                 id,
		OrderNumber:        d.OrderNumber,
		CustomerID:         d.CustomerID,
		CustomerEmail:      d.CustomerEmail,
		CustomerPhone:      d.CustomerPhone,
		Subtotal:           d.Subtotal,
		Tax:                d.Tax,
		TaxRate:            d.TaxRate,
		Discount:           d.Discount,
		DiscountCode:       d.DiscountCode,
		ShippingCost:       d.ShippingCost,
		Total:              d.Total,
		Currency:           d.Currency,
		ShippingAddress:    domain.Address(d.ShippingAddress),
		Status:             domain.OrderStatus(d.Status),
		Notes:              d.Notes,
		CustomerNotes:      d.CustomerNotes,
		AdminNotes:         d.AdminNotes,
		IsGift:             d.IsGift,
		GiftMessage:        d.GiftMessage,
		GiftWrap:           d.GiftWrap,
		CancellationReason: d.CancellationReason,
		ReturnReason:       d.ReturnReason,
		ReturnStatus:       domain.ReturnStatus(d.ReturnStatus),
		Source:             d.Source,
		OrderDate:          d.OrderDate,
		ConfirmedAt:        d.ConfirmedAt,
		ShippedAt:          d.ShippedAt,
		DeliveredAt:        d.DeliveredAt,
		CancelledAt:        d.CancelledAt,
		ReturnedAt:         d.ReturnedAt,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
		Payment: domain.OrderPayment{
			Method:          d.Payment.Method,
			Status:          domain.PaymentStatus(d.Payment.Status),
			TransactionID:   d.Payment.TransactionID,
			PaymentIntentID: d.Payment.PaymentIntentID,
			PaymentMethodID: d.Payment.PaymentMethodID,
			Amount:          d.Payment.Amount,
			Currency:        d.Payment.Currency,
			PaidAt:          d.Payment.PaidAt,
			FailureReason:   d.Payment.FailureReason,
			RefundAmount:    d.Payment.RefundAmount,
			RefundReason:    d.Payment.RefundReason,
			RefundedAt:      d.Payment.RefundedAt,
		},
		Shipping: domain.OrderShipping{
			Method:            domain.ShippingMethod(d.Shipping.Method),
			Cost:              d.Shipping.Cost,
			EstimatedDelivery: d.Shipping.EstimatedDelivery,
			Carrier:           d.Shipping.Carrier,
			TrackingNumber:    d.Shipping.TrackingNumber,
			TrackingURL:       d.Shipping.TrackingURL,
			ShippedAt:         d.Shipping.ShippedAt,
			DeliveredAt:       d.Shipping.DeliveredAt,
			Status:            domain.ShippingStatus(d.Shipping.Status),
			Notes:             d.Shipping.Notes,
		},
	}
	if order.ReturnStatus == "" {
		order.ReturnStatus = domain.ReturnStatusNone
	}
	if d.BillingAddress != nil {
		billing := domain.Address(*d.BillingAddress)
		order.BillingAddress = &billing
	}
	for _, line := range d.Items {
		item := domain.OrderLineItem{
			ProductID: line.ProductID,
			Name:      line.Name,
			Price:     line.Price,
			Quantity:  line.Quantity,
			SKU:       line.SKU,
			Total:     line.Total,
		}
		if line.Image != nil {
			item.Image = &domain.ProductImage{PublicID: line.Image.PublicID, URL: line.Image.URL}
		}
		order.Items = append(order.Items, item)
	}
	for _, refund := range d.Payment.Refunds {
		order.Payment.Refunds = append(order.Payment.Refunds, domain.PaymentRefund(refund))
	}
	return order
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
