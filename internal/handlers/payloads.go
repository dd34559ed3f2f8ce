package handlers

import (
	"strings"
	"time"

	"github.com/shopswift/api/internal/payments"
	"github.com/shopswift/api/internal/services"
)

type addressPayload struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Company   string `json:"company,omitempty"`
	Address   string `json:"address"`
	Apartment string `json:"apartment,omitempty"`
	City      string `json:"city"`
	State     string `json:"state"`
	ZipCode   string `json:"zipCode"`
	Country   string `json:"country"`
	Phone     string `json:"phone,omitempty"`
}

type orderItemPayload struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Image     string `json:"image,omitempty"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
	SKU       string `json:"sku,omitempty"`
	Total     int64  `json:"total"`
}

type refundPayload struct {
	RefundID  string `json:"refundId"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

type paymentPayload struct {
	Method          string          `json:"method"`
	Status          string          `json:"status"`
	TransactionID   string          `json:"transactionId,omitempty"`
	PaymentIntentID string          `json:"paymentIntentId,omitempty"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	PaidAt          *string         `json:"paidAt,omitempty"`
	FailureReason   string          `json:"failureReason,omitempty"`
	RefundAmount    int64           `json:"refundAmount,omitempty"`
	RefundReason    string          `json:"refundReason,omitempty"`
	RefundedAt      *string         `json:"refundedAt,omitempty"`
	Refunds         []refundPayload `json:"refunds,omitempty"`
}

type shippingPayload struct {
	Method            string  `json:"method"`
	Cost              int64   `json:"cost"`
	EstimatedDelivery string  `json:"estimatedDelivery"`
	Carrier           string  `json:"carrier,omitempty"`
	TrackingNumber    string  `json:"trackingNumber,omitempty"`
	TrackingURL       string  `json:"trackingUrl,omitempty"`
	ShippedAt         *string `json:"shippedAt,omitempty"`
	DeliveredAt       *string `json:"deliveredAt,omitempty"`
	Status            string  `json:"status"`
}

type orderPayload struct {
	ID                 string             `json:"id"`
	OrderNumber        string             `json:"orderNumber"`
	CustomerID         string             `json:"customerId"`
	CustomerEmail      string             `json:"customerEmail,omitempty"`
	Items              []orderItemPayload `json:"items"`
	TotalItems         int                `json:"totalItems"`
	Subtotal           int64              `json:"subtotal"`
	Tax                int64              `json:"tax"`
	TaxRate            int64              `json:"taxRate"`
	Discount           int64              `json:"discount"`
	DiscountCode       string             `json:"discountCode,omitempty"`
	ShippingCost       int64              `json:"shippingCost"`
	Total              int64              `json:"total"`
	Currency           string             `json:"currency"`
	ShippingAddress    addressPayload     `json:"shippingAddress"`
	BillingAddress     *addressPayload    `json:"billingAddress,omitempty"`
	Payment            paymentPayload     `json:"payment"`
	Shipping           shippingPayload    `json:"shipping"`
	Status             string             `json:"status"`
	Notes              string             `json:"notes,omitempty"`
	CustomerNotes      string             `json:"customerNotes,omitempty"`
	AdminNotes         string             `json:"adminNotes,omitempty"`
	IsGift             bool               `json:"isGift"`
	GiftMessage        string             `json:"giftMessage,omitempty"`
	GiftWrap           bool               `json:"giftWrap"`
	CancellationReason string             `json:"cancellationReason,omitempty"`
	ReturnReason       string             `json:"returnReason,omitempty"`
	ReturnStatus       string             `json:"returnStatus,omitempty"`
	Source             string             `json:"source,omitempty"`
	CanBeCancelled     bool               `json:"canBeCancelled"`
	OrderDate          string             `json:"orderDate"`
	ConfirmedAt        *string            `json:"confirmedAt,omitempty"`
	ShippedAt          *string            `json:"shippedAt,omitempty"`
	DeliveredAt        *string            `json:"deliveredAt,omitempty"`
	CancelledAt        *string            `json:"cancelledAt,omitempty"`
	ReturnedAt         *string            `json:"returnedAt,omitempty"`
	CreatedAt          string             `json:"createdAt"`
	UpdatedAt          string             `json:"updatedAt"`
}

type historyPayload struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Note      string `json:"note,omitempty"`
	UpdatedBy string `json:"updatedBy"`
	Timestamp string `json:"timestamp"`
}

type paginationPayload struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"hasNext"`
	HasPrev bool `json:"hasPrev"`
}

type intentPayload struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	FailureMessage string `json:"failureMessage,omitempty"`
}

type paymentMethodPayload struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Brand    string `json:"brand,omitempty"`
	Last4    string `json:"last4,omitempty"`
	ExpMonth int    `json:"expMonth,omitempty"`
	ExpYear  int    `json:"expYear,omitempty"`
}

func buildAddressPayload(addr services.Address) addressPayload {
	return addressPayload{
		FirstName: addr.FirstName,
		LastName:  addr.LastName,
		Company:   addr.Company,
		Address:   addr.Address,
		Apartment: addr.Apartment,
		City:      addr.City,
		State:     addr.State,
		ZipCode:   addr.ZipCode,
		Country:   addr.Country,
		Phone:     addr.Phone,
	}
}

func (p addressPayload) toAddress() services.Address {
	return services.Address{
		FirstName: strings.TrimSpace(p.FirstName),
		LastName:  strings.TrimSpace(p.LastName),
		Company:   strings.TrimSpace(p.Company),
		Address:   strings.TrimSpace(p.Address),
		Apartment: strings.TrimSpace(p.Apartment),
		City:      strings.TrimSpace(p.City),
		State:     strings.TrimSpace(p.State),
		ZipCode:   strings.TrimSpace(p.ZipCode),
		Country:   strings.TrimSpace(p.Country),
		Phone:     strings.TrimSpace(p.Phone),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		payload := orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.Price,
			Quantity:  item.Quantity,
			SKU:       item.SKU,
			Total:     item.Total,
		}
		if item.Image != nil {
			payload.Image = item.Image.URL
		}
		items = append(items, payload)
	}

	refunds := make([]refundPayload, 0, len(order.Payment.Refunds))
	for _, refund := range order.Payment.Refunds {
		refunds = append(refunds, refundPayload{
			RefundID:  refund.RefundID,
			Amount:    refund.Amount,
			Reason:    refund.Reason,
			Status:    refund.Status,
			CreatedAt: formatTime(refund.CreatedAt),
		})
	}

	payload := orderPayload{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		CustomerID:      order.CustomerID,
		CustomerEmail:   order.CustomerEmail,
		Items:           items,
		TotalItems:      order.TotalItems(),
		Subtotal:        order.Subtotal,
		Tax:             order.Tax,
		TaxRate:         order.TaxRate,
		Discount:        order.Discount,
		DiscountCode:    order.DiscountCode,
		ShippingCost:    order.ShippingCost,
		Total:           order.Total,
		Currency:        order.Currency,
		ShippingAddress: buildAddressPayload(order.ShippingAddress),
		Payment: paymentPayload{
			Method:          order.Payment.Method,
			Status:          string(order.Payment.Status),
			TransactionID:   order.Payment.TransactionID,
			PaymentIntentID: order.Payment.PaymentIntentID,
			Amount:          order.Payment.Amount,
			Currency:        order.Payment.Currency,
			PaidAt:          formatTimePtr(order.Payment.PaidAt),
			FailureReason:   order.Payment.FailureReason,
			RefundAmount:    order.Payment.RefundAmount,
			RefundReason:    order.Payment.RefundReason,
			RefundedAt:      formatTimePtr(order.Payment.RefundedAt),
			Refunds:         refunds,
		},
		Shipping: shippingPayload{
			Method:            string(order.Shipping.Method),
			Cost:              order.Shipping.Cost,
			EstimatedDelivery: formatTime(order.EstimatedDelivery()),
			Carrier:           order.Shipping.Carrier,
			TrackingNumber:    order.Shipping.TrackingNumber,
			TrackingURL:       order.Shipping.TrackingURL,
			ShippedAt:         formatTimePtr(order.Shipping.ShippedAt),
			DeliveredAt:       formatTimePtr(order.Shipping.DeliveredAt),
			Status:            string(order.Shipping.Status),
		},
		Status:             string(order.Status),
		Notes:              order.Notes,
		CustomerNotes:      order.CustomerNotes,
		AdminNotes:         order.AdminNotes,
		IsGift:             order.IsGift,
		GiftMessage:        order.GiftMessage,
		GiftWrap:           order.GiftWrap,
		CancellationReason: order.CancellationReason,
		ReturnReason:       order.ReturnReason,
		ReturnStatus:       string(order.ReturnStatus),
		Source:             order.Source,
		CanBeCancelled:     order.CanBeCancelled(),
		OrderDate:          formatTime(order.OrderDate),
		ConfirmedAt:        formatTimePtr(order.ConfirmedAt),
		ShippedAt:          formatTimePtr(order.ShippedAt),
		DeliveredAt:        formatTimePtr(order.DeliveredAt),
		CancelledAt:        formatTimePtr(order.CancelledAt),
		ReturnedAt:         formatTimePtr(order.ReturnedAt),
		CreatedAt:          formatTime(order.CreatedAt),
		UpdatedAt:          formatTime(order.UpdatedAt),
	}
	if order.BillingAddress != nil {
		billing := buildAddressPayload(*order.BillingAddress)
		payload.BillingAddress = &billing
	}
	return payload
}

func buildHistoryPayload(entries []services.StatusHistoryEntry) []historyPayload {
	out := make([]historyPayload, 0, len(entries))
	for _, entry := range entries {
		out = append(out, historyPayload{
			ID:        entry.ID,
			Status:    string(entry.Status),
			Note:      entry.Note,
			UpdatedBy: entry.UpdatedBy,
			Timestamp: formatTime(entry.Timestamp),
		})
	}
	return out
}

func buildIntentPayload(intent payments.Intent) intentPayload {
	return intentPayload{
		ID:             intent.ID,
		Status:         intent.Status,
		Amount:         intent.Amount,
		Currency:       strings.ToUpper(intent.Currency),
		FailureMessage: intent.FailureMessage,
	}
}

func buildPaymentMethodPayload(method services.PaymentMethod) paymentMethodPayload {
	return paymentMethodPayload{
		ID:       method.ID,
		Type:     method.Type,
		Brand:    method.Brand,
		Last4:    method.Last4,
		ExpMonth: method.ExpMonth,
		ExpYear:  method.ExpYear,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	value := formatTime(*t)
	return &value
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02", raw)
}
