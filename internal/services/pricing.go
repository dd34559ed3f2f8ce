package services

import (
	domain "github.com/shopswift/api/internal/domain"
)

// DefaultTaxRateBPS is the sales tax rate in basis points (8%).
const DefaultTaxRateBPS int64 = 800

var shippingCosts = map[ShippingMethod]int64{
	domain.ShippingMethodStandard:  0,
	domain.ShippingMethodExpress:   999,
	domain.ShippingMethodOvernight: 1999,
	domain.ShippingMethodPickup:    0,
}

// ShippingCost returns the flat rate for method.
func ShippingCost(method ShippingMethod) int64 {
	return shippingCosts[method]
}

// CalculateTax applies rateBPS to the taxable amount, rounding half up to the cent.
func CalculateTax(taxable int64, rateBPS int64) int64 {
	if taxable <= 0 || rateBPS <= 0 {
		return 0
	}
	return (taxable*rateBPS + 5000) / 10000
}

// OrderTotal is subtotal + shipping + tax - discount, floored at zero.
func OrderTotal(subtotal, shipping, tax, discount int64) int64 {
	total := subtotal + shipping + tax - discount
	if total < 0 {
		return 0
	}
	return total
}

// PricedLines is the outcome of pricing a set of line items.
type PricedLines struct {
	Items    []OrderLineItem
	Subtotal int64
	Shipping int64
	Tax      int64
	Total    int64
}

// priceLines freezes product snapshots into line items and computes the order totals.
func priceLines(lines []lineRequest, method ShippingMethod, taxRateBPS int64) PricedLines {
	out := PricedLines{Items: make([]OrderLineItem, 0, len(lines))}
	for _, line := range lines {
		item := OrderLineItem{
			ProductID: line.product.ID,
			Name:      line.product.Name,
			Price:     line.product.Price,
			Quantity:  line.quantity,
			SKU:       line.product.SKU,
			Total:     line.product.Price * int64(line.quantity),
		}
		if img := line.product.PrimaryImage; img != nil {
			copied := *img
			item.Image = &copied
		}
		out.Items = append(out.Items, item)
		out.Subtotal += item.Total
	}
	out.Shipping = ShippingCost(method)
	out.Tax = CalculateTax(out.Subtotal+out.Shipping, taxRateBPS)
	out.Total = OrderTotal(out.Subtotal, out.Shipping, out.Tax, 0)
	return out
}

type lineRequest struct {
	product  Product
	quantity int
}
