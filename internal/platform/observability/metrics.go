package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/shopswift/api"

// OrderMetrics records order and payment lifecycle counters.
type OrderMetrics struct {
	created       metric.Int64Counter
	transitions   metric.Int64Counter
	webhookEvents metric.Int64Counter
}

// NewOrderMetrics registers the counters on the global meter provider.
func NewOrderMetrics() (*OrderMetrics, error) {
	meter := otel.Meter(meterName)
	created, err := meter.Int64Counter("orders.created",
		metric.WithDescription("Orders placed"))
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("orders.status.transitions",
		metric.WithDescription("Order status changes by target status"))
	if err != nil {
		return nil, err
	}
	webhookEvents, err := meter.Int64Counter("payments.webhook.events",
		metric.WithDescription("Payment provider webhook events by type and outcome"))
	if err != nil {
		return nil, err
	}
	return &OrderMetrics{created: created, transitions: transitions, webhookEvents: webhookEvents}, nil
}

// OrderCreated counts a placed order.
func (m *OrderMetrics) OrderCreated(ctx context.Context, shippingMethod string) {
	if m == nil {
		return
	}
	m.created.Add(ctx, 1, metric.WithAttributes(attribute.String("shipping_method", shippingMethod)))
}

// StatusChanged counts an order status transition.
func (m *OrderMetrics) StatusChanged(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// WebhookEvent counts a processed webhook event.
func (m *OrderMetrics) WebhookEvent(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("outcome", outcome),
	))
}
