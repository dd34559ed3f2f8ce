package notifications

import (
	"context"
	"errors"
	"strings"

	domain "github.com/shopswift/api/internal/domain"
)

// Dispatcher renders and sends transactional emails. Order emails get a single attempt; account
// emails go through a RetryingMailer. No method returns an error to its caller.
type Dispatcher struct {
	renderer *Renderer
	mailer   Mailer
	retrying Mailer
	from     string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// DispatcherDeps wires the dispatcher.
type DispatcherDeps struct {
	Renderer *Renderer
	Mailer   Mailer
	Retry    []RetryOption
	From     string
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewDispatcher validates deps and builds a Dispatcher.
func NewDispatcher(deps DispatcherDeps) (*Dispatcher, error) {
	if deps.Renderer == nil {
		return nil, errors.New("notifications: renderer is required")
	}
	if deps.Mailer == nil {
		return nil, errors.New("notifications: mailer is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Dispatcher{
		renderer: deps.Renderer,
		mailer:   deps.Mailer,
		retrying: NewRetryingMailer(deps.Mailer, deps.Retry...),
		from:     strings.TrimSpace(deps.From),
		logger:   logger,
	}, nil
}

// OrderConfirmation emails the order summary to the customer.
func (d *Dispatcher) OrderConfirmation(ctx context.Context, order domain.Order, customer domain.Customer) {
	to := firstNonEmpty(customer.Email, order.CustomerEmail)
	d.send(ctx, d.mailer, TemplateOrderConfirmation, to, templateData{
		Name:  firstNonEmpty(customer.FirstName, order.ShippingAddress.FirstName),
		Link:  d.renderer.orderLink(order),
		Order: order,
	}, order.ID)
}

// OrderShipped emails tracking details once the order leaves the warehouse.
func (d *Dispatcher) OrderShipped(ctx context.Context, order domain.Order) {
	d.send(ctx, d.mailer, TemplateOrderShipped, order.CustomerEmail, templateData{
		Name:  order.ShippingAddress.FirstName,
		Link:  d.renderer.orderLink(order),
		Order: order,
	}, order.ID)
}

// EmailVerification sends the account verification link.
func (d *Dispatcher) EmailVerification(ctx context.Context, customer domain.Customer, link string) {
	d.send(ctx, d.retrying, TemplateEmailVerification, customer.Email, templateData{Name: customer.FirstName, Link: link}, "")
}

// PasswordReset sends the password reset link.
func (d *Dispatcher) PasswordReset(ctx context.Context, customer domain.Customer, link string) {
	d.send(ctx, d.retrying, TemplatePasswordReset, customer.Email, templateData{Name: customer.FirstName, Link: link}, "")
}

func (d *Dispatcher) send(ctx context.Context, mailer Mailer, name, to string, data templateData, orderID string) {
	if strings.TrimSpace(to) == "" {
		d.logger(ctx, "notification.skipped", map[string]any{"template": name, "orderId": orderID, "reason": "missing recipient"})
		return
	}
	msg, err := d.renderer.Render(name, to, data)
	if err == nil {
		msg.From = d.from
		if orderID != "" {
			msg.Tags = map[string]string{"orderId": orderID}
		}
		err = mailer.Send(ctx, msg)
	}
	if err != nil {
		d.logger(ctx, "notification.send.failed", map[string]any{
			"template": name,
			"orderId":  orderID,
			"error":    err.Error(),
		})
		return
	}
	d.logger(ctx, "notification.sent", map[string]any{"template": name, "orderId": orderID})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
