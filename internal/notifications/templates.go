package notifications

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	domain "github.com/shopswift/api/internal/domain"
	"github.com/shopswift/api/internal/services"
)

// Template names understood by the renderer.
const (
	TemplateOrderConfirmation = "orderConfirmation"
	TemplateOrderShipped      = "orderShipped"
	TemplateEmailVerification = "emailVerification"
	TemplatePasswordReset     = "passwordReset"
)

// Message is a rendered email ready for delivery.
type Message struct {
	From     string            `json:"from,omitempty"`
	To       string            `json:"to"`
	Subject  string            `json:"subject"`
	HTML     string            `json:"html"`
	Template string            `json:"template"`
	Tags     map[string]string `json:"tags,omitempty"`
}

type emailTemplate struct {
	subject *template.Template
	body    *template.Template
}

// Renderer turns template data into subject and HTML body.
type Renderer struct {
	storeName   string
	frontendURL string
	templates   map[string]emailTemplate
}

var funcs = template.FuncMap{
	"money": func(amount int64, currency string) string {
		return services.FormatMoney(amount, currency)
	},
	"date": func(t time.Time) string {
		return t.UTC().Format("January 2, 2006")
	},
}

const layout = `<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;color:#222">` +
	`<h1>{{.Store}}</h1>{{template "content" .}}<p style="color:#888;font-size:12px">{{.Store}}</p></body></html>`

var sources = map[string]struct{ subject, body string }{
	TemplateOrderConfirmation: {
		subject: `Order Confirmation - {{.Order.OrderNumber}}`,
		body: `{{define "content"}}<p>Hi {{.Name}},</p>` +
			`<p>Thank you for your order! Your order number is <strong>{{.Order.OrderNumber}}</strong>.</p>` +
			`<table>{{range .Order.Items}}<tr><td>{{.Name}} &times; {{.Quantity}}</td><td>{{money .Total $.Order.Currency}}</td></tr>{{end}}</table>` +
			`<p>Subtotal: {{money .Order.Subtotal .Order.Currency}}<br>Shipping: {{money .Order.ShippingCost .Order.Currency}}<br>` +
			`Tax: {{money .Order.Tax .Order.Currency}}{{if .Order.Discount}}<br>Discount: -{{money .Order.Discount .Order.Currency}}{{end}}<br>` +
			`<strong>Total: {{money .Order.Total .Order.Currency}}</strong></p>` +
			`<p>Estimated delivery: {{date .Order.EstimatedDelivery}}</p>` +
			`<p><a href="{{.Link}}">View your order</a></p>{{end}}`,
	},
	TemplateOrderShipped: {
		subject: `Your order {{.Order.OrderNumber}} has shipped`,
		body: `{{define "content"}}<p>Hi {{.Name}},</p>` +
			`<p>Good news! Order <strong>{{.Order.OrderNumber}}</strong> is on its way.</p>` +
			`{{with .Order.Shipping}}{{if .Carrier}}<p>Carrier: {{.Carrier}}</p>{{end}}{{if .TrackingNumber}}<p>Tracking number: {{.TrackingNumber}}</p>{{end}}` +
			`{{if .TrackingURL}}<p><a href="{{.TrackingURL}}">Track your package</a></p>{{end}}{{end}}` +
			`<p>Estimated delivery: {{date .Order.EstimatedDelivery}}</p>` +
			`<p><a href="{{.Link}}">View your order</a></p>{{end}}`,
	},
	TemplateEmailVerification: {
		subject: `Verify your email address`,
		body: `{{define "content"}}<p>Hi {{.Name}},</p><p>Please confirm your email address to finish setting up your account.</p>` +
			`<p><a href="{{.Link}}">Verify email</a></p><p>This link expires in 24 hours.</p>{{end}}`,
	},
	TemplatePasswordReset: {
		subject: `Reset your password`,
		body: `{{define "content"}}<p>Hi {{.Name}},</p><p>We received a request to reset your password.</p>` +
			`<p><a href="{{.Link}}">Choose a new password</a></p><p>If you did not request this, you can ignore this email. The link expires in 10 minutes.</p>{{end}}`,
	},
}

// NewRenderer parses every template once.
func NewRenderer(storeName, frontendURL string) (*Renderer, error) {
	if strings.TrimSpace(storeName) == "" {
		storeName = "ShopSwift"
	}
	r := &Renderer{
		storeName:   storeName,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		templates:   make(map[string]emailTemplate, len(sources)),
	}
	for name, src := range sources {
		subject, err := template.New(name + ".subject").Parse(src.subject)
		if err != nil {
			return nil, fmt.Errorf("notifications: parse %s subject: %w", name, err)
		}
		body, err := template.New(name).Funcs(funcs).Parse(layout)
		if err == nil {
			_, err = body.Parse(src.body)
		}
		if err != nil {
			return nil, fmt.Errorf("notifications: parse %s body: %w", name, err)
		}
		r.templates[name] = emailTemplate{subject: subject, body: body}
	}
	return r, nil
}

type templateData struct {
	Store string
	Name  string
	Link  string
	Order domain.Order
}

// Render executes the named template for recipient.
func (r *Renderer) Render(name, to string, data templateData) (Message, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return Message{}, fmt.Errorf("notifications: unknown template %q", name)
	}
	data.Store = r.storeName
	if data.Name == "" {
		data.Name = "there"
	}

	var subject, body bytes.Buffer
	if err := tmpl.subject.Execute(&subject, data); err != nil {
		return Message{}, fmt.Errorf("notifications: render %s subject: %w", name, err)
	}
	if err := tmpl.body.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("notifications: render %s body: %w", name, err)
	}
	return Message{
		To:       to,
		Subject:  strings.TrimSpace(subject.String()),
		HTML:     body.String(),
		Template: name,
	}, nil
}

func (r *Renderer) orderLink(order domain.Order) string {
	return r.frontendURL + "/orders/" + order.ID
}
