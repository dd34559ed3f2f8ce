package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// Webhook event types handled by the payment service.
const (
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventPaymentIntentFailed    = "payment_intent.payment_failed"
	EventSetupIntentSucceeded   = "setup_intent.succeeded"
)

// ErrInvalidSignature is returned when a webhook payload fails signature verification.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// Event is a verified provider webhook event.
type Event struct {
	ID   string
	Type string
	Raw  json.RawMessage
}

// PaymentIntent decodes the event object as a payment intent.
func (e Event) PaymentIntent() (Intent, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(e.Raw, &intent); err != nil {
		return Intent{}, fmt.Errorf("payments: decode payment intent: %w", err)
	}
	return toIntent(&intent), nil
}

// ObjectID returns the id of the event's data object.
func (e Event) ObjectID() string {
	var obj struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(e.Raw, &obj)
	return obj.ID
}

// WebhookVerifier checks the Stripe-Signature header of webhook deliveries.
type WebhookVerifier struct {
	secret string
}

// NewWebhookVerifier constructs a verifier bound to the endpoint signing secret.
func NewWebhookVerifier(secret string) (*WebhookVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("payments: webhook secret is required")
	}
	return &WebhookVerifier{secret: secret}, nil
}

// Verify validates the signature and timestamp tolerance and decodes the event.
func (v *WebhookVerifier) Verify(payload []byte, signatureHeader string) (Event, error) {
	if v == nil {
		return Event{}, ErrProviderUnavailable
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	out := Event{ID: event.ID, Type: string(event.Type)}
	if event.Data != nil {
		out.Raw = event.Data.Raw
	}
	return out, nil
}
