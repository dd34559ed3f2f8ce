package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/shopswift/api/internal/domain"
)

// Intent statuses reported by the provider.
const (
	IntentStatusRequiresPaymentMethod = "requires_payment_method"
	IntentStatusRequiresConfirmation  = "requires_confirmation"
	IntentStatusRequiresAction        = "requires_action"
	IntentStatusProcessing            = "processing"
	IntentStatusSucceeded             = "succeeded"
	IntentStatusCanceled              = "canceled"
)

// Refund reasons accepted by the provider.
const (
	RefundReasonDuplicate           = "duplicate"
	RefundReasonFraudulent          = "fraudulent"
	RefundReasonRequestedByCustomer = "requested_by_customer"
)

// IntentRequest describes a payment intent to create.
type IntentRequest struct {
	Amount         int64
	Currency       string
	CustomerID     string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the normalised view of a provider payment intent.
type Intent struct {
	ID              string
	ClientSecret    string
	Status          string
	Amount          int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	FailureMessage  string
	Metadata        map[string]string
}

// Succeeded reports whether the intent captured funds.
func (i Intent) Succeeded() bool {
	return i.Status == IntentStatusSucceeded
}

// RefundRequest describes a refund against a payment intent. Zero Amount refunds the remainder.
type RefundRequest struct {
	IntentID       string
	Amount         int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// Refund is the provider's refund record.
type Refund struct {
	ID        string
	Amount    int64
	Status    string
	Reason    string
	CreatedAt time.Time
}

// CustomerRequest describes a provider customer to create.
type CustomerRequest struct {
	Email    string
	Name     string
	Metadata map[string]string
}

// SetupIntent lets a client save a card for later use.
type SetupIntent struct {
	ID           string
	ClientSecret string
	Status       string
}

// Gateway is the payment provider contract used by the payment service.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error)
	ConfirmPaymentIntent(ctx context.Context, intentID, paymentMethodID string) (Intent, error)
	GetPaymentIntent(ctx context.Context, intentID string) (Intent, error)
	CancelPaymentIntent(ctx context.Context, intentID string) (Intent, error)
	CreateRefund(ctx context.Context, req RefundRequest) (Refund, error)
	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
	CreateSetupIntent(ctx context.Context, customerID string) (SetupIntent, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]domain.PaymentMethod, error)
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) error
}

// ErrProviderUnavailable is returned when no provider is configured.
var ErrProviderUnavailable = errors.New("payments: provider not configured")

// ProviderError carries a failure reported by the payment provider. Card marks declines and
// other customer-correctable card failures whose Message is safe to show.
type ProviderError struct {
	Op      string
	Code    string
	Message string
	Card    bool
	Status  int
	Err     error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return fmt.Sprintf("payments: %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("payments: %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsCardError reports whether err wraps a card-level provider failure.
func IsCardError(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Card
}
