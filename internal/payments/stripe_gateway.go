package payments

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	domain "github.com/shopswift/api/internal/domain"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeCustomerAPI interface {
	New(params *stripe.CustomerParams) (*stripe.Customer, error)
}

type stripeSetupIntentAPI interface {
	New(params *stripe.SetupIntentParams) (*stripe.SetupIntent, error)
}

type stripePaymentMethodAPI interface {
	Detach(id string, params *stripe.PaymentMethodDetachParams) (*stripe.PaymentMethod, error)
}

type stripeClients struct {
	intents            stripePaymentIntentAPI
	refunds            stripeRefundAPI
	customers          stripeCustomerAPI
	setupIntents       stripeSetupIntentAPI
	paymentMethods     stripePaymentMethodAPI
	listPaymentMethods func(params *stripe.PaymentMethodListParams) ([]*stripe.PaymentMethod, error)
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   StripeLogger
	Clients  *stripeClients
}

// StripeGateway implements Gateway on top of the Stripe API.
type StripeGateway struct {
	api    stripeClients
	logger StripeLogger
}

// NewStripeGateway constructs a Stripe gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents:        sc.PaymentIntents,
			refunds:        sc.Refunds,
			customers:      sc.Customers,
			setupIntents:   sc.SetupIntents,
			paymentMethods: sc.PaymentMethods,
			listPaymentMethods: func(params *stripe.PaymentMethodListParams) ([]*stripe.PaymentMethod, error) {
				iter := sc.PaymentMethods.List(params)
				var out []*stripe.PaymentMethod
				for iter.Next() {
					out = append(out, iter.PaymentMethod())
				}
				return out, iter.Err()
			},
		}
	}
	if clients.intents == nil || clients.refunds == nil || clients.customers == nil || clients.setupIntents == nil || clients.paymentMethods == nil || clients.listPaymentMethods == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeGateway{api: clients, logger: logger}, nil
}

// CreatePaymentIntent creates an intent with automatic payment methods enabled.
func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	intent, err := g.api.intents.New(params)
	if err != nil {
		return Intent{}, providerError("create payment intent", err)
	}
	g.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
	})
	return toIntent(intent), nil
}

// ConfirmPaymentIntent confirms the intent, optionally attaching a payment method.
func (g *StripeGateway) ConfirmPaymentIntent(ctx context.Context, intentID, paymentMethodID string) (Intent, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	if id := strings.TrimSpace(paymentMethodID); id != "" {
		params.PaymentMethod = stripe.String(id)
	}
	intent, err := g.api.intents.Confirm(intentID, params)
	if err != nil {
		return Intent{}, providerError("confirm payment intent", err)
	}
	g.logger(ctx, "payments.stripe.intent.confirmed", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})
	return toIntent(intent), nil
}

// GetPaymentIntent retrieves the current state of an intent.
func (g *StripeGateway) GetPaymentIntent(ctx context.Context, intentID string) (Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := g.api.intents.Get(intentID, params)
	if err != nil {
		return Intent{}, providerError("get payment intent", err)
	}
	return toIntent(intent), nil
}

// CancelPaymentIntent cancels an unpaid intent.
func (g *StripeGateway) CancelPaymentIntent(ctx context.Context, intentID string) (Intent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	intent, err := g.api.intents.Cancel(intentID, params)
	if err != nil {
		return Intent{}, providerError("cancel payment intent", err)
	}
	g.logger(ctx, "payments.stripe.intent.cancelled", map[string]any{"paymentIntent": intent.ID})
	return toIntent(intent), nil
}

// CreateRefund refunds all or part of a captured intent.
func (g *StripeGateway) CreateRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.IntentID)}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	refund, err := g.api.refunds.New(params)
	if err != nil {
		return Refund{}, providerError("create refund", err)
	}
	g.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"paymentIntent": req.IntentID,
		"refund":        refund.ID,
		"amount":        refund.Amount,
	})
	return Refund{
		ID:        refund.ID,
		Amount:    refund.Amount,
		Status:    string(refund.Status),
		Reason:    string(refund.Reason),
		CreatedAt: unixTime(refund.Created),
	}, nil
}

// CreateCustomer creates a provider customer and returns its id.
func (g *StripeGateway) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if req.Email != "" {
		params.Email = stripe.String(req.Email)
	}
	if req.Name != "" {
		params.Name = stripe.String(req.Name)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	customer, err := g.api.customers.New(params)
	if err != nil {
		return "", providerError("create customer", err)
	}
	return customer.ID, nil
}

// CreateSetupIntent prepares a card to be saved against customerID.
func (g *StripeGateway) CreateSetupIntent(ctx context.Context, customerID string) (SetupIntent, error) {
	params := &stripe.SetupIntentParams{
		Customer:           stripe.String(customerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx
	intent, err := g.api.setupIntents.New(params)
	if err != nil {
		return SetupIntent{}, providerError("create setup intent", err)
	}
	return SetupIntent{ID: intent.ID, ClientSecret: intent.ClientSecret, Status: string(intent.Status)}, nil
}

// ListPaymentMethods returns the customer's saved cards.
func (g *StripeGateway) ListPaymentMethods(ctx context.Context, customerID string) ([]domain.PaymentMethod, error) {
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	params.Context = ctx
	methods, err := g.api.listPaymentMethods(params)
	if err != nil {
		return nil, providerError("list payment methods", err)
	}
	out := make([]domain.PaymentMethod, 0, len(methods))
	for _, pm := range methods {
		if pm == nil {
			continue
		}
		method := domain.PaymentMethod{
			ID:        pm.ID,
			Type:      string(pm.Type),
			CreatedAt: unixTime(pm.Created),
		}
		if pm.Card != nil {
			method.Brand = strings.ToLower(string(pm.Card.Brand))
			method.Last4 = pm.Card.Last4
			method.ExpMonth = int(pm.Card.ExpMonth)
			method.ExpYear = int(pm.Card.ExpYear)
		}
		out = append(out, method)
	}
	return out, nil
}

// DetachPaymentMethod removes a saved card from its customer.
func (g *StripeGateway) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	params := &stripe.PaymentMethodDetachParams{}
	params.Context = ctx
	if _, err := g.api.paymentMethods.Detach(paymentMethodID, params); err != nil {
		return providerError("detach payment method", err)
	}
	return nil
}

func toIntent(intent *stripe.PaymentIntent) Intent {
	if intent == nil {
		return Intent{}
	}
	out := Intent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       string(intent.Status),
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
		Metadata:     intent.Metadata,
	}
	if intent.Customer != nil {
		out.CustomerID = intent.Customer.ID
	}
	if intent.PaymentMethod != nil {
		out.PaymentMethodID = intent.PaymentMethod.ID
	}
	if intent.LastPaymentError != nil {
		out.FailureMessage = intent.LastPaymentError.Msg
	}
	return out
}

func providerError(op string, err error) error {
	perr := &ProviderError{Op: op, Status: http.StatusBadGateway, Err: err}
	var serr *stripe.Error
	if errors.As(err, &serr) {
		perr.Code = string(serr.Code)
		perr.Message = serr.Msg
		perr.Card = serr.Type == stripe.ErrorTypeCard
		if serr.HTTPStatusCode != 0 {
			perr.Status = serr.HTTPStatusCode
		}
	}
	return perr
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case RefundReasonDuplicate:
		return string(stripe.RefundReasonDuplicate)
	case RefundReasonFraudulent:
		return string(stripe.RefundReasonFraudulent)
	case RefundReasonRequestedByCustomer:
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
