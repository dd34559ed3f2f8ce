package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/shopswift/api/internal/platform/auth"
	"github.com/shopswift/api/internal/platform/authz"
	"github.com/shopswift/api/internal/platform/httpx"
	"github.com/shopswift/api/internal/platform/requestctx"
	"github.com/shopswift/api/internal/services"
)

const stripeSignatureHeader = "Stripe-Signature"

type createIntentRequest struct {
	OrderID string `json:"orderId"`
}

type confirmPaymentRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
	PaymentMethodID string `json:"paymentMethodId"`
}

type refundRequest struct {
	Amount *int64 `json:"amount"`
	Reason string `json:"reason"`
}

// PaymentHandlers exposes the /payments endpoints, including the provider webhook.
type PaymentHandlers struct {
	authn     *auth.Authenticator
	payments  services.PaymentService
	enforcer  *authz.Enforcer
	rateLimit func(http.Handler) http.Handler
	errors    errorWriter
}

// PaymentHandlersOption customises PaymentHandlers.
type PaymentHandlersOption func(*PaymentHandlers)

// WithPaymentEnforcer gates payment routes through the RBAC enforcer.
func WithPaymentEnforcer(enforcer *authz.Enforcer) PaymentHandlersOption {
	return func(h *PaymentHandlers) {
		h.enforcer = enforcer
	}
}

// WithPaymentRateLimit applies the per-user rate limiter to authenticated payment routes.
func WithPaymentRateLimit(mw func(http.Handler) http.Handler) PaymentHandlersOption {
	return func(h *PaymentHandlers) {
		h.rateLimit = mw
	}
}

// WithPaymentProductionErrors hides internal error text from responses.
func WithPaymentProductionErrors(hide bool) PaymentHandlersOption {
	return func(h *PaymentHandlers) {
		h.errors.hideInternal = hide
	}
}

// NewPaymentHandlers constructs a new PaymentHandlers instance.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService, opts ...PaymentHandlersOption) *PaymentHandlers {
	h := &PaymentHandlers{
		authn:    authn,
		payments: payments,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/webhook", h.webhook)

	r.Group(func(r chi.Router) {
		if h.authn != nil {
			r.Use(h.authn.RequireAuth())
		}
		if h.rateLimit != nil {
			r.Use(h.rateLimit)
		}
		pay := h.permission(authz.ActionPay)
		r.With(pay).Post("/create-intent", h.createIntent)
		r.With(pay).Post("/confirm", h.confirm)
		r.With(pay).Post("/setup-intent", h.createSetupIntent)
		r.With(pay).Get("/payment-methods", h.listPaymentMethods)
		r.With(pay).Delete("/payment-methods/{paymentMethodID}", h.detachPaymentMethod)
		r.Get("/{intentID}/status", h.status)
		r.Post("/{intentID}/cancel", h.cancelIntent)
		r.With(h.permission(authz.ActionRefund)).Post("/{intentID}/refund", h.refund)
	})
}

func (h *PaymentHandlers) permission(action string) func(http.Handler) http.Handler {
	if h.enforcer != nil {
		return h.enforcer.Require(authz.ResourcePayments, action)
	}
	if action == authz.ActionRefund {
		return auth.RequireRole(auth.RoleAdmin)
	}
	return func(next http.Handler) http.Handler { return next }
}

func (h *PaymentHandlers) available(w http.ResponseWriter, r *http.Request) bool {
	if h.payments == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func (h *PaymentHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req createIntentRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	result, err := h.payments.CreateIntent(ctx, services.CreatePaymentIntentCommand{
		OrderID: strings.TrimSpace(req.OrderID),
		Actor:   actor,
	})
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "", map[string]any{
		"clientSecret":    result.ClientSecret,
		"paymentIntentId": result.PaymentIntentID,
		"amount":          result.Amount,
		"currency":        strings.ToUpper(result.Currency),
		"orderId":         result.OrderID,
		"orderNumber":     result.OrderNumber,
	})
}

func (h *PaymentHandlers) confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req confirmPaymentRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	result, err := h.payments.Confirm(ctx, services.ConfirmPaymentCommand{
		IntentID:        strings.TrimSpace(req.PaymentIntentID),
		PaymentMethodID: strings.TrimSpace(req.PaymentMethodID),
		Actor:           actor,
	})
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	message := "Payment confirmed successfully"
	if !result.Intent.Succeeded() {
		message = "Payment requires further action"
	}
	httpx.WriteSuccess(w, http.StatusOK, message, map[string]any{
		"paymentIntent": buildIntentPayload(result.Intent),
		"order":         buildOrderPayload(result.Order),
	})
}

func (h *PaymentHandlers) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	intentID, ok := intentIDParam(w, r)
	if !ok {
		return
	}
	result, err := h.payments.Status(ctx, intentID, actor)
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	body := map[string]any{"paymentIntent": buildIntentPayload(result.Intent)}
	if result.Order != nil {
		body["order"] = map[string]any{
			"id":            result.Order.ID,
			"orderNumber":   result.Order.OrderNumber,
			"status":        string(result.Order.Status),
			"paymentStatus": string(result.Order.Payment.Status),
		}
	}
	httpx.WriteSuccess(w, http.StatusOK, "", body)
}

func (h *PaymentHandlers) cancelIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	intentID, ok := intentIDParam(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	order, err := h.payments.CancelIntent(ctx, services.CancelPaymentIntentCommand{
		IntentID: intentID,
		Reason:   req.Reason,
		Actor:    actor,
	})
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Payment cancelled successfully", map[string]any{"order": buildOrderPayload(order)})
}

func (h *PaymentHandlers) refund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	intentID, ok := intentIDParam(w, r)
	if !ok {
		return
	}
	var req refundRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	result, err := h.payments.Refund(ctx, services.RefundPaymentCommand{
		IntentID: intentID,
		Amount:   req.Amount,
		Reason:   strings.TrimSpace(req.Reason),
		Actor:    actor,
	})
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Refund processed successfully", map[string]any{
		"refund": map[string]any{
			"id":     result.Refund.ID,
			"amount": result.Refund.Amount,
			"status": result.Refund.Status,
			"reason": result.Refund.Reason,
		},
		"order": buildOrderPayload(result.Order),
	})
}

func (h *PaymentHandlers) listPaymentMethods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	methods, err := h.payments.ListPaymentMethods(ctx, actor)
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	items := make([]paymentMethodPayload, 0, len(methods))
	for _, method := range methods {
		items = append(items, buildPaymentMethodPayload(method))
	}
	httpx.WriteSuccess(w, http.StatusOK, "", map[string]any{"paymentMethods": items})
}

func (h *PaymentHandlers) detachPaymentMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	methodID := strings.TrimSpace(chi.URLParam(r, "paymentMethodID"))
	if methodID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment method id is required", http.StatusBadRequest))
		return
	}
	if err := h.payments.DetachPaymentMethod(ctx, methodID, actor); err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Payment method removed successfully", nil)
}

func (h *PaymentHandlers) createSetupIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	intent, err := h.payments.CreateSetupIntent(ctx, actor)
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "", map[string]any{
		"clientSecret":  intent.ClientSecret,
		"setupIntentId": intent.ID,
	})
}

// webhook must see the raw body; signature verification covers the exact bytes.
func (h *PaymentHandlers) webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	payload, err := readLimitedBody(r, webhookBodyLimit)
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook payload too large", http.StatusRequestEntityTooLarge))
		return
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook payload is required", http.StatusBadRequest))
		return
	}

	result, err := h.payments.HandleWebhook(ctx, payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	if result.Duplicate {
		requestctx.Logger(ctx).Info("webhook event already processed", zap.String("event_id", result.EventID), zap.String("event_type", result.Type))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"received": true})
}

func intentIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	intentID := strings.TrimSpace(chi.URLParam(r, "intentID"))
	if intentID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "payment intent id is required", http.StatusBadRequest))
		return "", false
	}
	return intentID, true
}
