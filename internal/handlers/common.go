package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/shopswift/api/internal/payments"
	"github.com/shopswift/api/internal/platform/auth"
	"github.com/shopswift/api/internal/platform/httpx"
	"github.com/shopswift/api/internal/platform/idempotency"
	"github.com/shopswift/api/internal/platform/requestctx"
	"github.com/shopswift/api/internal/services"
)

const (
	defaultBodyLimit = 16 * 1024
	webhookBodyLimit = 64 * 1024
)

var (
	errEmptyBody    = errors.New("request body is empty")
	errBodyTooLarge = errors.New("request body too large")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeBody reads a JSON request body into dst and writes a 400/413 on failure.
// allowEmpty treats a missing body as an empty object.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	ctx := r.Context()
	data, err := readLimitedBody(r, defaultBodyLimit)
	switch {
	case errors.Is(err, errEmptyBody):
		if allowEmpty {
			return true
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		return false
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge))
		return false
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read request body", http.StatusBadRequest))
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("invalid JSON payload: %v", err), http.StatusBadRequest))
		return false
	}
	return true
}

// actorFromRequest converts the authenticated identity into a service actor.
func actorFromRequest(w http.ResponseWriter, r *http.Request) (services.Actor, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "Not authorized", http.StatusUnauthorized))
		return services.Actor{}, false
	}
	return services.Actor{ID: strings.TrimSpace(identity.UID), Role: identity.Role}, true
}

// errorWriter maps service errors onto the JSON envelope.
type errorWriter struct {
	hideInternal bool
}

func (e errorWriter) write(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", publicMessage(err, services.ErrOrderInvalidInput), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", publicMessage(err, services.ErrPaymentInvalidInput), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_state", publicMessage(err, services.ErrOrderInvalidState), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_state", publicMessage(err, services.ErrPaymentInvalidState), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("duplicate", publicMessage(err, services.ErrOrderConflict), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentWebhookSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "Webhook signature verification failed", http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderForbidden), errors.Is(err, services.ErrPaymentForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "Access denied", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		message := publicMessage(err, services.ErrOrderNotFound)
		if message == err.Error() {
			message = "Order not found"
		}
		httpx.WriteError(ctx, w, httpx.NewError("not_found", message, http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", publicMessage(err, services.ErrPaymentNotFound), http.StatusNotFound))
	case errors.Is(err, idempotency.ErrEventInProgress):
		httpx.WriteError(ctx, w, httpx.NewError("event_in_progress", "Event is already being processed", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentProvider) && payments.IsCardError(err):
		var perr *payments.ProviderError
		message := "Payment was declined"
		if errors.As(err, &perr) && strings.TrimSpace(perr.Message) != "" {
			message = perr.Message
		}
		httpx.WriteError(ctx, w, httpx.NewError("card_error", message, http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentProvider):
		requestctx.Logger(ctx).Error("payment provider error", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("payment_provider_error", e.internalMessage(err, "Payment processing failed"), http.StatusInternalServerError))
	default:
		requestctx.Logger(ctx).Error("request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", e.internalMessage(err, "Internal server error"), http.StatusInternalServerError))
	}
}

func (e errorWriter) internalMessage(err error, fallback string) string {
	if e.hideInternal {
		return fallback
	}
	return err.Error()
}

// publicMessage strips the sentinel prefix so clients see only the detail.
func publicMessage(err, sentinel error) string {
	message := err.Error()
	if detail, ok := strings.CutPrefix(message, sentinel.Error()+": "); ok && detail != "" {
		return detail
	}
	return message
}
