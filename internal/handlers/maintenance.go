package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/shopswift/api/internal/platform/httpx"
	"github.com/shopswift/api/internal/platform/idempotency"
	"github.com/shopswift/api/internal/platform/requestctx"
)

const defaultCleanupBatchSize = 500

// MaintenanceHandlers serves scheduler-triggered housekeeping under /internal.
type MaintenanceHandlers struct {
	idempotency idempotency.Store
	batchSize   int
	clock       func() time.Time
}

// MaintenanceOption customises MaintenanceHandlers.
type MaintenanceOption func(*MaintenanceHandlers)

// WithCleanupBatchSize caps how many expired records one run deletes.
func WithCleanupBatchSize(size int) MaintenanceOption {
	return func(h *MaintenanceHandlers) {
		if size > 0 {
			h.batchSize = size
		}
	}
}

// WithMaintenanceClock overrides the time source.
func WithMaintenanceClock(clock func() time.Time) MaintenanceOption {
	return func(h *MaintenanceHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewMaintenanceHandlers constructs maintenance handlers.
func NewMaintenanceHandlers(store idempotency.Store, opts ...MaintenanceOption) *MaintenanceHandlers {
	h := &MaintenanceHandlers{
		idempotency: store,
		batchSize:   defaultCleanupBatchSize,
		clock:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the maintenance endpoints.
func (h *MaintenanceHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/maintenance/cleanup", h.cleanup)
}

func (h *MaintenanceHandlers) cleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.idempotency == nil {
		httpx.WriteError(ctx, w, httpx.NewError("maintenance_unavailable", "idempotency store unavailable", http.StatusServiceUnavailable))
		return
	}
	deleted, err := h.idempotency.CleanupExpired(ctx, h.clock().UTC(), h.batchSize)
	if err != nil {
		requestctx.Logger(ctx).Error("idempotency cleanup failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("cleanup_failed", "failed to clean up expired records", http.StatusInternalServerError))
		return
	}
	requestctx.Logger(ctx).Info("idempotency cleanup completed", zap.Int("deleted", deleted))
	httpx.WriteSuccess(w, http.StatusOK, "", map[string]any{"deleted": deleted})
}
