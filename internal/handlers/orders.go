package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/shopswift/api/internal/platform/auth"
	"github.com/shopswift/api/internal/platform/authz"
	"github.com/shopswift/api/internal/platform/httpx"
	"github.com/shopswift/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

type createOrderItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type createOrderRequest struct {
	Items           []createOrderItemRequest `json:"items"`
	ShippingAddress addressPayload           `json:"shippingAddress"`
	BillingAddress  *addressPayload          `json:"billingAddress"`
	PaymentMethod   string                   `json:"paymentMethod"`
	ShippingMethod  string                   `json:"shippingMethod"`
	CustomerNotes   string                   `json:"customerNotes"`
	IsGift          bool                     `json:"isGift"`
	GiftMessage     string                   `json:"giftMessage"`
	GiftWrap        bool                     `json:"giftWrap"`
	Source          string                   `json:"source"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

type updatePaymentStatusRequest struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
	FailureReason string `json:"failureReason"`
}

type updateShippingRequest struct {
	TrackingNumber    *string `json:"trackingNumber"`
	Carrier           *string `json:"carrier"`
	TrackingURL       *string `json:"trackingUrl"`
	EstimatedDelivery *string `json:"estimatedDelivery"`
	Status            *string `json:"status"`
}

type addNoteRequest struct {
	Note    string `json:"note"`
	IsAdmin bool   `json:"isAdmin"`
}

type applyDiscountRequest struct {
	Amount int64  `json:"amount"`
	Code   string `json:"code"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes the /orders endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	enforcer    *authz.Enforcer
	rateLimit   func(http.Handler) http.Handler
	idempotency func(http.Handler) http.Handler
	errors      errorWriter
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderEnforcer gates admin routes through the RBAC enforcer.
func WithOrderEnforcer(enforcer *authz.Enforcer) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.enforcer = enforcer
	}
}

// WithOrderRateLimit applies the per-user rate limiter after authentication.
func WithOrderRateLimit(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.rateLimit = mw
	}
}

// WithOrderIdempotency guards order creation with Idempotency-Key replay.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// WithOrderProductionErrors hides internal error text from responses.
func WithOrderProductionErrors(hide bool) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.errors.hideInternal = hide
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	if h.rateLimit != nil {
		r.Use(h.rateLimit)
	}

	create := r.With(h.permission(authz.ResourceOrders, authz.ActionCreate))
	if h.idempotency != nil {
		create = create.With(h.idempotency)
	}
	create.Post("/", h.createOrder)

	readAll := h.permission(authz.ResourceOrders, authz.ActionReadAll)
	manage := h.permission(authz.ResourceOrders, authz.ActionManage)

	r.With(readAll).Get("/", h.listOrders)
	r.With(readAll).Get("/analytics", h.analytics)
	r.Get("/number/{orderNumber}", h.getOrderByNumber)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/history", h.getHistory)
	r.With(manage).Put("/{orderID}/status", h.updateStatus)
	r.With(manage).Put("/{orderID}/payment", h.updatePaymentStatus)
	r.With(manage).Put("/{orderID}/shipping", h.updateShipping)
	r.With(manage).Put("/{orderID}/discount", h.applyDiscount)
	r.With(manage).Post("/{orderID}/notes", h.addNote)
	r.Put("/{orderID}/cancel", h.cancelOrder)
	r.Post("/{orderID}/return", h.requestReturn)
}

func (h *OrderHandlers) permission(resource, action string) func(http.Handler) http.Handler {
	if h.enforcer != nil {
		return h.enforcer.Require(resource, action)
	}
	if action == authz.ActionCreate {
		return func(next http.Handler) http.Handler { return next }
	}
	return auth.RequireRole(auth.RoleAdmin)
}

func (h *OrderHandlers) available(w http.ResponseWriter, r *http.Request) bool {
	if h.orders == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	cmd := services.CreateOrderCommand{
		Actor:           actor,
		ShippingAddress: req.ShippingAddress.toAddress(),
		PaymentMethod:   strings.TrimSpace(req.PaymentMethod),
		ShippingMethod:  services.ShippingMethod(strings.ToLower(strings.TrimSpace(req.ShippingMethod))),
		CustomerNotes:   req.CustomerNotes,
		IsGift:          req.IsGift,
		GiftMessage:     req.GiftMessage,
		GiftWrap:        req.GiftWrap,
		Source:          strings.TrimSpace(req.Source),
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.CreateOrderItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
		})
	}
	if req.BillingAddress != nil {
		billing := req.BillingAddress.toAddress()
		cmd.BillingAddress = &billing
	}

	order, err := h.orders.Create(ctx, cmd)
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusCreated, "Order created successfully", map[string]any{
		"order": buildOrderPayload(order),
	})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	query := r.URL.Query()

	page, err := positiveIntParam(query.Get("page"), 1)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page must be a positive integer", http.StatusBadRequest))
		return
	}
	limit, err := positiveIntParam(query.Get("limit"), defaultOrderPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
		return
	}
	if limit > maxOrderPageSize {
		limit = maxOrderPageSize
	}

	filter := services.OrderListFilter{
		CustomerID: strings.TrimSpace(query.Get("customerId")),
		Pagination: services.Pagination{Page: page, Limit: limit},
	}
	for _, value := range splitFilterValues(query["status"]) {
		filter.Status = append(filter.Status, services.OrderStatus(value))
	}
	for _, value := range splitFilterValues(query["paymentStatus"]) {
		filter.PaymentStatus = append(filter.PaymentStatus, services.PaymentStatus(value))
	}
	for _, value := range splitFilterValues(query["shippingStatus"]) {
		filter.ShippingStatus = append(filter.ShippingStatus, services.ShippingStatus(value))
	}
	if raw := strings.TrimSpace(query.Get("startDate")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "startDate must be an RFC3339 timestamp or YYYY-MM-DD date", http.StatusBadRequest))
			return
		}
		filter.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("endDate")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "endDate must be an RFC3339 timestamp or YYYY-MM-DD date", http.StatusBadRequest))
			return
		}
		filter.To = &ts
	}

	result, err := h.orders.List(ctx, filter)
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	items := make([]orderPayload, 0, len(result.Items))
	for _, order := range result.Items {
		items = append(items, buildOrderPayload(order))
	}
	httpx.WriteSuccess(w, http.StatusOK, "", map[string]any{
		"orders": items,
		"pagination": paginationPayload{
			Page:    result.Page,
			Limit:   result.Limit,
			Total:   result.Total,
			HasNext: result.HasNext,
			HasPrev: result.HasPrev,
		},
	})
}

func (h *OrderHandlers) analytics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	query := r.URL.Query()
	var req services.AnalyticsQuery
	if raw := strings.TrimSpace(query.Get("startDate")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "startDate must be an RFC3339 timestamp or YYYY-MM-DD date", http.StatusBadRequest))
			return
		}
		req.Start = ts
	}
	if raw := strings.TrimSpace(query.Get("endDate")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "endDate must be an RFC3339 timestamp or YYYY-MM-DD date", http.StatusBadRequest))
			return
		}
		req.End = ts
	}
	req.GroupBy = query.Get("groupBy")

	result, err := h.orders.Analytics(ctx, req)
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}

	buckets := make([]map[string]any, 0, len(result.Buckets))
	for _, bucket := range result.Buckets {
		buckets = append(buckets, map[string]any{
			"period":            bucket.Period,
			"revenue":           bucket.Revenue,
			"orders":            bucket.Orders,
			"averageOrderValue": bucket.AverageOrderValue,
		})
	}
	distribution := make(map[string]int, len(result.StatusDistribution))
	for status, count := range result.StatusDistribution {
		distribution[string(status)] = count
	}
	httpx.WriteSuccess(w, http.StatusOK, "", map[string]any{
		"analytics": map[string]any{
			"startDate":          formatTime(result.Start),
			"endDate":            formatTime(result.End),
			"groupBy":            result.GroupBy,
			"revenue":            buckets,
			"totalRevenue":       result.TotalRevenue,
			"totalOrders":        result.TotalOrders,
			"averageOrderValue":  result.AverageOrderValue,
			"statusDistribution": distribution,
		},
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := h.orders.Get(ctx, orderID, actor)
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "", map[string]any{"order": buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrderByNumber(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	number := strings.TrimSpace(chi.URLParam(r, "orderNumber"))
	if !services.ValidOrderNumber(number) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "Invalid order number format", http.StatusBadRequest))
		return
	}
	order, err := h.orders.GetByNumber(ctx, number, actor)
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "", map[string]any{"order": buildOrderPayload(order)})
}

func (h *OrderHandlers) getHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	entries, err := h.orders.History(ctx, orderID, actor)
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "", map[string]any{"history": buildHistoryPayload(entries)})
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req updateStatusRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	order, err := h.orders.UpdateStatus(ctx, services.UpdateOrderStatusCommand{
		OrderID: orderID,
		Status:  services.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		Note:    req.Note,
		Actor:   actor,
	})
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Order status updated successfully", map[string]any{"order": buildOrderPayload(order)})
}

func (h *OrderHandlers) updatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req updatePaymentStatusRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	order, err := h.orders.UpdatePaymentStatus(ctx, services.UpdatePaymentStatusCommand{
		OrderID:       orderID,
		Status:        services.PaymentStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		TransactionID: strings.TrimSpace(req.TransactionID),
		FailureReason: req.FailureReason,
		Actor:         actor,
	})
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Payment status updated successfully", map[string]any{"order": buildOrderPayload(order)})
}

func (h *OrderHandlers) updateShipping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req updateShippingRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	cmd := services.UpdateShippingCommand{
		OrderID:        orderID,
		TrackingNumber: req.TrackingNumber,
		Carrier:        req.Carrier,
		TrackingURL:    req.TrackingURL,
		Actor:          actor,
	}
	if req.EstimatedDelivery != nil {
		ts, err := parseTimeParam(*req.EstimatedDelivery)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "estimatedDelivery must be an RFC3339 timestamp or YYYY-MM-DD date", http.StatusBadRequest))
			return
		}
		cmd.EstimatedDelivery = &ts
	}
	if req.Status != nil {
		status := services.ShippingStatus(strings.ToLower(strings.TrimSpace(*req.Status)))
		cmd.Status = &status
	}
	order, err := h.orders.UpdateShipping(ctx, cmd)
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Shipping information updated successfully", map[string]any{"order": buildOrderPayload(order)})
}

func (h *OrderHandlers) addNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req addNoteRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	order, err := h.orders.AddNote(ctx, services.AddOrderNoteCommand{
		OrderID:   orderID,
		Note:      req.Note,
		AdminNote: req.IsAdmin,
		Actor:     actor,
	})
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Note added successfully", map[string]any{"order": buildOrderPayload(order)})
}

func (h *OrderHandlers) applyDiscount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req applyDiscountRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	order, err := h.orders.ApplyDiscount(ctx, services.ApplyDiscountCommand{
		OrderID: orderID,
		Amount:  req.Amount,
		Code:    req.Code,
		Actor:   actor,
	})
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Discount applied successfully", map[string]any{"order": buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Reason:  req.Reason,
		Actor:   actor,
	})
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Order cancelled successfully", map[string]any{"order": buildOrderPayload(order)})
}

func (h *OrderHandlers) requestReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	order, err := h.orders.RequestReturn(ctx, services.RequestReturnCommand{
		OrderID: orderID,
		Reason:  req.Reason,
		Actor:   actor,
	})
	if err != nil {
		h.errors.write(ctx, w, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Return request submitted successfully", map[string]any{"order": buildOrderPayload(order)})
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

func positiveIntParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return 0, strconv.ErrSyntax
	}
	return value, nil
}

func splitFilterValues(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
