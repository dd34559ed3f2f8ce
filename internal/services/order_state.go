package services

import (
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/shopswift/api/internal/domain"
)

// OrderStatusPolicy controls how admin status writes treat edges outside the lifecycle graph.
type OrderStatusPolicy string

const (
	// OrderStatusPolicyStrict rejects any edge not in the lifecycle graph.
	OrderStatusPolicyStrict OrderStatusPolicy = "strict"
	// OrderStatusPolicyOverride lets admins force any known status; the history note is tagged.
	OrderStatusPolicyOverride OrderStatusPolicy = "override"

	overrideNotePrefix = "[override]"
)

var orderStateTransitions = map[OrderStatus][]OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusConfirmed, domain.OrderStatusCancelled},
	domain.OrderStatusConfirmed:  {domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusCancelled, domain.OrderStatusRefunded},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusReturned},
	domain.OrderStatusDelivered:  {domain.OrderStatusReturned, domain.OrderStatusRefunded},
	domain.OrderStatusReturned:   {domain.OrderStatusRefunded},
}

// CanTransition reports whether the lifecycle graph has an edge from -> to.
func CanTransition(from, to OrderStatus) bool {
	return slices.Contains(orderStateTransitions[from], to)
}

// transition moves order to target and returns the single history entry recording it. When
// force is set an edge outside the graph is accepted and the note is tagged as an override.
// Same-status writes are always rejected.
func transition(order *Order, target OrderStatus, note, actorID string, now time.Time, force bool) (StatusHistoryEntry, bool, error) {
	if !target.Valid() {
		return StatusHistoryEntry{}, false, fmt.Errorf("%w: unknown order status %q", ErrOrderInvalidInput, target)
	}
	from := order.Status
	if from == target {
		return StatusHistoryEntry{}, false, fmt.Errorf("%w: order is already %s", ErrOrderInvalidState, target)
	}
	overridden := false
	if !CanTransition(from, target) {
		if !force {
			return StatusHistoryEntry{}, false, fmt.Errorf("%w: cannot transition order from %s to %s", ErrOrderInvalidState, from, target)
		}
		overridden = true
		note = strings.TrimSpace(overrideNotePrefix + " " + note)
	}

	order.Status = target
	order.UpdatedAt = now
	stamp := now
	switch target {
	case domain.OrderStatusConfirmed:
		order.ConfirmedAt = &stamp
	case domain.OrderStatusShipped:
		order.ShippedAt = &stamp
		order.Shipping.ShippedAt = &stamp
		order.Shipping.Status = domain.ShippingStatusShipped
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &stamp
		order.Shipping.DeliveredAt = &stamp
		order.Shipping.Status = domain.ShippingStatusDelivered
	case domain.OrderStatusCancelled:
		order.CancelledAt = &stamp
	case domain.OrderStatusReturned:
		order.ReturnedAt = &stamp
	}

	return StatusHistoryEntry{
		OrderID:   order.ID,
		Status:    target,
		Note:      note,
		UpdatedBy: actorID,
		Timestamp: now,
	}, overridden, nil
}

// noteEntry records an audit note without changing the status.
func noteEntry(order Order, note, actorID string, now time.Time) StatusHistoryEntry {
	return StatusHistoryEntry{
		OrderID:   order.ID,
		Status:    order.Status,
		Note:      note,
		UpdatedBy: actorID,
		Timestamp: now,
	}
}
