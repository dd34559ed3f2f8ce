package idempotency

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrEventInProgress is returned when another worker is handling the same event.
var ErrEventInProgress = errors.New("idempotency: event is being processed")

const eventFingerprint = "event"

// EventDeduper runs a handler at most once per external event id, such as a payment
// provider webhook delivery.
type EventDeduper struct {
	store Store
	ttl   time.Duration
	clock func() time.Time
}

// NewEventDeduper wraps store. A nil store disables deduplication.
func NewEventDeduper(store Store, ttl time.Duration) *EventDeduper {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &EventDeduper{store: store, ttl: ttl, clock: time.Now}
}

// Do runs fn unless eventID already completed. It reports duplicate=true when fn was skipped.
// A failing fn releases the reservation so a redelivery can retry.
func (d *EventDeduper) Do(ctx context.Context, eventID string, fn func(context.Context) error) (bool, error) {
	if d == nil || d.store == nil || eventID == "" {
		return false, fn(ctx)
	}
	key := "event|" + eventID
	reservation, err := d.store.Reserve(ctx, key, eventFingerprint, d.clock(), d.ttl)
	if err != nil {
		return false, err
	}
	switch reservation.State {
	case ReservationStateCompleted:
		return true, nil
	case ReservationStatePending:
		return false, ErrEventInProgress
	}

	if err := fn(ctx); err != nil {
		if releaseErr := d.store.Release(ctx, key); releaseErr != nil {
			return false, errors.Join(err, releaseErr)
		}
		return false, err
	}
	return false, d.store.SaveResponse(ctx, key, eventFingerprint, Response{Status: http.StatusOK}, d.clock(), d.ttl)
}
