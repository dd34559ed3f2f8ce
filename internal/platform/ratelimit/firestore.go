package ratelimit

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/shopswift/api/internal/platform/firestore"
)

const collectionName = "rateLimits"

type counterDocument struct {
	Key         string    `firestore:"key"`
	Count       int       `firestore:"count"`
	WindowStart time.Time `firestore:"windowStart"`
	ExpiresAt   time.Time `firestore:"expiresAt"`
}

// FirestoreStore shares counters across instances in the rateLimits collection. The expiresAt
// field is intended for a Firestore TTL policy so stale windows are purged server side.
type FirestoreStore struct {
	provider *pfirestore.Provider
}

// NewFirestoreStore constructs a Firestore backed store.
func NewFirestoreStore(provider *pfirestore.Provider) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("ratelimit: firestore provider is required")
	}
	return &FirestoreStore{provider: provider}, nil
}

// Hit implements Store inside a transaction so concurrent instances never over-admit.
func (s *FirestoreStore) Hit(ctx context.Context, key string, limit int, length time.Duration, now time.Time) (Decision, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return Decision{}, err
	}
	ref := client.Collection(collectionName).Doc(documentID(key))

	var decision Decision
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && !isNotFound(err) {
			return err
		}

		var doc counterDocument
		if snap != nil && snap.Exists() {
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
		}

		if doc.ExpiresAt.IsZero() || !now.Before(doc.ExpiresAt) {
			doc = counterDocument{Key: key, Count: 1, WindowStart: now, ExpiresAt: now.Add(length)}
			decision = decide(doc.Count, limit, doc.ExpiresAt, true)
			return tx.Set(ref, doc)
		}
		if doc.Count >= limit {
			decision = decide(doc.Count, limit, doc.ExpiresAt, false)
			return nil
		}
		decision = decide(doc.Count+1, limit, doc.ExpiresAt, true)
		return tx.Update(ref, []firestore.Update{{Path: "count", Value: firestore.Increment(1)}})
	})
	if err != nil {
		return Decision{}, pfirestore.WrapError("rateLimits.hit", err)
	}
	return decision, nil
}

func isNotFound(err error) bool {
	var repoErr interface{ IsNotFound() bool }
	if errors.As(pfirestore.WrapError("", err), &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}
