package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/shopswift/api/internal/domain"
	pfirestore "github.com/shopswift/api/internal/platform/firestore"
)

const statusHistoryCollection = "statusHistory"

type statusHistoryDocument struct {
	OrderID   string    `firestore:"orderId"`
	Status    string    `firestore:"status"`
	Note      string    `firestore:"note,omitempty"`
	UpdatedBy string    `firestore:"updatedBy,omitempty"`
	Timestamp time.Time `firestore:"timestamp"`
}

// StatusHistoryRepository stores history entries under orders/{orderId}/statusHistory. Entries
// are created once and never rewritten.
type StatusHistoryRepository struct {
	orders *pfirestore.BaseRepository[orderDocument]
}

// NewStatusHistoryRepository constructs the append-only history store.
func NewStatusHistoryRepository(provider *pfirestore.Provider) (*StatusHistoryRepository, error) {
	if provider == nil {
		return nil, errors.New("status history repository requires firestore provider")
	}
	return &StatusHistoryRepository{orders: pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil)}, nil
}

// Append creates a new entry. Reusing an entry id fails with a conflict.
func (r *StatusHistoryRepository) Append(ctx context.Context, entry domain.StatusHistoryEntry) error {
	if strings.TrimSpace(entry.ID) == "" {
		return errors.New("status history entry id is required")
	}
	coll, err := r.collection(ctx, entry.OrderID)
	if err != nil {
		return err
	}
	doc := statusHistoryDocument{
		OrderID:   entry.OrderID,
		Status:    string(entry.Status),
		Note:      entry.Note,
		UpdatedBy: entry.UpdatedBy,
		Timestamp: entry.Timestamp.UTC(),
	}
	ref := coll.Doc(entry.ID)
	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		return pfirestore.WrapError("statusHistory.append", tx.Create(ref, doc))
	}
	_, err = ref.Create(ctx, doc)
	return pfirestore.WrapError("statusHistory.append", err)
}

// List returns the order's history oldest first.
func (r *StatusHistoryRepository) List(ctx context.Context, orderID string) ([]domain.StatusHistoryEntry, error) {
	coll, err := r.collection(ctx, orderID)
	if err != nil {
		return nil, err
	}
	snaps, err := coll.OrderBy("timestamp", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, pfirestore.WrapError("statusHistory.list", err)
	}
	entries := make([]domain.StatusHistoryEntry, 0, len(snaps))
	for _, snap := range snaps {
		var doc statusHistoryDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, pfirestore.WrapError("statusHistory.decode", err)
		}
		entries = append(entries, domain.StatusHistoryEntry{
			ID:        snap.Ref.ID,
			OrderID:   orderID,
			Status:    domain.OrderStatus(doc.Status),
			Note:      doc.Note,
			UpdatedBy: doc.UpdatedBy,
			Timestamp: doc.Timestamp,
		})
	}
	return entries, nil
}

func (r *StatusHistoryRepository) collection(ctx context.Context, orderID string) (*firestore.CollectionRef, error) {
	orderRef, err := r.orders.DocumentRef(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return orderRef.Collection(statusHistoryCollection), nil
}
