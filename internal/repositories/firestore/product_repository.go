package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/shopswift/api/internal/domain"
	pfirestore "github.com/shopswift/api/internal/platform/firestore"
)

const productsCollection = "products"

type productDocument struct {
	Name        string          `firestore:"name"`
	SKU         string          `firestore:"sku,omitempty"`
	Price       int64           `firestore:"price"`
	Images      []productImage  `firestore:"images,omitempty"`
	Status      string          `firestore:"status"`
	IsPublished bool            `firestore:"isPublished"`
	Inventory   inventoryFields `firestore:"inventory"`
	Purchases   int64           `firestore:"purchases"`
	UpdatedAt   time.Time       `firestore:"updatedAt"`
}

type productImage struct {
	PublicID  string `firestore:"publicId,omitempty"`
	URL       string `firestore:"url"`
	IsPrimary bool   `firestore:"isPrimary"`
}

type inventoryFields struct {
	TrackQuantity  bool  `firestore:"trackQuantity"`
	AllowBackorder bool  `firestore:"allowBackorder"`
	Quantity       int64 `firestore:"quantity"`
}

// ProductRepository reads catalog products and mutates their stock counters.
type ProductRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[productDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil),
	}, nil
}

// FindByID loads the product used to price an order line.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	doc, err := r.base.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// AdjustStock applies server-side increments so concurrent orders never lose updates.
func (r *ProductRepository) AdjustStock(ctx context.Context, productID string, stockDelta int64, purchaseDelta int64) error {
	updates := []firestore.Update{{Path: "updatedAt", Value: firestore.ServerTimestamp}}
	if stockDelta != 0 {
		updates = append(updates, firestore.Update{Path: "inventory.quantity", Value: firestore.Increment(stockDelta)})
	}
	if purchaseDelta != 0 {
		updates = append(updates, firestore.Update{Path: "purchases", Value: firestore.Increment(purchaseDelta)})
	}
	return r.base.Update(ctx, productID, updates)
}

// RestoreStock reads every product first and then writes max(0, stock+qty). Products that no
// longer exist are skipped.
func (r *ProductRepository) RestoreStock(ctx context.Context, quantities map[string]int64) error {
	if len(quantities) == 0 {
		return nil
	}
	ids := make([]string, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		type restock struct {
			ref   *firestore.DocumentRef
			stock int64
		}
		pending := make([]restock, 0, len(ids))
		for _, id := range ids {
			ref, err := r.base.DocumentRef(ctx, id)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
			if status.Code(err) == codes.NotFound {
				continue
			}
			if err != nil {
				return err
			}
			var doc productDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode product %s: %w", id, err)
			}
			next := doc.Inventory.Quantity + quantities[id]
			if next < 0 {
				next = 0
			}
			pending = append(pending, restock{ref: ref, stock: next})
		}
		for _, p := range pending {
			if err := tx.Update(p.ref, []firestore.Update{
				{Path: "inventory.quantity", Value: p.stock},
				{Path: "updatedAt", Value: firestore.ServerTimestamp},
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d productDocument) toDomain(id string) domain.Product {
	product := domain.Product{
		ID:             id,
		Name:           d.Name,
		SKU:            d.SKU,
		Price:          d.Price,
		Status:         domain.ProductStatus(d.Status),
		IsPublished:    d.IsPublished,
		TrackQuantity:  d.Inventory.TrackQuantity,
		AllowBackorder: d.Inventory.AllowBackorder,
		Stock:          d.Inventory.Quantity,
		Purchases:      d.Purchases,
		UpdatedAt:      d.UpdatedAt,
	}
	for i, img := range d.Images {
		if img.IsPrimary || (i == 0 && product.PrimaryImage == nil) {
			product.PrimaryImage = &domain.ProductImage{PublicID: img.PublicID, URL: img.URL}
		}
	}
	return product
}
