//go:build integration

package firestore

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/shopswift/api/internal/domain"
	pconfig "github.com/shopswift/api/internal/platform/config"
	pfirestore "github.com/shopswift/api/internal/platform/firestore"
	"github.com/shopswift/api/internal/repositories"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func newEmulatorProvider(t *testing.T, project string) *pfirestore.Provider {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })
	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: project, EmulatorHost: endpoint})
	t.Cleanup(func() { _ = provider.Close() })
	return provider
}

func TestCounterRepositoryIntegration(t *testing.T) {
	provider := newEmulatorProvider(t, "counter-test")
	repo, err := NewCounterRepository(provider)
	if err != nil {
		t.Fatalf("new counter repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const workers = 16
	results := make([]int64, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			value, err := repo.Next(ctx, "orders-202403", 1)
			if err != nil {
				t.Errorf("next(%d): %v", idx, err)
				return
			}
			results[idx] = value
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, val := range results {
		if val != int64(i+1) {
			t.Fatalf("expected sequence %d at position %d, got %d", i+1, i, val)
		}
	}
}

func TestOrderRepositoriesIntegration(t *testing.T) {
	provider := newEmulatorProvider(t, "orders-test")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	orders, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}
	history, err := NewStatusHistoryRepository(provider)
	if err != nil {
		t.Fatalf("new history repository: %v", err)
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		t.Fatalf("new product repository: %v", err)
	}

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := client.Collection(productsCollection).Doc("prod-1").Set(ctx, productDocument{
		Name:        "Mug",
		Price:       1000,
		Status:      string(domain.ProductStatusActive),
		IsPublished: true,
		Inventory:   inventoryFields{TrackQuantity: true, Quantity: 5},
	}); err != nil {
		t.Fatalf("seed product: %v", err)
	}

	now := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	order := domain.Order{
		ID:           "ord_1",
		OrderNumber:  "ORD-202403-0001",
		CustomerID:   "cust-1",
		Items:        []domain.OrderLineItem{{ProductID: "prod-1", Name: "Mug", Price: 1000, Quantity: 2, Total: 2000}},
		Subtotal:     2000,
		Tax:          160,
		Total:        2160,
		Currency:     "USD",
		Status:       domain.OrderStatusPending,
		ReturnStatus: domain.ReturnStatusNone,
		Payment:      domain.OrderPayment{Method: "card", Status: domain.PaymentStatusPending, PaymentIntentID: "pi_1"},
		Shipping:     domain.OrderShipping{Method: domain.ShippingMethodStandard, Status: domain.ShippingStatusPending},
		OrderDate:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	uow := pfirestore.NewUnitOfWork(provider)
	err = uow.RunInTx(ctx, func(ctx context.Context) error {
		if err := orders.Insert(ctx, order); err != nil {
			return err
		}
		if err := history.Append(ctx, domain.StatusHistoryEntry{ID: "h1", OrderID: order.ID, Status: domain.OrderStatusPending, Note: "Order placed", Timestamp: now}); err != nil {
			return err
		}
		return products.AdjustStock(ctx, "prod-1", -2, 2)
	})
	if err != nil {
		t.Fatalf("create order tx: %v", err)
	}

	byNumber, err := orders.FindByNumber(ctx, "ORD-202403-0001")
	if err != nil {
		t.Fatalf("find by number: %v", err)
	}
	if byNumber.ID != "ord_1" || byNumber.Total != 2160 || len(byNumber.Items) != 1 {
		t.Fatalf("unexpected order %+v", byNumber)
	}
	byIntent, err := orders.FindByPaymentIntent(ctx, "pi_1")
	if err != nil || byIntent.ID != "ord_1" {
		t.Fatalf("find by intent: %v %+v", err, byIntent)
	}
	if _, err := orders.FindByNumber(ctx, "ORD-202403-9999"); err == nil {
		t.Fatalf("expected not found")
	} else if repoErr, ok := err.(repositories.RepositoryError); !ok || !repoErr.IsNotFound() {
		t.Fatalf("expected repository not found error, got %v", err)
	}

	product, err := products.FindByID(ctx, "prod-1")
	if err != nil {
		t.Fatalf("find product: %v", err)
	}
	if product.Stock != 3 || product.Purchases != 2 {
		t.Fatalf("expected stock 3 purchases 2, got %d %d", product.Stock, product.Purchases)
	}

	if err := products.RestoreStock(ctx, map[string]int64{"prod-1": 2, "missing": 4}); err != nil {
		t.Fatalf("restore stock: %v", err)
	}
	product, _ = products.FindByID(ctx, "prod-1")
	if product.Stock != 5 {
		t.Fatalf("expected stock 5 after restore, got %d", product.Stock)
	}

	if err := history.Append(ctx, domain.StatusHistoryEntry{ID: "h1", OrderID: order.ID, Status: domain.OrderStatusConfirmed, Timestamp: now}); err == nil {
		t.Fatalf("expected duplicate history id to fail")
	}
	entries, err := history.List(ctx, order.ID)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(entries) != 1 || entries[0].Note != "Order placed" {
		t.Fatalf("unexpected history %+v", entries)
	}

	page, err := orders.List(ctx, repositories.OrderListFilter{
		Status:     []domain.OrderStatus{domain.OrderStatusPending},
		CustomerID: "cust-1",
	})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if page.Total != 1 || len(page.Items) != 1 || page.HasNext {
		t.Fatalf("unexpected page %+v", page)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	out, err := exec.Command("docker", "run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080", "--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skipf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}
