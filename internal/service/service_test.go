package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"pos-sync/internal/cart"
	"pos-sync/internal/kv"
	"pos-sync/internal/models"
	"pos-sync/internal/remote"
	"pos-sync/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(store.DriverSQLite, filepath.Join(t.TempDir(), "pos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newStartedCart(t *testing.T, s kv.Store) *cart.Cart {
	t.Helper()
	c := cart.New(s)
	_, err := c.StartSession(context.Background())
	require.NoError(t, err)
	return c
}

func riceProduct() models.Product {
	return models.Product{
		ID:         "p1",
		Barcode:    "4800016644290",
		Name:       "Rice 1kg",
		CategoryID: "grains",
		UnitPrice:  decimal.NewFromInt(100),
		IsBNPC:     true,
	}
}

// fakeRemote is an in-memory backend
type fakeRemote struct {
	mu       sync.Mutex
	products map[string]models.Product
	version  string
	promos   []models.Promo
	err      error

	lookups      int
	catalogFetch int
	lookupGate   chan struct{}
}

func newFakeRemote(products ...models.Product) *fakeRemote {
	r := &fakeRemote{products: make(map[string]models.Product), version: "v1"}
	for _, p := range products {
		r.products[p.Barcode] = p
	}
	return r
}

func (r *fakeRemote) LookupProduct(ctx context.Context, barcode string) (*models.Product, error) {
	if r.lookupGate != nil {
		<-r.lookupGate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	if r.err != nil {
		return nil, r.err
	}
	p, ok := r.products[barcode]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return &p, nil
}

func (r *fakeRemote) CatalogVersion(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	return r.version, nil
}

func (r *fakeRemote) FetchCatalog(ctx context.Context) (*remote.Catalog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalogFetch++
	if r.err != nil {
		return nil, r.err
	}
	catalog := &remote.Catalog{Version: r.version}
	for _, p := range r.products {
		catalog.Products = append(catalog.Products, p)
	}
	return catalog, nil
}

func (r *fakeRemote) FetchPromos(ctx context.Context) ([]models.Promo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.promos, r.err
}

// submitRecorder is a queue.SubmitFunc that records checkout codes
type submitRecorder struct {
	mu    sync.Mutex
	codes []string
	err   error
}

func (s *submitRecorder) submit(ctx context.Context, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	var body models.CheckoutPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return err
	}
	s.codes = append(s.codes, body.CheckoutCode)
	return nil
}

func (s *submitRecorder) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.codes...)
}

type staticConnectivity bool

func (c staticConnectivity) Online() bool { return bool(c) }

func (c staticConnectivity) Teardown(ctx context.Context, flush bool) error { return nil }
