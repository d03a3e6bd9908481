package service

import (
	"context"
	"errors"
	"fmt"

	"pos-sync/internal/models"
	"pos-sync/internal/remote"
	"pos-sync/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrPromoNotFound   = errors.New("promo not found")
)

// CatalogStore is the local catalog cache
type CatalogStore interface {
	GetProductByBarcode(ctx context.Context, barcode string) (*models.Product, error)
	CountProducts(ctx context.Context) (int, error)
	UpsertProducts(ctx context.Context, products []models.Product) error
	ReplaceCatalog(ctx context.Context, version string, products []models.Product) error
	CatalogVersion(ctx context.Context) (string, error)
	SetCatalogVersion(ctx context.Context, version string) error
	UpsertPromos(ctx context.Context, promos []models.Promo) error
	GetPromoByCode(ctx context.Context, code string) (*models.Promo, error)
	GetProductByID(ctx context.Context, id string) (*models.Product, error)
	GetProducts(ctx context.Context) ([]models.Product, error)
	ListPromos(ctx context.Context) ([]models.Promo, error)
}

// CatalogRemote is the backend's catalog API
type CatalogRemote interface {
	LookupProduct(ctx context.Context, barcode string) (*models.Product, error)
	CatalogVersion(ctx context.Context) (string, error)
	FetchCatalog(ctx context.Context) (*remote.Catalog, error)
	FetchPromos(ctx context.Context) ([]models.Promo, error)
}

// CatalogClient resolves products from the local cache, falling back to the
// backend on a miss
type CatalogClient struct {
	store  CatalogStore
	remote CatalogRemote
	sfg    singleflight.Group
	logger *zap.Logger
}

// NewCatalogClient creates a new catalog client. remote may be nil.
func NewCatalogClient(store CatalogStore, remote CatalogRemote) *CatalogClient {
	return &CatalogClient{
		store:  store,
		remote: remote,
		logger: util.GetLogger(),
	}
}

// ResolveBarcode returns the product for barcode. Concurrent misses for the
// same barcode share one backend call; a hit is written back to the cache.
func (cc *CatalogClient) ResolveBarcode(ctx context.Context, barcode string) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogClient.ResolveBarcode")
	defer span.End()

	product, err := cc.store.GetProductByBarcode(ctx, barcode)
	if err != nil {
		return nil, fmt.Errorf("failed to read local catalog: %w", err)
	}
	if product != nil {
		util.CatalogLookupsTotal.WithLabelValues("local").Inc()
		return product, nil
	}
	if cc.remote == nil {
		util.CatalogLookupsTotal.WithLabelValues("miss").Inc()
		return nil, ErrProductNotFound
	}

	v, err, _ := cc.sfg.Do(barcode, func() (interface{}, error) {
		p, err := cc.remote.LookupProduct(ctx, barcode)
		if err != nil {
			return nil, err
		}
		if err := cc.store.UpsertProducts(ctx, []models.Product{*p}); err != nil {
			cc.logger.Error("Failed to cache fetched product",
				zap.String("barcode", barcode),
				zap.Error(err))
		}
		return p, nil
	})
	if errors.Is(err, remote.ErrNotFound) {
		util.CatalogLookupsTotal.WithLabelValues("miss").Inc()
		return nil, ErrProductNotFound
	}
	if err != nil {
		util.CatalogLookupsTotal.WithLabelValues("error").Inc()
		cc.logger.Warn("Remote product lookup failed",
			zap.String("barcode", barcode),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrProductNotFound, err)
	}

	util.CatalogLookupsTotal.WithLabelValues("remote").Inc()
	return v.(*models.Product), nil
}

// Promo returns a locally cached promo by code
func (cc *CatalogClient) Promo(ctx context.Context, code string) (*models.Promo, error) {
	promo, err := cc.store.GetPromoByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to read promo: %w", err)
	}
	if promo == nil {
		return nil, ErrPromoNotFound
	}
	return promo, nil
}

// Product returns a locally cached product by id
func (cc *CatalogClient) Product(ctx context.Context, id string) (*models.Product, error) {
	product, err := cc.store.GetProductByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read product: %w", err)
	}
	if product == nil {
		return nil, ErrProductNotFound
	}
	return product, nil
}

// Products lists the cached catalog
func (cc *CatalogClient) Products(ctx context.Context) ([]models.Product, error) {
	products, err := cc.store.GetProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	if products == nil {
		products = []models.Product{}
	}
	return products, nil
}

// Promos lists the cached promos
func (cc *CatalogClient) Promos(ctx context.Context) ([]models.Promo, error) {
	promos, err := cc.store.ListPromos(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list promos: %w", err)
	}
	if promos == nil {
		promos = []models.Promo{}
	}
	return promos, nil
}

// SyncCatalog downloads the catalog and promos when the local cache is empty
// or its version differs from the backend's. It reports whether it synced.
func (cc *CatalogClient) SyncCatalog(ctx context.Context) (bool, error) {
	ctx, span := util.StartSpan(ctx, "CatalogClient.SyncCatalog")
	defer span.End()

	if cc.remote == nil {
		return false, nil
	}

	count, err := cc.store.CountProducts(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to count products: %w", err)
	}
	localVersion, err := cc.store.CatalogVersion(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read catalog version: %w", err)
	}
	remoteVersion, err := cc.remote.CatalogVersion(ctx)
	if err != nil {
		util.CatalogSyncsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to fetch catalog version: %w", err)
	}

	if count > 0 && localVersion == remoteVersion {
		util.CatalogSyncsTotal.WithLabelValues("up_to_date").Inc()
		return false, nil
	}

	cc.logger.Info("Starting catalog sync",
		zap.Int("local_count", count),
		zap.String("local_version", localVersion),
		zap.String("remote_version", remoteVersion))

	catalog, err := cc.remote.FetchCatalog(ctx)
	if err != nil {
		util.CatalogSyncsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to fetch catalog: %w", err)
	}
	if err := cc.store.ReplaceCatalog(ctx, catalog.Version, catalog.Products); err != nil {
		util.CatalogSyncsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to replace catalog: %w", err)
	}

	promos, err := cc.remote.FetchPromos(ctx)
	if err != nil {
		cc.logger.Warn("Failed to fetch promos", zap.Error(err))
	} else if err := cc.store.UpsertPromos(ctx, promos); err != nil {
		return true, fmt.Errorf("failed to store promos: %w", err)
	}

	util.CatalogSyncsTotal.WithLabelValues("synced").Inc()
	cc.logger.Info("Catalog sync completed",
		zap.String("version", catalog.Version),
		zap.Int("count", len(catalog.Products)))
	return true, nil
}

// ApplyCatalogEvent merges a pushed catalog delta into the cache
func (cc *CatalogClient) ApplyCatalogEvent(ctx context.Context, event *models.CatalogUpdatedEvent) error {
	if err := cc.store.UpsertProducts(ctx, event.Products); err != nil {
		return fmt.Errorf("failed to apply catalog update: %w", err)
	}
	if event.Version != "" {
		if err := cc.store.SetCatalogVersion(ctx, event.Version); err != nil {
			return fmt.Errorf("failed to record catalog version: %w", err)
		}
	}
	cc.logger.Info("Applied catalog update",
		zap.String("version", event.Version),
		zap.Int("count", len(event.Products)))
	return nil
}

// ApplyPromoEvent merges pushed promos into the cache
func (cc *CatalogClient) ApplyPromoEvent(ctx context.Context, event *models.PromoUpdatedEvent) error {
	if err := cc.store.UpsertPromos(ctx, event.Promos); err != nil {
		return fmt.Errorf("failed to apply promo update: %w", err)
	}
	return nil
}
