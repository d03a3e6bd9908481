package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pos-sync/internal/kv"
	"pos-sync/internal/models"

	"github.com/jmoiron/sqlx"
)

const catalogVersionKey = "catalog_version"

// GetProductByBarcode retrieves a product by barcode. Returns nil, nil on miss.
func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product,
		s.db.Rebind("SELECT * FROM products WHERE barcode = ?"), barcode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", barcode, err)
	}
	return &product, nil
}

// GetProductByID retrieves a product by ID. Returns nil, nil on miss.
func (s *Store) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product,
		s.db.Rebind("SELECT * FROM products WHERE id = ?"), id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", id, err)
	}
	return &product, nil
}

// GetProducts retrieves all cached products
func (s *Store) GetProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products, "SELECT * FROM products ORDER BY id")
	return products, err
}

// CountProducts returns the number of cached products
func (s *Store) CountProducts(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM products")
	return n, err
}

// UpsertProducts inserts or updates products in one transaction
func (s *Store) UpsertProducts(ctx context.Context, products []models.Product) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertProducts(ctx, tx, products); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceCatalog swaps the full product list and records its version
func (s *Store) ReplaceCatalog(ctx context.Context, version string, products []models.Product) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM products"); err != nil {
		return fmt.Errorf("failed to clear products: %w", err)
	}
	if err := upsertProducts(ctx, tx, products); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return s.SetCatalogVersion(ctx, version)
}

func upsertProducts(ctx context.Context, tx *sqlx.Tx, products []models.Product) error {
	query := tx.Rebind(`
		INSERT INTO products (id, barcode, name, category_id, unit_price, sale_price,
			sale_active, is_bnpc, excluded_from_discount, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			barcode = excluded.barcode,
			name = excluded.name,
			category_id = excluded.category_id,
			unit_price = excluded.unit_price,
			sale_price = excluded.sale_price,
			sale_active = excluded.sale_active,
			is_bnpc = excluded.is_bnpc,
			excluded_from_discount = excluded.excluded_from_discount,
			updated_at = excluded.updated_at`)

	now := time.Now().UTC()
	for _, p := range products {
		var salePrice interface{}
		if p.SalePrice != nil {
			salePrice = p.SalePrice.String()
		}
		if _, err := tx.ExecContext(ctx, query,
			p.ID, p.Barcode, p.Name, p.CategoryID, p.UnitPrice.String(), salePrice,
			p.SaleActive, p.IsBNPC, p.ExcludedFromDiscount, now); err != nil {
			return fmt.Errorf("failed to upsert product %s: %w", p.ID, err)
		}
	}
	return nil
}

// CatalogVersion returns the version of the cached catalog, "" if none
func (s *Store) CatalogVersion(ctx context.Context) (string, error) {
	data, err := s.Get(ctx, catalogVersionKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// SetCatalogVersion records the version of the cached catalog
func (s *Store) SetCatalogVersion(ctx context.Context, version string) error {
	return s.Set(ctx, catalogVersionKey, []byte(version))
}

// UpsertPromos stores promos keyed by code
func (s *Store) UpsertPromos(ctx context.Context, promos []models.Promo) error {
	query := s.db.Rebind(`
		INSERT INTO promos (code, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`)

	now := time.Now().UTC()
	for _, p := range promos {
		body, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal promo %s: %w", p.Code, err)
		}
		if _, err := s.db.ExecContext(ctx, query, p.Code, string(body), now); err != nil {
			return fmt.Errorf("failed to upsert promo %s: %w", p.Code, err)
		}
	}
	return nil
}

// GetPromoByCode retrieves a promo by code. Returns nil, nil on miss.
func (s *Store) GetPromoByCode(ctx context.Context, code string) (*models.Promo, error) {
	var body string
	err := s.db.GetContext(ctx, &body, s.db.Rebind("SELECT body FROM promos WHERE code = ?"), code)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get promo %s: %w", code, err)
	}

	var promo models.Promo
	if err := json.Unmarshal([]byte(body), &promo); err != nil {
		return nil, fmt.Errorf("failed to decode promo %s: %w", code, err)
	}
	return &promo, nil
}

// ListPromos returns every cached promo
func (s *Store) ListPromos(ctx context.Context) ([]models.Promo, error) {
	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies, "SELECT body FROM promos ORDER BY code"); err != nil {
		return nil, err
	}

	promos := make([]models.Promo, 0, len(bodies))
	for _, body := range bodies {
		var p models.Promo
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, fmt.Errorf("failed to decode promo: %w", err)
		}
		promos = append(promos, p)
	}
	return promos, nil
}
