package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ScanEvent is a raw decoded read from the scanning surface
type ScanEvent struct {
	Code      string `json:"code"`
	Symbology string `json:"symbology"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// ConfirmedScan is emitted once per debounce cycle
type ConfirmedScan struct {
	Code        string `json:"code"`
	ConfirmedAt int64  `json:"confirmed_at"`
}

// Product represents a row of the locally cached catalog
type Product struct {
	ID                   string           `db:"id" json:"id"`
	Barcode              string           `db:"barcode" json:"barcode"`
	Name                 string           `db:"name" json:"name"`
	CategoryID           string           `db:"category_id" json:"category_id"`
	UnitPrice            decimal.Decimal  `db:"unit_price" json:"unit_price"`
	SalePrice            *decimal.Decimal `db:"sale_price" json:"sale_price,omitempty"`
	SaleActive           bool             `db:"sale_active" json:"sale_active"`
	IsBNPC               bool             `db:"is_bnpc" json:"is_bnpc"`
	ExcludedFromDiscount bool             `db:"excluded_from_discount" json:"excluded_from_discount"`
	UpdatedAt            time.Time        `db:"updated_at" json:"updated_at"`
}

// CartItem is one line of the cart. Quantity is always >= 1.
type CartItem struct {
	ProductID            string           `json:"product_id"`
	Barcode              string           `json:"barcode,omitempty"`
	Name                 string           `json:"name,omitempty"`
	CategoryID           string           `json:"category_id,omitempty"`
	UnitPrice            decimal.Decimal  `json:"unit_price"`
	SalePrice            *decimal.Decimal `json:"sale_price,omitempty"`
	SaleActive           bool             `json:"sale_active"`
	Quantity             int              `json:"quantity"`
	IsBNPC               bool             `json:"is_bnpc"`
	ExcludedFromDiscount bool             `json:"excluded_from_discount"`
}

// EffectivePrice returns the sale price when a sale is running, the unit price otherwise
func (i CartItem) EffectivePrice() decimal.Decimal {
	if i.SaleActive && i.SalePrice != nil {
		return *i.SalePrice
	}
	return i.UnitPrice
}

// LineTotal returns effective price times quantity
func (i CartItem) LineTotal() decimal.Decimal {
	return i.EffectivePrice().Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// CartItemFromProduct builds a cart line from a catalog product
func CartItemFromProduct(p *Product, quantity int) CartItem {
	return CartItem{
		ProductID:            p.ID,
		Barcode:              p.Barcode,
		Name:                 p.Name,
		CategoryID:           p.CategoryID,
		UnitPrice:            p.UnitPrice,
		SalePrice:            p.SalePrice,
		SaleActive:           p.SaleActive,
		Quantity:             quantity,
		IsBNPC:               p.IsBNPC,
		ExcludedFromDiscount: p.ExcludedFromDiscount,
	}
}

// CartSession tracks one selling session on the device
type CartSession struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	Active    bool      `json:"active"`
}

// CartSnapshot is the persisted and pushed form of the cart
type CartSnapshot struct {
	Session CartSession `json:"session"`
	Items   []CartItem  `json:"items"`
	Promo   *Promo      `json:"promo,omitempty"`
	Version int64       `json:"version"`
}

// Customer types
const (
	CustomerTypeRegular = "regular"
	CustomerTypeSenior  = "senior"
	CustomerTypePWD     = "pwd"
)

// Eligibility describes the customer's discount eligibility
type Eligibility struct {
	CustomerType string `json:"customer_type"`
	IDNumber     string `json:"id_number,omitempty"`
}

// IsEligible reports whether the customer gets senior/PWD pricing
func (e Eligibility) IsEligible() bool {
	return e.CustomerType == CustomerTypeSenior || e.CustomerType == CustomerTypePWD
}

// WeeklyUsageSnapshot tracks senior/PWD usage against the weekly caps
type WeeklyUsageSnapshot struct {
	PurchaseUsed decimal.Decimal `json:"purchase_used"`
	DiscountUsed decimal.Decimal `json:"discount_used"`
	WeekStart    time.Time       `json:"week_start"`
	WeekEnd      time.Time       `json:"week_end"`
}

// RollWeek aligns the snapshot with the week containing now. A snapshot
// without bounds gets them and keeps its usage; one whose week has ended is
// zeroed. Weeks start on Monday.
func (w WeeklyUsageSnapshot) RollWeek(now time.Time) WeeklyUsageSnapshot {
	if !w.WeekEnd.IsZero() && now.Before(w.WeekEnd) {
		return w
	}
	offset := (int(now.Weekday()) + 6) % 7
	start := time.Date(now.Year(), now.Month(), now.Day()-offset, 0, 0, 0, 0, now.Location())
	rolled := WeeklyUsageSnapshot{
		PurchaseUsed: decimal.Zero,
		DiscountUsed: decimal.Zero,
		WeekStart:    start,
		WeekEnd:      start.AddDate(0, 0, 7),
	}
	if w.WeekEnd.IsZero() {
		rolled.PurchaseUsed = w.PurchaseUsed
		rolled.DiscountUsed = w.DiscountUsed
	}
	return rolled
}

// Promo scopes
const (
	PromoScopeCart     = "cart"
	PromoScopeProduct  = "product"
	PromoScopeCategory = "category"
)

// Promo types
const (
	PromoTypeFixed      = "fixed"
	PromoTypePercentage = "percentage"
)

// Promo represents a promotional discount
type Promo struct {
	Code        string          `json:"code"`
	Scope       string          `json:"scope"`
	TargetIDs   []string        `json:"target_ids,omitempty"`
	Type        string          `json:"type"`
	Value       decimal.Decimal `json:"value"`
	MinPurchase decimal.Decimal `json:"min_purchase"`
	StartDate   time.Time       `json:"start_date"`
	EndDate     time.Time       `json:"end_date"`
	UsageLimit  *int            `json:"usage_limit,omitempty"`
	UsedCount   int             `json:"used_count"`
	Active      bool            `json:"active"`
}

// Targets reports whether id is one of the promo's target ids
func (p *Promo) Targets(id string) bool {
	for _, t := range p.TargetIDs {
		if t == id {
			return true
		}
	}
	return false
}

// LoyaltyConfig holds the loyalty program parameters
type LoyaltyConfig struct {
	PointsToCurrencyRate decimal.Decimal `json:"points_to_currency_rate"`
	MaxRedeemPercent     decimal.Decimal `json:"max_redeem_percent"`
	EarnRate             decimal.Decimal `json:"earn_rate"`
	Enabled              bool            `json:"enabled"`
}

// LoyaltyRequest is a customer's request to redeem points
type LoyaltyRequest struct {
	CustomerID      string          `json:"customer_id"`
	RequestedPoints decimal.Decimal `json:"requested_points"`
	AvailablePoints decimal.Decimal `json:"available_points"`
}

// PendingTransaction is a checkout waiting to be posted remotely
type PendingTransaction struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	Synced         bool            `json:"synced"`
	FailureCount   int             `json:"failure_count"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	LastAttemptAt  time.Time       `json:"last_attempt_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	// Rejected records were refused by the backend and are no longer submitted
	Rejected bool `json:"rejected,omitempty"`
}

// SyncLock is the persisted drain exclusion flag
type SyncLock struct {
	Held       bool      `json:"held"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// CheckoutPayload is the body posted to the remote submission endpoint
type CheckoutPayload struct {
	CheckoutCode  string      `json:"checkout_code"`
	SessionID     string      `json:"session_id"`
	Items         []CartItem  `json:"items"`
	Eligibility   Eligibility `json:"eligibility"`
	PromoCode     string      `json:"promo_code,omitempty"`
	CustomerID    string      `json:"customer_id,omitempty"`
	PaymentMethod string      `json:"payment_method"`
	Breakdown     interface{} `json:"breakdown"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Checkout statuses
const (
	CheckoutStatusSubmitted = "SUBMITTED"
	CheckoutStatusQueued    = "QUEUED"
)
