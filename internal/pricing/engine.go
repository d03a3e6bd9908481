// Package pricing computes the priced breakdown of a cart.
//
// Compute is pure: it never mutates its input and performs no I/O, so the
// checkout preview and the final checkout produce identical numbers for
// identical inputs. Stages run in a fixed order because each one consumes
// the previous stage's output:
//
//	subtotal -> eligibility (senior/PWD) -> promo -> loyalty -> total -> points earned
//
// A stage that does not apply records a Rejection instead of failing.
package pricing

import (
	"time"

	"pos-sync/internal/models"

	"github.com/shopspring/decimal"
)

// Stages
const (
	StageEligibility = "eligibility"
	StagePromo       = "promo"
	StageLoyalty     = "loyalty"
)

// Rejection codes
const (
	CodeNotEligible          = "not_eligible"
	CodeNoEligibleItems      = "no_eligible_items"
	CodePurchaseCapReached   = "purchase_cap_reached"
	CodeDiscountCapReached   = "discount_cap_reached"
	CodePromoInactive        = "promo_inactive"
	CodePromoNotStarted      = "promo_not_started"
	CodePromoExpired         = "promo_expired"
	CodePromoUsageExhausted  = "promo_usage_exhausted"
	CodePromoMinPurchase     = "promo_min_purchase"
	CodePromoNoMatchingItems = "promo_no_matching_items"
	CodePromoInvalidType     = "promo_invalid_type"
	CodeLoyaltyDisabled      = "loyalty_disabled"
	CodeLoyaltyInvalidRate   = "loyalty_invalid_rate"
	CodeLoyaltyNoPoints      = "loyalty_no_points"
)

var hundred = decimal.NewFromInt(100)

// Caps are the weekly senior/PWD limits and the eligibility rate
type Caps struct {
	PurchaseCap     decimal.Decimal `json:"purchase_cap"`
	DiscountCap     decimal.Decimal `json:"discount_cap"`
	EligibilityRate decimal.Decimal `json:"eligibility_rate"`
}

// DefaultCaps returns a 2500 weekly purchase cap at 5%, capped at 125
func DefaultCaps() Caps {
	return Caps{
		PurchaseCap:     decimal.NewFromInt(2500),
		DiscountCap:     decimal.NewFromInt(125),
		EligibilityRate: decimal.RequireFromString("0.05"),
	}
}

// Input is everything Compute needs
type Input struct {
	Cart          []models.CartItem
	Eligibility   models.Eligibility
	WeeklyUsage   models.WeeklyUsageSnapshot
	Promo         *models.Promo
	Loyalty       *models.LoyaltyRequest
	LoyaltyConfig models.LoyaltyConfig
	Caps          Caps
	Now           time.Time
}

// Rejection explains why a stage contributed nothing
type Rejection struct {
	Stage  string `json:"stage"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Breakdown is the full priced result
type Breakdown struct {
	Subtotal decimal.Decimal `json:"subtotal"`

	EligibleSubtotal     decimal.Decimal `json:"eligible_subtotal"`
	CappedEligibleAmount decimal.Decimal `json:"capped_eligible_amount"`
	EligibilityDiscount  decimal.Decimal `json:"eligibility_discount"`

	PromoCode     string          `json:"promo_code,omitempty"`
	PromoValid    bool            `json:"promo_valid"`
	PromoBasis    decimal.Decimal `json:"promo_basis"`
	PromoDiscount decimal.Decimal `json:"promo_discount"`

	AfterOtherDiscounts   decimal.Decimal `json:"after_other_discounts"`
	MaxLoyaltyValue       decimal.Decimal `json:"max_loyalty_value"`
	RequestedLoyaltyValue decimal.Decimal `json:"requested_loyalty_value"`
	LoyaltyDiscount       decimal.Decimal `json:"loyalty_discount"`
	PointsConsumed        decimal.Decimal `json:"points_consumed"`
	LoyaltyClamped        bool            `json:"loyalty_clamped"`

	FinalTotal   decimal.Decimal `json:"final_total"`
	PointsEarned int64           `json:"points_earned"`

	Rejections []Rejection `json:"rejections,omitempty"`

	// UpdatedUsage is persisted by the caller only once checkout is confirmed
	UpdatedUsage models.WeeklyUsageSnapshot `json:"updated_usage"`
}

// Rejection returns the rejection recorded for stage, or nil
func (b *Breakdown) Rejection(stage string) *Rejection {
	for i := range b.Rejections {
		if b.Rejections[i].Stage == stage {
			return &b.Rejections[i]
		}
	}
	return nil
}

func (b *Breakdown) reject(stage, code, reason string) {
	b.Rejections = append(b.Rejections, Rejection{Stage: stage, Code: code, Reason: reason})
}

// Compute prices the cart
func Compute(in Input) Breakdown {
	b := Breakdown{
		EligibleSubtotal:      decimal.Zero,
		CappedEligibleAmount:  decimal.Zero,
		EligibilityDiscount:   decimal.Zero,
		PromoBasis:            decimal.Zero,
		PromoDiscount:         decimal.Zero,
		MaxLoyaltyValue:       decimal.Zero,
		RequestedLoyaltyValue: decimal.Zero,
		LoyaltyDiscount:       decimal.Zero,
		PointsConsumed:        decimal.Zero,
	}

	usage := in.WeeklyUsage
	if !in.Now.IsZero() {
		usage = usage.RollWeek(in.Now)
	}

	b.Subtotal = subtotal(in.Cart)
	applyEligibility(&b, in, usage)
	applyPromo(&b, in)
	applyLoyalty(&b, in)

	b.FinalTotal = decimal.Max(decimal.Zero,
		b.Subtotal.Sub(b.EligibilityDiscount).Sub(b.PromoDiscount).Sub(b.LoyaltyDiscount))

	// earning does not depend on Enabled, which only gates redemption
	if in.LoyaltyConfig.EarnRate.IsPositive() {
		b.PointsEarned = b.FinalTotal.Mul(in.LoyaltyConfig.EarnRate).Floor().IntPart()
	}

	b.UpdatedUsage = usage
	b.UpdatedUsage.PurchaseUsed = usage.PurchaseUsed.Add(b.CappedEligibleAmount)
	b.UpdatedUsage.DiscountUsed = usage.DiscountUsed.Add(b.EligibilityDiscount)
	return b
}

func subtotal(cart []models.CartItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range cart {
		total = total.Add(item.LineTotal())
	}
	return total
}

func applyEligibility(b *Breakdown, in Input, usage models.WeeklyUsageSnapshot) {
	if !in.Eligibility.IsEligible() {
		b.reject(StageEligibility, CodeNotEligible, "customer is not senior or PWD")
		return
	}

	for _, item := range in.Cart {
		if item.IsBNPC && !item.ExcludedFromDiscount {
			b.EligibleSubtotal = b.EligibleSubtotal.Add(item.LineTotal())
		}
	}
	if !b.EligibleSubtotal.IsPositive() {
		b.reject(StageEligibility, CodeNoEligibleItems, "no BNPC items in cart")
		return
	}

	remainingPurchaseCap := decimal.Max(decimal.Zero, in.Caps.PurchaseCap.Sub(usage.PurchaseUsed))
	b.CappedEligibleAmount = decimal.Min(b.EligibleSubtotal, remainingPurchaseCap)
	if !b.CappedEligibleAmount.IsPositive() {
		b.CappedEligibleAmount = decimal.Zero
		b.reject(StageEligibility, CodePurchaseCapReached, "purchase cap reached")
		return
	}

	rawDiscount := round(b.CappedEligibleAmount.Mul(in.Caps.EligibilityRate))
	remainingDiscountCap := decimal.Max(decimal.Zero, in.Caps.DiscountCap.Sub(usage.DiscountUsed))
	if !remainingDiscountCap.IsPositive() {
		b.reject(StageEligibility, CodeDiscountCapReached, "discount cap reached")
		return
	}
	b.EligibilityDiscount = decimal.Min(rawDiscount, remainingDiscountCap)
}

func applyPromo(b *Breakdown, in Input) {
	p := in.Promo
	if p == nil {
		return
	}
	b.PromoCode = p.Code

	switch {
	case !p.Active:
		b.reject(StagePromo, CodePromoInactive, "promo is not active")
		return
	case !p.StartDate.IsZero() && in.Now.Before(p.StartDate):
		b.reject(StagePromo, CodePromoNotStarted, "promo has not started")
		return
	case !p.EndDate.IsZero() && in.Now.After(p.EndDate):
		b.reject(StagePromo, CodePromoExpired, "promo has expired")
		return
	case p.UsageLimit != nil && p.UsedCount >= *p.UsageLimit:
		b.reject(StagePromo, CodePromoUsageExhausted, "promo usage limit reached")
		return
	case b.Subtotal.LessThan(p.MinPurchase):
		b.reject(StagePromo, CodePromoMinPurchase, "minimum purchase of "+p.MinPurchase.StringFixed(2)+" not met")
		return
	}

	basis := decimal.Zero
	switch p.Scope {
	case models.PromoScopeProduct:
		for _, item := range in.Cart {
			if p.Targets(item.ProductID) {
				basis = basis.Add(item.LineTotal())
			}
		}
	case models.PromoScopeCategory:
		for _, item := range in.Cart {
			if p.Targets(item.CategoryID) {
				basis = basis.Add(item.LineTotal())
			}
		}
	default:
		basis = b.Subtotal
	}
	if !basis.IsPositive() {
		b.reject(StagePromo, CodePromoNoMatchingItems, "no cart items match the promo")
		return
	}

	var discount decimal.Decimal
	switch p.Type {
	case models.PromoTypePercentage:
		discount = round(basis.Mul(p.Value).Div(hundred))
	case models.PromoTypeFixed:
		discount = decimal.Min(p.Value, basis)
	default:
		b.reject(StagePromo, CodePromoInvalidType, "unknown promo type "+p.Type)
		return
	}

	b.PromoBasis = basis
	b.PromoDiscount = decimal.Max(decimal.Zero, discount)
	b.PromoValid = true
}

func applyLoyalty(b *Breakdown, in Input) {
	b.AfterOtherDiscounts = decimal.Max(decimal.Zero,
		b.Subtotal.Sub(b.EligibilityDiscount).Sub(b.PromoDiscount))

	req := in.Loyalty
	if req == nil || !req.RequestedPoints.IsPositive() {
		return
	}

	cfg := in.LoyaltyConfig
	if !cfg.Enabled {
		b.reject(StageLoyalty, CodeLoyaltyDisabled, "loyalty program is disabled")
		return
	}
	if !cfg.PointsToCurrencyRate.IsPositive() {
		b.reject(StageLoyalty, CodeLoyaltyInvalidRate, "points conversion rate must be positive")
		return
	}
	if !req.AvailablePoints.IsPositive() {
		b.reject(StageLoyalty, CodeLoyaltyNoPoints, "customer has no points")
		return
	}

	rate := cfg.PointsToCurrencyRate
	b.MaxLoyaltyValue = b.AfterOtherDiscounts.Mul(cfg.MaxRedeemPercent).Div(hundred)
	b.RequestedLoyaltyValue = req.RequestedPoints.Mul(rate)
	available := req.AvailablePoints.Mul(rate)

	applied := decimal.Min(b.RequestedLoyaltyValue, b.MaxLoyaltyValue, available)
	applied = decimal.Max(decimal.Zero, applied).RoundFloor(2)

	b.LoyaltyDiscount = applied
	b.PointsConsumed = applied.Div(rate)
	b.LoyaltyClamped = applied.LessThan(b.RequestedLoyaltyValue)
}

func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
