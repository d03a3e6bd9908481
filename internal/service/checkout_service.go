package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pos-sync/internal/cart"
	"pos-sync/internal/kv"
	"pos-sync/internal/models"
	"pos-sync/internal/pricing"
	"pos-sync/internal/queue"
	"pos-sync/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrEmptyCart is returned when checking out a cart with no items
var ErrEmptyCart = errors.New("cart is empty")

const weeklyUsagePrefix = "weekly_usage:"

// PromoSource looks up cached promos
type PromoSource interface {
	Promo(ctx context.Context, code string) (*models.Promo, error)
}

// Connectivity reports whether the backend is currently reachable and
// tears down the pending cart push when a session ends
type Connectivity interface {
	Online() bool
	Teardown(ctx context.Context, flush bool) error
}

// CheckoutRequest carries everything the UI supplies at payment time
type CheckoutRequest struct {
	Eligibility     models.Eligibility `json:"eligibility"`
	CustomerID      string             `json:"customer_id,omitempty"`
	PromoCode       string             `json:"promo_code,omitempty"`
	LoyaltyPoints   decimal.Decimal    `json:"loyalty_points"`
	AvailablePoints decimal.Decimal    `json:"available_points"`
	PaymentMethod   string             `json:"payment_method"`
}

// CheckoutResponse is returned after a checkout is recorded
type CheckoutResponse struct {
	CheckoutCode string            `json:"checkout_code"`
	Status       string            `json:"status"`
	Breakdown    pricing.Breakdown `json:"breakdown"`
}

// CheckoutConfig holds the pricing parameters and submission timeout
type CheckoutConfig struct {
	Caps          pricing.Caps
	Loyalty       models.LoyaltyConfig
	SubmitTimeout time.Duration
}

// CheckoutService prices the cart and records checkouts
type CheckoutService struct {
	cart         *cart.Cart
	promos       PromoSource
	queue        *queue.Queue
	submit       queue.SubmitFunc
	connectivity Connectivity
	store        kv.Store
	cfg          CheckoutConfig
	now          func() time.Time
	logger       *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(
	cart *cart.Cart,
	promos PromoSource,
	queue *queue.Queue,
	submit queue.SubmitFunc,
	connectivity Connectivity,
	store kv.Store,
	cfg CheckoutConfig,
) *CheckoutService {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	return &CheckoutService{
		cart:         cart,
		promos:       promos,
		queue:        queue,
		submit:       submit,
		connectivity: connectivity,
		store:        store,
		cfg:          cfg,
		now:          time.Now,
		logger:       util.GetLogger(),
	}
}

// Preview prices the current cart without side effects
func (s *CheckoutService) Preview(ctx context.Context, req *CheckoutRequest) (*pricing.Breakdown, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Preview")
	defer span.End()

	in, _, err := s.buildInput(ctx, req)
	if err != nil {
		return nil, err
	}
	b := pricing.Compute(in)
	return &b, nil
}

// Checkout prices the cart, posts it directly when online and queues it
// otherwise. Weekly usage is persisted and the session ended only once the
// checkout is recorded; failures after that point are logged, not returned.
func (s *CheckoutService) Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Checkout")
	defer span.End()

	in, snap, err := s.buildInput(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(snap.Items) == 0 {
		return nil, ErrEmptyCart
	}
	breakdown := pricing.Compute(in)
	for _, r := range breakdown.Rejections {
		util.DiscountRejectionsTotal.WithLabelValues(r.Stage, r.Code).Inc()
	}

	code := uuid.New().String()
	payload, err := json.Marshal(models.CheckoutPayload{
		CheckoutCode:  code,
		SessionID:     snap.Session.SessionID,
		Items:         snap.Items,
		Eligibility:   req.Eligibility,
		PromoCode:     breakdown.PromoCode,
		CustomerID:    req.CustomerID,
		PaymentMethod: req.PaymentMethod,
		Breakdown:     breakdown,
		CreatedAt:     in.Now.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkout: %w", err)
	}

	status := models.CheckoutStatusQueued
	if s.submitDirect(ctx, code, payload) {
		status = models.CheckoutStatusSubmitted
	} else {
		tx := models.PendingTransaction{
			IdempotencyKey: code,
			Payload:        payload,
			EnqueuedAt:     in.Now.UTC(),
		}
		if _, err := s.queue.Enqueue(ctx, tx); err != nil {
			util.CheckoutsTotal.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("failed to queue checkout: %w", err)
		}
	}

	if req.Eligibility.IsEligible() && breakdown.CappedEligibleAmount.IsPositive() {
		key := weeklyUsageKey(req)
		// the checkout is already recorded, so a failure here must not make
		// the caller retry it under a new code
		if err := kv.SetJSON(ctx, s.store, key, breakdown.UpdatedUsage); err != nil {
			s.logger.Error("Failed to persist weekly usage",
				zap.String("checkout_code", code),
				zap.String("usage_key", key),
				zap.Error(err))
		}
	}

	// the checkout itself carries the cart, so an unsent push is dropped
	if s.connectivity != nil {
		_ = s.connectivity.Teardown(ctx, false)
	}
	if err := s.cart.EndSession(ctx); err != nil {
		s.logger.Error("Failed to end session after checkout",
			zap.String("checkout_code", code),
			zap.Error(err))
	}

	util.CheckoutsTotal.WithLabelValues(status).Inc()
	s.logger.Info("Checkout recorded",
		zap.String("checkout_code", code),
		zap.String("status", status),
		zap.String("final_total", breakdown.FinalTotal.StringFixed(2)))

	return &CheckoutResponse{
		CheckoutCode: code,
		Status:       status,
		Breakdown:    breakdown,
	}, nil
}

// WeeklyUsage returns the persisted usage for the customer in req
func (s *CheckoutService) WeeklyUsage(ctx context.Context, req *CheckoutRequest) (models.WeeklyUsageSnapshot, error) {
	usage := models.WeeklyUsageSnapshot{PurchaseUsed: decimal.Zero, DiscountUsed: decimal.Zero}
	if _, err := kv.GetJSON(ctx, s.store, weeklyUsageKey(req), &usage); err != nil {
		return usage, fmt.Errorf("failed to load weekly usage: %w", err)
	}
	return usage, nil
}

// buildInput gathers the pricing input shared by Preview and Checkout
func (s *CheckoutService) buildInput(ctx context.Context, req *CheckoutRequest) (pricing.Input, models.CartSnapshot, error) {
	snap := s.cart.Snapshot()
	if !snap.Session.Active {
		return pricing.Input{}, snap, cart.ErrNoActiveSession
	}

	in := pricing.Input{
		Cart:          snap.Items,
		Eligibility:   req.Eligibility,
		Promo:         snap.Promo,
		LoyaltyConfig: s.cfg.Loyalty,
		Caps:          s.cfg.Caps,
		Now:           s.now(),
	}

	if in.Promo == nil && req.PromoCode != "" {
		promo, err := s.promos.Promo(ctx, req.PromoCode)
		if err != nil {
			return pricing.Input{}, snap, err
		}
		in.Promo = promo
	}

	if req.Eligibility.IsEligible() {
		usage, err := s.WeeklyUsage(ctx, req)
		if err != nil {
			return pricing.Input{}, snap, err
		}
		in.WeeklyUsage = usage
	}

	if req.LoyaltyPoints.IsPositive() {
		in.Loyalty = &models.LoyaltyRequest{
			CustomerID:      req.CustomerID,
			RequestedPoints: req.LoyaltyPoints,
			AvailablePoints: req.AvailablePoints,
		}
	}

	return in, snap, nil
}

func (s *CheckoutService) submitDirect(ctx context.Context, code string, payload json.RawMessage) bool {
	if s.submit == nil || s.connectivity == nil || !s.connectivity.Online() {
		return false
	}
	submitCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()

	if err := s.submit(submitCtx, payload); err != nil {
		s.logger.Warn("Direct submission failed, queueing checkout",
			zap.String("checkout_code", code),
			zap.Error(err))
		return false
	}
	return true
}

func weeklyUsageKey(req *CheckoutRequest) string {
	switch {
	case req.Eligibility.IDNumber != "":
		return weeklyUsagePrefix + req.Eligibility.IDNumber
	case req.CustomerID != "":
		return weeklyUsagePrefix + req.CustomerID
	default:
		return weeklyUsagePrefix + "walk-in"
	}
}
