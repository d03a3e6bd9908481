package service

import (
	"context"
	"errors"
	"fmt"

	"pos-sync/internal/cart"
	"pos-sync/internal/models"
	"pos-sync/internal/scan"
	"pos-sync/internal/util"

	"go.uber.org/zap"
)

// ProductResolver maps a confirmed code to a product
type ProductResolver interface {
	ResolveBarcode(ctx context.Context, barcode string) (*models.Product, error)
}

// ScanOutcome is the result of one raw read
type ScanOutcome struct {
	scan.Result
	Item       *models.CartItem `json:"item,omitempty"`
	Unresolved bool             `json:"unresolved,omitempty"`
}

// ScanService feeds raw reads through the confirmation buffer and adds
// confirmed products to the cart
type ScanService struct {
	buffer   *scan.Buffer
	resolver ProductResolver
	cart     *cart.Cart
	logger   *zap.Logger
}

// NewScanService creates a new scan service
func NewScanService(buffer *scan.Buffer, resolver ProductResolver, cart *cart.Cart) *ScanService {
	return &ScanService{
		buffer:   buffer,
		resolver: resolver,
		cart:     cart,
		logger:   util.GetLogger(),
	}
}

// HandleScan observes one read. On confirmation the product is resolved and
// added to the cart while the buffer stays locked.
func (s *ScanService) HandleScan(ctx context.Context, event models.ScanEvent) (*ScanOutcome, error) {
	util.ScanReadsTotal.Inc()

	result := s.buffer.Observe(event)
	outcome := &ScanOutcome{Result: result}
	if result.State != scan.StateConfirmed {
		return outcome, nil
	}

	ctx, span := util.StartSpan(ctx, "ScanService.HandleScan")
	defer span.End()
	defer s.buffer.ResolutionDone()

	util.ScanConfirmationsTotal.Inc()
	s.logger.Info("Scan confirmed",
		zap.String("code", result.ConfirmedCode),
		zap.String("symbology", event.Symbology))

	product, err := s.resolver.ResolveBarcode(ctx, result.ConfirmedCode)
	if errors.Is(err, ErrProductNotFound) {
		util.ScanUnresolvedTotal.Inc()
		s.logger.Warn("Confirmed code has no product",
			zap.String("code", result.ConfirmedCode),
			zap.Error(err))
		outcome.Unresolved = true
		return outcome, nil
	}
	if err != nil {
		return outcome, fmt.Errorf("failed to resolve %s: %w", result.ConfirmedCode, err)
	}

	line, err := s.cart.AddItem(ctx, models.CartItemFromProduct(product, 1))
	if err != nil {
		return outcome, fmt.Errorf("failed to add scanned item: %w", err)
	}
	outcome.Item = &line
	return outcome, nil
}

// State returns the buffer's current state
func (s *ScanService) State() scan.State {
	return s.buffer.State()
}

// Reset clears the buffer, for example when the scanner view closes
func (s *ScanService) Reset() {
	s.buffer.Clear()
}

// Close cancels the buffer's timers
func (s *ScanService) Close() {
	s.buffer.Close()
}
