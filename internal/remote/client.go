// Package remote is the HTTP client for the store backend: health checks,
// catalog and promo reads, checkout submission and cart pushes. Every call
// goes through one circuit breaker so an unreachable backend fails fast.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"pos-sync/internal/models"
	"pos-sync/internal/util"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrUnavailable covers transport failures, 5xx responses and an open breaker
	ErrUnavailable = errors.New("backend unavailable")
	// ErrNotFound is returned for a 404
	ErrNotFound = errors.New("not found on backend")
	// ErrRejected is returned for a 4xx the backend will answer the same way again
	ErrRejected = errors.New("rejected by backend")
)

// Config configures the client
type Config struct {
	BaseURL          string
	Timeout          time.Duration
	LookupRate       float64
	LookupBurst      int
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Catalog is a full catalog download
type Catalog struct {
	Version  string           `json:"version"`
	Products []models.Product `json:"products"`
}

// Client talks to the backend over HTTP
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a new backend client
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.LookupRate <= 0 {
		cfg.LookupRate = 10
	}
	if cfg.LookupBurst <= 0 {
		cfg.LookupBurst = 5
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	logger := util.GetLogger()
	threshold := cfg.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(cfg.LookupRate), cfg.LookupBurst),
		logger:  logger,
	}
}

// Health reports whether the backend answers its health endpoint
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, "health", http.MethodGet, "/health", nil, nil)
	return err
}

// LookupProduct fetches one product by barcode. Lookups are rate limited.
func (c *Client) LookupProduct(ctx context.Context, barcode string) (*models.Product, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("lookup rate limit: %w", err)
	}
	body, err := c.do(ctx, "lookup_product", http.MethodGet, "/api/v1/products/barcode/"+url.PathEscape(barcode), nil, nil)
	if err != nil {
		return nil, err
	}
	var product models.Product
	if err := json.Unmarshal(body, &product); err != nil {
		return nil, fmt.Errorf("failed to decode product: %w", err)
	}
	return &product, nil
}

// CatalogVersion returns the backend's current catalog version
func (c *Client) CatalogVersion(ctx context.Context) (string, error) {
	body, err := c.do(ctx, "catalog_version", http.MethodGet, "/api/v1/catalog/version", nil, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode catalog version: %w", err)
	}
	return resp.Version, nil
}

// FetchCatalog downloads the full catalog
func (c *Client) FetchCatalog(ctx context.Context) (*Catalog, error) {
	body, err := c.do(ctx, "fetch_catalog", http.MethodGet, "/api/v1/catalog", nil, nil)
	if err != nil {
		return nil, err
	}
	var catalog Catalog
	if err := json.Unmarshal(body, &catalog); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	return &catalog, nil
}

// FetchPromos downloads the active promos
func (c *Client) FetchPromos(ctx context.Context) ([]models.Promo, error) {
	body, err := c.do(ctx, "fetch_promos", http.MethodGet, "/api/v1/promos", nil, nil)
	if err != nil {
		return nil, err
	}
	var promos []models.Promo
	if err := json.Unmarshal(body, &promos); err != nil {
		return nil, fmt.Errorf("failed to decode promos: %w", err)
	}
	return promos, nil
}

// SubmitCheckout posts a checkout payload. The checkout code travels as the
// Idempotency-Key header; a 409 means the backend already has it.
func (c *Client) SubmitCheckout(ctx context.Context, payload json.RawMessage) error {
	var head struct {
		CheckoutCode string `json:"checkout_code"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return fmt.Errorf("failed to read checkout code: %w", err)
	}
	headers := map[string]string{"Idempotency-Key": head.CheckoutCode}

	_, err := c.do(ctx, "submit_checkout", http.MethodPost, "/api/v1/checkouts", payload, headers)
	return err
}

// PushCart replaces the remote copy of the session's cart
func (c *Client) PushCart(ctx context.Context, snapshot models.CartSnapshot) error {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode cart: %w", err)
	}
	path := "/api/v1/carts/" + url.PathEscape(snapshot.Session.SessionID)
	_, err = c.do(ctx, "push_cart", http.MethodPut, path, body, nil)
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	start := time.Now()
	defer func() {
		util.RemoteRequestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, body, headers)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusConflict && method == http.MethodPost:
		return data, nil
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: %s %s returned %d: %s", ErrRejected, method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}
