package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"pos-sync/internal/cart"
	"pos-sync/internal/kv"
	"pos-sync/internal/models"
	"pos-sync/internal/queue"
	"pos-sync/internal/service"
	"pos-sync/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler contains HTTP handlers for the local control surface
type Handler struct {
	scans       *service.ScanService
	cart        *cart.Cart
	catalog     *service.CatalogClient
	checkout    *service.CheckoutService
	coordinator *service.SyncCoordinator
	queue       *queue.Queue
}

// NewHandler creates a new HTTP handler
func NewHandler(
	scans *service.ScanService,
	cart *cart.Cart,
	catalog *service.CatalogClient,
	checkout *service.CheckoutService,
	coordinator *service.SyncCoordinator,
	queue *queue.Queue,
) *Handler {
	return &Handler{
		scans:       scans,
		cart:        cart,
		catalog:     catalog,
		checkout:    checkout,
		coordinator: coordinator,
		queue:       queue,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/scans", h.observeScan)
		v1.GET("/scans/state", h.scanState)
		v1.DELETE("/scans", h.resetScans)

		v1.GET("/products", h.listProducts)
		v1.GET("/products/:id", h.getProduct)
		v1.GET("/products/barcode/:code", h.lookupBarcode)
		v1.GET("/promos", h.listPromos)

		v1.POST("/session/start", h.startSession)
		v1.POST("/session/end", h.endSession)

		v1.GET("/cart", h.getCart)
		v1.DELETE("/cart", h.clearCart)
		v1.POST("/cart/items", h.addItem)
		v1.PATCH("/cart/items/:product_id", h.adjustItem)
		v1.DELETE("/cart/items/:product_id", h.removeItem)
		v1.POST("/cart/promo", h.selectPromo)
		v1.DELETE("/cart/promo", h.clearPromo)

		v1.POST("/checkout/preview", h.previewCheckout)
		v1.POST("/checkout", h.createCheckout)

		v1.GET("/sync/queue", h.pendingTransactions)
		v1.POST("/sync/drain", h.drainQueue)
		v1.POST("/connectivity", h.reportConnectivity)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once local storage answers
func (h *Handler) readinessCheck(c *gin.Context) {
	depth, err := h.queue.Len(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "ready",
		"online":      h.coordinator.Online(),
		"queue_depth": depth,
		"time":        time.Now().Unix(),
	})
}

type scanRequest struct {
	Code      string `json:"code" binding:"required"`
	Symbology string `json:"symbology"`
	Timestamp int64  `json:"timestamp"`
}

// observeScan feeds one raw read into the confirmation buffer
func (h *Handler) observeScan(c *gin.Context) {
	var req scanRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Timestamp == 0 {
		req.Timestamp = time.Now().UnixMilli()
	}

	outcome, err := h.scans.HandleScan(c.Request.Context(), models.ScanEvent{
		Code:      req.Code,
		Symbology: req.Symbology,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *Handler) scanState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": h.scans.State()})
}

func (h *Handler) resetScans(c *gin.Context) {
	h.scans.Reset()
	c.Status(http.StatusNoContent)
}

func (h *Handler) listProducts(c *gin.Context) {
	products, err := h.catalog.Products(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func (h *Handler) getProduct(c *gin.Context) {
	product, err := h.catalog.Product(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

// lookupBarcode resolves locally first, then against the backend
func (h *Handler) lookupBarcode(c *gin.Context) {
	product, err := h.catalog.ResolveBarcode(c.Request.Context(), c.Param("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) listPromos(c *gin.Context) {
	promos, err := h.catalog.Promos(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, promos)
}

func (h *Handler) startSession(c *gin.Context) {
	session, err := h.cart.StartSession(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// endSession flushes the pending cart push (unless flush=false) and ends the session
func (h *Handler) endSession(c *gin.Context) {
	ctx := c.Request.Context()
	flush := c.DefaultQuery("flush", "true") != "false"

	if err := h.coordinator.Teardown(ctx, flush); err != nil {
		util.GetLogger().Warn("Cart push on teardown failed", zap.Error(err))
	}
	if err := h.cart.EndSession(ctx); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getCart(c *gin.Context) {
	c.JSON(http.StatusOK, h.cart.Snapshot())
}

func (h *Handler) clearCart(c *gin.Context) {
	if err := h.cart.Clear(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.cart.Snapshot())
}

type addItemRequest struct {
	Barcode  string `json:"barcode" binding:"required"`
	Quantity int    `json:"quantity"`
}

// addItem adds a product by barcode without going through the scan buffer
func (h *Handler) addItem(c *gin.Context) {
	var req addItemRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	ctx := c.Request.Context()
	product, err := h.catalog.ResolveBarcode(ctx, req.Barcode)
	if err != nil {
		writeError(c, err)
		return
	}
	line, err := h.cart.AddItem(ctx, models.CartItemFromProduct(product, req.Quantity))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, line)
}

type adjustItemRequest struct {
	Quantity *int `json:"quantity" binding:"required"`
}

func (h *Handler) adjustItem(c *gin.Context) {
	var req adjustItemRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.cart.AdjustQuantity(c.Request.Context(), c.Param("product_id"), *req.Quantity); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.cart.Snapshot())
}

func (h *Handler) removeItem(c *gin.Context) {
	if err := h.cart.RemoveItem(c.Request.Context(), c.Param("product_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.cart.Snapshot())
}

type selectPromoRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *Handler) selectPromo(c *gin.Context) {
	var req selectPromoRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	promo, err := h.catalog.Promo(ctx, req.Code)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.cart.SelectPromo(ctx, *promo); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.cart.Snapshot())
}

func (h *Handler) clearPromo(c *gin.Context) {
	if err := h.cart.ClearPromo(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.cart.Snapshot())
}

func (h *Handler) previewCheckout(c *gin.Context) {
	var req service.CheckoutRequest
	if !bindJSON(c, &req) {
		return
	}

	breakdown, err := h.checkout.Preview(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, breakdown)
}

func (h *Handler) createCheckout(c *gin.Context) {
	var req service.CheckoutRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.PaymentMethod == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payment_method is required"})
		return
	}

	resp, err := h.checkout.Checkout(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if resp.Status == models.CheckoutStatusQueued {
		status = http.StatusAccepted
	}
	c.JSON(status, resp)
}

func (h *Handler) pendingTransactions(c *gin.Context) {
	pending, err := h.queue.Pending(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":        len(pending),
		"transactions": pending,
	})
}

func (h *Handler) drainQueue(c *gin.Context) {
	result, err := h.coordinator.Drain(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// reportConnectivity lets the UI shell forward network state changes
func (h *Handler) reportConnectivity(c *gin.Context) {
	var status service.Status
	if !bindJSON(c, &status) {
		return
	}
	if err := h.coordinator.HandleConnectivity(c.Request.Context(), status); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"online":   h.coordinator.Online(),
			"warnings": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": h.coordinator.Online()})
}

func bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

// writeError maps domain errors to HTTP statuses
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case kv.IsStorageError(err):
		status = http.StatusInternalServerError
	case errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, queue.ErrMissingIdempotencyKey):
		status = http.StatusBadRequest
	case errors.Is(err, cart.ErrNoActiveSession),
		errors.Is(err, cart.ErrSessionActive),
		errors.Is(err, service.ErrEmptyCart):
		status = http.StatusConflict
	case errors.Is(err, cart.ErrItemNotFound),
		errors.Is(err, service.ErrProductNotFound),
		errors.Is(err, service.ErrPromoNotFound):
		status = http.StatusNotFound
	}

	c.JSON(status, gin.H{"error": err.Error()})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
