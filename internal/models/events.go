package models

import (
	"encoding/json"
	"time"
)

// Event types
const (
	EventTypeCheckoutSubmitted = "CHECKOUT_SUBMITTED"
	EventTypeCartUpdated       = "CART_UPDATED"
	EventTypeCatalogUpdated    = "CATALOG_UPDATED"
	EventTypePromoUpdated      = "PROMO_UPDATED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckoutSubmittedEvent carries a checkout payload to the backend
type CheckoutSubmittedEvent struct {
	BaseEvent
	CheckoutCode string          `json:"checkout_code"`
	Payload      json.RawMessage `json:"payload"`
}

// CartUpdatedEvent pushes the current cart to the remote store
type CartUpdatedEvent struct {
	BaseEvent
	SessionID string       `json:"session_id"`
	Cart      CartSnapshot `json:"cart"`
}

// CatalogUpdatedEvent is published by the backend when products change
type CatalogUpdatedEvent struct {
	BaseEvent
	Version  string    `json:"version"`
	Products []Product `json:"products"`
}

// PromoUpdatedEvent is published by the backend when promos change
type PromoUpdatedEvent struct {
	BaseEvent
	Promos []Promo `json:"promos"`
}
