package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pos-sync/internal/kv"
	"pos-sync/internal/models"
	"pos-sync/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SnapshotKey is the KV key holding the persisted cart
const SnapshotKey = "cart_snapshot"

var (
	ErrNoActiveSession = errors.New("no active session")
	ErrSessionActive   = errors.New("session already active")
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrItemNotFound    = errors.New("item not in cart")
)

// ChangeFunc receives the cart after every successful mutation
type ChangeFunc func(snapshot models.CartSnapshot)

// Cart is the in-memory cart and session aggregate. Every mutation is
// persisted before it becomes visible; a failed write leaves the previous
// state in place.
type Cart struct {
	store  kv.Store
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	session  models.CartSession
	items    []models.CartItem
	promo    *models.Promo
	version  int64
	onChange ChangeFunc
}

// New creates an empty cart backed by store
func New(store kv.Store) *Cart {
	return &Cart{
		store:  store,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// OnChange registers the mutation listener
func (c *Cart) OnChange(fn ChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Restore loads the persisted snapshot, if any
func (c *Cart) Restore(ctx context.Context) error {
	var snap models.CartSnapshot
	found, err := kv.GetJSON(ctx, c.store, SnapshotKey, &snap)
	if err != nil {
		return fmt.Errorf("failed to restore cart: %w", err)
	}
	if !found {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = snap.Session
	c.items = snap.Items
	c.promo = snap.Promo
	c.version = snap.Version
	if !c.session.Active {
		c.items = nil
		c.promo = nil
	}

	c.logger.Info("Cart restored",
		zap.String("session_id", c.session.SessionID),
		zap.Int("items", len(c.items)))
	return nil
}

// StartSession opens a new selling session
func (c *Cart) StartSession(ctx context.Context) (models.CartSession, error) {
	var session models.CartSession
	err := c.mutate(ctx, func() error {
		if c.session.Active {
			return ErrSessionActive
		}
		c.session = models.CartSession{
			SessionID: uuid.New().String(),
			StartedAt: c.now().UTC(),
			Active:    true,
		}
		c.items = nil
		c.promo = nil
		session = c.session
		return nil
	})
	return session, err
}

// EndSession closes the session and clears items and promo in one step
func (c *Cart) EndSession(ctx context.Context) error {
	return c.mutate(ctx, func() error {
		if !c.session.Active {
			return ErrNoActiveSession
		}
		c.session.Active = false
		c.items = nil
		c.promo = nil
		return nil
	})
}

// AddItem adds a line, or increments the quantity of an existing one
func (c *Cart) AddItem(ctx context.Context, item models.CartItem) (models.CartItem, error) {
	var line models.CartItem
	err := c.mutate(ctx, func() error {
		if !c.session.Active {
			return ErrNoActiveSession
		}
		if item.Quantity < 1 {
			return ErrInvalidQuantity
		}
		for i := range c.items {
			if c.items[i].ProductID == item.ProductID {
				c.items[i].Quantity += item.Quantity
				line = c.items[i]
				return nil
			}
		}
		c.items = append(c.items, item)
		line = item
		return nil
	})
	return line, err
}

// AdjustQuantity sets a line's quantity. Below 1 removes the line.
func (c *Cart) AdjustQuantity(ctx context.Context, productID string, quantity int) error {
	return c.mutate(ctx, func() error {
		if !c.session.Active {
			return ErrNoActiveSession
		}
		i := c.indexOf(productID)
		if i < 0 {
			return ErrItemNotFound
		}
		if quantity < 1 {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return nil
		}
		c.items[i].Quantity = quantity
		return nil
	})
}

// RemoveItem drops a line
func (c *Cart) RemoveItem(ctx context.Context, productID string) error {
	return c.mutate(ctx, func() error {
		if !c.session.Active {
			return ErrNoActiveSession
		}
		i := c.indexOf(productID)
		if i < 0 {
			return ErrItemNotFound
		}
		c.items = append(c.items[:i], c.items[i+1:]...)
		return nil
	})
}

// Clear empties the cart and the promo selection. The session stays open.
func (c *Cart) Clear(ctx context.Context) error {
	return c.mutate(ctx, func() error {
		c.items = nil
		c.promo = nil
		return nil
	})
}

// SelectPromo attaches a promo to the cart. Validity is decided at pricing time.
func (c *Cart) SelectPromo(ctx context.Context, promo models.Promo) error {
	return c.mutate(ctx, func() error {
		if !c.session.Active {
			return ErrNoActiveSession
		}
		p := promo
		p.TargetIDs = append([]string(nil), promo.TargetIDs...)
		c.promo = &p
		return nil
	})
}

// ClearPromo removes the promo selection
func (c *Cart) ClearPromo(ctx context.Context) error {
	return c.mutate(ctx, func() error {
		c.promo = nil
		return nil
	})
}

// Snapshot returns a copy of the current cart
func (c *Cart) Snapshot() models.CartSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Session returns the current session
func (c *Cart) Session() models.CartSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Cart) mutate(ctx context.Context, fn func() error) error {
	c.mu.Lock()

	prevSession, prevItems, prevPromo := c.session, c.copyItems(), c.promo
	if err := fn(); err != nil {
		c.session, c.items, c.promo = prevSession, prevItems, prevPromo
		c.mu.Unlock()
		return err
	}

	c.version++
	snap := c.snapshotLocked()
	if err := kv.SetJSON(ctx, c.store, SnapshotKey, snap); err != nil {
		c.session, c.items, c.promo = prevSession, prevItems, prevPromo
		c.version--
		c.mu.Unlock()
		c.logger.Error("Failed to persist cart", zap.Error(err))
		return fmt.Errorf("failed to persist cart: %w", err)
	}
	onChange := c.onChange
	c.mu.Unlock()

	util.CartMutationsTotal.Inc()
	if onChange != nil {
		onChange(snap)
	}
	return nil
}

func (c *Cart) indexOf(productID string) int {
	for i := range c.items {
		if c.items[i].ProductID == productID {
			return i
		}
	}
	return -1
}

func (c *Cart) copyItems() []models.CartItem {
	if c.items == nil {
		return nil
	}
	out := make([]models.CartItem, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Cart) snapshotLocked() models.CartSnapshot {
	snap := models.CartSnapshot{
		Session: c.session,
		Items:   c.copyItems(),
		Version: c.version,
	}
	if snap.Items == nil {
		snap.Items = []models.CartItem{}
	}
	if c.promo != nil {
		p := *c.promo
		snap.Promo = &p
	}
	return snap
}
