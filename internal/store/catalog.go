package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"coupon-redemption-api/internal/models"
	"coupon-redemption-api/internal/validation"
)

// Catalog is the in-memory coupon catalog. It is loaded from the Store on first
// use; every mutation is applied in memory first.
type Catalog struct {
	store Store

	mu     sync.RWMutex
	loaded bool
	byID   map[string]*models.CouponDefinition
	byCode map[string]string // normalized code -> id
}

// NewCatalog creates a catalog backed by s.
func NewCatalog(s Store) *Catalog {
	return &Catalog{store: s}
}

func (c *Catalog) ensureLoaded(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}

	coupons, err := c.store.ListCoupons(ctx)
	if err != nil {
		return fmt.Errorf("failed to load coupon catalog: %w", err)
	}

	c.byID = make(map[string]*models.CouponDefinition, len(coupons))
	c.byCode = make(map[string]string, len(coupons))
	for i := range coupons {
		coupon := coupons[i]
		c.byID[coupon.ID] = &coupon
		c.byCode[models.NormalizeCode(coupon.Code)] = coupon.ID
	}
	c.loaded = true

	return nil
}

// Lookup finds a coupon by code, ignoring case and whitespace.
func (c *Catalog) Lookup(ctx context.Context, code string) (models.CouponDefinition, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return models.CouponDefinition{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.byCode[models.NormalizeCode(code)]
	if !ok {
		return models.CouponDefinition{}, ErrNotFound
	}
	return *c.byID[id], nil
}

// Get returns a coupon by id.
func (c *Catalog) Get(ctx context.Context, id string) (models.CouponDefinition, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return models.CouponDefinition{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	coupon, ok := c.byID[id]
	if !ok {
		return models.CouponDefinition{}, ErrNotFound
	}
	return *coupon, nil
}

// Decrement takes one unit off a coupon's remaining quantity.
func (c *Catalog) Decrement(ctx context.Context, id string) error {
	if err := c.ensureLoaded(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	coupon, ok := c.byID[id]
	if !ok {
		return ErrNotFound
	}
	if coupon.RemainingQuantity <= 0 {
		return ErrSoldOut
	}
	coupon.RemainingQuantity--

	return nil
}

// Restore gives back a unit taken by Decrement. Used when the durable write
// that should have followed it was refused by the store.
func (c *Catalog) Restore(ctx context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if coupon, ok := c.byID[id]; ok {
		coupon.RemainingQuantity++
	}
}

// Put validates and stores a coupon definition, replacing any entry with the
// same id. Codes stay unique across the catalog. The entry is applied in
// memory and then written to the store; a failed write undoes it, so a
// rejected coupon never becomes visible.
func (c *Catalog) Put(ctx context.Context, def models.CouponDefinition) error {
	if err := validation.ValidateCoupon(def); err != nil {
		return err
	}
	if err := c.ensureLoaded(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := models.NormalizeCode(def.Code)
	if owner, ok := c.byCode[key]; ok && owner != def.ID {
		return ErrDuplicateCode
	}

	prev, existed := c.byID[def.ID]
	if existed {
		delete(c.byCode, models.NormalizeCode(prev.Code))
	}
	stored := def
	c.byID[def.ID] = &stored
	c.byCode[key] = def.ID

	if err := c.store.PutCoupon(ctx, def); err != nil {
		delete(c.byCode, key)
		if existed {
			c.byID[def.ID] = prev
			c.byCode[models.NormalizeCode(prev.Code)] = def.ID
		} else {
			delete(c.byID, def.ID)
		}
		return fmt.Errorf("failed to persist coupon %s: %w", def.ID, err)
	}

	return nil
}

// List returns every coupon ordered by code.
func (c *Catalog) List(ctx context.Context) ([]models.CouponDefinition, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	coupons := make([]models.CouponDefinition, 0, len(c.byID))
	for _, coupon := range c.byID {
		coupons = append(coupons, *coupon)
	}
	sort.Slice(coupons, func(i, j int) bool {
		return models.NormalizeCode(coupons[i].Code) < models.NormalizeCode(coupons[j].Code)
	})

	return coupons, nil
}
