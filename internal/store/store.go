// Package store holds the durable store contract and the in-memory views the
// coupon engine works against: the coupon catalog and the redemption ledger.
package store

import (
	"context"
	"errors"

	"coupon-redemption-api/internal/models"
)

// Sentinel errors shared by every Store implementation.
var (
	ErrNotFound        = errors.New("store: not found")
	ErrSoldOut         = errors.New("store: coupon has no remaining quantity")
	ErrAlreadyRedeemed = errors.New("store: project already redeemed a coupon")
	ErrDuplicateCode   = errors.New("store: coupon code already used by another coupon")
)

// Store persists coupon definitions and redemption records.
type Store interface {
	ListCoupons(ctx context.Context) ([]models.CouponDefinition, error)
	PutCoupon(ctx context.Context, c models.CouponDefinition) error
	ListRedemptions(ctx context.Context) ([]models.RedemptionRecord, error)
	// Redeem consumes one unit of the coupon and records the redemption.
	// Implementations that can run both in one transaction must do so.
	Redeem(ctx context.Context, couponID string, rec models.RedemptionRecord) error
	Close() error
}

// Snapshotter is implemented by stores that cannot apply a redemption as one
// transaction. Snapshot replaces the durable catalog and ledger with the given
// rows, so a write lost earlier is repaired by the next one.
type Snapshotter interface {
	Snapshot(ctx context.Context, coupons []models.CouponDefinition, records []models.RedemptionRecord) error
}
