// Package bootstrap opens the backends named by a Config.
package bootstrap

import (
	"context"
	"path"

	"go.uber.org/zap"

	"coupon-redemption-api/internal/cache"
	"coupon-redemption-api/internal/config"
	"coupon-redemption-api/internal/database"
	"coupon-redemption-api/internal/store"
	"coupon-redemption-api/internal/tabular"
)

// Object names used when the CSV tables live in a bucket.
const (
	CouponsObject = "coupons.csv"
	LedgerObject  = "ledger.csv"
)

// OpenStore returns the durable store selected by cfg.Storage.Backend.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Storage.Backend {
	case config.StorageSQL:
		if cfg.Database.DSN == "" {
			return database.NewDB(cfg.Database.Path)
		}
		return database.Open(cfg.Database.Driver, cfg.Database.DSN)

	default:
		if cfg.Storage.S3Bucket == "" {
			return tabular.NewFileStore(cfg.Storage.CouponsFile, cfg.Storage.LedgerFile), nil
		}

		client, err := tabular.NewS3Client(ctx, tabular.S3Config{
			Region:   cfg.Storage.S3Region,
			Bucket:   cfg.Storage.S3Bucket,
			Endpoint: cfg.Storage.S3Endpoint,
		}, logger)
		if err != nil {
			return nil, err
		}
		return tabular.New(
			tabular.S3Blob{Client: client, Bucket: cfg.Storage.S3Bucket, Key: path.Join(cfg.Storage.S3Prefix, CouponsObject)},
			tabular.S3Blob{Client: client, Bucket: cfg.Storage.S3Bucket, Key: path.Join(cfg.Storage.S3Prefix, LedgerObject)},
		), nil
	}
}

// OpenPendingCache returns the cache that holds staged redemptions and a
// function that releases it.
func OpenPendingCache(ctx context.Context, cfg *config.Config) (cache.Cache, func(), error) {
	if cfg.Pending.Backend != config.PendingRedis {
		return cache.NewInMemoryCache(), func() {}, nil
	}

	rc, err := cache.NewRedisCache(ctx, cfg.Pending.RedisAddr, cfg.Pending.RedisPassword, cfg.Pending.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	return rc, func() { rc.Close() }, nil
}
