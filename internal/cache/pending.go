package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coupon-redemption-api/internal/models"
)

const pendingKeyPrefix = "coupon:pending:"

// DefaultPendingTTL is how long a validated discount waits for payment.
const DefaultPendingTTL = 24 * time.Hour

// PendingStore keeps at most one staged redemption per project on top of a Cache.
// Staging again for the same project replaces the earlier entry.
type PendingStore struct {
	cache Cache
	ttl   time.Duration
}

// NewPendingStore creates a pending store. A zero ttl keeps entries until they
// are committed or replaced.
func NewPendingStore(c Cache, ttl time.Duration) *PendingStore {
	return &PendingStore{cache: c, ttl: ttl}
}

func pendingKey(projectID string) string {
	return pendingKeyPrefix + projectID
}

func (p *PendingStore) Stage(ctx context.Context, pending models.PendingRedemption) error {
	if err := SetJSON(ctx, p.cache, pendingKey(pending.ProjectID), pending, p.ttl); err != nil {
		return fmt.Errorf("failed to stage redemption for %s: %w", pending.ProjectID, err)
	}
	return nil
}

// Get returns the staged redemption, or ErrNotFound.
func (p *PendingStore) Get(ctx context.Context, projectID string) (models.PendingRedemption, error) {
	var pending models.PendingRedemption
	if err := GetJSON(ctx, p.cache, pendingKey(projectID), &pending); err != nil {
		return models.PendingRedemption{}, err
	}
	return pending, nil
}

func (p *PendingStore) Delete(ctx context.Context, projectID string) error {
	return p.cache.Delete(ctx, pendingKey(projectID))
}

// List returns every live staged redemption ordered by project id. Entries that
// expire or are committed while listing are skipped.
func (p *PendingStore) List(ctx context.Context) ([]models.PendingRedemption, error) {
	keys, err := p.cache.Keys(ctx, pendingKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list staged redemptions: %w", err)
	}

	out := make([]models.PendingRedemption, 0, len(keys))
	for _, key := range keys {
		pending, err := p.Get(ctx, strings.TrimPrefix(key, pendingKeyPrefix))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, pending)
	}
	return out, nil
}
