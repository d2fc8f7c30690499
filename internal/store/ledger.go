package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"coupon-redemption-api/internal/models"
)

// Ledger is the in-memory view of committed redemptions, at most one per project.
type Ledger struct {
	store Store

	mu      sync.RWMutex
	loaded  bool
	records map[string]models.RedemptionRecord
}

// NewLedger creates a ledger backed by s.
func NewLedger(s Store) *Ledger {
	return &Ledger{store: s}
}

func (l *Ledger) ensureLoaded(ctx context.Context) error {
	l.mu.RLock()
	loaded := l.loaded
	l.mu.RUnlock()
	if loaded {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return nil
	}

	records, err := l.store.ListRedemptions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load redemption ledger: %w", err)
	}

	l.records = make(map[string]models.RedemptionRecord, len(records))
	for _, rec := range records {
		l.records[rec.ProjectID] = rec
	}
	l.loaded = true

	return nil
}

// Get returns the redemption recorded for a project.
func (l *Ledger) Get(ctx context.Context, projectID string) (models.RedemptionRecord, error) {
	if err := l.ensureLoaded(ctx); err != nil {
		return models.RedemptionRecord{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[projectID]
	if !ok {
		return models.RedemptionRecord{}, ErrNotFound
	}
	return rec, nil
}

// Append records a redemption in memory. Persisting it is the caller's job,
// together with the matching catalog decrement (see Store.Redeem).
func (l *Ledger) Append(ctx context.Context, rec models.RedemptionRecord) error {
	if err := l.ensureLoaded(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.records[rec.ProjectID]; exists {
		return ErrAlreadyRedeemed
	}
	l.records[rec.ProjectID] = rec

	return nil
}

// Remove drops a record added by Append whose durable write was refused.
func (l *Ledger) Remove(ctx context.Context, projectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.records, projectID)
}

// List returns every record ordered by date, then project.
func (l *Ledger) List(ctx context.Context) ([]models.RedemptionRecord, error) {
	if err := l.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	records := make([]models.RedemptionRecord, 0, len(l.records))
	for _, rec := range l.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].AppliedAt.Equal(records[j].AppliedAt) {
			return records[i].AppliedAt.Before(records[j].AppliedAt)
		}
		return records[i].ProjectID < records[j].ProjectID
	})

	return records, nil
}
