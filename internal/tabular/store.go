// Package tabular keeps the coupon catalog and redemption ledger as two CSV
// tables. Every mutation reads the whole table and rewrites it.
package tabular

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coupon-redemption-api/internal/models"
	"coupon-redemption-api/internal/store"
)

var (
	couponColumns = []string{"type", "validity", "description", "couponCode", "value", "projectTag", "couponQty", "minAmount", "id"}
	ledgerColumns = []string{"pid", "isApplied", "appliedAt", "couponCode", "amountAfterDiscount", "budget"}
)

// Store implements store.Store and store.Snapshotter on top of two CSV blobs.
//
// The engine persists redemptions through Snapshot, which writes its whole
// in-memory catalog and ledger. A failed write therefore heals on the next
// successful one. Redeem is kept for callers working without an engine; it
// applies one redemption to what is on disk.
type Store struct {
	mu      sync.Mutex
	coupons Blob
	ledger  Blob
}

// New creates a store over the given blobs.
func New(coupons, ledger Blob) *Store {
	return &Store{coupons: coupons, ledger: ledger}
}

// NewFileStore creates a store over two local CSV files.
func NewFileStore(couponsPath, ledgerPath string) *Store {
	return New(FileBlob{Path: couponsPath}, FileBlob{Path: ledgerPath})
}

func (s *Store) ListCoupons(ctx context.Context) ([]models.CouponDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCoupons(ctx)
}

func (s *Store) PutCoupon(ctx context.Context, c models.CouponDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coupons, err := s.readCoupons(ctx)
	if err != nil {
		return err
	}

	replaced := false
	for i := range coupons {
		if coupons[i].ID == c.ID {
			coupons[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		coupons = append(coupons, c)
	}

	return s.writeCoupons(ctx, coupons)
}

func (s *Store) ListRedemptions(ctx context.Context) ([]models.RedemptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLedger(ctx)
}

func (s *Store) Redeem(ctx context.Context, couponID string, rec models.RedemptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coupons, err := s.readCoupons(ctx)
	if err != nil {
		return err
	}
	records, err := s.readLedger(ctx)
	if err != nil {
		return err
	}

	idx := -1
	for i := range coupons {
		if coupons[i].ID == couponID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return store.ErrNotFound
	}
	if coupons[idx].RemainingQuantity <= 0 {
		return store.ErrSoldOut
	}
	for _, existing := range records {
		if existing.ProjectID == rec.ProjectID {
			return store.ErrAlreadyRedeemed
		}
	}

	coupons[idx].RemainingQuantity--
	if err := s.writeCoupons(ctx, coupons); err != nil {
		return err
	}

	records = append(records, rec)
	return s.writeLedger(ctx, records)
}

// Snapshot rewrites the catalog and then the ledger from the given rows.
func (s *Store) Snapshot(ctx context.Context, coupons []models.CouponDefinition, records []models.RedemptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeCoupons(ctx, coupons); err != nil {
		return fmt.Errorf("write %s: %w", s.coupons, err)
	}
	if err := s.writeLedger(ctx, records); err != nil {
		return fmt.Errorf("write %s: %w", s.ledger, err)
	}
	return nil
}

func (s *Store) Close() error { return nil }

func (s *Store) readCoupons(ctx context.Context) ([]models.CouponDefinition, error) {
	rows, err := readTable(ctx, s.coupons, couponColumns)
	if err != nil {
		return nil, err
	}

	coupons := make([]models.CouponDefinition, 0, len(rows))
	for i, row := range rows {
		c, err := decodeCoupon(row)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", s.coupons, i+2, err)
		}
		coupons = append(coupons, c)
	}
	return coupons, nil
}

func (s *Store) writeCoupons(ctx context.Context, coupons []models.CouponDefinition) error {
	rows := make([][]string, 0, len(coupons))
	for _, c := range coupons {
		rows = append(rows, []string{
			string(c.Kind),
			c.ValidUntil.Format(models.DateLayout),
			c.Description,
			c.Code,
			c.Value.String(),
			c.ApplicabilityTag,
			strconv.Itoa(c.RemainingQuantity),
			c.MinAmount.String(),
			c.ID,
		})
	}
	return writeTable(ctx, s.coupons, couponColumns, rows)
}

func (s *Store) readLedger(ctx context.Context) ([]models.RedemptionRecord, error) {
	rows, err := readTable(ctx, s.ledger, ledgerColumns)
	if err != nil {
		return nil, err
	}

	records := make([]models.RedemptionRecord, 0, len(rows))
	for i, row := range rows {
		if applied, err := strconv.ParseBool(row["isApplied"]); err == nil && !applied {
			continue
		}
		rec, err := decodeRedemption(row)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", s.ledger, i+2, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) writeLedger(ctx context.Context, records []models.RedemptionRecord) error {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.ProjectID,
			"true",
			r.AppliedAt.Format(models.DateLayout),
			r.CouponCode,
			r.DiscountedAmount.String(),
			r.OriginalBudget.String(),
		})
	}
	return writeTable(ctx, s.ledger, ledgerColumns, rows)
}

// readTable returns the data rows keyed by column name. A missing blob is an
// empty table; a header lacking any expected column is an error.
func readTable(ctx context.Context, b Blob, columns []string) ([]map[string]string, error) {
	data, err := b.Read(ctx)
	if errors.Is(err, ErrBlobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", b, err)
	}

	header := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		header[strings.TrimSpace(name)] = i
	}
	for _, col := range columns {
		if _, ok := header[col]; !ok {
			return nil, fmt.Errorf("parse %s: missing column %q", b, col)
		}
	}

	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(columns))
		for _, col := range columns {
			row[col] = strings.TrimSpace(rec[header[col]])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func writeTable(ctx context.Context, b Blob, columns []string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("encode %s: %w", b, err)
	}
	return b.Write(ctx, buf.Bytes())
}

func decodeCoupon(row map[string]string) (models.CouponDefinition, error) {
	validUntil, err := time.Parse(models.DateLayout, row["validity"])
	if err != nil {
		return models.CouponDefinition{}, fmt.Errorf("validity: %w", err)
	}
	value, err := decimal.NewFromString(row["value"])
	if err != nil {
		return models.CouponDefinition{}, fmt.Errorf("value: %w", err)
	}
	minAmount, err := decimal.NewFromString(row["minAmount"])
	if err != nil {
		return models.CouponDefinition{}, fmt.Errorf("minAmount: %w", err)
	}
	qty, err := strconv.Atoi(row["couponQty"])
	if err != nil {
		return models.CouponDefinition{}, fmt.Errorf("couponQty: %w", err)
	}

	return models.CouponDefinition{
		ID:                row["id"],
		Code:              row["couponCode"],
		Kind:              models.DiscountKind(strings.ToUpper(row["type"])),
		Value:             value,
		MinAmount:         minAmount,
		ApplicabilityTag:  row["projectTag"],
		ValidUntil:        validUntil,
		RemainingQuantity: qty,
		Description:       row["description"],
	}, nil
}

func decodeRedemption(row map[string]string) (models.RedemptionRecord, error) {
	appliedAt, err := time.Parse(models.DateLayout, row["appliedAt"])
	if err != nil {
		return models.RedemptionRecord{}, fmt.Errorf("appliedAt: %w", err)
	}
	discounted, err := decimal.NewFromString(row["amountAfterDiscount"])
	if err != nil {
		return models.RedemptionRecord{}, fmt.Errorf("amountAfterDiscount: %w", err)
	}
	budget, err := decimal.NewFromString(row["budget"])
	if err != nil {
		return models.RedemptionRecord{}, fmt.Errorf("budget: %w", err)
	}

	return models.RedemptionRecord{
		ProjectID:        row["pid"],
		AppliedAt:        appliedAt,
		CouponCode:       row["couponCode"],
		OriginalBudget:   budget,
		DiscountedAmount: discounted,
	}, nil
}
