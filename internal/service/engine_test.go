package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coupon-redemption-api/internal/models"
	"coupon-redemption-api/internal/store"
	"coupon-redemption-api/internal/tabular"
)

var testNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type fakeTags struct {
	has   bool
	calls int
}

func (f *fakeTags) HasTag(ctx context.Context, apiKey string, issueIDs []string, target string) bool {
	f.calls++
	return f.has
}

type fakeExtractor struct {
	amount decimal.Decimal
	err    error
}

func (f fakeExtractor) Extract(ctx context.Context, apiKey string, issueIDs []string) (decimal.Decimal, error) {
	return f.amount, f.err
}

// flakyStore fails Redeem with the given error and delegates everything else.
type flakyStore struct {
	store.Store
	redeemErr error
}

func (f *flakyStore) Redeem(ctx context.Context, couponID string, rec models.RedemptionRecord) error {
	if f.redeemErr != nil {
		return f.redeemErr
	}
	return f.Store.Redeem(ctx, couponID, rec)
}

// failingBlob refuses the next failWrites writes and delegates otherwise.
type failingBlob struct {
	tabular.Blob
	failWrites int
}

func (b *failingBlob) Write(ctx context.Context, data []byte) error {
	if b.failWrites > 0 {
		b.failWrites--
		return errors.New("write refused")
	}
	return b.Blob.Write(ctx, data)
}

func coupon(id, code string, kind models.DiscountKind, value int64, qty int) models.CouponDefinition {
	return models.CouponDefinition{
		ID:                id,
		Code:              code,
		Kind:              kind,
		Value:             decimal.NewFromInt(value),
		MinAmount:         decimal.NewFromInt(100),
		ApplicabilityTag:  models.TagAll,
		ValidUntil:        time.Date(2030, 12, 31, 0, 0, 0, 0, time.UTC),
		RemainingQuantity: qty,
	}
}

func newTestStore(t *testing.T, coupons ...models.CouponDefinition) *tabular.Store {
	dir := t.TempDir()
	s := tabular.NewFileStore(filepath.Join(dir, "coupons.csv"), filepath.Join(dir, "ledger.csv"))
	for _, c := range coupons {
		require.NoError(t, s.PutCoupon(context.Background(), c))
	}
	return s
}

func newTestEngine(s store.Store, opts Options) *Engine {
	opts.Store = s
	opts.Location = time.UTC
	opts.Now = func() time.Time { return testNow }
	return NewEngine(opts)
}

func TestEngine_ValidateAndCommit(t *testing.T) {
	s := newTestStore(t, coupon("c1", "FLAT20", models.DiscountFlat, 20, 3))
	e := newTestEngine(s, Options{})
	ctx := context.Background()

	res, err := e.Validate(ctx, models.ValidateRequest{ProjectID: "test-project", CouponCode: " flat 20 ", Budget: "500"})
	require.NoError(t, err)
	require.Equal(t, models.StatusApplied, res.Status)
	assert.True(t, decimal.NewFromInt(500).Equal(*res.OriginalBudget))
	assert.True(t, decimal.NewFromInt(480).Equal(*res.DiscountedAmount))
	assert.NotEmpty(t, res.Token)

	// Validation alone does not touch the catalog.
	coupons, err := s.ListCoupons(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, coupons[0].RemainingQuantity)

	out, err := e.Commit(ctx, models.CommitRequest{ProjectID: "test-project", Token: res.Token})
	require.NoError(t, err)
	require.True(t, out.Committed)
	assert.Equal(t, "flat20", out.Record.CouponCode)
	assert.True(t, time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC).Equal(out.Record.AppliedAt))

	coupons, err = s.ListCoupons(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, coupons[0].RemainingQuantity)

	records, err := s.ListRedemptions(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "test-project", records[0].ProjectID)
	assert.True(t, decimal.NewFromInt(480).Equal(records[0].DiscountedAmount))

	res, err = e.Validate(ctx, models.ValidateRequest{ProjectID: "test-project", CouponCode: "FLAT20", Budget: "500"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAlreadyApplied, res.Status)
}

func TestEngine_ValidateStatuses(t *testing.T) {
	today := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		coupon   func(c *models.CouponDefinition)
		req      models.ValidateRequest
		tags     *fakeTags
		want     models.Status
		wantDisc string
	}{
		{
			name: "missing project",
			req:  models.ValidateRequest{ProjectID: "", CouponCode: "promo", Budget: "100"},
			want: models.StatusInvalidProjectID,
		},
		{
			name: "blank code",
			req:  models.ValidateRequest{ProjectID: "89", CouponCode: "  \t ", Budget: "100"},
			want: models.StatusInvalidCode,
		},
		{
			name: "unknown code",
			req:  models.ValidateRequest{ProjectID: "89", CouponCode: "nope", Budget: "100"},
			want: models.StatusNotExist,
		},
		{
			name:   "expires today",
			coupon: func(c *models.CouponDefinition) { c.ValidUntil = today },
			req:    models.ValidateRequest{ProjectID: "89", CouponCode: "promo", Budget: "100"},
			want:   models.StatusExpired,
		},
		{
			name:     "expires tomorrow",
			coupon:   func(c *models.CouponDefinition) { c.ValidUntil = today.AddDate(0, 0, 1) },
			req:      models.ValidateRequest{ProjectID: "89", CouponCode: "promo", Budget: "100"},
			want:     models.StatusApplied,
			wantDisc: "80",
		},
		{
			name: "expiry is checked before quantity",
			coupon: func(c *models.CouponDefinition) {
				c.ValidUntil = today.AddDate(0, 0, -1)
				c.RemainingQuantity = 0
			},
			req:  models.ValidateRequest{ProjectID: "89", CouponCode: "promo", Budget: "100"},
			want: models.StatusExpired,
		},
		{
			name:   "tag from context does not match",
			coupon: func(c *models.CouponDefinition) { c.ApplicabilityTag = "backend" },
			req:    models.ValidateRequest{ProjectID: "89", CouponCode: "promo", Budget: "100", Tags: []string{"frontend"}},
			want:   models.StatusTagNotMatched,
		},
		{
			name:     "tag from context matches",
			coupon:   func(c *models.CouponDefinition) { c.ApplicabilityTag = "backend" },
			req:      models.ValidateRequest{ProjectID: "89", CouponCode: "promo", Budget: "100", Tags: []string{"Backend-API"}},
			want:     models.StatusApplied,
			wantDisc: "80",
		},
		{
			name:     "tag resolved from issues",
			coupon:   func(c *models.CouponDefinition) { c.ApplicabilityTag = "backend" },
			req:      models.ValidateRequest{ProjectID: "89", CouponCode: "promo", Budget: "100", IssueIDs: []string{"1"}},
			tags:     &fakeTags{has: true},
			want:     models.StatusApplied,
			wantDisc: "80",
		},
		{
			name:   "tag not on any issue",
			coupon: func(c *models.CouponDefinition) { c.ApplicabilityTag = "backend" },
			req:    models.ValidateRequest{ProjectID: "89", CouponCode: "promo", Budget: "100", IssueIDs: []string{"1"}},
			tags:   &fakeTags{has: false},
			want:   models.StatusTagNotMatched,
		},
		{
			name:     "all tag ignores resolver",
			coupon:   func(c *models.CouponDefinition) { c.ApplicabilityTag = "ALL" },
			req:      models.ValidateRequest{ProjectID: "89", CouponCode: "promo", Budget: "100"},
			tags:     &fakeTags{has: false},
			want:     models.StatusApplied,
			wantDisc: "80",
		},
		{
			name:   "sold out",
			coupon: func(c *models.CouponDefinition) { c.RemainingQuantity = 0 },
			req:    models.ValidateRequest{ProjectID: "89", CouponCode: "promo", Budget: "100"},
			want:   models.StatusNoCouponLeft,
		},
		{
			name: "budget not a number",
			req:  models.ValidateRequest{ProjectID: "89", CouponCode: "promo", Budget: "lots"},
			want: models.StatusInvalidAmount,
		},
		{
			name: "budget below minimum",
			req:  models.ValidateRequest{ProjectID: "89", CouponCode: "promo", Budget: "99.99"},
			want: models.StatusBudgetTooSmall,
		},
		{
			name:   "flat larger than budget",
			coupon: func(c *models.CouponDefinition) { c.Value = decimal.NewFromInt(150) },
			req:    models.ValidateRequest{ProjectID: "89", CouponCode: "promo", Budget: "100"},
			want:   models.StatusCannotApply,
		},
		{
			name: "percentage",
			coupon: func(c *models.CouponDefinition) {
				c.Kind = models.DiscountPercentage
				c.Value = decimal.NewFromInt(10)
			},
			req:      models.ValidateRequest{ProjectID: "89", CouponCode: "promo", Budget: "100"},
			want:     models.StatusApplied,
			wantDisc: "90",
		},
		{
			name: "percentage rounds to two places",
			coupon: func(c *models.CouponDefinition) {
				c.Kind = models.DiscountPercentage
				c.Value = decimal.NewFromInt(33)
			},
			req:      models.ValidateRequest{ProjectID: "89", CouponCode: "promo", Budget: "100.01"},
			want:     models.StatusApplied,
			wantDisc: "67.01",
		},
		{
			name: "full percentage leaves nothing to pay",
			coupon: func(c *models.CouponDefinition) {
				c.Kind = models.DiscountPercentage
				c.Value = decimal.NewFromInt(100)
			},
			req:  models.ValidateRequest{ProjectID: "89", CouponCode: "promo", Budget: "100"},
			want: models.StatusCannotApply,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := coupon("c1", "PROMO", models.DiscountFlat, 20, 5)
			if tt.coupon != nil {
				tt.coupon(&c)
			}
			opts := Options{}
			if tt.tags != nil {
				opts.Tags = tt.tags
			}
			e := newTestEngine(newTestStore(t, c), opts)

			res, err := e.Validate(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)

			if tt.wantDisc == "" {
				assert.Nil(t, res.DiscountedAmount)
				assert.Empty(t, res.Token)
				return
			}
			require.NotNil(t, res.DiscountedAmount)
			assert.True(t, decimal.RequireFromString(tt.wantDisc).Equal(*res.DiscountedAmount), "got %s", res.DiscountedAmount)
		})
	}
}

func TestEngine_ContextTagsSkipResolver(t *testing.T) {
	c := coupon("c1", "PROMO", models.DiscountFlat, 20, 5)
	c.ApplicabilityTag = "backend"
	resolver := &fakeTags{has: true}
	e := newTestEngine(newTestStore(t, c), Options{Tags: resolver})

	res, err := e.Validate(context.Background(), models.ValidateRequest{
		ProjectID: "89", CouponCode: "promo", Budget: "100", Tags: []string{"design"}, IssueIDs: []string{"1"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusTagNotMatched, res.Status)
	assert.Equal(t, 0, resolver.calls)
}

func TestEngine_RepeatedValidateOverwritesPending(t *testing.T) {
	s := newTestStore(t, coupon("c1", "FLAT20", models.DiscountFlat, 20, 3))
	e := newTestEngine(s, Options{})
	ctx := context.Background()
	req := models.ValidateRequest{ProjectID: "89", CouponCode: "flat20", Budget: "100"}

	first, err := e.Validate(ctx, req)
	require.NoError(t, err)
	second, err := e.Validate(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.True(t, first.DiscountedAmount.Equal(*second.DiscountedAmount))
	assert.NotEqual(t, first.Token, second.Token)

	st, err := e.Status(ctx, "89")
	require.NoError(t, err)
	require.NotNil(t, st.Pending)
	assert.Nil(t, st.Record)
	assert.Equal(t, second.Token, st.Pending.Token)
	assert.Equal(t, 2, st.Pending.Coupon.RemainingQuantity)

	coupons, err := e.ListCoupons(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, coupons[0].RemainingQuantity)

	// The superseded token no longer commits.
	_, err = e.Commit(ctx, models.CommitRequest{ProjectID: "89", Token: first.Token})
	assert.ErrorIs(t, err, ErrTokenMismatch)
}

func TestEngine_CommitAtMostOnce(t *testing.T) {
	s := newTestStore(t, coupon("c1", "FLAT20", models.DiscountFlat, 20, 3))
	e := newTestEngine(s, Options{})
	ctx := context.Background()

	res, err := e.Validate(ctx, models.ValidateRequest{ProjectID: "89", CouponCode: "flat20", Budget: "100"})
	require.NoError(t, err)
	require.True(t, res.Applied())

	out, err := e.Commit(ctx, models.CommitRequest{ProjectID: "89"})
	require.NoError(t, err)
	assert.True(t, out.Committed)

	out, err = e.Commit(ctx, models.CommitRequest{ProjectID: "89"})
	require.NoError(t, err)
	assert.False(t, out.Committed)

	coupons, err := s.ListCoupons(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, coupons[0].RemainingQuantity)

	records, err := s.ListRedemptions(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestEngine_CommitWithoutPending(t *testing.T) {
	e := newTestEngine(newTestStore(t, coupon("c1", "FLAT20", models.DiscountFlat, 20, 3)), Options{})

	out, err := e.Commit(context.Background(), models.CommitRequest{ProjectID: "89"})
	require.NoError(t, err)
	assert.False(t, out.Committed)
	assert.Nil(t, out.Record)
}

func TestEngine_TokenMismatchChangesNothing(t *testing.T) {
	s := newTestStore(t, coupon("c1", "FLAT20", models.DiscountFlat, 20, 3))
	e := newTestEngine(s, Options{})
	ctx := context.Background()

	res, err := e.Validate(ctx, models.ValidateRequest{ProjectID: "89", CouponCode: "flat20", Budget: "100"})
	require.NoError(t, err)

	_, err = e.Commit(ctx, models.CommitRequest{ProjectID: "89", Token: "not-the-token"})
	require.ErrorIs(t, err, ErrTokenMismatch)

	st, err := e.Status(ctx, "89")
	require.NoError(t, err)
	require.NotNil(t, st.Pending)
	assert.Equal(t, res.Token, st.Pending.Token)
	assert.Nil(t, st.Record)

	coupons, err := s.ListCoupons(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, coupons[0].RemainingQuantity)
}

func TestEngine_LastUnitGoesToFirstCommit(t *testing.T) {
	s := newTestStore(t, coupon("c1", "LAST1", models.DiscountFlat, 20, 1))
	e := newTestEngine(s, Options{})
	ctx := context.Background()

	for _, pid := range []string{"89", "90"} {
		res, err := e.Validate(ctx, models.ValidateRequest{ProjectID: pid, CouponCode: "last1", Budget: "100"})
		require.NoError(t, err)
		require.True(t, res.Applied())
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, pid := range []string{"89", "90"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Commit(ctx, models.CommitRequest{ProjectID: pid})
		}()
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, store.ErrSoldOut)
			failed++
		}
	}
	assert.Equal(t, 1, failed)

	coupons, err := s.ListCoupons(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, coupons[0].RemainingQuantity)

	records, err := s.ListRedemptions(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestEngine_PersistenceFailureKeepsMemory(t *testing.T) {
	base := newTestStore(t, coupon("c1", "FLAT20", models.DiscountFlat, 20, 3))
	diskErr := errors.New("disk full")
	e := newTestEngine(&flakyStore{Store: base, redeemErr: diskErr}, Options{})
	ctx := context.Background()

	_, err := e.Validate(ctx, models.ValidateRequest{ProjectID: "89", CouponCode: "flat20", Budget: "100"})
	require.NoError(t, err)

	out, err := e.Commit(ctx, models.CommitRequest{ProjectID: "89"})
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "89", perr.ProjectID)
	assert.ErrorIs(t, err, diskErr)
	assert.True(t, out.Committed)

	// Memory still refuses a second redemption for the project.
	res, err := e.Validate(ctx, models.ValidateRequest{ProjectID: "89", CouponCode: "flat20", Budget: "100"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAlreadyApplied, res.Status)

	coupons, err := e.ListCoupons(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, coupons[0].RemainingQuantity)

	records, err := base.ListRedemptions(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEngine_StoreRefusalRollsBackMemory(t *testing.T) {
	base := newTestStore(t, coupon("c1", "FLAT20", models.DiscountFlat, 20, 3))
	e := newTestEngine(&flakyStore{Store: base, redeemErr: store.ErrSoldOut}, Options{})
	ctx := context.Background()

	_, err := e.Validate(ctx, models.ValidateRequest{ProjectID: "89", CouponCode: "flat20", Budget: "100"})
	require.NoError(t, err)

	out, err := e.Commit(ctx, models.CommitRequest{ProjectID: "89"})
	require.ErrorIs(t, err, store.ErrSoldOut)
	assert.False(t, out.Committed)

	coupons, err := e.ListCoupons(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, coupons[0].RemainingQuantity)

	st, err := e.Status(ctx, "89")
	require.NoError(t, err)
	assert.Nil(t, st.Record)
	assert.Nil(t, st.Pending)
}

func TestEngine_LostLedgerWriteHealsOnNextCommit(t *testing.T) {
	dir := t.TempDir()
	ledger := &failingBlob{Blob: tabular.FileBlob{Path: filepath.Join(dir, "ledger.csv")}}
	s := tabular.New(tabular.FileBlob{Path: filepath.Join(dir, "coupons.csv")}, ledger)
	ctx := context.Background()
	require.NoError(t, s.PutCoupon(ctx, coupon("c1", "FLAT20", models.DiscountFlat, 20, 5)))

	e := newTestEngine(s, Options{})

	ledger.failWrites = 1
	_, err := e.Validate(ctx, models.ValidateRequest{ProjectID: "89", CouponCode: "FLAT20", Budget: "100"})
	require.NoError(t, err)
	out, err := e.Commit(ctx, models.CommitRequest{ProjectID: "89"})
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "snapshot", perr.Op)
	assert.True(t, out.Committed)

	_, err = e.Validate(ctx, models.ValidateRequest{ProjectID: "90", CouponCode: "FLAT20", Budget: "100"})
	require.NoError(t, err)
	out, err = e.Commit(ctx, models.CommitRequest{ProjectID: "90"})
	require.NoError(t, err)
	assert.True(t, out.Committed)

	records, err := s.ListRedemptions(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.ElementsMatch(t, []string{"89", "90"}, []string{records[0].ProjectID, records[1].ProjectID})

	coupons, err := s.ListCoupons(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, coupons[0].RemainingQuantity)

	// A restart reloads from disk and still refuses the first project.
	restarted := newTestEngine(s, Options{})
	res, err := restarted.Validate(ctx, models.ValidateRequest{ProjectID: "89", CouponCode: "FLAT20", Budget: "100"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAlreadyApplied, res.Status)
}

func TestEngine_Quote(t *testing.T) {
	s := newTestStore(t, coupon("c1", "FLAT20", models.DiscountFlat, 20, 3))
	ctx := context.Background()

	e := newTestEngine(s, Options{Budget: fakeExtractor{amount: decimal.NewFromInt(1300)}})
	res, err := e.Quote(ctx, models.QuoteRequest{ProjectID: "89", CouponCode: "flat20", IssueIDs: []string{"1", "2"}, APIKey: "k"})
	require.NoError(t, err)
	require.Equal(t, models.StatusApplied, res.Status)
	assert.True(t, decimal.NewFromInt(1280).Equal(*res.DiscountedAmount))

	failing := newTestEngine(s, Options{Budget: fakeExtractor{err: errors.New("tracker down")}})
	_, err = failing.Quote(ctx, models.QuoteRequest{ProjectID: "90", CouponCode: "flat20", IssueIDs: []string{"1"}, APIKey: "k"})
	assert.Error(t, err)

	st, err := failing.Status(ctx, "90")
	require.NoError(t, err)
	assert.Nil(t, st.Pending)

	_, err = newTestEngine(s, Options{}).Quote(ctx, models.QuoteRequest{ProjectID: "89", CouponCode: "flat20", IssueIDs: []string{"1"}})
	assert.ErrorIs(t, err, ErrExtractionUnavailable)
}

func TestEngine_PutCoupon(t *testing.T) {
	e := newTestEngine(newTestStore(t), Options{})
	ctx := context.Background()

	def := coupon("", "NEW10", models.DiscountPercentage, 10, 4)
	saved, err := e.PutCoupon(ctx, def)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)

	dup := coupon("", "new 10", models.DiscountFlat, 5, 1)
	_, err = e.PutCoupon(ctx, dup)
	assert.ErrorIs(t, err, store.ErrDuplicateCode)

	res, err := e.Validate(ctx, models.ValidateRequest{ProjectID: "89", CouponCode: "NEW10", Budget: "200"})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(180).Equal(*res.DiscountedAmount))
}
