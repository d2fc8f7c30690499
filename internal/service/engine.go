package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"coupon-redemption-api/internal/cache"
	"coupon-redemption-api/internal/events"
	"coupon-redemption-api/internal/models"
	"coupon-redemption-api/internal/store"
	"coupon-redemption-api/internal/tags"
	"coupon-redemption-api/internal/tracing"
	"coupon-redemption-api/internal/validation"
)

// ErrTokenMismatch is returned by Commit when the caller's token is not the one
// issued by the latest validation for the project.
var ErrTokenMismatch = errors.New("service: token does not match the staged redemption")

// ErrExtractionUnavailable is returned by Quote when no budget extractor is configured.
var ErrExtractionUnavailable = errors.New("service: budget extraction is not configured")

var hundred = decimal.NewFromInt(100)

// PersistenceError means the in-memory state changed but the durable store
// could not record it. The engine keeps serving from memory.
type PersistenceError struct {
	Op        string
	ProjectID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed during %s for project %s: %v", e.Op, e.ProjectID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TagResolver reports whether a project's issues carry a tag.
type TagResolver interface {
	HasTag(ctx context.Context, apiKey string, issueIDs []string, target string) bool
}

// BudgetExtractor sums the budgets recorded on a set of issues.
type BudgetExtractor interface {
	Extract(ctx context.Context, apiKey string, issueIDs []string) (decimal.Decimal, error)
}

// Options wires an Engine. Store is required; everything else has a default.
type Options struct {
	Store    store.Store
	Pending  *cache.PendingStore
	Tags     TagResolver
	Budget   BudgetExtractor
	Events   *events.Manager
	Logger   *zap.Logger
	Tracer   *tracing.Tracer
	Location *time.Location
	Now      func() time.Time
}

// Engine runs the coupon validation pipeline and the stage/commit protocol.
// It is safe for concurrent use.
type Engine struct {
	store   store.Store
	catalog *store.Catalog
	ledger  *store.Ledger
	pending *cache.PendingStore
	tags    TagResolver
	budget  BudgetExtractor
	events  *events.Manager
	logger  *zap.Logger
	tracer  *tracing.Tracer
	loc     *time.Location
	now     func() time.Time

	validations metric.Int64Counter

	// commitMu serializes commits so a catalog decrement and its ledger row
	// are never interleaved with another commit.
	commitMu sync.Mutex
}

// NewEngine creates an engine over opts.Store.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		store:   opts.Store,
		catalog: store.NewCatalog(opts.Store),
		ledger:  store.NewLedger(opts.Store),
		pending: opts.Pending,
		tags:    opts.Tags,
		budget:  opts.Budget,
		events:  opts.Events,
		logger:  opts.Logger,
		tracer:  opts.Tracer,
		loc:     opts.Location,
		now:     opts.Now,
	}

	if e.pending == nil {
		e.pending = cache.NewPendingStore(cache.NewInMemoryCache(), cache.DefaultPendingTTL)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.tracer == nil {
		e.tracer = tracing.GetTracer()
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	if e.now == nil {
		e.now = time.Now
	}

	counter, err := tracing.Meter().Int64Counter("coupon.validations",
		metric.WithDescription("Coupon validations by outcome status"),
	)
	if err != nil {
		e.logger.Warn("failed to create validation counter", zap.Error(err))
		counter = metricnoop.Int64Counter{}
	}
	e.validations = counter

	return e
}

// today is the current calendar date in the engine's location.
func (e *Engine) today() time.Time {
	return models.Date(e.now().In(e.loc))
}

func reject(status models.Status) models.ValidateResult {
	return models.ValidateResult{Status: status}
}

// Validate runs the pipeline in order and stops at the first failing check.
// Rejections come back as a status with a nil error; an error means the
// catalog, ledger or pending store could not be reached.
func (e *Engine) Validate(ctx context.Context, req models.ValidateRequest) (models.ValidateResult, error) {
	ctx, span := e.tracer.StartSpan(ctx, "Engine.Validate")
	defer span.End()

	result, err := e.validate(ctx, req)
	if err != nil {
		span.RecordError(err)
		return models.ValidateResult{}, err
	}

	span.SetAttributes(
		attribute.String("coupon.project_id", req.ProjectID),
		attribute.String("coupon.status", string(result.Status)),
	)
	e.validations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(result.Status))))
	e.events.PublishCouponValidated(ctx, req.ProjectID, models.NormalizeCode(req.CouponCode), result.Status)

	return result, nil
}

func (e *Engine) validate(ctx context.Context, req models.ValidateRequest) (models.ValidateResult, error) {
	if err := validation.ValidateProjectID(req.ProjectID); err != nil {
		return reject(models.StatusInvalidProjectID), nil
	}
	projectID := validation.SanitizeString(req.ProjectID)

	code := models.NormalizeCode(req.CouponCode)
	if code == "" {
		return reject(models.StatusInvalidCode), nil
	}

	coupon, err := e.catalog.Lookup(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return reject(models.StatusNotExist), nil
	}
	if err != nil {
		return models.ValidateResult{}, err
	}

	_, err = e.ledger.Get(ctx, projectID)
	if err == nil {
		return reject(models.StatusAlreadyApplied), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.ValidateResult{}, err
	}

	if e.expired(coupon, code) {
		return reject(models.StatusExpired), nil
	}

	if !e.tagMatches(ctx, coupon, req) {
		return reject(models.StatusTagNotMatched), nil
	}

	if coupon.RemainingQuantity <= 0 {
		return reject(models.StatusNoCouponLeft), nil
	}

	budget, err := validation.ParseAmount(req.Budget)
	if err != nil {
		return reject(models.StatusInvalidAmount), nil
	}

	if budget.LessThan(coupon.MinAmount) {
		return reject(models.StatusBudgetTooSmall), nil
	}

	discounted, ok := applyDiscount(coupon, budget)
	if !ok || !discounted.IsPositive() {
		return reject(models.StatusCannotApply), nil
	}

	snapshot := coupon
	snapshot.RemainingQuantity--
	pending := models.PendingRedemption{
		ProjectID:        projectID,
		Token:            uuid.NewString(),
		Coupon:           snapshot,
		OriginalBudget:   budget,
		DiscountedAmount: discounted,
		StagedAt:         e.now(),
	}
	if err := e.pending.Stage(ctx, pending); err != nil {
		return models.ValidateResult{}, err
	}

	e.logger.Debug("coupon staged",
		zap.String("project_id", projectID),
		zap.String("coupon_code", code),
		zap.String("discounted_amount", discounted.String()),
	)

	return models.ValidateResult{
		Status:           models.StatusApplied,
		OriginalBudget:   &budget,
		DiscountedAmount: &discounted,
		Token:            pending.Token,
	}, nil
}

// expired reports whether the coupon can no longer be used today. A coupon is
// valid through the day before ValidUntil.
func (e *Engine) expired(coupon models.CouponDefinition, code string) bool {
	if models.NormalizeCode(coupon.Code) != code {
		return true
	}
	y, m, d := coupon.ValidUntil.Date()
	validUntil := time.Date(y, m, d, 0, 0, 0, 0, e.loc)
	return !e.today().Before(validUntil)
}

func (e *Engine) tagMatches(ctx context.Context, coupon models.CouponDefinition, req models.ValidateRequest) bool {
	tag := strings.TrimSpace(coupon.ApplicabilityTag)
	if strings.EqualFold(tag, models.TagAll) {
		return true
	}
	if len(req.Tags) > 0 {
		return tags.MatchAny(req.Tags, tag)
	}
	if e.tags == nil {
		return false
	}
	return e.tags.HasTag(ctx, req.APIKey, req.IssueIDs, tag)
}

// applyDiscount returns the budget after the coupon, rounded to two places.
func applyDiscount(coupon models.CouponDefinition, budget decimal.Decimal) (decimal.Decimal, bool) {
	switch coupon.Kind {
	case models.DiscountFlat:
		return budget.Sub(coupon.Value).Round(2), true
	case models.DiscountPercentage:
		return budget.Sub(budget.Mul(coupon.Value).Div(hundred)).Round(2), true
	default:
		return decimal.Zero, false
	}
}

// Quote extracts the budget from the request's issues and validates against it.
// Extraction fails closed: any unreadable issue is an error, not a status.
func (e *Engine) Quote(ctx context.Context, req models.QuoteRequest) (models.ValidateResult, error) {
	ctx, span := e.tracer.StartSpan(ctx, "Engine.Quote")
	defer span.End()

	if e.budget == nil {
		return models.ValidateResult{}, ErrExtractionUnavailable
	}
	if err := validation.ValidateIssueIDs(req.IssueIDs); err != nil {
		return models.ValidateResult{}, err
	}

	amount, err := e.budget.Extract(ctx, req.APIKey, req.IssueIDs)
	if err != nil {
		span.RecordError(err)
		return models.ValidateResult{}, fmt.Errorf("failed to extract budget: %w", err)
	}

	return e.Validate(ctx, models.ValidateRequest{
		ProjectID:  req.ProjectID,
		CouponCode: req.CouponCode,
		Budget:     amount.String(),
		IssueIDs:   req.IssueIDs,
		Tags:       req.Tags,
		APIKey:     req.APIKey,
	})
}

// ExtractBudget returns the summed budget of the given issues.
func (e *Engine) ExtractBudget(ctx context.Context, apiKey string, issueIDs []string) (models.BudgetQuote, error) {
	ctx, span := e.tracer.StartSpan(ctx, "Engine.ExtractBudget")
	defer span.End()

	if e.budget == nil {
		return models.BudgetQuote{}, ErrExtractionUnavailable
	}
	if err := validation.ValidateIssueIDs(issueIDs); err != nil {
		return models.BudgetQuote{}, err
	}

	amount, err := e.budget.Extract(ctx, apiKey, issueIDs)
	if err != nil {
		span.RecordError(err)
		return models.BudgetQuote{}, err
	}
	return models.BudgetQuote{Amount: amount, IssueIDs: issueIDs}, nil
}

// Commit turns the project's staged redemption into a ledger row. With nothing
// staged, or with the project already in the ledger, it does nothing.
func (e *Engine) Commit(ctx context.Context, req models.CommitRequest) (models.CommitResult, error) {
	ctx, span := e.tracer.StartSpan(ctx, "Engine.Commit")
	defer span.End()

	projectID := validation.SanitizeString(req.ProjectID)
	result := models.CommitResult{ProjectID: projectID}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	pending, err := e.pending.Get(ctx, projectID)
	if errors.Is(err, cache.ErrNotFound) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("failed to read staged redemption: %w", err)
	}

	if req.Token != "" && req.Token != pending.Token {
		return result, ErrTokenMismatch
	}

	_, err = e.ledger.Get(ctx, projectID)
	if err == nil {
		e.dropPending(ctx, projectID)
		return result, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return result, err
	}

	couponID := pending.Coupon.ID
	rec := models.RedemptionRecord{
		ProjectID:        projectID,
		AppliedAt:        e.today(),
		CouponCode:       models.NormalizeCode(pending.Coupon.Code),
		OriginalBudget:   pending.OriginalBudget,
		DiscountedAmount: pending.DiscountedAmount,
	}

	if err := e.catalog.Decrement(ctx, couponID); err != nil {
		if errors.Is(err, store.ErrSoldOut) || errors.Is(err, store.ErrNotFound) {
			e.dropPending(ctx, projectID)
		}
		return result, err
	}
	if err := e.ledger.Append(ctx, rec); err != nil {
		e.catalog.Restore(ctx, couponID)
		return result, err
	}

	if op, err := e.persistRedemption(ctx, couponID, rec); err != nil {
		if errors.Is(err, store.ErrSoldOut) || errors.Is(err, store.ErrAlreadyRedeemed) || errors.Is(err, store.ErrNotFound) {
			// The durable copy disagrees with memory; it wins.
			e.catalog.Restore(ctx, couponID)
			e.ledger.Remove(ctx, projectID)
			e.dropPending(ctx, projectID)
			return result, err
		}

		span.RecordError(err)
		e.logger.Error("failed to persist redemption",
			zap.String("project_id", projectID),
			zap.String("coupon_id", couponID),
			zap.Error(err),
		)
		e.events.PublishPersistenceFailed(ctx, op, projectID, err)
		e.dropPending(ctx, projectID)

		result.Committed = true
		result.Record = &rec
		return result, &PersistenceError{Op: op, ProjectID: projectID, Err: err}
	}

	e.dropPending(ctx, projectID)
	e.events.PublishCouponCommitted(ctx, couponID, rec)
	e.logger.Info("coupon committed",
		zap.String("project_id", projectID),
		zap.String("coupon_code", rec.CouponCode),
		zap.String("discounted_amount", rec.DiscountedAmount.String()),
	)

	result.Committed = true
	result.Record = &rec
	return result, nil
}

// persistRedemption writes a redemption already applied in memory and names
// the operation used. Snapshot stores receive the whole catalog and ledger;
// the others apply the single redemption.
func (e *Engine) persistRedemption(ctx context.Context, couponID string, rec models.RedemptionRecord) (string, error) {
	snap, ok := e.store.(store.Snapshotter)
	if !ok {
		return "redeem", e.store.Redeem(ctx, couponID, rec)
	}

	coupons, err := e.catalog.List(ctx)
	if err != nil {
		return "snapshot", err
	}
	records, err := e.ledger.List(ctx)
	if err != nil {
		return "snapshot", err
	}
	return "snapshot", snap.Snapshot(ctx, coupons, records)
}

func (e *Engine) dropPending(ctx context.Context, projectID string) {
	if err := e.pending.Delete(ctx, projectID); err != nil {
		e.logger.Warn("failed to drop staged redemption", zap.String("project_id", projectID), zap.Error(err))
	}
}

// Status reports the committed record and the staged entry, if any, for a project.
func (e *Engine) Status(ctx context.Context, projectID string) (models.RedemptionStatus, error) {
	projectID = validation.SanitizeString(projectID)
	status := models.RedemptionStatus{ProjectID: projectID}

	rec, err := e.ledger.Get(ctx, projectID)
	switch {
	case err == nil:
		status.Record = &rec
	case !errors.Is(err, store.ErrNotFound):
		return status, err
	}

	pending, err := e.pending.Get(ctx, projectID)
	switch {
	case err == nil:
		status.Pending = &pending
	case !errors.Is(err, cache.ErrNotFound):
		return status, fmt.Errorf("failed to read staged redemption: %w", err)
	}

	return status, nil
}

// PutCoupon adds or replaces a catalog entry. A missing id is generated.
func (e *Engine) PutCoupon(ctx context.Context, def models.CouponDefinition) (models.CouponDefinition, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := e.catalog.Put(ctx, def); err != nil {
		return models.CouponDefinition{}, err
	}
	return def, nil
}

// ListCoupons returns the catalog ordered by code.
func (e *Engine) ListCoupons(ctx context.Context) ([]models.CouponDefinition, error) {
	return e.catalog.List(ctx)
}

// ListPending returns every staged redemption that is still waiting for payment.
func (e *Engine) ListPending(ctx context.Context) ([]models.PendingRedemption, error) {
	return e.pending.List(ctx)
}

// ListRedemptions returns the ledger ordered by date.
func (e *Engine) ListRedemptions(ctx context.Context) ([]models.RedemptionRecord, error) {
	return e.ledger.List(ctx)
}
