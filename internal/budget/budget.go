// Package budget derives a project budget from the billing blocks of its issues.
package budget

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoIssues       = errors.New("budget: no issues given")
	ErrBudgetNotFound = errors.New("budget: issue has no budget row")
)

// DefaultConcurrency bounds the number of issue fetches in flight.
const DefaultConcurrency = 4

// Source returns the budget recorded on a single issue.
type Source interface {
	IssueBudget(ctx context.Context, apiKey, issueID string) (decimal.Decimal, error)
}

// ExtractionError names the issue that made an extraction fail.
type ExtractionError struct {
	IssueID string
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("budget: issue %s: %v", e.IssueID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Extractor sums issue budgets. It fails closed: one failing issue fails the
// whole extraction and no partial sum is returned.
type Extractor struct {
	source      Source
	concurrency int
	logger      *zap.Logger
}

func NewExtractor(source Source, concurrency int, logger *zap.Logger) *Extractor {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{source: source, concurrency: concurrency, logger: logger}
}

// Extract fetches every issue and returns the summed budget.
func (e *Extractor) Extract(ctx context.Context, apiKey string, issueIDs []string) (decimal.Decimal, error) {
	if len(issueIDs) == 0 {
		return decimal.Zero, ErrNoIssues
	}

	amounts := make([]decimal.Decimal, len(issueIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, id := range issueIDs {
		g.Go(func() error {
			amount, err := e.source.IssueBudget(gctx, apiKey, id)
			if err != nil {
				return &ExtractionError{IssueID: id, Err: err}
			}
			amounts[i] = amount
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		e.logger.Warn("budget extraction failed", zap.Strings("issues", issueIDs), zap.Error(err))
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total, nil
}
