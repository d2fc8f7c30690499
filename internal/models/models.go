package models

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// DiscountKind is how a coupon's value is applied to a budget.
type DiscountKind string

const (
	DiscountFlat       DiscountKind = "FLAT"
	DiscountPercentage DiscountKind = "PERCENTAGE"
)

// TagAll marks a coupon that applies to every project.
const TagAll = "all"

// DateLayout is the on-disk and wire format for coupon validity and ledger dates.
const DateLayout = "2006-01-02"

// CouponDefinition is one entry of the coupon catalog.
type CouponDefinition struct {
	ID                string          `json:"id"`
	Code              string          `json:"code"`
	Kind              DiscountKind    `json:"type"`
	Value             decimal.Decimal `json:"value"`
	MinAmount         decimal.Decimal `json:"min_amount"`
	ApplicabilityTag  string          `json:"project_tag"`
	ValidUntil        time.Time       `json:"valid_until"`
	RemainingQuantity int             `json:"remaining_quantity"`
	Description       string          `json:"description,omitempty"`
}

// RedemptionRecord is a committed coupon application, one per project.
type RedemptionRecord struct {
	ProjectID        string          `json:"project_id"`
	AppliedAt        time.Time       `json:"applied_at"`
	CouponCode       string          `json:"coupon_code"`
	OriginalBudget   decimal.Decimal `json:"original_budget"`
	DiscountedAmount decimal.Decimal `json:"discounted_amount"`
}

// PendingRedemption is a validated discount waiting for payment confirmation.
// Coupon is a snapshot taken at validation time with RemainingQuantity already
// reduced by one; the catalog itself is untouched until commit.
type PendingRedemption struct {
	ProjectID        string           `json:"project_id"`
	Token            string           `json:"token"`
	Coupon           CouponDefinition `json:"coupon"`
	OriginalBudget   decimal.Decimal  `json:"original_budget"`
	DiscountedAmount decimal.Decimal  `json:"discounted_amount"`
	StagedAt         time.Time        `json:"staged_at"`
}

// Status is the outcome code of a coupon validation.
type Status string

const (
	StatusInvalidProjectID Status = "INVALID_PROJECT_ID"
	StatusInvalidCode      Status = "INVALID_COUPON_CODE"
	StatusNotExist         Status = "COUPON_NOT_EXIST"
	StatusAlreadyApplied   Status = "ALREADY_APPLIED_ON_THIS_PID"
	StatusExpired          Status = "EXPIRED_COUPON"
	StatusTagNotMatched    Status = "TAG_NOT_MATCHED"
	StatusNoCouponLeft     Status = "NO_COUPON_LEFT"
	StatusInvalidAmount    Status = "INVALID_AMOUNT"
	StatusBudgetTooSmall   Status = "BUDGET_IS_TOO_SMALL"
	StatusCannotApply      Status = "CANNOT_APPLY_COUPON"
	StatusApplied          Status = "COUPON_APPLIED"
)

// ValidateRequest carries everything the validation pipeline needs.
// Budget is kept as the caller supplied it so that malformed amounts can be
// reported as a status rather than a decoding failure.
type ValidateRequest struct {
	ProjectID  string   `json:"project_id"`
	CouponCode string   `json:"coupon_code"`
	Budget     string   `json:"budget"`
	IssueIDs   []string `json:"issues,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	APIKey     string   `json:"api_key,omitempty"`
}

// QuoteRequest asks the engine to extract the budget from issues before validating.
type QuoteRequest struct {
	ProjectID  string   `json:"project_id"`
	CouponCode string   `json:"coupon_code"`
	IssueIDs   []string `json:"issues"`
	Tags       []string `json:"tags,omitempty"`
	APIKey     string   `json:"api_key"`
}

// ValidateResult is the decision returned to the caller.
type ValidateResult struct {
	Status           Status           `json:"status"`
	OriginalBudget   *decimal.Decimal `json:"original_budget,omitempty"`
	DiscountedAmount *decimal.Decimal `json:"discounted_amount,omitempty"`
	Token            string           `json:"token,omitempty"`
}

// Applied reports whether the coupon was staged.
func (r ValidateResult) Applied() bool {
	return r.Status == StatusApplied
}

// CommitRequest confirms a staged redemption. An empty Token commits whatever
// was staged last for the project.
type CommitRequest struct {
	ProjectID string `json:"project_id"`
	Token     string `json:"token,omitempty"`
}

// CommitResult reports what a commit did.
type CommitResult struct {
	ProjectID string            `json:"project_id"`
	Committed bool              `json:"committed"`
	Record    *RedemptionRecord `json:"record,omitempty"`
}

// RedemptionStatus describes where a project stands in the two-phase flow.
type RedemptionStatus struct {
	ProjectID string             `json:"project_id"`
	Record    *RedemptionRecord  `json:"record,omitempty"`
	Pending   *PendingRedemption `json:"pending,omitempty"`
}

// BudgetRequest is the body of a budget extraction call.
type BudgetRequest struct {
	APIKey   string   `json:"api_key"`
	IssueIDs []string `json:"issues"`
}

// BudgetQuote is an extracted budget. It is never persisted.
type BudgetQuote struct {
	Amount   decimal.Decimal `json:"amount"`
	IssueIDs []string        `json:"issues"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NormalizeCode folds a coupon code into its catalog key: lowercased with all
// whitespace removed.
func NormalizeCode(code string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, code)
}

// Date truncates t to midnight in its own location.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
