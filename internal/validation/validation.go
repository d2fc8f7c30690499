package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"coupon-redemption-api/internal/models"
)

var (
	uuidRegex      = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	projectIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,99}$`)
	issueIDRegex   = regexp.MustCompile(`^[1-9][0-9]{0,11}$`)

	hundred = decimal.NewFromInt(100)
)

// MaxIssues bounds how many issues one budget or tag lookup may touch.
const MaxIssues = 100

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateCoupon checks a catalog entry before it is stored.
func ValidateCoupon(c models.CouponDefinition) error {
	if err := ValidateUUID(c.ID, "id"); err != nil {
		return err
	}

	if models.NormalizeCode(c.Code) == "" {
		return &ValidationError{
			Field:   "code",
			Message: "is required",
		}
	}

	if len(c.Code) > 64 {
		return &ValidationError{
			Field:   "code",
			Message: "cannot exceed 64 characters",
		}
	}

	switch c.Kind {
	case models.DiscountFlat:
		if c.Value.IsNegative() {
			return &ValidationError{
				Field:   "value",
				Message: "must be non-negative for FLAT coupons",
			}
		}
	case models.DiscountPercentage:
		if c.Value.IsNegative() || c.Value.GreaterThan(hundred) {
			return &ValidationError{
				Field:   "value",
				Message: "must be between 0 and 100 for PERCENTAGE coupons",
			}
		}
	default:
		return &ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("unknown discount type %q", c.Kind),
		}
	}

	if c.MinAmount.IsNegative() {
		return &ValidationError{
			Field:   "min_amount",
			Message: "must be non-negative",
		}
	}

	if c.RemainingQuantity < 0 {
		return &ValidationError{
			Field:   "remaining_quantity",
			Message: "must be non-negative",
		}
	}

	if strings.TrimSpace(c.ApplicabilityTag) == "" {
		return &ValidationError{
			Field:   "project_tag",
			Message: "is required (use \"all\" for unrestricted coupons)",
		}
	}

	if c.ValidUntil.IsZero() {
		return &ValidationError{
			Field:   "valid_until",
			Message: "is required",
		}
	}

	return nil
}

// ValidateProjectID checks a Redmine project identifier or numeric id.
func ValidateProjectID(id string) error {
	id = SanitizeString(id)
	if id == "" {
		return &ValidationError{
			Field:   "project_id",
			Message: "is required",
		}
	}

	if !projectIDRegex.MatchString(id) {
		return &ValidationError{
			Field:   "project_id",
			Message: "must contain only letters, digits, '-' and '_'",
		}
	}

	return nil
}

// ValidateIssueIDs checks a non-empty list of numeric issue ids.
func ValidateIssueIDs(ids []string) error {
	if len(ids) == 0 {
		return &ValidationError{
			Field:   "issues",
			Message: "at least one issue is required",
		}
	}

	if len(ids) > MaxIssues {
		return &ValidationError{
			Field:   "issues",
			Message: fmt.Sprintf("cannot contain more than %d issues", MaxIssues),
		}
	}

	for i, id := range ids {
		if !issueIDRegex.MatchString(SanitizeString(id)) {
			return &ValidationError{
				Field:   fmt.Sprintf("issues[%d]", i),
				Message: "must be a positive integer",
			}
		}
	}

	return nil
}

// ParseAmount parses a budget given as an integer or decimal string.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = SanitizeString(s)
	if s == "" {
		return decimal.Zero, &ValidationError{
			Field:   "budget",
			Message: "is required",
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{
			Field:   "budget",
			Message: "must be a number",
		}
	}

	return d, nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

func ValidateUUID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	id = SanitizeString(id)

	if !uuidRegex.MatchString(strings.ToLower(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a valid UUID v4",
		}
	}

	return nil
}

// ParseDate parses a YYYY-MM-DD date in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	s = SanitizeString(s)
	if s == "" {
		return time.Time{}, &ValidationError{
			Field:   "date",
			Message: "is required",
		}
	}

	t, err := time.ParseInLocation(models.DateLayout, s, loc)
	if err != nil {
		return time.Time{}, &ValidationError{
			Field:   "date",
			Message: "must be formatted as YYYY-MM-DD",
		}
	}

	return t, nil
}
