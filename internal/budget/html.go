package budget

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
)

const (
	billingRowSelector = ".billing-details tbody tr"
	budgetLabel        = "Budget"
)

// PageFetcher returns the rendered HTML page of an issue.
type PageFetcher interface {
	IssuePage(ctx context.Context, apiKey, issueID string) (io.ReadCloser, error)
}

// HTMLSource reads the budget from the billing table of a rendered issue page.
type HTMLSource struct {
	Pages PageFetcher
}

func NewHTMLSource(pages PageFetcher) *HTMLSource {
	return &HTMLSource{Pages: pages}
}

func (s *HTMLSource) IssueBudget(ctx context.Context, apiKey, issueID string) (decimal.Decimal, error) {
	body, err := s.Pages.IssuePage(ctx, apiKey, issueID)
	if err != nil {
		return decimal.Zero, err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse issue page: %w", err)
	}

	return ParseBudget(doc)
}

// ParseBudget sums every Budget row of the page's billing table.
func ParseBudget(doc *goquery.Document) (decimal.Decimal, error) {
	total := decimal.Zero
	found := false
	var parseErr error

	doc.Find(billingRowSelector).EachWithBreak(func(_ int, row *goquery.Selection) bool {
		if strings.TrimSpace(row.ChildrenFiltered("th").Text()) != budgetLabel {
			return true
		}
		amount, err := parseAmount(row.ChildrenFiltered("td").Text())
		if err != nil {
			parseErr = err
			return false
		}
		total = total.Add(amount)
		found = true
		return true
	})

	if parseErr != nil {
		return decimal.Zero, parseErr
	}
	if !found {
		return decimal.Zero, ErrBudgetNotFound
	}
	return total, nil
}

var (
	amountToken   = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)
	// Western (1,000,000) or Indian (10,00,000) digit grouping.
	groupedAmount = regexp.MustCompile(`^-?(?:\d{1,3}(?:,\d{3})+|\d{1,2}(?:,\d{2})*,\d{3})(?:\.\d+)?$`)
)

// parseAmount reads the single number in a budget cell. Currency glyphs and
// labels around it are ignored; a cell with no number or several numbers is
// an error, as is a comma that is not a thousands separator.
func parseAmount(text string) (decimal.Decimal, error) {
	cell := strings.TrimSpace(text)

	tokens := amountToken.FindAllString(cell, -1)
	if len(tokens) == 0 {
		return decimal.Zero, fmt.Errorf("budget cell %q has no amount", cell)
	}
	if len(tokens) > 1 {
		return decimal.Zero, fmt.Errorf("budget cell %q has %d numbers", cell, len(tokens))
	}

	token := tokens[0]
	if strings.Contains(token, ",") {
		if !groupedAmount.MatchString(token) {
			return decimal.Zero, fmt.Errorf("budget cell %q: misplaced separator in %q", cell, token)
		}
		token = strings.ReplaceAll(token, ",", "")
	}

	amount, err := decimal.NewFromString(token)
	if err != nil {
		return decimal.Zero, fmt.Errorf("budget cell %q: %w", cell, err)
	}
	return amount, nil
}
