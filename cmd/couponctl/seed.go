package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"coupon-redemption-api/internal/models"
	"coupon-redemption-api/internal/validation"
)

// seedFile is the YAML layout accepted by "coupons import".
type seedFile struct {
	Coupons []seedCoupon `yaml:"coupons"`
}

type seedCoupon struct {
	ID          string `yaml:"id"`
	Code        string `yaml:"code"`
	Type        string `yaml:"type"`
	Value       string `yaml:"value"`
	MinAmount   string `yaml:"min_amount"`
	ProjectTag  string `yaml:"project_tag"`
	ValidUntil  string `yaml:"valid_until"`
	Quantity    int    `yaml:"remaining_quantity"`
	Description string `yaml:"description"`
}

// ParseSeed decodes a coupon seed file. Amounts are read as strings so that
// values like 0.1 keep their exact decimal form.
func ParseSeed(data []byte, loc *time.Location) ([]models.CouponDefinition, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	defs := make([]models.CouponDefinition, 0, len(f.Coupons))
	for i, c := range f.Coupons {
		value, err := decimal.NewFromString(strings.TrimSpace(c.Value))
		if err != nil {
			return nil, fmt.Errorf("coupons[%d].value: %w", i, err)
		}

		minAmount := decimal.Zero
		if s := strings.TrimSpace(c.MinAmount); s != "" {
			if minAmount, err = decimal.NewFromString(s); err != nil {
				return nil, fmt.Errorf("coupons[%d].min_amount: %w", i, err)
			}
		}

		validUntil, err := validation.ParseDate(c.ValidUntil, loc)
		if err != nil {
			return nil, fmt.Errorf("coupons[%d].valid_until: %w", i, err)
		}

		defs = append(defs, models.CouponDefinition{
			ID:                strings.ToLower(strings.TrimSpace(c.ID)),
			Code:              strings.TrimSpace(c.Code),
			Kind:              models.DiscountKind(strings.ToUpper(strings.TrimSpace(c.Type))),
			Value:             value,
			MinAmount:         minAmount,
			ApplicabilityTag:  strings.TrimSpace(c.ProjectTag),
			ValidUntil:        validUntil,
			RemainingQuantity: c.Quantity,
			Description:       strings.TrimSpace(c.Description),
		})
	}

	return defs, nil
}
