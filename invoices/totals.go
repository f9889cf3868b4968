package invoices

import (
	"github.com/shopspring/decimal"
	"github.com/warp/recurrence-engine/generic"
)

// Totals are rounded to cents; tax is computed on the rounded subtotal.
type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// Compute sums the payload's line items and applies its tax rate
// (0.2 = 20%).
func Compute(p generic.Payload) Totals {
	subtotal := decimal.Zero
	for _, li := range p.LineItems {
		subtotal = subtotal.Add(li.Amount())
	}
	subtotal = subtotal.Round(2)
	tax := subtotal.Mul(p.TaxRate).Round(2)
	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    subtotal.Add(tax),
	}
}

func validateLineItems(rule generic.Rule) error {
	p := rule.Payload
	if len(p.LineItems) == 0 {
		return &generic.ValidationError{RuleID: rule.ID, Field: "payload.line_items", Message: "at least one line item required"}
	}
	for _, li := range p.LineItems {
		if li.Description == "" {
			return &generic.ValidationError{RuleID: rule.ID, Field: "payload.line_items", Message: "description required"}
		}
		if !li.Quantity.IsPositive() {
			return &generic.ValidationError{RuleID: rule.ID, Field: "payload.line_items", Message: "quantity must be positive"}
		}
		if li.UnitPrice.IsNegative() {
			return &generic.ValidationError{RuleID: rule.ID, Field: "payload.line_items", Message: "unit price must not be negative"}
		}
	}
	if p.TaxRate.IsNegative() || p.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return &generic.ValidationError{RuleID: rule.ID, Field: "payload.tax_rate", Message: "must be between 0 and 1"}
	}
	return nil
}
