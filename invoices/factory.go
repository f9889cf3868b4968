/*
factory.go - Invoice rule presets as JSON

Amounts are passed as decimal strings ("120.00") and land in the payload as
JSON strings, which shopspring/decimal parses without float rounding.

USAGE:
  jsonStr := invoices.MonthlyRetainerJSON("acme-retainer", "acme", "ap@acme.test", "2024-01-31", 31,
      invoices.Item("Consulting retainer", "40", "120.00"))
  rule, err := factory.NewRuleFactory().ParseRule(jsonStr, now)
*/
package invoices

import "encoding/json"

// ItemJSON is one line item in a preset.
type ItemJSON struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
}

// Item is shorthand for a preset line item.
func Item(description, quantity, unitPrice string) ItemJSON {
	return ItemJSON{Description: description, Quantity: quantity, UnitPrice: unitPrice}
}

// MonthlyRetainerJSON returns a monthly invoice on dayOfMonth, net 30.
func MonthlyRetainerJSON(id, clientID, recipient, startDate string, dayOfMonth int, items ...ItemJSON) string {
	return marshal(map[string]interface{}{
		"id":           id,
		"kind":         "invoice",
		"owner":        map[string]string{"type": "client", "id": clientID},
		"frequency":    "monthly",
		"interval":     1,
		"day_of_month": dayOfMonth,
		"start_date":   startDate,
		"payload": map[string]interface{}{
			"title":          "Monthly retainer",
			"recipient":      recipient,
			"currency":       "USD",
			"net_terms_days": 30,
			"tax_rate":       "0",
			"line_items":     items,
		},
	})
}

// AnnualSubscriptionJSON returns a yearly invoice with tax, net 15.
func AnnualSubscriptionJSON(id, clientID, recipient, startDate, currency, taxRate string, items ...ItemJSON) string {
	return marshal(map[string]interface{}{
		"id":         id,
		"kind":       "invoice",
		"owner":      map[string]string{"type": "client", "id": clientID},
		"frequency":  "yearly",
		"interval":   1,
		"start_date": startDate,
		"payload": map[string]interface{}{
			"title":          "Annual subscription",
			"recipient":      recipient,
			"currency":       currency,
			"net_terms_days": 15,
			"tax_rate":       taxRate,
			"line_items":     items,
		},
	})
}

func marshal(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
