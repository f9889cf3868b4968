/*
Package invoices implements recurring invoice generation for clients.

PURPOSE:
  Plugs into the generic engine as the Materializer for KindInvoice rules and
  produces the obligations the reminder flow escalates on.

KEY DIFFERENCES FROM TASKS:
  1. Money: line items are decimal quantity x unit price, never float
  2. Numbering: every occurrence gets a deterministic invoice number
  3. Obligations: an issued invoice is owed, so it gets an obligation whose
     due date is the occurrence plus the client's net terms

EXAMPLE FLOW:
  1. Monthly retainer rule due 2024-01-31
  2. Generation issues INV-202401-ACMERETA-31, total 5,400.00
  3. Obligation due 2024-03-01 (net 30)
  4. Unpaid on 2024-03-02 -> friendly reminder; 7 days later first notice

SEE ALSO:
  - totals.go: subtotal / tax / total
  - obligation.go: obligation construction
  - generic/reminder.go: escalation table
*/
package invoices

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/recurrence-engine/generic"
)

const (
	// DefaultNetTermsDays applies when the payload has no net terms.
	DefaultNetTermsDays = 30

	DefaultCurrency = "USD"
)

// Invoice is the dashboard view of a generated invoice instance.
type Invoice struct {
	ID        generic.InstanceID
	RuleID    generic.RuleID
	ClientID  string
	Number    string
	Recipient string
	Currency  string
	IssueDate generic.Date
	DueDate   generic.Date
	LineItems []generic.LineItem
	Subtotal  decimal.Decimal
	Tax       decimal.Decimal
	Total     decimal.Decimal
	Status    generic.InstanceStatus
	CreatedAt time.Time
}

// FromInstance projects a generated instance onto an Invoice.
func FromInstance(inst generic.Instance) (Invoice, error) {
	if inst.Kind != generic.KindInvoice {
		return Invoice{}, fmt.Errorf("instance %s is a %s, not an invoice", inst.ID, inst.Kind)
	}
	t := Compute(inst.Payload)
	return Invoice{
		ID:        inst.ID,
		RuleID:    inst.RuleID,
		ClientID:  inst.Owner.ID,
		Number:    inst.Reference,
		Recipient: inst.Payload.Recipient,
		Currency:  currency(inst.Payload),
		IssueDate: inst.DueDate,
		DueDate:   PaymentDueDate(inst.DueDate, inst.Payload),
		LineItems: append([]generic.LineItem(nil), inst.Payload.LineItems...),
		Subtotal:  t.Subtotal,
		Tax:       t.Tax,
		Total:     t.Total,
		Status:    inst.Status,
		CreatedAt: inst.CreatedAt,
	}, nil
}

// PaymentDueDate is the issue date plus net terms.
func PaymentDueDate(issued generic.Date, p generic.Payload) generic.Date {
	terms := p.NetTermsDays
	if terms <= 0 {
		terms = DefaultNetTermsDays
	}
	return issued.AddDays(terms)
}

func currency(p generic.Payload) string {
	if p.Currency == "" {
		return DefaultCurrency
	}
	return p.Currency
}
