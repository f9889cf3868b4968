package invoices

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/recurrence-engine/generic"
)

// Materializer issues an invoice for a rule occurrence. The instance is
// created in status "sent" with its number and total filled in.
type Materializer struct{}

var _ generic.Materializer = Materializer{}

func (Materializer) Materialize(rule generic.Rule, due generic.Date, now time.Time) (generic.Instance, error) {
	if err := validateLineItems(rule); err != nil {
		return generic.Instance{}, err
	}
	if strings.TrimSpace(rule.Payload.Recipient) == "" {
		return generic.Instance{}, &generic.ValidationError{RuleID: rule.ID, Field: "payload.recipient", Message: "required"}
	}

	inst, err := generic.CopyPayload(rule, due, now)
	if err != nil {
		return generic.Instance{}, err
	}
	inst.Payload.Currency = currency(inst.Payload)
	if inst.Payload.NetTermsDays <= 0 {
		inst.Payload.NetTermsDays = DefaultNetTermsDays
	}
	inst.Status = generic.InstanceSent
	inst.Reference = InvoiceNumber(rule.ID, due)
	inst.Total = Compute(inst.Payload).Total
	return inst, nil
}

// InvoiceNumber is INV-<yyyymm>-<RULE>-<dd>. It depends only on the
// occurrence, so a retried occurrence never mints a second number.
func InvoiceNumber(ruleID generic.RuleID, due generic.Date) string {
	return fmt.Sprintf("INV-%s-%s-%02d", due.Time.Format("200601"), ruleID.Short(), due.Day())
}
