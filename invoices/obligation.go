package invoices

import (
	"github.com/warp/recurrence-engine/generic"
)

// ObligationFor builds the obligation owed for an issued invoice instance.
// It shares the instance's ID so stores can insert both in one transaction
// and re-runs cannot create a second obligation. Non-invoice instances
// return false.
func ObligationFor(inst generic.Instance) (*generic.Obligation, bool) {
	if inst.Kind != generic.KindInvoice || inst.Status == generic.InstanceCancelled {
		return nil, false
	}

	status := generic.ObligationSent
	if inst.Status == generic.InstanceDraft {
		status = generic.ObligationDraft
	}

	return &generic.Obligation{
		ID:         generic.ObligationID(inst.ID),
		InstanceID: inst.ID,
		RuleID:     inst.RuleID,
		Reference:  inst.Reference,
		Recipient:  inst.Payload.Recipient,
		Status:     status,
		DueDate:    PaymentDueDate(inst.DueDate, inst.Payload),
		Amount:     Compute(inst.Payload).Total.StringFixed(2),
		Currency:   currency(inst.Payload),
		CreatedAt:  inst.CreatedAt,
		UpdatedAt:  inst.CreatedAt,
	}, true
}
