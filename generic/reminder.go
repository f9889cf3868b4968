/*
reminder.go - Reminder escalation for overdue obligations

PURPOSE:
  Decides when the next payment reminder for an outstanding obligation
  (an unpaid invoice) is due. Pure: callers pass "now".

ESCALATION TABLE (indexed by RemindersSent):
  0 -> +1 day, 1 -> +7 days, 2 -> +14 days, 3 -> +30 days, then every 30 days

  base  = LastReminderAt, or the obligation's due date before any send
  next  = base + offset(RemindersSent)
  if next < now: next = now   (catch-up: a missed schedule becomes due now)

SEE ALSO:
  - dispatcher.go: sends reminders and persists ReminderState
  - invoices/obligation.go: builds obligations from invoice instances
*/
package generic

import "time"

type ObligationID string

type ObligationStatus string

const (
	ObligationDraft         ObligationStatus = "draft"
	ObligationSent          ObligationStatus = "sent"
	ObligationOverdue       ObligationStatus = "overdue"
	ObligationPartiallyPaid ObligationStatus = "partially_paid"
	ObligationPaid          ObligationStatus = "paid"
	ObligationCancelled     ObligationStatus = "cancelled"
	ObligationWrittenOff    ObligationStatus = "written_off"
)

// Outstanding reports whether reminders may still be sent.
func (s ObligationStatus) Outstanding() bool {
	return s == ObligationSent || s == ObligationOverdue || s == ObligationPartiallyPaid
}

func (s ObligationStatus) Valid() bool {
	switch s {
	case ObligationDraft, ObligationSent, ObligationOverdue, ObligationPartiallyPaid,
		ObligationPaid, ObligationCancelled, ObligationWrittenOff:
		return true
	}
	return false
}

// ReminderState is attached lazily to an obligation on its first reminder
// computation.
type ReminderState struct {
	RemindersSent  int
	LastReminderAt *time.Time
	NextReminderAt time.Time
}

// Obligation is something owed by a client, e.g. an unpaid invoice.
type Obligation struct {
	ID         ObligationID
	InstanceID InstanceID
	RuleID     RuleID
	Reference  string
	Recipient  string
	Status     ObligationStatus
	DueDate    Date
	Amount     string // decimal string, display only
	Currency   string
	Reminder   ReminderState
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// =============================================================================
// ESCALATION
// =============================================================================

var reminderOffsets = []int{1, 7, 14, 30}

// ReminderCadenceDays applies once the escalation table is exhausted.
const ReminderCadenceDays = 30

// ReminderOffsetDays returns the day offset for the given send count.
func ReminderOffsetDays(remindersSent int) int {
	if remindersSent < 0 {
		remindersSent = 0
	}
	if remindersSent < len(reminderOffsets) {
		return reminderOffsets[remindersSent]
	}
	return ReminderCadenceDays
}

// NextReminderDate computes when the next reminder is due.
func NextReminderDate(ob Obligation, now time.Time) time.Time {
	base := ob.DueDate.Time
	if ob.Reminder.LastReminderAt != nil {
		base = *ob.Reminder.LastReminderAt
	}

	next := base.AddDate(0, 0, ReminderOffsetDays(ob.Reminder.RemindersSent))
	if next.Before(now) {
		return now
	}
	return next
}

// CanSendReminder is true while the obligation is sent, overdue or
// partially paid.
func CanSendReminder(ob Obligation) bool {
	return ob.Status.Outstanding()
}

// =============================================================================
// REMINDER TYPES
// =============================================================================

type ReminderType string

const (
	ReminderFriendly     ReminderType = "friendly"
	ReminderFirstNotice  ReminderType = "first_notice"
	ReminderSecondNotice ReminderType = "second_notice"
	ReminderFinalNotice  ReminderType = "final_notice"
	ReminderRecurring    ReminderType = "recurring"
)

// ReminderTypeFor names the reminder about to be sent given prior sends.
func ReminderTypeFor(remindersSent int) ReminderType {
	switch {
	case remindersSent <= 0:
		return ReminderFriendly
	case remindersSent == 1:
		return ReminderFirstNotice
	case remindersSent == 2:
		return ReminderSecondNotice
	case remindersSent == 3:
		return ReminderFinalNotice
	default:
		return ReminderRecurring
	}
}
