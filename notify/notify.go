/*
Package notify delivers invoice reminders.

PURPOSE:
  Implementations of generic.NotificationSender. The ReminderDispatcher
  decides when and which reminder to send; senders only render and deliver.

SENDERS:
  LogSender:      writes the reminder to the process log (default channel)
  TelegramSender: posts to one Telegram chat through the Bot API
  EmailSender:    composes an RFC 5322 message with go-message, sends via SMTP

SEE ALSO:
  - generic/dispatcher.go: ReminderDispatcher
  - generic/reminder.go: escalation table, ReminderTypeFor
*/
package notify

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/warp/recurrence-engine/generic"
)

// =============================================================================
// RENDERING
// =============================================================================

var subjects = map[generic.ReminderType]string{
	generic.ReminderFriendly:     "Friendly reminder: invoice %s",
	generic.ReminderFirstNotice:  "First notice: invoice %s is overdue",
	generic.ReminderSecondNotice: "Second notice: invoice %s is overdue",
	generic.ReminderFinalNotice:  "Final notice: invoice %s",
	generic.ReminderRecurring:    "Reminder: invoice %s remains unpaid",
}

// Message is a rendered reminder.
type Message struct {
	Subject string
	Body    string
}

// RenderReminder builds the subject and plain-text body for a reminder.
func RenderReminder(ob generic.Obligation, reminderType generic.ReminderType) Message {
	ref := ob.Reference
	if ref == "" {
		ref = string(ob.ID)
	}

	format, ok := subjects[reminderType]
	if !ok {
		format = subjects[generic.ReminderRecurring]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Invoice %s for %s %s was due on %s.\n", ref, ob.Amount, ob.Currency, ob.DueDate)
	switch reminderType {
	case generic.ReminderFriendly:
		b.WriteString("If you have already paid, please disregard this message.\n")
	case generic.ReminderFinalNotice:
		b.WriteString("Please arrange payment now to avoid further action.\n")
	default:
		b.WriteString("Please arrange payment at your earliest convenience.\n")
	}
	if ob.Reminder.RemindersSent > 0 {
		fmt.Fprintf(&b, "Previous reminders: %d\n", ob.Reminder.RemindersSent)
	}

	return Message{Subject: fmt.Sprintf(format, ref), Body: b.String()}
}

// =============================================================================
// LOG SENDER
// =============================================================================

// LogSender logs reminders instead of delivering them.
type LogSender struct{}

func (LogSender) Send(_ context.Context, ob generic.Obligation, reminderType generic.ReminderType) error {
	msg := RenderReminder(ob, reminderType)
	log.Printf("[Reminders] %s -> %s: %s", reminderType, recipientOrDash(ob.Recipient), msg.Subject)
	return nil
}

func recipientOrDash(r string) string {
	if r == "" {
		return "-"
	}
	return r
}
