package generic

import (
	"context"
	"fmt"
	"log"
	"time"
)

// NotificationSender delivers one reminder. Implementations live in notify/.
type NotificationSender interface {
	Send(ctx context.Context, ob Obligation, reminderType ReminderType) error
}

// ReminderOutcome is the tagged result for one obligation.
//
// Unrecorded marks a reminder that was delivered but whose state could not be
// saved. The stored state is unchanged, so the next run sends the same
// reminder type again; Err carries the persistence failure.
type ReminderOutcome struct {
	ObligationID ObligationID
	Sent         bool
	Unrecorded   bool
	Type         ReminderType
	Next         time.Time
	Err          error
}

type ReminderReport struct {
	Checked int
	Sent    int
	Results []ReminderOutcome
	Errors  []ReminderOutcome
}

// ReminderDispatcher sends due reminders. Like the Coordinator, failures are
// scoped to the obligation; only loading the batch can fail the whole run.
type ReminderDispatcher struct {
	Store  ObligationStore
	Sender NotificationSender
}

func NewReminderDispatcher(store ObligationStore, sender NotificationSender) *ReminderDispatcher {
	return &ReminderDispatcher{Store: store, Sender: sender}
}

// Run sends every reminder due as of now.
func (d *ReminderDispatcher) Run(ctx context.Context, now time.Time) (ReminderReport, error) {
	var report ReminderReport

	obligations, err := d.Store.RemindableObligations(ctx, now)
	if err != nil {
		return report, fmt.Errorf("loading obligations: %w", persistence("remindable obligations", err))
	}

	for _, ob := range obligations {
		report.Checked++
		out := d.process(ctx, ob, now)
		report.Results = append(report.Results, out)
		if out.Sent {
			report.Sent++
		}
		if out.Err != nil {
			report.Errors = append(report.Errors, out)
		}
	}

	if report.Sent > 0 || len(report.Errors) > 0 {
		log.Printf("[Reminders] Checked %d, sent %d, %d errors", report.Checked, report.Sent, len(report.Errors))
	}
	return report, nil
}

func (d *ReminderDispatcher) process(ctx context.Context, ob Obligation, now time.Time) ReminderOutcome {
	out := ReminderOutcome{ObligationID: ob.ID}

	if !CanSendReminder(ob) {
		out.Err = fmt.Errorf("%s: %w (status %s)", ob.ID, ErrReminderNotAllowed, ob.Status)
		return out
	}

	// First computation: attach state, send only if already due.
	if ob.Reminder.NextReminderAt.IsZero() {
		ob.Reminder.NextReminderAt = NextReminderDate(ob, now)
		if ob.Reminder.NextReminderAt.After(now) {
			if err := d.Store.SaveReminderState(ctx, ob.ID, ob.Reminder); err != nil {
				out.Err = persistence("save reminder state", err)
			}
			out.Next = ob.Reminder.NextReminderAt
			return out
		}
	}

	out.Type = ReminderTypeFor(ob.Reminder.RemindersSent)
	if err := d.Sender.Send(ctx, ob, out.Type); err != nil {
		out.Err = fmt.Errorf("sending %s reminder for %s: %w", out.Type, ob.ID, err)
		return out
	}
	out.Sent = true

	sentAt := now
	ob.Reminder.RemindersSent++
	ob.Reminder.LastReminderAt = &sentAt
	ob.Reminder.NextReminderAt = NextReminderDate(ob, now)
	out.Next = ob.Reminder.NextReminderAt

	if err := d.Store.SaveReminderState(ctx, ob.ID, ob.Reminder); err != nil {
		out.Unrecorded = true
		out.Err = fmt.Errorf("%s reminder for %s sent but not recorded: %w", out.Type, ob.ID,
			persistence("save reminder state", err))
		log.Printf("[Reminders] %v", out.Err)
	}
	return out
}
