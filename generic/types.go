/*
Package generic provides the core recurrence and generation engine.

PURPOSE:
  This package contains the kind-agnostic types and algorithms that turn a
  recurrence rule into concrete work items. Whether the item is a task for a
  project or an invoice for a client, the same engine computes the next
  occurrence, enforces one-instance-per-occurrence, advances the rule, and
  schedules reminders for overdue obligations.

KEY CONCEPTS IN THIS FILE (types.go):
  - Rule: a recurrence rule plus the payload template copied onto each item
  - Schedule: the calendar part of a rule (frequency, interval, constraints)
  - Instance: one generated work item, keyed by (RuleID, DueDate)
  - Payload: template fields (title, assignee, line items, ...)

DESIGN PRINCIPLES:
  1. Purity: occurrence and reminder math take values and "now", never read the clock
  2. Idempotency: (RuleID, DueDate) identifies an occurrence everywhere
  3. Precision: money uses decimal.Decimal
  4. Isolation: one rule's failure never blocks another rule

SEE ALSO:
  - occurrence.go: NextOccurrence calendar arithmetic
  - coordinator.go: batch generation
  - reminder.go: reminder escalation
  - store.go: persistence interfaces
*/
package generic

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RuleID string
type InstanceID string

// Short upper-cases the first 8 alphanumerics, for human-readable keys.
func (id RuleID) Short() string {
	var b strings.Builder
	for _, r := range strings.ToUpper(string(id)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == 8 {
				break
			}
		}
	}
	return b.String()
}

// Kind identifies what a rule generates.
type Kind string

const (
	KindTask    Kind = "task"
	KindInvoice Kind = "invoice"
)

func (k Kind) Valid() bool { return k == KindTask || k == KindInvoice }

// Owner is the dashboard record generated items belong to.
type Owner struct {
	Type string `json:"type"` // project, client
	ID   string `json:"id"`
}

// =============================================================================
// SCHEDULE
// =============================================================================

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

// Schedule is the calendar part of a rule.
type Schedule struct {
	Frequency Frequency
	Interval  int

	// Weekdays constrains weekly rules (0=Sunday..6=Saturday). Empty means
	// "same weekday every Interval weeks".
	Weekdays []time.Weekday

	// DayOfMonth constrains monthly rules (1-31). Zero means "same day as
	// the previous occurrence".
	DayOfMonth int
}

// =============================================================================
// PAYLOAD - Template snapshot copied onto every instance
// =============================================================================

type Payload struct {
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Assignee      string   `json:"assignee,omitempty"`
	Priority      string   `json:"priority,omitempty"`
	EstimateHours float64  `json:"estimate_hours,omitempty"`
	Tags          []string `json:"tags,omitempty"`

	// Invoice template fields.
	Recipient    string          `json:"recipient,omitempty"`
	Currency     string          `json:"currency,omitempty"`
	NetTermsDays int             `json:"net_terms_days,omitempty"`
	TaxRate      decimal.Decimal `json:"tax_rate,omitempty"`
	LineItems    []LineItem      `json:"line_items,omitempty"`
}

type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Amount is quantity x unit price.
func (li LineItem) Amount() decimal.Decimal { return li.Quantity.Mul(li.UnitPrice) }

// Clone returns a deep copy so instances never alias the rule's slices.
func (p Payload) Clone() Payload {
	out := p
	if p.Tags != nil {
		out.Tags = append([]string(nil), p.Tags...)
	}
	if p.LineItems != nil {
		out.LineItems = append([]LineItem(nil), p.LineItems...)
	}
	return out
}

// =============================================================================
// RULE
// =============================================================================

// Rule is a recurrence rule. It is mutated by the Coordinator (NextDueAt,
// LastGeneratedAt, IsActive) and by explicit user edits. Version guards the
// two paths against overwriting each other.
type Rule struct {
	ID    RuleID
	Kind  Kind
	Owner Owner

	Schedule Schedule

	StartDate Date
	EndDate   *Date // inclusive

	IsActive        bool
	NextDueAt       time.Time
	LastGeneratedAt *time.Time

	Payload Payload

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NextDueDate is the occurrence key of the pending occurrence.
func (r Rule) NextDueDate() Date { return DateOf(r.NextDueAt) }

// PastEnd reports whether the pending occurrence lies after EndDate.
func (r Rule) PastEnd() bool {
	return r.EndDate != nil && r.NextDueDate().After(*r.EndDate)
}

// =============================================================================
// INSTANCE
// =============================================================================

type InstanceStatus string

const (
	InstanceTodo      InstanceStatus = "todo"
	InstanceDraft     InstanceStatus = "draft"
	InstanceSent      InstanceStatus = "sent"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Instance is one generated work item. At most one exists per
// (RuleID, DueDate); the store enforces this with a unique constraint.
type Instance struct {
	ID        InstanceID
	RuleID    RuleID
	Kind      Kind
	Owner     Owner
	DueDate   Date
	Status    InstanceStatus
	Reference string          // task key or invoice number
	Total     decimal.Decimal // zero for tasks
	Payload   Payload
	CreatedAt time.Time
}

// OccurrenceKey is the idempotency key of an occurrence.
func OccurrenceKey(ruleID RuleID, due Date) string {
	return string(ruleID) + "@" + due.String()
}
