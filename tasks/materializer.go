package tasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/recurrence-engine/generic"
)

// Materializer turns a task rule occurrence into a "todo" instance.
//
// Each instance gets a stable key TASK-<yyyymmdd>-<RULE>, so the same
// occurrence always carries the same key even if it is re-generated after a
// failed advance.
type Materializer struct{}

var _ generic.Materializer = Materializer{}

func (Materializer) Materialize(rule generic.Rule, due generic.Date, now time.Time) (generic.Instance, error) {
	inst, err := generic.CopyPayload(rule, due, now)
	if err != nil {
		return generic.Instance{}, err
	}

	if strings.TrimSpace(inst.Payload.Title) == "" {
		return generic.Instance{}, &generic.ValidationError{RuleID: rule.ID, Field: "payload.title", Message: "required"}
	}
	priority, err := ParsePriority(inst.Payload.Priority)
	if err != nil {
		return generic.Instance{}, &generic.ValidationError{RuleID: rule.ID, Field: "payload.priority", Message: err.Error()}
	}
	if inst.Payload.EstimateHours < 0 {
		return generic.Instance{}, &generic.ValidationError{RuleID: rule.ID, Field: "payload.estimate_hours", Message: "must not be negative"}
	}

	inst.Payload.Priority = string(priority)
	inst.Status = generic.InstanceTodo
	inst.Reference = TaskKey(rule.ID, due)
	return inst, nil
}

// TaskKey is the human-readable key of a task occurrence.
func TaskKey(ruleID generic.RuleID, due generic.Date) string {
	return fmt.Sprintf("TASK-%s-%s", due.Time.Format("20060102"), ruleID.Short())
}
