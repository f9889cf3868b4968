// Package tasks implements recurring task generation for projects.
// It plugs into the generic engine as the Materializer for KindTask rules.
package tasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/recurrence-engine/generic"
)

// =============================================================================
// PRIORITY
// =============================================================================

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority normalizes a payload priority. Empty means medium.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// =============================================================================
// TASK
// =============================================================================

// Task is the dashboard view of a generated task instance.
type Task struct {
	ID            generic.InstanceID
	RuleID        generic.RuleID
	ProjectID     string
	Key           string
	Title         string
	Description   string
	Assignee      string
	Priority      Priority
	EstimateHours float64
	Tags          []string
	Status        generic.InstanceStatus
	DueDate       generic.Date
	CreatedAt     time.Time
}

// FromInstance projects a generated instance onto a Task.
func FromInstance(inst generic.Instance) (Task, error) {
	if inst.Kind != generic.KindTask {
		return Task{}, fmt.Errorf("instance %s is a %s, not a task", inst.ID, inst.Kind)
	}
	p := inst.Payload
	return Task{
		ID:            inst.ID,
		RuleID:        inst.RuleID,
		ProjectID:     inst.Owner.ID,
		Key:           inst.Reference,
		Title:         p.Title,
		Description:   p.Description,
		Assignee:      p.Assignee,
		Priority:      Priority(p.Priority),
		EstimateHours: p.EstimateHours,
		Tags:          append([]string(nil), p.Tags...),
		Status:        inst.Status,
		DueDate:       inst.DueDate,
		CreatedAt:     inst.CreatedAt,
	}, nil
}
