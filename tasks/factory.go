/*
factory.go - Task rule presets as JSON

These functions build JSON rule definitions for common recurring project
work. They construct JSON directly so the factory package can stay free of
domain imports.

USAGE:
  jsonStr := tasks.WeeklyReviewJSON("review-apollo", "apollo", "sam", "2024-01-01", "monday")
  rule, err := factory.NewRuleFactory().ParseRule(jsonStr, now)
*/
package tasks

import "encoding/json"

// WeeklyReviewJSON returns a weekly review on the given weekdays.
func WeeklyReviewJSON(id, projectID, assignee, startDate string, weekdays ...string) string {
	rj := map[string]interface{}{
		"id":         id,
		"kind":       "task",
		"owner":      map[string]string{"type": "project", "id": projectID},
		"frequency":  "weekly",
		"interval":   1,
		"start_date": startDate,
		"payload": map[string]interface{}{
			"title":          "Weekly review",
			"assignee":       assignee,
			"priority":       "medium",
			"estimate_hours": 1,
			"tags":           []string{"review"},
		},
	}
	if len(weekdays) > 0 {
		rj["weekdays"] = weekdays
	}
	return marshal(rj)
}

// DailyStandupJSON returns a daily standup note task.
func DailyStandupJSON(id, projectID, startDate string) string {
	return marshal(map[string]interface{}{
		"id":         id,
		"kind":       "task",
		"owner":      map[string]string{"type": "project", "id": projectID},
		"frequency":  "daily",
		"interval":   1,
		"start_date": startDate,
		"payload": map[string]interface{}{
			"title":          "Post standup notes",
			"priority":       "low",
			"estimate_hours": 0.25,
		},
	})
}

// MonthlyReportJSON returns a monthly status report due on dayOfMonth
// (clamped to the month's last day).
func MonthlyReportJSON(id, projectID, assignee, startDate string, dayOfMonth int) string {
	return marshal(map[string]interface{}{
		"id":           id,
		"kind":         "task",
		"owner":        map[string]string{"type": "project", "id": projectID},
		"frequency":    "monthly",
		"interval":     1,
		"day_of_month": dayOfMonth,
		"start_date":   startDate,
		"payload": map[string]interface{}{
			"title":          "Monthly status report",
			"description":    "Summarize milestones, risks and budget burn.",
			"assignee":       assignee,
			"priority":       "high",
			"estimate_hours": 3,
			"tags":           []string{"report", "client"},
		},
	})
}

// QuarterlyPlanningJSON returns a planning session every three months.
func QuarterlyPlanningJSON(id, projectID, startDate string) string {
	return marshal(map[string]interface{}{
		"id":         id,
		"kind":       "task",
		"owner":      map[string]string{"type": "project", "id": projectID},
		"frequency":  "monthly",
		"interval":   3,
		"start_date": startDate,
		"payload": map[string]interface{}{
			"title":          "Quarterly planning",
			"priority":       "high",
			"estimate_hours": 4,
		},
	})
}

func marshal(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
