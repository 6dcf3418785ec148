// Package scheduler implements the scheduled maintenance jobs of the usage
// platform.
//
// The MaintenancePayload is the JSON structure delivered by the EventBridge
// rule, the in-process cron runner and the operator CLI. Its TaskType selects
// the job that handles the request.
package scheduler

import "time"

// TaskType identifies which maintenance job should handle an invocation.
type TaskType string

const (
	TaskResetMonthlyUsage TaskType = "reset_monthly_usage"
)

// MaintenancePayload is the JSON payload sent to the usage-reset function.
//
//	{
//	  "task": "reset_monthly_usage",
//	  "reference_time": "2026-02-01T00:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime lets a manual invocation pick a different "now" for
	// deterministic execution and backfilling. If nil, time.Now().UTC() is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// Now returns the payload's reference time, or the current UTC time.
func (p MaintenancePayload) Now() time.Time {
	if p.ReferenceTime != nil {
		return p.ReferenceTime.UTC()
	}
	return time.Now().UTC()
}
