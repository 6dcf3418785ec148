package types

import "time"

// UsageEventType classifies a usage notification.
type UsageEventType string

const (
	UsageEventWarning      UsageEventType = "usage_warning"
	UsageEventLimitReached UsageEventType = "usage_limit_reached"
)

// UsageNotification is the SQS payload emitted by the admission gate when a
// user crosses the warning threshold or reaches their monthly cap. The email
// worker consumes it.
type UsageNotification struct {
	NotificationID  string         `json:"notification_id"`
	UserID          string         `json:"user_id"`
	EventType       UsageEventType `json:"event_type"`
	Plan            PlanTier       `json:"plan"`
	Month           int            `json:"month"`
	Year            int            `json:"year"`
	RequestCount    int            `json:"request_count"`
	Limit           int            `json:"limit"`
	UsagePercentage int            `json:"usage_percentage"`
	ResetAt         time.Time      `json:"reset_at"`
	OccurredAt      time.Time      `json:"occurred_at"`
	TraceID         string         `json:"trace_id,omitempty"`
}

// AIModel is a selectable completion model exposed by the generate endpoint.
type AIModel string

const (
	ModelGPT4         AIModel = "GPT_4"
	ModelGPT35Turbo   AIModel = "GPT_3_5_TURBO"
	ModelClaudeSonnet AIModel = "CLAUDE_SONNET"
	ModelClaudeHaiku  AIModel = "CLAUDE_HAIKU"
)

// Valid reports whether m is one of the selectable models.
func (m AIModel) Valid() bool {
	switch m {
	case ModelGPT4, ModelGPT35Turbo, ModelClaudeSonnet, ModelClaudeHaiku:
		return true
	}
	return false
}

// Provider returns "openai" or "anthropic" for a valid model.
func (m AIModel) Provider() string {
	switch m {
	case ModelClaudeSonnet, ModelClaudeHaiku:
		return "anthropic"
	default:
		return "openai"
	}
}
