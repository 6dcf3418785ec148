package metrics

import (
	"context"
	"time"

	"aisaas/internal/scheduler"
	"aisaas/internal/types"
)

// Nop discards every metric.
type Nop struct{}

func (Nop) RecordAdmission(context.Context, types.PlanTier, types.AdmissionOutcome) {}
func (Nop) RecordReset(context.Context, scheduler.ResetResult, error)               {}
func (Nop) RecordRequest(string, string, string, time.Duration)                     {}
