package types

// Metric names and dimensions shared by every metrics backend.
const (
	MetricUsageAdmitted  = "UsageAdmitted"
	MetricUsageDenied    = "UsageDenied"
	MetricUsageGateError = "UsageGateError"
	MetricResetRun       = "UsageResetRun"
	MetricResetFailures  = "UsageResetFailures"
	MetricAPILatency     = "APILatency"
	MetricAPIRequests    = "APIRequests"

	DimPlan     = "Plan"
	DimEndpoint = "Endpoint"
	DimStatus   = "Status"

	MetricNamespace = "AISaaS"
)

// AdmissionOutcome is the result of one admission gate call.
type AdmissionOutcome string

const (
	AdmissionAdmitted AdmissionOutcome = "admitted"
	AdmissionDenied   AdmissionOutcome = "denied"
	AdmissionError    AdmissionOutcome = "error"
)
