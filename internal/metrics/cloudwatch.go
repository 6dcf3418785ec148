// Package metrics records admission, reset and HTTP metrics to CloudWatch
// (Lambda deployments) or Prometheus (long-running servers).
package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"aisaas/internal/scheduler"
	"aisaas/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics emits metrics with PutMetricData. Emission failures are
// logged and never returned.
//
// Metrics emitted:
//   - UsageAdmitted, UsageDenied, UsageGateError: Dims {Plan}
//   - UsageResetRun: Dims {Status}; UsageResetFailures: no dims
//   - APIRequests, APILatency: Dims {Endpoint, Status}
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a collector publishing to namespace. An empty
// namespace uses types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func (m *CloudWatchMetrics) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to put metric data",
			"metric", aws.ToString(data[0].MetricName),
			"error", err.Error(),
		)
	}
}

// RecordAdmission implements usage.Metrics.
func (m *CloudWatchMetrics) RecordAdmission(ctx context.Context, plan types.PlanTier, outcome types.AdmissionOutcome) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(admissionMetricName(outcome)),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{dim(types.DimPlan, string(plan))},
	})
}

// RecordReset implements scheduler.ResetMetrics.
func (m *CloudWatchMetrics) RecordReset(ctx context.Context, result scheduler.ResetResult, err error) {
	m.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricResetRun),
			Value:      aws.Float64(float64(result.UsersProcessed)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{dim(types.DimStatus, resetStatus(err))},
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricResetFailures),
			Value:      aws.Float64(float64(result.Failures)),
			Unit:       cwtypes.StandardUnitCount,
		},
	)
}

// RecordRequest implements core.MetricsCollector.
func (m *CloudWatchMetrics) RecordRequest(method, endpoint, status string, d time.Duration) {
	dims := []cwtypes.Dimension{
		dim(types.DimEndpoint, method+" "+endpoint),
		dim(types.DimStatus, status),
	}
	m.put(context.Background(),
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricAPIRequests),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricAPILatency),
			Value:      aws.Float64(float64(d.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: dims,
		},
	)
}

func admissionMetricName(outcome types.AdmissionOutcome) string {
	switch outcome {
	case types.AdmissionAdmitted:
		return types.MetricUsageAdmitted
	case types.AdmissionDenied:
		return types.MetricUsageDenied
	default:
		return types.MetricUsageGateError
	}
}

func resetStatus(err error) string {
	if err != nil {
		return "partial"
	}
	return "ok"
}

// statusClass buckets an HTTP status like "201" into "2xx".
func statusClass(status string) string {
	if n, err := strconv.Atoi(status); err == nil && n >= 100 && n < 600 {
		return strconv.Itoa(n/100) + "xx"
	}
	return "unknown"
}
