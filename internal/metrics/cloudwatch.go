// Package metrics emits scheduling telemetry to AWS CloudWatch: job run
// durations and the load samples produced by the adaptive interval policy.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"mailroom/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metric and dimension names.
const (
	metricJobDuration = "JobDuration"
	metricJobRun      = "JobRun"
	metricLoad        = "SchedulerLoad"

	dimJob    = "Job"
	dimResult = "Result"
)

// CloudWatchEmitter implements scheduler.MetricsEmitter by publishing to a
// CloudWatch namespace. Emission failures are logged and swallowed: metrics
// never fail a job run.
type CloudWatchEmitter struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchEmitter creates an emitter publishing to the given namespace.
func NewCloudWatchEmitter(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchEmitter{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// EmitJobDuration publishes one run outcome: a duration datum in milliseconds
// plus a run-count datum, both with Job and Result dimensions.
func (m *CloudWatchEmitter) EmitJobDuration(ctx context.Context, jobName string, d time.Duration, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	dims := []cwtypes.Dimension{
		{Name: aws.String(dimJob), Value: aws.String(jobName)},
		{Name: aws.String(dimResult), Value: aws.String(result)},
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(metricJobDuration),
				Value:      aws.Float64(float64(d.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: dims,
			},
			{
				MetricName: aws.String(metricJobRun),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.WarnContext(ctx, "failed to emit job duration metric",
			"job", jobName,
			"error", err,
		)
	}
}

// EmitLoadSample publishes the blended load estimate as a dimensionless
// gauge.
func (m *CloudWatchEmitter) EmitLoadSample(ctx context.Context, sample types.LoadSample) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(metricLoad),
				Value:      aws.Float64(sample.Load),
				Unit:       cwtypes.StandardUnitNone,
				Timestamp:  aws.Time(sample.Timestamp),
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.WarnContext(ctx, "failed to emit load sample metric", "error", err)
	}
}
