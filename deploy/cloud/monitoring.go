package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type Dashboard struct {
	api CloudWatchAPI
}

func NewDashboard(api CloudWatchAPI) *Dashboard { return &Dashboard{api: api} }

// Put creates or replaces the dashboard.
func (d *Dashboard) Put(ctx context.Context, name, body string) error {
	_, err := d.api.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(name),
		DashboardBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("put dashboard %s: %w", name, err)
	}
	return nil
}

type widget struct {
	Type       string         `json:"type"`
	X          int            `json:"x"`
	Y          int            `json:"y"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Properties map[string]any `json:"properties"`
}

// DashboardBody renders the platform dashboard: Lambda traffic and errors,
// CloudFront requests and 4xx rate, and the deploy metrics.
func DashboardBody(region, function, distribution, namespace string) (string, error) {
	metricWidget := func(x, y int, title string, metrics [][]any, stat string) widget {
		return widget{
			Type: "metric", X: x, Y: y, Width: 12, Height: 6,
			Properties: map[string]any{
				"title":   title,
				"region":  region,
				"metrics": metrics,
				"stat":    stat,
				"period":  300,
				"view":    "timeSeries",
			},
		}
	}
	ws := []widget{
		metricWidget(0, 0, "Lambda "+function, [][]any{
			{"AWS/Lambda", "Invocations", "FunctionName", function},
			{"AWS/Lambda", "Errors", "FunctionName", function},
		}, "Sum"),
		metricWidget(12, 0, "Lambda duration", [][]any{
			{"AWS/Lambda", "Duration", "FunctionName", function},
		}, "Average"),
		metricWidget(0, 6, "CloudFront", [][]any{
			{"AWS/CloudFront", "Requests", "DistributionId", distribution, "Region", "Global"},
			{"AWS/CloudFront", "4xxErrorRate", "DistributionId", distribution, "Region", "Global"},
		}, "Sum"),
		metricWidget(12, 6, "Deploys", [][]any{
			{namespace, "DeployCount"},
			{namespace, "DeployDuration"},
		}, "Sum"),
	}
	b, err := json.Marshal(map[string]any{"widgets": ws})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type Metrics struct {
	api       CloudWatchAPI
	namespace string
}

func NewMetrics(api CloudWatchAPI, namespace string) *Metrics {
	return &Metrics{api: api, namespace: namespace}
}

// RecordDeploy publishes the outcome and duration of one deploy.
func (m *Metrics) RecordDeploy(ctx context.Context, mode string, success bool, d time.Duration) error {
	status := "success"
	if !success {
		status = "failed"
	}
	dims := []types.Dimension{
		{Name: aws.String("Mode"), Value: aws.String(mode)},
		{Name: aws.String("Status"), Value: aws.String(status)},
	}
	now := time.Now()
	_, err := m.api.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []types.MetricDatum{
			{MetricName: aws.String("DeployCount"), Value: aws.Float64(1), Unit: types.StandardUnitCount, Dimensions: dims, Timestamp: &now},
			{MetricName: aws.String("DeployDuration"), Value: aws.Float64(d.Seconds()), Unit: types.StandardUnitSeconds, Dimensions: dims, Timestamp: &now},
		},
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}

type LambdaStats struct {
	Invocations   float64 `json:"invocations"`
	Errors        float64 `json:"errors"`
	AvgDurationMs float64 `json:"avgDurationMs"`
}

// ErrorRate is the percentage of invocations that failed.
func (s LambdaStats) ErrorRate() float64 {
	if s.Invocations == 0 {
		return 0
	}
	return s.Errors / s.Invocations * 100
}

// Lambda sums the function's invocations and errors over the window ending
// now, in five minute periods.
func (m *Metrics) Lambda(ctx context.Context, function string, window time.Duration) (LambdaStats, error) {
	end := time.Now()
	start := end.Add(-window)
	get := func(metric string, stat types.Statistic) ([]types.Datapoint, error) {
		out, err := m.api.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
			Namespace:  aws.String("AWS/Lambda"),
			MetricName: aws.String(metric),
			Dimensions: []types.Dimension{{Name: aws.String("FunctionName"), Value: aws.String(function)}},
			StartTime:  &start,
			EndTime:    &end,
			Period:     aws.Int32(300),
			Statistics: []types.Statistic{stat},
		})
		if err != nil {
			return nil, fmt.Errorf("get %s statistics: %w", metric, err)
		}
		return out.Datapoints, nil
	}

	var s LambdaStats
	inv, err := get("Invocations", types.StatisticSum)
	if err != nil {
		return s, err
	}
	for _, d := range inv {
		s.Invocations += aws.ToFloat64(d.Sum)
	}
	errs, err := get("Errors", types.StatisticSum)
	if err != nil {
		return s, err
	}
	for _, d := range errs {
		s.Errors += aws.ToFloat64(d.Sum)
	}
	dur, err := get("Duration", types.StatisticAverage)
	if err != nil {
		return s, err
	}
	if len(dur) > 0 {
		var total float64
		for _, d := range dur {
			total += aws.ToFloat64(d.Average)
		}
		s.AvgDurationMs = total / float64(len(dur))
	}
	return s, nil
}
