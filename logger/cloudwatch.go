package logger

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type cwPublisher struct {
	client    *cloudwatch.Client
	namespace string
}

// InitCloudWatch enables metric publishing to CloudWatch for this logger
// instance. When the AWS configuration cannot be loaded a warning is logged
// and metrics remain log-only.
func (l *Log) InitCloudWatch(ctx context.Context, region, namespace string) {
	log := l.WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if namespace == "" {
		namespace = "ArbFlow"
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	l.cw = &cwPublisher{
		client:    cloudwatch.NewFromConfig(cfg),
		namespace: namespace,
	}

	log.WithFields(Fields{"region": region, "namespace": namespace}).Info("initialized CloudWatch client")
}

// publishMetric sends a single counter value to CloudWatch, attaching string
// fields as dimensions. Non-numeric values are logged only.
func (l *Log) publishMetric(component, metric string, value interface{}, fields Fields) {
	if l.cw == nil {
		return
	}

	var val float64
	switch v := value.(type) {
	case int:
		val = float64(v)
	case int32:
		val = float64(v)
	case int64:
		val = float64(v)
	case float32:
		val = float64(v)
	case float64:
		val = v
	default:
		return
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}}
	for k, v := range fields {
		if k == "metric" || k == "metric_type" || k == "value" {
			continue
		}
		if s, ok := v.(string); ok {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	data := []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: dims,
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(val),
	}}

	if _, err := l.cw.client.PutMetricData(context.Background(), &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(l.cw.namespace),
		MetricData: data,
	}); err != nil {
		l.Logger.WithError(err).Warn("failed to publish CloudWatch metrics")
	}
}
