package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// metricPutter is the part of the CloudWatch client used for publishing.
type metricPutter interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var (
	cwMu        sync.RWMutex
	cwClient    metricPutter
	cwNamespace = "tickflow"
)

// InitCloudWatch creates the CloudWatch client used by LogMetric and the
// periodic report. An empty region falls back to AWS_REGION.
func InitCloudWatch(ctx context.Context, region, namespace string) error {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	setCloudWatchClient(cloudwatch.NewFromConfig(cfg), namespace)

	GetLogger().WithComponent("cloudwatch").WithFields(Fields{
		"region":    region,
		"namespace": namespace,
	}).Info("initialized CloudWatch client")
	return nil
}

func setCloudWatchClient(c metricPutter, namespace string) {
	cwMu.Lock()
	defer cwMu.Unlock()
	cwClient = c
	if namespace != "" {
		cwNamespace = namespace
	}
}

// publishMetrics sends data to CloudWatch when a client is configured.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	cwMu.RLock()
	client, namespace := cwClient, cwNamespace
	cwMu.RUnlock()

	if client == nil || len(data) == 0 {
		return
	}

	log := GetLogger().WithComponent("cloudwatch")
	if _, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(namespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}
