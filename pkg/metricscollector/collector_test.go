package metricscollector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbwitnessAI/mrgc/pkg/registry"
	"github.com/jbwitnessAI/mrgc/pkg/storage"
	"github.com/jbwitnessAI/mrgc/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, storage.Store) {
	s, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "mrgc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s), s
}

func TestRecordAndAggregate(t *testing.T) {
	c, s := newTestCollector(t)
	ctx := context.Background()

	// Samples are keyed by (metric_name, minute), so the earlier two are
	// written directly into distinct past minutes.
	minute := time.Now().Truncate(time.Minute)
	require.NoError(t, s.PutMetricPoint(ctx, &types.MetricPoint{MetricName: "request_rate", TimestampMinute: minute.Add(-2 * time.Minute).Unix(), Region: "us-east", Value: 10, Unit: "rps"}))
	require.NoError(t, s.PutMetricPoint(ctx, &types.MetricPoint{MetricName: "request_rate", TimestampMinute: minute.Add(-time.Minute).Unix(), Region: "us-east", Value: 20, Unit: "rps"}))
	require.NoError(t, c.RecordMetric(ctx, "request_rate", "us-east", 30, "rps", nil))

	agg, err := c.RegionRPS(ctx, "us-east", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, agg.Count)
	assert.InDelta(t, 20, agg.Average, 0.001)
	assert.InDelta(t, 20, agg.Percentile(0.5), 0.001) // floor-indexed, no interpolation
}

func TestGetMetricsEmptyWindowReturnsZeroNotError(t *testing.T) {
	c, _ := newTestCollector(t)
	agg, err := c.RegionRPS(context.Background(), "us-east", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, agg.Count)
	assert.Equal(t, 0.0, agg.Percentile(0.9))
}

func TestPoolRPSByRegionFiltersDimension(t *testing.T) {
	c, s := newTestCollector(t)
	ctx := context.Background()

	// pool-a's sample sits one minute earlier so the same-minute pool-b
	// sample does not overwrite it under the (metric_name, minute) key.
	require.NoError(t, s.PutMetricPoint(ctx, &types.MetricPoint{MetricName: "request_rate", TimestampMinute: time.Now().Truncate(time.Minute).Add(-time.Minute).Unix(), Region: "us-east", Value: 5, Unit: "rps", Dimensions: map[string]string{"model_pool": "pool-a"}}))
	require.NoError(t, c.RecordMetric(ctx, "request_rate", "us-east", 50, "rps", map[string]string{"model_pool": "pool-b"}))

	byRegion, err := c.PoolRPSByRegion(ctx, "pool-a", []string{"us-east"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, byRegion["us-east"].Count)
	assert.InDelta(t, 5, byRegion["us-east"].Average, 0.001)
}

func TestClusterHealth(t *testing.T) {
	c, s := newTestCollector(t)
	ctx := context.Background()
	reg := registry.New(s)

	w := &types.Worker{InstanceID: "w-1", Region: "us-east", ModelPool: "pool-a", QueueDepth: 4}
	require.NoError(t, reg.RegisterInstance(ctx, w))

	require.NoError(t, s.PutCleanupAudit(ctx, &types.CleanupAudit{InstanceID: "w-1", ValidationTimestamp: 1, Status: types.ValidationPassed}))
	require.NoError(t, s.PutCleanupAudit(ctx, &types.CleanupAudit{InstanceID: "w-2", ValidationTimestamp: 2, Status: types.ValidationFailed}))

	summary, err := c.ClusterHealth(ctx, reg, []string{"us-east"}, time.Hour)
	require.NoError(t, err)
	region := summary.Regions["us-east"]
	assert.Equal(t, 1, region.InstanceCount)
	assert.InDelta(t, 4, region.AvgQueueDepth, 0.001)
	assert.InDelta(t, 0.5, region.CleanupSuccessRate, 0.001)
}
