/*
Package metricscollector implements the Metrics Collector (C2): the
durable MetricPoint time series every region publishes request-rate and
latency samples into, plus the aggregate read endpoints the Autoscaler,
operator tooling, and dashboards consume.

Percentile computation sorts the window's values and picks the
floor-indexed element at the requested quantile — no interpolation, per
§4.2. A window with no samples returns a zero Aggregate with Count 0
rather than raising; callers never need to special-case "no data" as an
error.
*/
package metricscollector

import (
	"context"
	"sort"
	"time"

	"github.com/jbwitnessAI/mrgc/pkg/registry"
	"github.com/jbwitnessAI/mrgc/pkg/storage"
	"github.com/jbwitnessAI/mrgc/pkg/types"
)

// dimModelPool is the MetricPoint.Dimensions key carrying the model
// pool a sample belongs to, used for cross-region RPS-by-pool queries.
const dimModelPool = "model_pool"

// Collector wraps storage.Store with the C2 read/write surface.
type Collector struct {
	store storage.Store
}

// New constructs a Collector.
func New(store storage.Store) *Collector {
	return &Collector{store: store}
}

// RecordMetric writes one bucketed-per-minute sample.
func (c *Collector) RecordMetric(ctx context.Context, name, region string, value float64, unit string, dims map[string]string) error {
	now := time.Now()
	return c.store.PutMetricPoint(ctx, &types.MetricPoint{
		MetricName:      name,
		TimestampMinute: now.Truncate(time.Minute).Unix(),
		Region:          region,
		Value:           value,
		Unit:            unit,
		Dimensions:      dims,
	})
}

// Aggregate summarizes a window of samples for one (metric, region).
type Aggregate struct {
	Count   int
	Average float64
	Values  []float64 // retained, sorted, for Percentile
}

// Percentile returns the floor-indexed value at quantile q (0..1). An
// empty Aggregate returns 0.
func (a Aggregate) Percentile(q float64) float64 {
	if len(a.Values) == 0 {
		return 0
	}
	idx := int(q * float64(len(a.Values)))
	if idx >= len(a.Values) {
		idx = len(a.Values) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return a.Values[idx]
}

// GetMetrics reads every sample for (name, region) within window and
// returns their aggregate.
func (c *Collector) GetMetrics(ctx context.Context, name, region string, window time.Duration) (Aggregate, error) {
	points, err := c.store.ListMetricPoints(ctx, name, region, time.Now().Add(-window))
	if err != nil {
		return Aggregate{}, err
	}
	if len(points) == 0 {
		return Aggregate{}, nil
	}

	values := make([]float64, len(points))
	var sum float64
	for i, p := range points {
		values[i] = p.Value
		sum += p.Value
	}
	sort.Float64s(values)

	return Aggregate{Count: len(values), Average: sum / float64(len(values)), Values: values}, nil
}

// RegionRPS is a convenience wrapper over GetMetrics for the request
// rate metric in one region.
func (c *Collector) RegionRPS(ctx context.Context, region string, window time.Duration) (Aggregate, error) {
	return c.GetMetrics(ctx, "request_rate", region, window)
}

// PoolRPSByRegion computes request rate for one model pool across
// every region supplied, filtering samples by the model_pool dimension.
func (c *Collector) PoolRPSByRegion(ctx context.Context, modelPool string, regions []string, window time.Duration) (map[string]Aggregate, error) {
	out := make(map[string]Aggregate, len(regions))
	for _, region := range regions {
		points, err := c.store.ListMetricPoints(ctx, "request_rate", region, time.Now().Add(-window))
		if err != nil {
			return nil, err
		}
		var values []float64
		var sum float64
		for _, p := range points {
			if p.Dimensions[dimModelPool] != modelPool {
				continue
			}
			values = append(values, p.Value)
			sum += p.Value
		}
		sort.Float64s(values)
		agg := Aggregate{Values: values}
		if len(values) > 0 {
			agg.Count = len(values)
			agg.Average = sum / float64(len(values))
		}
		out[region] = agg
	}
	return out, nil
}

// ClusterHealthSummary is the §4.2 cluster-wide health summary: RPS,
// instance counts, and cleanup success rate, all per region.
type ClusterHealthSummary struct {
	Regions map[string]RegionSummary
}

// RegionSummary is one region's slice of the cluster health summary.
type RegionSummary struct {
	RPS                Aggregate
	InstanceCount      int
	AvgQueueDepth      float64
	// CleanupSuccessRate is cluster-wide, not region-scoped — CleanupAudit
	// carries no region field — and is duplicated onto every RegionSummary
	// for callers that only look at one region at a time.
	CleanupSuccessRate float64
}

// ClusterHealth builds the cluster-wide summary across regions.
func (c *Collector) ClusterHealth(ctx context.Context, reg *registry.Registry, regions []string, window time.Duration) (ClusterHealthSummary, error) {
	summary := ClusterHealthSummary{Regions: make(map[string]RegionSummary, len(regions))}

	audits, err := c.store.ListCleanupAudits(ctx, types.ValidationPassed)
	if err != nil {
		return ClusterHealthSummary{}, err
	}
	failed, err := c.store.ListCleanupAudits(ctx, types.ValidationFailed)
	if err != nil {
		return ClusterHealthSummary{}, err
	}

	for _, region := range regions {
		rps, err := c.RegionRPS(ctx, region, window)
		if err != nil {
			return ClusterHealthSummary{}, err
		}

		workers, err := reg.ListByRegion(ctx, region)
		if err != nil {
			return ClusterHealthSummary{}, err
		}

		var totalQueueDepth float64
		for _, w := range workers {
			totalQueueDepth += float64(w.QueueDepth)
		}
		avgQueueDepth := 0.0
		if len(workers) > 0 {
			avgQueueDepth = totalQueueDepth / float64(len(workers))
		}

		summary.Regions[region] = RegionSummary{
			RPS:                rps,
			InstanceCount:      len(workers),
			AvgQueueDepth:      avgQueueDepth,
			CleanupSuccessRate: cleanupSuccessRate(audits, failed),
		}
	}
	return summary, nil
}

func cleanupSuccessRate(passed, failed []*types.CleanupAudit) float64 {
	total := len(passed) + len(failed)
	if total == 0 {
		return 0
	}
	return float64(len(passed)) / float64(total)
}
