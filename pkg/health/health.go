/*
Package health implements the Health Monitor (C4): a per-region control
loop that probes every `available` worker's `/health` endpoint, updates
its RoutingState through the Instance Registry (C3), and computes
an aggregate RegionHealth the Failover Controller (C6) consumes.

Probing is fanned out with a bounded golang.org/x/sync/semaphore.Weighted
rather than an unbounded goroutine-per-worker, since a region can hold
hundreds of workers and an unbounded fan-out would itself become a load
problem against the very workers being checked. A probe failure affects
only that worker; the monitor never aborts a cycle on one bad probe, and
a storage-write failure is logged and retried on the next cycle.
*/
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jbwitnessAI/mrgc/pkg/log"
	"github.com/jbwitnessAI/mrgc/pkg/metrics"
	"github.com/jbwitnessAI/mrgc/pkg/registry"
	"github.com/jbwitnessAI/mrgc/pkg/storage"
	"github.com/jbwitnessAI/mrgc/pkg/types"
	"github.com/jbwitnessAI/mrgc/pkg/workerclient"
)

// Outcome is the per-probe classification a single worker receives in
// one health-monitor cycle.
type Outcome string

const (
	OutcomeHealthy   Outcome = "healthy"
	OutcomeDegraded  Outcome = "degraded"
	OutcomeUnhealthy Outcome = "unhealthy"
)

// degradedQueueDepth and degradedRTT are the §4.4 thresholds beyond
// which a 200 response is still classified degraded rather than
// healthy.
const (
	degradedQueueDepth = 8
	degradedRTT        = 5000 * time.Millisecond
)

// staleInstanceTimeout is the heartbeat age beyond which the monitor
// drains an instance outright, independent of probe outcome.
const staleInstanceTimeout = 90 * time.Second

// RegionHealth is the aggregate health computed from one cycle's
// per-worker outcomes, per §4.4's healthy_ratio rule.
type RegionHealth struct {
	Region       string
	Total        int
	Healthy      int
	Degraded     int
	Unhealthy    int
	HealthyRatio float64
	Status       types.HealthStatus
	Reason       string
}

// ComputeRegionHealth aggregates a cycle's outcomes into a RegionHealth.
// An empty region is unhealthy by definition — there is no capacity to
// route to regardless of why the region is empty.
func ComputeRegionHealth(region string, outcomes []Outcome) RegionHealth {
	rh := RegionHealth{Region: region, Total: len(outcomes)}
	if rh.Total == 0 {
		rh.Status = types.HealthUnhealthy
		rh.Reason = "no instances"
		return rh
	}

	for _, o := range outcomes {
		switch o {
		case OutcomeHealthy:
			rh.Healthy++
		case OutcomeDegraded:
			rh.Degraded++
		default:
			rh.Unhealthy++
		}
	}

	rh.HealthyRatio = float64(rh.Healthy) / float64(rh.Total)

	switch {
	case rh.HealthyRatio >= 0.80:
		rh.Status = types.HealthHealthy
	case rh.HealthyRatio >= 0.50:
		rh.Status = types.HealthDegraded
	default:
		rh.Status = types.HealthUnhealthy
	}
	return rh
}

// RecomputeFromStore derives a RegionHealth reading directly from
// persisted RoutingState rows rather than running a fresh probe cycle.
// This is what lets the Failover Controller (pkg/failover) share C4's
// health-ratio computation without an in-memory channel to a live
// Monitor: both read the same replicated RoutingState rows, per §5.
func RecomputeFromStore(ctx context.Context, store storage.Store, reg *registry.Registry, region string) (RegionHealth, error) {
	workers, err := reg.ListByRegion(ctx, region)
	if err != nil {
		return RegionHealth{}, err
	}

	outcomes := make([]Outcome, 0, len(workers))
	for _, w := range workers {
		rs, err := store.GetRoutingState(ctx, w.InstanceID)
		if err == storage.ErrNotFound {
			continue // no health reading yet, e.g. still launching
		}
		if err != nil {
			return RegionHealth{}, err
		}
		outcomes = append(outcomes, outcomeFromHealthStatus(rs.HealthStatus))
	}
	return ComputeRegionHealth(region, outcomes), nil
}

func outcomeFromHealthStatus(h types.HealthStatus) Outcome {
	switch h {
	case types.HealthHealthy:
		return OutcomeHealthy
	case types.HealthDegraded:
		return OutcomeDegraded
	default:
		return OutcomeUnhealthy
	}
}

// Monitor runs the per-region probe cycle.
type Monitor struct {
	region   string
	registry *registry.Registry
	client   *workerclient.Client

	interval     time.Duration
	probeTimeout time.Duration
	threshold    int
	sem          *semaphore.Weighted

	mu       sync.Mutex
	failures map[string]int // instance_id -> consecutive probe failures
}

// Config bundles the tunables RunCycle needs, mirroring
// pkg/config.HealthConfig so callers don't import pkg/config from here.
type Config struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	Concurrency      int64
	FailureThreshold int
}

// NewMonitor constructs a Monitor for one region.
func NewMonitor(region string, reg *registry.Registry, client *workerclient.Client, cfg Config) *Monitor {
	return &Monitor{
		region:       region,
		registry:     reg,
		client:       client,
		interval:     cfg.Interval,
		probeTimeout: cfg.ProbeTimeout,
		threshold:    cfg.FailureThreshold,
		sem:          semaphore.NewWeighted(cfg.Concurrency),
		failures:     make(map[string]int),
	}
}

// Run blocks, executing one cycle every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	logger := log.WithRegion(m.region)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if _, err := m.RunCycle(ctx); err != nil {
			logger.Error().Err(err).Msg("health monitor cycle failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle probes every available worker in the region once, updates
// routing state, drains stale instances, and returns the aggregate
// RegionHealth.
func (m *Monitor) RunCycle(ctx context.Context) (RegionHealth, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.HealthCycleDuration, m.region)

	workers, err := m.registry.ListByRegion(ctx, m.region)
	if err != nil {
		return RegionHealth{}, err
	}

	if err := m.drainStale(ctx, workers); err != nil {
		log.WithRegion(m.region).Error().Err(err).Msg("stale instance drain failed")
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		outcomes []Outcome
	)

	for _, w := range workers {
		if w.State != types.WorkerAvailable {
			continue
		}
		w := w
		if err := m.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer m.sem.Release(1)

			outcome := m.probeOne(ctx, w)
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		}()
	}
	wg.Wait()

	rh := ComputeRegionHealth(m.region, outcomes)
	return rh, nil
}

// probeOne probes a single worker and persists its updated RoutingState.
// Any error here is logged and swallowed: the caller's loop must keep
// going for the remaining workers.
func (m *Monitor) probeOne(ctx context.Context, w *types.Worker) Outcome {
	logger := log.WithInstanceID(w.InstanceID)
	timer := metrics.NewTimer()

	status, payload, err := m.client.Probe(ctx, w.IPAddress, m.probeTimeout)
	rtt := timer.Duration()
	timer.ObserveDurationVec(metrics.ProbeDuration, m.region)

	if status == 200 {
		w.QueueDepth = payload.QueueDepth
	}

	outcome := m.classify(w.InstanceID, status, payload.QueueDepth, rtt, err)
	metrics.ProbesTotal.WithLabelValues(m.region, string(outcome)).Inc()

	healthStatus := outcomeToHealthStatus(outcome)
	avgLatencyMs := int(rtt / time.Millisecond)
	if err := m.registry.UpdateRoutingState(ctx, w, avgLatencyMs, healthStatus); err != nil {
		logger.Error().Err(err).Msg("failed to persist routing state, will retry next cycle")
	}

	return outcome
}

// classify applies §4.4's three-way rule and advances the per-instance
// consecutive-failure counter. queueDepth is only meaningful when
// statusCode is 200; callers pass the zero value otherwise.
func (m *Monitor) classify(instanceID string, statusCode int, queueDepth uint, rtt time.Duration, err error) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil || statusCode != 200 {
		m.failures[instanceID]++
		if m.failures[instanceID] >= m.threshold {
			return OutcomeUnhealthy
		}
		return OutcomeDegraded
	}

	m.failures[instanceID] = 0
	if queueDepth > degradedQueueDepth || rtt > degradedRTT {
		return OutcomeDegraded
	}
	return OutcomeHealthy
}

// drainStale transitions any worker whose heartbeat has gone silent for
// longer than staleInstanceTimeout into draining with a zeroed routing
// score, independent of probe outcome.
func (m *Monitor) drainStale(ctx context.Context, workers []*types.Worker) error {
	cutoff := time.Now().Add(-staleInstanceTimeout).Unix()
	for _, w := range workers {
		if w.LastHeartbeat >= cutoff {
			continue
		}
		if w.State == types.WorkerDraining || w.State == types.WorkerTerminated {
			continue
		}
		if err := m.registry.Transition(ctx, w.InstanceID, types.WorkerDraining); err != nil {
			return err
		}
		if err := m.registry.UpdateRoutingState(ctx, w, 0, types.HealthUnhealthy); err != nil {
			return err
		}
	}
	return nil
}

func outcomeToHealthStatus(o Outcome) types.HealthStatus {
	switch o {
	case OutcomeHealthy:
		return types.HealthHealthy
	case OutcomeDegraded:
		return types.HealthDegraded
	default:
		return types.HealthUnhealthy
	}
}
