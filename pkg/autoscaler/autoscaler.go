/*
Package autoscaler implements the Autoscaler (C7): a per-region,
per-model-pool control loop that reads recent request-rate metrics and
available capacity from the KV store, decides whether to add or remove
exactly one instance per tick, and records every decision —
including "none" — for auditability.
*/
package autoscaler

import (
	"context"
	"time"

	"github.com/jbwitnessAI/mrgc/pkg/compute"
	"github.com/jbwitnessAI/mrgc/pkg/config"
	"github.com/jbwitnessAI/mrgc/pkg/events"
	"github.com/jbwitnessAI/mrgc/pkg/log"
	"github.com/jbwitnessAI/mrgc/pkg/metrics"
	"github.com/jbwitnessAI/mrgc/pkg/registry"
	"github.com/jbwitnessAI/mrgc/pkg/storage"
	"github.com/jbwitnessAI/mrgc/pkg/types"
)

// MetricRequestRate is the MetricPoint name the Metrics Collector (C2)
// publishes request throughput under; the Autoscaler reads it back as
// current_rps.
const MetricRequestRate = "request_rate"

// rpsWindow is how far back current_rps averages over, per §4.7 step 1.
const rpsWindow = 5 * time.Minute

// Autoscaler runs the scaling loop for one (region, model_pool) pair.
type Autoscaler struct {
	region    string
	modelPool string

	store    storage.Store
	registry *registry.Registry
	provider compute.Provider
	cfg      config.AutoscalerConfig
	broker   *events.Broker
}

// New constructs an Autoscaler for one region and model pool.
func New(region, modelPool string, store storage.Store, reg *registry.Registry, provider compute.Provider, cfg config.AutoscalerConfig) *Autoscaler {
	return &Autoscaler{region: region, modelPool: modelPool, store: store, registry: reg, provider: provider, cfg: cfg}
}

// SetBroker attaches an optional event broker; every scaling decision,
// including "none", is published on it.
func (a *Autoscaler) SetBroker(b *events.Broker) {
	a.broker = b
}

// Run blocks, ticking every cfg.TickInterval until ctx is cancelled.
func (a *Autoscaler) Run(ctx context.Context) {
	logger := log.WithRegion(a.region)
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := a.Tick(ctx); err != nil {
			logger.Error().Err(err).Str("model_pool", a.modelPool).Msg("autoscaler tick failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs §4.7's algorithm once.
func (a *Autoscaler) Tick(ctx context.Context) error {
	if err := a.honorScaleRequest(ctx); err != nil {
		log.WithRegion(a.region).Error().Err(err).Str("model_pool", a.modelPool).
			Msg("failed to honor pending cross-region failover grow request")
	}

	workers, err := a.availableWorkers(ctx)
	if err != nil {
		return err
	}
	count := len(workers)

	currentRPS, err := a.currentRPS(ctx)
	if err != nil {
		return err
	}
	targetTotal := a.cfg.TargetRPSPerInstance * float64(count)

	state, err := a.store.GetScalingState(ctx, a.modelPool, a.region)
	if err != nil {
		return err
	}

	now := time.Now()
	highCond := currentRPS > 1.2*targetTotal
	lowCond := currentRPS < 0.5*targetTotal && count > a.cfg.MinInstances

	next := *state
	next.ModelPool, next.Region, next.CurrentCapacity = a.modelPool, a.region, count

	next.HighRPSSince = dwellMark(state.HighRPSSince, highCond, now)
	next.LowRPSSince = dwellMark(state.LowRPSSince, lowCond, now)

	scaleUpReady := highCond && dwellElapsed(next.HighRPSSince, now, a.cfg.ScaleUpDwell)
	scaleDownReady := lowCond && dwellElapsed(next.LowRPSSince, now, a.cfg.ScaleDownDwell)
	cooldownOK := now.Sub(state.LastScaleTime) >= a.cfg.Cooldown

	action := types.ScaleNone
	reason := "no scaling condition held through its dwell window"
	switch {
	case scaleUpReady && cooldownOK:
		action = types.ScaleUp
		reason = "current_rps exceeded 1.2x target for scale_up_dwell"
	case scaleDownReady && cooldownOK:
		action = types.ScaleDown
		reason = "current_rps fell below 0.5x target for scale_down_dwell, above min_instances"
	case (scaleUpReady || scaleDownReady) && !cooldownOK:
		reason = "condition held but cooldown has not elapsed since the last action"
	}

	if action != types.ScaleNone {
		if err := a.act(ctx, action, workers); err != nil {
			return err
		}
		next.LastScaleTime = now
		if action == types.ScaleUp {
			next.CurrentCapacity++
			next.HighRPSSince = nil
		} else {
			next.CurrentCapacity--
			next.LowRPSSince = nil
		}
	}

	metrics.ScalingDecisionsTotal.WithLabelValues(a.modelPool, a.region, string(action)).Inc()
	metrics.CurrentCapacity.WithLabelValues(a.modelPool, a.region).Set(float64(next.CurrentCapacity))
	a.broker.Publish(&events.Event{
		Type:    events.EventScaleAction,
		Region:  a.region,
		Message: string(action) + ": " + reason,
	})

	if err := a.store.PutScalingDecision(ctx, &types.ScalingDecision{
		ModelPool:       a.modelPool,
		Timestamp:       now.Unix(),
		Region:          a.region,
		CurrentCapacity: count,
		DesiredCapacity: next.CurrentCapacity,
		MinCapacity:     a.cfg.MinInstances,
		MaxCapacity:     a.cfg.MaxInstances,
		CurrentRPS:      currentRPS,
		TargetRPS:       targetTotal,
		Action:          action,
		Reason:          reason,
	}); err != nil {
		log.WithRegion(a.region).Error().Err(err).Msg("failed to record scaling decision")
	}

	if err := a.store.TryRecordScaleAction(ctx, state.LastScaleTime, &next); err != nil {
		if err == storage.ErrConflict {
			log.WithRegion(a.region).Warn().Str("model_pool", a.modelPool).
				Msg("scaling state race lost to another process this tick, will retry next tick")
			return nil
		}
		return err
	}
	return nil
}

// honorScaleRequest applies any pending cross-region grow request the
// Failover Controller left in this region (§4.6 "on entering
// FAILOVER_ACTIVE"). It launches the requested instances independent
// of RPS/cooldown/dwell conditions, then consumes the request so no
// other Autoscaler process running in this region repeats it.
func (a *Autoscaler) honorScaleRequest(ctx context.Context) error {
	req, err := a.store.GetScaleRequest(ctx, a.region)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if err := a.store.DeleteScaleRequest(ctx, a.region); err != nil {
		return err
	}
	if req.AddInstances <= 0 {
		return nil
	}

	for i := 0; i < req.AddInstances; i++ {
		id, err := a.provider.Launch(ctx, compute.Spec{Region: a.region, ModelPool: a.modelPool})
		if err != nil {
			return err
		}
		if err := a.registry.RegisterInstance(ctx, &types.Worker{
			InstanceID: id,
			Region:     a.region,
			ModelPool:  a.modelPool,
		}); err != nil {
			return err
		}
	}

	log.WithRegion(a.region).Warn().Int("add_instances", req.AddInstances).Str("reason", req.Reason).
		Msg("honored cross-region failover grow request")
	metrics.ScalingDecisionsTotal.WithLabelValues(a.modelPool, a.region, "failover_grow").Inc()
	return a.store.PutScalingDecision(ctx, &types.ScalingDecision{
		ModelPool: a.modelPool,
		Timestamp: time.Now().Unix(),
		Region:    a.region,
		Action:    types.ScaleUp,
		Reason:    "failover grow request: " + req.Reason,
	})
}

// act performs exactly one launch or termination per §4.7 step 7; on
// scale-down the least-loaded instance (lowest routing score) is
// chosen first, since it is adding least value.
func (a *Autoscaler) act(ctx context.Context, action types.ScalingAction, workers []*types.Worker) error {
	if action == types.ScaleUp {
		id, err := a.provider.Launch(ctx, compute.Spec{Region: a.region, ModelPool: a.modelPool})
		if err != nil {
			return err
		}
		return a.registry.RegisterInstance(ctx, &types.Worker{
			InstanceID: id,
			Region:     a.region,
			ModelPool:  a.modelPool,
		})
	}

	victim, err := a.leastLoaded(ctx, workers)
	if err != nil {
		return err
	}
	if victim == "" {
		return nil // nothing to remove, e.g. routing state missing for every candidate
	}
	if err := a.provider.Terminate(ctx, victim); err != nil {
		return err
	}
	return a.registry.Deregister(ctx, victim)
}

// leastLoaded returns the instance_id among workers with the lowest
// RoutingState.RoutingScore.
func (a *Autoscaler) leastLoaded(ctx context.Context, workers []*types.Worker) (string, error) {
	var (
		victim string
		lowest = int(^uint(0) >> 1) // max int
	)
	for _, w := range workers {
		rs, err := a.store.GetRoutingState(ctx, w.InstanceID)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return "", err
		}
		if rs.RoutingScore < lowest {
			lowest = rs.RoutingScore
			victim = w.InstanceID
		}
	}
	return victim, nil
}

func (a *Autoscaler) availableWorkers(ctx context.Context) ([]*types.Worker, error) {
	all, err := a.registry.ListByRegion(ctx, a.region)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, w := range all {
		if w.ModelPool == a.modelPool && w.State == types.WorkerAvailable {
			out = append(out, w)
		}
	}
	return out, nil
}

func (a *Autoscaler) currentRPS(ctx context.Context) (float64, error) {
	points, err := a.store.ListMetricPoints(ctx, MetricRequestRate, a.region, time.Now().Add(-rpsWindow))
	if err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, nil
	}
	var sum float64
	for _, p := range points {
		sum += p.Value
	}
	return sum / float64(len(points)), nil
}

// dwellMark returns the dwell start time: unchanged if cond still
// holds and a mark already exists, now if cond newly holds, and nil if
// cond no longer holds, per §4.7 step 6.
func dwellMark(current *time.Time, cond bool, now time.Time) *time.Time {
	if !cond {
		return nil
	}
	if current != nil {
		return current
	}
	t := now
	return &t
}

func dwellElapsed(mark *time.Time, now time.Time, dwell time.Duration) bool {
	return mark != nil && now.Sub(*mark) >= dwell
}
