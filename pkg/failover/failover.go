/*
Package failover implements the Failover Controller (C6): a per-region
four-state FSM that reads RegionHealth recomputed directly from stored
RoutingState rows (never from an in-memory channel — §5 mandates the
replicated KV store as the only shared state between processes) and
steers traffic-dial weights through a trafficdirector.Director.
*/
package failover

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jbwitnessAI/mrgc/pkg/config"
	"github.com/jbwitnessAI/mrgc/pkg/events"
	"github.com/jbwitnessAI/mrgc/pkg/health"
	"github.com/jbwitnessAI/mrgc/pkg/log"
	"github.com/jbwitnessAI/mrgc/pkg/metrics"
	"github.com/jbwitnessAI/mrgc/pkg/storage"
	"github.com/jbwitnessAI/mrgc/pkg/trafficdirector"
	"github.com/jbwitnessAI/mrgc/pkg/types"
)

// State is one of the FSM's four states.
type State string

const (
	StateNormal     State = "normal"
	StateDegraded   State = "degraded"
	StateFailover   State = "failover_active"
	StateRecovering State = "recovering"
)

// RegionPriority pairs a sibling region with its static inter-region
// latency (ms) and tie-break priority (lower is preferred), per §4.6's
// "sorted by static inter-region latency table then priority."
type RegionPriority struct {
	Region    string
	LatencyMs int
	Priority  int
}

// Controller runs the FSM for one region.
type Controller struct {
	region   string
	store    storage.Store
	director trafficdirector.Director
	cfg      config.FailoverConfig
	siblings []RegionPriority
	broker   *events.Broker

	state State
}

// New constructs a Controller for region, starting in StateNormal.
// siblings lists every other region this controller may fail over to,
// already known to the process (the static inter-region latency table
// §9 leaves as configuration).
func New(region string, store storage.Store, director trafficdirector.Director, cfg config.FailoverConfig, siblings []RegionPriority) *Controller {
	return &Controller{
		region:   region,
		store:    store,
		director: director,
		cfg:      cfg,
		siblings: siblings,
		state:    StateNormal,
	}
}

// State returns the controller's current FSM state.
func (c *Controller) State() State { return c.state }

// SetBroker attaches an optional event broker; FSM transitions are
// published on it.
func (c *Controller) SetBroker(b *events.Broker) {
	c.broker = b
}

// Tick takes one RegionHealth snapshot from the caller and advances the
// FSM per §4.6's diagram; transitions occur only on reading a fresh
// RegionHealth, never on a timer. Adapter failures while applying a
// traffic-dial weight are logged and retried on the next Tick; they do
// NOT rewind the FSM state.
func (c *Controller) Tick(ctx context.Context, rh health.RegionHealth) error {
	prev := c.state
	c.state = nextState(prev, rh.HealthyRatio, c.cfg)

	if c.state != prev {
		metrics.FailoverTransitionsTotal.WithLabelValues(c.region, string(prev), string(c.state)).Inc()
		log.WithRegion(c.region).Warn().Str("from", string(prev)).Str("to", string(c.state)).
			Float64("healthy_ratio", rh.HealthyRatio).Msg("failover state transition")
		c.broker.Publish(&events.Event{
			Type:    events.EventFailoverTransition,
			Region:  c.region,
			Message: string(prev) + " -> " + string(c.state),
		})

		if c.state == StateFailover {
			if err := c.onEnterFailover(ctx, prev, rh); err != nil {
				log.WithRegion(c.region).Error().Err(err).
					Msg("failed to record failover event or request cross-region capacity grow")
			}
		}
	}

	for _, s := range []State{StateNormal, StateDegraded, StateFailover, StateRecovering} {
		v := 0.0
		if s == c.state {
			v = 1
		}
		metrics.FailoverState.WithLabelValues(c.region, string(s)).Set(v)
	}

	return c.applyWeights(ctx)
}

// nextState applies §4.6's transition diagram from a single ratio
// reading; there is no time-based decay.
func nextState(current State, ratio float64, cfg config.FailoverConfig) State {
	switch current {
	case StateNormal:
		if ratio < cfg.DegradedThreshold {
			return StateDegraded
		}
	case StateDegraded:
		if ratio < cfg.FailoverThreshold {
			return StateFailover
		}
		if ratio >= cfg.RecoveryThreshold {
			return StateNormal
		}
	case StateFailover:
		if ratio >= cfg.RecoveryThreshold {
			return StateRecovering
		}
	case StateRecovering:
		if ratio >= cfg.RecoveryThreshold {
			return StateNormal
		}
		if ratio < cfg.FailoverThreshold {
			return StateFailover
		}
	}
	return current
}

// applyWeights sets the local and sibling traffic-dial weights for the
// current state per §4.6's fixed table.
func (c *Controller) applyWeights(ctx context.Context) error {
	switch c.state {
	case StateNormal:
		return c.setWeights(ctx, 100, 10, nil)
	case StateDegraded:
		return c.setWeights(ctx, 70, 30, nil)
	case StateRecovering:
		return c.setWeights(ctx, 50, 25, nil)
	case StateFailover:
		targets := c.failoverTargets(ctx)
		if len(targets) == 0 {
			log.WithRegion(c.region).Error().Msg("failover active with no eligible sibling region: remaining in failover_active")
			return c.setWeights(ctx, 5, 0, nil)
		}
		return c.setWeights(ctx, 5, 0, targets)
	}
	return nil
}

// setWeights applies local, and (for non-failover states) a flat
// "others" weight to every configured sibling; for StateFailover,
// targets carries the explicit primary(80)/secondary(15) split.
func (c *Controller) setWeights(ctx context.Context, local, others int, targets []string) error {
	if err := c.director.SetWeight(ctx, c.region, local); err != nil {
		return err
	}

	if c.state == StateFailover {
		for i, region := range targets {
			weight := 15
			if i == 0 {
				weight = 80
			}
			if err := c.director.SetWeight(ctx, region, weight); err != nil {
				return err
			}
		}
		return nil
	}

	for _, s := range c.siblings {
		if err := c.director.SetWeight(ctx, s.Region, others); err != nil {
			return err
		}
	}
	return nil
}

// failoverTargets sorts siblings by latency then priority and filters
// to regions with at least one available worker, per §4.6's "on
// entering FAILOVER_ACTIVE" rule. It returns at most two regions:
// primary and secondary.
func (c *Controller) failoverTargets(ctx context.Context) []string {
	sorted := make([]RegionPriority, len(c.siblings))
	copy(sorted, c.siblings)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].LatencyMs != sorted[j].LatencyMs {
			return sorted[i].LatencyMs < sorted[j].LatencyMs
		}
		return sorted[i].Priority < sorted[j].Priority
	})

	var eligible []string
	for _, s := range sorted {
		workers, err := c.store.ListWorkersByRegion(ctx, s.Region)
		if err != nil || !hasAvailable(workers) {
			continue
		}
		eligible = append(eligible, s.Region)
		if len(eligible) == 2 {
			break
		}
	}
	return eligible
}

// onEnterFailover runs once, the tick this controller transitions into
// StateFailover. Per §4.6 "on entering FAILOVER_ACTIVE": it records a
// durable failover event (timestamp, from/to, reason, affected
// instance count) and requests each target region's Autoscaler grow by
// affected_instances / target_count. rh.Total is this region's entire
// worker count at the moment of failure, since every one of them loses
// its traffic share when weights collapse to 5%.
func (c *Controller) onEnterFailover(ctx context.Context, prev State, rh health.RegionHealth) error {
	targets := c.failoverTargets(ctx)
	reason := "healthy_ratio " + strconv.FormatFloat(rh.HealthyRatio, 'f', 2, 64) + " breached failover threshold"

	if err := c.store.PutMetricPoint(ctx, &types.MetricPoint{
		MetricName:      "failover_event",
		TimestampMinute: time.Now().Unix(),
		Region:          c.region,
		Value:           float64(rh.Total),
		Unit:            "instances",
		Dimensions: map[string]string{
			"from":    string(prev),
			"to":      string(c.state),
			"reason":  reason,
			"targets": strings.Join(targets, ","),
		},
	}); err != nil {
		return err
	}

	if len(targets) == 0 {
		return nil
	}

	grow := rh.Total / len(targets)
	for _, region := range targets {
		if err := c.store.PutScaleRequest(ctx, &types.ScaleRequest{
			Region:       region,
			AddInstances: grow,
			Reason:       "failover from " + c.region,
			RequestedAt:  time.Now().Unix(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func hasAvailable(workers []*types.Worker) bool {
	for _, w := range workers {
		if w.State == types.WorkerAvailable {
			return true
		}
	}
	return false
}

// Run blocks, ticking every interval with a RegionHealth recomputed
// from stored RoutingState rows, until ctx is cancelled. recompute is
// injected rather than imported directly so tests can feed a synthetic
// RegionHealth without a live Health Monitor cycle.
func (c *Controller) Run(ctx context.Context, interval time.Duration, recompute func(context.Context) (health.RegionHealth, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rh, err := recompute(ctx)
		if err != nil {
			log.WithRegion(c.region).Error().Err(err).Msg("failed to recompute region health")
		} else if err := c.Tick(ctx, rh); err != nil {
			log.WithRegion(c.region).Error().Err(err).Msg("failed to apply traffic-dial weights, retrying next tick")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
