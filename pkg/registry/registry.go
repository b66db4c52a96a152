/*
Package registry implements the Instance Registry (C3): high-level
CRUD over workers layered on pkg/storage (C1), the routing score
formula, lifecycle transitions, and staleness detection. It is the
only component that computes routing_score from raw signals; the
Health Monitor (pkg/health) calls into it rather than recomputing the
formula itself.
*/
package registry

import (
	"context"
	"time"

	"github.com/jbwitnessAI/mrgc/pkg/events"
	"github.com/jbwitnessAI/mrgc/pkg/storage"
	"github.com/jbwitnessAI/mrgc/pkg/types"
)

// initialRoutingScore is deliberately low so a newly registered worker
// does not immediately absorb heavy traffic before it has warmed up.
const initialRoutingScore = 10

// StaleTimeout is the default window Stale uses against last_heartbeat
// when the caller passes a zero or negative timeout.
const StaleTimeout = 60 * time.Second

// Registry is the Instance Registry (C3).
type Registry struct {
	store  storage.Store
	broker *events.Broker
}

// New constructs a Registry over store.
func New(store storage.Store) *Registry {
	return &Registry{store: store}
}

// SetBroker attaches an optional event broker; lifecycle events
// (registration, quarantine, deregistration) are published on it.
func (r *Registry) SetBroker(b *events.Broker) {
	r.broker = b
}

// Score computes the composite routing score from raw signals per the
// formula in §4.3: each weighted term is floored before summation, so
// the result is deterministic and reproducible from (queue, latency,
// health) alone — the P8 round-trip property this function exists to
// satisfy.
func Score(queueDepth uint, avgLatencyMs int, health types.HealthStatus) int {
	queueScore := clamp(100 - int(queueDepth)*10)
	latencyScore := clamp(100 - avgLatencyMs/10)
	healthScore := healthScore(health)

	term1 := (50 * queueScore) / 100
	term2 := (30 * latencyScore) / 100
	term3 := (20 * healthScore) / 100

	return term1 + term2 + term3
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func healthScore(h types.HealthStatus) int {
	switch h {
	case types.HealthHealthy:
		return 100
	case types.HealthDegraded:
		return 50
	default:
		return 0
	}
}

// RegisterInstance creates a new Worker row. Per P6, registering an
// id that already exists returns ErrConflict and leaves the existing
// row untouched.
func (r *Registry) RegisterInstance(ctx context.Context, w *types.Worker) error {
	if err := w.Validate(); err != nil {
		return err
	}
	switch _, err := r.store.GetWorker(ctx, w.InstanceID); {
	case err == nil:
		return storage.ErrConflict
	case err == storage.ErrNotFound:
		// not registered yet, proceed
	default:
		return err
	}

	w.State = types.WorkerLaunching
	if w.LaunchTime == 0 {
		w.LaunchTime = time.Now().Unix()
	}
	w.LastHeartbeat = time.Now().Unix()
	if err := r.store.PutWorker(ctx, w); err != nil {
		return err
	}

	if err := r.store.PutRoutingState(ctx, &types.RoutingState{
		InstanceID:   w.InstanceID,
		Region:       w.Region,
		RoutingScore: initialRoutingScore,
		QueueDepth:   w.QueueDepth,
		HealthStatus: types.HealthDegraded,
		SubnetCIDR:   w.SubnetCIDR,
		LastUpdated:  time.Now().Unix(),
	}); err != nil {
		return err
	}

	r.broker.Publish(&events.Event{
		Type:    events.EventWorkerRegistered,
		Region:  w.Region,
		Message: w.InstanceID,
	})
	return nil
}

// Heartbeat updates last_heartbeat and queue_depth without touching
// state, per P7.
func (r *Registry) Heartbeat(ctx context.Context, instanceID string, queueDepth uint) error {
	w, err := r.store.GetWorker(ctx, instanceID)
	if err != nil {
		return err
	}
	w.LastHeartbeat = time.Now().Unix()
	w.QueueDepth = queueDepth
	return r.store.PutWorker(ctx, w)
}

// Transition moves a worker to a new lifecycle state.
func (r *Registry) Transition(ctx context.Context, instanceID string, next types.WorkerState) error {
	w, err := r.store.GetWorker(ctx, instanceID)
	if err != nil {
		return err
	}
	w.State = next
	if err := r.store.PutWorker(ctx, w); err != nil {
		return err
	}
	if next == types.WorkerQuarantined {
		r.broker.Publish(&events.Event{
			Type:    events.EventWorkerQuarantined,
			Region:  w.Region,
			Message: instanceID,
		})
	}
	return nil
}

// ListByRegion returns every worker registered in region.
func (r *Registry) ListByRegion(ctx context.Context, region string) ([]*types.Worker, error) {
	return r.store.ListWorkersByRegion(ctx, region)
}

// UpdateRoutingState recomputes and persists a worker's RoutingState
// from fresh probe signals. Called by the Health Monitor once per
// probe cycle per instance. Per §4.4 step 4, only a healthy outcome
// uses the composite score from Score; degraded and unhealthy write
// fixed scores (50, 0) so a dead or degraded worker cannot coast above
// ScoreFloor on a low queue depth or fast connect-refused RTT.
func (r *Registry) UpdateRoutingState(ctx context.Context, w *types.Worker, avgLatencyMs int, health types.HealthStatus) error {
	var score int
	switch health {
	case types.HealthHealthy:
		score = Score(w.QueueDepth, avgLatencyMs, health)
	case types.HealthDegraded:
		score = 50
	default:
		score = 0
	}
	return r.store.PutRoutingState(ctx, &types.RoutingState{
		InstanceID:   w.InstanceID,
		Region:       w.Region,
		RoutingScore: score,
		QueueDepth:   w.QueueDepth,
		AvgLatencyMs: avgLatencyMs,
		HealthStatus: health,
		SubnetCIDR:   w.SubnetCIDR,
		LastUpdated:  time.Now().Unix(),
	})
}

// Stale returns the instance_ids of every worker in region whose
// last_heartbeat is older than timeout. The caller decides what to do
// with them (drain, quarantine) — this function only detects.
func (r *Registry) Stale(ctx context.Context, region string, timeout time.Duration) ([]string, error) {
	workers, err := r.store.ListWorkersByRegion(ctx, region)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = StaleTimeout
	}
	cutoff := time.Now().Add(-timeout).Unix()
	var stale []string
	for _, w := range workers {
		if w.LastHeartbeat < cutoff {
			stale = append(stale, w.InstanceID)
		}
	}
	return stale, nil
}

// Deregister removes a worker and its routing state entirely.
func (r *Registry) Deregister(ctx context.Context, instanceID string) error {
	if err := r.store.DeleteWorker(ctx, instanceID); err != nil {
		return err
	}
	if err := r.store.DeleteRoutingState(ctx, instanceID); err != nil {
		return err
	}
	r.broker.Publish(&events.Event{Type: events.EventWorkerDeregistered, Message: instanceID})
	return nil
}
