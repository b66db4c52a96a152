package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbwitnessAI/mrgc/pkg/storage"
	"github.com/jbwitnessAI/mrgc/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, storage.Store) {
	s, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "mrgc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s), s
}

func TestScoreFormula(t *testing.T) {
	// queue_score=100, latency_score=100, health=100 -> 50+30+20=100
	assert.Equal(t, 100, Score(0, 0, types.HealthHealthy))

	// queue_depth=10 -> queue_score=0; latency=1000ms -> latency_score=0;
	// unhealthy -> health_score=0: everything floors to 0.
	assert.Equal(t, 0, Score(10, 1000, types.HealthUnhealthy))

	// queue_depth=5 -> queue_score=50 -> term 25; latency=500 -> latency_score=50 -> term 15;
	// degraded -> health_score=50 -> term 10; total 50.
	assert.Equal(t, 50, Score(5, 500, types.HealthDegraded))

	// queue_depth beyond range clamps at 0, never negative.
	assert.Equal(t, 0, Score(50, 5000, types.HealthUnhealthy))
}

func TestRegisterInstanceConflict(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	w := &types.Worker{InstanceID: "w-1", Region: "us-east", ModelPool: "pool-a"}
	require.NoError(t, r.RegisterInstance(ctx, w))

	got, err := r.store.GetWorker(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerLaunching, got.State)

	err = r.RegisterInstance(ctx, &types.Worker{InstanceID: "w-1", Region: "us-east", ModelPool: "pool-a"})
	assert.ErrorIs(t, err, storage.ErrConflict)

	rs, err := r.store.GetRoutingState(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, initialRoutingScore, rs.RoutingScore)
}

func TestHeartbeatNeverMutatesState(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	w := &types.Worker{InstanceID: "w-1", Region: "us-east", ModelPool: "pool-a"}
	require.NoError(t, r.RegisterInstance(ctx, w))
	require.NoError(t, r.Transition(ctx, "w-1", types.WorkerAvailable))

	require.NoError(t, r.Heartbeat(ctx, "w-1", 3))

	got, err := r.store.GetWorker(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerAvailable, got.State)
	assert.EqualValues(t, 3, got.QueueDepth)
}

func TestUpdateRoutingStateWriteBackByOutcome(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	// Empty queue, tiny RTT: the composite alone would score this 90
	// for a degraded and 80 for an unhealthy outcome. §4.4 mandates fixed write-backs
	// instead, so a dead or degraded worker can never coast above
	// ScoreFloor on a cheap connect-refused probe.
	w := &types.Worker{InstanceID: "w-1", Region: "us-east", ModelPool: "pool-a", QueueDepth: 0}

	require.NoError(t, r.UpdateRoutingState(ctx, w, 1, types.HealthHealthy))
	rs, err := r.store.GetRoutingState(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, Score(0, 1, types.HealthHealthy), rs.RoutingScore)

	require.NoError(t, r.UpdateRoutingState(ctx, w, 1, types.HealthDegraded))
	rs, err = r.store.GetRoutingState(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, 50, rs.RoutingScore)

	require.NoError(t, r.UpdateRoutingState(ctx, w, 1, types.HealthUnhealthy))
	rs, err = r.store.GetRoutingState(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, 0, rs.RoutingScore)
}

func TestStaleDetection(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	fresh := &types.Worker{InstanceID: "fresh", Region: "us-east", ModelPool: "pool-a"}
	require.NoError(t, r.RegisterInstance(ctx, fresh))

	old := &types.Worker{InstanceID: "old", Region: "us-east", ModelPool: "pool-a", LastHeartbeat: 1}
	require.NoError(t, s.PutWorker(ctx, old))

	stale, err := r.Stale(ctx, "us-east", StaleTimeout)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, stale)
}
