package failover

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbwitnessAI/mrgc/pkg/config"
	"github.com/jbwitnessAI/mrgc/pkg/health"
	"github.com/jbwitnessAI/mrgc/pkg/storage"
	"github.com/jbwitnessAI/mrgc/pkg/trafficdirector"
	"github.com/jbwitnessAI/mrgc/pkg/types"
)

func testCfg() config.FailoverConfig {
	return config.FailoverConfig{DegradedThreshold: 0.50, FailoverThreshold: 0.30, RecoveryThreshold: 0.80}
}

func TestNextStateTransitions(t *testing.T) {
	cfg := testCfg()

	assert.Equal(t, StateNormal, nextState(StateNormal, 0.90, cfg))
	assert.Equal(t, StateDegraded, nextState(StateNormal, 0.40, cfg))
	assert.Equal(t, StateFailover, nextState(StateDegraded, 0.20, cfg))
	assert.Equal(t, StateNormal, nextState(StateDegraded, 0.85, cfg))
	assert.Equal(t, StateDegraded, nextState(StateDegraded, 0.60, cfg)) // neither threshold crossed
	assert.Equal(t, StateRecovering, nextState(StateFailover, 0.85, cfg))
	assert.Equal(t, StateFailover, nextState(StateFailover, 0.20, cfg)) // stays until recovery ratio
	assert.Equal(t, StateNormal, nextState(StateRecovering, 0.90, cfg))
	assert.Equal(t, StateFailover, nextState(StateRecovering, 0.10, cfg))
}

func TestTickSetsWeightsOnEnteringFailover(t *testing.T) {
	s, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "mrgc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.PutWorker(ctx, &types.Worker{
		InstanceID: "w-1", Region: "us-west", ModelPool: "pool-a", State: types.WorkerAvailable,
	}))

	director := trafficdirector.NewLogDirector()
	c := New("us-east", s, director, testCfg(), []RegionPriority{
		{Region: "us-west", LatencyMs: 20, Priority: 1},
		{Region: "eu-west", LatencyMs: 100, Priority: 2},
	})

	require.NoError(t, c.Tick(ctx, health.RegionHealth{HealthyRatio: 0.90}))
	assert.Equal(t, StateNormal, c.State())

	require.NoError(t, c.Tick(ctx, health.RegionHealth{HealthyRatio: 0.40}))
	assert.Equal(t, StateDegraded, c.State())

	require.NoError(t, c.Tick(ctx, health.RegionHealth{HealthyRatio: 0.10}))
	assert.Equal(t, StateFailover, c.State())

	weights, err := director.GetWeights(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, weights["us-east"])
	assert.Equal(t, 80, weights["us-west"]) // only sibling with an available worker
	assert.NotEqual(t, 80, weights["eu-west"])
	assert.NotEqual(t, 15, weights["eu-west"])
}

func TestTickOnEnteringFailoverRecordsEventAndGrowRequest(t *testing.T) {
	s, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "mrgc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.PutWorker(ctx, &types.Worker{
		InstanceID: "w-1", Region: "us-west", ModelPool: "pool-a", State: types.WorkerAvailable,
	}))

	director := trafficdirector.NewLogDirector()
	c := New("us-east", s, director, testCfg(), []RegionPriority{
		{Region: "us-west", LatencyMs: 20, Priority: 1},
	})

	require.NoError(t, c.Tick(ctx, health.RegionHealth{HealthyRatio: 0.90, Total: 10}))
	require.NoError(t, c.Tick(ctx, health.RegionHealth{HealthyRatio: 0.40, Total: 10}))
	require.NoError(t, c.Tick(ctx, health.RegionHealth{HealthyRatio: 0.10, Total: 10}))
	require.Equal(t, StateFailover, c.State())

	points, err := s.ListMetricPoints(ctx, "failover_event", "us-east", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 10.0, points[0].Value)
	assert.Equal(t, "us-west", points[0].Dimensions["targets"])

	req, err := s.GetScaleRequest(ctx, "us-west")
	require.NoError(t, err)
	assert.Equal(t, 10, req.AddInstances) // 10 affected / 1 target region

	// a second tick staying in failover must not re-request capacity.
	require.NoError(t, s.DeleteScaleRequest(ctx, "us-west"))
	require.NoError(t, c.Tick(ctx, health.RegionHealth{HealthyRatio: 0.10, Total: 10}))
	_, err = s.GetScaleRequest(ctx, "us-west")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFailoverTargetsEmptyWhenNoSiblingHasCapacity(t *testing.T) {
	s, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "mrgc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	director := trafficdirector.NewLogDirector()
	c := New("us-east", s, director, testCfg(), []RegionPriority{{Region: "us-west"}})

	require.NoError(t, c.Tick(ctx, health.RegionHealth{HealthyRatio: 0.40}))
	require.NoError(t, c.Tick(ctx, health.RegionHealth{HealthyRatio: 0.10}))
	assert.Equal(t, StateFailover, c.State())
	assert.Empty(t, c.failoverTargets(ctx))
}
