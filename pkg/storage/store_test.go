package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbwitnessAI/mrgc/pkg/types"
)

// runStoreSuite exercises the Store contract against any backend, so
// RedisStore and BoltStore are held to the same behavior.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("worker round trip", func(t *testing.T) {
		w := &types.Worker{InstanceID: "w-1", Region: "us-east", ModelPool: "llama-70b", State: types.WorkerAvailable}
		require.NoError(t, s.PutWorker(ctx, w))

		got, err := s.GetWorker(ctx, "w-1")
		require.NoError(t, err)
		assert.Equal(t, w.Region, got.Region)

		_, err = s.GetWorker(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		list, err := s.ListWorkersByRegion(ctx, "us-east")
		require.NoError(t, err)
		assert.Len(t, list, 1)

		require.NoError(t, s.DeleteWorker(ctx, "w-1"))
		_, err = s.GetWorker(ctx, "w-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("routing state ordered by score", func(t *testing.T) {
		rs1 := &types.RoutingState{InstanceID: "r-1", Region: "eu-west", RoutingScore: 80}
		rs2 := &types.RoutingState{InstanceID: "r-2", Region: "eu-west", RoutingScore: 95}
		rs3 := &types.RoutingState{InstanceID: "r-3", Region: "eu-west", RoutingScore: 10}
		require.NoError(t, s.PutRoutingState(ctx, rs1))
		require.NoError(t, s.PutRoutingState(ctx, rs2))
		require.NoError(t, s.PutRoutingState(ctx, rs3))

		top, err := s.TopRoutingStates(ctx, "eu-west", 2)
		require.NoError(t, err)
		require.Len(t, top, 2)
		assert.Equal(t, "r-2", top[0].InstanceID)
		assert.Equal(t, "r-1", top[1].InstanceID)
	})

	t.Run("scaling decisions filtered by time", func(t *testing.T) {
		now := time.Now()
		old := &types.ScalingDecision{ModelPool: "pool-a", Timestamp: now.Add(-2 * time.Hour).Unix(), Action: types.ScaleNone}
		recent := &types.ScalingDecision{ModelPool: "pool-a", Timestamp: now.Unix(), Action: types.ScaleUp}
		require.NoError(t, s.PutScalingDecision(ctx, old))
		require.NoError(t, s.PutScalingDecision(ctx, recent))

		decisions, err := s.ListScalingDecisions(ctx, "pool-a", now.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, decisions, 1)
		assert.Equal(t, types.ScaleUp, decisions[0].Action)
	})

	t.Run("cleanup audits by status", func(t *testing.T) {
		passed := &types.CleanupAudit{InstanceID: "c-1", ValidationTimestamp: time.Now().Unix(), Status: types.ValidationPassed}
		failed := &types.CleanupAudit{InstanceID: "c-2", ValidationTimestamp: time.Now().Unix(), Status: types.ValidationFailed}
		require.NoError(t, s.PutCleanupAudit(ctx, passed))
		require.NoError(t, s.PutCleanupAudit(ctx, failed))

		list, err := s.ListCleanupAudits(ctx, types.ValidationFailed)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "c-2", list[0].InstanceID)
	})

	t.Run("metric points scoped by region and metric", func(t *testing.T) {
		now := time.Now()
		p := &types.MetricPoint{MetricName: "queue_depth", Region: "us-east", TimestampMinute: now.Unix(), Value: 3}
		require.NoError(t, s.PutMetricPoint(ctx, p))

		points, err := s.ListMetricPoints(ctx, "queue_depth", "us-east", now.Add(-time.Minute))
		require.NoError(t, err)
		require.Len(t, points, 1)
		assert.Equal(t, 3.0, points[0].Value)

		none, err := s.ListMetricPoints(ctx, "queue_depth", "ap-south", now.Add(-time.Minute))
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("scaling state compare-and-set", func(t *testing.T) {
		st, err := s.GetScalingState(ctx, "pool-b", "us-east")
		require.NoError(t, err)
		assert.True(t, st.LastScaleTime.IsZero())

		next := &types.ScalingState{ModelPool: "pool-b", Region: "us-east", CurrentCapacity: 4, LastScaleTime: time.Now()}
		require.NoError(t, s.TryRecordScaleAction(ctx, time.Time{}, next))

		got, err := s.GetScalingState(ctx, "pool-b", "us-east")
		require.NoError(t, err)
		assert.Equal(t, 4, got.CurrentCapacity)

		// stale expectedLast must be rejected
		stale := &types.ScalingState{ModelPool: "pool-b", Region: "us-east", CurrentCapacity: 5, LastScaleTime: time.Now()}
		err = s.TryRecordScaleAction(ctx, time.Time{}, stale)
		assert.ErrorIs(t, err, ErrConflict)

		// correct expectedLast succeeds
		require.NoError(t, s.TryRecordScaleAction(ctx, next.LastScaleTime, stale))
	})

	t.Run("scale request round trip", func(t *testing.T) {
		_, err := s.GetScaleRequest(ctx, "eu-west")
		assert.ErrorIs(t, err, ErrNotFound)

		req := &types.ScaleRequest{Region: "eu-west", AddInstances: 5, Reason: "failover from us-east", RequestedAt: time.Now().Unix()}
		require.NoError(t, s.PutScaleRequest(ctx, req))

		got, err := s.GetScaleRequest(ctx, "eu-west")
		require.NoError(t, err)
		assert.Equal(t, 5, got.AddInstances)

		require.NoError(t, s.DeleteScaleRequest(ctx, "eu-west"))
		_, err = s.GetScaleRequest(ctx, "eu-west")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
