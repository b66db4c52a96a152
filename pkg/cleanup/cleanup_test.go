package cleanup

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

func newTestRecorder(t *testing.T) (*Recorder, *registry.Registry, storage.Store) {
	s, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "mrgc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	reg := registry.New(s)
	return New(s, reg), reg, s
}

func TestRecordValidationPassed(t *testing.T) {
	r, reg, s := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterInstance(ctx, &types.Worker{InstanceID: "w-1", Region: "us-east", ModelPool: "pool-a"}))
	require.NoError(t, reg.Transition(ctx, "w-1", types.WorkerAvailable))

	require.NoError(t, r.RecordValidation(ctx, Validation{
		InstanceID: "w-1", MemoryWiped: true, GPUReset: true, FilesystemClean: true, IntegrityCheck: true,
	}))

	w, err := s.GetWorker(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerAvailable, w.State)
}

func TestRecordValidationFailedQuarantines(t *testing.T) {
	r, reg, s := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterInstance(ctx, &types.Worker{InstanceID: "w-1", Region: "us-east", ModelPool: "pool-a"}))
	require.NoError(t, reg.Transition(ctx, "w-1", types.WorkerAvailable))

	require.NoError(t, r.RecordValidation(ctx, Validation{
		InstanceID: "w-1", MemoryWiped: true, GPUReset: false, FilesystemClean: true, IntegrityCheck: true,
		QuarantineReason: "gpu reset failed",
	}))

	w, err := s.GetWorker(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerQuarantined, w.State)

	failed, err := r.FailedSince(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "w-1", failed[0].InstanceID)
}
