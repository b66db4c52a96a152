package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbwitnessAI/mrgc/pkg/types"
)

func newBoltStoreAt(t *testing.T, path string) *BoltStore {
	s, err := NewBoltStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestBoltStore(t *testing.T) Store {
	return newBoltStoreAt(t, filepath.Join(t.TempDir(), "mrgc.db"))
}

func TestBoltStore(t *testing.T) {
	runStoreSuite(t, newTestBoltStore(t))
}

// TestBoltStoreSweepExpiresRows backdates a worker's envelope directly
// and checks the background sweep removes it rather than relying on
// the 1-minute ticker.
func TestBoltStoreSweepExpiresRows(t *testing.T) {
	s := newBoltStoreAt(t, filepath.Join(t.TempDir(), "mrgc.db"))
	ctx := context.Background()

	require.NoError(t, s.PutWorker(ctx, &types.Worker{InstanceID: "w-1", Region: "us-east", ModelPool: "pool"}))

	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		raw := b.Get([]byte("w-1"))
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
		env.ExpiresAt = time.Now().Add(-time.Second)
		backdated, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return b.Put([]byte("w-1"), backdated)
	}))

	_, err := s.GetWorker(ctx, "w-1")
	assert.ErrorIs(t, err, ErrNotFound, "expired envelope must read as not found even before the sweep runs")

	s.sweepExpired()

	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketWorkers).Get([]byte("w-1"))
		assert.Nil(t, raw, "sweep should have deleted the expired key")
		return nil
	})
	require.NoError(t, err)
}

