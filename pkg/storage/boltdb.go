package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jbwitnessAI/mrgc/pkg/types"
)

var (
	bucketWorkers         = []byte("workers")
	bucketRoutingStates   = []byte("routing_states")
	bucketScalingDecision = []byte("scaling_decisions")
	bucketCleanupAudits   = []byte("cleanup_audits")
	bucketMetricPoints    = []byte("metric_points")
	bucketScalingStates   = []byte("scaling_states")
	bucketScaleRequests   = []byte("scale_requests")

	allBuckets = [][]byte{
		bucketWorkers, bucketRoutingStates, bucketScalingDecision,
		bucketCleanupAudits, bucketMetricPoints, bucketScalingStates,
		bucketScaleRequests,
	}
)

// envelope wraps a stored row with its absolute expiry so a single
// background sweep can evict any table without per-table bookkeeping.
type envelope struct {
	ExpiresAt time.Time       `json:"expires_at"`
	Data      json.RawMessage `json:"data"`
}

// BoltStore implements Store on an embedded BoltDB file, for single
// node deployments and tests. TTL is not native to BoltDB, so expiry
// is enforced lazily on read and by a periodic sweep goroutine,
// mirroring the teacher's bucket-per-table layout in boltdb.go.
type BoltStore struct {
	db        *bolt.DB
	stopSweep chan struct{}
}

// NewBoltStore opens (creating if necessary) a BoltDB file at path and
// starts its TTL sweep goroutine.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{db: db, stopSweep: make(chan struct{})}
	go s.sweepLoop()
	return s, nil
}

func (s *BoltStore) Close() error {
	close(s.stopSweep)
	return s.db.Close()
}

func (s *BoltStore) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *BoltStore) sweepExpired() {
	now := time.Now()
	_ = s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			b := tx.Bucket(bucket)
			var expired [][]byte
			err := b.ForEach(func(k, v []byte) error {
				var env envelope
				if err := json.Unmarshal(v, &env); err != nil {
					return nil
				}
				if now.After(env.ExpiresAt) {
					expired = append(expired, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range expired {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func putEnvelope(tx *bolt.Tx, bucket []byte, key string, data []byte, ttl time.Duration) error {
	env := envelope{ExpiresAt: time.Now().Add(ttl), Data: data}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), raw)
}

// getEnvelope returns ErrNotFound both when the key is absent and when
// its envelope has expired, so callers never observe stale rows
// between sweeps.
func getEnvelope(tx *bolt.Tx, bucket []byte, key string) ([]byte, error) {
	raw := tx.Bucket(bucket).Get([]byte(key))
	if raw == nil {
		return nil, ErrNotFound
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if time.Now().After(env.ExpiresAt) {
		return nil, ErrNotFound
	}
	return env.Data, nil
}

func forEachLive(tx *bolt.Tx, bucket []byte, fn func(key string, data []byte) error) error {
	now := time.Now()
	return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
		var env envelope
		if err := json.Unmarshal(v, &env); err != nil {
			return nil
		}
		if now.After(env.ExpiresAt) {
			return nil
		}
		return fn(string(k), env.Data)
	})
}

// --- Worker ---

func (s *BoltStore) PutWorker(ctx context.Context, w *types.Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putEnvelope(tx, bucketWorkers, w.InstanceID, data, types.WorkerTTL)
	})
}

func (s *BoltStore) GetWorker(ctx context.Context, instanceID string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		data, err := getEnvelope(tx, bucketWorkers, instanceID)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) ListWorkersByRegion(ctx context.Context, region string) ([]*types.Worker, error) {
	var out []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachLive(tx, bucketWorkers, func(_ string, data []byte) error {
			var w types.Worker
			if err := json.Unmarshal(data, &w); err != nil {
				return err
			}
			if w.Region == region {
				out = append(out, &w)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteWorker(ctx context.Context, instanceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete([]byte(instanceID))
	})
}

// --- RoutingState ---

func (s *BoltStore) PutRoutingState(ctx context.Context, rs *types.RoutingState) error {
	data, err := json.Marshal(rs)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putEnvelope(tx, bucketRoutingStates, rs.InstanceID, data, types.RoutingStateTTL)
	})
}

func (s *BoltStore) GetRoutingState(ctx context.Context, instanceID string) (*types.RoutingState, error) {
	var rs types.RoutingState
	err := s.db.View(func(tx *bolt.Tx) error {
		data, err := getEnvelope(tx, bucketRoutingStates, instanceID)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &rs)
	})
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

func (s *BoltStore) TopRoutingStates(ctx context.Context, region string, limit int) ([]*types.RoutingState, error) {
	var out []*types.RoutingState
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachLive(tx, bucketRoutingStates, func(_ string, data []byte) error {
			var rs types.RoutingState
			if err := json.Unmarshal(data, &rs); err != nil {
				return err
			}
			if rs.Region == region {
				out = append(out, &rs)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoutingScore > out[j].RoutingScore })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *BoltStore) DeleteRoutingState(ctx context.Context, instanceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoutingStates).Delete([]byte(instanceID))
	})
}

// --- ScalingDecision ---

func (s *BoltStore) PutScalingDecision(ctx context.Context, d *types.ScalingDecision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s:%d", d.ModelPool, d.Timestamp)
	return s.db.Update(func(tx *bolt.Tx) error {
		return putEnvelope(tx, bucketScalingDecision, key, data, types.ScalingDecisionTTL)
	})
}

func (s *BoltStore) ListScalingDecisions(ctx context.Context, modelPool string, since time.Time) ([]*types.ScalingDecision, error) {
	var out []*types.ScalingDecision
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachLive(tx, bucketScalingDecision, func(key string, data []byte) error {
			if !strings.HasPrefix(key, modelPool+":") {
				return nil
			}
			var d types.ScalingDecision
			if err := json.Unmarshal(data, &d); err != nil {
				return err
			}
			if d.Timestamp >= since.Unix() {
				out = append(out, &d)
			}
			return nil
		})
	})
	return out, err
}

// --- CleanupAudit ---

func (s *BoltStore) PutCleanupAudit(ctx context.Context, a *types.CleanupAudit) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s:%d", a.InstanceID, a.ValidationTimestamp)
	return s.db.Update(func(tx *bolt.Tx) error {
		return putEnvelope(tx, bucketCleanupAudits, key, data, types.CleanupAuditTTL)
	})
}

func (s *BoltStore) ListCleanupAudits(ctx context.Context, status types.ValidationStatus) ([]*types.CleanupAudit, error) {
	var out []*types.CleanupAudit
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachLive(tx, bucketCleanupAudits, func(_ string, data []byte) error {
			var a types.CleanupAudit
			if err := json.Unmarshal(data, &a); err != nil {
				return err
			}
			if a.Status == status {
				out = append(out, &a)
			}
			return nil
		})
	})
	return out, err
}

// --- MetricPoint ---

func (s *BoltStore) PutMetricPoint(ctx context.Context, p *types.MetricPoint) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s:%d", p.MetricName, p.TimestampMinute)
	return s.db.Update(func(tx *bolt.Tx) error {
		return putEnvelope(tx, bucketMetricPoints, key, data, types.MetricPointTTL)
	})
}

func (s *BoltStore) ListMetricPoints(ctx context.Context, metricName, region string, since time.Time) ([]*types.MetricPoint, error) {
	var out []*types.MetricPoint
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachLive(tx, bucketMetricPoints, func(key string, data []byte) error {
			if !strings.HasPrefix(key, metricName+":") {
				return nil
			}
			var p types.MetricPoint
			if err := json.Unmarshal(data, &p); err != nil {
				return err
			}
			if p.Region == region && p.TimestampMinute >= since.Unix() {
				out = append(out, &p)
			}
			return nil
		})
	})
	return out, err
}

// --- ScalingState ---

func scalingStateKey(modelPool, region string) string { return modelPool + ":" + region }

func (s *BoltStore) GetScalingState(ctx context.Context, modelPool, region string) (*types.ScalingState, error) {
	var st types.ScalingState
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketScalingStates).Get([]byte(scalingStateKey(modelPool, region)))
		if raw == nil {
			st = types.ScalingState{ModelPool: modelPool, Region: region}
			return nil
		}
		return json.Unmarshal(raw, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// --- ScaleRequest ---

func (s *BoltStore) PutScaleRequest(ctx context.Context, r *types.ScaleRequest) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putEnvelope(tx, bucketScaleRequests, r.Region, data, types.ScaleRequestTTL)
	})
}

func (s *BoltStore) GetScaleRequest(ctx context.Context, region string) (*types.ScaleRequest, error) {
	var r types.ScaleRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		data, err := getEnvelope(tx, bucketScaleRequests, region)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) DeleteScaleRequest(ctx context.Context, region string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScaleRequests).Delete([]byte(region))
	})
}

func (s *BoltStore) TryRecordScaleAction(ctx context.Context, expectedLast time.Time, next *types.ScalingState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScalingStates)
		key := []byte(scalingStateKey(next.ModelPool, next.Region))
		raw := b.Get(key)
		if raw != nil {
			var current types.ScalingState
			if err := json.Unmarshal(raw, &current); err != nil {
				return err
			}
			if !current.LastScaleTime.Equal(expectedLast) {
				return ErrConflict
			}
		} else if !expectedLast.IsZero() {
			return ErrConflict
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}
