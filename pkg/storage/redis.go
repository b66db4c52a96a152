package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jbwitnessAI/mrgc/pkg/config"
	"github.com/jbwitnessAI/mrgc/pkg/types"
)

// RedisStore implements Store against a single Redis instance. Each
// table is a prefix: a JSON blob per row under a string key carrying
// the table's native TTL, plus a set or sorted set per secondary index
// where one exists (a plain set for region-scoped worker lookups, sorted
// sets for score-ordered routing-state candidates and time-ordered rows).
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore dials addr and verifies connectivity before returning.
func NewRedisStore(cfg config.RedisConfig, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultKVTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) key(table, id string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, table, id)
}

func (s *RedisStore) regionIndexKey(table, region string) string {
	return fmt.Sprintf("%s:%s:by_region:%s", s.prefix, table, region)
}

func translateErr(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return Transient(fmt.Errorf("redis: %w", err))
	}
	return nil
}

// --- Worker ---

func (s *RedisStore) PutWorker(ctx context.Context, w *types.Worker) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal worker: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("worker", w.InstanceID), data, types.WorkerTTL)
	pipe.SAdd(ctx, s.regionIndexKey("worker", w.Region), w.InstanceID)
	pipe.Expire(ctx, s.regionIndexKey("worker", w.Region), types.WorkerTTL)
	_, err = pipe.Exec(ctx)
	return translateErr(err)
}

func (s *RedisStore) GetWorker(ctx context.Context, instanceID string) (*types.Worker, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.key("worker", instanceID)).Bytes()
	if err != nil {
		return nil, translateErr(err)
	}
	var w types.Worker
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal worker: %w", err)
	}
	return &w, nil
}

func (s *RedisStore) ListWorkersByRegion(ctx context.Context, region string) ([]*types.Worker, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	ids, err := s.client.SMembers(ctx, s.regionIndexKey("worker", region)).Result()
	if err != nil {
		return nil, translateErr(err)
	}

	var out []*types.Worker
	for _, id := range ids {
		w, err := s.GetWorker(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.client.SRem(ctx, s.regionIndexKey("worker", region), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *RedisStore) DeleteWorker(ctx context.Context, instanceID string) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	w, err := s.GetWorker(ctx, instanceID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key("worker", instanceID))
	pipe.SRem(ctx, s.regionIndexKey("worker", w.Region), instanceID)
	_, err = pipe.Exec(ctx)
	return translateErr(err)
}

// --- RoutingState ---

func (s *RedisStore) PutRoutingState(ctx context.Context, rs *types.RoutingState) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("marshal routing state: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("routing_state", rs.InstanceID), data, types.RoutingStateTTL)
	zkey := s.regionIndexKey("routing_state", rs.Region)
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(rs.RoutingScore), Member: rs.InstanceID})
	pipe.Expire(ctx, zkey, types.RoutingStateTTL)
	_, err = pipe.Exec(ctx)
	return translateErr(err)
}

func (s *RedisStore) GetRoutingState(ctx context.Context, instanceID string) (*types.RoutingState, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.key("routing_state", instanceID)).Bytes()
	if err != nil {
		return nil, translateErr(err)
	}
	var rs types.RoutingState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("unmarshal routing state: %w", err)
	}
	return &rs, nil
}

func (s *RedisStore) TopRoutingStates(ctx context.Context, region string, limit int) ([]*types.RoutingState, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	ids, err := s.client.ZRevRange(ctx, s.regionIndexKey("routing_state", region), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, translateErr(err)
	}

	var out []*types.RoutingState
	for _, id := range ids {
		rs, err := s.GetRoutingState(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.client.ZRem(ctx, s.regionIndexKey("routing_state", region), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, nil
}

func (s *RedisStore) DeleteRoutingState(ctx context.Context, instanceID string) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	rs, err := s.GetRoutingState(ctx, instanceID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key("routing_state", instanceID))
	pipe.ZRem(ctx, s.regionIndexKey("routing_state", rs.Region), instanceID)
	_, err = pipe.Exec(ctx)
	return translateErr(err)
}

// --- ScalingDecision (append-only, composite key model_pool:timestamp) ---

func (s *RedisStore) PutScalingDecision(ctx context.Context, d *types.ScalingDecision) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal scaling decision: %w", err)
	}
	id := fmt.Sprintf("%s:%d", d.ModelPool, d.Timestamp)
	zkey := s.regionIndexKey("scaling_decision", d.ModelPool)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("scaling_decision", id), data, types.ScalingDecisionTTL)
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(d.Timestamp), Member: id})
	pipe.Expire(ctx, zkey, types.ScalingDecisionTTL)
	_, err = pipe.Exec(ctx)
	return translateErr(err)
}

func (s *RedisStore) ListScalingDecisions(ctx context.Context, modelPool string, since time.Time) ([]*types.ScalingDecision, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	zkey := s.regionIndexKey("scaling_decision", modelPool)
	ids, err := s.client.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, translateErr(err)
	}

	var out []*types.ScalingDecision
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.key("scaling_decision", id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, translateErr(err)
		}
		var d types.ScalingDecision
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("unmarshal scaling decision: %w", err)
		}
		out = append(out, &d)
	}
	return out, nil
}

// --- CleanupAudit (composite key instance_id:validation_timestamp) ---

func (s *RedisStore) PutCleanupAudit(ctx context.Context, a *types.CleanupAudit) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal cleanup audit: %w", err)
	}
	id := fmt.Sprintf("%s:%d", a.InstanceID, a.ValidationTimestamp)
	zkey := s.regionIndexKey("cleanup_audit", string(a.Status))

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("cleanup_audit", id), data, types.CleanupAuditTTL)
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(a.ValidationTimestamp), Member: id})
	pipe.Expire(ctx, zkey, types.CleanupAuditTTL)
	_, err = pipe.Exec(ctx)
	return translateErr(err)
}

func (s *RedisStore) ListCleanupAudits(ctx context.Context, status types.ValidationStatus) ([]*types.CleanupAudit, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	zkey := s.regionIndexKey("cleanup_audit", string(status))
	ids, err := s.client.ZRevRange(ctx, zkey, 0, -1).Result()
	if err != nil {
		return nil, translateErr(err)
	}

	var out []*types.CleanupAudit
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.key("cleanup_audit", id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, translateErr(err)
		}
		var a types.CleanupAudit
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal cleanup audit: %w", err)
		}
		out = append(out, &a)
	}
	return out, nil
}

// --- MetricPoint (composite key metric_name:timestamp_minute) ---

func (s *RedisStore) PutMetricPoint(ctx context.Context, p *types.MetricPoint) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal metric point: %w", err)
	}
	id := fmt.Sprintf("%s:%d", p.MetricName, p.TimestampMinute)
	zkey := s.regionIndexKey("metric_point", p.Region+":"+p.MetricName)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("metric_point", id), data, types.MetricPointTTL)
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(p.TimestampMinute), Member: id})
	pipe.Expire(ctx, zkey, types.MetricPointTTL)
	_, err = pipe.Exec(ctx)
	return translateErr(err)
}

func (s *RedisStore) ListMetricPoints(ctx context.Context, metricName, region string, since time.Time) ([]*types.MetricPoint, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	zkey := s.regionIndexKey("metric_point", region+":"+metricName)
	ids, err := s.client.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, translateErr(err)
	}

	var out []*types.MetricPoint
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.key("metric_point", id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, translateErr(err)
		}
		var p types.MetricPoint
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal metric point: %w", err)
		}
		out = append(out, &p)
	}
	return out, nil
}

// --- ScalingState (mutable control row, composite key model_pool:region) ---

func (s *RedisStore) scalingStateKey(modelPool, region string) string {
	return s.key("scaling_state", modelPool+":"+region)
}

func (s *RedisStore) GetScalingState(ctx context.Context, modelPool, region string) (*types.ScalingState, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.scalingStateKey(modelPool, region)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &types.ScalingState{ModelPool: modelPool, Region: region}, nil
	}
	if err != nil {
		return nil, translateErr(err)
	}
	var st types.ScalingState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal scaling state: %w", err)
	}
	return &st, nil
}

// scalingStateCAS is the Lua script backing TryRecordScaleAction: it
// reads the current LastScaleTime from the stored JSON blob (treated
// as opaque by Redis) and only overwrites when it matches the caller's
// expectation, making the read-compare-write atomic.
var scalingStateCAS = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
    local ok, decoded = pcall(cjson.decode, current)
    if ok and decoded.last_scale_time ~= ARGV[1] then
        return 0
    end
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// --- ScaleRequest (mutable control row, one pending per region) ---

func (s *RedisStore) scaleRequestKey(region string) string {
	return s.key("scale_request", region)
}

func (s *RedisStore) PutScaleRequest(ctx context.Context, r *types.ScaleRequest) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal scale request: %w", err)
	}
	err = s.client.Set(ctx, s.scaleRequestKey(r.Region), data, types.ScaleRequestTTL).Err()
	return translateErr(err)
}

func (s *RedisStore) GetScaleRequest(ctx context.Context, region string) (*types.ScaleRequest, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.scaleRequestKey(region)).Bytes()
	if err != nil {
		return nil, translateErr(err)
	}
	var r types.ScaleRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal scale request: %w", err)
	}
	return &r, nil
}

func (s *RedisStore) DeleteScaleRequest(ctx context.Context, region string) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	err := s.client.Del(ctx, s.scaleRequestKey(region)).Err()
	return translateErr(err)
}

func (s *RedisStore) TryRecordScaleAction(ctx context.Context, expectedLast time.Time, next *types.ScalingState) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal scaling state: %w", err)
	}

	key := s.scalingStateKey(next.ModelPool, next.Region)
	res, err := scalingStateCAS.Run(ctx, s.client, []string{key}, expectedLast.Format(time.RFC3339Nano), data).Int()
	if err != nil {
		return translateErr(err)
	}
	if res == 0 {
		return ErrConflict
	}
	return nil
}
