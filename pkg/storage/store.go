/*
Package storage is the replicated key-value substrate every mrgc
control loop reads and writes. It holds five audited tables (Worker,
RoutingState, ScalingDecision, CleanupAudit, MetricPoint) plus the
unaudited ScalingState control row, each with the TTL pkg/types
assigns it. Two backends implement the same Store interface: Redis
(pkg/storage/redis.go) for production, where sorted sets give a native
score-ordered secondary index, and BoltDB (pkg/storage/boltdb.go) for
single-node or development use, adapted from the bucket-per-table
layout of the teacher's embedded store.

Callers discriminate errors by sentinel, never by type switch: a
lookup miss is always ErrNotFound, a failed compare-and-set is always
ErrConflict, and IsTransient distinguishes a retryable backend hiccup
from a terminal one, per the ok/transient/terminal error design.
*/
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jbwitnessAI/mrgc/pkg/config"
	"github.com/jbwitnessAI/mrgc/pkg/types"
)

// ErrNotFound is returned when a lookup by key finds no row.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a compare-and-set precondition fails.
var ErrConflict = errors.New("storage: conflict")

// transientError wraps a backend error known to be safe to retry.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable by the caller's control loop.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable by Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Store is the KV substrate every mrgc component depends on. Every
// operation takes a context and honors its deadline; operations
// default to a 5 s timeout when the caller sets none.
type Store interface {
	PutWorker(ctx context.Context, w *types.Worker) error
	GetWorker(ctx context.Context, instanceID string) (*types.Worker, error)
	ListWorkersByRegion(ctx context.Context, region string) ([]*types.Worker, error)
	DeleteWorker(ctx context.Context, instanceID string) error

	PutRoutingState(ctx context.Context, rs *types.RoutingState) error
	GetRoutingState(ctx context.Context, instanceID string) (*types.RoutingState, error)
	// TopRoutingStates returns up to limit RoutingState rows for region,
	// ordered by RoutingScore descending.
	TopRoutingStates(ctx context.Context, region string, limit int) ([]*types.RoutingState, error)
	DeleteRoutingState(ctx context.Context, instanceID string) error

	PutScalingDecision(ctx context.Context, d *types.ScalingDecision) error
	ListScalingDecisions(ctx context.Context, modelPool string, since time.Time) ([]*types.ScalingDecision, error)

	PutCleanupAudit(ctx context.Context, a *types.CleanupAudit) error
	ListCleanupAudits(ctx context.Context, status types.ValidationStatus) ([]*types.CleanupAudit, error)

	PutMetricPoint(ctx context.Context, p *types.MetricPoint) error
	ListMetricPoints(ctx context.Context, metricName, region string, since time.Time) ([]*types.MetricPoint, error)

	GetScalingState(ctx context.Context, modelPool, region string) (*types.ScalingState, error)
	// TryRecordScaleAction persists next atomically only if the stored
	// LastScaleTime still equals expectedLast — the compare-and-set
	// soft idempotency barrier the Autoscaler uses to tolerate two
	// racing processes both deciding to act on the same tick.
	TryRecordScaleAction(ctx context.Context, expectedLast time.Time, next *types.ScalingState) error

	// PutScaleRequest records a pending cross-region grow request from
	// the Failover Controller, one per region (a newer request
	// overwrites an unconsumed older one).
	PutScaleRequest(ctx context.Context, r *types.ScaleRequest) error
	// GetScaleRequest returns the pending grow request for region, or
	// ErrNotFound if none is outstanding.
	GetScaleRequest(ctx context.Context, region string) (*types.ScaleRequest, error)
	DeleteScaleRequest(ctx context.Context, region string) error

	Close() error
}

// defaultKVTimeout bounds any Store operation the caller leaves
// un-deadlined.
const defaultKVTimeout = 5 * time.Second

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultKVTimeout)
}

// New constructs the Store selected by cfg.Backend.
func New(cfg *config.Config) (Store, error) {
	switch cfg.Backend {
	case config.BackendBolt:
		return NewBoltStore(cfg.Bolt.Path)
	default:
		return NewRedisStore(cfg.Redis, cfg.TablePrefix)
	}
}
