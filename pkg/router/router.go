/*
Package router implements the Regional Router (C5): a stateless,
per-request dispatcher that picks the best available worker for a
model pool and forwards the encrypted inference payload to it.

The router keeps only a per-process candidate cache, refreshed from C1
every CacheRefresh interval; authoritative routing state always lives
in storage.Store. A connect-error demotion only ever touches this
process's cache, never the stored RoutingState — per §4.5, the next
refresh cycle picks the worker back up once Health Monitor's own probe
recovers it.
*/
package router

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jbwitnessAI/mrgc/pkg/config"
	"github.com/jbwitnessAI/mrgc/pkg/log"
	"github.com/jbwitnessAI/mrgc/pkg/metrics"
	"github.com/jbwitnessAI/mrgc/pkg/storage"
	"github.com/jbwitnessAI/mrgc/pkg/workerclient"
)

// ErrNoCapacity is returned when no candidate survives filtering for a
// model pool — the caller maps this to a 503.
var ErrNoCapacity = errors.New("router: no capacity")

// ErrUpstreamTimeout is returned when the sole forward attempt times
// out — per §4.5 step 5, the router does not retry a timeout, since
// the worker may be mid-inference.
var ErrUpstreamTimeout = errors.New("router: upstream timeout")

// Candidate is a dispatch-ready view of a worker, joined from
// RoutingState (score, queue, latency) and Worker (ip, model pool).
type Candidate struct {
	InstanceID   string
	IP           string
	ModelPool    string
	RoutingScore int
	QueueDepth   uint
	AvgLatencyMs int
	SubnetCIDR   string
}

// Router serves inference requests for one region.
type Router struct {
	region string
	store  storage.Store
	client *workerclient.Client
	cfg    config.RouterConfig

	mu         sync.RWMutex
	candidates []Candidate
	demoted    map[string]bool // instance_id -> demoted-to-zero for this process only
}

// New constructs a Router for region.
func New(region string, store storage.Store, client *workerclient.Client, cfg config.RouterConfig) *Router {
	return &Router{
		region:  region,
		store:   store,
		client:  client,
		cfg:     cfg,
		demoted: make(map[string]bool),
	}
}

// Run blocks, refreshing the candidate cache every CacheRefresh until
// ctx is cancelled. Callers typically run this in a goroutine alongside
// ServeHTTP.
func (r *Router) Run(ctx context.Context) {
	logger := log.WithRegion(r.region)
	if err := r.refresh(ctx); err != nil {
		logger.Error().Err(err).Msg("initial candidate cache refresh failed")
	}

	ticker := time.NewTicker(r.cfg.CacheRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.refresh(ctx); err != nil {
				logger.Error().Err(err).Msg("candidate cache refresh failed")
			}
			metrics.CandidateCacheRefreshes.WithLabelValues(r.region).Inc()
		}
	}
}

// refresh reads the top candidate pool by score and joins each
// RoutingState with its owning Worker for ip/model_pool.
func (r *Router) refresh(ctx context.Context) error {
	states, err := r.store.TopRoutingStates(ctx, r.region, r.cfg.CandidatePoolSize)
	if err != nil {
		return err
	}

	candidates := make([]Candidate, 0, len(states))
	for _, rs := range states {
		w, err := r.store.GetWorker(ctx, rs.InstanceID)
		if err != nil {
			continue // worker gone since the RoutingState row was read; skip it this cycle
		}
		candidates = append(candidates, Candidate{
			InstanceID:   rs.InstanceID,
			IP:           w.IPAddress,
			ModelPool:    w.ModelPool,
			RoutingScore: rs.RoutingScore,
			QueueDepth:   rs.QueueDepth,
			AvgLatencyMs: rs.AvgLatencyMs,
			SubnetCIDR:   rs.SubnetCIDR,
		})
	}

	r.mu.Lock()
	r.candidates = candidates
	r.demoted = make(map[string]bool)
	r.mu.Unlock()
	return nil
}

// candidatesFor returns the cached candidates for modelPool, filtered to
// routing_score > ScoreFloor and sorted per §4.5 step 3's tie-break
// chain: score desc, then queue_depth asc, avg_latency_ms asc,
// same-subnet affinity, then instance_id asc.
func (r *Router) candidatesFor(modelPool, subnetHint string) []Candidate {
	r.mu.RLock()
	all := make([]Candidate, len(r.candidates))
	copy(all, r.candidates)
	r.mu.RUnlock()

	out := all[:0]
	for _, c := range all {
		if c.ModelPool != modelPool {
			continue
		}
		if c.RoutingScore <= r.cfg.ScoreFloor {
			continue
		}
		if r.isDemoted(c.InstanceID) {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RoutingScore != b.RoutingScore {
			return a.RoutingScore > b.RoutingScore
		}
		if a.QueueDepth != b.QueueDepth {
			return a.QueueDepth < b.QueueDepth
		}
		if a.AvgLatencyMs != b.AvgLatencyMs {
			return a.AvgLatencyMs < b.AvgLatencyMs
		}
		aSame, bSame := a.SubnetCIDR == subnetHint, b.SubnetCIDR == subnetHint
		if aSame != bSame {
			return aSame
		}
		return a.InstanceID < b.InstanceID
	})
	return out
}

func (r *Router) isDemoted(instanceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.demoted[instanceID]
}

func (r *Router) demote(instanceID string) {
	r.mu.Lock()
	r.demoted[instanceID] = true
	r.mu.Unlock()
}

// Forward dispatches one inference request for modelPool, trying at
// most two candidates: a connect error against the first demotes it in
// this process's cache and retries the next; a timeout fails the
// request outright per §4.5 step 5.
func (r *Router) Forward(ctx context.Context, modelPool, subnetHint string, headers map[string][]string, body []byte) (statusCode int, respBody []byte, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ForwardDuration, r.region, modelPool)

	candidates := r.candidatesFor(modelPool, subnetHint)
	if len(candidates) == 0 {
		metrics.ForwardsTotal.WithLabelValues(r.region, modelPool, "no_capacity").Inc()
		return 0, nil, ErrNoCapacity
	}

	attempted := candidates
	if len(attempted) > 2 {
		attempted = attempted[:2]
	}

	var lastErr error
	for i, c := range attempted {
		status, upstreamBody, err := r.client.Forward(ctx, c.IP, headers, body, r.cfg.ForwardTimeout)
		if err == nil {
			metrics.ForwardsTotal.WithLabelValues(r.region, modelPool, "ok").Inc()
			return status, upstreamBody, nil
		}

		if isTimeout(err) {
			metrics.ForwardsTotal.WithLabelValues(r.region, modelPool, "timeout").Inc()
			return 0, nil, ErrUpstreamTimeout
		}

		// connect error: demote and try the next candidate, if any.
		r.demote(c.InstanceID)
		lastErr = err
		if i == 0 {
			metrics.ForwardsTotal.WithLabelValues(r.region, modelPool, "retried").Inc()
			continue
		}
	}

	metrics.ForwardsTotal.WithLabelValues(r.region, modelPool, "error").Inc()
	return 0, nil, lastErr
}

func isTimeout(err error) bool {
	type deadlineErr interface{ Timeout() bool }
	var de deadlineErr
	if errors.As(err, &de) {
		return de.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
