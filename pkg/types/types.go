/*
Package types defines the core data structures shared across mrgc's control
plane: the worker records the Instance Registry owns, the derived routing
state the Health Monitor publishes, and the audit trails the Autoscaler and
cleanup path leave behind.

All types here are plain structs, serialized to JSON by the storage
backends (see pkg/storage) and otherwise opaque to the rest of the
codebase. Every table in the data model carries a fixed TTL, expressed
here as a constant next to its type.
*/
package types

import "time"

// WorkerState is the lifecycle state of a GPU worker.
type WorkerState string

const (
	WorkerLaunching   WorkerState = "launching"
	WorkerAvailable   WorkerState = "available"
	WorkerDraining    WorkerState = "draining"
	WorkerTerminated  WorkerState = "terminated"
	WorkerQuarantined WorkerState = "quarantined"
)

// WorkerTTL is how long a Worker row survives without an update.
const WorkerTTL = 7 * 24 * time.Hour

// Worker is the authoritative record of a GPU-bearing inference node.
// Primary key: InstanceID. Secondary indices: Region, ModelPool.
type Worker struct {
	InstanceID       string            `json:"instance_id"`
	Region           string            `json:"region"`
	ModelPool        string            `json:"model_pool"`
	IPAddress        string            `json:"ip_address"`
	SubnetID         string            `json:"subnet_id"`
	AvailabilityZone string            `json:"availability_zone"`
	SubnetCIDR       string            `json:"subnet_cidr"`
	State            WorkerState       `json:"state"`
	QueueDepth       uint              `json:"queue_depth"`
	LastHeartbeat    int64             `json:"last_heartbeat"` // unix seconds
	LaunchTime       int64             `json:"launch_time"`    // unix seconds
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Validate checks the invariants a Worker must hold before it is written.
func (w *Worker) Validate() error {
	if w.InstanceID == "" {
		return errRequired("instance_id")
	}
	if w.Region == "" {
		return errRequired("region")
	}
	if w.ModelPool == "" {
		return errRequired("model_pool")
	}
	return nil
}

// HealthStatus is the Health Monitor's classification of a probe result.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// RoutingStateTTL is how long a RoutingState row survives without a
// health-cycle refresh.
const RoutingStateTTL = 1 * time.Hour

// RoutingState is the Health Monitor's derived, dispatch-facing view of a
// worker. Primary key: InstanceID. Secondary index: (Region, RoutingScore
// desc).
type RoutingState struct {
	InstanceID    string       `json:"instance_id"`
	Region        string       `json:"region"`
	RoutingScore  int          `json:"routing_score"` // 0..100, higher is better
	QueueDepth    uint         `json:"queue_depth"`
	AvgLatencyMs  int          `json:"avg_latency_ms"`
	HealthStatus  HealthStatus `json:"health_status"`
	SubnetCIDR    string       `json:"subnet_cidr"`
	LastUpdated   int64        `json:"last_updated"` // unix seconds
}

// ScalingAction is the Autoscaler's decision for a single tick.
type ScalingAction string

const (
	ScaleUp   ScalingAction = "scale_up"
	ScaleDown ScalingAction = "scale_down"
	ScaleNone ScalingAction = "none"
)

// ScalingDecisionTTL is how long a ScalingDecision audit row is retained.
const ScalingDecisionTTL = 30 * 24 * time.Hour

// ScalingDecision records one Autoscaler tick, whether or not it acted.
// Composite key: (ModelPool, Timestamp).
type ScalingDecision struct {
	ModelPool       string        `json:"model_pool"`
	Timestamp       int64         `json:"timestamp"` // unix seconds
	Region          string        `json:"region"`
	CurrentCapacity int           `json:"current_capacity"`
	DesiredCapacity int           `json:"desired_capacity"`
	MinCapacity     int           `json:"min_capacity"`
	MaxCapacity     int           `json:"max_capacity"`
	CurrentRPS      float64       `json:"current_rps"`
	TargetRPS       float64       `json:"target_rps"`
	Action          ScalingAction `json:"action"`
	Reason          string        `json:"reason"`
}

// ValidationStatus is the outcome of a post-request cleanup validation.
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "pending"
	ValidationPassed  ValidationStatus = "passed"
	ValidationFailed  ValidationStatus = "failed"
)

// CleanupAuditTTL is how long a cleanup audit row is retained.
const CleanupAuditTTL = 90 * 24 * time.Hour

// CleanupAudit records the outcome of a post-request sanitization pass on a
// worker. Primary key: (InstanceID, ValidationTimestamp). Secondary index:
// (Status, Timestamp).
type CleanupAudit struct {
	InstanceID          string           `json:"instance_id"`
	ValidationTimestamp int64            `json:"validation_timestamp"`
	Status              ValidationStatus `json:"status"`
	MemoryWiped         bool             `json:"memory_wiped"`
	GPUReset            bool             `json:"gpu_reset"`
	FilesystemClean     bool             `json:"filesystem_clean"`
	IntegrityCheck      bool             `json:"integrity_check"`
	FailureReason       string           `json:"failure_reason,omitempty"`
	QuarantineReason    string           `json:"quarantine_reason,omitempty"`
}

// MetricPointTTL is how long a metric sample is retained.
const MetricPointTTL = 30 * 24 * time.Hour

// MetricPoint is a single minute-bucketed observation. Composite key:
// (MetricName, TimestampMinute). Secondary index: (Region, Timestamp).
type MetricPoint struct {
	MetricName      string            `json:"metric_name"`
	TimestampMinute int64             `json:"timestamp_minute"` // unix seconds, floored to the minute
	Region          string            `json:"region"`
	Value           float64           `json:"value"`
	Unit            string            `json:"unit"`
	Dimensions      map[string]string `json:"dimensions,omitempty"`
}

// ScalingState is the Autoscaler's persisted dwell/cooldown tracker.
// Composite key: (ModelPool, Region). Not part of the five audited tables
// in the data model; it is mutable control state rather than an append-only
// record, and is overwritten in place on every tick.
type ScalingState struct {
	ModelPool       string     `json:"model_pool"`
	Region          string     `json:"region"`
	HighRPSSince    *time.Time `json:"high_rps_since,omitempty"`
	LowRPSSince     *time.Time `json:"low_rps_since,omitempty"`
	LastScaleTime   time.Time  `json:"last_scale_time"`
	CurrentCapacity int        `json:"current_capacity"`
}

// ScaleRequestTTL bounds how long a pending cross-region grow request
// survives unconsumed; past it the Failover Controller's ask is stale
// and the target region's Autoscaler should no longer honor it.
const ScaleRequestTTL = 10 * time.Minute

// ScaleRequest is the Failover Controller's (C6) cross-region capacity
// ask to the Autoscaler (C7), written on entering FAILOVER_ACTIVE. It
// is unaudited control state, one pending row per region: the first
// Autoscaler tick in that region to observe it applies AddInstances
// and deletes the row.
type ScaleRequest struct {
	Region       string `json:"region"`
	AddInstances int    `json:"add_instances"`
	Reason       string `json:"reason"`
	RequestedAt  int64  `json:"requested_at"`
}

type validationError struct{ field string }

func (e *validationError) Error() string { return "missing required field: " + e.field }

func errRequired(field string) error { return &validationError{field: field} }
