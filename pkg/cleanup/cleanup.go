/*
Package cleanup records and queries post-request sanitization results
for workers (CleanupAudit), and is the only component allowed to move a
worker into quarantined — per §3 invariant I4, the Health Monitor never
quarantines.
*/
package cleanup

import (
	"context"
	"time"

	"github.com/jbwitnessAI/mrgc/pkg/events"
	"github.com/jbwitnessAI/mrgc/pkg/registry"
	"github.com/jbwitnessAI/mrgc/pkg/storage"
	"github.com/jbwitnessAI/mrgc/pkg/types"
)

// Recorder writes cleanup validation outcomes and answers failure
// queries over them.
type Recorder struct {
	store    storage.Store
	registry *registry.Registry
	broker   *events.Broker
}

// New constructs a Recorder.
func New(store storage.Store, reg *registry.Registry) *Recorder {
	return &Recorder{store: store, registry: reg}
}

// SetBroker attaches an optional event broker; every recorded
// validation, passed or failed, is published on it.
func (r *Recorder) SetBroker(b *events.Broker) {
	r.broker = b
}

// Validation is the sanitization checklist result for one worker at one
// point in time.
type Validation struct {
	InstanceID       string
	MemoryWiped      bool
	GPUReset         bool
	FilesystemClean  bool
	IntegrityCheck   bool
	FailureReason    string
	QuarantineReason string
}

// RecordValidation persists v as a CleanupAudit row. A validation that
// fails any subcheck is recorded as failed and quarantines the worker;
// passing every subcheck records it as passed and leaves worker state
// untouched.
func (r *Recorder) RecordValidation(ctx context.Context, v Validation) error {
	passed := v.MemoryWiped && v.GPUReset && v.FilesystemClean && v.IntegrityCheck

	status := types.ValidationPassed
	if !passed {
		status = types.ValidationFailed
	}

	if err := r.store.PutCleanupAudit(ctx, &types.CleanupAudit{
		InstanceID:          v.InstanceID,
		ValidationTimestamp: time.Now().Unix(),
		Status:              status,
		MemoryWiped:         v.MemoryWiped,
		GPUReset:            v.GPUReset,
		FilesystemClean:     v.FilesystemClean,
		IntegrityCheck:      v.IntegrityCheck,
		FailureReason:       v.FailureReason,
		QuarantineReason:    v.QuarantineReason,
	}); err != nil {
		return err
	}

	r.broker.Publish(&events.Event{
		Type:    events.EventCleanupValidation,
		Message: v.InstanceID,
	})

	if !passed {
		return r.registry.Transition(ctx, v.InstanceID, types.WorkerQuarantined)
	}
	return nil
}

// FailedSince returns every failed CleanupAudit recorded at or after
// since.
func (r *Recorder) FailedSince(ctx context.Context, since time.Time) ([]*types.CleanupAudit, error) {
	all, err := r.store.ListCleanupAudits(ctx, types.ValidationFailed)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.ValidationTimestamp >= since.Unix() {
			out = append(out, a)
		}
	}
	return out, nil
}
