/*
Package compute defines the adapter the Autoscaler uses to launch and
terminate GPU-bearing worker instances, per §6's compute API adapter
contract. The real cloud provider integration is out of scope; LogProvider
is the reference implementation used in tests and standalone demos.
*/
package compute

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jbwitnessAI/mrgc/pkg/log"
)

// Spec describes the instance a Launch call should bring up.
type Spec struct {
	Region    string
	ModelPool string
}

// Provider launches and terminates worker instances.
type Provider interface {
	Launch(ctx context.Context, spec Spec) (instanceID string, err error)
	Terminate(ctx context.Context, instanceID string) error
}

// LogProvider logs every launch/terminate instead of calling a real
// cloud API, handing back a deterministic, monotonically increasing
// instance id.
type LogProvider struct {
	counter atomic.Int64

	mu       sync.Mutex
	launched map[string]Spec
}

// NewLogProvider constructs a LogProvider.
func NewLogProvider() *LogProvider {
	return &LogProvider{launched: make(map[string]Spec)}
}

func (p *LogProvider) Launch(ctx context.Context, spec Spec) (string, error) {
	id := fmt.Sprintf("logprov-%s-%s-%d", spec.Region, spec.ModelPool, p.counter.Add(1))
	p.mu.Lock()
	p.launched[id] = spec
	p.mu.Unlock()
	log.WithRegion(spec.Region).Info().Str("instance_id", id).Str("model_pool", spec.ModelPool).Msg("launched instance")
	return id, nil
}

// Launched returns a snapshot of instances currently tracked as
// launched, keyed by instance id. Test/demo introspection only.
func (p *LogProvider) Launched() map[string]Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Spec, len(p.launched))
	for k, v := range p.launched {
		out[k] = v
	}
	return out
}

func (p *LogProvider) Terminate(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	delete(p.launched, instanceID)
	p.mu.Unlock()
	log.Info("terminated instance " + instanceID)
	return nil
}
