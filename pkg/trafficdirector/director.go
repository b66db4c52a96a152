/*
Package trafficdirector defines the adapter the Failover Controller
uses to steer anycast traffic-dial weights, per §6's traffic-director
adapter contract. The real anycast director is an out-of-scope cloud
primitive; LogDirector is the reference implementation used in tests
and standalone demos.
*/
package trafficdirector

import (
	"context"
	"sync"

	"github.com/jbwitnessAI/mrgc/pkg/log"
)

// EndpointHealth is one region's view from get_endpoint_health.
type EndpointHealth struct {
	State  string
	Reason string
	Weight int
}

// Director sets and reads per-region traffic-dial weights.
type Director interface {
	SetWeight(ctx context.Context, region string, percent int) error
	GetWeights(ctx context.Context) (map[string]int, error)
	GetEndpointHealth(ctx context.Context) (map[string]EndpointHealth, error)
}

// LogDirector logs every weight change instead of calling a real
// anycast control plane. It tracks the weights it was told to set so
// GetWeights/GetEndpointHealth return something consistent for tests.
type LogDirector struct {
	mu      sync.Mutex
	weights map[string]int
}

// NewLogDirector constructs a LogDirector.
func NewLogDirector() *LogDirector {
	return &LogDirector{weights: make(map[string]int)}
}

func (d *LogDirector) SetWeight(ctx context.Context, region string, percent int) error {
	d.mu.Lock()
	d.weights[region] = percent
	d.mu.Unlock()
	log.WithRegion(region).Info().Int("percent", percent).Msg("traffic dial weight set")
	return nil
}

func (d *LogDirector) GetWeights(ctx context.Context) (map[string]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.weights))
	for k, v := range d.weights {
		out[k] = v
	}
	return out, nil
}

func (d *LogDirector) GetEndpointHealth(ctx context.Context) (map[string]EndpointHealth, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]EndpointHealth, len(d.weights))
	for region, weight := range d.weights {
		out[region] = EndpointHealth{State: "active", Weight: weight}
	}
	return out, nil
}
