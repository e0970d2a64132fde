package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/23skdu/longbow-infini/internal/attention"
	"github.com/23skdu/longbow-infini/internal/config"
)

// Backend runs one segment through projection, local attention, memory
// retrieval, gating, memory update and head merge.
type Backend interface {
	Name() string
	// NewHeadState returns a zeroed memory for head.
	NewHeadState(head int, rawGate float32) (attention.HeadMemoryState, error)
	// Forward processes an n-row embedded segment (n × d_model) and updates
	// states in place. States must come from this backend's NewHeadState.
	Forward(x []float32, n int, states []attention.HeadMemoryState) (*Pass, error)
	Close() error
}

// Pass is the result of one Forward call.
type Pass struct {
	Output []float32 // n × d_model
	// Health holds each head's state counters after the update.
	Health []attention.Health
	// Local and Memory are the per-stage contexts, H stacked n × d_value
	// blocks, kept only when the backend was built with Trace.
	Local  []float32
	Memory []float32
}

type BackendOptions struct {
	Dims       attention.Dims
	Projection attention.Projection // nil means attention.Partition
	Trace      bool
}

func (o BackendOptions) projection() attention.Projection {
	if o.Projection == nil {
		return attention.Partition{}
	}
	return o.Projection
}

// BackendFactory builds a backend from the run configuration.
type BackendFactory func(cfg config.Config, opts BackendOptions) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]BackendFactory{}
)

func RegisterBackend(name string, f BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Backends lists registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBackend builds the backend named by cfg.Backend().
func NewBackend(cfg config.Config, opts BackendOptions) (Backend, error) {
	name := cfg.Backend()
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (available: %s)", name, strings.Join(Backends(), ","))
	}
	return f(cfg, opts)
}

func checkForward(d attention.Dims, x []float32, n int, states []attention.HeadMemoryState) error {
	if n <= 0 {
		return fmt.Errorf("forward: empty segment")
	}
	if len(x) != n*d.Model {
		return fmt.Errorf("forward: input has %d values, want %d×%d", len(x), n, d.Model)
	}
	if len(states) != d.Heads {
		return fmt.Errorf("forward: %d head states for %d heads", len(states), d.Heads)
	}
	return nil
}
