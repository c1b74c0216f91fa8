package service

import (
	"sync"
	"sync/atomic"

	"github.com/diogoX451/ubiquia-flow/internal/core/domain"
	"github.com/diogoX451/ubiquia-flow/internal/core/ports"
	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

// sampleSlots é o tamanho do anel de amostras de backpressure
const sampleSlots = 2

// AdapterContext é o estado vivo de um adapter implantado; nunca é persistido
type AdapterContext struct {
	graph string
	spec  types.AdapterSpec
	caps  domain.Capabilities

	openMessages atomic.Int64

	mu      sync.Mutex
	samples []int64 // [0] é a amostra mais recente
	tasks   []ports.TaskHandle
	routes  []ports.RouteHandle
	records []types.EndpointRecord
}

func NewAdapterContext(graph string, spec types.AdapterSpec) (*AdapterContext, error) {
	caps, err := domain.CapabilitiesOf(spec.Type)
	if err != nil {
		return nil, err
	}
	return &AdapterContext{
		graph:   graph,
		spec:    spec,
		caps:    caps,
		samples: make([]int64, 0, sampleSlots),
	}, nil
}

func (c *AdapterContext) ID() string { return c.spec.ID }
func (c *AdapterContext) Name() string { return c.spec.Name }
func (c *AdapterContext) GraphName() string { return c.graph }
func (c *AdapterContext) Type() types.AdapterType { return c.spec.Type }
func (c *AdapterContext) Spec() types.AdapterSpec { return c.spec }
func (c *AdapterContext) Capabilities() domain.Capabilities { return c.caps }

// EgressBounded indica se o adapter tem orçamento de concorrência
func (c *AdapterContext) EgressBounded() bool {
	return c.caps.EgressSettings && c.spec.Egress != nil
}

func (c *AdapterContext) EgressConcurrency() int64 {
	if c.spec.Egress == nil {
		return 0
	}
	return c.spec.Egress.EgressConcurrency
}

func (c *AdapterContext) OpenMessages() int64 {
	return c.openMessages.Load()
}

func (c *AdapterContext) acquire() {
	c.openMessages.Add(1)
}

func (c *AdapterContext) release() {
	c.openMessages.Add(-1)
}

// pushSample desloca o anel: a amostra nova vai para [0] e a mais antiga sai
func (c *AdapterContext) pushSample(v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.samples) < sampleSlots {
		c.samples = append(c.samples, 0)
	}
	copy(c.samples[1:], c.samples[:len(c.samples)-1])
	c.samples[0] = v
}

func (c *AdapterContext) Samples() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]int64, len(c.samples))
	copy(out, c.samples)
	return out
}

func (c *AdapterContext) addTask(t ports.TaskHandle) {
	c.mu.Lock()
	c.tasks = append(c.tasks, t)
	c.mu.Unlock()
}

func (c *AdapterContext) addRoute(h ports.RouteHandle, record types.EndpointRecord) {
	c.mu.Lock()
	c.routes = append(c.routes, h)
	c.records = append(c.records, record)
	c.mu.Unlock()
}

// Routes lista as rotas registradas e ainda não removidas
func (c *AdapterContext) Routes() []types.EndpointRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.EndpointRecord, len(c.records))
	copy(out, c.records)
	return out
}

// takeHandles entrega e zera os handles; um segundo teardown recebe listas vazias
func (c *AdapterContext) takeHandles() ([]ports.TaskHandle, []ports.RouteHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tasks, routes := c.tasks, c.routes
	c.tasks, c.routes, c.records = nil, nil, nil
	return tasks, routes
}
