package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/diogoX451/ubiquia-flow/internal/core/domain"
	"github.com/diogoX451/ubiquia-flow/internal/store"
	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

var ErrGraphDeployed = errors.New("graph already deployed")

// GraphManager implanta e desmonta grafos inteiros
type GraphManager struct {
	store    store.FlowStore
	factory  *Factory
	validate *validator.Validate
	logger   *zap.Logger

	mu       sync.RWMutex
	deployed map[string]map[string]*Adapter
	group    singleflight.Group
}

func NewGraphManager(s store.FlowStore, factory *Factory, logger *zap.Logger) *GraphManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphManager{
		store:    s,
		factory:  factory,
		validate: validator.New(),
		logger:   logger,
		deployed: make(map[string]map[string]*Adapter),
	}
}

// Register valida o grafo, resolve as arestas de nome para id e persiste
func (m *GraphManager) Register(ctx context.Context, graph *types.Graph) error {
	if err := m.validate.Struct(graph); err != nil {
		return domain.ConfigurationError("graph_register", err).WithAdapter(graph.Name, "")
	}

	m.mu.RLock()
	_, live := m.deployed[graph.Name]
	m.mu.RUnlock()
	if live {
		return domain.ConfigurationError("graph_register", fmt.Errorf("%w: %s", ErrGraphDeployed, graph.Name)).
			WithAdapter(graph.Name, "")
	}

	// Um registro anterior do mesmo grafo mantém os ids, e com eles as inboxes pendentes
	previous := make(map[string]string)
	if prev, err := m.store.GetGraph(ctx, graph.Name); err == nil {
		if graph.ID == "" {
			graph.ID = prev.ID
		}
		for _, spec := range prev.Adapters {
			previous[spec.Name] = spec.ID
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return storeError("graph_register", err).WithAdapter(graph.Name, "")
	}
	if graph.ID == "" {
		graph.ID = uuid.NewString()
	}

	byName := make(map[string]int, len(graph.Adapters))
	for i := range graph.Adapters {
		spec := &graph.Adapters[i]
		if _, dup := byName[spec.Name]; dup {
			return domain.ConfigurationError("graph_register", fmt.Errorf("duplicate adapter name %q", spec.Name)).
				WithAdapter(graph.Name, spec.Name)
		}
		if _, err := behaviorOf(spec.Type); err != nil {
			return domain.ConfigurationError("graph_register", err).WithAdapter(graph.Name, spec.Name)
		}
		byName[spec.Name] = i
		if spec.ID == "" {
			spec.ID = previous[spec.Name]
		}
		if spec.ID == "" {
			spec.ID = uuid.NewString()
		}
		spec.GraphName = graph.Name
		spec.Downstream = nil
		spec.Upstream = nil
	}

	for _, edge := range graph.Edges {
		left, ok := byName[edge.Left]
		if !ok {
			return domain.ConfigurationError("graph_register", fmt.Errorf("edge references unknown adapter %q", edge.Left)).
				WithAdapter(graph.Name, edge.Left)
		}
		for _, name := range edge.Right {
			right, ok := byName[name]
			if !ok {
				return domain.ConfigurationError("graph_register", fmt.Errorf("edge references unknown adapter %q", name)).
					WithAdapter(graph.Name, name)
			}
			src, dst := &graph.Adapters[left], &graph.Adapters[right]
			src.Downstream = appendUnique(src.Downstream, dst.ID)
			dst.Upstream = appendUnique(dst.Upstream, src.ID)
		}
	}

	if err := m.store.SaveGraph(ctx, graph); err != nil {
		return storeError("graph_register", err).WithAdapter(graph.Name, "")
	}
	m.logger.Info("graph registered",
		zap.String("graph", graph.Name), zap.String("version", graph.Version), zap.Int("adapters", len(graph.Adapters)))
	return nil
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// Deploy inicializa todos os adapters do grafo. Deploys concorrentes do mesmo
// grafo compartilham a mesma execução.
func (m *GraphManager) Deploy(ctx context.Context, name string) (*types.DeployedGraph, error) {
	_, err, _ := m.group.Do(name, func() (interface{}, error) {
		return nil, m.deploy(ctx, name)
	})
	if err != nil {
		return nil, err
	}

	deployed, ok := m.describe(name)
	if !ok {
		return nil, fmt.Errorf("graph %s: %w", name, store.ErrNotFound)
	}
	return deployed, nil
}

func (m *GraphManager) deploy(ctx context.Context, name string) error {
	graph, err := m.store.GetGraph(ctx, name)
	if err != nil {
		return fmt.Errorf("load graph %s: %w", name, err)
	}

	var started []*Adapter
	rollback := func() {
		m.mu.Lock()
		for _, a := range started {
			delete(m.deployed[name], a.ac.Name())
		}
		if len(m.deployed[name]) == 0 {
			delete(m.deployed, name)
		}
		m.mu.Unlock()

		for _, a := range started {
			if _, err := a.Teardown(ctx); err != nil {
				m.logger.Warn("rollback teardown failed",
					zap.String("graph", name), zap.String("adapter", a.ac.Name()), zap.Error(err))
			}
		}
	}

	for _, spec := range graph.Adapters {
		if _, ok := m.Adapter(name, spec.Name); ok {
			m.logger.Warn("adapter already deployed, skipping", zap.String("graph", name), zap.String("adapter", spec.Name))
			continue
		}

		a, err := m.factory.Build(graph.Name, spec)
		if err != nil {
			rollback()
			return err
		}
		if err := a.Initialize(ctx); err != nil {
			rollback()
			return err
		}

		started = append(started, a)
		m.mu.Lock()
		if m.deployed[name] == nil {
			m.deployed[name] = make(map[string]*Adapter)
		}
		m.deployed[name][spec.Name] = a
		m.mu.Unlock()
	}

	m.logger.Info("graph deployed", zap.String("graph", name), zap.Int("started", len(started)))
	return nil
}

// Teardown desmonta os adapters do grafo e apaga seus registros e subscrições
// duráveis; grafo desconhecido é no-op
func (m *GraphManager) Teardown(ctx context.Context, name string) error {
	graph, loadErr := m.store.GetGraph(ctx, name)

	errs := []error{m.stop(ctx, name)}
	switch {
	case loadErr == nil:
		errs = append(errs, m.forgetSubscriptions(graph))
	case !errors.Is(loadErr, store.ErrNotFound):
		errs = append(errs, fmt.Errorf("load graph %s: %w", name, loadErr))
	}
	if err := m.store.DeleteGraph(ctx, name); err != nil {
		errs = append(errs, fmt.Errorf("delete graph %s: %w", name, err))
	}
	return errors.Join(errs...)
}

// forgetSubscriptions apaga os consumers dos SUBSCRIBE. Stop não passa aqui,
// então um redeploy retoma do último ack.
func (m *GraphManager) forgetSubscriptions(graph *types.Graph) error {
	broker := m.factory.rt.broker
	if broker == nil {
		return nil
	}

	var errs []error
	for _, spec := range graph.Adapters {
		if spec.Type != types.AdapterSubscribe || spec.Broker == nil {
			continue
		}
		durable := subscriptionDurable(graph.Name, spec.Name)
		if err := broker.DeleteSubscription(spec.Broker.Topic, durable); err != nil {
			errs = append(errs, fmt.Errorf("delete subscription %s: %w", durable, err))
			continue
		}
		m.logger.Debug("subscription deleted", zap.String("graph", graph.Name), zap.String("durable", durable))
	}
	return errors.Join(errs...)
}

// stop só desmonta os adapters em memória; os registros continuam no store
func (m *GraphManager) stop(ctx context.Context, name string) error {
	m.mu.Lock()
	adapters := m.deployed[name]
	delete(m.deployed, name)
	m.mu.Unlock()

	var errs []error
	for _, a := range adapters {
		if _, err := a.Teardown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("adapter %s: %w", a.ac.Name(), err))
		}
	}
	if len(adapters) > 0 {
		m.logger.Info("graph torn down", zap.String("graph", name), zap.Int("adapters", len(adapters)))
	}
	return errors.Join(errs...)
}

// TeardownAll desmonta e apaga todos os grafos implantados em paralelo
func (m *GraphManager) TeardownAll(ctx context.Context) error {
	return m.each(func(name string) error { return m.Teardown(ctx, name) })
}

// Stop desmonta todos os grafos sem apagar registros (shutdown do serviço)
func (m *GraphManager) Stop(ctx context.Context) error {
	return m.each(func(name string) error { return m.stop(ctx, name) })
}

func (m *GraphManager) each(fn func(name string) error) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.deployed))
	for name := range m.deployed {
		names = append(names, name)
	}
	m.mu.RUnlock()

	p := pool.New().WithErrors()
	for _, name := range names {
		name := name
		p.Go(func() error { return fn(name) })
	}
	return p.Wait()
}

func (m *GraphManager) Adapter(graph, name string) (*Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.deployed[graph][name]
	return a, ok
}

// Deployed lista os grafos em execução, ordenados por nome
func (m *GraphManager) Deployed() []types.DeployedGraph {
	m.mu.RLock()
	names := make([]string, 0, len(m.deployed))
	for name := range m.deployed {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	out := make([]types.DeployedGraph, 0, len(names))
	for _, name := range names {
		if g, ok := m.describe(name); ok {
			out = append(out, *g)
		}
	}
	return out
}

func (m *GraphManager) describe(name string) (*types.DeployedGraph, bool) {
	m.mu.RLock()
	live, ok := m.deployed[name]
	adapters := make([]*Adapter, 0, len(live))
	for _, a := range live {
		adapters = append(adapters, a)
	}
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	g := &types.DeployedGraph{Name: name, Adapters: make([]types.DeployedAdapter, 0, len(adapters))}
	for _, a := range adapters {
		g.Adapters = append(g.Adapters, types.DeployedAdapter{
			ID:     a.ac.ID(),
			Name:   a.ac.Name(),
			Type:   a.ac.Type(),
			Routes: a.ac.Routes(),
		})
	}
	sort.Slice(g.Adapters, func(i, j int) bool { return g.Adapters[i].Name < g.Adapters[j].Name })
	return g, true
}
