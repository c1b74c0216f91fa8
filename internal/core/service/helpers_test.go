package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/diogoX451/ubiquia-flow/internal/api/routes"
	"github.com/diogoX451/ubiquia-flow/internal/config"
	"github.com/diogoX451/ubiquia-flow/internal/core/ports"
	"github.com/diogoX451/ubiquia-flow/internal/scheduler"
	redisstore "github.com/diogoX451/ubiquia-flow/internal/store/redis"
	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

type agentCall struct {
	Method  string
	URL     string
	Payload []byte
}

type fakeAgents struct {
	mu      sync.Mutex
	calls   []agentCall
	respond func(method, url string, payload []byte) (*ports.AgentResponse, error)
}

func (f *fakeAgents) Call(_ context.Context, method, url string, payload []byte) (*ports.AgentResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agentCall{Method: method, URL: url, Payload: payload})
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return &ports.AgentResponse{StatusCode: 200, Body: payload}, nil
	}
	return respond(method, url, payload)
}

func (f *fakeAgents) Calls() []agentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agentCall(nil), f.calls...)
}

type published struct {
	Topic   string
	Payload []byte
}

type fakeBroker struct {
	mu        sync.Mutex
	published []published
	handlers  map[string]ports.BrokerHandler
	durables  []string
	deleted   []string
	err       error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]ports.BrokerHandler)}
}

func (b *fakeBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, published{Topic: topic, Payload: payload})
	return nil
}

func (b *fakeBroker) Subscribe(topic, durable string, handler ports.BrokerHandler) (ports.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	b.durables = append(b.durables, durable)
	return &fakeSubscription{broker: b, topic: topic}, nil
}

func (b *fakeBroker) DeleteSubscription(_ string, durable string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, durable)
	return nil
}

func (b *fakeBroker) Subscriptions() (durables, deleted []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.durables...), append([]string(nil), b.deleted...)
}

func (b *fakeBroker) Published() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

func (b *fakeBroker) Handler(topic string) ports.BrokerHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[topic]
}

type fakeSubscription struct {
	broker *fakeBroker
	topic  string
}

func (s *fakeSubscription) Unsubscribe() error {
	s.broker.mu.Lock()
	delete(s.broker.handlers, s.topic)
	s.broker.mu.Unlock()
	return nil
}

type harness struct {
	store   *redisstore.RedisStore
	sched   *scheduler.Scheduler
	router  *routes.DynamicRouter
	agents  *fakeAgents
	broker  *fakeBroker
	factory *Factory
}

var testDefaults = config.DefaultsConfig{
	InboxPollFrequencyMs:        1000,
	BackpressurePollFrequencyMs: 5000,
	EgressConcurrency:           1,
	PollFrequencyMs:             5000,
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := redisstore.New(redisstore.Config{Addr: mr.Addr(), EventTTL: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sched, err := scheduler.New(8, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sched.Close(ctx)
	})

	h := &harness{
		store:  s,
		sched:  sched,
		router: routes.NewDynamicRouter(),
		agents: &fakeAgents{},
		broker: newFakeBroker(),
	}
	h.factory = NewFactory(Options{
		Store:         s,
		Scheduler:     sched,
		Routes:        h.router,
		Broker:        h.broker,
		Agents:        h.agents,
		Defaults:      testDefaults,
		MaxDeliveries: 3,
		RateSign:      config.RateOlderMinusNewer,
		Logger:        zap.NewNop(),
	})
	return h
}

// saveGraph persiste o grafo com os ids já resolvidos, como o GraphManager faz
func (h *harness) saveGraph(t *testing.T, graph *types.Graph) {
	t.Helper()
	require.NoError(t, h.store.SaveGraph(context.Background(), graph))
}

func (h *harness) build(t *testing.T, graph string, spec types.AdapterSpec) *Adapter {
	t.Helper()
	a, err := h.factory.Build(graph, spec)
	require.NoError(t, err)
	return a
}

func agentSpec(id, name string, typ types.AdapterType) types.AdapterSpec {
	return types.AdapterSpec{
		ID:       id,
		Name:     name,
		Type:     typ,
		Endpoint: "/process",
		Agent:    &types.AgentRef{Name: "Echo-Agent", Port: 8081},
	}
}

// pollAndWait roda um tick da inbox e espera as mensagens despachadas serem assentadas
func pollAndWait(t *testing.T, a *Adapter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.PollInbox(ctx))
	require.NoError(t, a.Wait(ctx))
}
