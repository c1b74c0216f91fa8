package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diogoX451/ubiquia-flow/internal/core/domain"
	"github.com/diogoX451/ubiquia-flow/internal/core/ports"
	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

// pipeline: ingest (PUSH) -> sink (QUEUE)
func pipelineGraph(source types.AdapterSpec) *types.Graph {
	source.Downstream = []string{"sink"}
	return &types.Graph{
		Name:    "orders",
		Version: "1",
		Adapters: []types.AdapterSpec{
			source,
			{ID: "sink", Name: "sink", Type: types.AdapterQueue, Upstream: []string{source.ID}},
		},
	}
}

func pending(t *testing.T, h *harness, adapterID string) int64 {
	t.Helper()
	n, err := h.store.CountPending(context.Background(), adapterID)
	require.NoError(t, err)
	return n
}

func TestInitializeAndTeardownQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.build(t, "orders", types.AdapterSpec{ID: "q", Name: "Backlog", Type: types.AdapterQueue})
	require.NoError(t, a.Initialize(ctx))

	assert.Len(t, a.Context().Routes(), 3)
	assert.Equal(t, 1, h.sched.Running())

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ubiquia/graph/orders/adapter/backlog/queue/peek", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	res, err := a.Teardown(ctx)
	require.NoError(t, err)
	assert.Equal(t, TeardownResult{TasksCancelled: 1, RoutesDeregistered: 3}, res)
	assert.Zero(t, h.sched.Running())

	res, err = a.Teardown(ctx)
	require.NoError(t, err)
	assert.Equal(t, TeardownResult{}, res)

	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ubiquia/graph/orders/adapter/backlog/queue/peek", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Um novo deploy com o mesmo nome registra rotas novas
	again := h.build(t, "orders", types.AdapterSpec{ID: "q", Name: "Backlog", Type: types.AdapterQueue})
	require.NoError(t, again.Initialize(ctx))
	assert.Len(t, again.Context().Routes(), 3)
	_, err = again.Teardown(ctx)
	require.NoError(t, err)
}

type failingTask struct{ cancelled bool }

func (f *failingTask) Name() string { return "broken" }

func (f *failingTask) Cancel() error {
	f.cancelled = true
	return errors.New("cancel refused")
}

func TestTeardownIsBestEffort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.build(t, "orders", agentSpec("p", "ingest", types.AdapterHidden))
	require.NoError(t, a.Initialize(ctx))
	broken := &failingTask{}
	a.Context().addTask(broken)

	res, err := a.Teardown(ctx)
	require.Error(t, err)
	assert.True(t, broken.cancelled)
	assert.Equal(t, 2, res.TasksCancelled)
	assert.Equal(t, 2, res.RoutesDeregistered)
	assert.Zero(t, h.sched.Running())

	res, err = a.Teardown(ctx)
	require.NoError(t, err)
	assert.Equal(t, TeardownResult{}, res)
}

func TestInitializeRollsBackOnRouteConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.build(t, "orders", agentSpec("p1", "ingest", types.AdapterPush))
	require.NoError(t, first.Initialize(ctx))

	second := h.build(t, "orders", agentSpec("p2", "INGEST", types.AdapterHidden))
	err := second.Initialize(ctx)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Empty(t, second.Context().Routes())
	// Só as tarefas do primeiro adapter continuam
	assert.Equal(t, 2, h.sched.Running())
}

func TestPollInboxForwardsToAgentAndFansOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := agentSpec("p", "ingest", types.AdapterPush)
	spec.Egress = &types.EgressSettings{EgressConcurrency: 2}
	spec.Settings.OutputStampKeychains = []string{"result.id"}
	spec.Settings.PersistOutputPayload = true
	h.saveGraph(t, pipelineGraph(spec))
	a := h.build(t, "orders", spec)

	h.agents.respond = func(method, url string, payload []byte) (*ports.AgentResponse, error) {
		return &ports.AgentResponse{StatusCode: 200, Body: []byte(`{"result":{"id":"r-1"}}`)}, nil
	}

	event, err := a.Ingest(ctx, types.Data(`{"order":1}`))
	require.NoError(t, err)
	_, err = a.Ingest(ctx, types.Data(`{"order":2}`))
	require.NoError(t, err)
	require.Equal(t, int64(2), pending(t, h, "p"))

	pollAndWait(t, a)

	calls := h.agents.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, http.MethodPost, calls[0].Method)
	assert.Equal(t, "http://echo-agent:8081/process", calls[0].URL)
	// as duas chamadas rodam em paralelo, então a ordem de chegada é livre
	assert.ElementsMatch(t, []string{`{"order":1}`, `{"order":2}`},
		[]string{string(calls[0].Payload), string(calls[1].Payload)})

	assert.Zero(t, pending(t, h, "p"))
	assert.Equal(t, int64(2), pending(t, h, "sink"))
	assert.Zero(t, a.Context().OpenMessages())

	stored, err := h.store.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 200, stored.HTTPResponseCode)
	assert.NotNil(t, stored.Times.PollStarted)
	assert.NotNil(t, stored.Times.PayloadSentToAgent)
	assert.NotNil(t, stored.Times.AgentResponse)
	assert.NotNil(t, stored.Times.SentToOutbox)
	assert.NotNil(t, stored.Times.EventComplete)
	assert.Equal(t, []types.Stamp{{Keychain: "result.id", Value: "r-1"}}, stored.OutputStamps)
	assert.JSONEq(t, `{"result":{"id":"r-1"}}`, string(stored.OutputPayload))
}

func TestPollInboxDispatchesUpToEgressConcurrency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := agentSpec("p", "ingest", types.AdapterPush)
	spec.Egress = &types.EgressSettings{EgressConcurrency: 3}
	h.saveGraph(t, pipelineGraph(spec))
	a := h.build(t, "orders", spec)

	var (
		running   atomic.Int64
		maxActive atomic.Int64
	)
	entered := make(chan struct{}, 5)
	release := make(chan struct{})
	h.agents.respond = func(_, _ string, payload []byte) (*ports.AgentResponse, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		entered <- struct{}{}
		<-release
		return &ports.AgentResponse{StatusCode: 200, Body: payload}, nil
	}

	for i := 0; i < 5; i++ {
		_, err := a.Ingest(ctx, types.Data(`{}`))
		require.NoError(t, err)
	}

	// o tick só despacha: volta sem esperar as chamadas lentas
	require.NoError(t, a.PollInbox(ctx))
	for i := 0; i < 3; i++ {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d agent calls started", i)
		}
	}
	assert.Equal(t, int64(3), a.Context().OpenMessages())
	assert.Equal(t, int64(3), maxActive.Load())
	assert.Equal(t, int64(2), pending(t, h, "p"))

	// orçamento esgotado: o tick seguinte não reclama nada
	assert.False(t, a.Context().IsValidToPollInbox())
	require.NoError(t, a.PollInbox(ctx))
	assert.Equal(t, int64(2), pending(t, h, "p"))
	assert.Len(t, h.agents.Calls(), 3)

	close(release)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, a.Wait(waitCtx))
	assert.Zero(t, a.Context().OpenMessages())

	pollAndWait(t, a)
	assert.Zero(t, pending(t, h, "p"))
	assert.Equal(t, int64(5), pending(t, h, "sink"))
	assert.Equal(t, int64(3), maxActive.Load())
}

func TestTeardownDrainsDispatchedMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := agentSpec("p", "ingest", types.AdapterPush)
	spec.Egress = &types.EgressSettings{EgressConcurrency: 2}
	spec.Settings.InboxPollFrequencyMs = 60000
	h.saveGraph(t, pipelineGraph(spec))
	a := h.build(t, "orders", spec)
	require.NoError(t, a.Initialize(ctx))

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	h.agents.respond = func(_, _ string, payload []byte) (*ports.AgentResponse, error) {
		entered <- struct{}{}
		<-release
		return &ports.AgentResponse{StatusCode: 200, Body: payload}, nil
	}
	_, err := a.Ingest(ctx, types.Data(`{}`))
	require.NoError(t, err)
	require.NoError(t, a.PollInbox(ctx))
	<-entered

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = a.Teardown(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	waitCtx, cancel2 := context.WithTimeout(ctx, 2*time.Second)
	defer cancel2()
	require.NoError(t, a.Wait(waitCtx))
	assert.Equal(t, int64(1), pending(t, h, "sink"))
}

func TestTransientFailureReleasesUntilMaxDeliveries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := agentSpec("p", "ingest", types.AdapterPush)
	h.saveGraph(t, pipelineGraph(spec))
	a := h.build(t, "orders", spec)

	h.agents.respond = func(string, string, []byte) (*ports.AgentResponse, error) {
		return nil, domain.TransientIOError("agent call", errors.New("connection refused"))
	}
	_, err := a.Ingest(ctx, types.Data(`{}`))
	require.NoError(t, err)

	pollAndWait(t, a)
	require.Equal(t, int64(1), pending(t, h, "p"))
	msg, err := h.store.Peek(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, msg.Attempts)

	pollAndWait(t, a)
	require.Equal(t, int64(1), pending(t, h, "p"))

	// terceira entrega atinge o limite configurado (3) e a mensagem é descartada
	pollAndWait(t, a)
	assert.Zero(t, pending(t, h, "p"))
	assert.Len(t, h.agents.Calls(), 3)
	assert.Zero(t, pending(t, h, "sink"))
	assert.Zero(t, a.Context().OpenMessages())
}

func TestPanickingHandlerKeepsCounterBounded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := agentSpec("p", "ingest", types.AdapterPush)
	h.saveGraph(t, pipelineGraph(spec))
	a := h.build(t, "orders", spec)

	h.agents.respond = func(string, string, []byte) (*ports.AgentResponse, error) {
		panic("agent client exploded")
	}
	_, err := a.Ingest(ctx, types.Data(`{}`))
	require.NoError(t, err)

	require.NotPanics(t, func() { pollAndWait(t, a) })
	assert.Zero(t, a.Context().OpenMessages())
	assert.True(t, a.Context().IsValidToPollInbox())

	// panic conta como falha transitória: a mensagem volta para a inbox
	msg, err := h.store.Peek(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, msg.Attempts)
}

func TestAgentRejectionCompletesWithoutFanout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := agentSpec("p", "ingest", types.AdapterPush)
	h.saveGraph(t, pipelineGraph(spec))
	a := h.build(t, "orders", spec)

	h.agents.respond = func(string, string, []byte) (*ports.AgentResponse, error) {
		return &ports.AgentResponse{StatusCode: http.StatusUnprocessableEntity}, nil
	}
	event, err := a.Ingest(ctx, types.Data(`{}`))
	require.NoError(t, err)
	pollAndWait(t, a)

	assert.Zero(t, pending(t, h, "p"))
	assert.Zero(t, pending(t, h, "sink"))

	stored, err := h.store.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, stored.HTTPResponseCode)
	assert.NotNil(t, stored.Times.EventComplete)
	assert.Nil(t, stored.Times.SentToOutbox)
}

func TestPassthroughSkipsAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := types.AdapterSpec{ID: "p", Name: "relay", Type: types.AdapterHidden,
		Settings: types.AdapterSettings{IsPassthrough: true}}
	h.saveGraph(t, pipelineGraph(spec))
	a := h.build(t, "orders", spec)

	_, err := a.Ingest(ctx, types.Data(`{"n":1}`))
	require.NoError(t, err)
	pollAndWait(t, a)

	assert.Empty(t, h.agents.Calls())
	msg, err := h.store.Peek(ctx, "sink")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(msg.Payload))
	assert.Equal(t, "relay", msg.SourceAdapterName)
}

func TestDownstreamAdapterOpensNewEventInSameFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hidden := agentSpec("h", "enrich", types.AdapterHidden)
	hidden.Upstream = []string{"p"}
	graph := &types.Graph{Name: "orders", Version: "1", Adapters: []types.AdapterSpec{
		{ID: "p", Name: "relay", Type: types.AdapterPush, Downstream: []string{"h"},
			Settings: types.AdapterSettings{IsPassthrough: true}},
		hidden,
	}}
	h.saveGraph(t, graph)

	relay := h.build(t, "orders", graph.Adapters[0])
	enrich := h.build(t, "orders", graph.Adapters[1])

	first, err := relay.Ingest(ctx, types.Data(`{"n":1}`))
	require.NoError(t, err)
	pollAndWait(t, relay)
	msg, err := h.store.Peek(ctx, "h")
	require.NoError(t, err)
	pollAndWait(t, enrich)

	assert.Equal(t, first.FlowID, msg.FlowID)
	assert.Equal(t, first.ID, msg.FlowEventID)
	require.Len(t, h.agents.Calls(), 1)
	assert.Equal(t, "http://echo-agent:8081/process", h.agents.Calls()[0].URL)
}

func TestEgressAdapterCallsExternalEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := types.AdapterSpec{ID: "e", Name: "webhook", Type: types.AdapterEgress, Endpoint: "https://hooks.example.com/orders"}
	h.saveGraph(t, &types.Graph{Name: "orders", Version: "1", Adapters: []types.AdapterSpec{spec}})
	a := h.build(t, "orders", spec)

	event, err := a.Ingest(ctx, types.Data(`{"n":1}`))
	require.NoError(t, err)
	pollAndWait(t, a)

	require.Len(t, h.agents.Calls(), 1)
	assert.Equal(t, "https://hooks.example.com/orders", h.agents.Calls()[0].URL)

	stored, err := h.store.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.Times.PayloadEgressed)
	assert.NotNil(t, stored.Times.EventComplete)
}

func TestPublishAdapterPublishesToBroker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := types.AdapterSpec{ID: "pub", Name: "announce", Type: types.AdapterPublish,
		Broker: &types.BrokerSettings{Type: types.BrokerNATS, Topic: "flow.orders.done"}}
	h.saveGraph(t, &types.Graph{Name: "orders", Version: "1", Adapters: []types.AdapterSpec{spec}})
	a := h.build(t, "orders", spec)

	event, err := a.Ingest(ctx, types.Data(`{"n":1}`))
	require.NoError(t, err)
	pollAndWait(t, a)

	require.Len(t, h.broker.Published(), 1)
	assert.Equal(t, "flow.orders.done", h.broker.Published()[0].Topic)
	assert.Zero(t, pending(t, h, "pub"))

	stored, err := h.store.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.Times.PayloadEgressed)
}

func TestPushRoute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := agentSpec("p", "Ingest", types.AdapterPush)
	spec.Settings.InboxPollFrequencyMs = 60000
	a := h.build(t, "Orders", spec)
	require.NoError(t, a.Initialize(ctx))
	t.Cleanup(func() { _, _ = a.Teardown(ctx) })

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/ubiquia/graph/orders/adapter/ingest/push", strings.NewReader(`{"order":7}`)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"flow_id"`)

	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/ubiquia/graph/orders/adapter/ingest/push", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, int64(1), pending(t, h, "p"))
}

func TestSubscribeIngestsBrokerMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := agentSpec("s", "listener", types.AdapterSubscribe)
	spec.Broker = &types.BrokerSettings{Type: types.BrokerNATS, Topic: "flow.orders.created"}
	spec.Settings.InboxPollFrequencyMs = 60000
	a := h.build(t, "orders", spec)
	require.NoError(t, a.Initialize(ctx))

	handler := h.broker.Handler("flow.orders.created")
	require.NotNil(t, handler)
	assert.Equal(t, []string{"orders_listener"}, h.broker.durables)

	require.NoError(t, handler(ctx, []byte(`{"id":1}`)))
	require.NoError(t, handler(ctx, []byte(`plain`)))
	assert.Equal(t, int64(2), pending(t, h, "s"))

	msgs, err := h.store.Claim(ctx, "s", 2)
	require.NoError(t, err)
	assert.JSONEq(t, `"plain"`, string(msgs[1].Payload))

	res, err := a.Teardown(ctx)
	require.NoError(t, err)
	// inbox, backpressure e subscrição
	assert.Equal(t, 3, res.TasksCancelled)
	assert.Nil(t, h.broker.Handler("flow.orders.created"))
}

func TestSubscribeWithoutBrokerFailsInitialization(t *testing.T) {
	h := newHarness(t)
	h.factory.rt.broker = nil

	spec := agentSpec("s", "listener", types.AdapterSubscribe)
	spec.Broker = &types.BrokerSettings{Type: types.BrokerNATS, Topic: "flow.orders.created"}
	a := h.build(t, "orders", spec)

	err := a.Initialize(context.Background())
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Empty(t, a.Context().Routes())
	assert.Zero(t, h.sched.Running())
}

func TestPollEndpointEnqueuesResponses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := types.AdapterSpec{ID: "poll", Name: "fetch", Type: types.AdapterPoll,
		Poll: &types.PollSettings{PollEndpoint: "http://source:9000/items"}}
	a := h.build(t, "orders", spec)

	status := 200
	h.agents.respond = func(method, url string, _ []byte) (*ports.AgentResponse, error) {
		assert.Equal(t, http.MethodGet, method)
		assert.Equal(t, "http://source:9000/items", url)
		return &ports.AgentResponse{StatusCode: status, Body: []byte(`{"item":1}`)}, nil
	}

	require.NoError(t, a.PollEndpoint(ctx))
	assert.Equal(t, int64(1), pending(t, h, "poll"))

	status = http.StatusNoContent
	h.agents.respond = func(string, string, []byte) (*ports.AgentResponse, error) {
		return &ports.AgentResponse{StatusCode: status}, nil
	}
	require.NoError(t, a.PollEndpoint(ctx))

	status = http.StatusNotFound
	require.NoError(t, a.PollEndpoint(ctx))
	assert.Equal(t, int64(1), pending(t, h, "poll"))
}
