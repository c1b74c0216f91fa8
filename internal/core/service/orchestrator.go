package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/diogoX451/ubiquia-flow/internal/core/domain"
	"github.com/diogoX451/ubiquia-flow/internal/store"
	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

// newEvent abre um FlowEvent neste adapter; input só é guardado se configurado
func (a *Adapter) newEvent(flowID string, payload types.Data) *types.FlowEvent {
	now := a.rt.now()
	spec := a.ac.Spec()

	event := &types.FlowEvent{
		ID:          uuid.NewString(),
		FlowID:      flowID,
		GraphName:   a.ac.GraphName(),
		AdapterID:   a.ac.ID(),
		AdapterName: a.ac.Name(),
		AdapterType: a.ac.Type(),
		InputStamps: Stamps(payload, spec.Settings.InputStampKeychains),
		Times:       types.FlowEventTimes{EventStart: types.Timestamp(now)},
	}
	if spec.Settings.PersistInputPayload {
		event.InputPayload = payload
	}
	return event
}

// eventFor reaproveita o evento criado no ingress quando a mensagem veio do próprio adapter
func (a *Adapter) eventFor(ctx context.Context, msg *types.FlowMessage) (*types.FlowEvent, error) {
	if msg.SourceAdapterID == a.ac.ID() {
		event, err := a.rt.store.GetEvent(ctx, msg.FlowEventID)
		if err != nil {
			return nil, storeError("inbox_event", err).WithAdapter(a.ac.GraphName(), a.ac.Name()).WithEvent(msg.FlowEventID)
		}
		event.Times.PollStarted = types.Timestamp(a.rt.now())
		return event, nil
	}

	event := a.newEvent(msg.FlowID, msg.Payload)
	event.Times.PollStarted = event.Times.EventStart
	if err := a.rt.store.CreateEvent(ctx, event); err != nil {
		return nil, storeError("inbox_event", err).WithAdapter(a.ac.GraphName(), a.ac.Name()).WithEvent(event.ID)
	}
	return event, nil
}

// forwardTarget devolve para onde o payload vai; ok=false significa direto para o outbox
func (a *Adapter) forwardTarget() (method, target string, ok bool) {
	spec := a.ac.Spec()
	if spec.Settings.IsPassthrough {
		return "", "", false
	}

	method = http.MethodPost
	if spec.Egress != nil && spec.Egress.HTTPOutputType == types.HTTPOutputPut {
		method = http.MethodPut
	}

	switch {
	case spec.Type == types.AdapterEgress && spec.Endpoint != "":
		return method, spec.Endpoint, true
	case spec.Agent != nil:
		path := "/" + strings.TrimPrefix(spec.Endpoint, "/")
		return method, fmt.Sprintf("http://%s:%d%s", spec.Agent.Host(), spec.Agent.Port, path), true
	default:
		return "", "", false
	}
}

// forward envia o payload ao agente (ou endpoint externo) e repassa a resposta 2xx
func (a *Adapter) forward(ctx context.Context, event *types.FlowEvent, payload types.Data) error {
	method, target, ok := a.forwardTarget()
	if !ok {
		return a.complete(ctx, event, payload)
	}

	event.Times.PayloadSentToAgent = types.Timestamp(a.rt.now())
	resp, err := a.rt.agents.Call(ctx, method, target, payload)
	if resp != nil {
		event.HTTPResponseCode = resp.StatusCode
	}
	if err != nil {
		return withContext(err, a.ac, event.ID)
	}
	event.Times.AgentResponse = types.Timestamp(a.rt.now())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Resposta definitiva do agente: encerra o evento sem fan-out
		event.Times.EventComplete = types.Timestamp(a.rt.now())
		if err := a.rt.store.UpdateEvent(ctx, event); err != nil {
			return storeError("agent_response", err).WithAdapter(a.ac.GraphName(), a.ac.Name()).WithEvent(event.ID)
		}
		a.logger.Warn("agent rejected payload",
			zap.String("event", event.ID), zap.Int("status", resp.StatusCode), zap.String("target", target))
		return nil
	}

	return a.complete(ctx, event, asJSON(resp.Body))
}

// complete registra a saída do evento e entrega ao outbox, ou marca egress em adapters EGRESS
func (a *Adapter) complete(ctx context.Context, event *types.FlowEvent, output types.Data) error {
	spec := a.ac.Spec()
	event.OutputStamps = Stamps(output, spec.Settings.OutputStampKeychains)
	if spec.Settings.PersistOutputPayload {
		event.OutputPayload = output
	}
	if err := a.rt.store.UpdateEvent(ctx, event); err != nil {
		return storeError("event_output", err).WithAdapter(a.ac.GraphName(), a.ac.Name()).WithEvent(event.ID)
	}

	if a.ac.Type() == types.AdapterEgress {
		updated, err := a.rt.store.MarkEgressed(ctx, event.ID, a.rt.now())
		if err != nil {
			return storeError("egress_complete", err).WithAdapter(a.ac.GraphName(), a.ac.Name()).WithEvent(event.ID)
		}
		*event = *updated
		return nil
	}

	msgs, err := a.rt.outbox.TryQueueComponentResponse(ctx, event, output)
	if err != nil {
		return err
	}
	a.logger.Debug("event sent to outbox", zap.String("event", event.ID), zap.Int("messages", len(msgs)))
	return nil
}

var errMergePending = errors.New("merge waiting for upstream payloads")

// merge junta um payload por upstream do mesmo fluxo em {nomeDoUpstream: payload}
func (a *Adapter) merge(ctx context.Context, msg *types.FlowMessage) error {
	msgs, err := a.rt.store.FlowMessages(ctx, a.ac.ID(), msg.FlowID)
	if err != nil {
		return storeError("merge_load", err).WithAdapter(a.ac.GraphName(), a.ac.Name())
	}

	upstream := make(map[string]struct{}, len(a.ac.Spec().Upstream))
	for _, id := range a.ac.Spec().Upstream {
		upstream[id] = struct{}{}
	}

	// Mensagens mais novas do mesmo upstream substituem as antigas
	latest := make(map[string]types.FlowMessage, len(upstream))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		if _, ok := upstream[m.SourceAdapterID]; ok {
			latest[m.SourceAdapterID] = m
		}
	}
	if len(latest) < len(upstream) {
		return errMergePending
	}

	parts := make([]types.FlowMessage, 0, len(latest))
	for _, m := range latest {
		parts = append(parts, m)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].SourceAdapterName < parts[j].SourceAdapterName })

	merged, err := mergePayloads(parts)
	if err != nil {
		return domain.DataConsistencyError("merge_build", err).WithAdapter(a.ac.GraphName(), a.ac.Name())
	}

	event := a.newEvent(msg.FlowID, merged)
	event.Times.PollStarted = event.Times.EventStart
	if err := a.rt.store.CreateEvent(ctx, event); err != nil {
		return storeError("merge_event", err).WithAdapter(a.ac.GraphName(), a.ac.Name()).WithEvent(event.ID)
	}
	if err := a.forward(ctx, event, merged); err != nil {
		return err
	}

	if err := a.rt.store.DeleteMessages(ctx, ids...); err != nil {
		a.logger.Warn("merged messages not deleted", zap.String("flow", msg.FlowID), zap.Error(err))
	}
	return nil
}

// Ingest cria um fluxo novo e coloca o payload na inbox do próprio adapter,
// para que a admissão controle também o tráfego de entrada
func (a *Adapter) Ingest(ctx context.Context, payload types.Data) (*types.FlowEvent, error) {
	event := a.newEvent(uuid.NewString(), payload)
	if err := a.rt.store.CreateEvent(ctx, event); err != nil {
		return nil, storeError("ingest_event", err).WithAdapter(a.ac.GraphName(), a.ac.Name()).WithEvent(event.ID)
	}

	msg := &types.FlowMessage{
		ID:                uuid.NewString(),
		FlowID:            event.FlowID,
		FlowEventID:       event.ID,
		SourceAdapterID:   a.ac.ID(),
		SourceAdapterName: a.ac.Name(),
		TargetAdapterID:   a.ac.ID(),
		Payload:           payload,
		CreatedAt:         a.rt.now(),
	}
	if err := a.rt.store.Enqueue(ctx, msg); err != nil {
		return nil, storeError("ingest_enqueue", err).WithAdapter(a.ac.GraphName(), a.ac.Name()).WithEvent(event.ID)
	}
	return event, nil
}

// PollEndpoint busca o endpoint de poll e enfileira o corpo de respostas 2xx
func (a *Adapter) PollEndpoint(ctx context.Context) error {
	poll := a.ac.Spec().Poll
	resp, err := a.rt.agents.Call(ctx, http.MethodGet, poll.PollEndpoint, nil)
	if err != nil {
		return withContext(err, a.ac, "")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.logger.Warn("poll endpoint answered without payload",
			zap.String("endpoint", poll.PollEndpoint), zap.Int("status", resp.StatusCode))
		return nil
	}
	if len(resp.Body) == 0 {
		return nil
	}

	_, err = a.Ingest(ctx, asJSON(resp.Body))
	return err
}

func (a *Adapter) onBrokerMessage(ctx context.Context, payload []byte) error {
	_, err := a.Ingest(ctx, asJSON(payload))
	return err
}

// Peek mostra a mensagem mais antiga da fila sem reclamá-la
func (a *Adapter) Peek(ctx context.Context) (*types.QueueEgress, error) {
	count, err := a.rt.store.CountPending(ctx, a.ac.ID())
	if err != nil {
		return nil, storeError("queue_peek", err).WithAdapter(a.ac.GraphName(), a.ac.Name())
	}

	msg, err := a.rt.store.Peek(ctx, a.ac.ID())
	if errors.Is(err, store.ErrNotFound) {
		return &types.QueueEgress{QueuedRecords: 0}, nil
	}
	if err != nil {
		return nil, storeError("queue_peek", err).WithAdapter(a.ac.GraphName(), a.ac.Name())
	}
	return &types.QueueEgress{Payload: msg.Payload, QueuedRecords: count}, nil
}

// Pop reclama a mensagem mais antiga e devolve um evento já completo
func (a *Adapter) Pop(ctx context.Context) (*types.QueueEgress, error) {
	msgs, err := a.rt.store.Claim(ctx, a.ac.ID(), 1)
	if err != nil {
		return nil, storeError("queue_pop", err).WithAdapter(a.ac.GraphName(), a.ac.Name())
	}
	if len(msgs) == 0 {
		return &types.QueueEgress{QueuedRecords: 0}, nil
	}
	msg := msgs[0]

	event := a.newEvent(msg.FlowID, msg.Payload)
	now := a.rt.now()
	event.Times.PollStarted = types.Timestamp(now)
	event.Times.PayloadEgressed = types.Timestamp(now)
	event.Times.EventComplete = types.Timestamp(now)
	event.OutputStamps = Stamps(msg.Payload, a.ac.Spec().Settings.OutputStampKeychains)
	if a.ac.Spec().Settings.PersistOutputPayload {
		event.OutputPayload = msg.Payload
	}

	if err := a.rt.store.CreateEvent(ctx, event); err != nil {
		// Devolve a mensagem para não perdê-la
		if rerr := a.rt.store.Release(ctx, &msg); rerr != nil {
			a.logger.Error("release after failed pop", zap.String("message", msg.ID), zap.Error(rerr))
		}
		return nil, storeError("queue_pop", err).WithAdapter(a.ac.GraphName(), a.ac.Name()).WithEvent(event.ID)
	}
	if err := a.rt.store.DeleteMessages(ctx, msg.ID); err != nil {
		return nil, storeError("queue_pop", err).WithAdapter(a.ac.GraphName(), a.ac.Name()).WithEvent(event.ID)
	}

	count, err := a.rt.store.CountPending(ctx, a.ac.ID())
	if err != nil {
		return nil, storeError("queue_pop", err).WithAdapter(a.ac.GraphName(), a.ac.Name())
	}
	return &types.QueueEgress{FlowEvent: event, Payload: msg.Payload, QueuedRecords: count}, nil
}

// asJSON embrulha corpos que não são JSON como string JSON
func asJSON(body []byte) types.Data {
	if len(body) > 0 && json.Valid(body) {
		return types.Data(body)
	}
	quoted, _ := json.Marshal(string(body))
	return types.Data(quoted)
}

// withContext completa erros classificados com grafo, adapter e evento
func withContext(err error, ac *AdapterContext, eventID string) error {
	var fe *domain.Error
	if errors.As(err, &fe) {
		fe.WithAdapter(ac.GraphName(), ac.Name())
		if eventID != "" {
			fe.WithEvent(eventID)
		}
		return fe
	}
	out := domain.TransientIOError("agent_call", err).WithAdapter(ac.GraphName(), ac.Name())
	if eventID != "" {
		out.WithEvent(eventID)
	}
	return out
}
