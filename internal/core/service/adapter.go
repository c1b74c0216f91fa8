package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/diogoX451/ubiquia-flow/internal/core/domain"
	"github.com/diogoX451/ubiquia-flow/internal/core/ports"
	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

// Adapter é uma instância implantada: contexto vivo mais a linha de comportamento do tipo
type Adapter struct {
	ac       *AdapterContext
	behavior behavior
	rt       *runtime
	logger   *zap.Logger

	// mensagens despachadas ao pool e ainda não assentadas
	inflight sync.WaitGroup
	// serializa a montagem de merges de um mesmo adapter
	mergeMu sync.Mutex
}

// TeardownResult conta o que um teardown efetivamente liberou
type TeardownResult struct {
	TasksCancelled     int
	RoutesDeregistered int
}

func (a *Adapter) Context() *AdapterContext {
	return a.ac
}

// Initialize registra as rotas, abre a subscrição do broker e agenda as tarefas.
// Qualquer falha desfaz o que já foi feito.
func (a *Adapter) Initialize(ctx context.Context) error {
	if err := a.initialize(); err != nil {
		if _, terr := a.Teardown(ctx); terr != nil {
			a.logger.Warn("rollback of failed initialization incomplete", zap.Error(terr))
		}
		return err
	}

	a.logger.Info("adapter initialized",
		zap.Int("routes", len(a.ac.Routes())),
		zap.Int64("egress_concurrency", a.ac.EgressConcurrency()))
	return nil
}

func (a *Adapter) initialize() error {
	if err := a.registerRoutes(); err != nil {
		return err
	}

	if a.behavior.subscribe {
		if err := a.subscribe(); err != nil {
			return err
		}
	}

	settings := a.ac.Spec().Settings
	if a.behavior.pollInbox {
		if err := a.every("inbox", settings.InboxPollFrequencyMs, func(ctx context.Context) error {
			return a.PollInbox(ctx)
		}); err != nil {
			return err
		}
	}
	if a.behavior.sample {
		if err := a.every("backpressure", settings.BackpressurePollFrequencyMs, func(ctx context.Context) error {
			return a.rt.backpressure.Sample(ctx, a.ac)
		}); err != nil {
			return err
		}
	}
	if a.behavior.pollEndpoint {
		if err := a.every("poll", a.ac.Spec().Poll.PollFrequencyMs, a.PollEndpoint); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) registerRoutes() error {
	records, err := EndpointRecords(a.ac.Type(), a.ac.GraphName(), a.ac.Name())
	if err != nil {
		return err
	}

	for i, record := range records {
		handle, err := a.rt.routes.Register(record, a.handlerFor(a.behavior.routes[i]))
		if err != nil {
			return domain.ConfigurationError("register_route", err).WithAdapter(a.ac.GraphName(), a.ac.Name())
		}
		a.ac.addRoute(handle, record)
	}
	return nil
}

func (a *Adapter) subscribe() error {
	settings := a.ac.Spec().Broker
	if a.rt.broker == nil || settings == nil {
		return domain.ConfigurationError("broker_subscribe", domain.ErrBrokerNotConfigured).
			WithAdapter(a.ac.GraphName(), a.ac.Name())
	}

	durable := subscriptionDurable(a.ac.GraphName(), a.ac.Name())
	sub, err := a.rt.broker.Subscribe(settings.Topic, durable, a.onBrokerMessage)
	if err != nil {
		return domain.TransientIOError("broker_subscribe", fmt.Errorf("subscribe %s: %w", settings.Topic, err)).
			WithAdapter(a.ac.GraphName(), a.ac.Name())
	}
	a.ac.addTask(&subscriptionHandle{name: a.taskName("subscription"), sub: sub})
	return nil
}

// subscriptionDurable identifica o consumer de um SUBSCRIBE; estável entre deploys
func subscriptionDurable(graph, adapter string) string {
	return graph + "_" + adapter
}

func (a *Adapter) taskName(kind string) string {
	return a.ac.GraphName() + "/" + a.ac.Name() + "/" + kind
}

func (a *Adapter) every(kind string, frequencyMs int64, fn func(ctx context.Context) error) error {
	name := a.taskName(kind)
	task, err := a.rt.scheduler.Every(name, time.Duration(frequencyMs)*time.Millisecond, func(ctx context.Context) {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("scheduled task failed", zap.String("task", name), zap.Error(err))
		}
	})
	if err != nil {
		return domain.ConfigurationError("schedule_task", err).WithAdapter(a.ac.GraphName(), a.ac.Name())
	}
	a.ac.addTask(task)
	return nil
}

type drainer interface {
	Wait(ctx context.Context) error
}

// Teardown cancela todas as tarefas e depois remove todas as rotas, mesmo que
// algum cancelamento falhe. As invocações em andamento são drenadas até o
// limite de ctx. Um segundo teardown não libera nada.
func (a *Adapter) Teardown(ctx context.Context) (TeardownResult, error) {
	tasks, routes := a.ac.takeHandles()

	var (
		result TeardownResult
		errs   []error
	)
	for _, t := range tasks {
		if err := t.Cancel(); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", t.Name(), err))
			continue
		}
		result.TasksCancelled++
	}
	for _, h := range routes {
		if a.rt.routes.Deregister(h) {
			result.RoutesDeregistered++
		}
	}

	drained := true
	for _, t := range tasks {
		if d, ok := t.(drainer); ok {
			if err := d.Wait(ctx); err != nil {
				errs = append(errs, fmt.Errorf("drain %s: %w", t.Name(), err))
				drained = false
				break
			}
		}
	}
	if drained {
		if err := a.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain in-flight messages: %w", err))
		}
	}

	if result.TasksCancelled > 0 || result.RoutesDeregistered > 0 {
		a.logger.Info("adapter torn down",
			zap.Int("tasks", result.TasksCancelled), zap.Int("routes", result.RoutesDeregistered))
	}
	return result, errors.Join(errs...)
}

// PollInbox é o tick da inbox: admissão, claim e despacho em ordem de claim.
// Cada mensagem roda no pool de trabalho; o contador de abertas sobe antes do
// despacho, então o próximo tick já vê as mensagens em voo.
func (a *Adapter) PollInbox(ctx context.Context) error {
	if !a.ac.IsValidToPollInbox() {
		return nil
	}
	size := a.ac.InboxQueryPageSize()
	if size <= 0 {
		return nil
	}

	msgs, err := a.rt.store.Claim(ctx, a.ac.ID(), size)
	if err != nil {
		return storeError("inbox_claim", err).WithAdapter(a.ac.GraphName(), a.ac.Name())
	}

	// Mensagens já reclamadas terminam mesmo que o teardown cancele ctx
	work := context.WithoutCancel(ctx)
	for i := range msgs {
		msg := &msgs[i]
		a.ac.acquire()
		a.inflight.Add(1)
		err := a.rt.scheduler.Submit(func() {
			defer a.inflight.Done()
			defer a.ac.release()
			a.process(work, msg)
		})
		if err != nil {
			a.inflight.Done()
			a.ac.release()
			a.settle(work, msg, domain.TransientIOError("inbox_dispatch", err))
		}
	}
	return nil
}

// Wait espera as mensagens já despachadas serem assentadas, limitado por ctx
func (a *Adapter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// process isola panics do handler para que o assentamento sempre aconteça
func (a *Adapter) process(ctx context.Context, msg *types.FlowMessage) {
	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() {
		err = a.handle(ctx, msg)
	})
	if r := catcher.Recovered(); r != nil {
		a.logger.Error("inbox handler panicked",
			zap.String("message", msg.ID), zap.Any("panic", r.Value), zap.ByteString("stack", r.Stack))
		err = domain.TransientIOError("inbox_handle", r.AsError())
	}

	a.settle(ctx, msg, err)
}

// settle decide o destino da mensagem reclamada conforme a classe do erro
func (a *Adapter) settle(ctx context.Context, msg *types.FlowMessage, err error) {
	fields := []zap.Field{
		zap.String("message", msg.ID),
		zap.String("flow", msg.FlowID),
		zap.String("event", msg.FlowEventID),
	}

	switch {
	case err == nil:
		a.deleteMessage(ctx, msg, fields)

	case errors.Is(err, errMergePending):
		a.logger.Debug("merge waiting for upstream payloads", fields...)

	case domain.IsFatal(err):
		a.logger.Error("dropping message after fatal error", append(fields, zap.Error(err))...)
		a.deleteMessage(ctx, msg, fields)

	default:
		if msg.Attempts+1 >= a.rt.maxDeliveries {
			a.logger.Error("dropping message after max deliveries",
				append(fields, zap.Int("attempts", msg.Attempts+1), zap.Error(err))...)
			a.deleteMessage(ctx, msg, fields)
			return
		}
		a.logger.Warn("transient failure, message released",
			append(fields, zap.Int("attempts", msg.Attempts+1), zap.Error(err))...)
		if rerr := a.rt.store.Release(ctx, msg); rerr != nil {
			a.logger.Error("release failed", append(fields, zap.Error(rerr))...)
		}
	}
}

func (a *Adapter) deleteMessage(ctx context.Context, msg *types.FlowMessage, fields []zap.Field) {
	if err := a.rt.store.DeleteMessages(ctx, msg.ID); err != nil {
		a.logger.Error("delete message failed", append(fields, zap.Error(err))...)
	}
}

func (a *Adapter) handle(ctx context.Context, msg *types.FlowMessage) error {
	switch a.behavior.inbox {
	case inboxMerge:
		a.mergeMu.Lock()
		defer a.mergeMu.Unlock()
		return a.merge(ctx, msg)
	case inboxNone:
		return nil
	}

	event, err := a.eventFor(ctx, msg)
	if err != nil {
		return err
	}

	switch a.behavior.inbox {
	case inboxPublish:
		return a.rt.egress.TryPublish(ctx, event, msg.Payload, a.ac)
	default:
		return a.forward(ctx, event, msg.Payload)
	}
}

// BackPressure calcula o snapshot atual a partir do anel de amostras
func (a *Adapter) BackPressure() types.BackPressure {
	return a.rt.backpressure.Calculate(a.ac)
}

// subscriptionHandle faz a subscrição do broker ser cancelada junto com as tarefas
type subscriptionHandle struct {
	name string
	sub  ports.Subscription
	once sync.Once
	err  error
}

func (s *subscriptionHandle) Name() string {
	return s.name
}

func (s *subscriptionHandle) Cancel() error {
	s.once.Do(func() {
		s.err = s.sub.Unsubscribe()
	})
	return s.err
}
