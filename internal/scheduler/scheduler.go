// Package scheduler executa tarefas recorrentes dos adapters num pool
// compartilhado de workers, e o trabalho avulso que elas despacham num segundo
// pool, para que um tick nunca espere por um worker ocupado por ele mesmo.
//
// Cada tarefa tem sua própria frequência e nunca se sobrepõe a si mesma: um
// tick que encontra a invocação anterior ainda rodando é descartado. O
// cancelamento é cooperativo: a próxima invocação é suprimida e a que está em
// andamento termina normalmente (drain, não kill).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("scheduler closed")

type Scheduler struct {
	pool    *ants.Pool
	workers *ants.Pool
	logger  *zap.Logger

	mu     sync.Mutex
	tasks  map[*Task]struct{}
	closed bool
}

func New(size int, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		logger: logger,
		tasks:  make(map[*Task]struct{}),
	}

	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(p interface{}) {
		s.logger.Error("scheduled task panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	workers, err := ants.NewPool(size, ants.WithPanicHandler(func(p interface{}) {
		s.logger.Error("submitted work panicked", zap.Any("panic", p))
	}))
	if err != nil {
		pool.Release()
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	s.pool = pool
	s.workers = workers
	return s, nil
}

// Submit roda fn uma vez no pool de trabalho; bloqueia enquanto o pool estiver cheio
func (s *Scheduler) Submit(fn func()) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.workers.Submit(fn)
}

// Every agenda fn a cada interval até o Cancel da tarefa
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) (*Task, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("task %s: interval must be positive, got %s", name, interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		sched:    s,
	}
	s.tasks[t] = struct{}{}

	go t.loop()
	return t, nil
}

// Running devolve quantas tarefas ainda não foram canceladas
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) forget(t *Task) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
}

// Close cancela todas as tarefas, espera o drain (limitado por ctx) e libera o pool
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	tasks := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		_ = t.Cancel()
	}

	var errs []error
	for _, t := range tasks {
		if err := t.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.name, err))
			break
		}
	}

	timeout := time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := s.pool.ReleaseTimeout(timeout); err != nil {
		errs = append(errs, err)
	}
	// trabalho avulso em andamento termina antes do pool fechar
	if err := s.workers.ReleaseTimeout(timeout); err != nil {
		errs = append(errs, fmt.Errorf("work pool: %w", err))
	}
	return errors.Join(errs...)
}

// Task é o handle cancelável de uma tarefa recorrente
type Task struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	running   atomic.Bool
	skipped   atomic.Int64
	inflight  sync.WaitGroup
	done      chan struct{}

	sched *Scheduler
}

func (t *Task) Name() string {
	return t.name
}

func (t *Task) loop() {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.fire()
		}
	}
}

func (t *Task) fire() {
	if t.ctx.Err() != nil {
		return
	}
	if !t.running.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		return
	}

	t.inflight.Add(1)
	err := t.sched.pool.Submit(func() {
		defer t.inflight.Done()
		defer t.running.Store(false)

		if t.ctx.Err() != nil {
			return
		}
		t.fn(t.ctx)
	})
	if err != nil {
		t.running.Store(false)
		t.inflight.Done()
		t.sched.logger.Warn("scheduled task not submitted",
			zap.String("task", t.name), zap.Error(err))
	}
}

// Cancel é idempotente e nunca falha; a invocação em andamento vê o ctx cancelado
func (t *Task) Cancel() error {
	if !t.cancelled.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()
	t.sched.forget(t)
	return nil
}

func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// Skipped conta os ticks descartados porque a invocação anterior ainda rodava
func (t *Task) Skipped() int64 {
	return t.skipped.Load()
}

// Wait espera o loop terminar e a invocação em andamento drenar
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	drained := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
