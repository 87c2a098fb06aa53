// Package sequencer runs submitted tasks one at a time, in submission order.
//
// A Sequencer is the only path to the inference engine: every load, generate,
// reset and unload is a task, so at most one of them is ever in flight. A task
// that fails or panics settles its own Handle and the next task starts as usual.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrClosed is reported by handles of tasks submitted after Close
var ErrClosed = errors.New("sequencer closed")

// Task is a deferred operation. ctx is cancelled only when the Sequencer is
// closed with tasks still queued.
type Task func(ctx context.Context) error

// Handle resolves once its task has settled. Because tasks run in order,
// every task submitted before it has settled too.
type Handle struct {
	name string
	done chan struct{}
	err  error
}

// Done is closed when the task settles
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task result. Only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task settles or ctx ends
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Settled returns a handle that is already resolved with err
func Settled(name string, err error) *Handle {
	h := &Handle{name: name, done: make(chan struct{}), err: err}
	close(h.done)
	return h
}

type job struct {
	task   Task
	handle *Handle
	queued time.Time
}

// Sequencer is a single-consumer FIFO of tasks
type Sequencer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*job
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}

	logger *slog.Logger
	tracer trace.Tracer
}

// New starts a Sequencer. logger and tracer may be nil.
func New(logger *slog.Logger, tracer trace.Tracer) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("sequencer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sequencer{
		ctx:    ctx,
		cancel: cancel,
		exited: make(chan struct{}),
		logger: logger,
		tracer: tracer,
	}
	s.cond = sync.NewCond(&s.mu)

	go s.loop()
	return s
}

// Submit appends task to the chain and returns its handle
func (s *Sequencer) Submit(name string, task Task) *Handle {
	h := &Handle{name: name, done: make(chan struct{})}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		h.err = ErrClosed
		close(h.done)
		return h
	}

	s.queue = append(s.queue, &job{task: task, handle: h, queued: time.Now()})
	s.cond.Signal()
	return h
}

// Len returns the number of tasks waiting to start
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops accepting tasks and waits for queued ones to settle, or for
// ctx to end, in which case the context passed to remaining tasks is cancelled.
func (s *Sequencer) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	select {
	case <-s.exited:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.exited
		return ctx.Err()
	}
}

func (s *Sequencer) loop() {
	defer close(s.exited)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		j := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.run(j)
	}
}

func (s *Sequencer) run(j *job) {
	ctx, span := s.tracer.Start(s.ctx, "sequencer.task",
		trace.WithAttributes(
			attribute.String("task", j.handle.name),
			attribute.Int64("queued_ms", time.Since(j.queued).Milliseconds()),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			j.handle.err = fmt.Errorf("task %s panicked: %v", j.handle.name, r)
		}
		if j.handle.err != nil {
			span.RecordError(j.handle.err)
			span.SetStatus(codes.Error, j.handle.err.Error())
			s.logger.Warn("task failed", "task", j.handle.name, "error", j.handle.err)
		}
		close(j.handle.done)
	}()

	s.logger.Debug("task started", "task", j.handle.name)
	j.handle.err = j.task(ctx)
}
