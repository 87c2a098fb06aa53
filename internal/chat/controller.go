// Package chat turns a streaming inference engine into a sequential,
// cancellable conversation for a UI that only observes state.
//
// Every engine operation (load, generate, reset, unload, model switch) runs as
// a task on a single Sequencer, so the engine never sees two calls at once.
// Progress reaches the UI through MessageUpdate and StatsUpdate callbacks,
// which are invoked from the sequencer goroutine.
package chat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"LocalChat/internal/engine"
	"LocalChat/internal/journal"
	"LocalChat/internal/sequencer"
	"LocalChat/internal/session"
	"LocalChat/internal/telemetry"
)

// Recorder persists settled operations; *journal.Journal implements it
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Options configures a Controller. Only Session is required.
type Options struct {
	Engine      engine.Engine
	Session     *session.Session
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Instruments *telemetry.Instruments
	Journal     Recorder

	// OnStateChange is called whenever InProgress or ModelLoaded may have changed
	OnStateChange func(inProgress, modelLoaded bool)
}

// generation is the in-flight generate operation, shared with Interrupt
type generation struct {
	id    string
	epoch uint64
	stop  atomic.Bool
}

func (g *generation) stopped() bool {
	return g.stop.Load()
}

// Controller is the chat session controller
type Controller struct {
	engine  engine.Engine
	sess    *session.Session
	seq     *sequencer.Sequencer
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *telemetry.Instruments
	journal Recorder
	onState func(inProgress, modelLoaded bool)

	mu      sync.Mutex
	current *generation
}

// New creates a Controller and starts its sequencer
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("chat")
	}
	metrics := opts.Instruments
	if metrics == nil {
		metrics = telemetry.NewInstruments(nil, logger)
	}

	return &Controller{
		engine:  opts.Engine,
		sess:    opts.Session,
		seq:     sequencer.New(logger, tracer),
		logger:  logger,
		tracer:  tracer,
		metrics: metrics,
		journal: opts.Journal,
		onState: opts.OnStateChange,
	}
}

// OperationInProgress reports whether any operation is queued or running
func (c *Controller) OperationInProgress() bool {
	return c.sess.InProgress()
}

// ModelLoaded reports whether the engine has a model loaded
func (c *Controller) ModelLoaded() bool {
	return c.sess.ModelLoaded()
}

// State returns the session lifecycle state
func (c *Controller) State() session.State {
	return c.sess.State()
}

// Transcript returns a copy of the conversation so far
func (c *Controller) Transcript() []session.Message {
	return c.sess.Messages()
}

// Session returns the underlying session
func (c *Controller) Session() *session.Session {
	return c.sess
}

// Close waits for queued operations to settle, or for ctx to end
func (c *Controller) Close(ctx context.Context) error {
	return c.seq.Close(ctx)
}

func (c *Controller) notifyState() {
	if c.onState != nil {
		c.onState(c.sess.InProgress(), c.sess.ModelLoaded())
	}
}

// enqueue submits body as a task. The caller has already taken the session
// reservation; it is released exactly once whether body returns, fails,
// panics or never runs.
func (c *Controller) enqueue(name string, generate bool, body sequencer.Task) *sequencer.Handle {
	c.metrics.QueueDelta(context.Background(), 1)
	c.notifyState()

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.sess.Release(generate)
			c.metrics.QueueDelta(context.Background(), -1)
			c.notifyState()
		})
	}

	h := c.seq.Submit(name, func(ctx context.Context) error {
		defer release()
		return body(ctx)
	})

	select {
	case <-h.Done():
		if h.Err() == sequencer.ErrClosed {
			release()
		}
	default:
	}
	return h
}

func (c *Controller) record(ctx context.Context, e journal.Entry) {
	if c.journal == nil {
		return
	}
	e.SessionID = c.sess.ID
	if e.OpID == "" {
		e.OpID = uuid.NewString()
	}
	if err := c.journal.Record(ctx, e); err != nil {
		c.logger.Warn("failed to record operation", "op_id", e.OpID, "kind", e.Kind, "error", err)
	}
}

// forceUnload returns engine and session to Unloaded after a failure
func (c *Controller) forceUnload(ctx context.Context) {
	if c.engine != nil {
		if err := c.engine.Unload(ctx); err != nil {
			c.logger.Error("forced unload failed", "error", err)
		}
	}
	c.sess.MarkUnloaded()
	c.notifyState()
}

// Unload queues an explicit unload of the engine
func (c *Controller) Unload() *sequencer.Handle {
	c.sess.Reserve()
	return c.enqueue(journal.KindUnload, false, func(ctx context.Context) error {
		start := time.Now()
		model := c.sess.Model()
		if c.engine == nil {
			c.sess.MarkUnloaded()
			return ErrAdapterUnavailable
		}

		err := c.engine.Unload(ctx)
		c.sess.MarkUnloaded()
		c.notifyState()

		entry := journal.Entry{Kind: journal.KindUnload, Model: model, Status: journal.StatusOK, Duration: time.Since(start)}
		if err != nil {
			entry.Status, entry.Error = journal.StatusError, err.Error()
			c.logger.Error("unload failed", "model", model, "error", err)
		} else {
			c.logger.Info("model unloaded", "model", model)
		}
		c.record(ctx, entry)
		return err
	})
}

// SwitchModel queues a model change. A loaded model is unloaded; the next
// generation loads the new one.
func (c *Controller) SwitchModel(model string) *sequencer.Handle {
	c.sess.Reserve()
	return c.enqueue(journal.KindSwitch, false, func(ctx context.Context) error {
		previous := c.sess.Model()
		var err error
		if c.sess.ModelLoaded() && c.engine != nil {
			err = c.engine.Unload(ctx)
			c.sess.MarkUnloaded()
			c.notifyState()
		}
		c.sess.SetModel(model)
		c.logger.Info("model switched", "from", previous, "to", model)

		entry := journal.Entry{Kind: journal.KindSwitch, Model: model, Status: journal.StatusOK}
		if err != nil {
			entry.Status, entry.Error = journal.StatusError, err.Error()
		}
		c.record(ctx, entry)
		return err
	})
}
