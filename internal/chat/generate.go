package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"LocalChat/internal/engine"
	"LocalChat/internal/journal"
	"LocalChat/internal/sequencer"
	"LocalChat/internal/session"
)

// Generate queues a generation for prompt. It returns ErrBusy without
// queueing anything while another operation is in progress, and
// ErrEmptyPrompt for a blank prompt. Nil callbacks are ignored.
func (c *Controller) Generate(prompt string, onUpdate MessageUpdate, onStats StatsUpdate) (*sequencer.Handle, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if onUpdate == nil {
		onUpdate = func(MessageKind, string, bool) {}
	}
	if onStats == nil {
		onStats = func(string) {}
	}

	epoch, ok := c.sess.ReserveGenerate()
	if !ok {
		return nil, ErrBusy
	}

	gen := &generation{id: uuid.NewString(), epoch: epoch}
	c.mu.Lock()
	c.current = gen
	c.mu.Unlock()

	h := c.enqueue(journal.KindGenerate, true, func(ctx context.Context) error {
		defer c.finished(gen)
		return c.runGenerate(ctx, gen, prompt, onUpdate, onStats)
	})
	if errors.Is(h.Err(), sequencer.ErrClosed) {
		c.finished(gen)
	}
	return h, nil
}

// finished forgets gen if it is still the current generation
func (c *Controller) finished(gen *generation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == gen {
		c.current = nil
	}
}

// ensureLoaded runs the load sub-protocol when no model is resident
func (c *Controller) ensureLoaded(ctx context.Context, onUpdate MessageUpdate) error {
	if c.sess.ModelLoaded() {
		return nil
	}

	model := c.sess.Model()
	ctx, span := c.tracer.Start(ctx, "chat.load", trace.WithAttributes(attribute.String("model", model)))
	defer span.End()

	if err := c.sess.BeginLoad(); err != nil {
		return c.fail(ctx, onUpdate, err)
	}
	c.notifyState()

	onUpdate(KindInit, "", true)
	c.engine.SetLoadProgressCallback(func(p engine.Progress) {
		onUpdate(KindInit, p.Text, false)
	})

	start := time.Now()
	err := c.engine.Reload(ctx, model)
	c.metrics.RecordLoad(ctx, model, err == nil, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("model load failed", "model", model, "error", err)
		onUpdate(KindError, "Init error, "+err.Error(), true)
		c.forceUnload(ctx)
		return &LoadError{Model: model, Err: err}
	}

	if err := c.sess.LoadSucceeded(); err != nil {
		return c.fail(ctx, onUpdate, err)
	}
	c.notifyState()
	c.logger.Info("model loaded", "model", model, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (c *Controller) runGenerate(ctx context.Context, gen *generation, prompt string, onUpdate MessageUpdate, onStats StatsUpdate) (err error) {
	ctx, span := c.tracer.Start(ctx, "chat.generate", trace.WithAttributes(attribute.String("op_id", gen.id)))
	defer span.End()

	start := time.Now()
	entry := journal.Entry{OpID: gen.id, Kind: journal.KindGenerate, Model: c.sess.Model(), Status: journal.StatusOK}
	defer func() {
		if err != nil {
			entry.Status, entry.Error = journal.StatusError, err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		entry.Duration = time.Since(start)
		if entry.Status != journal.StatusSkipped {
			c.metrics.RecordGeneration(ctx, entry.Status, entry.Duration)
		}
		c.record(ctx, entry)
	}()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("engine panicked", "op_id", gen.id, "panic", r)
			err = c.fail(ctx, onUpdate, fmt.Errorf("engine panicked: %v", r))
		}
	}()

	if c.engine == nil {
		onUpdate(KindError, "Generate error, "+ErrAdapterUnavailable.Error(), true)
		return ErrAdapterUnavailable
	}

	if gen.epoch != c.sess.Epoch() {
		c.logger.Info("skipping generation queued before reset", "op_id", gen.id)
		entry.Status = journal.StatusSkipped
		return nil
	}

	if err := c.ensureLoaded(ctx, onUpdate); err != nil {
		return err
	}
	if gen.stopped() {
		c.logger.Info("generation interrupted before submission", "op_id", gen.id)
		entry.Status = journal.StatusInterrupted
		return nil
	}

	if err := c.sess.BeginGenerate(); err != nil {
		return c.fail(ctx, onUpdate, err)
	}
	c.notifyState()

	turns, ok := c.sess.AppendUser(gen.epoch, prompt)
	if !ok {
		c.logger.Info("skipping generation after reset", "op_id", gen.id)
		entry.Status = journal.StatusSkipped
		if endErr := c.sess.EndGenerate(); endErr != nil {
			c.logger.Warn("unexpected state after skipped generation", "error", endErr)
		}
		c.notifyState()
		return nil
	}
	entry.Fingerprint = journal.Fingerprint(turns)
	onUpdate(KindUser, prompt, true)

	usage, opened, interrupted, err := c.stream(ctx, gen, turns, onUpdate)
	if err == nil && opened {
		var final string
		final, err = c.engine.FinalMessage(ctx)
		if err == nil {
			if !c.sess.AppendAssistant(gen.epoch, final) {
				c.logger.Info("discarding reply of generation overtaken by reset", "op_id", gen.id)
			}
			onUpdate(KindAssistant, final, false)
		}
	}

	if err != nil {
		c.logger.Error("generation failed", "op_id", gen.id, "error", err)
		return c.fail(ctx, onUpdate, err)
	}

	if endErr := c.sess.EndGenerate(); endErr != nil {
		c.logger.Warn("unexpected state after generation", "error", endErr)
	}
	c.notifyState()

	if interrupted {
		entry.Status = journal.StatusInterrupted
	}
	if usage != nil {
		stats := StatsFromUsage(*usage)
		entry.PromptTokens, entry.CompletionTokens = stats.PromptTokens, stats.CompletionTokens
		entry.PrefillRate, entry.DecodeRate = stats.PrefillRate, stats.DecodeRate
		c.metrics.RecordTokens(ctx, stats.PromptTokens, stats.CompletionTokens)
		onStats(stats.String())
	}

	c.logger.Info("generation complete",
		"op_id", gen.id,
		"interrupted", interrupted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// stream submits turns and relays deltas in arrival order. It stops pulling
// once the generation is interrupted; the error the engine returns for the
// aborted request is then not a failure. opened is false when the request
// was aborted before any stream existed.
func (c *Controller) stream(ctx context.Context, gen *generation, turns []engine.Turn, onUpdate MessageUpdate) (usage *engine.Usage, opened, interrupted bool, err error) {
	stream, err := c.engine.ChatStream(ctx, turns, engine.StreamOptions{IncludeUsage: true})
	if err != nil {
		if gen.stopped() {
			return nil, false, true, nil
		}
		return nil, false, false, err
	}
	defer stream.Close()

	onUpdate(KindAssistant, "", true)
	var text strings.Builder
	for !gen.stopped() {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if gen.stopped() {
				break
			}
			return nil, true, false, err
		}
		if chunk.Delta != "" {
			text.WriteString(chunk.Delta)
			onUpdate(KindAssistant, text.String(), false)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	return usage, true, gen.stopped(), nil
}

// fail reports err as a load failure while the session is loading and as a
// generation failure otherwise, then forces an unload.
func (c *Controller) fail(ctx context.Context, onUpdate MessageUpdate, err error) error {
	if c.sess.State() == session.Loading {
		onUpdate(KindError, "Init error, "+err.Error(), true)
		c.forceUnload(ctx)
		return &LoadError{Model: c.sess.Model(), Err: err}
	}
	onUpdate(KindError, "Generate error, "+err.Error(), true)
	c.forceUnload(ctx)
	return &GenerationError{Err: err}
}

// Interrupt asks the running generation to stop. The partial reply is kept.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	gen := c.current
	c.mu.Unlock()
	if gen == nil {
		return
	}
	gen.stop.Store(true)
	if c.engine != nil {
		c.engine.Interrupt()
	}
	c.logger.Info("generation interrupt requested", "op_id", gen.id)
}
