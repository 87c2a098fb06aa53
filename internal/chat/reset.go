package chat

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"LocalChat/internal/journal"
	"LocalChat/internal/sequencer"
)

// Reset clears the conversation. A running generation is interrupted and
// the transcript is emptied before Reset returns; the engine-side reset and
// onCleared run as a queued task behind anything already queued. A
// generation still in flight will not append its reply to the new transcript.
func (c *Controller) Reset(onCleared func()) *sequencer.Handle {
	if c.sess.Generating() {
		c.Interrupt()
	}
	c.sess.Clear()
	c.logger.Info("transcript cleared", "session_id", c.sess.ID)

	c.sess.Reserve()
	return c.enqueue(journal.KindReset, false, func(ctx context.Context) error {
		ctx, span := c.tracer.Start(ctx, "chat.reset")
		defer span.End()

		start := time.Now()
		entry := journal.Entry{Kind: journal.KindReset, Model: c.sess.Model(), Status: journal.StatusOK}

		var err error
		if c.engine == nil {
			err = ErrAdapterUnavailable
		} else if resetErr := c.engine.ResetChat(ctx); resetErr != nil {
			err = fmt.Errorf("reset chat: %w", resetErr)
		}

		// The transcript is already gone, so the view is cleared regardless
		if onCleared != nil {
			onCleared()
		}

		entry.Duration = time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			entry.Status, entry.Error = journal.StatusError, err.Error()
			c.logger.Error("engine reset failed", "error", err)
		}
		c.record(ctx, entry)
		return err
	})
}
