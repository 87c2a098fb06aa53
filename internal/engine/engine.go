// Package engine defines the contract between the chat controller and a
// local inference engine. Implementations live in internal/backend.
package engine

import (
	"context"
	"time"
)

// Role identifies who authored a conversation turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single entry of the conversation sent to the engine
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Progress is reported repeatedly while a model loads
type Progress struct {
	Text     string
	Fraction float64 // 0..1, zero when unknown
	Elapsed  time.Duration
}

// Usage is carried by the terminal chunk of a stream when requested
type Usage struct {
	PromptTokens        int
	CompletionTokens    int
	PrefillTokensPerSec float64
	DecodeTokensPerSec  float64
}

// Chunk is one element of a chat stream. Either field may be empty.
type Chunk struct {
	Delta string
	Usage *Usage
}

// StreamOptions tunes a chat stream request
type StreamOptions struct {
	IncludeUsage bool
}

// Stream is a finite, non-restartable sequence of chunks.
// Recv returns io.EOF after the last chunk.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// ModelInfo describes a model the engine can load
type ModelInfo struct {
	Name string
	Size int64
}

// Engine is the capability set the controller relies on. Implementations are
// not safe for concurrent use; callers must serialize every method except
// Interrupt.
type Engine interface {
	// SetLoadProgressCallback registers a hook invoked during Reload
	SetLoadProgressCallback(fn func(Progress))

	// Reload loads or switches to the given model. May block for a long time.
	Reload(ctx context.Context, model string) error

	// Unload tears the model down. Idempotent and safe on error paths.
	Unload(ctx context.Context) error

	// ChatStream submits the conversation and returns the streamed reply
	ChatStream(ctx context.Context, turns []Turn, opts StreamOptions) (Stream, error)

	// FinalMessage returns the canonical text of the last completed reply
	FinalMessage(ctx context.Context) (string, error)

	// Interrupt asks the current generation to stop. Never blocks.
	Interrupt()

	// ResetChat clears any engine-side conversation memory
	ResetChat(ctx context.Context) error
}

// ModelLister is implemented by engines that can enumerate local models
type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}
