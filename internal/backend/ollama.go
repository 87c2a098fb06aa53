package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"LocalChat/internal/engine"
)

// OllamaChatRequest represents the request body for /api/chat
type OllamaChatRequest struct {
	Model     string        `json:"model"`
	Messages  []engine.Turn `json:"messages"`
	Stream    bool          `json:"stream"`
	KeepAlive string        `json:"keep_alive,omitempty"`
}

// OllamaChatChunk is one NDJSON line of a streamed /api/chat response. The
// final line has Done set and carries the counters; durations are nanoseconds.
type OllamaChatChunk struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done               bool   `json:"done"`
	DoneReason         string `json:"done_reason,omitempty"`
	Error              string `json:"error,omitempty"`
	TotalDuration      int64  `json:"total_duration,omitempty"`
	LoadDuration       int64  `json:"load_duration,omitempty"`
	PromptEvalCount    int    `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64  `json:"prompt_eval_duration,omitempty"`
	EvalCount          int    `json:"eval_count,omitempty"`
	EvalDuration       int64  `json:"eval_duration,omitempty"`
}

// OllamaPullRequest represents the request body for /api/pull
type OllamaPullRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// OllamaPullStatus is one NDJSON line of a streamed /api/pull response
type OllamaPullStatus struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// OllamaGenerateRequest loads or unloads a model when Prompt is empty
type OllamaGenerateRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	Stream    bool   `json:"stream"`
	KeepAlive any    `json:"keep_alive,omitempty"`
}

// OllamaTagsResponse represents the response from Ollama /api/tags endpoint
type OllamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

// OllamaModel represents a single model in the Ollama tags response
type OllamaModel struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// Ollama drives a local Ollama server through its native API
type Ollama struct {
	turnState
	http      *httpClient
	keepAlive string

	mu       sync.Mutex
	model    string
	progress func(engine.Progress)
}

var (
	_ engine.Engine      = (*Ollama)(nil)
	_ engine.ModelLister = (*Ollama)(nil)
)

// NewOllama creates an Ollama adapter. No request is made until Reload.
func NewOllama(opts Options) *Ollama {
	return &Ollama{
		http:      newHTTPClient("ollama", opts),
		keepAlive: opts.KeepAlive,
	}
}

// SetLoadProgressCallback registers a hook invoked during Reload
func (o *Ollama) SetLoadProgressCallback(fn func(engine.Progress)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = fn
}

func (o *Ollama) report(p engine.Progress) {
	o.mu.Lock()
	fn := o.progress
	o.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// Reload pulls model if it is missing and warms it into memory
func (o *Ollama) Reload(ctx context.Context, model string) error {
	ctx, span := o.http.tracer.Start(ctx, "ollama.load", trace.WithAttributes(attribute.String("model", model)))
	defer span.End()

	start := time.Now()
	if err := o.pull(ctx, model, start); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	o.report(engine.Progress{Text: "loading model into memory", Elapsed: time.Since(start)})
	warm := OllamaGenerateRequest{Model: model, KeepAlive: o.keepAlive}
	if o.keepAlive == "" {
		warm.KeepAlive = nil
	}
	if err := o.http.call(ctx, http.MethodPost, "/api/generate", warm, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	o.mu.Lock()
	o.model = model
	o.mu.Unlock()

	elapsed := time.Since(start)
	o.report(engine.Progress{
		Text:     fmt.Sprintf("Finish loading on %s in %.1fs", model, elapsed.Seconds()),
		Fraction: 1,
		Elapsed:  elapsed,
	})
	o.http.logger.Info("model loaded", "model", model, "duration_ms", elapsed.Milliseconds())
	return nil
}

// pull streams /api/pull and reports each status line as progress
func (o *Ollama) pull(ctx context.Context, model string, start time.Time) error {
	req, err := o.http.newRequest(ctx, http.MethodPost, "/api/pull", OllamaPullRequest{Model: model, Stream: true})
	if err != nil {
		return err
	}
	resp, err := o.http.do(o.http.stream, req, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	for {
		var status OllamaPullStatus
		if err := decoder.Decode(&status); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return transportError(err, false)
		}
		if status.Error != "" {
			return serverError(status.Error)
		}

		p := engine.Progress{Text: status.Status, Elapsed: time.Since(start)}
		if status.Total > 0 {
			p.Fraction = float64(status.Completed) / float64(status.Total)
			p.Text = fmt.Sprintf("%s %d%%", status.Status, status.Completed*100/status.Total)
		}
		o.report(p)
	}
}

// Unload asks Ollama to evict the model now
func (o *Ollama) Unload(ctx context.Context) error {
	o.mu.Lock()
	model := o.model
	o.model = ""
	o.mu.Unlock()
	if model == "" {
		return nil
	}

	if err := o.http.call(ctx, http.MethodPost, "/api/generate", OllamaGenerateRequest{Model: model, KeepAlive: 0}, nil); err != nil {
		return fmt.Errorf("failed to unload %s: %w", model, err)
	}
	o.http.logger.Info("model unloaded", "model", model)
	return nil
}

// ChatStream posts the conversation to /api/chat and streams the reply
func (o *Ollama) ChatStream(ctx context.Context, turns []engine.Turn, opts engine.StreamOptions) (engine.Stream, error) {
	o.mu.Lock()
	model := o.model
	o.mu.Unlock()
	if model == "" {
		return nil, ErrNotLoaded
	}

	ctx, span := o.http.tracer.Start(ctx, "ollama.chat", trace.WithAttributes(
		attribute.String("model", model),
		attribute.Int("turns", len(turns)),
	))
	defer span.End()

	reqCtx := o.begin(ctx)
	req, err := o.http.newRequest(reqCtx, http.MethodPost, "/api/chat", OllamaChatRequest{
		Model:     model,
		Messages:  turns,
		Stream:    true,
		KeepAlive: o.keepAlive,
	})
	if err != nil {
		o.finish("")
		return nil, err
	}
	resp, err := o.http.do(o.http.stream, req, o.wasInterrupted)
	if err != nil {
		o.finish("")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return &ollamaStream{
		owner:        o,
		body:         resp.Body,
		decoder:      json.NewDecoder(resp.Body),
		includeUsage: opts.IncludeUsage,
	}, nil
}

// ListModels returns the models available locally
func (o *Ollama) ListModels(ctx context.Context) ([]engine.ModelInfo, error) {
	var tags OllamaTagsResponse
	if err := o.http.call(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return nil, err
	}
	models := make([]engine.ModelInfo, len(tags.Models))
	for i, m := range tags.Models {
		models[i] = engine.ModelInfo{Name: m.Name, Size: m.Size}
	}
	return models, nil
}

type ollamaStream struct {
	owner        *Ollama
	body         io.ReadCloser
	decoder      *json.Decoder
	includeUsage bool
	text         strings.Builder
	done         bool
	closed       bool
}

func (s *ollamaStream) Recv() (engine.Chunk, error) {
	if s.done {
		return engine.Chunk{}, io.EOF
	}

	var chunk OllamaChatChunk
	if err := s.decoder.Decode(&chunk); err != nil {
		if s.owner.wasInterrupted() {
			return engine.Chunk{}, &ClientError{Type: ErrTypeInterrupted, Message: "request interrupted", Cause: err}
		}
		if errors.Is(err, io.EOF) {
			return engine.Chunk{}, &ClientError{Type: ErrTypeInvalidResponse, Message: "stream ended before completion"}
		}
		return engine.Chunk{}, transportError(err, false)
	}
	if chunk.Error != "" {
		return engine.Chunk{}, serverError(chunk.Error)
	}

	s.text.WriteString(chunk.Message.Content)
	out := engine.Chunk{Delta: chunk.Message.Content}
	if chunk.Done {
		s.done = true
		if s.includeUsage {
			out.Usage = &engine.Usage{
				PromptTokens:        chunk.PromptEvalCount,
				CompletionTokens:    chunk.EvalCount,
				PrefillTokensPerSec: rate(chunk.PromptEvalCount, time.Duration(chunk.PromptEvalDuration)),
				DecodeTokensPerSec:  rate(chunk.EvalCount, time.Duration(chunk.EvalDuration)),
			}
		}
	}
	return out, nil
}

func (s *ollamaStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.owner.finish(s.text.String())
	return s.body.Close()
}
