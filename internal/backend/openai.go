package backend

import (
	"bufio"
	"bytes"
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

// OpenAIRequest represents the request body for /v1/chat/completions
type OpenAIRequest struct {
	Model         string               `json:"model"`
	Messages      []engine.Turn        `json:"messages"`
	Stream        bool                 `json:"stream"`
	StreamOptions *OpenAIStreamOptions `json:"stream_options,omitempty"`
}

// OpenAIStreamOptions asks the server for a trailing usage chunk
type OpenAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// OpenAIStreamChunk is the payload of one SSE data line
type OpenAIStreamChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *OpenAIUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OpenAIUsage holds token counts reported by the server
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIModelsResponse represents the response from /v1/models
type OpenAIModelsResponse struct {
	Object string `json:"object"`
	Data   []struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

// OpenAI drives an OpenAI-compatible local server. The server owns model
// residency, so Reload only verifies the model is served.
type OpenAI struct {
	turnState
	http *httpClient

	mu       sync.Mutex
	model    string
	progress func(engine.Progress)
}

var (
	_ engine.Engine      = (*OpenAI)(nil)
	_ engine.ModelLister = (*OpenAI)(nil)
)

// NewOpenAI creates an adapter for an OpenAI-compatible server
func NewOpenAI(opts Options) *OpenAI {
	return &OpenAI{http: newHTTPClient("openai", opts)}
}

// SetLoadProgressCallback registers a hook invoked during Reload
func (o *OpenAI) SetLoadProgressCallback(fn func(engine.Progress)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = fn
}

func (o *OpenAI) report(p engine.Progress) {
	o.mu.Lock()
	fn := o.progress
	o.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// Reload checks that the server lists model
func (o *OpenAI) Reload(ctx context.Context, model string) error {
	ctx, span := o.http.tracer.Start(ctx, "openai.load", trace.WithAttributes(attribute.String("model", model)))
	defer span.End()

	start := time.Now()
	o.report(engine.Progress{Text: "checking " + model})

	models, err := o.ListModels(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	found := false
	for _, m := range models {
		if m.Name == model {
			found = true
			break
		}
	}
	if !found {
		err := &ClientError{Type: ErrTypeModelNotFound, Message: "model not served: " + model}
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
	return nil
}

// Unload forgets the selected model
func (o *OpenAI) Unload(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.model = ""
	return nil
}

// ListModels returns the models the server exposes
func (o *OpenAI) ListModels(ctx context.Context) ([]engine.ModelInfo, error) {
	var resp OpenAIModelsResponse
	if err := o.http.call(ctx, http.MethodGet, "/v1/models", nil, &resp); err != nil {
		return nil, err
	}
	models := make([]engine.ModelInfo, len(resp.Data))
	for i, m := range resp.Data {
		models[i] = engine.ModelInfo{Name: m.ID}
	}
	return models, nil
}

// ChatStream posts the conversation to /v1/chat/completions and streams the
// server-sent events of the reply
func (o *OpenAI) ChatStream(ctx context.Context, turns []engine.Turn, opts engine.StreamOptions) (engine.Stream, error) {
	o.mu.Lock()
	model := o.model
	o.mu.Unlock()
	if model == "" {
		return nil, ErrNotLoaded
	}

	ctx, span := o.http.tracer.Start(ctx, "openai.chat", trace.WithAttributes(
		attribute.String("model", model),
		attribute.Int("turns", len(turns)),
	))
	defer span.End()

	body := OpenAIRequest{Model: model, Messages: turns, Stream: true}
	if opts.IncludeUsage {
		body.StreamOptions = &OpenAIStreamOptions{IncludeUsage: true}
	}

	start := time.Now()
	reqCtx := o.begin(ctx)
	req, err := o.http.newRequest(reqCtx, http.MethodPost, "/v1/chat/completions", body)
	if err != nil {
		o.finish("")
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := o.http.do(o.http.stream, req, o.wasInterrupted)
	if err != nil {
		o.finish("")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return &openAIStream{
		owner:  o,
		body:   resp.Body,
		events: newSSEReader(resp.Body),
		start:  start,
	}, nil
}

type openAIStream struct {
	owner      *OpenAI
	body       io.ReadCloser
	events     *sseReader
	start      time.Time
	firstToken time.Time
	text       strings.Builder
	done       bool
	closed     bool
}

func (s *openAIStream) Recv() (engine.Chunk, error) {
	for {
		if s.done {
			return engine.Chunk{}, io.EOF
		}

		data, err := s.events.next()
		if err != nil {
			if s.owner.wasInterrupted() {
				return engine.Chunk{}, &ClientError{Type: ErrTypeInterrupted, Message: "request interrupted", Cause: err}
			}
			if errors.Is(err, io.EOF) {
				// Some servers close the stream without the [DONE] marker
				s.done = true
				return engine.Chunk{}, io.EOF
			}
			return engine.Chunk{}, transportError(err, false)
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			s.done = true
			return engine.Chunk{}, io.EOF
		}

		var chunk OpenAIStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return engine.Chunk{}, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode stream chunk", Cause: err}
		}
		if chunk.Error != nil {
			return engine.Chunk{}, serverError(chunk.Error.Message)
		}

		var out engine.Chunk
		if len(chunk.Choices) > 0 {
			out.Delta = chunk.Choices[0].Delta.Content
		}
		if out.Delta != "" {
			if s.firstToken.IsZero() {
				s.firstToken = time.Now()
			}
			s.text.WriteString(out.Delta)
		}
		if chunk.Usage != nil {
			out.Usage = s.usage(*chunk.Usage)
		}
		if out.Delta == "" && out.Usage == nil {
			continue
		}
		return out, nil
	}
}

// usage derives rates from wall-clock time: prefill up to the first token,
// decode from the first token to now
func (s *openAIStream) usage(u OpenAIUsage) *engine.Usage {
	now := time.Now()
	first := s.firstToken
	if first.IsZero() {
		first = now
	}
	return &engine.Usage{
		PromptTokens:        u.PromptTokens,
		CompletionTokens:    u.CompletionTokens,
		PrefillTokensPerSec: rate(u.PromptTokens, first.Sub(s.start)),
		DecodeTokensPerSec:  rate(u.CompletionTokens, now.Sub(first)),
	}
}

func (s *openAIStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.owner.finish(s.text.String())
	return s.body.Close()
}

// sseReader extracts the data payload of each server-sent event
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// next returns the data of the next event, joining multi-line data with
// newlines. Returns io.EOF when the stream ends.
func (s *sseReader) next() ([]byte, error) {
	var dataLines [][]byte
	for {
		line, err := s.reader.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")
		if err != nil {
			if errors.Is(err, io.EOF) {
				if bytes.HasPrefix(line, []byte("data:")) {
					dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
				}
				if len(dataLines) > 0 {
					return bytes.Join(dataLines, []byte("\n")), nil
				}
			}
			return nil, err
		}

		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}
		if bytes.HasPrefix(line, []byte("data:")) {
			dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
		}
		// event:, id:, retry: and comments are ignored
	}
}
