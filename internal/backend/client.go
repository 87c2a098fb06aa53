// Package backend implements engine.Engine on top of local inference servers
// reached over HTTP: Ollama's native API and OpenAI-compatible servers such
// as llama.cpp, LM Studio or vLLM.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"LocalChat/internal/config"
	"LocalChat/internal/engine"
)

// Options configures an adapter
type Options struct {
	BaseURL   string
	APIKey    string
	KeepAlive string
	Timeout   time.Duration // non-streaming requests; streams are bounded by ctx only

	Logger *slog.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
}

// NewFromConfig builds the adapter selected by cfg.Backend
func NewFromConfig(cfg config.Config, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (engine.Engine, error) {
	opts := Options{
		BaseURL:   cfg.ResolvedBaseURL(),
		APIKey:    cfg.APIKey,
		KeepAlive: cfg.KeepAlive,
		Timeout:   cfg.RequestTimeout,
		Logger:    logger,
		Tracer:    tracer,
		Meter:     meter,
	}
	switch cfg.Backend {
	case config.BackendOllama:
		return NewOllama(opts), nil
	case config.BackendOpenAI:
		return NewOpenAI(opts), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// httpClient holds what both adapters share: the base URL, the HTTP clients
// and the telemetry for outgoing requests.
type httpClient struct {
	name     string
	baseURL  string
	apiKey   string
	client   *http.Client
	stream   *http.Client
	logger   *slog.Logger
	tracer   trace.Tracer
	duration metric.Float64Histogram
}

func newHTTPClient(name string, opts Options) *httpClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(name)
	}
	meter := opts.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(name)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	histogram, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		logger.Warn("failed to create histogram", "name", "http.client.request.duration", "error", err)
		histogram, _ = metricnoop.NewMeterProvider().Meter(name).Float64Histogram("http.client.request.duration")
	}

	return &httpClient{
		name:     name,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		apiKey:   opts.APIKey,
		client:   &http.Client{Timeout: timeout},
		stream:   &http.Client{},
		logger:   logger.With("backend", name),
		tracer:   tracer,
		duration: histogram,
	}
}

func (h *httpClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	return req, nil
}

// do sends req and returns the response if the status is 200. Any other
// status is turned into a ClientError and the body is closed.
func (h *httpClient) do(client *http.Client, req *http.Request, interrupted func() bool) (*http.Response, error) {
	start := time.Now()
	resp, err := client.Do(req)
	h.duration.Record(req.Context(), float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("backend", h.name), attribute.String("path", req.URL.Path)))
	if err != nil {
		return nil, transportError(err, interrupted != nil && interrupted())
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

// call performs a non-streaming JSON request and decodes the reply into out
func (h *httpClient) call(ctx context.Context, method, path string, in, out any) error {
	req, err := h.newRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	resp, err := h.do(h.client, req, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return nil
}

// statusError extracts the server's error message from a non-200 response.
// Ollama uses {"error": "..."}; OpenAI-compatible servers use
// {"error": {"message": "..."}}.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var flat struct {
		Error string `json:"error"`
	}
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	message := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &flat) == nil && flat.Error != "" {
		message = flat.Error
	} else if json.Unmarshal(body, &nested) == nil && nested.Error.Message != "" {
		message = nested.Error.Message
	}

	if resp.StatusCode == http.StatusNotFound {
		return &ClientError{Type: ErrTypeModelNotFound, Message: "model not found: " + message}
	}
	return &ClientError{Type: ErrTypeInvalidResponse, Message: fmt.Sprintf("API error: %s - %s", resp.Status, message)}
}

// turnState tracks the in-flight request and the last reply. It provides
// the Interrupt, FinalMessage and ResetChat halves of engine.Engine.
type turnState struct {
	mu          sync.Mutex
	cancel      context.CancelFunc
	interrupted bool
	last        string
}

// begin derives the context of a new streamed request
func (t *turnState) begin(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel = cancel
	t.interrupted = false
	t.last = ""
	return ctx
}

// finish records the reply text and releases the request context
func (t *turnState) finish(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.last = text
}

func (t *turnState) wasInterrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interrupted
}

// Interrupt aborts the in-flight request, if any
func (t *turnState) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interrupted = true
	if t.cancel != nil {
		t.cancel()
	}
}

// FinalMessage returns the trimmed text of the last reply
func (t *turnState) FinalMessage(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.last), nil
}

// ResetChat forgets the last reply. The HTTP APIs are stateless, so there is
// no server-side conversation to clear.
func (t *turnState) ResetChat(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = ""
	return nil
}

// rate converts a token count over d into tokens per second
func rate(tokens int, d time.Duration) float64 {
	if tokens <= 0 || d <= 0 {
		return 0
	}
	return float64(tokens) / d.Seconds()
}
