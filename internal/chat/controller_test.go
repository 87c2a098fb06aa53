package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LocalChat/internal/engine"
	"LocalChat/internal/journal"
	"LocalChat/internal/sequencer"
	"LocalChat/internal/session"
)

var errAborted = errors.New("request aborted")

// fakeEngine is a scripted engine that records every call and flags any two
// calls that overlap.
type fakeEngine struct {
	mu       sync.Mutex
	calls    []string
	active   int
	overlap  bool
	progress func(engine.Progress)

	reloadFailures int
	chunks         []string
	final          string
	usage          *engine.Usage
	streamErr      error
	resetErr       error

	pauseAt  int
	loadGate chan struct{}
	paused   chan struct{}
	resume   chan struct{}

	panicReloads int
	panicStreams int
	blockOpen    bool
	interrupts   int

	intr      chan struct{}
	intrOnce  *sync.Once
	delivered strings.Builder
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		chunks:  []string{"Hel", "lo, ", "world"},
		pauseAt: -1,
		paused:  make(chan struct{}, 1),
		resume:  make(chan struct{}),
	}
}

func (f *fakeEngine) enter(name string) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.active++
	if f.active > 1 {
		f.overlap = true
	}
	return func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) count(name string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeEngine) Interrupts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

func (f *fakeEngine) Overlapped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlap
}

func (f *fakeEngine) SetLoadProgressCallback(cb func(engine.Progress)) {
	f.mu.Lock()
	f.progress = cb
	f.mu.Unlock()
}

func (f *fakeEngine) Reload(ctx context.Context, model string) error {
	defer f.enter("reload")()

	f.mu.Lock()
	cb := f.progress
	fail := f.reloadFailures > 0
	if fail {
		f.reloadFailures--
	}
	explode := f.panicReloads > 0
	if explode {
		f.panicReloads--
	}
	gate := f.loadGate
	f.mu.Unlock()

	if explode {
		panic("adapter bug")
	}

	if cb != nil {
		cb(engine.Progress{Text: "Loading " + model, Fraction: 0.5})
	}
	if gate != nil {
		f.paused <- struct{}{}
		<-gate
	}
	if fail {
		return errors.New("out of memory")
	}
	if cb != nil {
		cb(engine.Progress{Text: "Finished loading " + model, Fraction: 1})
	}
	return nil
}

func (f *fakeEngine) Unload(ctx context.Context) error {
	defer f.enter("unload")()
	return nil
}

func (f *fakeEngine) ChatStream(ctx context.Context, turns []engine.Turn, opts engine.StreamOptions) (engine.Stream, error) {
	done := f.enter("stream")
	f.mu.Lock()
	f.delivered.Reset()
	f.intr = make(chan struct{})
	f.intrOnce = &sync.Once{}
	s := &fakeStream{f: f, intr: f.intr, done: done, turns: turns}
	explode := f.panicStreams > 0
	if explode {
		f.panicStreams--
	}
	block := f.blockOpen
	f.mu.Unlock()

	if explode {
		defer done()
		panic("adapter bug")
	}
	if block {
		defer done()
		f.paused <- struct{}{}
		<-s.intr
		return nil, errAborted
	}
	return s, nil
}

func (f *fakeEngine) FinalMessage(ctx context.Context) (string, error) {
	defer f.enter("final")()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.final != "" {
		return f.final, nil
	}
	return f.delivered.String(), nil
}

func (f *fakeEngine) Interrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	if f.intr != nil {
		intr := f.intr
		f.intrOnce.Do(func() { close(intr) })
	}
}

func (f *fakeEngine) ResetChat(ctx context.Context) error {
	defer f.enter("reset")()
	return f.resetErr
}

type fakeStream struct {
	f      *fakeEngine
	intr   chan struct{}
	done   func()
	turns  []engine.Turn
	i      int
	waited bool
	usage  bool
	closed sync.Once
}

func (s *fakeStream) Recv() (engine.Chunk, error) {
	f := s.f
	if s.i == f.pauseAt && !s.waited {
		s.waited = true
		f.paused <- struct{}{}
		select {
		case <-f.resume:
		case <-s.intr:
			return engine.Chunk{}, errAborted
		}
	}
	if s.i < len(f.chunks) {
		d := f.chunks[s.i]
		s.i++
		f.mu.Lock()
		f.delivered.WriteString(d)
		f.mu.Unlock()
		return engine.Chunk{Delta: d}, nil
	}
	if f.streamErr != nil {
		return engine.Chunk{}, f.streamErr
	}
	if f.usage != nil && !s.usage {
		s.usage = true
		return engine.Chunk{Usage: f.usage}, nil
	}
	return engine.Chunk{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.closed.Do(s.done)
	return nil
}

type update struct {
	Kind   MessageKind
	Text   string
	Append bool
}

// view collects callbacks the way a UI would
type view struct {
	mu      sync.Mutex
	updates []update
	stats   []string
	log     DisplayLog
}

func (v *view) onUpdate(kind MessageKind, text string, appendNew bool) {
	v.mu.Lock()
	v.updates = append(v.updates, update{kind, text, appendNew})
	v.mu.Unlock()
	v.log.Apply(kind, text, appendNew)
}

func (v *view) onStats(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stats = append(v.stats, text)
}

func (v *view) Updates() []update {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]update(nil), v.updates...)
}

func (v *view) Stats() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.stats...)
}

type memoryJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (m *memoryJournal) Record(ctx context.Context, e journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryJournal) Entries() []journal.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]journal.Entry(nil), m.entries...)
}

func newTestController(t *testing.T, eng engine.Engine) (*Controller, *memoryJournal) {
	t.Helper()
	j := &memoryJournal{}
	opts := Options{Session: session.New("fake", "tiny-model"), Journal: j}
	if eng != nil {
		opts.Engine = eng
	}
	c := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c, j
}

func wait(t *testing.T, h *sequencer.Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-h.Done():
		return h.Err()
	case <-ctx.Done():
		t.Fatal("operation did not settle")
		return nil
	}
}

func waitPaused(t *testing.T, f *fakeEngine) {
	t.Helper()
	select {
	case <-f.paused:
	case <-time.After(5 * time.Second):
		t.Fatal("engine never reached the pause point")
	}
}

func TestGenerateFromUnloaded(t *testing.T) {
	f := newFakeEngine()
	f.final = "Hello, world!"
	f.usage = &engine.Usage{PromptTokens: 5, CompletionTokens: 3, PrefillTokensPerSec: 100, DecodeTokensPerSec: 25.5}
	c, j := newTestController(t, f)
	v := &view{}

	h, err := c.Generate("Hi", v.onUpdate, v.onStats)
	require.NoError(t, err)
	require.NoError(t, wait(t, h))

	assert.Equal(t, []update{
		{KindInit, "", true},
		{KindInit, "Loading tiny-model", false},
		{KindInit, "Finished loading tiny-model", false},
		{KindUser, "Hi", true},
		{KindAssistant, "", true},
		{KindAssistant, "Hel", false},
		{KindAssistant, "Hello, ", false},
		{KindAssistant, "Hello, world", false},
		{KindAssistant, "Hello, world!", false},
	}, v.Updates())

	assert.Equal(t, []DisplayMessage{
		{KindInit, "Finished loading tiny-model"},
		{KindUser, "Hi"},
		{KindAssistant, "Hello, world!"},
	}, v.log.Messages())

	assert.Equal(t, []string{
		"prompt_tokens: 5, completion_tokens: 3, prefill: 100.0000 tokens/sec, decoding: 25.5000 tokens/sec",
	}, v.Stats())

	transcript := c.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, engine.RoleUser, transcript[0].Role)
	assert.Equal(t, "Hello, world!", transcript[1].Content, "canonical final message wins")

	assert.True(t, c.ModelLoaded())
	assert.False(t, c.OperationInProgress())
	assert.Equal(t, session.Ready, c.State())
	assert.Equal(t, []string{"reload", "stream", "final"}, f.Calls())

	entries := j.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, journal.StatusOK, entries[0].Status)
	assert.Equal(t, 3, entries[0].CompletionTokens)
	assert.NotEmpty(t, entries[0].Fingerprint)
}

func TestSecondGenerateSkipsLoad(t *testing.T) {
	f := newFakeEngine()
	c, _ := newTestController(t, f)
	v := &view{}

	h, err := c.Generate("one", v.onUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, h))
	h, err = c.Generate("two", v.onUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, h))

	assert.Equal(t, 1, f.count("reload"))
	assert.Len(t, c.Transcript(), 4)
}

func TestGenerateRejectsBlankPrompt(t *testing.T) {
	f := newFakeEngine()
	c, _ := newTestController(t, f)

	_, err := c.Generate("  \n", nil, nil)
	assert.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Empty(t, f.Calls())
	assert.False(t, c.OperationInProgress())
}

func TestGenerateWhileBusy(t *testing.T) {
	f := newFakeEngine()
	f.pauseAt = 1
	c, _ := newTestController(t, f)
	v := &view{}

	h, err := c.Generate("first", v.onUpdate, nil)
	require.NoError(t, err)
	waitPaused(t, f)
	assert.True(t, c.OperationInProgress())

	_, err = c.Generate("second", v.onUpdate, nil)
	assert.ErrorIs(t, err, ErrBusy)

	close(f.resume)
	require.NoError(t, wait(t, h))
	assert.False(t, c.OperationInProgress())
	assert.Equal(t, 1, f.count("stream"))

	h, err = c.Generate("third", v.onUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, h))
}

func TestResetDuringGeneration(t *testing.T) {
	f := newFakeEngine()
	f.pauseAt = 1
	c, j := newTestController(t, f)
	v := &view{}

	h, err := c.Generate("Hi", v.onUpdate, nil)
	require.NoError(t, err)
	waitPaused(t, f)

	var cleared int
	reset := c.Reset(func() {
		cleared++
		v.log.Clear()
	})
	assert.Empty(t, c.Transcript(), "transcript is cleared before Reset returns")

	_, err = c.Generate("again", v.onUpdate, nil)
	assert.ErrorIs(t, err, ErrBusy, "the queued reset holds the session")

	require.NoError(t, wait(t, h))
	require.NoError(t, wait(t, reset))

	assert.Equal(t, 1, cleared)
	assert.Empty(t, c.Transcript(), "a reply overtaken by reset is not kept")
	assert.Empty(t, v.log.Messages())
	assert.Equal(t, []string{"reload", "stream", "final", "reset"}, f.Calls())
	assert.True(t, c.ModelLoaded(), "reset keeps the model loaded")
	assert.False(t, c.OperationInProgress())
	assert.False(t, f.Overlapped())

	entries := j.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, journal.StatusInterrupted, entries[0].Status)
	assert.Equal(t, journal.KindReset, entries[1].Kind)
}

func TestResetDuringLoad(t *testing.T) {
	f := newFakeEngine()
	f.loadGate = make(chan struct{})
	c, j := newTestController(t, f)
	v := &view{}

	h, err := c.Generate("Hi", v.onUpdate, nil)
	require.NoError(t, err)
	waitPaused(t, f)

	reset := c.Reset(nil)
	close(f.loadGate)
	require.NoError(t, wait(t, h))
	require.NoError(t, wait(t, reset))

	assert.Equal(t, []string{"reload", "reset"}, f.Calls(), "the prompt is never submitted")
	assert.Empty(t, c.Transcript())
	for _, u := range v.Updates() {
		assert.Equal(t, KindInit, u.Kind)
	}
	assert.True(t, c.ModelLoaded())

	entries := j.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, journal.StatusInterrupted, entries[0].Status)
}

func TestResetIsIdempotent(t *testing.T) {
	f := newFakeEngine()
	c, _ := newTestController(t, f)

	h, err := c.Generate("Hi", nil, nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, h))
	require.Len(t, c.Transcript(), 2)

	var cleared int
	onCleared := func() { cleared++ }

	require.NoError(t, wait(t, c.Reset(onCleared)))
	assert.Empty(t, c.Transcript())
	assert.Equal(t, 1, f.count("reset"))

	require.NoError(t, wait(t, c.Reset(onCleared)))
	assert.Empty(t, c.Transcript())
	assert.Equal(t, 2, f.count("reset"))
	assert.Equal(t, 2, cleared)
}

func TestResetErrorStillClears(t *testing.T) {
	f := newFakeEngine()
	f.resetErr = errors.New("engine gone")
	c, j := newTestController(t, f)

	var cleared bool
	err := wait(t, c.Reset(func() { cleared = true }))
	require.Error(t, err)
	assert.ErrorIs(t, err, f.resetErr)
	assert.True(t, cleared)

	entries := j.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, journal.StatusError, entries[0].Status)
}

func TestInterruptKeepsPartialReply(t *testing.T) {
	f := newFakeEngine()
	f.pauseAt = 1
	c, _ := newTestController(t, f)
	v := &view{}

	h, err := c.Generate("Hi", v.onUpdate, nil)
	require.NoError(t, err)
	waitPaused(t, f)

	c.Interrupt()
	require.NoError(t, wait(t, h))

	transcript := c.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "Hel", transcript[1].Content)

	last, ok := v.log.Last()
	require.True(t, ok)
	assert.Equal(t, DisplayMessage{KindAssistant, "Hel"}, last)
	assert.True(t, c.ModelLoaded())
	assert.Equal(t, session.Ready, c.State())
}

func TestInterruptWithoutGenerationIsNoop(t *testing.T) {
	f := newFakeEngine()
	c, _ := newTestController(t, f)

	c.Interrupt()
	assert.Empty(t, f.Calls())
	assert.Zero(t, f.Interrupts())
	assert.False(t, c.OperationInProgress())
}

func TestInterruptBeforeStreamOpens(t *testing.T) {
	f := newFakeEngine()
	f.blockOpen = true
	c, j := newTestController(t, f)
	v := &view{}

	h, err := c.Generate("Hi", v.onUpdate, nil)
	require.NoError(t, err)
	waitPaused(t, f)

	c.Interrupt()
	require.NoError(t, wait(t, h))

	transcript := c.Transcript()
	require.Len(t, transcript, 1, "no assistant turn without a stream")
	assert.Equal(t, engine.RoleUser, transcript[0].Role)
	assert.Equal(t, []string{"reload", "stream"}, f.Calls(), "no final message is fetched")

	last, ok := v.log.Last()
	require.True(t, ok)
	assert.Equal(t, DisplayMessage{KindUser, "Hi"}, last)
	assert.Equal(t, session.Ready, c.State())
	assert.False(t, c.OperationInProgress())

	entries := j.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, journal.StatusInterrupted, entries[0].Status)
}

func TestLoadFailureRecovers(t *testing.T) {
	f := newFakeEngine()
	f.reloadFailures = 1
	c, j := newTestController(t, f)
	v := &view{}

	h, err := c.Generate("Hi", v.onUpdate, nil)
	require.NoError(t, err)
	err = wait(t, h)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "tiny-model", loadErr.Model)

	last, ok := v.log.Last()
	require.True(t, ok)
	assert.Equal(t, DisplayMessage{KindError, "Init error, out of memory"}, last)
	assert.False(t, c.ModelLoaded())
	assert.False(t, c.OperationInProgress())
	assert.Empty(t, c.Transcript())

	h, err = c.Generate("Hi", v.onUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, h))

	assert.Equal(t, 2, f.count("reload"))
	assert.True(t, c.ModelLoaded())
	assert.Len(t, c.Transcript(), 2)

	entries := j.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, journal.StatusError, entries[0].Status)
	assert.Equal(t, journal.StatusOK, entries[1].Status)
}

func TestGenerationErrorUnloads(t *testing.T) {
	f := newFakeEngine()
	f.streamErr = errors.New("connection reset")
	c, _ := newTestController(t, f)
	v := &view{}

	h, err := c.Generate("Hi", v.onUpdate, nil)
	require.NoError(t, err)
	err = wait(t, h)

	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.ErrorIs(t, err, f.streamErr)

	last, ok := v.log.Last()
	require.True(t, ok)
	assert.Equal(t, DisplayMessage{KindError, "Generate error, connection reset"}, last)
	assert.Equal(t, session.Unloaded, c.State())
	assert.Contains(t, f.Calls(), "unload")
	assert.False(t, c.OperationInProgress())
}

func TestStreamPanicRecovers(t *testing.T) {
	f := newFakeEngine()
	f.panicStreams = 1
	c, j := newTestController(t, f)
	v := &view{}

	h, err := c.Generate("Hi", v.onUpdate, nil)
	require.NoError(t, err)
	err = wait(t, h)

	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	last, ok := v.log.Last()
	require.True(t, ok)
	assert.Equal(t, DisplayMessage{KindError, "Generate error, engine panicked: adapter bug"}, last)
	assert.Equal(t, session.Unloaded, c.State())
	assert.False(t, c.OperationInProgress())
	assert.Len(t, c.Transcript(), 1)

	h, err = c.Generate("again", v.onUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, h))

	assert.Equal(t, session.Ready, c.State())
	assert.Equal(t, 2, f.count("reload"))
	transcript := c.Transcript()
	require.Len(t, transcript, 3)
	assert.Equal(t, "again", transcript[1].Content)
	assert.Equal(t, "Hello, world", transcript[2].Content)
	assert.False(t, f.Overlapped())

	entries := j.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, journal.StatusError, entries[0].Status)
	assert.Equal(t, journal.StatusOK, entries[1].Status)
}

func TestReloadPanicRecovers(t *testing.T) {
	f := newFakeEngine()
	f.panicReloads = 1
	c, _ := newTestController(t, f)
	v := &view{}

	h, err := c.Generate("Hi", v.onUpdate, nil)
	require.NoError(t, err)
	err = wait(t, h)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	last, ok := v.log.Last()
	require.True(t, ok)
	assert.Equal(t, DisplayMessage{KindError, "Init error, engine panicked: adapter bug"}, last)
	assert.Equal(t, session.Unloaded, c.State())
	assert.Empty(t, c.Transcript())

	h, err = c.Generate("Hi", v.onUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, h))
	assert.True(t, c.ModelLoaded())
	assert.Len(t, c.Transcript(), 2)
}

func TestOperationsRunInOrder(t *testing.T) {
	f := newFakeEngine()
	c, _ := newTestController(t, f)

	var (
		mu    sync.Mutex
		order []int
	)
	var last *sequencer.Handle
	for i := 0; i < 20; i++ {
		i := i
		switch i % 3 {
		case 0:
			last = c.Reset(func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			})
		case 1:
			last = c.Unload()
		case 2:
			last = c.SwitchModel("model-b")
		}
	}
	assert.True(t, c.OperationInProgress())
	require.NoError(t, wait(t, last))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 3, 6, 9, 12, 15, 18}, order)
	assert.False(t, f.Overlapped())
	assert.False(t, c.OperationInProgress())
	assert.Equal(t, "model-b", c.Session().Model())
}

func TestSwitchModelUnloadsResidentModel(t *testing.T) {
	f := newFakeEngine()
	c, j := newTestController(t, f)

	h, err := c.Generate("Hi", nil, nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, h))
	require.True(t, c.ModelLoaded())

	require.NoError(t, wait(t, c.SwitchModel("other")))
	assert.False(t, c.ModelLoaded())
	assert.Equal(t, "other", c.Session().Model())
	assert.Equal(t, []string{"reload", "stream", "final", "unload"}, f.Calls())

	entries := j.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, journal.KindSwitch, entries[1].Kind)
	assert.Equal(t, "other", entries[1].Model)
}

func TestStateChangeNotifications(t *testing.T) {
	f := newFakeEngine()
	var (
		mu     sync.Mutex
		states [][2]bool
	)
	c := New(Options{
		Engine:  f,
		Session: session.New("fake", "tiny-model"),
		OnStateChange: func(inProgress, modelLoaded bool) {
			mu.Lock()
			states = append(states, [2]bool{inProgress, modelLoaded})
			mu.Unlock()
		},
	})
	defer c.Close(context.Background())

	h, err := c.Generate("Hi", nil, nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, h))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Equal(t, [2]bool{true, false}, states[0])
	assert.Equal(t, [2]bool{false, true}, states[len(states)-1])
}

func TestWithoutEngine(t *testing.T) {
	c, _ := newTestController(t, nil)
	v := &view{}

	h, err := c.Generate("Hi", v.onUpdate, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, h), ErrAdapterUnavailable)

	var cleared bool
	assert.ErrorIs(t, wait(t, c.Reset(func() { cleared = true })), ErrAdapterUnavailable)
	assert.True(t, cleared)
	assert.ErrorIs(t, wait(t, c.Unload()), ErrAdapterUnavailable)
	assert.False(t, c.OperationInProgress())
}

func TestGenerateAfterClose(t *testing.T) {
	f := newFakeEngine()
	c := New(Options{Engine: f, Session: session.New("fake", "tiny-model")})
	require.NoError(t, c.Close(context.Background()))

	h, err := c.Generate("Hi", nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, h), sequencer.ErrClosed)
	assert.False(t, c.OperationInProgress())

	c.Interrupt()
	assert.Zero(t, f.Interrupts(), "a generation that never ran cannot be interrupted")
	assert.Empty(t, f.Calls())
}
