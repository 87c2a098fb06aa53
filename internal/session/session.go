package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"LocalChat/internal/engine"
)

// ErrInvalidTransition is wrapped by every rejected state change
var ErrInvalidTransition = errors.New("invalid session transition")

// State is the engine lifecycle as seen by the controller
type State int

const (
	Unloaded State = iota
	Loading
	Ready
	Generating
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Generating:
		return "generating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Message represents a single transcript entry
type Message struct {
	Role      engine.Role `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// Session represents the chat session: engine state, in-progress
// bookkeeping and the transcript. All methods are safe for concurrent use.
type Session struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	Backend   string    `json:"backend"`

	mu         sync.Mutex
	model      string
	state      State
	pending    int  // operations queued or running
	generating bool // a generate operation holds the reservation
	epoch      uint64
	messages   []Message
}

// New creates a session in the Unloaded state
func New(backend, model string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartTime: time.Now(),
		Backend:   backend,
		model:     model,
		state:     Unloaded,
	}
}

// Model returns the model identifier used for the next load
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetModel changes the model used for the next load
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ModelLoaded reports whether a model is resident
func (s *Session) ModelLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Ready || s.state == Generating
}

// InProgress reports whether any operation is queued or running
func (s *Session) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending > 0
}

// Generating reports whether a generate operation holds the reservation
func (s *Session) Generating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating
}

// ReserveGenerate atomically claims the session for a generate operation.
// It fails while any other operation is queued or running. On success the
// caller must call Release(true) exactly once.
func (s *Session) ReserveGenerate() (epoch uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending > 0 {
		return 0, false
	}
	s.pending++
	s.generating = true
	return s.epoch, true
}

// Reserve marks a non-generate operation as queued. The caller must call
// Release(false) exactly once.
func (s *Session) Reserve() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending++
}

// Release ends a reservation taken with ReserveGenerate or Reserve
func (s *Session) Release(generate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending > 0 {
		s.pending--
	}
	if generate {
		s.generating = false
	}
}

func (s *Session) transition(from []State, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if s.state == f {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
}

// BeginLoad moves Unloaded to Loading
func (s *Session) BeginLoad() error {
	return s.transition([]State{Unloaded}, Loading)
}

// LoadSucceeded moves Loading to Ready
func (s *Session) LoadSucceeded() error {
	return s.transition([]State{Loading}, Ready)
}

// BeginGenerate moves Ready to Generating
func (s *Session) BeginGenerate() error {
	return s.transition([]State{Ready}, Generating)
}

// EndGenerate moves Generating back to Ready
func (s *Session) EndGenerate() error {
	return s.transition([]State{Generating}, Ready)
}

// MarkUnloaded returns the session to Unloaded from any state
func (s *Session) MarkUnloaded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Unloaded
}

// Epoch identifies the current transcript; Clear advances it
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// AppendUser adds a user turn if epoch is still current and returns the
// transcript to send to the engine.
func (s *Session) AppendUser(epoch uint64, content string) ([]engine.Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return nil, false
	}
	s.messages = append(s.messages, Message{
		Role:      engine.RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	})
	return s.turnsLocked(), true
}

// AppendAssistant adds an assistant turn if epoch is still current
func (s *Session) AppendAssistant(epoch uint64, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	s.messages = append(s.messages, Message{
		Role:      engine.RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
	})
	return true
}

// Clear empties the transcript and advances the epoch. It reports whether a
// generate operation held the reservation at that moment.
func (s *Session) Clear() (wasGenerating bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.epoch++
	return s.generating
}

// Messages returns a copy of the transcript
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Turns returns the transcript in engine form
func (s *Session) Turns() []engine.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnsLocked()
}

func (s *Session) turnsLocked() []engine.Turn {
	turns := make([]engine.Turn, len(s.messages))
	for i, m := range s.messages {
		turns[i] = engine.Turn{Role: m.Role, Content: m.Content}
	}
	return turns
}
