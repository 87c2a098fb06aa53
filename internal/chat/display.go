package chat

import "sync"

// MessageKind classifies a line shown to the user
type MessageKind string

const (
	KindInit      MessageKind = "init" // model load progress
	KindUser      MessageKind = "user"
	KindAssistant MessageKind = "assistant"
	KindError     MessageKind = "error"
)

// MessageUpdate is invoked for every display change. When appendNew is false
// the last displayed message is replaced.
type MessageUpdate func(kind MessageKind, text string, appendNew bool)

// StatsUpdate receives the formatted usage summary after a generation
type StatsUpdate func(text string)

// DisplayMessage is one rendered line of the conversation view
type DisplayMessage struct {
	Kind MessageKind `json:"kind"`
	Text string      `json:"text"`
}

// DisplayLog is the UI-side list of display messages. It applies updates
// the way the controller emits them and is safe for concurrent use.
type DisplayLog struct {
	mu       sync.Mutex
	messages []DisplayMessage
}

// Apply appends a message or replaces the last one. A replace on an empty
// log appends.
func (l *DisplayLog) Apply(kind MessageKind, text string, appendNew bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if appendNew || len(l.messages) == 0 {
		l.messages = append(l.messages, DisplayMessage{Kind: kind, Text: text})
		return
	}
	l.messages[len(l.messages)-1] = DisplayMessage{Kind: kind, Text: text}
}

// Clear empties the log
func (l *DisplayLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = nil
}

// Messages returns a copy of the log
func (l *DisplayLog) Messages() []DisplayMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DisplayMessage, len(l.messages))
	copy(out, l.messages)
	return out
}

// Last returns the newest message, if any
func (l *DisplayLog) Last() (DisplayMessage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.messages) == 0 {
		return DisplayMessage{}, false
	}
	return l.messages[len(l.messages)-1], true
}
