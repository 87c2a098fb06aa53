package chatbot

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"LocalChat/internal/chat"
)

// Color palette
var (
	Green = lipgloss.Color("10")
	Red   = lipgloss.Color("9")
	Grey  = lipgloss.Color("8")
	Blue  = lipgloss.Color("4")
	White = lipgloss.Color("15")
)

// Styles holds the terminal styles, bound to one output
type Styles struct {
	Title     lipgloss.Style
	Prompt    lipgloss.Style
	Assistant lipgloss.Style
	Init      lipgloss.Style
	Error     lipgloss.Style
	Muted     lipgloss.Style
}

// NewStyles creates styles for out. Color is dropped automatically when out
// is not a terminal.
func NewStyles(out io.Writer) *Styles {
	r := lipgloss.NewRenderer(out)
	return &Styles{
		Title:     r.NewStyle().Bold(true).Foreground(White),
		Prompt:    r.NewStyle().Bold(true).Foreground(Blue),
		Assistant: r.NewStyle().Foreground(Green),
		Init:      r.NewStyle().Foreground(Grey).Italic(true),
		Error:     r.NewStyle().Foreground(Red),
		Muted:     r.NewStyle().Foreground(Grey),
	}
}

// Renderer prints controller updates incrementally. Appends start a new line;
// a replace prints only the new suffix when the text grew, and rewrites the
// line otherwise. Safe for concurrent use.
type Renderer struct {
	mu      sync.Mutex
	out     io.Writer
	styles  *Styles
	open    bool
	kind    chat.MessageKind
	printed string
}

// NewRenderer creates a Renderer writing to out
func NewRenderer(out io.Writer, styles *Styles) *Renderer {
	if styles == nil {
		styles = NewStyles(out)
	}
	return &Renderer{out: out, styles: styles}
}

func (r *Renderer) style(kind chat.MessageKind) lipgloss.Style {
	switch kind {
	case chat.KindInit:
		return r.styles.Init
	case chat.KindError:
		return r.styles.Error
	default:
		return r.styles.Assistant
	}
}

func (r *Renderer) prefix(kind chat.MessageKind) string {
	if kind == chat.KindAssistant {
		return r.styles.Prompt.Render("Bot: ")
	}
	return ""
}

// endLine terminates the line being streamed, if any
func (r *Renderer) endLine() {
	if r.open {
		fmt.Fprintln(r.out)
		r.open = false
	}
}

// Update is a chat.MessageUpdate
func (r *Renderer) Update(kind chat.MessageKind, text string, appendNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// The terminal already echoed what the user typed
	if kind == chat.KindUser {
		r.endLine()
		return
	}

	if appendNew || !r.open || r.kind != kind {
		r.endLine()
		fmt.Fprint(r.out, r.prefix(kind))
		r.open, r.kind, r.printed = true, kind, ""
	}

	style := r.style(kind)
	switch {
	case strings.HasPrefix(text, r.printed):
		if suffix := text[len(r.printed):]; suffix != "" {
			fmt.Fprint(r.out, style.Render(suffix))
		}
	case !strings.Contains(r.printed, "\n"):
		fmt.Fprint(r.out, "\r\x1b[K"+r.prefix(kind)+style.Render(text))
	default:
		fmt.Fprint(r.out, "\n"+r.prefix(kind)+style.Render(text))
	}
	r.printed = text
}

// Stats is a chat.StatsUpdate
func (r *Renderer) Stats(text string) {
	r.line(r.styles.Muted, text)
}

// Cleared reports a finished reset
func (r *Renderer) Cleared() {
	r.line(r.styles.Muted, "Conversation cleared.")
}

// Notice prints an informational line
func (r *Renderer) Notice(text string) {
	r.line(r.styles.Muted, text)
}

// Error prints an error line
func (r *Renderer) Error(text string) {
	r.line(r.styles.Error, text)
}

// Title prints a heading line
func (r *Renderer) Title(text string) {
	r.line(r.styles.Title, text)
}

// Plain prints text as is
func (r *Renderer) Plain(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endLine()
	fmt.Fprintln(r.out, text)
}

// Prompt prints the input prompt
func (r *Renderer) Prompt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endLine()
	fmt.Fprint(r.out, r.styles.Prompt.Render("You: "))
}

// Finish ends the streamed line
func (r *Renderer) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endLine()
}

func (r *Renderer) line(style lipgloss.Style, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endLine()
	fmt.Fprintln(r.out, style.Render(text))
}
