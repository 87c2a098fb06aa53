// Package server exposes the chat controller to a browser UI over a
// websocket. One client is attached at a time; it receives every display
// update and can send prompts, resets and interrupts.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"LocalChat/internal/chat"
	"LocalChat/internal/sequencer"
)

const writeTimeout = 10 * time.Second

// ClientEvent is a frame sent by the UI
type ClientEvent struct {
	Type string `json:"type"` // message, reset, interrupt
	Text string `json:"text,omitempty"`
}

// UpdateEvent mirrors one chat.MessageUpdate call
type UpdateEvent struct {
	Type   string           `json:"type"`
	Kind   chat.MessageKind `json:"kind"`
	Text   string           `json:"text"`
	Append bool             `json:"append"`
}

// TextEvent carries stats and error text, or nothing for cleared
type TextEvent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// StateEvent reports the flags a UI uses to enable its controls
type StateEvent struct {
	Type        string `json:"type"`
	InProgress  bool   `json:"in_progress"`
	ModelLoaded bool   `json:"model_loaded"`
}

// Health is the /healthz response body
type Health struct {
	Status      string `json:"status"`
	SessionID   string `json:"session_id"`
	Backend     string `json:"backend"`
	Model       string `json:"model"`
	State       string `json:"state"`
	InProgress  bool   `json:"in_progress"`
	ModelLoaded bool   `json:"model_loaded"`
	Connected   bool   `json:"connected"`
}

// Server is the websocket front end
type Server struct {
	ctrl     *chat.Controller
	logger   *slog.Logger
	upgrader websocket.Upgrader
	display  chat.DisplayLog

	mu       sync.Mutex
	conn     *websocket.Conn
	attached bool
	writeMu  sync.Mutex
}

// New creates a Server for ctrl
func New(ctrl *chat.Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ctrl:   ctrl,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes: /ws and /healthz
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// ListenAndServe serves on addr until ctx ends
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	}()

	s.logger.Info("websocket server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// StateChanged is a chat.Options.OnStateChange hook
func (s *Server) StateChanged(inProgress, modelLoaded bool) {
	s.send(StateEvent{Type: "state", InProgress: inProgress, ModelLoaded: modelLoaded})
}

// Display returns the messages a newly attached client is shown
func (s *Server) Display() []chat.DisplayMessage {
	return s.display.Messages()
}

// onUpdate records the update and forwards it in one step, so a client
// attaching concurrently sees it either in the replay or live, never twice
func (s *Server) onUpdate(kind chat.MessageKind, text string, appendNew bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.display.Apply(kind, text, appendNew)
	s.sendLocked(UpdateEvent{Type: "update", Kind: kind, Text: text, Append: appendNew})
}

func (s *Server) onStats(text string) {
	s.send(TextEvent{Type: "stats", Text: text})
}

func (s *Server) onCleared() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.display.Clear()
	s.sendLocked(TextEvent{Type: "cleared"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sess := s.ctrl.Session()
	s.mu.Lock()
	connected := s.attached
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, Health{
		Status:      "ok",
		SessionID:   sess.ID,
		Backend:     sess.Backend,
		Model:       sess.Model(),
		State:       s.ctrl.State().String(),
		InProgress:  s.ctrl.OperationInProgress(),
		ModelLoaded: s.ctrl.ModelLoaded(),
		Connected:   connected,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.attached {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, TextEvent{Type: "error", Text: "another client is connected"})
		return
	}
	s.attached = true
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		s.detach()
		return
	}

	// Replay and attach under writeMu so no live update can interleave
	s.writeMu.Lock()
	for _, m := range s.display.Messages() {
		if err := writeEvent(conn, UpdateEvent{Type: "update", Kind: m.Kind, Text: m.Text, Append: true}); err != nil {
			s.writeMu.Unlock()
			_ = conn.Close()
			s.detach()
			return
		}
	}
	_ = writeEvent(conn, StateEvent{Type: "state", InProgress: s.ctrl.OperationInProgress(), ModelLoaded: s.ctrl.ModelLoaded()})
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.writeMu.Unlock()

	s.logger.Info("client attached", "remote", r.RemoteAddr)
	s.runLoop(conn)

	_ = conn.Close()
	s.detach()
	s.logger.Info("client detached", "remote", r.RemoteAddr)
}

func (s *Server) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
	s.attached = false
}

func (s *Server) runLoop(conn *websocket.Conn) {
	for {
		var ev ClientEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}

		switch ev.Type {
		case "message":
			if strings.TrimSpace(ev.Text) == "" {
				continue
			}
			h, err := s.ctrl.Generate(ev.Text, s.onUpdate, s.onStats)
			if err != nil {
				s.send(TextEvent{Type: "error", Text: err.Error()})
				continue
			}
			s.watch("generate", h)
		case "reset":
			s.watch("reset", s.ctrl.Reset(s.onCleared))
		case "interrupt":
			s.ctrl.Interrupt()
		default:
			s.send(TextEvent{Type: "error", Text: "unknown event type: " + ev.Type})
		}
	}
}

// watch reports failures the update stream has not already shown
func (s *Server) watch(name string, h *sequencer.Handle) {
	go func() {
		<-h.Done()
		err := h.Err()
		if err == nil {
			return
		}
		s.logger.Error("operation failed", "operation", name, "error", err)
		var loadErr *chat.LoadError
		var genErr *chat.GenerationError
		if errors.As(err, &loadErr) || errors.As(err, &genErr) {
			return
		}
		s.send(TextEvent{Type: "error", Text: fmt.Sprintf("%s failed: %v", name, err)})
	}()
}

// send writes e to the attached client, if any
func (s *Server) send(e any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.sendLocked(e)
}

func (s *Server) sendLocked(e any) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if err := writeEvent(conn, e); err != nil {
		s.logger.Warn("failed to write event", "error", err)
	}
}

func writeEvent(conn *websocket.Conn, e any) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
