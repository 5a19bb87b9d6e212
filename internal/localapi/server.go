package localapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/shurlinet/agentmesh/internal/corelog"
	"github.com/shurlinet/agentmesh/internal/messaging"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// Backend is the subset of the node's runtime the local API drives,
// keeping this package decoupled from internal/node.
type Backend interface {
	PeerID() string
	Send(ctx context.Context, to string, content []byte, conversationID, replyTo string) (string, error)
	ListAgents() []AgentInfo
	Stop() error
}

// AuditLogger is the narrow subset of *overlay.AuditLogger the API uses.
type AuditLogger interface {
	APIAccess(operation string, ok bool)
}

// Server is a Unix-domain-socket HTTP API exposing
// Connect/SendMessage/Stop/ListAgents, authenticated with a per-process
// cookie file.
type Server struct {
	backend    Backend
	broadcast  *Broadcaster
	socketPath string
	cookiePath string
	authToken  string

	httpServer *http.Server
	listener   net.Listener

	audit      AuditLogger
	log        corelog.Logger
	shutdownCh chan struct{}
	shutdownMu sync.Once
}

// NewServer creates a Server. Call Start to begin serving.
func NewServer(backend Backend, socketPath, cookiePath string, audit AuditLogger, log corelog.Logger) *Server {
	if log == nil {
		log = corelog.Discard()
	}
	return &Server{
		backend:    backend,
		broadcast:  NewBroadcaster(),
		socketPath: socketPath,
		cookiePath: cookiePath,
		audit:      audit,
		log:        log.With("component", "localapi"),
		shutdownCh: make(chan struct{}),
	}
}

// Broadcaster exposes the event fan-out so the node can publish
// PeerConnected/Message/Error events observed elsewhere.
func (s *Server) Broadcaster() *Broadcaster { return s.broadcast }

// ShutdownCh is closed once a client has called Stop via the API.
func (s *Server) ShutdownCh() <-chan struct{} { return s.shutdownCh }

// Start binds the Unix socket, writes the auth cookie, and begins serving
// in a background goroutine.
func (s *Server) Start() error {
	token, err := generateCookie()
	if err != nil {
		return fmt.Errorf("localapi: generate auth cookie: %w", err)
	}
	s.authToken = token

	if err := s.checkStaleSocket(); err != nil {
		return err
	}

	oldUmask := syscall.Umask(0o077)
	listener, err := net.Listen("unix", s.socketPath)
	syscall.Umask(oldUmask)
	if err != nil {
		return fmt.Errorf("localapi: listen on socket: %w", err)
	}

	if err := os.WriteFile(s.cookiePath, []byte(token), 0o600); err != nil {
		listener.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("localapi: write cookie file: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Handler:      s.authMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the Connect stream is long-lived
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("localapi server error", "error", err)
		}
	}()

	s.log.Info("localapi listening", "socket", s.socketPath)
	return nil
}

// Stop gracefully shuts down the HTTP server and removes the socket and
// cookie files. Safe to call more than once.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}
	os.Remove(s.socketPath)
	os.Remove(s.cookiePath)
}

func (s *Server) checkStaleSocket() error {
	if _, err := os.Stat(s.socketPath); os.IsNotExist(err) {
		return nil
	}
	conn, err := net.DialTimeout("unix", s.socketPath, 2*time.Second)
	if err != nil {
		os.Remove(s.socketPath)
		return nil
	}
	conn.Close()
	return fmt.Errorf("localapi: socket %s already in use", s.socketPath)
}

func generateCookie() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := "Bearer " + s.authToken
		if r.Header.Get("Authorization") != expected {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/connect", s.handleConnect)
	mux.HandleFunc("/v1/send", s.handleSend)
	mux.HandleFunc("/v1/stop", s.handleStop)
	mux.HandleFunc("/v1/agents", s.handleListAgents)
}

// handleConnect opens a newline-delimited-JSON event stream. Ready is
// emitted first, then any PeerConnected/Message/Error the
// node publishes for the lifetime of the connection.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	id, ch := s.broadcast.Subscribe()
	defer s.broadcast.Unsubscribe(id)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	_ = enc.Encode(Event{Kind: EventReady, PeerID: s.backend.PeerID()})
	flusher.Flush()

	s.auditAccess("connect", true)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req SendMessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.To == "" {
		respondError(w, http.StatusBadRequest, "to is required")
		return
	}

	msgID, err := s.backend.Send(r.Context(), req.To, req.Content, req.ConversationID, req.ReplyTo)
	if err != nil {
		s.auditAccess("send_message", false)
		// A user-initiated send failure is also surfaced as an Error event
		// on every open stream, not just the request's own response.
		s.broadcast.Publish(Event{Kind: EventError, ErrorCode: sendErrorCode(err), ErrorMessage: err.Error()})
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.auditAccess("send_message", true)
	respondJSON(w, http.StatusOK, SendMessageResponse{MessageID: msgID})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
	s.auditAccess("stop", true)
	s.shutdownMu.Do(func() { close(s.shutdownCh) })
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	s.auditAccess("list_agents", true)
	respondJSON(w, http.StatusOK, ListAgentsResponse{Agents: s.backend.ListAgents()})
}

// sendErrorCode maps a Send failure to the error code carried in an
// Error event: NoRoute, EncryptionError, or PublishFailed.
func sendErrorCode(err error) string {
	switch {
	case errors.Is(err, messaging.ErrNoRoute):
		return "no_route"
	case errors.Is(err, messaging.ErrEncryption):
		return "encryption_error"
	case errors.Is(err, messaging.ErrPublishFailed):
		return "publish_failed"
	default:
		return "send_failed"
	}
}

func (s *Server) auditAccess(op string, ok bool) {
	if s.audit != nil {
		s.audit.APIAccess(op, ok)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, ErrorResponse{Error: msg})
}
