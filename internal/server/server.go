package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"kseri-server/internal/session"
	"kseri-server/internal/transport"
)

// cleanupInterval is how often the server loop sweeps timed-out connections
// and expired sessions.
const cleanupInterval = 60 * time.Second

// Config carries the server loop's environment-sourced settings. Built by
// cmd/kserid from cobra/viper flags; kept a plain struct here so package
// server has no dependency on the CLI layer.
type Config struct {
	Port           int
	MaxConnections int
}

// Server wires together the Connection Registry, the Session Directory, and
// the Broadcaster, and owns the admission-control semaphore and the
// periodic cleanup loop.
type Server struct {
	cfg         Config
	registry    *transport.Registry
	sessions    *session.Directory
	broadcaster *Broadcaster
	permits     chan struct{}
}

// NewServer builds a Server and its dependent components. It does not start
// listening; call Serve for that.
func NewServer(cfg Config) *Server {
	registry := transport.NewRegistry()
	sessions := session.NewDirectory()

	s := &Server{
		cfg:         cfg,
		registry:    registry,
		sessions:    sessions,
		broadcaster: NewBroadcaster(registry, sessions),
		permits:     make(chan struct{}, cfg.MaxConnections),
	}
	return s
}

// Serve runs the HTTP server and the cleanup loop until ctx is cancelled,
// then shuts both down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("0.0.0.0:%d", s.cfg.Port),
		Handler:      s.routes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	cleanupDone := make(chan struct{})
	go s.runCleanupLoop(ctx, cleanupDone)

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Server: listening on %s (max connections %d)", httpServer.Addr, s.cfg.MaxConnections)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Println("Server: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server: HTTP shutdown error: %v", err)
	}
	<-cleanupDone
	s.broadcaster.Close()
	return <-serveErr
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebsocket)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, _ := json.Marshal(map[string]interface{}{
		"status":      "ok",
		"connections": s.registry.Count(),
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

// handleWebsocket acquires an admission permit before accepting, blocking
// (without failing the request) when the server is at MaxConnections
// capacity, and releases the permit once the connection's handler returns.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	select {
	case s.permits <- struct{}{}:
	case <-r.Context().Done():
		return
	}
	defer func() { <-s.permits }()

	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		http.Error(w, "failed to open websocket", http.StatusInternalServerError)
		return
	}
	defer socket.Close(websocket.StatusGoingAway, "server closing")

	HandleConnection(r.Context(), socket, s.registry, s.sessions, s.broadcaster)
}

// runCleanupLoop invokes the registry and directory's periodic eviction
// sweeps every cleanupInterval, closing done once ctx is cancelled.
func (s *Server) runCleanupLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepTimedOutConnections()
			s.sessions.CleanupExpired()
		}
	}
}

// sweepTimedOutConnections evicts heartbeat-stale connections from the
// registry and, for each one still bound to a session, notifies that
// session's opponent exactly as an explicit disconnect would.
func (s *Server) sweepTimedOutConnections() {
	evicted := s.registry.CleanupTimedOut()
	for _, connID := range evicted {
		log.Printf("Server: evicting timed-out connection %s", connID)
		sessionID, ok := s.sessions.SessionIDFor(connID)
		if !ok {
			continue
		}
		if target, notify := s.sessions.HandleDisconnect(sessionID, connID); notify {
			s.broadcaster.Send(SingleTarget(target.ConnectionID), target.Type, target.Data, PriorityHigh)
		}
	}
}
