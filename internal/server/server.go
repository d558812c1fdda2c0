package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/christopherjohns/chatrelay/internal/ratelimit"
	"github.com/christopherjohns/chatrelay/internal/room"
	"github.com/christopherjohns/chatrelay/internal/user"
	"github.com/christopherjohns/chatrelay/internal/ws"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	pruneInterval          = time.Minute
)

// Server is the HTTP front of the relay: the WebSocket endpoint, the
// JSON status API and the static client.
type Server struct {
	addr            string
	mux             *http.ServeMux
	users           *user.Registry
	hub             *ws.Hub
	rooms           *room.Directory
	limiter         *ratelimit.IPLimiter
	mirror          *user.RedisMirror
	publicDir       string
	shutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithPublicDir serves static files from dir at "/".
func WithPublicDir(dir string) Option {
	return func(s *Server) {
		s.publicDir = dir
	}
}

// WithLimiter rate limits WebSocket upgrades per client IP.
func WithLimiter(l *ratelimit.IPLimiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithMirror runs m against the registry for the lifetime of Run. The
// registry must have been created with user.WithObserver(m.Notify).
func WithMirror(m *user.RedisMirror) Option {
	return func(s *Server) {
		s.mirror = m
	}
}

// WithShutdownTimeout bounds how long Run waits for in-flight requests
// once its context is cancelled.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New creates a Server listening on addr. wsHandler serves "/ws"; hub
// and users back the status endpoints.
func New(addr string, users *user.Registry, hub *ws.Hub, wsHandler http.Handler, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		mux:             http.NewServeMux(),
		users:           users,
		hub:             hub,
		rooms:           room.NewDirectory(users),
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes(wsHandler)
	return s
}

// Handler returns the server's request router.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then closes every WebSocket with
// StatusGoingAway and drains the HTTP server.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	if s.limiter != nil {
		go s.pruneLoop(bgCtx)
	}

	// The mirror outlives ctx so the disconnects run during shutdown
	// reach Redis.
	mirrorCtx, stopMirror := context.WithCancel(context.WithoutCancel(ctx))
	mirrorDone := make(chan struct{})
	if s.mirror != nil {
		go func() {
			defer close(mirrorDone)
			s.mirror.Run(mirrorCtx, s.users)
		}()
	} else {
		close(mirrorDone)
	}
	defer func() {
		stopMirror()
		<-mirrorDone
	}()

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	log.Printf("server: listening on %s", ln.Addr())

	select {
	case err := <-errc:
		closeCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		s.closeConns(closeCtx)
		return err
	case <-ctx.Done():
	}

	log.Printf("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are invisible to http.Server.Shutdown.
	s.closeConns(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// closeConns closes every WebSocket and waits for their sessions to leave
// their rooms.
func (s *Server) closeConns(ctx context.Context) {
	s.hub.ConnMgr().Shutdown()
	if err := s.hub.Wait(ctx); err != nil {
		log.Printf("server: connections still open after shutdown: %v", err)
	}
}

func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Prune()
		}
	}
}

func (s *Server) routes(wsHandler http.Handler) {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	s.mux.HandleFunc("GET /api/rooms/{name}", s.handleGetRoom)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/connections", s.handleConnections)

	if s.limiter != nil {
		wsHandler = s.limiter.Middleware(wsHandler)
	}
	s.mux.Handle("GET /ws", wsHandler)

	if s.publicDir != "" {
		s.mux.Handle("GET /", http.FileServer(http.Dir(s.publicDir)))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rooms.List())
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	summary, ok := s.rooms.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":         summary.Name,
		"active_users": summary.ActiveUsers,
		"users":        s.users.UsersInRoom(name),
	})
}

// Stats is the body of GET /api/stats.
type Stats struct {
	Connections ws.ConnStats `json:"connections"`
	Users       int          `json:"users"`
	Rooms       int          `json:"rooms"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Stats{
		Connections: s.hub.ConnMgr().Stats(),
		Users:       s.users.Count(),
		Rooms:       len(s.rooms.List()),
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.ConnMgr().Clients())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: failed to write response: %v", err)
	}
}
