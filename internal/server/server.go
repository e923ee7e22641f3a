// Package server exposes herald's HTTP surface: the dashboard API under
// /api/discord, the WebSocket endpoint for live replies, and a health
// probe. Handlers translate service errors into the `{success:false,
// message, details?}` failure envelope; the services themselves never see
// HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"herald/internal/discord"
	"herald/internal/dispatch"
	"herald/internal/relay"
	"herald/internal/roster"
	"herald/internal/store"
)

type Config struct {
	Listen string
}

// Deps are the services the handlers call into.
type Deps struct {
	Client   discord.Client
	Store    store.Store
	Roster   *roster.Service
	Dispatch *dispatch.Service
	Relay    *relay.Hub
}

type Server struct {
	log     *slog.Logger
	deps    Deps
	handler http.Handler

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(cfg Config, deps Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:  log.With(slog.String("comp", "http")),
		deps: deps,
		cfg:  cfg,
	}
	s.handler = Chain(s.routes(),
		MWPanicRecover(s.log),
		MWRequestLog(s.log),
	)
	return s
}

// Handler exposes the full middleware-wrapped handler; tests mount it on
// httptest servers instead of binding a port.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/discord/validate-token", s.handleValidateToken)
	mux.HandleFunc("GET /api/discord/users", s.handleFetchUsers)
	mux.HandleFunc("GET /api/discord/users/{botId}", s.handleCachedUsers)
	mux.HandleFunc("POST /api/discord/send-messages", s.handleSendMessages)
	mux.HandleFunc("POST /api/discord/message-received", s.handleMessageReceived)
	mux.HandleFunc("GET /api/discord/history/{botId}", s.handleHistory)
	mux.HandleFunc("GET /api/discord/batches/{id}", s.handleBatchStatus)
	mux.HandleFunc("POST /api/discord/batches/{id}/cancel", s.handleBatchCancel)
	mux.Handle("GET /ws", s.deps.Relay)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

func (s *Server) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", slog.String("addr", s.addr), slog.Any("err", err))
		}
	}()
	s.log.Info("http listening", slog.String("addr", s.addr))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"observers": s.deps.Relay.ObserverCount(),
	})
}
