// Package web provides an HTTP status and control server for the treat-dispenser daemon.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/treat-dispenser/internal/controller"
	"github.com/sweeney/treat-dispenser/internal/logger"
	"github.com/sweeney/treat-dispenser/internal/schedule"
	"github.com/sweeney/treat-dispenser/internal/status"
)

// commandTimeout bounds how long a request waits for the tick loop. A manual
// dispense holds the loop for up to one motor timeout.
const commandTimeout = 30 * time.Second

// Commander executes requests on the controller's tick loop.
type Commander interface {
	Submit(ctx context.Context, r controller.Request) error
}

// Server serves the status page and command API over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	commands   Commander
	log        *zap.SugaredLogger
}

// New creates a Server that reads state from the given tracker and forwards
// commands to cmds. A nil cmds serves a read-only page.
func New(addr string, tracker *status.Tracker, cmds Commander, log *zap.SugaredLogger) *Server {
	s := &Server{tracker: tracker, commands: cmds, log: logger.OrNop(log)}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	mux.HandleFunc("GET /api/status", s.handleJSON)
	mux.HandleFunc("POST /api/commands/{command}", s.handleCommand)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap, s.commands != nil); err != nil {
		s.log.Warnw("render index", "err", err)
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("command")
	if s.commands == nil {
		writeCommand(w, http.StatusServiceUnavailable, name, errors.New("commands disabled"))
		return
	}

	req, err := controller.ParseRequest(name, r.FormValue("value"))
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, controller.ErrUnknownCommand) {
			code = http.StatusNotFound
		}
		writeCommand(w, code, name, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	err = s.commands.Submit(ctx, req)
	s.log.Infow("http command", "command", string(req.Command), "value", req.Value, "err", err)
	writeCommand(w, statusFor(err), string(req.Command), err)
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, controller.ErrBusy),
		errors.Is(err, schedule.ErrAlreadyRunning),
		errors.Is(err, schedule.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, controller.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
