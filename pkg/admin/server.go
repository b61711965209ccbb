// Package admin serves the management API: console commands, text dumps of
// the engine state and Prometheus metrics.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mattn/go-shellwords"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxCommandSize bounds the body of a command request.
const maxCommandSize = 64 << 10

// Executor runs one management command.
type Executor interface {
	Execute(ctx context.Context, args []string, out io.Writer) error
}

// CommandRequest is the body of POST /command. Line is split like a shell
// would; it is ignored when Args is set.
type CommandRequest struct {
	Args []string `json:"args,omitempty"`
	Line string   `json:"line,omitempty"`
}

// Server is the admin HTTP server.
type Server struct {
	exec     Executor
	registry *prometheus.Registry
	router   *mux.Router
	http     *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// New creates the admin server for addr. The metrics route is only
// registered when registry is not nil.
func New(addr string, exec Executor, registry *prometheus.Registry, logger *zap.Logger) *Server {
	s := &Server{
		exec:     exec,
		registry: registry,
		router:   mux.NewRouter().StrictSlash(true),
		logger:   logger,
	}
	s.routes()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Methods(http.MethodGet).Path("/healthz").Name("healthz").HandlerFunc(s.healthz)
	s.router.Methods(http.MethodGet).Path("/services").Name("services").HandlerFunc(s.dump("service", "list"))
	s.router.Methods(http.MethodGet).Path("/servers").Name("servers").HandlerFunc(s.dump("server", "list"))
	s.router.Methods(http.MethodPost).Path("/command").Name("command").HandlerFunc(s.command)
	if s.registry != nil {
		s.router.Methods(http.MethodGet).Path("/metrics").Name("metrics").
			Handler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	s.listener = ln
	s.logger.Info("admin API listening", zap.String("address", ln.Addr().String()))
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin API stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.http.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for the running ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

func (s *Server) dump(args ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.run(w, r, args)
	}
}

func (s *Server) command(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxCommandSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid command request: %v", err), http.StatusBadRequest)
		return
	}

	args := req.Args
	if len(args) == 0 {
		words, err := shellwords.Parse(req.Line)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid command line: %v", err), http.StatusBadRequest)
			return
		}
		args = words
	}
	if len(args) == 0 {
		http.Error(w, "empty command", http.StatusBadRequest)
		return
	}
	s.run(w, r, args)
}

// run executes args and answers with the command output. A failed command
// yields 422 with the error text in the body.
func (s *Server) run(w http.ResponseWriter, r *http.Request, args []string) {
	var out bytes.Buffer
	err := s.exec.Execute(r.Context(), args, &out)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err != nil {
		s.logger.Info("admin command failed", zap.Strings("args", args), zap.Error(err))
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	w.Write(out.Bytes())
}
