// Package webstatic serves a configured directory over HTTP for printer-UI
// embedding. It is optional and sits outside the connectivity core.
package webstatic

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/julienschmidt/httprouter"
)

// Config configures the embedded server.
type Config struct {
	Dir  string
	Port int // 0 picks an ephemeral port
}

// Server is the embedded static file server.
type Server struct {
	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// Start binds the listener and begins serving. Starting a running server
// reports OperationInProgress.
func (s *Server) Start(cfg Config) error {
	if cfg.Dir == "" {
		return errcode.New(errcode.InvalidParameter, "static directory is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errcode.New(errcode.OperationInProgress, "web server already running")
	}

	router := httprouter.New()
	router.ServeFiles("/web/*filepath", http.Dir(cfg.Dir))
	router.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return errcode.Newf(errcode.NetworkError, "binding web server: %v", err)
	}
	s.listener = listener
	server := &http.Server{Handler: router}
	s.server = server

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("static web server failed", "error", err)
		}
	}()
	slog.Info("static web server started", "addr", listener.Addr().String(), "dir", cfg.Dir)
	return nil
}

// Port reports the bound port, or 0 when stopped.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *Server) Running() bool { return s.Port() != 0 }

// Stop shuts the server down; stopping an idle server is a no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	server.Shutdown(ctx)
}
