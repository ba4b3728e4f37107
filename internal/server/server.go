// Package server is the administrative HTTP surface of the gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"relay-gateway/internal/gateway"
	"relay-gateway/internal/logger"
	"relay-gateway/internal/state"
	"relay-gateway/internal/telemetry"
)

// Dispatcher runs one command line.
type Dispatcher interface {
	Handle(ctx context.Context, line string) ([]byte, bool)
}

// Network reads and stores the station credentials.
type Network interface {
	Credentials() state.Credentials
	SetCredentials(ssid, password string) bool
}

// Serial reports the peripheral link.
type Serial interface {
	Connected() bool
	PortName() string
}

// Supervisor reports the gateway lifecycle phase.
type Supervisor interface {
	Phase() gateway.Phase
}

// Options wires the server to the rest of the gateway. History and LogStream
// are optional.
type Options struct {
	Version    string
	DeviceID   string
	DeviceName string

	State      *state.Context
	Dispatcher Dispatcher
	Network    Network
	Serial     Serial
	Supervisor Supervisor

	History   bool
	LogStream http.HandlerFunc
}

// Server serves the admin API.
type Server struct {
	opts     Options
	started  time.Time
	mux      *http.ServeMux
	http     *http.Server
	listener net.Listener
}

// New builds the route table.
func New(opts Options) *Server {
	s := &Server{opts: opts, started: time.Now(), mux: http.NewServeMux()}
	s.setupRoutes()
	s.http = &http.Server{
		Handler:           logRequests(s.mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/v1/status", s.handleGetStatus)
	s.mux.HandleFunc("/api/v1/command", s.handleCommand)
	s.mux.HandleFunc("/api/v1/version", s.handleGetVersion)
	s.mux.HandleFunc("/api/v1/settings", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleGetSettings(w, r)
		case http.MethodPost:
			s.handlePostSettings(w, r)
		default:
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	if s.opts.History {
		s.mux.HandleFunc("/api/v1/history", telemetry.HandleGetHistory)
		s.mux.HandleFunc("/api/v1/history/dates", telemetry.HandleGetLogDates)
		s.mux.HandleFunc("/api/v1/history/download", telemetry.HandleDownloadCSV)
	}
	if s.opts.LogStream != nil {
		s.mux.HandleFunc("/ws/logs", s.opts.LogStream)
	}
}

// Handler returns the request handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("could not bind admin address '%s': %w", addr, err)
	}
	s.listener = listener
	logger.Info("Server: Admin API listening on %s", listener.Addr())

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server: HTTP server failed: %v", err)
		}
	}()
	return nil
}

// Addr is the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
