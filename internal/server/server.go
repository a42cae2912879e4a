package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pipedrop/internal/observability/logging"
	"pipedrop/internal/observability/metrics"
	"pipedrop/internal/serverutil"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr    string
	TLS     TLSConfig
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	tlsCertFile string
	tlsKeyFile  string
}

// New wires the relay handler into an HTTP server with the middleware chain.
// Read and write timeouts stay unset: a rendezvous may wait indefinitely for
// its counterpart and a transfer runs at the pace of its slowest receiver.
func New(handler http.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	chain := metrics.Middleware(recorder, handler)
	if cfg.Logger != nil {
		chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: cfg.Logger})(chain)
	}
	chain = requestIDMiddleware(cfg.Logger, chain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// HTTPS reports whether the server terminates TLS itself.
func (s *Server) HTTPS() bool {
	return s.tlsCertFile != "" && s.tlsKeyFile != ""
}

// Run starts the server and blocks until the listener fails or the context
// is cancelled, delegating TLS setup and bounded graceful shutdown to
// serverutil. Ready, when non-nil, is closed once the listener accepts
// connections.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	return serverutil.Run(ctx, serverutil.Config{
		Server: s.httpServer,
		TLS:    serverutil.TLSConfig{CertFile: s.tlsCertFile, KeyFile: s.tlsKeyFile},
		Ready:  ready,
	})
}
