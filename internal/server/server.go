// Package server wraps the HTTP listener with timeouts, optional TLS and
// graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"report-runner/internal/common/logging"
)

// Server is the process's HTTP listener
type Server struct {
	srv     *http.Server
	tlsCert string
	tlsKey  string
	logger  logging.Logger
}

// New creates a server for the handler. TLS is enabled when both cert and
// key paths are set.
func New(handler http.Handler, port, tlsCert, tlsKey string) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         ":" + port,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  120 * time.Second,
		},
		tlsCert: tlsCert,
		tlsKey:  tlsKey,
		logger:  logging.GetGlobalLogger().WithFields(logging.String("component", "server")),
	}
}

// Start begins serving in the background. Fatal listen errors are reported
// on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)

	if s.tlsCert != "" && s.tlsKey != "" {
		s.srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		s.logger.Info("serving with TLS", logging.String("addr", s.srv.Addr))
		go func() {
			if err := s.srv.ListenAndServeTLS(s.tlsCert, s.tlsKey); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		return errCh
	}

	s.logger.Info("serving", logging.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

// Shutdown drains in-flight requests and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	return s.srv.Shutdown(ctx)
}
