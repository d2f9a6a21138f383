package metrics

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/AmmannChristian/go-authx/httpserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const baseURLV1 = "/api/v1"

// Server exposes Prometheus metrics on /api/v1/metrics and a liveness probe
// on /api/v1/health.
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a metrics server for the default gatherer. The address
// is "host:port", e.g. "127.0.0.1:9797" or ":9797".
//
// Example:
//
//	metricsServer := metrics.NewServer("127.0.0.1:9797")
//	go func() {
//	    if err := metricsServer.Start(); err != nil {
//	        log.Printf("metrics server error: %v", err)
//	    }
//	}()
func NewServer(addr string) *Server {
	return NewServerWithGatherer(addr, prometheus.DefaultGatherer)
}

// NewServerWithGatherer creates a metrics server that exposes gatherer.
func NewServerWithGatherer(addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle(baseURLV1+"/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc(baseURLV1+"/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Printf("metrics: health handler write error: %v", err)
		}
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.server == nil {
		return http.NotFoundHandler()
	}
	return s.server.Handler
}

// Start serves HTTP requests on the configured address and blocks until the
// server is shut down. A graceful Shutdown returns nil.
func (s *Server) Start() error {
	if s.server == nil {
		return errors.New("metrics server not initialized")
	}

	log.Printf("metrics: starting HTTP server on %s", s.addr)

	if err := validateAddress(s.addr); err != nil {
		return fmt.Errorf("metrics: invalid address %q: %w", s.addr, err)
	}

	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: HTTP server error: %w", err)
	}

	log.Println("metrics: HTTP server stopped")
	return nil
}

// StartTLS is Start over HTTPS. caFile is optional and only used to verify
// client certificates under clientAuth.
func (s *Server) StartTLS(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) error {
	if s.server == nil {
		return errors.New("metrics server not initialized")
	}

	log.Printf("metrics: starting HTTPS server on %s", s.addr)

	if err := validateAddress(s.addr); err != nil {
		return fmt.Errorf("metrics: invalid address %q: %w", s.addr, err)
	}

	tlsConfig := &httpserver.TLSConfig{
		CertFile:   certFile,
		KeyFile:    keyFile,
		CAFile:     caFile,
		ClientAuth: clientAuth,
	}
	if err := httpserver.ConfigureServer(s.server, tlsConfig); err != nil {
		return fmt.Errorf("metrics: configure TLS: %w", err)
	}

	log.Printf("metrics: loaded server certificate from %s", certFile)

	err := s.server.ListenAndServeTLS("", "")
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: HTTPS server error: %w", err)
	}

	log.Println("metrics: HTTPS server stopped")
	return nil
}

// Shutdown gracefully stops the HTTP server, allowing active connections to
// complete within the deadline of ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	log.Println("metrics: shutting down HTTP server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics: shutdown error: %w", err)
	}

	log.Println("metrics: HTTP server shutdown complete")
	return nil
}

// validateAddress checks that addr is a host:port pair whose host resolves.
func validateAddress(addr string) error {
	if addr == "" {
		return errors.New("empty address")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid host:port format: %w", err)
	}

	if port == "" {
		return errors.New("port is required")
	}

	// Empty or wildcard host listens on all interfaces.
	if host == "" || host == "0.0.0.0" || host == "::" {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		return nil
	}

	if _, err := net.LookupHost(host); err != nil {
		return fmt.Errorf("cannot resolve host %q: %w", host, err)
	}

	return nil
}
