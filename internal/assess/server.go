package assess

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AmmannChristian/go-authx/httpserver"

	"randomness-sts/internal/clock"
	"randomness-sts/internal/config"
	"randomness-sts/internal/metrics"
	"randomness-sts/internal/report"
	"randomness-sts/internal/sts"
)

const (
	defaultShutdownTimeout   = 5 * time.Second
	defaultIdleTimeout       = 30 * time.Second
	defaultReadTimeout       = 30 * time.Second
	defaultWriteTimeout      = 2 * time.Minute
	defaultRetryAfterSeconds = 1
	defaultAssessAddress     = "127.0.0.1:9798"
	defaultMaxBodyBytes      = 16 << 20
	defaultRateLimitRPS      = 5
	defaultRateLimitBurst    = 10
	baseURLV1                = "/api/v1"
)

// ServerConfig configures the assessment HTTP API.
type ServerConfig struct {
	Addr              string
	AllowPublic       bool
	MaxBodyBytes      int64
	RateLimitRPS      int
	RateLimitBurst    int
	RetryAfterSeconds int
}

// ServerConfigFrom maps the application settings onto a ServerConfig.
func ServerConfigFrom(settings config.Assess) ServerConfig {
	return ServerConfig{
		Addr:           settings.Bind,
		AllowPublic:    settings.AllowPublic,
		MaxBodyBytes:   int64(settings.MaxBodyBytes),
		RateLimitRPS:   settings.RateLimitRPS,
		RateLimitBurst: settings.RateLimitBurst,
	}
}

// ServerOption tunes a Server.
type ServerOption func(*Server)

// WithClock injects the clock used by the rate limiter and request timing.
func WithClock(clk clock.Clock) ServerOption {
	return func(s *Server) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// Server exposes the battery over a local HTTP interface:
//   - POST /api/v1/assess -- runs the plan over the raw request body and
//     returns the report document (JSON, or text with ?format=text).
//   - GET /api/v1/health -- plan size and assessment count as plain text.
//   - GET /api/v1/templates?m=N -- the library templates of length N.
//   - GET /api/v1/reports/latest -- the most recent assessment.
//
// Token-bucket rate limiting is applied to the assess endpoint.
type Server struct {
	assessor          *Assessor
	server            *http.Server
	listener          net.Listener
	shutdownTimeout   time.Duration
	maxBodyBytes      int64
	clock             clock.Clock
	rateLimiter       *tokenBucket
	retryAfterSeconds int
}

// NewServer constructs a Server. Unless AllowPublic is set, the address must
// be a loopback interface.
func NewServer(cfg ServerConfig, assessor *Assessor, opts ...ServerOption) (*Server, error) {
	if assessor == nil {
		return nil, errors.New("assess http server: assessor is nil")
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAssessAddress
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.RetryAfterSeconds <= 0 {
		cfg.RetryAfterSeconds = defaultRetryAfterSeconds
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = defaultRateLimitRPS
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}

	canonicalAddr, err := enforceLoopbackAddr(cfg.Addr, cfg.AllowPublic)
	if err != nil {
		return nil, err
	}

	s := &Server{
		assessor:          assessor,
		shutdownTimeout:   defaultShutdownTimeout,
		maxBodyBytes:      cfg.MaxBodyBytes,
		clock:             clock.RealClock{},
		retryAfterSeconds: cfg.RetryAfterSeconds,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(baseURLV1+"/assess", s.handleAssess)
	mux.HandleFunc(baseURLV1+"/health", s.handleHealth)
	mux.HandleFunc(baseURLV1+"/templates", s.handleTemplates)
	mux.HandleFunc(baseURLV1+"/reports/latest", s.handleLatest)

	s.server = &http.Server{
		Addr:         canonicalAddr,
		Handler:      mux,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
	s.rateLimiter = newTokenBucket(float64(cfg.RateLimitRPS), cfg.RateLimitBurst, s.clock)
	log.Printf("assess http server: rate limiter configured (rps=%d, burst=%d)", cfg.RateLimitRPS, cfg.RateLimitBurst)

	return s, nil
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the bound address once Start succeeded, otherwise the
// configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Start begins listening for HTTP requests. It returns an error if the socket
// cannot be bound.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("assess http server: listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("assess http server: serve error: %v", err)
		}
	}()

	log.Printf("assess http server: listening on %s", listener.Addr())
	return nil
}

// StartTLS begins listening for HTTPS requests. caFile, when non-empty,
// provides the CA used to verify client certificates under clientAuth.
func (s *Server) StartTLS(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) error {
	tlsConfig := &httpserver.TLSConfig{
		CertFile:   certFile,
		KeyFile:    keyFile,
		CAFile:     caFile,
		ClientAuth: clientAuth,
	}
	if err := httpserver.ConfigureServer(s.server, tlsConfig); err != nil {
		return fmt.Errorf("assess http server: configure TLS: %w", err)
	}

	log.Printf("assess http server: loaded server certificate from %s", certFile)
	if caFile != "" {
		log.Printf("assess http server: using custom CA certificate from %s for client verification", caFile)
	}

	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("assess http server: listen: %w", err)
	}
	tlsListener := tls.NewListener(listener, s.server.TLSConfig)
	s.listener = tlsListener

	go func() {
		if err := s.server.Serve(tlsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("assess http server: serve error: %v", err)
		}
	}()

	log.Printf("assess http server: listening on %s (TLS enabled)", listener.Addr())
	return nil
}

// Shutdown gracefully stops the server, waiting up to five seconds for
// in-flight assessments when ctx is nil.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
	}
	err := s.server.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// enforceLoopbackAddr validates that addr resolves to a loopback interface.
// When allowPublic is true, non-loopback addresses are permitted with a
// warning log. Returns the canonical host:port string or an error.
func enforceLoopbackAddr(addr string, allowPublic bool) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = defaultAssessAddress
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("assess http server: invalid address %q: %w", addr, err)
	}
	if host == "" {
		return "", errors.New("assess http server: host must be specified")
	}
	if strings.EqualFold(host, "localhost") {
		return net.JoinHostPort("localhost", port), nil
	}

	ip := net.ParseIP(host)
	if ip == nil {
		if allowPublic {
			log.Printf("assess http server: ALLOW_PUBLIC_HTTP=true, binding to %s", addr)
			return addr, nil
		}
		return "", fmt.Errorf("assess http server: host %q is not loopback", host)
	}
	if !ip.IsLoopback() {
		if allowPublic {
			log.Printf("assess http server: ALLOW_PUBLIC_HTTP=true, binding to %s", addr)
			return net.JoinHostPort(ip.String(), port), nil
		}
		return "", fmt.Errorf("assess http server: host %q must be loopback", host)
	}
	return net.JoinHostPort(ip.String(), port), nil
}

func (s *Server) handleAssess(response http.ResponseWriter, request *http.Request) {
	start := s.clock.Now()
	status := http.StatusOK
	rateLimited := false
	defer func() {
		metrics.RecordAssessHTTPRequest(status, clock.Since(s.clock, start))
		if status == http.StatusServiceUnavailable {
			metrics.RecordAssessHTTP503()
			if rateLimited {
				metrics.RecordAssessHTTPRateLimited()
			}
		}
	}()

	setNoStoreHeaders(response)

	if request.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		response.Header().Set("Allow", http.MethodPost)
		http.Error(response, "method not allowed", status)
		return
	}

	format := report.FormatJSON
	if value := request.URL.Query().Get("format"); value != "" {
		parsed, err := report.ParseFormat(value)
		if err != nil {
			status = http.StatusBadRequest
			http.Error(response, err.Error(), status)
			return
		}
		format = parsed
	}

	if allowed, wait := s.rateLimiter.Allow(); !allowed {
		status = http.StatusServiceUnavailable
		rateLimited = true
		s.setRetryAfter(response, wait)
		http.Error(response, "rate limit exceeded", status)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(response, request.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
			http.Error(response, fmt.Sprintf("body exceeds %d bytes", s.maxBodyBytes), status)
			return
		}
		status = http.StatusBadRequest
		http.Error(response, "failed to read body", status)
		return
	}
	if len(data) == 0 {
		status = http.StatusBadRequest
		http.Error(response, "empty body", status)
		return
	}

	source := strings.TrimSpace(request.URL.Query().Get("source"))
	if source == "" {
		source = "http"
	}

	doc, err := s.assessor.Assess(request.Context(), source, data)
	if err != nil {
		status = http.StatusBadRequest
		http.Error(response, err.Error(), status)
		return
	}

	response.Header().Set("X-Assessment-ID", doc.ID)
	response.Header().Set("X-Assessment-Bits", strconv.Itoa(doc.Bits))
	if err := writeDocument(response, format, doc); err != nil {
		log.Printf("assess http server: write failed: %v", err)
	}
}

func (s *Server) handleHealth(response http.ResponseWriter, _ *http.Request) {
	setNoStoreHeaders(response)
	response.Header().Set("Content-Type", "text/plain; charset=utf-8")
	response.WriteHeader(http.StatusOK)
	p := s.assessor.Plan()
	_, _ = fmt.Fprintf(response, "plan_tests=%d\nsignificance=%g\nassessments=%d\n",
		len(p.Tests), p.SignificanceLevel(), s.assessor.Count())
}

type templatesResponse struct {
	Length    int            `json:"m"`
	Count     int            `json:"count"`
	Templates []sts.Template `json:"templates"`
}

func (s *Server) handleTemplates(response http.ResponseWriter, request *http.Request) {
	setNoStoreHeaders(response)

	value := request.URL.Query().Get("m")
	m, err := strconv.Atoi(value)
	if err != nil {
		http.Error(response, "invalid m parameter", http.StatusBadRequest)
		return
	}

	templates, err := s.assessor.Library().Templates(m)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, sts.ErrInvalidParameter) {
			code = http.StatusBadRequest
		}
		http.Error(response, err.Error(), code)
		return
	}

	writeJSON(response, templatesResponse{Length: m, Count: len(templates), Templates: templates})
}

func (s *Server) handleLatest(response http.ResponseWriter, request *http.Request) {
	setNoStoreHeaders(response)

	doc, ok := s.assessor.Latest()
	if !ok {
		http.Error(response, "no assessment yet", http.StatusNotFound)
		return
	}

	format := report.FormatJSON
	if value := request.URL.Query().Get("format"); value != "" {
		parsed, err := report.ParseFormat(value)
		if err != nil {
			http.Error(response, err.Error(), http.StatusBadRequest)
			return
		}
		format = parsed
	}
	if err := writeDocument(response, format, doc); err != nil {
		log.Printf("assess http server: write failed: %v", err)
	}
}

func writeDocument(response http.ResponseWriter, format report.Format, doc report.Document) error {
	if format == report.FormatText {
		response.Header().Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		response.Header().Set("Content-Type", "application/json")
	}
	response.WriteHeader(http.StatusOK)
	return report.Write(response, format, doc)
}

func writeJSON(response http.ResponseWriter, v any) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(response).Encode(v); err != nil {
		log.Printf("assess http server: write failed: %v", err)
	}
}

// setNoStoreHeaders sets Cache-Control and Pragma headers to prevent caching
// of assessment responses.
func setNoStoreHeaders(response http.ResponseWriter) {
	response.Header().Set("Cache-Control", "no-store")
	response.Header().Set("Pragma", "no-cache")
}

func (s *Server) setRetryAfter(response http.ResponseWriter, wait time.Duration) {
	seconds := s.retryAfterSeconds
	if wait > 0 {
		if calc := int(math.Ceil(wait.Seconds())); calc > seconds {
			seconds = calc
		}
	}
	if seconds < 1 {
		seconds = defaultRetryAfterSeconds
	}
	response.Header().Set("Retry-After", strconv.Itoa(seconds))
}
