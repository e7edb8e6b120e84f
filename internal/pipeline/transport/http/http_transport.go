// Package httptransport provides an HTTP and websocket transport.
package httptransport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lprpipeline/internal/pipeline/core"
	"lprpipeline/internal/pipeline/observability"
)

// Services are the collaborators served over HTTP.
type Services struct {
	Detections    core.DetectionService
	Notifications core.NotificationService
	Attempts      core.AttemptLister
	Subscribers   core.SubscriberRegistry
	Limiter       core.AdmissionController
	Queue         core.QueueStatusSource

	// Work is optional and adds in-progress frame counts to /v1/status.
	Work core.WorkStatsSource
}

// HTTPTransport serves the pipeline API and observer websockets over HTTP.
type HTTPTransport struct {
	addr     string
	srv      *http.Server
	services Services
	appReady func() bool
	mux      http.Handler
	upgrader websocket.Upgrader
	mu       sync.Mutex
	cfg      HTTPTransportConfig
	closed   bool
}

// HTTPTransportConfig configures the HTTP transport.
type HTTPTransportConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	EnableAuth     bool
	Tokens         *core.TokenResolver
	AllowedOrigins []string
	Logger         observability.Logger
	Metrics        *observability.InMemoryMetrics
	Mode           func() core.OperatingMode
}

// NewHTTPTransport constructs a transport bound to an address.
func NewHTTPTransport(addr string, ready func() bool) *HTTPTransport {
	if addr == "" {
		addr = ":8080"
	}
	if ready == nil {
		ready = func() bool { return false }
	}
	return &HTTPTransport{addr: addr, appReady: ready}
}

// Serve registers the pipeline services.
func (t *HTTPTransport) Serve(services Services) error {
	if services.Detections == nil || services.Subscribers == nil || services.Queue == nil {
		return errors.New("detection, subscriber and queue services are required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.services = services
	return nil
}

// Configure applies transport configuration values.
func (t *HTTPTransport) Configure(cfg HTTPTransportConfig) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Tokens == nil {
		cfg.Tokens = core.NewTokenResolver("", nil, cfg.EnableAuth)
	}
	t.cfg = cfg
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
}

// Start begins serving HTTP requests.
func (t *HTTPTransport) Start() error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	handler, err := t.handler()
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	if t.srv == nil {
		t.srv = &http.Server{
			Addr:         t.addr,
			Handler:      handler,
			ReadTimeout:  t.cfg.ReadTimeout,
			WriteTimeout: t.cfg.WriteTimeout,
			IdleTimeout:  t.cfg.IdleTimeout,
		}
	}
	srv := t.srv
	t.mu.Unlock()

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server. Hijacked websocket connections are closed
// by the hub when it shuts down.
func (t *HTTPTransport) Shutdown(ctx context.Context) error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	t.closed = true
	srv := t.srv
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (t *HTTPTransport) Handler() (http.Handler, error) {
	return t.handler()
}

func (t *HTTPTransport) handler() (http.Handler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mux != nil {
		return t.mux, nil
	}
	if t.services.Detections == nil {
		return nil, errors.New("services must be registered before starting")
	}
	if t.cfg.MaxBodyBytes <= 0 {
		t.cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if t.cfg.Tokens == nil {
		t.cfg.Tokens = core.NewTokenResolver("", nil, t.cfg.EnableAuth)
	}
	if t.upgrader.CheckOrigin == nil {
		t.upgrader.CheckOrigin = originChecker(t.cfg.AllowedOrigins)
	}
	mux := http.NewServeMux()
	t.registerRoutes(mux)
	t.mux = mux
	return mux, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
