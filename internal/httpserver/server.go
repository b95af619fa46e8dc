package httpserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokligence/wechat-bridge/internal/bridge"
	"github.com/tokligence/wechat-bridge/internal/health"
	"github.com/tokligence/wechat-bridge/internal/httpserver/protocol"
	"github.com/tokligence/wechat-bridge/internal/metrics"
)

// DefaultMaxBodyBytes caps inbound webhook bodies.
const DefaultMaxBodyBytes = 1 << 20

var defaultEndpointKeys = []string{"wechat", "health", "metrics"}

// Bridge is the inbound pipeline served on the webhook path.
type Bridge interface {
	Verify(q bridge.Query) (string, error)
	Handle(ctx context.Context, q bridge.Query, body []byte) (string, error)
}

// HealthChecker reports component health.
type HealthChecker interface {
	Check(ctx context.Context) health.HealthStatus
}

// Config wires the server's collaborators.
type Config struct {
	Bridge       Bridge
	Health       HealthChecker     // optional
	Metrics      *metrics.Collector // optional
	WebhookPath  string             // default /wechat
	MaxBodyBytes int64
	Endpoints    []string // endpoint bundle keys; default wechat, health, metrics
	Logger       *log.Logger
	LogLevel     string
}

// Server exposes the bridge over HTTP.
type Server struct {
	bridge       Bridge
	health       HealthChecker
	metrics      *metrics.Collector
	webhookPath  string
	maxBodyBytes int64
	endpointKeys []string
	logger       *log.Logger
	logLevel     string
	started      time.Time
}

// New constructs a Server.
func New(cfg Config) *Server {
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/wechat"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{
		bridge:       cfg.Bridge,
		health:       cfg.Health,
		metrics:      cfg.Metrics,
		webhookPath:  cfg.WebhookPath,
		maxBodyBytes: cfg.MaxBodyBytes,
		endpointKeys: normalizeEndpointKeys(cfg.Endpoints, defaultEndpointKeys),
		logger:       cfg.Logger,
		logLevel:     strings.ToLower(strings.TrimSpace(cfg.LogLevel)),
		started:      time.Now(),
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	s.registerEndpointKeys(r, s.endpointKeys...)
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metricsMiddleware)
	}
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		s.debugf("registering endpoint %s", ep.Name())
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, route.Handler)
		}
	}
}

func (s *Server) registerEndpointKeys(r chi.Router, keys ...string) int {
	var endpoints []protocol.Endpoint
	for _, key := range keys {
		if ep := s.endpointByKey(key); ep != nil {
			endpoints = append(endpoints, ep)
		} else {
			s.debugf("endpoint %s unavailable, skipping registration", key)
		}
	}
	if len(endpoints) == 0 {
		return 0
	}
	s.registerEndpoints(r, endpoints...)
	return len(endpoints)
}

func (s *Server) endpointByKey(key string) protocol.Endpoint {
	switch key {
	case "wechat", "webhook":
		if s.bridge == nil {
			return nil
		}
		return newWeChatEndpoint(s)
	case "health", "status":
		return newHealthEndpoint(s)
	case "metrics":
		if s.metrics == nil {
			return nil
		}
		return newMetricsEndpoint(s)
	default:
		return nil
	}
}

// metricsMiddleware records per-route request counts and latency. Routes are
// keyed by their chi pattern so unknown paths collapse into one series.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		endpoint := r.URL.Path
		s.metrics.RecordRequestStart(endpoint)
		defer func() {
			s.metrics.RecordRequestEnd(endpoint)
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			s.metrics.RecordRequest(route, time.Since(start))
			if ww.Status() >= http.StatusBadRequest {
				s.metrics.RecordError(route)
			}
		}()
		next.ServeHTTP(ww, r)
	})
}

func normalizeEndpointKeys(list []string, defaults []string) []string {
	if len(list) == 0 {
		list = defaults
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, key := range list {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondText(w http.ResponseWriter, status int, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}
