package httpserver

import (
	"net/http"
	"time"

	"github.com/tokligence/wechat-bridge/internal/health"
	"github.com/tokligence/wechat-bridge/internal/httpserver/protocol"
	"github.com/tokligence/wechat-bridge/internal/version"
)

type healthEndpoint struct {
	server *Server
}

func newHealthEndpoint(server *Server) protocol.Endpoint {
	return &healthEndpoint{server: server}
}

func (e *healthEndpoint) Name() string { return "health" }

func (e *healthEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(e.server.HandleHealth)},
	}
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":         string(health.StatusHealthy),
		"time":           time.Now().UTC().Format(time.RFC3339),
		"version":        version.Info(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	status := http.StatusOK
	if s.health != nil {
		result := s.health.Check(r.Context())
		payload["status"] = string(result.Status)
		payload["components"] = result.Components
		if result.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
	}
	s.respondJSON(w, status, payload)
}
