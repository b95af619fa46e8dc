package httpserver

import (
	"net/http"

	"github.com/tokligence/wechat-bridge/internal/httpserver/protocol"
	"github.com/tokligence/wechat-bridge/internal/metrics"
)

type metricsEndpoint struct {
	server *Server
}

func newMetricsEndpoint(server *Server) protocol.Endpoint {
	return &metricsEndpoint{server: server}
}

func (e *metricsEndpoint) Name() string { return "metrics" }

func (e *metricsEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/metrics", Handler: http.HandlerFunc(e.server.HandleMetrics)},
	}
}

func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	s.respondText(w, http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", metrics.FormatPrometheus(s.metrics.GetSnapshot()))
}
