package httpserver

import (
	"errors"
	"io"
	"net/http"

	"github.com/tokligence/wechat-bridge/internal/bridge"
	"github.com/tokligence/wechat-bridge/internal/envelope"
	"github.com/tokligence/wechat-bridge/internal/httpserver/protocol"
	"github.com/tokligence/wechat-bridge/internal/signature"
)

type wechatEndpoint struct {
	server *Server
}

func newWeChatEndpoint(server *Server) protocol.Endpoint {
	return &wechatEndpoint{server: server}
}

func (e *wechatEndpoint) Name() string { return "wechat" }

func (e *wechatEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: e.server.webhookPath, Handler: http.HandlerFunc(e.server.HandleVerify)},
		{Method: http.MethodPost, Path: e.server.webhookPath, Handler: http.HandlerFunc(e.server.HandleMessage)},
	}
}

// HandleVerify answers the platform's endpoint verification handshake.
func (s *Server) HandleVerify(w http.ResponseWriter, r *http.Request) {
	echo, err := s.bridge.Verify(bridge.QueryFromValues(r.URL.Query()))
	if err != nil {
		s.logf("endpoint verification failed from %s", r.RemoteAddr)
		s.respondText(w, http.StatusForbidden, "text/plain; charset=utf-8", "Verification failed")
		return
	}
	s.respondText(w, http.StatusOK, "text/plain; charset=utf-8", echo)
}

// HandleMessage runs one inbound message through the bridge pipeline and
// writes its synchronous reply.
func (s *Server) HandleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondText(w, http.StatusRequestEntityTooLarge, "text/plain; charset=utf-8", "Request body too large")
			return
		}
		s.respondText(w, http.StatusBadRequest, "text/plain; charset=utf-8", "Unreadable request body")
		return
	}
	s.debugf("inbound %s query=%s body=%q", r.URL.Path, r.URL.RawQuery, body)

	reply, err := s.bridge.Handle(r.Context(), bridge.QueryFromValues(r.URL.Query()), body)
	if err != nil {
		status := bridge.StatusFor(err)
		s.logf("rejected inbound message (%d): %v", status, err)
		s.respondText(w, status, "text/plain; charset=utf-8", rejectionText(err, status))
		return
	}
	s.respondText(w, http.StatusOK, "application/xml; charset=utf-8", reply)
}

func rejectionText(err error, status int) string {
	switch {
	case errors.Is(err, signature.ErrMismatch):
		return "Invalid signature"
	case errors.Is(err, envelope.ErrDecode):
		return "Invalid message"
	case status == http.StatusBadRequest:
		return "XML parse error"
	default:
		return "Internal error"
	}
}
