package mcpserver

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
	"github.com/sandboxmcp/sandbox-mcp/internal/telemetry"
)

// Server exposes the tool surface over two MCP transports sharing one
// tool registry:
//   - SSE (/sse, /message) for Claude Desktop, Cursor, etc.
//   - Streamable HTTP (/mcp) for Codex
type Server struct {
	authToken string
	sse       *server.SSEServer
	stream    *server.StreamableHTTPServer
	mux       *http.ServeMux
	log       *logger.Logger
}

// NewServer builds the MCP server around the dispatcher. authToken
// guards every transport; empty disables auth.
func NewServer(d *Dispatcher, authToken string, log *logger.Logger) *Server {
	mcpServer := server.NewMCPServer(
		telemetry.ServiceName,
		telemetry.Version,
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, d)

	s := &Server{
		authToken: authToken,
		sse:       server.NewSSEServer(mcpServer),
		stream:    server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp")),
		mux:       http.NewServeMux(),
		log:       log.WithComponent("mcpserver"),
	}
	s.mux.Handle("/sse", s.sse.SSEHandler())
	s.mux.Handle("/message", s.sse.MessageHandler())
	s.mux.Handle("/mcp", s.stream)
	return s
}

// Handler returns the transport mux behind bearer auth, ready to mount
// on the main router.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			s.log.Warn("unauthorized tool request",
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"UnauthorizedError","message":"missing or invalid bearer token"}`))
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

// Shutdown drains active transport sessions.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.sse.Shutdown(ctx); err != nil {
		s.log.Warn("failed to shut down SSE transport", zap.Error(err))
	}
	if err := s.stream.Shutdown(ctx); err != nil {
		s.log.Warn("failed to shut down streamable HTTP transport", zap.Error(err))
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	presented, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.authToken)) == 1
}
