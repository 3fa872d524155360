// Package gateway serves the browser entry point for sessions: a
// redirect into the agent web UI plus a cookie-scoped reverse proxy
// that tunnels HTTP and WebSocket traffic into the sandbox.
package gateway

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
	"github.com/sandboxmcp/sandbox-mcp/internal/sandbox"
	"github.com/sandboxmcp/sandbox-mcp/internal/session"
)

// SessionCookie carries the session id between the redirect and the
// proxied UI requests.
const SessionCookie = "opencode_session_id"

// proxyEntry caches the reverse proxy per session together with its
// target so a moved sandbox invalidates the cache.
type proxyEntry struct {
	proxy  *httputil.ReverseProxy
	target string // "host:port"
}

// Handler routes UI traffic for sessions.
type Handler struct {
	sessions  *session.Store
	runtime   sandbox.Runtime
	agentPort int
	log       *logger.Logger

	mu      sync.Mutex
	proxies map[string]*proxyEntry

	upgrader websocket.Upgrader
}

// NewHandler creates the gateway handler. agentPort is where the agent
// web UI listens inside the sandbox.
func NewHandler(sessions *session.Store, runtime sandbox.Runtime, agentPort int, log *logger.Logger) *Handler {
	return &Handler{
		sessions:  sessions,
		runtime:   runtime,
		agentPort: agentPort,
		log:       log.WithComponent("gateway"),
		proxies:   make(map[string]*proxyEntry),
		upgrader: websocket.Upgrader{
			// The cookie already scopes access; the UI lives on many origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register mounts the gateway routes on the router. The proxy handler
// takes the NoRoute slot so explicit routes always win.
func (h *Handler) Register(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	router.GET("/session/:sessionId", h.HandleSessionEntry)
	router.NoRoute(h.HandleProxy)
}

// HandleSessionEntry 302-redirects the browser into the agent web UI.
// The UI addresses workspaces by base64 of their path; the session
// cookie lets subsequent asset and API requests find their sandbox.
func (h *Handler) HandleSessionEntry(c *gin.Context) {
	sessionID := c.Param("sessionId")
	sess, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		h.log.Error("failed to load session", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": "StorageReadError", "message": "failed to load session"})
		return
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "SessionNotFoundError",
			"message": fmt.Sprintf("Session %q not found", sessionID),
		})
		return
	}

	location := "/" + base64.StdEncoding.EncodeToString([]byte(sess.WorkspacePath)) + "/session"
	if sess.OpencodeSessionID != "" {
		location += "/" + sess.OpencodeSessionID
	}
	location += "?url=" + url.QueryEscape(requestOrigin(c.Request))

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, sess.SessionID, 0, "/", "", false, false)
	c.Redirect(http.StatusFound, location)
}

// HandleProxy forwards any other request into the sandbox of the
// session named by the cookie. Without the cookie it answers with the
// endpoint listing.
func (h *Handler) HandleProxy(c *gin.Context) {
	sessionID, err := c.Cookie(SessionCookie)
	if err != nil || sessionID == "" {
		h.handleInfo(c)
		return
	}

	sess, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil || sess == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "SessionNotFoundError",
			"message": fmt.Sprintf("Session %q not found", sessionID),
		})
		return
	}

	target, err := h.resolveTarget(c, sess)
	if err != nil {
		h.log.Error("failed to resolve sandbox endpoint",
			zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"code": "SandboxUnreachableError", "message": "sandbox is not reachable"})
		return
	}

	if websocket.IsWebSocketUpgrade(c.Request) {
		h.tunnelWebSocket(c, sessionID, target)
		return
	}

	proxy := h.proxyFor(sessionID, target)

	// ReverseProxy panics with http.ErrAbortHandler when the client
	// disconnects mid-stream. Recover silently.
	defer func() {
		if r := recover(); r != nil {
			if r == http.ErrAbortHandler {
				h.log.Debug("ui proxy: client disconnected", zap.String("session_id", sessionID))
				return
			}
			panic(r)
		}
	}()

	proxy.ServeHTTP(c.Writer, c.Request)
}

func (h *Handler) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "sandbox-mcp",
		"endpoints": gin.H{
			"health":  "GET /health",
			"mcp":     "POST /mcp",
			"proxy":   "ANY /proxy/{service}/{path}",
			"session": "GET /session/{sessionId}",
		},
	})
}

// resolveTarget maps the session's sandbox to a reachable host:port
// for the agent UI.
func (h *Handler) resolveTarget(c *gin.Context, sess *session.Session) (string, error) {
	sb, err := h.runtime.Acquire(c.Request.Context(), sess.SandboxID)
	if err != nil {
		return "", err
	}
	return sb.Endpoint(c.Request.Context(), h.agentPort)
}

// proxyFor returns the cached reverse proxy for the session, rebuilding
// it when the sandbox endpoint moved.
func (h *Handler) proxyFor(sessionID, target string) *httputil.ReverseProxy {
	h.mu.Lock()
	defer h.mu.Unlock()

	if entry, ok := h.proxies[sessionID]; ok && entry.target == target {
		return entry.proxy
	}

	proxy := httputil.NewSingleHostReverseProxy(&url.URL{Scheme: "http", Host: target})
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.log.Error("ui proxy error", zap.String("session_id", sessionID), zap.Error(err))
		h.invalidate(sessionID)
		http.Error(w, "sandbox proxy error", http.StatusBadGateway)
	}
	h.proxies[sessionID] = &proxyEntry{proxy: proxy, target: target}
	return proxy
}

func (h *Handler) invalidate(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.proxies, sessionID)
}

// tunnelWebSocket bridges a WebSocket connection to the sandbox:
// dials the sandbox leg, upgrades the client leg and pumps frames both
// ways until either side closes.
func (h *Handler) tunnelWebSocket(c *gin.Context, sessionID, target string) {
	upstreamURL := url.URL{
		Scheme:   "ws",
		Host:     target,
		Path:     c.Request.URL.Path,
		RawQuery: c.Request.URL.RawQuery,
	}

	header := http.Header{}
	if proto := c.Request.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		header.Set("Sec-WebSocket-Protocol", proto)
	}

	upstream, resp, err := websocket.DefaultDialer.DialContext(c.Request.Context(), upstreamURL.String(), header)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		h.log.Error("failed to dial sandbox websocket",
			zap.String("session_id", sessionID),
			zap.String("target", upstreamURL.String()),
			zap.Error(err))
		c.JSON(status, gin.H{"code": "SandboxUnreachableError", "message": "sandbox websocket is not reachable"})
		return
	}
	defer upstream.Close()

	client, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer client.Close()

	errc := make(chan error, 2)
	go pump(client, upstream, errc)
	go pump(upstream, client, errc)
	<-errc
}

// pump copies frames from src to dst until a read or write fails.
func pump(dst, src *websocket.Conn, errc chan<- error) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			errc <- err
			return
		}
	}
}

// requestOrigin reconstructs the scheme://host the client used.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Host"); forwarded != "" {
		return scheme + "://" + forwarded
	}
	return scheme + "://" + r.Host
}
