package gateway

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
	"github.com/sandboxmcp/sandbox-mcp/internal/sandbox"
	"github.com/sandboxmcp/sandbox-mcp/internal/session"
	"github.com/sandboxmcp/sandbox-mcp/internal/storage"
)

type uiSandbox struct {
	endpoint string
}

func (f *uiSandbox) ID() string { return "fake" }
func (f *uiSandbox) Exec(context.Context, sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{ExitCode: 0}, nil
}
func (f *uiSandbox) WriteFile(context.Context, string, []byte) error { return nil }
func (f *uiSandbox) Endpoint(context.Context, int) (string, error)   { return f.endpoint, nil }
func (f *uiSandbox) Destroy(context.Context) error                   { return nil }

type uiRuntime struct {
	sb *uiSandbox
}

func (r *uiRuntime) Acquire(context.Context, string) (sandbox.Sandbox, error) { return r.sb, nil }
func (r *uiRuntime) Close() error                                             { return nil }

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// agentUI fakes the in-sandbox web UI: plain HTTP plus a WS echo.
func agentUI() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ui/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Agent", "opencode")
		_, _ = w.Write([]byte("ui page"))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	})
	return mux
}

func newRouter(t *testing.T) (*gin.Engine, *session.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	upstream := httptest.NewServer(agentUI())
	t.Cleanup(upstream.Close)

	sessions := session.NewStore(storage.NewMemoryStore())
	rt := &uiRuntime{sb: &uiSandbox{endpoint: strings.TrimPrefix(upstream.URL, "http://")}}

	router := gin.New()
	NewHandler(sessions, rt, 4096, log).Register(router)
	return router, sessions
}

func seedSession(t *testing.T, sessions *session.Store, opencodeID string) {
	t.Helper()
	require.NoError(t, sessions.Put(context.Background(), &session.Session{
		SessionID:         "abc12345",
		SandboxID:         "abc12345",
		Status:            session.StatusActive,
		WorkspacePath:     "/workspace/widgets",
		OpencodeSessionID: opencodeID,
	}))
}

func TestHealth(t *testing.T) {
	router, _ := newRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestSessionEntryRedirect(t *testing.T) {
	router, sessions := newRouter(t)
	seedSession(t, sessions, "ses_xyz")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/session/abc12345", nil)
	req.Host = "mcp.example.com"
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	wantPrefix := "/" + base64.StdEncoding.EncodeToString([]byte("/workspace/widgets")) + "/session/ses_xyz"
	location := w.Header().Get("Location")
	assert.True(t, strings.HasPrefix(location, wantPrefix), location)
	assert.Contains(t, location, "url="+url.QueryEscape("http://mcp.example.com"))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookie, cookies[0].Name)
	assert.Equal(t, "abc12345", cookies[0].Value)
	assert.Equal(t, "/", cookies[0].Path)
	assert.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)
}

func TestSessionEntryWithoutAgentSession(t *testing.T) {
	router, sessions := newRouter(t)
	seedSession(t, sessions, "")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/session/abc12345", nil))

	assert.Equal(t, http.StatusFound, w.Code)
	location := w.Header().Get("Location")
	assert.Contains(t, location, "/session?url=")
	assert.NotContains(t, location, "/session/ses_")
}

func TestSessionEntryUnknownSession(t *testing.T) {
	router, _ := newRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/session/nope1234", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "SessionNotFoundError")
}

func TestProxyWithCookie(t *testing.T) {
	router, sessions := newRouter(t)
	seedSession(t, sessions, "ses_xyz")

	w := httptest.NewRecorder()
	// ResponseRecorder lacks CloseNotify; give the request a cancellable
	// context so ReverseProxy does not fall back to http.CloseNotifier.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/ui/page", nil).WithContext(ctx)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "abc12345"})
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ui page", w.Body.String())
	assert.Equal(t, "opencode", w.Header().Get("X-Agent"))
}

func TestInfoWithoutCookie(t *testing.T) {
	router, _ := newRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/anything", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "endpoints")
}

func TestProxyUnknownCookieSession(t *testing.T) {
	router, _ := newRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ui/page", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "nope1234"})
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebSocketPassthrough(t *testing.T) {
	router, sessions := newRouter(t)
	seedSession(t, sessions, "ses_xyz")

	gateway := httptest.NewServer(router)
	defer gateway.Close()

	wsURL := "ws" + strings.TrimPrefix(gateway.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Cookie", SessionCookie+"=abc12345")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:ping", string(data))
}
