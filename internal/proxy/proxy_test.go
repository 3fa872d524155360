package proxy

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
	"github.com/sandboxmcp/sandbox-mcp/internal/token"
)

const testSecret = "proxy-test-secret"

func testToken(t *testing.T) string {
	t.Helper()
	tok, err := token.Create(token.CreateParams{
		Secret:    testSecret,
		SandboxID: "sandbox-1",
		ExpiresIn: "5m",
	})
	require.NoError(t, err)
	return tok
}

func newTestHandler(t *testing.T, registry *Registry) *Handler {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return NewHandler("/proxy", testSecret, registry, log)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) Error {
	t.Helper()
	var perr Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &perr))
	return perr
}

func TestParsePathTotality(t *testing.T) {
	cases := []struct {
		path    string
		service string
		target  string
	}{
		{"/proxy/anthropic/v1/messages", "anthropic", "/v1/messages"},
		{"/proxy/github/acme/widgets.git/info/refs", "github", "/acme/widgets.git/info/refs"},
		{"/proxy/svc", "svc", "/"},
		{"/proxy/svc/", "svc", "/"},
	}
	for _, tc := range cases {
		parsed, perr := ParsePath("/proxy", tc.path)
		require.Nil(t, perr, tc.path)
		assert.Equal(t, tc.service, parsed.Service, tc.path)
		assert.Equal(t, tc.target, parsed.TargetPath, tc.path)
		assert.True(t, strings.HasPrefix(parsed.TargetPath, "/"))
	}

	invalid := []string{"/", "/proxy", "/proxyx/svc", "/other/svc/x", "/proxy//x"}
	for _, path := range invalid {
		parsed, perr := ParsePath("/proxy", path)
		require.Nil(t, parsed, path)
		require.NotNil(t, perr, path)
		assert.Equal(t, CodePathInvalid, perr.Code, path)
	}

	// mount normalization accepts trailing slash and missing leading slash
	parsed, perr := ParsePath("proxy/", "/proxy/svc/x")
	require.Nil(t, perr)
	assert.Equal(t, "svc", parsed.Service)
}

func TestBuildTargetURLPreservesBasePathAndQuery(t *testing.T) {
	u, err := BuildTargetURL("https://api.example.com/v1", "/models/list", "limit=5&q=a%20b")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/models/list?limit=5&q=a%20b", u.String())

	u, err = BuildTargetURL("https://api.example.com/", "/x", "")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/x", u.String())
}

func TestUnknownServiceListsAvailable(t *testing.T) {
	h := newTestHandler(t, NewRegistry(Credentials{}))

	req := httptest.NewRequest(http.MethodGet, "/proxy/nope/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	perr := decodeError(t, rec)
	assert.Equal(t, CodeServiceNotFound, perr.Code)
	assert.Contains(t, perr.Message, "anthropic")
	assert.Contains(t, perr.Message, "github")
}

func TestMissingTokenRejected(t *testing.T) {
	h := newTestHandler(t, NewRegistry(Credentials{AnthropicAPIKey: "real-key"}))

	req := httptest.NewRequest(http.MethodPost, "/proxy/anthropic/v1/messages", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeTokenMissing, decodeError(t, rec).Code)
}

func TestInvalidTokenRejected(t *testing.T) {
	h := newTestHandler(t, NewRegistry(Credentials{AnthropicAPIKey: "real-key"}))

	wrongSecret, err := token.Create(token.CreateParams{
		Secret:    "other-secret",
		SandboxID: "sandbox-1",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/proxy/anthropic/v1/models", nil)
	req.Header.Set("x-api-key", wrongSecret)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeTokenInvalid, decodeError(t, rec).Code)
}

func TestClassifyTokenError(t *testing.T) {
	assert.Equal(t, CodeTokenExpired, classifyTokenError(&token.VerifyError{Kind: token.KindExpired}).Code)
	assert.Equal(t, CodeTokenInvalid, classifyTokenError(&token.VerifyError{Kind: token.KindInvalid, Reason: "bad sig"}).Code)
}

func TestAnthropicTransformInjectsRealKey(t *testing.T) {
	t.Setenv(anthropicKeyEnv, "")
	var seen http.Header
	var seenBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		seenBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	registry := NewRegistry(Credentials{AnthropicAPIKey: "real-key"})
	svc, _ := registry.Resolve("anthropic")
	svc.Target = upstream.URL

	h := newTestHandler(t, registry)
	req := httptest.NewRequest(http.MethodPost, "/proxy/anthropic/v1/messages?beta=true", strings.NewReader(`{"model":"m"}`))
	req.Header.Set("x-api-key", testToken(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	// the proxy token never reaches upstream
	assert.Equal(t, "real-key", seen.Get("x-api-key"))
	assert.Equal(t, `{"model":"m"}`, string(seenBody))
}

func TestAnthropicCredentialReadPerRequest(t *testing.T) {
	t.Setenv(anthropicKeyEnv, "")
	var seenKeys []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenKeys = append(seenKeys, r.Header.Get("x-api-key"))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	registry := NewRegistry(Credentials{AnthropicAPIKey: "boot-key"})
	svc, _ := registry.Resolve("anthropic")
	svc.Target = upstream.URL
	h := newTestHandler(t, registry)

	send := func() {
		req := httptest.NewRequest(http.MethodGet, "/proxy/anthropic/v1/models", nil)
		req.Header.Set("x-api-key", testToken(t))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	send()
	// operator rotates the key; no restart, no re-registration
	t.Setenv(anthropicKeyEnv, "rotated-key")
	send()

	assert.Equal(t, []string{"boot-key", "rotated-key"}, seenKeys)
}

func TestAnthropicMissingCredential(t *testing.T) {
	t.Setenv(anthropicKeyEnv, "")
	h := newTestHandler(t, NewRegistry(Credentials{}))

	req := httptest.NewRequest(http.MethodGet, "/proxy/anthropic/v1/models", nil)
	req.Header.Set("x-api-key", testToken(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	perr := decodeError(t, rec)
	assert.Equal(t, CodeConfigError, perr.Code)
	assert.Contains(t, perr.Message, "ANTHROPIC_API_KEY")
}

func TestGitHubAllowlist(t *testing.T) {
	allowed := []string{
		"/acme/widgets/info/refs",
		"/acme/widgets.git/info/refs",
		"/acme/widgets.git/git-upload-pack",
		"/acme/widgets/git-receive-pack",
	}
	for _, path := range allowed {
		assert.True(t, gitSmartHTTPPath.MatchString(path), path)
	}

	denied := []string{
		"/",
		"/acme",
		"/acme/widgets",
		"/acme/widgets/raw/main/secrets.txt",
		"/api/v3/user",
	}
	for _, path := range denied {
		assert.False(t, gitSmartHTTPPath.MatchString(path), path)
	}
}

func TestGitHubTransformSetsBasicAuth(t *testing.T) {
	t.Setenv(githubTokenEnv, "")
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	registry := NewRegistry(Credentials{GitHubToken: "gh-token"})
	svc, _ := registry.Resolve("github")
	svc.Target = upstream.URL

	h := newTestHandler(t, registry)
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/proxy/github/acme/widgets.git/info/refs?service=git-upload-pack", nil)
		req.Header.Set("Authorization", "Bearer "+testToken(t))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, send().Code)
	wantBasic := "Basic " + base64.StdEncoding.EncodeToString([]byte("x-access-token:gh-token"))
	assert.Equal(t, wantBasic, seen.Get("Authorization"))
	assert.Equal(t, "Sandbox-Git-Proxy", seen.Get("User-Agent"))

	// rotated token is picked up on the next request
	t.Setenv(githubTokenEnv, "gh-rotated")
	require.Equal(t, http.StatusOK, send().Code)
	wantRotated := "Basic " + base64.StdEncoding.EncodeToString([]byte("x-access-token:gh-rotated"))
	assert.Equal(t, wantRotated, seen.Get("Authorization"))
}

func TestGitHubNonGitPathRejected(t *testing.T) {
	h := newTestHandler(t, NewRegistry(Credentials{GitHubToken: "gh-token"}))

	req := httptest.NewRequest(http.MethodGet, "/proxy/github/acme/widgets/raw/main/x", nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	perr := decodeError(t, rec)
	assert.Equal(t, CodePathInvalid, perr.Code)
	assert.Equal(t, "Invalid git path", perr.Message)
}

func TestUpstreamUnreachableIs502(t *testing.T) {
	registry := NewRegistry(Credentials{AnthropicAPIKey: "real-key"})
	svc, _ := registry.Resolve("anthropic")
	svc.Target = "http://127.0.0.1:1" // nothing listens here

	h := newTestHandler(t, registry)
	req := httptest.NewRequest(http.MethodGet, "/proxy/anthropic/v1/models", nil)
	req.Header.Set("x-api-key", testToken(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	perr := decodeError(t, rec)
	assert.Equal(t, CodeTargetError, perr.Code)
	assert.Contains(t, perr.Message, "127.0.0.1:1")
}

func TestUpstreamErrorsPassThroughVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer upstream.Close()

	registry := NewRegistry(Credentials{AnthropicAPIKey: "real-key"})
	svc, _ := registry.Resolve("anthropic")
	svc.Target = upstream.URL

	h := newTestHandler(t, registry)
	req := httptest.NewRequest(http.MethodGet, "/proxy/anthropic/v1/models", nil)
	req.Header.Set("x-api-key", testToken(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "short and stout", rec.Body.String())
}

func TestRewriteForContainer(t *testing.T) {
	assert.Equal(t, "http://host.docker.internal:8080/proxy",
		RewriteForContainer("http://localhost:8080/proxy"))
	assert.Equal(t, "http://host.docker.internal:9090",
		RewriteForContainer("http://127.0.0.1:9090"))
	assert.Equal(t, "https://control.example.com/proxy",
		RewriteForContainer("https://control.example.com/proxy"))
}

func TestOverlayRegistersExtraService(t *testing.T) {
	dir := t.TempDir()
	file := dir + "/services.yaml"
	content := `
services:
  - name: openai
    target: https://api.openai.com/v1
    tokenHeader: Authorization
    credentialEnv: OPENAI_API_KEY
    credentialHeader: Authorization
    credentialPrefix: "Bearer "
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))

	registry := NewRegistry(Credentials{})
	require.NoError(t, registry.LoadOverlay(file))

	svc, ok := registry.Resolve("openai")
	require.True(t, ok)
	assert.Equal(t, "https://api.openai.com/v1", svc.Target)
	assert.Contains(t, registry.Names(), "openai")
}
