// Package proxy implements the authenticating reverse proxy that stands
// between sandbox egress and real upstreams. Sandboxes present
// short-lived HS256 tokens; the proxy verifies them, swaps in the real
// credential per service policy and forwards.
package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
	"github.com/sandboxmcp/sandbox-mcp/internal/token"
	"github.com/sandboxmcp/sandbox-mcp/internal/tracing"
)

// hop-by-hop headers never forwarded in either direction
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler is the proxy's HTTP entry point, mounted at mountPath.
type Handler struct {
	mountPath string
	secret    string
	registry  *Registry
	client    *http.Client
	log       *logger.Logger
	tracer    trace.Tracer
}

// NewHandler creates the proxy handler. secret verifies proxy tokens.
func NewHandler(mountPath, secret string, registry *Registry, log *logger.Logger) *Handler {
	return &Handler{
		mountPath: mountPath,
		secret:    secret,
		registry:  registry,
		client: &http.Client{
			Timeout: 5 * time.Minute,
			// redirects pass through to the caller untouched
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:    log.WithComponent("proxy"),
		tracer: tracing.Tracer("proxy"),
	}
}

// ServeHTTP runs the full verify-rewrite-forward pipeline.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.forward")
	defer span.End()
	r = r.WithContext(ctx)

	parsed, perr := ParsePath(h.mountPath, r.URL.Path)
	if perr != nil {
		h.writeError(w, perr)
		return
	}
	span.SetAttributes(attribute.String("proxy.service", parsed.Service))

	service, ok := h.registry.Resolve(parsed.Service)
	if !ok {
		h.writeError(w, serviceNotFound(parsed.Service, h.registry.Names()))
		return
	}

	presented := service.Validate(r)
	if presented == "" {
		h.writeError(w, tokenMissing(service.Name))
		return
	}
	if _, err := token.Verify(h.secret, presented); err != nil {
		h.writeError(w, classifyTokenError(err))
		return
	}

	targetURL, err := BuildTargetURL(service.Target, parsed.TargetPath, r.URL.RawQuery)
	if err != nil {
		h.writeError(w, pathInvalid("target path does not form a valid URL"))
		return
	}

	outbound, err := h.buildOutbound(r, targetURL)
	if err != nil {
		h.writeError(w, targetError(service.Target, err))
		return
	}

	if perr := service.Transform(outbound, parsed.TargetPath); perr != nil {
		h.writeError(w, perr)
		return
	}

	resp, err := h.client.Do(outbound)
	if err != nil {
		h.log.Warn("upstream unreachable",
			zap.String("service", service.Name),
			zap.String("target", service.Target),
			zap.Error(err))
		h.writeError(w, targetError(service.Target, err))
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.log.Debug("response copy interrupted", zap.Error(err))
	}
}

// BuildTargetURL resolves the path fragment relative to the upstream
// base so the base path survives, and carries the query verbatim.
func BuildTargetURL(target, targetPath, rawQuery string) (*url.URL, error) {
	base := target
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base + strings.TrimPrefix(targetPath, "/"))
	if err != nil {
		return nil, err
	}
	u.RawQuery = rawQuery
	return u, nil
}

// buildOutbound copies method and headers onto a fresh request against
// targetURL. GET and HEAD carry a nil body; other methods stream the
// original body through.
func (h *Handler) buildOutbound(r *http.Request, targetURL *url.URL) (*http.Request, error) {
	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}

	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), body)
	if err != nil {
		return nil, err
	}
	copyHeaders(outbound.Header, r.Header)
	outbound.Header.Del("Host")
	outbound.Host = targetURL.Host
	return outbound, nil
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if http.CanonicalHeaderKey(key) == http.CanonicalHeaderKey(h) {
			return true
		}
	}
	return false
}

func classifyTokenError(err error) *Error {
	if verr, ok := err.(*token.VerifyError); ok {
		if verr.Kind == token.KindExpired {
			return tokenExpired()
		}
		return tokenInvalid(verr.Reason)
	}
	return tokenInvalid(err.Error())
}

func (h *Handler) writeError(w http.ResponseWriter, perr *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(perr.Status)
	_ = json.NewEncoder(w).Encode(perr)
}
