package opencode

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
)

// Client talks to one opencode server, scoped to a workspace
// directory. All requests carry the directory as a query parameter so
// sessions from other workspaces stay invisible.
type Client struct {
	baseURL    string
	directory  string
	password   string
	httpClient *http.Client
	log        *logger.Logger
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL, directory, password string, log *logger.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		directory: directory,
		password:  password,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.WithComponent("opencode"),
	}
}

// GenerateServerPassword returns a random password for the server's
// Basic auth.
func GenerateServerPassword() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("opencode-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func (c *Client) buildAuthHeader() string {
	credentials := base64.StdEncoding.EncodeToString([]byte("opencode:" + c.password))
	return "Basic " + credentials
}

func (c *Client) requestURL(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return c.baseURL + path + sep + "directory=" + url.QueryEscape(c.directory)
}

func (c *Client) doRequest(ctx context.Context, client *http.Client, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.requestURL(path), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.buildAuthHeader())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return client.Do(req)
}

// WaitForHealth polls the server until it reports healthy or the
// timeout elapses.
func (c *Client) WaitForHealth(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := c.doRequest(ctx, c.httpClient, http.MethodGet, "/global/health", nil)
		if err != nil {
			lastErr = err
			time.Sleep(150 * time.Millisecond)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read health response: %w", err)
			time.Sleep(150 * time.Millisecond)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("health check HTTP %d: %s", resp.StatusCode, string(body))
			time.Sleep(150 * time.Millisecond)
			continue
		}

		var health HealthResponse
		if err := json.Unmarshal(body, &health); err != nil {
			lastErr = fmt.Errorf("parse health response: %w", err)
			time.Sleep(150 * time.Millisecond)
			continue
		}
		if health.Healthy {
			c.log.Debug("agent server healthy", zap.String("version", health.Version))
			return nil
		}

		lastErr = fmt.Errorf("server unhealthy (version %s)", health.Version)
		time.Sleep(150 * time.Millisecond)
	}

	if lastErr != nil {
		return fmt.Errorf("health check timeout: %w", lastErr)
	}
	return fmt.Errorf("health check timeout")
}

// ListSessions returns the sessions visible in this client's
// directory.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	resp, err := c.doRequest(ctx, c.httpClient, http.MethodGet, "/session", nil)
	if err != nil {
		return nil, fmt.Errorf("list sessions request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list sessions failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var sessions []SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("parse sessions response: %w", err)
	}
	return sessions, nil
}

// CreateSession creates a new agent session in this directory.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	resp, err := c.doRequest(ctx, c.httpClient, http.MethodPost, "/session", strings.NewReader("{}"))
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create session failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var session SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}
	return session.ID, nil
}

// SendPrompt sends a prompt and blocks until the agent finishes the
// turn. Prompts can run for minutes, so a dedicated long-timeout
// client carries the request.
func (c *Client) SendPrompt(ctx context.Context, sessionID, prompt string, model *ModelSpec) (*PromptResult, error) {
	reqBody, err := json.Marshal(PromptRequest{
		Model: model,
		Parts: []TextPartInput{{Type: PartTypeText, Text: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal prompt request: %w", err)
	}

	promptClient := &http.Client{Timeout: 60 * time.Minute}
	path := fmt.Sprintf("/session/%s/message", sessionID)
	resp, err := c.doRequest(ctx, promptClient, http.MethodPost, path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("send prompt request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read prompt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if name, message, ok := decodeServerError(body); ok {
			return nil, fmt.Errorf("prompt error: %s: %s", name, message)
		}
		return nil, fmt.Errorf("prompt failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var parsed promptResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse prompt response: %w", err)
	}
	if parsed.Info == nil {
		if name, message, ok := decodeServerError(body); ok {
			return nil, fmt.Errorf("prompt error: %s: %s", name, message)
		}
		return nil, fmt.Errorf("prompt returned unexpected response: %s", string(body))
	}

	return &PromptResult{
		Text:      joinTextParts(parsed.Parts),
		SessionID: parsed.Info.SessionID,
		Tokens:    parsed.Info.Tokens,
	}, nil
}
