// Package opencode provides an HTTP client for the opencode agent
// server running inside a sandbox.
package opencode

import (
	"encoding/json"
	"strings"
)

// Part types
const (
	PartTypeText      = "text"
	PartTypeReasoning = "reasoning"
	PartTypeTool      = "tool"
)

// HealthResponse from GET /global/health
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionInfo describes one agent session, from GET /session or
// POST /session.
type SessionInfo struct {
	ID        string `json:"id"`
	Directory string `json:"directory,omitempty"`
	Title     string `json:"title,omitempty"`
}

// ModelSpec for prompt requests
type ModelSpec struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TextPartInput for prompt request parts
type TextPartInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest for POST /session/{id}/message
type PromptRequest struct {
	Model *ModelSpec      `json:"model,omitempty"`
	Parts []TextPartInput `json:"parts"`
}

// MessageTokensInfo contains token usage information
type MessageTokensInfo struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// MessageInfo contains message metadata
type MessageInfo struct {
	ID        string             `json:"id"`
	SessionID string             `json:"sessionID"`
	Role      string             `json:"role"`
	Tokens    *MessageTokensInfo `json:"tokens,omitempty"`
}

// Part is one segment of an assistant message.
type Part struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Tool string `json:"tool,omitempty"`
}

// promptResponse is the raw success body of the message endpoint.
type promptResponse struct {
	Info  *MessageInfo `json:"info"`
	Parts []Part       `json:"parts"`
}

// serverError is the raw error body: {name, data: {message}}.
type serverError struct {
	Name string `json:"name"`
	Data *struct {
		Message string `json:"message,omitempty"`
	} `json:"data,omitempty"`
}

// PromptResult is the assembled outcome of one prompt.
type PromptResult struct {
	// Text joins the assistant's text parts with blank lines.
	Text      string
	SessionID string
	Tokens    *MessageTokensInfo
}

// joinTextParts concatenates the text parts of a response, skipping
// reasoning and tool parts.
func joinTextParts(parts []Part) string {
	var texts []string
	for _, p := range parts {
		if p.Type == PartTypeText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n\n")
}

// decodeServerError extracts the {name, data.message} error shape, or
// returns false when body is not one.
func decodeServerError(body []byte) (name, message string, ok bool) {
	var se serverError
	if err := json.Unmarshal(body, &se); err != nil || se.Name == "" {
		return "", "", false
	}
	message = "unknown error"
	if se.Data != nil && se.Data.Message != "" {
		message = se.Data.Message
	}
	return se.Name, message, true
}
