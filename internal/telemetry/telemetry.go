// Package telemetry emits one wide event per tool call and per workflow
// execution as newline-delimited JSON on stdout.
package telemetry

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Version is stamped into every event.
const Version = "1.0.0"

// ServiceName identifies this service in emitted events.
const ServiceName = "sandbox-mcp"

// ErrorInfo describes a failure inside an event.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Phase   string `json:"phase,omitempty"`
}

// ToolCallEvent is emitted once per tool invocation.
type ToolCallEvent struct {
	Timestamp  string           `json:"timestamp"`
	Event      string           `json:"event"`
	RequestID  string           `json:"requestId"`
	Tool       string           `json:"tool"`
	Service    string           `json:"service"`
	Version    string           `json:"version"`
	DurationMs int64            `json:"durationMs"`
	Phases     map[string]int64 `json:"phases,omitempty"`
	Outcome    string           `json:"outcome"`
	Error      *ErrorInfo       `json:"error,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
}

// WorkflowEvent is emitted once per workflow execution.
type WorkflowEvent struct {
	Timestamp  string         `json:"timestamp"`
	Event      string         `json:"event"`
	WorkflowID string         `json:"workflowId"`
	RunID      string         `json:"runId"`
	SessionID  string         `json:"sessionId"`
	Service    string         `json:"service"`
	Version    string         `json:"version"`
	DurationMs int64          `json:"durationMs"`
	Outcome    string         `json:"outcome"`
	Error      *ErrorInfo     `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Emitter serializes events to a single writer. Safe for concurrent use.
type Emitter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewEmitter creates an Emitter writing to out. Pass nil for stdout.
func NewEmitter(out io.Writer) *Emitter {
	if out == nil {
		out = os.Stdout
	}
	return &Emitter{out: out}
}

// EmitToolCall writes a tool.call event. Emission failures are ignored:
// telemetry must never affect the request outcome.
func (e *Emitter) EmitToolCall(ev ToolCallEvent) {
	ev.Event = "tool.call"
	ev.Service = ServiceName
	ev.Version = Version
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.write(ev)
}

// EmitWorkflow writes a workflow event.
func (e *Emitter) EmitWorkflow(ev WorkflowEvent) {
	ev.Event = "workflow"
	ev.Service = ServiceName
	ev.Version = Version
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.write(ev)
}

func (e *Emitter) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _ = e.out.Write(append(data, '\n'))
}

// Timer accumulates named phase durations for a single event.
type Timer struct {
	start  time.Time
	phases map[string]int64
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now(), phases: make(map[string]int64)}
}

// Phase runs fn and records its duration under name. The recorded time
// adds up across repeated calls with the same name.
func (t *Timer) Phase(name string, fn func() error) error {
	phaseStart := time.Now()
	err := fn()
	t.phases[name] += time.Since(phaseStart).Milliseconds()
	return err
}

// Mark records an externally measured duration under name.
func (t *Timer) Mark(name string, d time.Duration) {
	t.phases[name] += d.Milliseconds()
}

// Phases returns the accumulated phase durations, nil when empty.
func (t *Timer) Phases() map[string]int64 {
	if len(t.phases) == 0 {
		return nil
	}
	return t.phases
}

// Elapsed returns total milliseconds since the timer started.
func (t *Timer) Elapsed() int64 {
	return time.Since(t.start).Milliseconds()
}
