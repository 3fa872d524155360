// Package engine runs durable, step-addressable workflows. Each step's
// output is memoized in the object store, so a replay of the same
// workflow id skips every step that already produced output.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
	"github.com/sandboxmcp/sandbox-mcp/internal/storage"
)

// Workflow statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrAlreadyRunning reports a second concurrent execution of the same
// workflow id. At most one live execution per id.
var ErrAlreadyRunning = fmt.Errorf("workflow already running")

// Record is the persisted state of one workflow execution.
type Record struct {
	WorkflowID  string                     `json:"workflowId"`
	Name        string                     `json:"name"`
	Status      string                     `json:"status"`
	Steps       map[string]json.RawMessage `json:"steps"`
	Error       string                     `json:"error,omitempty"`
	StartedAt   time.Time                  `json:"startedAt"`
	CompletedAt *time.Time                 `json:"completedAt,omitempty"`
}

// Terminal reports whether the record reached a final status.
func (r *Record) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// StepContext exposes memoized outputs of earlier steps to a step.
type StepContext struct {
	WorkflowID string
	record     *Record
}

// Output decodes the memoized output of a prior step into out.
// Returns false when the step has not run.
func (sc *StepContext) Output(step string, out any) bool {
	raw, ok := sc.record.Steps[step]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// StepFunc produces a step's output. The returned value is memoized;
// it must be JSON-serializable and complete enough for later steps,
// since live handles cannot cross step boundaries.
type StepFunc func(ctx context.Context, sc *StepContext) (any, error)

// Step is one named unit of a workflow.
type Step struct {
	Name string
	Run  StepFunc
}

// Workflow is an ordered list of steps.
type Workflow struct {
	Name  string
	Steps []Step
}

// Engine executes workflows with per-step durability.
type Engine struct {
	store storage.ObjectStore
	log   *logger.Logger

	mu   sync.Mutex
	live map[string]struct{}
	wg   sync.WaitGroup
}

// New creates an Engine persisting into store.
func New(store storage.ObjectStore, log *logger.Logger) *Engine {
	return &Engine{
		store: store,
		log:   log.WithComponent("workflow"),
		live:  make(map[string]struct{}),
	}
}

// Submit starts the workflow asynchronously under the given id.
// Returns ErrAlreadyRunning when an execution for id is live.
func (e *Engine) Submit(ctx context.Context, id string, wf Workflow) error {
	if err := e.acquire(id); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(id)
		if _, err := e.run(ctx, id, wf); err != nil {
			e.log.Error("workflow failed",
				zap.String("workflow_id", id),
				zap.String("workflow", wf.Name),
				zap.Error(err))
		}
	}()
	return nil
}

// Execute runs the workflow synchronously under the given id.
func (e *Engine) Execute(ctx context.Context, id string, wf Workflow) (*Record, error) {
	if err := e.acquire(id); err != nil {
		return nil, err
	}
	defer e.release(id)
	return e.run(ctx, id, wf)
}

// Record loads the persisted state of a workflow execution. Returns
// nil when the workflow never started.
func (e *Engine) Record(ctx context.Context, id string) (*Record, error) {
	obj, err := e.store.Get(ctx, storage.WorkflowKey(id))
	if err != nil || obj == nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(obj.Body, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode workflow record: %w", err)
	}
	return &rec, nil
}

// Wait blocks until all submitted workflows finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// IsLive reports whether an execution for id is currently running.
func (e *Engine) IsLive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.live[id]
	return ok
}

func (e *Engine) acquire(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.live[id]; ok {
		return ErrAlreadyRunning
	}
	e.live[id] = struct{}{}
	return nil
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.live, id)
}

func (e *Engine) run(ctx context.Context, id string, wf Workflow) (*Record, error) {
	rec, err := e.Record(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.Terminal() {
		return rec, nil
	}
	if rec == nil {
		rec = &Record{
			WorkflowID: id,
			Name:       wf.Name,
			Status:     StatusRunning,
			Steps:      make(map[string]json.RawMessage),
			StartedAt:  time.Now().UTC(),
		}
		if err := e.persist(ctx, rec); err != nil {
			return nil, err
		}
	}

	sc := &StepContext{WorkflowID: id, record: rec}
	for _, step := range wf.Steps {
		if _, done := rec.Steps[step.Name]; done {
			e.log.Debug("step memoized, skipping",
				zap.String("workflow_id", id),
				zap.String("step", step.Name))
			continue
		}

		out, err := step.Run(ctx, sc)
		if err != nil {
			now := time.Now().UTC()
			rec.Status = StatusFailed
			rec.Error = fmt.Sprintf("%s: %v", step.Name, err)
			rec.CompletedAt = &now
			if perr := e.persist(ctx, rec); perr != nil {
				e.log.Error("failed to persist workflow failure",
					zap.String("workflow_id", id), zap.Error(perr))
			}
			return rec, fmt.Errorf("step %s: %w", step.Name, err)
		}

		raw, err := json.Marshal(out)
		if err != nil {
			return rec, fmt.Errorf("step %s output not serializable: %w", step.Name, err)
		}
		rec.Steps[step.Name] = raw
		if err := e.persist(ctx, rec); err != nil {
			return rec, err
		}
	}

	now := time.Now().UTC()
	rec.Status = StatusCompleted
	rec.CompletedAt = &now
	if err := e.persist(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func (e *Engine) persist(ctx context.Context, rec *Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode workflow record: %w", err)
	}
	if _, err := e.store.Put(ctx, storage.WorkflowKey(rec.WorkflowID), body, nil); err != nil {
		return fmt.Errorf("failed to persist workflow record: %w", err)
	}
	return nil
}
