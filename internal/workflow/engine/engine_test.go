package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
	"github.com/sandboxmcp/sandbox-mcp/internal/storage"
)

func newEngine(t *testing.T) (*Engine, *storage.MemoryStore) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	store := storage.NewMemoryStore()
	return New(store, log), store
}

func countingStep(name string, calls *map[string]int, out any, fail *bool) Step {
	return Step{Name: name, Run: func(_ context.Context, _ *StepContext) (any, error) {
		(*calls)[name]++
		if fail != nil && *fail {
			return nil, fmt.Errorf("%s blew up", name)
		}
		return out, nil
	}}
}

func TestExecuteRunsStepsInOrder(t *testing.T) {
	e, _ := newEngine(t)
	var order []string
	wf := Workflow{Name: "task", Steps: []Step{
		{Name: "one", Run: func(context.Context, *StepContext) (any, error) {
			order = append(order, "one")
			return map[string]string{"value": "a"}, nil
		}},
		{Name: "two", Run: func(_ context.Context, sc *StepContext) (any, error) {
			order = append(order, "two")
			var prev map[string]string
			require.True(t, sc.Output("one", &prev))
			return map[string]string{"saw": prev["value"]}, nil
		}},
	}}

	rec, err := e.Execute(context.Background(), "wf-1", wf)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, []string{"one", "two"}, order)
	assert.NotNil(t, rec.CompletedAt)
}

func TestReplaySkipsMemoizedSteps(t *testing.T) {
	e, _ := newEngine(t)
	calls := map[string]int{}
	fail := true
	wf := Workflow{Name: "task", Steps: []Step{
		countingStep("one", &calls, map[string]int{"n": 1}, nil),
		countingStep("two", &calls, map[string]int{"n": 2}, &fail),
	}}

	_, err := e.Execute(context.Background(), "wf-1", wf)
	require.Error(t, err)
	assert.Equal(t, 1, calls["one"])
	assert.Equal(t, 1, calls["two"])

	// terminal failure replays as a no-op
	rec, err := e.Execute(context.Background(), "wf-1", wf)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "two blew up")
	assert.Equal(t, 1, calls["one"])
	assert.Equal(t, 1, calls["two"])
}

func TestResumeRunsOnlyMissingSteps(t *testing.T) {
	e, store := newEngine(t)
	calls := map[string]int{}
	fail := true
	wf := Workflow{Name: "task", Steps: []Step{
		countingStep("one", &calls, map[string]int{"n": 1}, nil),
		countingStep("two", &calls, map[string]int{"n": 2}, &fail),
	}}

	_, err := e.Execute(context.Background(), "wf-1", wf)
	require.Error(t, err)

	// simulate a crash before the failure was recorded: rewind the
	// record to running with step one memoized
	rec, err := e.Record(context.Background(), "wf-1")
	require.NoError(t, err)
	rec.Status = StatusRunning
	rec.Error = ""
	rec.CompletedAt = nil
	require.NoError(t, persistForTest(store, rec))

	fail = false
	out, err := e.Execute(context.Background(), "wf-1", wf)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, 1, calls["one"])
	assert.Equal(t, 2, calls["two"])
}

func TestAtMostOneLiveExecutionPerID(t *testing.T) {
	e, _ := newEngine(t)
	release := make(chan struct{})
	started := make(chan struct{})
	wf := Workflow{Name: "task", Steps: []Step{
		{Name: "wait", Run: func(context.Context, *StepContext) (any, error) {
			close(started)
			<-release
			return map[string]bool{"done": true}, nil
		}},
	}}

	require.NoError(t, e.Submit(context.Background(), "wf-1", wf))
	<-started

	err := e.Submit(context.Background(), "wf-1", wf)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// a different id is unaffected
	_, err = e.Execute(context.Background(), "wf-2", Workflow{Name: "task", Steps: nil})
	require.NoError(t, err)

	close(release)
	e.Wait()

	rec, err := e.Record(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestRecordAbsentForUnknownID(t *testing.T) {
	e, _ := newEngine(t)
	rec, err := e.Record(context.Background(), "wf-missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func persistForTest(store storage.ObjectStore, rec *Record) error {
	e := &Engine{store: store}
	return e.persist(context.Background(), rec)
}
