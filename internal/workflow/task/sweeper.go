package task

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxmcp/sandbox-mcp/internal/common/config"
	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
	"github.com/sandboxmcp/sandbox-mcp/internal/run"
	"github.com/sandboxmcp/sandbox-mcp/internal/workflow/engine"
)

// Sweeper fails runs stranded in a non-terminal status with no live
// workflow, e.g. after a process crash mid-run. Opt-in via config.
type Sweeper struct {
	runs   *run.Store
	engine *engine.Engine
	cfg    config.WorkflowConfig
	log    *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a Sweeper.
func NewSweeper(runs *run.Store, eng *engine.Engine, cfg config.WorkflowConfig, log *logger.Logger) *Sweeper {
	return &Sweeper{
		runs:   runs,
		engine: eng,
		cfg:    cfg,
		log:    log.WithComponent("sweeper"),
	}
}

// Start begins periodic sweeps. No-op when disabled.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.cfg.SweeperEnabled {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.SweeperIntervalDuration())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					s.log.Error("sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts periodic sweeps and waits for the current one.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Sweep fails every stranded run once and returns how many it failed.
// A run is stranded when it is non-terminal, older than the grace
// period and has no live workflow execution.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	res, err := s.runs.List(ctx, run.ListOptions{Limit: 1000})
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-s.cfg.SweeperGrace()).UnixMilli()
	swept := 0
	for _, entry := range res.Entries {
		if entry.Status.Terminal() || entry.StartedAt >= cutoff || s.engine.IsLive(entry.RunID) {
			continue
		}

		_, err := s.runs.Complete(ctx, entry.RunID, run.CompleteParams{
			Success: false,
			Error:   "workflow abandoned",
		})
		if err != nil {
			s.log.Warn("failed to sweep run", zap.String("run_id", entry.RunID), zap.Error(err))
			continue
		}
		s.log.Info("stranded run failed",
			zap.String("run_id", entry.RunID),
			zap.String("session_id", entry.SessionID))
		swept++
	}
	return swept, nil
}
