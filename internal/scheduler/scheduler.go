// Package scheduler runs recurring pipeline executions on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"report-runner/internal/common/errors"
	"report-runner/internal/common/logging"
	"report-runner/internal/orchestrator"
)

// Runner executes one pipeline request; satisfied by the orchestrator
type Runner interface {
	Execute(ctx context.Context, req orchestrator.Request) (*orchestrator.Run, error)
}

// Scheduler drives recurring runs. Overlapping executions of the same entry
// are allowed; runs are independent by design.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger logging.Logger

	mu      sync.Mutex
	entries map[cron.EntryID]string
}

// New creates a stopped scheduler over the runner
func New(runner Runner) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		runner:  runner,
		logger:  logging.GetGlobalLogger().WithFields(logging.String("component", "scheduler")),
		entries: make(map[cron.EntryID]string),
	}
}

// Add registers a recurring request under a standard 5-field cron expression
func (s *Scheduler) Add(spec string, req orchestrator.Request) error {
	if req.Prompt == "" {
		return errors.ValidationError("scheduled request needs a prompt")
	}

	id, err := s.cron.AddFunc(spec, func() {
		logger := s.logger.WithFields(logging.String("schedule", spec))
		logger.Info("scheduled run starting", logging.String("prompt", req.Prompt))

		run, err := s.runner.Execute(context.Background(), req)
		if err != nil {
			logger.Error("scheduled run failed", err)
			return
		}
		logger.Info("scheduled run completed", logging.String("run_id", run.ID))
	})
	if err != nil {
		return errors.ValidationError(fmt.Sprintf("invalid cron expression '%s': %v", spec, err))
	}

	s.mu.Lock()
	s.entries[id] = spec
	s.mu.Unlock()
	return nil
}

// Len reports how many schedules are registered
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start begins firing schedules in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", logging.Int("schedules", s.Len()))
}

// Stop halts scheduling and waits for in-flight scheduled runs to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}
