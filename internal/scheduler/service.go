// Package scheduler runs the background tasks (retrieval processing,
// tidy, verification, ingest, resolver reload) on cron schedules.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/RoseOO/nearline/internal/logging"
)

// Task is one schedulable background task. An empty schedule disables it.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Service manages task scheduling
type Service struct {
	logger *logging.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	running map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a new scheduler service
func NewService(logger *logging.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		logger:  logger,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		running: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a task to the schedule. Tasks with an empty schedule are
// skipped so operators can disable them from the config file.
func (s *Service) Register(task Task) error {
	if task.Schedule == "" {
		s.logger.Info("Task disabled", map[string]interface{}{"task": task.Name})
		return nil
	}

	entryID, err := s.cron.AddFunc(task.Schedule, func() {
		s.runTask(task)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entries[task.Name] = entryID
	s.mu.Unlock()

	s.logger.Info("Scheduled task", map[string]interface{}{
		"task":     task.Name,
		"schedule": task.Schedule,
	})
	return nil
}

// Start starts the scheduler
func (s *Service) Start() {
	s.logger.Info("Starting scheduler", nil)
	s.cron.Start()
}

// Stop stops the scheduler and waits for running tasks to return.
func (s *Service) Stop() {
	s.logger.Info("Stopping scheduler", nil)
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// NextRun returns the next scheduled run time for a task.
func (s *Service) NextRun(name string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[name]; exists {
		entry := s.cron.Entry(entryID)
		if !entry.Next.IsZero() {
			return &entry.Next
		}
	}
	return nil
}

// runTask executes one task, skipping the tick if the previous run of the
// same task is still going. That is the in-process equivalent of the lock
// files guarding the standalone task mode.
func (s *Service) runTask(task Task) {
	s.mu.Lock()
	if s.running[task.Name] {
		s.mu.Unlock()
		s.logger.Warn("Task still running, skipping tick", map[string]interface{}{
			"task": task.Name,
		})
		return
	}
	s.running[task.Name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[task.Name] = false
		s.mu.Unlock()
	}()

	start := time.Now()
	s.logger.Debug("Running task", map[string]interface{}{"task": task.Name})

	if err := task.Run(s.ctx); err != nil {
		s.logger.Error("Task failed", map[string]interface{}{
			"task":  task.Name,
			"error": err.Error(),
		})
		return
	}

	s.logger.Debug("Task finished", map[string]interface{}{
		"task":     task.Name,
		"duration": time.Since(start).String(),
	})
}

// ParseCron validates a cron expression
func ParseCron(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := parser.Parse(expr)
	return err
}
