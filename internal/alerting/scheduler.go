package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/opsgate/opsgate/internal/logger"
)

// Task is one unit of periodic work run by the Scheduler.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler runs its tasks in registration order on a fixed interval,
// all on a single goroutine so no two tasks ever overlap. A task error
// is logged and does not stop the remaining tasks or later ticks.
type Scheduler struct {
	log      logger.Logger
	interval time.Duration

	mu    sync.Mutex
	tasks []Task

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler ticking at the given interval.
func NewScheduler(log logger.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Scheduler{
		log:      log.With(logger.String("component", "scheduler")),
		interval: interval,
	}
}

// Register appends a task. Registration order is execution order.
// Must be called before Start.
func (s *Scheduler) Register(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, Task{Name: name, Run: run})
}

// Start begins ticking in a background goroutine until the context is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce executes every task once, in order. Exposed so startup and
// tests can drive a tick directly.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.mu.Lock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := task.Run(ctx); err != nil {
			s.log.Error("scheduled task failed",
				logger.String("task", task.Name),
				logger.Error(err))
			continue
		}
		if elapsed := time.Since(start); elapsed > s.interval/2 {
			s.log.Warn("scheduled task is slow",
				logger.String("task", task.Name),
				logger.Duration("elapsed", elapsed))
		}
	}
}

// Stop cancels the tick loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}
