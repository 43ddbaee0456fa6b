package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meshwatch/internal/metrics"
)

// Task is one periodic job. A cycle runs with a bounded timeout, and a
// new cycle of the same task never starts while the previous one is
// still running: cycles are executed synchronously in the task's own
// goroutine, so intervening ticks are simply dropped.
type Task struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one cycle. Zero means the interval is used.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler drives a set of periodic tasks. Errors and panics are
// confined to the task boundary: one bad cycle never stops future
// cycles or other tasks.
type Scheduler struct {
	tasks   []Task
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// New creates an empty scheduler.
func New(m *metrics.Metrics, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		metrics: m,
		log:     log.WithField("component", "scheduler"),
	}
}

// Add registers a task. Must be called before Run.
func (s *Scheduler) Add(t Task) {
	s.tasks = append(s.tasks, t)
}

// Run executes all tasks until ctx is cancelled. Each task runs one
// immediate cycle at startup so state is populated before the first
// tick. Run blocks until every task goroutine has drained.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			s.runTask(ctx, t)
		}(t)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	s.cycle(ctx, t)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cycle(ctx, t)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context, t Task) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = t.Interval
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.safeRun(cctx, t); err != nil {
		s.metrics.IncCycleError(t.Name)
		s.log.WithField("task", t.Name).WithError(err).Warn("Task cycle failed")
	}
}

func (s *Scheduler) safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx)
}
