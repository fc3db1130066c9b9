// Package scheduler runs a node's periodic maintenance tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/zde37/chordring/internal/metrics"
	"github.com/zde37/chordring/pkg"
)

// Task is one unit of periodic work. It must return when ctx is cancelled.
type Task func(ctx context.Context)

var (
	ErrStarted  = errors.New("scheduler already started")
	ErrStopped  = errors.New("scheduler stopped")
	ErrNotFound = errors.New("task not registered")
)

type item struct {
	name     string
	interval time.Duration
	task     Task
	trigger  chan struct{}
}

// Scheduler runs each registered task on its own ticker. A task never overlaps
// with itself; Trigger requests one extra run and coalesces with pending ones.
type Scheduler struct {
	clock   clockwork.Clock
	logger  *pkg.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	items   map[string]*item
	order   []*item
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler driven by clock.
func New(clock clockwork.Clock, logger *pkg.Logger, m *metrics.Metrics) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = pkg.NewNop()
	}
	return &Scheduler{
		clock:   clock,
		logger:  logger.Component("scheduler"),
		metrics: m,
		items:   make(map[string]*item),
	}
}

// Every registers task to run every interval once the scheduler starts.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}
	if task == nil {
		return fmt.Errorf("task %s: nil task", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrStarted
	}
	if _, ok := s.items[name]; ok {
		return fmt.Errorf("task %s already registered", name)
	}
	it := &item{
		name:     name,
		interval: interval,
		task:     task,
		trigger:  make(chan struct{}, 1),
	}
	s.items[name] = it
	s.order = append(s.order, it)
	return nil
}

// Start launches one goroutine per task. The tasks stop when ctx is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, it := range s.order {
		s.wg.Add(1)
		go s.run(ctx, it)
	}
	s.logger.Debug().Int("tasks", len(s.order)).Msg("Scheduler started")
	return nil
}

// Trigger asks for an immediate run of the named task. It returns false if the
// task is unknown or the scheduler is not running.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	it, ok := s.items[name]
	running := s.started && !s.stopped
	s.mu.Unlock()

	if !ok || !running {
		return false
	}
	select {
	case it.trigger <- struct{}{}:
	default:
	}
	return true
}

// Running reports whether Start was called and Stop was not.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Stop cancels all tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Debug().Msg("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, it *item) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(it.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.invoke(ctx, it)
		case <-it.trigger:
			s.invoke(ctx, it)
		}
	}
}

func (s *Scheduler) invoke(ctx context.Context, it *item) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.TaskPanicked(it.name)
			s.logger.Error().
				Str("task", it.name).
				Interface("panic", r).
				Msg("Task panicked")
		}
	}()
	if ctx.Err() != nil {
		return
	}
	it.task(ctx)
}
