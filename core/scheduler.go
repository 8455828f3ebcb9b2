package core

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type Task struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Run          func(ctx context.Context) error
}

// Scheduler runs periodic tasks. Runs of the same task never overlap: a
// Trigger arriving during a run joins it.
type Scheduler struct {
	logger logrus.FieldLogger
	group  singleflight.Group

	mu      sync.Mutex
	tasks   map[string]Task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewScheduler(logger logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		logger: logger.WithField("module", "scheduler"),
		tasks:  make(map[string]Task),
	}
}

func (s *Scheduler) Add(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	if task.Interval <= 0 {
		return errors.Errorf("task %s: interval must be positive", task.Name)
	}
	if _, ok := s.tasks[task.Name]; ok {
		return errors.Errorf("task %s already added", task.Name)
	}
	s.tasks[task.Name] = task
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, task)
	}
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	defer s.wg.Done()

	timer := time.NewTimer(task.InitialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		s.run(ctx, task)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Trigger runs the named task now, or waits for the run in flight.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown task %s", name)
	}
	return s.run(ctx, task)
}

func (s *Scheduler) run(ctx context.Context, task Task) error {
	_, err, shared := s.group.Do(task.Name, func() (any, error) {
		s.logger.Debugf("running %s", task.Name)
		return nil, task.Run(ctx)
	})
	if err != nil && !shared {
		s.logger.WithError(err).Errorf("task %s failed", task.Name)
	}
	return err
}

// Stop cancels all loops and waits for runs in flight.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
