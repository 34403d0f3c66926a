// Package scheduler runs named recurring collection triggers on cron
// expressions, each in its own timezone.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/claimradar/harvester/internal/harvest"
	"github.com/claimradar/harvester/internal/logging"
)

// Enqueuer accepts jobs from schedule fires.
type Enqueuer interface {
	Enqueue(payload harvest.JobPayload) (harvest.Job, error)
}

// Schedule is one named recurring trigger. An empty Source fires a run-all
// job.
type Schedule struct {
	Name     string
	Cron     string
	Timezone string
	Source   string
}

// Scheduler owns the cron runner and the start/stop state of each named
// schedule.
type Scheduler struct {
	queue  Enqueuer
	logger *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]entry
	started bool
}

type entry struct {
	schedule Schedule
	id       cron.EntryID
	running  bool
}

// New builds a Scheduler over the given schedules. Schedules start in the
// running state once Start is called.
func New(queue Enqueuer, schedules []Schedule, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		queue:   queue,
		logger:  logging.Component(logger, "scheduler"),
		cron:    cron.New(),
		entries: make(map[string]entry, len(schedules)),
	}
	for _, sched := range schedules {
		if err := s.register(sched); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) register(sched Schedule) error {
	loc := time.UTC
	if sched.Timezone != "" {
		parsed, err := time.LoadLocation(sched.Timezone)
		if err != nil {
			return fmt.Errorf("schedule %q: timezone %q: %w", sched.Name, sched.Timezone, err)
		}
		loc = parsed
	}
	spec := fmt.Sprintf("CRON_TZ=%s %s", loc.String(), sched.Cron)
	name := sched.Name
	id, err := s.cron.AddFunc(spec, func() { s.fire(name) })
	if err != nil {
		return fmt.Errorf("schedule %q: cron %q: %w", sched.Name, sched.Cron, err)
	}
	s.entries[sched.Name] = entry{schedule: sched, id: id, running: true}
	return nil
}

func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	ent, ok := s.entries[name]
	s.mu.Unlock()
	if !ok || !ent.running {
		return
	}

	payload := harvest.RunAllPayload("")
	if ent.schedule.Source != "" {
		payload = harvest.MonitorPayload(ent.schedule.Source, name, ent.schedule.Timezone)
	}
	job, err := s.queue.Enqueue(payload)
	if err != nil {
		s.logger.Warn("scheduled enqueue failed",
			zap.String("schedule", name), zap.Error(err))
		return
	}
	s.logger.Info("schedule fired",
		zap.String("schedule", name),
		zap.String("job_id", job.ID),
	)
}

// Start begins evaluating cron expressions.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
}

// Stop halts cron evaluation and waits for in-flight fires to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	done := s.cron.Stop().Done()
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume re-enables a paused schedule. Unknown names error.
func (s *Scheduler) Resume(name string) error {
	return s.setRunning(name, true)
}

// Pause keeps a schedule registered but stops it from firing jobs.
func (s *Scheduler) Pause(name string) error {
	return s.setRunning(name, false)
}

func (s *Scheduler) setRunning(name string, running bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("unknown schedule %q", name)
	}
	ent.running = running
	s.entries[name] = ent
	return nil
}

// Names lists registered schedules with their running state.
func (s *Scheduler) Names() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.entries))
	for name, ent := range s.entries {
		out[name] = ent.running
	}
	return out
}
