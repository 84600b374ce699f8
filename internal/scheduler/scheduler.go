// internal/scheduler/scheduler.go
package scheduler

import (
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Handler is the callback invoked when a scheduled job fires.
type Handler func(name string)

// Job is a named cron entry.
type Job struct {
	Name     string
	Schedule string
	Enabled  bool
}

// Scheduler evaluates cron expressions for a fixed set of jobs and fires
// them through a handler callback.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []Job
	handler Handler
	cron    *cron.Cron
	logger  *slog.Logger
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether schedule parses as a cron expression.
func Validate(schedule string) error {
	_, err := cronParser.Parse(schedule)
	return err
}

// New creates a Scheduler for jobs. The handler is called each time a job
// fires. A nil logger uses slog.Default().
func New(jobs []Job, handler Handler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:    jobs,
		handler: handler,
		cron:    cron.New(cron.WithParser(cronParser)),
		logger:  logger,
	}
}

// Start registers enabled jobs that have a schedule and starts the cron
// ticker. It returns the number of registered jobs; jobs with invalid
// schedules are logged and skipped.
func (s *Scheduler) Start() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	registered := 0
	for _, job := range s.jobs {
		if job.Schedule == "" || !job.Enabled {
			continue
		}

		name := job.Name
		_, err := s.cron.AddFunc(job.Schedule, func() {
			s.logger.Debug("cron firing job", "name", name)
			s.handler(name)
		})
		if err != nil {
			s.logger.Error("invalid cron schedule", "name", name, "schedule", job.Schedule, "error", err)
			continue
		}
		registered++
		s.logger.Info("scheduled job", "name", name, "schedule", job.Schedule)
	}

	s.cron.Start()
	return registered
}

// Reload stops the existing cron, replaces the job list, and starts again.
func (s *Scheduler) Reload(jobs []Job) int {
	s.mu.Lock()
	<-s.cron.Stop().Done()
	s.jobs = jobs
	s.cron = cron.New(cron.WithParser(cronParser))
	s.mu.Unlock()
	return s.Start()
}

// Stop stops the cron ticker and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	<-c.Stop().Done()
}
