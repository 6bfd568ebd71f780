package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"resticd/internal/task/queue"
	logx "resticd/pkg/logx"
)

// Add registers job, replacing any job with the same name. On a started
// scheduler the job is armed right away; otherwise Start arms it.
func (s *Service) Add(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		return errors.New("name required")
	}
	if job.Schedule == nil {
		return fmt.Errorf("job %s: schedule required", job.Name)
	}
	if job.Build == nil {
		return fmt.Errorf("job %s: build func required", job.Name)
	}
	if !job.Priority.Valid() {
		return fmt.Errorf("job %s: %w", job.Name, queue.ErrInvalidPriority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Upsert by name so hot reloads never leave two timers for one job.
	if old, ok := s.jobs[job.Name]; ok && old.timer != nil {
		old.timer.Stop()
	}
	js := &jobState{job: job}
	s.jobs[job.Name] = js
	if !s.started {
		return nil
	}
	now := s.clock.Now()
	s.armLocked(job.Name, js, s.firstFireLocked(job, now))

	if s.log.Enabled(logx.LevelDebug) {
		next := PreviewNext(job.Schedule, js.next, 3)
		preview := make([]string, 0, len(next)+1)
		preview = append(preview, js.next.Format("2006-01-02 15:04:05"))
		for _, t := range next {
			preview = append(preview, t.Format("2006-01-02 15:04:05"))
		}
		s.log.Debug("schedule registered",
			logx.String("name", job.Name),
			logx.String("spec", job.Spec),
			logx.String("priority", job.Priority.String()),
			logx.String("next", strings.Join(preview, ", ")),
		)
	}
	return nil
}

// AddSchedule parses spec (see ParseSchedule) and registers a job built by build.
func (s *Service) AddSchedule(name, spec string, p queue.Priority, initialDelay time.Duration, build BuildFunc) error {
	ps, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	return s.Add(Job{
		Name:         name,
		Spec:         ps.Raw,
		Schedule:     ps.Schedule,
		Priority:     p,
		InitialDelay: initialDelay,
		Build:        build,
	})
}

// Now returns the current time on the scheduler's clock.
func (s *Service) Now() time.Time { return s.clock.Now() }

// AddOnce arms a one-shot trigger that submits build() at `at` with priority p.
// A trigger with the same name is replaced. Times in the past fire right away.
func (s *Service) AddOnce(name string, at time.Time, p queue.Priority, build BuildFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if at.IsZero() {
		return errors.New("at required")
	}
	if build == nil {
		return fmt.Errorf("once %s: build func required", name)
	}
	if !p.Valid() {
		return fmt.Errorf("once %s: %w", name, queue.ErrInvalidPriority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.once[name]; ok && old.timer != nil {
		old.timer.Stop()
	}
	o := &onceState{at: at, build: build, priority: p}
	s.once[name] = o
	if s.started {
		s.armOnceLocked(name, o, s.clock.Now())
	}
	s.log.Debug("one-shot registered", logx.String("name", name), logx.Time("at", at), logx.String("priority", p.String()))
	return nil
}

// Remove unregisters the job or one-shot trigger called name. It reports
// whether anything was removed. A task already submitted keeps its place in the queue.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false

	s.mu.Lock()
	if js, ok := s.jobs[name]; ok {
		if js.timer != nil {
			js.timer.Stop()
		}
		delete(s.jobs, name)
		removed = true
	}
	if o, ok := s.once[name]; ok {
		if o.timer != nil {
			o.timer.Stop()
		}
		delete(s.once, name)
		removed = true
	}
	s.mu.Unlock()

	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Trigger submits one ad-hoc run of a registered job with priority p. The
// job's own timeline is left untouched.
func (s *Service) Trigger(name string, p queue.Priority) (string, error) {
	if !p.Valid() {
		return "", queue.ErrInvalidPriority
	}
	s.mu.Lock()
	js, ok := s.jobs[strings.TrimSpace(name)]
	var build BuildFunc
	if ok {
		build = js.job.Build
	}
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	id, err := s.submit(name, build, p)
	if err != nil {
		return id, err
	}
	s.log.Info("schedule triggered", logx.String("schedule", name), logx.String("task", id), logx.String("priority", p.String()))
	return id, nil
}

// Jobs returns the registered job names.
func (s *Service) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	return out
}

// Has reports whether a periodic job called name is registered.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}
