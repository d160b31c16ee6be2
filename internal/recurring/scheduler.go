// Package recurring turns config-declared cron entries into task
// submissions through the dispatcher's normal admission path.
package recurring

import (
	"fmt"
	"log"

	"github.com/robfig/cron/v3"

	"github.com/mizuki-ota/conductor/internal/logging"
	"github.com/mizuki-ota/conductor/internal/model"
)

// SubmitFunc is the dispatcher's admission entrypoint. It returns the
// assigned task ID.
type SubmitFunc func(payload string, priority model.Priority) (string, error)

type entry struct {
	spec     model.RecurringSpec
	priority model.Priority
}

// Scheduler fires configured cron entries. Submission failures are
// logged and retried at the next tick; the scheduler never blocks on
// the queue.
type Scheduler struct {
	c       *cron.Cron
	submit  SubmitFunc
	entries []entry
	logger  *log.Logger
	level   logging.Level
}

// New validates every configured entry up front so a bad cron line
// fails daemon startup instead of silently never firing.
func New(specs []model.RecurringSpec, submit SubmitFunc, logger *log.Logger, level logging.Level) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	s := &Scheduler{
		c:      cron.New(cron.WithParser(parser)),
		submit: submit,
		logger: logger,
		level:  level,
	}

	seen := map[string]bool{}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("recurring entry with empty name")
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate recurring entry %q", spec.Name)
		}
		seen[spec.Name] = true

		if _, err := parser.Parse(spec.Cron); err != nil {
			return nil, fmt.Errorf("recurring %q: bad cron spec %q: %w", spec.Name, spec.Cron, err)
		}
		priority := model.PriorityNormal
		if spec.Priority != "" {
			p, err := model.ParsePriority(spec.Priority)
			if err != nil {
				return nil, fmt.Errorf("recurring %q: %w", spec.Name, err)
			}
			priority = p
		}
		s.entries = append(s.entries, entry{spec: spec, priority: priority})
	}

	for _, e := range s.entries {
		e := e
		if _, err := s.c.AddFunc(e.spec.Cron, func() { s.fire(e) }); err != nil {
			return nil, fmt.Errorf("recurring %q: %w", e.spec.Name, err)
		}
	}
	return s, nil
}

func (s *Scheduler) fire(e entry) {
	taskID, err := s.submit(e.spec.Payload, e.priority)
	if err != nil {
		s.log(logging.LevelWarn, "submit_failed name=%s error=%v", e.spec.Name, err)
		return
	}
	s.log(logging.LevelInfo, "submitted name=%s task=%s priority=%s", e.spec.Name, taskID, e.priority)
}

// Entries reports how many recurring entries are registered.
func (s *Scheduler) Entries() int {
	return len(s.entries)
}

// Start begins firing entries. Safe with zero entries.
func (s *Scheduler) Start() {
	s.c.Start()
	s.log(logging.LevelInfo, "started entries=%d", len(s.entries))
}

// Stop waits for in-flight submissions to finish.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
	s.log(logging.LevelInfo, "stopped")
}

func (s *Scheduler) log(level logging.Level, format string, args ...any) {
	logging.Printf(s.logger, s.level, level, "recurring", format, args...)
}
