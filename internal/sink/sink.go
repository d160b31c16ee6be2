package sink

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/mizuki-ota/conductor/internal/events"
	"github.com/mizuki-ota/conductor/internal/logging"
	"github.com/mizuki-ota/conductor/internal/model"
	"github.com/mizuki-ota/conductor/internal/notify"
	"github.com/mizuki-ota/conductor/internal/queue"
)

// settler is the slice of the queue store the sink needs to settle
// entries after a result is persisted.
type settler interface {
	Ack(taskID string, epoch int) error
	DeadLetter(taskID string, epoch int, reason string) error
}

// Sink applies terminal results: persist to the archive first, then
// settle the queue entry, then alert and publish. Persist-then-settle
// ordering means a crash between the two leaves a stored result and a
// leased task; the redelivered task's result is deduplicated on arrival.
type Sink struct {
	store    *Store
	queue    settler
	notifier notify.Notifier
	bus      *events.Bus
	logger   *log.Logger
	level    logging.Level
}

func New(store *Store, q settler, notifier notify.Notifier, bus *events.Bus, logger *log.Logger, level logging.Level) *Sink {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Sink{
		store:    store,
		queue:    q,
		notifier: notifier,
		bus:      bus,
		logger:   logger,
		level:    level,
	}
}

// Apply processes one result frame. epoch is the lease epoch the worker
// held when it produced the result; the queue settle is fenced on it.
func (s *Sink) Apply(ctx context.Context, rec *model.ResultRecord, epoch int) error {
	if rec.FinalStatus != model.TaskCompleted && rec.FinalStatus != model.TaskFailed {
		return fmt.Errorf("result for %s carries non-terminal status %s", rec.TaskID, rec.FinalStatus)
	}

	inserted, err := s.store.Insert(ctx, rec)
	if err != nil {
		return fmt.Errorf("persist result: %w", err)
	}
	if !inserted {
		// A duplicate row means an earlier delivery already reported this
		// outcome, but its settle may have lost a fencing race (the entry
		// expired and was redelivered before the result arrived). The
		// settle is idempotent, so run it again for this delivery's epoch;
		// only alerting and events are suppressed.
		s.log(logging.LevelInfo, "result_duplicate task=%s retry=%d (resettling)", rec.TaskID, rec.RetryCount)
	}

	switch rec.FinalStatus {
	case model.TaskCompleted:
		if err := s.settleAck(rec, epoch); err != nil {
			return err
		}
		if inserted {
			s.publish(events.EventTaskCompleted, rec)
			s.log(logging.LevelInfo, "result_applied task=%s status=completed worker=%s duration_ms=%d",
				rec.TaskID, rec.WorkerID, rec.DurationMS)
		}

	case model.TaskFailed:
		settled, err := s.settleDeadLetter(rec, epoch)
		if err != nil {
			return err
		}
		if settled {
			s.publish(events.EventTaskDeadLettered, rec)
		}
		if inserted {
			summary := fmt.Sprintf("task %s failed permanently after %d retries: %s",
				rec.TaskID, rec.RetryCount, rec.ErrorDetail)
			if err := s.notifier.Post(summary, notify.SeverityCritical); err != nil {
				// Alerts are best effort; the result is already durable.
				s.log(logging.LevelWarn, "notify_failed task=%s error=%v", rec.TaskID, err)
			}
			s.publish(events.EventTaskFailed, rec)
			s.log(logging.LevelWarn, "result_applied task=%s status=failed error=%q", rec.TaskID, rec.ErrorDetail)
		}
	}
	return nil
}

// settleAck completes the queue entry. A fencing rejection means the
// task was already redelivered; the stored result stands and the newer
// delivery decides the entry's fate.
func (s *Sink) settleAck(rec *model.ResultRecord, epoch int) error {
	err := s.queue.Ack(rec.TaskID, epoch)
	if err == nil {
		return nil
	}
	if errors.Is(err, queue.ErrFenced) || errors.Is(err, queue.ErrTerminalState) {
		s.log(logging.LevelWarn, "settle_fenced task=%s epoch=%d error=%v", rec.TaskID, epoch, err)
		return nil
	}
	return fmt.Errorf("ack %s: %w", rec.TaskID, err)
}

func (s *Sink) settleDeadLetter(rec *model.ResultRecord, epoch int) (bool, error) {
	err := s.queue.DeadLetter(rec.TaskID, epoch, rec.ErrorDetail)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, queue.ErrFenced) || errors.Is(err, queue.ErrTerminalState) {
		s.log(logging.LevelWarn, "settle_fenced task=%s epoch=%d error=%v", rec.TaskID, epoch, err)
		return false, nil
	}
	return false, fmt.Errorf("dead letter %s: %w", rec.TaskID, err)
}

func (s *Sink) publish(eventType events.EventType, rec *model.ResultRecord) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventType, map[string]interface{}{
		"task_id":     rec.TaskID,
		"worker_id":   rec.WorkerID,
		"retry_count": rec.RetryCount,
		"duration_ms": rec.DurationMS,
	})
}

func (s *Sink) log(level logging.Level, format string, args ...any) {
	logging.Printf(s.logger, s.level, level, "sink", format, args...)
}
