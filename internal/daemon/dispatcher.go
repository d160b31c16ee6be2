package daemon

import (
	"fmt"
	"log"
	"time"

	"github.com/mizuki-ota/conductor/internal/events"
	"github.com/mizuki-ota/conductor/internal/logging"
	"github.com/mizuki-ota/conductor/internal/model"
	"github.com/mizuki-ota/conductor/internal/queue"
)

// Dispatcher is the single admission path into the queue. Every
// submission, whether from the CLI, the UDS API, or the recurring
// scheduler, goes through Submit so limits and events apply uniformly.
type Dispatcher struct {
	store  *queue.Store
	cfg    model.QueueConfig
	bus    *events.Bus
	logger *log.Logger
	level  logging.Level
}

func NewDispatcher(store *queue.Store, cfg model.QueueConfig, bus *events.Bus, logger *log.Logger, level logging.Level) *Dispatcher {
	return &Dispatcher{
		store:  store,
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		level:  level,
	}
}

// Submit validates, admits, and announces one task. It returns the
// assigned task ID. A full queue surfaces queue.ErrQueueFull so callers
// can map it to backpressure.
func (d *Dispatcher) Submit(payload string, priority model.Priority) (string, error) {
	if payload == "" {
		return "", fmt.Errorf("payload is required")
	}
	if d.cfg.MaxPayloadBytes > 0 && len(payload) > d.cfg.MaxPayloadBytes {
		return "", fmt.Errorf("payload exceeds max size: %d > %d bytes", len(payload), d.cfg.MaxPayloadBytes)
	}
	if !priority.Valid() {
		return "", fmt.Errorf("invalid priority %d", int(priority))
	}

	id, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	task := &model.Task{
		ID:         id,
		Payload:    payload,
		Priority:   priority,
		Status:     model.TaskQueued,
		MaxRetries: d.cfg.MaxRetries,
		EnqueuedAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := d.store.Enqueue(task); err != nil {
		return "", err
	}

	if d.bus != nil {
		d.bus.Publish(events.EventTaskQueued, map[string]interface{}{
			"task_id":  id,
			"priority": priority.String(),
		})
	}
	d.log(logging.LevelInfo, "task_admitted task=%s priority=%s bytes=%d", id, priority, len(payload))
	return id, nil
}

func (d *Dispatcher) log(level logging.Level, format string, args ...any) {
	logging.Printf(d.logger, d.level, level, "dispatcher", format, args...)
}
