// Package registry tracks worker processes through per-worker YAML
// records under workers/. The daemon owns all writes; the watchdog reads
// the records to decide liveness.
package registry

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mizuki-ota/conductor/internal/lock"
	"github.com/mizuki-ota/conductor/internal/logging"
	"github.com/mizuki-ota/conductor/internal/model"
	yamlutil "github.com/mizuki-ota/conductor/internal/yaml"
)

// ErrUnknownWorker is returned when no record exists for the worker ID.
var ErrUnknownWorker = errors.New("unknown worker")

type Registry struct {
	runtimeDir string
	locks      *lock.MutexMap
	logger     *log.Logger
	level      logging.Level
	now        func() time.Time
}

func NewRegistry(runtimeDir string, locks *lock.MutexMap, logger *log.Logger, level logging.Level) *Registry {
	return &Registry{
		runtimeDir: runtimeDir,
		locks:      locks,
		logger:     logger,
		level:      level,
		now:        time.Now,
	}
}

func (r *Registry) dir() string {
	return filepath.Join(r.runtimeDir, "workers")
}

func (r *Registry) path(workerID string) string {
	return filepath.Join(r.dir(), workerID+".yaml")
}

// Register creates (or replaces) the record for a newly started worker.
func (r *Registry) Register(workerID string, pid int) error {
	r.locks.Lock("worker:" + workerID)
	defer r.locks.Unlock("worker:" + workerID)

	if err := os.MkdirAll(r.dir(), 0755); err != nil {
		return fmt.Errorf("create workers dir: %w", err)
	}

	now := r.now().UTC().Format(time.RFC3339)
	rec := model.WorkerRecord{
		WorkerID:        workerID,
		PID:             pid,
		Status:          model.WorkerStarting,
		LastHeartbeatAt: now,
		StartedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.save(&rec); err != nil {
		return err
	}
	r.log(logging.LevelInfo, "register worker=%s pid=%d", workerID, pid)
	return nil
}

// SetIdle transitions a worker to idle, clearing any current task.
func (r *Registry) SetIdle(workerID string) error {
	return r.mutate(workerID, func(rec *model.WorkerRecord) error {
		if rec.Status != model.WorkerIdle {
			if err := model.ValidateWorkerTransition(rec.Status, model.WorkerIdle); err != nil {
				return err
			}
		}
		rec.Status = model.WorkerIdle
		rec.CurrentTaskID = nil
		return nil
	})
}

// SetBusy records that a worker took a task.
func (r *Registry) SetBusy(workerID, taskID string) error {
	return r.mutate(workerID, func(rec *model.WorkerRecord) error {
		if err := model.ValidateWorkerTransition(rec.Status, model.WorkerBusy); err != nil {
			return err
		}
		rec.Status = model.WorkerBusy
		tid := taskID
		rec.CurrentTaskID = &tid
		return nil
	})
}

// Heartbeat refreshes the worker's liveness timestamp.
func (r *Registry) Heartbeat(workerID string) error {
	return r.mutate(workerID, func(rec *model.WorkerRecord) error {
		rec.LastHeartbeatAt = r.now().UTC().Format(time.RFC3339)
		// A heartbeat from an unresponsive worker means it came back
		// before the watchdog killed it.
		if rec.Status == model.WorkerUnresponsive {
			rec.Status = model.WorkerIdle
			rec.CurrentTaskID = nil
			r.log(logging.LevelWarn, "heartbeat_resumed worker=%s", workerID)
		}
		return nil
	})
}

// MarkUnresponsive flags a worker whose heartbeats stopped.
func (r *Registry) MarkUnresponsive(workerID string) error {
	return r.mutate(workerID, func(rec *model.WorkerRecord) error {
		if err := model.ValidateWorkerTransition(rec.Status, model.WorkerUnresponsive); err != nil {
			return err
		}
		rec.Status = model.WorkerUnresponsive
		return nil
	})
}

// MarkTerminated records a final shutdown (graceful or forced).
func (r *Registry) MarkTerminated(workerID string) error {
	return r.mutate(workerID, func(rec *model.WorkerRecord) error {
		if rec.Status == model.WorkerTerminated {
			return nil
		}
		if err := model.ValidateWorkerTransition(rec.Status, model.WorkerTerminated); err != nil {
			return err
		}
		rec.Status = model.WorkerTerminated
		rec.CurrentTaskID = nil
		return nil
	})
}

// Get returns a copy of the worker record.
func (r *Registry) Get(workerID string) (*model.WorkerRecord, error) {
	r.locks.Lock("worker:" + workerID)
	defer r.locks.Unlock("worker:" + workerID)
	return r.load(workerID)
}

// List returns all worker records sorted by worker ID.
func (r *Registry) List() ([]model.WorkerRecord, error) {
	entries, err := os.ReadDir(r.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workers dir: %w", err)
	}

	var records []model.WorkerRecord
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".bak") {
			continue
		}
		workerID := strings.TrimSuffix(name, ".yaml")

		r.locks.Lock("worker:" + workerID)
		rec, err := r.load(workerID)
		r.locks.Unlock("worker:" + workerID)
		if err != nil {
			r.log(logging.LevelWarn, "list_skip worker=%s error=%v", workerID, err)
			continue
		}
		records = append(records, *rec)
	}
	return records, nil
}

// Stale returns active workers whose last heartbeat is older than
// threshold. Terminated workers are never stale.
func (r *Registry) Stale(threshold time.Duration) ([]model.WorkerRecord, error) {
	records, err := r.List()
	if err != nil {
		return nil, err
	}

	cutoff := r.now().UTC().Add(-threshold)
	var stale []model.WorkerRecord
	for _, rec := range records {
		if rec.Status == model.WorkerTerminated {
			continue
		}
		hb, err := time.Parse(time.RFC3339, rec.LastHeartbeatAt)
		if err != nil || hb.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	return stale, nil
}

// Remove deletes a terminated worker's record.
func (r *Registry) Remove(workerID string) error {
	r.locks.Lock("worker:" + workerID)
	defer r.locks.Unlock("worker:" + workerID)

	path := r.path(workerID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove worker record: %w", err)
	}
	_ = os.Remove(path + ".bak")
	r.log(logging.LevelInfo, "remove worker=%s", workerID)
	return nil
}

func (r *Registry) mutate(workerID string, fn func(*model.WorkerRecord) error) error {
	r.locks.Lock("worker:" + workerID)
	defer r.locks.Unlock("worker:" + workerID)

	rec, err := r.load(workerID)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	rec.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("worker record invalid after mutation: %w", err)
	}
	return r.save(rec)
}

func (r *Registry) load(workerID string) (*model.WorkerRecord, error) {
	data, err := os.ReadFile(r.path(workerID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("worker %s: %w", workerID, ErrUnknownWorker)
		}
		return nil, fmt.Errorf("read worker record: %w", err)
	}

	var wf model.WorkerRecordFile
	if err := yamlv3.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse worker record %s: %w", workerID, err)
	}
	return &wf.Record, nil
}

func (r *Registry) save(rec *model.WorkerRecord) error {
	wf := model.WorkerRecordFile{
		SchemaVersion: model.WorkerFileSchemaVersion,
		FileType:      model.WorkerFileType,
		Record:        *rec,
	}
	return yamlutil.AtomicWrite(r.path(rec.WorkerID), &wf)
}

func (r *Registry) log(level logging.Level, format string, args ...any) {
	logging.Printf(r.logger, r.level, level, "registry", format, args...)
}
