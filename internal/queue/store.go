// Package queue implements the durable priority task queue. All tasks
// live in a single YAML file under the runtime directory; every mutation
// is a locked load-modify-atomic-write cycle, so a crash at any point
// leaves either the old file or the new file, never a torn one.
//
// Delivery uses visibility leases with epoch fencing: a dequeue stamps
// the entry with the worker, an expiry, and an incremented epoch, and
// every subsequent ack/nack must present that epoch. A stale worker whose
// lease lapsed and whose task was redelivered loses the fencing check
// instead of corrupting the newer delivery.
package queue

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mizuki-ota/conductor/internal/lock"
	"github.com/mizuki-ota/conductor/internal/logging"
	"github.com/mizuki-ota/conductor/internal/model"
	yamlutil "github.com/mizuki-ota/conductor/internal/yaml"
)

var (
	// ErrEmpty is returned by Dequeue when no task is deliverable.
	ErrEmpty = errors.New("no deliverable task")

	// ErrUnknownTask is returned when the referenced task does not exist.
	ErrUnknownTask = errors.New("unknown task")

	// ErrFenced is returned when a mutation presents a lease epoch that
	// no longer matches the entry: the caller's delivery was superseded.
	ErrFenced = errors.New("lease epoch mismatch")

	// ErrQueueFull is returned by Enqueue when the pending backlog is at
	// its configured ceiling.
	ErrQueueFull = errors.New("queue at capacity")

	// ErrTerminalState is returned when an operation targets a task that
	// already reached a terminal status.
	ErrTerminalState = errors.New("task already terminal")
)

const queueFileName = "tasks.yaml"

// Store is the single-writer queue owner. Only the daemon process holds
// a Store; workers reach it through the daemon socket.
type Store struct {
	runtimeDir string
	cfg        model.QueueConfig
	locks      *lock.MutexMap
	logger     *log.Logger
	level      logging.Level
	now        func() time.Time
}

func NewStore(runtimeDir string, cfg model.QueueConfig, locks *lock.MutexMap, logger *log.Logger, level logging.Level) *Store {
	return &Store{
		runtimeDir: runtimeDir,
		cfg:        cfg,
		locks:      locks,
		logger:     logger,
		level:      level,
		now:        time.Now,
	}
}

func (s *Store) path() string {
	return filepath.Join(s.runtimeDir, "queue", queueFileName)
}

// load reads the queue file. A missing file yields an empty queue. A
// corrupt file is restored from its backup when possible; otherwise it is
// quarantined and the queue restarts empty.
func (s *Store) load() (*model.TaskFile, error) {
	path := s.path()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &model.TaskFile{
				SchemaVersion: model.TaskFileSchemaVersion,
				FileType:      model.TaskFileType,
			}, nil
		}
		return nil, fmt.Errorf("read queue file: %w", err)
	}

	var tf model.TaskFile
	if err := yamlv3.Unmarshal(data, &tf); err == nil {
		return &tf, nil
	}

	s.log(logging.LevelError, "queue_file_corrupt path=%s", path)
	if rerr := yamlutil.RestoreFromBackup(path); rerr == nil {
		if data, err := os.ReadFile(path); err == nil {
			if err := yamlv3.Unmarshal(data, &tf); err == nil {
				s.log(logging.LevelWarn, "queue_file_restored_from_backup path=%s", path)
				return &tf, nil
			}
		}
	}

	if qerr := yamlutil.Quarantine(s.runtimeDir, path); qerr != nil {
		return nil, fmt.Errorf("quarantine corrupt queue file: %w", qerr)
	}
	s.log(logging.LevelError, "queue_file_quarantined path=%s (starting empty)", path)
	return &model.TaskFile{
		SchemaVersion: model.TaskFileSchemaVersion,
		FileType:      model.TaskFileType,
	}, nil
}

func (s *Store) save(tf *model.TaskFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path()), 0755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	if err := yamlutil.AtomicWrite(s.path(), tf); err != nil {
		return fmt.Errorf("write queue file: %w", err)
	}
	return nil
}

// Enqueue appends a task in status queued. The caller (dispatcher) has
// already validated the task; the store only enforces the backlog ceiling.
func (s *Store) Enqueue(task *model.Task) error {
	s.locks.Lock("queue")
	defer s.locks.Unlock("queue")

	tf, err := s.load()
	if err != nil {
		return err
	}

	if s.cfg.MaxPendingTasks > 0 {
		pending := 0
		for i := range tf.Tasks {
			if tf.Tasks[i].Status == model.TaskQueued {
				pending++
			}
		}
		if pending >= s.cfg.MaxPendingTasks {
			return fmt.Errorf("pending=%d max=%d: %w", pending, s.cfg.MaxPendingTasks, ErrQueueFull)
		}
	}

	now := s.now().UTC().Format(time.RFC3339)
	task.Status = model.TaskQueued
	task.EnqueuedAt = now
	task.UpdatedAt = now

	tf.Tasks = append(tf.Tasks, *task)
	if err := s.save(tf); err != nil {
		return err
	}
	s.log(logging.LevelInfo, "enqueue task=%s priority=%s", task.ID, task.Priority)
	return nil
}

// effectivePriority raises a task's priority as it waits, so low-priority
// work cannot starve: effective = priority + floor(age/aging_sec),
// capped at critical.
func effectivePriority(priority model.Priority, enqueuedAt string, now time.Time, agingSec int) model.Priority {
	if agingSec <= 0 {
		return priority
	}
	enq, err := time.Parse(time.RFC3339, enqueuedAt)
	if err != nil {
		return priority
	}
	ageSec := now.Sub(enq).Seconds()
	if ageSec <= 0 {
		return priority
	}
	boosted := int(priority) + int(math.Floor(ageSec/float64(agingSec)))
	if boosted > int(model.PriorityCritical) {
		boosted = int(model.PriorityCritical)
	}
	return model.Priority(boosted)
}

// Dequeue delivers the best queued task to workerID: effective priority
// DESC, then enqueued_at ASC, then id ASC. The entry transitions to
// assigned with a fresh visibility lease and an incremented epoch.
func (s *Store) Dequeue(workerID string) (*model.Task, error) {
	s.locks.Lock("queue")
	defer s.locks.Unlock("queue")

	tf, err := s.load()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()

	var candidates []int
	for i := range tf.Tasks {
		t := &tf.Tasks[i]
		if t.Status != model.TaskQueued || t.CancelRequestedAt != nil {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return nil, ErrEmpty
	}

	sort.Slice(candidates, func(a, b int) bool {
		ti, tj := &tf.Tasks[candidates[a]], &tf.Tasks[candidates[b]]
		pi := effectivePriority(ti.Priority, ti.EnqueuedAt, now, s.cfg.PriorityAgingSec)
		pj := effectivePriority(tj.Priority, tj.EnqueuedAt, now, s.cfg.PriorityAgingSec)
		if pi != pj {
			return pi > pj
		}
		if ti.EnqueuedAt != tj.EnqueuedAt {
			return ti.EnqueuedAt < tj.EnqueuedAt
		}
		return ti.ID < tj.ID
	})

	t := &tf.Tasks[candidates[0]]
	if err := model.ValidateTaskTransition(t.Status, model.TaskAssigned); err != nil {
		return nil, err
	}

	expires := now.Add(time.Duration(s.cfg.VisibilityTimeoutSec) * time.Second).Format(time.RFC3339)
	owner := workerID
	t.Status = model.TaskAssigned
	t.AssignedWorker = &owner
	t.LeaseExpiresAt = &expires
	t.LeaseEpoch++
	t.UpdatedAt = now.Format(time.RFC3339)

	if err := s.save(tf); err != nil {
		return nil, err
	}
	s.log(logging.LevelInfo, "dequeue task=%s worker=%s epoch=%d expires=%s",
		t.ID, workerID, t.LeaseEpoch, expires)

	delivered := *t
	return &delivered, nil
}

// MarkRunning records that workerID actually started executing the task.
func (s *Store) MarkRunning(taskID, workerID string, epoch int) error {
	return s.mutateFenced(taskID, workerID, epoch, func(t *model.Task) error {
		if err := model.ValidateTaskTransition(t.Status, model.TaskRunning); err != nil {
			return err
		}
		t.Status = model.TaskRunning
		s.log(logging.LevelInfo, "running task=%s worker=%s epoch=%d", t.ID, workerID, epoch)
		return nil
	})
}

// Ack marks a delivered task completed. Acking an already-completed task
// is a no-op, so duplicate result deliveries are harmless.
func (s *Store) Ack(taskID string, epoch int) error {
	s.locks.Lock("queue")
	defer s.locks.Unlock("queue")

	tf, err := s.load()
	if err != nil {
		return err
	}
	t := findTask(tf, taskID)
	if t == nil {
		return fmt.Errorf("ack %s: %w", taskID, ErrUnknownTask)
	}
	if t.Status == model.TaskCompleted {
		return nil
	}
	if model.IsTerminalTask(t.Status) {
		return fmt.Errorf("ack %s in %s: %w", taskID, t.Status, ErrTerminalState)
	}
	if t.LeaseEpoch != epoch {
		return fmt.Errorf("ack %s: entry epoch %d, presented %d: %w", taskID, t.LeaseEpoch, epoch, ErrFenced)
	}
	if err := model.ValidateTaskTransition(t.Status, model.TaskCompleted); err != nil {
		return err
	}

	t.Status = model.TaskCompleted
	clearLease(t)
	t.UpdatedAt = s.now().UTC().Format(time.RFC3339)

	if err := s.save(tf); err != nil {
		return err
	}
	s.log(logging.LevelInfo, "ack task=%s epoch=%d", taskID, epoch)
	return nil
}

// Nack reports an execution failure. A transient failure with retry
// budget left parks the task in retry_pending with retry_count
// incremented; the next periodic scan promotes it back to queued, which
// gives retries a natural cooldown. An exhausted budget dead-letters the
// task, and requeue=false dead-letters immediately (fatal failures).
func (s *Store) Nack(taskID string, epoch int, errMsg string, requeue bool) error {
	s.locks.Lock("queue")
	defer s.locks.Unlock("queue")

	tf, err := s.load()
	if err != nil {
		return err
	}
	t := findTask(tf, taskID)
	if t == nil {
		return fmt.Errorf("nack %s: %w", taskID, ErrUnknownTask)
	}
	if model.IsTerminalTask(t.Status) {
		return fmt.Errorf("nack %s in %s: %w", taskID, t.Status, ErrTerminalState)
	}
	if t.LeaseEpoch != epoch {
		return fmt.Errorf("nack %s: entry epoch %d, presented %d: %w", taskID, t.LeaseEpoch, epoch, ErrFenced)
	}

	now := s.now().UTC().Format(time.RFC3339)
	t.LastError = &errMsg

	if requeue && t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.Status = model.TaskRetryPending
		clearLease(t)
		t.UpdatedAt = now
		if err := s.save(tf); err != nil {
			return err
		}
		s.log(logging.LevelWarn, "nack_retry_pending task=%s retry=%d/%d error=%q",
			taskID, t.RetryCount, t.MaxRetries, errMsg)
		return nil
	}

	reason := errMsg
	if requeue {
		reason = fmt.Sprintf("retry budget exhausted (%d/%d): %s", t.RetryCount, t.MaxRetries, errMsg)
	}
	if err := s.deadLetterLocked(tf, t, reason); err != nil {
		return err
	}
	return s.save(tf)
}

// DeadLetter moves a delivered task straight to the dead-letter archive,
// bypassing the retry budget. Used for fatal backend failures.
func (s *Store) DeadLetter(taskID string, epoch int, reason string) error {
	s.locks.Lock("queue")
	defer s.locks.Unlock("queue")

	tf, err := s.load()
	if err != nil {
		return err
	}
	t := findTask(tf, taskID)
	if t == nil {
		return fmt.Errorf("dead_letter %s: %w", taskID, ErrUnknownTask)
	}
	if model.IsTerminalTask(t.Status) {
		return fmt.Errorf("dead_letter %s in %s: %w", taskID, t.Status, ErrTerminalState)
	}
	if t.LeaseEpoch != epoch {
		return fmt.Errorf("dead_letter %s: entry epoch %d, presented %d: %w", taskID, t.LeaseEpoch, epoch, ErrFenced)
	}
	if err := s.deadLetterLocked(tf, t, reason); err != nil {
		return err
	}
	return s.save(tf)
}

// deadLetterLocked stamps t dead_lettered and archives a copy. Caller
// holds the queue lock and saves the file.
func (s *Store) deadLetterLocked(tf *model.TaskFile, t *model.Task, reason string) error {
	now := s.now().UTC()
	t.Status = model.TaskDeadLettered
	t.LastError = &reason
	clearLease(t)
	t.UpdatedAt = now.Format(time.RFC3339)

	if err := s.archiveDeadLetter(t, reason, now); err != nil {
		s.log(logging.LevelError, "archive_dead_letter task=%s error=%v", t.ID, err)
	}
	s.log(logging.LevelWarn, "dead_letter task=%s retry=%d reason=%q", t.ID, t.RetryCount, reason)
	return nil
}

// archiveDeadLetter writes a standalone archive file. The task ID is in
// the filename to prevent same-second collisions.
func (s *Store) archiveDeadLetter(t *model.Task, reason string, now time.Time) error {
	archiveDir := filepath.Join(s.runtimeDir, "dead_letters")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create dead_letters dir: %w", err)
	}

	type archiveEntry struct {
		SchemaVersion  int        `yaml:"schema_version"`
		FileType       string     `yaml:"file_type"`
		Task           model.Task `yaml:"task"`
		DeadLetteredAt string     `yaml:"dead_lettered_at"`
		Reason         string     `yaml:"reason"`
	}

	archive := archiveEntry{
		SchemaVersion:  1,
		FileType:       "dead_letter",
		Task:           *t,
		DeadLetteredAt: now.Format(time.RFC3339),
		Reason:         reason,
	}
	filename := fmt.Sprintf("%s_%s.yaml", now.Format("20060102T150405Z"), t.ID)
	return yamlutil.AtomicWrite(filepath.Join(archiveDir, filename), archive)
}

// Cancel requests cancellation. A queued task is cancelled in place; a
// delivered task gets a tombstone that takes effect when its lease next
// expires or when the worker reports back. Cancelling a terminal task is
// an error.
func (s *Store) Cancel(taskID string) error {
	s.locks.Lock("queue")
	defer s.locks.Unlock("queue")

	tf, err := s.load()
	if err != nil {
		return err
	}
	t := findTask(tf, taskID)
	if t == nil {
		return fmt.Errorf("cancel %s: %w", taskID, ErrUnknownTask)
	}
	if model.IsTerminalTask(t.Status) {
		return fmt.Errorf("cancel %s in %s: %w", taskID, t.Status, ErrTerminalState)
	}

	now := s.now().UTC().Format(time.RFC3339)
	switch t.Status {
	case model.TaskCreated, model.TaskQueued, model.TaskRetryPending:
		t.Status = model.TaskCancelled
		clearLease(t)
		t.UpdatedAt = now
		s.log(logging.LevelInfo, "cancel task=%s (immediate)", taskID)
	default:
		t.CancelRequestedAt = &now
		t.UpdatedAt = now
		s.log(logging.LevelInfo, "cancel task=%s (tombstone, status=%s)", taskID, t.Status)
	}
	return s.save(tf)
}

// PromoteRetries moves retry_pending tasks back to queued. Called from
// the periodic scan, so a failed task waits at least one scan interval
// before redelivery. Cancellation tombstones win over retries.
func (s *Store) PromoteRetries() (int, error) {
	s.locks.Lock("queue")
	defer s.locks.Unlock("queue")

	tf, err := s.load()
	if err != nil {
		return 0, err
	}

	now := s.now().UTC().Format(time.RFC3339)
	promoted, dirty := 0, false
	for i := range tf.Tasks {
		t := &tf.Tasks[i]
		if t.Status != model.TaskRetryPending {
			continue
		}
		dirty = true
		if t.CancelRequestedAt != nil {
			t.Status = model.TaskCancelled
			t.UpdatedAt = now
			s.log(logging.LevelInfo, "retry_cancelled task=%s", t.ID)
			continue
		}
		t.Status = model.TaskQueued
		t.UpdatedAt = now
		promoted++
		s.log(logging.LevelInfo, "retry_requeue task=%s retry=%d/%d", t.ID, t.RetryCount, t.MaxRetries)
	}
	if !dirty {
		return 0, nil
	}
	if err := s.save(tf); err != nil {
		return 0, err
	}
	return promoted, nil
}

// RecoverExpired requeues delivered tasks whose visibility lease lapsed
// without an ack or nack. The retry budget is NOT charged: a lease expiry
// is a delivery failure, not an execution failure. Tasks carrying a
// cancellation tombstone are cancelled instead of requeued. Returns the
// IDs of recovered (requeued) tasks.
func (s *Store) RecoverExpired() ([]string, error) {
	s.locks.Lock("queue")
	defer s.locks.Unlock("queue")

	tf, err := s.load()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var recovered []string
	dirty := false

	for i := range tf.Tasks {
		t := &tf.Tasks[i]
		if t.Status != model.TaskAssigned && t.Status != model.TaskRunning {
			continue
		}
		if !leaseExpired(t.LeaseExpiresAt, now) {
			continue
		}

		dirty = true
		owner := ""
		if t.AssignedWorker != nil {
			owner = *t.AssignedWorker
		}

		if t.CancelRequestedAt != nil {
			t.Status = model.TaskCancelled
			clearLease(t)
			t.UpdatedAt = now.Format(time.RFC3339)
			s.log(logging.LevelInfo, "lease_expired_cancelled task=%s worker=%s", t.ID, owner)
			continue
		}

		t.Status = model.TaskQueued
		clearLease(t)
		// Invalidate the lapsed lease: any settle the old holder still
		// sends (late ack, nack, fatal dead-letter) must be fenced off,
		// not only after the next dequeue.
		t.LeaseEpoch++
		t.UpdatedAt = now.Format(time.RFC3339)
		recovered = append(recovered, t.ID)
		s.log(logging.LevelWarn, "lease_expired_requeue task=%s worker=%s epoch=%d", t.ID, owner, t.LeaseEpoch)
	}

	if !dirty {
		return nil, nil
	}
	if err := s.save(tf); err != nil {
		return nil, err
	}
	return recovered, nil
}

// Get returns a copy of the task.
func (s *Store) Get(taskID string) (*model.Task, error) {
	s.locks.Lock("queue")
	defer s.locks.Unlock("queue")

	tf, err := s.load()
	if err != nil {
		return nil, err
	}
	t := findTask(tf, taskID)
	if t == nil {
		return nil, fmt.Errorf("get %s: %w", taskID, ErrUnknownTask)
	}
	copied := *t
	return &copied, nil
}

// Stats summarizes the queue by status.
type Stats struct {
	Queued      int `json:"queued"`
	Assigned    int `json:"assigned"`
	Running     int `json:"running"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	DeadLetters int `json:"dead_letters"`
	Total       int `json:"total"`
}

func (s *Store) Depth() (Stats, error) {
	s.locks.Lock("queue")
	defer s.locks.Unlock("queue")

	tf, err := s.load()
	if err != nil {
		return Stats{}, err
	}

	var st Stats
	st.Total = len(tf.Tasks)
	for i := range tf.Tasks {
		switch tf.Tasks[i].Status {
		case model.TaskQueued, model.TaskRetryPending:
			st.Queued++
		case model.TaskAssigned:
			st.Assigned++
		case model.TaskRunning:
			st.Running++
		case model.TaskCompleted:
			st.Completed++
		case model.TaskFailed:
			st.Failed++
		case model.TaskCancelled:
			st.Cancelled++
		case model.TaskDeadLettered:
			st.DeadLetters++
		}
	}
	return st, nil
}

// Snapshot returns copies of every task, for status listings.
func (s *Store) Snapshot() ([]model.Task, error) {
	s.locks.Lock("queue")
	defer s.locks.Unlock("queue")

	tf, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]model.Task, len(tf.Tasks))
	copy(out, tf.Tasks)
	return out, nil
}

// Compact drops terminal tasks older than retention from the queue file.
// Dead-lettered tasks keep their archive copies regardless.
func (s *Store) Compact(retention time.Duration) (int, error) {
	s.locks.Lock("queue")
	defer s.locks.Unlock("queue")

	tf, err := s.load()
	if err != nil {
		return 0, err
	}

	cutoff := s.now().UTC().Add(-retention)
	kept := tf.Tasks[:0]
	removed := 0
	for i := range tf.Tasks {
		t := tf.Tasks[i]
		if model.IsTerminalTask(t.Status) {
			if updated, err := time.Parse(time.RFC3339, t.UpdatedAt); err == nil && updated.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, t)
	}
	if removed == 0 {
		return 0, nil
	}
	tf.Tasks = kept
	if err := s.save(tf); err != nil {
		return 0, err
	}
	s.log(logging.LevelInfo, "compact removed=%d", removed)
	return removed, nil
}

// mutateFenced runs fn on the task after the standard ownership and epoch
// checks, then persists.
func (s *Store) mutateFenced(taskID, workerID string, epoch int, fn func(*model.Task) error) error {
	s.locks.Lock("queue")
	defer s.locks.Unlock("queue")

	tf, err := s.load()
	if err != nil {
		return err
	}
	t := findTask(tf, taskID)
	if t == nil {
		return fmt.Errorf("task %s: %w", taskID, ErrUnknownTask)
	}
	if t.AssignedWorker == nil || *t.AssignedWorker != workerID {
		return fmt.Errorf("task %s not assigned to %s: %w", taskID, workerID, ErrFenced)
	}
	if t.LeaseEpoch != epoch {
		return fmt.Errorf("task %s: entry epoch %d, presented %d: %w", taskID, t.LeaseEpoch, epoch, ErrFenced)
	}

	if err := fn(t); err != nil {
		return err
	}
	t.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	return s.save(tf)
}

func findTask(tf *model.TaskFile, id string) *model.Task {
	for i := range tf.Tasks {
		if tf.Tasks[i].ID == id {
			return &tf.Tasks[i]
		}
	}
	return nil
}

func clearLease(t *model.Task) {
	t.AssignedWorker = nil
	t.LeaseExpiresAt = nil
}

func leaseExpired(expiresAt *string, now time.Time) bool {
	if expiresAt == nil {
		return true
	}
	expires, err := time.Parse(time.RFC3339, *expiresAt)
	if err != nil {
		return true
	}
	return now.After(expires)
}

func (s *Store) log(level logging.Level, format string, args ...any) {
	logging.Printf(s.logger, s.level, level, "queue", format, args...)
}
