// Package worker implements the task-pulling worker process. A runner
// registers with the daemon, pulls leased tasks over the daemon socket,
// invokes the completion backend, and reports outcomes carrying the
// lease epoch it was handed.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mizuki-ota/conductor/internal/backend"
	"github.com/mizuki-ota/conductor/internal/logging"
	"github.com/mizuki-ota/conductor/internal/model"
	"github.com/mizuki-ota/conductor/internal/uds"
)

// Runner is one worker pool member.
type Runner struct {
	workerID string
	client   *uds.Client
	backend  backend.Backend
	logger   *log.Logger
	level    logging.Level

	pollInterval time.Duration
	hbInterval   time.Duration
	taskTimeout  time.Duration

	now func() time.Time
}

func NewRunner(runtimeDir, workerID string, cfg model.WorkerConfig, be backend.Backend, logger *log.Logger, level logging.Level) (*Runner, error) {
	if !model.ValidateID(workerID) {
		return nil, fmt.Errorf("invalid worker id %q", workerID)
	}

	poll := time.Duration(cfg.PollIntervalSec * float64(time.Second))
	if poll <= 0 {
		poll = time.Second
	}
	hb := time.Duration(cfg.HeartbeatIntervalSec) * time.Second
	if hb <= 0 {
		hb = 5 * time.Second
	}
	timeout := time.Duration(cfg.TaskTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	return &Runner{
		workerID:     workerID,
		client:       uds.NewClient(filepath.Join(runtimeDir, uds.DaemonSocketName)),
		backend:      be,
		logger:       logger,
		level:        level,
		pollInterval: poll,
		hbInterval:   hb,
		taskTimeout:  timeout,
		now:          time.Now,
	}, nil
}

// Run registers, then pumps the task and heartbeat loops until ctx is
// cancelled. Deregistration is best effort on the way out.
func (r *Runner) Run(ctx context.Context) error {
	hostname, _ := os.Hostname()
	if err := r.call(uds.CmdRegister, map[string]any{
		"worker_id": r.workerID,
		"pid":       os.Getpid(),
		"hostname":  hostname,
	}, nil); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	r.log(logging.LevelInfo, "registered worker=%s pid=%d", r.workerID, os.Getpid())

	defer func() {
		if err := r.call(uds.CmdDeregister, map[string]any{"worker_id": r.workerID}, nil); err != nil {
			r.log(logging.LevelWarn, "deregister_failed worker=%s error=%v", r.workerID, err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.heartbeatLoop(gctx) })
	g.Go(func() error { return r.taskLoop(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// heartbeatLoop refreshes the registry record on its own cadence, never
// blocked by a running task.
func (r *Runner) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.hbInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.call(uds.CmdHeartbeat, map[string]any{"worker_id": r.workerID}, nil); err != nil {
				r.log(logging.LevelWarn, "heartbeat_failed worker=%s error=%v", r.workerID, err)
			}
		}
	}
}

// taskLoop pulls, executes, and settles one task at a time.
func (r *Runner) taskLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		task, err := r.dequeue()
		if err != nil {
			r.log(logging.LevelWarn, "dequeue_failed worker=%s error=%v", r.workerID, err)
			if !r.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		if task == nil {
			if !r.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		r.execute(ctx, task)
	}
}

func (r *Runner) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.pollInterval):
		return true
	}
}

// dequeue asks for a lease. A nil task means the queue had nothing
// deliverable.
func (r *Runner) dequeue() (*model.Task, error) {
	resp, err := r.client.SendCommand(uds.CmdDequeue, map[string]any{"worker_id": r.workerID})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Error != nil && resp.Error.Code == uds.ErrCodeEmpty {
			return nil, nil
		}
		return nil, responseError(resp)
	}
	var task model.Task
	if err := json.Unmarshal(resp.Data, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

// execute runs one leased task through the backend and reports the
// outcome with the lease epoch. A fencing rejection means the lease
// lapsed mid-flight; the work is abandoned and the queue already
// rescheduled it.
func (r *Runner) execute(ctx context.Context, task *model.Task) {
	if err := r.call(uds.CmdRunning, map[string]any{
		"task_id":   task.ID,
		"worker_id": r.workerID,
		"epoch":     task.LeaseEpoch,
	}, nil); err != nil {
		r.log(logging.LevelWarn, "mark_running_failed task=%s error=%v", task.ID, err)
		return
	}

	r.log(logging.LevelInfo, "task_started task=%s priority=%s retry=%d", task.ID, task.Priority, task.RetryCount)

	started := r.now()
	tctx, cancel := context.WithTimeout(ctx, r.taskTimeout)
	output, err := r.backend.Complete(tctx, task.Payload)
	cancel()
	duration := r.now().Sub(started)

	switch {
	case err == nil:
		r.report(task, model.TaskCompleted, output, "", duration)
	case backend.IsFatal(err):
		r.report(task, model.TaskFailed, output, err.Error(), duration)
	default:
		r.nack(task, err)
	}
}

// report emits a terminal result record. The daemon persists it and
// settles the queue entry.
func (r *Runner) report(task *model.Task, status model.TaskStatus, output, errDetail string, duration time.Duration) {
	resultID, err := model.GenerateID(model.IDTypeResult)
	if err != nil {
		r.log(logging.LevelError, "result_id_failed task=%s error=%v", task.ID, err)
		return
	}
	rec := model.ResultRecord{
		ID:          resultID,
		TaskID:      task.ID,
		RetryCount:  task.RetryCount,
		FinalStatus: status,
		Output:      output,
		ErrorDetail: errDetail,
		DurationMS:  duration.Milliseconds(),
		WorkerID:    r.workerID,
		CompletedAt: r.now().UTC().Format(time.RFC3339),
	}

	err = r.call(uds.CmdResult, map[string]any{
		"record": rec,
		"epoch":  task.LeaseEpoch,
	}, nil)
	if err != nil {
		r.log(logging.LevelError, "result_report_failed task=%s status=%s error=%v", task.ID, status, err)
		return
	}
	r.log(logging.LevelInfo, "task_finished task=%s status=%s duration_ms=%d", task.ID, status, duration.Milliseconds())
}

// nack returns a transiently failed task for a later retry.
func (r *Runner) nack(task *model.Task, cause error) {
	err := r.call(uds.CmdNack, map[string]any{
		"task_id":   task.ID,
		"worker_id": r.workerID,
		"epoch":     task.LeaseEpoch,
		"error":     cause.Error(),
		"requeue":   true,
	}, nil)
	if err != nil {
		r.log(logging.LevelError, "nack_failed task=%s error=%v", task.ID, err)
		return
	}
	r.log(logging.LevelInfo, "task_nacked task=%s retry=%d error=%v", task.ID, task.RetryCount, cause)
}

// call sends a command and decodes the data payload into out when the
// daemon reports success.
func (r *Runner) call(command string, params any, out any) error {
	resp, err := r.client.SendCommand(command, params)
	if err != nil {
		return err
	}
	if !resp.Success {
		return responseError(resp)
	}
	if out != nil && resp.Data != nil {
		return json.Unmarshal(resp.Data, out)
	}
	return nil
}

func responseError(resp *uds.Response) error {
	if resp.Error == nil {
		return errors.New("daemon error without detail")
	}
	return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
}

func (r *Runner) log(level logging.Level, format string, args ...any) {
	logging.Printf(r.logger, r.level, level, "worker", format, args...)
}
