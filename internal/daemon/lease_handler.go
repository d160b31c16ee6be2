package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mizuki-ota/conductor/internal/events"
	"github.com/mizuki-ota/conductor/internal/logging"
	"github.com/mizuki-ota/conductor/internal/model"
	"github.com/mizuki-ota/conductor/internal/notify"
	"github.com/mizuki-ota/conductor/internal/queue"
	"github.com/mizuki-ota/conductor/internal/uds"
)

// DequeueParams is the request payload for the dequeue command.
type DequeueParams struct {
	WorkerID string `json:"worker_id"`
}

// LeaseParams fences a lease-scoped operation to the worker and epoch
// the task was delivered with.
type LeaseParams struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Epoch    int    `json:"epoch"`
}

// NackParams reports a transient failure on a leased task.
type NackParams struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Epoch    int    `json:"epoch"`
	Error    string `json:"error,omitempty"`
	Requeue  bool   `json:"requeue"`
}

func (d *Daemon) handleDequeue(req *uds.Request) *uds.Response {
	var params DequeueParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if !model.ValidateID(params.WorkerID) {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid worker id %q", params.WorkerID))
	}

	task, err := d.store.Dequeue(params.WorkerID)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			return uds.ErrorResponse(uds.ErrCodeEmpty, "no deliverable task")
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(task)
}

func (d *Daemon) handleRunning(req *uds.Request) *uds.Response {
	var params LeaseParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}

	if err := d.store.MarkRunning(params.TaskID, params.WorkerID, params.Epoch); err != nil {
		return leaseErrorResponse(err)
	}
	if err := d.registry.SetBusy(params.WorkerID, params.TaskID); err != nil {
		d.log(logging.LevelWarn, "set_busy_failed worker=%s task=%s error=%v", params.WorkerID, params.TaskID, err)
	}
	d.bus.Publish(events.EventTaskStarted, map[string]interface{}{
		"task_id":   params.TaskID,
		"worker_id": params.WorkerID,
	})
	return uds.SuccessResponse(nil)
}

func (d *Daemon) handleAck(req *uds.Request) *uds.Response {
	var params LeaseParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}

	if err := d.store.Ack(params.TaskID, params.Epoch); err != nil {
		return leaseErrorResponse(err)
	}
	return uds.SuccessResponse(nil)
}

func (d *Daemon) handleNack(req *uds.Request) *uds.Response {
	var params NackParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}

	if err := d.store.Nack(params.TaskID, params.Epoch, params.Error, params.Requeue); err != nil {
		return leaseErrorResponse(err)
	}
	if params.WorkerID != "" {
		if err := d.registry.SetIdle(params.WorkerID); err != nil {
			d.log(logging.LevelWarn, "set_idle_failed worker=%s error=%v", params.WorkerID, err)
		}
	}
	d.recordIfDeadLettered(params)
	return uds.SuccessResponse(nil)
}

// recordIfDeadLettered synthesizes a failed result when a nack exhausted
// the retry budget, so the sink holds the terminal outcome of every task
// whether a worker reported it or the queue gave up.
func (d *Daemon) recordIfDeadLettered(params NackParams) {
	task, err := d.store.Get(params.TaskID)
	if err != nil || task.Status != model.TaskDeadLettered {
		return
	}

	resultID, err := model.GenerateID(model.IDTypeResult)
	if err != nil {
		d.log(logging.LevelError, "synthetic_result_id_failed task=%s error=%v", params.TaskID, err)
		return
	}
	rec := &model.ResultRecord{
		ID:          resultID,
		TaskID:      task.ID,
		RetryCount:  task.RetryCount,
		FinalStatus: model.TaskFailed,
		ErrorDetail: fmt.Sprintf("retry budget exhausted: %s", params.Error),
		WorkerID:    params.WorkerID,
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := d.resultStore.Insert(d.ctx, rec); err != nil {
		d.log(logging.LevelError, "synthetic_result_failed task=%s error=%v", params.TaskID, err)
		return
	}
	if err := d.notifier.Post(fmt.Sprintf("task %s dead-lettered after %d retries", task.ID, task.RetryCount), notify.SeverityCritical); err != nil {
		d.log(logging.LevelWarn, "notify_failed error=%v", err)
	}
	d.bus.Publish(events.EventTaskDeadLettered, map[string]interface{}{
		"task_id":     task.ID,
		"retry_count": task.RetryCount,
	})
}

// leaseErrorResponse maps queue sentinels onto protocol error codes.
func leaseErrorResponse(err error) *uds.Response {
	switch {
	case errors.Is(err, queue.ErrFenced):
		return uds.ErrorResponse(uds.ErrCodeFencingReject, err.Error())
	case errors.Is(err, queue.ErrUnknownTask):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, queue.ErrTerminalState):
		return uds.ErrorResponse(uds.ErrCodeTerminal, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}
