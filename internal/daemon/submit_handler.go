package daemon

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mizuki-ota/conductor/internal/events"
	"github.com/mizuki-ota/conductor/internal/logging"
	"github.com/mizuki-ota/conductor/internal/model"
	"github.com/mizuki-ota/conductor/internal/queue"
	"github.com/mizuki-ota/conductor/internal/uds"
)

// SubmitParams is the request payload for the submit UDS command.
type SubmitParams struct {
	Payload  string `json:"payload"`
	Priority string `json:"priority,omitempty"`
}

// TaskParams addresses a single task.
type TaskParams struct {
	TaskID string `json:"task_id"`
}

func (d *Daemon) handleSubmit(req *uds.Request) *uds.Response {
	var params SubmitParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}

	priority := model.PriorityNormal
	if params.Priority != "" {
		p, err := model.ParsePriority(params.Priority)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		priority = p
	}

	taskID, err := d.dispatcher.Submit(params.Payload, priority)
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			return uds.ErrorResponse(uds.ErrCodeBackpressure, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	return uds.SuccessResponse(map[string]string{"task_id": taskID})
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	var params TaskParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}

	task, err := d.store.Get(params.TaskID)
	if err != nil {
		if errors.Is(err, queue.ErrUnknownTask) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(task)
}

func (d *Daemon) handleCancel(req *uds.Request) *uds.Response {
	var params TaskParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}

	err := d.store.Cancel(params.TaskID)
	switch {
	case errors.Is(err, queue.ErrUnknownTask):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, queue.ErrTerminalState):
		return uds.ErrorResponse(uds.ErrCodeTerminal, err.Error())
	case err != nil:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	d.bus.Publish(events.EventTaskCancelled, map[string]interface{}{"task_id": params.TaskID})
	d.log(logging.LevelInfo, "cancel_requested task=%s", params.TaskID)
	return uds.SuccessResponse(map[string]string{"task_id": params.TaskID})
}

func (d *Daemon) handleQueueStats(req *uds.Request) *uds.Response {
	stats, err := d.store.Depth()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(stats)
}
