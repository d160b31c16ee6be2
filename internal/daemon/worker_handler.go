package daemon

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mizuki-ota/conductor/internal/model"
	"github.com/mizuki-ota/conductor/internal/registry"
	"github.com/mizuki-ota/conductor/internal/uds"
)

// RegisterParams announces a worker process to the registry.
type RegisterParams struct {
	WorkerID string `json:"worker_id"`
	PID      int    `json:"pid"`
	Hostname string `json:"hostname,omitempty"`
}

// WorkerParams addresses a single registered worker.
type WorkerParams struct {
	WorkerID string `json:"worker_id"`
}

func (d *Daemon) handleRegister(req *uds.Request) *uds.Response {
	var params RegisterParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if !model.ValidateID(params.WorkerID) {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid worker id %q", params.WorkerID))
	}

	if err := d.registry.Register(params.WorkerID, params.PID); err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	// A registered worker is immediately eligible for leases.
	if err := d.registry.SetIdle(params.WorkerID); err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(nil)
}

func (d *Daemon) handleDeregister(req *uds.Request) *uds.Response {
	var params WorkerParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}

	if err := d.registry.MarkTerminated(params.WorkerID); err != nil {
		if errors.Is(err, registry.ErrUnknownWorker) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(nil)
}

func (d *Daemon) handleHeartbeat(req *uds.Request) *uds.Response {
	var params WorkerParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}

	if err := d.registry.Heartbeat(params.WorkerID); err != nil {
		if errors.Is(err, registry.ErrUnknownWorker) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(nil)
}

func (d *Daemon) handleWorkers(req *uds.Request) *uds.Response {
	records, err := d.registry.List()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(records)
}
