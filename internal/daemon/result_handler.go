package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/mizuki-ota/conductor/internal/logging"
	"github.com/mizuki-ota/conductor/internal/model"
	"github.com/mizuki-ota/conductor/internal/uds"
)

// ResultParams carries a terminal result record plus the lease epoch it
// was produced under.
type ResultParams struct {
	Record model.ResultRecord `json:"record"`
	Epoch  int                `json:"epoch"`
}

// ResultsParams queries the result sink.
type ResultsParams struct {
	TaskID string `json:"task_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// handleResult persists the record and settles the queue entry. The
// sink deduplicates on (task_id, retry_count) and swallows fenced
// settles, so reporting is safe to retry.
func (d *Daemon) handleResult(req *uds.Request) *uds.Response {
	var params ResultParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if params.Record.TaskID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "record.task_id is required")
	}

	if err := d.resultSink.Apply(d.ctx, &params.Record, params.Epoch); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.Record.WorkerID != "" {
		if err := d.registry.SetIdle(params.Record.WorkerID); err != nil {
			d.log(logging.LevelWarn, "set_idle_failed worker=%s error=%v", params.Record.WorkerID, err)
		}
	}
	return uds.SuccessResponse(map[string]string{"result_id": params.Record.ID})
}

func (d *Daemon) handleResults(req *uds.Request) *uds.Response {
	var params ResultsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
		}
	}

	if params.TaskID != "" {
		rec, err := d.resultStore.Get(d.ctx, params.TaskID)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		if rec == nil {
			return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("no result for task %s", params.TaskID))
		}
		return uds.SuccessResponse(rec)
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	recs, err := d.resultStore.Recent(d.ctx, limit)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(recs)
}
