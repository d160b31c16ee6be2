package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"

	"github.com/mizuki-ota/conductor/internal/logging"
	"github.com/mizuki-ota/conductor/internal/uds"
)

// ScaleParams carries the desired pool size for the scale command.
type ScaleParams struct {
	Workers int `json:"workers"`
}

// NewServer wires a UDS server on the watchdog socket exposing the
// scale and status commands.
func NewServer(runtimeDir string, w *Watchdog, logger *log.Logger, level logging.Level) *uds.Server {
	srv := uds.NewServer(filepath.Join(runtimeDir, uds.WatchdogSocketName), logger, level)

	srv.Handle(uds.CmdScale, func(req *uds.Request) *uds.Response {
		var params ScaleParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid scale params: %v", err))
		}
		if params.Workers < 0 {
			return uds.ErrorResponse(uds.ErrCodeValidation, "workers must be >= 0")
		}
		if err := w.SetTarget(params.Workers); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		return uds.SuccessResponse(map[string]int{"target": params.Workers})
	})

	srv.Handle(uds.CmdWatchdogStatus, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(w.Status())
	})

	return srv
}

// RemoteScaler asks a running watchdog to resize its pool. It satisfies
// the health monitor's scaler dependency.
type RemoteScaler struct {
	client *uds.Client
}

func NewRemoteScaler(runtimeDir string) *RemoteScaler {
	return &RemoteScaler{
		client: uds.NewClient(filepath.Join(runtimeDir, uds.WatchdogSocketName)),
	}
}

func (r *RemoteScaler) Scale(ctx context.Context, workers int) error {
	resp, err := r.client.SendCommandContext(ctx, uds.CmdScale, ScaleParams{Workers: workers})
	if err != nil {
		return fmt.Errorf("scale request: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("scale rejected: %s: %s", resp.Error.Code, resp.Error.Message)
	}
	return nil
}
