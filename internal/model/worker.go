package model

import "fmt"

// WorkerRecord is the shared-state record for one worker process. The
// record file is owned by the daemon; workers mutate it only through the
// daemon's socket API, the watchdog reads it for liveness decisions.
type WorkerRecord struct {
	WorkerID        string       `yaml:"worker_id" json:"worker_id"`
	PID             int          `yaml:"pid" json:"pid"`
	Status          WorkerStatus `yaml:"status" json:"status"`
	CurrentTaskID   *string      `yaml:"current_task_id" json:"current_task_id,omitempty"`
	LastHeartbeatAt string       `yaml:"last_heartbeat_at" json:"last_heartbeat_at"`
	StartedAt       string       `yaml:"started_at" json:"started_at"`
	UpdatedAt       string       `yaml:"updated_at" json:"updated_at"`
}

// Validate enforces the busy ⇔ current-task invariant.
func (w *WorkerRecord) Validate() error {
	if w.Status == WorkerBusy && w.CurrentTaskID == nil {
		return fmt.Errorf("worker %s is busy without a current task", w.WorkerID)
	}
	if w.Status != WorkerBusy && w.CurrentTaskID != nil {
		return fmt.Errorf("worker %s is %s but holds task %s", w.WorkerID, w.Status, *w.CurrentTaskID)
	}
	return nil
}

// WorkerRecordFile is the on-disk format for workers/<id>.yaml.
type WorkerRecordFile struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	Record        WorkerRecord `yaml:"record"`
}

const (
	WorkerFileSchemaVersion = 1
	WorkerFileType          = "worker_record"
)
