package model

import "fmt"

// Priority orders tasks for delivery. Higher values are delivered first;
// ties break on created_at, then task_id.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 10
	PriorityHigh     Priority = 20
	PriorityCritical Priority = 30
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q (want low|normal|high|critical)", s)
}

// Task is a unit of work in the durable queue. Timestamps are RFC3339
// strings. Unknown fields in stored queue files are ignored on load so
// newer producers stay compatible with older consumers.
type Task struct {
	ID                string     `yaml:"task_id" json:"task_id"`
	Payload           string     `yaml:"payload" json:"payload"`
	Priority          Priority   `yaml:"priority" json:"priority"`
	Status            TaskStatus `yaml:"status" json:"status"`
	RetryCount        int        `yaml:"retry_count" json:"retry_count"`
	MaxRetries        int        `yaml:"max_retries" json:"max_retries"`
	AssignedWorker    *string    `yaml:"assigned_worker" json:"assigned_worker,omitempty"`
	LeaseExpiresAt    *string    `yaml:"lease_expires_at" json:"lease_expires_at,omitempty"`
	LeaseEpoch        int        `yaml:"lease_epoch" json:"lease_epoch"`
	LastError         *string    `yaml:"last_error" json:"last_error,omitempty"`
	CancelRequestedAt *string    `yaml:"cancel_requested_at" json:"cancel_requested_at,omitempty"`
	EnqueuedAt        string     `yaml:"enqueued_at" json:"enqueued_at"`
	CreatedAt         string     `yaml:"created_at" json:"created_at"`
	UpdatedAt         string     `yaml:"updated_at" json:"updated_at"`
}

// TaskFile is the on-disk queue format.
type TaskFile struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Tasks         []Task `yaml:"tasks"`
}

const (
	TaskFileSchemaVersion = 1
	TaskFileType          = "queue_task"
)
