package model

// ResultRecord is the append-only record a worker (or the queue's
// dead-letter path) emits when a task reaches a terminal outcome. Records
// are deduplicated on (task_id, retry_count): applying the same record
// twice must leave final state unchanged.
type ResultRecord struct {
	ID          string     `yaml:"id" json:"id"`
	TaskID      string     `yaml:"task_id" json:"task_id"`
	RetryCount  int        `yaml:"retry_count" json:"retry_count"`
	FinalStatus TaskStatus `yaml:"final_status" json:"final_status"`
	Output      string     `yaml:"output,omitempty" json:"output,omitempty"`
	ErrorDetail string     `yaml:"error_detail,omitempty" json:"error_detail,omitempty"`
	DurationMS  int64      `yaml:"duration_ms" json:"duration_ms"`
	WorkerID    string     `yaml:"worker_id" json:"worker_id"`
	CompletedAt string     `yaml:"completed_at" json:"completed_at"`
}
