// Package model defines the data structures for conductor's configuration,
// queue entries, worker records, locks, and results.
package model

type Config struct {
	Queue     QueueConfig     `yaml:"queue"`
	Lock      LockConfig      `yaml:"lock"`
	Worker    WorkerConfig    `yaml:"worker"`
	Backend   BackendConfig   `yaml:"backend"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Autoscale AutoscaleConfig `yaml:"autoscale"`
	Notify    NotifyConfig    `yaml:"notify"`
	Recurring []RecurringSpec `yaml:"recurring"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type QueueConfig struct {
	VisibilityTimeoutSec int     `yaml:"visibility_timeout_sec"`
	MaxRetries           int     `yaml:"max_retries"`
	MaxPendingTasks      int     `yaml:"max_pending_tasks"`
	MaxPayloadBytes      int     `yaml:"max_payload_bytes"`
	ScanIntervalSec      int     `yaml:"scan_interval_sec"`
	PriorityAgingSec     int     `yaml:"priority_aging_sec"`
	DebounceSec          float64 `yaml:"debounce_sec"`
}

type LockConfig struct {
	TTLSec int `yaml:"ttl_sec"`
}

type WorkerConfig struct {
	PollIntervalSec      float64 `yaml:"poll_interval_sec"`
	HeartbeatIntervalSec int     `yaml:"heartbeat_interval_sec"`
	TaskTimeoutSec       int     `yaml:"task_timeout_sec"`
}

type BackendConfig struct {
	Command            []string `yaml:"command"`
	TransientExitCodes []int    `yaml:"transient_exit_codes"`
}

type WatchdogConfig struct {
	InitialWorkers     int `yaml:"initial_workers"`
	MaxRestartAttempts int `yaml:"max_restart_attempts"`
	RestartWindowSec   int `yaml:"restart_window_sec"`
	BackoffBaseMs      int `yaml:"backoff_base_ms"`
	BackoffMaxMs       int `yaml:"backoff_max_ms"`
	// A worker is unresponsive after this many missed heartbeat intervals.
	UnresponsiveAfterMissed int `yaml:"unresponsive_after_missed"`
	ProbeIntervalSec        int `yaml:"probe_interval_sec"`
}

type AutoscaleConfig struct {
	Enabled             bool    `yaml:"enabled"`
	MinWorkers          int     `yaml:"min_workers"`
	MaxWorkers          int     `yaml:"max_workers"`
	UpperDepthPerWorker float64 `yaml:"upper_depth_per_worker"`
	LowerUtilization    float64 `yaml:"lower_utilization"`
	SampleIntervalSec   int     `yaml:"sample_interval_sec"`
	SustainSamples      int     `yaml:"sustain_samples"`
	CooldownSec         int     `yaml:"cooldown_sec"`
}

type NotifyConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Command    []string `yaml:"command"`
	RatePerMin int      `yaml:"rate_per_min"`
}

type RecurringSpec struct {
	Name     string `yaml:"name"`
	Cron     string `yaml:"cron"`
	Payload  string `yaml:"payload"`
	Priority string `yaml:"priority"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}
