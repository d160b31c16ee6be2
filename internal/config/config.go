// Package config loads the runtime configuration: defaults, then
// config.yaml under the runtime directory, then CONDUCTOR_* environment
// overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mizuki-ota/conductor/internal/model"
)

// Default returns the configuration used when config.yaml is absent or
// leaves fields unset.
func Default() model.Config {
	return model.Config{
		Queue: model.QueueConfig{
			VisibilityTimeoutSec: 300,
			MaxRetries:           3,
			MaxPendingTasks:      1000,
			MaxPayloadBytes:      1 << 20,
			ScanIntervalSec:      10,
			PriorityAgingSec:     300,
			DebounceSec:          0.5,
		},
		Lock: model.LockConfig{TTLSec: 30},
		Worker: model.WorkerConfig{
			PollIntervalSec:      1.0,
			HeartbeatIntervalSec: 5,
			TaskTimeoutSec:       600,
		},
		Watchdog: model.WatchdogConfig{
			InitialWorkers:          2,
			MaxRestartAttempts:      5,
			RestartWindowSec:        300,
			BackoffBaseMs:           500,
			BackoffMaxMs:            30000,
			UnresponsiveAfterMissed: 3,
			ProbeIntervalSec:        3,
		},
		Autoscale: model.AutoscaleConfig{
			MinWorkers:          1,
			MaxWorkers:          8,
			UpperDepthPerWorker: 4.0,
			LowerUtilization:    0.2,
			SampleIntervalSec:   10,
			SustainSamples:      3,
			CooldownSec:         60,
		},
		Notify:  model.NotifyConfig{RatePerMin: 6},
		Daemon:  model.DaemonConfig{ShutdownTimeoutSec: 30},
		Logging: model.LoggingConfig{Level: "info"},
	}
}

// Load reads config.yaml from the runtime directory. A missing file is
// not an error; the defaults apply. Environment overrides win over the
// file.
func Load(runtimeDir string) (model.Config, error) {
	cfg := Default()

	path := filepath.Join(runtimeDir, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yamlv3.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv layers CONDUCTOR_* overrides on top of the loaded config.
func applyEnv(cfg *model.Config) {
	envInt("CONDUCTOR_VISIBILITY_TIMEOUT_SEC", &cfg.Queue.VisibilityTimeoutSec)
	envInt("CONDUCTOR_MAX_RETRIES", &cfg.Queue.MaxRetries)
	envInt("CONDUCTOR_MAX_PENDING_TASKS", &cfg.Queue.MaxPendingTasks)
	envInt("CONDUCTOR_SCAN_INTERVAL_SEC", &cfg.Queue.ScanIntervalSec)
	envInt("CONDUCTOR_LOCK_TTL_SEC", &cfg.Lock.TTLSec)
	envInt("CONDUCTOR_HEARTBEAT_INTERVAL_SEC", &cfg.Worker.HeartbeatIntervalSec)
	envInt("CONDUCTOR_TASK_TIMEOUT_SEC", &cfg.Worker.TaskTimeoutSec)
	envInt("CONDUCTOR_INITIAL_WORKERS", &cfg.Watchdog.InitialWorkers)
	envInt("CONDUCTOR_AUTOSCALE_MIN_WORKERS", &cfg.Autoscale.MinWorkers)
	envInt("CONDUCTOR_AUTOSCALE_MAX_WORKERS", &cfg.Autoscale.MaxWorkers)

	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

// RuntimeDir resolves the runtime directory: an explicit flag wins, then
// $CONDUCTOR_DIR, then ./.conductor.
func RuntimeDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("CONDUCTOR_DIR"); v != "" {
		return v
	}
	return ".conductor"
}
