// Package health implements the autoscaling monitor. It samples queue
// backlog and worker utilization on a fixed interval and asks the
// watchdog to grow or shrink the pool. Scaling decisions require the
// pressure signal to sustain across consecutive samples and respect a
// cooldown, so a bursty queue cannot whipsaw the pool size.
package health

import (
	"context"
	"log"
	"time"

	"github.com/mizuki-ota/conductor/internal/logging"
	"github.com/mizuki-ota/conductor/internal/model"
)

// Sample is one observation of the system.
type Sample struct {
	QueueDepth  int // queued + retry_pending
	BusyWorkers int
	LiveWorkers int // starting + idle + busy
}

// Scaler applies a pool size change. The watchdog implements this over
// its socket.
type Scaler interface {
	Scale(ctx context.Context, workers int) error
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Target int
	Reason string
}

// controller holds the sustain/cooldown state between samples.
type controller struct {
	cfg model.AutoscaleConfig

	upStreak   int
	downStreak int
	lastChange time.Time
}

// evaluate returns a non-nil Decision when the pool size should change.
// Scale up when backlog per live worker exceeds the configured depth;
// scale down when utilization stays below the low-water mark. Both
// directions must sustain for cfg.SustainSamples and honor the cooldown.
func (c *controller) evaluate(s Sample, now time.Time) *Decision {
	live := s.LiveWorkers
	if live < 1 {
		live = 1
	}

	depthPerWorker := float64(s.QueueDepth) / float64(live)
	utilization := float64(s.BusyWorkers) / float64(live)

	wantUp := depthPerWorker > float64(c.cfg.UpperDepthPerWorker) && s.LiveWorkers < c.cfg.MaxWorkers
	wantDown := s.QueueDepth == 0 && utilization < c.cfg.LowerUtilization && s.LiveWorkers > c.cfg.MinWorkers

	if wantUp {
		c.upStreak++
		c.downStreak = 0
	} else if wantDown {
		c.downStreak++
		c.upStreak = 0
	} else {
		c.upStreak = 0
		c.downStreak = 0
		return nil
	}

	if !c.lastChange.IsZero() && now.Sub(c.lastChange) < time.Duration(c.cfg.CooldownSec)*time.Second {
		return nil
	}

	if wantUp && c.upStreak >= c.cfg.SustainSamples {
		target := s.LiveWorkers + 1
		if target > c.cfg.MaxWorkers {
			target = c.cfg.MaxWorkers
		}
		c.upStreak = 0
		c.lastChange = now
		return &Decision{Target: target, Reason: "backlog"}
	}
	if wantDown && c.downStreak >= c.cfg.SustainSamples {
		target := s.LiveWorkers - 1
		if target < c.cfg.MinWorkers {
			target = c.cfg.MinWorkers
		}
		c.downStreak = 0
		c.lastChange = now
		return &Decision{Target: target, Reason: "idle"}
	}
	return nil
}

// Monitor drives the controller on a ticker.
type Monitor struct {
	ctl     controller
	sample  func(ctx context.Context) (Sample, error)
	scaler  Scaler
	logger  *log.Logger
	level   logging.Level
	nowFunc func() time.Time
}

func NewMonitor(cfg model.AutoscaleConfig, sample func(ctx context.Context) (Sample, error), scaler Scaler, logger *log.Logger, level logging.Level) *Monitor {
	if cfg.SustainSamples <= 0 {
		cfg.SustainSamples = 3
	}
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	return &Monitor{
		ctl:     controller{cfg: cfg},
		sample:  sample,
		scaler:  scaler,
		logger:  logger,
		level:   level,
		nowFunc: time.Now,
	}
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.ctl.cfg.SampleIntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	s, err := m.sample(ctx)
	if err != nil {
		m.log(logging.LevelWarn, "sample_failed error=%v", err)
		return
	}

	decision := m.ctl.evaluate(s, m.nowFunc())
	if decision == nil {
		return
	}

	m.log(logging.LevelInfo, "scale_request target=%d reason=%s depth=%d busy=%d live=%d",
		decision.Target, decision.Reason, s.QueueDepth, s.BusyWorkers, s.LiveWorkers)
	if err := m.scaler.Scale(ctx, decision.Target); err != nil {
		m.log(logging.LevelError, "scale_failed target=%d error=%v", decision.Target, err)
	}
}

func (m *Monitor) log(level logging.Level, format string, args ...any) {
	logging.Printf(m.logger, m.level, level, "health", format, args...)
}
