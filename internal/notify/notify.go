// Package notify posts operator alerts through an external command. The
// sink and watchdog use it for dead-letter and escalation events; a rate
// limiter drops excess alerts so a failure storm cannot flood the
// operator channel.
package notify

import (
	"fmt"
	"log"
	"os/exec"
	"strings"

	"golang.org/x/time/rate"

	"github.com/mizuki-ota/conductor/internal/logging"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notifier posts one alert. Implementations must be safe for concurrent
// use.
type Notifier interface {
	Post(summary string, severity Severity) error
}

// Nop discards all alerts. Used when notifications are disabled.
type Nop struct{}

func (Nop) Post(string, Severity) error { return nil }

// ExecNotifier invokes a configured command with the severity as an
// argument and the summary on stdin.
type ExecNotifier struct {
	argv []string
}

func NewExecNotifier(argv []string) (*ExecNotifier, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("notify command not configured")
	}
	return &ExecNotifier{argv: argv}, nil
}

func (n *ExecNotifier) Post(summary string, severity Severity) error {
	args := append(append([]string{}, n.argv[1:]...), string(severity))
	cmd := exec.Command(n.argv[0], args...)
	cmd.Stdin = strings.NewReader(summary)

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify command: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Limited wraps a Notifier with a token-bucket rate limit. Alerts over
// the budget are dropped and counted, not queued: a stale alert is worse
// than a dropped one.
type Limited struct {
	inner   Notifier
	limiter *rate.Limiter
	logger  *log.Logger
	level   logging.Level
	dropped int
}

// NewLimited allows ratePerMin alerts per minute with a burst of the
// same size.
func NewLimited(inner Notifier, ratePerMin int, logger *log.Logger, level logging.Level) *Limited {
	if ratePerMin <= 0 {
		ratePerMin = 10
	}
	return &Limited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerMin)/60.0), ratePerMin),
		logger:  logger,
		level:   level,
	}
}

func (l *Limited) Post(summary string, severity Severity) error {
	if !l.limiter.Allow() {
		l.dropped++
		logging.Printf(l.logger, l.level, logging.LevelWarn, "notify",
			"alert_dropped severity=%s dropped_total=%d", severity, l.dropped)
		return nil
	}
	return l.inner.Post(summary, severity)
}
