// Package watchdog supervises the worker pool. It spawns worker
// processes, probes their liveness (process exit and heartbeat
// staleness), restarts crashed or hung workers with jittered exponential
// backoff, and escalates to the operator when a worker keeps dying. It
// also serves the scale socket the health monitor and CLI talk to.
package watchdog

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/mizuki-ota/conductor/internal/events"
	"github.com/mizuki-ota/conductor/internal/logging"
	"github.com/mizuki-ota/conductor/internal/model"
	"github.com/mizuki-ota/conductor/internal/notify"
	"github.com/mizuki-ota/conductor/internal/registry"
)

// SupervisedState tracks where a worker is in its restart lifecycle.
type supervised struct {
	workerID string
	state    model.SupervisedState
	cmd      *exec.Cmd
	pid      int
	attempt  int
	restarts []time.Time
	exited   chan struct{} // closed when the process reaps
	exitErr  error
}

// Watchdog owns the worker pool of one runtime directory.
type Watchdog struct {
	runtimeDir string
	cfg        model.WatchdogConfig
	hbInterval time.Duration
	registry   *registry.Registry
	notifier   notify.Notifier
	bus        *events.Bus
	logger     *log.Logger
	level      logging.Level

	mu      sync.Mutex
	workers map[string]*supervised
	target  int
	rng     *rand.Rand

	spawn func(workerID string) (*exec.Cmd, error)
	now   func() time.Time
}

func New(runtimeDir string, cfg model.WatchdogConfig, workerCfg model.WorkerConfig, reg *registry.Registry, notifier notify.Notifier, bus *events.Bus, logger *log.Logger, level logging.Level) *Watchdog {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	hb := time.Duration(workerCfg.HeartbeatIntervalSec) * time.Second
	if hb <= 0 {
		hb = 5 * time.Second
	}
	w := &Watchdog{
		runtimeDir: runtimeDir,
		cfg:        cfg,
		hbInterval: hb,
		registry:   reg,
		notifier:   notifier,
		bus:        bus,
		logger:     logger,
		level:      level,
		workers:    make(map[string]*supervised),
		target:     cfg.InitialWorkers,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
	}
	w.spawn = w.spawnWorkerProcess
	return w
}

// spawnWorkerProcess re-executes this binary in worker mode.
func (w *Watchdog) spawnWorkerProcess(workerID string) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	cmd := exec.Command(self, "worker", "--id", workerID, "--dir", w.runtimeDir)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", workerID, err)
	}
	return cmd, nil
}

// Run supervises until ctx is cancelled, then terminates the pool.
func (w *Watchdog) Run(ctx context.Context) error {
	if w.target < 1 {
		w.target = 1
	}
	for i := 0; i < w.target; i++ {
		if err := w.startWorker(); err != nil {
			w.log(logging.LevelError, "initial_spawn_failed error=%v", err)
		}
	}

	probe := time.Duration(w.cfg.ProbeIntervalSec) * time.Second
	if probe <= 0 {
		probe = 3 * time.Second
	}
	ticker := time.NewTicker(probe)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdownPool()
			return ctx.Err()
		case <-ticker.C:
			w.probe()
		}
	}
}

// startWorker spawns a fresh worker with a new identity and no restart
// history.
func (w *Watchdog) startWorker() error {
	return w.respawn(0, nil)
}

// respawn spawns a worker that inherits the restart history of the slot
// it replaces, so a worker that keeps dying cannot dodge escalation by
// getting a new identity each time.
func (w *Watchdog) respawn(attempt int, restarts []time.Time) error {
	workerID, err := model.GenerateID(model.IDTypeWorker)
	if err != nil {
		return err
	}
	cmd, err := w.spawn(workerID)
	if err != nil {
		return err
	}

	s := &supervised{
		workerID: workerID,
		state:    model.SupervisedRunning,
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		attempt:  attempt,
		restarts: restarts,
		exited:   make(chan struct{}),
	}
	go func() {
		s.exitErr = cmd.Wait()
		close(s.exited)
	}()

	w.mu.Lock()
	w.workers[workerID] = s
	w.mu.Unlock()

	w.log(logging.LevelInfo, "worker_started worker=%s pid=%d", workerID, s.pid)
	return nil
}

// probe runs one supervision pass: reap exits, detect stale heartbeats,
// restart or escalate, and reconcile the pool toward its target size.
func (w *Watchdog) probe() {
	now := w.now().UTC()

	stale := map[string]bool{}
	threshold := w.hbInterval * time.Duration(max(w.cfg.UnresponsiveAfterMissed, 1))
	if records, err := w.registry.Stale(threshold); err == nil {
		for _, rec := range records {
			stale[rec.WorkerID] = true
		}
	} else {
		w.log(logging.LevelWarn, "stale_scan_failed error=%v", err)
	}

	w.mu.Lock()
	var toRestart []*supervised
	var toKill []*supervised
	live := 0
	for _, s := range w.workers {
		switch s.state {
		case model.SupervisedEscalated:
			continue
		case model.SupervisedRunning:
			select {
			case <-s.exited:
				s.state = model.SupervisedCrashed
				w.log(logging.LevelWarn, "worker_exited worker=%s pid=%d err=%v", s.workerID, s.pid, s.exitErr)
				toRestart = append(toRestart, s)
			default:
				if stale[s.workerID] {
					s.state = model.SupervisedUnresponsive
					w.log(logging.LevelWarn, "worker_unresponsive worker=%s pid=%d", s.workerID, s.pid)
					toKill = append(toKill, s)
				} else {
					live++
				}
			}
		case model.SupervisedCrashed, model.SupervisedUnresponsive:
			toRestart = append(toRestart, s)
		}
	}
	w.mu.Unlock()

	for _, s := range toKill {
		w.killWorker(s)
		w.mu.Lock()
		s.state = model.SupervisedCrashed
		w.mu.Unlock()
		toRestart = append(toRestart, s)
	}

	for _, s := range toRestart {
		w.restartOrEscalate(s, now)
	}

	w.reconcile(live)
}

// killWorker force-terminates a hung worker and waits for the reap.
func (w *Watchdog) killWorker(s *supervised) {
	if err := syscall.Kill(s.pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		w.log(logging.LevelError, "kill_failed worker=%s pid=%d error=%v", s.workerID, s.pid, err)
	}
	select {
	case <-s.exited:
	case <-time.After(5 * time.Second):
		w.log(logging.LevelError, "reap_timeout worker=%s pid=%d", s.workerID, s.pid)
	}
	_ = w.registry.MarkUnresponsive(s.workerID)
}

// restartOrEscalate either schedules a backed-off respawn or gives up on
// the worker slot and alerts the operator.
func (w *Watchdog) restartOrEscalate(s *supervised, now time.Time) {
	w.mu.Lock()
	s.restarts = pruneRestarts(s.restarts, now, time.Duration(w.cfg.RestartWindowSec)*time.Second)
	s.restarts = append(s.restarts, now)
	escalate := shouldEscalate(s.restarts, now, time.Duration(w.cfg.RestartWindowSec)*time.Second, w.cfg.MaxRestartAttempts)
	if escalate {
		s.state = model.SupervisedEscalated
	} else {
		s.state = model.SupervisedRestarting
		s.attempt++
	}
	attempt := s.attempt
	restarts := append([]time.Time(nil), s.restarts...)
	w.mu.Unlock()

	_ = w.registry.MarkTerminated(s.workerID)

	if escalate {
		w.escalate(s)
		return
	}

	delay := backoffDelay(attempt-1,
		time.Duration(w.cfg.BackoffBaseMs)*time.Millisecond,
		time.Duration(w.cfg.BackoffMaxMs)*time.Millisecond,
		w.rng)
	w.log(logging.LevelInfo, "worker_restart_scheduled worker=%s attempt=%d delay=%s", s.workerID, attempt, delay)

	time.AfterFunc(delay, func() {
		// The replacement gets a new identity but keeps the slot's
		// restart history; the old registry record is gone.
		w.mu.Lock()
		delete(w.workers, s.workerID)
		w.mu.Unlock()
		_ = w.registry.Remove(s.workerID)

		if err := w.respawn(attempt, restarts); err != nil {
			w.log(logging.LevelError, "respawn_failed worker=%s error=%v", s.workerID, err)
		}
	})
}

// escalate marks the slot dead and alerts. The pool shrinks by one until
// an operator intervenes or the health monitor scales back up.
func (w *Watchdog) escalate(s *supervised) {
	w.log(logging.LevelError, "worker_escalated worker=%s restarts=%d window=%ds",
		s.workerID, len(s.restarts), w.cfg.RestartWindowSec)

	summary := fmt.Sprintf("worker %s escalated: %d restarts within %ds, supervision stopped",
		s.workerID, len(s.restarts), w.cfg.RestartWindowSec)
	if err := w.notifier.Post(summary, notify.SeverityCritical); err != nil {
		w.log(logging.LevelWarn, "notify_failed error=%v", err)
	}
	if w.bus != nil {
		w.bus.Publish(events.EventWorkerEscalated, map[string]interface{}{
			"worker_id": s.workerID,
			"restarts":  len(s.restarts),
		})
	}
}

// reconcile adjusts the pool toward the target size.
func (w *Watchdog) reconcile(live int) {
	w.mu.Lock()
	target := w.target
	// Count everything that is running or on its way back. Escalated
	// slots keep their place: the pool stays shrunk until the target
	// changes.
	active := 0
	for _, s := range w.workers {
		switch s.state {
		case model.SupervisedRunning, model.SupervisedRestarting, model.SupervisedStarting, model.SupervisedEscalated:
			active++
		}
	}
	w.mu.Unlock()

	for i := active; i < target; i++ {
		if err := w.startWorker(); err != nil {
			w.log(logging.LevelError, "scale_spawn_failed error=%v", err)
			return
		}
	}
	if active > target {
		w.retire(active - target)
	}
}

// retire gracefully stops n workers, preferring idle ones so running
// tasks finish.
func (w *Watchdog) retire(n int) {
	idle := map[string]bool{}
	if records, err := w.registry.List(); err == nil {
		for _, rec := range records {
			if rec.Status == model.WorkerIdle || rec.Status == model.WorkerStarting {
				idle[rec.WorkerID] = true
			}
		}
	}

	w.mu.Lock()
	var running []*supervised
	for _, s := range w.workers {
		if s.state == model.SupervisedRunning {
			running = append(running, s)
		}
	}
	// Idle first, then stable order.
	sort.Slice(running, func(i, j int) bool {
		ii, ij := idle[running[i].workerID], idle[running[j].workerID]
		if ii != ij {
			return ii
		}
		return running[i].workerID < running[j].workerID
	})
	if n > len(running) {
		n = len(running)
	}
	victims := running[:n]
	// Drop victims from the supervised set right away so the next probe
	// neither restarts them nor retires more.
	for _, s := range victims {
		delete(w.workers, s.workerID)
	}
	w.mu.Unlock()

	for _, s := range victims {
		w.log(logging.LevelInfo, "worker_retire worker=%s pid=%d", s.workerID, s.pid)
		if err := syscall.Kill(s.pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			w.log(logging.LevelWarn, "retire_signal_failed worker=%s error=%v", s.workerID, err)
		}
		go w.awaitRetired(s)
	}
}

func (w *Watchdog) awaitRetired(s *supervised) {
	select {
	case <-s.exited:
	case <-time.After(30 * time.Second):
		w.log(logging.LevelWarn, "retire_timeout worker=%s pid=%d (forcing)", s.workerID, s.pid)
		_ = syscall.Kill(s.pid, syscall.SIGKILL)
		<-s.exited
	}
	_ = w.registry.MarkTerminated(s.workerID)
	w.log(logging.LevelInfo, "worker_retired worker=%s", s.workerID)
}

// SetTarget adjusts the desired pool size; the next probe reconciles.
func (w *Watchdog) SetTarget(n int) error {
	if n < 0 {
		return fmt.Errorf("target %d out of range", n)
	}
	w.mu.Lock()
	old := w.target
	w.target = n
	w.mu.Unlock()
	w.log(logging.LevelInfo, "target_changed from=%d to=%d", old, n)
	return nil
}

// Status summarizes the supervised pool.
type Status struct {
	Target  int            `json:"target"`
	Workers []WorkerStatus `json:"workers"`
	States  map[string]int `json:"states"`
}

type WorkerStatus struct {
	WorkerID string `json:"worker_id"`
	PID      int    `json:"pid"`
	State    string `json:"state"`
	Attempt  int    `json:"attempt"`
}

func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Status{Target: w.target, States: map[string]int{}}
	for _, s := range w.workers {
		st.Workers = append(st.Workers, WorkerStatus{
			WorkerID: s.workerID,
			PID:      s.pid,
			State:    string(s.state),
			Attempt:  s.attempt,
		})
		st.States[string(s.state)]++
	}
	sort.Slice(st.Workers, func(i, j int) bool { return st.Workers[i].WorkerID < st.Workers[j].WorkerID })
	return st
}

// shutdownPool SIGTERMs every worker and waits briefly.
func (w *Watchdog) shutdownPool() {
	w.mu.Lock()
	var all []*supervised
	for _, s := range w.workers {
		all = append(all, s)
	}
	w.mu.Unlock()

	for _, s := range all {
		_ = syscall.Kill(s.pid, syscall.SIGTERM)
	}
	deadline := time.After(15 * time.Second)
	for _, s := range all {
		select {
		case <-s.exited:
		case <-deadline:
			_ = syscall.Kill(s.pid, syscall.SIGKILL)
		}
	}
	w.log(logging.LevelInfo, "pool_shutdown workers=%d", len(all))
}

func (w *Watchdog) log(level logging.Level, format string, args ...any) {
	logging.Printf(w.logger, w.level, level, "watchdog", format, args...)
}
