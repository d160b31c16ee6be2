// Package daemon implements the dispatcher process: the singleton owner
// of the durable queue and worker registry. It serves the daemon socket,
// runs the periodic scan, hosts the result sink, the health monitor, and
// the recurring scheduler.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mizuki-ota/conductor/internal/events"
	"github.com/mizuki-ota/conductor/internal/health"
	"github.com/mizuki-ota/conductor/internal/lock"
	"github.com/mizuki-ota/conductor/internal/logging"
	"github.com/mizuki-ota/conductor/internal/model"
	"github.com/mizuki-ota/conductor/internal/notify"
	"github.com/mizuki-ota/conductor/internal/queue"
	"github.com/mizuki-ota/conductor/internal/recurring"
	"github.com/mizuki-ota/conductor/internal/registry"
	"github.com/mizuki-ota/conductor/internal/sink"
	"github.com/mizuki-ota/conductor/internal/uds"
	"github.com/mizuki-ota/conductor/internal/watchdog"
)

// DispatcherLockKey names the singleton lock the daemon must hold.
const DispatcherLockKey = "dispatcher"

// Daemon is the conductor dispatcher process.
type Daemon struct {
	runtimeDir string
	config     model.Config
	level      logging.Level
	logger     *log.Logger
	logFile    io.Closer

	lockMgr    *lock.Manager
	lockHandle *lock.Handle
	locks      *lock.MutexMap

	store      *queue.Store
	registry   *registry.Registry
	dispatcher *Dispatcher
	bus        *events.Bus
	audit      *events.AuditLogger
	unbridge   func()
	notifier   notify.Notifier

	resultStore *sink.Store
	resultSink  *sink.Sink

	server    *uds.Server
	watcher   *fsnotify.Watcher
	ticker    *time.Ticker
	monitor   *health.Monitor
	scheduler *recurring.Scheduler

	debounceMu sync.Mutex
	debounce   *time.Timer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New creates a daemon logging to logs/daemon.log under the runtime dir.
func New(runtimeDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(runtimeDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(runtimeDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(runtimeDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	level := logging.ParseLevel(cfg.Logging.Level)
	logger := log.New(w, "", 0)
	locks := lock.NewMutexMap()

	scanInterval := cfg.Queue.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 10
	}

	d := &Daemon{
		runtimeDir: runtimeDir,
		config:     cfg,
		level:      level,
		logger:     logger,
		logFile:    closer,
		lockMgr:    lock.NewManager(filepath.Join(runtimeDir, "locks"), logger, level),
		locks:      locks,
		store:      queue.NewStore(runtimeDir, cfg.Queue, locks, logger, level),
		registry:   registry.NewRegistry(runtimeDir, locks, logger, level),
		bus:        events.NewBus(64),
		server:     uds.NewServer(filepath.Join(runtimeDir, uds.DaemonSocketName), logger, level),
		ticker:     time.NewTicker(time.Duration(scanInterval) * time.Second),
		ctx:        ctx,
		cancel:     cancel,
	}
	d.dispatcher = NewDispatcher(d.store, cfg.Queue, d.bus, logger, level)
	d.lockMgr.OnTamper = func(key string) {
		d.bus.Publish(events.EventLockTampered, map[string]interface{}{"resource_key": key})
	}

	d.notifier = notify.Nop{}
	if cfg.Notify.Enabled {
		exec, err := notify.NewExecNotifier(cfg.Notify.Command)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("notify: %w", err)
		}
		d.notifier = notify.NewLimited(exec, cfg.Notify.RatePerMin, logger, level)
	}

	return d, nil
}

// Run starts the daemon and blocks until shutdown completes. It fails
// fast when another dispatcher already holds the singleton lock.
func (d *Daemon) Run() error {
	ttl := time.Duration(d.config.Lock.TTLSec) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	handle, err := d.lockMgr.Acquire(DispatcherLockKey, ttl)
	if err != nil {
		return fmt.Errorf("dispatcher lock: %w", err)
	}
	d.lockHandle = handle
	d.log(logging.LevelInfo, "starting pid=%d dir=%s", os.Getpid(), d.runtimeDir)

	lost := handle.Keepalive(d.ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-d.ctx.Done():
		case <-lost:
			d.log(logging.LevelError, "dispatcher lock lost, shutting down")
			go d.Shutdown()
		}
	}()

	if err := d.openStores(); err != nil {
		d.cleanup()
		return err
	}

	audit, err := events.NewAuditLogger(filepath.Join(d.runtimeDir, "events", "audit.jsonl"), 0)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	d.unbridge = audit.BridgeBus(d.bus)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	queueDir := filepath.Join(d.runtimeDir, "queue")
	if err := os.MkdirAll(queueDir, 0755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure queue dir: %w", err)
	}
	if err := watcher.Add(queueDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", queueDir, err)
	}

	if len(d.config.Recurring) > 0 {
		sched, err := recurring.New(d.config.Recurring, d.dispatcher.Submit, d.logger, d.level)
		if err != nil {
			d.cleanup()
			return fmt.Errorf("recurring: %w", err)
		}
		d.scheduler = sched
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(logging.LevelInfo, "UDS server listening on %s", filepath.Join(d.runtimeDir, uds.DaemonSocketName))

	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	if d.scheduler != nil {
		d.scheduler.Start()
	}
	if d.config.Autoscale.Enabled {
		d.monitor = health.NewMonitor(d.config.Autoscale, d.sample, watchdog.NewRemoteScaler(d.runtimeDir), d.logger, d.level)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.monitor.Run(d.ctx)
		}()
	}

	d.runScan()
	d.log(logging.LevelInfo, "daemon ready")

	d.waitSignals()
	return nil
}

func (d *Daemon) openStores() error {
	store, err := sink.OpenStore(filepath.Join(d.runtimeDir, "results", "conductor.db"))
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	d.resultStore = store
	d.resultSink = sink.New(store, d.store, d.notifier, d.bus, d.logger, d.level)
	return nil
}

// registerHandlers wires every daemon socket command.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})
	d.server.Handle(uds.CmdScan, func(req *uds.Request) *uds.Response {
		d.runScan()
		return uds.SuccessResponse(map[string]string{"status": "scanned"})
	})
	d.server.Handle(uds.CmdShutdown, func(req *uds.Request) *uds.Response {
		d.log(logging.LevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle(uds.CmdSubmit, d.handleSubmit)
	d.server.Handle(uds.CmdStatus, d.handleStatus)
	d.server.Handle(uds.CmdCancel, d.handleCancel)
	d.server.Handle(uds.CmdQueueStats, d.handleQueueStats)

	d.server.Handle(uds.CmdDequeue, d.handleDequeue)
	d.server.Handle(uds.CmdRunning, d.handleRunning)
	d.server.Handle(uds.CmdAck, d.handleAck)
	d.server.Handle(uds.CmdNack, d.handleNack)

	d.server.Handle(uds.CmdResult, d.handleResult)
	d.server.Handle(uds.CmdResults, d.handleResults)

	d.server.Handle(uds.CmdRegister, d.handleRegister)
	d.server.Handle(uds.CmdDeregister, d.handleDeregister)
	d.server.Handle(uds.CmdHeartbeat, d.handleHeartbeat)
	d.server.Handle(uds.CmdWorkers, d.handleWorkers)
}

// fsnotifyLoop turns queue directory changes into debounced scans, so
// out-of-band edits to the queue file are reconciled promptly instead
// of waiting a full scan interval.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log(logging.LevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.scheduleScan()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(logging.LevelError, "fsnotify error=%v", err)
		}
	}
}

// scheduleScan coalesces bursts of file events into one scan.
func (d *Daemon) scheduleScan() {
	debounce := time.Duration(d.config.Queue.DebounceSec * float64(time.Second))
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	d.debounceMu.Lock()
	defer d.debounceMu.Unlock()
	if d.debounce != nil {
		d.debounce.Stop()
	}
	d.debounce = time.AfterFunc(debounce, func() {
		select {
		case <-d.ctx.Done():
		default:
			d.runScan()
		}
	})
}

func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.runScan()
		}
	}
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		d.log(logging.LevelInfo, "received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.log(logging.LevelWarn, "received second signal, forcing exit")
			os.Exit(1)
		}()
	case <-d.ctx.Done():
	}

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(logging.LevelInfo, "shutdown started")

		d.cancel()
		d.ticker.Stop()
		if d.scheduler != nil {
			d.scheduler.Stop()
		}
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		if d.server != nil {
			_ = d.server.Stop()
		}

		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.log(logging.LevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(logging.LevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		d.cleanup()
		d.log(logging.LevelInfo, "daemon stopped")
	})
}

func (d *Daemon) cleanup() {
	d.cancel()
	if d.unbridge != nil {
		d.unbridge()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.audit != nil {
		_ = d.audit.Close()
	}
	if d.resultStore != nil {
		_ = d.resultStore.Close()
	}
	if d.lockHandle != nil {
		_ = d.lockHandle.Release()
	}
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

// runScan is one periodic maintenance pass: recover lapsed leases,
// promote cooled-down retries, and trim old terminal entries.
func (d *Daemon) runScan() {
	recovered, err := d.store.RecoverExpired()
	if err != nil {
		d.log(logging.LevelError, "scan_recover_failed error=%v", err)
	}
	for _, taskID := range recovered {
		d.log(logging.LevelWarn, "lease_recovered task=%s", taskID)
	}

	promoted, err := d.store.PromoteRetries()
	if err != nil {
		d.log(logging.LevelError, "scan_promote_failed error=%v", err)
	} else if promoted > 0 {
		d.log(logging.LevelInfo, "retries_promoted count=%d", promoted)
	}

	if removed, err := d.store.Compact(terminalRetention); err != nil {
		d.log(logging.LevelError, "scan_compact_failed error=%v", err)
	} else if removed > 0 {
		d.log(logging.LevelInfo, "compacted count=%d", removed)
	}
}

// terminalRetention is how long finished tasks stay in the queue file
// before compaction removes them. Results outlive this in the sink.
const terminalRetention = 7 * 24 * time.Hour

// sample feeds the health monitor from the queue and registry.
func (d *Daemon) sample(ctx context.Context) (health.Sample, error) {
	stats, err := d.store.Depth()
	if err != nil {
		return health.Sample{}, err
	}
	records, err := d.registry.List()
	if err != nil {
		return health.Sample{}, err
	}
	s := health.Sample{QueueDepth: stats.Queued}
	for _, rec := range records {
		switch rec.Status {
		case model.WorkerBusy:
			s.BusyWorkers++
			s.LiveWorkers++
		case model.WorkerIdle, model.WorkerStarting:
			s.LiveWorkers++
		}
	}
	return s, nil
}

func (d *Daemon) log(level logging.Level, format string, args ...any) {
	logging.Printf(d.logger, d.level, level, "daemon", format, args...)
}
