package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/mizuki-ota/conductor/internal/backend"
	"github.com/mizuki-ota/conductor/internal/config"
	"github.com/mizuki-ota/conductor/internal/daemon"
	"github.com/mizuki-ota/conductor/internal/events"
	"github.com/mizuki-ota/conductor/internal/lock"
	"github.com/mizuki-ota/conductor/internal/logging"
	"github.com/mizuki-ota/conductor/internal/model"
	"github.com/mizuki-ota/conductor/internal/notify"
	"github.com/mizuki-ota/conductor/internal/registry"
	"github.com/mizuki-ota/conductor/internal/uds"
	"github.com/mizuki-ota/conductor/internal/watchdog"
	"github.com/mizuki-ota/conductor/internal/worker"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "watchdog":
		runWatchdog(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "workers":
		runWorkers(os.Args[2:])
	case "results":
		runResults(os.Args[2:])
	case "scan":
		runScan(os.Args[2:])
	case "shutdown":
		runShutdown(os.Args[2:])
	case "version":
		fmt.Printf("conductor %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// parseFlags pulls --key value pairs out of args; positionals stay in
// order.
func parseFlags(args []string) (map[string]string, []string) {
	flags := map[string]string{}
	var positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if len(arg) > 2 && arg[:2] == "--" {
			if i+1 < len(args) {
				flags[arg[2:]] = args[i+1]
				i++
			} else {
				flags[arg[2:]] = ""
			}
			continue
		}
		positional = append(positional, arg)
	}
	return flags, positional
}

func runDaemon(args []string) {
	flags, _ := parseFlags(args)
	dir := config.RuntimeDir(flags["dir"])

	cfg, err := config.Load(dir)
	if err != nil {
		fatal("load config: %v", err)
	}
	d, err := daemon.New(dir, cfg)
	if err != nil {
		fatal("create daemon: %v", err)
	}
	if err := d.Run(); err != nil {
		fatal("daemon: %v", err)
	}
}

func runWatchdog(args []string) {
	flags, _ := parseFlags(args)
	dir := config.RuntimeDir(flags["dir"])

	cfg, err := config.Load(dir)
	if err != nil {
		fatal("load config: %v", err)
	}
	if n := flags["workers"]; n != "" {
		workers, err := strconv.Atoi(n)
		if err != nil || workers < 1 {
			fatal("invalid --workers %q", n)
		}
		cfg.Watchdog.InitialWorkers = workers
	}

	logger, closeLog, err := openRoleLog(dir, "watchdog.log")
	if err != nil {
		fatal("%v", err)
	}
	defer closeLog()
	level := logging.ParseLevel(cfg.Logging.Level)

	bus := events.NewBus(16)
	defer bus.Close()
	audit, err := events.NewAuditLogger(filepath.Join(dir, "events", "watchdog.jsonl"), 0)
	if err != nil {
		fatal("open audit log: %v", err)
	}
	defer audit.Close()
	unbridge := audit.BridgeBus(bus)
	defer unbridge()

	ttl := time.Duration(cfg.Lock.TTLSec) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	lockMgr := lock.NewManager(filepath.Join(dir, "locks"), logger, level)
	lockMgr.OnTamper = func(key string) {
		bus.Publish(events.EventLockTampered, map[string]interface{}{"resource_key": key})
	}
	handle, err := lockMgr.Acquire("watchdog", ttl)
	if err != nil {
		fatal("watchdog lock: %v", err)
	}
	defer func() { _ = handle.Release() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	lost := handle.Keepalive(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-lost:
			logging.Printf(logger, level, logging.LevelError, "watchdog", "lock lost, shutting down")
			stop()
		}
	}()

	notifier := notify.Notifier(notify.Nop{})
	if cfg.Notify.Enabled {
		exec, err := notify.NewExecNotifier(cfg.Notify.Command)
		if err != nil {
			fatal("notify: %v", err)
		}
		notifier = notify.NewLimited(exec, cfg.Notify.RatePerMin, logger, level)
	}

	reg := registry.NewRegistry(dir, lock.NewMutexMap(), logger, level)
	w := watchdog.New(dir, cfg.Watchdog, cfg.Worker, reg, notifier, bus, logger, level)

	srv := watchdog.NewServer(dir, w, logger, level)
	if err := srv.Start(); err != nil {
		fatal("start scale server: %v", err)
	}
	defer func() { _ = srv.Stop() }()

	if err := w.Run(ctx); err != nil && err != context.Canceled {
		fatal("watchdog: %v", err)
	}
}

func runWorker(args []string) {
	flags, _ := parseFlags(args)
	dir := config.RuntimeDir(flags["dir"])
	workerID := flags["id"]
	if workerID == "" {
		fmt.Fprintln(os.Stderr, "usage: conductor worker --id <worker_id> [--dir D]")
		os.Exit(1)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		fatal("load config: %v", err)
	}

	logger, closeLog, err := openRoleLog(dir, "workers.log")
	if err != nil {
		fatal("%v", err)
	}
	defer closeLog()
	level := logging.ParseLevel(cfg.Logging.Level)

	be, err := backend.NewExecBackend(cfg.Backend)
	if err != nil {
		fatal("backend: %v", err)
	}
	runner, err := worker.NewRunner(dir, workerID, cfg.Worker, be, logger, level)
	if err != nil {
		fatal("worker: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := runner.Run(ctx); err != nil {
		fatal("worker: %v", err)
	}
}

func runSubmit(args []string) {
	flags, positional := parseFlags(args)
	if len(positional) < 1 {
		fmt.Fprintln(os.Stderr, "usage: conductor submit <payload-file> [--priority low|normal|high|critical] [--dir D]")
		os.Exit(1)
	}

	payload, err := os.ReadFile(positional[0])
	if err != nil {
		fatal("read payload: %v", err)
	}

	params := daemon.SubmitParams{Payload: string(payload)}
	if p := flags["priority"]; p != "" {
		if _, err := model.ParsePriority(p); err != nil {
			fatal("%v", err)
		}
		params.Priority = p
	}

	data := send(mustFindRuntimeDir(flags["dir"]), uds.CmdSubmit, params)
	var result map[string]string
	if err := json.Unmarshal(data, &result); err != nil {
		fatal("decode response: %v", err)
	}
	fmt.Println(result["task_id"])
}

func runStatus(args []string) {
	flags, positional := parseFlags(args)
	if len(positional) < 1 {
		fmt.Fprintln(os.Stderr, "usage: conductor status <task_id> [--dir D]")
		os.Exit(1)
	}

	client := daemonClient(mustFindRuntimeDir(flags["dir"]))
	resp, err := client.SendCommand(uds.CmdStatus, daemon.TaskParams{TaskID: positional[0]})
	if err != nil {
		fatal("%v", err)
	}
	if !resp.Success {
		if resp.Error != nil && resp.Error.Code == uds.ErrCodeNotFound {
			fmt.Fprintf(os.Stderr, "unknown task: %s\n", positional[0])
			os.Exit(2)
		}
		fatalResponse(resp)
	}

	var task model.Task
	if err := json.Unmarshal(resp.Data, &task); err != nil {
		fatal("decode task: %v", err)
	}
	fmt.Printf("%s %s priority=%s retries=%d/%d", task.ID, task.Status, task.Priority, task.RetryCount, task.MaxRetries)
	if task.AssignedWorker != nil {
		fmt.Printf(" worker=%s", *task.AssignedWorker)
	}
	if task.LastError != nil {
		fmt.Printf(" last_error=%q", *task.LastError)
	}
	fmt.Println()
}

func runCancel(args []string) {
	flags, positional := parseFlags(args)
	if len(positional) < 1 {
		fmt.Fprintln(os.Stderr, "usage: conductor cancel <task_id> [--dir D]")
		os.Exit(1)
	}
	send(mustFindRuntimeDir(flags["dir"]), uds.CmdCancel, daemon.TaskParams{TaskID: positional[0]})
	fmt.Printf("cancel requested: %s\n", positional[0])
}

func runWorkers(args []string) {
	flags, positional := parseFlags(args)
	if len(positional) < 1 {
		fmt.Fprintln(os.Stderr, "usage: conductor workers <list|scale N> [--dir D]")
		os.Exit(1)
	}
	switch positional[0] {
	case "list":
		data := send(mustFindRuntimeDir(flags["dir"]), uds.CmdWorkers, nil)
		var records []model.WorkerRecord
		if err := json.Unmarshal(data, &records); err != nil {
			fatal("decode workers: %v", err)
		}
		if len(records) == 0 {
			fmt.Println("no workers registered")
			return
		}
		for _, rec := range records {
			task := "-"
			if rec.CurrentTaskID != nil {
				task = *rec.CurrentTaskID
			}
			fmt.Printf("%s %s pid=%d task=%s heartbeat=%s\n", rec.WorkerID, rec.Status, rec.PID, task, rec.LastHeartbeatAt)
		}
	case "scale":
		if len(positional) < 2 {
			fmt.Fprintln(os.Stderr, "usage: conductor workers scale <n> [--dir D]")
			os.Exit(1)
		}
		n, err := strconv.Atoi(positional[1])
		if err != nil || n < 0 {
			fatal("invalid worker count %q", positional[1])
		}
		dir := mustFindRuntimeDir(flags["dir"])
		client := uds.NewClient(filepath.Join(dir, uds.WatchdogSocketName))
		resp, err := client.SendCommand(uds.CmdScale, watchdog.ScaleParams{Workers: n})
		if err != nil {
			fatal("%v", err)
		}
		if !resp.Success {
			fatalResponse(resp)
		}
		fmt.Printf("scale target set to %d\n", n)
	default:
		fmt.Fprintf(os.Stderr, "unknown workers subcommand: %s\n", positional[0])
		os.Exit(1)
	}
}

func runResults(args []string) {
	flags, positional := parseFlags(args)
	params := daemon.ResultsParams{}
	if len(positional) > 0 {
		params.TaskID = positional[0]
	}
	if l := flags["limit"]; l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil {
			fatal("invalid --limit %q", l)
		}
		params.Limit = limit
	}

	data := send(mustFindRuntimeDir(flags["dir"]), uds.CmdResults, params)
	out, _ := json.MarshalIndent(json.RawMessage(data), "", "  ")
	fmt.Println(string(out))
}

func runScan(args []string) {
	flags, _ := parseFlags(args)
	send(mustFindRuntimeDir(flags["dir"]), uds.CmdScan, nil)
	fmt.Println("scan complete")
}

func runShutdown(args []string) {
	flags, _ := parseFlags(args)
	send(mustFindRuntimeDir(flags["dir"]), uds.CmdShutdown, nil)
	fmt.Println("shutdown accepted")
}

// send issues one daemon command, exiting on transport or daemon errors.
func send(dir, command string, params any) json.RawMessage {
	resp, err := daemonClient(dir).SendCommand(command, params)
	if err != nil {
		fatal("%v", err)
	}
	if !resp.Success {
		fatalResponse(resp)
	}
	return resp.Data
}

func daemonClient(dir string) *uds.Client {
	return uds.NewClient(filepath.Join(dir, uds.DaemonSocketName))
}

// mustFindRuntimeDir resolves the runtime dir for client commands:
// --dir if given, else $CONDUCTOR_DIR, else the nearest .conductor/
// walking up from the working directory.
func mustFindRuntimeDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("CONDUCTOR_DIR"); v != "" {
		return v
	}
	dir, err := os.Getwd()
	if err != nil {
		fatal("resolve working directory: %v", err)
	}
	for {
		candidate := filepath.Join(dir, ".conductor")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			fatal(".conductor/ directory not found; set CONDUCTOR_DIR or run from the project root")
		}
		dir = parent
	}
}

func openRoleLog(dir, name string) (*log.Logger, func(), error) {
	logPath := filepath.Join(dir, "logs", name)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", logPath, err)
	}
	return log.New(f, "", 0), func() { _ = f.Close() }, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func fatalResponse(resp *uds.Response) {
	code := ""
	msg := "unknown error"
	if resp.Error != nil {
		code = resp.Error.Code
		msg = resp.Error.Message
	}
	fmt.Fprintf(os.Stderr, "request failed [%s]: %s\n", code, msg)
	if code == uds.ErrCodeBackpressure {
		os.Exit(2)
	}
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `conductor %s - distributed task orchestration runtime

Usage: conductor <command> [options]

Processes:
  daemon [--dir D]                 Run the dispatcher daemon
  watchdog [--dir D] [--workers N] Run the worker pool watchdog
  worker --id W [--dir D]          Run one worker (spawned by watchdog)

Tasks (all accept --dir D):
  submit <payload-file> [--priority low|normal|high|critical]
  status <task_id>                 Show task state (exit 2 if unknown)
  cancel <task_id>
  results [task_id] [--limit N]    Query the result sink

Pool:
  workers list [--dir D]
  workers scale <n> [--dir D]

Utilities:
  scan [--dir D]                   Trigger a maintenance scan now
  shutdown [--dir D]               Ask the daemon to stop
  version

`, version)
}
