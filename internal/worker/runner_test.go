package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mizuki-ota/conductor/internal/backend"
	"github.com/mizuki-ota/conductor/internal/logging"
	"github.com/mizuki-ota/conductor/internal/model"
	"github.com/mizuki-ota/conductor/internal/uds"
)

// fakeDaemon serves the daemon socket in-process and records every
// command the runner sends.
type fakeDaemon struct {
	t   *testing.T
	srv *uds.Server

	mu       sync.Mutex
	calls    map[string][]json.RawMessage
	tasks    []model.Task
	reported chan model.ResultRecord
	nacked   chan map[string]any
}

func newFakeDaemon(t *testing.T) (*fakeDaemon, string) {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "c-wrk-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	f := &fakeDaemon{
		t:        t,
		calls:    map[string][]json.RawMessage{},
		reported: make(chan model.ResultRecord, 4),
		nacked:   make(chan map[string]any, 4),
	}
	f.srv = uds.NewServer(dir+"/"+uds.DaemonSocketName, nil, logging.LevelError)

	ok := func(cmd string) uds.HandlerFunc {
		return func(req *uds.Request) *uds.Response {
			f.record(cmd, req.Params)
			return uds.SuccessResponse(nil)
		}
	}
	f.srv.Handle(uds.CmdRegister, ok(uds.CmdRegister))
	f.srv.Handle(uds.CmdDeregister, ok(uds.CmdDeregister))
	f.srv.Handle(uds.CmdHeartbeat, ok(uds.CmdHeartbeat))
	f.srv.Handle(uds.CmdRunning, ok(uds.CmdRunning))

	f.srv.Handle(uds.CmdDequeue, func(req *uds.Request) *uds.Response {
		f.record(uds.CmdDequeue, req.Params)
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.tasks) == 0 {
			return uds.ErrorResponse(uds.ErrCodeEmpty, "queue empty")
		}
		task := f.tasks[0]
		f.tasks = f.tasks[1:]
		return uds.SuccessResponse(task)
	})
	f.srv.Handle(uds.CmdResult, func(req *uds.Request) *uds.Response {
		f.record(uds.CmdResult, req.Params)
		var params struct {
			Record model.ResultRecord `json:"record"`
			Epoch  int                `json:"epoch"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		f.reported <- params.Record
		return uds.SuccessResponse(nil)
	})
	f.srv.Handle(uds.CmdNack, func(req *uds.Request) *uds.Response {
		f.record(uds.CmdNack, req.Params)
		var params map[string]any
		_ = json.Unmarshal(req.Params, &params)
		f.nacked <- params
		return uds.SuccessResponse(nil)
	})

	if err := f.srv.Start(); err != nil {
		t.Fatalf("start fake daemon: %v", err)
	}
	t.Cleanup(func() { _ = f.srv.Stop() })
	return f, dir
}

func (f *fakeDaemon) record(cmd string, params json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[cmd] = append(f.calls[cmd], params)
}

func (f *fakeDaemon) callCount(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[cmd])
}

func (f *fakeDaemon) pushTask(task model.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
}

type backendFunc func(ctx context.Context, payload string) (string, error)

func (f backendFunc) Complete(ctx context.Context, payload string) (string, error) {
	return f(ctx, payload)
}

func testTask(id string, epoch, retry int) model.Task {
	return model.Task{
		ID:         id,
		Payload:    "do the thing",
		Priority:   model.PriorityNormal,
		Status:     model.TaskAssigned,
		RetryCount: retry,
		LeaseEpoch: epoch,
	}
}

func newTestRunner(t *testing.T, dir string, be backend.Backend) *Runner {
	t.Helper()
	workerID, err := model.GenerateID(model.IDTypeWorker)
	if err != nil {
		t.Fatalf("generate id: %v", err)
	}
	cfg := model.WorkerConfig{
		PollIntervalSec:      0.01,
		HeartbeatIntervalSec: 1,
		TaskTimeoutSec:       5,
	}
	r, err := NewRunner(dir, workerID, cfg, be, nil, logging.LevelError)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func TestRunnerCompletesTask(t *testing.T) {
	daemon, dir := newFakeDaemon(t)
	daemon.pushTask(testTask("task_0000000001_aaaaaaaa", 3, 1))

	be := backendFunc(func(ctx context.Context, payload string) (string, error) {
		if payload != "do the thing" {
			t.Errorf("payload = %q", payload)
		}
		return "done", nil
	})
	r := newTestRunner(t, dir, be)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	select {
	case rec := <-daemon.reported:
		if rec.FinalStatus != model.TaskCompleted {
			t.Errorf("final status = %s, want completed", rec.FinalStatus)
		}
		if rec.Output != "done" {
			t.Errorf("output = %q, want done", rec.Output)
		}
		if rec.TaskID != "task_0000000001_aaaaaaaa" {
			t.Errorf("task id = %q", rec.TaskID)
		}
		if rec.RetryCount != 1 {
			t.Errorf("retry count = %d, want 1", rec.RetryCount)
		}
		if rec.WorkerID != r.workerID {
			t.Errorf("worker id = %q, want %q", rec.WorkerID, r.workerID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("result never reported")
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if daemon.callCount(uds.CmdRegister) != 1 {
		t.Error("expected one register call")
	}
	if daemon.callCount(uds.CmdRunning) != 1 {
		t.Error("expected one running call")
	}
	if daemon.callCount(uds.CmdDeregister) != 1 {
		t.Error("expected deregister on shutdown")
	}
}

func TestRunnerResultCarriesLeaseEpoch(t *testing.T) {
	daemon, dir := newFakeDaemon(t)
	daemon.pushTask(testTask("task_0000000002_bbbbbbbb", 7, 0))

	r := newTestRunner(t, dir, backendFunc(func(ctx context.Context, payload string) (string, error) {
		return "ok", nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	select {
	case <-daemon.reported:
	case <-time.After(5 * time.Second):
		t.Fatal("result never reported")
	}

	daemon.mu.Lock()
	raw := daemon.calls[uds.CmdResult][0]
	daemon.mu.Unlock()
	var params struct {
		Epoch int `json:"epoch"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		t.Fatalf("unmarshal result params: %v", err)
	}
	if params.Epoch != 7 {
		t.Errorf("epoch = %d, want 7", params.Epoch)
	}
}

func TestRunnerNacksTransientFailure(t *testing.T) {
	daemon, dir := newFakeDaemon(t)
	daemon.pushTask(testTask("task_0000000003_cccccccc", 2, 0))

	r := newTestRunner(t, dir, backendFunc(func(ctx context.Context, payload string) (string, error) {
		return "", backend.Transient(errors.New("backend busy"))
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	select {
	case params := <-daemon.nacked:
		if params["task_id"] != "task_0000000003_cccccccc" {
			t.Errorf("task_id = %v", params["task_id"])
		}
		if params["requeue"] != true {
			t.Error("transient failure should requeue")
		}
		if params["epoch"].(float64) != 2 {
			t.Errorf("epoch = %v, want 2", params["epoch"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("nack never sent")
	}

	if daemon.callCount(uds.CmdResult) != 0 {
		t.Error("transient failure must not emit a result record")
	}
}

func TestRunnerReportsFatalFailure(t *testing.T) {
	daemon, dir := newFakeDaemon(t)
	daemon.pushTask(testTask("task_0000000004_dddddddd", 1, 2))

	r := newTestRunner(t, dir, backendFunc(func(ctx context.Context, payload string) (string, error) {
		return "", backend.Fatal(errors.New("payload rejected"))
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	select {
	case rec := <-daemon.reported:
		if rec.FinalStatus != model.TaskFailed {
			t.Errorf("final status = %s, want failed", rec.FinalStatus)
		}
		if rec.ErrorDetail == "" {
			t.Error("fatal result should carry error detail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("result never reported")
	}

	if daemon.callCount(uds.CmdNack) != 0 {
		t.Error("fatal failure must not nack")
	}
}

func TestRunnerHeartbeatsWhileBusy(t *testing.T) {
	daemon, dir := newFakeDaemon(t)
	daemon.pushTask(testTask("task_0000000005_eeeeeeee", 1, 0))

	release := make(chan struct{})
	r := newTestRunner(t, dir, backendFunc(func(ctx context.Context, payload string) (string, error) {
		<-release
		return "ok", nil
	}))
	r.hbInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for daemon.callCount(uds.CmdHeartbeat) < 3 {
		select {
		case <-deadline:
			t.Fatal("heartbeats stalled while the task was running")
		case <-time.After(10 * time.Millisecond):
		}
	}
	close(release)

	select {
	case <-daemon.reported:
	case <-time.After(5 * time.Second):
		t.Fatal("result never reported after release")
	}
}

func TestRunnerRejectsBadWorkerID(t *testing.T) {
	_, err := NewRunner(t.TempDir(), "not-a-worker-id", model.WorkerConfig{}, nil, nil, logging.LevelError)
	if err == nil {
		t.Fatal("expected error for malformed worker id")
	}
}
