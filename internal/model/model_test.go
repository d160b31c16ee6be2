package model

import (
	"strings"
	"testing"
	"time"
)

func TestValidateTaskTransition(t *testing.T) {
	valid := []struct{ from, to TaskStatus }{
		{TaskCreated, TaskQueued},
		{TaskQueued, TaskAssigned},
		{TaskQueued, TaskCancelled},
		{TaskQueued, TaskDeadLettered},
		{TaskAssigned, TaskRunning},
		{TaskAssigned, TaskQueued},
		{TaskRunning, TaskCompleted},
		{TaskRunning, TaskRetryPending},
		{TaskRunning, TaskDeadLettered},
		{TaskRetryPending, TaskQueued},
		{TaskRetryPending, TaskDeadLettered},
	}
	for _, tc := range valid {
		if err := ValidateTaskTransition(tc.from, tc.to); err != nil {
			t.Errorf("expected %s → %s to be valid: %v", tc.from, tc.to, err)
		}
	}

	invalid := []struct{ from, to TaskStatus }{
		{TaskCreated, TaskRunning},
		{TaskQueued, TaskCompleted},
		{TaskCompleted, TaskQueued},
		{TaskDeadLettered, TaskQueued},
		{TaskCancelled, TaskAssigned},
		{TaskRunning, TaskAssigned},
	}
	for _, tc := range invalid {
		if err := ValidateTaskTransition(tc.from, tc.to); err == nil {
			t.Errorf("expected %s → %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestTerminalStatusesAreFinal(t *testing.T) {
	for _, s := range []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled, TaskDeadLettered} {
		if !IsTerminalTask(s) {
			t.Errorf("%s should be terminal", s)
		}
		if err := ValidateTaskTransition(s, TaskQueued); err == nil {
			t.Errorf("transition out of terminal %s should fail", s)
		}
	}
}

func TestValidateWorkerTransition(t *testing.T) {
	if err := ValidateWorkerTransition(WorkerStarting, WorkerIdle); err != nil {
		t.Fatalf("starting → idle: %v", err)
	}
	if err := ValidateWorkerTransition(WorkerBusy, WorkerIdle); err != nil {
		t.Fatalf("busy → idle: %v", err)
	}
	if err := ValidateWorkerTransition(WorkerTerminated, WorkerIdle); err == nil {
		t.Fatal("terminated → idle should fail")
	}
	if err := ValidateWorkerTransition(WorkerStarting, WorkerBusy); err == nil {
		t.Fatal("starting → busy should fail")
	}
}

func TestWorkerRecordValidate(t *testing.T) {
	taskID := "task_0000000001_deadbeef"
	rec := WorkerRecord{WorkerID: "worker1", Status: WorkerBusy}
	if err := rec.Validate(); err == nil {
		t.Fatal("busy without task should fail validation")
	}
	rec.CurrentTaskID = &taskID
	if err := rec.Validate(); err != nil {
		t.Fatalf("busy with task: %v", err)
	}
	rec.Status = WorkerIdle
	if err := rec.Validate(); err == nil {
		t.Fatal("idle with task should fail validation")
	}
}

func TestGenerateID(t *testing.T) {
	for _, idType := range []IDType{IDTypeTask, IDTypeWorker, IDTypeResult} {
		id, err := GenerateID(idType)
		if err != nil {
			t.Fatalf("GenerateID(%s): %v", idType, err)
		}
		if !ValidateID(id) {
			t.Errorf("generated ID %q does not validate", id)
		}
		if !strings.HasPrefix(id, string(idType)+"_") {
			t.Errorf("ID %q missing prefix %s_", id, idType)
		}
		parsed, err := ParseIDType(id)
		if err != nil {
			t.Fatalf("ParseIDType(%s): %v", id, err)
		}
		if parsed != idType {
			t.Errorf("ParseIDType = %s, want %s", parsed, idType)
		}
	}

	if _, err := GenerateID("bogus"); err == nil {
		t.Error("expected error for invalid ID type")
	}
}

func TestParseIDTimestamp(t *testing.T) {
	id, err := GenerateID(IDTypeTask)
	if err != nil {
		t.Fatal(err)
	}
	ts, err := ParseIDTimestamp(id)
	if err != nil {
		t.Fatal(err)
	}
	if d := time.Since(ts); d < 0 || d > time.Minute {
		t.Errorf("timestamp out of range: %s", ts)
	}
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"low":      PriorityLow,
		"normal":   PriorityNormal,
		"high":     PriorityHigh,
		"critical": PriorityCritical,
	}
	for s, want := range cases {
		got, err := ParsePriority(s)
		if err != nil {
			t.Fatalf("ParsePriority(%s): %v", s, err)
		}
		if got != want {
			t.Errorf("ParsePriority(%s) = %d, want %d", s, got, want)
		}
		if got.String() != s {
			t.Errorf("String() = %s, want %s", got.String(), s)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("expected error for unknown priority")
	}
	if Priority(7).Valid() {
		t.Error("priority 7 should not be valid")
	}
}
