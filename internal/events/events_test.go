package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	received := []Event{}

	unsub := bus.Subscribe(EventTaskQueued, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(EventTaskQueued, map[string]interface{}{
		"task_id": "task_1700000000_abc12345",
	})

	// Wait for async delivery
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventTaskQueued {
		t.Errorf("expected type %s, got %s", EventTaskQueued, received[0].Type)
	}
	if taskID, ok := received[0].Data["task_id"].(string); !ok || taskID != "task_1700000000_abc12345" {
		t.Errorf("unexpected task_id %v", received[0].Data["task_id"])
	}
}

func TestBus_TypeIsolation(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var got []EventType

	unsub := bus.Subscribe(EventTaskFailed, func(e Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(EventTaskCompleted, nil)
	bus.Publish(EventTaskFailed, nil)

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != EventTaskFailed {
		t.Errorf("expected only task_failed, got %v", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(EventWorkerEscalated, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(EventWorkerEscalated, nil)
	time.Sleep(50 * time.Millisecond)
	unsub()
	bus.Publish(EventWorkerEscalated, nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
}

func TestBus_SubscriberPanicRecovered(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(EventTaskStarted, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
		if count == 1 {
			panic("subscriber bug")
		}
	})
	defer unsub()

	bus.Publish(EventTaskStarted, nil)
	bus.Publish(EventTaskStarted, nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("expected delivery to continue after panic, got %d", count)
	}
}

func TestAuditLogger_Record(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	logger, err := NewAuditLogger(path, DefaultMaxAuditSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	err = logger.Record(EventTaskDeadLettered, map[string]interface{}{
		"task_id":   "task_1700000000_abc12345",
		"worker_id": "wrk_1700000000_def67890",
		"reason":    "retry budget exhausted",
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var entry AuditEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("parse audit line: %v", err)
	}
	if entry.EventType != string(EventTaskDeadLettered) {
		t.Errorf("event_type = %q", entry.EventType)
	}
	if entry.TaskID != "task_1700000000_abc12345" {
		t.Errorf("task_id not lifted: %q", entry.TaskID)
	}
	if entry.WorkerID != "wrk_1700000000_def67890" {
		t.Errorf("worker_id not lifted: %q", entry.WorkerID)
	}
	if entry.Details["reason"] != "retry budget exhausted" {
		t.Errorf("details lost: %v", entry.Details)
	}
}

func TestAuditLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	// Tiny threshold so every second entry rotates.
	logger, err := NewAuditLogger(path, 200)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 10; i++ {
		if err := logger.Record(EventTaskCompleted, map[string]interface{}{
			"task_id": "task_1700000000_abc12345",
		}); err != nil {
			t.Fatalf("Record %d failed: %v", i, err)
		}
	}

	archives, err := os.ReadDir(filepath.Join(dir, auditArchiveDir))
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if len(archives) == 0 {
		t.Error("expected at least one rotated archive")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("active audit file missing after rotation: %v", err)
	}
}

func TestAuditLogger_BridgeBus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	logger, err := NewAuditLogger(path, DefaultMaxAuditSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	bus := NewBus(10)
	defer bus.Close()
	unbridge := logger.BridgeBus(bus)
	defer unbridge()

	bus.Publish(EventTaskQueued, map[string]interface{}{"task_id": "task_1700000000_abc12345"})
	bus.Publish(EventLockTampered, map[string]interface{}{"key": "dispatcher"})

	time.Sleep(100 * time.Millisecond)

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	types := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("parse line: %v", err)
		}
		types[entry.EventType] = true
	}
	if !types[string(EventTaskQueued)] || !types[string(EventLockTampered)] {
		t.Errorf("bridged events missing from audit trail: %v", types)
	}
}
