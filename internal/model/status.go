package model

import "fmt"

// TaskStatus is the lifecycle status of a queue task.
type TaskStatus string

const (
	TaskCreated      TaskStatus = "created"
	TaskQueued       TaskStatus = "queued"
	TaskAssigned     TaskStatus = "assigned"
	TaskRunning      TaskStatus = "running"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskRetryPending TaskStatus = "retry_pending"
	TaskCancelled    TaskStatus = "cancelled"
	TaskDeadLettered TaskStatus = "dead_lettered"
)

// WorkerStatus is the lifecycle status of a worker process record.
type WorkerStatus string

const (
	WorkerStarting     WorkerStatus = "starting"
	WorkerIdle         WorkerStatus = "idle"
	WorkerBusy         WorkerStatus = "busy"
	WorkerUnresponsive WorkerStatus = "unresponsive"
	WorkerTerminated   WorkerStatus = "terminated"
)

// SupervisedState is the watchdog's view of a supervised process.
type SupervisedState string

const (
	SupervisedStarting     SupervisedState = "starting"
	SupervisedRunning      SupervisedState = "running"
	SupervisedCrashed      SupervisedState = "crashed"
	SupervisedUnresponsive SupervisedState = "unresponsive"
	SupervisedRestarting   SupervisedState = "restarting"
	SupervisedEscalated    SupervisedState = "escalated"
)

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskCompleted:    true,
	TaskFailed:       true,
	TaskCancelled:    true,
	TaskDeadLettered: true,
}

// Task status transitions. Dequeue moves queued → assigned, workers report
// assigned → running, terminal states are written once and never left.
// retry_pending is a bookkeeping stop between a transient failure and the
// task re-entering its priority tier.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskCreated: {
		TaskQueued: true,
	},
	TaskQueued: {
		TaskAssigned:     true,
		TaskCancelled:    true,
		TaskDeadLettered: true,
	},
	TaskAssigned: {
		TaskRunning:      true,
		TaskQueued:       true, // visibility timeout recovery
		TaskRetryPending: true,
		TaskCompleted:    true,
		TaskCancelled:    true, // tombstone honored on lease expiry
		TaskDeadLettered: true,
	},
	TaskRunning: {
		TaskCompleted:    true,
		TaskFailed:       true,
		TaskRetryPending: true,
		TaskQueued:       true, // visibility timeout recovery
		TaskCancelled:    true, // tombstone honored on lease expiry
		TaskDeadLettered: true,
	},
	TaskRetryPending: {
		TaskQueued:       true,
		TaskCancelled:    true,
		TaskDeadLettered: true,
	},
}

var validWorkerTransitions = map[WorkerStatus]map[WorkerStatus]bool{
	WorkerStarting: {
		WorkerIdle:       true,
		WorkerTerminated: true,
	},
	WorkerIdle: {
		WorkerBusy:         true,
		WorkerUnresponsive: true,
		WorkerTerminated:   true,
	},
	WorkerBusy: {
		WorkerIdle:         true,
		WorkerUnresponsive: true,
		WorkerTerminated:   true,
	},
	WorkerUnresponsive: {
		WorkerIdle:       true, // heartbeat resumed before the watchdog acted
		WorkerTerminated: true,
	},
}

func IsTerminalTask(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if IsTerminalTask(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidateWorkerTransition(from, to WorkerStatus) error {
	if from == WorkerTerminated {
		return fmt.Errorf("cannot transition from terminal worker status %q", from)
	}
	allowed, ok := validWorkerTransitions[from]
	if !ok {
		return fmt.Errorf("unknown worker status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid worker transition: %q → %q", from, to)
	}
	return nil
}
