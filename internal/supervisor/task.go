package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Action is one schedulable unit of work. Actions must return promptly once
// ctx is cancelled; returning ctx.Err() marks the task as cancelled.
type Action func(ctx context.Context) error

// TaskSpec names an action
type TaskSpec struct {
	Name string
	Run  Action
}

// Service describes a subsystem's setup actions and long-running routines.
// A service is registered explicitly by the code that constructs it.
type Service struct {
	Name     string
	Setup    []TaskSpec
	Routines []TaskSpec
}

// Phase selects which actions of a service to run
type Phase int

const (
	PhaseSetup Phase = iota
	PhaseRoutine
)

func (p Phase) String() string {
	if p == PhaseSetup {
		return "setup"
	}
	return "routine"
}

// Group separates system tasks from application tasks. Only application
// tasks are cancelled by the stop signal and by the watchdog.
type Group int

const (
	GroupSystem Group = iota
	GroupApplication
)

func (g Group) String() string {
	if g == GroupApplication {
		return "application"
	}
	return "system"
}

// TaskState is the lifecycle state of a task
type TaskState int32

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskCancelled
	TaskCompleted
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCancelled:
		return "cancelled"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final
func (s TaskState) Terminal() bool {
	return s >= TaskCancelled
}

// Task is a running (or finished) action
type Task struct {
	name    string
	group   Group
	phase   Phase
	state   atomic.Int32
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	mu  sync.Mutex
	err error
}

// TaskInfo is a point-in-time view of a task
type TaskInfo struct {
	Name    string    `json:"name"`
	Group   string    `json:"group"`
	Phase   string    `json:"phase"`
	State   string    `json:"state"`
	Error   string    `json:"error,omitempty"`
	Started time.Time `json:"started"`
}

func newTask(name string, group Group, phase Phase, cancel context.CancelFunc) *Task {
	return &Task{
		name:    name,
		group:   group,
		phase:   phase,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
}

func (t *Task) Name() string     { return t.name }
func (t *Task) Group() Group     { return t.group }
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// Done is closed when the task reaches a terminal state
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the failure of a failed task
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Cancel requests cooperative cancellation
func (t *Task) Cancel() {
	t.cancel()
}

func (t *Task) setState(s TaskState) {
	t.state.Store(int32(s))
}

func (t *Task) finish(s TaskState, err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.setState(s)
	t.cancel()
	close(t.done)
}

// Info returns a snapshot of the task
func (t *Task) Info() TaskInfo {
	info := TaskInfo{
		Name:    t.name,
		Group:   t.group.String(),
		Phase:   t.phase.String(),
		State:   t.State().String(),
		Started: t.started,
	}
	if err := t.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}
