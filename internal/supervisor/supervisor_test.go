package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) index(e string) int {
	for i, v := range r.list() {
		if v == e {
			return i
		}
	}
	return -1
}

func blockUntilCancelled(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func record(r *recorder, name string, d time.Duration) Action {
	return func(ctx context.Context) error {
		r.add(name + ":start")
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
		r.add(name + ":end")
		return nil
	}
}

func newTestSupervisor(t *testing.T, opts Options) *Supervisor {
	t.Helper()
	if opts.Rebooter == nil {
		opts.Rebooter = RebootFunc(func(context.Context) error { return nil })
	}
	sup, err := New(zaptest.NewLogger(t), opts, NewStopSignal())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, sup.Close(ctx))
	})
	return sup
}

func taskState(sup *Supervisor, name string) string {
	for _, info := range sup.Tasks() {
		if info.Name == name {
			return info.State
		}
	}
	return ""
}

func requireState(t *testing.T, sup *Supervisor, name string, state TaskState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return taskState(sup, name) == state.String()
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s (now %q)", name, state, taskState(sup, name))
}

func TestStartRunsPhasesInOrder(t *testing.T) {
	rec := &recorder{}

	sup := newTestSupervisor(t, Options{
		Hardware: []Service{{
			Name:  "hardware",
			Setup: []TaskSpec{{Name: "init", Run: record(rec, "hw", 20*time.Millisecond)}},
		}},
		System: []Service{{
			Name: "ftpd",
			Setup: []TaskSpec{
				{Name: "a", Run: record(rec, "sys-a", 10*time.Millisecond)},
				{Name: "b", Run: record(rec, "sys-b", 30*time.Millisecond)},
			},
			Routines: []TaskSpec{{Name: "serve", Run: blockUntilCancelled}},
		}},
		LoadApplication: func() (Service, error) {
			rec.add("load")
			return Service{
				Name:     "app",
				Setup:    []TaskSpec{{Name: "init", Run: record(rec, "app-init", 10*time.Millisecond)}},
				Routines: []TaskSpec{{Name: "loop", Run: record(rec, "app-loop", 0)}},
			}, nil
		},
	})

	require.NoError(t, sup.Start(context.Background()))
	requireState(t, sup, "app.loop", TaskCompleted)

	assert.Less(t, rec.index("hw:end"), rec.index("sys-a:start"))
	assert.Less(t, rec.index("hw:end"), rec.index("sys-b:start"))
	// setup actions of one phase run concurrently
	assert.Less(t, rec.index("sys-b:start"), rec.index("sys-a:end"))
	assert.Less(t, rec.index("sys-b:end"), rec.index("load"))
	assert.Less(t, rec.index("load"), rec.index("app-init:start"))
	assert.Less(t, rec.index("app-init:end"), rec.index("app-loop:start"))

	assert.Equal(t, TaskRunning.String(), taskState(sup, "ftpd.serve"))
	assert.Equal(t, TaskRunning.String(), taskState(sup, "supervisor.stopper"))
	assert.Equal(t, TaskCompleted.String(), taskState(sup, "hardware.init"))
}

func TestApplicationLoadFailureSkipsPhase(t *testing.T) {
	sup := newTestSupervisor(t, Options{
		System: []Service{{
			Name:     "telnet",
			Routines: []TaskSpec{{Name: "serve", Run: blockUntilCancelled}},
		}},
		LoadApplication: func() (Service, error) {
			return Service{}, errors.New("no application configured")
		},
	})

	require.NoError(t, sup.Start(context.Background()))
	requireState(t, sup, "telnet.serve", TaskRunning)

	for _, info := range sup.Tasks() {
		assert.Equal(t, GroupSystem.String(), info.Group, "unexpected task %s", info.Name)
	}
	assert.False(t, sup.Watchdog().Pending())
}

func TestStopSignalCancelsApplicationOnly(t *testing.T) {
	sup := newTestSupervisor(t, Options{
		System: []Service{{
			Name:     "ftpd",
			Routines: []TaskSpec{{Name: "serve", Run: blockUntilCancelled}},
		}},
		LoadApplication: func() (Service, error) {
			return Service{
				Name: "app",
				Routines: []TaskSpec{
					{Name: "a", Run: blockUntilCancelled},
					{Name: "b", Run: blockUntilCancelled},
				},
			}, nil
		},
	})

	require.NoError(t, sup.Start(context.Background()))
	requireState(t, sup, "app.a", TaskRunning)
	requireState(t, sup, "app.b", TaskRunning)

	sup.StopSignal().Set()
	sup.StopSignal().Set()

	requireState(t, sup, "app.a", TaskCancelled)
	requireState(t, sup, "app.b", TaskCancelled)
	requireState(t, sup, "supervisor.stopper", TaskCompleted)
	assert.Equal(t, TaskRunning.String(), taskState(sup, "ftpd.serve"))
}

func TestFailureArmsWatchdogAndCancelsApplication(t *testing.T) {
	var (
		mu     sync.Mutex
		failed []string
	)
	release := make(chan struct{})

	sup := newTestSupervisor(t, Options{
		WatchdogDelay: time.Hour,
		System: []Service{{
			Name: "beacon",
			Routines: []TaskSpec{
				{Name: "send", Run: func(ctx context.Context) error {
					<-release
					return errors.New("socket closed")
				}},
				{Name: "other", Run: blockUntilCancelled},
			},
		}},
		LoadApplication: func() (Service, error) {
			return Service{
				Name:     "app",
				Routines: []TaskSpec{{Name: "loop", Run: blockUntilCancelled}},
			}, nil
		},
		OnFailure: func(task string, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, task)
		},
	})

	require.NoError(t, sup.Start(context.Background()))
	requireState(t, sup, "app.loop", TaskRunning)

	close(release)

	requireState(t, sup, "beacon.send", TaskFailed)
	requireState(t, sup, "app.loop", TaskCancelled)
	assert.True(t, sup.Watchdog().Pending())
	assert.Equal(t, TaskRunning.String(), taskState(sup, "beacon.other"))

	mu.Lock()
	assert.Equal(t, []string{"beacon.send"}, failed)
	mu.Unlock()

	// application tasks scheduled after the failure never start
	require.NoError(t, sup.RunPhase(PhaseRoutine, GroupApplication, Service{
		Name:     "late",
		Routines: []TaskSpec{{Name: "r", Run: blockUntilCancelled}},
	}))
	requireState(t, sup, "late.r", TaskCancelled)
}

func TestSetupFailureIsReported(t *testing.T) {
	sup := newTestSupervisor(t, Options{WatchdogDelay: time.Hour})

	err := sup.RunPhase(PhaseSetup, GroupSystem, Service{
		Name: "network",
		Setup: []TaskSpec{
			{Name: "ok", Run: func(context.Context) error { return nil }},
			{Name: "bad", Run: func(context.Context) error { return errors.New("no such device") }},
		},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "network.bad")
	assert.Contains(t, err.Error(), "no such device")
	assert.Equal(t, TaskCompleted.String(), taskState(sup, "network.ok"))
	assert.Equal(t, TaskFailed.String(), taskState(sup, "network.bad"))
	assert.True(t, sup.Watchdog().Pending())
}

func TestPanicIsRecoveredAsFailure(t *testing.T) {
	sup := newTestSupervisor(t, Options{WatchdogDelay: time.Hour})

	err := sup.RunPhase(PhaseSetup, GroupApplication, Service{
		Name: "app",
		Setup: []TaskSpec{{Name: "boom", Run: func(context.Context) error {
			var m map[string]int
			m["x"] = 1
			return nil
		}}},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Equal(t, TaskFailed.String(), taskState(sup, "app.boom"))
}

func TestCloseCancelsEverything(t *testing.T) {
	sup, err := New(zaptest.NewLogger(t), Options{
		Rebooter: RebootFunc(func(context.Context) error { return nil }),
		System: []Service{{
			Name:     "telnet",
			Routines: []TaskSpec{{Name: "serve", Run: blockUntilCancelled}},
		}},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))
	requireState(t, sup, "telnet.serve", TaskRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Close(ctx))

	assert.Equal(t, TaskCancelled.String(), taskState(sup, "telnet.serve"))
	assert.Equal(t, TaskCancelled.String(), taskState(sup, "supervisor.stopper"))
}

func TestTaskStateString(t *testing.T) {
	tests := []struct {
		state TaskState
		want  string
	}{
		{TaskPending, "pending"},
		{TaskRunning, "running"},
		{TaskCancelled, "cancelled"},
		{TaskCompleted, "completed"},
		{TaskFailed, "failed"},
		{TaskState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("TaskState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
	if TaskRunning.Terminal() || !TaskFailed.Terminal() {
		t.Error("Terminal() reports wrong result")
	}
}
