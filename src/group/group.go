// Package group implements the process-wide task supervisor. All long-lived
// routines of the relay are registered in a single TaskGroup; the first one
// to exit, for whatever reason, triggers a coordinated shutdown of all the
// others. An operator interrupt is registered as an ordinary task, so a
// clean stop and a crashing subsystem walk the exact same drain path.
package group

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrEmptyGroup is returned by WaitOne when no task was ever spawned.
	// This is a programming error of the caller, not a runtime condition.
	ErrEmptyGroup = errors.New("task group is empty")

	// ErrAbandoned is recorded for cancelable tasks that were still running
	// when the group shut down. They are not waited for.
	ErrAbandoned = errors.New("task abandoned at shutdown")
)

type taskMode int

const (
	// cancelable tasks are abandoned at shutdown without cleanup; they must
	// not hold resources whose release matters.
	cancelable taskMode = iota

	// cooperative tasks receive a stop channel and are expected to exit
	// voluntarily after it is closed.
	cooperative
)

type task struct {
	name string
	mode taskMode

	// stopCh is closed during the signal phase. Nil for cancelable tasks.
	stopCh chan struct{}

	// doneCh receives the task's result exactly once.
	doneCh chan error
}

type completion struct {
	task *task
	err  error
}

// TaskResult holds the outcome of a single task collected during the drain.
type TaskResult struct {
	Name string
	Err  error

	// Abandoned is true for cancelable tasks that were still running when
	// the group drained; their Err is ErrAbandoned.
	Abandoned bool
}

// TaskGroup supervises a set of named tasks. Tasks are spawned before
// WaitOne is called; WaitOne blocks until the first completion and then
// drains the rest.
type TaskGroup struct {
	mu    sync.Mutex
	tasks []*task
}

// NewTaskGroup returns an empty TaskGroup.
func NewTaskGroup() *TaskGroup {
	return &TaskGroup{}
}

// SpawnCancelable registers work that the group will abandon, not cancel, at
// shutdown. The goroutine keeps running until the process exits, so it must
// not hold any resource whose release is safety-critical.
func (g *TaskGroup) SpawnCancelable(name string, work func() error) {
	t := &task{
		name:   name,
		mode:   cancelable,
		doneCh: make(chan error, 1),
	}
	g.add(t)

	go func() {
		t.doneCh <- runGuarded(work)
	}()
}

// SpawnWithShutdown registers cooperative work. The work function receives a
// stop channel which is closed during the signal phase of WaitOne; it is
// expected to observe the channel and return voluntarily.
func (g *TaskGroup) SpawnWithShutdown(name string, work func(stop <-chan struct{}) error) {
	t := &task{
		name:   name,
		mode:   cooperative,
		stopCh: make(chan struct{}),
		doneCh: make(chan error, 1),
	}
	g.add(t)

	go func() {
		t.doneCh <- runGuarded(func() error { return work(t.stopCh) })
	}()
}

func (g *TaskGroup) add(t *task) {
	g.mu.Lock()
	g.tasks = append(g.tasks, t)
	g.mu.Unlock()
}

// WaitOne blocks until any registered task completes, successfully or not.
// It then closes the stop channel of every remaining cooperative task,
// before blocking on any of their completions, and collects the results of
// the drain in completion order. Cancelable tasks that are still running
// once every cooperative task has exited are recorded as abandoned.
//
// It returns the name and result of the triggering task, plus one TaskResult
// per remaining task. It only fails if the group holds zero tasks.
func (g *TaskGroup) WaitOne() (string, error, []TaskResult, error) {
	g.mu.Lock()
	tasks := make([]*task, len(g.tasks))
	copy(tasks, g.tasks)
	g.mu.Unlock()

	if len(tasks) == 0 {
		return "", nil, nil, ErrEmptyGroup
	}

	// One forwarder per task funnels completions into a single channel with
	// enough capacity that no forwarder ever blocks.
	notifyCh := make(chan completion, len(tasks))
	for _, t := range tasks {
		go func(t *task) {
			notifyCh <- completion{task: t, err: <-t.doneCh}
		}(t)
	}

	first := <-notifyCh

	// Signal phase: every cooperative task is told to stop before we block
	// on any completion, so that one slow task cannot delay the stop signal
	// to another.
	pending := 0
	for _, t := range tasks {
		if t == first.task {
			continue
		}
		if t.mode == cooperative {
			close(t.stopCh)
			pending++
		}
	}

	// Join phase: wait for every cooperative task. Cancelable tasks that
	// happen to complete while we wait are collected with their real result.
	rest := []TaskResult{}
	collected := map[*task]bool{first.task: true}
	for pending > 0 {
		c := <-notifyCh
		collected[c.task] = true
		rest = append(rest, TaskResult{Name: c.task.name, Err: c.err})
		if c.task.mode == cooperative {
			pending--
		}
	}

	// Catch any cancelable completion that is already queued, then mark the
	// remainder abandoned.
	for drained := false; !drained; {
		select {
		case c := <-notifyCh:
			collected[c.task] = true
			rest = append(rest, TaskResult{Name: c.task.name, Err: c.err})
		default:
			drained = true
		}
	}
	for _, t := range tasks {
		if !collected[t] {
			rest = append(rest, TaskResult{Name: t.name, Err: ErrAbandoned, Abandoned: true})
		}
	}

	return first.task.name, first.err, rest, nil
}

// runGuarded invokes work and converts a panic into an error, so that a
// panicking task is reported like any other failure instead of tearing the
// whole process down bypassing the drain.
func runGuarded(work func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return work()
}
