package group

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitOneEmptyGroup(t *testing.T) {
	g := NewTaskGroup()

	if _, _, _, err := g.WaitOne(); err != ErrEmptyGroup {
		t.Fatalf("WaitOne on an empty group should fail with ErrEmptyGroup, got %v", err)
	}
}

func TestWaitOneFirstExit(t *testing.T) {
	g := NewTaskGroup()

	boom := errors.New("boom")

	g.SpawnWithShutdown("steady", func(stop <-chan struct{}) error {
		<-stop
		return nil
	})
	g.SpawnCancelable("failing", func() error {
		return boom
	})

	name, err, rest, waitErr := g.WaitOne()
	if waitErr != nil {
		t.Fatal(waitErr)
	}

	if name != "failing" {
		t.Fatalf("triggering task should be failing, not %s", name)
	}
	if err != boom {
		t.Fatalf("triggering error should be boom, not %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("rest should hold 1 result, not %d", len(rest))
	}
	if rest[0].Name != "steady" || rest[0].Err != nil {
		t.Fatalf("steady should have drained cleanly, got %+v", rest[0])
	}
}

func TestWaitOneSignalsBeforeJoining(t *testing.T) {
	g := NewTaskGroup()

	// Task A ignores its stop signal until task B has seen its own. If the
	// group joined A before signalling B, this would deadlock.
	aMayExit := make(chan struct{})

	g.SpawnWithShutdown("a", func(stop <-chan struct{}) error {
		<-stop
		<-aMayExit
		return nil
	})
	g.SpawnWithShutdown("b", func(stop <-chan struct{}) error {
		<-stop
		close(aMayExit)
		return nil
	})
	g.SpawnCancelable("trigger", func() error {
		return nil
	})

	done := make(chan struct{})
	go func() {
		_, _, rest, _ := g.WaitOne()
		if len(rest) != 2 {
			t.Errorf("rest should hold 2 results, not %d", len(rest))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitOne deadlocked: stop signals were not delivered before joining")
	}
}

func TestWaitOneDrainsAllCooperative(t *testing.T) {
	g := NewTaskGroup()

	const n = 10
	var stopped int32

	for i := 0; i < n; i++ {
		g.SpawnWithShutdown(fmt.Sprintf("worker-%d", i), func(stop <-chan struct{}) error {
			<-stop
			atomic.AddInt32(&stopped, 1)
			return nil
		})
	}
	g.SpawnCancelable("trigger", func() error {
		return nil
	})

	_, _, rest, err := g.WaitOne()
	if err != nil {
		t.Fatal(err)
	}

	if got := atomic.LoadInt32(&stopped); got != n {
		t.Fatalf("%d workers stopped, expected %d", got, n)
	}
	if len(rest) != n {
		t.Fatalf("rest should hold %d results, not %d", n, len(rest))
	}
}

func TestWaitOneAbandonsCancelable(t *testing.T) {
	g := NewTaskGroup()

	block := make(chan struct{})
	defer close(block)

	g.SpawnCancelable("stuck", func() error {
		<-block
		return nil
	})
	g.SpawnWithShutdown("trigger", func(stop <-chan struct{}) error {
		return nil
	})

	name, _, rest, err := g.WaitOne()
	if err != nil {
		t.Fatal(err)
	}

	if name != "trigger" {
		t.Fatalf("triggering task should be trigger, not %s", name)
	}
	if len(rest) != 1 {
		t.Fatalf("rest should hold 1 result, not %d", len(rest))
	}
	if !rest[0].Abandoned || rest[0].Err != ErrAbandoned {
		t.Fatalf("stuck should have been abandoned, got %+v", rest[0])
	}
}

func TestWaitOneCollectsErrors(t *testing.T) {
	g := NewTaskGroup()

	boom := errors.New("boom")

	g.SpawnWithShutdown("failing", func(stop <-chan struct{}) error {
		<-stop
		return boom
	})
	g.SpawnCancelable("trigger", func() error {
		return nil
	})

	_, _, rest, err := g.WaitOne()
	if err != nil {
		t.Fatal(err)
	}

	if len(rest) != 1 {
		t.Fatalf("rest should hold 1 result, not %d", len(rest))
	}
	if rest[0].Err != boom {
		t.Fatalf("failing should have reported boom, got %v", rest[0].Err)
	}
}

func TestPanicIsCaptured(t *testing.T) {
	g := NewTaskGroup()

	g.SpawnCancelable("panicking", func() error {
		panic("kaboom")
	})
	g.SpawnWithShutdown("steady", func(stop <-chan struct{}) error {
		<-stop
		return nil
	})

	name, err, _, waitErr := g.WaitOne()
	if waitErr != nil {
		t.Fatal(waitErr)
	}

	if name != "panicking" {
		t.Fatalf("triggering task should be panicking, not %s", name)
	}
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("panic should have been converted to an error, got %v", err)
	}
}

type fakeUnit struct {
	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	doneCh chan struct{}
	result error
}

func newFakeUnit(result error) *fakeUnit {
	u := &fakeUnit{
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
		result:     result,
	}
	go func() {
		<-u.shutdownCh
		close(u.doneCh)
	}()
	return u
}

func (u *fakeUnit) Shutdown() {
	u.shutdownLock.Lock()
	defer u.shutdownLock.Unlock()
	if !u.shutdown {
		u.shutdown = true
		close(u.shutdownCh)
	}
}

func (u *fakeUnit) WaitShutdown() error {
	<-u.doneCh
	return u.result
}

func TestSpawnShutdownable(t *testing.T) {
	g := NewTaskGroup()

	boom := errors.New("boom")
	unit := newFakeUnit(boom)

	g.SpawnShutdownable("unit", unit)
	g.SpawnCancelable("trigger", func() error {
		return nil
	})

	_, _, rest, err := g.WaitOne()
	if err != nil {
		t.Fatal(err)
	}

	if len(rest) != 1 {
		t.Fatalf("rest should hold 1 result, not %d", len(rest))
	}
	if rest[0].Name != "unit" || rest[0].Err != boom {
		t.Fatalf("unit should have settled with boom, got %+v", rest[0])
	}

	// Shutdown is idempotent.
	unit.Shutdown()
	if err := unit.WaitShutdown(); err != boom {
		t.Fatalf("WaitShutdown should keep returning boom, got %v", err)
	}
}

func TestSpawnShutdownableSelfStop(t *testing.T) {
	g := NewTaskGroup()

	// A unit that stops on its own triggers the group like any other task.
	unit := newFakeUnit(nil)
	g.SpawnShutdownable("unit", unit)
	g.SpawnWithShutdown("steady", func(stop <-chan struct{}) error {
		<-stop
		return nil
	})

	unit.Shutdown()

	name, err, _, waitErr := g.WaitOne()
	if waitErr != nil {
		t.Fatal(waitErr)
	}
	if name != "unit" || err != nil {
		t.Fatalf("unit should have triggered cleanly, got %s / %v", name, err)
	}
}
