package observed

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/overpassnet/overpass/src/common"
)

type loopHarness struct {
	observed *Observed[string]
	loop     *RestartLoop[string]
	started  chan string
	stop     chan struct{}
	doneCh   chan error
}

// newLoopHarness runs a RestartLoop whose work records the value it was
// started with and then blocks until cancelled.
func newLoopHarness(t *testing.T, initial string, guard func(string) bool) *loopHarness {
	h := &loopHarness{
		observed: New(initial),
		started:  make(chan string, 10),
		stop:     make(chan struct{}),
		doneCh:   make(chan error, 1),
	}

	h.loop = NewRestartLoop(
		h.observed.Observer(),
		guard,
		func(v string, stop <-chan struct{}) error {
			h.started <- v
			<-stop
			return nil
		},
		common.NewTestEntry(t, logrus.DebugLevel),
	)

	go func() {
		h.doneCh <- h.loop.Run(h.stop)
	}()

	return h
}

func (h *loopHarness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.loop.GetState() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("loop state is %v, expected %v", h.loop.GetState(), want)
}

func (h *loopHarness) waitStarted(t *testing.T, want string) {
	t.Helper()
	select {
	case v := <-h.started:
		if v != want {
			t.Fatalf("work started with %s, expected %s", v, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("work was not started")
	}
}

func (h *loopHarness) finish(t *testing.T) {
	t.Helper()
	close(h.stop)
	select {
	case err := <-h.doneCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on stop")
	}
	if s := h.loop.GetState(); s != Terminated {
		t.Fatalf("final state is %v, expected Terminated", s)
	}
}

func TestRestartLoopGuardParks(t *testing.T) {
	h := newLoopHarness(t, "wrong", func(v string) bool { return v == "right" })

	h.waitState(t, Waiting)

	select {
	case v := <-h.started:
		t.Fatalf("work started with rejected value %s", v)
	default:
	}

	h.finish(t)
}

func TestRestartLoopGuardAdmits(t *testing.T) {
	h := newLoopHarness(t, "wrong", func(v string) bool { return v == "right" })

	h.waitState(t, Waiting)

	h.observed.Update("right")

	h.waitStarted(t, "right")
	h.waitState(t, Running)

	h.finish(t)
}

func TestRestartLoopChangeCancelsWork(t *testing.T) {
	h := newLoopHarness(t, "right", func(v string) bool { return v == "right" })

	h.waitStarted(t, "right")

	h.observed.Update("wrong")

	// The running work no longer passes the guard: it is cancelled and the
	// loop parks.
	h.waitState(t, Waiting)

	select {
	case v := <-h.started:
		t.Fatalf("work restarted with rejected value %s", v)
	default:
	}

	h.finish(t)
}

func TestRestartLoopChangeStillPassing(t *testing.T) {
	h := newLoopHarness(t, "right", func(v string) bool { return v != "wrong" })

	h.waitStarted(t, "right")

	// An update that still passes the guard must not restart the running
	// work; it keeps its originally bound value.
	h.observed.Update("also right")

	time.Sleep(50 * time.Millisecond)

	select {
	case v := <-h.started:
		t.Fatalf("work restarted with %s on a passing change", v)
	default:
	}
	if s := h.loop.GetState(); s != Running {
		t.Fatalf("loop state is %v, expected Running", s)
	}

	h.finish(t)
}

func TestRestartLoopNaturalExitRestarts(t *testing.T) {
	o := New("v")
	started := make(chan string, 10)
	stop := make(chan struct{})
	doneCh := make(chan error, 1)

	// Work that exits on its own immediately; the loop re-evaluates and
	// starts it again.
	loop := NewRestartLoop(
		o.Observer(),
		nil,
		func(v string, workStop <-chan struct{}) error {
			select {
			case started <- v:
			default:
			}
			return nil
		},
		common.NewTestEntry(t, logrus.DebugLevel),
	)

	go func() {
		doneCh <- loop.Run(stop)
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("work was not restarted after exit %d", i)
		}
	}

	close(stop)
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on stop")
	}
}

func TestRestartLoopStopWhileWaiting(t *testing.T) {
	h := newLoopHarness(t, "wrong", func(v string) bool { return v == "right" })

	h.waitState(t, Waiting)

	h.finish(t)
}

func TestRestartLoopStateString(t *testing.T) {
	states := map[State]string{
		Idle:       "Idle",
		Waiting:    "Waiting",
		Running:    "Running",
		Terminated: "Terminated",
		State(42):  "Unknown",
	}
	for s, want := range states {
		if s.String() != want {
			t.Fatalf("State(%d).String() = %s, expected %s", s, s.String(), want)
		}
	}
}
