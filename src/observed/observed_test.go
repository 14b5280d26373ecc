package observed

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestObserveInitialValue(t *testing.T) {
	o := New("genesis")
	obs := o.Observer()

	// A fresh observer has seen nothing, so the initial value is returned
	// without blocking.
	v, ok := obs.Observe(nil)
	if !ok {
		t.Fatal("Observe should have returned a value")
	}
	if v != "genesis" {
		t.Fatalf("value should be genesis, not %s", v)
	}
}

func TestObserveBlocksUntilUpdate(t *testing.T) {
	o := New("genesis")
	obs := o.Observer()

	obs.Latest()

	resCh := make(chan string, 1)
	go func() {
		v, ok := obs.Observe(nil)
		if ok {
			resCh <- v
		}
	}()

	select {
	case v := <-resCh:
		t.Fatalf("Observe returned %s before any update", v)
	case <-time.After(50 * time.Millisecond):
	}

	o.Update("next")

	select {
	case v := <-resCh:
		if v != "next" {
			t.Fatalf("value should be next, not %s", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Observe did not wake up on update")
	}
}

func TestObserveStop(t *testing.T) {
	o := New("genesis")
	obs := o.Observer()

	obs.Latest()

	stop := make(chan struct{})
	resCh := make(chan bool, 1)
	go func() {
		_, ok := obs.Observe(stop)
		resCh <- ok
	}()

	close(stop)

	select {
	case ok := <-resCh:
		if ok {
			t.Fatal("Observe should have reported ok=false on stop")
		}
	case <-time.After(time.Second):
		t.Fatal("Observe did not return on stop")
	}
}

func TestObserveCoalesces(t *testing.T) {
	o := New(0)
	obs := o.Observer()

	// Publish a burst of updates while the observer is not looking. It must
	// see only the latest value.
	for i := 1; i <= 100; i++ {
		o.Update(i)
	}

	v, ok := obs.Observe(nil)
	if !ok {
		t.Fatal("Observe should have returned a value")
	}
	if v != 100 {
		t.Fatalf("value should be 100, not %d", v)
	}

	// And the cursor is now up to date.
	stop := make(chan struct{})
	close(stop)
	if _, ok := obs.Observe(stop); ok {
		t.Fatal("cursor should have been up to date")
	}
}

func TestObserveMonotonicVersions(t *testing.T) {
	o := New(0)
	obs := o.Observer()

	stopWriter := make(chan struct{})
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; ; i++ {
			select {
			case <-stopWriter:
				return
			default:
				o.Update(i)
			}
		}
	}()

	// Under concurrent updates, successive observations yield strictly
	// increasing values; a repeat or a regression means a version was
	// re-delivered.
	last := -1
	for i := 0; i < 1000; i++ {
		v, ok := obs.Observe(nil)
		if !ok {
			t.Fatal("Observe should have returned a value")
		}
		if v <= last {
			t.Fatalf("observed %d after %d", v, last)
		}
		last = v
	}

	close(stopWriter)
	wg.Wait()
}

func TestLatestAdvancesCursor(t *testing.T) {
	o := New("genesis")
	obs := o.Observer()

	o.Update("next")

	if v := obs.Latest(); v != "next" {
		t.Fatalf("Latest should be next, not %s", v)
	}

	stop := make(chan struct{})
	close(stop)
	if _, ok := obs.Observe(stop); ok {
		t.Fatal("Latest should have advanced the cursor")
	}
}

func TestIndependentObservers(t *testing.T) {
	o := New("genesis")
	obs1 := o.Observer()
	obs2 := o.Observer()

	if v, _ := obs1.Observe(nil); v != "genesis" {
		t.Fatalf("observer 1 should see genesis, not %s", v)
	}

	o.Update("next")

	// Advancing one cursor must not affect the other.
	if v, _ := obs1.Observe(nil); v != "next" {
		t.Fatalf("observer 1 should see next, not %s", v)
	}
	if v, _ := obs2.Observe(nil); v != "next" {
		t.Fatalf("observer 2 should see next, not %s", v)
	}
}

func TestUntilChangeWorkExit(t *testing.T) {
	o := New("genesis")
	obs := o.Observer()

	boom := errors.New("boom")

	changed, err := obs.UntilChange(nil, func(v string, stop <-chan struct{}) error {
		if v != "genesis" {
			t.Fatalf("work should be bound to genesis, not %s", v)
		}
		return boom
	})

	if changed {
		t.Fatal("work exited on its own, changed should be false")
	}
	if err != boom {
		t.Fatalf("err should be boom, not %v", err)
	}
}

func TestUntilChangeCancelsWork(t *testing.T) {
	o := New("genesis")
	obs := o.Observer()

	started := make(chan struct{})
	cancelled := make(chan struct{}, 1)

	resCh := make(chan bool, 1)
	go func() {
		changed, _ := obs.UntilChange(nil, func(v string, stop <-chan struct{}) error {
			close(started)
			<-stop
			cancelled <- struct{}{}
			return nil
		})
		resCh <- changed
	}()

	<-started
	o.Update("next")

	select {
	case changed := <-resCh:
		if !changed {
			t.Fatal("changed should be true")
		}
	case <-time.After(time.Second):
		t.Fatal("UntilChange did not return on change")
	}

	select {
	case <-cancelled:
	default:
		t.Fatal("work should have been cancelled before UntilChange returned")
	}
}

func TestUntilChangeNilWork(t *testing.T) {
	o := New("genesis")
	obs := o.Observer()

	resCh := make(chan bool, 1)
	go func() {
		changed, _ := obs.UntilChange(nil, nil)
		resCh <- changed
	}()

	select {
	case <-resCh:
		t.Fatal("UntilChange with nil work should park until a change")
	case <-time.After(50 * time.Millisecond):
	}

	o.Update("next")

	select {
	case changed := <-resCh:
		if !changed {
			t.Fatal("changed should be true")
		}
	case <-time.After(time.Second):
		t.Fatal("UntilChange did not return on change")
	}
}
