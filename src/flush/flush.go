// Package flush implements the barrier that gates identity rotations.
// Components buffering identity-attributed work register a Flusher at
// startup; before a rotation is acknowledged, every registered flusher is
// drained so that no work attributed to the old identity is still in
// flight.
package flush

import (
	"fmt"
	"strings"
	"sync"
)

// Flusher is implemented by components that buffer in-flight work. Flush
// blocks until everything pending has drained and must be a safe no-op when
// nothing is pending.
type Flusher interface {
	Flush() error
}

// Outcome is the result of flushing one registered component.
type Outcome struct {
	Name string
	Err  error
}

// Report enumerates the outcome of every registered flusher. It never
// contains fewer entries than there are registered flushers: a failure does
// not short-circuit the others, so operators always see the complete
// picture.
type Report []Outcome

// Err aggregates the report into a single error, or nil if every flusher
// succeeded.
func (r Report) Err() error {
	failed := []string{}
	for _, o := range r {
		if o.Err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", o.Name, o.Err))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("flush failed: %s", strings.Join(failed, "; "))
}

// Barrier is an append-only registry of Flushers. Registration is expected
// to happen during startup; FlushAll may be called concurrently afterwards.
type Barrier struct {
	mu       sync.RWMutex
	names    []string
	flushers []Flusher
}

// NewBarrier returns an empty Barrier.
func NewBarrier() *Barrier {
	return &Barrier{}
}

// Add appends a flusher to the registry. There is no deregistration;
// membership is static after startup.
func (b *Barrier) Add(name string, f Flusher) {
	b.mu.Lock()
	b.names = append(b.names, name)
	b.flushers = append(b.flushers, f)
	b.mu.Unlock()
}

// FlushAll invokes every registered flusher concurrently and waits for all
// of them, regardless of individual failures.
func (b *Barrier) FlushAll() Report {
	b.mu.RLock()
	names := make([]string, len(b.names))
	copy(names, b.names)
	flushers := make([]Flusher, len(b.flushers))
	copy(flushers, b.flushers)
	b.mu.RUnlock()

	report := make(Report, len(flushers))

	wg := sync.WaitGroup{}
	for i, f := range flushers {
		wg.Add(1)
		go func(i int, f Flusher) {
			defer wg.Done()
			report[i] = Outcome{Name: names[i], Err: f.Flush()}
		}(i, f)
	}
	wg.Wait()

	return report
}
