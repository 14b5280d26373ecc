// Package observed implements a shared, versioned, hot-swappable value with
// last-value-wins change notification. The relay uses a single Observed to
// hold its signing identity: the admin service is the only writer, and every
// component that must react to an identity rotation holds its own Observer.
//
// Delivery is deliberately lossy: an observer that was busy while several
// updates were published only ever sees the latest value. Components that
// need every intermediate value should not use this package.
package observed

import "sync"

// Observed holds the current value and a version counter that strictly
// increases on every update. It is safe for concurrent use. Readers never
// block each other or the writer.
type Observed[T any] struct {
	mu      sync.Mutex
	current T
	version uint64
	wakeCh  chan struct{}
}

// New returns an Observed initialised with the given value at version 1.
func New[T any](initial T) *Observed[T] {
	return &Observed[T]{
		current: initial,
		version: 1,
		wakeCh:  make(chan struct{}),
	}
}

// Update replaces the current value, increments the version, and wakes every
// suspended observer. O(1) regardless of the number of observers.
func (o *Observed[T]) Update(v T) {
	o.mu.Lock()
	o.current = v
	o.version++
	close(o.wakeCh)
	o.wakeCh = make(chan struct{})
	o.mu.Unlock()
}

// Value returns the current value without touching any cursor.
func (o *Observed[T]) Value() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Version returns the current version.
func (o *Observed[T]) Version() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.version
}

// Observer returns a new cursor over the observed value. A fresh observer
// has seen nothing yet, so its first Observe call returns the current value
// immediately.
func (o *Observed[T]) Observer() *Observer[T] {
	return &Observer[T]{observed: o}
}

// Observer is a per-consumer cursor. Successive Observe calls yield a
// strictly increasing subsequence of versions; versions published while the
// observer was busy are skipped, never reordered or re-delivered.
//
// An Observer must not be shared between goroutines; each consumer takes its
// own from Observed.Observer.
type Observer[T any] struct {
	observed *Observed[T]
	lastSeen uint64
}

// Observe returns the current value as soon as its version exceeds the
// cursor's last-seen version, advancing the cursor. If the cursor is already
// up to date it suspends until the next update or until stop is closed, in
// which case it returns ok=false.
func (c *Observer[T]) Observe(stop <-chan struct{}) (T, bool) {
	for {
		c.observed.mu.Lock()
		if c.observed.version > c.lastSeen {
			c.lastSeen = c.observed.version
			v := c.observed.current
			c.observed.mu.Unlock()
			return v, true
		}
		wakeCh := c.observed.wakeCh
		c.observed.mu.Unlock()

		select {
		case <-wakeCh:
		case <-stop:
			var zero T
			return zero, false
		}
	}
}

// Latest returns the current value without blocking and marks the cursor as
// having seen it.
func (c *Observer[T]) Latest() T {
	c.observed.mu.Lock()
	defer c.observed.mu.Unlock()
	c.lastSeen = c.observed.version
	return c.observed.current
}

// UntilChange binds work to the observer's latest value and runs it until
// the value changes or the work returns on its own. The work function
// receives the bound value and a stop channel which is closed when the value
// changes, or when the caller's own stop channel closes.
//
// A nil work parks until the next change. The returned changed flag reports
// whether the race was won by a value change; err is the work's result when
// it exited on its own. When stop is closed first, UntilChange cancels the
// work, waits for it to return, and reports changed=false.
func (c *Observer[T]) UntilChange(stop <-chan struct{}, work func(v T, stop <-chan struct{}) error) (changed bool, err error) {
	v := c.Latest()

	changeStop := make(chan struct{})
	changeCh := make(chan struct{}, 1)
	go func() {
		if _, ok := c.Observe(changeStop); ok {
			changeCh <- struct{}{}
		}
	}()

	if work == nil {
		select {
		case <-changeCh:
			return true, nil
		case <-stop:
			close(changeStop)
			return false, nil
		}
	}

	workStop := make(chan struct{})
	doneCh := make(chan error, 1)
	go func(v T) {
		doneCh <- work(v, workStop)
	}(v)

	select {
	case err := <-doneCh:
		close(changeStop)
		return false, err
	case <-changeCh:
		close(workStop)
		<-doneCh
		return true, nil
	case <-stop:
		close(changeStop)
		close(workStop)
		<-doneCh
		return false, nil
	}
}
