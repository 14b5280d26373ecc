package observed

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// State captures the state of a RestartLoop: Idle, Waiting, Running, or
// Terminated.
type State uint32

const (
	// Idle is the transient state in which the loop evaluates the current
	// value against the guard to decide between Waiting and Running.
	Idle State = iota

	// Waiting is the state in which the guard rejected the current value
	// and the loop is parked until the value changes.
	Waiting

	// Running is the state in which the protected work is running, bound to
	// the value that was current when it started.
	Running

	// Terminated is the absorbing state entered when an external stop is
	// requested. No transitions leave it.
	Terminated
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Waiting:
		return "Waiting"
	case Running:
		return "Running"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// RestartLoop restarts a protected unit of work whenever the observed value
// changes in a way that affects it. It is the single reusable mechanism for
// every value-gated long-running consumer; a hot in-place update of live
// work is unsupported, restarting is the only propagation mechanism.
type RestartLoop[T any] struct {
	state uint32

	observer *Observer[T]

	// guard, when set, decides whether work is allowed to run with a given
	// value. A rejected value parks the loop in Waiting.
	guard func(T) bool

	// work runs bound to the value it was started with, until it returns on
	// its own or its stop channel is closed.
	work func(v T, stop <-chan struct{}) error

	logger *logrus.Entry
}

// NewRestartLoop returns a RestartLoop over the given observer. The guard
// may be nil, in which case every value is accepted.
func NewRestartLoop[T any](
	observer *Observer[T],
	guard func(T) bool,
	work func(v T, stop <-chan struct{}) error,
	logger *logrus.Entry,
) *RestartLoop[T] {
	return &RestartLoop[T]{
		observer: observer,
		guard:    guard,
		work:     work,
		logger:   logger,
	}
}

// GetState returns the loop's current state.
func (l *RestartLoop[T]) GetState() State {
	return State(atomic.LoadUint32(&l.state))
}

func (l *RestartLoop[T]) setState(s State) {
	atomic.StoreUint32(&l.state, uint32(s))
}

// Run drives the loop until stop is closed. Guard re-evaluation always reads
// the value through the version cursor, so a change racing with the work's
// own natural exit can be seen late but never lost.
func (l *RestartLoop[T]) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			l.setState(Terminated)
			return nil
		default:
		}

		l.setState(Idle)
		v := l.observer.Latest()

		if l.guard != nil && !l.guard(v) {
			l.setState(Waiting)
			l.logger.Warn("guard rejected current value, waiting for the next update")

			if _, ok := l.observer.Observe(stop); !ok {
				l.setState(Terminated)
				return nil
			}
			continue
		}

		l.setState(Running)
		workStop := make(chan struct{})
		doneCh := make(chan error, 1)
		go func(v T) {
			doneCh <- l.work(v, workStop)
		}(v)

		if terminated := l.running(stop, workStop, doneCh); terminated {
			l.setState(Terminated)
			return nil
		}
	}
}

// running supervises a single incarnation of the work: it races the work's
// own exit against an external stop and against value changes. A change
// whose new value still passes the guard does not restart the work; the
// running incarnation keeps its originally bound value. It returns true when
// the external stop was requested.
func (l *RestartLoop[T]) running(stop <-chan struct{}, workStop chan struct{}, doneCh <-chan error) bool {
	for {
		changeStop := make(chan struct{})
		changeCh := make(chan T, 1)
		go func() {
			if v, ok := l.observer.Observe(changeStop); ok {
				changeCh <- v
			}
		}()

		select {
		case err := <-doneCh:
			close(changeStop)
			if err != nil {
				l.logger.WithError(err).Warn("protected work stopped")
			} else {
				l.logger.Debug("protected work exited")
			}
			return false

		case <-stop:
			close(changeStop)
			close(workStop)
			<-doneCh
			return true

		case v := <-changeCh:
			if l.guard != nil && !l.guard(v) {
				close(workStop)
				<-doneCh
				l.logger.Warn("value changed and failed the guard, work cancelled")
				return false
			}
			// Still passes: no restart.
		}
	}
}
