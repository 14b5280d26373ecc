package group

// Shutdownable is the contract implemented by components that run their own
// background routines. Shutdown is an idempotent, non-blocking request to
// stop. WaitShutdown can be called any number of times and always returns
// the same terminal result once the component has stopped.
type Shutdownable interface {
	Shutdown()
	WaitShutdown() error
}

// SpawnShutdownable bridges a Shutdownable component to the group's
// stop-signal model. The resulting cooperative task waits for the component
// to stop on its own; when the stop channel is closed first, it requests
// shutdown and waits for the component to settle.
func (g *TaskGroup) SpawnShutdownable(name string, unit Shutdownable) {
	g.SpawnWithShutdown(name, func(stop <-chan struct{}) error {
		doneCh := make(chan error, 1)
		go func() {
			doneCh <- unit.WaitShutdown()
		}()

		select {
		case err := <-doneCh:
			return err
		case <-stop:
			unit.Shutdown()
			return <-doneCh
		}
	})
}
