package tunnel

import "sync"

// Worker manages the lifecycle of a set of goroutines that terminate
// together. Embed it and launch goroutines with Go; Halt signals them
// via HaltCh and waits for all of them to return.
type Worker struct {
	sync.WaitGroup

	initOnce sync.Once
	haltOnce sync.Once
	haltCh   chan struct{}
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// Go runs fn in a new goroutine tracked by the worker.
func (w *Worker) Go(fn func()) {
	w.init()
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// signalHalt closes the halt channel without waiting for goroutines
// to exit. Used internally when halting from inside a worker.
func (w *Worker) signalHalt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
}

// Halt signals all goroutines to exit and blocks until they have.
func (w *Worker) Halt() {
	w.signalHalt()
	w.Wait()
}

// HaltCh returns the channel closed when Halt is called.
func (w *Worker) HaltCh() <-chan struct{} {
	w.init()
	return w.haltCh
}
