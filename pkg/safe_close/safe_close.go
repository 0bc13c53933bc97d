// Package safe_close coordinates the shutdown of a long running service
// with the goroutines it started.
package safe_close

import (
	"context"
	"sync"
)

// SafeClose is closed once: by its owner, by an attached goroutine that
// hit a fatal error, or by a third party through CloseWait.
//
// The owner waits on ReceiveCloseSignal, releases its resources and
// calls Done. Sub goroutines are started with Attach and must exit on
// the close signal. CloseWait must not be called from an attached
// goroutine, it would wait for itself.
type SafeClose struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	// m orders Attach against the close signal, so that no goroutine
	// is added to wg after CloseWait started waiting.
	m  sync.Mutex
	wg sync.WaitGroup

	done     chan struct{}
	doneOnce sync.Once
}

func NewSafeClose() *SafeClose {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &SafeClose{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Context is cancelled by the close signal.
func (s *SafeClose) Context() context.Context {
	return s.ctx
}

// SendCloseSignal closes s. Only the err of the first call is kept.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()
	s.cancel(err)
}

// CloseWait closes s and blocks until Done was called and every
// attached goroutine returned. It can be called more than once.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}

// Err returns the error s was closed with, if any.
func (s *SafeClose) Err() error {
	err := context.Cause(s.ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.ctx.Done()
}

// Closed reports whether s received a close signal.
func (s *SafeClose) Closed() bool {
	return s.ctx.Err() != nil
}

// Attach runs f in a new goroutine that CloseWait waits for. f must
// return on closeSignal and call done before returning. Attach returns
// false, without running f, once s is closed.
func (s *SafeClose) Attach(f func(done func(), closeSignal <-chan struct{})) bool {
	s.m.Lock()
	if s.Closed() {
		s.m.Unlock()
		return false
	}
	s.wg.Add(1)
	s.m.Unlock()

	go f(s.wg.Done, s.ctx.Done())
	return true
}

// Done marks the owner as finished. It can be called more than once.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() { close(s.done) })
}
