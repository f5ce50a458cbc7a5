package safe_close

import (
	"context"
	"sync"
)

// SafeClose coordinates the shutdown of a service and its sub goroutines.
// CloseWait returns only after Done is called and every Attach-ed goroutine
// has exited.
//
//  1. The main goroutine waits on ReceiveCloseSignal and calls Done before it returns.
//  2. Sub goroutines are started by Attach and exit once the close signal is received.
//  3. Any goroutine can call SendCloseSignal on a fatal error.
//     CloseWait must not be called from inside the service, it would deadlock.
type SafeClose struct {
	m           sync.Mutex
	wg          sync.WaitGroup
	closeSignal chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
	closeErr    error

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSafeClose() *SafeClose {
	ctx, cancel := context.WithCancel(context.Background())
	return &SafeClose{
		closeSignal: make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// CloseWait sends a close signal and blocks until the service is closed.
// It is concurrent safe and can be called multiple times.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}

// SendCloseSignal sends a close signal. Only the first non-nil err is kept.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	select {
	case <-s.closeSignal:
		return
	default:
		if err != nil {
			s.closeErr = err
		}
		close(s.closeSignal)
		s.cancel()
	}
}

// Err returns the error passed to the first SendCloseSignal call.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// Context is canceled together with the close signal.
func (s *SafeClose) Context() context.Context {
	return s.ctx
}

// Attach runs f in a new goroutine tracked by CloseWait.
// f must watch closeSignal and call done before it returns.
// If s was closed, f will not run.
func (s *SafeClose) Attach(f func(done func(), closeSignal <-chan struct{})) {
	s.m.Lock()
	select {
	case <-s.closeSignal:
		s.m.Unlock()
		return
	default:
		s.wg.Add(1)
	}
	s.m.Unlock()

	go f(s.wg.Done, s.closeSignal)
}

// Done notifies CloseWait that the main goroutine is done.
// It is concurrent safe and can be called multiple times.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
