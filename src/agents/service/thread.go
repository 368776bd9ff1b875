package service

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"
)

// DefaultStopTimeout bounds how long Stop waits for a loop to exit.
const DefaultStopTimeout = 2 * time.Second

// StopResult reports how a stop request ended.
type StopResult int

const (
	// NotRunning means there was no background goroutine to stop.
	NotRunning StopResult = iota
	// Stopped means the goroutine exited before the timeout.
	Stopped
	// TimedOut means the goroutine was cancelled but may still be running.
	TimedOut
)

// Existed reports whether a background goroutine existed when Stop was
// called, regardless of whether it finished in time.
func (r StopResult) Existed() bool { return r != NotRunning }

func (r StopResult) String() string {
	switch r {
	case Stopped:
		return "stopped"
	case TimedOut:
		return "timed_out"
	default:
		return "not_running"
	}
}

// MarshalText renders the result as its string form.
func (r StopResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Thread is a goroutine with an owner-held cancel function and a done signal.
type Thread struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Spawn runs fn on a new goroutine with its own cancellable context. A panic
// escaping fn ends the goroutine and is kept as Err.
func Spawn(parent context.Context, name string, logger *log.Logger, fn func(ctx context.Context)) *Thread {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	t := &Thread{name: name, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("%s: goroutine died: %v\n%s", name, r, debug.Stack())
				t.mu.Lock()
				t.err = fmt.Errorf("%s: panic: %v", name, r)
				t.mu.Unlock()
			}
		}()
		fn(ctx)
	}()
	return t
}

// Name returns the label the thread was spawned with.
func (t *Thread) Name() string { return t.name }

// Alive reports whether the goroutine has not returned yet.
func (t *Thread) Alive() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Done is closed when the goroutine returns.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Err returns the recovered panic, if the goroutine died of one.
func (t *Thread) Err() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Stop cancels the thread context and waits up to timeout for it to return.
// A goroutine that does not return in time is abandoned, not killed.
func (t *Thread) Stop(timeout time.Duration) StopResult {
	if t == nil {
		return NotRunning
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	t.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return Stopped
	case <-timer.C:
		return TimedOut
	}
}

// Go runs fn on a goroutine and logs instead of crashing on panic.
func Go(name string, logger *log.Logger, fn func()) {
	if logger == nil {
		logger = log.Default()
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("%s: panic: %v\n%s", name, r, debug.Stack())
			}
		}()
		fn()
	}()
}
