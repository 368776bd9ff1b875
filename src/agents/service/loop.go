package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// WorkFunc is one iteration of an agent's polling loop. The context is
// cancelled when the loop is asked to stop; blocking calls should honour it.
type WorkFunc func(ctx context.Context) error

// Stats is a point-in-time copy of a loop's counters.
type Stats struct {
	Running    bool      `json:"running"`
	Iterations int64     `json:"iterations"`
	Failures   int64     `json:"failures"`
	LastError  string    `json:"last_error,omitempty"`
	LastRun    time.Time `json:"last_run,omitempty"`
	Interval   string    `json:"interval"`
}

// Loop runs a WorkFunc immediately on Start and then every Interval until
// stopped. Errors and panics inside an iteration are logged and counted; the
// loop carries on with the next tick.
type Loop struct {
	name     string
	interval time.Duration
	work     WorkFunc
	logger   *log.Logger

	mu     sync.Mutex
	thread *Thread

	iterations atomic.Int64
	failures   atomic.Int64
	lastRun    atomic.Int64

	errMu   sync.Mutex
	lastErr error
}

// NewLoop builds a stopped loop.
func NewLoop(name string, interval time.Duration, work WorkFunc, logger *log.Logger) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Loop{name: name, interval: interval, work: work, logger: logger}
}

// SetLogger replaces the logger used for iteration failures.
func (l *Loop) SetLogger(logger *log.Logger) {
	if logger == nil {
		return
	}
	l.mu.Lock()
	l.logger = logger
	l.mu.Unlock()
}

// SetInterval changes the poll interval for the next Start.
func (l *Loop) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	l.mu.Lock()
	l.interval = interval
	l.mu.Unlock()
}

// Start spawns the loop goroutine. It returns false when one is already alive.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.thread.Alive() {
		return false
	}
	interval, logger := l.interval, l.logger
	l.thread = Spawn(ctx, l.name, logger, func(ctx context.Context) {
		l.run(ctx, interval, logger)
	})
	return true
}

// Stop cancels the loop and waits up to timeout for it to exit.
func (l *Loop) Stop(timeout time.Duration) StopResult {
	l.mu.Lock()
	t := l.thread
	l.mu.Unlock()
	return t.Stop(timeout)
}

// Heartbeat reports whether the loop goroutine is alive. It says nothing
// about whether iterations are making progress.
func (l *Loop) Heartbeat() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.thread.Alive()
}

// Thread returns the current goroutine handle, or nil before the first Start.
func (l *Loop) Thread() *Thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.thread
}

// Stats copies the loop counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	running, interval := l.thread.Alive(), l.interval
	l.mu.Unlock()

	s := Stats{
		Running:    running,
		Iterations: l.iterations.Load(),
		Failures:   l.failures.Load(),
		Interval:   interval.String(),
	}
	if ts := l.lastRun.Load(); ts > 0 {
		s.LastRun = time.Unix(0, ts).UTC()
	}
	l.errMu.Lock()
	if l.lastErr != nil {
		s.LastError = l.lastErr.Error()
	}
	l.errMu.Unlock()
	return s
}

func (l *Loop) run(ctx context.Context, interval time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		l.iterate(ctx, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l *Loop) iterate(ctx context.Context, logger *log.Logger) {
	if ctx.Err() != nil {
		return
	}
	l.iterations.Add(1)
	l.lastRun.Store(time.Now().UnixNano())

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return l.work(ctx)
	}()
	if err == nil || (ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		return
	}

	l.failures.Add(1)
	l.errMu.Lock()
	l.lastErr = err
	l.errMu.Unlock()
	logger.Printf("%s: iteration failed: %v", l.name, err)
}
