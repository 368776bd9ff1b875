package service_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stake-plus/agentexec/src/agents/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_StartTwice(t *testing.T) {
	loop := service.NewLoop("twice", 10*time.Millisecond, func(context.Context) error { return nil }, nil)

	require.True(t, loop.Start(context.Background()))
	first := loop.Thread()
	assert.False(t, loop.Start(context.Background()), "second start while alive")
	assert.True(t, first.Alive())
	assert.Same(t, first, loop.Thread())

	assert.Equal(t, service.Stopped, loop.Stop(time.Second))
}

func TestLoop_StopWithoutStart(t *testing.T) {
	loop := service.NewLoop("idle", time.Second, func(context.Context) error { return nil }, nil)
	res := loop.Stop(0)
	assert.Equal(t, service.NotRunning, res)
	assert.False(t, res.Existed())
	assert.False(t, loop.Heartbeat())
}

func TestLoop_StopEndsHeartbeat(t *testing.T) {
	loop := service.NewLoop("beat", 50*time.Millisecond, func(context.Context) error { return nil }, nil)
	require.True(t, loop.Start(context.Background()))
	assert.True(t, loop.Heartbeat())

	res := loop.Stop(2 * time.Second)
	assert.True(t, res.Existed())
	assert.Eventually(t, func() bool { return !loop.Heartbeat() }, 5*time.Second, 10*time.Millisecond)
}

func TestLoop_RestartAfterStop(t *testing.T) {
	loop := service.NewLoop("again", 10*time.Millisecond, func(context.Context) error { return nil }, nil)
	require.True(t, loop.Start(context.Background()))
	require.Equal(t, service.Stopped, loop.Stop(time.Second))
	assert.True(t, loop.Start(context.Background()))
	loop.Stop(time.Second)
}

func TestLoop_WorkErrorsDoNotStopLoop(t *testing.T) {
	var calls atomic.Int64
	loop := service.NewLoop("flaky", 5*time.Millisecond, func(context.Context) error {
		n := calls.Add(1)
		switch {
		case n == 1:
			return errors.New("boom")
		case n == 2:
			panic("worse")
		}
		return nil
	}, nil)
	require.True(t, loop.Start(context.Background()))
	defer loop.Stop(time.Second)

	assert.Eventually(t, func() bool { return calls.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	stats := loop.Stats()
	assert.True(t, stats.Running)
	assert.EqualValues(t, 2, stats.Failures)
	assert.GreaterOrEqual(t, stats.Iterations, int64(4))
	assert.NotEmpty(t, stats.LastError)
	assert.False(t, stats.LastRun.IsZero())
}

func TestLoop_StopTimesOutOnStuckWork(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	loop := service.NewLoop("stuck", time.Second, func(context.Context) error {
		close(started)
		<-release
		return nil
	}, nil)
	require.True(t, loop.Start(context.Background()))
	<-started

	assert.Equal(t, service.TimedOut, loop.Stop(20*time.Millisecond))
	assert.True(t, loop.Heartbeat(), "abandoned goroutine still running")

	close(release)
	assert.Eventually(t, func() bool { return !loop.Heartbeat() }, 2*time.Second, 5*time.Millisecond)
}

func TestLoop_CancellationReachesWork(t *testing.T) {
	loop := service.NewLoop("blocking", time.Hour, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	require.True(t, loop.Start(context.Background()))
	assert.Equal(t, service.Stopped, loop.Stop(time.Second))
	assert.Zero(t, loop.Stats().Failures, "cancellation is not a failure")
}

func TestSpawn_PanicEndsThread(t *testing.T) {
	th := service.Spawn(context.Background(), "fatal", nil, func(context.Context) {
		panic("escaped")
	})
	<-th.Done()
	assert.False(t, th.Alive())
	assert.Error(t, th.Err())
	assert.Equal(t, service.Stopped, th.Stop(time.Second))
}

func TestStopResultText(t *testing.T) {
	raw, err := service.TimedOut.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "timed_out", string(raw))
	var nilThread *service.Thread
	assert.Equal(t, service.NotRunning, nilThread.Stop(time.Millisecond))
}
