package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 2, QueueSize: 16})

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(Task{ID: "t", Fn: func(context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}

	require.NoError(t, pool.Stop(context.Background()))
	assert.Equal(t, int32(10), ran.Load())

	stats := pool.Stats()
	assert.Equal(t, uint64(10), stats.TotalTasks)
	assert.Equal(t, uint64(10), stats.CompletedTasks)
}

func TestWorkerPool_FailuresAndPanicsReachOnFailure(t *testing.T) {
	var failures atomic.Int32
	pool := NewWorkerPool(&Config{
		Name:       "test",
		MaxWorkers: 1,
		OnFailure:  func(Task, error) { failures.Add(1) },
	})

	require.NoError(t, pool.Submit(Task{ID: "err", Fn: func(context.Context) error { return errors.New("boom") }}))
	require.NoError(t, pool.Submit(Task{ID: "panic", Fn: func(context.Context) error { panic("kaboom") }}))
	require.NoError(t, pool.Stop(context.Background()))

	assert.Equal(t, int32(2), failures.Load())
	assert.Equal(t, uint64(2), pool.Stats().FailedTasks)
}

func TestWorkerPool_RejectsAfterStopAndWhenFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 1})

	started := make(chan struct{})
	require.NoError(t, pool.Submit(Task{ID: "blocker", Fn: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, pool.Submit(Task{ID: "queued", Fn: func(context.Context) error { return nil }}))
	assert.Error(t, pool.Submit(Task{ID: "overflow", Fn: func(context.Context) error { return nil }}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.SubmitWithContext(ctx, Task{ID: "wait", Fn: func(context.Context) error { return nil }}),
		context.DeadlineExceeded)

	close(block)
	require.NoError(t, pool.Stop(context.Background()))
	assert.Error(t, pool.Submit(Task{ID: "late", Fn: func(context.Context) error { return nil }}))
	assert.Equal(t, uint64(3), pool.Stats().RejectedTasks)
}
