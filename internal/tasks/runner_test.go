package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerReportsFailuresAndPanics(t *testing.T) {
	var mu sync.Mutex
	var failures []Failure
	r := New(Config{Workers: 2, OnError: func(f Failure) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, f)
	}})

	var ran atomic.Int32
	require.True(t, r.Submit("ok", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}))
	require.True(t, r.Submit("fails", func(ctx context.Context) error {
		ran.Add(1)
		return errors.New("boom")
	}))
	require.True(t, r.Submit("panics", func(ctx context.Context) error {
		ran.Add(1)
		panic("unexpected")
	}))

	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, int32(3), ran.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 2)
	names := []string{failures[0].Name, failures[1].Name}
	assert.ElementsMatch(t, []string{"fails", "panics"}, names)
}

func TestRunnerDoesNotBlockWhenQueueIsFull(t *testing.T) {
	r := New(Config{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	var done atomic.Int32

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.True(t, r.Submit("slow", func(ctx context.Context) error {
			<-release
			done.Add(1)
			return nil
		}))
	}
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	r.Wait()
	assert.Equal(t, int32(5), done.Load())
	require.NoError(t, r.Stop(context.Background()))
}

func TestRunnerAppliesTaskTimeout(t *testing.T) {
	var got error
	var mu sync.Mutex
	r := New(Config{Workers: 1, Timeout: 20 * time.Millisecond, OnError: func(f Failure) {
		mu.Lock()
		got = f.Err
		mu.Unlock()
	}})

	r.Submit("hangs", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, r.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, got, context.DeadlineExceeded)
}

func TestSubmitAfterStopIsRejected(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.Stop(context.Background()))
	assert.False(t, r.Submit("late", func(ctx context.Context) error { return nil }))
	require.NoError(t, r.Stop(context.Background()))
}
