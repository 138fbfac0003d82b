package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueProcessesJobs(t *testing.T) {
	var processed int32
	done := make(chan struct{})
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&processed, 1) == 3 {
			close(done)
		}
		return nil
	}, QueueConfig{Workers: 2})

	q.Start(context.Background())
	defer q.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(Job{Type: "noop"}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs not processed in time")
	}
}

func TestQueueDeduplicatesQueuedJobs(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	seen := map[string]int{}

	q := NewQueue("dedup", func(ctx context.Context, job Job) error {
		<-gate
		mu.Lock()
		seen[job.ID]++
		mu.Unlock()
		return nil
	}, QueueConfig{Workers: 1, BufferSize: 8})

	q.Start(context.Background())
	defer q.Stop()

	// A job occupies the single worker so duplicates stay queued.
	require.NoError(t, q.Enqueue(Job{ID: "blocker"}))
	require.NoError(t, q.Enqueue(Job{ID: "media-1"}))
	require.NoError(t, q.Enqueue(Job{ID: "media-1"}))
	require.NoError(t, q.Enqueue(Job{ID: "media-1"}))
	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["media-1"] == 1 && seen["blocker"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Still exactly one delivery after the queue drained.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 1, seen["media-1"])
	mu.Unlock()
}

func TestQueueReleaseRedelivers(t *testing.T) {
	var releases int32
	done := make(chan Job, 1)

	var q *Queue
	q = NewQueue("release", func(ctx context.Context, job Job) error {
		if job.Releases < 2 {
			atomic.AddInt32(&releases, 1)
			q.Release(job, 5*time.Millisecond)
			return nil
		}
		done <- job
		return nil
	}, QueueConfig{Workers: 1})

	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "poll-1"}))

	select {
	case job := <-done:
		require.Equal(t, 2, job.Releases)
		require.EqualValues(t, 2, atomic.LoadInt32(&releases))
	case <-time.After(2 * time.Second):
		t.Fatal("released job never redelivered")
	}
}

func TestQueueRetriesFailedJobs(t *testing.T) {
	var attempts int32
	done := make(chan struct{})

	q := NewQueue("retry", func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return context.DeadlineExceeded
		}
		close(done)
		return nil
	}, QueueConfig{Workers: 1, MaxRetries: 5, RetryDelay: 5 * time.Millisecond})

	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "flaky"}))

	select {
	case <-done:
		require.EqualValues(t, 3, atomic.LoadInt32(&attempts))
	case <-time.After(2 * time.Second):
		t.Fatal("job not retried to completion")
	}
}

func TestEnqueueBeforeStartFails(t *testing.T) {
	q := NewQueue("idle", func(ctx context.Context, job Job) error { return nil }, QueueConfig{})
	require.Error(t, q.Enqueue(Job{ID: "early"}))
}
