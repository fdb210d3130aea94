package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerScopeOrdering(t *testing.T) {
	q := New(context.Background())
	var mu sync.Mutex
	var order []int

	for i := 1; i <= 5; i++ {
		i := i
		q.Enqueue(&Job{ScopeKey: "c1", Run: func(ctx context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}})
	}

	require.True(t, q.WaitForDrain(2*time.Second))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestCrossScopeConcurrency(t *testing.T) {
	q := New(context.Background())
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	q.Enqueue(&Job{ScopeKey: "a", Run: func(ctx context.Context) {
		defer wg.Done()
		<-start
	}})
	q.Enqueue(&Job{ScopeKey: "b", Run: func(ctx context.Context) {
		defer wg.Done()
		<-start
	}})

	close(start)
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cross-scope jobs did not run concurrently")
	}
}

func TestAbortCancelsContext(t *testing.T) {
	q := New(context.Background())
	abort := make(chan struct{})
	canceled := make(chan struct{})

	q.Enqueue(&Job{
		ScopeKey: "c",
		Abort:    abort,
		Run: func(ctx context.Context) {
			close(abort)
			<-ctx.Done()
			close(canceled)
		},
	})

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not cancel job context")
	}
}

func TestWorkerRespawnsAfterDrain(t *testing.T) {
	q := New(context.Background())
	first := make(chan struct{})
	q.Enqueue(&Job{ScopeKey: "c", Run: func(ctx context.Context) { close(first) }})
	<-first
	require.True(t, q.WaitForDrain(time.Second))

	second := make(chan struct{})
	q.Enqueue(&Job{ScopeKey: "c", Run: func(ctx context.Context) { close(second) }})
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("worker did not respawn for new job")
	}
}

func TestDepthsReportsPendingPerScope(t *testing.T) {
	q := New(context.Background())
	release := make(chan struct{})
	startedA := make(chan struct{})
	ranB := make(chan struct{})

	q.Enqueue(&Job{ScopeKey: "a", Run: func(ctx context.Context) { close(startedA); <-release }})
	q.Enqueue(&Job{ScopeKey: "a", Run: func(ctx context.Context) {}})
	q.Enqueue(&Job{ScopeKey: "b", Run: func(ctx context.Context) { close(ranB) }})

	// Wait until each worker has popped its first job, so the running job
	// is no longer counted as pending.
	<-startedA
	<-ranB

	assert.Equal(t, 1, q.Depth("a"))
	assert.Equal(t, 0, q.Depth("b"))

	depths := q.Depths()
	assert.Equal(t, 1, depths["a"])
	assert.Equal(t, 0, depths["b"])

	close(release)
	require.True(t, q.WaitForDrain(2*time.Second))
}
