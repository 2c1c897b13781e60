package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaneSerialization(t *testing.T) {
	q := New(nil)

	var mu sync.Mutex
	var order []int

	h1, err := q.Enqueue("a", func(ctx context.Context) (any, error) {
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		return nil, nil
	}, nil)
	require.NoError(t, err)

	h2, err := q.Enqueue("a", func(ctx context.Context) (any, error) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		return nil, nil
	}, nil)
	require.NoError(t, err)

	<-h1.Done()
	<-h2.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, order)
}

func TestCrossLaneParallelism(t *testing.T) {
	q := New(nil)

	started := make(chan string, 2)
	sleeper := func(lane string) Task {
		return func(ctx context.Context) (any, error) {
			started <- lane
			time.Sleep(30 * time.Millisecond)
			return nil, nil
		}
	}

	begin := time.Now()
	hx, err := q.Enqueue("x", sleeper("x"), nil)
	require.NoError(t, err)
	hy, err := q.Enqueue("y", sleeper("y"), nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	assert.Len(t, started, 2, "both lanes should have started")

	<-hx.Done()
	<-hy.Done()
	assert.Less(t, time.Since(begin), 55*time.Millisecond, "lanes must run in parallel")
}

func TestEnqueueWhileDrainingRejects(t *testing.T) {
	q := New(nil)
	q.MarkGatewayDraining()

	_, err := q.Enqueue("a", func(ctx context.Context) (any, error) { return nil, nil }, nil)
	assert.ErrorIs(t, err, ErrGatewayDraining)
}

func TestClearLaneRejectsQueuedOnly(t *testing.T) {
	q := New(nil)

	release := make(chan struct{})
	running, err := q.Enqueue("a", func(ctx context.Context) (any, error) {
		<-release
		return "done", nil
	}, nil)
	require.NoError(t, err)

	queued, err := q.Enqueue("a", func(ctx context.Context) (any, error) { return nil, nil }, nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, q.ClearLane("a"))

	res := <-queued.Done()
	assert.ErrorIs(t, res.Err, ErrLaneCleared)

	close(release)
	res = <-running.Done()
	require.NoError(t, res.Err)
	assert.Equal(t, "done", res.Value)
}

func TestClearLaneEmptyReturnsZero(t *testing.T) {
	q := New(nil)
	assert.Equal(t, 0, q.ClearLane("nope"))
}

func TestTaskErrorPropagates(t *testing.T) {
	q := New(nil)

	want := assert.AnError
	h, err := q.Enqueue("a", func(ctx context.Context) (any, error) { return nil, want }, nil)
	require.NoError(t, err)

	res := <-h.Done()
	assert.ErrorIs(t, res.Err, want)
}

func TestConcurrencyCapHolds(t *testing.T) {
	q := New(nil)
	q.SetLaneConcurrency("a", 2)

	var mu sync.Mutex
	running, peak := 0, 0

	var handles []*Handle
	for i := 0; i < 6; i++ {
		h, err := q.Enqueue("a", func(ctx context.Context) (any, error) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil, nil
		}, nil)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		<-h.Done()
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
	assert.GreaterOrEqual(t, peak, 2, "cap of 2 should actually be used")
}

func TestResetAllReopensDrainingGate(t *testing.T) {
	q := New(nil)
	q.MarkGatewayDraining()

	q.ResetAll()

	h, err := q.Enqueue("a", func(ctx context.Context) (any, error) { return 42, nil }, nil)
	require.NoError(t, err)
	res := <-h.Done()
	require.NoError(t, res.Err)
	assert.Equal(t, 42, res.Value)
}

func TestResetAllIgnoresStaleCompletions(t *testing.T) {
	q := New(nil)

	release := make(chan struct{})
	h, err := q.Enqueue("a", func(ctx context.Context) (any, error) {
		<-release
		return "late", nil
	}, nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, q.ActiveCount())

	q.ResetAll()
	assert.Equal(t, 0, q.ActiveCount(), "reset clears in-flight accounting")

	// The stale completion still signals its awaiter.
	close(release)
	res := <-h.Done()
	require.NoError(t, res.Err)
	assert.Equal(t, "late", res.Value)
	assert.Equal(t, 0, q.ActiveCount())
}

func TestWaitWarningFires(t *testing.T) {
	q := New(nil)

	block := make(chan struct{})
	first, err := q.Enqueue("a", func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	}, nil)
	require.NoError(t, err)

	warned := make(chan time.Duration, 1)
	second, err := q.Enqueue("a", func(ctx context.Context) (any, error) { return nil, nil }, &EnqueueOptions{
		WarnAfter: 20 * time.Millisecond,
		OnWait:    func(waited time.Duration, queuedAhead int) { warned <- waited },
	})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	close(block)
	<-first.Done()
	<-second.Done()

	select {
	case waited := <-warned:
		assert.GreaterOrEqual(t, waited, 20*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("expected wait warning")
	}
}

func TestWaitForActive(t *testing.T) {
	q := New(nil)

	h, err := q.Enqueue("a", func(ctx context.Context) (any, error) {
		time.Sleep(60 * time.Millisecond)
		return nil, nil
	}, nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	assert.False(t, q.WaitForActive(20*time.Millisecond), "should time out while the task runs")
	assert.True(t, q.WaitForActive(500*time.Millisecond))
	<-h.Done()
}

func TestSizeCounters(t *testing.T) {
	q := New(nil)

	release := make(chan struct{})
	h, err := q.Enqueue("a", func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}, nil)
	require.NoError(t, err)
	h2, err := q.Enqueue("a", func(ctx context.Context) (any, error) { return nil, nil }, nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, q.Size("a"))
	assert.Equal(t, 1, q.TotalSize())
	assert.Equal(t, 1, q.ActiveCount())

	close(release)
	<-h.Done()
	<-h2.Done()
	assert.Equal(t, 0, q.TotalSize())
}
