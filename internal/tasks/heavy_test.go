package tasks

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := NewQueue(nil)

	id1 := q.Enqueue(EnqueueRequest{Description: "first", Prompt: "p1"})
	id2 := q.Enqueue(EnqueueRequest{Description: "second", Prompt: "p2"})
	require.True(t, strings.HasPrefix(id1, "heavy-"))
	require.NotEqual(t, id1, id2)

	task := q.Dequeue()
	require.NotNil(t, task)
	assert.Equal(t, id1, task.ID)
	assert.Equal(t, StatusRunning, task.Status)
	assert.Equal(t, TypeGeneral, task.Type, "type defaults to general")

	task2 := q.Dequeue()
	require.NotNil(t, task2)
	assert.Equal(t, id2, task2.ID)

	assert.Nil(t, q.Dequeue())
}

func TestCompleteAndFailTransitions(t *testing.T) {
	q := NewQueue(nil)

	var gotResult string
	var gotErr error
	id1 := q.Enqueue(EnqueueRequest{Description: "ok", OnComplete: func(r string) { gotResult = r }})
	id2 := q.Enqueue(EnqueueRequest{Description: "bad", OnError: func(e error) { gotErr = e }})

	assert.False(t, q.Complete(id1, "early"), "pending task cannot complete")

	q.Dequeue()
	q.Dequeue()

	require.True(t, q.Complete(id1, "result text"))
	assert.Equal(t, "result text", gotResult)
	assert.False(t, q.Complete(id1, "again"), "terminal transition happens once")

	boom := errors.New("boom")
	require.True(t, q.Fail(id2, boom))
	assert.Equal(t, boom, gotErr)

	counts := q.GetStatus()
	assert.Equal(t, Counts{Completed: 1, Failed: 1}, counts)
}

func TestQueueEvents(t *testing.T) {
	var events []string
	q := NewQueue(func(event string, task *HeavyTask) { events = append(events, event) })

	id := q.Enqueue(EnqueueRequest{Description: "d", Type: TypeDeepAnalysis})
	q.Dequeue()
	q.Complete(id, "r")

	assert.Equal(t, []string{EventEnqueued, EventCompleted}, events)
}

func TestPruneDropsTerminal(t *testing.T) {
	q := NewQueue(nil)

	done := q.Enqueue(EnqueueRequest{Description: "done"})
	q.Enqueue(EnqueueRequest{Description: "waiting"})
	q.Dequeue()
	q.Complete(done, "r")

	assert.Equal(t, 1, q.Prune())
	assert.True(t, q.HasPending())
	assert.False(t, q.HasRunning())
	assert.Equal(t, Counts{Pending: 1}, q.GetStatus())
}
