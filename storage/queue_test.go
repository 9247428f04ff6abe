package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prism-board/domain"
)

type fakeQueue struct {
	mu       sync.Mutex
	inFlight int
	max      int
	count    int
	failAt   int
	sleep    time.Duration
	block    chan struct{}
	messages []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{failAt: -1, sleep: time.Millisecond}
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.mu.Lock()
	idx := f.count
	f.count++
	f.inFlight++
	if f.inFlight > f.max {
		f.max = f.inFlight
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if f.sleep > 0 {
		select {
		case <-time.After(f.sleep):
		case <-ctx.Done():
			f.mu.Lock()
			f.inFlight--
			f.mu.Unlock()
			return azqueue.EnqueueMessagesResponse{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if f.failAt >= 0 && idx == f.failAt {
		return azqueue.EnqueueMessagesResponse{}, errors.New("enqueue failure")
	}
	f.messages = append(f.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func (f *fakeQueue) GetProperties(ctx context.Context, o *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error) {
	return azqueue.GetQueuePropertiesResponse{}, nil
}

func movedEvent(id string) domain.Event {
	task := domain.Task{ID: id, Title: "Move me", Lane: domain.LaneTodo, Priority: domain.PriorityLow, Tags: []string{}, Version: 2}
	return domain.Event{
		Type:      domain.TaskMoved,
		BoardID:   "board-1",
		Data:      domain.TaskMovedData{Task: task, OldLane: domain.LaneBacklog, NewLane: domain.LaneTodo},
		Timestamp: base,
	}
}

func TestEventQueueSendsEncodedEvents(t *testing.T) {
	fq := newFakeQueue()
	logger, _ := test.NewNullLogger()
	q := NewEventQueue(fq, QueueOptions{Workers: 2, Buffer: 4, Logger: logger})

	q.Emit(context.Background(), movedEvent("t1"))
	require.NoError(t, q.Close())

	require.Len(t, fq.messages, 1)
	var got struct {
		Type    string `json:"type"`
		BoardID string `json:"boardId"`
		Data    struct {
			Task    domain.Task `json:"task"`
			OldLane string      `json:"oldLane"`
			NewLane string      `json:"newLane"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(fq.messages[0]), &got))
	assert.Equal(t, domain.TaskMoved, got.Type)
	assert.Equal(t, "board-1", got.BoardID)
	assert.Equal(t, "t1", got.Data.Task.ID)
	assert.Equal(t, "backlog", got.Data.OldLane)
	assert.Equal(t, "todo", got.Data.NewLane)
}

func TestEventQueueUsesConcurrency(t *testing.T) {
	fq := newFakeQueue()
	fq.sleep = 5 * time.Millisecond
	logger, _ := test.NewNullLogger()
	q := NewEventQueue(fq, QueueOptions{Workers: 4, Buffer: 16, Logger: logger})

	for i := 0; i < 8; i++ {
		q.Emit(context.Background(), movedEvent("t"))
	}
	require.NoError(t, q.Close())

	assert.Equal(t, 8, fq.count)
	assert.GreaterOrEqual(t, fq.max, 2, "expected concurrent sends")
	assert.LessOrEqual(t, fq.max, 4)
}

func TestEventQueueDropsWhenSaturated(t *testing.T) {
	fq := newFakeQueue()
	fq.block = make(chan struct{})
	logger, hook := test.NewNullLogger()
	q := NewEventQueue(fq, QueueOptions{Workers: 1, Buffer: 1, HandoffTimeout: 5 * time.Millisecond, Logger: logger})

	// One event is held by the worker and one sits in the buffer.
	q.Emit(context.Background(), movedEvent("a"))
	require.Eventually(t, func() bool {
		fq.mu.Lock()
		defer fq.mu.Unlock()
		return fq.inFlight == 1
	}, time.Second, time.Millisecond)
	q.Emit(context.Background(), movedEvent("b"))
	q.Emit(context.Background(), movedEvent("c"))

	assert.Equal(t, int64(1), q.Dropped())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "event queue saturated, event dropped", hook.LastEntry().Message)

	close(fq.block)
	require.NoError(t, q.Close())
	assert.Equal(t, 2, fq.count)
}

func TestEventQueueCountsFailures(t *testing.T) {
	fq := newFakeQueue()
	fq.failAt = 1
	logger, hook := test.NewNullLogger()
	q := NewEventQueue(fq, QueueOptions{Workers: 1, Buffer: 4, Logger: logger})

	for i := 0; i < 3; i++ {
		q.Emit(context.Background(), movedEvent("t"))
	}
	require.NoError(t, q.Close())

	assert.Equal(t, int64(1), q.Failed())
	assert.Len(t, fq.messages, 2)
	var errorsLogged int
	for _, e := range hook.AllEntries() {
		if e.Message == "event enqueue failed" {
			errorsLogged++
		}
	}
	assert.Equal(t, 1, errorsLogged)
}

func TestEventQueueEnqueueTimeout(t *testing.T) {
	fq := newFakeQueue()
	fq.sleep = time.Second
	logger, _ := test.NewNullLogger()
	q := NewEventQueue(fq, QueueOptions{Workers: 1, Buffer: 1, EnqueueTimeout: 10 * time.Millisecond, Logger: logger})

	start := time.Now()
	q.Emit(context.Background(), movedEvent("slow"))
	require.NoError(t, q.Close())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, int64(1), q.Failed())
}

func TestEventQueueEmitAfterCloseIsDropped(t *testing.T) {
	fq := newFakeQueue()
	logger, _ := test.NewNullLogger()
	q := NewEventQueue(fq, QueueOptions{Logger: logger})
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	q.Emit(context.Background(), movedEvent("late"))
	assert.Equal(t, int64(1), q.Dropped())
	assert.Equal(t, 0, fq.count)
	assert.NoError(t, q.HealthCheck(context.Background()))
}
