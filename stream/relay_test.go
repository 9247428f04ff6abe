package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prism-board/domain"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingBroadcaster) Broadcast(ev domain.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return 1
}

func (r *recordingBroadcaster) snapshot() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func startRelay(t *testing.T, rc *redis.Client, instance string, target Broadcaster) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	relay := NewRelay(rc, "", instance, target, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("relay did not exit")
		}
	})
	select {
	case <-relay.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("relay never subscribed")
	}
}

func TestRelayForwardsEventsFromOtherInstances(t *testing.T) {
	m := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	target := &recordingBroadcaster{}
	startRelay(t, rc, "serve-1", target)

	logger, _ := test.NewNullLogger()
	own := NewRedisPublisher(rc, "", "serve-1", logger)
	other := NewRedisPublisher(rc, "", "mcp-1", logger)

	own.Emit(context.Background(), taskEvent(domain.TaskCreated, "b1"))
	other.Emit(context.Background(), taskEvent(domain.TaskMoved, "b1"))

	require.Eventually(t, func() bool { return len(target.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := target.snapshot()[0]
	assert.Equal(t, domain.TaskMoved, got.Type)
	assert.Equal(t, "b1", got.BoardID)
	data, ok := got.Data.(map[string]any)
	require.True(t, ok, "relayed data is %T", got.Data)
	assert.Equal(t, "todo", data["newLane"])
}

func TestRelayDeliversIntoHub(t *testing.T) {
	m := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	h, srv := newTestHub(t, Options{})
	conn, _ := connect(t, srv, "?boardId=b1")
	subscribeTo(t, conn, domain.AllEvents)
	startRelay(t, rc, "serve-1", h)

	logger, _ := test.NewNullLogger()
	NewRedisPublisher(rc, "", "mcp-1", logger).Emit(context.Background(), taskEvent(domain.TaskUpdated, "b1"))

	frame := readFrame(t, conn)
	assert.Equal(t, domain.TaskUpdated, frame["type"])
	assert.Equal(t, "b1", frame["boardId"])
}

func TestRelaySkipsMalformedPayloads(t *testing.T) {
	m := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	target := &recordingBroadcaster{}
	startRelay(t, rc, "serve-1", target)

	require.NoError(t, rc.Publish(context.Background(), DefaultRelayChannel, "{broken").Err())
	logger, _ := test.NewNullLogger()
	NewRedisPublisher(rc, "", "mcp-1", logger).Emit(context.Background(), taskEvent(domain.TaskCreated, "b1"))

	require.Eventually(t, func() bool { return len(target.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.TaskCreated, target.snapshot()[0].Type)
}

func TestPublisherLogsFailures(t *testing.T) {
	m := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr(), MaxRetries: -1})
	defer rc.Close()
	m.Close()

	logger, hook := test.NewNullLogger()
	NewRedisPublisher(rc, "", "serve-1", logger).Emit(context.Background(), taskEvent(domain.TaskCreated, "b1"))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "publish event", hook.LastEntry().Message)
}
