package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// queueClient is the subset of *azqueue.QueueClient used by EventQueue.
type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	GetProperties(ctx context.Context, o *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error)
}

// QueueOptions tunes the EventQueue worker pool.
type QueueOptions struct {
	Workers        int
	Buffer         int
	EnqueueTimeout time.Duration
	HandoffTimeout time.Duration
	Logger         *log.Logger
}

func (o *QueueOptions) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = 30 * time.Second
	}
	if o.HandoffTimeout < 0 {
		o.HandoffTimeout = 0
	}
	if o.Logger == nil {
		o.Logger = log.StandardLogger()
	}
}

// EventQueue forwards board events to an Azure Storage queue for downstream
// consumers. Emit hands events to a bounded worker pool; when the pool
// stays saturated past the hand-off timeout the event is dropped.
type EventQueue struct {
	queue  queueClient
	opts   QueueOptions
	jobs   chan string
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewEventQueueFromConnectionString connects to queueName and starts the
// worker pool.
func NewEventQueueFromConnectionString(connStr, queueName string, opts QueueOptions) (*EventQueue, error) {
	clientOpts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &clientOpts)
	if err != nil {
		return nil, err
	}
	return NewEventQueue(q, opts), nil
}

// NewEventQueue starts the worker pool over an existing client.
func NewEventQueue(q queueClient, opts QueueOptions) *EventQueue {
	opts.setDefaults()
	e := &EventQueue{queue: q, opts: opts, jobs: make(chan string, opts.Buffer)}
	for i := 0; i < opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	opts.Logger.Infof("event queue started, workers: %d, buffer: %d, timeout: %v, handoff: %v",
		opts.Workers, opts.Buffer, opts.EnqueueTimeout, opts.HandoffTimeout)
	return e
}

func (e *EventQueue) worker(id int) {
	defer e.wg.Done()
	for msg := range e.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.EnqueueTimeout)
		_, err := e.queue.EnqueueMessage(ctx, msg, nil)
		cancel()
		if err != nil {
			e.failed.Add(1)
			e.opts.Logger.WithError(err).WithField("worker", id).Error("event enqueue failed")
		}
	}
}

// Emit serializes ev and hands it to the pool without blocking longer than
// the hand-off timeout.
func (e *EventQueue) Emit(ctx context.Context, ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		e.opts.Logger.WithError(err).WithField("event", ev.Type).Error("event encode failed")
		return
	}
	if !e.tryHandoff(string(data)) {
		e.dropped.Add(1)
		e.opts.Logger.WithField("event", ev.Type).Warn("event queue saturated, event dropped")
	}
}

func (e *EventQueue) tryHandoff(msg string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.jobs <- msg:
		return true
	default:
	}
	if e.opts.HandoffTimeout <= 0 {
		return false
	}
	timer := time.NewTimer(e.opts.HandoffTimeout)
	defer timer.Stop()
	select {
	case e.jobs <- msg:
		return true
	case <-timer.C:
		return false
	}
}

// Dropped returns how many events were discarded because the pool was full
// or closed.
func (e *EventQueue) Dropped() int64 { return e.dropped.Load() }

// Failed returns how many enqueue calls returned an error.
func (e *EventQueue) Failed() int64 { return e.failed.Load() }

// HealthCheck verifies the queue is reachable.
func (e *EventQueue) HealthCheck(ctx context.Context) error {
	_, err := e.queue.GetProperties(ctx, nil)
	return err
}

// Close stops accepting events and waits for queued ones to be sent.
func (e *EventQueue) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.jobs)
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

// EnsureQueue creates queueName when it does not exist yet.
func EnsureQueue(ctx context.Context, connStr, queueName string) error {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, nil)
	if err != nil {
		return err
	}
	if _, err := q.Create(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
			return err
		}
	}
	return nil
}
