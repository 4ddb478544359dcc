package gojob

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

const dedupPolicyDrop = "drop"

// MemoryQueue is an in-process go-job queue. Messages with the drop dedup
// policy are ignored while another message with the same idempotency key is
// queued or in flight.
type MemoryQueue struct {
	mu          sync.Mutex
	ready       []*memoryDelivery
	inFlight    map[string]bool
	deadLetters []*job.ExecutionMessage
	signal      chan struct{}
	closed      bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inFlight: map[string]bool{},
		signal:   make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("gojob: queue is closed")
	}
	key := strings.TrimSpace(msg.IdempotencyKey)
	if key != "" && q.inFlight[key] && strings.EqualFold(string(msg.DedupPolicy), dedupPolicyDrop) {
		return nil
	}
	if key != "" {
		q.inFlight[key] = true
	}
	q.push(&memoryDelivery{queue: q, msg: msg, attempt: 1})
	return nil
}

// Dequeue blocks until a message is ready or ctx is done.
func (q *MemoryQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			next := q.ready[0]
			q.ready = q.ready[1:]
			q.mu.Unlock()
			return next, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, fmt.Errorf("gojob: queue is closed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len reports the number of ready messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

func (q *MemoryQueue) DeadLetters() []*job.ExecutionMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*job.ExecutionMessage(nil), q.deadLetters...)
}

func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notify()
}

// push expects q.mu to be held.
func (q *MemoryQueue) push(delivery *memoryDelivery) {
	q.ready = append(q.ready, delivery)
	q.notify()
}

func (q *MemoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) finish(msg *job.ExecutionMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		delete(q.inFlight, key)
	}
}

func (q *MemoryQueue) requeue(delivery *memoryDelivery, delay time.Duration) {
	next := &memoryDelivery{queue: q, msg: delivery.msg, attempt: delivery.attempt + 1}
	if delay <= 0 {
		q.mu.Lock()
		defer q.mu.Unlock()
		if !q.closed {
			q.push(next)
		}
		return
	}
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if !q.closed {
			q.push(next)
		}
	})
}

func (q *MemoryQueue) deadLetter(msg *job.ExecutionMessage) {
	q.mu.Lock()
	q.deadLetters = append(q.deadLetters, msg)
	q.mu.Unlock()
	q.finish(msg)
}

type memoryDelivery struct {
	queue   *MemoryQueue
	msg     *job.ExecutionMessage
	attempt int
	once    sync.Once
}

func (d *memoryDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

// Attempt is 1 for the first delivery of a message.
func (d *memoryDelivery) Attempt() int {
	return d.attempt
}

func (d *memoryDelivery) Ack(context.Context) error {
	d.once.Do(func() { d.queue.finish(d.msg) })
	return nil
}

func (d *memoryDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	d.once.Do(func() {
		switch {
		case opts.DeadLetter:
			d.queue.deadLetter(d.msg)
		case opts.Requeue:
			d.queue.requeue(d, opts.Delay)
		default:
			d.queue.finish(d.msg)
		}
	})
	return nil
}

var (
	_ queue.Enqueuer = (*MemoryQueue)(nil)
	_ queue.Dequeuer = (*MemoryQueue)(nil)
	_ queue.Delivery = (*memoryDelivery)(nil)
)
