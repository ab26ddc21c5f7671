// Package queue carries job ids from the submitter to the worker pool.
package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrFull   = errors.New("queue full")
	ErrClosed = errors.New("queue closed")
)

// Delivery is one dequeued job id. Exactly one of Ack or Nak should be called.
type Delivery struct {
	JobID string
	Ack   func() error
	Nak   func() error
}

type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (Delivery, error)
	// Position is the 1-based place of jobID among jobs that are running or
	// waiting, in enqueue order. It is 0 when the job is not in the queue.
	Position(ctx context.Context, jobID string) (int, error)
}

// Memory is a bounded in-process queue. Nak puts the id back at the tail.
// Delivered ids count towards Position until they are acked or nacked.
type Memory struct {
	capacity int

	mu      sync.Mutex
	waiting []string
	active  []string
	wake    chan struct{}
	closed  bool
	done    chan struct{}
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{capacity: capacity, wake: make(chan struct{}), done: make(chan struct{})}
}

func (q *Memory) Enqueue(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(q.waiting) >= q.capacity {
		return ErrFull
	}
	q.waiting = append(q.waiting, jobID)
	close(q.wake)
	q.wake = make(chan struct{})
	return nil
}

func (q *Memory) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Delivery{}, ErrClosed
		}
		if len(q.waiting) > 0 {
			id := q.waiting[0]
			q.waiting = q.waiting[1:]
			q.active = append(q.active, id)
			q.mu.Unlock()
			return q.delivery(id), nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-q.done:
			return Delivery{}, ErrClosed
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		}
	}
}

func (q *Memory) delivery(id string) Delivery {
	var once sync.Once
	settle := func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, a := range q.active {
			if a == id {
				q.active = append(q.active[:i], q.active[i+1:]...)
				return
			}
		}
	}
	return Delivery{
		JobID: id,
		Ack: func() error {
			once.Do(settle)
			return nil
		},
		Nak: func() error {
			once.Do(settle)
			return q.Enqueue(context.Background(), id)
		},
	}
}

func (q *Memory) Position(_ context.Context, jobID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, id := range q.active {
		if id == jobID {
			return i + 1, nil
		}
	}
	for i, id := range q.waiting {
		if id == jobID {
			return len(q.active) + i + 1, nil
		}
	}
	return 0, nil
}

// Len is the number of waiting ids.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Close wakes blocked consumers. Pending ids are dropped.
func (q *Memory) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.waiting = nil
	close(q.done)
}
