// Package inmem provides an in-memory queue.Queue with at-least-once
// delivery, redelivery on Nack, and per-group fan-out. Tests use it to drive
// redelivery and dead-letter scenarios deterministically.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/socraticlabs/bench/pipeline/queue"
)

type (
	// Queue is a map-backed queue.Queue.
	Queue struct {
		name string

		mu      sync.Mutex
		nextID  int
		groups  map[string]*group
		backlog []message
	}

	message struct {
		id      string
		attempt int
		payload []byte
	}

	group struct {
		q       *Queue
		mu      sync.Mutex
		pending []message
		ch      chan queue.Delivery
		wake    chan struct{}
		done    chan struct{}
		once    sync.Once
	}
)

// New constructs an empty in-memory queue.
func New(name string) *Queue {
	return &Queue{
		name:   name,
		groups: make(map[string]*group),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue publishes the payload to every consumer group. Messages published
// before the first Consume call are retained and delivered to the first
// group that opens.
func (q *Queue) Enqueue(_ context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	msg := message{
		id:      fmt.Sprintf("%s-%d", q.name, q.nextID),
		attempt: 1,
		payload: append([]byte(nil), payload...),
	}
	if len(q.groups) == 0 {
		q.backlog = append(q.backlog, msg)
		return nil
	}
	for _, g := range q.groups {
		g.push(msg)
	}
	return nil
}

// Consume opens a consumer group. The first group to open drains the backlog
// of messages enqueued before any consumer existed.
func (q *Queue) Consume(ctx context.Context, groupName string) (queue.Consumer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if g, ok := q.groups[groupName]; ok {
		return g, nil
	}
	g := &group{
		q:    q,
		ch:   make(chan queue.Delivery),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	g.pending = append(g.pending, q.backlog...)
	if len(q.groups) == 0 {
		q.backlog = nil
	}
	q.groups[groupName] = g
	go g.dispatch(ctx)
	return g, nil
}

// Len returns the number of messages pending in the given group. Messages
// enqueued before any group opened count toward every future group.
func (q *Queue) Len(groupName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.groups[groupName]
	if !ok {
		return len(q.backlog)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *group) push(msg message) {
	g.mu.Lock()
	g.pending = append(g.pending, msg)
	g.mu.Unlock()
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *group) pop() (message, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.pending) == 0 {
		return message{}, false
	}
	msg := g.pending[0]
	g.pending = g.pending[1:]
	return msg, true
}

func (g *group) dispatch(ctx context.Context) {
	defer close(g.ch)
	for {
		msg, ok := g.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-g.done:
				return
			case <-g.wake:
				continue
			}
		}
		d := queue.Delivery{
			ID:      msg.id,
			Attempt: msg.attempt,
			Payload: msg.payload,
			Ack:     func(context.Context) error { return nil },
			Nack: func(context.Context) error {
				redelivered := msg
				redelivered.attempt++
				g.push(redelivered)
				return nil
			},
		}
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case g.ch <- d:
		}
	}
}

// Deliveries returns the delivery channel.
func (g *group) Deliveries() <-chan queue.Delivery { return g.ch }

// Close stops the dispatcher.
func (g *group) Close(context.Context) {
	g.once.Do(func() { close(g.done) })
}
