// Package pulse implements the pipeline job queues on Pulse streams over
// Redis. Each queue is one stream; each consumer group is one Pulse sink.
// Delivery attempt counts live in a Pulse replicated map keyed by event ID so
// redeliveries across processes share one counter.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/socraticlabs/bench/features/queue/pulse/clients/pulse"
	"github.com/socraticlabs/bench/pipeline/queue"
)

const jobEventName = "job"

type (
	// Options configures a Pulse-backed queue.
	Options struct {
		// Client is the Pulse client. Required.
		Client clientspulse.Client
		// Name is the queue (stream) name. Required.
		Name string
		// Buffer is the delivery channel capacity. Defaults to 64.
		Buffer int
	}

	// Queue implements queue.Queue on a Pulse stream.
	Queue struct {
		client clientspulse.Client
		name   string
		buffer int

		mu       sync.Mutex
		stream   clientspulse.Stream
		attempts clientspulse.Map
	}

	consumer struct {
		ch   chan queue.Delivery
		sink clientspulse.Sink
		once sync.Once
		done chan struct{}
	}
)

var _ queue.Queue = (*Queue)(nil)

// New constructs a Pulse-backed queue.
func New(opts Options) (*Queue, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Name == "" {
		return nil, errors.New("queue name is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Queue{client: opts.Client, name: opts.Name, buffer: buffer}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue publishes the payload to the stream.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) error {
	stream, err := q.ensureStream()
	if err != nil {
		return err
	}
	if _, err := stream.Add(ctx, jobEventName, payload); err != nil {
		return fmt.Errorf("enqueue to %s: %w", q.name, err)
	}
	return nil
}

// Consume opens a consumer group on the stream. Unacked events redeliver
// after the sink's ack grace period, so a crashed worker's in-flight jobs
// migrate to its peers.
func (q *Queue) Consume(ctx context.Context, group string) (queue.Consumer, error) {
	if group == "" {
		return nil, errors.New("consumer group is required")
	}
	stream, err := q.ensureStream()
	if err != nil {
		return nil, err
	}
	attempts, err := q.ensureAttempts(ctx)
	if err != nil {
		return nil, err
	}
	sink, err := stream.NewSink(ctx, group, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, fmt.Errorf("open sink %s on %s: %w", group, q.name, err)
	}
	c := &consumer{
		ch:   make(chan queue.Delivery, q.buffer),
		sink: sink,
		done: make(chan struct{}),
	}
	go c.pump(ctx, sink, attempts)
	return c, nil
}

func (q *Queue) ensureStream() (clientspulse.Stream, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stream != nil {
		return q.stream, nil
	}
	stream, err := q.client.Stream(q.name)
	if err != nil {
		return nil, err
	}
	q.stream = stream
	return stream, nil
}

func (q *Queue) ensureAttempts(ctx context.Context) (clientspulse.Map, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.attempts != nil {
		return q.attempts, nil
	}
	m, err := q.client.Map(ctx, q.name+"_attempts")
	if err != nil {
		return nil, err
	}
	q.attempts = m
	return m, nil
}

func (c *consumer) pump(ctx context.Context, sink clientspulse.Sink, attempts clientspulse.Map) {
	defer close(c.ch)
	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d := queue.Delivery{
				ID:      ev.ID,
				Attempt: attemptFor(attempts, ev.ID),
				Payload: ev.Payload,
				Ack: func(ctx context.Context) error {
					if _, err := attempts.Delete(ctx, ev.ID); err != nil {
						return err
					}
					return sink.Ack(ctx, ev)
				},
				Nack: func(ctx context.Context) error {
					// Leave the event unacked so Pulse redelivers it after
					// the grace period; bump the shared attempt counter.
					_, err := attempts.Set(ctx, ev.ID, strconv.Itoa(attemptFor(attempts, ev.ID)))
					return err
				},
			}
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case c.ch <- d:
			}
		}
	}
}

// attemptFor returns the delivery attempt number for an event: one more than
// the recorded nack count.
func attemptFor(attempts clientspulse.Map, eventID string) int {
	val, ok := attempts.Get(eventID)
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 1 {
		return 1
	}
	return n + 1
}

// Deliveries returns the delivery channel.
func (c *consumer) Deliveries() <-chan queue.Delivery { return c.ch }

// Close stops consumption and closes the underlying sink.
func (c *consumer) Close(ctx context.Context) {
	c.once.Do(func() {
		close(c.done)
		c.sink.Close(ctx)
	})
}
