// Package worker runs queue consumers: a pool of goroutines draining one
// consumer group, dispatching each delivery to a handler, and acking or
// nacking based on the outcome. Messages that exhaust their delivery budget
// are persisted to the blob tier for operator inspection and acked so they
// stop cycling.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/socraticlabs/bench/pipeline/queue"
	"github.com/socraticlabs/bench/pipeline/retry"
	"github.com/socraticlabs/bench/pipeline/storage"
	"github.com/socraticlabs/bench/pipeline/telemetry"
)

// Handler processes one message payload. A nil return acks the delivery;
// an error nacks it for redelivery unless the error is terminal or the
// delivery budget is spent, in which case it dead-letters.
type Handler func(ctx context.Context, payload []byte) error

type (
	// Options configures a worker pool.
	Options struct {
		// Queue is the queue to consume. Required.
		Queue queue.Queue
		// Group is the consumer group name. Required.
		Group string
		// Handler processes deliveries. Required.
		Handler Handler
		// Blob receives dead-lettered messages. Required.
		Blob storage.Blob
		// Concurrency is the number of handler goroutines. Defaults to 4.
		Concurrency int
		// MaxAttempts is the delivery budget before dead-lettering.
		// Defaults to 5.
		MaxAttempts int
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics defaults to noop metrics.
		Metrics telemetry.Metrics
	}

	// Worker drains one consumer group with bounded concurrency.
	Worker struct {
		queue       queue.Queue
		group       string
		handler     Handler
		blob        storage.Blob
		concurrency int
		maxAttempts int
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		name        string
	}

	// deadLetter is the blob artifact written for an exhausted message.
	deadLetter struct {
		Queue      string          `json:"queue"`
		Group      string          `json:"group"`
		MessageID  string          `json:"message_id"`
		Attempts   int             `json:"attempts"`
		Payload    json.RawMessage `json:"payload"`
		LastError  string          `json:"last_error"`
		DeadAt     time.Time       `json:"dead_at"`
		WorkerName string          `json:"worker_name"`
	}
)

// New constructs a worker pool.
func New(opts Options) (*Worker, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Group == "" {
		return nil, errors.New("consumer group is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if opts.Blob == nil {
		return nil, errors.New("blob store is required")
	}
	w := &Worker{
		queue:       opts.Queue,
		group:       opts.Group,
		handler:     opts.Handler,
		blob:        opts.Blob,
		concurrency: opts.Concurrency,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		name:        opts.Group + "-" + uuid.NewString()[:8],
	}
	if w.concurrency <= 0 {
		w.concurrency = 4
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 5
	}
	if w.logger == nil {
		w.logger = telemetry.NewNoopLogger()
	}
	if w.metrics == nil {
		w.metrics = telemetry.NewNoopMetrics()
	}
	return w, nil
}

// Run consumes until the context ends or the delivery channel closes. It
// blocks; callers run it in a goroutine per pool.
func (w *Worker) Run(ctx context.Context) error {
	consumer, err := w.queue.Consume(ctx, w.group)
	if err != nil {
		return fmt.Errorf("open consumer group %s on %s: %w", w.group, w.queue.Name(), err)
	}
	defer consumer.Close(context.WithoutCancel(ctx))

	w.logger.Info(ctx, "worker started",
		"worker", w.name,
		"queue", w.queue.Name(),
		"concurrency", w.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-consumer.Deliveries():
					if !ok {
						return
					}
					w.dispatch(ctx, d)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) dispatch(ctx context.Context, d queue.Delivery) {
	err := w.handler(ctx, d.Payload)
	if err == nil {
		w.metrics.IncCounter(telemetry.MetricHandlerSuccess, 1, "queue", w.queue.Name())
		w.ack(ctx, d)
		return
	}
	w.metrics.IncCounter(telemetry.MetricHandlerFailure, 1, "queue", w.queue.Name())

	if retry.IsTerminal(err) || d.Attempt >= w.maxAttempts {
		w.deadLetterDelivery(ctx, d, err)
		return
	}
	w.logger.Warn(ctx, "delivery failed, redelivering",
		"worker", w.name,
		"queue", w.queue.Name(),
		"message_id", d.ID,
		"attempt", d.Attempt,
		"err", err)
	if nackErr := d.Nack(ctx); nackErr != nil {
		w.logger.Error(ctx, "nack failed", "message_id", d.ID, "err", nackErr)
	}
}

// deadLetterDelivery persists the payload to the blob tier, then acks so the
// message leaves the queue. Runs marked failed stay resumable: a later
// manual re-enqueue of the same job picks up from persisted state.
func (w *Worker) deadLetterDelivery(ctx context.Context, d queue.Delivery, cause error) {
	artifact, err := json.Marshal(deadLetter{
		Queue:      w.queue.Name(),
		Group:      w.group,
		MessageID:  d.ID,
		Attempts:   d.Attempt,
		Payload:    json.RawMessage(d.Payload),
		LastError:  cause.Error(),
		DeadAt:     time.Now().UTC(),
		WorkerName: w.name,
	})
	if err == nil {
		err = w.blob.Put(ctx, storage.DLQBlobPath(w.queue.Name(), d.ID), artifact)
	}
	if err != nil {
		// Blob tier unavailable: keep the message cycling rather than lose it.
		w.logger.Error(ctx, "dead-letter persistence failed", "message_id", d.ID, "err", err)
		if nackErr := d.Nack(ctx); nackErr != nil {
			w.logger.Error(ctx, "nack failed", "message_id", d.ID, "err", nackErr)
		}
		return
	}
	w.metrics.IncCounter(telemetry.MetricDeadLettered, 1, "queue", w.queue.Name())
	w.logger.Error(ctx, "message dead-lettered",
		"worker", w.name,
		"queue", w.queue.Name(),
		"message_id", d.ID,
		"attempts", d.Attempt,
		"err", cause)
	w.ack(ctx, d)
}

func (w *Worker) ack(ctx context.Context, d queue.Delivery) {
	if err := d.Ack(ctx); err != nil {
		w.logger.Error(ctx, "ack failed", "message_id", d.ID, "err", err)
	}
}
