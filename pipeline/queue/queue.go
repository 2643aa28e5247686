// Package queue defines the durable job queue and signal bus abstractions
// binding the pipeline components. Queues are the only coupling between
// Planner, Runner, Judge, and Curator: delivery is at-least-once with
// redelivery on failure, and every consumer is idempotent under replay.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// Queue names. The signal bus is modeled as a queue with one consumer group
// per subscriber, which preserves the at-least-once broadcast semantics the
// Curator relies on.
const (
	DialogueQueue = "bench_dialogue"
	JudgmentQueue = "bench_judgment"
	RunJudgedBus  = "bench_run_judged"
)

type (
	// RunJob is the dialogue-queue payload: one run to drive to completion.
	RunJob struct {
		RunID      string `json:"run_id"`
		ManifestID string `json:"manifest_id"`
		ModelID    string `json:"model_id"`
		ScenarioID string `json:"scenario_id"`
	}

	// JudgeJob is the judgment-queue payload: one turn to score.
	JudgeJob struct {
		RunID     string `json:"run_id"`
		TurnIndex int    `json:"turn_index"`
	}

	// RunJudged is the signal-bus payload emitted when completion detection
	// observes that every persisted turn of a run has a judgment. Force skips
	// the Curator's count validation; it backs the operational force-curate
	// path for runs with dead-lettered judge jobs.
	RunJudged struct {
		RunID string `json:"run_id"`
		Force bool   `json:"force,omitempty"`
	}

	// Delivery is one at-least-once message delivery. Ack removes the
	// message; Nack schedules redelivery with an incremented attempt count.
	// Exactly one of the two must be called per delivery.
	Delivery struct {
		// ID is the transport-assigned message identifier, stable across
		// redeliveries where the transport supports it.
		ID string
		// Attempt counts deliveries of this message, starting at 1.
		Attempt int
		// Payload is the JSON-encoded job.
		Payload []byte
		// Ack acknowledges successful processing.
		Ack func(ctx context.Context) error
		// Nack fails the delivery so the message redelivers.
		Nack func(ctx context.Context) error
	}

	// Consumer receives deliveries from a queue.
	Consumer interface {
		// Deliveries returns the channel of incoming deliveries. The channel
		// closes when the consumer is closed or its context ends.
		Deliveries() <-chan Delivery
		// Close stops consumption and releases transport resources.
		Close(ctx context.Context)
	}

	// Queue is a durable FIFO-with-retry job queue.
	Queue interface {
		// Name returns the queue name.
		Name() string
		// Enqueue publishes a message. At-least-once: callers must tolerate
		// duplicate deliveries downstream.
		Enqueue(ctx context.Context, payload []byte) error
		// Consume opens a named consumer group on the queue. Consumers in
		// the same group share the message stream; distinct groups each see
		// every message.
		Consume(ctx context.Context, group string) (Consumer, error)
	}
)

// EncodeJob marshals a queue payload.
func EncodeJob(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return data, nil
}

// DecodeJob unmarshals a queue payload into v.
func DecodeJob(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}
	return nil
}
