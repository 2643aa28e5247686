// Package model defines the Model Invoker seam: the pluggable capability the
// Runner and Judge use to call upstream generative model APIs. Adapters live
// under features/model; scripted fakes back the tests.
package model

import (
	"context"
	"errors"
)

type (
	// Role identifies the author of a dialogue message.
	Role string

	// Message is one entry of the prompt conversation.
	Message struct {
		Role Role   `json:"role"`
		Text string `json:"text"`
	}

	// Request is a single completion request against a model.
	Request struct {
		// ModelID selects the upstream model.
		ModelID string
		// System is the system prompt, if any.
		System string
		// Messages is the conversation so far, oldest first, ending with the
		// utterance the model should respond to.
		Messages []Message
		// Temperature overrides the adapter default when positive.
		Temperature float64
		// MaxTokens caps the completion length when positive.
		MaxTokens int
		// Seed pins sampling where the provider supports it.
		Seed int64
	}

	// Usage reports the token accounting of one invocation.
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// Response is the result of one completion request.
	Response struct {
		// Text is the generated completion.
		Text string
		// Usage is the provider-reported token accounting.
		Usage Usage
		// LatencyMS is the wall-clock invocation time in milliseconds,
		// measured by the adapter.
		LatencyMS int64
	}

	// Invoker issues completion requests. Implementations must be safe for
	// concurrent use; rate limiting is applied by middleware, not by callers.
	Invoker interface {
		Invoke(ctx context.Context, req *Request) (*Response, error)
	}
)

const (
	RoleSystem    Role = "system"
	RoleStudent   Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrRateLimited marks provider throttling. Adapters wrap provider-specific
// 429 responses with it so the retry layer can classify them as transient.
var ErrRateLimited = errors.New("model invoker: rate limited")

// ErrMalformedOutput marks a semantically invalid completion (for example a
// judge response that does not parse). It is terminal: callers persist the
// failure instead of retrying.
var ErrMalformedOutput = errors.New("model invoker: malformed output")
