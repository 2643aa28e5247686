// Package openai provides a model.Invoker backed by the OpenAI Chat
// Completions API. It translates benchmark dialogue requests into
// ChatCompletion calls using github.com/openai/openai-go and maps responses
// back to the generic invoker structures.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/socraticlabs/bench/pipeline/model"
)

// ChatClient captures the subset of the openai-go client used by the
// adapter. It is satisfied by the SDK's chat completion service so callers
// can pass either a real client or a mock in tests.
type ChatClient interface {
	New(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	// MaxTokens sets the default completion cap when a request does not
	// specify MaxTokens. Defaults to 1024.
	MaxTokens int

	// Temperature is used when a request does not specify Temperature.
	Temperature float64
}

// Client implements model.Invoker via the OpenAI Chat Completions API.
type Client struct {
	chat   ChatClient
	maxTok int
	temp   float64
}

// New builds an OpenAI-backed invoker from the provided chat client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Client{chat: chat, maxTok: maxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, opts)
}

// Invoke renders a chat completion using the configured OpenAI client.
func (c *Client) Invoke(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req.ModelID == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m.Text == "" {
			continue
		}
		switch m.Role {
		case model.RoleStudent:
			messages = append(messages, sdk.UserMessage(m.Text))
		case model.RoleAssistant:
			messages = append(messages, sdk.AssistantMessage(m.Text))
		case model.RoleSystem:
			messages = append(messages, sdk.SystemMessage(m.Text))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	params := sdk.ChatCompletionNewParams{
		Model:               shared.ChatModel(req.ModelID),
		Messages:            messages,
		MaxCompletionTokens: sdk.Int(int64(maxTokens)),
	}
	if t := req.Temperature; t > 0 {
		params.Temperature = sdk.Float(t)
	} else if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	if req.Seed != 0 {
		params.Seed = sdk.Int(req.Seed)
	}

	start := time.Now()
	completion, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai returned no choices", model.ErrMalformedOutput)
	}
	return &model.Response{
		Text: completion.Choices[0].Message.Content,
		Usage: model.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}
