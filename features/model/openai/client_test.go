package openai

import (
	"context"
	"net/http"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/stretchr/testify/require"

	"github.com/socraticlabs/bench/pipeline/model"
)

type fakeChat struct {
	lastParams sdk.ChatCompletionNewParams
	completion *sdk.ChatCompletion
	err        error
	calls      int
}

func (f *fakeChat) New(_ context.Context, params sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	f.calls++
	f.lastParams = params
	if f.err != nil {
		return nil, f.err
	}
	return f.completion, nil
}

func completionWith(text string, in, out int64) *sdk.ChatCompletion {
	return &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{{Message: sdk.ChatCompletionMessage{Content: text}}},
		Usage:   sdk.CompletionUsage{PromptTokens: in, CompletionTokens: out},
	}
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, Options{})
	require.EqualError(t, err, "openai client is required")
}

func TestNewFromAPIKeyRequiresKey(t *testing.T) {
	_, err := NewFromAPIKey("", Options{})
	require.EqualError(t, err, "api key is required")
}

func TestInvokeTranslatesRequestAndResponse(t *testing.T) {
	fake := &fakeChat{completion: completionWith("What led you there?", 90, 6)}
	c, err := New(fake, Options{MaxTokens: 512, Temperature: 0.4})
	require.NoError(t, err)

	resp, err := c.Invoke(context.Background(), &model.Request{
		ModelID: "gpt-4o",
		System:  "You are a Socratic teacher.",
		Messages: []model.Message{
			{Role: model.RoleStudent, Text: "Heavier things fall faster."},
		},
		Seed: 7,
	})
	require.NoError(t, err)
	require.Equal(t, "What led you there?", resp.Text)
	require.Equal(t, model.Usage{InputTokens: 90, OutputTokens: 6}, resp.Usage)

	params := fake.lastParams
	require.Equal(t, shared.ChatModel("gpt-4o"), params.Model)
	require.Equal(t, int64(512), params.MaxCompletionTokens.Value)
	require.Equal(t, 0.4, params.Temperature.Value)
	require.Equal(t, int64(7), params.Seed.Value)
	// System prompt becomes the leading chat message.
	require.Len(t, params.Messages, 2)
}

func TestInvokeRequestOverridesDefaults(t *testing.T) {
	fake := &fakeChat{completion: completionWith("ok", 1, 1)}
	c, err := New(fake, Options{MaxTokens: 1024, Temperature: 0.4})
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), &model.Request{
		ModelID:     "gpt-4o",
		Messages:    []model.Message{{Role: model.RoleStudent, Text: "hi"}},
		MaxTokens:   32,
		Temperature: 0.8,
	})
	require.NoError(t, err)
	require.Equal(t, int64(32), fake.lastParams.MaxCompletionTokens.Value)
	require.Equal(t, 0.8, fake.lastParams.Temperature.Value)
}

func TestInvokeWrapsRateLimiting(t *testing.T) {
	fake := &fakeChat{err: &sdk.Error{StatusCode: http.StatusTooManyRequests}}
	c, err := New(fake, Options{})
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), &model.Request{
		ModelID:  "gpt-4o",
		Messages: []model.Message{{Role: model.RoleStudent, Text: "hi"}},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestInvokeEmptyChoicesIsMalformed(t *testing.T) {
	fake := &fakeChat{completion: &sdk.ChatCompletion{}}
	c, err := New(fake, Options{})
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), &model.Request{
		ModelID:  "gpt-4o",
		Messages: []model.Message{{Role: model.RoleStudent, Text: "hi"}},
	})
	require.ErrorIs(t, err, model.ErrMalformedOutput)
}

func TestInvokeValidation(t *testing.T) {
	fake := &fakeChat{completion: completionWith("ok", 1, 1)}
	c, err := New(fake, Options{})
	require.NoError(t, err)

	cases := []struct {
		name string
		req  *model.Request
	}{
		{name: "missing model", req: &model.Request{Messages: []model.Message{{Role: model.RoleStudent, Text: "hi"}}}},
		{name: "no messages", req: &model.Request{ModelID: "gpt-4o"}},
		{name: "unknown role", req: &model.Request{
			ModelID:  "gpt-4o",
			Messages: []model.Message{{Role: "narrator", Text: "hi"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Invoke(context.Background(), tc.req)
			require.Error(t, err)
			require.Equal(t, 0, fake.calls)
		})
	}
}
