package anthropic

import (
	"context"
	"errors"
	"net/http"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/socraticlabs/bench/pipeline/model"
)

type fakeMessages struct {
	lastParams sdk.MessageNewParams
	msg        *sdk.Message
	err        error
	calls      int
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.calls++
	f.lastParams = body
	if f.err != nil {
		return nil, f.err
	}
	return f.msg, nil
}

func textMessage(text string, in, out int64) *sdk.Message {
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		Usage:   sdk.Usage{InputTokens: in, OutputTokens: out},
	}
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, Options{})
	require.EqualError(t, err, "anthropic client is required")
}

func TestNewFromAPIKeyRequiresKey(t *testing.T) {
	_, err := NewFromAPIKey("", Options{})
	require.EqualError(t, err, "api key is required")
}

func TestInvokeTranslatesRequestAndResponse(t *testing.T) {
	fake := &fakeMessages{msg: textMessage("Why do you think so?", 120, 8)}
	c, err := New(fake, Options{MaxTokens: 2048, Temperature: 0.3})
	require.NoError(t, err)

	resp, err := c.Invoke(context.Background(), &model.Request{
		ModelID: "claude-sonnet-4",
		System:  "You are a Socratic teacher.",
		Messages: []model.Message{
			{Role: model.RoleStudent, Text: "The sky is blue because of water."},
			{Role: model.RoleAssistant, Text: "What makes you connect the two?"},
			{Role: model.RoleStudent, Text: "The ocean is blue too."},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Why do you think so?", resp.Text)
	require.Equal(t, model.Usage{InputTokens: 120, OutputTokens: 8}, resp.Usage)

	params := fake.lastParams
	require.Equal(t, sdk.Model("claude-sonnet-4"), params.Model)
	require.Equal(t, int64(2048), params.MaxTokens)
	require.Len(t, params.System, 1)
	require.Equal(t, "You are a Socratic teacher.", params.System[0].Text)
	require.Len(t, params.Messages, 3)
}

func TestInvokeRequestOverridesDefaults(t *testing.T) {
	fake := &fakeMessages{msg: textMessage("ok", 1, 1)}
	c, err := New(fake, Options{MaxTokens: 1024, Temperature: 0.3})
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), &model.Request{
		ModelID:     "claude-sonnet-4",
		Messages:    []model.Message{{Role: model.RoleStudent, Text: "hi"}},
		MaxTokens:   64,
		Temperature: 0.9,
	})
	require.NoError(t, err)
	require.Equal(t, int64(64), fake.lastParams.MaxTokens)
	require.Equal(t, 0.9, fake.lastParams.Temperature.Value)
}

func TestInvokeJoinsMultipleTextBlocks(t *testing.T) {
	fake := &fakeMessages{msg: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "first"},
			{Type: "thinking"},
			{Type: "text", Text: "second"},
		},
	}}
	c, err := New(fake, Options{})
	require.NoError(t, err)

	resp, err := c.Invoke(context.Background(), &model.Request{
		ModelID:  "claude-sonnet-4",
		Messages: []model.Message{{Role: model.RoleStudent, Text: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "first\nsecond", resp.Text)
}

func TestInvokeWrapsRateLimiting(t *testing.T) {
	fake := &fakeMessages{err: &sdk.Error{StatusCode: http.StatusTooManyRequests}}
	c, err := New(fake, Options{})
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), &model.Request{
		ModelID:  "claude-sonnet-4",
		Messages: []model.Message{{Role: model.RoleStudent, Text: "hi"}},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestInvokeOtherAPIErrorsAreNotRateLimited(t *testing.T) {
	fake := &fakeMessages{err: &sdk.Error{StatusCode: http.StatusInternalServerError}}
	c, err := New(fake, Options{})
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), &model.Request{
		ModelID:  "claude-sonnet-4",
		Messages: []model.Message{{Role: model.RoleStudent, Text: "hi"}},
	})
	require.Error(t, err)
	require.False(t, errors.Is(err, model.ErrRateLimited))
}

func TestInvokeValidation(t *testing.T) {
	fake := &fakeMessages{msg: textMessage("ok", 1, 1)}
	c, err := New(fake, Options{})
	require.NoError(t, err)

	cases := []struct {
		name string
		req  *model.Request
	}{
		{name: "missing model", req: &model.Request{Messages: []model.Message{{Role: model.RoleStudent, Text: "hi"}}}},
		{name: "no messages", req: &model.Request{ModelID: "claude-sonnet-4"}},
		{name: "inline system message", req: &model.Request{
			ModelID:  "claude-sonnet-4",
			Messages: []model.Message{{Role: model.RoleSystem, Text: "be nice"}},
		}},
		{name: "unknown role", req: &model.Request{
			ModelID:  "claude-sonnet-4",
			Messages: []model.Message{{Role: "moderator", Text: "hi"}},
		}},
		{name: "only empty texts", req: &model.Request{
			ModelID:  "claude-sonnet-4",
			Messages: []model.Message{{Role: model.RoleStudent, Text: ""}},
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
