package quotabot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestOpenAI(t *testing.T) (*OpenAI, *mockOpenAIClient) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	o := newOpenAI(cfg.OpenAI, nil)
	client := &mockOpenAIClient{}
	o.client = client
	return o, client
}

func TestOpenAI_ChatCompletion(t *testing.T) {
	t.Parallel()
	o, client := newTestOpenAI(t)
	client.On(
		"CreateChatCompletion", mock.Anything, mock.MatchedBy(
			func(req openai.ChatCompletionRequest) bool {
				return req.Model == o.config.Model &&
					req.User == "42" &&
					len(req.Messages) == 2 &&
					req.Messages[0].Role == openai.ChatMessageRoleSystem &&
					req.Messages[0].Content == "be brief" &&
					req.Messages[1].Role == openai.ChatMessageRoleUser &&
					req.Messages[1].Content == "hello"
			},
		),
	).Return(chatCompletionResponse("  hi there\n"), nil).Once()

	answer, err := o.ChatCompletion(context.Background(), "be brief", "hello", "42")
	require.NoError(t, err)
	assert.Equal(t, "hi there", answer)
	client.AssertExpectations(t)
}

func TestOpenAI_NoSystemPrompt(t *testing.T) {
	t.Parallel()
	o, client := newTestOpenAI(t)
	client.On(
		"CreateChatCompletion", mock.Anything, mock.MatchedBy(
			func(req openai.ChatCompletionRequest) bool {
				return len(req.Messages) == 1 && req.Messages[0].Role == openai.ChatMessageRoleUser
			},
		),
	).Return(chatCompletionResponse("ok"), nil).Once()

	_, err := o.ChatCompletion(context.Background(), "", "hello", "42")
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestOpenAI_EmptyCompletion(t *testing.T) {
	t.Parallel()
	o, client := newTestOpenAI(t)
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(openai.ChatCompletionResponse{}, nil).Once()
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(chatCompletionResponse("   "), nil).Once()

	_, err := o.ChatCompletion(context.Background(), "", "hello", "42")
	assert.ErrorIs(t, err, errEmptyCompletion)
	_, err = o.ChatCompletion(context.Background(), "", "hello", "42")
	assert.ErrorIs(t, err, errEmptyCompletion)
}

func TestOpenAI_HTTPClient(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotReq openai.ChatCompletionRequest
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(chatCompletionResponse("from the server"))
			},
		),
	)
	t.Cleanup(server.Close)

	cfg := DefaultTestConfig(t)
	cfg.OpenAI.BaseURL = server.URL
	cfg.OpenAI.RequestTimeout = 5 * time.Second
	o := newOpenAI(cfg.OpenAI, server.Client())

	answer, err := o.ChatCompletion(context.Background(), "", "hello", "42")
	require.NoError(t, err)
	assert.Equal(t, "from the server", answer)
	assert.Equal(t, "Bearer "+cfg.OpenAI.Token, gotAuth)
	assert.Equal(t, cfg.OpenAI.Model, gotReq.Model)
	assert.Equal(t, "42", gotReq.User)
}

func TestOpenAI_CanceledContext(t *testing.T) {
	t.Parallel()
	o, client := newTestOpenAI(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.ChatCompletion(ctx, "", "hello", "42")
	assert.ErrorIs(t, err, context.Canceled)
	client.AssertNotCalled(t, "CreateChatCompletion", mock.Anything, mock.Anything)
}
