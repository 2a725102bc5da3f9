package quotabot

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

var errEmptyCompletion = errors.New("no content in completion response")

// OpenAIClient is the subset of the OpenAI API used by metered commands.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// OpenAI sends prompts from metered commands to a chat completion model.
//
// requestLimiter paces outbound requests for the whole bot. It's a
// separate concern from per-user quotas, which are enforced before a
// request ever gets here.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client) *OpenAI {
	o := &OpenAI{
		config: config,
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			max(int(config.MaxRequestsPerSecond), 1),
		),
	}
	o.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "openai")

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)
	return o
}

// ChatCompletion sends prompt with the given system prompt, returning
// the first choice's content. user is passed along as the end-user ID.
func (o *OpenAI) ChatCompletion(
	ctx context.Context,
	systemPrompt string,
	prompt string,
	user string,
) (string, error) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = o.logger
	}

	if o.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.RequestTimeout)
		defer cancel()
	}
	if err := o.requestLimiter.Wait(ctx); err != nil {
		return "", err
	}

	var messages []openai.ChatCompletionMessage
	if systemPrompt != "" {
		messages = append(
			messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
		)
	}
	messages = append(
		messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		},
	)
	req := openai.ChatCompletionRequest{
		Model:     o.config.Model,
		Messages:  messages,
		MaxTokens: o.config.MaxTokens,
		User:      user,
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		logger.ErrorContext(ctx, "chat completion failed", "duration", elapsed, tint.Err(err))
		return "", err
	}
	logger.InfoContext(
		ctx,
		"chat completion",
		"duration", elapsed,
		"model", resp.Model,
		slog.Group(
			"usage",
			"prompt_tokens", resp.Usage.PromptTokens,
			"completion_tokens", resp.Usage.CompletionTokens,
		),
	)
	if len(resp.Choices) == 0 {
		return "", errEmptyCompletion
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errEmptyCompletion
	}
	return content, nil
}
