package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIOptions configures the OpenAI-backed completer.
type OpenAIOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	// Transport lets callers wrap the outbound HTTP client, e.g. with
	// OpenTelemetry spans.
	Transport http.RoundTripper
}

// OpenAICompleter calls the OpenAI chat completion API.
type OpenAICompleter struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
}

func NewOpenAICompleter(options OpenAIOptions) (*OpenAICompleter, error) {
	if strings.TrimSpace(options.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	if strings.TrimSpace(options.Model) == "" {
		return nil, errors.New("openai model is required")
	}

	cfg := openai.DefaultConfig(options.APIKey)
	if baseURL := strings.TrimSpace(options.BaseURL); baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	httpClient := &http.Client{Timeout: options.Timeout}
	if options.Transport != nil {
		httpClient.Transport = options.Transport
	}
	cfg.HTTPClient = httpClient

	return &OpenAICompleter{
		client:      openai.NewClientWithConfig(cfg),
		model:       options.Model,
		temperature: options.Temperature,
		maxTokens:   options.MaxTokens,
		timeout:     options.Timeout,
	}, nil
}

func (c *OpenAICompleter) Name() string {
	return "openai"
}

// Complete performs a single chat completion call. Failures are wrapped in
// *UpstreamError; there is no retry.
func (c *OpenAICompleter) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	request := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, message := range messages {
		request.Messages = append(request.Messages, openai.ChatCompletionMessage{
			Role:    message.Role,
			Content: message.Content,
		})
	}

	response, err := c.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, c.wrapError(err)
	}
	if len(response.Choices) == 0 {
		return nil, &UpstreamError{
			Provider: c.Name(),
			Message:  "completion response contained no choices",
		}
	}

	return &Completion{
		Text:  response.Choices[0].Message.Content,
		Model: response.Model,
		Usage: Usage{
			PromptTokens:     response.Usage.PromptTokens,
			CompletionTokens: response.Usage.CompletionTokens,
			TotalTokens:      response.Usage.TotalTokens,
		},
	}, nil
}

func (c *OpenAICompleter) wrapError(err error) *UpstreamError {
	upstream := &UpstreamError{
		Provider: c.Name(),
		Message:  err.Error(),
		Err:      err,
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		upstream.StatusCode = apiErr.HTTPStatusCode
		upstream.Message = apiErr.Message
		return upstream
	}
	var requestErr *openai.RequestError
	if errors.As(err, &requestErr) {
		upstream.StatusCode = requestErr.HTTPStatusCode
		upstream.Message = fmt.Sprintf("request failed: %v", requestErr.Err)
		return upstream
	}
	return upstream
}
