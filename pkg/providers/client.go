// Package providers wraps OpenAI-compatible chat completion endpoints as the
// reply generator and image describer used by the conversation pipeline.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dotsetgreg/fishagent/pkg/config"
	"github.com/sashabaranov/go-openai"
)

var (
	ErrMissingAPIKey = errors.New("provider api key is not configured")
	ErrNoChoices     = errors.New("no choices in completion response")
	ErrEmptyContent  = errors.New("completion returned empty content")
)

// chatClient is the part of *openai.Client the providers call.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

func newClient(cfg config.ModelConfig) (*openai.Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if base := strings.TrimSpace(cfg.APIBase); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout()}
	return openai.NewClientWithConfig(clientCfg), nil
}

// complete runs one non-streaming completion and returns the first choice.
func complete(ctx context.Context, client chatClient, req openai.ChatCompletionRequest) (string, error) {
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		if hint := providerHint(err.Error()); hint != "" {
			return "", fmt.Errorf("chat completion: %w (%s)", err, hint)
		}
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyContent
	}
	return content, nil
}
