package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/miradorstack/anomaly-hub/internal/config"
)

// OpenAIStreamer streams chat completions from an OpenAI-compatible endpoint such as vLLM.
type OpenAIStreamer struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	topP        float32
}

// NewOpenAIStreamer builds a streamer for cfg. A BaseURL without a version suffix gets /v1.
func NewOpenAIStreamer(cfg config.InferenceConfig) *OpenAIStreamer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		base := strings.TrimRight(cfg.BaseURL, "/")
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		clientCfg.BaseURL = base
	}
	clientCfg.HTTPClient = streamingClient(cfg.Timeout)
	return &OpenAIStreamer{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
	}
}

// Stream forwards each content delta to onChunk.
func (s *OpenAIStreamer) Stream(ctx context.Context, prompt Prompt, onChunk func(string) error) error {
	req := openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.System},
			{Role: openai.ChatMessageRoleUser, Content: prompt.User},
		},
		MaxTokens:       s.maxTokens,
		Temperature:     s.temperature,
		TopP:            s.topP,
		PresencePenalty: 0.1,
		Stream:          true,
	}

	stream, err := s.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("open completion stream: %w", err)
	}
	defer stream.Close()

	emitted := false
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !emitted {
				return ErrEmptyResponse
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive completion chunk: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		text := resp.Choices[0].Delta.Content
		if text == "" {
			continue
		}
		emitted = true
		if err := onChunk(text); err != nil {
			return err
		}
	}
}
