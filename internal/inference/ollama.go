package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/miradorstack/anomaly-hub/internal/config"
)

// OllamaStreamer streams completions from an Ollama /api/generate endpoint.
type OllamaStreamer struct {
	baseURL     string
	model       string
	maxTokens   int
	temperature float32
	topP        float32
	httpClient  *http.Client
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// NewOllamaStreamer builds a streamer for cfg. cfg.Timeout bounds the wait for response headers.
func NewOllamaStreamer(cfg config.InferenceConfig) *OllamaStreamer {
	return &OllamaStreamer{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
		httpClient:  streamingClient(cfg.Timeout),
	}
}

// Stream reads the NDJSON response line by line and forwards each fragment.
func (s *OllamaStreamer) Stream(ctx context.Context, prompt Prompt, onChunk func(string) error) error {
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  s.model,
		Prompt: prompt.User,
		System: prompt.System,
		Stream: true,
		Options: map[string]any{
			"temperature": s.temperature,
			"top_p":       s.topP,
			"num_predict": s.maxTokens,
		},
	})
	if err != nil {
		return fmt.Errorf("encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	emitted := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaGenerateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("decode ollama chunk: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama: %s", chunk.Error)
		}
		if chunk.Response != "" {
			emitted = true
			if err := onChunk(chunk.Response); err != nil {
				return err
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ollama stream: %w", err)
	}
	if !emitted {
		return ErrEmptyResponse
	}
	return nil
}
