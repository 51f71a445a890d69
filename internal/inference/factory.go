package inference

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/anomaly-hub/internal/config"
)

var tracer = otel.Tracer("anomaly-hub/inference")

// New builds the Streamer selected by cfg.Provider. Remote providers without an endpoint
// degrade to the rule playbook.
func New(cfg config.InferenceConfig, logger *slog.Logger) (Streamer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(cfg.Provider)
	if provider != config.ProviderRules && cfg.BaseURL == "" {
		logger.Warn("inference endpoint not configured, using rule playbook", slog.String("provider", provider))
		provider = config.ProviderRules
	}

	var s Streamer
	switch provider {
	case config.ProviderOpenAI:
		s = NewOpenAIStreamer(cfg)
	case config.ProviderOllama:
		s = NewOllamaStreamer(cfg)
	case config.ProviderRules:
		rules, err := NewRuleStreamer(cfg.RulesPath, logger, WithPace(40*time.Millisecond))
		if err != nil {
			return nil, err
		}
		s = rules
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
	logger.Info("inference streamer ready", slog.String("provider", provider), slog.String("model", cfg.Model))
	return Traced(s, provider), nil
}

// Traced wraps s so every stream is recorded as an inference.stream span.
func Traced(s Streamer, provider string) Streamer {
	return tracedStreamer{next: s, provider: provider}
}

type tracedStreamer struct {
	next     Streamer
	provider string
}

func (t tracedStreamer) Stream(ctx context.Context, prompt Prompt, onChunk func(string) error) error {
	ctx, span := tracer.Start(ctx, "inference.stream", trace.WithAttributes(
		attribute.String("inference.provider", t.provider),
		attribute.String("anomaly.id", prompt.AnomalyID),
	))
	defer span.End()

	chunks := 0
	err := t.next.Stream(ctx, prompt, func(text string) error {
		chunks++
		return onChunk(text)
	})
	span.SetAttributes(attribute.Int("inference.chunks", chunks))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
