package inference

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Streamer produces a recommendation for a prompt as a sequence of text chunks. onChunk is
// called in emission order; returning an error from it aborts the stream with that error.
type Streamer interface {
	Stream(ctx context.Context, prompt Prompt, onChunk func(string) error) error
}

// ErrEmptyResponse is returned when the model finishes without producing any text.
var ErrEmptyResponse = errors.New("model returned no content")

// StreamerFunc adapts a function to Streamer.
type StreamerFunc func(ctx context.Context, prompt Prompt, onChunk func(string) error) error

// Stream calls f.
func (f StreamerFunc) Stream(ctx context.Context, prompt Prompt, onChunk func(string) error) error {
	return f(ctx, prompt, onChunk)
}

// streamingClient returns an HTTP client with no overall deadline. headerTimeout bounds the
// wait for response headers.
func streamingClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}
