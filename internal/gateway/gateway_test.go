package gateway

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/anomaly-hub/internal/config"
	"github.com/miradorstack/anomaly-hub/internal/inference"
	"github.com/miradorstack/anomaly-hub/internal/models"
	"github.com/miradorstack/anomaly-hub/internal/utils"
)

var errConnClosed = errors.New("connection closed")

type fakeConn struct {
	in        chan []byte
	out       chan Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte),
		out:    make(chan Message, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case raw, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return raw, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.out <- v.(Message)
	return nil
}

func (c *fakeConn) Ping() error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, raw string) {
	t.Helper()
	select {
	case c.in <- []byte(raw):
	case <-time.After(2 * time.Second):
		t.Fatalf("gateway did not read %s", raw)
	}
}

func (c *fakeConn) next(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-c.out:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gateway message")
		return Message{}
	}
}

func (c *fakeConn) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-c.out:
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(d):
	}
}

type fakeStore struct {
	mu              sync.Mutex
	anomalies       map[string]models.Anomaly
	recommendations map[string]string
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{anomalies: map[string]models.Anomaly{}, recommendations: map[string]string{}}
	for _, id := range ids {
		s.anomalies[id] = models.Anomaly{ID: id, Type: models.AnomalyTypeFronthaul, Severity: models.SeverityHigh, Description: "eCPRI latency over budget"}
	}
	return s
}

func (s *fakeStore) GetAnomaly(_ context.Context, id string) (models.View[models.Anomaly], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.anomalies[id]
	return models.Live(a), ok
}

func (s *fakeStore) SetRecommendation(_ context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recommendations[id] = text
	return nil
}

func (s *fakeStore) recommendation(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.recommendations[id]
	return text, ok
}

func emitting(chunks ...string) inference.Streamer {
	return inference.StreamerFunc(func(ctx context.Context, _ inference.Prompt, onChunk func(string) error) error {
		for _, c := range chunks {
			if err := onChunk(c); err != nil {
				return err
			}
		}
		return nil
	})
}

// blocking emits one chunk and then waits for cancellation. cancelled receives the anomaly id
// once its context ends.
func blocking(cancelled chan<- string) inference.Streamer {
	return inference.StreamerFunc(func(ctx context.Context, p inference.Prompt, onChunk func(string) error) error {
		if err := onChunk("working on " + p.AnomalyID); err != nil {
			return err
		}
		<-ctx.Done()
		if cancelled != nil {
			cancelled <- p.AnomalyID
		}
		// A late chunk after cancellation must never reach the client.
		_ = onChunk("late chunk")
		return ctx.Err()
	})
}

func serve(t *testing.T, gw *Gateway) (*fakeConn, <-chan error) {
	t.Helper()
	conn := newFakeConn()
	done := make(chan error, 1)
	go func() { done <- gw.Serve(context.Background(), conn) }()
	require.Equal(t, TypeConnected, conn.next(t).Type)
	return conn, done
}

func newGateway(store AnomalyStore, streamer inference.Streamer, cfg config.GatewayConfig) *Gateway {
	return New(store, streamer, Options{Config: cfg, Logger: utils.DiscardLogger()})
}

func TestStreamingScenario(t *testing.T) {
	store := newFakeStore("anom-1")
	conn, done := serve(t, newGateway(store, emitting("Check ", "PTP ", "sync."), config.GatewayConfig{}))

	conn.send(t, `{"type":"get_recommendations","anomalyId":"anom-1"}`)
	assert.Equal(t, Message{Type: TypeRecommendationChunk, Data: "Check "}, conn.next(t))
	assert.Equal(t, Message{Type: TypeRecommendationChunk, Data: "PTP "}, conn.next(t))
	assert.Equal(t, Message{Type: TypeRecommendationChunk, Data: "sync."}, conn.next(t))
	assert.Equal(t, Message{Type: TypeRecommendationComplete}, conn.next(t))

	text, ok := store.recommendation("anom-1")
	require.True(t, ok)
	assert.Equal(t, "Check PTP sync.", text)

	close(conn.in)
	require.NoError(t, <-done)
}

func TestNewRequestSupersedesActive(t *testing.T) {
	store := newFakeStore("slow", "fast")
	cancelled := make(chan string, 1)
	slow := blocking(cancelled)
	fast := emitting("fast ", "answer")
	streamer := inference.StreamerFunc(func(ctx context.Context, p inference.Prompt, onChunk func(string) error) error {
		if p.AnomalyID == "slow" {
			return slow.Stream(ctx, p, onChunk)
		}
		return fast.Stream(ctx, p, onChunk)
	})
	conn, done := serve(t, newGateway(store, streamer, config.GatewayConfig{}))

	conn.send(t, `{"type":"get_recommendations","anomalyId":"slow"}`)
	assert.Equal(t, "working on slow", conn.next(t).Data)

	conn.send(t, `{"type":"get_recommendations","anomalyId":"fast"}`)
	assert.Equal(t, Message{Type: TypeRecommendationChunk, Data: "fast "}, conn.next(t))
	assert.Equal(t, Message{Type: TypeRecommendationChunk, Data: "answer"}, conn.next(t))
	assert.Equal(t, Message{Type: TypeRecommendationComplete}, conn.next(t))

	select {
	case id := <-cancelled:
		assert.Equal(t, "slow", id)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded stream was not cancelled")
	}
	conn.quiet(t, 50*time.Millisecond)

	_, persisted := store.recommendation("slow")
	assert.False(t, persisted)

	close(conn.in)
	require.NoError(t, <-done)
}

func TestUnknownAnomalyKeepsConnectionOpen(t *testing.T) {
	store := newFakeStore("anom-2")
	conn, done := serve(t, newGateway(store, emitting("ok"), config.GatewayConfig{}))

	conn.send(t, `{"type":"get_recommendations","anomalyId":"missing"}`)
	assert.Equal(t, Message{Type: TypeError, Data: "anomaly missing not found"}, conn.next(t))

	conn.send(t, `{"type":"get_recommendations","anomalyId":"anom-2"}`)
	assert.Equal(t, Message{Type: TypeRecommendationChunk, Data: "ok"}, conn.next(t))
	assert.Equal(t, TypeRecommendationComplete, conn.next(t).Type)

	close(conn.in)
	require.NoError(t, <-done)
}

func TestMalformedMessages(t *testing.T) {
	conn, done := serve(t, newGateway(newFakeStore(), emitting("x"), config.GatewayConfig{}))

	conn.send(t, `not json`)
	assert.Equal(t, Message{Type: TypeError, Data: "invalid message format"}, conn.next(t))

	conn.send(t, `{"type":"subscribe"}`)
	assert.Equal(t, Message{Type: TypeError, Data: `unknown message type "subscribe"`}, conn.next(t))

	conn.send(t, `{"type":"get_recommendations","anomalyId":"  "}`)
	assert.Equal(t, Message{Type: TypeError, Data: "anomalyId is required"}, conn.next(t))

	close(conn.in)
	require.NoError(t, <-done)
}

func TestStreamFailureReportsError(t *testing.T) {
	store := newFakeStore("anom-3")
	streamer := inference.StreamerFunc(func(ctx context.Context, _ inference.Prompt, onChunk func(string) error) error {
		if err := onChunk("partial"); err != nil {
			return err
		}
		return errors.New("upstream returned 502")
	})
	conn, done := serve(t, newGateway(store, streamer, config.GatewayConfig{}))

	conn.send(t, `{"type":"get_recommendations","anomalyId":"anom-3"}`)
	assert.Equal(t, "partial", conn.next(t).Data)
	assert.Equal(t, Message{Type: TypeError, Data: "recommendation failed: upstream returned 502"}, conn.next(t))
	conn.quiet(t, 30*time.Millisecond)

	_, persisted := store.recommendation("anom-3")
	assert.False(t, persisted)

	close(conn.in)
	require.NoError(t, <-done)
}

func TestCloseCancelsActiveStream(t *testing.T) {
	cancelled := make(chan string, 1)
	conn, done := serve(t, newGateway(newFakeStore("anom-4"), blocking(cancelled), config.GatewayConfig{}))

	conn.send(t, `{"type":"get_recommendations","anomalyId":"anom-4"}`)
	assert.Equal(t, "working on anom-4", conn.next(t).Data)

	close(conn.in)
	require.NoError(t, <-done)

	select {
	case id := <-cancelled:
		assert.Equal(t, "anom-4", id)
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not cancelled on close")
	}
	assert.Empty(t, conn.out)
}

func TestStreamTimeout(t *testing.T) {
	conn, done := serve(t, newGateway(newFakeStore("anom-5"), blocking(nil), config.GatewayConfig{StreamTimeout: 20 * time.Millisecond}))

	conn.send(t, `{"type":"get_recommendations","anomalyId":"anom-5"}`)
	assert.Equal(t, TypeRecommendationChunk, conn.next(t).Type)
	assert.Equal(t, Message{Type: TypeError, Data: "recommendation timed out"}, conn.next(t))

	close(conn.in)
	require.NoError(t, <-done)
}

func TestRateLimitRejectsBurst(t *testing.T) {
	cfg := config.GatewayConfig{RequestsPerSecond: 0.001, Burst: 1}
	conn, done := serve(t, newGateway(newFakeStore("anom-6"), blocking(nil), cfg))

	conn.send(t, `{"type":"get_recommendations","anomalyId":"anom-6"}`)
	assert.Equal(t, "working on anom-6", conn.next(t).Data)

	conn.send(t, `{"type":"get_recommendations","anomalyId":"anom-6"}`)
	assert.Equal(t, Message{Type: TypeError, Data: "too many recommendation requests, slow down"}, conn.next(t))

	close(conn.in)
	require.NoError(t, <-done)
}

func TestDeliverDropsStaleGeneration(t *testing.T) {
	conn := newFakeConn()
	s := &session{conn: conn, logger: utils.DiscardLogger(), gen: 2, cancel: func() {}, started: time.Now()}

	require.NoError(t, s.deliver(event{gen: 1, kind: eventChunk, text: "stale"}))
	require.NoError(t, s.deliver(event{gen: 1, kind: eventComplete}))
	assert.Empty(t, conn.out)

	require.NoError(t, s.deliver(event{gen: 2, kind: eventChunk, text: "fresh"}))
	assert.Equal(t, Message{Type: TypeRecommendationChunk, Data: "fresh"}, conn.next(t))

	require.NoError(t, s.deliver(event{gen: 2, kind: eventComplete}))
	assert.Equal(t, TypeRecommendationComplete, conn.next(t).Type)

	// Nothing is delivered once the request has finished.
	require.NoError(t, s.deliver(event{gen: 2, kind: eventError, text: "late"}))
	assert.Empty(t, conn.out)
}
