package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/miradorstack/anomaly-hub/internal/config"
	"github.com/miradorstack/anomaly-hub/internal/inference"
	"github.com/miradorstack/anomaly-hub/internal/metrics"
	"github.com/miradorstack/anomaly-hub/internal/models"
	"github.com/miradorstack/anomaly-hub/internal/utils"
)

var tracer = otel.Tracer("anomaly-hub/gateway")

// Conn is a message-oriented client connection. Only one goroutine writes to it at a time.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Ping() error
	Close() error
}

// AnomalyStore is the slice of the analytics store the gateway needs.
type AnomalyStore interface {
	GetAnomaly(ctx context.Context, id string) (models.View[models.Anomaly], bool)
	SetRecommendation(ctx context.Context, id, text string) error
}

// Options configures a Gateway.
type Options struct {
	Config       config.GatewayConfig
	SystemPrompt string
	Logger       *slog.Logger
	NewID        func() string
}

// Gateway brokers recommendation streams between clients and the inference streamer.
type Gateway struct {
	store    AnomalyStore
	streamer inference.Streamer
	cfg      config.GatewayConfig
	system   string
	logger   *slog.Logger
	newID    func() string
}

// New constructs a Gateway.
func New(store AnomalyStore, streamer inference.Streamer, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Gateway{
		store:    store,
		streamer: streamer,
		cfg:      opts.Config,
		system:   opts.SystemPrompt,
		logger:   opts.Logger,
		newID:    opts.NewID,
	}
}

type eventKind int

const (
	eventChunk eventKind = iota
	eventComplete
	eventError
)

// event is posted by a relay to its connection's actor. gen ties it to the request that
// produced it.
type event struct {
	gen  uint64
	kind eventKind
	text string
}

// session is the actor state of one connection. Every field below group is owned by the
// goroutine running Serve.
type session struct {
	gw      *Gateway
	conn    Conn
	logger  *slog.Logger
	limiter *rate.Limiter
	ctx     context.Context
	group   *errgroup.Group
	events  chan event

	gen       uint64
	cancel    context.CancelFunc
	anomalyID string
	started   time.Time
}

// Serve runs the connection until the client disconnects, ctx is cancelled, or a write
// fails. It closes conn before returning and waits for every goroutine it started.
func (g *Gateway) Serve(ctx context.Context, conn Conn) error {
	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	connID := g.newID()
	logger := g.logger.With(slog.String("connection_id", connID))

	ctx, stop := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)

	limit := rate.Inf
	if g.cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(g.cfg.RequestsPerSecond)
	}
	s := &session{
		gw:      g,
		conn:    conn,
		logger:  logger,
		limiter: rate.NewLimiter(limit, max(g.cfg.Burst, 1)),
		ctx:     ctx,
		group:   group,
		events:  make(chan event, 16),
	}
	defer func() {
		s.cancelActive()
		stop()
		_ = conn.Close()
		_ = group.Wait()
		logger.Debug("gateway connection closed")
	}()

	inbox := make(chan []byte)
	readDone := make(chan error, 1)
	group.Go(func() error {
		s.read(inbox, readDone)
		return nil
	})

	logger.Debug("gateway connection opened")
	if err := s.write(connectedMessage); err != nil {
		return err
	}

	var pings <-chan time.Time
	if g.cfg.PingInterval > 0 {
		ticker := time.NewTicker(g.cfg.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readDone:
			logger.Debug("gateway client disconnected", slog.Any("error", err))
			return nil
		case raw := <-inbox:
			if err := s.handle(raw); err != nil {
				return err
			}
		case ev := <-s.events:
			if err := s.deliver(ev); err != nil {
				return err
			}
		case <-pings:
			if err := conn.Ping(); err != nil {
				return fmt.Errorf("ping client: %w", err)
			}
		}
	}
}

func (s *session) read(inbox chan<- []byte, done chan<- error) {
	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			done <- err
			return
		}
		select {
		case inbox <- raw:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) handle(raw []byte) error {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.logger.Debug("malformed gateway message", slog.Any("error", err))
		return s.write(errorMessage("invalid message format"))
	}
	if req.Type != TypeGetRecommendations {
		return s.write(errorMessage(fmt.Sprintf("unknown message type %q", req.Type)))
	}
	id := strings.TrimSpace(req.AnomalyID)
	if id == "" {
		return s.write(errorMessage("anomalyId is required"))
	}
	if !s.limiter.Allow() {
		s.logger.Warn("recommendation request rate limited", slog.String("anomaly_id", id))
		return s.write(errorMessage("too many recommendation requests, slow down"))
	}
	s.start(id)
	return nil
}

// start supersedes the active request, if any, and launches a relay for id.
func (s *session) start(id string) {
	s.cancelActive()
	s.gen++
	gen := s.gen

	var (
		reqCtx context.Context
		cancel context.CancelFunc
	)
	if timeout := s.gw.cfg.StreamTimeout; timeout > 0 {
		reqCtx, cancel = context.WithTimeout(s.ctx, timeout)
	} else {
		reqCtx, cancel = context.WithCancel(s.ctx)
	}
	s.cancel = cancel
	s.anomalyID = id
	s.started = time.Now()

	s.logger.Info("recommendation requested", slog.String("anomaly_id", id), slog.Uint64("generation", gen))
	s.group.Go(func() error {
		defer cancel()
		s.relay(reqCtx, gen, id)
		return nil
	})
}

func (s *session) cancelActive() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	metrics.ObserveStream(time.Since(s.started), metrics.OutcomeCancelled)
	s.logger.Debug("recommendation cancelled", slog.String("anomaly_id", s.anomalyID), slog.Uint64("generation", s.gen))
}

func (s *session) finish(outcome string) {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	metrics.ObserveStream(time.Since(s.started), outcome)
}

// deliver writes ev to the client unless a newer request has superseded it.
func (s *session) deliver(ev event) error {
	if ev.gen != s.gen || s.cancel == nil {
		return nil
	}
	switch ev.kind {
	case eventChunk:
		metrics.IncChunks()
		return s.write(chunkMessage(ev.text))
	case eventComplete:
		s.finish(metrics.OutcomeSuccess)
		s.logger.Info("recommendation complete", slog.String("anomaly_id", s.anomalyID), slog.Duration("elapsed", time.Since(s.started)))
		return s.write(completeMessage)
	default:
		s.finish(metrics.OutcomeError)
		return s.write(errorMessage(ev.text))
	}
}

// relay runs one recommendation stream and posts its chunks and outcome to the actor. A
// cancelled relay posts no outcome.
func (s *session) relay(ctx context.Context, gen uint64, id string) {
	ctx, span := tracer.Start(ctx, "gateway.recommendation", trace.WithAttributes(
		attribute.String("anomaly.id", id),
		attribute.Int64("gateway.generation", int64(gen)),
	))
	defer span.End()

	fail := func(err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("recommendation failed", slog.String("anomaly_id", id), slog.Any("error", err))
		s.post(event{gen: gen, kind: eventError, text: utils.Message(err)})
	}

	view, ok := s.gw.store.GetAnomaly(ctx, id)
	if !ok {
		fail(utils.KindError(utils.ErrStreamFailure, "gateway.relay", fmt.Sprintf("anomaly %s not found", id), nil))
		return
	}

	var text strings.Builder
	err := s.gw.streamer.Stream(ctx, inference.BuildPrompt(view.Data, s.gw.system), func(chunk string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		text.WriteString(chunk)
		if !s.post(event{gen: gen, kind: eventChunk, text: chunk}) {
			return context.Canceled
		}
		return nil
	})
	if errors.Is(ctx.Err(), context.Canceled) {
		span.SetStatus(codes.Unset, "cancelled")
		return
	}
	if err != nil {
		msg := "recommendation failed: " + err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = "recommendation timed out"
		}
		fail(utils.KindError(utils.ErrStreamFailure, "gateway.relay", msg, err))
		return
	}

	if err := s.gw.store.SetRecommendation(ctx, id, text.String()); err != nil {
		s.logger.Warn("store recommendation failed", slog.String("anomaly_id", id), slog.Any("error", err))
	}
	span.SetStatus(codes.Ok, "")
	s.post(event{gen: gen, kind: eventComplete})
}

func (s *session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) write(m Message) error {
	if err := s.conn.WriteJSON(m); err != nil {
		return fmt.Errorf("write %s message: %w", m.Type, err)
	}
	return nil
}
