// Package bus adapts a publish/subscribe broker to the envelope protocol. The
// Adapter owns encoding, validation, addressing and publish retries; backends
// under bus/ only move bytes.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/metrics"
	"github.com/JakeFAU/crawlfleet/internal/protocol"
)

// Broker moves encoded envelopes over one exchange. Every participant bound to
// the exchange receives every message sent on it, its own included.
type Broker interface {
	// Send publishes one encoded envelope.
	Send(ctx context.Context, data []byte) error
	// Receive delivers messages in arrival order until ctx is done or the broker
	// is closed. deliver is never called concurrently.
	Receive(ctx context.Context, deliver func([]byte)) error
	Close() error
}

const tracerName = "github.com/JakeFAU/crawlfleet/internal/bus"

// Handler processes one validated envelope addressed to this participant.
type Handler func(ctx context.Context, env protocol.Envelope)

// Config tunes an Adapter.
type Config struct {
	ParticipantID  string
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Adapter is the participant-facing side of the bus.
type Adapter struct {
	broker        Broker
	codec         protocol.Codec
	participantID string
	retry         *RetryPolicy
	logger        *zap.Logger

	mu      sync.Mutex
	handler Handler
	cancel  context.CancelFunc
}

// New wires an Adapter over broker.
func New(broker Broker, codec protocol.Codec, cfg Config, logger *zap.Logger) (*Adapter, error) {
	if broker == nil {
		return nil, fmt.Errorf("%w: broker is required", ErrConnect)
	}
	if codec == nil {
		return nil, errors.New("bus: codec is required")
	}
	if cfg.ParticipantID == "" {
		return nil, errors.New("bus: participant id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		broker:        broker,
		codec:         codec,
		participantID: cfg.ParticipantID,
		retry:         NewRetryPolicy(cfg.MaxAttempts, cfg.BackoffInitial, cfg.BackoffMax),
		logger:        logger.Named("bus").With(zap.String("participant_id", cfg.ParticipantID)),
	}, nil
}

// ParticipantID returns the id this adapter filters inbound traffic by.
func (a *Adapter) ParticipantID() string {
	return a.participantID
}

// OnMessage installs the handler used by Listen, replacing any previous one.
func (a *Adapter) OnMessage(h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// Publish encodes env and sends it, retrying transport errors with backoff.
// Encoding failures are returned immediately and wrap protocol.ErrEncode.
func (a *Adapter) Publish(ctx context.Context, env protocol.Envelope) (err error) {
	command := string(env.Command())
	ctx, span := otel.Tracer(tracerName).Start(ctx, "bus.publish "+command)
	span.SetAttributes(
		attribute.String("crawlfleet.command", command),
		attribute.String("crawlfleet.source_id", env.SourceID()),
		attribute.String("crawlfleet.destination_id", env.DestinationID()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "publish failed")
		}
		span.End()
	}()

	data, err := a.codec.Encode(env)
	if err != nil {
		return err
	}

	attempt := 0
	for {
		attempt++
		err = a.broker.Send(ctx, data)
		if err == nil {
			metrics.ObservePublished(command)
			return nil
		}
		if !a.retry.ShouldRetry(err, attempt) {
			break
		}
		metrics.ObservePublishRetry()
		wait := a.retry.Backoff(attempt - 1)
		a.logger.Debug("publish failed, retrying",
			zap.String("command", command),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.ObservePublishFailure(command)
			return fmt.Errorf("%w: %s: %w", ErrPublish, command, ctx.Err())
		case <-timer.C:
		}
	}
	metrics.ObservePublishFailure(command)
	return fmt.Errorf("%w: %s after %d attempt(s): %w", ErrPublish, command, attempt, err)
}

// Listen blocks delivering inbound envelopes to the handler, in arrival order.
// Undecodable payloads, protocol violations and envelopes addressed to other
// participants are dropped. It returns nil after StopListening and the context
// error when ctx ends first.
func (a *Adapter) Listen(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return ErrAlreadyListening
	}
	if a.handler == nil {
		a.mu.Unlock()
		return errors.New("bus: no handler installed")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	handler := a.handler
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
		cancel()
	}()

	a.logger.Debug("listening")
	err := a.broker.Receive(listenCtx, func(data []byte) {
		a.deliver(listenCtx, handler, data)
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if listenCtx.Err() != nil {
		a.logger.Debug("listening stopped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("bus receive: %w", err)
	}
	return nil
}

// StopListening makes a running Listen return promptly. It never blocks, may be
// called from inside the handler and does nothing when not listening.
func (a *Adapter) StopListening() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

// Listening reports whether Listen is currently running.
func (a *Adapter) Listening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

// Close stops listening and releases the broker.
func (a *Adapter) Close() error {
	a.StopListening()
	if err := a.broker.Close(); err != nil {
		return fmt.Errorf("close broker: %w", err)
	}
	return nil
}

func (a *Adapter) deliver(ctx context.Context, handler Handler, data []byte) {
	if ctx.Err() != nil {
		return
	}
	env, err := a.codec.Decode(data)
	if err != nil {
		metrics.ObserveDropped("decode")
		a.logger.Warn("dropping undecodable message", zap.Int("bytes", len(data)), zap.Error(err))
		return
	}
	if err := protocol.Validate(env); err != nil {
		metrics.ObserveDropped("protocol")
		a.logger.Warn("dropping protocol violation", zap.Stringer("envelope", env), zap.Error(err))
		return
	}
	if !env.IsFor(a.participantID) {
		return
	}
	metrics.ObserveReceived(string(env.Command()))
	handler(ctx, env)
}
