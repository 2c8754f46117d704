// Package pubsub implements a bus backend on Google Cloud Pub/Sub. The exchange
// is a topic and every participant owns an exclusive subscription to it.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JakeFAU/crawlfleet/internal/bus"
)

// minSubscriptionTTL is the shortest expiration Pub/Sub accepts.
const minSubscriptionTTL = 24 * time.Hour

// Config describes the exchange and participant binding.
type Config struct {
	ProjectID       string
	Exchange        string
	ParticipantID   string
	SubscriptionTTL time.Duration
	AckDeadline     time.Duration
}

// Broker publishes to the exchange topic and receives from the participant's
// subscription.
type Broker struct {
	client     *pubsub.Client
	ownsClient bool
	topic      *pubsub.Topic
	sub        *pubsub.Subscription
	orderKey   string
	logger     *zap.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New dials Pub/Sub and binds the participant.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Broker, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("%w: pubsub project id is required", bus.ErrConnect)
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: create pubsub client: %w", bus.ErrConnect, err)
	}
	b, err := NewWithClient(ctx, client, cfg, logger)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("failed to close pubsub client after bind failure", zap.Error(closeErr))
		}
		return nil, err
	}
	b.ownsClient = true
	return b, nil
}

// NewWithClient binds the participant using an existing client. The topic is
// created when absent.
func NewWithClient(ctx context.Context, client *pubsub.Client, cfg Config, logger *zap.Logger) (*Broker, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: pubsub client is required", bus.ErrConnect)
	}
	if cfg.Exchange == "" || cfg.ParticipantID == "" {
		return nil, fmt.Errorf("%w: exchange and participant id are required", bus.ErrConnect)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.SubscriptionTTL
	if ttl < minSubscriptionTTL {
		ttl = minSubscriptionTTL
	}
	ackDeadline := cfg.AckDeadline
	if ackDeadline <= 0 {
		ackDeadline = 20 * time.Second
	}

	topic, err := ensureTopic(ctx, client, cfg.Exchange)
	if err != nil {
		return nil, err
	}
	topic.EnableMessageOrdering = true

	subID := SubscriptionID(cfg.Exchange, cfg.ParticipantID)
	sub, err := client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
		Topic:                 topic,
		AckDeadline:           ackDeadline,
		ExpirationPolicy:      ttl,
		EnableMessageOrdering: true,
	})
	if status.Code(err) == codes.AlreadyExists {
		sub, err = client.Subscription(subID), nil
	}
	if err != nil {
		topic.Stop()
		return nil, fmt.Errorf("%w: create subscription %s: %w", bus.ErrConnect, subID, err)
	}
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = 1

	return &Broker{
		client:   client,
		topic:    topic,
		sub:      sub,
		orderKey: cfg.ParticipantID,
		logger:   logger.Named("pubsub").With(zap.String("subscription", subID)),
	}, nil
}

// SubscriptionID names the exclusive subscription of a participant.
func SubscriptionID(exchange, participantID string) string {
	return exchange + "-" + participantID
}

func ensureTopic(ctx context.Context, client *pubsub.Client, name string) (*pubsub.Topic, error) {
	topic := client.Topic(name)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: check topic %s: %w", bus.ErrConnect, name, err)
	}
	if exists {
		return topic, nil
	}
	created, err := client.CreateTopic(ctx, name)
	if status.Code(err) == codes.AlreadyExists {
		return client.Topic(name), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: create topic %s: %w", bus.ErrConnect, name, err)
	}
	return created, nil
}

// Send implements bus.Broker. It waits for the server acknowledgement so that
// failures surface to the adapter's retry loop.
func (b *Broker) Send(ctx context.Context, data []byte) error {
	if b.closed.Load() {
		return bus.ErrClosed
	}
	msg := &pubsub.Message{
		Data:        data,
		Attributes:  make(map[string]string),
		OrderingKey: b.orderKey,
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Attributes))

	if _, err := b.topic.Publish(ctx, msg).Get(ctx); err != nil {
		if b.closed.Load() {
			return fmt.Errorf("%w: %w", bus.ErrClosed, err)
		}
		// A failed ordered publish pauses the key until resumed.
		b.topic.ResumePublish(b.orderKey)
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Receive implements bus.Broker. Messages are acked after deliver returns.
func (b *Broker) Receive(ctx context.Context, deliver func([]byte)) error {
	err := b.sub.Receive(ctx, func(_ context.Context, m *pubsub.Message) {
		deliver(m.Data)
		m.Ack()
	})
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	return ctx.Err()
}

// Close flushes the publisher, deletes the participant subscription and, when
// the broker dialed it, closes the client. Later Sends fail with bus.ErrClosed.
// Calling Close again returns the first result.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.closeErr = b.close()
	})
	return b.closeErr
}

func (b *Broker) close() error {
	b.topic.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := b.sub.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		errs = append(errs, fmt.Errorf("delete subscription: %w", err))
	}
	if b.ownsClient {
		if err := b.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub client: %w", err))
		}
	}
	if len(errs) > 0 {
		b.logger.Warn("pubsub broker closed with errors", zap.Error(errors.Join(errs...)))
	}
	return errors.Join(errs...)
}
