package pubsub

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/crawlfleet/internal/bus"
	jsoncodec "github.com/JakeFAU/crawlfleet/internal/codec/json"
	"github.com/JakeFAU/crawlfleet/internal/protocol"
)

func newTestClient(t *testing.T) *pubsub.Client {
	t.Helper()
	ctx := context.Background()

	// Create a fake Pub/Sub server.
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewWithClientCreatesTopicAndSubscription(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	b, err := NewWithClient(ctx, client, Config{Exchange: "fleet", ParticipantID: "w1"}, zap.NewNop())
	require.NoError(t, err)

	exists, err := client.Topic("fleet").Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	sub := client.Subscription(SubscriptionID("fleet", "w1"))
	exists, err = sub.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	// A second participant reuses the existing topic.
	other, err := NewWithClient(ctx, client, Config{Exchange: "fleet", ParticipantID: "w2"}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, b.Close())
	exists, err = sub.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, other.Close())
}

func TestAdapterOverPubSubDeliversBroadcasts(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	newParticipant := func(id string) *bus.Adapter {
		b, err := NewWithClient(ctx, client, Config{Exchange: "fleet", ParticipantID: id}, zap.NewNop())
		require.NoError(t, err)
		a, err := bus.New(b, jsoncodec.New(), bus.Config{ParticipantID: id, MaxAttempts: 2}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = a.Close() })
		return a
	}
	dispatcher := newParticipant("disp")
	worker := newParticipant("w1")

	received := make(chan protocol.Envelope, 4)
	worker.OnMessage(func(_ context.Context, env protocol.Envelope) {
		received <- env
	})
	done := make(chan error, 1)
	go func() { done <- worker.Listen(ctx) }()

	dispatch, err := protocol.NewURLDispatchEnvelope("disp", "w1", protocol.URLDispatch{
		URL:       "http://a.example",
		Frequency: time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, dispatcher.Publish(ctx, dispatch))

	select {
	case env := <-received:
		assert.Equal(t, dispatch, env)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not receive the dispatch")
	}

	worker.StopListening()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Listen did not return")
	}
}

func TestSendAfterCloseIsNotRetried(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	b, err := NewWithClient(ctx, client, Config{Exchange: "fleet", ParticipantID: "w1"}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	require.ErrorIs(t, b.Send(ctx, []byte("late")), bus.ErrClosed)

	a, err := bus.New(b, jsoncodec.New(), bus.Config{
		ParticipantID:  "w1",
		MaxAttempts:    5,
		BackoffInitial: time.Second,
		BackoffMax:     time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	env, err := protocol.NewSignal(protocol.CmdScraperAvailable, "w1", protocol.Broadcast)
	require.NoError(t, err)

	start := time.Now()
	err = a.Publish(ctx, env)
	require.ErrorIs(t, err, bus.ErrPublish)
	require.ErrorIs(t, err, bus.ErrClosed)
	assert.Less(t, time.Since(start), time.Second)
}
