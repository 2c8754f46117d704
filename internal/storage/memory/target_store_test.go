package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlfleet/internal/fleet"
)

func TestTargetStoreLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTargetStore()
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	require.NoError(t, store.UpsertTarget(ctx, fleet.CrawlTarget{URL: "http://b.example", Frequency: time.Minute}))
	require.NoError(t, store.UpsertTarget(ctx, fleet.CrawlTarget{URL: "http://a.example", Frequency: time.Hour}))
	require.NoError(t, store.RecordDispatch(ctx, "http://b.example", at, "w1"))
	require.NoError(t, store.RecordDispatch(ctx, "http://unknown.example", at, "w1"))

	// Updating a target keeps its stamp.
	require.NoError(t, store.UpsertTarget(ctx, fleet.CrawlTarget{
		URL:              "http://b.example",
		Frequency:        2 * time.Minute,
		LastDispatchedAt: at.Add(time.Hour),
		Payload:          map[string]any{"max_pages": 3},
	}))

	targets, err := store.LoadTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	require.Equal(t, "http://b.example", targets[0].URL)
	require.Equal(t, 2*time.Minute, targets[0].Frequency)
	require.Equal(t, at, targets[0].LastDispatchedAt)
	require.Equal(t, "w1", targets[0].LastWorker)
	require.Equal(t, 3, targets[0].Payload["max_pages"])
	require.True(t, targets[1].NeverDispatched())

	targets[0].Payload["max_pages"] = 99
	again, err := store.LoadTargets(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, again[0].Payload["max_pages"])
}
