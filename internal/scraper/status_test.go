package scraper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/clock/manual"
)

func TestBuildStatusWhenIdle(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)
	w := New(newFakeTransport(workerID), newBlockingFetcher(), manual.New(at), Config{}, zap.NewNop())

	simple := w.BuildSimple()
	assert.False(t, simple.Busy)
	assert.Empty(t, simple.TargetURL)
	assert.Equal(t, at, simple.StatusDatetime)

	full := w.BuildFull()
	assert.Equal(t, "idle", full.State)
	assert.NotNil(t, full.ProcessedIDs)
	assert.Empty(t, full.ProcessedIDs)
}

func TestBuildStatusIsConsistentUnderConcurrentProgress(t *testing.T) {
	t.Parallel()

	fetcher := newBlockingFetcher()
	w := New(newFakeTransport(workerID), fetcher, manual.New(time.Now()), Config{}, zap.NewNop())
	defer w.enterShutdown("test cleanup")

	w.Handle(context.Background(), dispatchEnvelope(t, "http://a.example"))
	call := fetcher.next(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			call.progress.LinksDiscovered(1)
			call.progress.PageProcessed("http://a.example")
		}
	}()

	for i := 0; i < 200; i++ {
		full := w.BuildFull()
		assert.LessOrEqual(t, full.ProcessedLinkCount, full.LinkCount)
		assert.Len(t, full.ProcessedIDs, full.ProcessedLinkCount)
	}
	wg.Wait()

	final := w.BuildSimple()
	assert.Equal(t, 200, final.LinkCount)
	assert.Equal(t, 200, final.ProcessedLinkCount)
}
