package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/config"
	"github.com/JakeFAU/crawlfleet/internal/fleet"
	memorystorage "github.com/JakeFAU/crawlfleet/internal/storage/memory"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Port = 0
	cfg.Local.Scrapers = 2
	cfg.Dispatcher.SweepInterval = 20 * time.Millisecond
	cfg.Scraper.AvailabilityInterval = 20 * time.Millisecond
	cfg.Scraper.RespectRobots = false
	cfg.Scraper.RateLimitPerDomain = 1000
	cfg.Scraper.RateLimitBurst = 10
	cfg.Scraper.RequestTimeout = 2 * time.Second
	cfg.Storage.Backend = config.StorageMemory
	return cfg
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/leaf">leaf</a></body></html>`)
	})
	mux.HandleFunc("/leaf", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>leaf</body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLocalFleetCrawlsAndShutsDown(t *testing.T) {
	site := newSite(t)
	cfg := testConfig(t)

	app, err := build(context.Background(), cfg, ModeLocal, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, app.Dispatcher())
	require.Len(t, app.Scrapers(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, app.Dispatcher().AddTarget(ctx, fleet.CrawlTarget{
		URL:       site.URL,
		Frequency: time.Hour,
	}))

	runErr := make(chan error, 1)
	go func() { runErr <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		target, ok := app.Dispatcher().Target(site.URL)
		return ok && target.LastResult != nil
	}, 5*time.Second, 10*time.Millisecond)

	target, _ := app.Dispatcher().Target(site.URL)
	require.True(t, target.LastResult.Success)
	require.Equal(t, 2, target.LastResult.ProcessedLinkCount)
	require.NotEmpty(t, target.LastWorker)
	require.False(t, target.LastDispatchedAt.IsZero())

	blobs, ok := app.blobs.(*memorystorage.BlobStore)
	require.True(t, ok)
	require.Equal(t, 2, blobs.Len())

	require.Eventually(t, func() bool {
		return len(app.Dispatcher().Workers()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, app.Dispatcher().ShutdownFleet(ctx))
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("fleet did not stop after global shutdown")
	}
	require.True(t, app.Dispatcher().Stopped())
}

func TestStoppedScraperLeavesExchange(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = config.StorageNone

	app, err := build(context.Background(), cfg, ModeLocal, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 3, app.exchange.Bound())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(app.Dispatcher().Workers()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	stopped := app.Scrapers()[0]
	require.NoError(t, app.Dispatcher().ShutdownWorker(ctx, stopped.ID()))
	require.Eventually(t, func() bool {
		return app.exchange.Bound() == 2
	}, 5*time.Second, 10*time.Millisecond)

	// More traffic than one participant queue holds.
	for i := 0; i < 300; i++ {
		sendCtx, sendCancel := context.WithTimeout(ctx, time.Second)
		err := app.Dispatcher().RequestStatus(sendCtx, "", false)
		sendCancel()
		require.NoError(t, err, "broadcast %d", i)
	}
	survivor := app.Scrapers()[1].ID()
	require.Eventually(t, func() bool {
		_, ok := app.Dispatcher().LastStatus(survivor)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, app.Dispatcher().ShutdownFleet(ctx))
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("fleet did not stop after global shutdown")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = config.StorageNone

	app, err := build(context.Background(), cfg, ModeScraper, zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, app.Dispatcher())
	require.Len(t, app.Scrapers(), 1)
	require.Nil(t, app.blobs)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- app.Run(ctx) }()
	cancel()

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scraper did not stop after cancel")
	}
}

func TestBuildDispatcherSeedsTargets(t *testing.T) {
	seed := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(`targets:
  - url: http://a.example
    frequency: 1m
  - url: http://b.example
    frequency: 2m
`), 0o600))

	cfg := testConfig(t)
	cfg.Dispatcher.TargetsFile = seed
	cfg.Participant.ID = "7a1d8f0e-3c44-4b8a-9f2e-5d6c7b8a9e01"

	app, err := build(context.Background(), cfg, ModeDispatcher, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.Equal(t, cfg.Participant.ID, app.Dispatcher().ID())
	targets := app.Dispatcher().Targets()
	require.Len(t, targets, 2)
	require.Equal(t, "http://a.example", targets[0].URL)
	require.Equal(t, 2*time.Minute, targets[1].Frequency)
	require.NotNil(t, app.apiServer)
}

func TestBuildRejectsBadInputs(t *testing.T) {
	t.Run("mode", func(t *testing.T) {
		_, err := build(context.Background(), testConfig(t), Mode("observer"), zap.NewNop())
		require.ErrorContains(t, err, "unknown mode")
	})
	t.Run("participant id", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Participant.ID = "not-a-uuid"
		_, err := build(context.Background(), cfg, ModeScraper, zap.NewNop())
		require.Error(t, err)
	})
	t.Run("local storage", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Storage.Backend = config.StorageLocal
		cfg.Storage.LocalDir = ""
		_, err := build(context.Background(), cfg, ModeScraper, zap.NewNop())
		require.ErrorContains(t, err, "local blob store init failed")
	})
	t.Run("seed file", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Dispatcher.TargetsFile = filepath.Join(t.TempDir(), "missing.yaml")
		_, err := build(context.Background(), cfg, ModeDispatcher, zap.NewNop())
		require.Error(t, err)
	})
}

func TestNewCodec(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"json", "msgpack"} {
		c, err := newCodec(name)
		require.NoError(t, err)
		require.Equal(t, name, c.Name())
	}
	_, err := newCodec("xml")
	require.Error(t, err)
}
