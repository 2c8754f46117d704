// Package server provides the participant processes and their dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/api"
	"github.com/JakeFAU/crawlfleet/internal/bus"
	memorybus "github.com/JakeFAU/crawlfleet/internal/bus/memory"
	pubsubbus "github.com/JakeFAU/crawlfleet/internal/bus/pubsub"
	zmqbus "github.com/JakeFAU/crawlfleet/internal/bus/zeromq"
	"github.com/JakeFAU/crawlfleet/internal/clock/system"
	jsoncodec "github.com/JakeFAU/crawlfleet/internal/codec/json"
	msgpackcodec "github.com/JakeFAU/crawlfleet/internal/codec/msgpack"
	"github.com/JakeFAU/crawlfleet/internal/config"
	"github.com/JakeFAU/crawlfleet/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/crawlfleet/internal/fetcher/colly"
	"github.com/JakeFAU/crawlfleet/internal/fleet"
	"github.com/JakeFAU/crawlfleet/internal/hash/sha256"
	"github.com/JakeFAU/crawlfleet/internal/id/uuid"
	"github.com/JakeFAU/crawlfleet/internal/logging"
	"github.com/JakeFAU/crawlfleet/internal/metrics"
	"github.com/JakeFAU/crawlfleet/internal/policy/ratelimit"
	"github.com/JakeFAU/crawlfleet/internal/protocol"
	"github.com/JakeFAU/crawlfleet/internal/scraper"
	gcsstorage "github.com/JakeFAU/crawlfleet/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawlfleet/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawlfleet/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawlfleet/internal/storage/postgres"
	"github.com/JakeFAU/crawlfleet/internal/telemetry"
)

// Mode selects which participants a process hosts.
type Mode string

// Process modes. Local runs a dispatcher and several scrapers on one in-process
// exchange.
const (
	ModeDispatcher Mode = "dispatcher"
	ModeScraper    Mode = "scraper"
	ModeLocal      Mode = "local"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	mode   Mode
	logger *zap.Logger
	clock  fleet.Clock
	ids    *uuid.Generator

	exchange   *memorybus.Exchange
	adapterMu  sync.Mutex
	adapters   []*bus.Adapter
	dispatch   *dispatcher.Dispatcher
	scrapers   []*scraper.Worker
	apiServer  *api.Server
	targets    *pgstore.TargetStore
	gcs        *storage.Client
	blobs      fleet.BlobStore
	httpServer *http.Server

	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies for mode.
func Build(ctx context.Context, cfg config.Config, mode Mode) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, mode, logger)
}

func build(ctx context.Context, cfg config.Config, mode Mode, logger *zap.Logger) (*App, error) {
	metrics.Init()
	app := &App{
		cfg:    cfg,
		mode:   mode,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}
	if cfg.Bus.Backend == config.BackendMemory || mode == ModeLocal {
		app.exchange = memorybus.NewExchange(0)
	}
	logger.Info("building application dependencies",
		zap.String("mode", string(mode)),
		zap.String("bus_backend", cfg.Bus.Backend),
		zap.String("codec", cfg.Bus.Codec),
		zap.String("exchange", cfg.Bus.Exchange),
	)

	var err error
	switch mode {
	case ModeDispatcher:
		err = app.setupDispatcher(ctx, cfg.Participant.ID)
	case ModeScraper:
		err = app.setupScrapers(ctx, 1, cfg.Participant.ID)
	case ModeLocal:
		if err = app.setupDispatcher(ctx, ""); err == nil {
			err = app.setupScrapers(ctx, cfg.Local.Scrapers, "")
		}
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	return app, nil
}

// Dispatcher returns the dispatcher, or nil when the process hosts none.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Scrapers returns the hosted scraper workers.
func (a *App) Scrapers() []*scraper.Worker {
	return a.scrapers
}

// Run starts every participant and blocks until they have all stopped or ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started", zap.String("mode", string(a.mode)))
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		runErrs []error
	)
	record := func(err error) {
		if err == nil {
			return
		}
		errMu.Lock()
		runErrs = append(runErrs, err)
		errMu.Unlock()
	}

	if a.dispatch != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(a.dispatch.Run(ctx))
		}()
		a.startHTTP(stop)
	}
	for _, w := range a.scrapers {
		wg.Add(1)
		go func(w *scraper.Worker) {
			defer wg.Done()
			record(w.Run(ctx))
			a.releaseAdapter(w.ID())
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
		<-done
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	closeErr := a.Close(shutdownCtx)
	return errors.Join(append(runErrs, closeErr)...)
}

func (a *App) startHTTP(stop context.CancelFunc) {
	if a.apiServer == nil || a.cfg.Server.Port <= 0 {
		return
	}
	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

// releaseAdapter detaches a participant whose loop has ended.
func (a *App) releaseAdapter(participantID string) {
	a.adapterMu.Lock()
	var released *bus.Adapter
	for i, adapter := range a.adapters {
		if adapter.ParticipantID() == participantID {
			released = adapter
			a.adapters = append(a.adapters[:i], a.adapters[i+1:]...)
			break
		}
	}
	a.adapterMu.Unlock()
	if released != nil {
		a.closeAdapter(released)
	}
}

func (a *App) closeAdapter(adapter *bus.Adapter) {
	if err := adapter.Close(); err != nil {
		a.logger.Warn("bus adapter close failed",
			zap.String("participant_id", adapter.ParticipantID()),
			zap.Error(err),
		)
	}
}

func (a *App) closeInfrastructure(_ context.Context) {
	a.adapterMu.Lock()
	adapters := a.adapters
	a.adapters = nil
	a.adapterMu.Unlock()
	for _, adapter := range adapters {
		a.closeAdapter(adapter)
	}
	if a.targets != nil {
		a.targets.Close()
		a.targets = nil
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcs = nil
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
}

func (a *App) setupTracing(ctx context.Context, role fleet.Role, participantID string) error {
	if a.tracerShutdown != nil {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, string(role), participantID)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	return nil
}

func (a *App) setupDispatcher(ctx context.Context, fixedID string) error {
	adapter, err := a.newTransport(ctx, fleet.RoleDispatcher, fixedID)
	if err != nil {
		return err
	}
	store, err := a.setupTargetStore(ctx)
	if err != nil {
		return err
	}
	a.dispatch = dispatcher.New(adapter, a.clock, store, dispatcher.Config{
		LivenessWindow: a.cfg.Dispatcher.LivenessWindow,
		SweepInterval:  a.cfg.Dispatcher.SweepInterval,
		PublishTimeout: a.cfg.Bus.Publish.Timeout,
	}, a.logger)

	if err := a.dispatch.LoadTargets(ctx); err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	if path := a.cfg.Dispatcher.TargetsFile; path != "" {
		seeds, err := dispatcher.LoadSeed(path)
		if err != nil {
			return err
		}
		for _, target := range seeds {
			if err := a.dispatch.AddTarget(ctx, target); err != nil {
				return fmt.Errorf("seed target %s: %w", target.URL, err)
			}
		}
		a.logger.Info("seeded crawl targets", zap.String("path", path), zap.Int("count", len(seeds)))
	}

	a.apiServer = api.NewServer(a.dispatch, a.clock, api.Config{
		LivenessWindow: a.cfg.Dispatcher.LivenessWindow,
		APIKey:         a.cfg.Server.APIKey,
	}, a.logger)
	return nil
}

func (a *App) setupTargetStore(ctx context.Context) (fleet.TargetStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("No DSN specified for database, crawl targets are kept in memory")
		return memorystorage.NewTargetStore(), nil
	}
	store, err := pgstore.NewTargetStore(ctx, pgstore.TargetStoreConfig{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("target store init failed: %w", err)
	}
	a.targets = store
	a.logger.Info("target store initialized", zap.String("table", a.cfg.DB.Table))
	return store, nil
}

func (a *App) setupScrapers(ctx context.Context, count int, fixedID string) error {
	if count <= 0 {
		return fmt.Errorf("scraper count must be > 0, got %d", count)
	}
	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Scraper.RateLimitPerDomain,
		DefaultBurst: a.cfg.Scraper.RateLimitBurst,
	})
	var hasher fleet.Hasher
	if blobs != nil {
		hasher = sha256.New()
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Scraper.UserAgent,
		RespectRobots: a.cfg.Scraper.RespectRobots,
		Timeout:       a.cfg.Scraper.RequestTimeout,
		MaxPages:      a.cfg.Scraper.MaxPages,
	}, limiter, blobs, hasher, a.logger)
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", a.cfg.Scraper.UserAgent),
		zap.Bool("respect_robots", a.cfg.Scraper.RespectRobots),
		zap.Int("max_pages", a.cfg.Scraper.MaxPages),
	)

	for i := 0; i < count; i++ {
		id := ""
		if i == 0 {
			id = fixedID
		}
		adapter, err := a.newTransport(ctx, fleet.RoleScraper, id)
		if err != nil {
			return err
		}
		a.scrapers = append(a.scrapers, scraper.New(adapter, fetcher, a.clock, scraper.Config{
			AvailabilityInterval: a.cfg.Scraper.AvailabilityInterval,
			PublishTimeout:       a.cfg.Bus.Publish.Timeout,
		}, a.logger))
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) (fleet.BlobStore, error) {
	var (
		blobs fleet.BlobStore
		err   error
	)
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		a.gcs, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err = gcsstorage.New(a.gcs, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.StorageLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
	case config.StorageMemory:
		a.logger.Info("using in-memory storage backend")
		blobs = memorystorage.NewBlobStore()
	default:
		a.logger.Info("page storage disabled")
		return nil, nil
	}
	a.blobs = blobs
	return blobs, nil
}

// newTransport draws a participant id and binds it to the configured exchange.
func (a *App) newTransport(ctx context.Context, role fleet.Role, fixedID string) (*bus.Adapter, error) {
	id, err := a.ids.ParticipantID(fixedID)
	if err != nil {
		return nil, err
	}
	if err := a.setupTracing(ctx, role, id); err != nil {
		return nil, err
	}
	codec, err := newCodec(a.cfg.Bus.Codec)
	if err != nil {
		return nil, err
	}
	broker, err := a.newBroker(ctx, id)
	if err != nil {
		return nil, err
	}
	adapter, err := bus.New(broker, codec, bus.Config{
		ParticipantID:  id,
		MaxAttempts:    a.cfg.Bus.Publish.MaxAttempts,
		BackoffInitial: a.cfg.Bus.Publish.BackoffInitial,
		BackoffMax:     a.cfg.Bus.Publish.BackoffMax,
	}, a.logger)
	if err != nil {
		_ = broker.Close()
		return nil, err
	}
	a.adapterMu.Lock()
	a.adapters = append(a.adapters, adapter)
	a.adapterMu.Unlock()
	a.logger.Info("participant bound",
		zap.String("participant_id", id),
		zap.String("role", string(role)),
	)
	return adapter, nil
}

func (a *App) newBroker(ctx context.Context, participantID string) (bus.Broker, error) {
	if a.exchange != nil {
		return a.exchange.Bind(participantID)
	}
	switch a.cfg.Bus.Backend {
	case config.BackendPubSub:
		return pubsubbus.New(ctx, pubsubbus.Config{
			ProjectID:       a.cfg.Bus.PubSub.ProjectID,
			Exchange:        a.cfg.Bus.Exchange,
			ParticipantID:   participantID,
			SubscriptionTTL: a.cfg.Bus.PubSub.SubscriptionTTL,
			AckDeadline:     a.cfg.Bus.PubSub.AckDeadline,
		}, a.logger)
	case config.BackendZeroMQ:
		return zmqbus.New(zmqbus.Config{
			PubAddr:      a.cfg.Bus.ZeroMQ.PubAddr,
			SubAddr:      a.cfg.Bus.ZeroMQ.SubAddr,
			Exchange:     a.cfg.Bus.Exchange,
			PollInterval: a.cfg.Bus.ZeroMQ.PollInterval,
		})
	default:
		return nil, fmt.Errorf("%w: unknown bus backend %q", bus.ErrConnect, a.cfg.Bus.Backend)
	}
}

func newCodec(name string) (protocol.Codec, error) {
	switch name {
	case "", jsoncodec.Name:
		return jsoncodec.New(), nil
	case msgpackcodec.Name:
		return msgpackcodec.New(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
