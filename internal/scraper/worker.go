// Package scraper implements the worker side of the fleet protocol: a small
// state machine that announces availability, runs one crawl job at a time and
// answers status requests.
package scraper

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/fleet"
	"github.com/JakeFAU/crawlfleet/internal/metrics"
	"github.com/JakeFAU/crawlfleet/internal/protocol"
)

// State is the worker's position in its lifecycle.
type State int

// Worker states. ShuttingDown is terminal.
const (
	StateIdle State = iota
	StateBusy
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Config controls Worker behavior.
type Config struct {
	// AvailabilityInterval is the scraper_available period while idle.
	AvailabilityInterval time.Duration
	// PublishTimeout bounds each outbound publish.
	PublishTimeout time.Duration
}

// Worker is one scraper participant.
type Worker struct {
	transport fleet.Transport
	fetcher   fleet.Fetcher
	clock     fleet.Clock
	cfg       Config
	logger    *zap.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	job        *job
	runCtx     context.Context
	stopTimer  context.CancelFunc

	// nudge asks the availability loop to announce now.
	nudge chan struct{}
	tasks sync.WaitGroup
}

// job is the in-flight crawl. Its counters are only touched under Worker.mu.
type job struct {
	generation   uint64
	url          string
	cancel       context.CancelFunc
	linkCount    int
	processed    int
	bad          int
	processedIDs []string
}

// New constructs a Worker.
func New(transport fleet.Transport, fetcher fleet.Fetcher, clock fleet.Clock, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AvailabilityInterval <= 0 {
		cfg.AvailabilityInterval = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	return &Worker{
		transport: transport,
		fetcher:   fetcher,
		clock:     clock,
		cfg:       cfg,
		logger: logger.Named("scraper").With(
			zap.String("participant_id", transport.ParticipantID()),
			zap.String("role", string(fleet.RoleScraper)),
		),
		state:     StateIdle,
		runCtx:    context.Background(),
		stopTimer: func() {},
		nudge:     make(chan struct{}, 1),
	}
}

// ID returns the participant id.
func (w *Worker) ID() string {
	return w.transport.ParticipantID()
}

// State returns the current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Run installs the handler, starts the availability timer and blocks on the
// transport until the worker shuts down or ctx ends. In-flight jobs are
// cancelled and awaited before returning.
func (w *Worker) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	timerCtx, stopTimer := context.WithCancel(runCtx)

	w.mu.Lock()
	if w.state == StateShuttingDown {
		w.mu.Unlock()
		stopTimer()
		return nil
	}
	w.runCtx = runCtx
	w.stopTimer = stopTimer
	w.mu.Unlock()

	w.transport.OnMessage(w.Handle)

	var timer sync.WaitGroup
	timer.Add(1)
	go func() {
		defer timer.Done()
		w.availabilityLoop(timerCtx)
	}()

	w.logger.Info("scraper started", zap.Duration("availability_interval", w.cfg.AvailabilityInterval))
	err := w.transport.Listen(runCtx)
	w.enterShutdown("listener stopped")
	timer.Wait()
	w.tasks.Wait()
	w.logger.Info("scraper stopped")

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// Handle applies one inbound envelope. Envelopes addressed elsewhere have
// already been filtered by the transport.
func (w *Worker) Handle(_ context.Context, env protocol.Envelope) {
	switch env.Command() {
	case protocol.CmdURLDispatch:
		w.handleDispatch(env)
	case protocol.CmdResetScraper:
		w.reset()
	case protocol.CmdShutdown, protocol.CmdGlobalShutdown:
		w.enterShutdown(string(env.Command()))
	case protocol.CmdGetStatus:
		w.replyStatus(env.SourceID(), true)
	case protocol.CmdGetStatusSimple:
		w.replyStatus(env.SourceID(), false)
	default:
		w.logger.Debug("ignoring command", zap.String("command", string(env.Command())))
	}
}

func (w *Worker) handleDispatch(env protocol.Envelope) {
	d, err := protocol.ParseURLDispatch(env.Message())
	if err != nil {
		w.logger.Debug("ignoring malformed url_dispatch", zap.Error(err))
		return
	}

	w.mu.Lock()
	if w.state == StateShuttingDown {
		w.mu.Unlock()
		return
	}
	if w.job != nil {
		w.logger.Info("url_dispatch overrides running job",
			zap.String("previous_url", w.job.url),
			zap.String("url", d.URL),
		)
		w.job.cancel()
		metrics.ObserveJob("aborted")
	}
	w.generation++
	jobCtx, cancel := context.WithCancel(w.runCtx)
	j := &job{generation: w.generation, url: d.URL, cancel: cancel}
	w.job = j
	w.state = StateBusy
	w.tasks.Add(1)
	w.mu.Unlock()

	w.logger.Info("starting job", zap.String("url", d.URL), zap.Duration("frequency", d.Frequency))
	go w.runJob(jobCtx, j, fleet.FetchRequest{URL: d.URL, Payload: d.Payload})
}

func (w *Worker) runJob(ctx context.Context, j *job, req fleet.FetchRequest) {
	defer w.tasks.Done()

	summary, err := w.fetcher.Fetch(ctx, req, &jobProgress{worker: w, generation: j.generation})
	if err != nil {
		summary.Success = false
		if summary.Error == "" {
			summary.Error = err.Error()
		}
	}

	w.mu.Lock()
	if w.job != j || w.state != StateBusy {
		w.mu.Unlock()
		w.logger.Debug("discarding result of abandoned job", zap.String("url", req.URL))
		return
	}
	j.cancel()
	if summary.LinkCount == 0 && summary.ProcessedLinkCount == 0 && summary.BadLinkCount == 0 {
		summary.LinkCount, summary.ProcessedLinkCount, summary.BadLinkCount = j.linkCount, j.processed, j.bad
	}
	w.job = nil
	w.state = StateIdle
	w.mu.Unlock()

	outcome := "success"
	if !summary.Success {
		outcome = "failure"
	}
	metrics.ObserveJob(outcome)
	w.logger.Info("job finished",
		zap.String("url", req.URL),
		zap.Bool("success", summary.Success),
		zap.Int("link_count", summary.LinkCount),
		zap.Int("processed_link_count", summary.ProcessedLinkCount),
		zap.Int("bad_link_count", summary.BadLinkCount),
	)

	env, err := protocol.NewScraperFinishedEnvelope(w.ID(), protocol.ScraperFinished{URL: req.URL, Result: summary})
	if err != nil {
		w.logger.Error("build scraper_finished", zap.Error(err))
		return
	}
	w.publish(env)
	w.signalAvailable()
}

func (w *Worker) reset() {
	w.mu.Lock()
	if w.state == StateShuttingDown {
		w.mu.Unlock()
		return
	}
	j := w.job
	if j != nil {
		j.cancel()
		w.generation++
	}
	w.job = nil
	w.state = StateIdle
	w.mu.Unlock()

	if j != nil {
		metrics.ObserveJob("aborted")
		w.logger.Info("job reset", zap.String("url", j.url))
	}
	w.signalAvailable()
}

// enterShutdown moves to ShuttingDown, aborts any job, stops the timer and the
// listener. Later calls do nothing.
func (w *Worker) enterShutdown(reason string) {
	w.mu.Lock()
	if w.state == StateShuttingDown {
		w.mu.Unlock()
		return
	}
	w.state = StateShuttingDown
	w.generation++
	if w.job != nil {
		w.job.cancel()
		metrics.ObserveJob("aborted")
		w.job = nil
	}
	stopTimer := w.stopTimer
	w.mu.Unlock()

	w.logger.Info("shutting down", zap.String("reason", reason))
	stopTimer()
	w.transport.StopListening()
}

func (w *Worker) replyStatus(requester string, full bool) {
	var report protocol.StatusReport
	if full {
		report = w.BuildFull().Report()
	} else {
		report = w.BuildSimple().Report()
	}

	w.mu.Lock()
	if w.state == StateShuttingDown {
		w.mu.Unlock()
		return
	}
	w.tasks.Add(1)
	w.mu.Unlock()

	env, err := protocol.NewStatusReportEnvelope(w.ID(), requester, report)
	if err != nil {
		w.tasks.Done()
		w.logger.Error("build status_report", zap.Error(err))
		return
	}
	go func() {
		defer w.tasks.Done()
		w.publish(env)
	}()
}

func (w *Worker) availabilityLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.AvailabilityInterval)
	defer ticker.Stop()

	w.announce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.nudge:
		}
		w.announce(ctx)
	}
}

func (w *Worker) announce(ctx context.Context) {
	if ctx.Err() != nil || w.State() != StateIdle {
		return
	}
	env, err := protocol.NewSignal(protocol.CmdScraperAvailable, w.ID(), protocol.Broadcast)
	if err != nil {
		w.logger.Error("build scraper_available", zap.Error(err))
		return
	}
	w.publish(env)
}

func (w *Worker) signalAvailable() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

func (w *Worker) publish(env protocol.Envelope) {
	w.mu.Lock()
	parent := w.runCtx
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.cfg.PublishTimeout)
	defer cancel()
	if err := w.transport.Publish(ctx, env); err != nil {
		w.logger.Warn("publish failed",
			zap.String("command", string(env.Command())),
			zap.String("destination_id", env.DestinationID()),
			zap.Error(err),
		)
	}
}

// jobProgress feeds fetch counters into the job they belong to. Updates for a
// superseded job are dropped.
type jobProgress struct {
	worker     *Worker
	generation uint64
}

func (p *jobProgress) update(fn func(j *job)) {
	p.worker.mu.Lock()
	defer p.worker.mu.Unlock()
	if j := p.worker.job; j != nil && j.generation == p.generation {
		fn(j)
	}
}

func (p *jobProgress) LinksDiscovered(n int) {
	p.update(func(j *job) { j.linkCount += n })
}

func (p *jobProgress) PageProcessed(url string) {
	p.update(func(j *job) {
		j.processed++
		j.processedIDs = append(j.processedIDs, url)
	})
}

func (p *jobProgress) PageFailed(string) {
	p.update(func(j *job) { j.bad++ })
}
