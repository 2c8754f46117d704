// Package dispatcher implements the scheduling side of the fleet protocol. It
// tracks crawl targets and available scrapers and hands each due target to one
// idle scraper at a time.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/fleet"
	"github.com/JakeFAU/crawlfleet/internal/metrics"
	"github.com/JakeFAU/crawlfleet/internal/protocol"
)

var (
	// ErrInvalidTarget rejects targets without an absolute URL or with a negative frequency.
	ErrInvalidTarget = errors.New("invalid crawl target")
	// ErrUnknownWorker is returned by operator calls naming a worker that is not tracked.
	ErrUnknownWorker = errors.New("unknown worker")
)

// Config controls Dispatcher behavior.
type Config struct {
	// LivenessWindow is how long a scraper_available keeps a worker eligible.
	LivenessWindow time.Duration
	// SweepInterval is the period of the liveness sweep and opportunistic dispatch.
	SweepInterval time.Duration
	// PublishTimeout bounds each outbound publish.
	PublishTimeout time.Duration
}

// Dispatcher is the scheduler participant.
type Dispatcher struct {
	transport fleet.Transport
	clock     fleet.Clock
	store     fleet.TargetStore
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	targets map[string]*entry
	order   []string
	workers map[string]*fleet.WorkerRecord
	// inflight maps a worker to the URL it is working on. Entries survive the
	// liveness sweep and clear on scraper_finished, scraper_available or reset.
	inflight map[string]string
	reports  map[string]fleet.StatusRecord
	stopped  bool
}

// entry is a target plus the sequence number of its latest booking, used to
// roll back only our own stamp.
type entry struct {
	target fleet.CrawlTarget
	seq    uint64
}

// New constructs a Dispatcher. store may be nil.
func New(transport fleet.Transport, clock fleet.Clock, store fleet.TargetStore, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	return &Dispatcher{
		transport: transport,
		clock:     clock,
		store:     store,
		cfg:       cfg,
		logger: logger.Named("dispatcher").With(
			zap.String("participant_id", transport.ParticipantID()),
			zap.String("role", string(fleet.RoleDispatcher)),
		),
		targets:  make(map[string]*entry),
		workers:  make(map[string]*fleet.WorkerRecord),
		inflight: make(map[string]string),
		reports:  make(map[string]fleet.StatusRecord),
	}
}

// ID returns the participant id.
func (d *Dispatcher) ID() string {
	return d.transport.ParticipantID()
}

// AddTarget registers a target or updates the frequency and payload of an
// existing one. The dispatch stamp of an existing target is kept.
func (d *Dispatcher) AddTarget(ctx context.Context, target fleet.CrawlTarget) error {
	if err := validateTarget(target); err != nil {
		return err
	}
	stored := d.upsert(target, false)
	if d.store != nil {
		if err := d.store.UpsertTarget(ctx, stored); err != nil {
			return fmt.Errorf("persist target: %w", err)
		}
	}
	d.logger.Info("target registered", zap.String("url", target.URL), zap.Duration("frequency", target.Frequency))
	return nil
}

// LoadTargets restores targets, including their dispatch stamps, from the store.
func (d *Dispatcher) LoadTargets(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	targets, err := d.store.LoadTargets(ctx)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	for _, t := range targets {
		if err := validateTarget(t); err != nil {
			d.logger.Warn("skipping stored target", zap.String("url", t.URL), zap.Error(err))
			continue
		}
		d.upsert(t, true)
	}
	d.logger.Info("targets loaded", zap.Int("count", len(targets)))
	return nil
}

func validateTarget(t fleet.CrawlTarget) error {
	u, err := url.Parse(t.URL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: url %q must be absolute", ErrInvalidTarget, t.URL)
	}
	if t.Frequency < 0 {
		return fmt.Errorf("%w: frequency must be >= 0", ErrInvalidTarget)
	}
	return nil
}

func (d *Dispatcher) upsert(t fleet.CrawlTarget, withHistory bool) fleet.CrawlTarget {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.targets[t.URL]
	if !ok {
		e = &entry{target: fleet.CrawlTarget{URL: t.URL}}
		d.targets[t.URL] = e
		d.order = append(d.order, t.URL)
	}
	e.target.Frequency = t.Frequency
	e.target.Payload = fleet.CrawlTarget{Payload: t.Payload}.Clone().Payload
	if withHistory {
		e.target.LastDispatchedAt = t.LastDispatchedAt
		e.target.LastWorker = t.LastWorker
	}
	return e.target.Clone()
}

// Targets returns a snapshot of all targets in insertion order.
func (d *Dispatcher) Targets() []fleet.CrawlTarget {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]fleet.CrawlTarget, 0, len(d.order))
	for _, u := range d.order {
		out = append(out, d.targets[u].target.Clone())
	}
	return out
}

// Target returns one target by URL.
func (d *Dispatcher) Target(rawURL string) (fleet.CrawlTarget, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.targets[rawURL]
	if !ok {
		return fleet.CrawlTarget{}, false
	}
	return e.target.Clone(), true
}

// Workers returns a snapshot of the tracked workers ordered by id.
func (d *Dispatcher) Workers() []fleet.WorkerRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]fleet.WorkerRecord, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// LastStatus returns the latest status_report received from a worker.
func (d *Dispatcher) LastStatus(workerID string) (fleet.StatusRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.reports[workerID]
	return rec, ok
}

// Handle applies one inbound envelope.
func (d *Dispatcher) Handle(ctx context.Context, env protocol.Envelope) {
	switch env.Command() {
	case protocol.CmdScraperAvailable:
		d.workerAvailable(ctx, env.SourceID())
	case protocol.CmdScraperFinished:
		d.workerFinished(env)
	case protocol.CmdStatusReport:
		d.statusReport(env)
	case protocol.CmdGlobalShutdown:
		d.logger.Info("global_shutdown received", zap.String("source_id", env.SourceID()))
		d.Stop()
	default:
		d.logger.Debug("ignoring command", zap.String("command", string(env.Command())))
	}
}

func (d *Dispatcher) workerAvailable(ctx context.Context, workerID string) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	rec, ok := d.workers[workerID]
	if !ok {
		rec = &fleet.WorkerRecord{WorkerID: workerID}
		d.workers[workerID] = rec
		d.logger.Info("worker joined", zap.String("worker_id", workerID))
	}
	rec.LastSeenAvailableAt = d.clock.Now()
	rec.Busy = false
	rec.BusyURL = ""
	delete(d.inflight, workerID)
	d.mu.Unlock()

	d.dispatchTo(ctx, workerID)
}

func (d *Dispatcher) workerFinished(env protocol.Envelope) {
	finished, err := protocol.ParseScraperFinished(env.Message())
	if err != nil {
		d.logger.Debug("ignoring malformed scraper_finished", zap.Error(err))
		return
	}
	workerID := env.SourceID()

	d.mu.Lock()
	if rec, ok := d.workers[workerID]; ok && rec.BusyURL == finished.URL {
		rec.Busy = false
		rec.BusyURL = ""
	}
	if d.inflight[workerID] == finished.URL {
		delete(d.inflight, workerID)
	}
	if e, ok := d.targets[finished.URL]; ok {
		summary := finished.Result
		e.target.LastResult = &summary
		e.target.LastWorker = workerID
	}
	d.mu.Unlock()

	d.logger.Info("scraper finished",
		zap.String("worker_id", workerID),
		zap.String("url", finished.URL),
		zap.Bool("success", finished.Result.Success),
		zap.Int("link_count", finished.Result.LinkCount),
		zap.Int("processed_link_count", finished.Result.ProcessedLinkCount),
		zap.Int("bad_link_count", finished.Result.BadLinkCount),
		zap.String("error", finished.Result.Error),
	)
}

func (d *Dispatcher) statusReport(env protocol.Envelope) {
	report, err := protocol.ParseStatusReport(env.Message())
	if err != nil {
		d.logger.Debug("ignoring malformed status_report", zap.Error(err))
		return
	}
	d.mu.Lock()
	d.reports[env.SourceID()] = fleet.StatusRecord{
		WorkerID:   env.SourceID(),
		Report:     report,
		ReceivedAt: d.clock.Now(),
	}
	d.mu.Unlock()
}

// dispatchTo books the best due target for workerID and sends it. It returns
// whether a url_dispatch was delivered to the transport.
func (d *Dispatcher) dispatchTo(ctx context.Context, workerID string) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	rec, ok := d.workers[workerID]
	now := d.clock.Now()
	if !ok || rec.Busy || !rec.Live(now, d.cfg.LivenessWindow) {
		d.mu.Unlock()
		return false
	}
	e := d.selectLocked(now)
	if e == nil {
		d.mu.Unlock()
		return false
	}
	previous := e.target.LastDispatchedAt
	e.seq++
	seq := e.seq
	e.target.LastDispatchedAt = now
	rec.Busy = true
	rec.BusyURL = e.target.URL
	d.inflight[workerID] = e.target.URL
	dispatch := protocol.URLDispatch{
		URL:       e.target.URL,
		Frequency: e.target.Frequency,
		Payload:   e.target.Clone().Payload,
	}
	d.mu.Unlock()

	env, err := protocol.NewURLDispatchEnvelope(d.ID(), workerID, dispatch)
	if err == nil {
		err = d.publish(ctx, env)
	}
	if err != nil {
		d.rollback(dispatch.URL, seq, previous, workerID)
		metrics.ObserveDispatch("rolled_back")
		d.logger.Warn("dispatch failed, booking rolled back",
			zap.String("worker_id", workerID),
			zap.String("url", dispatch.URL),
			zap.Error(err),
		)
		return false
	}

	metrics.ObserveDispatch("dispatched")
	d.logger.Info("dispatched", zap.String("worker_id", workerID), zap.String("url", dispatch.URL))

	d.mu.Lock()
	if cur, ok := d.targets[dispatch.URL]; ok && cur.seq == seq {
		cur.target.LastWorker = workerID
	}
	d.mu.Unlock()
	if d.store != nil {
		if err := d.store.RecordDispatch(ctx, dispatch.URL, now, workerID); err != nil {
			d.logger.Warn("persist dispatch failed", zap.String("url", dispatch.URL), zap.Error(err))
		}
	}
	return true
}

// selectLocked picks the due target with the oldest stamp. Never-dispatched
// targets come first and ties go to the earlier registration.
func (d *Dispatcher) selectLocked(now time.Time) *entry {
	var best *entry
	for _, u := range d.order {
		e := d.targets[u]
		if !e.target.Due(now) {
			continue
		}
		if best == nil || older(e.target, best.target) {
			best = e
		}
	}
	return best
}

func older(a, b fleet.CrawlTarget) bool {
	switch {
	case a.NeverDispatched():
		return !b.NeverDispatched()
	case b.NeverDispatched():
		return false
	default:
		return a.LastDispatchedAt.Before(b.LastDispatchedAt)
	}
}

func (d *Dispatcher) rollback(rawURL string, seq uint64, previous time.Time, workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.targets[rawURL]; ok && e.seq == seq {
		e.target.LastDispatchedAt = previous
	}
	if rec, ok := d.workers[workerID]; ok && rec.BusyURL == rawURL {
		rec.Busy = false
		rec.BusyURL = ""
	}
	if d.inflight[workerID] == rawURL {
		delete(d.inflight, workerID)
	}
}

// Tick drops workers outside the liveness window and offers due targets to
// the remaining idle workers.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	now := d.clock.Now()
	var evicted []string
	idle := make([]string, 0, len(d.workers))
	for id, rec := range d.workers {
		if !rec.Live(now, d.cfg.LivenessWindow) {
			delete(d.workers, id)
			evicted = append(evicted, id)
			continue
		}
		if !rec.Busy {
			idle = append(idle, id)
		}
	}
	live := len(d.workers)
	d.mu.Unlock()

	sort.Strings(evicted)
	for _, id := range evicted {
		d.logger.Info("worker evicted", zap.String("worker_id", id), zap.Duration("liveness_window", d.cfg.LivenessWindow))
	}
	metrics.ObserveEvictions(len(evicted))
	metrics.SetLiveWorkers(live)

	sort.Strings(idle)
	for _, id := range idle {
		d.dispatchTo(ctx, id)
	}
}

// Run installs the handler and blocks until the dispatcher stops or ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.transport.OnMessage(d.Handle)
	if d.Stopped() {
		d.logger.Info("dispatcher stopped before listening")
		return nil
	}

	var ticker sync.WaitGroup
	ticker.Add(1)
	go func() {
		defer ticker.Done()
		t := time.NewTicker(d.cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-t.C:
				d.Tick(runCtx)
			}
		}
	}()

	d.logger.Info("dispatcher started",
		zap.Duration("liveness_window", d.cfg.LivenessWindow),
		zap.Duration("sweep_interval", d.cfg.SweepInterval),
	)
	err := d.transport.Listen(runCtx)
	d.Stop()
	cancel()
	ticker.Wait()
	d.logger.Info("dispatcher stopped")

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// Stop ends scheduling and makes Run return. It is safe to call repeatedly.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.transport.StopListening()
}

// Stopped reports whether Stop has been called.
func (d *Dispatcher) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

func (d *Dispatcher) publish(ctx context.Context, env protocol.Envelope) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.PublishTimeout)
	defer cancel()
	return d.transport.Publish(ctx, env)
}
