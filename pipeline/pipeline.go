package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "goldflow/config"
	"goldflow/logger"
	"goldflow/models"
	"goldflow/scheduler"
)

// Fetcher retrieves the raw upstream payload backing one stream tick.
type Fetcher interface {
	Fetch(ctx context.Context, kind models.StreamKind) (*models.RawPayload, error)
}

// Extractor turns a raw payload into a normalized record.
type Extractor interface {
	Extract(p *models.RawPayload) (models.Record, error)
}

// Appender persists a record to its stream's log.
type Appender interface {
	Append(rec models.Record) error
}

// Archiver receives a best-effort copy of every appended record.
type Archiver interface {
	Add(rec models.Record)
}

// StreamStatus is a point-in-time view of one stream's health.
type StreamStatus struct {
	Stream        string `json:"stream"`
	Period        string `json:"period"`
	Successes     int64  `json:"successes"`
	Failures      int64  `json:"failures"`
	Deduped       int64  `json:"deduped,omitempty"`
	LastTimestamp int64  `json:"last_timestamp,omitempty"`
	LastFailure   string `json:"last_failure,omitempty"`
	LastSuccessAt string `json:"last_success_at,omitempty"`
	LastFailureAt string `json:"last_failure_at,omitempty"`
}

type streamState struct {
	mu            sync.Mutex
	successes     int64
	failures      int64
	deduped       int64
	lastTimestamp int64
	lastFailure   models.FailureKind
	lastSuccessAt time.Time
	lastFailureAt time.Time
}

// Orchestrator drives the six sampling loops: five streams on the base
// cadence and open interest on its own slower cadence. Each stream fails
// independently; one stream's bad tick never touches another's.
type Orchestrator struct {
	cfg       *appconfig.Config
	fetcher   Fetcher
	extractor Extractor
	appender  Appender
	archiver  Archiver
	sched     *scheduler.Scheduler
	log       *logger.Log

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	states map[models.StreamKind]*streamState

	// lastOITimestamp dedupes the 5-minute upstream open interest sample:
	// at most one new line lands per upstream window. The watermark only
	// advances after a successful append, so a failed write does not
	// swallow the sample on the next tick's retry.
	oiMu            sync.Mutex
	lastOITimestamp int64
}

// NewOrchestrator wires the pipeline stages together. archiver may be nil
// when S3 mirroring is disabled; clock may be nil for the system clock.
func NewOrchestrator(cfg *appconfig.Config, fetcher Fetcher, extractor Extractor, appender Appender, archiver Archiver, clock scheduler.Clock) *Orchestrator {
	states := make(map[models.StreamKind]*streamState, len(models.AllStreams))
	for _, kind := range models.AllStreams {
		states[kind] = &streamState{}
	}
	return &Orchestrator{
		cfg:       cfg,
		fetcher:   fetcher,
		extractor: extractor,
		appender:  appender,
		archiver:  archiver,
		sched:     scheduler.New(clock),
		log:       logger.GetLogger(),
		states:    states,
	}
}

// fastStreams are sampled on the base tick period.
var fastStreams = []models.StreamKind{
	models.StreamPrice,
	models.StreamBasis,
	models.StreamFundingRate,
	models.StreamVolume24h,
	models.StreamSpread,
}

// Start launches one scheduling loop per stream.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"symbol":               o.cfg.Source.Binance.Symbol,
		"tick_period":          o.cfg.Monitor.TickPeriod.String(),
		"open_interest_period": o.cfg.Monitor.OpenInterestPeriod.String(),
	}).Info("starting orchestrator")

	for _, kind := range fastStreams {
		kind := kind
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.sched.Run(ctx, string(kind), o.cfg.Monitor.TickPeriod, func(ctx context.Context, tick time.Time) {
				o.RunTick(ctx, kind, tick)
			})
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.sched.Run(ctx, string(models.StreamOpenInterest), o.cfg.Monitor.OpenInterestPeriod, func(ctx context.Context, tick time.Time) {
			o.RunTick(ctx, models.StreamOpenInterest, tick)
		})
	}()

	return nil
}

// Stop cancels the loops and waits for in-flight ticks to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	o.log.WithComponent("orchestrator").Info("orchestrator stopped")
}

// RunOnce fires every stream a single time, open interest included. Used by
// the one-shot mode and exercised directly by tests.
func (o *Orchestrator) RunOnce(ctx context.Context) {
	now := time.Now()
	for _, kind := range models.AllStreams {
		o.RunTick(ctx, kind, now)
	}
}

// RunTick executes one fetch-extract-append cycle for a stream. Every
// failure is contained here: it is logged, counted, and leaves no line in
// the stream's log.
func (o *Orchestrator) RunTick(ctx context.Context, kind models.StreamKind, tick time.Time) {
	logger.IncrementTick(string(kind))

	payload, err := o.fetcher.Fetch(ctx, kind)
	if err != nil {
		o.recordFailure(kind, tick, err)
		return
	}

	rec, err := o.extractor.Extract(payload)
	if err != nil {
		o.recordFailure(kind, tick, err)
		return
	}

	if kind == models.StreamOpenInterest && o.isDuplicateOpenInterest(rec.RecordTime()) {
		state := o.states[kind]
		state.mu.Lock()
		state.deduped++
		// A deduped tick is still a healthy tick.
		state.lastSuccessAt = time.Now()
		state.mu.Unlock()
		o.log.WithComponent("orchestrator").WithFields(logger.Fields{
			"stream":    string(kind),
			"timestamp": rec.RecordTime(),
		}).Debug("open interest sample unchanged, skipping append")
		return
	}

	if err := o.appender.Append(rec); err != nil {
		o.recordFailure(kind, tick, err)
		return
	}
	if kind == models.StreamOpenInterest {
		o.commitOpenInterest(rec.RecordTime())
	}
	if o.archiver != nil {
		o.archiver.Add(rec)
	}

	state := o.states[kind]
	state.mu.Lock()
	state.successes++
	state.lastTimestamp = rec.RecordTime()
	state.lastSuccessAt = time.Now()
	state.mu.Unlock()
}

// isDuplicateOpenInterest reports whether ts repeats the last successfully
// appended upstream sample.
func (o *Orchestrator) isDuplicateOpenInterest(ts int64) bool {
	o.oiMu.Lock()
	defer o.oiMu.Unlock()
	return ts == o.lastOITimestamp
}

// commitOpenInterest advances the dedupe watermark once ts has been written.
func (o *Orchestrator) commitOpenInterest(ts int64) {
	o.oiMu.Lock()
	o.lastOITimestamp = ts
	o.oiMu.Unlock()
}

func (o *Orchestrator) recordFailure(kind models.StreamKind, tick time.Time, err error) {
	failureKind := models.KindOf(err)
	logger.IncrementTickFailure(string(kind))

	state := o.states[kind]
	state.mu.Lock()
	state.failures++
	state.lastFailure = failureKind
	state.lastFailureAt = time.Now()
	state.mu.Unlock()

	o.log.WithComponent("orchestrator").WithError(err).WithFields(logger.Fields{
		"stream":  string(kind),
		"tick":    tick.UTC().Format(time.RFC3339),
		"failure": string(failureKind),
	}).Warn("stream tick failed")
}

// Stats snapshots every stream's counters for the dashboard.
func (o *Orchestrator) Stats() []StreamStatus {
	out := make([]StreamStatus, 0, len(models.AllStreams))
	for _, kind := range models.AllStreams {
		state := o.states[kind]
		period := o.cfg.Monitor.TickPeriod
		if kind == models.StreamOpenInterest {
			period = o.cfg.Monitor.OpenInterestPeriod
		}

		state.mu.Lock()
		status := StreamStatus{
			Stream:        string(kind),
			Period:        period.String(),
			Successes:     state.successes,
			Failures:      state.failures,
			Deduped:       state.deduped,
			LastTimestamp: state.lastTimestamp,
			LastFailure:   string(state.lastFailure),
		}
		if !state.lastSuccessAt.IsZero() {
			status.LastSuccessAt = state.lastSuccessAt.UTC().Format(time.RFC3339)
		}
		if !state.lastFailureAt.IsZero() {
			status.LastFailureAt = state.lastFailureAt.UTC().Format(time.RFC3339)
		}
		state.mu.Unlock()

		out = append(out, status)
	}
	return out
}

// Healthy reports whether every stream has appended at least once more
// recently than twice its period. Streams that have never run yet do not
// count against health.
func (o *Orchestrator) Healthy() bool {
	now := time.Now()
	for _, kind := range models.AllStreams {
		state := o.states[kind]
		period := o.cfg.Monitor.TickPeriod
		if kind == models.StreamOpenInterest {
			period = o.cfg.Monitor.OpenInterestPeriod
		}

		state.mu.Lock()
		last := state.lastSuccessAt
		ran := state.successes+state.failures > 0
		state.mu.Unlock()

		if !ran {
			continue
		}
		if last.IsZero() || now.Sub(last) > 2*period {
			return false
		}
	}
	return true
}
