package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	appconfig "goldflow/config"
	"goldflow/models"
)

// The fakes are driven from the orchestrator's concurrent stream loops, so
// they carry the same mutex discipline as the production components.
type fakeFetcher struct {
	mu       sync.Mutex
	payloads map[models.StreamKind]*models.RawPayload
	errs     map[models.StreamKind]error
	calls    map[models.StreamKind]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		payloads: make(map[models.StreamKind]*models.RawPayload),
		errs:     make(map[models.StreamKind]error),
		calls:    make(map[models.StreamKind]int),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, kind models.StreamKind) (*models.RawPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[kind]++
	if err := f.errs[kind]; err != nil {
		return nil, err
	}
	if p, ok := f.payloads[kind]; ok {
		return p, nil
	}
	return &models.RawPayload{Stream: kind, FetchedAt: time.Now()}, nil
}

func (f *fakeFetcher) callsFor(kind models.StreamKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeFetcher) setErr(kind models.StreamKind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[kind] = err
}

type fakeExtractor struct {
	records map[models.StreamKind]models.Record
	errs    map[models.StreamKind]error
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{
		records: make(map[models.StreamKind]models.Record),
		errs:    make(map[models.StreamKind]error),
	}
}

func (f *fakeExtractor) Extract(p *models.RawPayload) (models.Record, error) {
	if err := f.errs[p.Stream]; err != nil {
		return nil, err
	}
	if rec, ok := f.records[p.Stream]; ok {
		return rec, nil
	}
	return models.FundingRateRecord{Symbol: "PAXGUSDT", FundingRate: "0.0001", Timestamp: time.Now().UnixMilli()}, nil
}

type fakeAppender struct {
	mu       sync.Mutex
	appended []models.Record
	err      error
}

func (f *fakeAppender) Append(rec models.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, rec)
	return nil
}

func (f *fakeAppender) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeAppender) countFor(kind models.StreamKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.appended {
		if rec.Stream() == kind {
			n++
		}
	}
	return n
}

type fakeArchiver struct {
	mu    sync.Mutex
	added []models.Record
}

func (f *fakeArchiver) Add(rec models.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, rec)
}

func (f *fakeArchiver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

func testConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Source.Binance.Symbol = "PAXGUSDT"
	cfg.Monitor.TickPeriod = time.Minute
	cfg.Monitor.OpenInterestPeriod = 5 * time.Minute
	return cfg
}

func newTestOrchestrator(f *fakeFetcher, e *fakeExtractor, a *fakeAppender, arch Archiver) *Orchestrator {
	return NewOrchestrator(testConfig(), f, e, a, arch, nil)
}

func TestRunOnceAppendsAllStreams(t *testing.T) {
	fetcher := newFakeFetcher()
	extractor := newFakeExtractor()
	appender := &fakeAppender{}
	archiver := &fakeArchiver{}
	for i, kind := range models.AllStreams {
		extractor.records[kind] = stubRecord(kind, int64(1700000000000+i))
	}

	o := newTestOrchestrator(fetcher, extractor, appender, archiver)
	o.RunOnce(context.Background())

	total := 0
	for _, kind := range models.AllStreams {
		total += appender.countFor(kind)
	}
	if total != len(models.AllStreams) {
		t.Fatalf("expected %d appends, got %d", len(models.AllStreams), total)
	}
	if archiver.count() != len(models.AllStreams) {
		t.Errorf("archiver should mirror every append, got %d", archiver.count())
	}
}

func TestFailureIsolatedToItsStream(t *testing.T) {
	fetcher := newFakeFetcher()
	extractor := newFakeExtractor()
	appender := &fakeAppender{}
	fetcher.setErr(models.StreamBasis, models.NewFailure(models.FailureTimeout, models.StreamBasis, "upstream stalled"))
	for i, kind := range models.AllStreams {
		extractor.records[kind] = stubRecord(kind, int64(1700000000000+i))
	}

	o := newTestOrchestrator(fetcher, extractor, appender, nil)
	o.RunOnce(context.Background())

	if got := appender.countFor(models.StreamBasis); got != 0 {
		t.Errorf("failed stream must not append, got %d lines", got)
	}
	for _, kind := range models.AllStreams {
		if kind == models.StreamBasis {
			continue
		}
		if got := appender.countFor(kind); got != 1 {
			t.Errorf("stream %s should append despite basis failure, got %d", kind, got)
		}
	}

	for _, status := range o.Stats() {
		if status.Stream == string(models.StreamBasis) {
			if status.Failures != 1 || status.LastFailure != string(models.FailureTimeout) {
				t.Errorf("basis status not recorded: %+v", status)
			}
		}
	}
}

func TestExtractFailureLeavesNoLine(t *testing.T) {
	fetcher := newFakeFetcher()
	extractor := newFakeExtractor()
	appender := &fakeAppender{}
	extractor.errs[models.StreamSpread] = models.NewFailure(models.FailureInsufficientDepth, models.StreamSpread, "book too shallow")

	o := newTestOrchestrator(fetcher, extractor, appender, nil)
	o.RunTick(context.Background(), models.StreamSpread, time.Now())

	if got := appender.countFor(models.StreamSpread); got != 0 {
		t.Errorf("expected no append on extract failure, got %d", got)
	}
}

func TestOpenInterestDedupedOnRepeatedSample(t *testing.T) {
	fetcher := newFakeFetcher()
	extractor := newFakeExtractor()
	appender := &fakeAppender{}
	extractor.records[models.StreamOpenInterest] = models.OpenInterestRecord{
		Symbol: "PAXGUSDT", SumOpenInterest: "100", SumOpenInterestValue: "420000", Timestamp: 1700000000000,
	}

	o := newTestOrchestrator(fetcher, extractor, appender, nil)

	// Same upstream 5-minute sample fetched twice: one line only.
	o.RunTick(context.Background(), models.StreamOpenInterest, time.Now())
	o.RunTick(context.Background(), models.StreamOpenInterest, time.Now())
	if got := appender.countFor(models.StreamOpenInterest); got != 1 {
		t.Fatalf("expected 1 append for repeated sample, got %d", got)
	}

	// A fresh sample appends again.
	extractor.records[models.StreamOpenInterest] = models.OpenInterestRecord{
		Symbol: "PAXGUSDT", SumOpenInterest: "101", SumOpenInterestValue: "424200", Timestamp: 1700000300000,
	}
	o.RunTick(context.Background(), models.StreamOpenInterest, time.Now())
	if got := appender.countFor(models.StreamOpenInterest); got != 2 {
		t.Fatalf("expected 2 appends after fresh sample, got %d", got)
	}

	for _, status := range o.Stats() {
		if status.Stream == string(models.StreamOpenInterest) && status.Deduped != 1 {
			t.Errorf("expected 1 deduped tick, got %d", status.Deduped)
		}
	}
}

func TestOpenInterestRetriesSampleAfterFailedAppend(t *testing.T) {
	fetcher := newFakeFetcher()
	extractor := newFakeExtractor()
	appender := &fakeAppender{}
	extractor.records[models.StreamOpenInterest] = models.OpenInterestRecord{
		Symbol: "PAXGUSDT", SumOpenInterest: "100", SumOpenInterestValue: "420000", Timestamp: 1700000000000,
	}

	o := newTestOrchestrator(fetcher, extractor, appender, nil)

	// The write fails on a fresh sample; the watermark must not advance.
	appender.setErr(models.NewFailure(models.FailureIO, models.StreamOpenInterest, "disk full"))
	o.RunTick(context.Background(), models.StreamOpenInterest, time.Now())
	if got := appender.countFor(models.StreamOpenInterest); got != 0 {
		t.Fatalf("failed append must leave no line, got %d", got)
	}

	// Next tick re-fetches the same sample; it must be written, not deduped.
	appender.setErr(nil)
	o.RunTick(context.Background(), models.StreamOpenInterest, time.Now())
	if got := appender.countFor(models.StreamOpenInterest); got != 1 {
		t.Fatalf("sample never written: expected 1 line after recovery, got %d", got)
	}

	// Once written, the same sample is deduped as before.
	o.RunTick(context.Background(), models.StreamOpenInterest, time.Now())
	if got := appender.countFor(models.StreamOpenInterest); got != 1 {
		t.Fatalf("expected dedupe after successful write, got %d lines", got)
	}
}

func TestAppendFailureCountsAsIOFailure(t *testing.T) {
	fetcher := newFakeFetcher()
	extractor := newFakeExtractor()
	appender := &fakeAppender{err: models.NewFailure(models.FailureIO, models.StreamFundingRate, "disk full")}

	o := newTestOrchestrator(fetcher, extractor, appender, nil)
	o.RunTick(context.Background(), models.StreamFundingRate, time.Now())

	for _, status := range o.Stats() {
		if status.Stream == string(models.StreamFundingRate) {
			if status.Failures != 1 || status.LastFailure != string(models.FailureIO) {
				t.Errorf("io failure not recorded: %+v", status)
			}
		}
	}
}

func TestUnknownErrorClassifiedAsIO(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.setErr(models.StreamPrice, errors.New("something odd"))
	extractor := newFakeExtractor()
	appender := &fakeAppender{}

	o := newTestOrchestrator(fetcher, extractor, appender, nil)
	o.RunTick(context.Background(), models.StreamPrice, time.Now())

	for _, status := range o.Stats() {
		if status.Stream == string(models.StreamPrice) && status.LastFailure != string(models.FailureIO) {
			t.Errorf("untyped errors default to io_error, got %s", status.LastFailure)
		}
	}
}

func TestStartStopLoops(t *testing.T) {
	cfg := testConfig()
	cfg.Monitor.TickPeriod = 20 * time.Millisecond
	cfg.Monitor.OpenInterestPeriod = 40 * time.Millisecond

	fetcher := newFakeFetcher()
	extractor := newFakeExtractor()
	appender := &fakeAppender{}
	for i, kind := range models.AllStreams {
		extractor.records[kind] = stubRecord(kind, int64(1700000000000+i))
	}

	o := NewOrchestrator(cfg, fetcher, extractor, appender, nil, nil)
	ctx := context.Background()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Start(ctx); err == nil {
		t.Errorf("second start should fail")
	}

	time.Sleep(70 * time.Millisecond)
	o.Stop()

	if fetcher.callsFor(models.StreamPrice) == 0 {
		t.Errorf("price loop never fired")
	}
	if fetcher.callsFor(models.StreamOpenInterest) == 0 {
		t.Errorf("open interest loop never fired")
	}

	// Stop again is a no-op.
	o.Stop()
}

func stubRecord(kind models.StreamKind, ts int64) models.Record {
	switch kind {
	case models.StreamPrice:
		return models.PriceRecord{Timestamp: ts}
	case models.StreamBasis:
		return models.BasisRecord{Pair: "PAXGUSDT", Timestamp: ts}
	case models.StreamOpenInterest:
		return models.OpenInterestRecord{Symbol: "PAXGUSDT", SumOpenInterest: "1", SumOpenInterestValue: "1", Timestamp: ts}
	case models.StreamFundingRate:
		return models.FundingRateRecord{Symbol: "PAXGUSDT", FundingRate: "0.0001", Timestamp: ts}
	case models.StreamVolume24h:
		return models.Volume24hRecord{Symbol: "PAXGUSDT", Volume: "1", QuoteVolume: "1", Timestamp: ts}
	default:
		return models.SpreadRecord{Symbol: "PAXGUSDT", Timestamp: ts}
	}
}
