package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"NetSecMonitor/internal/alerter"
	"NetSecMonitor/internal/baseline"
	"NetSecMonitor/internal/config"
	"NetSecMonitor/internal/engine/aggregator"
	"NetSecMonitor/internal/engine/detector"
	"NetSecMonitor/internal/engine/scorer"
	"NetSecMonitor/internal/ingest"
	"NetSecMonitor/internal/metrics"
	"NetSecMonitor/internal/model"
	"NetSecMonitor/internal/portscan"
	"NetSecMonitor/internal/storage"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// errSourceExhausted stops the pipeline once a finite traffic source ends.
var errSourceExhausted = errors.New("traffic source exhausted")

// Options configures the pipeline loop.
type Options struct {
	Interval time.Duration
	// EventTime drives flushing from record timestamps instead of the wall clock.
	// Replayed captures use it so that intervals close as the data advances.
	EventTime bool
	// AlertRetention is how long resolved alerts stay in memory. Zero keeps them.
	AlertRetention  time.Duration
	ShutdownTimeout time.Duration
	// MaxClockSkew drops wall-clock records stamped further than this from now.
	MaxClockSkew time.Duration
}

// Manager runs the analytics pipeline: ingestion, aggregation, scoring, scan
// classification and alerting, with every result handed to storage.
type Manager struct {
	opts       Options
	source     model.Source
	scans      model.ScanSource
	sinks      []model.Sink
	window     *aggregator.Window
	store      *baseline.Store
	scorer     *scorer.Scorer
	classifier *portscan.Classifier
	detector   *detector.Detector
	alerts     *alerter.Manager
	dispatcher *storage.Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger

	tickMu     sync.Mutex
	lastBucket time.Time
	running    atomic.Bool
	now        func() time.Time
}

// NewManager creates a Manager reading traffic from source and, when scans is
// not nil, probe results from scans. Results are written to sinks.
func NewManager(cfg *config.Config, source model.Source, scans model.ScanSource, sinks []model.Sink, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dispatcher := storage.NewDispatcher(sinks, storage.DispatcherOptions{
		QueueSize:       cfg.Storage.QueueSize,
		OverflowSize:    cfg.Storage.OverflowQueueSize,
		MaxRetries:      cfg.Storage.Retry.MaxRetries,
		InitialInterval: config.MustDuration(cfg.Storage.Retry.InitialInterval),
		MaxInterval:     config.MustDuration(cfg.Storage.Retry.MaxInterval),
	}, m, logger.Named("storage"))

	store := baseline.New(baseline.Options{
		Sensitivity: cfg.Engine.AnomalySensitivity,
		MaxDeferred: cfg.Engine.MaxDeferred,
		Warmup:      cfg.Engine.WarmupIntervals,
		NumShards:   cfg.Engine.NumShards,
	})

	internalNets, err := detector.ParseNetworks(cfg.Detect.InternalNetworks)
	if err != nil {
		logger.Warn("Ignoring invalid internal networks", zap.Error(err))
		internalNets = detector.DefaultInternalNetworks()
	}

	window := aggregator.NewWindow(cfg.Engine.Interval(), cfg.Engine.MaxLatenessIntervals, cfg.Engine.BufferCapacity)
	window.SetMaxEmit(cfg.Engine.MaxIntervalsPerFlush)

	return &Manager{
		opts: Options{
			Interval:        cfg.Engine.Interval(),
			EventTime:       cfg.Ingest.EventTime(),
			AlertRetention:  time.Duration(cfg.Storage.RetentionDays) * 24 * time.Hour,
			ShutdownTimeout: config.MustDuration(cfg.Storage.ShutdownTimeout),
			MaxClockSkew:    cfg.Engine.MaxClockSkew(),
		},
		source:     source,
		scans:      scans,
		sinks:      sinks,
		window:     window,
		store:      store,
		scorer:     scorer.New(store, cfg.Engine.ProfileName, cfg.Engine.WarmupIntervals),
		classifier: portscan.New(portscan.Options{
			Threshold:    cfg.Scan.ScanThreshold,
			Window:       cfg.Scan.Window(),
			SeverityStep: cfg.Scan.SeverityStep,
			RiskyPorts:   cfg.Scan.RiskyPorts,
			NumShards:    cfg.Engine.NumShards,
		}),
		detector: detector.New(detector.Options{
			SYNThreshold:       cfg.Detect.SYNThreshold,
			SYNWindow:          cfg.Detect.SYNWindow(),
			ExfilBytes:         cfg.Detect.ExfilBytes,
			ExfilWindow:        cfg.Detect.ExfilWindow(),
			InternalNetworks:   internalNets,
			FanoutThreshold:    cfg.Detect.FanoutThreshold,
			FanoutHigh:         cfg.Detect.FanoutHighThreshold,
			FanoutWindow:       cfg.Detect.FanoutWindow(),
			ProtocolShare:      cfg.Detect.ProtocolShare,
			ProtocolIntervals:  cfg.Detect.ProtocolIntervals(cfg.Engine.Interval()),
			ProtocolMinPackets: cfg.Detect.ProtocolMinPackets,
			NumShards:          cfg.Engine.NumShards,
		}),
		alerts: alerter.New(alerter.Options{
			DedupWindow: cfg.Alerts.DedupWindow(),
			NumShards:   cfg.Engine.NumShards,
		}, dispatcher, m, logger.Named("alerts")),
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Alerts returns the alert manager, for the ops API.
func (m *Manager) Alerts() *alerter.Manager {
	return m.alerts
}

// Baselines returns the baseline store, for the ops API.
func (m *Manager) Baselines() *baseline.Store {
	return m.store
}

// Running reports whether Run is processing records.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// PersistBaseline queues a profile changed outside the pipeline.
func (m *Manager) PersistBaseline(p model.BaselineProfile) {
	m.dispatcher.UpsertBaseline(p)
}

// Run processes records until ctx is cancelled or a finite source ends. On the
// way out it flushes the partially filled interval and drains storage.
func (m *Manager) Run(ctx context.Context) error {
	m.loadBaselines(ctx)

	m.running.Store(true)
	defer m.running.Store(false)
	m.logger.Info("Manager started",
		zap.Duration("interval", m.opts.Interval),
		zap.Bool("event_time", m.opts.EventTime),
		zap.Bool("scan_source", m.scans != nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.readTraffic(gctx) })
	if m.scans != nil {
		g.Go(func() error { return m.readScans(gctx) })
	}
	if !m.opts.EventTime {
		g.Go(func() error { return m.runTicker(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, errSourceExhausted) || errors.Is(err, context.Canceled) {
		err = nil
	}

	m.shutdown()
	return err
}

func (m *Manager) loadBaselines(ctx context.Context) {
	profiles, err := storage.NewMultiSink(m.sinks...).LoadBaselines(ctx)
	if err != nil {
		m.logger.Warn("Failed to load some baselines, continuing", zap.Error(err))
	}
	if n := m.store.Load(profiles); n > 0 {
		m.logger.Info("Loaded baselines", zap.Int("profiles", n))
	}
}

func (m *Manager) readTraffic(ctx context.Context) error {
	for {
		rec, err := m.source.Next(ctx)
		if err != nil {
			var dataErr *model.DataError
			switch {
			case errors.Is(err, io.EOF):
				m.logger.Info("Traffic source exhausted")
				return errSourceExhausted
			case ctx.Err() != nil:
				return nil
			case errors.As(err, &dataErr):
				m.metrics.RecordsDropped.WithLabelValues(metrics.ReasonInvalid).Inc()
				m.logger.Debug("Dropped invalid record", zap.Error(err))
				continue
			default:
				return fmt.Errorf("failed to read traffic: %w", err)
			}
		}

		if !m.opts.EventTime {
			if err := ingest.CheckSkew(rec, m.now(), m.opts.MaxClockSkew); err != nil {
				m.metrics.RecordsDropped.WithLabelValues(metrics.ReasonSkew).Inc()
				m.logger.Debug("Dropped record outside the clock skew bound", zap.Error(err))
				continue
			}
		}

		if err := m.window.Add(rec); err != nil {
			if errors.Is(err, aggregator.ErrLateRecord) {
				m.metrics.RecordsDropped.WithLabelValues(metrics.ReasonLate).Inc()
				continue
			}
			return err
		}
		m.metrics.RecordsIngested.Inc()
		m.metrics.RecordsBuffered.Set(float64(m.window.Buffered()))
		for _, a := range m.detector.Observe(rec) {
			m.submit(a)
		}

		if m.opts.EventTime {
			m.advanceEventTime()
		}
	}
}

// advanceEventTime ticks once each time the newest record enters a new interval.
func (m *Manager) advanceEventTime() {
	latest := m.window.Latest()
	bucket := aggregator.BucketStart(latest, m.opts.Interval)
	if !bucket.After(m.lastBucket) {
		return
	}
	m.lastBucket = bucket
	m.tick(latest)
}

func (m *Manager) readScans(ctx context.Context) error {
	for {
		p, err := m.scans.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				m.logger.Info("Scan source exhausted")
				return nil
			case ctx.Err() != nil:
				return nil
			default:
				return fmt.Errorf("failed to read probe results: %w", err)
			}
		}
		m.handleProbe(p)
	}
}

func (m *Manager) handleProbe(p model.ProbeResult) {
	out, err := m.classifier.Classify(p)
	if err != nil {
		m.metrics.RecordsDropped.WithLabelValues(metrics.ReasonInvalid).Inc()
		m.logger.Debug("Dropped invalid probe result", zap.Error(err))
		return
	}
	m.metrics.ScanProbes.WithLabelValues(string(out.Result.State)).Inc()
	m.dispatcher.InsertScanResult(out.Result)
	for _, a := range out.Alerts {
		m.submit(a)
	}
}

// runTicker ticks at every interval boundary of the wall clock.
func (m *Manager) runTicker(ctx context.Context) error {
	timer := time.NewTimer(m.untilNextBoundary())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			m.tick(m.now())
			timer.Reset(m.untilNextBoundary())
		}
	}
}

func (m *Manager) untilNextBoundary() time.Duration {
	now := m.now()
	next := aggregator.BucketStart(now, m.opts.Interval).Add(m.opts.Interval)
	return next.Sub(now)
}

// tick flushes eligible intervals and runs the periodic housekeeping.
func (m *Manager) tick(now time.Time) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	stats, err := m.window.Flush(now)
	m.handleOverflow(err, now)
	m.process(stats)
	m.reportSkipped()

	if n := m.classifier.Sweep(now); n > 0 {
		m.logger.Debug("Swept idle scan windows", zap.Int("windows", n))
	}
	if n := m.detector.Sweep(now); n > 0 {
		m.logger.Debug("Swept idle traffic windows", zap.Int("windows", n))
	}
	if m.opts.AlertRetention > 0 {
		if n := m.alerts.Prune(now.Add(-m.opts.AlertRetention)); n > 0 {
			m.logger.Debug("Pruned resolved alerts", zap.Int("alerts", n))
		}
	}
	m.metrics.RecordsBuffered.Set(float64(m.window.Buffered()))
}

func (m *Manager) process(stats []model.IntervalStats) {
	for _, s := range stats {
		m.dispatcher.InsertIntervalStats(s)
		m.metrics.IntervalsFlushed.WithLabelValues(strconv.FormatBool(s.Partial)).Inc()
		if s.Partial {
			continue
		}

		res := m.scorer.Score(s)
		for _, p := range res.Profiles {
			m.dispatcher.UpsertBaseline(p)
		}
		for _, metric := range res.Deferred {
			m.metrics.BaselineDeferred.WithLabelValues(metric).Inc()
			m.logger.Info("Withheld critical observation from baseline", zap.String("metric", metric))
		}
		for _, a := range res.Alerts {
			m.submit(a)
		}
		for _, a := range m.detector.ObserveInterval(s) {
			m.submit(a)
		}
	}
}

func (m *Manager) reportSkipped() {
	if n := m.window.TakeSkipped(); n > 0 {
		m.logger.Warn("Skipped a run of empty intervals", zap.Uint64("intervals", n))
	}
}

func (m *Manager) handleOverflow(err error, now time.Time) {
	var overflow *model.OverflowError
	if !errors.As(err, &overflow) {
		return
	}
	m.metrics.RecordsDropped.WithLabelValues(metrics.ReasonOverflow).Add(float64(overflow.Dropped))
	m.logger.Warn("Ingestion buffer overflowed", zap.Error(err))
	m.submit(model.Alert{
		Timestamp:   now,
		Type:        model.AlertSuspiciousTraffic,
		Severity:    model.SeverityLow,
		Description: fmt.Sprintf("Traffic volume exceeded the ingestion buffer: %d records dropped", overflow.Dropped),
		Details: map[string]any{
			"dropped":  overflow.Dropped,
			"capacity": overflow.Capacity,
		},
	})
}

func (m *Manager) submit(candidate model.Alert) {
	if _, _, err := m.alerts.Submit(candidate); err != nil {
		m.logger.Error("Rejected alert candidate", zap.String("type", string(candidate.Type)), zap.Error(err))
	}
}

func (m *Manager) shutdown() {
	m.logger.Info("Manager stopping...")

	now := m.now()
	if m.opts.EventTime {
		now = m.window.Latest()
	}
	m.tickMu.Lock()
	stats, err := m.window.FlushAll(now)
	m.handleOverflow(err, now)
	m.process(stats)
	m.reportSkipped()
	m.tickMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ShutdownTimeout)
	defer cancel()
	if err := m.dispatcher.Close(ctx); err != nil {
		m.logger.Warn("Storage did not drain before the shutdown timeout", zap.Error(err))
	}
	m.logger.Info("Manager stopped.")
}
