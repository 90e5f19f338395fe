package manager

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"NetSecMonitor/internal/config"
	"NetSecMonitor/internal/metrics"
	"NetSecMonitor/internal/model"
	"NetSecMonitor/internal/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// sliceSource replays a fixed sequence of records and errors, then ends.
type sliceSource struct {
	mu    sync.Mutex
	items []sourceItem
}

type sourceItem struct {
	rec model.TrafficRecord
	err error
}

func (s *sliceSource) Next(ctx context.Context) (model.TrafficRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return model.TrafficRecord{}, err
	}
	if len(s.items) == 0 {
		return model.TrafficRecord{}, io.EOF
	}
	item := s.items[0]
	s.items = s.items[1:]
	return item.rec, item.err
}

func (s *sliceSource) add(rec model.TrafficRecord) {
	s.items = append(s.items, sourceItem{rec: rec})
}

func (s *sliceSource) fail(err error) {
	s.items = append(s.items, sourceItem{err: err})
}

func record(at time.Time) model.TrafficRecord {
	return model.TrafficRecord{
		Timestamp: at,
		SrcIP:     net.ParseIP("10.0.0.1").To4(),
		DstIP:     net.ParseIP("10.0.0.2").To4(),
		SrcPort:   40000,
		DstPort:   443,
		Protocol:  model.ProtocolTCP,
		Size:      100,
		Flags:     model.FlagACK,
	}
}

// addInterval adds n records to the interval starting at index*interval past t0.
func (s *sliceSource) addInterval(index, n int) {
	start := t0.Add(time.Duration(index) * time.Minute)
	for i := 0; i < n; i++ {
		s.add(record(start.Add(time.Duration(i) * 100 * time.Millisecond)))
	}
}

func replayConfig() *config.Config {
	cfg := config.Default()
	cfg.Ingest.Source = "replay"
	cfg.Ingest.Replay.Path = "capture.jsonl"
	cfg.Engine.IntervalSeconds = 60
	cfg.Engine.WarmupIntervals = 3
	cfg.Engine.MaxLatenessIntervals = 0
	cfg.Storage.Retry.InitialInterval = "1ms"
	cfg.Storage.Retry.MaxInterval = "2ms"
	return cfg
}

func newTestManager(cfg *config.Config, src model.Source, sink *storage.MemorySink) (*Manager, *metrics.Metrics) {
	m := metrics.NewUnregistered()
	return NewManager(cfg, src, nil, []model.Sink{sink}, m, zap.NewNop()), m
}

func TestRunScoresCompleteIntervals(t *testing.T) {
	// 1. Four ordinary intervals build the baseline, the fifth spikes, and a
	// single record opens a sixth, left partial at the end of the data.
	src := &sliceSource{}
	for i, n := range []int{10, 12, 10, 12, 40} {
		src.addInterval(i, n)
	}
	src.addInterval(5, 1)

	sink := storage.NewMemorySink()
	cfg := replayConfig()
	mgr, m := newTestManager(cfg, src, sink)

	// 2. Run until the source is exhausted.
	require.NoError(t, mgr.Run(context.Background()))

	// 3. Every interval reached storage; only the last one is partial.
	stats := sink.Stats()
	require.Len(t, stats, 6)
	for i, s := range stats[:5] {
		assert.False(t, s.Partial, "interval %d", i)
	}
	assert.True(t, stats[5].Partial)
	assert.Equal(t, uint64(40), stats[4].TotalPackets)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.IntervalsFlushed.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IntervalsFlushed.WithLabelValues("true")))

	// 4. The spike raised one critical anomaly per deviating metric.
	alerts := mgr.Alerts().List("")
	require.Len(t, alerts, 3)
	metricsSeen := map[string]bool{}
	for _, a := range alerts {
		assert.Equal(t, model.AlertStatisticalAnomaly, a.Type)
		assert.Equal(t, model.SeverityCritical, a.Severity)
		metricsSeen[a.Details[model.DetailMetric].(string)] = true
	}
	assert.Equal(t, map[string]bool{
		model.MetricTotalPackets:               true,
		model.MetricTotalBytes:                 true,
		model.ProtocolMetric(model.ProtocolTCP): true,
	}, metricsSeen)
	assert.Len(t, sink.Alerts(), 3)

	// 5. The critical observation was withheld from the baseline.
	p, err := mgr.Baselines().Get(cfg.Engine.ProfileName, model.MetricTotalPackets)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), p.Count)
	assert.InDelta(t, 11.0, p.Mean, 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BaselineDeferred.WithLabelValues(model.MetricTotalPackets)))

	// 6. Persisted baselines carry the same state.
	var stored model.BaselineProfile
	for _, b := range sink.Baselines() {
		if b.MetricName == model.MetricTotalPackets {
			stored = b
		}
	}
	assert.Equal(t, p, stored)
}

func TestRunCountsInvalidAndLateRecords(t *testing.T) {
	src := &sliceSource{}
	src.addInterval(0, 3)
	src.fail(model.NewDataError("source_ip", "not an IP address"))
	src.addInterval(1, 2)
	// Interval 0 has been flushed by now.
	src.add(record(t0.Add(30 * time.Second)))

	sink := storage.NewMemorySink()
	mgr, m := newTestManager(replayConfig(), src, sink)
	require.NoError(t, mgr.Run(context.Background()))

	assert.Equal(t, 5.0, testutil.ToFloat64(m.RecordsIngested))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsDropped.WithLabelValues(metrics.ReasonInvalid)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsDropped.WithLabelValues(metrics.ReasonLate)))

	stats := sink.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, uint64(3), stats[0].TotalPackets)
	assert.Equal(t, uint64(2), stats[1].TotalPackets)
}

func TestRunRaisesOverflowAlert(t *testing.T) {
	src := &sliceSource{}
	src.addInterval(0, 8)
	src.addInterval(1, 1)

	cfg := replayConfig()
	cfg.Engine.BufferCapacity = 5
	sink := storage.NewMemorySink()
	mgr, m := newTestManager(cfg, src, sink)
	require.NoError(t, mgr.Run(context.Background()))

	assert.Equal(t, 4.0, testutil.ToFloat64(m.RecordsDropped.WithLabelValues(metrics.ReasonOverflow)))

	alerts := mgr.Alerts().List(model.StatusOpen)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertSuspiciousTraffic, alerts[0].Type)
	assert.Equal(t, model.SeverityLow, alerts[0].Severity)
	assert.Equal(t, uint64(4), alerts[0].Details["dropped"])

	stats := sink.Stats()
	require.NotEmpty(t, stats)
	assert.Equal(t, uint64(4), stats[0].TotalPackets)
}

func TestRunLoadsStoredBaselines(t *testing.T) {
	cfg := replayConfig()
	sink := storage.NewMemorySink()
	require.NoError(t, sink.UpsertBaseline(context.Background(), model.BaselineProfile{
		ProfileName: cfg.Engine.ProfileName,
		MetricName:  model.MetricTotalPackets,
		Mean:        100,
		StdDev:      10,
		LastUpdated: t0,
		Count:       20,
		M2:          1900,
	}))

	mgr, _ := newTestManager(cfg, &sliceSource{}, sink)
	require.NoError(t, mgr.Run(context.Background()))

	p, err := mgr.Baselines().Get(cfg.Engine.ProfileName, model.MetricTotalPackets)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), p.Count)
	assert.InDelta(t, 100.0, p.Mean, 1e-9)
}

func TestPortScanRaisesOneMediumAlert(t *testing.T) {
	cfg := replayConfig()
	sink := storage.NewMemorySink()
	mgr, m := newTestManager(cfg, &sliceSource{}, sink)

	// 1. One source probes 20 distinct ports of a target within the window.
	for port := 1; port <= 20; port++ {
		mgr.handleProbe(model.ProbeResult{
			Timestamp: t0.Add(time.Duration(port) * time.Second),
			Target:    "10.0.0.5",
			Source:    "10.0.0.66",
			Port:      uint16(port),
			Outcome:   model.OutcomeRefused,
		})
	}

	// 2. The escalation from low to medium coalesced into a single alert.
	alerts := mgr.Alerts().List("")
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertPortScan, alerts[0].Type)
	assert.Equal(t, model.SeverityMedium, alerts[0].Severity)
	assert.Equal(t, "10.0.0.66", alerts[0].SrcIP)
	assert.Equal(t, "10.0.0.5", alerts[0].DstIP)
	assert.Equal(t, 2, alerts[0].Occurrences())
	assert.Equal(t, 20.0, testutil.ToFloat64(m.ScanProbes.WithLabelValues(string(model.PortClosed))))

	// 3. Shutdown drains every scan result and the alert to storage.
	mgr.shutdown()
	assert.Len(t, sink.Scans(), 20)
	stored := sink.Alerts()
	require.Len(t, stored, 1)
	assert.Equal(t, model.SeverityMedium, stored[0].Severity)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.IntervalSeconds = 1

	blocking := &blockingSource{}
	sink := storage.NewMemorySink()
	m := metrics.NewUnregistered()
	mgr := NewManager(cfg, blocking, nil, []model.Sink{sink}, m, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	require.Eventually(t, mgr.Running, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.False(t, mgr.Running())
}

// blockingSource yields nothing until its context ends.
type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (model.TrafficRecord, error) {
	<-ctx.Done()
	return model.TrafficRecord{}, ctx.Err()
}

func TestReadTrafficDropsRecordsOutsideClockSkew(t *testing.T) {
	// 1. One current record, one a year old and one two days ahead.
	src := &sliceSource{}
	src.add(record(t0.Add(-10 * time.Second)))
	src.add(record(t0.AddDate(-1, 0, 0)))
	src.add(record(t0.Add(48 * time.Hour)))

	cfg := config.Default()
	cfg.Storage.Retry.InitialInterval = "1ms"
	cfg.Storage.Retry.MaxInterval = "2ms"
	sink := storage.NewMemorySink()
	mgr, m := newTestManager(cfg, src, sink)
	mgr.now = func() time.Time { return t0 }

	// 2. Only the current record reaches the window.
	require.ErrorIs(t, mgr.readTraffic(context.Background()), errSourceExhausted)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsIngested))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordsDropped.WithLabelValues(metrics.ReasonSkew)))
	assert.Equal(t, 1, mgr.window.Buffered())

	// 3. Shutdown emits the record's interval and the current partial one.
	mgr.shutdown()
	stats := sink.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, uint64(1), stats[0].TotalPackets)
	assert.True(t, stats[1].Partial)
}

func TestRunRaisesTrafficDetections(t *testing.T) {
	// 1. Sixty connection attempts to one service within a minute.
	src := &sliceSource{}
	for i := 0; i < 60; i++ {
		rec := record(t0.Add(time.Duration(i) * 500 * time.Millisecond))
		rec.SrcIP = net.ParseIP("10.0.0.9").To4()
		rec.DstPort = 22
		rec.Flags = model.FlagSYN
		src.add(rec)
	}

	sink := storage.NewMemorySink()
	mgr, _ := newTestManager(replayConfig(), src, sink)
	require.NoError(t, mgr.Run(context.Background()))

	// 2. One connection flood alert reached the alert manager and storage.
	alerts := mgr.Alerts().List(model.StatusOpen)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertSuspiciousTraffic, alerts[0].Type)
	assert.Equal(t, model.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, "10.0.0.9", alerts[0].SrcIP)
	assert.Equal(t, "connection_flood:22", alerts[0].Details[model.DetailMetric])
	assert.Len(t, sink.Alerts(), 1)
}
