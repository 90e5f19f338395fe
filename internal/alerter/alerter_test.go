package alerter

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"NetSecMonitor/internal/metrics"
	"NetSecMonitor/internal/model"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingWriter struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (w *recordingWriter) WriteAlert(a model.Alert) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.alerts = append(w.alerts, a)
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.alerts)
}

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newManager(w model.AlertWriter, m *metrics.Metrics) *Manager {
	mgr := New(Options{DedupWindow: 10 * time.Minute}, w, m, zap.NewNop())
	clock := t0
	mgr.now = func() time.Time { return clock }
	seq := 0
	mgr.newID = func() string {
		seq++
		return fmt.Sprintf("alert-%d", seq)
	}
	return mgr
}

func scanCandidate(at time.Time, sev model.Severity) model.Alert {
	return model.Alert{
		Timestamp:   at,
		Type:        model.AlertPortScan,
		Severity:    sev,
		SrcIP:       "10.0.0.66",
		DstIP:       "10.0.0.5",
		Description: "port scan",
		Details:     map[string]any{"distinct_ports": 16},
	}
}

func TestSubmit_Coalesces(t *testing.T) {
	w := &recordingWriter{}
	m := metrics.NewUnregistered()
	mgr := newManager(w, m)

	// 1. The first candidate creates an open alert.
	first, created, err := mgr.Submit(scanCandidate(t0, model.SeverityLow))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.StatusOpen, first.Status)
	assert.Equal(t, 1, first.Occurrences())

	// 2. A matching candidate within the window updates it and raises severity.
	second := scanCandidate(t0.Add(5*time.Minute), model.SeverityMedium)
	second.Details = map[string]any{"distinct_ports": 19}
	merged, created, err := mgr.Submit(second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, merged.ID)
	assert.Equal(t, 2, merged.Occurrences())
	assert.Equal(t, model.SeverityMedium, merged.Severity)
	assert.Equal(t, 19, merged.Details["distinct_ports"])
	assert.Equal(t, t0.Add(5*time.Minute), merged.LastSeen)
	assert.Equal(t, t0, merged.Timestamp)

	// 3. A lower-severity candidate never lowers it.
	merged, _, err = mgr.Submit(scanCandidate(t0.Add(6*time.Minute), model.SeverityLow))
	require.NoError(t, err)
	assert.Equal(t, model.SeverityMedium, merged.Severity)
	assert.Equal(t, 3, merged.Occurrences())

	assert.Len(t, mgr.List(""), 1)
	assert.Equal(t, 3, w.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsSubmitted.WithLabelValues("port_scan", "low")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AlertsCoalesced.WithLabelValues("port_scan")))
}

func TestSubmit_OutsideWindowOrDifferentKey(t *testing.T) {
	mgr := newManager(nil, nil)

	a, _, err := mgr.Submit(scanCandidate(t0, model.SeverityLow))
	require.NoError(t, err)

	// Outside the dedup window.
	b, created, err := mgr.Submit(scanCandidate(t0.Add(11*time.Minute), model.SeverityLow))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, a.ID, b.ID)

	// Different destination.
	c := scanCandidate(t0.Add(time.Minute), model.SeverityLow)
	c.DstIP = "10.0.0.7"
	_, created, err = mgr.Submit(c)
	require.NoError(t, err)
	assert.True(t, created)

	// Anomalies on different metrics stay apart.
	anomaly := func(metric string) model.Alert {
		return model.Alert{
			Timestamp: t0,
			Type:      model.AlertStatisticalAnomaly,
			Severity:  model.SeverityHigh,
			Details:   map[string]any{model.DetailMetric: metric},
		}
	}
	_, created, err = mgr.Submit(anomaly(model.MetricTotalPackets))
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = mgr.Submit(anomaly(model.MetricTotalBytes))
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = mgr.Submit(anomaly(model.MetricTotalBytes))
	require.NoError(t, err)
	assert.False(t, created)

	assert.Len(t, mgr.List(model.StatusOpen), 5)
}

func TestSubmit_OnlyOpenAlertsCoalesce(t *testing.T) {
	mgr := newManager(nil, nil)

	a, _, err := mgr.Submit(scanCandidate(t0, model.SeverityLow))
	require.NoError(t, err)
	_, err = mgr.Transition(a.ID, model.StatusInvestigating, "")
	require.NoError(t, err)

	_, created, err := mgr.Submit(scanCandidate(t0.Add(time.Minute), model.SeverityLow))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestSubmit_RejectsInvalid(t *testing.T) {
	mgr := newManager(nil, nil)

	_, _, err := mgr.Submit(scanCandidate(t0, model.SeverityNone))
	assert.Error(t, err)

	c := scanCandidate(t0, model.SeverityLow)
	c.Type = ""
	_, _, err = mgr.Submit(c)
	assert.Error(t, err)
}

func TestLifecycle(t *testing.T) {
	w := &recordingWriter{}
	mgr := newManager(w, nil)

	a, _, err := mgr.Submit(scanCandidate(t0, model.SeverityHigh))
	require.NoError(t, err)

	// 1. open -> investigating.
	a, err = mgr.Transition(a.ID, model.StatusInvestigating, "looking")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvestigating, a.Status)
	assert.Nil(t, a.ResolvedAt)
	assert.Equal(t, "looking", a.Notes)

	// 2. investigating -> open is not allowed.
	_, err = mgr.Transition(a.ID, model.StatusOpen, "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	// 3. investigating -> resolved stamps resolved_at.
	a, err = mgr.Transition(a.ID, model.StatusResolved, "patched")
	require.NoError(t, err)
	require.NotNil(t, a.ResolvedAt)
	assert.Equal(t, t0, *a.ResolvedAt)

	// 4. Terminal states are final.
	_, err = mgr.Transition(a.ID, model.StatusFalsePositive, "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	// 5. Reopen creates a new alert and leaves history alone.
	reopened, err := mgr.Reopen(a.ID, "again")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, reopened.ID)
	assert.Equal(t, a.ID, reopened.ReopenedFrom)
	assert.Equal(t, model.StatusOpen, reopened.Status)
	assert.Nil(t, reopened.ResolvedAt)
	assert.Equal(t, 1, reopened.Occurrences())

	old, err := mgr.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, old.Status)

	// 6. Only terminal alerts reopen.
	_, err = mgr.Reopen(reopened.ID, "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	// 7. open -> false_positive directly.
	fp, err := mgr.Transition(reopened.ID, model.StatusFalsePositive, "")
	require.NoError(t, err)
	assert.NotNil(t, fp.ResolvedAt)

	assert.Equal(t, 5, w.count())
}

func TestTransition_UnknownAlert(t *testing.T) {
	mgr := newManager(nil, nil)

	_, err := mgr.Transition("missing", model.StatusResolved, "")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = mgr.Get("missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	a, _, err := mgr.Submit(scanCandidate(t0, model.SeverityLow))
	require.NoError(t, err)
	_, err = mgr.Transition(a.ID, "closed", "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestReturnedAlertsAreCopies(t *testing.T) {
	mgr := newManager(nil, nil)
	a, _, err := mgr.Submit(scanCandidate(t0, model.SeverityLow))
	require.NoError(t, err)

	a.Details["distinct_ports"] = 999
	got, err := mgr.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, 16, got.Details["distinct_ports"])
}

func TestPrune(t *testing.T) {
	mgr := newManager(nil, nil)
	a, _, err := mgr.Submit(scanCandidate(t0, model.SeverityLow))
	require.NoError(t, err)
	c := scanCandidate(t0, model.SeverityLow)
	c.DstIP = "10.0.0.8"
	open, _, err := mgr.Submit(c)
	require.NoError(t, err)
	_, err = mgr.Transition(a.ID, model.StatusResolved, "")
	require.NoError(t, err)

	assert.Equal(t, 1, mgr.Prune(t0.Add(time.Hour)))
	_, err = mgr.Get(a.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = mgr.Get(open.ID)
	assert.NoError(t, err)
}

func TestConcurrentSubmitCoalesces(t *testing.T) {
	mgr := New(Options{DedupWindow: time.Hour}, nil, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := mgr.Submit(scanCandidate(t0, model.SeverityLow))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	alerts := mgr.List("")
	require.Len(t, alerts, 1)
	assert.Equal(t, 50, alerts[0].Occurrences())
}
