package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"NetSecMonitor/internal/model"
	"NetSecMonitor/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type downReader struct{}

func (downReader) QueryStats(context.Context, storage.HistoryQuery) ([]model.IntervalStats, error) {
	return nil, model.ErrStorageUnavailable
}

func (downReader) QueryScans(context.Context, storage.HistoryQuery) ([]model.ScanResult, error) {
	return nil, model.ErrStorageUnavailable
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHistoryQueries(t *testing.T) {
	ctx := context.Background()
	sink := storage.NewMemorySink()
	for i := 0; i < 3; i++ {
		start := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, sink.InsertIntervalStats(ctx, model.IntervalStats{
			Start: start, End: start.Add(time.Minute), TotalPackets: uint64(i + 1),
		}))
	}
	require.NoError(t, sink.InsertScanResult(ctx, model.ScanResult{
		ScanTime: t0, Target: "10.0.0.5", Port: 22, State: model.PortOpen, Service: "SSH",
		Latency: 1500 * time.Microsecond,
	}))
	require.NoError(t, sink.InsertScanResult(ctx, model.ScanResult{
		ScanTime: t0, Target: "10.0.0.6", Port: 80, State: model.PortClosed,
	}))
	h := NewHandler(Deps{History: sink})

	// 1. Statistics in a half-open range.
	rec := get(t, h, "/api/v1/stats?from=2026-06-01T12:01:00Z&to=2026-06-01T12:03:00Z")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats []statsView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats, 2)
	assert.Equal(t, uint64(3), stats[0].TotalPackets)
	assert.Nil(t, stats[0].AvgPacketSize)

	// 2. Scans for one target.
	rec = get(t, h, "/api/v1/scans?target=10.0.0.5&limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	var scans []scanView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scans))
	require.Len(t, scans, 1)
	assert.Equal(t, uint16(22), scans[0].Port)
	assert.Equal(t, "open", scans[0].State)
	assert.InDelta(t, 1.5, scans[0].LatencyMS, 1e-9)

	// 3. Bad parameters.
	for _, path := range []string{
		"/api/v1/stats?from=yesterday",
		"/api/v1/stats?from=2026-06-01T13:00:00Z&to=2026-06-01T12:00:00Z",
		"/api/v1/scans?limit=0",
		"/api/v1/scans?limit=many",
	} {
		assert.Equal(t, http.StatusBadRequest, get(t, h, path).Code, path)
	}
}

func TestHistoryUnavailable(t *testing.T) {
	h := NewHandler(Deps{History: downReader{}})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/api/v1/stats").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/api/v1/scans").Code)

	without := NewHandler(Deps{})
	assert.Equal(t, http.StatusNotFound, get(t, without, "/api/v1/stats").Code)
}
