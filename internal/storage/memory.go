package storage

import (
	"context"
	"sort"
	"sync"

	"NetSecMonitor/internal/model"
)

// MemorySink keeps every record in memory. It backs dry runs and tests.
type MemorySink struct {
	mu        sync.Mutex
	stats     []model.IntervalStats
	scans     []model.ScanResult
	alerts    map[string]model.Alert
	baselines map[string]model.BaselineProfile
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		alerts:    make(map[string]model.Alert),
		baselines: make(map[string]model.BaselineProfile),
	}
}

func (s *MemorySink) InsertIntervalStats(_ context.Context, stats model.IntervalStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, stats)
	return nil
}

func (s *MemorySink) InsertScanResult(_ context.Context, result model.ScanResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans = append(s.scans, result)
	return nil
}

func (s *MemorySink) UpsertAlert(_ context.Context, alert model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = alert.Clone()
	return nil
}

func (s *MemorySink) UpsertBaseline(_ context.Context, profile model.BaselineProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[profile.ProfileName+"\x00"+profile.MetricName] = profile
	return nil
}

func (s *MemorySink) LoadBaselines(_ context.Context) ([]model.BaselineProfile, error) {
	return s.Baselines(), nil
}

func (s *MemorySink) Close() error {
	return nil
}

// Stats returns the inserted interval statistics in insertion order.
func (s *MemorySink) Stats() []model.IntervalStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.IntervalStats(nil), s.stats...)
}

// Scans returns the inserted scan results in insertion order.
func (s *MemorySink) Scans() []model.ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ScanResult(nil), s.scans...)
}

// Alerts returns the latest version of every alert, ordered by timestamp.
func (s *MemorySink) Alerts() []model.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Baselines returns every stored profile ordered by profile and metric.
func (s *MemorySink) Baselines() []model.BaselineProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.BaselineProfile, 0, len(s.baselines))
	for _, p := range s.baselines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProfileName != out[j].ProfileName {
			return out[i].ProfileName < out[j].ProfileName
		}
		return out[i].MetricName < out[j].MetricName
	})
	return out
}
