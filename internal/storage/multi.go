package storage

import (
	"context"
	"fmt"

	"NetSecMonitor/internal/model"

	"github.com/hashicorp/go-multierror"
)

// MultiSink fans every call out to a set of sinks.
type MultiSink struct {
	sinks []model.Sink
}

// NewMultiSink combines sinks into one.
func NewMultiSink(sinks ...model.Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Sinks returns the combined sinks.
func (m *MultiSink) Sinks() []model.Sink {
	return m.sinks
}

func (m *MultiSink) each(fn func(model.Sink) error) error {
	var result *multierror.Error
	for _, s := range m.sinks {
		if err := fn(s); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m *MultiSink) InsertIntervalStats(ctx context.Context, stats model.IntervalStats) error {
	return m.each(func(s model.Sink) error { return s.InsertIntervalStats(ctx, stats) })
}

func (m *MultiSink) InsertScanResult(ctx context.Context, res model.ScanResult) error {
	return m.each(func(s model.Sink) error { return s.InsertScanResult(ctx, res) })
}

func (m *MultiSink) UpsertAlert(ctx context.Context, a model.Alert) error {
	return m.each(func(s model.Sink) error { return s.UpsertAlert(ctx, a) })
}

func (m *MultiSink) UpsertBaseline(ctx context.Context, p model.BaselineProfile) error {
	return m.each(func(s model.Sink) error { return s.UpsertBaseline(ctx, p) })
}

// LoadBaselines merges the profiles of every sink, keeping the most recently
// updated version of each key. Profiles are returned as long as one sink
// answered; the error then reports the sinks that did not.
func (m *MultiSink) LoadBaselines(ctx context.Context) ([]model.BaselineProfile, error) {
	var (
		result   *multierror.Error
		answered bool
		order    []string
	)
	merged := make(map[string]model.BaselineProfile)
	for _, s := range m.sinks {
		profiles, err := s.LoadBaselines(ctx)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		answered = true
		for _, p := range profiles {
			key := p.ProfileName + "\x00" + p.MetricName
			prev, ok := merged[key]
			if !ok {
				order = append(order, key)
			}
			if !ok || p.LastUpdated.After(prev.LastUpdated) ||
				(p.LastUpdated.Equal(prev.LastUpdated) && p.Count > prev.Count) {
				merged[key] = p
			}
		}
	}
	if !answered && len(m.sinks) > 0 {
		return nil, fmt.Errorf("no sink could load baselines: %w", result.ErrorOrNil())
	}

	out := make([]model.BaselineProfile, 0, len(order))
	for _, key := range order {
		out = append(out, merged[key])
	}
	return out, result.ErrorOrNil()
}

func (m *MultiSink) Close() error {
	return m.each(func(s model.Sink) error { return s.Close() })
}
