package scorer

import (
	"fmt"
	"math"

	"NetSecMonitor/internal/baseline"
	"NetSecMonitor/internal/model"
)

// Band edges on |z|.
const (
	mediumZ   = 2.0
	highZ     = 3.0
	criticalZ = 5.0
)

// SeverityForZ maps a z-score onto a severity band. It is monotone in |z|.
func SeverityForZ(z float64) model.Severity {
	az := math.Abs(z)
	switch {
	case math.IsNaN(az):
		return model.SeverityNone
	case az >= criticalZ:
		return model.SeverityCritical
	case az >= highZ:
		return model.SeverityHigh
	case az >= mediumZ:
		return model.SeverityMedium
	default:
		return model.SeverityNone
	}
}

// Result is the outcome of scoring one interval.
type Result struct {
	// Alerts are the anomaly candidates to submit to the alert manager.
	Alerts []model.Alert
	// Profiles are the baselines changed by this interval, to be persisted.
	Profiles []model.BaselineProfile
	// Deferred lists the metrics whose observation was withheld from the baseline.
	Deferred []string
}

// Scorer compares fresh interval statistics with their baselines.
type Scorer struct {
	store   *baseline.Store
	profile string
	warmup  uint64
}

// New creates a scorer reading and updating profile in store. The first warmup
// observations of a metric only build its baseline.
func New(store *baseline.Store, profile string, warmup int) *Scorer {
	if warmup < 0 {
		warmup = 0
	}
	return &Scorer{store: store, profile: profile, warmup: uint64(warmup)}
}

type verdict struct {
	scored       bool
	severity     model.Severity
	z            float64
	zeroVariance bool
	prev         model.BaselineProfile
}

// Score evaluates every metric of stats. Partial intervals are not scored and
// leave the baselines untouched.
func (s *Scorer) Score(stats model.IntervalStats) Result {
	var res Result
	if stats.Partial {
		return res
	}

	for _, m := range stats.Metrics() {
		var v verdict
		judge := func(prev model.BaselineProfile, found bool) baseline.Verdict {
			if !found || prev.Count < s.warmup {
				return baseline.Accept
			}
			v = evaluate(prev, m.Value)
			if v.severity == model.SeverityCritical {
				return baseline.Defer
			}
			return baseline.Accept
		}

		updated, outcome := s.store.Apply(s.profile, m.Name, m.Value, stats.End, judge)
		if outcome == baseline.Defer {
			res.Deferred = append(res.Deferred, m.Name)
		} else {
			res.Profiles = append(res.Profiles, updated)
		}
		if v.scored && v.severity > model.SeverityNone {
			res.Alerts = append(res.Alerts, s.candidate(stats, m, v, outcome == baseline.Defer))
		}
	}
	return res
}

func evaluate(prev model.BaselineProfile, observed float64) verdict {
	v := verdict{scored: true, prev: prev}
	deviation := observed - prev.Mean
	if prev.StdDev == 0 {
		if deviation != 0 {
			v.severity = model.SeverityCritical
			v.zeroVariance = true
		}
		return v
	}
	v.z = deviation / prev.StdDev
	v.severity = SeverityForZ(v.z)
	return v
}

// candidate builds the alert for a scored metric. A withheld observation stays
// out of the baseline until an operator confirms it. Against a zero-variance
// baseline every later deviation is withheld too, so the alert says that the
// baseline cannot adapt without confirmation.
func (s *Scorer) candidate(stats model.IntervalStats, m model.MetricValue, v verdict, withheld bool) model.Alert {
	details := map[string]any{
		model.DetailMetric: m.Name,
		"profile":          s.profile,
		"observed":         m.Value,
		"baseline":         v.prev.Mean,
		"std_dev":          v.prev.StdDev,
		"threshold_high":   v.prev.ThresholdHigh,
		"threshold_low":    v.prev.ThresholdLow,
		"interval_start":   stats.Start,
		"interval_end":     stats.End,
	}

	var description string
	if v.zeroVariance {
		details["z_score"] = nil
		details["zero_variance"] = true
		description = fmt.Sprintf("%s = %g deviates from a constant baseline of %g", m.Name, m.Value, v.prev.Mean)
		if withheld {
			details["requires_confirmation"] = true
			description += "; the baseline stays frozen until the observation is confirmed"
		}
	} else {
		details["z_score"] = v.z
		description = fmt.Sprintf("%s = %g deviates %.2f standard deviations from baseline %.2f (std dev %.2f)",
			m.Name, m.Value, v.z, v.prev.Mean, v.prev.StdDev)
	}

	if withheld {
		details["withheld_from_baseline"] = true
	}

	return model.Alert{
		Timestamp:   stats.End,
		Type:        model.AlertStatisticalAnomaly,
		Severity:    v.severity,
		Description: description,
		Details:     details,
	}
}
