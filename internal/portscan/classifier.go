package portscan

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"NetSecMonitor/internal/model"
)

const defaultShardCount = 16

// Options configures a Classifier.
type Options struct {
	// Threshold is the number of distinct ports a window may hold without alerting.
	Threshold int
	Window    time.Duration
	// SeverityStep is the width of each severity band above a ratio of 1.
	SeverityStep float64
	// RiskyPorts are services whose exposure raises a suspicious_traffic alert.
	RiskyPorts []int
	NumShards  uint32
}

// Shard is one partition of the per-target windows.
type Shard struct {
	Windows map[string]*scanWindow
	Mu      sync.Mutex
}

// Classifier turns probe results into scan results and detects scans.
type Classifier struct {
	opts       Options
	risky      map[uint16]struct{}
	shards     []*Shard
	shardCount uint32
}

// Outcome is the classification of one probe.
type Outcome struct {
	Result model.ScanResult
	// Alerts are the candidates raised by this probe, if any.
	Alerts []model.Alert
}

// New creates a classifier.
func New(opts Options) *Classifier {
	if opts.NumShards == 0 || opts.NumShards >= 32768 {
		opts.NumShards = defaultShardCount
	}
	if opts.SeverityStep <= 0 {
		opts.SeverityStep = 0.25
	}
	c := &Classifier{
		opts:       opts,
		risky:      make(map[uint16]struct{}, len(opts.RiskyPorts)),
		shards:     make([]*Shard, opts.NumShards),
		shardCount: opts.NumShards,
	}
	for _, p := range opts.RiskyPorts {
		if p > 0 && p <= math.MaxUint16 {
			c.risky[uint16(p)] = struct{}{}
		}
	}
	for i := range c.shards {
		c.shards[i] = &Shard{Windows: make(map[string]*scanWindow)}
	}
	return c
}

// StateFor maps a probe outcome onto a port state.
func StateFor(outcome model.ProbeOutcome) (model.PortState, error) {
	switch outcome {
	case model.OutcomeAccepted:
		return model.PortOpen, nil
	case model.OutcomeRefused:
		return model.PortClosed, nil
	case model.OutcomeTimeout:
		return model.PortFiltered, nil
	}
	return "", model.NewDataError("outcome", "unknown probe outcome %s", outcome)
}

// SeverityForRatio maps probed-ports/threshold onto a severity band. Ratios up
// to 1 are not a scan; above 1 each band is step wide, capped at critical.
func SeverityForRatio(ratio, step float64) model.Severity {
	if !(ratio > 1) {
		return model.SeverityNone
	}
	band := int(math.Floor((ratio - 1) / step))
	sev := model.SeverityLow + model.Severity(band)
	if sev > model.SeverityCritical {
		sev = model.SeverityCritical
	}
	return sev
}

// Classify classifies one probe, updates the scan window of its target and
// returns the resulting scan record along with any alert candidates.
func (c *Classifier) Classify(p model.ProbeResult) (Outcome, error) {
	if strings.TrimSpace(p.Target) == "" {
		return Outcome{}, model.NewDataError("target", "missing")
	}
	if p.Timestamp.IsZero() {
		return Outcome{}, model.NewDataError("timestamp", "missing")
	}
	state, err := StateFor(p.Outcome)
	if err != nil {
		return Outcome{}, err
	}

	banner := TrimBanner(p.Banner)
	out := Outcome{Result: model.ScanResult{
		ScanTime: p.Timestamp,
		Target:   p.Target,
		Source:   p.Source,
		Port:     p.Port,
		State:    state,
		Service:  ServiceName(p.Port, banner),
		Banner:   banner,
		Latency:  p.Latency,
	}}

	if alert, ok := c.observe(p); ok {
		out.Alerts = append(out.Alerts, alert)
	}
	if _, risky := c.risky[p.Port]; risky && state == model.PortOpen {
		out.Alerts = append(out.Alerts, riskyServiceAlert(out.Result))
	}
	return out, nil
}

func windowKey(target, source string) string {
	return target + "|" + source
}

func (c *Classifier) getShard(key string) *Shard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return c.shards[hasher.Sum32()%c.shardCount]
}

// observe records the probe in its window and reports a scan alert when the
// window's severity band escalates.
func (c *Classifier) observe(p model.ProbeResult) (model.Alert, bool) {
	key := windowKey(p.Target, p.Source)
	shard := c.getShard(key)
	shard.Mu.Lock()
	defer shard.Mu.Unlock()

	w, ok := shard.Windows[key]
	if !ok {
		w = newScanWindow()
		shard.Windows[key] = w
	}
	w.insert(p.Timestamp, p.Port, c.opts.Window)

	distinct := w.distinctPorts()
	if distinct <= c.opts.Threshold {
		w.alerted = 0
		return model.Alert{}, false
	}
	ratio := float64(distinct) / float64(c.opts.Threshold)
	sev := SeverityForRatio(ratio, c.opts.SeverityStep)
	if int(sev) <= w.alerted {
		return model.Alert{}, false
	}
	w.alerted = int(sev)

	ports := w.portList()
	sort.Ints(ports)
	source := p.Source
	if source == "" {
		source = "unknown source"
	}
	return model.Alert{
		Timestamp: p.Timestamp,
		Type:      model.AlertPortScan,
		Severity:  sev,
		SrcIP:     p.Source,
		DstIP:     p.Target,
		Description: fmt.Sprintf("Potential port scan of %s from %s: %d distinct ports in %s (threshold %d)",
			p.Target, source, distinct, c.opts.Window, c.opts.Threshold),
		Details: map[string]any{
			"distinct_ports": distinct,
			"threshold":      c.opts.Threshold,
			"ratio":          ratio,
			"window_seconds": int(c.opts.Window / time.Second),
			"ports":          ports,
		},
	}, true
}

func riskyServiceAlert(res model.ScanResult) model.Alert {
	return model.Alert{
		Timestamp:   res.ScanTime,
		Type:        model.AlertSuspiciousTraffic,
		Severity:    model.SeverityMedium,
		SrcIP:       res.Source,
		DstIP:       res.Target,
		Description: fmt.Sprintf("Potentially risky service %s exposed on %s:%d", res.Service, res.Target, res.Port),
		Details: map[string]any{
			"port":    int(res.Port),
			"service": res.Service,
		},
	}
}

// Sweep drops windows that saw no probe within the window length before now
// and returns how many were dropped.
func (c *Classifier) Sweep(now time.Time) int {
	cutoff := now.Add(-c.opts.Window)
	removed := 0
	for _, shard := range c.shards {
		shard.Mu.Lock()
		for key, w := range shard.Windows {
			if !w.lastSeen.After(cutoff) {
				delete(shard.Windows, key)
				removed++
			}
		}
		shard.Mu.Unlock()
	}
	return removed
}

// Tracked returns the number of live windows.
func (c *Classifier) Tracked() int {
	n := 0
	for _, shard := range c.shards {
		shard.Mu.Lock()
		n += len(shard.Windows)
		shard.Mu.Unlock()
	}
	return n
}
