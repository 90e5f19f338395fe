// Package detector raises suspicious_traffic candidates from patterns in the
// record stream that a per-interval baseline cannot see: connection floods,
// large outbound transfers, destination port fan-out and an unusual share of
// non-TCP/UDP traffic.
package detector

import (
	"fmt"
	"hash/fnv"
	"net"
	"strconv"
	"sync"
	"time"

	"NetSecMonitor/internal/model"
)

const defaultShardCount = 16

// Detection names, carried as the metric detail so that different detections
// on the same hosts never coalesce.
const (
	ConnectionFlood  = "connection_flood"
	DataExfiltration = "data_exfiltration"
	PortFanout       = "port_fanout"
	UnusualProtocol  = "unusual_protocol"
)

// Options configures a Detector. A zero threshold disables its detection.
type Options struct {
	// SYNThreshold is the number of connection attempts one (source,
	// destination, port) may make within SYNWindow without alerting.
	SYNThreshold int
	SYNWindow    time.Duration

	// ExfilBytes is the number of bytes an internal host may send to one
	// external host within ExfilWindow without alerting.
	ExfilBytes       uint64
	ExfilWindow      time.Duration
	InternalNetworks []*net.IPNet

	// FanoutThreshold is the number of distinct destination ports one source
	// may reach within FanoutWindow; beyond FanoutHigh the alert is high.
	FanoutThreshold int
	FanoutHigh      int
	FanoutWindow    time.Duration

	// ProtocolShare is the largest fraction of packets ICMP or OTHER may take
	// over the last ProtocolIntervals intervals once ProtocolMinPackets were seen.
	ProtocolShare      float64
	ProtocolIntervals  int
	ProtocolMinPackets uint64

	NumShards uint32
}

// Shard is one partition of the per-key windows.
type Shard struct {
	Windows map[string]*slidingWindow
	Mu      sync.Mutex
}

// Detector tracks the record stream. Observe and ObserveInterval may run
// concurrently with each other and with Sweep.
type Detector struct {
	opts       Options
	shards     []*Shard
	shardCount uint32

	pmu      sync.Mutex
	recent   [][model.NumProtocols]uint64
	next     int
	filled   int
	protoHot [model.NumProtocols]bool
}

// New creates a detector.
func New(opts Options) *Detector {
	if opts.NumShards == 0 || opts.NumShards >= 32768 {
		opts.NumShards = defaultShardCount
	}
	if opts.ProtocolIntervals <= 0 {
		opts.ProtocolIntervals = 1
	}
	if opts.FanoutHigh < opts.FanoutThreshold {
		opts.FanoutHigh = opts.FanoutThreshold
	}
	d := &Detector{
		opts:       opts,
		shards:     make([]*Shard, opts.NumShards),
		shardCount: opts.NumShards,
		recent:     make([][model.NumProtocols]uint64, opts.ProtocolIntervals),
	}
	for i := range d.shards {
		d.shards[i] = &Shard{Windows: make(map[string]*slidingWindow)}
	}
	return d
}

// DefaultInternalNetworks are the RFC 1918 ranges.
func DefaultInternalNetworks() []*net.IPNet {
	nets, _ := ParseNetworks([]string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"})
	return nets
}

// ParseNetworks parses CIDR blocks.
func ParseNetworks(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("failed to parse network %q: %w", c, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func (d *Detector) getShard(key string) *Shard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return d.shards[hasher.Sum32()%d.shardCount]
}

// Observe feeds one record to the per-host detections and returns the alert
// candidates it raised.
func (d *Detector) Observe(rec model.TrafficRecord) []model.Alert {
	var out []model.Alert
	if a, ok := d.connectionFlood(rec); ok {
		out = append(out, a)
	}
	if a, ok := d.exfiltration(rec); ok {
		out = append(out, a)
	}
	if a, ok := d.fanout(rec); ok {
		out = append(out, a)
	}
	return out
}

// window inserts a sample into the window of key and calls check with it, all
// under the shard lock.
func (d *Detector) window(key string, trackPorts bool, at time.Time, port uint16, value uint64, length time.Duration, check func(w *slidingWindow)) {
	shard := d.getShard(key)
	shard.Mu.Lock()
	defer shard.Mu.Unlock()

	w, ok := shard.Windows[key]
	if !ok {
		w = newSlidingWindow(trackPorts)
		shard.Windows[key] = w
	}
	w.insert(at, port, value, length)
	check(w)
}

// escalate reports whether sev is above what w already reported, re-arming w
// when sev drops to none.
func escalate(w *slidingWindow, sev model.Severity) bool {
	if sev == model.SeverityNone {
		w.alerted = 0
		return false
	}
	if int(sev) <= w.alerted {
		return false
	}
	w.alerted = int(sev)
	return true
}

// connectionFlood counts connection attempts: SYN without ACK.
func (d *Detector) connectionFlood(rec model.TrafficRecord) (model.Alert, bool) {
	if d.opts.SYNThreshold <= 0 || rec.Protocol != model.ProtocolTCP ||
		!rec.Flags.Has(model.FlagSYN) || rec.Flags.Has(model.FlagACK) {
		return model.Alert{}, false
	}

	src, dst := rec.SrcIP.String(), rec.DstIP.String()
	key := ConnectionFlood + "|" + src + "|" + dst + "|" + strconv.Itoa(int(rec.DstPort))
	var (
		alert model.Alert
		fired bool
	)
	d.window(key, false, rec.Timestamp, rec.DstPort, 1, d.opts.SYNWindow, func(w *slidingWindow) {
		attempts := w.count()
		sev := model.SeverityNone
		if attempts > d.opts.SYNThreshold {
			sev = model.SeverityHigh
		}
		if !escalate(w, sev) {
			return
		}
		fired = true
		alert = model.Alert{
			Timestamp: rec.Timestamp,
			Type:      model.AlertSuspiciousTraffic,
			Severity:  sev,
			SrcIP:     src,
			DstIP:     dst,
			Description: fmt.Sprintf("High connection attempt rate from %s: %d SYN packets to %s:%d in %s",
				src, attempts, dst, rec.DstPort, d.opts.SYNWindow),
			Details: map[string]any{
				model.DetailMetric: ConnectionFlood + ":" + strconv.Itoa(int(rec.DstPort)),
				"port":             int(rec.DstPort),
				"syn_packets":      attempts,
				"threshold":        d.opts.SYNThreshold,
				"window_seconds":   int(d.opts.SYNWindow / time.Second),
			},
		}
	})
	return alert, fired
}

func (d *Detector) internal(ip net.IP) bool {
	for _, n := range d.opts.InternalNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// exfiltration sums the bytes each internal host sends to each external one.
func (d *Detector) exfiltration(rec model.TrafficRecord) (model.Alert, bool) {
	if d.opts.ExfilBytes == 0 || !d.internal(rec.SrcIP) || d.internal(rec.DstIP) {
		return model.Alert{}, false
	}

	src, dst := rec.SrcIP.String(), rec.DstIP.String()
	key := DataExfiltration + "|" + src + "|" + dst
	var (
		alert model.Alert
		fired bool
	)
	d.window(key, false, rec.Timestamp, 0, uint64(rec.Size), d.opts.ExfilWindow, func(w *slidingWindow) {
		sev := model.SeverityNone
		if w.total > d.opts.ExfilBytes {
			sev = model.SeverityHigh
		}
		if !escalate(w, sev) {
			return
		}
		fired = true
		alert = model.Alert{
			Timestamp: rec.Timestamp,
			Type:      model.AlertSuspiciousTraffic,
			Severity:  sev,
			SrcIP:     src,
			DstIP:     dst,
			Description: fmt.Sprintf("Large data transfer: %s sent %.2f MB to %s (%d packets) in %s",
				src, float64(w.total)/(1<<20), dst, w.count(), d.opts.ExfilWindow),
			Details: map[string]any{
				model.DetailMetric: DataExfiltration,
				"bytes":            w.total,
				"packets":          w.count(),
				"threshold_bytes":  d.opts.ExfilBytes,
				"window_seconds":   int(d.opts.ExfilWindow / time.Second),
			},
		}
	})
	return alert, fired
}

// fanout counts the distinct destination ports each source reaches.
func (d *Detector) fanout(rec model.TrafficRecord) (model.Alert, bool) {
	if d.opts.FanoutThreshold <= 0 || (rec.Protocol != model.ProtocolTCP && rec.Protocol != model.ProtocolUDP) {
		return model.Alert{}, false
	}

	src := rec.SrcIP.String()
	key := PortFanout + "|" + src
	var (
		alert model.Alert
		fired bool
	)
	d.window(key, true, rec.Timestamp, rec.DstPort, 1, d.opts.FanoutWindow, func(w *slidingWindow) {
		distinct := w.distinctPorts()
		sev := model.SeverityNone
		switch {
		case distinct > d.opts.FanoutHigh:
			sev = model.SeverityHigh
		case distinct > d.opts.FanoutThreshold:
			sev = model.SeverityMedium
		}
		if !escalate(w, sev) {
			return
		}
		fired = true
		alert = model.Alert{
			Timestamp: rec.Timestamp,
			Type:      model.AlertSuspiciousTraffic,
			Severity:  sev,
			SrcIP:     src,
			Description: fmt.Sprintf("Potential port scan from %s: %d distinct destination ports with %d packets in %s",
				src, distinct, w.count(), d.opts.FanoutWindow),
			Details: map[string]any{
				model.DetailMetric: PortFanout,
				"distinct_ports":   distinct,
				"packets":          w.count(),
				"threshold":        d.opts.FanoutThreshold,
				"window_seconds":   int(d.opts.FanoutWindow / time.Second),
			},
		}
	})
	return alert, fired
}

// ObserveInterval feeds the protocol counts of a complete interval and returns
// a candidate for each protocol other than TCP and UDP whose share of the
// recent packets rose above ProtocolShare.
func (d *Detector) ObserveInterval(stats model.IntervalStats) []model.Alert {
	if d.opts.ProtocolShare <= 0 || stats.Partial {
		return nil
	}

	d.pmu.Lock()
	defer d.pmu.Unlock()

	d.recent[d.next] = stats.ProtocolPackets
	d.next = (d.next + 1) % len(d.recent)
	if d.filled < len(d.recent) {
		d.filled++
	}

	var (
		sums  [model.NumProtocols]uint64
		total uint64
	)
	for i := 0; i < d.filled; i++ {
		for p, n := range d.recent[i] {
			sums[p] += n
			total += n
		}
	}

	var out []model.Alert
	for _, p := range []model.Protocol{model.ProtocolICMP, model.ProtocolOther} {
		share := 0.0
		if total > 0 {
			share = float64(sums[p]) / float64(total)
		}
		hot := total >= d.opts.ProtocolMinPackets && share > d.opts.ProtocolShare
		if !hot || d.protoHot[p] {
			d.protoHot[p] = hot
			continue
		}
		d.protoHot[p] = true
		out = append(out, model.Alert{
			Timestamp:   stats.End,
			Type:        model.AlertSuspiciousTraffic,
			Severity:    model.SeverityMedium,
			Description: fmt.Sprintf("Unusual protocol usage: %s comprises %.1f%% of traffic (%d packets)", p, share*100, sums[p]),
			Details: map[string]any{
				model.DetailMetric: UnusualProtocol + ":" + p.String(),
				"protocol":         p.String(),
				"share":            share,
				"packets":          sums[p],
				"total_packets":    total,
				"intervals":        d.filled,
			},
		})
	}
	return out
}

// Sweep drops windows idle for longer than their length before now and
// returns how many were dropped.
func (d *Detector) Sweep(now time.Time) int {
	longest := d.opts.SYNWindow
	if d.opts.ExfilWindow > longest {
		longest = d.opts.ExfilWindow
	}
	if d.opts.FanoutWindow > longest {
		longest = d.opts.FanoutWindow
	}
	cutoff := now.Add(-longest)

	removed := 0
	for _, shard := range d.shards {
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
func (d *Detector) Tracked() int {
	n := 0
	for _, shard := range d.shards {
		shard.Mu.Lock()
		n += len(shard.Windows)
		shard.Mu.Unlock()
	}
	return n
}
