package detector

import (
	"net"
	"testing"
	"time"

	"NetSecMonitor/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		SYNThreshold:       50,
		SYNWindow:          5 * time.Minute,
		ExfilBytes:         10 << 20,
		ExfilWindow:        10 * time.Minute,
		InternalNetworks:   DefaultInternalNetworks(),
		FanoutThreshold:    20,
		FanoutHigh:         50,
		FanoutWindow:       5 * time.Minute,
		ProtocolShare:      0.3,
		ProtocolIntervals:  3,
		ProtocolMinPackets: 100,
		NumShards:          4,
	}
}

func tcp(at time.Time, src, dst string, port uint16, size uint32, flags model.TCPFlags) model.TrafficRecord {
	return model.TrafficRecord{
		Timestamp: at,
		SrcIP:     net.ParseIP(src).To4(),
		DstIP:     net.ParseIP(dst).To4(),
		SrcPort:   50000,
		DstPort:   port,
		Protocol:  model.ProtocolTCP,
		Size:      size,
		Flags:     flags,
	}
}

func TestConnectionFlood(t *testing.T) {
	d := New(testOptions())

	// 1. Fifty connection attempts are tolerated; handshake replies do not count.
	var alerts []model.Alert
	for i := 0; i < 50; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		alerts = append(alerts, d.Observe(tcp(at, "10.0.0.7", "10.0.0.20", 22, 60, model.FlagSYN))...)
		alerts = append(alerts, d.Observe(tcp(at, "10.0.0.20", "10.0.0.7", 50000, 60, model.FlagSYN|model.FlagACK))...)
	}
	assert.Empty(t, alerts)

	// 2. The 51st raises one high alert; further attempts do not repeat it.
	alerts = d.Observe(tcp(t0.Add(51*time.Second), "10.0.0.7", "10.0.0.20", 22, 60, model.FlagSYN))
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, model.AlertSuspiciousTraffic, a.Type)
	assert.Equal(t, model.SeverityHigh, a.Severity)
	assert.Equal(t, "10.0.0.7", a.SrcIP)
	assert.Equal(t, "10.0.0.20", a.DstIP)
	assert.Equal(t, "connection_flood:22", a.Details[model.DetailMetric])
	assert.Equal(t, 51, a.Details["syn_packets"])
	assert.Empty(t, d.Observe(tcp(t0.Add(52*time.Second), "10.0.0.7", "10.0.0.20", 22, 60, model.FlagSYN)))

	// 3. Once the window has slid past the burst, the detection re-arms.
	assert.Empty(t, d.Observe(tcp(t0.Add(10*time.Minute), "10.0.0.7", "10.0.0.20", 22, 60, model.FlagSYN)))
}

func TestDataExfiltration(t *testing.T) {
	d := New(testOptions())
	const chunk = 1 << 20

	// 1. Ten megabytes to an external host is the limit.
	for i := 0; i < 10; i++ {
		require.Empty(t, d.Observe(tcp(t0.Add(time.Duration(i)*time.Second), "192.168.1.50", "203.0.113.9", 443, chunk, model.FlagACK)))
	}

	// 2. Internal destinations and external sources are not counted.
	assert.Empty(t, d.Observe(tcp(t0.Add(11*time.Second), "192.168.1.50", "10.1.1.1", 443, 50<<20, model.FlagACK)))
	assert.Empty(t, d.Observe(tcp(t0.Add(11*time.Second), "203.0.113.9", "192.168.1.50", 443, 50<<20, model.FlagACK)))

	// 3. One more byte over the limit raises the alert.
	alerts := d.Observe(tcp(t0.Add(12*time.Second), "192.168.1.50", "203.0.113.9", 443, 1, model.FlagACK))
	require.Len(t, alerts, 1)
	assert.Equal(t, model.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, DataExfiltration, alerts[0].Details[model.DetailMetric])
	assert.Equal(t, uint64(10*chunk+1), alerts[0].Details["bytes"])
	assert.Equal(t, 11, alerts[0].Details["packets"])

	// 4. Transfers spread beyond the window never add up.
	d = New(testOptions())
	for i := 0; i < 30; i++ {
		require.Empty(t, d.Observe(tcp(t0.Add(time.Duration(i)*time.Minute), "192.168.1.50", "203.0.113.9", 443, chunk, model.FlagACK)))
	}
}

func TestPortFanout(t *testing.T) {
	d := New(testOptions())
	var alerts []model.Alert
	for port := 1; port <= 60; port++ {
		at := t0.Add(time.Duration(port) * time.Second)
		alerts = append(alerts, d.Observe(tcp(at, "10.0.0.66", "10.0.0.5", uint16(port), 60, model.FlagSYN))...)
	}

	// A medium alert past 20 ports escalates to high past 50.
	require.Len(t, alerts, 2)
	assert.Equal(t, model.SeverityMedium, alerts[0].Severity)
	assert.Equal(t, 21, alerts[0].Details["distinct_ports"])
	assert.Equal(t, model.SeverityHigh, alerts[1].Severity)
	assert.Equal(t, 51, alerts[1].Details["distinct_ports"])
	assert.Equal(t, PortFanout, alerts[1].Details[model.DetailMetric])
	assert.Empty(t, alerts[1].DstIP)
}

func TestUnusualProtocol(t *testing.T) {
	d := New(testOptions())
	interval := func(i int, tcpPackets, icmpPackets uint64) model.IntervalStats {
		s := model.IntervalStats{Start: t0.Add(time.Duration(i) * time.Minute), End: t0.Add(time.Duration(i+1) * time.Minute)}
		s.ProtocolPackets[model.ProtocolTCP] = tcpPackets
		s.ProtocolPackets[model.ProtocolICMP] = icmpPackets
		return s
	}

	// 1. Too few packets to judge, even at a high share.
	assert.Empty(t, d.ObserveInterval(interval(0, 10, 40)))

	// 2. ICMP crosses 30% of the last three intervals.
	alerts := d.ObserveInterval(interval(1, 100, 60))
	require.Len(t, alerts, 1)
	assert.Equal(t, model.SeverityMedium, alerts[0].Severity)
	assert.Equal(t, "unusual_protocol:ICMP", alerts[0].Details[model.DetailMetric])
	assert.InDelta(t, 100.0/210.0, alerts[0].Details["share"], 1e-9)

	// 3. It stays quiet while the share remains high, then re-arms once it drops.
	assert.Empty(t, d.ObserveInterval(interval(2, 100, 60)))
	for i := 3; i < 6; i++ {
		assert.Empty(t, d.ObserveInterval(interval(i, 1000, 0)))
	}
	assert.NotEmpty(t, d.ObserveInterval(interval(6, 0, 3000)))

	// 4. Partial intervals are ignored.
	p := interval(7, 0, 5000)
	p.Partial = true
	assert.Empty(t, d.ObserveInterval(p))
}

func TestDisabledDetections(t *testing.T) {
	d := New(Options{})
	for port := 1; port <= 100; port++ {
		assert.Empty(t, d.Observe(tcp(t0, "192.168.0.2", "198.51.100.1", uint16(port), 1<<24, model.FlagSYN)))
	}
	s := model.IntervalStats{End: t0}
	s.ProtocolPackets[model.ProtocolOther] = 1000
	assert.Empty(t, d.ObserveInterval(s))
	assert.Zero(t, d.Tracked())
}

func TestSweep(t *testing.T) {
	d := New(testOptions())
	d.Observe(tcp(t0, "10.0.0.7", "10.0.0.20", 22, 60, model.FlagSYN))
	d.Observe(tcp(t0, "192.168.1.50", "203.0.113.9", 443, 60, model.FlagACK))
	// A flood and a fan-out window for the first, a transfer and a fan-out window for the second.
	require.Equal(t, 4, d.Tracked())

	assert.Zero(t, d.Sweep(t0.Add(5*time.Minute)))
	assert.Equal(t, 4, d.Sweep(t0.Add(10*time.Minute)))
	assert.Zero(t, d.Tracked())
}

func TestParseNetworks(t *testing.T) {
	nets, err := ParseNetworks([]string{"10.0.0.0/8", "fd00::/8"})
	require.NoError(t, err)
	require.Len(t, nets, 2)
	assert.True(t, nets[1].Contains(net.ParseIP("fd00::1")))

	_, err = ParseNetworks([]string{"10.0.0.0/33"})
	assert.Error(t, err)
}
