package model

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Protocol is the normalized transport tag of a traffic record.
type Protocol uint8

const (
	ProtocolOther Protocol = iota
	ProtocolTCP
	ProtocolUDP
	ProtocolICMP

	// NumProtocols is the number of protocol tags, used to size per-protocol counters.
	NumProtocols = 4
)

var protocolNames = [NumProtocols]string{"OTHER", "TCP", "UDP", "ICMP"}

func (p Protocol) String() string {
	if int(p) < len(protocolNames) {
		return protocolNames[p]
	}
	return fmt.Sprintf("Protocol(%d)", uint8(p))
}

// TCPFlags is a bitmask of TCP control flags.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

var flagNames = []struct {
	flag TCPFlags
	name string
}{
	{FlagFIN, "FIN"}, {FlagSYN, "SYN"}, {FlagRST, "RST"}, {FlagPSH, "PSH"},
	{FlagACK, "ACK"}, {FlagURG, "URG"}, {FlagECE, "ECE"}, {FlagCWR, "CWR"},
}

// ParseTCPFlags parses a flag set such as "SYN", "SYN|ACK" or "SYN,ACK".
// An empty string yields an empty set.
func ParseTCPFlags(s string) (TCPFlags, error) {
	var flags TCPFlags
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '|' || r == ',' || r == ' ' || r == '+'
	})
	for _, field := range fields {
		found := false
		for _, fn := range flagNames {
			if strings.EqualFold(field, fn.name) {
				flags |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown TCP flag %q", field)
		}
	}
	return flags, nil
}

// Has reports whether all flags in f are set.
func (t TCPFlags) Has(f TCPFlags) bool {
	return t&f == f
}

func (t TCPFlags) String() string {
	var parts []string
	for _, fn := range flagNames {
		if t&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}

// RawObservation is a traffic observation as delivered by a capture source,
// before validation.
type RawObservation struct {
	Timestamp time.Time `json:"timestamp"`
	SrcIP     string    `json:"source_ip"`
	DstIP     string    `json:"destination_ip"`
	SrcPort   int       `json:"source_port"`
	DstPort   int       `json:"destination_port"`
	// Protocol is a tag name (TCP, UDP, ICMP, OTHER, or an application name
	// such as HTTPS) or a decimal IP protocol number.
	Protocol string `json:"protocol"`
	Size     int64  `json:"packet_size"`
	Flags    string `json:"flags"`
}

// TrafficRecord is a single normalized traffic observation. It is never mutated
// after the ingestor creates it.
type TrafficRecord struct {
	Timestamp time.Time
	SrcIP     net.IP
	DstIP     net.IP
	SrcPort   uint16
	DstPort   uint16
	Protocol  Protocol
	Size      uint32
	Flags     TCPFlags
}

// IntervalStats summarizes all records of one time bucket.
type IntervalStats struct {
	Start              time.Time
	End                time.Time
	TotalPackets       uint64
	TotalBytes         uint64
	ProtocolPackets    [NumProtocols]uint64
	UniqueSources      uint64
	UniqueDestinations uint64
	// AvgPacketSize is nil when the bucket holds no records.
	AvgPacketSize *float64
	// Partial marks a bucket flushed before its end, at shutdown.
	Partial bool
}

// Metric names produced by IntervalStats.Metrics.
const (
	MetricTotalPackets       = "total_packets"
	MetricTotalBytes         = "total_bytes"
	MetricUniqueSources      = "unique_sources"
	MetricUniqueDestinations = "unique_destinations"
)

// ProtocolMetric returns the metric name of a per-protocol packet counter, e.g. "tcp_packets".
func ProtocolMetric(p Protocol) string {
	return strings.ToLower(p.String()) + "_packets"
}

// MetricValue is one named observation extracted from an IntervalStats.
type MetricValue struct {
	Name  string
	Value float64
}

// Metrics returns the scored metrics of the interval in a stable order.
func (s *IntervalStats) Metrics() []MetricValue {
	metrics := []MetricValue{
		{MetricTotalPackets, float64(s.TotalPackets)},
		{MetricTotalBytes, float64(s.TotalBytes)},
		{MetricUniqueSources, float64(s.UniqueSources)},
		{MetricUniqueDestinations, float64(s.UniqueDestinations)},
	}
	for _, p := range []Protocol{ProtocolTCP, ProtocolUDP, ProtocolICMP, ProtocolOther} {
		metrics = append(metrics, MetricValue{ProtocolMetric(p), float64(s.ProtocolPackets[p])})
	}
	return metrics
}
