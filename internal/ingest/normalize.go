package ingest

import (
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"NetSecMonitor/internal/model"

	"github.com/google/gopacket/layers"
)

// applicationProtocols maps the application tags some capture sources emit onto
// the transport that carries them.
var applicationProtocols = map[string]model.Protocol{
	"TCP":   model.ProtocolTCP,
	"UDP":   model.ProtocolUDP,
	"ICMP":  model.ProtocolICMP,
	"OTHER": model.ProtocolOther,
	"HTTP":  model.ProtocolTCP,
	"HTTPS": model.ProtocolTCP,
	"SSH":   model.ProtocolTCP,
	"TLS":   model.ProtocolTCP,
	"DNS":   model.ProtocolUDP,
	"NTP":   model.ProtocolUDP,
}

// Timestamps outside this range have no UnixNano form and cannot be bucketed.
var (
	minTimestamp = time.Unix(0, math.MinInt64).UTC()
	maxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// Normalize validates a raw observation and converts it into a TrafficRecord.
// Every validation failure is a *model.DataError.
func Normalize(obs model.RawObservation) (model.TrafficRecord, error) {
	var rec model.TrafficRecord

	if obs.Timestamp.IsZero() {
		return rec, model.NewDataError("timestamp", "missing")
	}
	if obs.Timestamp.Before(minTimestamp) || obs.Timestamp.After(maxTimestamp) {
		return rec, model.NewDataError("timestamp", "%s out of range", obs.Timestamp.Format(time.RFC3339))
	}
	src := net.ParseIP(strings.TrimSpace(obs.SrcIP))
	if src == nil {
		return rec, model.NewDataError("source_ip", "cannot parse %q", obs.SrcIP)
	}
	dst := net.ParseIP(strings.TrimSpace(obs.DstIP))
	if dst == nil {
		return rec, model.NewDataError("destination_ip", "cannot parse %q", obs.DstIP)
	}
	if obs.SrcPort < 0 || obs.SrcPort > 65535 {
		return rec, model.NewDataError("source_port", "%d out of range", obs.SrcPort)
	}
	if obs.DstPort < 0 || obs.DstPort > 65535 {
		return rec, model.NewDataError("destination_port", "%d out of range", obs.DstPort)
	}
	if obs.Size < 0 || obs.Size > int64(^uint32(0)) {
		return rec, model.NewDataError("packet_size", "%d out of range", obs.Size)
	}
	proto, err := ParseProtocol(obs.Protocol)
	if err != nil {
		return rec, err
	}
	flags, err := model.ParseTCPFlags(obs.Flags)
	if err != nil {
		return rec, model.NewDataError("flags", "%v", err)
	}

	if v4 := src.To4(); v4 != nil {
		src = v4
	}
	if v4 := dst.To4(); v4 != nil {
		dst = v4
	}

	return model.TrafficRecord{
		Timestamp: obs.Timestamp,
		SrcIP:     src,
		DstIP:     dst,
		SrcPort:   uint16(obs.SrcPort),
		DstPort:   uint16(obs.DstPort),
		Protocol:  proto,
		Size:      uint32(obs.Size),
		Flags:     flags,
	}, nil
}

// ParseProtocol maps a protocol tag onto one of the normalized tags. It accepts
// tag names, application names carried by a known transport, IP protocol names
// and decimal IP protocol numbers.
func ParseProtocol(tag string) (model.Protocol, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return model.ProtocolOther, model.NewDataError("protocol", "missing")
	}
	if p, ok := applicationProtocols[strings.ToUpper(tag)]; ok {
		return p, nil
	}
	if n, err := strconv.Atoi(tag); err == nil {
		if n < 0 || n > 255 {
			return model.ProtocolOther, model.NewDataError("protocol", "IP protocol number %d out of range", n)
		}
		return FromIPProtocol(layers.IPProtocol(n)), nil
	}
	for n := 0; n <= 255; n++ {
		ipProto := layers.IPProtocol(n)
		name := ipProto.String()
		if strings.HasPrefix(name, "Unknown") {
			continue
		}
		if strings.EqualFold(name, tag) {
			return FromIPProtocol(ipProto), nil
		}
	}
	return model.ProtocolOther, model.NewDataError("protocol", "unknown tag %q", tag)
}

// FromIPProtocol maps an IP protocol number onto a normalized tag.
func FromIPProtocol(p layers.IPProtocol) model.Protocol {
	switch p {
	case layers.IPProtocolTCP:
		return model.ProtocolTCP
	case layers.IPProtocolUDP, layers.IPProtocolUDPLite:
		return model.ProtocolUDP
	case layers.IPProtocolICMPv4, layers.IPProtocolICMPv6:
		return model.ProtocolICMP
	default:
		return model.ProtocolOther
	}
}

// Observation converts a record back into its raw form, for republishing.
// Normalize(Observation(rec)) yields rec.
func Observation(rec model.TrafficRecord) model.RawObservation {
	return model.RawObservation{
		Timestamp: rec.Timestamp,
		SrcIP:     rec.SrcIP.String(),
		DstIP:     rec.DstIP.String(),
		SrcPort:   int(rec.SrcPort),
		DstPort:   int(rec.DstPort),
		Protocol:  rec.Protocol.String(),
		Size:      int64(rec.Size),
		Flags:     rec.Flags.String(),
	}
}

// CheckSkew rejects a record stamped more than maxSkew away from now. A
// non-positive maxSkew disables the check.
func CheckSkew(rec model.TrafficRecord, now time.Time, maxSkew time.Duration) error {
	if maxSkew <= 0 {
		return nil
	}
	if d := rec.Timestamp.Sub(now); d > maxSkew || d < -maxSkew {
		return model.NewDataError("timestamp", "%s is %s away from the clock, more than %s",
			rec.Timestamp.Format(time.RFC3339), d, maxSkew)
	}
	return nil
}
