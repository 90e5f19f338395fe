package probe

import (
	"fmt"
	"time"

	"NetSecMonitor/internal/model"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the Observation message published on the traffic subject.
const (
	obsTimestamp protowire.Number = 1 // sint64, unix nanoseconds
	obsSrcIP     protowire.Number = 2 // string
	obsDstIP     protowire.Number = 3 // string
	obsSrcPort   protowire.Number = 4 // int64
	obsDstPort   protowire.Number = 5 // int64
	obsProtocol  protowire.Number = 6 // string
	obsSize      protowire.Number = 7 // sint64
	obsFlags     protowire.Number = 8 // string
)

// Field numbers of the ProbeResult message published on the scan subject.
const (
	prTimestamp protowire.Number = 1 // sint64, unix nanoseconds
	prTarget    protowire.Number = 2 // string
	prSource    protowire.Number = 3 // string
	prPort      protowire.Number = 4 // uint32
	prOutcome   protowire.Number = 5 // enum
	prBanner    protowire.Number = 6 // string
	prLatency   protowire.Number = 7 // int64, nanoseconds
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	return appendVarint(b, num, protowire.EncodeZigZag(v))
}

// MarshalObservation encodes a raw observation in protobuf wire format.
func MarshalObservation(obs model.RawObservation) []byte {
	var b []byte
	if !obs.Timestamp.IsZero() {
		b = appendSint(b, obsTimestamp, obs.Timestamp.UnixNano())
	}
	b = appendString(b, obsSrcIP, obs.SrcIP)
	b = appendString(b, obsDstIP, obs.DstIP)
	b = appendVarint(b, obsSrcPort, uint64(int64(obs.SrcPort)))
	b = appendVarint(b, obsDstPort, uint64(int64(obs.DstPort)))
	b = appendString(b, obsProtocol, obs.Protocol)
	b = appendSint(b, obsSize, obs.Size)
	b = appendString(b, obsFlags, obs.Flags)
	return b
}

// UnmarshalObservation decodes a message produced by MarshalObservation.
// Unknown fields are skipped.
func UnmarshalObservation(b []byte) (model.RawObservation, error) {
	var obs model.RawObservation
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == obsTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			obs.Timestamp = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			return n, nil
		case num == obsSrcIP && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			obs.SrcIP = v
			return n, nil
		case num == obsDstIP && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			obs.DstIP = v
			return n, nil
		case num == obsSrcPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			obs.SrcPort = int(int64(v))
			return n, nil
		case num == obsDstPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			obs.DstPort = int(int64(v))
			return n, nil
		case num == obsProtocol && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			obs.Protocol = v
			return n, nil
		case num == obsSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			obs.Size = protowire.DecodeZigZag(v)
			return n, nil
		case num == obsFlags && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			obs.Flags = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return obs, err
}

// MarshalProbeResult encodes a probe result in protobuf wire format.
func MarshalProbeResult(res model.ProbeResult) []byte {
	var b []byte
	if !res.Timestamp.IsZero() {
		b = appendSint(b, prTimestamp, res.Timestamp.UnixNano())
	}
	b = appendString(b, prTarget, res.Target)
	b = appendString(b, prSource, res.Source)
	b = appendVarint(b, prPort, uint64(res.Port))
	b = appendVarint(b, prOutcome, uint64(res.Outcome))
	b = appendString(b, prBanner, res.Banner)
	b = appendVarint(b, prLatency, uint64(res.Latency))
	return b
}

// UnmarshalProbeResult decodes a message produced by MarshalProbeResult.
func UnmarshalProbeResult(b []byte) (model.ProbeResult, error) {
	var res model.ProbeResult
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == prTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			res.Timestamp = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			return n, nil
		case num == prTarget && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			res.Target = v
			return n, nil
		case num == prSource && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			res.Source = v
			return n, nil
		case num == prPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 && v > 65535 {
				return 0, fmt.Errorf("port %d out of range", v)
			}
			res.Port = uint16(v)
			return n, nil
		case num == prOutcome && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			res.Outcome = model.ProbeOutcome(v)
			return n, nil
		case num == prBanner && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			res.Banner = v
			return n, nil
		case num == prLatency && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			res.Latency = time.Duration(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return res, err
}

// walk iterates over the fields of a message, handing each value to fn.
// fn returns the number of bytes it consumed, negative on a wire error.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("failed to decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m < 0 {
			return fmt.Errorf("failed to decode field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
