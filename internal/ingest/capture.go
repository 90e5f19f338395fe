package ingest

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"NetSecMonitor/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const pcapngMagic = 0x0A0D0D0A

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// PcapSource is a Source reading packets from a pcap or pcapng capture. Packets
// without an IP layer surface as *model.DataError.
type PcapSource struct {
	reader packetReader
	closer io.Closer
}

// NewPcapSource reads a capture from r, detecting pcapng by its magic number.
func NewPcapSource(r io.Reader) (*PcapSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}

	var reader packetReader
	if binary.BigEndian.Uint32(magic) == pcapngMagic {
		reader, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		reader, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}

	s := &PcapSource{reader: reader}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// OpenPcap opens a capture file as a Source.
func OpenPcap(path string) (*PcapSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	s, err := NewPcapSource(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Next decodes the next packet, or returns io.EOF at the end of the capture.
func (s *PcapSource) Next(ctx context.Context) (model.TrafficRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.TrafficRecord{}, err
	}
	data, ci, err := s.reader.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return model.TrafficRecord{}, io.EOF
		}
		return model.TrafficRecord{}, fmt.Errorf("failed to read packet: %w", err)
	}

	packet := gopacket.NewPacket(data, s.reader.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	packet.Metadata().CaptureInfo = ci
	obs, err := ParsePacket(packet)
	if err != nil {
		return model.TrafficRecord{}, err
	}
	return Normalize(obs)
}

// Close releases the underlying file, if any.
func (s *PcapSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// ParsePacket extracts the observation carried by a decoded packet. The
// protocol is reported as its IP protocol number.
func ParsePacket(packet gopacket.Packet) (model.RawObservation, error) {
	var obs model.RawObservation

	meta := packet.Metadata()
	obs.Timestamp = meta.Timestamp
	obs.Size = int64(meta.Length)
	if obs.Size == 0 {
		obs.Size = int64(len(packet.Data()))
	}

	var proto layers.IPProtocol
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		obs.SrcIP, obs.DstIP = ip.SrcIP.String(), ip.DstIP.String()
		proto = ip.Protocol
	case *layers.IPv6:
		obs.SrcIP, obs.DstIP = ip.SrcIP.String(), ip.DstIP.String()
		proto = ip.NextHeader
	default:
		return obs, model.NewDataError("packet", "no IP layer")
	}
	obs.Protocol = strconv.Itoa(int(proto))

	switch l := packet.TransportLayer().(type) {
	case *layers.TCP:
		obs.SrcPort, obs.DstPort = int(l.SrcPort), int(l.DstPort)
		obs.Flags = tcpFlags(l)
	case *layers.UDP:
		obs.SrcPort, obs.DstPort = int(l.SrcPort), int(l.DstPort)
	case *layers.UDPLite:
		obs.SrcPort, obs.DstPort = int(l.SrcPort), int(l.DstPort)
	}
	return obs, nil
}

func tcpFlags(tcp *layers.TCP) string {
	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{tcp.FIN, "FIN"}, {tcp.SYN, "SYN"}, {tcp.RST, "RST"}, {tcp.PSH, "PSH"},
		{tcp.ACK, "ACK"}, {tcp.URG, "URG"}, {tcp.ECE, "ECE"}, {tcp.CWR, "CWR"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	return strings.Join(flags, "|")
}
