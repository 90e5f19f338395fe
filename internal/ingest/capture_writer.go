package ingest

import (
	"fmt"
	"io"
	"net"

	"NetSecMonitor/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const captureSnapLen = 65536

var (
	writerSrcMAC = net.HardwareAddr{0x02, 0x00, 0x5e, 0x00, 0x00, 0x01}
	writerDstMAC = net.HardwareAddr{0x02, 0x00, 0x5e, 0x00, 0x00, 0x02}
)

// PcapWriter writes traffic records as Ethernet frames to a pcap file. Only
// headers are stored; the record size is kept as the original frame length.
type PcapWriter struct {
	w    *pcapgo.Writer
	opts gopacket.SerializeOptions
}

// NewPcapWriter writes the pcap file header to w.
func NewPcapWriter(w io.Writer) (*PcapWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(captureSnapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &PcapWriter{
		w:    pw,
		opts: gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
	}, nil
}

// Write appends one record.
func (p *PcapWriter) Write(rec model.TrafficRecord) error {
	frame, err := p.frame(rec)
	if err != nil {
		return err
	}
	length := int(rec.Size)
	if length < len(frame) {
		length = len(frame)
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     rec.Timestamp,
		CaptureLength: len(frame),
		Length:        length,
	}
	if err := p.w.WritePacket(ci, frame); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	return nil
}

func (p *PcapWriter) frame(rec model.TrafficRecord) ([]byte, error) {
	v4 := rec.SrcIP.To4() != nil && rec.DstIP.To4() != nil
	proto := ipProtocol(rec.Protocol, v4)

	eth := &layers.Ethernet{SrcMAC: writerSrcMAC, DstMAC: writerDstMAC}
	var network gopacket.NetworkLayer
	var netLayer gopacket.SerializableLayer
	if v4 {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: proto, SrcIP: rec.SrcIP.To4(), DstIP: rec.DstIP.To4()}
		network, netLayer = ip, ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: proto, SrcIP: rec.SrcIP.To16(), DstIP: rec.DstIP.To16()}
		network, netLayer = ip, ip
	}

	stack := []gopacket.SerializableLayer{eth, netLayer}
	switch proto {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(rec.SrcPort),
			DstPort: layers.TCPPort(rec.DstPort),
			Window:  14600,
			FIN:     rec.Flags.Has(model.FlagFIN),
			SYN:     rec.Flags.Has(model.FlagSYN),
			RST:     rec.Flags.Has(model.FlagRST),
			PSH:     rec.Flags.Has(model.FlagPSH),
			ACK:     rec.Flags.Has(model.FlagACK),
			URG:     rec.Flags.Has(model.FlagURG),
			ECE:     rec.Flags.Has(model.FlagECE),
			CWR:     rec.Flags.Has(model.FlagCWR),
		}
		if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, fmt.Errorf("failed to prepare TCP checksum: %w", err)
		}
		stack = append(stack, tcp)
	case layers.IPProtocolUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(rec.SrcPort), DstPort: layers.UDPPort(rec.DstPort)}
		if err := udp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, fmt.Errorf("failed to prepare UDP checksum: %w", err)
		}
		stack = append(stack, udp)
	case layers.IPProtocolICMPv4:
		stack = append(stack, &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)})
	case layers.IPProtocolICMPv6:
		icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0)}
		if err := icmp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, fmt.Errorf("failed to prepare ICMPv6 checksum: %w", err)
		}
		stack = append(stack, icmp)
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, p.opts, stack...); err != nil {
		return nil, fmt.Errorf("failed to serialize packet: %w", err)
	}
	return buf.Bytes(), nil
}

// ipProtocol picks the IP protocol number of a tag. OTHER is written as GRE.
func ipProtocol(p model.Protocol, v4 bool) layers.IPProtocol {
	switch p {
	case model.ProtocolTCP:
		return layers.IPProtocolTCP
	case model.ProtocolUDP:
		return layers.IPProtocolUDP
	case model.ProtocolICMP:
		if v4 {
			return layers.IPProtocolICMPv4
		}
		return layers.IPProtocolICMPv6
	}
	return layers.IPProtocolGRE
}
