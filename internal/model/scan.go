package model

import (
	"fmt"
	"time"
)

// ProbeOutcome is what a port probe observed on the wire.
type ProbeOutcome uint8

const (
	OutcomeUnknown ProbeOutcome = iota
	OutcomeAccepted
	OutcomeRefused
	OutcomeTimeout
)

var outcomeNames = []string{"unknown", "accepted", "refused", "timeout"}

func (o ProbeOutcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("ProbeOutcome(%d)", uint8(o))
}

// PortState is the classified state of a scanned port.
type PortState string

const (
	PortOpen     PortState = "open"
	PortClosed   PortState = "closed"
	PortFiltered PortState = "filtered"
)

// ProbeResult is one raw probe of a (target, port) pair.
type ProbeResult struct {
	Timestamp time.Time
	Target    string
	// Source is the probing address when known.
	Source  string
	Port    uint16
	Outcome ProbeOutcome
	Banner  string
	Latency time.Duration
}

// ScanResult is the classified, immutable record of one probe.
type ScanResult struct {
	ScanTime time.Time
	Target   string
	Source   string
	Port     uint16
	State    PortState
	Service  string
	Banner   string
	Latency  time.Duration
}
