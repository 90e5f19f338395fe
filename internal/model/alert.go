package model

import (
	"fmt"
	"time"
)

// AlertType classifies what produced an alert.
type AlertType string

const (
	AlertPortScan           AlertType = "port_scan"
	AlertStatisticalAnomaly AlertType = "statistical_anomaly"
	AlertSuspiciousTraffic  AlertType = "suspicious_traffic"
)

// Severity is an ordered severity band. SeverityNone never reaches storage.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = []string{"none", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s >= 0 && int(s) < len(severityNames) {
		return severityNames[s]
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(s string) (Severity, error) {
	for i, name := range severityNames {
		if name == s {
			return Severity(i), nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", s)
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	StatusOpen          AlertStatus = "open"
	StatusInvestigating AlertStatus = "investigating"
	StatusResolved      AlertStatus = "resolved"
	StatusFalsePositive AlertStatus = "false_positive"
)

// Terminal reports whether no further transition is allowed out of s.
func (s AlertStatus) Terminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// Valid reports whether s is one of the known statuses.
func (s AlertStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusResolved, StatusFalsePositive:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s AlertStatus) CanTransition(next AlertStatus) bool {
	switch s {
	case StatusOpen:
		return next == StatusInvestigating || next == StatusResolved || next == StatusFalsePositive
	case StatusInvestigating:
		return next == StatusResolved || next == StatusFalsePositive
	}
	return false
}

// Detail keys with a meaning outside the producer of the alert.
const (
	// DetailOccurrences counts coalesced candidates.
	DetailOccurrences = "occurrences"
	// DetailMetric names the metric of an anomaly; alerts on different metrics never coalesce.
	DetailMetric = "metric"
)

// Alert is a security alert. Type, Timestamp, SrcIP and DstIP are fixed at creation.
type Alert struct {
	ID          string
	Timestamp   time.Time
	Type        AlertType
	Severity    Severity
	SrcIP       string
	DstIP       string
	Description string
	Details     map[string]any
	Status      AlertStatus
	ResolvedAt  *time.Time
	Notes       string
	// ReopenedFrom holds the id of the terminal alert this one reopens.
	ReopenedFrom string
	LastSeen     time.Time
}

// Clone returns a copy that shares no mutable state with a.
func (a Alert) Clone() Alert {
	c := a
	if a.Details != nil {
		c.Details = make(map[string]any, len(a.Details))
		for k, v := range a.Details {
			c.Details[k] = v
		}
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}

// Occurrences returns the coalesced candidate count of the alert.
func (a *Alert) Occurrences() int {
	switch v := a.Details[DetailOccurrences].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 1
}
