package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"NetSecMonitor/internal/model"
	"NetSecMonitor/internal/storage"
)

type statsView struct {
	Start              time.Time `json:"interval_start"`
	End                time.Time `json:"interval_end"`
	TotalPackets       uint64    `json:"total_packets"`
	TotalBytes         uint64    `json:"total_bytes"`
	TCPPackets         uint64    `json:"tcp_packets"`
	UDPPackets         uint64    `json:"udp_packets"`
	ICMPPackets        uint64    `json:"icmp_packets"`
	OtherPackets       uint64    `json:"other_packets"`
	UniqueSources      uint64    `json:"unique_sources"`
	UniqueDestinations uint64    `json:"unique_destinations"`
	AvgPacketSize      *float64  `json:"avg_packet_size"`
	Partial            bool      `json:"partial,omitempty"`
}

func newStatsView(s model.IntervalStats) statsView {
	return statsView{
		Start:              s.Start,
		End:                s.End,
		TotalPackets:       s.TotalPackets,
		TotalBytes:         s.TotalBytes,
		TCPPackets:         s.ProtocolPackets[model.ProtocolTCP],
		UDPPackets:         s.ProtocolPackets[model.ProtocolUDP],
		ICMPPackets:        s.ProtocolPackets[model.ProtocolICMP],
		OtherPackets:       s.ProtocolPackets[model.ProtocolOther],
		UniqueSources:      s.UniqueSources,
		UniqueDestinations: s.UniqueDestinations,
		AvgPacketSize:      s.AvgPacketSize,
		Partial:            s.Partial,
	}
}

type scanView struct {
	ScanTime  time.Time `json:"scan_timestamp"`
	Target    string    `json:"target_ip"`
	Source    string    `json:"source_ip,omitempty"`
	Port      uint16    `json:"port"`
	State     string    `json:"status"`
	Service   string    `json:"service,omitempty"`
	Banner    string    `json:"banner,omitempty"`
	LatencyMS float64   `json:"response_time"`
}

func newScanView(r model.ScanResult) scanView {
	return scanView{
		ScanTime:  r.ScanTime,
		Target:    r.Target,
		Source:    r.Source,
		Port:      r.Port,
		State:     string(r.State),
		Service:   r.Service,
		Banner:    r.Banner,
		LatencyMS: float64(r.Latency) / float64(time.Millisecond),
	}
}

// parseHistoryQuery reads from, to (RFC 3339) and limit from the query string.
func parseHistoryQuery(values url.Values) (storage.HistoryQuery, error) {
	var q storage.HistoryQuery
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &q.From}, {"to", &q.To}} {
		raw := values.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, fmt.Errorf("invalid %s: %w", p.name, err)
		}
		*p.dst = t
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.From.Before(q.To) {
		return q, errors.New("from must be before to")
	}
	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("invalid limit '%s'", raw)
		}
		q.Limit = n
	}
	q.Target = values.Get("target")
	return q, nil
}

func (s *server) queryStats(w http.ResponseWriter, r *http.Request) {
	q, err := parseHistoryQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := s.History.QueryStats(r.Context(), q)
	if err != nil {
		s.fail(w, err)
		return
	}
	views := make([]statsView, 0, len(stats))
	for _, st := range stats {
		views = append(views, newStatsView(st))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *server) queryScans(w http.ResponseWriter, r *http.Request) {
	q, err := parseHistoryQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	scans, err := s.History.QueryScans(r.Context(), q)
	if err != nil {
		s.fail(w, err)
		return
	}
	views := make([]scanView, 0, len(scans))
	for _, res := range scans {
		views = append(views, newScanView(res))
	}
	writeJSON(w, http.StatusOK, views)
}
