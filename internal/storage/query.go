package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"NetSecMonitor/internal/model"
)

const (
	defaultQueryLimit = 1000
	maxQueryLimit     = 10000
)

// HistoryQuery filters stored records. Zero fields do not filter.
type HistoryQuery struct {
	From time.Time
	To   time.Time
	// Target restricts scan results to one probed host.
	Target string
	Limit  int
}

func (q HistoryQuery) limit() int {
	switch {
	case q.Limit <= 0:
		return defaultQueryLimit
	case q.Limit > maxQueryLimit:
		return maxQueryLimit
	}
	return q.Limit
}

// where builds the filter of q over the given columns. targetCol may be empty.
func (q HistoryQuery) where(timeCol, targetCol string, timeArg func(time.Time) any) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if !q.From.IsZero() {
		clauses = append(clauses, timeCol+" >= ?")
		args = append(args, timeArg(q.From))
	}
	if !q.To.IsZero() {
		clauses = append(clauses, timeCol+" < ?")
		args = append(args, timeArg(q.To))
	}
	if targetCol != "" && q.Target != "" {
		clauses = append(clauses, targetCol+" = ?")
		args = append(args, q.Target)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (q HistoryQuery) covers(t time.Time) bool {
	return (q.From.IsZero() || !t.Before(q.From)) && (q.To.IsZero() || t.Before(q.To))
}

// HistoryReader reads back stored statistics and scan results, newest first.
type HistoryReader interface {
	QueryStats(ctx context.Context, q HistoryQuery) ([]model.IntervalStats, error)
	QueryScans(ctx context.Context, q HistoryQuery) ([]model.ScanResult, error)
}

// HistoryReader returns the first combined sink able to answer history queries.
func (m *MultiSink) HistoryReader() (HistoryReader, bool) {
	for _, s := range m.sinks {
		if r, ok := s.(HistoryReader); ok {
			return r, true
		}
	}
	return nil, false
}

func (s *MemorySink) QueryStats(_ context.Context, q HistoryQuery) ([]model.IntervalStats, error) {
	var out []model.IntervalStats
	for _, st := range s.Stats() {
		if q.covers(st.Start) {
			out = append(out, st)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
	if len(out) > q.limit() {
		out = out[:q.limit()]
	}
	return out, nil
}

func (s *MemorySink) QueryScans(_ context.Context, q HistoryQuery) ([]model.ScanResult, error) {
	var out []model.ScanResult
	for _, r := range s.Scans() {
		if q.covers(r.ScanTime) && (q.Target == "" || r.Target == q.Target) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScanTime.After(out[j].ScanTime) })
	if len(out) > q.limit() {
		out = out[:q.limit()]
	}
	return out, nil
}

func sqliteTime(t time.Time) any { return formatTime(t) }

func (s *SQLiteSink) QueryStats(ctx context.Context, q HistoryQuery) ([]model.IntervalStats, error) {
	where, args := q.where("interval_start", "", sqliteTime)
	rows, err := s.db.QueryContext(ctx, `
		SELECT interval_start, interval_end, total_packets, total_bytes, tcp_packets, udp_packets,
		       icmp_packets, other_packets, unique_sources, unique_destinations, avg_packet_size, partial
		FROM network_stats`+where+`
		ORDER BY interval_start DESC
		LIMIT ?`, append(args, q.limit())...)
	if err != nil {
		return nil, unavailable("query interval stats", err)
	}
	defer rows.Close()

	var out []model.IntervalStats
	for rows.Next() {
		var (
			st                    model.IntervalStats
			start, end            string
			total, bytes          int64
			tcp, udp, icmp, other int64
			sources, destinations int64
			avg                   sql.NullFloat64
			partial               int64
		)
		if err := rows.Scan(&start, &end, &total, &bytes, &tcp, &udp, &icmp, &other,
			&sources, &destinations, &avg, &partial); err != nil {
			return nil, fmt.Errorf("failed to scan interval stats row: %w", err)
		}
		if st.Start, err = time.Parse(timeLayout, start); err != nil {
			return nil, fmt.Errorf("invalid interval_start %q: %w", start, err)
		}
		if st.End, err = time.Parse(timeLayout, end); err != nil {
			return nil, fmt.Errorf("invalid interval_end %q: %w", end, err)
		}
		st.TotalPackets, st.TotalBytes = uint64(total), uint64(bytes)
		st.ProtocolPackets[model.ProtocolTCP] = uint64(tcp)
		st.ProtocolPackets[model.ProtocolUDP] = uint64(udp)
		st.ProtocolPackets[model.ProtocolICMP] = uint64(icmp)
		st.ProtocolPackets[model.ProtocolOther] = uint64(other)
		st.UniqueSources, st.UniqueDestinations = uint64(sources), uint64(destinations)
		if avg.Valid {
			v := avg.Float64
			st.AvgPacketSize = &v
		}
		st.Partial = partial != 0
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query interval stats", err)
	}
	return out, nil
}

func (s *SQLiteSink) QueryScans(ctx context.Context, q HistoryQuery) ([]model.ScanResult, error) {
	where, args := q.where("scan_timestamp", "target_ip", sqliteTime)
	rows, err := s.db.QueryContext(ctx, `
		SELECT scan_timestamp, target_ip, source_ip, port, status, service, banner, response_time
		FROM port_scans`+where+`
		ORDER BY scan_timestamp DESC
		LIMIT ?`, append(args, q.limit())...)
	if err != nil {
		return nil, unavailable("query scan results", err)
	}
	defer rows.Close()

	var out []model.ScanResult
	for rows.Next() {
		var (
			r                       model.ScanResult
			at                      string
			source, service, banner sql.NullString
			port                    int64
			state                   string
			latency                 sql.NullFloat64
		)
		if err := rows.Scan(&at, &r.Target, &source, &port, &state, &service, &banner, &latency); err != nil {
			return nil, fmt.Errorf("failed to scan port scan row: %w", err)
		}
		if r.ScanTime, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("invalid scan_timestamp %q: %w", at, err)
		}
		r.Source, r.Service, r.Banner = source.String, service.String, banner.String
		r.Port = uint16(port)
		r.State = model.PortState(state)
		r.Latency = time.Duration(latency.Float64 * float64(time.Millisecond))
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query scan results", err)
	}
	return out, nil
}

func clickHouseTime(t time.Time) any { return t }

func (s *ClickHouseSink) QueryStats(ctx context.Context, q HistoryQuery) ([]model.IntervalStats, error) {
	where, args := q.where("IntervalStart", "", clickHouseTime)
	rows, err := s.conn.Query(ctx, `
		SELECT IntervalStart, IntervalEnd, TotalPackets, TotalBytes, TCPPackets, UDPPackets,
		       ICMPPackets, OtherPackets, UniqueSources, UniqueDestinations, AvgPacketSize, Partial
		FROM network_stats`+where+`
		ORDER BY IntervalStart DESC
		LIMIT ?`, append(args, q.limit())...)
	if err != nil {
		return nil, unavailable("query interval stats", err)
	}
	defer rows.Close()

	var out []model.IntervalStats
	for rows.Next() {
		var (
			st      model.IntervalStats
			partial uint8
		)
		if err := rows.Scan(&st.Start, &st.End, &st.TotalPackets, &st.TotalBytes,
			&st.ProtocolPackets[model.ProtocolTCP], &st.ProtocolPackets[model.ProtocolUDP],
			&st.ProtocolPackets[model.ProtocolICMP], &st.ProtocolPackets[model.ProtocolOther],
			&st.UniqueSources, &st.UniqueDestinations, &st.AvgPacketSize, &partial); err != nil {
			return nil, fmt.Errorf("failed to scan interval stats row: %w", err)
		}
		st.Partial = partial != 0
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query interval stats", err)
	}
	return out, nil
}

func (s *ClickHouseSink) QueryScans(ctx context.Context, q HistoryQuery) ([]model.ScanResult, error) {
	where, args := q.where("ScanTime", "TargetIP", clickHouseTime)
	rows, err := s.conn.Query(ctx, `
		SELECT ScanTime, TargetIP, SourceIP, Port, Status, Service, Banner, ResponseTime
		FROM port_scans`+where+`
		ORDER BY ScanTime DESC
		LIMIT ?`, append(args, q.limit())...)
	if err != nil {
		return nil, unavailable("query scan results", err)
	}
	defer rows.Close()

	var out []model.ScanResult
	for rows.Next() {
		var (
			r       model.ScanResult
			state   string
			latency float64
		)
		if err := rows.Scan(&r.ScanTime, &r.Target, &r.Source, &r.Port, &state, &r.Service, &r.Banner, &latency); err != nil {
			return nil, fmt.Errorf("failed to scan port scan row: %w", err)
		}
		r.State = model.PortState(state)
		r.Latency = time.Duration(latency * float64(time.Millisecond))
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query scan results", err)
	}
	return out, nil
}
