package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"NetSecMonitor/internal/config"
	"NetSecMonitor/internal/model"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS network_stats (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		interval_start      TEXT    NOT NULL,
		interval_end        TEXT    NOT NULL,
		total_packets       INTEGER NOT NULL,
		total_bytes         INTEGER NOT NULL,
		tcp_packets         INTEGER NOT NULL,
		udp_packets         INTEGER NOT NULL,
		icmp_packets        INTEGER NOT NULL,
		other_packets       INTEGER NOT NULL,
		unique_sources      INTEGER NOT NULL,
		unique_destinations INTEGER NOT NULL,
		avg_packet_size     REAL,
		partial             INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_network_stats_start ON network_stats(interval_start)`,
	`CREATE TABLE IF NOT EXISTS security_alerts (
		id             TEXT PRIMARY KEY,
		timestamp      TEXT NOT NULL,
		alert_type     TEXT NOT NULL,
		severity       TEXT NOT NULL,
		source_ip      TEXT,
		destination_ip TEXT,
		description    TEXT,
		details        TEXT,
		status         TEXT NOT NULL,
		resolved_at    TEXT,
		notes          TEXT,
		reopened_from  TEXT,
		last_seen      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_security_alerts_status ON security_alerts(status, timestamp)`,
	`CREATE TABLE IF NOT EXISTS port_scans (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		scan_timestamp TEXT    NOT NULL,
		target_ip      TEXT    NOT NULL,
		source_ip      TEXT,
		port           INTEGER NOT NULL,
		status         TEXT    NOT NULL,
		service        TEXT,
		banner         TEXT,
		response_time  REAL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_port_scans_target ON port_scans(target_ip, scan_timestamp)`,
	`CREATE TABLE IF NOT EXISTS baseline_profiles (
		profile_name   TEXT NOT NULL,
		metric_name    TEXT NOT NULL,
		baseline_value REAL NOT NULL,
		std_deviation  REAL NOT NULL,
		threshold_high REAL NOT NULL,
		threshold_low  REAL NOT NULL,
		last_updated   TEXT,
		sample_count   INTEGER NOT NULL DEFAULT 0,
		m2             REAL    NOT NULL DEFAULT 0,
		PRIMARY KEY (profile_name, metric_name)
	)`,
}

// timeLayout is fixed width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteSink stores records in an embedded SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if needed) the database and ensures the schema exists.
func NewSQLiteSink(cfg config.SQLiteConfig) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection serializes writers and keeps pragmas in effect.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=3000;",
	}
	for _, stmt := range append(pragmas, sqliteSchema...) {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize sqlite database: %w", err)
		}
	}
	return &SQLiteSink{db: db}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrStorageUnavailable, op, err)
}

func (s *SQLiteSink) InsertIntervalStats(ctx context.Context, stats model.IntervalStats) error {
	var avg sql.NullFloat64
	if stats.AvgPacketSize != nil {
		avg = sql.NullFloat64{Float64: *stats.AvgPacketSize, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO network_stats
		(interval_start, interval_end, total_packets, total_bytes, tcp_packets, udp_packets,
		 icmp_packets, other_packets, unique_sources, unique_destinations, avg_packet_size, partial)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(stats.Start), formatTime(stats.End),
		int64(stats.TotalPackets), int64(stats.TotalBytes),
		int64(stats.ProtocolPackets[model.ProtocolTCP]),
		int64(stats.ProtocolPackets[model.ProtocolUDP]),
		int64(stats.ProtocolPackets[model.ProtocolICMP]),
		int64(stats.ProtocolPackets[model.ProtocolOther]),
		int64(stats.UniqueSources), int64(stats.UniqueDestinations),
		avg, stats.Partial,
	)
	if err != nil {
		return unavailable("insert interval stats", err)
	}
	return nil
}

func (s *SQLiteSink) InsertScanResult(ctx context.Context, res model.ScanResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO port_scans
		(scan_timestamp, target_ip, source_ip, port, status, service, banner, response_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(res.ScanTime), res.Target, res.Source, int(res.Port), string(res.State),
		res.Service, res.Banner, float64(res.Latency)/float64(time.Millisecond),
	)
	if err != nil {
		return unavailable("insert scan result", err)
	}
	return nil
}

func (s *SQLiteSink) UpsertAlert(ctx context.Context, a model.Alert) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to encode details of alert %s: %w", a.ID, err))
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_alerts
		(id, timestamp, alert_type, severity, source_ip, destination_ip, description, details,
		 status, resolved_at, notes, reopened_from, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			description = excluded.description,
			details = excluded.details,
			status = excluded.status,
			resolved_at = excluded.resolved_at,
			notes = excluded.notes,
			last_seen = excluded.last_seen`,
		a.ID, formatTime(a.Timestamp), string(a.Type), a.Severity.String(), a.SrcIP, a.DstIP,
		a.Description, string(details), string(a.Status), nullTime(a.ResolvedAt), a.Notes,
		a.ReopenedFrom, nullTime(&a.LastSeen),
	)
	if err != nil {
		return unavailable("upsert alert", err)
	}
	return nil
}

func (s *SQLiteSink) UpsertBaseline(ctx context.Context, p model.BaselineProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO baseline_profiles
		(profile_name, metric_name, baseline_value, std_deviation, threshold_high, threshold_low,
		 last_updated, sample_count, m2)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(profile_name, metric_name) DO UPDATE SET
			baseline_value = excluded.baseline_value,
			std_deviation = excluded.std_deviation,
			threshold_high = excluded.threshold_high,
			threshold_low = excluded.threshold_low,
			last_updated = excluded.last_updated,
			sample_count = excluded.sample_count,
			m2 = excluded.m2`,
		p.ProfileName, p.MetricName, p.Mean, p.StdDev, p.ThresholdHigh, p.ThresholdLow,
		nullTime(&p.LastUpdated), int64(p.Count), p.M2,
	)
	if err != nil {
		return unavailable("upsert baseline", err)
	}
	return nil
}

func (s *SQLiteSink) LoadBaselines(ctx context.Context) ([]model.BaselineProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT profile_name, metric_name, baseline_value, std_deviation, threshold_high,
		       threshold_low, last_updated, sample_count, m2
		FROM baseline_profiles
		ORDER BY profile_name, metric_name`)
	if err != nil {
		return nil, unavailable("load baselines", err)
	}
	defer rows.Close()

	var profiles []model.BaselineProfile
	for rows.Next() {
		var (
			p       model.BaselineProfile
			updated sql.NullString
			count   int64
		)
		if err := rows.Scan(&p.ProfileName, &p.MetricName, &p.Mean, &p.StdDev, &p.ThresholdHigh,
			&p.ThresholdLow, &updated, &count, &p.M2); err != nil {
			return nil, fmt.Errorf("failed to scan baseline row: %w", err)
		}
		if updated.Valid {
			if p.LastUpdated, err = time.Parse(timeLayout, updated.String); err != nil {
				return nil, fmt.Errorf("invalid last_updated for %s/%s: %w", p.ProfileName, p.MetricName, err)
			}
		}
		if count > 0 {
			p.Count = uint64(count)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load baselines", err)
	}
	return profiles, nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
