package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"NetSecMonitor/internal/config"
	"NetSecMonitor/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// clickHouseSchema statements containing a %d verb take the retention in days.
var clickHouseSchema = []string{
	`CREATE TABLE IF NOT EXISTS network_stats (
    IntervalStart      DateTime64(3),
    IntervalEnd        DateTime64(3),
    TotalPackets       UInt64,
    TotalBytes         UInt64,
    TCPPackets         UInt64,
    UDPPackets         UInt64,
    ICMPPackets        UInt64,
    OtherPackets       UInt64,
    UniqueSources      UInt64,
    UniqueDestinations UInt64,
    AvgPacketSize      Nullable(Float64),
    Partial            UInt8
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(IntervalStart)
ORDER BY IntervalStart
TTL toDateTime(IntervalStart) + INTERVAL %d DAY`,
	`CREATE TABLE IF NOT EXISTS security_alerts (
    ID            String,
    Timestamp     DateTime64(3),
    AlertType     LowCardinality(String),
    Severity      LowCardinality(String),
    SrcIP         String,
    DstIP         String,
    Description   String,
    Details       String,
    Status        LowCardinality(String),
    ResolvedAt    Nullable(DateTime64(3)),
    Notes         String,
    ReopenedFrom  String,
    LastSeen      DateTime64(3),
    Version       UInt64
) ENGINE = ReplacingMergeTree(Version)
PARTITION BY toYYYYMM(Timestamp)
ORDER BY ID
TTL toDateTime(Timestamp) + INTERVAL %d DAY`,
	`CREATE TABLE IF NOT EXISTS port_scans (
    ScanTime      DateTime64(3),
    TargetIP      String,
    SourceIP      String,
    Port          UInt16,
    Status        LowCardinality(String),
    Service       LowCardinality(String),
    Banner        String,
    ResponseTime  Float64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(ScanTime)
ORDER BY (TargetIP, ScanTime)
TTL toDateTime(ScanTime) + INTERVAL %d DAY`,
	`CREATE TABLE IF NOT EXISTS baseline_profiles (
    ProfileName   String,
    MetricName    String,
    BaselineValue Float64,
    StdDeviation  Float64,
    ThresholdHigh Float64,
    ThresholdLow  Float64,
    LastUpdated   DateTime64(3),
    SampleCount   UInt64,
    M2            Float64,
    Version       UInt64
) ENGINE = ReplacingMergeTree(Version)
ORDER BY (ProfileName, MetricName)`,
}

// ClickHouseSink stores records in ClickHouse. Alerts and baselines are
// versioned rows collapsed by ReplacingMergeTree.
type ClickHouseSink struct {
	conn   driver.Conn
	logger *zap.Logger
	now    func() time.Time
}

// NewClickHouseSink connects to ClickHouse and ensures the tables exist.
func NewClickHouseSink(cfg config.ClickHouseConfig, retentionDays int, logger *zap.Logger) (*ClickHouseSink, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}

	for _, stmt := range clickHouseSchema {
		if strings.Contains(stmt, "%d") {
			stmt = fmt.Sprintf(stmt, retentionDays)
		}
		if err := conn.Exec(context.Background(), stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}
	logger.Info("connected to ClickHouse and ensured tables exist",
		zap.String("host", cfg.Host), zap.String("database", cfg.Database))

	return &ClickHouseSink{conn: conn, logger: logger, now: time.Now}, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// insert sends a single row through a prepared batch.
func (s *ClickHouseSink) insert(ctx context.Context, table string, values ...any) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return unavailable("prepare batch for "+table, err)
	}
	if err := batch.Append(values...); err != nil {
		// A row the driver cannot encode will not encode on retry either.
		batch.Abort()
		return backoff.Permanent(fmt.Errorf("failed to append row to %s: %w", table, err))
	}
	if err := batch.Send(); err != nil {
		return unavailable("send batch to "+table, err)
	}
	return nil
}

func (s *ClickHouseSink) InsertIntervalStats(ctx context.Context, stats model.IntervalStats) error {
	var partial uint8
	if stats.Partial {
		partial = 1
	}
	return s.insert(ctx, "network_stats",
		stats.Start,
		stats.End,
		stats.TotalPackets,
		stats.TotalBytes,
		stats.ProtocolPackets[model.ProtocolTCP],
		stats.ProtocolPackets[model.ProtocolUDP],
		stats.ProtocolPackets[model.ProtocolICMP],
		stats.ProtocolPackets[model.ProtocolOther],
		stats.UniqueSources,
		stats.UniqueDestinations,
		stats.AvgPacketSize,
		partial,
	)
}

func (s *ClickHouseSink) InsertScanResult(ctx context.Context, res model.ScanResult) error {
	return s.insert(ctx, "port_scans",
		res.ScanTime,
		res.Target,
		res.Source,
		res.Port,
		string(res.State),
		res.Service,
		res.Banner,
		float64(res.Latency)/float64(time.Millisecond),
	)
}

func (s *ClickHouseSink) UpsertAlert(ctx context.Context, a model.Alert) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to encode details of alert %s: %w", a.ID, err))
	}
	return s.insert(ctx, "security_alerts",
		a.ID,
		a.Timestamp,
		string(a.Type),
		a.Severity.String(),
		a.SrcIP,
		a.DstIP,
		a.Description,
		string(details),
		string(a.Status),
		a.ResolvedAt,
		a.Notes,
		a.ReopenedFrom,
		a.LastSeen,
		uint64(s.now().UnixNano()),
	)
}

func (s *ClickHouseSink) UpsertBaseline(ctx context.Context, p model.BaselineProfile) error {
	return s.insert(ctx, "baseline_profiles",
		p.ProfileName,
		p.MetricName,
		p.Mean,
		p.StdDev,
		p.ThresholdHigh,
		p.ThresholdLow,
		p.LastUpdated,
		p.Count,
		p.M2,
		uint64(s.now().UnixNano()),
	)
}

func (s *ClickHouseSink) LoadBaselines(ctx context.Context) ([]model.BaselineProfile, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT ProfileName, MetricName, BaselineValue, StdDeviation, ThresholdHigh,
		       ThresholdLow, LastUpdated, SampleCount, M2
		FROM baseline_profiles FINAL
		ORDER BY ProfileName, MetricName`)
	if err != nil {
		return nil, unavailable("load baselines", err)
	}
	defer rows.Close()

	var profiles []model.BaselineProfile
	for rows.Next() {
		var p model.BaselineProfile
		if err := rows.Scan(&p.ProfileName, &p.MetricName, &p.Mean, &p.StdDev, &p.ThresholdHigh,
			&p.ThresholdLow, &p.LastUpdated, &p.Count, &p.M2); err != nil {
			return nil, fmt.Errorf("failed to scan baseline row: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load baselines", err)
	}
	return profiles, nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
