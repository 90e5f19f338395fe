package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds the statistics and scoring settings.
type EngineConfig struct {
	IntervalSeconds      int     `yaml:"interval_seconds"`
	AnomalySensitivity   float64 `yaml:"anomaly_sensitivity"`
	WarmupIntervals      int     `yaml:"warmup_intervals"`
	MaxLatenessIntervals int     `yaml:"max_lateness_intervals"`
	BufferCapacity       int     `yaml:"buffer_capacity"`
	ProfileName          string  `yaml:"profile_name"`
	NumShards            uint32  `yaml:"num_shards"`
	MaxDeferred          int     `yaml:"max_deferred"`

	// MaxClockSkewIntervals bounds how far a live record's timestamp may be
	// from the wall clock. Zero disables the check.
	MaxClockSkewIntervals int `yaml:"max_clock_skew_intervals"`
	MaxIntervalsPerFlush  int `yaml:"max_intervals_per_flush"`
}

// Interval returns the bucket width.
func (c EngineConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// MaxClockSkew returns the accepted distance between a record and the wall clock.
func (c EngineConfig) MaxClockSkew() time.Duration {
	return time.Duration(c.MaxClockSkewIntervals) * c.Interval()
}

// ScanConfig holds the port scan classifier settings.
type ScanConfig struct {
	ScanThreshold     int     `yaml:"scan_threshold"`
	ScanWindowSeconds int     `yaml:"scan_window_seconds"`
	SeverityStep      float64 `yaml:"severity_step"`
	RiskyPorts        []int   `yaml:"risky_ports"`
}

// Window returns the sliding window length.
func (c ScanConfig) Window() time.Duration {
	return time.Duration(c.ScanWindowSeconds) * time.Second
}

// DetectConfig holds the record-stream detections. A zero threshold disables
// a detection.
type DetectConfig struct {
	SYNThreshold          int      `yaml:"syn_threshold"`
	SYNWindowSeconds      int      `yaml:"syn_window_seconds"`
	ExfilBytes            uint64   `yaml:"exfil_bytes"`
	ExfilWindowSeconds    int      `yaml:"exfil_window_seconds"`
	InternalNetworks      []string `yaml:"internal_networks"`
	FanoutThreshold       int      `yaml:"fanout_threshold"`
	FanoutHighThreshold   int      `yaml:"fanout_high_threshold"`
	FanoutWindowSeconds   int      `yaml:"fanout_window_seconds"`
	ProtocolShare         float64  `yaml:"protocol_share"`
	ProtocolWindowSeconds int      `yaml:"protocol_window_seconds"`
	ProtocolMinPackets    uint64   `yaml:"protocol_min_packets"`
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// SYNWindow returns the connection flood window.
func (c DetectConfig) SYNWindow() time.Duration { return seconds(c.SYNWindowSeconds) }

// ExfilWindow returns the outbound transfer window.
func (c DetectConfig) ExfilWindow() time.Duration { return seconds(c.ExfilWindowSeconds) }

// FanoutWindow returns the port fan-out window.
func (c DetectConfig) FanoutWindow() time.Duration { return seconds(c.FanoutWindowSeconds) }

// ProtocolIntervals returns how many intervals the protocol share covers.
func (c DetectConfig) ProtocolIntervals(interval time.Duration) int {
	if interval <= 0 {
		return 1
	}
	n := int(seconds(c.ProtocolWindowSeconds) / interval)
	if n < 1 {
		n = 1
	}
	return n
}

// AlertsConfig holds the alert manager settings.
type AlertsConfig struct {
	DedupWindowSeconds int `yaml:"dedup_window_seconds"`
}

// DedupWindow returns the coalescing window.
func (c AlertsConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

// ClickHouseConfig holds the connection details for ClickHouse.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SQLiteConfig holds the path of the embedded database.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// WriterDef defines a single storage writer.
type WriterDef struct {
	Type       string           `yaml:"type"`
	Enabled    bool             `yaml:"enabled"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// RetryConfig bounds the exponential backoff of storage writes.
type RetryConfig struct {
	MaxRetries      uint64 `yaml:"max_retries"`
	InitialInterval string `yaml:"initial_interval"`
	MaxInterval     string `yaml:"max_interval"`
}

// StorageConfig holds the storage collaborator settings.
type StorageConfig struct {
	// RetentionDays is informational; retention is enforced by the store itself.
	RetentionDays     int         `yaml:"retention_days"`
	QueueSize         int         `yaml:"queue_size"`
	OverflowQueueSize int         `yaml:"overflow_queue_size"`
	ShutdownTimeout   string      `yaml:"shutdown_timeout"`
	Retry             RetryConfig `yaml:"retry"`
	Writers           []WriterDef `yaml:"writers"`
}

// GeneratorConfig configures the simulated traffic source.
type GeneratorConfig struct {
	RatePerSecond int   `yaml:"rate_per_second"`
	Seed          int64 `yaml:"seed"`
}

// ReplayConfig configures the JSON-lines replay source.
type ReplayConfig struct {
	Path string `yaml:"path"`
}

// PcapConfig configures the packet capture file source.
type PcapConfig struct {
	Path string `yaml:"path"`
}

// IngestConfig selects the traffic and scan sources.
type IngestConfig struct {
	Source     string          `yaml:"source"`
	ScanSource string          `yaml:"scan_source"`
	Generator  GeneratorConfig `yaml:"generator"`
	Replay     ReplayConfig    `yaml:"replay"`
	Pcap       PcapConfig      `yaml:"pcap"`
}

// EventTime reports whether the source replays recorded traffic, whose
// timestamps rather than the wall clock drive interval flushing.
func (c IngestConfig) EventTime() bool {
	return c.Source == "replay" || c.Source == "pcap"
}

// ProbeConfig holds the NATS transport settings shared by probes and the engine.
type ProbeConfig struct {
	NATSURL        string `yaml:"nats_url"`
	TrafficSubject string `yaml:"traffic_subject"`
	ScanSubject    string `yaml:"scan_subject"`
	BufferSize     int    `yaml:"buffer_size"`
}

// ProberConfig configures the TCP connect prober.
type ProberConfig struct {
	Timeout       string `yaml:"timeout"`
	BannerTimeout string `yaml:"banner_timeout"`
	Concurrency   int    `yaml:"concurrency"`
}

// APIConfig holds the listen addresses of the ops endpoints.
type APIConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	GRPCListenAddr string `yaml:"grpc_listen_addr"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Scan    ScanConfig    `yaml:"scan"`
	Detect  DetectConfig  `yaml:"detect"`
	Alerts  AlertsConfig  `yaml:"alerts"`
	Storage StorageConfig `yaml:"storage"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Probe   ProbeConfig   `yaml:"probe"`
	Prober  ProberConfig  `yaml:"prober"`
	API     APIConfig     `yaml:"api"`
	Log     LogConfig     `yaml:"log"`
}

// Default returns the configuration used for every key the file leaves out.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			IntervalSeconds:      60,
			AnomalySensitivity:   2.0,
			WarmupIntervals:      10,
			MaxLatenessIntervals: 2,
			BufferCapacity:       100000,
			ProfileName:          "normal_traffic",
			NumShards:            64,
			MaxDeferred:          16,

			MaxClockSkewIntervals: 60,
			MaxIntervalsPerFlush:  1440,
		},
		Scan: ScanConfig{
			ScanThreshold:     15,
			ScanWindowSeconds: 300,
			SeverityStep:      0.25,
			RiskyPorts:        []int{21, 23, 445, 3389},
		},
		Detect: DetectConfig{
			SYNThreshold:          50,
			SYNWindowSeconds:      300,
			ExfilBytes:            10 << 20,
			ExfilWindowSeconds:    600,
			InternalNetworks:      []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
			FanoutThreshold:       20,
			FanoutHighThreshold:   50,
			FanoutWindowSeconds:   300,
			ProtocolShare:         0.3,
			ProtocolWindowSeconds: 3600,
			ProtocolMinPackets:    100,
		},
		Alerts: AlertsConfig{
			DedupWindowSeconds: 600,
		},
		Storage: StorageConfig{
			RetentionDays:     30,
			QueueSize:         4096,
			OverflowQueueSize: 1000,
			ShutdownTimeout:   "10s",
			Retry: RetryConfig{
				MaxRetries:      5,
				InitialInterval: "200ms",
				MaxInterval:     "5s",
			},
			Writers: []WriterDef{
				{Type: "sqlite", Enabled: true, SQLite: SQLiteConfig{Path: "netsec_monitor.db"}},
			},
		},
		Ingest: IngestConfig{
			Source:     "generator",
			ScanSource: "none",
			Generator:  GeneratorConfig{RatePerSecond: 20},
		},
		Probe: ProbeConfig{
			NATSURL:        "nats://127.0.0.1:4222",
			TrafficSubject: "netsec.traffic",
			ScanSubject:    "netsec.scans",
			BufferSize:     10000,
		},
		Prober: ProberConfig{
			Timeout:       "1s",
			BannerTimeout: "500ms",
			Concurrency:   50,
		},
		API: APIConfig{
			ListenAddr:     ":8080",
			GRPCListenAddr: ":9090",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
// Keys missing from the file keep their Default values; unknown keys are rejected.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration data on top of the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	switch {
	case c.Engine.IntervalSeconds <= 0:
		return fmt.Errorf("engine.interval_seconds must be positive, got %d", c.Engine.IntervalSeconds)
	case c.Engine.AnomalySensitivity <= 0:
		return fmt.Errorf("engine.anomaly_sensitivity must be positive, got %g", c.Engine.AnomalySensitivity)
	case c.Engine.WarmupIntervals < 0:
		return fmt.Errorf("engine.warmup_intervals must not be negative, got %d", c.Engine.WarmupIntervals)
	case c.Engine.MaxLatenessIntervals < 0:
		return fmt.Errorf("engine.max_lateness_intervals must not be negative, got %d", c.Engine.MaxLatenessIntervals)
	case c.Engine.BufferCapacity <= 0:
		return fmt.Errorf("engine.buffer_capacity must be positive, got %d", c.Engine.BufferCapacity)
	case c.Engine.MaxClockSkewIntervals < 0:
		return fmt.Errorf("engine.max_clock_skew_intervals must not be negative, got %d", c.Engine.MaxClockSkewIntervals)
	case c.Engine.MaxIntervalsPerFlush <= 0:
		return fmt.Errorf("engine.max_intervals_per_flush must be positive, got %d", c.Engine.MaxIntervalsPerFlush)
	case c.Engine.ProfileName == "":
		return errors.New("engine.profile_name must not be empty")
	case c.Scan.ScanThreshold <= 0:
		return fmt.Errorf("scan.scan_threshold must be positive, got %d", c.Scan.ScanThreshold)
	case c.Scan.ScanWindowSeconds <= 0:
		return fmt.Errorf("scan.scan_window_seconds must be positive, got %d", c.Scan.ScanWindowSeconds)
	case c.Scan.SeverityStep <= 0:
		return fmt.Errorf("scan.severity_step must be positive, got %g", c.Scan.SeverityStep)
	case c.Detect.SYNThreshold < 0 || c.Detect.FanoutThreshold < 0 || c.Detect.FanoutHighThreshold < 0:
		return errors.New("detect thresholds must not be negative")
	case c.Detect.SYNThreshold > 0 && c.Detect.SYNWindowSeconds <= 0,
		c.Detect.ExfilBytes > 0 && c.Detect.ExfilWindowSeconds <= 0,
		c.Detect.FanoutThreshold > 0 && c.Detect.FanoutWindowSeconds <= 0,
		c.Detect.ProtocolShare > 0 && c.Detect.ProtocolWindowSeconds <= 0:
		return errors.New("every enabled detection needs a positive window")
	case c.Detect.ProtocolShare < 0 || c.Detect.ProtocolShare >= 1:
		return fmt.Errorf("detect.protocol_share must be in [0, 1), got %g", c.Detect.ProtocolShare)
	case c.Alerts.DedupWindowSeconds < 0:
		return fmt.Errorf("alerts.dedup_window_seconds must not be negative, got %d", c.Alerts.DedupWindowSeconds)
	case c.Storage.OverflowQueueSize < 0:
		return fmt.Errorf("storage.overflow_queue_size must not be negative, got %d", c.Storage.OverflowQueueSize)
	}

	for _, d := range []struct{ name, value string }{
		{"storage.shutdown_timeout", c.Storage.ShutdownTimeout},
		{"storage.retry.initial_interval", c.Storage.Retry.InitialInterval},
		{"storage.retry.max_interval", c.Storage.Retry.MaxInterval},
		{"prober.timeout", c.Prober.Timeout},
		{"prober.banner_timeout", c.Prober.BannerTimeout},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}

	for _, cidr := range c.Detect.InternalNetworks {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid detect.internal_networks entry: %w", err)
		}
	}

	for _, w := range c.Storage.Writers {
		switch w.Type {
		case "sqlite", "clickhouse", "memory":
		default:
			return fmt.Errorf("unknown writer type '%s'", w.Type)
		}
	}
	switch c.Ingest.Source {
	case "generator", "replay", "pcap", "nats":
	default:
		return fmt.Errorf("unknown ingest source '%s'", c.Ingest.Source)
	}
	switch c.Ingest.ScanSource {
	case "none", "nats":
	default:
		return fmt.Errorf("unknown scan source '%s'", c.Ingest.ScanSource)
	}
	if c.Ingest.Source == "replay" && c.Ingest.Replay.Path == "" {
		return errors.New("ingest.replay.path is required for the replay source")
	}
	if c.Ingest.Source == "pcap" && c.Ingest.Pcap.Path == "" {
		return errors.New("ingest.pcap.path is required for the pcap source")
	}
	return nil
}

// MustDuration parses a duration that Validate has already checked.
func MustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("unvalidated duration %q: %v", s, err))
	}
	return d
}
