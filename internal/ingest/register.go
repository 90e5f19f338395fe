package ingest

import (
	"NetSecMonitor/internal/config"
	"NetSecMonitor/internal/factory"

	"go.uber.org/zap"
)

func init() {
	factory.RegisterSource("generator", func(cfg *config.Config, _ *zap.Logger) (factory.TrafficSource, error) {
		return NewGenerator(cfg.Ingest.Generator.RatePerSecond, cfg.Ingest.Generator.Seed)
	})
	factory.RegisterSource("replay", func(cfg *config.Config, _ *zap.Logger) (factory.TrafficSource, error) {
		return OpenReplay(cfg.Ingest.Replay.Path)
	})
	factory.RegisterSource("pcap", func(cfg *config.Config, _ *zap.Logger) (factory.TrafficSource, error) {
		return OpenPcap(cfg.Ingest.Pcap.Path)
	})
}
