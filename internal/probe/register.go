package probe

import (
	"NetSecMonitor/internal/config"
	"NetSecMonitor/internal/factory"

	"go.uber.org/zap"
)

func init() {
	factory.RegisterSource("nats", func(cfg *config.Config, logger *zap.Logger) (factory.TrafficSource, error) {
		return NewTrafficSubscriber(cfg.Probe, logger)
	})
	factory.RegisterScanSource("nats", func(cfg *config.Config, logger *zap.Logger) (factory.ScanSource, error) {
		return NewScanSubscriber(cfg.Probe, logger)
	})
}
