package storage

import (
	"NetSecMonitor/internal/config"
	"NetSecMonitor/internal/factory"
	"NetSecMonitor/internal/model"

	"go.uber.org/zap"
)

func init() {
	factory.RegisterSink("memory", func(config.WriterDef, *config.Config, *zap.Logger) (model.Sink, error) {
		return NewMemorySink(), nil
	})
	factory.RegisterSink("sqlite", func(def config.WriterDef, _ *config.Config, _ *zap.Logger) (model.Sink, error) {
		return NewSQLiteSink(def.SQLite)
	})
	factory.RegisterSink("clickhouse", func(def config.WriterDef, cfg *config.Config, logger *zap.Logger) (model.Sink, error) {
		return NewClickHouseSink(def.ClickHouse, cfg.Storage.RetentionDays, logger)
	})
}
