package factory

import (
	"fmt"

	"NetSecMonitor/internal/config"
	"NetSecMonitor/internal/model"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// TrafficSource is a traffic record stream that owns resources.
type TrafficSource interface {
	model.Source
	Close() error
}

// ScanSource is a probe result stream that owns resources.
type ScanSource interface {
	model.ScanSource
	Close() error
}

// SinkFactory creates a storage sink from its writer definition.
type SinkFactory func(def config.WriterDef, cfg *config.Config, logger *zap.Logger) (model.Sink, error)

// SourceFactory creates a traffic source.
type SourceFactory func(cfg *config.Config, logger *zap.Logger) (TrafficSource, error)

// ScanSourceFactory creates a probe result source.
type ScanSourceFactory func(cfg *config.Config, logger *zap.Logger) (ScanSource, error)

var (
	sinks       = make(map[string]SinkFactory)
	sources     = make(map[string]SourceFactory)
	scanSources = make(map[string]ScanSourceFactory)
)

// RegisterSink registers a writer type.
func RegisterSink(name string, f SinkFactory) {
	if _, exists := sinks[name]; exists {
		panic(fmt.Sprintf("writer type '%s' already registered", name))
	}
	sinks[name] = f
}

// RegisterSource registers a traffic source type.
func RegisterSource(name string, f SourceFactory) {
	if _, exists := sources[name]; exists {
		panic(fmt.Sprintf("source type '%s' already registered", name))
	}
	sources[name] = f
}

// RegisterScanSource registers a scan source type.
func RegisterScanSource(name string, f ScanSourceFactory) {
	if _, exists := scanSources[name]; exists {
		panic(fmt.Sprintf("scan source type '%s' already registered", name))
	}
	scanSources[name] = f
}

// CreateSinks creates every enabled writer. On failure the sinks created so far are closed.
func CreateSinks(cfg *config.Config, logger *zap.Logger) ([]model.Sink, error) {
	var created []model.Sink
	for _, def := range cfg.Storage.Writers {
		if !def.Enabled {
			continue
		}
		logger.Info("Creating storage writer", zap.String("type", def.Type))

		f, ok := sinks[def.Type]
		if !ok {
			return nil, closeAll(created, fmt.Errorf("unknown writer type: '%s'", def.Type))
		}
		sink, err := f(def, cfg, logger)
		if err != nil {
			return nil, closeAll(created, fmt.Errorf("error creating writer '%s': %w", def.Type, err))
		}
		created = append(created, sink)
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("no storage writer enabled")
	}
	return created, nil
}

func closeAll(sinks []model.Sink, cause error) error {
	result := multierror.Append(nil, cause)
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// CreateSource creates the configured traffic source.
func CreateSource(cfg *config.Config, logger *zap.Logger) (TrafficSource, error) {
	f, ok := sources[cfg.Ingest.Source]
	if !ok {
		return nil, fmt.Errorf("unknown ingest source: '%s'", cfg.Ingest.Source)
	}
	src, err := f(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("error creating source '%s': %w", cfg.Ingest.Source, err)
	}
	return src, nil
}

// CreateScanSource creates the configured scan source, or nil for "none".
func CreateScanSource(cfg *config.Config, logger *zap.Logger) (ScanSource, error) {
	if cfg.Ingest.ScanSource == "none" || cfg.Ingest.ScanSource == "" {
		return nil, nil
	}
	f, ok := scanSources[cfg.Ingest.ScanSource]
	if !ok {
		return nil, fmt.Errorf("unknown scan source: '%s'", cfg.Ingest.ScanSource)
	}
	src, err := f(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("error creating scan source '%s': %w", cfg.Ingest.ScanSource, err)
	}
	return src, nil
}
