package probe

import (
	"fmt"

	"NetSecMonitor/internal/config"
	"NetSecMonitor/internal/model"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher publishes traffic observations and probe results to NATS.
type Publisher struct {
	nc             *nats.Conn
	trafficSubject string
	scanSubject    string
	logger         *zap.Logger
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(cfg config.ProbeConfig, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("ns-probe"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	logger.Info("connected to NATS", zap.String("url", cfg.NATSURL))
	return &Publisher{
		nc:             nc,
		trafficSubject: cfg.TrafficSubject,
		scanSubject:    cfg.ScanSubject,
		logger:         logger,
	}, nil
}

// PublishObservation serializes a raw observation and publishes it to the traffic subject.
func (p *Publisher) PublishObservation(obs model.RawObservation) error {
	return p.nc.Publish(p.trafficSubject, MarshalObservation(obs))
}

// PublishProbeResult serializes a probe result and publishes it to the scan subject.
func (p *Publisher) PublishProbeResult(res model.ProbeResult) error {
	return p.nc.Publish(p.scanSubject, MarshalProbeResult(res))
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.logger.Warn("failed to drain NATS connection", zap.Error(err))
		}
		p.logger.Info("NATS connection drained and closed")
	}
}
