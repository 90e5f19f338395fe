package probe

import (
	"context"
	"fmt"
	"sync/atomic"

	"NetSecMonitor/internal/config"
	"NetSecMonitor/internal/ingest"
	"NetSecMonitor/internal/model"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type trafficItem struct {
	rec model.TrafficRecord
	err error
}

// TrafficSubscriber is a model.Source fed by the traffic subject. Messages that
// arrive while the buffer is full are dropped and counted.
type TrafficSubscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	items   chan trafficItem
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewTrafficSubscriber connects to NATS and subscribes to the traffic subject.
func NewTrafficSubscriber(cfg config.ProbeConfig, logger *zap.Logger) (*TrafficSubscriber, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("ns-engine"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	s := newTrafficSubscriber(cfg.BufferSize, logger)
	s.nc = nc
	s.sub, err = nc.Subscribe(cfg.TrafficSubject, s.handle)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to '%s': %w", cfg.TrafficSubject, err)
	}
	logger.Info("subscribed to traffic", zap.String("subject", cfg.TrafficSubject))
	return s, nil
}

func newTrafficSubscriber(bufferSize int, logger *zap.Logger) *TrafficSubscriber {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &TrafficSubscriber{items: make(chan trafficItem, bufferSize), logger: logger}
}

func (s *TrafficSubscriber) handle(msg *nats.Msg) {
	var item trafficItem
	obs, err := UnmarshalObservation(msg.Data)
	if err != nil {
		item.err = model.NewDataError("message", "%v", err)
	} else {
		item.rec, item.err = ingest.Normalize(obs)
	}

	select {
	case s.items <- item:
	default:
		s.dropped.Add(1)
	}
}

// Next blocks until a record arrives or ctx is done.
func (s *TrafficSubscriber) Next(ctx context.Context) (model.TrafficRecord, error) {
	select {
	case <-ctx.Done():
		return model.TrafficRecord{}, ctx.Err()
	case item := <-s.items:
		return item.rec, item.err
	}
}

// Dropped returns the number of messages lost to a full buffer.
func (s *TrafficSubscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the NATS connection.
func (s *TrafficSubscriber) Close() error {
	return closeSubscription(s.nc, s.sub, s.logger)
}

// ScanSubscriber is a model.ScanSource fed by the scan subject.
type ScanSubscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	results chan model.ProbeResult
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewScanSubscriber connects to NATS and subscribes to the scan subject.
func NewScanSubscriber(cfg config.ProbeConfig, logger *zap.Logger) (*ScanSubscriber, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("ns-engine"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	s := newScanSubscriber(cfg.BufferSize, logger)
	s.nc = nc
	s.sub, err = nc.Subscribe(cfg.ScanSubject, s.handle)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to '%s': %w", cfg.ScanSubject, err)
	}
	logger.Info("subscribed to probe results", zap.String("subject", cfg.ScanSubject))
	return s, nil
}

func newScanSubscriber(bufferSize int, logger *zap.Logger) *ScanSubscriber {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &ScanSubscriber{results: make(chan model.ProbeResult, bufferSize), logger: logger}
}

func (s *ScanSubscriber) handle(msg *nats.Msg) {
	res, err := UnmarshalProbeResult(msg.Data)
	if err != nil {
		s.logger.Warn("dropping undecodable probe result", zap.Error(err))
		return
	}
	select {
	case s.results <- res:
	default:
		s.dropped.Add(1)
	}
}

// Next blocks until a probe result arrives or ctx is done.
func (s *ScanSubscriber) Next(ctx context.Context) (model.ProbeResult, error) {
	select {
	case <-ctx.Done():
		return model.ProbeResult{}, ctx.Err()
	case res := <-s.results:
		return res, nil
	}
}

// Dropped returns the number of messages lost to a full buffer.
func (s *ScanSubscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the NATS connection.
func (s *ScanSubscriber) Close() error {
	return closeSubscription(s.nc, s.sub, s.logger)
}

func closeSubscription(nc *nats.Conn, sub *nats.Subscription, logger *zap.Logger) error {
	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	if nc != nil {
		nc.Close()
		logger.Info("NATS connection closed")
	}
	return err
}
