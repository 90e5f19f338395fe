package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"NetSecMonitor/internal/model"

	"github.com/brianvoe/gofakeit"
)

var (
	generatorProtocols = []string{"TCP", "UDP", "ICMP", "DNS", "HTTP", "HTTPS"}
	generatorPorts     = []int{22, 53, 80, 123, 443, 3306, 5432, 6379, 8080, 8443}
)

// Generator is a Source producing simulated traffic at a fixed rate. Hosts are
// drawn from a small private network talking to a pool of external peers.
type Generator struct {
	mu       sync.Mutex
	interval time.Duration
	ticker   *time.Ticker
	internal []string
	external []string
	now      func() time.Time
}

// NewGenerator creates a generator emitting ratePerSecond records per second.
// A non-zero seed makes the sequence of records reproducible.
func NewGenerator(ratePerSecond int, seed int64) (*Generator, error) {
	if ratePerSecond <= 0 {
		return nil, fmt.Errorf("generator rate must be positive, got %d", ratePerSecond)
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	gofakeit.Seed(seed)

	g := &Generator{
		interval: time.Second / time.Duration(ratePerSecond),
		now:      time.Now,
	}
	for i := 0; i < 16; i++ {
		g.internal = append(g.internal, fmt.Sprintf("192.168.1.%d", 100+i))
	}
	for i := 0; i < 32; i++ {
		g.external = append(g.external, gofakeit.IPv4Address())
	}
	return g, nil
}

// Next blocks until the next record is due and returns it.
func (g *Generator) Next(ctx context.Context) (model.TrafficRecord, error) {
	g.mu.Lock()
	if g.ticker == nil {
		g.ticker = time.NewTicker(g.interval)
	}
	ticker := g.ticker
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return model.TrafficRecord{}, ctx.Err()
	case <-ticker.C:
	}
	return Normalize(g.observation(g.now()))
}

// Generate returns a record stamped at, without pacing.
func (g *Generator) Generate(at time.Time) (model.TrafficRecord, error) {
	return Normalize(g.observation(at))
}

func (g *Generator) observation(at time.Time) model.RawObservation {
	g.mu.Lock()
	defer g.mu.Unlock()

	src := g.internal[gofakeit.Number(0, len(g.internal)-1)]
	dst := g.external[gofakeit.Number(0, len(g.external)-1)]
	if gofakeit.Number(0, 1) == 1 {
		src, dst = dst, src
	}

	obs := model.RawObservation{
		Timestamp: at,
		SrcIP:     src,
		DstIP:     dst,
		Protocol:  generatorProtocols[gofakeit.Number(0, len(generatorProtocols)-1)],
		Size:      int64(gofakeit.Number(64, 1500)),
	}
	if obs.Protocol != "ICMP" {
		obs.SrcPort = gofakeit.Number(1024, 65535)
		obs.DstPort = generatorPorts[gofakeit.Number(0, len(generatorPorts)-1)]
	}
	switch obs.Protocol {
	case "TCP", "HTTP", "HTTPS":
		if gofakeit.Number(0, 9) == 0 {
			obs.Flags = "SYN"
		} else {
			obs.Flags = "ACK"
		}
	}
	return obs
}

// Close stops the pacing ticker.
func (g *Generator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ticker != nil {
		g.ticker.Stop()
	}
	return nil
}
