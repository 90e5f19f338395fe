package prober

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"NetSecMonitor/internal/model"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout       = time.Second
	defaultBannerTimeout = 500 * time.Millisecond
	defaultConcurrency   = 50
	bannerSize           = 1024
)

// ParsePorts parses a port list such as "22", "80,443,8080",
// "1-1024" or a mixture like "22,80-90". The result is sorted and unique.
func ParsePorts(input string) ([]uint16, error) {
	seen := make(map[uint16]struct{})
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := parsePort(lo)
		if err != nil {
			return nil, err
		}
		last := first
		if isRange {
			if last, err = parsePort(hi); err != nil {
				return nil, err
			}
			if last < first {
				return nil, fmt.Errorf("invalid port range '%s'", part)
			}
		}
		for p := int(first); p <= int(last); p++ {
			seen[uint16(p)] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("no ports in '%s'", input)
	}

	ports := make([]uint16, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("invalid port '%s'", s)
	}
	return uint16(n), nil
}

// Options configures a Prober.
type Options struct {
	Timeout       time.Duration
	BannerTimeout time.Duration
	Concurrency   int
	// Source is reported as the origin of every probe.
	Source string
}

// Prober performs TCP connect probes.
type Prober struct {
	opts   Options
	dialer *net.Dialer
	logger *zap.Logger
}

// New creates a prober.
func New(opts Options, logger *zap.Logger) *Prober {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.BannerTimeout <= 0 {
		opts.BannerTimeout = defaultBannerTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		opts:   opts,
		dialer: &net.Dialer{Timeout: opts.Timeout},
		logger: logger,
	}
}

// Scan probes every port of target and returns the results ordered by port.
// When emit is not nil it also receives each result as soon as it is known;
// it may be called from several goroutines at once.
func (p *Prober) Scan(ctx context.Context, target string, ports []uint16, emit func(model.ProbeResult)) ([]model.ProbeResult, error) {
	var (
		mu      sync.Mutex
		results = make([]model.ProbeResult, 0, len(ports))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, port := range ports {
		if gctx.Err() != nil {
			break
		}
		port := port
		g.Go(func() error {
			res := p.Probe(gctx, target, port)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if emit != nil {
				emit(res)
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Port < results[j].Port })
	if err != nil {
		return results, fmt.Errorf("scan of %s interrupted: %w", target, err)
	}
	return results, nil
}

// Probe connects to one port and grabs its banner if it is open.
func (p *Prober) Probe(ctx context.Context, target string, port uint16) model.ProbeResult {
	res := model.ProbeResult{
		Timestamp: time.Now().UTC(),
		Target:    target,
		Source:    p.opts.Source,
		Port:      port,
	}

	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", net.JoinHostPort(target, strconv.Itoa(int(port))))
	res.Latency = time.Since(start)
	if err != nil {
		res.Outcome = classify(err)
		p.logger.Debug("Probe failed", zap.String("target", target), zap.Uint16("port", port),
			zap.String("outcome", res.Outcome.String()), zap.Error(err))
		return res
	}
	defer conn.Close()

	res.Outcome = model.OutcomeAccepted
	res.Banner = p.grabBanner(conn)
	return res
}

func (p *Prober) grabBanner(conn net.Conn) string {
	if err := conn.SetReadDeadline(time.Now().Add(p.opts.BannerTimeout)); err != nil {
		return ""
	}
	buf := make([]byte, bannerSize)
	n, _ := conn.Read(buf)
	if n == 0 {
		return ""
	}
	return strings.ToValidUTF8(string(buf[:n]), "")
}

// classify maps a dial error onto a probe outcome. Anything that is not a
// timeout counts as refused.
func classify(err error) model.ProbeOutcome {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return model.OutcomeRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.OutcomeTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.OutcomeTimeout
	}
	return model.OutcomeRefused
}
