package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"NetSecMonitor/internal/config"
	"NetSecMonitor/internal/ingest"
	"NetSecMonitor/internal/logging"
	"NetSecMonitor/internal/model"
	"NetSecMonitor/internal/portscan"
	"NetSecMonitor/internal/probe"
	"NetSecMonitor/internal/prober"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	count      int
	seed       int64
	rate       int
	ports      string
	source     string
	dryRun     bool
	output     string
	synthCount int
	synthRate  int
}

func main() {
	var opts options

	root := &cobra.Command{
		Use:           "ns-probe",
		Short:         "Publish traffic observations and port probe results to the engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "configs/config.yaml", "path to the YAML configuration")

	traffic := &cobra.Command{
		Use:   "traffic",
		Short: "Publish traffic observations",
	}

	generate := &cobra.Command{
		Use:   "generate",
		Short: "Publish simulated traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPublisher(opts, func(ctx context.Context, cfg *config.Config, pub *probe.Publisher, logger *zap.Logger) error {
				rate := cfg.Ingest.Generator.RatePerSecond
				if opts.rate > 0 {
					rate = opts.rate
				}
				gen, err := ingest.NewGenerator(rate, opts.seed)
				if err != nil {
					return err
				}
				defer gen.Close()
				return publishTraffic(ctx, gen, pub, opts.count, logger)
			})
		},
	}
	generate.Flags().IntVarP(&opts.count, "count", "n", 0, "stop after this many records (0 runs until interrupted)")
	generate.Flags().Int64Var(&opts.seed, "seed", 0, "seed for a reproducible sequence")
	generate.Flags().IntVar(&opts.rate, "rate", 0, "records per second (defaults to the configured rate)")

	replay := &cobra.Command{
		Use:   "replay <file.jsonl>",
		Short: "Publish the observations of a JSON-lines file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPublisher(opts, func(ctx context.Context, _ *config.Config, pub *probe.Publisher, logger *zap.Logger) error {
				src, err := ingest.OpenReplay(args[0])
				if err != nil {
					return err
				}
				defer src.Close()
				return publishTraffic(ctx, src, pub, 0, logger)
			})
		},
	}

	pcap := &cobra.Command{
		Use:   "pcap <file.pcap>",
		Short: "Publish the packets of a pcap or pcapng capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPublisher(opts, func(ctx context.Context, _ *config.Config, pub *probe.Publisher, logger *zap.Logger) error {
				src, err := ingest.OpenPcap(args[0])
				if err != nil {
					return err
				}
				defer src.Close()
				return publishTraffic(ctx, src, pub, 0, logger)
			})
		},
	}

	synth := &cobra.Command{
		Use:   "synth",
		Short: "Write simulated traffic to a pcap file for the pcap source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeCapture(opts)
		},
	}
	synth.Flags().StringVarP(&opts.output, "output", "o", "traffic.pcap", "capture file to write")
	synth.Flags().IntVarP(&opts.synthCount, "count", "n", 10000, "number of records")
	synth.Flags().Int64Var(&opts.seed, "seed", 0, "seed for a reproducible sequence")
	synth.Flags().IntVar(&opts.synthRate, "rate", 20, "records per second of simulated time")
	traffic.AddCommand(generate, replay, pcap, synth)

	scan := &cobra.Command{
		Use:   "scan <target>",
		Short: "Probe the TCP ports of a target and publish the results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(opts, args[0])
		},
	}
	scan.Flags().StringVarP(&opts.ports, "ports", "p", "1-1024", `ports to probe, e.g. "22", "80,443" or "1-1024"`)
	scan.Flags().StringVar(&opts.source, "source", "", "address reported as the origin of the probes")
	scan.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print results without publishing them")

	root.AddCommand(traffic, scan)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ns-probe: %v\n", err)
		os.Exit(1)
	}
}

func setup(opts options) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func withPublisher(opts options, fn func(context.Context, *config.Config, *probe.Publisher, *zap.Logger) error) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	pub, err := probe.NewPublisher(cfg.Probe, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, cfg, pub, logger)
}

// publishTraffic forwards records until the source ends, ctx is cancelled or
// limit records were sent. Invalid records are skipped.
func publishTraffic(ctx context.Context, src model.Source, pub *probe.Publisher, limit int, logger *zap.Logger) error {
	published, skipped := 0, 0
	defer func() {
		logger.Info("Publishing finished", zap.Int("published", published), zap.Int("skipped", skipped))
	}()

	for limit <= 0 || published < limit {
		rec, err := src.Next(ctx)
		if err != nil {
			var dataErr *model.DataError
			switch {
			case errors.Is(err, io.EOF), ctx.Err() != nil:
				return nil
			case errors.As(err, &dataErr):
				skipped++
				logger.Debug("Skipping invalid record", zap.Error(err))
				continue
			default:
				return err
			}
		}
		if err := pub.PublishObservation(ingest.Observation(rec)); err != nil {
			return err
		}
		published++
		if published%1000 == 0 {
			logger.Info("Records published", zap.Int("count", published))
		}
	}
	return nil
}

// writeCapture writes generated records, evenly spaced in simulated time and ending now.
func writeCapture(opts options) error {
	_, logger, err := setup(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if opts.synthCount <= 0 || opts.synthRate <= 0 {
		return errors.New("count and rate must be positive")
	}
	gen, err := ingest.NewGenerator(opts.synthRate, opts.seed)
	if err != nil {
		return err
	}
	defer gen.Close()

	f, err := os.Create(opts.output)
	if err != nil {
		return fmt.Errorf("failed to create capture file: %w", err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	w, err := ingest.NewPcapWriter(bw)
	if err != nil {
		return err
	}

	step := time.Second / time.Duration(opts.synthRate)
	at := time.Now().UTC().Add(-time.Duration(opts.synthCount) * step).Truncate(time.Microsecond)
	for i := 0; i < opts.synthCount; i++ {
		rec, err := gen.Generate(at.Add(time.Duration(i) * step))
		if err != nil {
			return err
		}
		if err := w.Write(rec); err != nil {
			return err
		}
		if (i+1)%100000 == 0 {
			logger.Info("Records written", zap.Int("count", i+1))
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush capture file: %w", err)
	}
	logger.Info("Capture written", zap.String("path", opts.output), zap.Int("records", opts.synthCount))
	return nil
}

func runScan(opts options, target string) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ports, err := prober.ParsePorts(opts.ports)
	if err != nil {
		return err
	}

	var pub *probe.Publisher
	if !opts.dryRun {
		if pub, err = probe.NewPublisher(cfg.Probe, logger); err != nil {
			return err
		}
		defer pub.Close()
	}

	p := prober.New(prober.Options{
		Timeout:       config.MustDuration(cfg.Prober.Timeout),
		BannerTimeout: config.MustDuration(cfg.Prober.BannerTimeout),
		Concurrency:   cfg.Prober.Concurrency,
		Source:        opts.source,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting scan", zap.String("target", target), zap.Int("ports", len(ports)))
	results, scanErr := p.Scan(ctx, target, ports, func(res model.ProbeResult) {
		if pub == nil {
			return
		}
		if err := pub.PublishProbeResult(res); err != nil {
			logger.Warn("Failed to publish probe result", zap.Uint16("port", res.Port), zap.Error(err))
		}
	})

	open := 0
	for _, res := range results {
		if res.Outcome != model.OutcomeAccepted {
			continue
		}
		open++
		banner := portscan.TrimBanner(res.Banner)
		fmt.Printf("%5d/tcp  open  %-12s %s\n", res.Port, portscan.ServiceName(res.Port, banner), banner)
	}
	fmt.Printf("%d of %d ports open on %s\n", open, len(results), target)
	return scanErr
}
