package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"NetSecMonitor/internal/metrics"
	"NetSecMonitor/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Record kinds, used as the label of lost-record counters.
const (
	KindStats    = "interval_stats"
	KindScan     = "scan_result"
	KindAlert    = "alert"
	KindBaseline = "baseline"
)

// DispatcherOptions bounds the queues and retries of a Dispatcher.
type DispatcherOptions struct {
	QueueSize       int
	OverflowSize    int
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type job struct {
	kind string
	// key names the stored row an upsert replaces; empty for appends.
	key   string
	seq   uint64
	write func(ctx context.Context, s model.Sink) error
	// pending holds the indexes of the sinks that have not accepted the record yet.
	pending []int
}

// Dispatcher writes records to a set of sinks in the background. Enqueuing
// never blocks: records that exhaust their retries wait in a bounded overflow
// queue that is retried after later successful writes, and the oldest
// overflowing record is dropped and counted when it fills up. A parked upsert
// is discarded once a newer version of the same row is enqueued, so a retry
// never writes older state over newer state.
type Dispatcher struct {
	sinks   []model.Sink
	opts    DispatcherOptions
	logger  *zap.Logger
	metrics *metrics.Metrics

	jobs chan *job

	mu     sync.RWMutex
	closed bool

	omu      sync.Mutex
	overflow []*job

	// vmu guards the upsert versions. It is taken after omu, never before.
	vmu    sync.Mutex
	seq    uint64
	latest map[string]uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over sinks and starts its worker.
func NewDispatcher(sinks []model.Sink, opts DispatcherOptions, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	if opts.MaxInterval < opts.InitialInterval {
		opts.MaxInterval = opts.InitialInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sinks:   sinks,
		opts:    opts,
		logger:  logger,
		metrics: m,
		jobs:    make(chan *job, opts.QueueSize),
		latest:  make(map[string]uint64),
		ctx:     ctx,
		cancel:  cancel,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// InsertIntervalStats queues interval statistics.
func (d *Dispatcher) InsertIntervalStats(stats model.IntervalStats) {
	d.enqueue(KindStats, "", func(ctx context.Context, s model.Sink) error {
		return s.InsertIntervalStats(ctx, stats)
	})
}

// InsertScanResult queues a scan result.
func (d *Dispatcher) InsertScanResult(res model.ScanResult) {
	d.enqueue(KindScan, "", func(ctx context.Context, s model.Sink) error {
		return s.InsertScanResult(ctx, res)
	})
}

// WriteAlert queues the current version of an alert. It implements model.AlertWriter.
func (d *Dispatcher) WriteAlert(a model.Alert) {
	a = a.Clone()
	d.enqueue(KindAlert, "alert|"+a.ID, func(ctx context.Context, s model.Sink) error {
		return s.UpsertAlert(ctx, a)
	})
}

// UpsertBaseline queues the current version of a profile.
func (d *Dispatcher) UpsertBaseline(p model.BaselineProfile) {
	d.enqueue(KindBaseline, "baseline|"+p.ProfileName+"\x00"+p.MetricName, func(ctx context.Context, s model.Sink) error {
		return s.UpsertBaseline(ctx, p)
	})
}

func (d *Dispatcher) enqueue(kind, key string, write func(context.Context, model.Sink) error) {
	j := &job{kind: kind, key: key, write: write, pending: make([]int, len(d.sinks))}
	for i := range j.pending {
		j.pending[i] = i
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.lose(j, errors.New("dispatcher closed"))
		return
	}

	d.vmu.Lock()
	d.seq++
	j.seq = d.seq
	if key != "" {
		d.latest[key] = j.seq
	}
	d.vmu.Unlock()
	if key != "" {
		d.dropSuperseded()
	}

	select {
	case d.jobs <- j:
	default:
		d.park(j)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for j := range d.jobs {
		if permanent, err := d.deliver(j); err != nil {
			if permanent {
				d.lose(j, err)
				continue
			}
			d.logger.Warn("storage write failed after retries, parking record",
				zap.String("kind", j.kind), zap.Error(err))
			d.park(j)
			continue
		}
		d.settle(j)
		d.retryOverflow(d.ctx)
	}
}

// deliver writes a job to its pending sinks with bounded exponential backoff.
// permanent reports that retrying cannot help.
func (d *Dispatcher) deliver(j *job) (permanent bool, err error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.opts.InitialInterval
	exp.MaxInterval = d.opts.MaxInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, d.opts.MaxRetries), d.ctx)

	err = backoff.RetryNotify(func() error {
		aerr := d.attempt(d.ctx, j)
		permanent = isPermanent(aerr)
		return aerr
	}, policy, func(err error, wait time.Duration) {
		d.metrics.StorageRetries.Inc()
		d.logger.Debug("retrying storage write",
			zap.String("kind", j.kind), zap.Duration("wait", wait), zap.Error(err))
	})
	return err != nil && permanent, err
}

// attempt writes a job once to every pending sink. The error is permanent
// only when every failing sink failed permanently.
func (d *Dispatcher) attempt(ctx context.Context, j *job) error {
	var (
		result    *multierror.Error
		remaining []int
		permanent = true
	)
	for _, i := range j.pending {
		err := j.write(ctx, d.sinks[i])
		if err == nil {
			continue
		}
		remaining = append(remaining, i)
		result = multierror.Append(result, err)
		if !isPermanent(err) {
			permanent = false
		}
	}
	j.pending = remaining
	if len(remaining) == 0 {
		return nil
	}
	if permanent {
		return backoff.Permanent(result.ErrorOrNil())
	}
	return result.ErrorOrNil()
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// park appends a job to the overflow queue, dropping the oldest when full.
func (d *Dispatcher) park(j *job) {
	d.omu.Lock()
	defer d.omu.Unlock()

	if d.superseded(j) {
		d.logger.Debug("discarding record replaced by a newer version", zap.String("kind", j.kind))
		return
	}
	if d.opts.OverflowSize <= 0 {
		d.lose(j, errors.New("no overflow queue"))
		return
	}
	if len(d.overflow) >= d.opts.OverflowSize {
		oldest := d.overflow[0]
		d.overflow[0] = nil
		d.overflow = d.overflow[1:]
		d.lose(oldest, errors.New("overflow queue full"))
	}
	d.overflow = append(d.overflow, j)
	d.metrics.StorageQueued.Set(float64(len(d.overflow)))
}

// retryOverflow gives every parked job one more attempt, keeping those that fail.
func (d *Dispatcher) retryOverflow(ctx context.Context) {
	d.omu.Lock()
	parked := d.overflow
	d.overflow = nil
	d.omu.Unlock()
	if len(parked) == 0 {
		return
	}

	var still []*job
	for _, j := range parked {
		if d.superseded(j) {
			continue
		}
		if err := d.attempt(ctx, j); err != nil {
			if isPermanent(err) {
				d.lose(j, err)
				continue
			}
			still = append(still, j)
			continue
		}
		d.settle(j)
	}

	d.omu.Lock()
	d.overflow = append(still, d.overflow...)
	d.overflow = d.current(d.overflow)
	for len(d.overflow) > d.opts.OverflowSize {
		d.lose(d.overflow[0], errors.New("overflow queue full"))
		d.overflow = d.overflow[1:]
	}
	d.metrics.StorageQueued.Set(float64(len(d.overflow)))
	d.omu.Unlock()
}

// superseded reports whether a newer version of the row j upserts was enqueued.
func (d *Dispatcher) superseded(j *job) bool {
	if j.key == "" {
		return false
	}
	d.vmu.Lock()
	defer d.vmu.Unlock()
	return d.latest[j.key] > j.seq
}

// settle forgets the version of a row once its newest job is done with.
func (d *Dispatcher) settle(j *job) {
	if j.key == "" {
		return
	}
	d.vmu.Lock()
	if d.latest[j.key] == j.seq {
		delete(d.latest, j.key)
	}
	d.vmu.Unlock()
}

// current filters out superseded jobs. The caller holds omu.
func (d *Dispatcher) current(jobs []*job) []*job {
	kept := jobs[:0]
	for _, j := range jobs {
		if !d.superseded(j) {
			kept = append(kept, j)
		}
	}
	for i := len(kept); i < len(jobs); i++ {
		jobs[i] = nil
	}
	return kept
}

func (d *Dispatcher) dropSuperseded() {
	d.omu.Lock()
	d.overflow = d.current(d.overflow)
	d.metrics.StorageQueued.Set(float64(len(d.overflow)))
	d.omu.Unlock()
}

func (d *Dispatcher) lose(j *job, err error) {
	d.settle(j)
	d.metrics.StorageLost.WithLabelValues(j.kind).Inc()
	d.logger.Error("storage record lost", zap.String("kind", j.kind), zap.Error(err))
}

// Pending returns the number of records queued or parked.
func (d *Dispatcher) Pending() int {
	d.omu.Lock()
	defer d.omu.Unlock()
	return len(d.jobs) + len(d.overflow)
}

// Close stops accepting records and drains the queue. When ctx ends first,
// in-flight retries are abandoned. Records still parked afterwards get one
// last attempt and are counted as lost if it fails.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		d.cancel()
		<-done
	}

	if ctx.Err() == nil {
		d.retryOverflow(ctx)
	}
	d.omu.Lock()
	for _, j := range d.overflow {
		d.lose(j, errors.New("dispatcher closed"))
	}
	d.overflow = nil
	d.metrics.StorageQueued.Set(0)
	d.omu.Unlock()
	d.cancel()
	return err
}
