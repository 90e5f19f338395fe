package aggregator

import (
	"errors"
	"math"
	"net"
	"sort"
	"sync"
	"time"

	"NetSecMonitor/internal/model"
)

// ErrLateRecord is returned by Window.Add for a record whose interval has
// already been emitted.
var ErrLateRecord = errors.New("record belongs to an interval that was already flushed")

// DefaultMaxEmit is the number of intervals one Flush emits at most, and the
// longest run of empty intervals emitted before the rest of the run is skipped.
const DefaultMaxEmit = 1440

// Aggregate summarizes records into the IntervalStats of [start, end). The
// records may arrive in any order; no shared state is touched.
func Aggregate(start, end time.Time, records []model.TrafficRecord) model.IntervalStats {
	stats := model.IntervalStats{Start: start, End: end}
	if len(records) == 0 {
		return stats
	}

	sources := make(map[string]struct{}, len(records))
	destinations := make(map[string]struct{}, len(records))
	for i := range records {
		rec := &records[i]
		stats.TotalPackets++
		stats.TotalBytes += uint64(rec.Size)
		if int(rec.Protocol) < model.NumProtocols {
			stats.ProtocolPackets[rec.Protocol]++
		} else {
			stats.ProtocolPackets[model.ProtocolOther]++
		}
		sources[ipKey(rec.SrcIP)] = struct{}{}
		destinations[ipKey(rec.DstIP)] = struct{}{}
	}
	stats.UniqueSources = uint64(len(sources))
	stats.UniqueDestinations = uint64(len(destinations))
	avg := float64(stats.TotalBytes) / float64(stats.TotalPackets)
	stats.AvgPacketSize = &avg
	return stats
}

// ipKey folds IPv4 and IPv4-in-IPv6 forms onto one key.
func ipKey(ip net.IP) string {
	if v16 := ip.To16(); v16 != nil {
		return string(v16)
	}
	return string(ip)
}

// BucketStart floor-divides t by interval, relative to the Unix epoch.
func BucketStart(t time.Time, interval time.Duration) time.Time {
	ns := t.UnixNano()
	step := interval.Nanoseconds()
	q := ns / step
	if ns%step < 0 {
		q--
	}
	return time.Unix(0, q*step).UTC()
}

// Window buffers records per interval until they are flushed. It is safe for
// one writer and one flusher to use concurrently.
type Window struct {
	mu       sync.Mutex
	interval time.Duration
	lateness time.Duration
	capacity int

	maxEmit  int

	buckets  map[int64][]model.TrafficRecord
	buffered int
	// emitted is the end of the last emitted interval; zero until the first flush.
	emitted time.Time
	latest  time.Time
	dropped uint64
	skipped uint64
}

// NewWindow creates a window of the given interval width. Records more than
// latenessIntervals behind the flush horizon are late.
func NewWindow(interval time.Duration, latenessIntervals, capacity int) *Window {
	return &Window{
		interval: interval,
		lateness: time.Duration(latenessIntervals) * interval,
		capacity: capacity,
		maxEmit:  DefaultMaxEmit,
		buckets:  make(map[int64][]model.TrafficRecord),
	}
}

// SetMaxEmit changes the per-flush and empty-run limit. Values below one are ignored.
func (w *Window) SetMaxEmit(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > 0 {
		w.maxEmit = n
	}
}

// TakeSkipped returns the number of empty intervals skipped since the last call.
func (w *Window) TakeSkipped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.skipped
	w.skipped = 0
	return n
}

// Add buffers a record. When the buffer is full the oldest buffered record is
// dropped; the drop is reported by the next Flush.
func (w *Window) Add(rec model.TrafficRecord) error {
	start := BucketStart(rec.Timestamp, w.interval)

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.emitted.IsZero() && start.Before(w.emitted) {
		return ErrLateRecord
	}
	if w.buffered >= w.capacity {
		w.dropOldest()
	}
	key := start.UnixNano()
	w.buckets[key] = append(w.buckets[key], rec)
	w.buffered++
	if rec.Timestamp.After(w.latest) {
		w.latest = rec.Timestamp
	}
	return nil
}

func (w *Window) dropOldest() {
	oldest, ok := w.oldestKey()
	if !ok {
		return
	}
	records := w.buckets[oldest]
	records[0] = model.TrafficRecord{}
	if len(records) == 1 {
		delete(w.buckets, oldest)
	} else {
		w.buckets[oldest] = records[1:]
	}
	w.buffered--
	w.dropped++
}

func (w *Window) oldestKey() (int64, bool) {
	var (
		oldest int64
		found  bool
	)
	for k := range w.buckets {
		if !found || k < oldest {
			oldest, found = k, true
		}
	}
	return oldest, found
}

// Buffered returns the number of records waiting to be flushed.
func (w *Window) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buffered
}

// Latest returns the newest record timestamp seen so far.
func (w *Window) Latest() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest
}

// Flush emits, in order, every interval ending at or before now minus the
// allowed lateness, including empty ones. At most maxEmit intervals are emitted
// per call; the rest wait for the next flush. A run of empty intervals longer
// than maxEmit is shortened to its last maxEmit intervals. A non-nil
// *model.OverflowError reports records dropped since the previous flush; the
// stats are valid either way.
func (w *Window) Flush(now time.Time) ([]model.IntervalStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	horizon := BucketStart(now, w.interval).Add(-w.lateness)
	return w.emitUntil(horizon, now, false, w.maxEmit), w.takeOverflow()
}

// FlushAll emits every remaining interval, marking those that end after now
// as partial. It is used at shutdown.
func (w *Window) FlushAll(now time.Time) ([]model.IntervalStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	until := BucketStart(now, w.interval).Add(w.interval)
	if len(w.buckets) > 0 {
		keys := w.sortedKeys()
		if last := time.Unix(0, keys[len(keys)-1]).UTC().Add(w.interval); last.After(until) {
			until = last
		}
	}
	return w.emitUntil(until, now, true, math.MaxInt), w.takeOverflow()
}

func (w *Window) emitUntil(until, now time.Time, markPartial bool, limit int) []model.IntervalStats {
	from := w.emitted
	if from.IsZero() {
		oldest, ok := w.oldestKey()
		if !ok {
			// Nothing buffered yet: empty intervals are emitted from here on.
			w.emitted = until
			return nil
		}
		from = time.Unix(0, oldest).UTC()
	}

	keys := w.sortedKeys()
	next := 0
	var out []model.IntervalStats
	for start := from; len(out) < limit && !start.Add(w.interval).After(until); start = start.Add(w.interval) {
		for next < len(keys) && keys[next] < start.UnixNano() {
			next++
		}
		gapEnd := until
		if next < len(keys) {
			if k := time.Unix(0, keys[next]).UTC(); k.Before(gapEnd) {
				gapEnd = k
			}
		}
		if run := int64(gapEnd.Sub(start) / w.interval); run > int64(w.maxEmit) {
			skip := run - int64(w.maxEmit)
			start = start.Add(time.Duration(skip) * w.interval)
			w.skipped += uint64(skip)
		}

		end := start.Add(w.interval)
		key := start.UnixNano()
		records := w.buckets[key]
		delete(w.buckets, key)
		w.buffered -= len(records)

		stats := Aggregate(start, end, records)
		stats.Partial = markPartial && end.After(now)
		out = append(out, stats)
		w.emitted = end
	}
	return out
}

func (w *Window) sortedKeys() []int64 {
	keys := make([]int64, 0, len(w.buckets))
	for k := range w.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (w *Window) takeOverflow() error {
	if w.dropped == 0 {
		return nil
	}
	err := &model.OverflowError{Dropped: w.dropped, Capacity: w.capacity}
	w.dropped = 0
	return err
}
