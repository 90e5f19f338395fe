package alerter

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"NetSecMonitor/internal/metrics"
	"NetSecMonitor/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultShardCount = 32

// Options configures a Manager.
type Options struct {
	// DedupWindow is how far apart an open alert and a candidate may be and still coalesce.
	DedupWindow time.Duration
	NumShards   uint32
}

// Shard holds the alerts of a subset of dedup keys.
type Shard struct {
	Alerts map[string][]*model.Alert
	Mu     sync.Mutex
}

// Manager deduplicates alert candidates and owns the lifecycle of every alert.
// Every mutation is handed to the writer.
type Manager struct {
	opts       Options
	writer     model.AlertWriter
	metrics    *metrics.Metrics
	logger     *zap.Logger
	shards     []*Shard
	shardCount uint32
	// keys maps alert id to its dedup key.
	keys sync.Map

	now   func() time.Time
	newID func() string
}

// New creates an alert manager. writer and m may be nil.
func New(opts Options, writer model.AlertWriter, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if opts.NumShards == 0 || opts.NumShards >= 32768 {
		opts.NumShards = defaultShardCount
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mgr := &Manager{
		opts:       opts,
		writer:     writer,
		metrics:    m,
		logger:     logger,
		shards:     make([]*Shard, opts.NumShards),
		shardCount: opts.NumShards,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for i := range mgr.shards {
		mgr.shards[i] = &Shard{Alerts: make(map[string][]*model.Alert)}
	}
	return mgr
}

// dedupKey identifies candidates that may coalesce. Anomalies carry no
// addresses, so their metric takes part in the key.
func dedupKey(a *model.Alert) string {
	key := string(a.Type) + "|" + a.SrcIP + "|" + a.DstIP
	if metric, ok := a.Details[model.DetailMetric].(string); ok {
		key += "|" + metric
	}
	return key
}

func (m *Manager) getShard(key string) *Shard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return m.shards[hasher.Sum32()%m.shardCount]
}

// Submit records an alert candidate. It returns the stored alert and whether a
// new alert was created rather than an open one updated.
func (m *Manager) Submit(candidate model.Alert) (model.Alert, bool, error) {
	if candidate.Type == "" {
		return model.Alert{}, false, model.NewDataError("type", "missing")
	}
	if candidate.Severity <= model.SeverityNone || candidate.Severity > model.SeverityCritical {
		return model.Alert{}, false, model.NewDataError("severity", "%s cannot be stored", candidate.Severity)
	}
	if candidate.Timestamp.IsZero() {
		candidate.Timestamp = m.now()
	}

	key := dedupKey(&candidate)
	shard := m.getShard(key)
	shard.Mu.Lock()
	defer shard.Mu.Unlock()

	if existing := m.findOpen(shard.Alerts[key], candidate.Timestamp); existing != nil {
		coalesce(existing, &candidate)
		m.persist(existing)
		if m.metrics != nil {
			m.metrics.AlertsCoalesced.WithLabelValues(string(existing.Type)).Inc()
		}
		return existing.Clone(), false, nil
	}

	a := candidate.Clone()
	a.ID = m.newID()
	a.Status = model.StatusOpen
	a.ResolvedAt = nil
	a.ReopenedFrom = ""
	a.LastSeen = a.Timestamp
	if a.Details == nil {
		a.Details = make(map[string]any)
	}
	a.Details[model.DetailOccurrences] = 1

	shard.Alerts[key] = append(shard.Alerts[key], &a)
	m.keys.Store(a.ID, key)
	m.persist(&a)
	if m.metrics != nil {
		m.metrics.AlertsSubmitted.WithLabelValues(string(a.Type), a.Severity.String()).Inc()
	}
	m.logger.Info("alert created",
		zap.String("id", a.ID),
		zap.String("type", string(a.Type)),
		zap.Stringer("severity", a.Severity),
		zap.String("description", a.Description),
	)
	return a.Clone(), true, nil
}

// findOpen returns the newest open alert created within the dedup window of at.
func (m *Manager) findOpen(alerts []*model.Alert, at time.Time) *model.Alert {
	for i := len(alerts) - 1; i >= 0; i-- {
		a := alerts[i]
		if a.Status != model.StatusOpen {
			continue
		}
		gap := at.Sub(a.Timestamp)
		if gap < 0 {
			gap = -gap
		}
		if gap <= m.opts.DedupWindow {
			return a
		}
	}
	return nil
}

// coalesce folds a candidate into an existing alert. Severity only rises.
func coalesce(existing, candidate *model.Alert) {
	occurrences := existing.Occurrences() + 1
	if existing.Details == nil {
		existing.Details = make(map[string]any, len(candidate.Details)+1)
	}
	for k, v := range candidate.Details {
		existing.Details[k] = v
	}
	existing.Details[model.DetailOccurrences] = occurrences

	if candidate.Timestamp.After(existing.LastSeen) {
		existing.LastSeen = candidate.Timestamp
	}
	if candidate.Severity > existing.Severity {
		existing.Severity = candidate.Severity
		existing.Description = candidate.Description
	}
}

func (m *Manager) persist(a *model.Alert) {
	if m.writer != nil {
		m.writer.WriteAlert(a.Clone())
	}
}

// lookup returns the shard and the live alert with the given id. The caller
// must hold the shard lock while using the alert.
func (m *Manager) lookup(id string) (*Shard, string, error) {
	v, ok := m.keys.Load(id)
	if !ok {
		return nil, "", fmt.Errorf("alert %s: %w", id, model.ErrNotFound)
	}
	key := v.(string)
	return m.getShard(key), key, nil
}

func findByID(alerts []*model.Alert, id string) *model.Alert {
	for _, a := range alerts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Transition moves an alert to status next. Notes, when given, replace the
// alert's notes. Terminal statuses stamp the resolution time.
func (m *Manager) Transition(id string, next model.AlertStatus, notes string) (model.Alert, error) {
	if !next.Valid() {
		return model.Alert{}, fmt.Errorf("unknown status %q: %w", next, model.ErrInvalidTransition)
	}
	shard, key, err := m.lookup(id)
	if err != nil {
		return model.Alert{}, err
	}
	shard.Mu.Lock()
	defer shard.Mu.Unlock()

	a := findByID(shard.Alerts[key], id)
	if a == nil {
		return model.Alert{}, fmt.Errorf("alert %s: %w", id, model.ErrNotFound)
	}
	if !a.Status.CanTransition(next) {
		return model.Alert{}, fmt.Errorf("alert %s %s -> %s: %w", id, a.Status, next, model.ErrInvalidTransition)
	}

	a.Status = next
	if notes != "" {
		a.Notes = notes
	}
	if next.Terminal() {
		now := m.now()
		a.ResolvedAt = &now
	}
	m.persist(a)
	m.logger.Info("alert status changed", zap.String("id", id), zap.String("status", string(next)))
	return a.Clone(), nil
}

// Reopen creates a new open alert from a terminal one. The terminal alert is
// left untouched.
func (m *Manager) Reopen(id, notes string) (model.Alert, error) {
	shard, key, err := m.lookup(id)
	if err != nil {
		return model.Alert{}, err
	}
	shard.Mu.Lock()
	defer shard.Mu.Unlock()

	old := findByID(shard.Alerts[key], id)
	if old == nil {
		return model.Alert{}, fmt.Errorf("alert %s: %w", id, model.ErrNotFound)
	}
	if !old.Status.Terminal() {
		return model.Alert{}, fmt.Errorf("alert %s is %s, only resolved alerts reopen: %w", id, old.Status, model.ErrInvalidTransition)
	}

	a := old.Clone()
	a.ID = m.newID()
	a.Timestamp = m.now()
	a.LastSeen = a.Timestamp
	a.Status = model.StatusOpen
	a.ResolvedAt = nil
	a.Notes = notes
	a.ReopenedFrom = old.ID
	if a.Details == nil {
		a.Details = make(map[string]any)
	}
	a.Details[model.DetailOccurrences] = 1

	shard.Alerts[key] = append(shard.Alerts[key], &a)
	m.keys.Store(a.ID, key)
	m.persist(&a)
	if m.metrics != nil {
		m.metrics.AlertsSubmitted.WithLabelValues(string(a.Type), a.Severity.String()).Inc()
	}
	m.logger.Info("alert reopened", zap.String("id", a.ID), zap.String("reopened_from", old.ID))
	return a.Clone(), nil
}

// Get returns a copy of the alert with the given id.
func (m *Manager) Get(id string) (model.Alert, error) {
	shard, key, err := m.lookup(id)
	if err != nil {
		return model.Alert{}, err
	}
	shard.Mu.Lock()
	defer shard.Mu.Unlock()

	a := findByID(shard.Alerts[key], id)
	if a == nil {
		return model.Alert{}, fmt.Errorf("alert %s: %w", id, model.ErrNotFound)
	}
	return a.Clone(), nil
}

// List returns copies of the alerts with the given status, newest first. An
// empty status lists every alert.
func (m *Manager) List(status model.AlertStatus) []model.Alert {
	var out []model.Alert
	for _, shard := range m.shards {
		shard.Mu.Lock()
		for _, alerts := range shard.Alerts {
			for _, a := range alerts {
				if status == "" || a.Status == status {
					out = append(out, a.Clone())
				}
			}
		}
		shard.Mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Prune forgets terminal alerts resolved before the cutoff. They stay in
// storage. It returns how many were dropped.
func (m *Manager) Prune(before time.Time) int {
	removed := 0
	for _, shard := range m.shards {
		shard.Mu.Lock()
		for key, alerts := range shard.Alerts {
			kept := alerts[:0]
			for _, a := range alerts {
				if a.Status.Terminal() && a.ResolvedAt != nil && a.ResolvedAt.Before(before) {
					m.keys.Delete(a.ID)
					removed++
					continue
				}
				kept = append(kept, a)
			}
			if len(kept) == 0 {
				delete(shard.Alerts, key)
			} else {
				shard.Alerts[key] = kept
			}
		}
		shard.Mu.Unlock()
	}
	return removed
}
