package baseline

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"NetSecMonitor/internal/model"
)

const defaultShardCount = 64

// Verdict tells Apply what to do with an observation.
type Verdict int

const (
	// Accept incorporates the observation into the running estimate.
	Accept Verdict = iota
	// Defer parks the observation until it is confirmed or discarded.
	Defer
)

// Judge inspects a profile before an observation is applied. found is false
// when the key holds no observations yet.
type Judge func(prev model.BaselineProfile, found bool) Verdict

type observation struct {
	value float64
	at    time.Time
}

type entry struct {
	mu       sync.Mutex
	profile  model.BaselineProfile
	deferred []observation
}

// Shard is one partition of the store, holding its own map and mutex.
type Shard struct {
	Entries map[string]*entry
	Mu      sync.RWMutex
}

// Options configures a Store.
type Options struct {
	// Sensitivity is the k of mean ± k·stddev.
	Sensitivity float64
	// MaxDeferred bounds the deferred observations kept per key; the oldest is dropped.
	MaxDeferred int
	// Warmup seeds the count of loaded profiles that carry no Welford state.
	Warmup    int
	NumShards uint32
}

// Store keeps the running mean and deviation of every (profile, metric) pair.
// Operations on one key are serialized; different keys proceed in parallel.
type Store struct {
	opts       Options
	shards     []*Shard
	shardCount uint32
}

// ProfileView is a profile together with the number of deferred observations.
type ProfileView struct {
	model.BaselineProfile
	Deferred int
}

// New creates an empty store.
func New(opts Options) *Store {
	if opts.NumShards == 0 || opts.NumShards >= 32768 {
		opts.NumShards = defaultShardCount
	}
	s := &Store{
		opts:       opts,
		shards:     make([]*Shard, opts.NumShards),
		shardCount: opts.NumShards,
	}
	for i := range s.shards {
		s.shards[i] = &Shard{Entries: make(map[string]*entry)}
	}
	return s
}

func storeKey(profile, metric string) string {
	return profile + "\x00" + metric
}

func (s *Store) getShard(key string) *Shard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return s.shards[hasher.Sum32()%s.shardCount]
}

func (s *Store) lookup(profile, metric string) *entry {
	key := storeKey(profile, metric)
	shard := s.getShard(key)
	shard.Mu.RLock()
	defer shard.Mu.RUnlock()
	return shard.Entries[key]
}

func (s *Store) getOrCreate(profile, metric string) *entry {
	key := storeKey(profile, metric)
	shard := s.getShard(key)

	shard.Mu.RLock()
	e, ok := shard.Entries[key]
	shard.Mu.RUnlock()
	if ok {
		return e
	}

	shard.Mu.Lock()
	defer shard.Mu.Unlock()
	if e, ok = shard.Entries[key]; !ok {
		e = &entry{profile: model.BaselineProfile{ProfileName: profile, MetricName: metric}}
		shard.Entries[key] = e
	}
	return e
}

// Update incorporates one observation and returns the updated profile.
func (s *Store) Update(profile, metric string, value float64, at time.Time) model.BaselineProfile {
	p, _ := s.Apply(profile, metric, value, at, nil)
	return p
}

// Apply reads the current profile, asks judge for a verdict and applies it, all
// under the key's lock. A nil judge accepts. It returns the resulting profile.
func (s *Store) Apply(profile, metric string, value float64, at time.Time, judge Judge) (model.BaselineProfile, Verdict) {
	e := s.getOrCreate(profile, metric)
	e.mu.Lock()
	defer e.mu.Unlock()

	verdict := Accept
	if judge != nil {
		verdict = judge(e.profile, e.profile.Count > 0)
	}
	if verdict == Defer {
		e.deferred = append(e.deferred, observation{value: value, at: at})
		if s.opts.MaxDeferred > 0 && len(e.deferred) > s.opts.MaxDeferred {
			e.deferred = e.deferred[len(e.deferred)-s.opts.MaxDeferred:]
		}
		return e.profile, verdict
	}
	s.incorporate(&e.profile, value, at)
	return e.profile, verdict
}

// incorporate applies Welford's online update and refreshes the thresholds.
func (s *Store) incorporate(p *model.BaselineProfile, value float64, at time.Time) {
	p.Count++
	delta := value - p.Mean
	p.Mean += delta / float64(p.Count)
	p.M2 += delta * (value - p.Mean)
	if at.After(p.LastUpdated) {
		p.LastUpdated = at
	}
	s.refresh(p)
}

func (s *Store) refresh(p *model.BaselineProfile) {
	if p.Count >= 2 {
		p.StdDev = math.Sqrt(p.M2 / float64(p.Count-1))
	} else {
		p.StdDev = 0
	}
	k := s.opts.Sensitivity
	p.ThresholdHigh = p.Mean + k*p.StdDev
	p.ThresholdLow = math.Max(0, p.Mean-k*p.StdDev)
}

// Get returns the profile of a key, or model.ErrNotFound when it holds no
// observations.
func (s *Store) Get(profile, metric string) (model.BaselineProfile, error) {
	e := s.lookup(profile, metric)
	if e == nil {
		return model.BaselineProfile{}, fmt.Errorf("baseline %s/%s: %w", profile, metric, model.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.profile.Count == 0 {
		return model.BaselineProfile{}, fmt.Errorf("baseline %s/%s: %w", profile, metric, model.ErrNotFound)
	}
	return e.profile, nil
}

// Confirm incorporates every deferred observation of a key, oldest first, and
// returns the updated profile with the number applied.
func (s *Store) Confirm(profile, metric string) (model.BaselineProfile, int, error) {
	e := s.lookup(profile, metric)
	if e == nil {
		return model.BaselineProfile{}, 0, fmt.Errorf("baseline %s/%s: %w", profile, metric, model.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.deferred)
	for _, obs := range e.deferred {
		s.incorporate(&e.profile, obs.value, obs.at)
	}
	e.deferred = nil
	return e.profile, n, nil
}

// Discard drops the deferred observations of a key and returns how many there were.
func (s *Store) Discard(profile, metric string) (int, error) {
	e := s.lookup(profile, metric)
	if e == nil {
		return 0, fmt.Errorf("baseline %s/%s: %w", profile, metric, model.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.deferred)
	e.deferred = nil
	return n, nil
}

// Reset zeroes a key, dropping its deferred observations. The returned profile
// is the zeroed state, suitable for persisting.
func (s *Store) Reset(profile, metric string, at time.Time) (model.BaselineProfile, error) {
	e := s.lookup(profile, metric)
	if e == nil {
		return model.BaselineProfile{}, fmt.Errorf("baseline %s/%s: %w", profile, metric, model.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.profile = model.BaselineProfile{ProfileName: profile, MetricName: metric, LastUpdated: at}
	e.deferred = nil
	return e.profile, nil
}

// Snapshot returns every profile holding observations or deferred values,
// ordered by profile and metric.
func (s *Store) Snapshot() []ProfileView {
	var views []ProfileView
	for _, shard := range s.shards {
		shard.Mu.RLock()
		entries := make([]*entry, 0, len(shard.Entries))
		for _, e := range shard.Entries {
			entries = append(entries, e)
		}
		shard.Mu.RUnlock()

		for _, e := range entries {
			e.mu.Lock()
			if e.profile.Count > 0 || len(e.deferred) > 0 {
				views = append(views, ProfileView{BaselineProfile: e.profile, Deferred: len(e.deferred)})
			}
			e.mu.Unlock()
		}
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].ProfileName != views[j].ProfileName {
			return views[i].ProfileName < views[j].ProfileName
		}
		return views[i].MetricName < views[j].MetricName
	})
	return views
}

// Load replaces the state of the given keys with stored profiles. Profiles
// saved without Welford state are resumed as if seeded by the warm-up period.
func (s *Store) Load(profiles []model.BaselineProfile) int {
	loaded := 0
	for _, p := range profiles {
		if p.ProfileName == "" || p.MetricName == "" {
			continue
		}
		if p.Count == 0 {
			if p.Mean == 0 && p.StdDev == 0 {
				continue
			}
			n := uint64(s.opts.Warmup)
			if n < 2 {
				n = 2
			}
			p.Count = n
			p.M2 = p.StdDev * p.StdDev * float64(n-1)
		}

		e := s.getOrCreate(p.ProfileName, p.MetricName)
		e.mu.Lock()
		e.profile = p
		e.deferred = nil
		s.refresh(&e.profile)
		e.mu.Unlock()
		loaded++
	}
	return loaded
}
