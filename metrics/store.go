package metrics

import (
	"sync"
	"time"

	"github.com/samber/lo"
)

// DefaultRecentCapacity is how many generations Snapshot lists.
const DefaultRecentCapacity = 50

type kindTotals struct {
	count, succeeded, images int64
	duration                 time.Duration
}

func (k kindTotals) stats() KindStats {
	s := KindStats{
		Count:     k.count,
		Succeeded: k.succeeded,
		Failed:    k.count - k.succeeded,
		Images:    k.images,
	}
	if k.count > 0 {
		s.SuccessRate = float64(k.succeeded) / float64(k.count) * 100
		s.AvgDurationMS = (k.duration / time.Duration(k.count)).Milliseconds()
	}
	return s
}

func (k *kindTotals) add(g Generation) {
	k.count++
	k.duration += g.Duration
	if g.Succeeded() {
		k.succeeded++
		k.images += int64(g.Images)
	}
}

// Store aggregates generations and holds the latest GPU sample. It is safe
// for concurrent use.
type Store struct {
	mu sync.RWMutex

	version string
	start   time.Time
	now     func() time.Time

	recent []Generation // ring buffer
	head   int
	size   int

	totals kindTotals
	byKind map[string]*kindTotals

	gpu       []GPUMetrics
	gpuAt     time.Time
	observers []func(Generation)
}

// NewStore returns a Store keeping the last capacity generations.
func NewStore(version string, capacity int) *Store {
	if capacity < 1 {
		capacity = DefaultRecentCapacity
	}
	return &Store{
		version: version,
		start:   time.Now(),
		now:     time.Now,
		recent:  make([]Generation, capacity),
		byKind:  make(map[string]*kindTotals),
	}
}

// Observe registers fn to be called after every Record, outside the lock.
func (s *Store) Observe(fn func(Generation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Record adds one finished generation.
func (s *Store) Record(g Generation) {
	if g.At.IsZero() {
		g.At = s.now()
	}
	g.DurationMS = g.Duration.Milliseconds()

	s.mu.Lock()
	s.recent[s.head] = g
	s.head = (s.head + 1) % len(s.recent)
	if s.size < len(s.recent) {
		s.size++
	}
	s.totals.add(g)
	k, ok := s.byKind[g.Kind]
	if !ok {
		k = &kindTotals{}
		s.byKind[g.Kind] = k
	}
	k.add(g)
	observers := s.observers
	s.mu.Unlock()

	for _, fn := range observers {
		fn(g)
	}
}

// Recent returns up to limit generations, newest first.
func (s *Store) Recent(limit int) []Generation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recentLocked(limit)
}

func (s *Store) recentLocked(limit int) []Generation {
	limit = min(limit, s.size)
	if limit <= 0 {
		return []Generation{}
	}
	out := make([]Generation, limit)
	for i := range out {
		idx := (s.head - 1 - i + len(s.recent)) % len(s.recent)
		out[i] = s.recent[idx]
	}
	return out
}

// UpdateGPU replaces the GPU sample. It is the GPUCollector callback.
func (s *Store) UpdateGPU(gpus []GPUMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gpu = gpus
	s.gpuAt = s.now()
}

// Snapshot returns the current aggregates.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Version:       s.version,
		UptimeSeconds: s.now().Sub(s.start).Seconds(),
		Totals:        s.totals.stats(),
		ByKind:        lo.MapValues(s.byKind, func(k *kindTotals, _ string) KindStats { return k.stats() }),
		Recent:        s.recentLocked(len(s.recent)),
		GPU:           append([]GPUMetrics{}, s.gpu...),
	}
	if !s.gpuAt.IsZero() {
		at := s.gpuAt
		snap.GPUSampledAt = &at
	}
	return snap
}
