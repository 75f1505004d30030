package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/graceos/grace/core/pkg/contracts"
)

// series is the ring and rollup state for one (domain, kpi) pair.
// events holds the samples still inside the widest window, oldest
// first; starts[i] indexes the first event inside window i, with
// starts[2] pinned to zero.
type series struct {
	mu   sync.Mutex
	spec contracts.KPISpec
	cap  int

	events []contracts.MetricEvent
	starts [3]int
	aggs   [3]windowAgg
	lastTS time.Time
}

// windowAgg keeps the running aggregate for one window. min/max turn
// dirty when a boundary value is evicted and are recomputed on read.
type windowAgg struct {
	sum   float64
	count int64
	min   float64
	max   float64
	dirty bool
}

func newSeries(spec contracts.KPISpec, ringCap int) *series {
	return &series{spec: spec, cap: ringCap}
}

func (a *windowAgg) add(v float64) {
	if a.count == 0 {
		a.min, a.max = v, v
	} else {
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
	}
	a.sum += v
	a.count++
}

func (a *windowAgg) evict(v float64) {
	a.sum -= v
	a.count--
	if a.count <= 0 {
		*a = windowAgg{}
		return
	}
	if v == a.min || v == a.max {
		a.dirty = true
	}
}

// insert folds one event into every window. Caller holds s.mu.
func (s *series) insert(ev contracts.MetricEvent) {
	s.slide(ev.TS)
	if len(s.events) >= s.cap {
		s.evictOldest()
	}
	s.events = append(s.events, ev)
	for i := range s.aggs {
		s.aggs[i].add(ev.Value)
	}
	if ev.TS.After(s.lastTS) {
		s.lastTS = ev.TS
	}
}

// slide drops events that fell out of each window as of now. Events
// older than the widest window leave the buffer entirely. Caller holds
// s.mu.
func (s *series) slide(now time.Time) {
	oldest := now.Add(-windowPeriods[2].dur)
	cut := 0
	for cut < len(s.events) && s.events[cut].TS.Before(oldest) {
		s.dropFront(cut)
		cut++
	}
	if cut > 0 {
		s.events = append(s.events[:0], s.events[cut:]...)
		for j := 0; j < 2; j++ {
			if s.starts[j] >= cut {
				s.starts[j] -= cut
			} else {
				s.starts[j] = 0
			}
		}
	}
	for j := 0; j < 2; j++ {
		limit := now.Add(-windowPeriods[j].dur)
		for s.starts[j] < len(s.events) && s.events[s.starts[j]].TS.Before(limit) {
			s.aggs[j].evict(s.events[s.starts[j]].Value)
			s.starts[j]++
		}
	}
}

// dropFront evicts events[i] from every window that still contains it.
func (s *series) dropFront(i int) {
	v := s.events[i].Value
	s.aggs[2].evict(v)
	for j := 0; j < 2; j++ {
		if s.starts[j] == i {
			s.aggs[j].evict(v)
			s.starts[j]++
		}
	}
}

// evictOldest forces the oldest event out when the ring is full.
func (s *series) evictOldest() {
	if len(s.events) == 0 {
		return
	}
	v := s.events[0].Value
	s.aggs[2].evict(v)
	for j := 0; j < 2; j++ {
		if s.starts[j] == 0 {
			s.aggs[j].evict(v)
		} else {
			s.starts[j]--
		}
	}
	s.events = append(s.events[:0], s.events[1:]...)
}

// window renders one aggregate as of now. Caller holds s.mu and has
// already slid the series.
func (s *series) window(i int, now time.Time) contracts.RollupWindow {
	a := &s.aggs[i]
	w := contracts.RollupWindow{
		Period:      windowPeriods[i].name,
		Count:       a.count,
		Sum:         a.sum,
		PeriodStart: now.Add(-windowPeriods[i].dur),
		PeriodEnd:   now,
	}
	if a.count == 0 {
		return w
	}
	if a.dirty {
		s.recompute(i)
	}
	avg := a.sum / float64(a.count)
	w.Avg = &avg
	w.Min = a.min
	w.Max = a.max
	return w
}

func (s *series) recompute(i int) {
	a := &s.aggs[i]
	a.min, a.max = math.Inf(1), math.Inf(-1)
	for _, ev := range s.events[s.starts[i]:] {
		if ev.Value < a.min {
			a.min = ev.Value
		}
		if ev.Value > a.max {
			a.max = ev.Value
		}
	}
	a.dirty = false
}
