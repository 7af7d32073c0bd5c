package supervisor

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// GoroutineStats aggregates the runs of goroutines sharing a name.
type GoroutineStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Panics      uint64        `json:"panics"`
	Restarts    uint64        `json:"restarts"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastErr     string        `json:"last_err,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
}

type Snapshot struct {
	Active     int64            `json:"active"`
	Started    uint64           `json:"started"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

type stats struct {
	active  atomic.Int64
	started atomic.Uint64

	mu     sync.Mutex
	byName map[string]*GoroutineStats
}

type run struct {
	st    *GoroutineStats
	begin time.Time
}

func (t *stats) begin(name string, restart bool) run {
	t.active.Add(1)
	t.started.Add(1)
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byName == nil {
		t.byName = map[string]*GoroutineStats{}
	}
	st := t.byName[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		t.byName[name] = st
	}
	st.Active++
	st.Started++
	st.LastStartAt = now
	if restart {
		st.Restarts++
	}
	return run{st: st, begin: now}
}

func (t *stats) end(r run, err error, panicked bool) {
	t.active.Add(-1)
	t.mu.Lock()
	defer t.mu.Unlock()
	r.st.Active = max(r.st.Active-1, 0)
	r.st.LastRuntime = time.Since(r.begin)
	if err != nil {
		r.st.LastErr = err.Error()
	}
	if panicked {
		r.st.Panics++
	}
}

// Snapshot is for /status output, not for synchronization. Busy
// goroutines sort first.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Active: s.stats.active.Load(), Started: s.stats.started.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.stats.mu.Lock()
	for _, st := range s.stats.byName {
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.stats.mu.Unlock()
	slices.SortFunc(snap.Goroutines, func(a, b GoroutineStats) int {
		if c := cmp.Compare(b.Active, a.Active); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return snap
}
