// Package keylock serializes work per key (a worker id) inside the process.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per key and forgets keys nobody holds.
type Map struct {
	mu sync.Mutex
	m  map[int64]*entry
}

func New() *Map {
	return &Map{m: map[int64]*entry{}}
}

// Lock blocks until key is free and returns its unlock func.
func (l *Map) Lock(key int64) (unlock func()) {
	l.mu.Lock()
	e := l.m[key]
	if e == nil {
		e = &entry{}
		l.m[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.m, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len is the number of keys currently held or awaited.
func (l *Map) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
