// Package clock абстрагирует время для циклов swarm, distributor и reaper.
//
// Real — обёртка над time, Fake — ручное время для детерминированных тестов.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock — источник времени.
type Clock interface {
	// Now возвращает текущее время.
	Now() time.Time

	// After возвращает канал, в который придёт время по истечении d.
	After(d time.Duration) <-chan time.Time
}

// Real — системные часы.
type Real struct{}

// New возвращает системные часы.
func New() Clock { return Real{} }

// Now возвращает time.Now() в UTC.
func (Real) Now() time.Time { return time.Now().UTC() }

// After делегирует в time.After.
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake — часы, которые двигаются только через Advance/Set.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewFake создаёт Fake часы на момент now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// Now возвращает текущее фиктивное время.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After регистрирует ожидание до now+d.
// При d <= 0 канал срабатывает сразу.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, waiter{at: f.now.Add(d), ch: ch})
	return ch
}

// Advance сдвигает время на d и будит истёкшие ожидания.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.fire()
	f.mu.Unlock()
}

// Set устанавливает время (назад двигать нельзя).
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	if t.After(f.now) {
		f.now = t
	}
	f.fire()
	f.mu.Unlock()
}

// Waiters возвращает количество ожидающих After.
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// fire вызывается под mu.
func (f *Fake) fire() {
	sort.Slice(f.waiters, func(i, j int) bool { return f.waiters[i].at.Before(f.waiters[j].at) })

	pending := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.at.After(f.now) {
			w.ch <- f.now
			continue
		}
		pending = append(pending, w)
	}
	f.waiters = pending
}
