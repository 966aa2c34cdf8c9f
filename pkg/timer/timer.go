// Package timer provides a keyed group of cancellable timers. Every timer a
// component arms lives in the component's Group and is released by the
// same Close that tears the component down.
package timer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type entry struct {
	t *clock.Timer
}

type Group struct {
	clock  clock.Clock
	mu     sync.Mutex
	timers map[string]*entry
	closed bool
}

func NewGroup(c clock.Clock) *Group {
	if c == nil {
		c = clock.New()
	}
	return &Group{clock: c, timers: make(map[string]*entry)}
}

// Clock returns the clock timers in this group are armed against.
func (g *Group) Clock() clock.Clock { return g.clock }

// Reset arms fn to run once after d under key, replacing any timer already
// armed under that key. A replaced or cancelled timer never runs fn.
func (g *Group) Reset(key string, d time.Duration, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if old, ok := g.timers[key]; ok {
		old.t.Stop()
	}
	e := &entry{}
	e.t = g.clock.AfterFunc(d, func() {
		if !g.claim(key, e) {
			return
		}
		fn()
	})
	g.timers[key] = e
}

// Every runs fn each d under key until fn returns false or the key is
// cancelled.
func (g *Group) Every(key string, d time.Duration, fn func() bool) {
	var tick func()
	tick = func() {
		if fn() {
			g.Reset(key, d, tick)
		}
	}
	g.Reset(key, d, tick)
}

// claim removes e from the group if it is still the live timer for key.
func (g *Group) claim(key string, e *entry) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.timers[key] != e {
		return false
	}
	delete(g.timers, key)
	return true
}

// Cancel stops the timer under key. It reports whether one was armed.
func (g *Group) Cancel(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.timers[key]
	if !ok {
		return false
	}
	e.t.Stop()
	delete(g.timers, key)
	return true
}

func (g *Group) Active(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.timers[key]
	return ok
}

// Len returns the number of armed timers.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}

// Close cancels every armed timer. Later Reset calls are ignored.
func (g *Group) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, e := range g.timers {
		e.t.Stop()
		delete(g.timers, key)
	}
	g.closed = true
}
