// Package expiry removes self-destructing messages when their lifetime
// elapses. Each message gets its own timer; the countdown shown next to a
// visible message ticks only while it is visible.
package expiry

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mahaj/tenant-realtime/pkg/timer"
)

// Cadence is the countdown refresh interval.
const Cadence = time.Second

// RemoveFunc is invoked once per message when it expires.
type RemoveFunc func(conversationID, messageID string)

// TickFunc receives the remaining lifetime of a visible message.
type TickFunc func(messageID string, remaining time.Duration)

type tracked struct {
	conversationID string
	at             time.Time
}

type Expirer struct {
	clock  clock.Clock
	timers *timer.Group
	remove RemoveFunc

	mu      sync.Mutex
	tracked map[string]tracked
}

func New(c clock.Clock, remove RemoveFunc) *Expirer {
	if c == nil {
		c = clock.New()
	}
	return &Expirer{
		clock:   c,
		timers:  timer.NewGroup(c),
		remove:  remove,
		tracked: make(map[string]tracked),
	}
}

// Track schedules removal of messageID at autoDeleteAt. A message already
// past its deadline is removed before Track returns.
func (e *Expirer) Track(conversationID, messageID string, autoDeleteAt time.Time) {
	remaining := autoDeleteAt.Sub(e.clock.Now())
	if remaining <= 0 {
		e.Cancel(messageID)
		e.remove(conversationID, messageID)
		return
	}

	e.mu.Lock()
	if cur, ok := e.tracked[messageID]; ok && cur.at.Equal(autoDeleteAt) {
		e.mu.Unlock()
		return
	}
	e.tracked[messageID] = tracked{conversationID: conversationID, at: autoDeleteAt}
	e.mu.Unlock()

	e.timers.Reset(expireKey(messageID), remaining, func() { e.fire(messageID) })
}

func (e *Expirer) fire(messageID string) {
	e.mu.Lock()
	t, ok := e.tracked[messageID]
	delete(e.tracked, messageID)
	e.mu.Unlock()
	e.timers.Cancel(tickKey(messageID))
	if ok {
		e.remove(t.conversationID, messageID)
	}
}

// Show starts the countdown for a visible message, ticking immediately and
// then every Cadence until the message expires or is hidden.
func (e *Expirer) Show(messageID string, tick TickFunc) bool {
	remaining, ok := e.Remaining(messageID)
	if !ok {
		return false
	}
	tick(messageID, remaining)
	e.timers.Every(tickKey(messageID), Cadence, func() bool {
		remaining, ok := e.Remaining(messageID)
		if !ok || remaining <= 0 {
			return false
		}
		tick(messageID, remaining)
		return true
	})
	return true
}

// Hide stops the countdown; the expiry itself stays armed.
func (e *Expirer) Hide(messageID string) {
	e.timers.Cancel(tickKey(messageID))
}

// Cancel forgets messageID, as when it is removed by other means.
func (e *Expirer) Cancel(messageID string) {
	e.timers.Cancel(expireKey(messageID))
	e.timers.Cancel(tickKey(messageID))
	e.mu.Lock()
	delete(e.tracked, messageID)
	e.mu.Unlock()
}

// CancelConversation forgets every message of conversationID and returns
// how many were tracked.
func (e *Expirer) CancelConversation(conversationID string) int {
	e.mu.Lock()
	var ids []string
	for id, t := range e.tracked {
		if t.conversationID == conversationID {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.Cancel(id)
	}
	return len(ids)
}

func (e *Expirer) Remaining(messageID string) (time.Duration, bool) {
	e.mu.Lock()
	t, ok := e.tracked[messageID]
	e.mu.Unlock()
	if !ok {
		return 0, false
	}
	return t.at.Sub(e.clock.Now()), true
}

// Tracked returns the number of messages awaiting expiry.
func (e *Expirer) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracked)
}

// Pending returns the number of armed timers, expiries and countdowns.
func (e *Expirer) Pending() int { return e.timers.Len() }

// Close cancels every expiry and countdown.
func (e *Expirer) Close() {
	e.timers.Close()
	e.mu.Lock()
	e.tracked = make(map[string]tracked)
	e.mu.Unlock()
}

// FormatRemaining renders a countdown as "42s" or "1m 05s", rounding up so
// a message never shows 0s while still visible.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	return fmt.Sprintf("%dm %02ds", secs/60, secs%60)
}

func expireKey(messageID string) string { return "expire|" + messageID }
func tickKey(messageID string) string   { return "tick|" + messageID }
