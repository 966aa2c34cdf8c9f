// Package typing tracks who is composing a message in each conversation.
//
// Remote signals live for TTL after the last one seen from a user unless an
// explicit stop arrives first. Local keystrokes are debounced: the first one
// publishes a start, each one re-arms an IdleTimeout timer whose expiry
// publishes the stop.
package typing

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mahaj/tenant-realtime/pkg/model"
	"github.com/mahaj/tenant-realtime/pkg/normalize"
	"github.com/mahaj/tenant-realtime/pkg/timer"
)

const (
	TTL         = 5 * time.Second
	IdleTimeout = 2 * time.Second
	// Heartbeat is how often a continuing local typist re-publishes its
	// start, keeping remote TTLs from lapsing mid-sentence.
	Heartbeat = 2 * time.Second
)

// PublishFunc sends the local typing state. It must not block.
type PublishFunc func(conversationID string, typing bool)

type Tracker struct {
	self    string
	clock   clock.Clock
	timers  *timer.Group
	publish PublishFunc

	mu       sync.Mutex
	remote   map[string]map[string]model.TypingSignal // conversation -> user -> signal
	local    map[string]time.Time                     // conversation -> last start published
	onChange func(conversationID string)
}

func New(self string, c clock.Clock, publish PublishFunc) *Tracker {
	if c == nil {
		c = clock.New()
	}
	if publish == nil {
		publish = func(string, bool) {}
	}
	return &Tracker{
		self:    self,
		clock:   c,
		timers:  timer.NewGroup(c),
		publish: publish,
		remote:  make(map[string]map[string]model.TypingSignal),
		local:   make(map[string]time.Time),
	}
}

// OnChange registers fn to be called whenever a conversation's typist set
// changes.
func (t *Tracker) OnChange(fn func(conversationID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Apply handles the typing arms of the event union and reports whether ev
// was one of them.
func (t *Tracker) Apply(ev normalize.Event) bool {
	switch e := ev.(type) {
	case normalize.TypingStarted:
		t.Started(e.Signal)
		return true
	case normalize.TypingStopped:
		t.Stopped(e.ConversationID, e.UserID)
		return true
	}
	return false
}

// Started records a remote signal and restarts its TTL. The TTL is counted
// from local receipt, not from the sender's clock.
func (t *Tracker) Started(sig model.TypingSignal) {
	if sig.ConversationID == "" || sig.UserID == "" || sig.UserID == t.self {
		return
	}
	sig.LastSeenAt = t.clock.Now()

	t.mu.Lock()
	users, ok := t.remote[sig.ConversationID]
	if !ok {
		users = make(map[string]model.TypingSignal)
		t.remote[sig.ConversationID] = users
	}
	_, was := users[sig.UserID]
	users[sig.UserID] = sig
	notify := t.onChange
	t.mu.Unlock()

	conv, user := sig.ConversationID, sig.UserID
	t.timers.Reset(remoteKey(conv, user), TTL, func() { t.expire(conv, user) })
	if !was && notify != nil {
		notify(conv)
	}
}

// Stopped drops a remote typist ahead of its TTL.
func (t *Tracker) Stopped(conversationID, userID string) {
	t.timers.Cancel(remoteKey(conversationID, userID))
	t.expire(conversationID, userID)
}

func (t *Tracker) expire(conversationID, userID string) {
	t.mu.Lock()
	users := t.remote[conversationID]
	_, ok := users[userID]
	delete(users, userID)
	if len(users) == 0 {
		delete(t.remote, conversationID)
	}
	notify := t.onChange
	t.mu.Unlock()
	if ok && notify != nil {
		notify(conversationID)
	}
}

// Keystroke registers local typing in conversationID.
func (t *Tracker) Keystroke(conversationID string) {
	now := t.clock.Now()
	t.mu.Lock()
	last, typing := t.local[conversationID]
	start := !typing || now.Sub(last) >= Heartbeat
	if start {
		t.local[conversationID] = now
	}
	t.mu.Unlock()

	if start {
		t.publish(conversationID, true)
	}
	t.timers.Reset(localKey(conversationID), IdleTimeout, func() { t.stopLocal(conversationID) })
}

// StopLocal ends local typing immediately, as on send.
func (t *Tracker) StopLocal(conversationID string) {
	t.timers.Cancel(localKey(conversationID))
	t.stopLocal(conversationID)
}

func (t *Tracker) stopLocal(conversationID string) {
	t.mu.Lock()
	_, typing := t.local[conversationID]
	delete(t.local, conversationID)
	t.mu.Unlock()
	if typing {
		t.publish(conversationID, false)
	}
}

// LocalTyping reports whether the local user is currently typing.
func (t *Tracker) LocalTyping(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.local[conversationID]
	return ok
}

// Typists returns the valid remote signals, sorted by display name.
func (t *Tracker) Typists(conversationID string) []model.TypingSignal {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.TypingSignal
	for _, sig := range t.remote[conversationID] {
		if now.Sub(sig.LastSeenAt) < TTL {
			out = append(out, sig)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if displayName(out[i]) != displayName(out[j]) {
			return displayName(out[i]) < displayName(out[j])
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Label renders the typing line: "" when nobody is typing, "<name> is
// typing" for one typist and "<n> people are typing" for more.
func (t *Tracker) Label(conversationID string) string {
	typists := t.Typists(conversationID)
	switch len(typists) {
	case 0:
		return ""
	case 1:
		return displayName(typists[0]) + " is typing"
	}
	return fmt.Sprintf("%d people are typing", len(typists))
}

// Forget drops every remote signal and the local state for a conversation,
// publishing a stop if the local user was typing.
func (t *Tracker) Forget(conversationID string) {
	t.mu.Lock()
	users := t.remote[conversationID]
	delete(t.remote, conversationID)
	t.mu.Unlock()
	for user := range users {
		t.timers.Cancel(remoteKey(conversationID, user))
	}
	t.StopLocal(conversationID)
}

// Pending returns the number of armed TTL and idle timers.
func (t *Tracker) Pending() int { return t.timers.Len() }

// Close cancels every timer.
func (t *Tracker) Close() { t.timers.Close() }

func displayName(sig model.TypingSignal) string {
	if sig.UserName != "" {
		return sig.UserName
	}
	return sig.UserID
}

func remoteKey(conversationID, userID string) string {
	return "remote|" + conversationID + "|" + userID
}

func localKey(conversationID string) string {
	return "local|" + conversationID
}
