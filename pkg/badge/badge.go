// Package badge aggregates the unread indicators behind the global bell:
// unread chat messages across every conversation and the separate feed of
// non-chat notifications (document shares, task updates).
package badge

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/model"
	"github.com/mahaj/tenant-realtime/pkg/normalize"
)

// ChatCounter supplies the cross-conversation unread message count.
type ChatCounter interface {
	UnreadTotal() int
}

// Marker persists read markers. An empty ids slice means "all".
type Marker interface {
	MarkNotificationsRead(ctx context.Context, ids []string) error
}

type Aggregator struct {
	chat   ChatCounter
	marker Marker

	mu     sync.Mutex
	unread map[string]model.Notification
}

func New(chat ChatCounter, marker Marker) *Aggregator {
	return &Aggregator{chat: chat, marker: marker, unread: make(map[string]model.Notification)}
}

// Load replaces the unread set with the notifications fetched at startup.
func (a *Aggregator) Load(ns []model.Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unread = make(map[string]model.Notification, len(ns))
	for _, n := range ns {
		if n.ID != "" && !n.Read {
			a.unread[n.ID] = n
		}
	}
}

func (a *Aggregator) Add(n model.Notification) {
	if n.ID == "" || n.Read {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unread[n.ID] = n
}

// Apply handles the notification arms of the event union and reports
// whether ev was one of them.
func (a *Aggregator) Apply(ev normalize.Event) bool {
	switch e := ev.(type) {
	case normalize.NotificationAdded:
		a.Add(e.Notification)
		return true
	case normalize.NotificationRead:
		a.forget(e.ID)
		return true
	}
	return false
}

func (a *Aggregator) forget(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.unread[id]
	delete(a.unread, id)
	return ok
}

// MarkRead removes id from the unread set and persists the marker. Marking
// an id that is not unread is a no-op and touches nothing.
func (a *Aggregator) MarkRead(ctx context.Context, id string) error {
	if !a.forget(id) {
		return nil
	}
	if a.marker == nil {
		return nil
	}
	if err := a.marker.MarkNotificationsRead(ctx, []string{id}); err != nil {
		jww.WARN.Printf("[badge] mark %s read: %+v", id, err)
		return errors.WithMessagef(err, "failed to persist read marker for %s", id)
	}
	return nil
}

// MarkAllRead clears the unread set in one step, then persists. Read
// markers are best effort: a failed persist is reported but not rolled back.
func (a *Aggregator) MarkAllRead(ctx context.Context) error {
	a.mu.Lock()
	n := len(a.unread)
	a.unread = make(map[string]model.Notification)
	a.mu.Unlock()

	if n == 0 || a.marker == nil {
		return nil
	}
	if err := a.marker.MarkNotificationsRead(ctx, nil); err != nil {
		jww.WARN.Printf("[badge] mark all read: %+v", err)
		return errors.WithMessage(err, "failed to persist read markers")
	}
	return nil
}

// Unread returns the unread notifications, newest first.
func (a *Aggregator) Unread() []model.Notification {
	a.mu.Lock()
	out := make([]model.Notification, 0, len(a.unread))
	for _, n := range a.unread {
		out = append(out, n)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (a *Aggregator) NotificationCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.unread)
}

func (a *Aggregator) ChatCount() int {
	if a.chat == nil {
		return 0
	}
	return a.chat.UnreadTotal()
}

// Total is the number shown on the badge.
func (a *Aggregator) Total() int {
	return a.ChatCount() + a.NotificationCount()
}
