package main

import (
	"context"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/model"
	"github.com/mahaj/tenant-realtime/pkg/realtime"
)

// Presence tracks which users hold at least one gateway connection.
type Presence interface {
	Add(ctx context.Context, userID string) error
	Remove(ctx context.Context, userID string) error
}

// Publisher puts changes on the feed so every gateway instance sees them.
type Publisher interface {
	Publish(ctx context.Context, changes ...model.Change) error
}

// Hub owns the connected clients and fans feed changes out to their
// subscriptions.
type Hub struct {
	clients    map[*Client]bool
	users      map[string]int // user_id -> live connections
	changes    chan model.Change
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	presenceq  chan presenceUpdate
	mu         sync.RWMutex
	presence   Presence
	feed       Publisher
	metrics    *Metrics
	now        func() time.Time
}

func NewHub(presence Presence, feed Publisher, metrics *Metrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		users:      make(map[string]int),
		changes:    make(chan model.Change, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		presenceq:  make(chan presenceUpdate, 1024),
		presence:   presence,
		feed:       feed,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Deliver queues a change from the feed for fanout.
func (h *Hub) Deliver(ctx context.Context, c model.Change) {
	select {
	case h.changes <- c:
	case <-ctx.Done():
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	go h.runPresence(ctx)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.users[client.UserID]++
			first := h.users[client.UserID] == 1
			h.mu.Unlock()
			h.metrics.Connections.Inc()
			jww.INFO.Printf("Client registered: %s", client.UserID)
			if first {
				h.queuePresence(ctx, client.UserID, true)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if !h.clients[client] {
				h.mu.Unlock()
				continue
			}
			delete(h.clients, client)
			client.close()
			h.users[client.UserID]--
			last := h.users[client.UserID] == 0
			if last {
				delete(h.users, client.UserID)
			}
			h.mu.Unlock()
			h.metrics.Connections.Dec()
			h.metrics.Subscriptions.Sub(float64(client.subscriptionCount()))
			jww.INFO.Printf("Client unregistered: %s", client.UserID)
			if last {
				h.queuePresence(ctx, client.UserID, false)
			}

		case c := <-h.changes:
			h.fanout(c)
		}
	}
}

// fanout sends c to every subscription whose relation and filter match and
// whose user may see the row. Clients that cannot keep up are dropped.
func (h *Hub) fanout(c model.Change) {
	h.metrics.Changes.WithLabelValues(c.Table).Inc()
	var slow []*Client

	h.mu.RLock()
	for client := range h.clients {
		if !visible(client.UserID, &c) {
			continue
		}
		for _, ref := range client.matching(&c) {
			if !client.enqueue(realtime.Frame{Op: realtime.OpChange, Ref: ref, Change: &c}) {
				slow = append(slow, client)
				break
			}
			h.metrics.Deliveries.Inc()
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		jww.WARN.Printf("Dropping slow client %s", client.UserID)
		h.metrics.Dropped.Inc()
		go h.drop(client)
	}
}

// drop unregisters client unless the hub has stopped.
func (h *Hub) drop(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

type presenceUpdate struct {
	userID string
	online bool
}

// queuePresence hands a transition to runPresence so Redis and the feed
// are never called from the Run loop.
func (h *Hub) queuePresence(ctx context.Context, userID string, online bool) {
	select {
	case h.presenceq <- presenceUpdate{userID: userID, online: online}:
	case <-ctx.Done():
	}
}

// runPresence applies presence transitions one at a time, in the order the
// hub saw them.
func (h *Hub) runPresence(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-h.presenceq:
			h.setPresence(ctx, u.userID, u.online)
		}
	}
}

// setPresence updates the online set and announces the transition on the
// feed.
func (h *Hub) setPresence(ctx context.Context, userID string, online bool) {
	var err error
	if online {
		err = h.presence.Add(ctx, userID)
	} else {
		err = h.presence.Remove(ctx, userID)
	}
	if err != nil {
		jww.ERROR.Printf("Failed to set presence for %s: %v", userID, err)
	}

	row, _ := model.ToRow(model.PresenceRow{UserID: userID, Online: online})
	c := model.Change{EventType: model.ChangeUpdate, Table: model.RelationPresence, New: row, CommitTimestamp: h.now().UTC()}
	if err := h.feed.Publish(ctx, c); err != nil {
		jww.ERROR.Printf("Failed to publish presence for %s: %v", userID, err)
	}
}

// visible reports whether userID may receive c. Direct conversation rows
// go to their two participants only; per-user rows go to their owner.
func visible(userID string, c *model.Change) bool {
	row := c.Record()
	if !directMember(userID, row["conversation_id"]) {
		return false
	}
	switch c.Table {
	case model.RelationConversations:
		if !directMember(userID, row["id"]) {
			return false
		}
		return ownedBy(userID, row)
	case model.RelationNotifications:
		return ownedBy(userID, row)
	}
	return true
}

func directMember(userID string, v interface{}) bool {
	id, _ := v.(string)
	a, b, ok := model.DirectParticipants(id)
	if !ok {
		return !isDirectID(id)
	}
	return userID == a || userID == b
}

func ownedBy(userID string, row model.Row) bool {
	owner, ok := row["user_id"].(string)
	return !ok || owner == userID
}

func isDirectID(id string) bool {
	return len(id) > 3 && id[:3] == "dm:"
}

// authorize rejects subscriptions a user could never receive anything on.
func authorize(userID, relation string, filter realtime.Filter) string {
	switch relation {
	case model.RelationConversations, model.RelationMessages, model.RelationReactions,
		model.RelationReceipts, model.RelationTyping, model.RelationPresence:
	case model.RelationNotifications:
		if filter.Column != "user_id" || filter.Value != userID {
			return "notifications must be filtered by your own user_id"
		}
	default:
		return "unknown relation " + relation
	}
	if filter.Column == "conversation_id" && !directMember(userID, filter.Value) {
		return "not a participant of " + filter.Value
	}
	return ""
}
