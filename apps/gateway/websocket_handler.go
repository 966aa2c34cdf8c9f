package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/auth"
	"github.com/mahaj/tenant-realtime/pkg/model"
	"github.com/mahaj/tenant-realtime/pkg/realtime"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer.
	maxMessageSize = 4096

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

type subscription struct {
	relation string
	filter   realtime.Filter
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan []byte

	UserID string

	mu     sync.Mutex
	subs   map[realtime.Handle]subscription
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		UserID: userID,
		subs:   make(map[realtime.Handle]subscription),
	}
}

// enqueue queues f without blocking. It reports false when the client's
// buffer is full.
func (c *Client) enqueue(f realtime.Frame) bool {
	b, err := json.Marshal(f)
	if err != nil {
		jww.ERROR.Printf("Failed to marshal frame: %v", err)
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// matching returns the refs of subscriptions that want change ch.
func (c *Client) matching(ch *model.Change) []realtime.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	var refs []realtime.Handle
	for ref, sub := range c.subs {
		if sub.relation == ch.Table && sub.filter.Matches(ch) {
			refs = append(refs, ref)
		}
	}
	return refs
}

func (c *Client) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Client) handle(f realtime.Frame) {
	switch f.Op {
	case realtime.OpSubscribe:
		if reason := authorize(c.UserID, f.Relation, f.Filter); reason != "" {
			jww.WARN.Printf("Rejected subscription from %s to %s %s: %s", c.UserID, f.Relation, f.Filter, reason)
			c.hub.metrics.Rejected.Inc()
			c.enqueue(realtime.Frame{Op: realtime.OpError, Ref: f.Ref, Error: reason})
			return
		}
		c.mu.Lock()
		_, exists := c.subs[f.Ref]
		c.subs[f.Ref] = subscription{relation: f.Relation, filter: f.Filter}
		c.mu.Unlock()
		if !exists {
			c.hub.metrics.Subscriptions.Inc()
		}
		jww.DEBUG.Printf("%s subscribed %d to %s %s", c.UserID, f.Ref, f.Relation, f.Filter)

	case realtime.OpUnsubscribe:
		c.mu.Lock()
		_, ok := c.subs[f.Ref]
		delete(c.subs, f.Ref)
		c.mu.Unlock()
		if !ok {
			c.enqueue(realtime.Frame{Op: realtime.OpError, Ref: f.Ref, Error: realtime.ErrUnknownHandle.Error()})
			return
		}
		c.hub.metrics.Subscriptions.Dec()

	default:
		c.enqueue(realtime.Frame{Op: realtime.OpError, Ref: f.Ref, Error: "unsupported op " + string(f.Op)})
	}
}

// readPump pumps frames from the websocket connection to the client's
// subscription table.
func (c *Client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				jww.WARN.Printf("Read from %s: %v", c.UserID, err)
			}
			break
		}
		var f realtime.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.enqueue(realtime.Frame{Op: realtime.OpError, Error: "malformed frame"})
			continue
		}
		c.handle(f)
	}
}

// writePump pumps frames from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveWs authenticates the peer and hands the connection to the hub.
func serveWs(hub *Hub, signer *auth.Signer, w http.ResponseWriter, r *http.Request) {
	tokenString := auth.BearerToken(r)
	if tokenString == "" {
		jww.WARN.Println("Unauthorized: No token provided")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := signer.ValidateToken(tokenString)
	if err != nil {
		jww.WARN.Printf("Unauthorized: Invalid token: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		jww.ERROR.Println(err)
		return
	}

	client := newClient(hub, conn, claims.UserID)
	select {
	case client.hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}
