package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	// Time allowed to write a frame to the gateway.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the gateway.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

type subscription struct {
	relation string
	filter   Filter
	cb       Callback
}

// Client is a Source backed by one websocket connection to the gateway.
type Client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	subs   map[Handle]subscription
	next   Handle
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the gateway's /ws endpoint at addr (host:port) with the
// session token.
func Dial(ctx context.Context, addr, token string) (*Client, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	header := http.Header{}
	header.Add("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to dial gateway %s", u.String())
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection and starts its pumps.
func NewClient(conn *websocket.Conn) *Client {
	c := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		subs: make(map[Handle]subscription),
		done: make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c
}

func (c *Client) Subscribe(relation string, filter Filter, cb Callback) (Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.next++
	h := c.next
	c.subs[h] = subscription{relation: relation, filter: filter, cb: cb}
	c.mu.Unlock()

	if err := c.write(Frame{Op: OpSubscribe, Ref: h, Relation: relation, Filter: filter}); err != nil {
		c.mu.Lock()
		delete(c.subs, h)
		c.mu.Unlock()
		return 0, err
	}
	jww.DEBUG.Printf("[realtime] subscribed %d to %s %s", h, relation, filter)
	return h, nil
}

func (c *Client) Unsubscribe(h Handle) error {
	c.mu.Lock()
	_, ok := c.subs[h]
	delete(c.subs, h)
	closed := c.closed
	c.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	if closed {
		return nil
	}
	return c.write(Frame{Op: OpUnsubscribe, Ref: h})
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		jww.DEBUG.Printf("[realtime] write close: %v", err)
	}
	c.shutdown()
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) write(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal frame")
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// readPump routes change frames to their subscription's callback. Frames
// for handles already unsubscribed are dropped.
func (c *Client) readPump() {
	defer c.shutdown()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				jww.WARN.Printf("[realtime] read: %v", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			jww.WARN.Printf("[realtime] dropping unparsable frame: %v", err)
			continue
		}
		switch f.Op {
		case OpChange:
			c.mu.Lock()
			sub, ok := c.subs[f.Ref]
			c.mu.Unlock()
			if !ok || f.Change == nil {
				continue
			}
			if f.Change.Table != sub.relation || !sub.filter.Matches(f.Change) {
				continue
			}
			sub.cb(*f.Change)
		case OpError:
			jww.ERROR.Printf("[realtime] gateway error on ref %d: %s", f.Ref, f.Error)
		default:
			jww.DEBUG.Printf("[realtime] ignoring frame op %q", f.Op)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				jww.WARN.Printf("[realtime] write: %v", err)
				c.shutdown()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}
