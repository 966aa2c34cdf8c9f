// Package backend is the HTTP client for the api service. It implements the
// session's auth, persistence and file storage collaborators.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mahaj/tenant-realtime/pkg/model"
	"github.com/mahaj/tenant-realtime/pkg/session"
)

// ErrUnauthorized is returned when the api rejects the session token.
var ErrUnauthorized = errors.New("unauthorized")

type LoginRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type LoginResponse struct {
	Token       string `json:"token"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type Client struct {
	base string
	http *http.Client

	mu    sync.RWMutex
	token string
	user  string
	name  string
}

// New returns a client for the api at addr, either host:port or a full
// http(s) url.
func New(addr string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Login obtains a session token for userID.
func (c *Client) Login(ctx context.Context, userID, displayName string) error {
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/login", LoginRequest{UserID: userID, DisplayName: displayName}, &resp); err != nil {
		return errors.WithMessage(err, "login failed")
	}
	if resp.Token == "" {
		return errors.New("login failed: empty token")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token, c.user, c.name = resp.Token, resp.UserID, resp.DisplayName
	if c.user == "" {
		c.user = userID
	}
	return nil
}

// Logout forgets the token; CurrentUserID reports no user afterwards.
func (c *Client) Logout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token, c.user, c.name = "", "", ""
}

func (c *Client) CurrentUserID() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user, c.user != "" && c.token != ""
}

func (c *Client) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	return out, c.do(ctx, http.MethodGet, "/conversations", nil, &out)
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var out []model.Message
	return out, c.do(ctx, http.MethodGet, conversationPath(conversationID, "messages"), nil, &out)
}

func (c *Client) InsertMessage(ctx context.Context, m model.Message) (model.Message, error) {
	var out model.Message
	err := c.do(ctx, http.MethodPost, conversationPath(m.ConversationID, "messages"), m, &out)
	return out, err
}

func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return c.do(ctx, http.MethodDelete, conversationPath(conversationID, "messages", messageID), nil, nil)
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (c *Client) React(ctx context.Context, conversationID, messageID, emoji string) (model.Reaction, error) {
	var out model.Reaction
	err := c.do(ctx, http.MethodPut, conversationPath(conversationID, "messages", messageID, "reactions"),
		reactionRequest{Emoji: emoji}, &out)
	return out, err
}

func (c *Client) Unreact(ctx context.Context, conversationID, messageID string) error {
	return c.do(ctx, http.MethodDelete, conversationPath(conversationID, "messages", messageID, "reactions"), nil, nil)
}

type ReceiptsRequest struct {
	MessageIDs []string `json:"message_ids"`
}

func (c *Client) MarkMessagesRead(ctx context.Context, conversationID string, messageIDs []string) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "receipts"), ReceiptsRequest{MessageIDs: messageIDs}, nil)
}

type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

func (c *Client) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	return c.do(ctx, http.MethodPut, conversationPath(conversationID, "typing"), TypingRequest{IsTyping: typing}, nil)
}

func (c *Client) ListNotifications(ctx context.Context) ([]model.Notification, error) {
	var out []model.Notification
	return out, c.do(ctx, http.MethodGet, "/notifications", nil, &out)
}

type NotificationsReadRequest struct {
	IDs []string `json:"ids,omitempty"`
}

// MarkNotificationsRead marks ids read, or every notification when ids is
// empty.
func (c *Client) MarkNotificationsRead(ctx context.Context, ids []string) error {
	return c.do(ctx, http.MethodPost, "/notifications/read", NotificationsReadRequest{IDs: ids}, nil)
}

type PresenceResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

func (c *Client) Presence(ctx context.Context, userID string) (bool, error) {
	var out PresenceResponse
	err := c.do(ctx, http.MethodGet, "/presence/"+url.PathEscape(userID), nil, &out)
	return out.Online, err
}

type UploadResponse struct {
	URL string `json:"url"`
}

func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	req, err := c.request(ctx, http.MethodPost, "/files?name="+url.QueryEscape(name), r)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	var out UploadResponse
	if err := c.send(req, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.WithMessage(err, "failed to encode request")
		}
		r = bytes.NewReader(b)
	}
	req, err := c.request(ctx, method, path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) request(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build %s %s", method, path)
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return Classify(0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Classify(resp.StatusCode, errors.Errorf("%s %s: %d %s", req.Method, req.URL.Path,
			resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.WithMessagef(err, "failed to decode %s %s", req.Method, req.URL.Path)
	}
	return nil
}

// Classify maps a failed call onto the session's error taxonomy. A zero
// status means the request never got a response.
func Classify(status int, err error) error {
	switch {
	case err == nil:
		return nil
	case status == 0:
		if errors.Is(err, context.Canceled) {
			return err
		}
		return errors.Wrap(session.ErrTransient, err.Error())
	case status == http.StatusForbidden:
		return errors.Wrap(session.ErrPermissionDenied, err.Error())
	case status == http.StatusUnauthorized:
		return errors.Wrap(ErrUnauthorized, err.Error())
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.Wrap(session.ErrTransient, err.Error())
	}
	return err
}

func conversationPath(conversationID string, rest ...string) string {
	parts := []string{"", "conversations", url.PathEscape(conversationID)}
	for _, p := range rest {
		parts = append(parts, url.PathEscape(p))
	}
	return strings.Join(parts, "/")
}

var (
	_ session.Auth        = (*Client)(nil)
	_ session.Persistence = (*Client)(nil)
	_ session.Uploader    = (*Client)(nil)
)
