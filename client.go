// Package echoroom provides the Go client SDK for the EchoRoom chat API.
//
// It covers the REST surface (conversations, rooms, messages), the
// realtime channel, and the conversation synchronization core: the
// cache-first sync engine, typing coordination, polling fallback, and
// the merged inbox projection.
//
// Example:
//
//	client := echoroom.NewClient("token", echoroom.WithUserID("user-1"))
//
//	convs, _ := client.Conversations.List(ctx, false)
//	client.Messages.Send(ctx, echoroom.Scope{ID: "conv-1", Kind: echoroom.KindDirect}, "hey", nil)
package echoroom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "https://api.echoroom.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the EchoRoom REST client. Sub-clients group the API surface.
type Client struct {
	token      string
	baseURL    string
	userID     string
	httpClient *http.Client

	// Resources flagged by Invalidate; the next GET for a flagged
	// resource is sent with cache-bypass headers.
	staleMu sync.Mutex
	stale   map[string]bool

	Conversations *ConversationsClient
	Rooms         *RoomsClient
	Messages      *MessagesClient
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithUserID sets the local user's id. The sync engine needs it to
// drop push events echoing the user's own sends and the projector
// needs it for "You:" previews.
func WithUserID(id string) ClientOption {
	return func(c *Client) { c.userID = id }
}

// NewClient creates a new EchoRoom client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		stale: make(map[string]bool),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Conversations = &ConversationsClient{c: c}
	c.Rooms = &RoomsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// UserID returns the local user's id.
func (c *Client) UserID() string {
	return c.userID
}

// Invalidate flags a resource (e.g. "rooms/my") so that the next GET
// for it bypasses any HTTP-level cache between client and server.
func (c *Client) Invalidate(resource string) {
	c.staleMu.Lock()
	c.stale["/api/"+strings.Trim(resource, "/")] = true
	c.staleMu.Unlock()
}

func (c *Client) takeStale(path string) bool {
	c.staleMu.Lock()
	defer c.staleMu.Unlock()
	if c.stale[path] {
		delete(c.stale, path)
		return true
	}
	return false
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if method == http.MethodGet && c.takeStale(path) {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// resultErr turns a failed Result into an error for user-action paths.
func resultErr(r *Result) error {
	if r.Error != nil {
		return r.Error
	}
	return fmt.Errorf("request rejected (no details)")
}

func messagesPath(scope Scope) string {
	if scope.Kind == KindGroup {
		return "/api/rooms/" + scope.ID + "/messages"
	}
	return "/api/conversations/" + scope.ID + "/messages"
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient handles direct-conversation management.
type ConversationsClient struct{ c *Client }

// List returns the user's direct conversations. Archived ones are
// excluded unless includeArchived is set.
func (cv *ConversationsClient) List(ctx context.Context, includeArchived bool) ([]Conversation, error) {
	var query map[string]string
	if includeArchived {
		query = map[string]string{"includeArchived": "true"}
	}
	result, err := cv.c.do(ctx, "GET", "/api/conversations", nil, query)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, resultErr(result)
	}
	var convs []Conversation
	if err := result.Decode(&convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// GetOrCreateDirect returns the direct conversation with the given
// user, creating it if none exists yet.
func (cv *ConversationsClient) GetOrCreateDirect(ctx context.Context, otherUserID string) (*DirectConversation, error) {
	result, err := cv.c.do(ctx, "POST", "/api/conversations/direct", map[string]string{"userId": otherUserID}, nil)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, resultErr(result)
	}
	var dc DirectConversation
	if err := result.Decode(&dc); err != nil {
		return nil, err
	}
	return &dc, nil
}

func (cv *ConversationsClient) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	return cv.setFlag(ctx, conversationID, "archive", map[string]bool{"archived": archived})
}

func (cv *ConversationsClient) SetPinned(ctx context.Context, conversationID string, pinned bool) error {
	return cv.setFlag(ctx, conversationID, "pin", map[string]bool{"pinned": pinned})
}

func (cv *ConversationsClient) SetMuted(ctx context.Context, conversationID string, muted bool) error {
	return cv.setFlag(ctx, conversationID, "mute", map[string]bool{"muted": muted})
}

func (cv *ConversationsClient) setFlag(ctx context.Context, conversationID, action string, body any) error {
	result, err := cv.c.do(ctx, "PATCH", "/api/conversations/"+conversationID+"/"+action, body, nil)
	if err != nil {
		return err
	}
	if !result.OK {
		return resultErr(result)
	}
	return nil
}

// MarkAsRead clears the unread counter of a conversation.
func (cv *ConversationsClient) MarkAsRead(ctx context.Context, conversationID string) error {
	result, err := cv.c.do(ctx, "POST", "/api/conversations/"+conversationID+"/read", nil, nil)
	if err != nil {
		return err
	}
	if !result.OK {
		return resultErr(result)
	}
	return nil
}

// Delete removes a conversation for the local user.
func (cv *ConversationsClient) Delete(ctx context.Context, conversationID string) error {
	result, err := cv.c.do(ctx, "DELETE", "/api/conversations/"+conversationID, nil, nil)
	if err != nil {
		return err
	}
	if !result.OK {
		return resultErr(result)
	}
	return nil
}

// ============================================================================
// Rooms
// ============================================================================

// RoomsClient handles joined group rooms.
type RoomsClient struct{ c *Client }

// ListJoined returns the rooms the user is a member of.
func (r *RoomsClient) ListJoined(ctx context.Context) ([]RoomSummary, error) {
	result, err := r.c.do(ctx, "GET", "/api/rooms/my", nil, nil)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, resultErr(result)
	}
	var rooms []RoomSummary
	if err := result.Decode(&rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// Get returns one room's summary. A NOT_FOUND error code means the
// room was deleted server-side and callers should navigate away.
func (r *RoomsClient) Get(ctx context.Context, roomID string) (*RoomSummary, error) {
	result, err := r.c.do(ctx, "GET", "/api/rooms/"+roomID, nil, nil)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, resultErr(result)
	}
	var room RoomSummary
	if err := result.Decode(&room); err != nil {
		return nil, err
	}
	return &room, nil
}

// Leave removes the local user from a room.
func (r *RoomsClient) Leave(ctx context.Context, roomID string) error {
	result, err := r.c.do(ctx, "POST", "/api/rooms/"+roomID+"/leave", nil, nil)
	if err != nil {
		return err
	}
	if !result.OK {
		return resultErr(result)
	}
	return nil
}

// SetTheme changes a room's theme.
func (r *RoomsClient) SetTheme(ctx context.Context, roomID, theme string) error {
	result, err := r.c.do(ctx, "PATCH", "/api/rooms/"+roomID+"/theme", map[string]string{"theme": theme}, nil)
	if err != nil {
		return err
	}
	if !result.OK {
		return resultErr(result)
	}
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient handles message history, sends, and reactions.
type MessagesClient struct{ c *Client }

// List returns the full message history of a scope, ascending by
// creation time.
func (m *MessagesClient) List(ctx context.Context, scope Scope) ([]Message, error) {
	result, err := m.c.do(ctx, "GET", messagesPath(scope), nil, nil)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, resultErr(result)
	}
	var messages []Message
	if err := result.Decode(&messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// Send posts a message and returns the server-confirmed copy.
func (m *MessagesClient) Send(ctx context.Context, scope Scope, content string, opts *SendOptions) (*Message, error) {
	payload := map[string]any{"content": content, "type": "text"}
	if opts != nil {
		if opts.Type != "" {
			payload["type"] = opts.Type
		}
		if opts.ReplyTo != nil {
			payload["replyTo"] = *opts.ReplyTo
		}
	}
	result, err := m.c.do(ctx, "POST", messagesPath(scope), payload, nil)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, resultErr(result)
	}
	var msg Message
	if err := result.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// React toggles an emoji reaction and returns the updated message with
// the server-merged reaction list.
func (m *MessagesClient) React(ctx context.Context, messageID, emoji string) (*Message, error) {
	result, err := m.c.do(ctx, "POST", "/api/messages/"+messageID+"/reactions", map[string]string{"emoji": emoji}, nil)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, resultErr(result)
	}
	var msg Message
	if err := result.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Delete removes a message.
func (m *MessagesClient) Delete(ctx context.Context, messageID string) error {
	result, err := m.c.do(ctx, "DELETE", "/api/messages/"+messageID, nil, nil)
	if err != nil {
		return err
	}
	if !result.OK {
		return resultErr(result)
	}
	return nil
}
