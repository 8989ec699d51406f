package echoroom

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Sync engine
//
// Every scope follows the same strategy: publish the cached snapshot
// immediately, fetch from the network and replace it, then keep the
// in-memory state current from realtime push events. A network
// response and a push event for the same message can arrive in either
// order, so every insertion deduplicates by message identity and
// re-sorts by creation time.
// ============================================================================

// ErrScopeGone is returned when the scope disappeared server-side.
var ErrScopeGone = errors.New("scope no longer exists")

const (
	// DefaultListPollInterval is the aggregate list's background
	// refresh cadence, applied regardless of connection state.
	DefaultListPollInterval = 4 * time.Second
	// DefaultScopePollInterval is the single-scope fallback cadence,
	// applied only while the realtime channel is disconnected.
	DefaultScopePollInterval = 6 * time.Second
)

// ============================================================================
// Message list helpers
// ============================================================================

// insertMessage appends m unless its id is already present and keeps
// the list ascending by creation time. Reports whether m was added.
func insertMessage(list []Message, m Message) ([]Message, bool) {
	for i := range list {
		if list[i].ID == m.ID {
			return list, false
		}
	}
	list = append(list, m)
	sortMessages(list)
	return list, true
}

// replaceMessage swaps the entry with m's id in place.
func replaceMessage(list []Message, m Message) bool {
	for i := range list {
		if list[i].ID == m.ID {
			list[i] = m
			return true
		}
	}
	return false
}

func removeMessage(list []Message, id string) ([]Message, bool) {
	for i := range list {
		if list[i].ID == id {
			return append(list[:i], list[i+1:]...), true
		}
	}
	return list, false
}

func sortMessages(list []Message) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt < list[j].CreatedAt
	})
}

// dropPending strips not-yet-confirmed local writes. Pending messages
// are reconciled in memory only; persisting one would resurrect it on
// the next cold start with no send left to confirm or remove it.
func dropPending(list []Message) []Message {
	out := make([]Message, 0, len(list))
	for _, m := range list {
		if !m.Pending() {
			out = append(out, m)
		}
	}
	return out
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// scopeGone reports whether an error means the scope was deleted
// server-side rather than a transient failure.
func scopeGone(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == "NOT_FOUND" || apiErr.Code == "SCOPE_GONE"
	}
	return errors.Is(err, ErrScopeGone)
}

// ============================================================================
// ListSync: the aggregate conversation list
// ============================================================================

// ListState is the published state of the aggregate list scope.
type ListState struct {
	Conversations []Conversation
	Rooms         []RoomSummary
	Loading       bool
	Err           error
}

// ListSyncConfig configures the aggregate list scope.
type ListSyncConfig struct {
	// PollInterval for the background refresh; runs even while
	// connected so the list screen never drifts far behind.
	PollInterval time.Duration
	// IncludeArchived fetches archived conversations too so the
	// archived view works offline. Defaults to true.
	IncludeArchived *bool
}

func (c *ListSyncConfig) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultListPollInterval
	}
	if c.IncludeArchived == nil {
		t := true
		c.IncludeArchived = &t
	}
}

// ListSync keeps the merged inbox feed consistent across the cache,
// the realtime channel, and the polling refresh.
type ListSync struct {
	client    *Client
	rt        Realtime
	cache     CacheStore
	projector *Projector
	cfg       ListSyncConfig

	mu       sync.Mutex
	state    ListState
	closed   bool
	gen      int
	unsubs   []func()
	poller   *Poller
	onChange func(ListState)
}

// NewListSync wires the aggregate list scope. cfg may be nil.
func NewListSync(client *Client, rt Realtime, cache CacheStore, cfg *ListSyncConfig) *ListSync {
	var c ListSyncConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	return &ListSync{
		client:    client,
		rt:        rt,
		cache:     cache,
		projector: &Projector{LocalUserID: client.UserID()},
		cfg:       c,
		state:     ListState{Loading: true},
	}
}

// OnChange registers the callback invoked after every state mutation.
func (s *ListSync) OnChange(fn func(ListState)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// State returns a copy of the current state.
func (s *ListSync) State() ListState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *ListSync) stateLocked() ListState {
	st := s.state
	st.Conversations = append([]Conversation{}, s.state.Conversations...)
	st.Rooms = append([]RoomSummary{}, s.state.Rooms...)
	return st
}

// Feed projects the current state into the inbox feed.
func (s *ListSync) Feed(view View, search string) []FeedItem {
	s.mu.Lock()
	convs := append([]Conversation{}, s.state.Conversations...)
	rooms := append([]RoomSummary{}, s.state.Rooms...)
	s.mu.Unlock()
	return s.projector.Project(convs, rooms, view, search)
}

// Start publishes the cached snapshot, kicks the first network fetch,
// and begins consuming push events and the background poller.
func (s *ListSync) Start(ctx context.Context) {
	var convs []Conversation
	var rooms []RoomSummary
	haveConvs := s.cache.Read(CacheScopeConversations, &convs)
	haveRooms := s.cache.Read(CacheScopeRooms, &rooms)

	s.mu.Lock()
	if haveConvs {
		s.state.Conversations = convs
	}
	if haveRooms {
		s.state.Rooms = rooms
	}
	if haveConvs || haveRooms {
		// Cache paints immediately; the network replaces it shortly.
		s.state.Loading = false
	}
	s.mu.Unlock()
	if haveConvs || haveRooms {
		s.notify()
	}

	s.subscribeEvents()

	s.poller = NewPoller(
		PollerConfig{Interval: s.cfg.PollInterval},
		s.rt.IsConnected,
		func(pollCtx context.Context) { s.Refresh(pollCtx) },
	)
	s.poller.Start()

	go s.Refresh(ctx)
}

func (s *ListSync) subscribeEvents() {
	sub := func(event string, h Handler) {
		s.unsubs = append(s.unsubs, s.rt.Subscribe(event, h))
	}

	sub(EventConversationUpdated, func(raw json.RawMessage) {
		var p ConversationEventPayload
		if json.Unmarshal(raw, &p) != nil {
			return
		}
		s.upsertConversation(p.Conversation)
	})

	sub(EventMessageNew, func(raw json.RawMessage) {
		var p MessageEventPayload
		if json.Unmarshal(raw, &p) != nil {
			return
		}
		s.applyNewMessage(p.ConversationID, p.Message)
	})

	sub(EventMessageNewRoom, func(raw json.RawMessage) {
		var p MessageEventPayload
		if json.Unmarshal(raw, &p) != nil {
			return
		}
		s.applyNewRoomMessage(p.RoomID, p.Message)
	})

	sub(EventThemeChangedRoom, func(raw json.RawMessage) {
		var p ThemeEventPayload
		if json.Unmarshal(raw, &p) != nil {
			return
		}
		s.applyRoomActivity(p.RoomID, func(r *RoomSummary) {
			r.Theme = p.Theme
			r.LastActivity = &Activity{Type: ActivityTheme, Summary: p.Summary, ActorID: p.ActorID, At: nowRFC3339()}
			r.LastActivityAt = r.LastActivity.At
		})
	})

	sub(EventRoomUpdated, func(raw json.RawMessage) {
		var p RoomEventPayload
		if json.Unmarshal(raw, &p) != nil {
			return
		}
		s.upsertRoom(p.Room)
	})

	sub(EventRoomDeleted, func(raw json.RawMessage) {
		var p RoomDeletedPayload
		if json.Unmarshal(raw, &p) != nil {
			return
		}
		s.removeRoom(p.RoomID)
	})

	sub(EventMemberLeftRoom, func(raw json.RawMessage) {
		var p MemberLeftPayload
		if json.Unmarshal(raw, &p) != nil {
			return
		}
		if p.UserID == s.client.UserID() {
			s.removeRoom(p.RoomID)
			return
		}
		s.applyRoomActivity(p.RoomID, func(r *RoomSummary) {
			if r.MemberCount > 0 {
				r.MemberCount--
			}
			r.LastActivity = &Activity{Type: ActivityMembership, Summary: p.Summary, ActorID: p.UserID, At: nowRFC3339()}
			r.LastActivityAt = r.LastActivity.At
		})
	})

	sub(EventAdminChangedRoom, func(raw json.RawMessage) {
		var p AdminChangedPayload
		if json.Unmarshal(raw, &p) != nil {
			return
		}
		s.applyRoomActivity(p.RoomID, func(r *RoomSummary) {
			r.AdminID = p.UserID
		})
	})
}

// Refresh runs the network-fetch step: replace in-memory state and
// write the cache back. Failures are swallowed when a previous
// snapshot is on screen; only a cold start surfaces them.
func (s *ListSync) Refresh(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	gen := s.gen
	s.mu.Unlock()

	convs, convErr := s.client.Conversations.List(ctx, *s.cfg.IncludeArchived)
	rooms, roomErr := s.client.Rooms.ListJoined(ctx)

	s.mu.Lock()
	if s.closed || gen != s.gen {
		// The scope was deactivated while the request was in flight.
		s.mu.Unlock()
		return
	}
	if convErr != nil || roomErr != nil {
		err := convErr
		if err == nil {
			err = roomErr
		}
		if s.state.Loading {
			s.state.Loading = false
			s.state.Err = err
			s.mu.Unlock()
			s.notify()
			return
		}
		// Background refresh failure: cache wins, stay silent.
		s.mu.Unlock()
		return
	}
	s.state.Conversations = convs
	s.state.Rooms = rooms
	s.state.Loading = false
	s.state.Err = nil
	s.mu.Unlock()

	s.cache.Write(CacheScopeConversations, convs)
	s.cache.Write(CacheScopeRooms, rooms)
	s.notify()
}

func (s *ListSync) upsertConversation(c Conversation) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	found := false
	for i := range s.state.Conversations {
		if s.state.Conversations[i].ID == c.ID {
			s.state.Conversations[i] = c
			found = true
			break
		}
	}
	if !found {
		s.state.Conversations = append(s.state.Conversations, c)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *ListSync) applyNewMessage(conversationID string, m Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var conv *Conversation
	for i := range s.state.Conversations {
		if s.state.Conversations[i].ID == conversationID {
			conv = &s.state.Conversations[i]
			break
		}
	}
	if conv == nil {
		// Unknown scope: the next full refresh will pick it up.
		s.mu.Unlock()
		return
	}
	if conv.LastMessage != nil && conv.LastMessage.ID == m.ID {
		s.mu.Unlock()
		return
	}
	conv.LastMessage = &LastMessage{
		ID:       m.ID,
		Content:  m.Content,
		SenderID: m.SenderID,
		Type:     m.Type,
		SentAt:   m.CreatedAt,
	}
	if m.SenderID != s.client.UserID() {
		conv.UnreadCount++
	}
	s.mu.Unlock()
	s.notify()
}

func (s *ListSync) applyNewRoomMessage(roomID string, m Message) {
	local := s.client.UserID()
	s.applyRoomActivity(roomID, func(r *RoomSummary) {
		r.LastActivity = &Activity{
			Type:    ActivityMessage,
			Summary: m.Content,
			ActorID: m.SenderID,
			At:      m.CreatedAt,
		}
		r.LastActivityAt = m.CreatedAt
		if m.SenderID != local {
			r.UnreadCount++
		}
	})
}

func (s *ListSync) applyRoomActivity(roomID string, mutate func(*RoomSummary)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for i := range s.state.Rooms {
		if s.state.Rooms[i].ID == roomID {
			mutate(&s.state.Rooms[i])
			s.mu.Unlock()
			s.notify()
			return
		}
	}
	s.mu.Unlock()
}

func (s *ListSync) upsertRoom(r RoomSummary) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	found := false
	for i := range s.state.Rooms {
		if s.state.Rooms[i].ID == r.ID {
			s.state.Rooms[i] = r
			found = true
			break
		}
	}
	if !found {
		s.state.Rooms = append(s.state.Rooms, r)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *ListSync) removeRoom(roomID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for i := range s.state.Rooms {
		if s.state.Rooms[i].ID == roomID {
			s.state.Rooms = append(s.state.Rooms[:i], s.state.Rooms[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *ListSync) notify() {
	s.mu.Lock()
	fn := s.onChange
	st := s.stateLocked()
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// Close deactivates the scope: subscriptions and the poller are
// released and any in-flight response is discarded on arrival.
func (s *ListSync) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	unsubs := s.unsubs
	s.unsubs = nil
	poller := s.poller
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if poller != nil {
		poller.Close()
	}
}

// ============================================================================
// ConversationSync: one direct conversation
// ============================================================================

// ConversationState is the published state of a direct conversation.
type ConversationState struct {
	Messages []Message
	Loading  bool
	Err      error
}

// ConversationSyncConfig configures one direct-conversation scope.
type ConversationSyncConfig struct {
	// PollInterval for the disconnected fallback.
	PollInterval time.Duration
	Typing       *TypingConfig
}

func (c *ConversationSyncConfig) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultScopePollInterval
	}
}

// ConversationSync keeps one direct conversation's message list
// consistent and coordinates its typing indicators.
type ConversationSync struct {
	client *Client
	rt     Realtime
	cache  CacheStore
	scope  Scope
	cfg    ConversationSyncConfig
	typing *TypingCoordinator

	mu       sync.Mutex
	state    ConversationState
	closed   bool
	gen      int
	unsubs   []func()
	poller   *Poller
	onChange func(ConversationState)
	onGone   func()
}

// NewConversationSync wires one direct conversation scope. cfg may be
// nil.
func NewConversationSync(client *Client, rt Realtime, cache CacheStore, conversationID string, cfg *ConversationSyncConfig) *ConversationSync {
	var c ConversationSyncConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()

	s := &ConversationSync{
		client: client,
		rt:     rt,
		cache:  cache,
		scope:  Scope{ID: conversationID, Kind: KindDirect},
		cfg:    c,
		state:  ConversationState{Loading: true},
	}
	s.typing = NewTypingCoordinator(c.Typing,
		func() {
			_ = rt.Send(context.Background(), EventTypingStart,
				TypingEventPayload{ConversationID: conversationID, UserID: client.UserID()})
		},
		func() {
			_ = rt.Send(context.Background(), EventTypingStop,
				TypingEventPayload{ConversationID: conversationID, UserID: client.UserID()})
		},
	)
	return s
}

// Typing exposes the scope's typing coordinator.
func (s *ConversationSync) Typing() *TypingCoordinator { return s.typing }

// OnChange registers the callback invoked after every state mutation.
func (s *ConversationSync) OnChange(fn func(ConversationState)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// OnGone registers the callback fired when the conversation was
// deleted server-side; callers should navigate away.
func (s *ConversationSync) OnGone(fn func()) {
	s.mu.Lock()
	s.onGone = fn
	s.mu.Unlock()
}

// State returns a copy of the current state.
func (s *ConversationSync) State() ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *ConversationSync) stateLocked() ConversationState {
	st := s.state
	st.Messages = append([]Message{}, s.state.Messages...)
	return st
}

// Start publishes the cached messages, kicks the network fetch, and
// begins consuming push events for this conversation.
func (s *ConversationSync) Start(ctx context.Context) {
	var cached []Message
	if s.cache.Read(MessagesCacheScope(s.scope), &cached) {
		cached = dropPending(cached)
		sortMessages(cached)
		s.mu.Lock()
		s.state.Messages = cached
		s.state.Loading = false
		s.mu.Unlock()
		s.notify()
	}

	s.subscribeEvents()

	s.poller = NewPoller(
		PollerConfig{Interval: s.cfg.PollInterval, OnlyWhenDisconnected: true},
		s.rt.IsConnected,
		func(pollCtx context.Context) { s.Refresh(pollCtx) },
	)
	s.poller.Start()

	go s.Refresh(ctx)
}

func (s *ConversationSync) subscribeEvents() {
	sub := func(event string, h Handler) {
		s.unsubs = append(s.unsubs, s.rt.Subscribe(event, h))
	}

	sub(EventMessageNew, func(raw json.RawMessage) {
		var p MessageEventPayload
		if json.Unmarshal(raw, &p) != nil || p.ConversationID != s.scope.ID {
			return
		}
		// The send-response path already appended the local user's
		// own messages; applying the echo would double-insert.
		if p.Message.SenderID == s.client.UserID() {
			return
		}
		s.insert(p.Message)
	})

	sub(EventMessageReaction, func(raw json.RawMessage) {
		var p ReactionEventPayload
		if json.Unmarshal(raw, &p) != nil || p.ConversationID != s.scope.ID {
			return
		}
		s.replace(p.Message)
	})

	sub(EventTypingStart, func(raw json.RawMessage) {
		var p TypingEventPayload
		if json.Unmarshal(raw, &p) != nil || p.ConversationID != s.scope.ID {
			return
		}
		if p.UserID == s.client.UserID() {
			return
		}
		s.typing.HandleRemoteStart(p.UserID)
	})

	sub(EventTypingStop, func(raw json.RawMessage) {
		var p TypingEventPayload
		if json.Unmarshal(raw, &p) != nil || p.ConversationID != s.scope.ID {
			return
		}
		s.typing.HandleRemoteStop(p.UserID)
	})
}

// Refresh fetches the message history and replaces the confirmed part
// of the list. Pending optimistic sends survive the replacement.
func (s *ConversationSync) Refresh(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	gen := s.gen
	s.mu.Unlock()

	messages, err := s.client.Messages.List(ctx, s.scope)

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if err != nil {
		if scopeGone(err) {
			gone := s.onGone
			s.mu.Unlock()
			if gone != nil {
				gone()
			}
			return
		}
		if s.state.Loading {
			s.state.Loading = false
			s.state.Err = err
			s.mu.Unlock()
			s.notify()
			return
		}
		s.mu.Unlock()
		return
	}

	for _, m := range s.state.Messages {
		if m.Pending() {
			messages, _ = insertMessage(messages, m)
		}
	}
	sortMessages(messages)
	s.state.Messages = messages
	s.state.Loading = false
	s.state.Err = nil
	s.mu.Unlock()

	s.cache.Write(MessagesCacheScope(s.scope), dropPending(messages))
	s.notify()
}

// Send posts a message optimistically: a pending local entry appears
// at once and is swapped for the server-confirmed message, or removed
// if the send fails.
func (s *ConversationSync) Send(ctx context.Context, content string, opts *SendOptions) (*Message, error) {
	local := Message{
		ID:        LocalIDPrefix + uuid.NewString(),
		SenderID:  s.client.UserID(),
		Content:   content,
		Type:      "text",
		CreatedAt: nowRFC3339(),
		Status:    StatusPending,
	}
	if opts != nil {
		if opts.Type != "" {
			local.Type = opts.Type
		}
		local.ReplyTo = opts.ReplyTo
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrScopeGone
	}
	s.state.Messages, _ = insertMessage(s.state.Messages, local)
	s.mu.Unlock()
	s.notify()
	s.typing.Sent()

	msg, err := s.client.Messages.Send(ctx, s.scope, content, opts)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return msg, err
	}
	s.state.Messages, _ = removeMessage(s.state.Messages, local.ID)
	if err == nil {
		confirmed := *msg
		confirmed.Status = StatusConfirmed
		// A push event for the confirmed id may have landed first;
		// insertMessage drops the duplicate.
		s.state.Messages, _ = insertMessage(s.state.Messages, confirmed)
	}
	s.mu.Unlock()
	s.notify()

	if err != nil {
		return nil, err
	}
	return msg, nil
}

// React toggles a reaction and applies the server-merged message.
func (s *ConversationSync) React(ctx context.Context, messageID, emoji string) error {
	msg, err := s.client.Messages.React(ctx, messageID, emoji)
	if err != nil {
		return err
	}
	s.replace(*msg)
	return nil
}

func (s *ConversationSync) insert(m Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var added bool
	s.state.Messages, added = insertMessage(s.state.Messages, m)
	s.mu.Unlock()
	if added {
		s.notify()
	}
}

func (s *ConversationSync) replace(m Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	replaced := replaceMessage(s.state.Messages, m)
	s.mu.Unlock()
	if replaced {
		s.notify()
	}
}

func (s *ConversationSync) notify() {
	s.mu.Lock()
	fn := s.onChange
	st := s.stateLocked()
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// Close deactivates the scope: subscriptions, poller, and typing
// timers are released; late responses are discarded.
func (s *ConversationSync) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	unsubs := s.unsubs
	s.unsubs = nil
	poller := s.poller
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if poller != nil {
		poller.Close()
	}
	s.typing.Close()
}
