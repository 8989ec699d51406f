package echoroom

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// RoomSync: one group room
// ============================================================================

// RoomState is the published state of one room scope.
type RoomState struct {
	Room     RoomSummary
	Messages []Message
	Loading  bool
	Err      error
}

// RoomSyncConfig configures one room scope.
type RoomSyncConfig struct {
	// PollInterval for the disconnected fallback.
	PollInterval time.Duration
	Typing       *TypingConfig
}

func (c *RoomSyncConfig) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultScopePollInterval
	}
}

// RoomSync keeps one room's message list and metadata consistent. The
// realtime channel is joined to the room's event stream on Start and
// left again on Close; every room event carries the room id and is
// dropped unless it matches this scope.
type RoomSync struct {
	client *Client
	rt     Realtime
	cache  CacheStore
	scope  Scope
	cfg    RoomSyncConfig
	typing *TypingCoordinator

	mu       sync.Mutex
	state    RoomState
	closed   bool
	gen      int
	unsubs   []func()
	poller   *Poller
	onChange func(RoomState)
	onGone   func()
}

// NewRoomSync wires one room scope. cfg may be nil.
func NewRoomSync(client *Client, rt Realtime, cache CacheStore, roomID string, cfg *RoomSyncConfig) *RoomSync {
	var c RoomSyncConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()

	s := &RoomSync{
		client: client,
		rt:     rt,
		cache:  cache,
		scope:  Scope{ID: roomID, Kind: KindGroup},
		cfg:    c,
		state:  RoomState{Loading: true},
	}
	s.typing = NewTypingCoordinator(c.Typing,
		func() {
			_ = rt.Send(context.Background(), EventTypingStartRoom,
				TypingEventPayload{RoomID: roomID, UserID: client.UserID()})
		},
		func() {
			_ = rt.Send(context.Background(), EventTypingStopRoom,
				TypingEventPayload{RoomID: roomID, UserID: client.UserID()})
		},
	)
	return s
}

// Typing exposes the scope's typing coordinator.
func (s *RoomSync) Typing() *TypingCoordinator { return s.typing }

// OnChange registers the callback invoked after every state mutation.
func (s *RoomSync) OnChange(fn func(RoomState)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// OnGone registers the callback fired when the room was deleted
// server-side; callers should navigate away.
func (s *RoomSync) OnGone(fn func()) {
	s.mu.Lock()
	s.onGone = fn
	s.mu.Unlock()
}

// State returns a copy of the current state.
func (s *RoomSync) State() RoomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *RoomSync) stateLocked() RoomState {
	st := s.state
	st.Messages = append([]Message{}, s.state.Messages...)
	return st
}

// Start joins the room's event stream, publishes the cached messages,
// and kicks the network fetch.
func (s *RoomSync) Start(ctx context.Context) {
	s.rt.JoinRoom(ctx, s.scope.ID)

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

func (s *RoomSync) subscribeEvents() {
	sub := func(event string, h Handler) {
		s.unsubs = append(s.unsubs, s.rt.Subscribe(event, h))
	}

	sub(EventMessageNewRoom, func(raw json.RawMessage) {
		var p MessageEventPayload
		if json.Unmarshal(raw, &p) != nil || p.RoomID != s.scope.ID {
			return
		}
		// Own messages arrive via the send-response path.
		if p.Message.SenderID == s.client.UserID() {
			return
		}
		s.insert(p.Message)
	})

	sub(EventTypingStartRoom, func(raw json.RawMessage) {
		var p TypingEventPayload
		if json.Unmarshal(raw, &p) != nil || p.RoomID != s.scope.ID {
			return
		}
		if p.UserID == s.client.UserID() {
			return
		}
		s.typing.HandleRemoteStart(p.UserID)
	})

	sub(EventTypingStopRoom, func(raw json.RawMessage) {
		var p TypingEventPayload
		if json.Unmarshal(raw, &p) != nil || p.RoomID != s.scope.ID {
			return
		}
		s.typing.HandleRemoteStop(p.UserID)
	})

	sub(EventThemeChangedRoom, func(raw json.RawMessage) {
		var p ThemeEventPayload
		if json.Unmarshal(raw, &p) != nil || p.RoomID != s.scope.ID {
			return
		}
		s.mutateRoom(func(r *RoomSummary) { r.Theme = p.Theme })
	})

	sub(EventRoomUpdated, func(raw json.RawMessage) {
		var p RoomEventPayload
		if json.Unmarshal(raw, &p) != nil || p.Room.ID != s.scope.ID {
			return
		}
		s.mutateRoom(func(r *RoomSummary) { *r = p.Room })
	})

	sub(EventRoomDeleted, func(raw json.RawMessage) {
		var p RoomDeletedPayload
		if json.Unmarshal(raw, &p) != nil || p.RoomID != s.scope.ID {
			return
		}
		s.fireGone()
	})

	sub(EventMemberLeftRoom, func(raw json.RawMessage) {
		var p MemberLeftPayload
		if json.Unmarshal(raw, &p) != nil || p.RoomID != s.scope.ID {
			return
		}
		s.mutateRoom(func(r *RoomSummary) {
			if r.MemberCount > 0 {
				r.MemberCount--
			}
		})
	})

	sub(EventAdminChangedRoom, func(raw json.RawMessage) {
		var p AdminChangedPayload
		if json.Unmarshal(raw, &p) != nil || p.RoomID != s.scope.ID {
			return
		}
		s.mutateRoom(func(r *RoomSummary) { r.AdminID = p.UserID })
	})
}

// Refresh fetches the room metadata and message history. Pending
// optimistic sends survive the replacement.
func (s *RoomSync) Refresh(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	gen := s.gen
	s.mu.Unlock()

	room, roomErr := s.client.Rooms.Get(ctx, s.scope.ID)
	messages, msgErr := s.client.Messages.List(ctx, s.scope)

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if roomErr != nil || msgErr != nil {
		err := roomErr
		if err == nil {
			err = msgErr
		}
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
	s.state.Room = *room
	s.state.Messages = messages
	s.state.Loading = false
	s.state.Err = nil
	s.mu.Unlock()

	s.cache.Write(MessagesCacheScope(s.scope), dropPending(messages))
	s.notify()
}

// Send posts a message optimistically, same contract as the direct
// conversation scope.
func (s *RoomSync) Send(ctx context.Context, content string, opts *SendOptions) (*Message, error) {
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
		s.state.Messages, _ = insertMessage(s.state.Messages, confirmed)
	}
	s.mu.Unlock()
	s.notify()

	if err != nil {
		return nil, err
	}
	return msg, nil
}

// SetTheme changes the room theme; the authoritative update arrives
// via theme:changed_room or the next refresh.
func (s *RoomSync) SetTheme(ctx context.Context, theme string) error {
	return s.client.Rooms.SetTheme(ctx, s.scope.ID, theme)
}

func (s *RoomSync) insert(m Message) {
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

func (s *RoomSync) mutateRoom(mutate func(*RoomSummary)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	mutate(&s.state.Room)
	s.mu.Unlock()
	s.notify()
}

func (s *RoomSync) fireGone() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	gone := s.onGone
	s.mu.Unlock()
	if gone != nil {
		gone()
	}
}

func (s *RoomSync) notify() {
	s.mu.Lock()
	fn := s.onChange
	st := s.stateLocked()
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// Close leaves the room's event stream and releases subscriptions,
// poller, and typing timers. Late responses are discarded.
func (s *RoomSync) Close() {
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
	s.rt.LeaveRoom(context.Background(), s.scope.ID)
}
