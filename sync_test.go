package echoroom

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// ============================================================================
// Test helpers
// ============================================================================

func writeOK(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	json.NewEncoder(w).Encode(Result{OK: true, Data: raw})
}

func writeErr(w http.ResponseWriter, code, message string) {
	json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: code, Message: message}})
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient("test-token", WithBaseURL(server.URL), WithUserID("me"))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func msg(id, sender, content, at string) Message {
	return Message{ID: id, SenderID: sender, Content: content, Type: "text", CreatedAt: at}
}

// ============================================================================
// ConversationSync
// ============================================================================

func TestConversationSyncCacheFirstThenNetwork(t *testing.T) {
	m1 := msg("m1", "peer", "hi", "2026-01-01T10:00:00Z")
	m2 := msg("m2", "me", "hello", "2026-01-01T10:00:05Z")

	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeOK(w, []Message{m1, m2})
	})
	client := newTestClient(t, mux)

	cache := NewMemoryCacheStore()
	cache.Write(MessagesCacheScope(Scope{ID: "c1", Kind: KindDirect}), []Message{m1})

	rt := NewFakeRealtime()
	s := NewConversationSync(client, rt, cache, "c1", nil)
	defer s.Close()

	s.Start(context.Background())

	// The cached snapshot is visible before any network round trip.
	st := s.State()
	if st.Loading {
		t.Fatal("expected cached snapshot to clear the loading flag")
	}
	if len(st.Messages) != 1 || st.Messages[0].ID != "m1" {
		t.Fatalf("expected cached message, got %+v", st.Messages)
	}

	close(release)
	waitFor(t, func() bool { return len(s.State().Messages) == 2 })

	st = s.State()
	if st.Messages[0].ID != "m1" || st.Messages[1].ID != "m2" {
		t.Fatalf("expected ascending order m1,m2, got %+v", st.Messages)
	}

	// The refreshed list was written back.
	var cached []Message
	if !cache.Read(MessagesCacheScope(Scope{ID: "c1", Kind: KindDirect}), &cached) {
		t.Fatal("expected cache write after refresh")
	}
	if len(cached) != 2 {
		t.Fatalf("expected 2 cached messages, got %d", len(cached))
	}
}

func TestConversationSyncColdStartError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, "INTERNAL", "boom")
	})
	client := newTestClient(t, mux)

	rt := NewFakeRealtime()
	s := NewConversationSync(client, rt, NewMemoryCacheStore(), "c1", nil)
	defer s.Close()

	s.Start(context.Background())

	waitFor(t, func() bool {
		st := s.State()
		return !st.Loading && st.Err != nil
	})
}

func TestConversationSyncBackgroundErrorKeepsCache(t *testing.T) {
	m1 := msg("m1", "peer", "hi", "2026-01-01T10:00:00Z")

	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, "INTERNAL", "boom")
	})
	client := newTestClient(t, mux)

	cache := NewMemoryCacheStore()
	cache.Write(MessagesCacheScope(Scope{ID: "c1", Kind: KindDirect}), []Message{m1})

	rt := NewFakeRealtime()
	s := NewConversationSync(client, rt, cache, "c1", nil)
	defer s.Close()

	s.Start(context.Background())
	s.Refresh(context.Background())

	st := s.State()
	if st.Err != nil {
		t.Fatalf("background failure must stay silent with cache on screen, got %v", st.Err)
	}
	if len(st.Messages) != 1 {
		t.Fatalf("cached snapshot must survive, got %+v", st.Messages)
	}
}

func TestConversationSyncPushDedupAndOrdering(t *testing.T) {
	m1 := msg("m1", "peer", "hi", "2026-01-01T10:00:00Z")
	m2 := msg("m2", "peer", "hello", "2026-01-01T10:00:05Z")

	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, []Message{m1, m2})
	})
	client := newTestClient(t, mux)

	rt := NewFakeRealtime()
	s := NewConversationSync(client, rt, NewMemoryCacheStore(), "c1", nil)
	defer s.Close()

	s.Start(context.Background())
	waitFor(t, func() bool { return len(s.State().Messages) == 2 })

	// A push duplicating an already-fetched message must be dropped.
	rt.Publish(EventMessageNew, MessageEventPayload{ConversationID: "c1", Message: m2})
	if got := len(s.State().Messages); got != 2 {
		t.Fatalf("duplicate push must not grow the list, got %d", got)
	}

	// An out-of-order push lands sorted by creation time.
	early := msg("m0", "peer", "first", "2026-01-01T09:59:00Z")
	rt.Publish(EventMessageNew, MessageEventPayload{ConversationID: "c1", Message: early})
	st := s.State()
	if len(st.Messages) != 3 || st.Messages[0].ID != "m0" {
		t.Fatalf("expected m0 sorted first, got %+v", st.Messages)
	}

	// Events for other conversations are dropped.
	rt.Publish(EventMessageNew, MessageEventPayload{ConversationID: "c2", Message: msg("x", "peer", "no", "2026-01-01T11:00:00Z")})
	if got := len(s.State().Messages); got != 3 {
		t.Fatalf("foreign-scope push must be ignored, got %d messages", got)
	}

	// The echo of the local user's own send is dropped too.
	rt.Publish(EventMessageNew, MessageEventPayload{ConversationID: "c1", Message: msg("mine", "me", "echo", "2026-01-01T11:00:00Z")})
	if got := len(s.State().Messages); got != 3 {
		t.Fatalf("own-message echo must be ignored, got %d messages", got)
	}
}

func TestConversationSyncOptimisticSend(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeOK(w, []Message{})
			return
		}
		<-release
		writeOK(w, msg("srv-1", "me", "hey", "2026-01-01T10:00:00Z"))
	})
	client := newTestClient(t, mux)

	rt := NewFakeRealtime()
	s := NewConversationSync(client, rt, NewMemoryCacheStore(), "c1", nil)
	defer s.Close()
	s.Start(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "hey", nil)
		done <- err
	}()

	// The pending local message is on screen while the POST is in flight.
	waitFor(t, func() bool {
		st := s.State()
		return len(st.Messages) == 1 && st.Messages[0].Pending()
	})

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("send failed: %v", err)
	}

	st := s.State()
	if len(st.Messages) != 1 {
		t.Fatalf("expected exactly one message after confirm, got %+v", st.Messages)
	}
	if st.Messages[0].ID != "srv-1" || st.Messages[0].Pending() {
		t.Fatalf("expected confirmed server message, got %+v", st.Messages[0])
	}
}

func TestConversationSyncSendFailureRemovesLocal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeOK(w, []Message{})
			return
		}
		writeErr(w, "FORBIDDEN", "blocked")
	})
	client := newTestClient(t, mux)

	rt := NewFakeRealtime()
	s := NewConversationSync(client, rt, NewMemoryCacheStore(), "c1", nil)
	defer s.Close()
	s.Start(context.Background())

	if _, err := s.Send(context.Background(), "hey", nil); err == nil {
		t.Fatal("expected send error")
	}
	if got := len(s.State().Messages); got != 0 {
		t.Fatalf("failed send must remove the local message, got %d", got)
	}
}

func TestConversationSyncLateResponseDiscarded(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeOK(w, []Message{msg("m1", "peer", "late", "2026-01-01T10:00:00Z")})
	})
	client := newTestClient(t, mux)

	rt := NewFakeRealtime()
	cache := NewMemoryCacheStore()
	s := NewConversationSync(client, rt, cache, "c1", nil)

	s.Start(context.Background())
	s.Close()
	close(release)

	// Give the in-flight goroutine time to observe the closed scope.
	time.Sleep(50 * time.Millisecond)

	if got := len(s.State().Messages); got != 0 {
		t.Fatalf("late response must be discarded after close, got %d messages", got)
	}
	var cached []Message
	if cache.Read(MessagesCacheScope(Scope{ID: "c1", Kind: KindDirect}), &cached) {
		t.Fatal("late response must not reach the cache")
	}
}

func TestConversationSyncStalePendingNotResurrected(t *testing.T) {
	m1 := msg("m1", "peer", "hi", "2026-01-01T10:00:00Z")

	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, []Message{m1})
	})
	client := newTestClient(t, mux)

	// A crash mid-send could only leave a pending message behind in a
	// cache that predates pending filtering; such an entry has no send
	// left to confirm or remove it and must not come back.
	stale := msg(LocalIDPrefix+"dead", "me", "never confirmed", "2026-01-01T09:00:00Z")
	stale.Status = StatusPending
	cache := NewMemoryCacheStore()
	cache.Write(MessagesCacheScope(Scope{ID: "c1", Kind: KindDirect}), []Message{stale, m1})

	rt := NewFakeRealtime()
	s := NewConversationSync(client, rt, cache, "c1", nil)
	defer s.Close()

	s.Start(context.Background())

	st := s.State()
	if len(st.Messages) != 1 || st.Messages[0].ID != "m1" {
		t.Fatalf("stale pending entry must not load from cache, got %+v", st.Messages)
	}

	s.Refresh(context.Background())
	st = s.State()
	if len(st.Messages) != 1 || st.Messages[0].ID != "m1" {
		t.Fatalf("stale pending entry must not survive refresh, got %+v", st.Messages)
	}
}

func TestConversationSyncPendingNeverWrittenToCache(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeOK(w, []Message{})
			return
		}
		<-release
		writeOK(w, msg("srv-1", "me", "hey", "2026-01-01T10:00:00Z"))
	})
	client := newTestClient(t, mux)

	cache := NewMemoryCacheStore()
	rt := NewFakeRealtime()
	s := NewConversationSync(client, rt, cache, "c1", nil)
	defer s.Close()
	s.Start(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "hey", nil)
		done <- err
	}()
	waitFor(t, func() bool {
		st := s.State()
		return len(st.Messages) == 1 && st.Messages[0].Pending()
	})

	// A refresh landing mid-send keeps the pending message on screen
	// but must not persist it.
	s.Refresh(context.Background())

	st := s.State()
	if len(st.Messages) != 1 || !st.Messages[0].Pending() {
		t.Fatalf("pending message must survive refresh in memory, got %+v", st.Messages)
	}
	var cached []Message
	if !cache.Read(MessagesCacheScope(Scope{ID: "c1", Kind: KindDirect}), &cached) {
		t.Fatal("expected refresh to write the cache")
	}
	if len(cached) != 0 {
		t.Fatalf("pending message leaked into the cache: %+v", cached)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("send failed: %v", err)
	}
}

func TestConversationSyncReactionReplaces(t *testing.T) {
	m1 := msg("m1", "peer", "hi", "2026-01-01T10:00:00Z")

	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, []Message{m1})
	})
	client := newTestClient(t, mux)

	rt := NewFakeRealtime()
	s := NewConversationSync(client, rt, NewMemoryCacheStore(), "c1", nil)
	defer s.Close()
	s.Start(context.Background())
	waitFor(t, func() bool { return len(s.State().Messages) == 1 })

	updated := m1
	updated.Reactions = []Reaction{{UserID: "peer", Emoji: "❤️"}}
	rt.Publish(EventMessageReaction, ReactionEventPayload{ConversationID: "c1", Message: updated})

	st := s.State()
	if len(st.Messages) != 1 || len(st.Messages[0].Reactions) != 1 {
		t.Fatalf("expected reaction applied in place, got %+v", st.Messages)
	}
}

func TestConversationSyncGone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, "NOT_FOUND", "no such conversation")
	})
	client := newTestClient(t, mux)

	rt := NewFakeRealtime()
	s := NewConversationSync(client, rt, NewMemoryCacheStore(), "c1", nil)
	defer s.Close()

	var gone atomic.Bool
	s.OnGone(func() { gone.Store(true) })
	s.Start(context.Background())

	waitFor(t, gone.Load)
}

func TestConversationSyncTypingEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, []Message{})
	})
	client := newTestClient(t, mux)

	rt := NewFakeRealtime()
	s := NewConversationSync(client, rt, NewMemoryCacheStore(), "c1", nil)
	defer s.Close()
	s.Start(context.Background())

	rt.Publish(EventTypingStart, TypingEventPayload{ConversationID: "c1", UserID: "peer"})
	if users := s.Typing().TypingUsers(); len(users) != 1 || users[0] != "peer" {
		t.Fatalf("expected peer typing, got %v", users)
	}

	// The local user's own typing echo is dropped.
	rt.Publish(EventTypingStart, TypingEventPayload{ConversationID: "c1", UserID: "me"})
	if users := s.Typing().TypingUsers(); len(users) != 1 {
		t.Fatalf("own typing echo must be ignored, got %v", users)
	}

	// Foreign-scope typing is dropped.
	rt.Publish(EventTypingStart, TypingEventPayload{ConversationID: "c2", UserID: "other"})
	if users := s.Typing().TypingUsers(); len(users) != 1 {
		t.Fatalf("foreign-scope typing must be ignored, got %v", users)
	}

	rt.Publish(EventTypingStop, TypingEventPayload{ConversationID: "c1", UserID: "peer"})
	if users := s.Typing().TypingUsers(); len(users) != 0 {
		t.Fatalf("expected typing cleared, got %v", users)
	}
}

// ============================================================================
// ListSync
// ============================================================================

func listTestClient(t *testing.T, convs []Conversation, rooms []RoomSummary) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, convs)
	})
	mux.HandleFunc("/api/rooms/my", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, rooms)
	})
	return newTestClient(t, mux)
}

func TestListSyncCachePaintThenRefresh(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeOK(w, []Conversation{{ID: "c1", DisplayName: "Nino"}, {ID: "c2", DisplayName: "Giorgi"}})
	})
	mux.HandleFunc("/api/rooms/my", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, []RoomSummary{{ID: "r1", Name: "Lobby"}})
	})
	client := newTestClient(t, mux)

	cache := NewMemoryCacheStore()
	cache.Write(CacheScopeConversations, []Conversation{{ID: "c1", DisplayName: "Nino"}})

	rt := NewFakeRealtime()
	s := NewListSync(client, rt, cache, nil)
	defer s.Close()

	s.Start(context.Background())

	st := s.State()
	if st.Loading || len(st.Conversations) != 1 {
		t.Fatalf("expected cached conversation painted, got %+v", st)
	}

	close(release)
	waitFor(t, func() bool {
		st := s.State()
		return len(st.Conversations) == 2 && len(st.Rooms) == 1
	})

	var cachedRooms []RoomSummary
	if !cache.Read(CacheScopeRooms, &cachedRooms) || len(cachedRooms) != 1 {
		t.Fatal("expected rooms written back to cache")
	}
}

func TestListSyncMessageNewUpdatesPreview(t *testing.T) {
	client := listTestClient(t, []Conversation{{ID: "c1", DisplayName: "Nino"}}, nil)

	rt := NewFakeRealtime()
	s := NewListSync(client, rt, NewMemoryCacheStore(), nil)
	defer s.Close()
	s.Start(context.Background())
	waitFor(t, func() bool { return len(s.State().Conversations) == 1 })

	rt.Publish(EventMessageNew, MessageEventPayload{
		ConversationID: "c1",
		Message:        msg("m1", "peer", "hi there", "2026-01-01T10:00:00Z"),
	})

	st := s.State()
	c := st.Conversations[0]
	if c.LastMessage == nil || c.LastMessage.Content != "hi there" {
		t.Fatalf("expected last message updated, got %+v", c.LastMessage)
	}
	if c.UnreadCount != 1 {
		t.Fatalf("expected unread bump for remote sender, got %d", c.UnreadCount)
	}

	// Local user's own message never bumps unread.
	rt.Publish(EventMessageNew, MessageEventPayload{
		ConversationID: "c1",
		Message:        msg("m2", "me", "reply", "2026-01-01T10:00:05Z"),
	})
	if got := s.State().Conversations[0].UnreadCount; got != 1 {
		t.Fatalf("own message must not bump unread, got %d", got)
	}

	// Unknown scope is ignored until the next refresh.
	rt.Publish(EventMessageNew, MessageEventPayload{
		ConversationID: "ghost",
		Message:        msg("m3", "peer", "?", "2026-01-01T10:00:10Z"),
	})
	if got := len(s.State().Conversations); got != 1 {
		t.Fatalf("unknown scope must not create conversations, got %d", got)
	}
}

func TestListSyncRoomEvents(t *testing.T) {
	client := listTestClient(t, nil, []RoomSummary{
		{ID: "r1", Name: "Lobby", MemberCount: 5, AdminID: "admin-1", Theme: "default"},
		{ID: "r2", Name: "Spam"},
	})

	rt := NewFakeRealtime()
	s := NewListSync(client, rt, NewMemoryCacheStore(), nil)
	defer s.Close()
	s.Start(context.Background())
	waitFor(t, func() bool { return len(s.State().Rooms) == 2 })

	t.Run("theme change", func(t *testing.T) {
		rt.Publish(EventThemeChangedRoom, ThemeEventPayload{RoomID: "r1", Theme: "neon", Summary: "changed the theme", ActorID: "admin-1"})
		r := s.State().Rooms[0]
		if r.Theme != "neon" {
			t.Fatalf("expected theme neon, got %q", r.Theme)
		}
		if r.LastActivity == nil || r.LastActivity.Type != ActivityTheme {
			t.Fatalf("expected theme activity, got %+v", r.LastActivity)
		}
	})

	t.Run("admin change", func(t *testing.T) {
		rt.Publish(EventAdminChangedRoom, AdminChangedPayload{RoomID: "r1", UserID: "admin-2"})
		if got := s.State().Rooms[0].AdminID; got != "admin-2" {
			t.Fatalf("expected admin-2, got %q", got)
		}
	})

	t.Run("member left", func(t *testing.T) {
		rt.Publish(EventMemberLeftRoom, MemberLeftPayload{RoomID: "r1", UserID: "other", Summary: "left the room"})
		if got := s.State().Rooms[0].MemberCount; got != 4 {
			t.Fatalf("expected member count 4, got %d", got)
		}
	})

	t.Run("self left removes room", func(t *testing.T) {
		rt.Publish(EventMemberLeftRoom, MemberLeftPayload{RoomID: "r2", UserID: "me"})
		if got := len(s.State().Rooms); got != 1 {
			t.Fatalf("expected r2 removed, got %d rooms", got)
		}
	})

	t.Run("room deleted", func(t *testing.T) {
		rt.Publish(EventRoomDeleted, RoomDeletedPayload{RoomID: "r1"})
		if got := len(s.State().Rooms); got != 0 {
			t.Fatalf("expected no rooms, got %d", got)
		}
	})
}

func TestListSyncConversationUpdatedUpserts(t *testing.T) {
	client := listTestClient(t, []Conversation{{ID: "c1", DisplayName: "Nino"}}, nil)

	rt := NewFakeRealtime()
	s := NewListSync(client, rt, NewMemoryCacheStore(), nil)
	defer s.Close()
	s.Start(context.Background())
	waitFor(t, func() bool { return len(s.State().Conversations) == 1 })

	rt.Publish(EventConversationUpdated, ConversationEventPayload{
		Conversation: Conversation{ID: "c1", DisplayName: "Nino", IsPinned: true},
	})
	if !s.State().Conversations[0].IsPinned {
		t.Fatal("expected pin applied via conversation:updated")
	}

	rt.Publish(EventConversationUpdated, ConversationEventPayload{
		Conversation: Conversation{ID: "c9", DisplayName: "New"},
	})
	if got := len(s.State().Conversations); got != 2 {
		t.Fatalf("expected new conversation appended, got %d", got)
	}
}

func TestListSyncFeed(t *testing.T) {
	client := listTestClient(t,
		[]Conversation{
			{ID: "c1", DisplayName: "Nino", LastMessage: &LastMessage{ID: "m", Content: "hey", SenderID: "peer", SentAt: "2026-01-01T10:00:00Z"}},
			{ID: "c2", DisplayName: "Archived", IsArchived: true},
		},
		[]RoomSummary{{ID: "r1", Name: "Lobby", LastActivityAt: "2026-01-01T09:00:00Z"}},
	)

	rt := NewFakeRealtime()
	s := NewListSync(client, rt, NewMemoryCacheStore(), nil)
	defer s.Close()
	s.Start(context.Background())
	waitFor(t, func() bool { return len(s.State().Conversations) == 2 })

	feed := s.Feed(ViewChats, "")
	if len(feed) != 2 {
		t.Fatalf("chats view: expected conversation + room, got %d items", len(feed))
	}
	if feed[0].ID != "c1" {
		t.Fatalf("expected newest first, got %s", feed[0].ID)
	}

	archived := s.Feed(ViewArchived, "")
	if len(archived) != 1 || archived[0].ID != "c2" {
		t.Fatalf("archived view wrong: %+v", archived)
	}
}
