package echoroom

import (
	"sort"
	"strings"
)

// ============================================================================
// ConversationListProjector
// ============================================================================

// View selects which slice of the merged feed is shown.
type View string

const (
	// ViewChats is the main inbox: everything except archived threads
	// and message requests.
	ViewChats View = "chats"
	// ViewRequests lists message requests only, disjoint from chats.
	ViewRequests View = "requests"
	// ViewArchived lists archived threads only.
	ViewArchived View = "archived"
)

// FeedItem is one row of the projected inbox feed.
type FeedItem struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Preview     string `json:"preview"`
	PreviewAt   string `json:"previewAt"`
	UnreadCount int    `json:"unreadCount"`
	IsPinned    bool   `json:"isPinned"`
	IsMuted     bool   `json:"isMuted"`
	IsArchived  bool   `json:"isArchived"`
}

// Projector merges direct conversations and joined rooms into one
// ordered, filtered feed and derives the per-row preview line.
type Projector struct {
	// LocalUserID drives the "You:" / "You " preview prefixes.
	LocalUserID string
}

// Project builds the feed for one view. Search is a case-insensitive
// substring match against the display name or the derived preview.
func (p *Projector) Project(convs []Conversation, rooms []RoomSummary, view View, search string) []FeedItem {
	items := make([]FeedItem, 0, len(convs)+len(rooms))

	for i := range convs {
		items = append(items, p.projectConversation(&convs[i]))
	}
	// Rooms never appear in the requests or archived views.
	if view == ViewChats {
		for i := range rooms {
			items = append(items, p.projectRoom(&rooms[i]))
		}
	}

	filtered := items[:0]
	needle := strings.ToLower(strings.TrimSpace(search))
	for _, it := range items {
		if !matchesView(&it, convs, view) {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(it.DisplayName), needle) &&
			!strings.Contains(strings.ToLower(it.Preview), needle) {
			continue
		}
		filtered = append(filtered, it)
	}

	// Pinned first, then newest activity; stable so equal keys keep
	// their merge order.
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].IsPinned != filtered[j].IsPinned {
			return filtered[i].IsPinned
		}
		return filtered[i].PreviewAt > filtered[j].PreviewAt
	})

	return filtered
}

func matchesView(it *FeedItem, convs []Conversation, view View) bool {
	switch view {
	case ViewRequests:
		return isRequest(it.ID, convs)
	case ViewArchived:
		return it.IsArchived
	default:
		return !it.IsArchived && !isRequest(it.ID, convs)
	}
}

func isRequest(id string, convs []Conversation) bool {
	for i := range convs {
		if convs[i].ID == id {
			return convs[i].IsRequest
		}
	}
	return false
}

func (p *Projector) projectConversation(c *Conversation) FeedItem {
	preview, at := p.derivePreview(c.LastMessage, c.LastActivity)
	return FeedItem{
		ID:          c.ID,
		Kind:        KindDirect,
		DisplayName: c.DisplayName,
		AvatarURL:   c.AvatarURL,
		Preview:     preview,
		PreviewAt:   at,
		UnreadCount: c.UnreadCount,
		IsPinned:    c.IsPinned,
		IsMuted:     c.IsMuted,
		IsArchived:  c.IsArchived,
	}
}

func (p *Projector) projectRoom(r *RoomSummary) FeedItem {
	// Rooms have no lastMessage of their own; the preview is
	// synthesized from the last activity.
	preview, at := p.derivePreview(nil, r.LastActivity)
	if at == "" {
		at = r.LastActivityAt
	}
	return FeedItem{
		ID:          r.ID,
		Kind:        KindGroup,
		DisplayName: r.Name,
		AvatarURL:   r.AvatarURL,
		Preview:     preview,
		PreviewAt:   at,
		UnreadCount: r.UnreadCount,
		IsPinned:    r.IsPinned,
		IsMuted:     r.IsMuted,
	}
}

// derivePreview picks the newer of the last message and the last
// non-message activity and renders it.
func (p *Projector) derivePreview(msg *LastMessage, act *Activity) (string, string) {
	if act != nil && act.Type != ActivityMessage && (msg == nil || act.At > msg.SentAt) {
		return p.renderActivity(act), act.At
	}
	if msg != nil {
		return p.renderMessage(msg), msg.SentAt
	}
	if act != nil {
		return p.renderActivity(act), act.At
	}
	return "", ""
}

func (p *Projector) renderMessage(msg *LastMessage) string {
	if msg.SenderID == p.LocalUserID {
		return "You: " + msg.Content
	}
	if msg.SenderName != "" {
		return msg.SenderName + ": " + msg.Content
	}
	return msg.Content
}

// renderActivity has one rendering per activity tag. The Summary text
// is pre-rendered by the server; only the icon and the "You " prefix
// for local reactions are added here.
func (p *Projector) renderActivity(act *Activity) string {
	switch act.Type {
	case ActivityReaction:
		if act.ActorID == p.LocalUserID {
			return "❤️ You " + act.Summary
		}
		return "❤️ " + act.Summary
	case ActivityTheme:
		return "🎨 " + act.Summary
	case ActivityMembership:
		return "👥 " + act.Summary
	default:
		return act.Summary
	}
}
