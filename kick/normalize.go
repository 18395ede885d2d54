package kick

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/onnwee/streamchat/model"
)

// Pusher event names. Kick wraps its own events in Laravel broadcast names.
const (
	evChatMessage    = `App\Events\ChatMessageEvent`
	evMessageDeleted = `App\Events\MessageDeletedEvent`
	evUserBanned     = `App\Events\UserBannedEvent`
	evPinnedMessage  = `App\Events\PinnedMessageCreatedEvent`

	evEstablished  = "pusher:connection_established"
	evPing         = "pusher:ping"
	evPong         = "pusher:pong"
	evSubscribe    = "pusher:subscribe"
	evUnsubscribe  = "pusher:unsubscribe"
	evSubSucceeded = "pusher_internal:subscription_succeeded"
)

const emoteURLTemplate = "https://files.kick.com/emotes/%s/fullsize"

// System badge art is not carried on the wire; these are the community-known
// static URLs.
var systemBadgeURLs = map[string]string{
	"broadcaster": "https://www.kickdatabase.com/kickBadges/broadcaster.svg",
	"moderator":   "https://www.kickdatabase.com/kickBadges/moderator.svg",
	"vip":         "https://www.kickdatabase.com/kickBadges/vip.svg",
	"og":          "https://www.kickdatabase.com/kickBadges/og.svg",
	"founder":     "https://www.kickdatabase.com/kickBadges/founder.svg",
	"staff":       "https://www.kickdatabase.com/kickBadges/staff.svg",
	"verified":    "https://www.kickdatabase.com/kickBadges/verified.svg",
	"sub_gifter":  "https://www.kickdatabase.com/kickBadges/subGifter.svg",
}

// emoteRE matches Kick's inline emote tokens: [emote:ID:name].
var emoteRE = regexp.MustCompile(`\[emote:(\d+):([^\]]+)\]`)

// envelope is the outer Pusher frame. Data is raw because Pusher
// double-encodes it: event payloads arrive as a JSON string containing JSON.
type envelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("pusher envelope: %w", err)
	}
	return env, nil
}

// payload unwraps the double-encoded data field. A plain object is passed
// through for the rare frames that skip the string wrapping.
func (e envelope) payload() []byte {
	if len(e.Data) > 0 && e.Data[0] == '"' {
		var s string
		if err := json.Unmarshal(e.Data, &s); err == nil {
			return []byte(s)
		}
	}
	return e.Data
}

type kickSender struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Slug     string `json:"slug"`
	Identity struct {
		Color  string `json:"color"`
		Badges []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"badges"`
	} `json:"identity"`
}

type chatMessageEvent struct {
	ID         string     `json:"id"`
	ChatroomID int        `json:"chatroom_id"`
	Content    string     `json:"content"`
	Type       string     `json:"type"`
	CreatedAt  string     `json:"created_at"`
	Sender     kickSender `json:"sender"`
}

// normalizeChatMessage turns a ChatMessageEvent payload into the canonical
// message. badgeURLs carries the channel's subscriber badge art resolved at
// join time; system badges fall back to static URLs.
func normalizeChatMessage(key model.ChannelKey, data []byte, badgeURLs map[string]string) (*model.Message, error) {
	var ev chatMessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("chat message event: %w", err)
	}

	text, spans := rewriteEmotes(ev.Content)
	msg := &model.Message{
		ID:        ev.ID,
		Channel:   key,
		Author:    normalizeSender(ev.Sender, badgeURLs),
		Text:      text,
		Timestamp: parseTimestamp(ev.CreatedAt),
		Emotes:    spans,
		Kind:      model.KindChat,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return msg, nil
}

func normalizeSender(s kickSender, badgeURLs map[string]string) model.User {
	name := s.Slug
	if name == "" {
		name = strings.ToLower(s.Username)
	}
	u := model.User{
		ID:          itoa(s.ID),
		Name:        name,
		DisplayName: s.Username,
		Color:       s.Identity.Color,
	}
	for _, b := range s.Identity.Badges {
		imageURL := badgeURLs[b.Type]
		if imageURL == "" {
			imageURL = systemBadgeURLs[b.Type]
		}
		badgeName := b.Text
		if badgeName == "" {
			badgeName = b.Type
		}
		u.Badges = append(u.Badges, model.Badge{ID: b.Type, Name: badgeName, ImageURL: imageURL})
		switch b.Type {
		case "broadcaster":
			u.IsBroadcaster = true
		case "moderator":
			u.IsMod = true
		case "subscriber", "founder":
			u.IsSubscriber = true
		}
	}
	return u
}

// rewriteEmotes replaces inline [emote:ID:name] tokens with the emote name
// and records the resulting code-point spans.
func rewriteEmotes(content string) (string, []model.EmoteSpan) {
	matches := emoteRE.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return content, nil
	}
	var b strings.Builder
	var spans []model.EmoteSpan
	last := 0
	runes := 0
	for _, m := range matches {
		before := content[last:m[0]]
		b.WriteString(before)
		runes += utf8.RuneCountInString(before)

		id := content[m[2]:m[3]]
		name := content[m[4]:m[5]]
		start := runes
		b.WriteString(name)
		runes += utf8.RuneCountInString(name)
		spans = append(spans, model.EmoteSpan{
			ID:       id,
			Provider: model.EmoteKick,
			Name:     name,
			Start:    start,
			End:      runes,
		})
		last = m[1]
	}
	b.WriteString(content[last:])
	return b.String(), spans
}

// normalizePinned surfaces a pinned message as a system notice so views can
// distinguish it from the original delivery.
func normalizePinned(key model.ChannelKey, data []byte, badgeURLs map[string]string) (*model.Message, error) {
	var ev struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("pinned message event: %w", err)
	}
	msg, err := normalizeChatMessage(key, ev.Message, badgeURLs)
	if err != nil {
		return nil, err
	}
	msg.Kind = model.KindSystemNotice
	msg.Notice = model.NoticeGeneric
	msg.SystemText = "Pinned message"
	return msg, nil
}

func normalizeDeleted(key model.ChannelKey, data []byte) (*model.ModerationEvent, error) {
	var ev struct {
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("message deleted event: %w", err)
	}
	if ev.Message.ID == "" {
		return nil, fmt.Errorf("message deleted event: no message id")
	}
	return &model.ModerationEvent{
		Channel:         key,
		Kind:            model.ModDeleteMessage,
		TargetMessageID: ev.Message.ID,
	}, nil
}

// normalizeBanned maps UserBannedEvent onto a timeout or permanent ban.
// Kick reports timeout duration in minutes.
func normalizeBanned(key model.ChannelKey, data []byte) (*model.ModerationEvent, error) {
	var ev struct {
		BannedUser struct {
			ID int `json:"id"`
		} `json:"banned_user"`
		User struct {
			ID int `json:"id"`
		} `json:"user"`
		Duration int `json:"duration"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("user banned event: %w", err)
	}
	targetID := ev.BannedUser.ID
	if targetID == 0 {
		targetID = ev.User.ID
	}
	out := &model.ModerationEvent{
		Channel:      key,
		Kind:         model.ModBanUser,
		TargetUserID: itoa(targetID),
	}
	if ev.Duration > 0 {
		out.Kind = model.ModTimeoutUser
		out.Duration = time.Duration(ev.Duration) * time.Minute
	}
	return out, nil
}

func parseTimestamp(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

func itoa(n int) string {
	if n == 0 {
		return ""
	}
	return fmt.Sprintf("%d", n)
}

// chatroomChannel is the Pusher channel name for a chatroom.
func chatroomChannel(chatroomID int) string {
	return fmt.Sprintf("chatrooms.%d.v2", chatroomID)
}

// EmoteURL returns the full-size image URL for a Kick emote id.
func EmoteURL(id string) string {
	return fmt.Sprintf(emoteURLTemplate, id)
}
