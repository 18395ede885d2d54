// Package model defines the canonical chat data model shared by every
// platform connection, the normalizers, the cache, and the manager. Wire
// shapes differ wildly per platform; everything downstream of a normalizer
// speaks these types only.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies a chat provider.
type Platform string

const (
	PlatformTwitch  Platform = "twitch"
	PlatformKick    Platform = "kick"
	PlatformYouTube Platform = "youtube"
)

// ChannelKey is the composite identifier "platform:channel_id" uniquely
// identifying a chat room across platforms.
type ChannelKey struct {
	Platform  Platform
	ChannelID string
}

func (k ChannelKey) String() string {
	return string(k.Platform) + ":" + k.ChannelID
}

// IsZero reports whether the key is unset.
func (k ChannelKey) IsZero() bool { return k.Platform == "" && k.ChannelID == "" }

// ParseChannelKey parses "platform:channel_id". The channel id may itself
// contain colons (YouTube video ids do not, but being lenient costs nothing).
func ParseChannelKey(s string) (ChannelKey, error) {
	i := strings.IndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return ChannelKey{}, fmt.Errorf("invalid channel key %q: want platform:channel_id", s)
	}
	p := Platform(strings.ToLower(s[:i]))
	switch p {
	case PlatformTwitch, PlatformKick, PlatformYouTube:
	default:
		return ChannelKey{}, fmt.Errorf("invalid channel key %q: unknown platform %q", s, s[:i])
	}
	return ChannelKey{Platform: p, ChannelID: s[i+1:]}, nil
}

// MessageKind classifies a canonical Message.
type MessageKind int

const (
	KindChat MessageKind = iota
	KindSystemNotice
	KindWhisper
)

// NoticeType further classifies KindSystemNotice messages.
type NoticeType string

const (
	NoticeSubscribe NoticeType = "subscribe"
	NoticeRaid      NoticeType = "raid"
	NoticeGift      NoticeType = "gift"
	NoticeHype      NoticeType = "hype"
	NoticeGeneric   NoticeType = "generic"
)

// EmoteProvider identifies where an emote image comes from.
type EmoteProvider string

const (
	EmoteTwitch  EmoteProvider = "twitch"
	EmoteKick    EmoteProvider = "kick"
	EmoteSevenTV EmoteProvider = "7tv"
	EmoteBTTV    EmoteProvider = "bttv"
	EmoteFFZ     EmoteProvider = "ffz"
)

// EmoteSpan marks a half-open [Start,End) code-point range of Message.Text
// that renders as an emote, matching how Twitch emote tags count positions.
// Spans never overlap.
type EmoteSpan struct {
	ID       string
	Provider EmoteProvider
	Name     string
	Start    int
	End      int
}

// Badge describes a chat badge image.
type Badge struct {
	ID       string // "set/version" for Twitch, badge type for Kick
	Name     string
	ImageURL string
}

// User is a chat message author. Identity is scoped per platform: the same
// human has independent User records on each platform.
type User struct {
	ID            string
	Name          string // login / slug, lowercase
	DisplayName   string
	Color         string // empty when the platform supplied none
	Badges        []Badge
	IsBroadcaster bool
	IsMod         bool
	IsSubscriber  bool
}

// ReplyRef references the parent message of a reply thread. TextSnippet may
// be empty when the parent was not locally cached; it is filled in lazily.
type ReplyRef struct {
	ID                string
	AuthorDisplayName string
	TextSnippet       string
}

// HypeChat carries paid pinned message details (Twitch hype chat and the
// YouTube Super Chat equivalent).
type HypeChat struct {
	Amount   string
	Currency string
	Level    string
}

// Message is the canonical chat message. ID is unique within a ChannelKey for
// the lifetime of a session; redelivery is deduplicated by ID upstream of
// subscribers.
type Message struct {
	ID           string
	Channel      ChannelKey
	Author       User
	Text         string
	Timestamp    time.Time // always UTC
	Emotes       []EmoteSpan
	ReplyParent  *ReplyRef
	Kind         MessageKind
	Notice       NoticeType // set when Kind == KindSystemNotice
	SystemText   string     // platform-rendered notice text ("X subscribed!")
	Action       bool       // /me
	Self         bool       // authored by this process's own bot account
	FirstMessage bool
	HypeChat     *HypeChat
	Deleted      bool // set by moderation application, never by normalizers
}

// ModerationKind classifies a moderation event.
type ModerationKind int

const (
	ModDeleteMessage ModerationKind = iota
	ModTimeoutUser
	ModBanUser
	ModClearChat
)

func (m ModerationKind) String() string {
	switch m {
	case ModDeleteMessage:
		return "delete"
	case ModTimeoutUser:
		return "timeout"
	case ModBanUser:
		return "ban"
	case ModClearChat:
		return "clear"
	}
	return "unknown"
}

// ModerationEvent carries enough data to apply a deletion to any
// already-delivered Message without a resend.
type ModerationEvent struct {
	Channel         ChannelKey
	Kind            ModerationKind
	TargetMessageID string
	TargetUserID    string
	Duration        time.Duration // timeout length, zero otherwise
}

// RoomState reflects channel chat restrictions announced by the platform.
type RoomState struct {
	Channel       ChannelKey
	SlowMode      time.Duration
	SubsOnly      bool
	EmoteOnly     bool
	FollowersOnly bool
}

// ConnState is the connection lifecycle state visible to subscribers.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// EventType tags the Event union.
type EventType int

const (
	EventMessage EventType = iota
	EventModeration
	EventRoomState
	EventConnState
	EventAuthFailed
	EventCatalogUpdated
)

// Event is the single cross-goroutine unit delivered from connections to the
// manager and from the manager to subscribers. Exactly one payload field is
// set, per Type.
type Event struct {
	Type       EventType
	Channel    ChannelKey
	Message    *Message
	Moderation *ModerationEvent
	RoomState  *RoomState
	ConnState  ConnState
	Err        error // EventAuthFailed detail
}
