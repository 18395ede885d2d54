package youtube

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/streamchat/model"
)

// runsText is InnerTube's rich text shape: either a simpleText or a list of
// runs mixing plain text and emoji.
type runsText struct {
	SimpleText string `json:"simpleText"`
	Runs       []struct {
		Text  string `json:"text"`
		Emoji *struct {
			EmojiID       string   `json:"emojiId"`
			Shortcuts     []string `json:"shortcuts"`
			IsCustomEmoji bool     `json:"isCustomEmoji"`
		} `json:"emoji"`
	} `json:"runs"`
}

// text flattens runs into plain text. Unicode emoji carry their codepoints in
// emojiId; custom channel emoji are rendered as their :shortcut:.
func (r runsText) text() string {
	if r.SimpleText != "" {
		return r.SimpleText
	}
	var b strings.Builder
	for _, run := range r.Runs {
		switch {
		case run.Emoji == nil:
			b.WriteString(run.Text)
		case run.Emoji.IsCustomEmoji && len(run.Emoji.Shortcuts) > 0:
			b.WriteString(run.Emoji.Shortcuts[0])
		default:
			b.WriteString(run.Emoji.EmojiID)
		}
	}
	return b.String()
}

type authorBadge struct {
	LiveChatAuthorBadgeRenderer struct {
		Tooltip string `json:"tooltip"`
		Icon    *struct {
			IconType string `json:"iconType"`
		} `json:"icon"`
		CustomThumbnail *struct {
			Thumbnails []struct {
				URL string `json:"url"`
			} `json:"thumbnails"`
		} `json:"customThumbnail"`
	} `json:"liveChatAuthorBadgeRenderer"`
}

// chatAuthor is the author block shared by the item renderers.
type chatAuthor struct {
	AuthorName              runsText      `json:"authorName"`
	AuthorExternalChannelID string        `json:"authorExternalChannelId"`
	AuthorBadges            []authorBadge `json:"authorBadges"`
}

func (a chatAuthor) user() model.User {
	name := a.AuthorName.text()
	u := model.User{
		ID:          a.AuthorExternalChannelID,
		Name:        strings.ToLower(name),
		DisplayName: name,
	}
	for _, b := range a.AuthorBadges {
		r := b.LiveChatAuthorBadgeRenderer
		badge := model.Badge{Name: r.Tooltip}
		switch {
		case r.Icon != nil && r.Icon.IconType == "OWNER":
			u.IsBroadcaster = true
			badge.ID = "owner"
		case r.Icon != nil && r.Icon.IconType == "MODERATOR":
			u.IsMod = true
			badge.ID = "moderator"
		case r.CustomThumbnail != nil:
			// Channel membership badges carry custom art.
			u.IsSubscriber = true
			badge.ID = "member"
			if len(r.CustomThumbnail.Thumbnails) > 0 {
				badge.ImageURL = r.CustomThumbnail.Thumbnails[len(r.CustomThumbnail.Thumbnails)-1].URL
			}
		default:
			badge.ID = strings.ToLower(r.Tooltip)
		}
		u.Badges = append(u.Badges, badge)
	}
	return u
}

type textMessageRenderer struct {
	chatAuthor
	ID            string   `json:"id"`
	TimestampUsec string   `json:"timestampUsec"`
	Message       runsText `json:"message"`
}

type paidMessageRenderer struct {
	chatAuthor
	ID                 string   `json:"id"`
	TimestampUsec      string   `json:"timestampUsec"`
	Message            runsText `json:"message"`
	PurchaseAmountText runsText `json:"purchaseAmountText"`
}

type membershipItemRenderer struct {
	chatAuthor
	ID            string   `json:"id"`
	TimestampUsec string   `json:"timestampUsec"`
	HeaderSubtext runsText `json:"headerSubtext"`
	Message       runsText `json:"message"`
}

type modeChangeRenderer struct {
	ID   string `json:"id"`
	Icon struct {
		IconType string `json:"iconType"`
	} `json:"icon"`
	Text    runsText `json:"text"`
	Subtext runsText `json:"subtext"`
}

type chatItem struct {
	TextMessage *textMessageRenderer    `json:"liveChatTextMessageRenderer"`
	PaidMessage *paidMessageRenderer    `json:"liveChatPaidMessageRenderer"`
	Membership  *membershipItemRenderer `json:"liveChatMembershipItemRenderer"`
	ModeChange  *modeChangeRenderer     `json:"liveChatModeChangeMessageRenderer"`
}

type chatAction struct {
	AddChatItemAction *struct {
		Item chatItem `json:"item"`
	} `json:"addChatItemAction"`
	MarkChatItemAsDeletedAction *struct {
		TargetItemID string `json:"targetItemId"`
	} `json:"markChatItemAsDeletedAction"`
	MarkChatItemsByAuthorAsDeletedAction *struct {
		ExternalChannelID string `json:"externalChannelId"`
	} `json:"markChatItemsByAuthorAsDeletedAction"`
}

// normalizeActions maps one poll page's actions onto canonical events.
// Unrecognized or malformed actions are counted, never fatal.
func normalizeActions(key model.ChannelKey, actions []json.RawMessage) (events []model.Event, dropped int) {
	for _, raw := range actions {
		var act chatAction
		if err := json.Unmarshal(raw, &act); err != nil {
			dropped++
			continue
		}
		switch {
		case act.AddChatItemAction != nil:
			ev, ok := normalizeItem(key, act.AddChatItemAction.Item)
			if !ok {
				dropped++
				continue
			}
			events = append(events, ev)
		case act.MarkChatItemAsDeletedAction != nil:
			events = append(events, model.Event{
				Type:    model.EventModeration,
				Channel: key,
				Moderation: &model.ModerationEvent{
					Channel:         key,
					Kind:            model.ModDeleteMessage,
					TargetMessageID: act.MarkChatItemAsDeletedAction.TargetItemID,
				},
			})
		case act.MarkChatItemsByAuthorAsDeletedAction != nil:
			events = append(events, model.Event{
				Type:    model.EventModeration,
				Channel: key,
				Moderation: &model.ModerationEvent{
					Channel:      key,
					Kind:         model.ModBanUser,
					TargetUserID: act.MarkChatItemsByAuthorAsDeletedAction.ExternalChannelID,
				},
			})
		default:
			dropped++
		}
	}
	return events, dropped
}

func normalizeItem(key model.ChannelKey, item chatItem) (model.Event, bool) {
	switch {
	case item.TextMessage != nil:
		r := item.TextMessage
		return messageEvent(key, &model.Message{
			ID:        r.ID,
			Channel:   key,
			Author:    r.user(),
			Text:      r.Message.text(),
			Timestamp: parseUsec(r.TimestampUsec),
			Kind:      model.KindChat,
		}), true
	case item.PaidMessage != nil:
		r := item.PaidMessage
		return messageEvent(key, &model.Message{
			ID:         r.ID,
			Channel:    key,
			Author:     r.user(),
			Text:       r.Message.text(),
			Timestamp:  parseUsec(r.TimestampUsec),
			Kind:       model.KindSystemNotice,
			Notice:     model.NoticeHype,
			SystemText: r.PurchaseAmountText.text(),
			HypeChat:   &model.HypeChat{Amount: r.PurchaseAmountText.text()},
		}), true
	case item.Membership != nil:
		r := item.Membership
		return messageEvent(key, &model.Message{
			ID:         r.ID,
			Channel:    key,
			Author:     r.user(),
			Text:       r.Message.text(),
			Timestamp:  parseUsec(r.TimestampUsec),
			Kind:       model.KindSystemNotice,
			Notice:     model.NoticeSubscribe,
			SystemText: r.HeaderSubtext.text(),
		}), true
	case item.ModeChange != nil:
		return model.Event{
			Type:      model.EventRoomState,
			Channel:   key,
			RoomState: normalizeModeChange(key, item.ModeChange),
		}, true
	}
	return model.Event{}, false
}

func messageEvent(key model.ChannelKey, msg *model.Message) model.Event {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return model.Event{Type: model.EventMessage, Channel: key, Message: msg}
}

var slowSecondsRE = regexp.MustCompile(`(\d+)\s*second`)

// normalizeModeChange reads the mode toggle announcements. The renderer only
// states the mode and direction in prose, so the slow-mode interval is pulled
// out of the subtext ("Send a message every 5 seconds").
func normalizeModeChange(key model.ChannelKey, r *modeChangeRenderer) *model.RoomState {
	rs := &model.RoomState{Channel: key}
	text := strings.ToLower(r.Text.text())
	enabled := !strings.Contains(text, "off") && !strings.Contains(text, "disabled")
	switch r.Icon.IconType {
	case "SLOW_MODE":
		if enabled {
			rs.SlowMode = time.Second
			if m := slowSecondsRE.FindStringSubmatch(r.Subtext.text()); m != nil {
				if secs, err := strconv.Atoi(m[1]); err == nil && secs > 0 {
					rs.SlowMode = time.Duration(secs) * time.Second
				}
			}
		}
	case "MEMBERS_ONLY":
		rs.SubsOnly = enabled
	}
	return rs
}

func parseUsec(s string) time.Time {
	if usec, err := strconv.ParseInt(s, 10, 64); err == nil && usec > 0 {
		return time.UnixMicro(usec).UTC()
	}
	return time.Now().UTC()
}
