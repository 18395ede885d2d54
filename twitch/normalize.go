package twitch

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	twitchirc "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/streamchat/model"
)

// channelKey maps an IRC channel name onto the canonical key. Twitch channel
// ids are login names; the numeric room id is only needed for Helix lookups.
func channelKey(channel string) model.ChannelKey {
	return model.ChannelKey{
		Platform:  model.PlatformTwitch,
		ChannelID: strings.ToLower(strings.TrimPrefix(channel, "#")),
	}
}

func normalizeUser(u twitchirc.User, tags map[string]string) model.User {
	out := model.User{
		ID:          u.ID,
		Name:        u.Name,
		DisplayName: u.DisplayName,
		Color:       u.Color,
	}
	names := make([]string, 0, len(u.Badges))
	for name := range u.Badges {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out.Badges = append(out.Badges, model.Badge{
			ID:   name + "/" + strconv.Itoa(u.Badges[name]),
			Name: name,
		})
		switch name {
		case "broadcaster":
			out.IsBroadcaster = true
		case "moderator":
			out.IsMod = true
		case "subscriber", "founder":
			out.IsSubscriber = true
		}
	}
	if tags["mod"] == "1" {
		out.IsMod = true
	}
	if tags["subscriber"] == "1" {
		out.IsSubscriber = true
	}
	return out
}

// emoteSpans converts Twitch emote tag positions, which are inclusive on both
// ends and count code points, to half-open spans.
func emoteSpans(emotes []*twitchirc.Emote) []model.EmoteSpan {
	if len(emotes) == 0 {
		return nil
	}
	var spans []model.EmoteSpan
	for _, e := range emotes {
		for _, pos := range e.Positions {
			spans = append(spans, model.EmoteSpan{
				ID:       e.ID,
				Provider: model.EmoteTwitch,
				Name:     e.Name,
				Start:    pos.Start,
				End:      pos.End + 1,
			})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	return spans
}

// hypeChat extracts paid pinned message details from pinned-chat-paid-* tags.
// The amount tag is in minor currency units with a separate exponent.
func hypeChat(tags map[string]string) *model.HypeChat {
	amountRaw, ok := tags["pinned-chat-paid-amount"]
	if !ok {
		return nil
	}
	amount, err := strconv.ParseInt(amountRaw, 10, 64)
	if err != nil {
		return nil
	}
	exponent, _ := strconv.Atoi(tags["pinned-chat-paid-exponent"])
	scaled := float64(amount)
	for i := 0; i < exponent; i++ {
		scaled /= 10
	}
	return &model.HypeChat{
		Amount:   strconv.FormatFloat(scaled, 'f', exponent, 64),
		Currency: tags["pinned-chat-paid-currency"],
		Level:    tags["pinned-chat-paid-level"],
	}
}

func normalizePrivate(msg twitchirc.PrivateMessage) *model.Message {
	out := &model.Message{
		ID:           msg.ID,
		Channel:      channelKey(msg.Channel),
		Author:       normalizeUser(msg.User, msg.Tags),
		Text:         msg.Message,
		Timestamp:    msg.Time.UTC(),
		Emotes:       emoteSpans(msg.Emotes),
		Kind:         model.KindChat,
		Action:       msg.Action,
		FirstMessage: msg.FirstMessage,
		HypeChat:     hypeChat(msg.Tags),
	}
	if msg.Reply != nil && msg.Reply.ParentMsgID != "" {
		out.ReplyParent = &model.ReplyRef{
			ID:                msg.Reply.ParentMsgID,
			AuthorDisplayName: msg.Reply.ParentDisplayName,
			TextSnippet:       msg.Reply.ParentMsgBody,
		}
	}
	return out
}

func noticeType(msgID string) model.NoticeType {
	switch msgID {
	case "sub", "resub":
		return model.NoticeSubscribe
	case "subgift", "submysterygift", "giftpaidupgrade", "anongiftpaidupgrade",
		"primepaidupgrade", "communitypayforward", "standardpayforward":
		return model.NoticeGift
	case "raid":
		return model.NoticeRaid
	}
	return model.NoticeGeneric
}

func normalizeUserNotice(msg twitchirc.UserNoticeMessage) *model.Message {
	return &model.Message{
		ID:         msg.ID,
		Channel:    channelKey(msg.Channel),
		Author:     normalizeUser(msg.User, msg.Tags),
		Text:       msg.Message,
		Timestamp:  msg.Time.UTC(),
		Emotes:     emoteSpans(msg.Emotes),
		Kind:       model.KindSystemNotice,
		Notice:     noticeType(msg.MsgID),
		SystemText: msg.SystemMsg,
	}
}

func normalizeWhisper(msg twitchirc.WhisperMessage) *model.Message {
	return &model.Message{
		ID:        msg.MessageID,
		Channel:   model.ChannelKey{Platform: model.PlatformTwitch},
		Author:    normalizeUser(msg.User, nil),
		Text:      msg.Message,
		Timestamp: time.Now().UTC(),
		Kind:      model.KindWhisper,
		Action:    msg.Action,
	}
}

// normalizeClearChat maps CLEARCHAT onto a ban, timeout, or full clear.
func normalizeClearChat(msg twitchirc.ClearChatMessage) *model.ModerationEvent {
	ev := &model.ModerationEvent{
		Channel:      channelKey(msg.Channel),
		TargetUserID: msg.TargetUserID,
	}
	switch {
	case msg.TargetUserID == "" && msg.TargetUsername == "":
		ev.Kind = model.ModClearChat
	case msg.BanDuration > 0:
		ev.Kind = model.ModTimeoutUser
		ev.Duration = time.Duration(msg.BanDuration) * time.Second
	default:
		ev.Kind = model.ModBanUser
	}
	return ev
}

func normalizeClearMsg(msg twitchirc.ClearMessage) *model.ModerationEvent {
	return &model.ModerationEvent{
		Channel:         channelKey(msg.Channel),
		Kind:            model.ModDeleteMessage,
		TargetMessageID: msg.TargetMsgID,
	}
}

// normalizeRoomState reads the restriction tags. followers-only is minutes
// with -1 meaning off; slow is seconds.
func normalizeRoomState(msg twitchirc.RoomStateMessage) *model.RoomState {
	rs := &model.RoomState{Channel: channelKey(msg.Channel)}
	if v, ok := msg.Tags["slow"]; ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			rs.SlowMode = time.Duration(secs) * time.Second
		}
	}
	if v, ok := msg.Tags["followers-only"]; ok {
		if mins, err := strconv.Atoi(v); err == nil && mins >= 0 {
			rs.FollowersOnly = true
		}
	}
	rs.EmoteOnly = msg.Tags["emote-only"] == "1"
	rs.SubsOnly = msg.Tags["subs-only"] == "1"
	return rs
}

// ircChannel returns the channel name gempir expects for Join/Say.
func ircChannel(key model.ChannelKey) (string, error) {
	if key.Platform != model.PlatformTwitch || key.ChannelID == "" {
		return "", fmt.Errorf("not a twitch channel: %s", key)
	}
	return key.ChannelID, nil
}
