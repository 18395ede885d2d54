package twitch

import (
	"testing"
	"time"

	twitchirc "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/streamchat/model"
)

func parsePrivate(t *testing.T, line string) twitchirc.PrivateMessage {
	t.Helper()
	msg, ok := twitchirc.ParseMessage(line).(*twitchirc.PrivateMessage)
	if !ok {
		t.Fatalf("ParseMessage(%q) did not yield a PrivateMessage", line)
	}
	return *msg
}

func TestNormalizePrivateMessage(t *testing.T) {
	line := "@badge-info=subscriber/22;badges=subscriber/18,premium/1;color=#FF4500;" +
		"display-name=SomeUser;emotes=25:6-10;first-msg=1;id=msg-abc;mod=0;room-id=11148817;" +
		"subscriber=1;tmi-sent-ts=1641024000000;user-id=424242;user-type= " +
		":someuser!someuser@someuser.tmi.twitch.tv PRIVMSG #pajlada :hello Kappa world"

	m := normalizePrivate(parsePrivate(t, line))

	if m.ID != "msg-abc" {
		t.Errorf("ID = %q, want msg-abc", m.ID)
	}
	want := model.ChannelKey{Platform: model.PlatformTwitch, ChannelID: "pajlada"}
	if m.Channel != want {
		t.Errorf("Channel = %v, want %v", m.Channel, want)
	}
	if m.Kind != model.KindChat {
		t.Errorf("Kind = %v, want KindChat", m.Kind)
	}
	if m.Text != "hello Kappa world" {
		t.Errorf("Text = %q", m.Text)
	}
	if !m.FirstMessage {
		t.Error("FirstMessage = false, want true")
	}
	if m.Author.ID != "424242" || m.Author.Name != "someuser" || m.Author.DisplayName != "SomeUser" {
		t.Errorf("Author = %+v", m.Author)
	}
	if m.Author.Color != "#FF4500" {
		t.Errorf("Color = %q", m.Author.Color)
	}
	if !m.Author.IsSubscriber {
		t.Error("IsSubscriber = false, want true")
	}
	if m.Author.IsMod || m.Author.IsBroadcaster {
		t.Errorf("flags = mod:%v broadcaster:%v, want neither", m.Author.IsMod, m.Author.IsBroadcaster)
	}
	if len(m.Emotes) != 1 {
		t.Fatalf("Emotes = %v, want 1 span", m.Emotes)
	}
	// Tag range 6-10 is inclusive on both ends; spans are half-open.
	sp := m.Emotes[0]
	if sp.ID != "25" || sp.Name != "Kappa" || sp.Start != 6 || sp.End != 11 {
		t.Errorf("span = %+v, want 25/Kappa [6,11)", sp)
	}
	if sp.Provider != model.EmoteTwitch {
		t.Errorf("Provider = %q, want twitch", sp.Provider)
	}
	if ts := time.UnixMilli(1641024000000).UTC(); !m.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", m.Timestamp, ts)
	}
	if m.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp location = %v, want UTC", m.Timestamp.Location())
	}
}

func TestNormalizePrivateBadgeFlags(t *testing.T) {
	line := "@badges=broadcaster/1,moderator/1;display-name=Owner;emotes=;id=1;mod=1;" +
		"room-id=1;subscriber=0;tmi-sent-ts=1641024000000;user-id=1 " +
		":owner!owner@owner.tmi.twitch.tv PRIVMSG #owner :hi"

	m := normalizePrivate(parsePrivate(t, line))

	if !m.Author.IsBroadcaster || !m.Author.IsMod {
		t.Errorf("flags = %+v, want broadcaster and mod", m.Author)
	}
	if len(m.Author.Badges) != 2 {
		t.Fatalf("Badges = %v, want 2", m.Author.Badges)
	}
	// Badges come out sorted by set name.
	if m.Author.Badges[0].ID != "broadcaster/1" || m.Author.Badges[1].ID != "moderator/1" {
		t.Errorf("Badges = %v", m.Author.Badges)
	}
}

func TestNormalizePrivateAction(t *testing.T) {
	line := "@badges=;display-name=U;emotes=;id=2;room-id=1;tmi-sent-ts=1641024000000;user-id=2 " +
		":u!u@u.tmi.twitch.tv PRIVMSG #chan :\x01ACTION waves\x01"

	m := normalizePrivate(parsePrivate(t, line))

	if !m.Action {
		t.Error("Action = false, want true")
	}
	if m.Text != "waves" {
		t.Errorf("Text = %q, want waves", m.Text)
	}
}

func TestNormalizePrivateReply(t *testing.T) {
	line := "@badges=;display-name=Replier;emotes=;id=3;room-id=1;" +
		"reply-parent-msg-id=parent-id;reply-parent-display-name=Original;" +
		"reply-parent-msg-body=the\\soriginal\\stext;reply-parent-user-login=original;" +
		"tmi-sent-ts=1641024000000;user-id=3 " +
		":replier!replier@replier.tmi.twitch.tv PRIVMSG #chan :@Original agreed"

	m := normalizePrivate(parsePrivate(t, line))

	if m.ReplyParent == nil {
		t.Fatal("ReplyParent = nil")
	}
	if m.ReplyParent.ID != "parent-id" {
		t.Errorf("ReplyParent.ID = %q", m.ReplyParent.ID)
	}
	if m.ReplyParent.AuthorDisplayName != "Original" {
		t.Errorf("AuthorDisplayName = %q", m.ReplyParent.AuthorDisplayName)
	}
	if m.ReplyParent.TextSnippet != "the original text" {
		t.Errorf("TextSnippet = %q", m.ReplyParent.TextSnippet)
	}
}

func TestNormalizePrivateHypeChat(t *testing.T) {
	line := "@badges=;display-name=Payer;emotes=;id=4;room-id=1;" +
		"pinned-chat-paid-amount=500;pinned-chat-paid-currency=USD;" +
		"pinned-chat-paid-exponent=2;pinned-chat-paid-level=ONE;" +
		"tmi-sent-ts=1641024000000;user-id=4 " +
		":payer!payer@payer.tmi.twitch.tv PRIVMSG #chan :take my money"

	m := normalizePrivate(parsePrivate(t, line))

	if m.HypeChat == nil {
		t.Fatal("HypeChat = nil")
	}
	if m.HypeChat.Amount != "5.00" {
		t.Errorf("Amount = %q, want 5.00", m.HypeChat.Amount)
	}
	if m.HypeChat.Currency != "USD" || m.HypeChat.Level != "ONE" {
		t.Errorf("HypeChat = %+v", m.HypeChat)
	}
}

func TestNormalizePrivateNoHypeChat(t *testing.T) {
	line := "@badges=;display-name=U;emotes=;id=5;room-id=1;tmi-sent-ts=1641024000000;user-id=5 " +
		":u!u@u.tmi.twitch.tv PRIVMSG #chan :plain message"

	if m := normalizePrivate(parsePrivate(t, line)); m.HypeChat != nil {
		t.Errorf("HypeChat = %+v, want nil", m.HypeChat)
	}
}

func TestNormalizeUserNotice(t *testing.T) {
	tests := []struct {
		msgID string
		want  model.NoticeType
	}{
		{"sub", model.NoticeSubscribe},
		{"resub", model.NoticeSubscribe},
		{"subgift", model.NoticeGift},
		{"submysterygift", model.NoticeGift},
		{"giftpaidupgrade", model.NoticeGift},
		{"anongiftpaidupgrade", model.NoticeGift},
		{"primepaidupgrade", model.NoticeGift},
		{"communitypayforward", model.NoticeGift},
		{"standardpayforward", model.NoticeGift},
		{"raid", model.NoticeRaid},
		{"announcement", model.NoticeGeneric},
		{"bitsbadgetier", model.NoticeGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.msgID, func(t *testing.T) {
			line := "@badge-info=;badges=;display-name=Someone;emotes=;id=un-1;login=someone;" +
				"msg-id=" + tt.msgID + ";room-id=1;" +
				"system-msg=Someone\\sdid\\sa\\sthing!;tmi-sent-ts=1641024000000;user-id=9 " +
				":tmi.twitch.tv USERNOTICE #chan"
			msg, ok := twitchirc.ParseMessage(line).(*twitchirc.UserNoticeMessage)
			if !ok {
				t.Fatal("not a UserNoticeMessage")
			}
			m := normalizeUserNotice(*msg)
			if m.Kind != model.KindSystemNotice {
				t.Errorf("Kind = %v, want KindSystemNotice", m.Kind)
			}
			if m.Notice != tt.want {
				t.Errorf("Notice = %q, want %q", m.Notice, tt.want)
			}
			if m.SystemText != "Someone did a thing!" {
				t.Errorf("SystemText = %q", m.SystemText)
			}
		})
	}
}

func TestNormalizeWhisper(t *testing.T) {
	line := "@badges=;color=#00FF00;display-name=Sender;emotes=;message-id=42;thread-id=1_2;user-id=1 " +
		":sender!sender@sender.tmi.twitch.tv WHISPER recipient :psst"
	msg, ok := twitchirc.ParseMessage(line).(*twitchirc.WhisperMessage)
	if !ok {
		t.Fatal("not a WhisperMessage")
	}

	m := normalizeWhisper(*msg)

	if m.Kind != model.KindWhisper {
		t.Errorf("Kind = %v, want KindWhisper", m.Kind)
	}
	if m.ID != "42" {
		t.Errorf("ID = %q, want 42", m.ID)
	}
	if m.Text != "psst" {
		t.Errorf("Text = %q", m.Text)
	}
	// Whispers are not scoped to a room.
	if m.Channel.ChannelID != "" {
		t.Errorf("Channel = %v, want no channel id", m.Channel)
	}
	if m.Channel.Platform != model.PlatformTwitch {
		t.Errorf("Platform = %q", m.Channel.Platform)
	}
}

func TestNormalizeClearChat(t *testing.T) {
	tests := []struct {
		name         string
		line         string
		wantKind     model.ModerationKind
		wantTarget   string
		wantDuration time.Duration
	}{
		{
			name: "timeout",
			line: "@ban-duration=600;room-id=1;target-user-id=99;tmi-sent-ts=1641024000000 " +
				":tmi.twitch.tv CLEARCHAT #chan :baduser",
			wantKind:     model.ModTimeoutUser,
			wantTarget:   "99",
			wantDuration: 10 * time.Minute,
		},
		{
			name: "permanent ban",
			line: "@room-id=1;target-user-id=99;tmi-sent-ts=1641024000000 " +
				":tmi.twitch.tv CLEARCHAT #chan :baduser",
			wantKind:   model.ModBanUser,
			wantTarget: "99",
		},
		{
			name:     "full clear",
			line:     "@room-id=1;tmi-sent-ts=1641024000000 :tmi.twitch.tv CLEARCHAT #chan",
			wantKind: model.ModClearChat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := twitchirc.ParseMessage(tt.line).(*twitchirc.ClearChatMessage)
			if !ok {
				t.Fatal("not a ClearChatMessage")
			}
			ev := normalizeClearChat(*msg)
			if ev.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", ev.Kind, tt.wantKind)
			}
			if ev.TargetUserID != tt.wantTarget {
				t.Errorf("TargetUserID = %q, want %q", ev.TargetUserID, tt.wantTarget)
			}
			if ev.Duration != tt.wantDuration {
				t.Errorf("Duration = %v, want %v", ev.Duration, tt.wantDuration)
			}
			if ev.Channel.ChannelID != "chan" {
				t.Errorf("Channel = %v", ev.Channel)
			}
		})
	}
}

func TestNormalizeClearMsg(t *testing.T) {
	line := "@login=baduser;room-id=;target-msg-id=msg-uuid;tmi-sent-ts=1641024000000 " +
		":tmi.twitch.tv CLEARMSG #chan :the offending message"
	msg, ok := twitchirc.ParseMessage(line).(*twitchirc.ClearMessage)
	if !ok {
		t.Fatal("not a ClearMessage")
	}

	ev := normalizeClearMsg(*msg)

	if ev.Kind != model.ModDeleteMessage {
		t.Errorf("Kind = %v, want ModDeleteMessage", ev.Kind)
	}
	if ev.TargetMessageID != "msg-uuid" {
		t.Errorf("TargetMessageID = %q", ev.TargetMessageID)
	}
}

func TestNormalizeRoomState(t *testing.T) {
	tests := []struct {
		name string
		line string
		want model.RoomState
	}{
		{
			name: "restrictions on",
			line: "@emote-only=1;followers-only=10;r9k=0;room-id=1;slow=30;subs-only=1 " +
				":tmi.twitch.tv ROOMSTATE #chan",
			want: model.RoomState{
				SlowMode:      30 * time.Second,
				SubsOnly:      true,
				EmoteOnly:     true,
				FollowersOnly: true,
			},
		},
		{
			name: "followers-only zero minutes still counts",
			line: "@emote-only=0;followers-only=0;room-id=1;slow=0;subs-only=0 " +
				":tmi.twitch.tv ROOMSTATE #chan",
			want: model.RoomState{FollowersOnly: true},
		},
		{
			name: "everything off",
			line: "@emote-only=0;followers-only=-1;room-id=1;slow=0;subs-only=0 " +
				":tmi.twitch.tv ROOMSTATE #chan",
			want: model.RoomState{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := twitchirc.ParseMessage(tt.line).(*twitchirc.RoomStateMessage)
			if !ok {
				t.Fatal("not a RoomStateMessage")
			}
			rs := normalizeRoomState(*msg)
			tt.want.Channel = model.ChannelKey{Platform: model.PlatformTwitch, ChannelID: "chan"}
			if *rs != tt.want {
				t.Errorf("RoomState = %+v, want %+v", *rs, tt.want)
			}
		})
	}
}

func TestEmoteSpansSortedByStart(t *testing.T) {
	spans := emoteSpans([]*twitchirc.Emote{
		{Name: "Keepo", ID: "1902", Count: 1, Positions: []twitchirc.EmotePosition{{Start: 12, End: 16}}},
		{Name: "Kappa", ID: "25", Count: 2, Positions: []twitchirc.EmotePosition{
			{Start: 18, End: 22}, {Start: 0, End: 4},
		}},
	})

	if len(spans) != 3 {
		t.Fatalf("got %d spans, want 3", len(spans))
	}
	for i := 1; i < len(spans); i++ {
		if spans[i].Start < spans[i-1].Start {
			t.Errorf("spans out of order: %+v", spans)
		}
	}
	if spans[0].Name != "Kappa" || spans[0].Start != 0 || spans[0].End != 5 {
		t.Errorf("spans[0] = %+v", spans[0])
	}
}

func TestChannelKeyLowercasesAndTrims(t *testing.T) {
	got := channelKey("#SomeChannel")
	want := model.ChannelKey{Platform: model.PlatformTwitch, ChannelID: "somechannel"}
	if got != want {
		t.Errorf("channelKey = %v, want %v", got, want)
	}
}

func TestIRCChannelRejectsForeignKeys(t *testing.T) {
	if _, err := ircChannel(model.ChannelKey{Platform: model.PlatformKick, ChannelID: "xqc"}); err == nil {
		t.Error("kick key should be rejected")
	}
	if _, err := ircChannel(model.ChannelKey{Platform: model.PlatformTwitch}); err == nil {
		t.Error("empty channel id should be rejected")
	}
	ch, err := ircChannel(model.ChannelKey{Platform: model.PlatformTwitch, ChannelID: "pajlada"})
	if err != nil || ch != "pajlada" {
		t.Errorf("ircChannel = %q, %v", ch, err)
	}
}
