package kick

import (
	"testing"
	"time"

	"github.com/onnwee/streamchat/model"
)

func kickKey(slug string) model.ChannelKey {
	return model.ChannelKey{Platform: model.PlatformKick, ChannelID: slug}
}

func TestDecodeEnvelopeDoubleEncoded(t *testing.T) {
	raw := []byte(`{"event":"App\\Events\\ChatMessageEvent","channel":"chatrooms.123.v2",` +
		`"data":"{\"id\":\"m1\",\"content\":\"hi\"}"}`)

	env, err := decodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if env.Event != evChatMessage {
		t.Errorf("Event = %q", env.Event)
	}
	if env.Channel != "chatrooms.123.v2" {
		t.Errorf("Channel = %q", env.Channel)
	}
	if got := string(env.payload()); got != `{"id":"m1","content":"hi"}` {
		t.Errorf("payload = %q", got)
	}
}

func TestEnvelopePayloadObjectPassthrough(t *testing.T) {
	raw := []byte(`{"event":"pusher:subscribe","data":{"auth":"","channel":"chatrooms.1.v2"}}`)
	env, err := decodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if got := string(env.payload()); got != `{"auth":"","channel":"chatrooms.1.v2"}` {
		t.Errorf("payload = %q", got)
	}
}

func TestNormalizeChatMessage(t *testing.T) {
	data := []byte(`{
		"id": "msg-1",
		"chatroom_id": 123,
		"content": "hello chat",
		"type": "message",
		"created_at": "2026-01-02T15:04:05Z",
		"sender": {
			"id": 77,
			"username": "SomeUser",
			"slug": "someuser",
			"identity": {
				"color": "#75FD46",
				"badges": [
					{"type": "moderator", "text": "Moderator"},
					{"type": "subscriber", "text": "Subscriber"}
				]
			}
		}
	}`)
	badgeURLs := map[string]string{"subscriber": "https://img.example/sub.png"}

	msg, err := normalizeChatMessage(kickKey("someuser"), data, badgeURLs)
	if err != nil {
		t.Fatalf("normalizeChatMessage: %v", err)
	}

	if msg.ID != "msg-1" || msg.Text != "hello chat" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Kind != model.KindChat {
		t.Errorf("Kind = %v", msg.Kind)
	}
	want := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	if !msg.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", msg.Timestamp, want)
	}
	if msg.Author.ID != "77" || msg.Author.Name != "someuser" || msg.Author.DisplayName != "SomeUser" {
		t.Errorf("Author = %+v", msg.Author)
	}
	if msg.Author.Color != "#75FD46" {
		t.Errorf("Color = %q", msg.Author.Color)
	}
	if !msg.Author.IsMod || !msg.Author.IsSubscriber || msg.Author.IsBroadcaster {
		t.Errorf("flags = %+v", msg.Author)
	}
	if len(msg.Author.Badges) != 2 {
		t.Fatalf("Badges = %v", msg.Author.Badges)
	}
	// Moderator badge art comes from the static map, subscriber from the
	// channel's resolved badges.
	if msg.Author.Badges[0].ImageURL != systemBadgeURLs["moderator"] {
		t.Errorf("moderator ImageURL = %q", msg.Author.Badges[0].ImageURL)
	}
	if msg.Author.Badges[1].ImageURL != "https://img.example/sub.png" {
		t.Errorf("subscriber ImageURL = %q", msg.Author.Badges[1].ImageURL)
	}
}

func TestNormalizeChatMessageGeneratesID(t *testing.T) {
	msg, err := normalizeChatMessage(kickKey("x"), []byte(`{"content":"hi","sender":{"id":1,"username":"u"}}`), nil)
	if err != nil {
		t.Fatalf("normalizeChatMessage: %v", err)
	}
	if msg.ID == "" {
		t.Error("missing wire id should get a generated one")
	}
}

func TestRewriteEmotes(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantText  string
		wantSpans []model.EmoteSpan
	}{
		{
			name:     "single leading emote",
			content:  "[emote:37226:KEKW] hello",
			wantText: "KEKW hello",
			wantSpans: []model.EmoteSpan{
				{ID: "37226", Provider: model.EmoteKick, Name: "KEKW", Start: 0, End: 4},
			},
		},
		{
			name:     "two emotes with text between",
			content:  "[emote:37226:KEKW] hello [emote:1:Pog]",
			wantText: "KEKW hello Pog",
			wantSpans: []model.EmoteSpan{
				{ID: "37226", Provider: model.EmoteKick, Name: "KEKW", Start: 0, End: 4},
				{ID: "1", Provider: model.EmoteKick, Name: "Pog", Start: 11, End: 14},
			},
		},
		{
			name:     "multibyte text counts code points",
			content:  "héy [emote:1:Pog]",
			wantText: "héy Pog",
			wantSpans: []model.EmoteSpan{
				{ID: "1", Provider: model.EmoteKick, Name: "Pog", Start: 4, End: 7},
			},
		},
		{
			name:      "no emotes",
			content:   "plain text",
			wantText:  "plain text",
			wantSpans: nil,
		},
		{
			name:      "malformed token left alone",
			content:   "[emote:abc:NotNumeric]",
			wantText:  "[emote:abc:NotNumeric]",
			wantSpans: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, spans := rewriteEmotes(tt.content)
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
			if len(spans) != len(tt.wantSpans) {
				t.Fatalf("spans = %+v, want %+v", spans, tt.wantSpans)
			}
			for i := range spans {
				if spans[i] != tt.wantSpans[i] {
					t.Errorf("spans[%d] = %+v, want %+v", i, spans[i], tt.wantSpans[i])
				}
			}
		})
	}
}

func TestNormalizeDeleted(t *testing.T) {
	ev, err := normalizeDeleted(kickKey("x"), []byte(`{"id":"ev-1","message":{"id":"msg-9"}}`))
	if err != nil {
		t.Fatalf("normalizeDeleted: %v", err)
	}
	if ev.Kind != model.ModDeleteMessage || ev.TargetMessageID != "msg-9" {
		t.Errorf("event = %+v", ev)
	}

	if _, err := normalizeDeleted(kickKey("x"), []byte(`{"message":{}}`)); err == nil {
		t.Error("missing message id should error")
	}
}

func TestNormalizeBanned(t *testing.T) {
	timeout, err := normalizeBanned(kickKey("x"),
		[]byte(`{"user":{"id":1},"banned_user":{"id":55},"duration":10}`))
	if err != nil {
		t.Fatalf("normalizeBanned: %v", err)
	}
	if timeout.Kind != model.ModTimeoutUser || timeout.TargetUserID != "55" {
		t.Errorf("timeout = %+v", timeout)
	}
	if timeout.Duration != 10*time.Minute {
		t.Errorf("Duration = %v, want 10m", timeout.Duration)
	}

	ban, err := normalizeBanned(kickKey("x"),
		[]byte(`{"user":{"id":1},"banned_user":{"id":55}}`))
	if err != nil {
		t.Fatalf("normalizeBanned: %v", err)
	}
	if ban.Kind != model.ModBanUser || ban.Duration != 0 {
		t.Errorf("ban = %+v", ban)
	}
}

func TestNormalizePinned(t *testing.T) {
	data := []byte(`{"message":{"id":"p1","content":"read the rules","sender":{"id":2,"username":"Mod","slug":"mod"}}}`)
	msg, err := normalizePinned(kickKey("x"), data, nil)
	if err != nil {
		t.Fatalf("normalizePinned: %v", err)
	}
	if msg.Kind != model.KindSystemNotice || msg.Notice != model.NoticeGeneric {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Text != "read the rules" {
		t.Errorf("Text = %q", msg.Text)
	}
}

func TestEmoteURL(t *testing.T) {
	if got := EmoteURL("37226"); got != "https://files.kick.com/emotes/37226/fullsize" {
		t.Errorf("EmoteURL = %q", got)
	}
}
