package emotes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/streamchat/model"
)

func TestSevenTVGlobalEmotes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emote-sets/global" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"emotes":[
			{"id":"ref1","name":"OMEGALUL","data":{"id":"abc123","flags":0,"animated":false,"host":{"url":"//cdn.7tv.app/emote/abc123"}}},
			{"id":"ref2","name":"peepoShy","data":{"id":"def456","flags":1,"animated":true,"host":{"url":"//cdn.7tv.app/emote/def456"}}},
			{"id":"","name":""}
		]}`))
	}))
	defer server.Close()

	p := &SevenTV{BaseURL: server.URL}
	emotes, err := p.GlobalEmotes(context.Background())
	if err != nil {
		t.Fatalf("GlobalEmotes: %v", err)
	}
	if len(emotes) != 2 {
		t.Fatalf("got %d emotes, want 2 (nameless entry skipped)", len(emotes))
	}
	if emotes[0].ID != "abc123" || emotes[0].Name != "OMEGALUL" {
		t.Errorf("emote[0] = %+v", emotes[0])
	}
	if emotes[0].URL != "https://cdn.7tv.app/emote/abc123/2x.webp" {
		t.Errorf("emote[0].URL = %q", emotes[0].URL)
	}
	if !emotes[1].ZeroWidth || !emotes[1].Animated {
		t.Errorf("emote[1] flags not parsed: %+v", emotes[1])
	}
}

func TestSevenTVChannelEmotes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/twitch/12345" {
			t.Errorf("path = %s, want /users/twitch/12345", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"emote_set":{"emotes":[
			{"id":"e1","name":"catJAM","data":{"id":"e1","animated":true,"host":{"url":"//cdn.7tv.app/emote/e1"}}}
		]}}`))
	}))
	defer server.Close()

	p := &SevenTV{BaseURL: server.URL}
	emotes, err := p.ChannelEmotes(context.Background(), model.PlatformTwitch, "12345")
	if err != nil {
		t.Fatalf("ChannelEmotes: %v", err)
	}
	if len(emotes) != 1 || emotes[0].Name != "catJAM" {
		t.Fatalf("emotes = %+v", emotes)
	}
}

func TestSevenTVNon200IsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	p := &SevenTV{BaseURL: server.URL}
	if _, err := p.ChannelEmotes(context.Background(), model.PlatformKick, "99"); err == nil {
		t.Error("expected error on 404 response")
	}
}

func TestBTTVChannelEmotes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cached/users/twitch/12345" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{
			"channelEmotes":[{"id":"b1","code":"monkaS","imageType":"png"}],
			"sharedEmotes":[{"id":"b2","code":"pepeD","imageType":"gif"}]
		}`))
	}))
	defer server.Close()

	p := &BTTV{BaseURL: server.URL}
	emotes, err := p.ChannelEmotes(context.Background(), model.PlatformTwitch, "12345")
	if err != nil {
		t.Fatalf("ChannelEmotes: %v", err)
	}
	if len(emotes) != 2 {
		t.Fatalf("got %d emotes, want 2", len(emotes))
	}
	if emotes[0].URL != "https://cdn.betterttv.net/emote/b1/2x" {
		t.Errorf("URL = %q", emotes[0].URL)
	}
	if emotes[0].Animated || !emotes[1].Animated {
		t.Error("imageType gif should mark animated")
	}
}

func TestBTTVSkipsNonTwitchChannels(t *testing.T) {
	p := &BTTV{BaseURL: "http://127.0.0.1:0"} // would fail if contacted
	emotes, err := p.ChannelEmotes(context.Background(), model.PlatformKick, "99")
	if err != nil {
		t.Fatalf("ChannelEmotes: %v", err)
	}
	if len(emotes) != 0 {
		t.Errorf("got %d emotes, want 0", len(emotes))
	}
}

func TestFFZGlobalEmotes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/set/global" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{
			"default_sets":[3],
			"sets":{
				"3":{"emoticons":[
					{"id":28136,"name":"LilZ","urls":{"1":"//cdn.frankerfacez.com/emote/28136/1","2":"//cdn.frankerfacez.com/emote/28136/2"}},
					{"id":0,"name":"broken","urls":{}}
				]},
				"9":{"emoticons":[{"id":99,"name":"NotDefault","urls":{"1":"//x/1"}}]}
			}
		}`))
	}))
	defer server.Close()

	p := &FFZ{BaseURL: server.URL}
	emotes, err := p.GlobalEmotes(context.Background())
	if err != nil {
		t.Fatalf("GlobalEmotes: %v", err)
	}
	if len(emotes) != 1 {
		t.Fatalf("got %d emotes, want 1 (non-default set and broken entry skipped)", len(emotes))
	}
	if emotes[0].Name != "LilZ" || emotes[0].URL != "https://cdn.frankerfacez.com/emote/28136/2" {
		t.Errorf("emote = %+v", emotes[0])
	}
}

func TestFFZChannelEmotes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/room/id/12345" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"sets":{"77":{"emoticons":[
			{"id":5,"name":"ZreknarF","urls":{"2":"//cdn.frankerfacez.com/emote/5/2"}}
		]}}}`))
	}))
	defer server.Close()

	p := &FFZ{BaseURL: server.URL}
	emotes, err := p.ChannelEmotes(context.Background(), model.PlatformTwitch, "12345")
	if err != nil {
		t.Fatalf("ChannelEmotes: %v", err)
	}
	if len(emotes) != 1 || emotes[0].Name != "ZreknarF" {
		t.Fatalf("emotes = %+v", emotes)
	}
}
