package emotes

import (
	"reflect"
	"testing"

	"github.com/onnwee/streamchat/model"
)

func testCatalog(names ...string) map[string]CatalogEmote {
	m := make(map[string]CatalogEmote, len(names))
	for _, name := range names {
		m[name] = CatalogEmote{ID: name + "-id", Name: name, Provider: model.EmoteSevenTV}
	}
	return m
}

func spans(matches []model.EmoteSpan) [][3]interface{} {
	out := make([][3]interface{}, 0, len(matches))
	for _, m := range matches {
		out = append(out, [3]interface{}{m.Start, m.End, m.Name})
	}
	return out
}

func TestFindEmotes(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		emotes  []string
		claimed []model.EmoteSpan
		want    [][3]interface{}
	}{
		{
			name:   "simple word",
			text:   "hello Kappa world",
			emotes: []string{"Kappa"},
			want:   [][3]interface{}{{6, 11, "Kappa"}},
		},
		{
			name:   "punctuation wrapped",
			text:   "(Kappa)!",
			emotes: []string{"Kappa"},
			want:   [][3]interface{}{{1, 6, "Kappa"}},
		},
		{
			name:   "brackets",
			text:   "[Kappa]",
			emotes: []string{"Kappa"},
			want:   [][3]interface{}{{1, 6, "Kappa"}},
		},
		{
			name:   "combined word and punctuation",
			text:   "D:",
			emotes: []string{"D:"},
			want:   [][3]interface{}{{0, 2, "D:"}},
		},
		{
			name:   "url tokens are skipped",
			text:   "https://example.com/Kappa",
			emotes: []string{"Kappa"},
			want:   [][3]interface{}{},
		},
		{
			name:    "claimed range blocks match",
			text:    "Kappa",
			emotes:  []string{"Kappa"},
			claimed: []model.EmoteSpan{{Start: 0, End: 5}},
			want:    [][3]interface{}{},
		},
		{
			name:   "multiple codes in one token",
			text:   "Kappa,Kappa",
			emotes: []string{"Kappa"},
			want:   [][3]interface{}{{0, 5, "Kappa"}, {6, 11, "Kappa"}},
		},
		{
			name:   "no substring match inside longer word",
			text:   "ScaredKappa",
			emotes: []string{"Kappa"},
			want:   [][3]interface{}{},
		},
		{
			name:   "possessive stays plain text",
			text:   "Kappa's hat",
			emotes: []string{"Kappa"},
			want:   [][3]interface{}{},
		},
		{
			name:   "empty catalog",
			text:   "Kappa",
			emotes: nil,
			want:   [][3]interface{}{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindEmotes(tt.text, testCatalog(tt.emotes...), tt.claimed)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(spans(got), tt.want) {
				t.Errorf("FindEmotes(%q) = %v, want %v", tt.text, spans(got), tt.want)
			}
		})
	}
}

func TestFindEmotesAroundClaimedRanges(t *testing.T) {
	// Platform-native emote already claims "Kappa" at 0-5; the third-party
	// pass should still pick up the second occurrence.
	text := "Kappa Kappa"
	claimed := []model.EmoteSpan{{ID: "25", Provider: model.EmoteTwitch, Name: "Kappa", Start: 0, End: 5}}
	got := FindEmotes(text, testCatalog("Kappa"), claimed)
	if len(got) != 1 {
		t.Fatalf("got %d matches, want 1", len(got))
	}
	if got[0].Start != 6 || got[0].End != 11 {
		t.Errorf("match at [%d,%d), want [6,11)", got[0].Start, got[0].End)
	}
}

func TestFindEmotesCodePointOffsets(t *testing.T) {
	// Offsets count code points, not bytes, matching platform emote tags.
	text := "héllo Kappa"
	got := FindEmotes(text, testCatalog("Kappa"), nil)
	if len(got) != 1 {
		t.Fatalf("got %d matches, want 1", len(got))
	}
	if got[0].Start != 6 || got[0].End != 11 {
		t.Errorf("match at [%d,%d), want [6,11)", got[0].Start, got[0].End)
	}
}
