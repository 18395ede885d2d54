package emotes

import (
	"context"

	"github.com/onnwee/streamchat/model"
	"github.com/onnwee/streamchat/twitchapi"
)

// TwitchNative exposes Twitch's first-party emotes through the Provider
// interface so the catalog can merge them ahead of third-party sets.
type TwitchNative struct {
	Helix *twitchapi.HelixClient
}

func (p *TwitchNative) Name() string { return "twitch" }

func (p *TwitchNative) GlobalEmotes(ctx context.Context) ([]CatalogEmote, error) {
	raw, err := p.Helix.GetGlobalEmotes(ctx)
	if err != nil {
		return nil, err
	}
	return fromHelix(raw), nil
}

func (p *TwitchNative) ChannelEmotes(ctx context.Context, platform model.Platform, channelID string) ([]CatalogEmote, error) {
	if platform != model.PlatformTwitch {
		return nil, nil
	}
	raw, err := p.Helix.GetChannelEmotes(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return fromHelix(raw), nil
}

func fromHelix(raw []twitchapi.ChatEmote) []CatalogEmote {
	out := make([]CatalogEmote, 0, len(raw))
	for _, e := range raw {
		out = append(out, CatalogEmote{
			ID:       e.ID,
			Name:     e.Name,
			Provider: model.EmoteTwitch,
			URL:      e.URL,
			Animated: e.Animated,
		})
	}
	return out
}
