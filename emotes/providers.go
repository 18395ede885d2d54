package emotes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/onnwee/streamchat/model"
)

// Provider fetches emote catalogs from a third-party emote service.
type Provider interface {
	Name() string
	GlobalEmotes(ctx context.Context) ([]CatalogEmote, error)
	// ChannelEmotes fetches channel-scoped emotes. Providers that do not
	// support the platform return an empty list, not an error.
	ChannelEmotes(ctx context.Context, platform model.Platform, channelID string) ([]CatalogEmote, error)
}

func doJSON(ctx context.Context, hc *http.Client, url string, out any) error {
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SevenTV fetches emotes from the 7TV API.
type SevenTV struct {
	BaseURL    string // defaults to https://7tv.io/v3
	HTTPClient *http.Client
}

func (p *SevenTV) Name() string { return "7tv" }

func (p *SevenTV) base() string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	return "https://7tv.io/v3"
}

type sevenTVEmote struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Data struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Flags    int    `json:"flags"`
		Animated bool   `json:"animated"`
		Host     struct {
			URL string `json:"url"`
		} `json:"host"`
	} `json:"data"`
}

func (p *SevenTV) parse(raw sevenTVEmote) (CatalogEmote, bool) {
	id := raw.Data.ID
	if id == "" {
		id = raw.ID
	}
	name := raw.Name
	if name == "" {
		name = raw.Data.Name
	}
	if id == "" || name == "" {
		return CatalogEmote{}, false
	}
	base := raw.Data.Host.URL
	if base == "" {
		base = "//cdn.7tv.app/emote/" + id
	}
	if strings.HasPrefix(base, "//") {
		base = "https:" + base
	}
	return CatalogEmote{
		ID:        id,
		Name:      name,
		Provider:  model.EmoteSevenTV,
		URL:       base + "/2x.webp",
		Animated:  raw.Data.Animated,
		ZeroWidth: raw.Data.Flags&1 != 0,
	}, true
}

func (p *SevenTV) GlobalEmotes(ctx context.Context) ([]CatalogEmote, error) {
	var body struct {
		Emotes []sevenTVEmote `json:"emotes"`
	}
	if err := doJSON(ctx, p.HTTPClient, p.base()+"/emote-sets/global", &body); err != nil {
		return nil, err
	}
	out := make([]CatalogEmote, 0, len(body.Emotes))
	for _, raw := range body.Emotes {
		if e, ok := p.parse(raw); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (p *SevenTV) ChannelEmotes(ctx context.Context, platform model.Platform, channelID string) ([]CatalogEmote, error) {
	var body struct {
		EmoteSet struct {
			Emotes []sevenTVEmote `json:"emotes"`
		} `json:"emote_set"`
	}
	url := fmt.Sprintf("%s/users/%s/%s", p.base(), platform, channelID)
	if err := doJSON(ctx, p.HTTPClient, url, &body); err != nil {
		return nil, err
	}
	out := make([]CatalogEmote, 0, len(body.EmoteSet.Emotes))
	for _, raw := range body.EmoteSet.Emotes {
		if e, ok := p.parse(raw); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// BTTV fetches emotes from the BetterTTV API. Channel lookups are keyed by
// Twitch user id; other platforms get an empty list.
type BTTV struct {
	BaseURL    string // defaults to https://api.betterttv.net/3
	HTTPClient *http.Client
}

func (p *BTTV) Name() string { return "bttv" }

func (p *BTTV) base() string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	return "https://api.betterttv.net/3"
}

type bttvEmote struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	ImageType string `json:"imageType"`
}

func (p *BTTV) parse(raw bttvEmote) (CatalogEmote, bool) {
	if raw.ID == "" || raw.Code == "" {
		return CatalogEmote{}, false
	}
	return CatalogEmote{
		ID:       raw.ID,
		Name:     raw.Code,
		Provider: model.EmoteBTTV,
		URL:      "https://cdn.betterttv.net/emote/" + raw.ID + "/2x",
		Animated: raw.ImageType == "gif",
	}, true
}

func (p *BTTV) GlobalEmotes(ctx context.Context) ([]CatalogEmote, error) {
	var body []bttvEmote
	if err := doJSON(ctx, p.HTTPClient, p.base()+"/cached/emotes/global", &body); err != nil {
		return nil, err
	}
	out := make([]CatalogEmote, 0, len(body))
	for _, raw := range body {
		if e, ok := p.parse(raw); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (p *BTTV) ChannelEmotes(ctx context.Context, platform model.Platform, channelID string) ([]CatalogEmote, error) {
	if platform != model.PlatformTwitch {
		return nil, nil
	}
	var body struct {
		ChannelEmotes []bttvEmote `json:"channelEmotes"`
		SharedEmotes  []bttvEmote `json:"sharedEmotes"`
	}
	url := p.base() + "/cached/users/twitch/" + channelID
	if err := doJSON(ctx, p.HTTPClient, url, &body); err != nil {
		return nil, err
	}
	out := make([]CatalogEmote, 0, len(body.ChannelEmotes)+len(body.SharedEmotes))
	for _, raw := range body.ChannelEmotes {
		if e, ok := p.parse(raw); ok {
			out = append(out, e)
		}
	}
	for _, raw := range body.SharedEmotes {
		if e, ok := p.parse(raw); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// FFZ fetches emotes from the FrankerFaceZ API. Channel lookups are keyed by
// Twitch user id; other platforms get an empty list.
type FFZ struct {
	BaseURL    string // defaults to https://api.frankerfacez.com/v1
	HTTPClient *http.Client
}

func (p *FFZ) Name() string { return "ffz" }

func (p *FFZ) base() string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	return "https://api.frankerfacez.com/v1"
}

type ffzEmote struct {
	ID   json.Number       `json:"id"`
	Name string            `json:"name"`
	URLs map[string]string `json:"urls"`
}

type ffzSet struct {
	Emoticons []ffzEmote `json:"emoticons"`
}

func (p *FFZ) parse(raw ffzEmote) (CatalogEmote, bool) {
	id := raw.ID.String()
	if id == "" || id == "0" || raw.Name == "" {
		return CatalogEmote{}, false
	}
	url := raw.URLs["2"]
	if url == "" {
		url = raw.URLs["1"]
	}
	if url == "" {
		return CatalogEmote{}, false
	}
	if strings.HasPrefix(url, "//") {
		url = "https:" + url
	}
	return CatalogEmote{
		ID:       id,
		Name:     raw.Name,
		Provider: model.EmoteFFZ,
		URL:      url,
	}, true
}

func (p *FFZ) GlobalEmotes(ctx context.Context) ([]CatalogEmote, error) {
	var body struct {
		DefaultSets []int             `json:"default_sets"`
		Sets        map[string]ffzSet `json:"sets"`
	}
	if err := doJSON(ctx, p.HTTPClient, p.base()+"/set/global", &body); err != nil {
		return nil, err
	}
	var out []CatalogEmote
	for _, setID := range body.DefaultSets {
		set, ok := body.Sets[strconv.Itoa(setID)]
		if !ok {
			continue
		}
		for _, raw := range set.Emoticons {
			if e, ok := p.parse(raw); ok {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (p *FFZ) ChannelEmotes(ctx context.Context, platform model.Platform, channelID string) ([]CatalogEmote, error) {
	if platform != model.PlatformTwitch {
		return nil, nil
	}
	var body struct {
		Sets map[string]ffzSet `json:"sets"`
	}
	if err := doJSON(ctx, p.HTTPClient, p.base()+"/room/id/"+channelID, &body); err != nil {
		return nil, err
	}
	var out []CatalogEmote
	for _, set := range body.Sets {
		for _, raw := range set.Emoticons {
			if e, ok := p.parse(raw); ok {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// DefaultProviders returns the standard third-party provider set.
func DefaultProviders(hc *http.Client) []Provider {
	return []Provider{
		&SevenTV{HTTPClient: hc},
		&BTTV{HTTPClient: hc},
		&FFZ{HTTPClient: hc},
	}
}
