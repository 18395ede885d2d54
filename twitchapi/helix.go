// Package twitchapi contains minimal helpers to interact with Twitch Helix
// APIs for user id resolution, live status, and chat emote/badge catalogs,
// using an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// helixMaxRetries bounds attempts against transient Helix failures. A 401
// grants one extra attempt after a token refresh.
const helixMaxRetries = 3

// HelixClient provides the Helix methods the chat subsystem needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// doGet performs an authenticated GET with retries on 429 and 5xx responses
// and a single token refresh on 401, decoding a 200 body into out.
func (hc *HelixClient) doGet(ctx context.Context, rawURL string, q url.Values, out any) error {
	var lastErr error
	refreshed := false
	attempts := helixMaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		if q != nil {
			req.URL.RawQuery = q.Encode()
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := hc.http().Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusOK {
			err := json.NewDecoder(resp.Body).Decode(out)
			closeBody(resp)
			return err
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retryAfter := resp.Header.Get("Retry-After")
		closeBody(resp)
		lastErr = fmt.Errorf("helix %s: %s: %s", req.URL.Path, resp.Status, strings.TrimSpace(string(body)))

		switch {
		case resp.StatusCode == http.StatusUnauthorized && !refreshed:
			// Stale app token. Refresh once and retry without consuming
			// a retry slot.
			hc.AppTokenSource.Invalidate()
			refreshed = true
			attempts++
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := time.Second
			if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
				wait = time.Duration(secs) * time.Second
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		case resp.StatusCode >= 500:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
			}
		default:
			return lastErr
		}
	}
	return lastErr
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	q := url.Values{}
	q.Set("login", login)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.doGet(ctx, "https://api.twitch.tv/helix/users", q, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// StreamMeta describes a live stream.
type StreamMeta struct{ Title, StartedAt string }

// GetStreams returns live streams for a login; empty means offline.
func (hc *HelixClient) GetStreams(ctx context.Context, userLogin string) ([]StreamMeta, error) {
	if userLogin == "" {
		return nil, fmt.Errorf("userLogin empty")
	}
	q := url.Values{}
	q.Set("user_login", userLogin)
	var body struct {
		Data []struct {
			Title     string `json:"title"`
			StartedAt string `json:"started_at"`
		} `json:"data"`
	}
	if err := hc.doGet(ctx, "https://api.twitch.tv/helix/streams", q, &body); err != nil {
		return nil, err
	}
	out := make([]StreamMeta, 0, len(body.Data))
	for _, s := range body.Data {
		out = append(out, StreamMeta{Title: s.Title, StartedAt: s.StartedAt})
	}
	return out, nil
}

// ChatEmote is a Twitch-native emote from the Helix chat endpoints.
type ChatEmote struct {
	ID       string
	Name     string
	URL      string
	Animated bool
}

type helixEmote struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Images struct {
		URL1x string `json:"url_1x"`
		URL2x string `json:"url_2x"`
	} `json:"images"`
	Format []string `json:"format"`
}

func (e helixEmote) toChatEmote() (ChatEmote, bool) {
	if e.ID == "" || e.Name == "" {
		return ChatEmote{}, false
	}
	u := e.Images.URL2x
	if u == "" {
		u = e.Images.URL1x
	}
	animated := false
	for _, f := range e.Format {
		if f == "animated" {
			animated = true
		}
	}
	return ChatEmote{ID: e.ID, Name: e.Name, URL: u, Animated: animated}, true
}

// GetGlobalEmotes fetches Twitch global chat emotes.
func (hc *HelixClient) GetGlobalEmotes(ctx context.Context) ([]ChatEmote, error) {
	var body struct {
		Data []helixEmote `json:"data"`
	}
	if err := hc.doGet(ctx, "https://api.twitch.tv/helix/chat/emotes/global", nil, &body); err != nil {
		return nil, err
	}
	out := make([]ChatEmote, 0, len(body.Data))
	for _, raw := range body.Data {
		if e, ok := raw.toChatEmote(); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetChannelEmotes fetches a broadcaster's follower and subscriber emotes.
func (hc *HelixClient) GetChannelEmotes(ctx context.Context, broadcasterID string) ([]ChatEmote, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	var body struct {
		Data []helixEmote `json:"data"`
	}
	if err := hc.doGet(ctx, "https://api.twitch.tv/helix/chat/emotes", q, &body); err != nil {
		return nil, err
	}
	out := make([]ChatEmote, 0, len(body.Data))
	for _, raw := range body.Data {
		if e, ok := raw.toChatEmote(); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

type helixBadgeSet struct {
	SetID    string `json:"set_id"`
	Versions []struct {
		ID        string `json:"id"`
		ImageURL1 string `json:"image_url_1x"`
		ImageURL2 string `json:"image_url_2x"`
	} `json:"versions"`
}

func badgeMap(sets []helixBadgeSet, into map[string]string) {
	for _, set := range sets {
		for _, v := range set.Versions {
			u := v.ImageURL2
			if u == "" {
				u = v.ImageURL1
			}
			if set.SetID == "" || v.ID == "" || u == "" {
				continue
			}
			into[set.SetID+"/"+v.ID] = u
		}
	}
}

// GetGlobalBadges returns global badge image URLs keyed "set/version".
func (hc *HelixClient) GetGlobalBadges(ctx context.Context) (map[string]string, error) {
	var body struct {
		Data []helixBadgeSet `json:"data"`
	}
	if err := hc.doGet(ctx, "https://api.twitch.tv/helix/chat/badges/global", nil, &body); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	badgeMap(body.Data, out)
	return out, nil
}

// GetChannelBadges returns a broadcaster's badge image URLs keyed
// "set/version". Channel versions shadow globals of the same key.
func (hc *HelixClient) GetChannelBadges(ctx context.Context, broadcasterID string) (map[string]string, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	var body struct {
		Data []helixBadgeSet `json:"data"`
	}
	if err := hc.doGet(ctx, "https://api.twitch.tv/helix/chat/badges", q, &body); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	badgeMap(body.Data, out)
	return out, nil
}
