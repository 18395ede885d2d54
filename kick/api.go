// Package kick maintains the Pusher WebSocket connection to Kick chat and the
// REST send path. Reading is unauthenticated; sending requires an OAuth bearer
// token from the credential store.
package kick

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/streamchat/chat"
	"github.com/onnwee/streamchat/creds"
	"github.com/onnwee/streamchat/model"
)

const (
	defaultChannelAPIBase = "https://kick.com/api/v2"
	defaultSendAPIBase    = "https://api.kick.com/public/v1"

	// Kick's channel API sits behind bot protection that rejects bare
	// client user agents.
	browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36"
)

// ChannelInfo is the slice of the Kick channel API the chat core needs:
// where the chatroom lives, who to address sends to, and the channel's
// subscriber badge art.
type ChannelInfo struct {
	Slug              string
	ChatroomID        int
	BroadcasterUserID int
	SubscriberBadges  map[string]string // "subscriber/<months>" -> image URL
}

// API talks to Kick's REST endpoints. Zero value is not usable; construct
// with NewAPI.
type API struct {
	HTTPClient *http.Client
	Store      creds.Store
	Refresher  *creds.Refresher

	ChannelAPIBase string
	SendAPIBase    string
}

func NewAPI(hc *http.Client, store creds.Store, refresher *creds.Refresher) *API {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &API{
		HTTPClient:     hc,
		Store:          store,
		Refresher:      refresher,
		ChannelAPIBase: defaultChannelAPIBase,
		SendAPIBase:    defaultSendAPIBase,
	}
}

// ResolveChannel looks up a channel slug: chatroom id, broadcaster user id,
// and subscriber badge URLs.
func (a *API) ResolveChannel(ctx context.Context, slug string) (ChannelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.ChannelAPIBase+"/channels/"+slug, nil)
	if err != nil {
		return ChannelInfo{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return ChannelInfo{}, fmt.Errorf("kick channel lookup: %w", err)
	}
	defer drainClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return ChannelInfo{}, fmt.Errorf("kick channel lookup %s: status %d", slug, resp.StatusCode)
	}

	var body struct {
		Slug     string `json:"slug"`
		UserID   int    `json:"user_id"`
		Chatroom struct {
			ID int `json:"id"`
		} `json:"chatroom"`
		SubscriberBadges []struct {
			Months     int `json:"months"`
			BadgeImage struct {
				Src string `json:"src"`
			} `json:"badge_image"`
		} `json:"subscriber_badges"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ChannelInfo{}, fmt.Errorf("kick channel lookup %s: %w", slug, err)
	}
	if body.Chatroom.ID == 0 {
		return ChannelInfo{}, fmt.Errorf("kick channel lookup %s: no chatroom id", slug)
	}

	info := ChannelInfo{
		Slug:              body.Slug,
		ChatroomID:        body.Chatroom.ID,
		BroadcasterUserID: body.UserID,
		SubscriberBadges:  make(map[string]string),
	}
	for _, b := range body.SubscriberBadges {
		if b.BadgeImage.Src == "" {
			continue
		}
		info.SubscriberBadges["subscriber/"+strconv.Itoa(b.Months)] = b.BadgeImage.Src
		if _, ok := info.SubscriberBadges["subscriber"]; !ok {
			info.SubscriberBadges["subscriber"] = b.BadgeImage.Src
		}
	}
	return info, nil
}

// SendMessage posts a chat message through Kick's public API. A 401 triggers
// one single-flight credential refresh and one retry; a second 401 is
// terminal for this credential.
func (a *API) SendMessage(ctx context.Context, broadcasterUserID int, text string) error {
	cred, err := a.Store.Get(ctx, model.PlatformKick)
	if err != nil {
		return fmt.Errorf("kick send: %w", err)
	}

	status, err := a.doSend(ctx, cred.AccessToken, broadcasterUserID, text)
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized {
		return nil
	}
	if a.Refresher == nil {
		return chat.ErrAuthExpired
	}

	cred, err = a.Refresher.Refresh(ctx, model.PlatformKick)
	if err != nil {
		return fmt.Errorf("kick send: %w", err)
	}
	status, err = a.doSend(ctx, cred.AccessToken, broadcasterUserID, text)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return fmt.Errorf("kick send rejected after refresh: %w", chat.ErrAuthFailed)
	}
	return nil
}

// doSend performs one send attempt. It returns the 401 status instead of an
// error so the caller can run the refresh-and-retry path.
func (a *API) doSend(ctx context.Context, token string, broadcasterUserID int, text string) (int, error) {
	if token == "" {
		return http.StatusUnauthorized, nil
	}
	payload, err := json.Marshal(map[string]any{
		"broadcaster_user_id": broadcasterUserID,
		"content":             text,
		"type":                "user",
	})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.SendAPIBase+"/chat", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("kick send: %w", err)
	}
	defer drainClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return http.StatusUnauthorized, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return 0, &chat.RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return 0, fmt.Errorf("kick send: status %d", resp.StatusCode)
	}

	var body struct {
		Data struct {
			IsSent bool `json:"is_sent"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("kick send: %w", err)
	}
	if !body.Data.IsSent {
		return 0, fmt.Errorf("kick send: message not accepted")
	}
	return resp.StatusCode, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
