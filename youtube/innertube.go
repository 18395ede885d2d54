// Package youtube reads live chat by polling YouTube's InnerTube continuation
// API (the same endpoint the watch page uses) and sends through the official
// Data API. One poller runs per joined video.
package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"
)

const (
	defaultBaseURL = "https://www.youtube.com"

	// clientVersion identifies the web client to InnerTube. The endpoint
	// accepts any recent value.
	clientVersion = "2.20240101.00.00"
)

// ErrChatEnded reports that the stream's chat has no further continuation,
// which is how InnerTube signals the end of a live chat.
var ErrChatEnded = errors.New("live chat ended")

var (
	apiKeyRE       = regexp.MustCompile(`"INNERTUBE_API_KEY":"([^"]+)"`)
	continuationRE = regexp.MustCompile(`"continuation":"([^"]+)"`)
)

// ChatSession carries the polling state for one video's chat.
type ChatSession struct {
	APIKey       string
	Continuation string
}

// ChatPage is one poll result: the raw actions plus the next continuation
// and the server-suggested wait before the next poll.
type ChatPage struct {
	Actions []json.RawMessage
	Timeout time.Duration
}

// InnerTube is the unauthenticated chat poll client.
type InnerTube struct {
	HTTPClient *http.Client
	BaseURL    string
}

func NewInnerTube(hc *http.Client) *InnerTube {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &InnerTube{HTTPClient: hc, BaseURL: defaultBaseURL}
}

// OpenSession scrapes the watch page for the InnerTube API key and the
// initial live chat continuation. It fails when the video is not live or has
// chat disabled.
func (it *InnerTube) OpenSession(ctx context.Context, videoID string) (ChatSession, error) {
	u := it.BaseURL + "/watch?v=" + url.QueryEscape(videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ChatSession{}, err
	}
	req.Header.Set("Accept-Language", "en-US")

	resp, err := it.HTTPClient.Do(req)
	if err != nil {
		return ChatSession{}, fmt.Errorf("watch page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ChatSession{}, fmt.Errorf("watch page %s: status %d", videoID, resp.StatusCode)
	}
	// The markers sit in the embedded player config; 3 MiB covers it.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 3<<20))
	if err != nil {
		return ChatSession{}, fmt.Errorf("watch page %s: %w", videoID, err)
	}

	key := apiKeyRE.FindSubmatch(body)
	if key == nil {
		return ChatSession{}, fmt.Errorf("watch page %s: no InnerTube api key", videoID)
	}
	cont := continuationRE.FindSubmatch(body)
	if cont == nil {
		return ChatSession{}, fmt.Errorf("watch page %s: no live chat continuation (not live or chat disabled)", videoID)
	}
	return ChatSession{APIKey: string(key[1]), Continuation: string(cont[1])}, nil
}

// Poll fetches one page of chat actions and advances the session. A page with
// no follow-up continuation means the chat ended.
func (it *InnerTube) Poll(ctx context.Context, sess ChatSession) (ChatPage, ChatSession, error) {
	payload, err := json.Marshal(map[string]any{
		"context": map[string]any{
			"client": map[string]string{
				"clientName":    "WEB",
				"clientVersion": clientVersion,
			},
		},
		"continuation": sess.Continuation,
	})
	if err != nil {
		return ChatPage{}, sess, err
	}

	u := it.BaseURL + "/youtubei/v1/live_chat/get_live_chat?prettyPrint=false&key=" + url.QueryEscape(sess.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return ChatPage{}, sess, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := it.HTTPClient.Do(req)
	if err != nil {
		return ChatPage{}, sess, fmt.Errorf("live chat poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ChatPage{}, sess, fmt.Errorf("live chat poll: status %d", resp.StatusCode)
	}

	var body struct {
		ContinuationContents struct {
			LiveChatContinuation struct {
				Continuations []struct {
					TimedContinuationData        *continuationData `json:"timedContinuationData"`
					InvalidationContinuationData *continuationData `json:"invalidationContinuationData"`
					ReloadContinuationData       *continuationData `json:"reloadContinuationData"`
				} `json:"continuations"`
				Actions []json.RawMessage `json:"actions"`
			} `json:"liveChatContinuation"`
		} `json:"continuationContents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ChatPage{}, sess, fmt.Errorf("live chat poll: %w", err)
	}

	lc := body.ContinuationContents.LiveChatContinuation
	var next *continuationData
	for _, c := range lc.Continuations {
		switch {
		case c.TimedContinuationData != nil:
			next = c.TimedContinuationData
		case c.InvalidationContinuationData != nil:
			next = c.InvalidationContinuationData
		case c.ReloadContinuationData != nil:
			next = c.ReloadContinuationData
		}
		if next != nil {
			break
		}
	}
	if next == nil || next.Continuation == "" {
		return ChatPage{Actions: lc.Actions}, sess, ErrChatEnded
	}

	sess.Continuation = next.Continuation
	timeout := time.Duration(next.TimeoutMs) * time.Millisecond
	return ChatPage{Actions: lc.Actions, Timeout: timeout}, sess, nil
}

type continuationData struct {
	Continuation string `json:"continuation"`
	TimeoutMs    int    `json:"timeoutMs"`
}
