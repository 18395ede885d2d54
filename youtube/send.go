package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/streamchat/chat"
	"github.com/onnwee/streamchat/creds"
	"github.com/onnwee/streamchat/model"
)

// Sender posts chat messages through the YouTube Data API. Reading never
// needs credentials; only construct a Sender when a YouTube credential is
// stored.
type Sender struct {
	svc *yt.Service

	mu          sync.Mutex
	liveChatIDs map[string]string // video id -> active live chat id
}

// NewSender builds a Sender from the stored YouTube OAuth credential. The
// oauth2 token source refreshes as needed and refreshed tokens are written
// back to the store.
func NewSender(ctx context.Context, store creds.Store, clientID, clientSecret string) (*Sender, error) {
	cred, err := store.Get(ctx, model.PlatformYouTube)
	if err != nil {
		return nil, fmt.Errorf("youtube sender: %w", err)
	}
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"https://www.googleapis.com/auth/youtube.force-ssl"},
	}
	tok := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.ExpiresAt,
	}
	ts := &persistingSource{
		ctx:   ctx,
		base:  cfg.TokenSource(ctx, tok),
		store: store,
		last:  cred.AccessToken,
	}
	svc, err := yt.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("youtube sender: %w", err)
	}
	return NewSenderFromService(svc), nil
}

// NewSenderFromService wraps an already-built Data API service.
func NewSenderFromService(svc *yt.Service) *Sender {
	return &Sender{svc: svc, liveChatIDs: make(map[string]string)}
}

// Send inserts a live chat message into the video's active chat.
func (s *Sender) Send(ctx context.Context, videoID, text string) error {
	chatID, err := s.liveChatID(ctx, videoID)
	if err != nil {
		return err
	}
	_, err = s.svc.LiveChatMessages.Insert([]string{"snippet"}, &yt.LiveChatMessage{
		Snippet: &yt.LiveChatMessageSnippet{
			LiveChatId:         chatID,
			Type:               "textMessageEvent",
			TextMessageDetails: &yt.LiveChatTextMessageDetails{MessageText: text},
		},
	}).Context(ctx).Do()
	if err != nil {
		return classifyAPIError(err)
	}
	return nil
}

func (s *Sender) liveChatID(ctx context.Context, videoID string) (string, error) {
	s.mu.Lock()
	id, ok := s.liveChatIDs[videoID]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	resp, err := s.svc.Videos.List([]string{"liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return "", classifyAPIError(err)
	}
	if len(resp.Items) == 0 || resp.Items[0].LiveStreamingDetails == nil ||
		resp.Items[0].LiveStreamingDetails.ActiveLiveChatId == "" {
		return "", fmt.Errorf("youtube send: video %s has no active live chat", videoID)
	}
	id = resp.Items[0].LiveStreamingDetails.ActiveLiveChatId

	s.mu.Lock()
	s.liveChatIDs[videoID] = id
	s.mu.Unlock()
	return id, nil
}

func classifyAPIError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("youtube send: %w", chat.ErrAuthExpired)
		case http.StatusTooManyRequests:
			return &chat.RateLimitedError{RetryAfter: 5 * time.Second}
		}
	}
	return fmt.Errorf("youtube send: %w", err)
}

// persistingSource writes refreshed tokens back to the credential store so
// restarts pick up the newest refresh token.
type persistingSource struct {
	ctx   context.Context
	base  oauth2.TokenSource
	store creds.Store

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	changed := tok.AccessToken != p.last
	if changed {
		p.last = tok.AccessToken
	}
	p.mu.Unlock()
	if changed {
		_ = p.store.Put(p.ctx, creds.Credential{
			Platform:     model.PlatformYouTube,
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.Expiry,
		})
	}
	return tok, nil
}
