// Package twitch maintains the IRC-over-WebSocket connection to Twitch chat,
// normalizing everything it reads into the canonical model. One Conn serves
// every joined Twitch channel.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitchirc "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/onnwee/streamchat/backoff"
	"github.com/onnwee/streamchat/chat"
	"github.com/onnwee/streamchat/creds"
	"github.com/onnwee/streamchat/model"
	"github.com/onnwee/streamchat/telemetry"
)

// Conn is the Twitch chat connection. It reconnects with backoff on
// transport faults, attempts one credential refresh on a login failure, and
// degrades to an anonymous read-only session when credentials are gone so
// joined rooms keep streaming. The store is probed again on every reconnect;
// a credential different from the one that failed ends the anonymous fallback.
type Conn struct {
	username  string
	store     creds.Store
	refresher *creds.Refresher

	events chan model.Event
	bo     *backoff.Backoff

	mu       sync.Mutex
	client   *twitchirc.Client
	channels map[string]struct{}
	state    model.ConnState
	readOnly bool

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	// tweak adjusts each freshly built client before Connect. Tests point it
	// at a local IRC server.
	tweak func(*twitchirc.Client)
}

// New builds a Conn. store and refresher may be nil, in which case the
// session is anonymous and read-only from the start.
func New(username string, store creds.Store, refresher *creds.Refresher) *Conn {
	telemetry.Init()
	return &Conn{
		username:  username,
		store:     store,
		refresher: refresher,
		events:    make(chan model.Event, 256),
		bo:        backoff.New(),
		channels:  make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// Connect starts the connection loop. It returns immediately; progress is
// reported through Events as ConnState transitions.
func (c *Conn) Connect(ctx context.Context) error {
	c.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		go c.run(runCtx)
	})
	return nil
}

// Events returns the stream of normalized events. The channel closes after
// Close.
func (c *Conn) Events() <-chan model.Event { return c.events }

// State returns the current lifecycle state.
func (c *Conn) State() model.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JoinChannel joins a channel now if connected and remembers it for every
// future reconnect.
func (c *Conn) JoinChannel(ctx context.Context, key model.ChannelKey) error {
	ch, err := ircChannel(key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.channels[ch] = struct{}{}
	client := c.client
	c.mu.Unlock()
	if client != nil {
		client.Join(ch)
	}
	return nil
}

// LeaveChannel departs a channel and forgets it.
func (c *Conn) LeaveChannel(ctx context.Context, key model.ChannelKey) error {
	ch, err := ircChannel(key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.channels, ch)
	client := c.client
	c.mu.Unlock()
	if client != nil {
		client.Depart(ch)
	}
	return nil
}

// Send posts a message to a channel, threading it when replyTo is set.
// Anonymous sessions cannot send.
func (c *Conn) Send(ctx context.Context, key model.ChannelKey, text, replyTo string) error {
	ch, err := ircChannel(key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	client := c.client
	readOnly := c.readOnly
	c.mu.Unlock()

	telemetry.SendsAttempted.WithLabelValues("twitch").Inc()
	if client == nil {
		telemetry.SendsFailed.WithLabelValues("twitch").Inc()
		return fmt.Errorf("twitch: not connected")
	}
	if readOnly {
		telemetry.SendsFailed.WithLabelValues("twitch").Inc()
		return fmt.Errorf("twitch: anonymous session is read-only: %w", chat.ErrAuthExpired)
	}
	if replyTo != "" {
		client.Reply(ch, replyTo, text)
	} else {
		client.Say(ch, text)
	}

	// Twitch IRC never echoes your own PRIVMSG back on the read path, so the
	// successful write is the confirmation. Synthesize the echo locally; the
	// other platforms deliver own messages on their normal read paths.
	login := strings.ToLower(c.username)
	msg := &model.Message{
		ID:        uuid.New().String(),
		Channel:   key,
		Author:    model.User{Name: login, DisplayName: c.username},
		Text:      text,
		Timestamp: time.Now().UTC(),
		Kind:      model.KindChat,
		Self:      true,
	}
	if replyTo != "" {
		msg.ReplyParent = &model.ReplyRef{ID: replyTo}
	}
	c.emit(ctx, model.Event{Type: model.EventMessage, Channel: key, Message: msg})
	return nil
}

// Close tears the connection down and closes Events.
func (c *Conn) Close() error {
	if c.cancel == nil {
		close(c.events)
		return nil
	}
	c.cancel()
	<-c.done
	return nil
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	triedRefresh := false
	authSurfaced := false
	failedToken := ""

	for {
		if ctx.Err() != nil {
			c.setState(ctx, model.StateDisconnected)
			return
		}
		token, anon := c.currentToken(ctx)
		if !anon && failedToken != "" {
			if token == failedToken {
				// This exact token already failed login. Keep reading
				// anonymously until the store hands out a different one.
				token, anon = "", true
			} else {
				// A new credential appeared; give authentication another shot.
				failedToken = ""
				triedRefresh = false
				authSurfaced = false
			}
		}
		c.setReadOnly(anon)
		c.setState(ctx, model.StateConnecting)

		var client *twitchirc.Client
		if anon {
			client = twitchirc.NewAnonymousClient()
		} else {
			client = twitchirc.NewClient(c.username, token)
			c.setState(ctx, model.StateAuthenticating)
		}

		var connectedAt atomic.Int64
		client.OnConnect(func() {
			connectedAt.Store(time.Now().UnixNano())
			c.setState(ctx, model.StateConnected)
		})
		c.registerHandlers(ctx, client)
		if c.tweak != nil {
			c.tweak(client)
		}

		c.mu.Lock()
		c.client = client
		joined := make([]string, 0, len(c.channels))
		for ch := range c.channels {
			joined = append(joined, ch)
		}
		c.mu.Unlock()
		for _, ch := range joined {
			client.Join(ch)
		}

		// Connect blocks until the session dies; a watcher turns context
		// cancellation into a disconnect.
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = client.Disconnect()
			case <-watchDone:
			}
		}()
		err := client.Connect()
		close(watchDone)

		c.mu.Lock()
		c.client = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			c.setState(ctx, model.StateDisconnected)
			return
		}

		if at := connectedAt.Load(); at > 0 {
			c.bo.ObserveUptime(time.Since(time.Unix(0, at)))
			if !anon {
				// A working authenticated session re-arms the refresh path.
				triedRefresh = false
			}
		}

		if errors.Is(err, twitchirc.ErrLoginAuthenticationFailed) {
			if !triedRefresh && c.refresher != nil {
				triedRefresh = true
				rctx, rcancel := context.WithTimeout(ctx, 15*time.Second)
				_, rerr := c.refresher.Refresh(rctx, model.PlatformTwitch)
				rcancel()
				if rerr == nil {
					slog.Info("twitch credentials refreshed, reconnecting")
					continue
				}
				slog.Warn("twitch credential refresh failed", slog.Any("err", rerr))
			}
			if !authSurfaced {
				authSurfaced = true
				telemetry.AuthFailures.WithLabelValues("twitch").Inc()
				c.emit(ctx, model.Event{Type: model.EventAuthFailed, Err: chat.ErrAuthFailed})
			}
			// Keep rooms readable while the operator re-authenticates.
			failedToken = token
		}

		c.setState(ctx, model.StateReconnecting)
		telemetry.Reconnects.WithLabelValues("twitch").Inc()
		delay := c.bo.Next()
		slog.Warn("twitch connection lost",
			slog.Any("err", err), slog.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			c.setState(ctx, model.StateDisconnected)
			return
		case <-time.After(delay):
		}
	}
}

// currentToken resolves the IRC password. Missing or unreadable credentials
// degrade to an anonymous session rather than an error.
func (c *Conn) currentToken(ctx context.Context) (string, bool) {
	if c.store == nil || c.username == "" {
		return "", true
	}
	cred, err := c.store.Get(ctx, model.PlatformTwitch)
	if err != nil || cred.AccessToken == "" {
		return "", true
	}
	token := cred.AccessToken
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	return token, false
}

func (c *Conn) registerHandlers(ctx context.Context, client *twitchirc.Client) {
	client.OnPrivateMessage(func(msg twitchirc.PrivateMessage) {
		telemetry.MessagesReceived.WithLabelValues("twitch").Inc()
		m := normalizePrivate(msg)
		c.emit(ctx, model.Event{Type: model.EventMessage, Channel: m.Channel, Message: m})
	})
	client.OnUserNoticeMessage(func(msg twitchirc.UserNoticeMessage) {
		telemetry.MessagesReceived.WithLabelValues("twitch").Inc()
		m := normalizeUserNotice(msg)
		c.emit(ctx, model.Event{Type: model.EventMessage, Channel: m.Channel, Message: m})
	})
	client.OnWhisperMessage(func(msg twitchirc.WhisperMessage) {
		m := normalizeWhisper(msg)
		c.emit(ctx, model.Event{Type: model.EventMessage, Channel: m.Channel, Message: m})
	})
	client.OnClearChatMessage(func(msg twitchirc.ClearChatMessage) {
		ev := normalizeClearChat(msg)
		c.emit(ctx, model.Event{Type: model.EventModeration, Channel: ev.Channel, Moderation: ev})
	})
	client.OnClearMessage(func(msg twitchirc.ClearMessage) {
		ev := normalizeClearMsg(msg)
		c.emit(ctx, model.Event{Type: model.EventModeration, Channel: ev.Channel, Moderation: ev})
	})
	client.OnRoomStateMessage(func(msg twitchirc.RoomStateMessage) {
		rs := normalizeRoomState(msg)
		c.emit(ctx, model.Event{Type: model.EventRoomState, Channel: rs.Channel, RoomState: rs})
	})
}

func (c *Conn) emit(ctx context.Context, ev model.Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Conn) setReadOnly(v bool) {
	c.mu.Lock()
	c.readOnly = v
	c.mu.Unlock()
}

func (c *Conn) setState(ctx context.Context, s model.ConnState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.emit(ctx, model.Event{Type: model.EventConnState, ConnState: s})
	}
}
