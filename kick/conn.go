package kick

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/streamchat/backoff"
	"github.com/onnwee/streamchat/model"
	"github.com/onnwee/streamchat/telemetry"
)

// Kick chat rides Pusher; this is Kick's production app endpoint.
const defaultWSURL = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679" +
	"?protocol=7&client=js&version=8.3.0&flash=false"

// defaultActivityTimeout forces a reconnect when the socket goes silent.
// Pusher pings roughly every two minutes of inactivity.
const defaultActivityTimeout = 2 * time.Minute

type room struct {
	key  model.ChannelKey
	info ChannelInfo
}

// Conn is the Kick chat connection. One WebSocket serves every joined
// chatroom; reads are anonymous and sends go through the REST API.
type Conn struct {
	api    *API
	events chan model.Event
	bo     *backoff.Backoff

	// WSURL and ActivityTimeout may be overridden before Connect.
	WSURL           string
	ActivityTimeout time.Duration

	mu        sync.Mutex
	ws        *websocket.Conn
	rooms     map[model.ChannelKey]*room
	byChannel map[string]*room // pusher channel name -> room
	state     model.ConnState

	writeMu sync.Mutex

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(api *API) *Conn {
	telemetry.Init()
	return &Conn{
		api:             api,
		events:          make(chan model.Event, 256),
		bo:              backoff.New(),
		WSURL:           defaultWSURL,
		ActivityTimeout: defaultActivityTimeout,
		rooms:           make(map[model.ChannelKey]*room),
		byChannel:       make(map[string]*room),
		done:            make(chan struct{}),
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

func (c *Conn) Events() <-chan model.Event { return c.events }

func (c *Conn) State() model.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JoinChannel resolves the slug to its chatroom and subscribes, now if
// connected and again on every reconnect.
func (c *Conn) JoinChannel(ctx context.Context, key model.ChannelKey) error {
	if key.Platform != model.PlatformKick || key.ChannelID == "" {
		return fmt.Errorf("not a kick channel: %s", key)
	}
	c.mu.Lock()
	_, joined := c.rooms[key]
	c.mu.Unlock()
	if joined {
		return nil
	}

	info, err := c.api.ResolveChannel(ctx, key.ChannelID)
	if err != nil {
		return err
	}
	r := &room{key: key, info: info}

	c.mu.Lock()
	c.rooms[key] = r
	c.byChannel[chatroomChannel(info.ChatroomID)] = r
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		return c.writeEvent(ws, evSubscribe, info.ChatroomID)
	}
	return nil
}

func (c *Conn) LeaveChannel(ctx context.Context, key model.ChannelKey) error {
	c.mu.Lock()
	r, ok := c.rooms[key]
	if ok {
		delete(c.rooms, key)
		delete(c.byChannel, chatroomChannel(r.info.ChatroomID))
	}
	ws := c.ws
	c.mu.Unlock()
	if !ok || ws == nil {
		return nil
	}
	return c.writeEvent(ws, evUnsubscribe, r.info.ChatroomID)
}

// Send posts through the REST API. The channel must be joined so the
// broadcaster user id is known. Kick's public send API has no reply
// threading; replyTo is ignored.
func (c *Conn) Send(ctx context.Context, key model.ChannelKey, text, replyTo string) error {
	_ = replyTo
	c.mu.Lock()
	r, ok := c.rooms[key]
	c.mu.Unlock()

	telemetry.SendsAttempted.WithLabelValues("kick").Inc()
	if !ok {
		telemetry.SendsFailed.WithLabelValues("kick").Inc()
		return fmt.Errorf("kick: channel %s not joined", key)
	}
	if r.info.BroadcasterUserID == 0 {
		telemetry.SendsFailed.WithLabelValues("kick").Inc()
		return fmt.Errorf("kick: unknown broadcaster for %s", key)
	}
	if err := c.api.SendMessage(ctx, r.info.BroadcasterUserID, text); err != nil {
		telemetry.SendsFailed.WithLabelValues("kick").Inc()
		return err
	}
	return nil
}

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

	for {
		if ctx.Err() != nil {
			c.setState(ctx, model.StateDisconnected)
			return
		}
		c.setState(ctx, model.StateConnecting)

		connectedAt, err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(ctx, model.StateDisconnected)
			return
		}
		if !connectedAt.IsZero() {
			c.bo.ObserveUptime(time.Since(connectedAt))
		}

		c.setState(ctx, model.StateReconnecting)
		telemetry.Reconnects.WithLabelValues("kick").Inc()
		delay := c.bo.Next()
		slog.Warn("kick connection lost",
			slog.Any("err", err), slog.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			c.setState(ctx, model.StateDisconnected)
			return
		case <-time.After(delay):
		}
	}
}

// session runs one WebSocket lifetime: dial, handshake, subscribe, read until
// failure. Returns when the connection became usable (zero if it never did).
func (c *Conn) session(ctx context.Context) (time.Time, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.WSURL, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("dial: %w", err)
	}

	var closed atomic.Bool
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			closed.Store(true)
			_ = ws.Close()
		case <-watchDone:
		}
	}()
	defer func() {
		close(watchDone)
		closed.Store(true)
		_ = ws.Close()
	}()

	// Pusher speaks first with connection_established.
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return time.Time{}, fmt.Errorf("handshake: %w", err)
	}
	env, err := decodeEnvelope(raw)
	if err != nil || env.Event != evEstablished {
		return time.Time{}, fmt.Errorf("handshake: unexpected frame %q", env.Event)
	}

	c.mu.Lock()
	c.ws = ws
	rooms := make([]*room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}()

	for _, r := range rooms {
		if err := c.writeEvent(ws, evSubscribe, r.info.ChatroomID); err != nil {
			return time.Time{}, fmt.Errorf("subscribe %s: %w", r.key, err)
		}
	}
	connectedAt := time.Now()
	c.setState(ctx, model.StateConnected)

	for {
		_ = ws.SetReadDeadline(time.Now().Add(c.ActivityTimeout))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if closed.Load() {
				return connectedAt, nil
			}
			return connectedAt, fmt.Errorf("read: %w", err)
		}
		c.handleFrame(ctx, ws, raw)
	}
}

func (c *Conn) handleFrame(ctx context.Context, ws *websocket.Conn, raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		telemetry.FramesDropped.WithLabelValues("kick").Inc()
		slog.Warn("kick frame undecodable", slog.Any("err", err))
		return
	}

	switch env.Event {
	case evPing:
		c.writeMu.Lock()
		_ = ws.WriteJSON(map[string]string{"event": evPong, "data": ""})
		c.writeMu.Unlock()
		return
	case evEstablished, evPong, evSubSucceeded:
		return
	}

	c.mu.Lock()
	r, known := c.byChannel[env.Channel]
	c.mu.Unlock()
	if !known {
		telemetry.FramesDropped.WithLabelValues("kick").Inc()
		slog.Debug("kick frame for unknown chatroom", slog.String("channel", env.Channel))
		return
	}

	data := env.payload()
	switch env.Event {
	case evChatMessage:
		msg, err := normalizeChatMessage(r.key, data, r.info.SubscriberBadges)
		if err != nil {
			c.dropFrame(env.Event, err)
			return
		}
		telemetry.MessagesReceived.WithLabelValues("kick").Inc()
		c.emit(ctx, model.Event{Type: model.EventMessage, Channel: r.key, Message: msg})
	case evPinnedMessage:
		msg, err := normalizePinned(r.key, data, r.info.SubscriberBadges)
		if err != nil {
			c.dropFrame(env.Event, err)
			return
		}
		c.emit(ctx, model.Event{Type: model.EventMessage, Channel: r.key, Message: msg})
	case evMessageDeleted:
		ev, err := normalizeDeleted(r.key, data)
		if err != nil {
			c.dropFrame(env.Event, err)
			return
		}
		c.emit(ctx, model.Event{Type: model.EventModeration, Channel: r.key, Moderation: ev})
	case evUserBanned:
		ev, err := normalizeBanned(r.key, data)
		if err != nil {
			c.dropFrame(env.Event, err)
			return
		}
		c.emit(ctx, model.Event{Type: model.EventModeration, Channel: r.key, Moderation: ev})
	default:
		telemetry.FramesDropped.WithLabelValues("kick").Inc()
		slog.Debug("kick event unhandled", slog.String("event", env.Event))
	}
}

func (c *Conn) dropFrame(event string, err error) {
	telemetry.FramesDropped.WithLabelValues("kick").Inc()
	slog.Warn("kick frame malformed", slog.String("event", event), slog.Any("err", err))
}

func (c *Conn) writeEvent(ws *websocket.Conn, event string, chatroomID int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(map[string]any{
		"event": event,
		"data": map[string]string{
			"auth":    "",
			"channel": chatroomChannel(chatroomID),
		},
	})
}

func (c *Conn) emit(ctx context.Context, ev model.Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
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
