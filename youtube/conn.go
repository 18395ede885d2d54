package youtube

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/streamchat/backoff"
	"github.com/onnwee/streamchat/model"
	"github.com/onnwee/streamchat/telemetry"
)

// Poll pacing bounds. InnerTube suggests its own timeout per page; it is
// clamped so a hostile value can neither hammer nor stall the poller.
const (
	defaultMinPoll = 1 * time.Second
	defaultMaxPoll = 10 * time.Second
)

// Conn reads YouTube live chat. The channel id of a joined key is the live
// video id; each joined video gets its own poll goroutine. Sending requires
// an optional Sender.
type Conn struct {
	it     *InnerTube
	sender *Sender
	events chan model.Event

	MinPoll time.Duration
	MaxPoll time.Duration

	mu      sync.Mutex
	pollers map[model.ChannelKey]context.CancelFunc
	states  map[model.ChannelKey]model.ConnState

	runCtx    context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	wg        sync.WaitGroup
	done      chan struct{}

	newBackoff func() *backoff.Backoff
}

// New builds a Conn. sender may be nil for read-only operation.
func New(it *InnerTube, sender *Sender) *Conn {
	telemetry.Init()
	return &Conn{
		it:         it,
		sender:     sender,
		events:     make(chan model.Event, 256),
		MinPoll:    defaultMinPoll,
		MaxPoll:    defaultMaxPoll,
		pollers:    make(map[model.ChannelKey]context.CancelFunc),
		states:     make(map[model.ChannelKey]model.ConnState),
		done:       make(chan struct{}),
		newBackoff: backoff.New,
	}
}

// Connect starts pollers for every already-joined video and arms the
// connection for future joins.
func (c *Conn) Connect(ctx context.Context) error {
	c.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.runCtx = runCtx
		c.cancel = cancel
		pending := make([]model.ChannelKey, 0, len(c.pollers))
		for key, cancelPoll := range c.pollers {
			if cancelPoll == nil {
				pending = append(pending, key)
			}
		}
		c.mu.Unlock()
		for _, key := range pending {
			c.startPoller(key)
		}
		go func() {
			<-runCtx.Done()
			c.wg.Wait()
			close(c.events)
			close(c.done)
		}()
	})
	return nil
}

func (c *Conn) Events() <-chan model.Event { return c.events }

// State reports the worst state across live pollers, so one healthy video
// cannot mask another stuck reconnecting.
func (c *Conn) State() model.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.states) == 0 {
		return model.StateDisconnected
	}
	worst := model.StateConnected
	for _, s := range c.states {
		if stateSeverity(s) > stateSeverity(worst) {
			worst = s
		}
	}
	return worst
}

func stateSeverity(s model.ConnState) int {
	switch s {
	case model.StateConnected:
		return 0
	case model.StateAuthenticating:
		return 1
	case model.StateConnecting:
		return 2
	case model.StateReconnecting:
		return 3
	default: // StateDisconnected
		return 4
	}
}

// JoinChannel starts polling a video's chat. Before Connect the join is
// recorded and the poller starts once Connect runs.
func (c *Conn) JoinChannel(ctx context.Context, key model.ChannelKey) error {
	if key.Platform != model.PlatformYouTube || key.ChannelID == "" {
		return fmt.Errorf("not a youtube channel: %s", key)
	}
	c.mu.Lock()
	if _, joined := c.pollers[key]; joined {
		c.mu.Unlock()
		return nil
	}
	c.pollers[key] = nil
	started := c.runCtx != nil
	c.mu.Unlock()

	if started {
		c.startPoller(key)
	}
	return nil
}

func (c *Conn) LeaveChannel(ctx context.Context, key model.ChannelKey) error {
	c.mu.Lock()
	cancelPoll, ok := c.pollers[key]
	delete(c.pollers, key)
	c.mu.Unlock()
	if ok && cancelPoll != nil {
		cancelPoll()
	}
	return nil
}

// Send posts through the Data API. replyTo is ignored; YouTube live chat has
// no reply threading on the insert endpoint.
func (c *Conn) Send(ctx context.Context, key model.ChannelKey, text, replyTo string) error {
	_ = replyTo
	telemetry.SendsAttempted.WithLabelValues("youtube").Inc()
	if c.sender == nil {
		telemetry.SendsFailed.WithLabelValues("youtube").Inc()
		return fmt.Errorf("youtube: sending not configured (no credential)")
	}
	if err := c.sender.Send(ctx, key.ChannelID, text); err != nil {
		telemetry.SendsFailed.WithLabelValues("youtube").Inc()
		return err
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		close(c.events)
		return nil
	}
	cancel()
	<-c.done
	return nil
}

func (c *Conn) startPoller(key model.ChannelKey) {
	c.mu.Lock()
	if _, wanted := c.pollers[key]; !wanted || c.runCtx == nil {
		c.mu.Unlock()
		return
	}
	pollCtx, cancelPoll := context.WithCancel(c.runCtx)
	c.pollers[key] = cancelPoll
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pollChannel(pollCtx, key)
	}()
}

func (c *Conn) pollChannel(ctx context.Context, key model.ChannelKey) {
	defer func() {
		c.mu.Lock()
		delete(c.states, key)
		c.mu.Unlock()
	}()
	bo := c.newBackoff()
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(ctx, key, model.StateConnecting)
		sess, err := c.it.OpenSession(ctx, key.ChannelID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.Next()
			slog.Warn("youtube chat session open failed",
				slog.String("channel", key.String()), slog.Any("err", err),
				slog.Duration("retry_in", delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		c.setState(ctx, key, model.StateConnected)
		start := time.Now()
		err = c.pollSession(ctx, key, sess)
		if ctx.Err() != nil {
			return
		}
		bo.ObserveUptime(time.Since(start))

		c.setState(ctx, key, model.StateReconnecting)
		telemetry.Reconnects.WithLabelValues("youtube").Inc()
		delay := bo.Next()
		slog.Warn("youtube chat session lost",
			slog.String("channel", key.String()), slog.Any("err", err),
			slog.Duration("retry_in", delay))
		if !sleep(ctx, delay) {
			return
		}
	}
}

// pollSession drains pages until the session fails or the chat ends.
func (c *Conn) pollSession(ctx context.Context, key model.ChannelKey, sess ChatSession) error {
	for {
		page, next, err := c.it.Poll(ctx, sess)
		if err != nil {
			return err
		}
		sess = next

		events, dropped := normalizeActions(key, page.Actions)
		if dropped > 0 {
			telemetry.FramesDropped.WithLabelValues("youtube").Add(float64(dropped))
			slog.Debug("youtube actions dropped",
				slog.String("channel", key.String()), slog.Int("count", dropped))
		}
		for _, ev := range events {
			if ev.Type == model.EventMessage {
				telemetry.MessagesReceived.WithLabelValues("youtube").Inc()
			}
			c.emit(ctx, ev)
		}

		wait := page.Timeout
		if wait < c.MinPoll {
			wait = c.MinPoll
		}
		if wait > c.MaxPoll {
			wait = c.MaxPoll
		}
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Conn) emit(ctx context.Context, ev model.Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// setState tracks each poller's state under its own key so concurrent videos
// do not flap a shared field, and emits transitions stamped with the channel.
func (c *Conn) setState(ctx context.Context, key model.ChannelKey, s model.ConnState) {
	c.mu.Lock()
	changed := c.states[key] != s
	c.states[key] = s
	c.mu.Unlock()
	if changed {
		c.emit(ctx, model.Event{Type: model.EventConnState, Channel: key, ConnState: s})
	}
}
