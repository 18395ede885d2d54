package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/streamchat/creds"
	"github.com/onnwee/streamchat/emotes"
	"github.com/onnwee/streamchat/model"
	"github.com/onnwee/streamchat/telemetry"
)

// Connection is the per-platform transport contract. One implementation
// exists per platform (twitch.Conn, kick.Conn, youtube.Conn); each owns its
// transport and channel-session set and delivers normalized events on
// Events() until Close.
type Connection interface {
	Connect(ctx context.Context) error
	JoinChannel(ctx context.Context, key model.ChannelKey) error
	LeaveChannel(ctx context.Context, key model.ChannelKey) error
	Send(ctx context.Context, key model.ChannelKey, text, replyTo string) error
	Events() <-chan model.Event
	State() model.ConnState
	Close() error
}

// ConnectionFactory builds a platform connection on first use. The manager
// tears the connection down again once its last channel closes.
type ConnectionFactory func() (Connection, error)

// Recorder is an optional durable chat log. Moderation is applied to the log
// in place so exports reflect deletions.
type Recorder interface {
	Record(ctx context.Context, msg *model.Message) error
	MarkDeleted(ctx context.Context, key model.ChannelKey, messageID string) error
	MarkUserDeleted(ctx context.Context, key model.ChannelKey, userID string) error
	MarkAllDeleted(ctx context.Context, key model.ChannelKey) error
}

// ManagerConfig wires the manager's collaborators. Factories is required;
// everything else is optional.
type ManagerConfig struct {
	Factories map[model.Platform]ConnectionFactory
	Catalog   *emotes.Catalog // third-party emote enrichment
	Refresher *creds.Refresher
	Recorder  Recorder
	QueueSize int // per-subscriber buffer, defaults to defaultQueueSize
}

// Manager owns the set of live connections and the dispatch table from
// channel key to subscribers. All cross-goroutine traffic flows through
// channels; connection goroutines never touch manager state directly.
type Manager struct {
	factories map[model.Platform]ConnectionFactory
	catalog   *emotes.Catalog
	refresher *creds.Refresher
	recorder  Recorder
	queueSize int

	mu       sync.Mutex
	channels map[model.ChannelKey]*channelState
	conns    map[model.Platform]*activeConn
	whispers []*Subscriber
	runCtx   context.Context
	cancel   context.CancelFunc
	closed   bool

	intake     chan model.Event
	wg         sync.WaitGroup
	authFailed map[model.Platform]bool // send-path auth failures already surfaced

	pendingTimeout time.Duration
}

type channelState struct {
	refs    int
	subs    []*Subscriber
	hist    *history
	limiter *rate.Limiter
	pending []*PendingSend
}

type activeConn struct {
	conn     Connection
	channels map[model.ChannelKey]struct{}
}

func NewManager(cfg ManagerConfig) *Manager {
	telemetry.Init()
	m := &Manager{
		factories: cfg.Factories,
		catalog:   cfg.Catalog,
		refresher: cfg.Refresher,
		recorder:  cfg.Recorder,
		queueSize: cfg.QueueSize,
		channels:   make(map[model.ChannelKey]*channelState),
		conns:      make(map[model.Platform]*activeConn),
		intake:     make(chan model.Event, 256),
		authFailed: make(map[model.Platform]bool),

		pendingTimeout: sendPendingTimeout,
	}
	if m.catalog != nil {
		m.catalog.OnUpdate = func(key model.ChannelKey) {
			select {
			case m.intake <- model.Event{Type: model.EventCatalogUpdated, Channel: key}:
			default:
			}
		}
	}
	return m
}

// Start arms the manager. ctx bounds the manager's lifetime; cancelling it is
// equivalent to Close.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx != nil {
		return
	}
	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop()
}

// OpenChannel joins a channel (idempotent via refcount) and returns a fresh
// subscriber plus the retained history for replay. The first open for a
// platform builds and connects that platform's connection; the first open for
// a channel triggers an emote catalog prefetch.
func (m *Manager) OpenChannel(ctx context.Context, key model.ChannelKey) (*Subscriber, []model.Message, error) {
	m.mu.Lock()
	if m.runCtx == nil || m.closed {
		m.mu.Unlock()
		return nil, nil, errors.New("manager not running")
	}
	if st, ok := m.channels[key]; ok {
		st.refs++
		sub := newSubscriber(m.queueSize)
		st.subs = append(st.subs, sub)
		snap := st.hist.snapshot()
		m.mu.Unlock()
		return sub, snap, nil
	}

	ac, err := m.connectionLocked(key.Platform)
	if err != nil {
		m.mu.Unlock()
		return nil, nil, err
	}
	sub := newSubscriber(m.queueSize)
	st := &channelState{
		refs:    1,
		subs:    []*Subscriber{sub},
		hist:    newHistory(),
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	m.channels[key] = st
	ac.channels[key] = struct{}{}
	telemetry.SetOpenChannels(len(m.channels))
	m.mu.Unlock()

	if err := ac.conn.JoinChannel(ctx, key); err != nil {
		m.mu.Lock()
		delete(m.channels, key)
		delete(ac.channels, key)
		telemetry.SetOpenChannels(len(m.channels))
		m.mu.Unlock()
		sub.close()
		return nil, nil, fmt.Errorf("join %s: %w", key, err)
	}

	if m.catalog != nil {
		go m.prefetchCatalog(key)
	}
	return sub, nil, nil
}

// CloseChannel releases one open reference. sub, when non-nil, is the
// subscriber returned by the matching OpenChannel and is closed immediately.
// At refcount zero the channel is left on its connection, and a connection
// with no channels left is torn down.
func (m *Manager) CloseChannel(ctx context.Context, key model.ChannelKey, sub *Subscriber) error {
	m.mu.Lock()
	st, ok := m.channels[key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("channel not open: %s", key)
	}
	st.refs--
	if sub != nil {
		for i, s := range st.subs {
			if s == sub {
				st.subs = append(st.subs[:i], st.subs[i+1:]...)
				break
			}
		}
	}
	if st.refs > 0 {
		m.mu.Unlock()
		if sub != nil {
			sub.close()
		}
		return nil
	}

	delete(m.channels, key)
	subs := st.subs
	pending := st.pending
	st.pending = nil
	ac := m.conns[key.Platform]
	var teardown Connection
	if ac != nil {
		delete(ac.channels, key)
		if len(ac.channels) == 0 {
			teardown = ac.conn
			delete(m.conns, key.Platform)
		}
	}
	telemetry.SetOpenChannels(len(m.channels))
	m.mu.Unlock()

	if sub != nil {
		sub.close()
	}
	for _, s := range subs {
		s.close()
	}
	for _, p := range pending {
		p.resolve(ErrSendUnconfirmed)
	}

	if teardown != nil {
		if err := teardown.Close(); err != nil {
			slog.Warn("connection teardown failed",
				slog.String("platform", string(key.Platform)), slog.Any("err", err))
		}
		telemetry.ActiveConnectionsGauge.Dec()
		return nil
	}
	if ac != nil {
		return ac.conn.LeaveChannel(ctx, key)
	}
	return nil
}

// Send transmits text to an open channel. It returns immediately with a
// pending handle; the local rate limit wait, the platform call, and the
// confirmation all resolve asynchronously. On Twitch the send is confirmed by
// the locally synthesized echo on the read path; REST platforms confirm on
// response.
func (m *Manager) Send(ctx context.Context, key model.ChannelKey, text, replyTo string) (*PendingSend, error) {
	m.mu.Lock()
	st, ok := m.channels[key]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("channel not open: %s", key)
	}
	ac := m.conns[key.Platform]
	limiter := st.limiter
	m.mu.Unlock()
	if ac == nil {
		return nil, fmt.Errorf("no connection for %s", key.Platform)
	}

	p := newPendingSend(text)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		telemetry.TimeFunc(telemetry.SendDuration, func() {
			m.transmit(ctx, ac.conn, key, text, replyTo, limiter, p)
		})
	}()
	return p, nil
}

// transmit performs the slow-mode wait and the platform send, retrying once
// through a credential refresh on an expired token.
func (m *Manager) transmit(ctx context.Context, conn Connection, key model.ChannelKey, text, replyTo string, limiter *rate.Limiter, p *PendingSend) {
	if err := limiter.Wait(ctx); err != nil {
		p.resolve(err)
		return
	}

	isTwitch := key.Platform == model.PlatformTwitch
	if isTwitch {
		// Twitch confirms by the echo the connection synthesizes on the read
		// path. The write emits that echo synchronously, so the pending entry
		// and its timeout must be armed before the send.
		p.timer = time.AfterFunc(m.pendingTimeout, func() {
			p.resolve(ErrSendUnconfirmed)
			m.removePending(key, p)
		})
		m.mu.Lock()
		st, ok := m.channels[key]
		if ok {
			st.pending = append(st.pending, p)
		}
		m.mu.Unlock()
		if !ok {
			p.resolve(ErrSendUnconfirmed)
			return
		}
	}

	err := conn.Send(ctx, key, text, replyTo)
	if errors.Is(err, ErrAuthExpired) && m.refresher != nil {
		if _, rerr := m.refresher.Refresh(ctx, key.Platform); rerr == nil {
			err = conn.Send(ctx, key, text, replyTo)
		}
	}
	if errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrAuthFailed) {
		// Read paths without authentication never surface credential loss on
		// their own; the failed send is the only signal subscribers get.
		m.surfaceAuthFailure(key.Platform, err)
	}
	if err != nil {
		if isTwitch {
			m.removePending(key, p)
		}
		p.resolve(err)
		return
	}
	if !isTwitch {
		p.resolve(nil)
	}
}

// Whispers returns a subscriber fed by whisper messages, which have no
// channel and bypass per-channel routing.
func (m *Manager) Whispers() *Subscriber {
	sub := newSubscriber(m.queueSize)
	m.mu.Lock()
	m.whispers = append(m.whispers, sub)
	m.mu.Unlock()
	return sub
}

// Close tears down every connection and subscriber. Blocks until all manager
// goroutines have drained.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed || m.runCtx == nil {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]Connection, 0, len(m.conns))
	for _, ac := range m.conns {
		conns = append(conns, ac.conn)
	}
	var subs []*Subscriber
	for _, st := range m.channels {
		subs = append(subs, st.subs...)
		for _, p := range st.pending {
			p.resolve(ErrSendUnconfirmed)
		}
	}
	subs = append(subs, m.whispers...)
	m.conns = make(map[model.Platform]*activeConn)
	m.channels = make(map[model.ChannelKey]*channelState)
	m.whispers = nil
	cancel := m.cancel
	m.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			slog.Warn("connection close failed", slog.Any("err", err))
		}
		telemetry.ActiveConnectionsGauge.Dec()
	}
	cancel()
	m.wg.Wait()
	for _, s := range subs {
		s.close()
	}
	telemetry.SetOpenChannels(0)
	return nil
}

// connectionLocked returns the live connection for a platform, building and
// connecting it on first use. Caller holds m.mu.
func (m *Manager) connectionLocked(platform model.Platform) (*activeConn, error) {
	if ac, ok := m.conns[platform]; ok {
		return ac, nil
	}
	factory, ok := m.factories[platform]
	if !ok {
		return nil, fmt.Errorf("no connection factory for platform %q", platform)
	}
	conn, err := factory()
	if err != nil {
		return nil, fmt.Errorf("build %s connection: %w", platform, err)
	}
	if err := conn.Connect(m.runCtx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", platform, err)
	}
	ac := &activeConn{conn: conn, channels: make(map[model.ChannelKey]struct{})}
	m.conns[platform] = ac
	telemetry.ActiveConnectionsGauge.Inc()

	m.wg.Add(1)
	go m.forward(platform, conn)
	return ac, nil
}

// forward pumps one connection's events into the manager intake, stamping
// the platform on events that carry no channel (connection state, auth).
func (m *Manager) forward(platform model.Platform, conn Connection) {
	defer m.wg.Done()
	for ev := range conn.Events() {
		if ev.Channel.Platform == "" {
			ev.Channel.Platform = platform
		}
		select {
		case m.intake <- ev:
		case <-m.runCtx.Done():
			return
		}
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case ev := <-m.intake:
			m.dispatch(ev)
		}
	}
}

func (m *Manager) dispatch(ev model.Event) {
	switch ev.Type {
	case model.EventMessage:
		m.dispatchMessage(ev)
	case model.EventModeration:
		m.dispatchModeration(ev)
	case model.EventRoomState:
		m.dispatchRoomState(ev)
	case model.EventCatalogUpdated:
		m.dispatchToChannel(ev)
	case model.EventConnState, model.EventAuthFailed:
		m.broadcast(ev)
	}
}

func (m *Manager) dispatchMessage(ev model.Event) {
	msg := ev.Message
	if msg.Kind == model.KindWhisper {
		m.mu.Lock()
		subs := append([]*Subscriber(nil), m.whispers...)
		m.mu.Unlock()
		for _, s := range subs {
			s.push(ev)
		}
		return
	}

	m.enrich(msg)

	m.mu.Lock()
	st, ok := m.channels[ev.Channel]
	if !ok {
		m.mu.Unlock()
		return
	}
	if msg.Self {
		m.resolveEchoLocked(st, msg.Text)
	}
	if !st.hist.append(*msg) {
		// Redelivered id; subscribers already saw it.
		m.mu.Unlock()
		return
	}
	subs := append([]*Subscriber(nil), st.subs...)
	m.mu.Unlock()

	for _, s := range subs {
		s.push(ev)
	}
	if m.recorder != nil {
		if err := m.recorder.Record(m.runCtx, msg); err != nil {
			slog.Warn("chat log write failed",
				slog.String("channel", ev.Channel.String()), slog.Any("err", err))
		}
	}
}

func (m *Manager) dispatchModeration(ev model.Event) {
	mod := ev.Moderation
	m.mu.Lock()
	st, ok := m.channels[ev.Channel]
	if !ok {
		m.mu.Unlock()
		return
	}
	// History is amended in place; no new Message event is published, the
	// moderation event itself tells subscribers to re-render.
	switch mod.Kind {
	case model.ModDeleteMessage:
		st.hist.markDeleted(mod.TargetMessageID)
	case model.ModTimeoutUser, model.ModBanUser:
		st.hist.markUserDeleted(mod.TargetUserID)
	case model.ModClearChat:
		st.hist.markAllDeleted()
	}
	subs := append([]*Subscriber(nil), st.subs...)
	m.mu.Unlock()

	for _, s := range subs {
		s.push(ev)
	}
	if m.recorder != nil {
		m.applyModerationToLog(ev.Channel, mod)
	}
}

func (m *Manager) applyModerationToLog(key model.ChannelKey, mod *model.ModerationEvent) {
	var err error
	switch mod.Kind {
	case model.ModDeleteMessage:
		err = m.recorder.MarkDeleted(m.runCtx, key, mod.TargetMessageID)
	case model.ModTimeoutUser, model.ModBanUser:
		err = m.recorder.MarkUserDeleted(m.runCtx, key, mod.TargetUserID)
	case model.ModClearChat:
		err = m.recorder.MarkAllDeleted(m.runCtx, key)
	}
	if err != nil {
		slog.Warn("chat log moderation update failed",
			slog.String("channel", key.String()),
			slog.String("kind", mod.Kind.String()), slog.Any("err", err))
	}
}

func (m *Manager) dispatchRoomState(ev model.Event) {
	m.mu.Lock()
	st, ok := m.channels[ev.Channel]
	if !ok {
		m.mu.Unlock()
		return
	}
	if slow := ev.RoomState.SlowMode; slow > 0 {
		st.limiter.SetLimit(rate.Every(slow))
	} else {
		st.limiter.SetLimit(rate.Inf)
	}
	subs := append([]*Subscriber(nil), st.subs...)
	m.mu.Unlock()

	for _, s := range subs {
		s.push(ev)
	}
}

func (m *Manager) dispatchToChannel(ev model.Event) {
	m.mu.Lock()
	st, ok := m.channels[ev.Channel]
	if !ok {
		m.mu.Unlock()
		return
	}
	subs := append([]*Subscriber(nil), st.subs...)
	m.mu.Unlock()
	for _, s := range subs {
		s.push(ev)
	}
}

// broadcast fans an event out to every channel of its platform. Events with
// no platform at all go to every subscriber.
func (m *Manager) broadcast(ev model.Event) {
	m.mu.Lock()
	var subs []*Subscriber
	for key, st := range m.channels {
		if ev.Channel.Platform != "" && key.Platform != ev.Channel.Platform {
			continue
		}
		subs = append(subs, st.subs...)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.push(ev)
	}
}

// enrich adds third-party emote spans from the channel's catalog. Spans
// claimed by the platform's native tags are left alone.
func (m *Manager) enrich(msg *model.Message) {
	if m.catalog == nil || msg.Kind != model.KindChat || msg.Text == "" {
		return
	}
	// Never block dispatch on the network: a channel whose catalog is not
	// cached yet skips enrichment, and subscribers re-render once the
	// CatalogUpdated event lands.
	set, ok := m.catalog.CachedSet(msg.Channel)
	if !ok || len(set) == 0 {
		return
	}
	extra := emotes.FindEmotes(msg.Text, set, msg.Emotes)
	if len(extra) == 0 {
		return
	}
	msg.Emotes = append(msg.Emotes, extra...)
	sort.Slice(msg.Emotes, func(i, j int) bool { return msg.Emotes[i].Start < msg.Emotes[j].Start })
}

// surfaceAuthFailure publishes EventAuthFailed for a send-path credential
// failure, once per platform so a dead credential does not spam every send.
func (m *Manager) surfaceAuthFailure(platform model.Platform, err error) {
	m.mu.Lock()
	if m.authFailed[platform] {
		m.mu.Unlock()
		return
	}
	m.authFailed[platform] = true
	m.mu.Unlock()
	telemetry.AuthFailures.WithLabelValues(string(platform)).Inc()
	select {
	case m.intake <- model.Event{
		Type:    model.EventAuthFailed,
		Channel: model.ChannelKey{Platform: platform},
		Err:     err,
	}:
	case <-m.runCtx.Done():
	}
}

// resolveEchoLocked matches the bot's own echoed message against pending
// sends by text. Caller holds m.mu and has checked msg.Self.
func (m *Manager) resolveEchoLocked(st *channelState, text string) {
	for i, p := range st.pending {
		if p.text == text {
			st.pending = append(st.pending[:i], st.pending[i+1:]...)
			p.resolve(nil)
			return
		}
	}
}

func (m *Manager) removePending(key model.ChannelKey, p *PendingSend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.channels[key]
	if !ok {
		return
	}
	for i, q := range st.pending {
		if q == p {
			st.pending = append(st.pending[:i], st.pending[i+1:]...)
			return
		}
	}
}

func (m *Manager) prefetchCatalog(key model.ChannelKey) {
	ctx, cancel := context.WithTimeout(m.runCtx, 30*time.Second)
	defer cancel()
	if _, err := m.catalog.ChannelSet(ctx, key); err != nil {
		slog.Warn("emote catalog prefetch failed",
			slog.String("channel", key.String()), slog.Any("err", err))
	}
}
