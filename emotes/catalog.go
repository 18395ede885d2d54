package emotes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/streamchat/model"
	"github.com/onnwee/streamchat/telemetry"
)

// Catalog TTLs. Channel sets churn faster than provider-wide globals.
const (
	DefaultGlobalTTL  = 24 * time.Hour
	DefaultChannelTTL = 6 * time.Hour
)

type cachedSet struct {
	emotes    map[string]CatalogEmote // code -> emote, treated as immutable once published
	fetchedAt time.Time
}

// Catalog assembles per-channel emote lookup maps from native platform
// sources and third-party providers, with stale-while-revalidate caching.
// A stale hit is served immediately while a single background refresh runs;
// concurrent refreshes for the same channel collapse into one fetch.
type Catalog struct {
	providers  []Provider
	native     map[model.Platform]Provider
	globalTTL  time.Duration
	channelTTL time.Duration

	// OnUpdate, if set, is called after a background refresh replaces a
	// channel's set. Set it before first use.
	OnUpdate func(model.ChannelKey)

	// Resolvers translates a platform's canonical channel id into the id
	// emote sources key on. Twitch channels are keyed by login but Helix,
	// BTTV, and FFZ want the numeric broadcaster id. Platforms without an
	// entry pass the id through unchanged. Set before first use.
	Resolvers map[model.Platform]func(ctx context.Context, channelID string) (string, error)

	mu       sync.Mutex
	globals  map[string]*cachedSet // provider name -> global set
	channels map[model.ChannelKey]*cachedSet
	resolved map[model.ChannelKey]string

	sf  singleflight.Group
	now func() time.Time
}

// NewCatalog builds a catalog over the given third-party providers. native
// maps a platform to its first-party emote source (Twitch Helix emotes); it
// may be nil or sparse.
func NewCatalog(providers []Provider, native map[model.Platform]Provider) *Catalog {
	telemetry.Init()
	return &Catalog{
		providers:  providers,
		native:     native,
		globalTTL:  DefaultGlobalTTL,
		channelTTL: DefaultChannelTTL,
		globals:    make(map[string]*cachedSet),
		channels:   make(map[model.ChannelKey]*cachedSet),
		resolved:   make(map[model.ChannelKey]string),
		now:        time.Now,
	}
}

// ChannelSet returns the merged emote map for a channel. A cached set is
// returned immediately even when past its TTL, with a refresh kicked off in
// the background; only a cold miss blocks on the network.
func (c *Catalog) ChannelSet(ctx context.Context, key model.ChannelKey) (map[string]CatalogEmote, error) {
	c.mu.Lock()
	cs, ok := c.channels[key]
	c.mu.Unlock()

	if ok {
		if c.now().Sub(cs.fetchedAt) > c.channelTTL {
			go c.backgroundRefresh(key)
		}
		return cs.emotes, nil
	}
	return c.refresh(ctx, key)
}

// CachedSet returns the channel's set only when one is already cached. It
// never blocks on the network: a miss or a stale hit kicks off a background
// refresh, announced through OnUpdate when it lands.
func (c *Catalog) CachedSet(key model.ChannelKey) (map[string]CatalogEmote, bool) {
	c.mu.Lock()
	cs, ok := c.channels[key]
	c.mu.Unlock()
	if !ok {
		go c.backgroundRefresh(key)
		return nil, false
	}
	if c.now().Sub(cs.fetchedAt) > c.channelTTL {
		go c.backgroundRefresh(key)
	}
	return cs.emotes, true
}

// Invalidate drops the cached set for a channel so the next lookup refetches.
func (c *Catalog) Invalidate(key model.ChannelKey) {
	c.mu.Lock()
	delete(c.channels, key)
	c.mu.Unlock()
}

func (c *Catalog) backgroundRefresh(key model.ChannelKey) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.refresh(ctx, key); err != nil {
		slog.Warn("emote catalog refresh failed",
			slog.String("channel", key.String()), slog.Any("err", err))
		return
	}
	if c.OnUpdate != nil {
		c.OnUpdate(key)
	}
}

func (c *Catalog) refresh(ctx context.Context, key model.ChannelKey) (map[string]CatalogEmote, error) {
	v, err, _ := c.sf.Do(key.String(), func() (any, error) {
		sctx, span := telemetry.StartSpan(ctx, "emote-catalog", "catalog.refresh",
			attribute.String("channel", key.String()))
		defer span.End()
		telemetry.CatalogRefreshes.Inc()
		var merged map[string]CatalogEmote
		telemetry.TimeFunc(telemetry.CatalogFetchDuration, func() {
			merged = c.fetchChannel(sctx, key)
		})
		span.SetAttributes(attribute.Int("emotes", len(merged)))

		c.mu.Lock()
		defer c.mu.Unlock()
		prev := c.channels[key]
		if len(merged) == 0 && prev != nil && len(prev.emotes) > 0 {
			// A refresh that came back empty is more likely a provider
			// outage than a channel clearing every emote. Keep the old
			// set and push the next attempt a full TTL out.
			prev.fetchedAt = c.now()
			slog.Warn("emote catalog refresh returned empty set, keeping previous",
				slog.String("channel", key.String()), slog.Int("previous", len(prev.emotes)))
			return prev.emotes, nil
		}
		c.channels[key] = &cachedSet{emotes: merged, fetchedAt: c.now()}
		return merged, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]CatalogEmote), nil
}

// fetchChannel fans out to the native source and every provider, tolerating
// individual failures. Precedence is native first, then providers in order;
// the first source to claim a code keeps it.
func (c *Catalog) fetchChannel(ctx context.Context, key model.ChannelKey) map[string]CatalogEmote {
	sources := make([]Provider, 0, len(c.providers)+1)
	if nat, ok := c.native[key.Platform]; ok {
		sources = append(sources, nat)
	}
	sources = append(sources, c.providers...)

	channelID := c.resolveChannelID(ctx, key)

	lists := make([][]CatalogEmote, len(sources)*2)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, src := range sources {
		g.Go(func() error {
			emotes, err := c.globalEmotes(gctx, src)
			if err != nil {
				slog.Warn("global emote fetch failed",
					slog.String("provider", src.Name()), slog.Any("err", err))
				return nil
			}
			lists[i*2] = emotes
			return nil
		})
		g.Go(func() error {
			emotes, err := src.ChannelEmotes(gctx, key.Platform, channelID)
			if err != nil {
				slog.Warn("channel emote fetch failed",
					slog.String("provider", src.Name()),
					slog.String("channel", key.String()), slog.Any("err", err))
				return nil
			}
			lists[i*2+1] = emotes
			return nil
		})
	}
	_ = g.Wait()

	merged := make(map[string]CatalogEmote)
	for i := range sources {
		// Channel emotes shadow the same source's globals.
		for _, e := range lists[i*2+1] {
			if _, ok := merged[e.Name]; !ok {
				merged[e.Name] = e
			}
		}
		for _, e := range lists[i*2] {
			if _, ok := merged[e.Name]; !ok {
				merged[e.Name] = e
			}
		}
	}
	return merged
}

// resolveChannelID runs the platform's resolver once per channel and caches
// the result. Resolution failures fall back to the raw id so providers that
// accept it still get a shot.
func (c *Catalog) resolveChannelID(ctx context.Context, key model.ChannelKey) string {
	fn, ok := c.Resolvers[key.Platform]
	if !ok {
		return key.ChannelID
	}
	c.mu.Lock()
	id, cached := c.resolved[key]
	c.mu.Unlock()
	if cached {
		return id
	}
	id, err := fn(ctx, key.ChannelID)
	if err != nil || id == "" {
		slog.Warn("channel id resolution failed",
			slog.String("channel", key.String()), slog.Any("err", err))
		return key.ChannelID
	}
	c.mu.Lock()
	c.resolved[key] = id
	c.mu.Unlock()
	return id
}

// globalEmotes returns a source's global set, cached under the global TTL.
func (c *Catalog) globalEmotes(ctx context.Context, src Provider) ([]CatalogEmote, error) {
	c.mu.Lock()
	cs, ok := c.globals[src.Name()]
	fresh := ok && c.now().Sub(cs.fetchedAt) <= c.globalTTL
	c.mu.Unlock()
	if fresh {
		return flatten(cs.emotes), nil
	}

	sfKey := "global:" + src.Name()
	v, err, _ := c.sf.Do(sfKey, func() (any, error) {
		emotes, err := src.GlobalEmotes(ctx)
		if err != nil {
			if ok {
				// Serve the stale global set through provider outages.
				return flatten(cs.emotes), nil
			}
			return nil, fmt.Errorf("global emotes %s: %w", src.Name(), err)
		}
		byName := make(map[string]CatalogEmote, len(emotes))
		for _, e := range emotes {
			byName[e.Name] = e
		}
		c.mu.Lock()
		c.globals[src.Name()] = &cachedSet{emotes: byName, fetchedAt: c.now()}
		c.mu.Unlock()
		return emotes, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]CatalogEmote), nil
}

func flatten(m map[string]CatalogEmote) []CatalogEmote {
	out := make([]CatalogEmote, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}
