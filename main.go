// Command streamchat is the main entrypoint for the multi-platform chat
// service. It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres for the encrypted credential store and
//     the durable chat log, and runs idempotent migrations.
//   - Wires the per-platform connections (Twitch IRC, Kick Pusher, YouTube
//     InnerTube), the emote catalog/cache, and the chat manager.
//   - Starts background credential refreshers for Twitch/Kick/YouTube.
//   - Exposes an HTTP server with /healthz, /readyz, /metrics, the SSE chat
//     stream, history, send, and the emote image proxy.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/joho/godotenv"
	"github.com/onnwee/streamchat/chat"
	"github.com/onnwee/streamchat/config"
	"github.com/onnwee/streamchat/creds"
	"github.com/onnwee/streamchat/db"
	"github.com/onnwee/streamchat/emotes"
	"github.com/onnwee/streamchat/kick"
	"github.com/onnwee/streamchat/model"
	"github.com/onnwee/streamchat/server"
	"github.com/onnwee/streamchat/telemetry"
	"github.com/onnwee/streamchat/twitch"
	"github.com/onnwee/streamchat/twitchapi"
	"github.com/onnwee/streamchat/youtube"
)

const kickTokenURL = "https://id.kick.com/oauth/token" //nolint:gosec // G101: OAuth endpoint URL, not a credential

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("streamchat", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB is optional: without DB_DSN credentials live in memory and the
	// durable chat log / history endpoint are disabled.
	var database *sql.DB
	var store creds.Store
	var recorder chat.Recorder
	if cfg.DBDsn != "" {
		database, err = db.Connect()
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()

		// Versioned migrations first; fall back to the embedded idempotent
		// SQL for deployments predating the schema_migrations table.
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
				slog.Any("err", err),
				slog.String("component", "db_migrate"))
			if err := db.Migrate(ctx, database); err != nil {
				slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
				os.Exit(1)
			}
		}

		store = db.NewCredentialStore(database)
		recorder = db.NewChatLog(database)
	} else {
		slog.Info("DB_DSN not set; using in-memory credential store, chat log disabled")
		store = creds.NewMemoryStore()
	}

	seedCredentials(ctx, store, cfg)

	// Single-flight refresher with one token exchange routine per platform.
	refresher := creds.NewRefresher(store)
	registerRefreshers(refresher, cfg)

	// Emote catalog: third-party providers plus the Twitch native set when
	// Helix app credentials are available.
	providers := []emotes.Provider{&emotes.SevenTV{}, &emotes.BTTV{}, &emotes.FFZ{}}
	native := map[model.Platform]emotes.Provider{}
	var helix *twitchapi.HelixClient
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		helix = &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
		}
		native[model.PlatformTwitch] = &emotes.TwitchNative{Helix: helix}
	} else {
		slog.Info("twitch client credentials not set; native twitch emotes and id resolution disabled")
	}
	catalog := emotes.NewCatalog(providers, native)
	if helix != nil {
		// Helix, BTTV, and FFZ key channel emotes on the numeric
		// broadcaster id, not the login.
		catalog.Resolvers = map[model.Platform]func(ctx context.Context, channelID string) (string, error){
			model.PlatformTwitch: helix.GetUserID,
		}
	}

	disk, err := emotes.OpenDiskStore(cfg.CacheDir, 0)
	if err != nil {
		slog.Warn("emote disk cache unavailable, running memory-only", slog.Any("err", err))
		disk = nil
	}
	cache := emotes.NewCache(0, disk)

	// Platform connections, built lazily by the manager on first join.
	kickAPI := kick.NewAPI(nil, store, refresher)
	factories := map[model.Platform]chat.ConnectionFactory{
		model.PlatformTwitch: func() (chat.Connection, error) {
			return twitch.New(cfg.TwitchUsername, store, refresher), nil
		},
		model.PlatformKick: func() (chat.Connection, error) {
			return kick.New(kickAPI), nil
		},
		model.PlatformYouTube: func() (chat.Connection, error) {
			var sender *youtube.Sender
			if cfg.YTClientID != "" && cfg.YTClientSecret != "" {
				s, err := youtube.NewSender(ctx, store, cfg.YTClientID, cfg.YTClientSecret)
				if err != nil {
					slog.Warn("youtube sender unavailable, read-only", slog.Any("err", err))
				} else {
					sender = s
				}
			}
			return youtube.New(youtube.NewInnerTube(nil), sender), nil
		},
	}

	mgr := chat.NewManager(chat.ManagerConfig{
		Factories: factories,
		Catalog:   catalog,
		Refresher: refresher,
		Recorder:  recorder,
	})
	mgr.Start(ctx)
	defer func() {
		if err := mgr.Close(); err != nil {
			slog.Error("chat manager close failed", slog.Any("err", err))
		}
	}()

	// Background credential refreshers keep tokens fresh between sends.
	creds.StartBackgroundRefresh(ctx, store, refresher, model.PlatformTwitch, 5*time.Minute, 15*time.Minute)
	creds.StartBackgroundRefresh(ctx, store, refresher, model.PlatformKick, 5*time.Minute, 15*time.Minute)
	creds.StartBackgroundRefresh(ctx, store, refresher, model.PlatformYouTube, 10*time.Minute, 20*time.Minute)

	// Join configured channels. Startup subscriptions are held for the life
	// of the process so the connections stay up with or without SSE clients.
	for _, raw := range cfg.Channels {
		key, err := model.ParseChannelKey(raw)
		if err != nil {
			slog.Error("invalid channel key", slog.String("channel", raw), slog.Any("err", err))
			continue
		}
		if _, _, err := mgr.OpenChannel(ctx, key); err != nil {
			slog.Error("failed to join channel", slog.String("channel", key.String()), slog.Any("err", err))
			continue
		}
		slog.Info("joined channel", slog.String("channel", key.String()))
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (probes, metrics, SSE stream, history, send, emote proxy)
	go func() {
		deps := server.Deps{DB: database, Chat: mgr, Catalog: catalog, Cache: cache}
		if err := server.Start(ctx, deps, cfg.ListenAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// seedCredentials copies credentials provided via environment into the store,
// without clobbering anything already persisted (stored tokens may have been
// rotated since the env was written).
func seedCredentials(ctx context.Context, store creds.Store, cfg *config.Config) {
	seed := func(cred creds.Credential) {
		if _, err := store.Get(ctx, cred.Platform); err == nil {
			return
		} else if !errors.Is(err, creds.ErrNoCredential) {
			slog.Warn("credential lookup failed", slog.String("platform", string(cred.Platform)), slog.Any("err", err))
			return
		}
		if err := store.Put(ctx, cred); err != nil {
			slog.Warn("credential seed failed", slog.String("platform", string(cred.Platform)), slog.Any("err", err))
			return
		}
		slog.Info("credential seeded from env", slog.String("platform", string(cred.Platform)))
	}

	if cfg.TwitchOAuthToken != "" {
		seed(creds.Credential{
			Platform:    model.PlatformTwitch,
			AccessToken: strings.TrimPrefix(cfg.TwitchOAuthToken, "oauth:"),
			Scopes:      strings.Fields(cfg.TwitchScopes),
		})
	}
	if cfg.KickCookieBundle != "" {
		seed(creds.Credential{
			Platform:     model.PlatformKick,
			CookieBundle: cfg.KickCookieBundle,
		})
	}
	if cfg.YTRefreshToken != "" {
		seed(creds.Credential{
			Platform:     model.PlatformYouTube,
			RefreshToken: cfg.YTRefreshToken,
			Scopes:       strings.Fields(cfg.YTScopes),
		})
	}
}

// registerRefreshers installs the per-platform token exchange routines.
// Platforms without client credentials are left unregistered; their refresh
// attempts fail fast and the connection degrades per its read-only rules.
func registerRefreshers(r *creds.Refresher, cfg *config.Config) {
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		r.Register(model.PlatformTwitch, func(ctx context.Context, current creds.Credential) (creds.Credential, error) {
			grant, err := twitchapi.RefreshToken(ctx, nil, cfg.TwitchClientID, cfg.TwitchClientSecret, current.RefreshToken)
			if err != nil {
				return creds.Credential{}, err
			}
			return creds.Credential{
				AccessToken:  grant.AccessToken,
				RefreshToken: grant.RefreshToken,
				ExpiresAt:    twitchapi.ComputeExpiry(grant.ExpiresIn),
				Scopes:       grant.Scope,
			}, nil
		})
	}
	if cfg.KickClientID != "" && cfg.KickClientSecret != "" {
		oc := &oauth2.Config{
			ClientID:     cfg.KickClientID,
			ClientSecret: cfg.KickClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: kickTokenURL},
		}
		r.Register(model.PlatformKick, func(ctx context.Context, current creds.Credential) (creds.Credential, error) {
			tok, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken}).Token()
			if err != nil {
				return creds.Credential{}, err
			}
			return creds.Credential{
				AccessToken:  tok.AccessToken,
				RefreshToken: tok.RefreshToken,
				CookieBundle: current.CookieBundle,
				ExpiresAt:    tok.Expiry,
			}, nil
		})
	}
	if cfg.YTClientID != "" && cfg.YTClientSecret != "" {
		oc := &oauth2.Config{
			ClientID:     cfg.YTClientID,
			ClientSecret: cfg.YTClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       strings.Fields(cfg.YTScopes),
		}
		r.Register(model.PlatformYouTube, func(ctx context.Context, current creds.Credential) (creds.Credential, error) {
			tok, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken}).Token()
			if err != nil {
				return creds.Credential{}, err
			}
			return creds.Credential{
				AccessToken:  tok.AccessToken,
				RefreshToken: tok.RefreshToken,
				ExpiresAt:    tok.Expiry,
				Scopes:       current.Scopes,
			}, nil
		})
	}
}
