// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Missing platform credentials disable that platform's send path, not the whole binary.
package config

import (
	"fmt"
	"os"
	"strings"
)

type Config struct {
	// Channels to join at startup, comma-separated "platform:channel_id" keys.
	Channels []string

	// Twitch
	TwitchUsername     string
	TwitchOAuthToken   string
	TwitchClientID     string
	TwitchClientSecret string
	TwitchScopes       string

	// Kick
	KickClientID     string
	KickClientSecret string
	KickCookieBundle string

	// YouTube OAuth (send path; reading live chat needs no credentials)
	YTClientID     string
	YTClientSecret string
	YTRefreshToken string
	YTScopes       string

	// Database
	DBDsn string

	// Emote cache
	CacheDir string

	// HTTP listener for /healthz, /metrics, and the SSE stream
	ListenAddr string
}

// Load reads environment variables and applies defaults. It doesn't fail if
// platform credentials are missing; those platforms run read-only (Twitch
// anonymous IRC, YouTube poll-only) or stay unconfigured (Kick send).
func Load() (*Config, error) {
	cfg := &Config{}

	if v := os.Getenv("CHANNELS"); v != "" {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if !strings.Contains(part, ":") {
				return nil, fmt.Errorf("invalid CHANNELS entry %q: want platform:channel_id", part)
			}
			cfg.Channels = append(cfg.Channels, part)
		}
	}

	cfg.TwitchUsername = os.Getenv("TWITCH_USERNAME")
	cfg.TwitchOAuthToken = os.Getenv("TWITCH_OAUTH_TOKEN")
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchScopes = os.Getenv("TWITCH_SCOPES")
	if cfg.TwitchScopes == "" {
		// default scopes for a chat bot
		cfg.TwitchScopes = "chat:read chat:edit"
	}

	cfg.KickClientID = os.Getenv("KICK_CLIENT_ID")
	cfg.KickClientSecret = os.Getenv("KICK_CLIENT_SECRET")
	cfg.KickCookieBundle = os.Getenv("KICK_COOKIES")

	cfg.YTClientID = os.Getenv("YT_CLIENT_ID")
	cfg.YTClientSecret = os.Getenv("YT_CLIENT_SECRET")
	cfg.YTRefreshToken = os.Getenv("YT_REFRESH_TOKEN")
	cfg.YTScopes = os.Getenv("YT_SCOPES")
	if cfg.YTScopes == "" {
		cfg.YTScopes = "https://www.googleapis.com/auth/youtube.force-ssl"
	}

	cfg.DBDsn = os.Getenv("DB_DSN")

	cfg.CacheDir = os.Getenv("CACHE_DIR")
	if cfg.CacheDir == "" {
		cfg.CacheDir = "data/emotes"
	}

	cfg.ListenAddr = os.Getenv("LISTEN_ADDR")
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	return cfg, nil
}

// ValidateTwitchSendReady checks the fields required for authenticated Twitch
// chat. Without them the Twitch connection still reads anonymously.
func (c *Config) ValidateTwitchSendReady() error {
	if c.TwitchUsername == "" || c.TwitchOAuthToken == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_USERNAME, TWITCH_OAUTH_TOKEN")
	}
	return nil
}
