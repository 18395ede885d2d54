// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/onnwee/streamchat/chat"
	"github.com/onnwee/streamchat/emotes"
	"github.com/onnwee/streamchat/model"
)

// ChatStream is the slice of the chat manager the HTTP layer needs.
// *chat.Manager satisfies it.
type ChatStream interface {
	OpenChannel(ctx context.Context, key model.ChannelKey) (*chat.Subscriber, []model.Message, error)
	CloseChannel(ctx context.Context, key model.ChannelKey, sub *chat.Subscriber) error
	Send(ctx context.Context, key model.ChannelKey, text, replyTo string) (*chat.PendingSend, error)
}

// Deps wires the HTTP layer's collaborators. Chat is required. DB is
// optional; without it the durable history endpoint is unavailable and
// probes skip the ping. Catalog and Cache are optional; without them the
// emote image endpoint is unavailable.
type Deps struct {
	DB      *sql.DB
	Chat    ChatStream
	Catalog *emotes.Catalog
	Cache   *emotes.Cache

	// HTTPClient fetches emote images on cache miss. Defaults to a
	// timeout-bounded client.
	HTTPClient *http.Client
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db         *sql.DB
	chat       ChatStream
	catalog    *emotes.Catalog
	cache      *emotes.Cache
	httpClient *http.Client
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		db:         deps.DB,
		chat:       deps.Chat,
		catalog:    deps.Catalog,
		cache:      deps.Cache,
		httpClient: deps.HTTPClient,
	}
}
