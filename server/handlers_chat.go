package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/streamchat/model"
)

// sseKeepAlive is how often an SSE comment line is written so proxies and
// clients can detect a dead stream.
const sseKeepAlive = 30 * time.Second

// sseEvent is the wire shape of one SSE frame.
type sseEvent struct {
	Type       string                 `json:"type"`
	Channel    string                 `json:"channel,omitempty"`
	Message    *model.Message         `json:"message,omitempty"`
	Moderation *model.ModerationEvent `json:"moderation,omitempty"`
	RoomState  *model.RoomState       `json:"room_state,omitempty"`
	ConnState  string                 `json:"conn_state,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

func toSSE(ev model.Event) sseEvent {
	out := sseEvent{Channel: ev.Channel.String()}
	switch ev.Type {
	case model.EventMessage:
		out.Type = "message"
		out.Message = ev.Message
	case model.EventModeration:
		out.Type = "moderation"
		out.Moderation = ev.Moderation
	case model.EventRoomState:
		out.Type = "room_state"
		out.RoomState = ev.RoomState
	case model.EventConnState:
		out.Type = "conn_state"
		out.ConnState = ev.ConnState.String()
	case model.EventAuthFailed:
		out.Type = "auth_failed"
		if ev.Err != nil {
			out.Error = ev.Err.Error()
		}
	case model.EventCatalogUpdated:
		out.Type = "catalog_updated"
	default:
		out.Type = "unknown"
	}
	return out
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev sseEvent) error {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(ev); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// HandleChatStream subscribes to a channel and streams its events using
// Server-Sent Events, starting with the retained history.
func (h *Handlers) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	key, err := model.ParseChannelKey(r.URL.Query().Get("channel"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	sub, history, err := h.chat.OpenChannel(ctx, key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer func() {
		// The request context is already done; teardown gets its own.
		if err := h.chat.CloseChannel(context.WithoutCancel(ctx), key, sub); err != nil {
			slog.Warn("sse channel close failed", slog.String("channel", key.String()), slog.Any("err", err))
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for i := range history {
		ev := model.Event{Type: model.EventMessage, Channel: key, Message: &history[i]}
		if err := writeSSE(w, flusher, toSSE(ev)); err != nil {
			return
		}
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSE(w, flusher, toSSE(ev)); err != nil {
				return
			}
		}
	}
}

// HandleChatHistory returns recent messages from the durable chat log in
// ascending time order.
func (h *Handlers) HandleChatHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.db == nil {
		http.Error(w, "durable chat log not configured", http.StatusNotFound)
		return
	}
	key, err := model.ParseChannelKey(r.URL.Query().Get("channel"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := parseIntQuery(r, "limit", 200)
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	rows, err := h.db.QueryContext(r.Context(), `
		SELECT message_id, author_name, author_display, body, kind, COALESCE(notice, ''), sent_at, deleted
		FROM (
			SELECT * FROM chat_messages
			WHERE platform = $1 AND channel_id = $2
			ORDER BY sent_at DESC LIMIT $3
		) recent ORDER BY sent_at ASC
	`, string(key.Platform), key.ChannelID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	type msg struct {
		ID      string       `json:"id"`
		Author  string       `json:"author"`
		Display string       `json:"author_display"`
		Text    string       `json:"text"`
		Kind    int          `json:"kind"`
		Notice  string       `json:"notice,omitempty"`
		SentAt  sql.NullTime `json:"-"`
		Sent    *time.Time   `json:"sent_at,omitempty"`
		Deleted bool         `json:"deleted"`
	}
	out := make([]msg, 0)
	for rows.Next() {
		var m msg
		if err := rows.Scan(&m.ID, &m.Author, &m.Display, &m.Text, &m.Kind, &m.Notice, &m.SentAt, &m.Deleted); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if m.SentAt.Valid {
			t := m.SentAt.Time.UTC()
			m.Sent = &t
		}
		out = append(out, m)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// HandleChatSend transmits a message as the bot account and reports the
// platform confirmation outcome.
func (h *Handlers) HandleChatSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Channel string `json:"channel"`
		Text    string `json:"text"`
		ReplyTo string `json:"reply_to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	key, err := model.ParseChannelKey(req.Channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text required", http.StatusBadRequest)
		return
	}

	pending, err := h.chat.Send(r.Context(), key, req.Text, req.ReplyTo)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	select {
	case <-r.Context().Done():
		return
	case <-pending.Done():
	}
	if err := pending.Err(); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "failed", "error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "sent"})
}
