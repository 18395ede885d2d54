package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/streamchat/emotes"
	"github.com/onnwee/streamchat/model"
)

// maxEmoteImageBytes bounds a single fetched image. Emotes are small; anything
// larger is a misbehaving upstream.
const maxEmoteImageBytes = 4 << 20

// HandleEmoteImage serves an emote image by channel and code, reading through
// the two-tier cache. A miss fetches the image from the provider CDN and
// stores it in both tiers.
func (h *Handlers) HandleEmoteImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.catalog == nil || h.cache == nil {
		http.Error(w, "emote cache not configured", http.StatusNotFound)
		return
	}
	key, err := model.ParseChannelKey(r.URL.Query().Get("channel"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "code required", http.StatusBadRequest)
		return
	}

	set, err := h.catalog.ChannelSet(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	emote, ok := set[code]
	if !ok {
		http.Error(w, "unknown emote code", http.StatusNotFound)
		return
	}

	// Provider-qualified so ids from different providers never collide.
	cacheID := string(emote.Provider) + "/" + emote.ID
	if entry, ok := h.cache.Get(cacheID); ok {
		writeEmoteImage(w, entry.Image)
		return
	}

	img, err := h.fetchEmoteImage(r, emote.URL)
	if err != nil {
		slog.Warn("emote image fetch failed",
			slog.String("code", code), slog.String("url", emote.URL), slog.Any("err", err))
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	entry := emotes.Entry{
		ID:        cacheID,
		Provider:  emote.Provider,
		Name:      emote.Name,
		Animated:  emote.Animated,
		Image:     img,
		FetchedAt: time.Now(),
	}
	if err := h.cache.Put(entry); err != nil {
		// Disk write failure degrades to memory-only for this entry.
		slog.Warn("emote cache write failed", slog.String("id", cacheID), slog.Any("err", err))
	}
	writeEmoteImage(w, img)
}

func (h *Handlers) fetchEmoteImage(r *http.Request, url string) ([]byte, error) {
	hc := h.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxEmoteImageBytes))
}

func writeEmoteImage(w http.ResponseWriter, img []byte) {
	w.Header().Set("Content-Type", http.DetectContentType(img))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(img)
}
