package chat

import "github.com/onnwee/streamchat/model"

// historySize is how many messages a channel retains for replay on open.
const historySize = 500

// history is a per-channel ring buffer with id dedup. Not goroutine safe;
// the manager guards it.
type history struct {
	buf  []model.Message
	head int // next write position
	n    int
	seen map[string]struct{}
}

func newHistory() *history {
	return &history{
		buf:  make([]model.Message, historySize),
		seen: make(map[string]struct{}, historySize),
	}
}

// append stores a message and reports whether it was new. Redelivered ids are
// rejected so subscribers never see the same message twice.
func (h *history) append(msg model.Message) bool {
	if _, dup := h.seen[msg.ID]; dup {
		return false
	}
	if h.n == len(h.buf) {
		delete(h.seen, h.buf[h.head].ID)
	} else {
		h.n++
	}
	h.buf[h.head] = msg
	h.seen[msg.ID] = struct{}{}
	h.head = (h.head + 1) % len(h.buf)
	return true
}

// snapshot returns retained messages oldest first.
func (h *history) snapshot() []model.Message {
	out := make([]model.Message, 0, h.n)
	start := (h.head - h.n + len(h.buf)) % len(h.buf)
	for i := 0; i < h.n; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}

// markDeleted flags the message with the given id. Reports whether it was
// present.
func (h *history) markDeleted(messageID string) bool {
	if _, ok := h.seen[messageID]; !ok {
		return false
	}
	for i := range h.buf {
		if h.buf[i].ID == messageID {
			h.buf[i].Deleted = true
			return true
		}
	}
	return false
}

// markUserDeleted flags every retained message by the given author id and
// returns how many were touched.
func (h *history) markUserDeleted(userID string) int {
	var n int
	start := (h.head - h.n + len(h.buf)) % len(h.buf)
	for i := 0; i < h.n; i++ {
		j := (start + i) % len(h.buf)
		if h.buf[j].Author.ID == userID && !h.buf[j].Deleted {
			h.buf[j].Deleted = true
			n++
		}
	}
	return n
}

// markAllDeleted flags every retained message (full chat clear).
func (h *history) markAllDeleted() int {
	var n int
	start := (h.head - h.n + len(h.buf)) % len(h.buf)
	for i := 0; i < h.n; i++ {
		j := (start + i) % len(h.buf)
		if !h.buf[j].Deleted {
			h.buf[j].Deleted = true
			n++
		}
	}
	return n
}
