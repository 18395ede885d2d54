package emotes

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DefaultMaxDiskBytes caps the disk tier at 500 MiB.
const DefaultMaxDiskBytes = 500 << 20

// ErrDiskMiss is returned by DiskStore.Get when no file exists for the id.
var ErrDiskMiss = errors.New("emote not in disk cache")

type diskItem struct {
	id       string // empty for files found on startup until first Get
	size     int64
	lastUsed time.Time
}

// DiskStore is the durable tier-2 store: one JSON-encoded file per entry in
// a flat directory, with byte accounting and LRU eviction when the ceiling
// is exceeded. Entries pinned by the memory tier are never evicted.
type DiskStore struct {
	dir      string
	maxBytes int64

	mu    sync.Mutex
	index map[string]*diskItem // disk key (hashed id) -> item
	total int64
}

// OpenDiskStore scans dir (creating it if needed) and rebuilds the byte
// accounting from the files present.
func OpenDiskStore(dir string, maxBytes int64) (*DiskStore, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDiskBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create emote cache dir: %w", err)
	}
	d := &DiskStore{dir: dir, maxBytes: maxBytes, index: make(map[string]*diskItem)}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan emote cache dir: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".emote" {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		key := ent.Name()[:len(ent.Name())-len(".emote")]
		d.index[key] = &diskItem{size: info.Size(), lastUsed: info.ModTime()}
		d.total += info.Size()
	}
	return d, nil
}

func diskKey(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

func (d *DiskStore) path(key string) string {
	return filepath.Join(d.dir, key+".emote")
}

// Get reads and decodes the entry for id, refreshing its recency.
func (d *DiskStore) Get(id string) (Entry, error) {
	key := diskKey(id)
	d.mu.Lock()
	item, ok := d.index[key]
	if ok {
		item.id = id
		item.lastUsed = time.Now()
	}
	d.mu.Unlock()
	if !ok {
		return Entry{}, ErrDiskMiss
	}
	data, err := os.ReadFile(d.path(key))
	if err != nil {
		return Entry{}, fmt.Errorf("read cached emote: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// Corrupt file: drop it rather than failing every future read.
		d.remove(key)
		return Entry{}, fmt.Errorf("decode cached emote: %w", err)
	}
	return e, nil
}

// Has reports presence without touching recency.
func (d *DiskStore) Has(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.index[diskKey(id)]
	return ok
}

// Put writes the entry and evicts least-recently-used unpinned entries until
// byte usage is back under the ceiling.
func (d *DiskStore) Put(e Entry, pinned map[string]struct{}) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode emote: %w", err)
	}
	key := diskKey(e.ID)
	if err := os.WriteFile(d.path(key), data, 0o644); err != nil {
		return fmt.Errorf("write cached emote: %w", err)
	}

	d.mu.Lock()
	if old, ok := d.index[key]; ok {
		d.total -= old.size
	}
	d.index[key] = &diskItem{id: e.ID, size: int64(len(data)), lastUsed: time.Now()}
	d.total += int64(len(data))
	evict := d.evictionPlanLocked(pinned)
	d.mu.Unlock()

	for _, key := range evict {
		if err := os.Remove(d.path(key)); err != nil && !os.IsNotExist(err) {
			slog.Debug("emote cache eviction failed", slog.String("key", key), slog.Any("err", err))
		}
	}
	return nil
}

// TotalBytes returns the accounted byte usage of the tier.
func (d *DiskStore) TotalBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// evictionPlanLocked removes over-ceiling entries from the index, oldest
// first, skipping pinned ids, and returns the disk keys to unlink.
func (d *DiskStore) evictionPlanLocked(pinned map[string]struct{}) []string {
	if d.total <= d.maxBytes {
		return nil
	}
	type cand struct {
		key  string
		item *diskItem
	}
	cands := make([]cand, 0, len(d.index))
	for key, item := range d.index {
		if item.id != "" {
			if _, ok := pinned[item.id]; ok {
				continue
			}
		}
		cands = append(cands, cand{key, item})
	}
	sort.Slice(cands, func(i, j int) bool {
		return cands[i].item.lastUsed.Before(cands[j].item.lastUsed)
	})
	var out []string
	for _, c := range cands {
		if d.total <= d.maxBytes {
			break
		}
		d.total -= c.item.size
		delete(d.index, c.key)
		out = append(out, c.key)
	}
	if d.total > d.maxBytes {
		slog.Warn("emote disk cache over ceiling with only pinned entries left",
			slog.Int64("total_bytes", d.total), slog.Int64("max_bytes", d.maxBytes))
	}
	return out
}

func (d *DiskStore) remove(key string) {
	d.mu.Lock()
	if item, ok := d.index[key]; ok {
		d.total -= item.size
		delete(d.index, key)
	}
	d.mu.Unlock()
	_ = os.Remove(d.path(key))
}
