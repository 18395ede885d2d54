// Package creds manages per-platform credential lifecycles: storage,
// single-flight refresh, and invalidation on unrecoverable auth failure.
// Connections only ever read credentials here; they never run an interactive
// login themselves.
package creds

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/streamchat/model"
)

// ErrNoCredential is returned by Get when no credential is stored for a
// platform. Callers fall back to anonymous/read-only operation where the
// protocol allows it.
var ErrNoCredential = errors.New("no credential stored")

// ErrAuthFailed marks an unrecoverable refresh failure. The credential has
// been invalidated and a re-login is required.
var ErrAuthFailed = errors.New("authentication failed; re-login required")

// Credential holds a platform's tokens/cookies. Mutated only by the refresh
// routine (single writer per platform).
type Credential struct {
	Platform     model.Platform
	AccessToken  string
	RefreshToken string
	CookieBundle string // raw cookie header for cookie-auth platforms
	ExpiresAt    time.Time // zero = non-expiring
	Scopes       []string
}

// Expired reports whether the credential is past (or within skew of) expiry.
func (c Credential) Expired(skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(c.ExpiresAt) <= skew
}

// Store persists credentials. Implementations: MemoryStore (tests) and
// db.CredentialStore (Postgres, encrypted at rest).
type Store interface {
	Get(ctx context.Context, platform model.Platform) (Credential, error)
	Put(ctx context.Context, cred Credential) error
	Invalidate(ctx context.Context, platform model.Platform) error
}

// MemoryStore is an in-process Store. Safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[model.Platform]Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[model.Platform]Credential)}
}

func (s *MemoryStore) Get(_ context.Context, platform model.Platform) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[platform]
	if !ok {
		return Credential{}, ErrNoCredential
	}
	return c, nil
}

func (s *MemoryStore) Put(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.Platform] = cred
	return nil
}

func (s *MemoryStore) Invalidate(_ context.Context, platform model.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, platform)
	return nil
}

// RefreshFunc performs the provider-specific token exchange. It receives the
// current credential and returns the replacement. Returning an error marks
// the refresh as failed; the Refresher decides whether that is terminal.
type RefreshFunc func(ctx context.Context, current Credential) (Credential, error)

// Refresher coalesces concurrent refresh requests per platform into one
// outbound call; all waiters are resolved from its result.
type Refresher struct {
	store Store
	fns   map[model.Platform]RefreshFunc
	group singleflight.Group
}

func NewRefresher(store Store) *Refresher {
	return &Refresher{store: store, fns: make(map[model.Platform]RefreshFunc)}
}

// Register installs the refresh routine for a platform. Not safe to call
// after Refresh is in use; wire everything at startup.
func (r *Refresher) Register(platform model.Platform, fn RefreshFunc) {
	r.fns[platform] = fn
}

// Refresh obtains a fresh credential for the platform. Concurrent callers
// for the same platform share one in-flight exchange. On exchange failure
// the stored credential is invalidated and ErrAuthFailed is returned.
func (r *Refresher) Refresh(ctx context.Context, platform model.Platform) (Credential, error) {
	v, err, _ := r.group.Do(string(platform), func() (any, error) {
		fn, ok := r.fns[platform]
		if !ok {
			return Credential{}, ErrAuthFailed
		}
		current, err := r.store.Get(ctx, platform)
		if err != nil {
			return Credential{}, err
		}
		fresh, err := fn(ctx, current)
		if err != nil {
			_ = r.store.Invalidate(ctx, platform)
			return Credential{}, errors.Join(ErrAuthFailed, err)
		}
		// Providers may omit a rotated refresh token; keep the old one.
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = current.RefreshToken
		}
		fresh.Platform = platform
		if err := r.store.Put(ctx, fresh); err != nil {
			return Credential{}, err
		}
		return fresh, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}
