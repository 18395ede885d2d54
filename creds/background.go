package creds

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/streamchat/model"
)

// StartBackgroundRefresh launches a goroutine that periodically checks a
// platform's stored credential and refreshes it when its remaining lifetime
// falls within window. Checks are jittered so multiple instances sharing a
// store do not stampede the provider.
//
// interval: how often to wake up and check (default 5m).
// window: refresh when remaining lifetime <= window (default 15m).
func StartBackgroundRefresh(ctx context.Context, store Store, r *Refresher, platform model.Platform, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (+-20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			cred, err := store.Get(ctx, platform)
			if err != nil {
				continue
			}
			if cred.RefreshToken == "" || cred.ExpiresAt.IsZero() {
				continue
			}
			if time.Until(cred.ExpiresAt) > window {
				continue
			}
			ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
			_, err = r.Refresh(ctx2, platform)
			cancel()
			if err != nil {
				if errors.Is(err, ErrAuthFailed) {
					slog.Warn("background refresh: credential invalidated",
						slog.String("platform", string(platform)), slog.Any("err", err))
					return
				}
				slog.Warn("background refresh failed",
					slog.String("platform", string(platform)), slog.Any("err", err))
				continue
			}
			slog.Info("credential refreshed", slog.String("platform", string(platform)))
		}
	}()
}
