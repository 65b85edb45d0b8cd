// Package presence tracks device liveness through Redis heartbeats.
// The viewer consults it to fail fast instead of negotiating against a
// device that is known to be offline.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNeverSeen is returned when a device has no recorded heartbeat.
var ErrNeverSeen = errors.New("device has never been seen")

// Config holds presence tracker configuration.
type Config struct {
	// Freshness is the single threshold below which a device counts
	// as online.
	Freshness time.Duration `mapstructure:"freshness"`
	// TTL bounds how long a stale heartbeat key lingers in Redis.
	TTL time.Duration `mapstructure:"ttl"`
}

// Tracker records and reads per-device last-seen timestamps.
type Tracker struct {
	client    *redis.Client
	freshness time.Duration
	ttl       time.Duration
	now       func() time.Time
}

// NewTracker creates a presence tracker on an existing Redis client.
func NewTracker(client *redis.Client, cfg Config) *Tracker {
	if cfg.Freshness <= 0 {
		cfg.Freshness = 30 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 3 * cfg.Freshness
	}
	return &Tracker{
		client:    client,
		freshness: cfg.Freshness,
		ttl:       cfg.TTL,
		now:       time.Now,
	}
}

func deviceKey(deviceID string) string {
	return fmt.Sprintf("presence:device:%s", deviceID)
}

// Heartbeat records the device as seen now.
func (t *Tracker) Heartbeat(ctx context.Context, deviceID string) error {
	ts := t.now().UnixMilli()
	if err := t.client.Set(ctx, deviceKey(deviceID), ts, t.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// LastSeen returns the device's most recent heartbeat time.
func (t *Tracker) LastSeen(ctx context.Context, deviceID string) (time.Time, error) {
	ms, err := t.client.Get(ctx, deviceKey(deviceID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, ErrNeverSeen
		}
		return time.Time{}, fmt.Errorf("failed to read heartbeat: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// Online reports whether the device's last heartbeat is fresher than
// the configured threshold. A device never seen is offline.
func (t *Tracker) Online(ctx context.Context, deviceID string) (bool, error) {
	seen, err := t.LastSeen(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrNeverSeen) {
			return false, nil
		}
		return false, err
	}
	return t.now().Sub(seen) <= t.freshness, nil
}

// Run emits a heartbeat for the device every interval until ctx is
// done. Transient failures are reported through onError and do not
// stop the loop.
func (t *Tracker) Run(ctx context.Context, deviceID string, interval time.Duration, onError func(error)) {
	if interval <= 0 {
		interval = t.freshness / 3
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Record one heartbeat immediately so startup is visible.
	if err := t.Heartbeat(ctx, deviceID); err != nil && onError != nil {
		onError(err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Heartbeat(ctx, deviceID); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
