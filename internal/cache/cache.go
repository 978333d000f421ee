package cache

import (
	"context"
	"time"
)

// Cache is the caching interface behind Proxy. Implementations must be safe for
// concurrent use. Values are opaque bytes; callers get a private copy on every hit.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value for ttl and indexes it under each tag for InvalidateTag.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error
	Delete(ctx context.Context, key string) error
	// InvalidateTag drops every entry stored under tag and returns how many were removed.
	InvalidateTag(ctx context.Context, tag string) (int, error)
	Ping(ctx context.Context) error
}

// Counter is a fixed-window counter, used for rate limiting.
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Evictions     uint64  `json:"evictions"`
	Invalidations uint64  `json:"invalidations"`
	Size          int     `json:"size"`
	HitRate       float64 `json:"hit_rate"`
}

// sizer is implemented by backends that can report occupancy and evictions.
type sizer interface {
	Len() int
	Evictions() uint64
}

// Noop is a Cache that stores nothing. Every Get misses.
type Noop struct{}

func (Noop) Get(_ context.Context, _ string) ([]byte, bool, error) { return nil, false, nil }
func (Noop) Set(_ context.Context, _ string, _ []byte, _ time.Duration, _ ...string) error {
	return nil
}
func (Noop) Delete(_ context.Context, _ string) error               { return nil }
func (Noop) InvalidateTag(_ context.Context, _ string) (int, error) { return 0, nil }
func (Noop) Ping(_ context.Context) error                           { return nil }

var _ Cache = Noop{}
