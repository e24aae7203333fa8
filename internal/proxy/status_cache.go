package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// StatusCacheKey identifies one cached Status Response frame: the source
// it was rendered for (a placeholder name or an upstream address) and the
// client protocol version it was rendered against.
type StatusCacheKey struct {
	Source          string
	ProtocolVersion int32
}

type statusCacheItem struct {
	expiresAt time.Time
	data      []byte
}

// StatusCache caches rendered Status Response packets (length-prefixed
// frames) so a burst of server-list pings does not re-encode the same
// JSON payload per connection.
//
// Entries are stored per source and protocol version with a caller-chosen
// TTL. Failed loads are not cached. Expiration is lazy; there is no
// background janitor.
type StatusCache struct {
	mu    sync.Mutex
	items map[StatusCacheKey]statusCacheItem
	sf    singleflight.Group
}

func NewStatusCache() *StatusCache {
	return &StatusCache{items: make(map[StatusCacheKey]statusCacheItem)}
}

func (c *StatusCache) Get(key StatusCacheKey) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !it.expiresAt.IsZero() && time.Now().After(it.expiresAt) {
		delete(c.items, key)
		return nil, false
	}
	if len(it.data) == 0 {
		return nil, false
	}
	out := make([]byte, len(it.data))
	copy(out, it.data)
	return out, true
}

func (c *StatusCache) Set(key StatusCacheKey, data []byte, ttl time.Duration) {
	if c == nil {
		return
	}
	if ttl <= 0 {
		return
	}
	if len(data) == 0 {
		return
	}
	copyData := make([]byte, len(data))
	copy(copyData, data)

	exp := time.Now().Add(ttl)
	c.mu.Lock()
	c.items[key] = statusCacheItem{expiresAt: exp, data: copyData}
	c.mu.Unlock()
}

// GetOrLoad returns the cached frame for key, rendering it with load on a
// miss. Concurrent loads for the same key are collapsed into one.
func (c *StatusCache) GetOrLoad(ctx context.Context, key StatusCacheKey, ttl time.Duration, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if c == nil || ttl <= 0 {
		return load(ctx)
	}
	if data, ok := c.Get(key); ok {
		return data, nil
	}

	sfKey := fmt.Sprintf("%s\x00%d", key.Source, key.ProtocolVersion)
	v, err, _ := c.sf.Do(sfKey, func() (any, error) {
		if data, ok := c.Get(key); ok {
			return data, nil
		}
		data, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, data, ttl)
		// Return a copy to keep callers isolated.
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	b, _ := v.([]byte)
	return b, nil
}
