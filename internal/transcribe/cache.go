package transcribe

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// cacheKey identifies one loaded model. A model loaded for one device or
// precision is never reused for another.
type cacheKey struct {
	Model     string
	Device    string
	Precision string
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Model, k.Device, k.Precision)
}

// modelCache holds loaded model handles for one backend kind. Concurrent
// requests for the same key share a single load; a failed load is not cached,
// so the next request tries again.
type modelCache[H any] struct {
	kind Kind
	log  zerolog.Logger

	mu      sync.RWMutex
	handles map[cacheKey]H
	group   singleflight.Group

	// release frees a handle when the cache is cleared. Optional.
	release func(H)
}

func newModelCache[H any](kind Kind, log zerolog.Logger, release func(H)) *modelCache[H] {
	return &modelCache[H]{
		kind:    kind,
		log:     log,
		handles: make(map[cacheKey]H),
		release: release,
	}
}

// get returns the cached handle for key, calling load at most once for all
// concurrent callers on a miss. The load runs detached from the caller's
// cancellation so one impatient caller does not fail the others.
func (c *modelCache[H]) get(ctx context.Context, key cacheKey, load func(context.Context) (H, error)) (H, error) {
	c.mu.RLock()
	h, ok := c.handles[key]
	c.mu.RUnlock()
	if ok {
		return h, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (any, error) {
		// Another caller may have finished loading between our miss and now.
		c.mu.RLock()
		h, ok := c.handles[key]
		c.mu.RUnlock()
		if ok {
			return h, nil
		}

		c.log.Info().
			Str("model", key.Model).
			Str("device", key.Device).
			Str("precision", key.Precision).
			Msg("loading model")
		h, err := load(loadCtx)
		if err != nil {
			metrics.ModelLoadsTotal.WithLabelValues(c.kind.String(), "error").Inc()
			return h, err
		}
		metrics.ModelLoadsTotal.WithLabelValues(c.kind.String(), "ok").Inc()

		c.mu.Lock()
		c.handles[key] = h
		c.mu.Unlock()
		return h, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero H
			return zero, res.Err
		}
		return res.Val.(H), nil
	case <-ctx.Done():
		var zero H
		return zero, ctx.Err()
	}
}

// len returns the number of loaded models.
func (c *modelCache[H]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handles)
}

// clear drops every handle, releasing it if the cache has a release func.
func (c *modelCache[H]) clear() {
	c.mu.Lock()
	old := c.handles
	c.handles = make(map[cacheKey]H)
	c.mu.Unlock()
	if c.release != nil {
		for _, h := range old {
			c.release(h)
		}
	}
}
