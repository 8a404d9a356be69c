package adapter

import (
	"encoding/json"
	"sync"
)

// nonContiguousLimit is how many consecutive sequence gaps the cache
// tolerates before requesting a full-status resync. Empirically tuned in
// the printer firmware ecosystem; callers needing guaranteed consistency
// should refresh explicitly.
const nonContiguousLimit = 5

// statusCache holds the merged full-state document for one printer.
// Deltas merge field-wise: object-valued fields replace their previous
// value, scalars overwrite. The merged object is what consumers read.
type statusCache struct {
	mu      sync.Mutex
	full    map[string]any
	hasFull bool

	lastSeq       int64
	haveSeq       bool
	nonContiguous int
}

// SetFull replaces the cache with a complete snapshot.
func (c *statusCache) SetFull(doc map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = doc
	c.hasFull = true
}

// MergeDelta folds an incremental update into the cache and returns the
// merged document. With no prior full snapshot the delta seeds the cache.
func (c *statusCache) MergeDelta(delta map[string]any) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full == nil {
		c.full = map[string]any{}
	}
	for k, v := range delta {
		c.full[k] = v
	}
	return c.copyLocked()
}

// Snapshot returns the merged document, or nil when the cache is empty.
func (c *statusCache) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full == nil {
		return nil
	}
	return c.copyLocked()
}

// JSON renders the merged document; an empty cache renders as "{}".
func (c *statusCache) JSON() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full == nil {
		return json.RawMessage("{}")
	}
	js, err := json.Marshal(c.full)
	if err != nil {
		return json.RawMessage("{}")
	}
	return js
}

// Clear drops the cache and the continuity tracking so stale readings do
// not mislead a reconnect.
func (c *statusCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = nil
	c.hasFull = false
	c.haveSeq = false
	c.nonContiguous = 0
}

// ObserveSeq tracks status sequence ids and reports whether a full-status
// resync should be requested: true once nonContiguousLimit consecutive
// gaps have been seen.
func (c *statusCache) ObserveSeq(seq int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.lastSeq = seq }()

	if !c.haveSeq {
		c.haveSeq = true
		return false
	}
	if seq == c.lastSeq+1 {
		c.nonContiguous = 0
		return false
	}
	c.nonContiguous++
	if c.nonContiguous >= nonContiguousLimit {
		c.nonContiguous = 0
		return true
	}
	return false
}

func (c *statusCache) copyLocked() map[string]any {
	out := make(map[string]any, len(c.full))
	for k, v := range c.full {
		out[k] = v
	}
	return out
}
