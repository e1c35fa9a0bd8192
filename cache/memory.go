// Package cache stores transform results keyed by source and options, in a
// byte-bounded memory LRU and an optional disk tier.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/Skryldev/imaged/core"
)

// Cache is a transform result store. Implementations are safe for
// concurrent use; a miss or an unreadable entry reports false.
type Cache interface {
	Get(ctx context.Context, key string) (*core.TransformResult, bool)
	Set(ctx context.Context, key string, res *core.TransformResult)
}

// Key derives the cache key for a transform of input with opts.
func Key(input string, opts core.TransformOptions) string {
	raw, _ := json.Marshal(struct {
		Input   string
		Options core.TransformOptions
	}{input, opts})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Memory is an LRU bounded by the total size of cached output bytes.
type Memory struct {
	mu   sync.Mutex
	lru  *simplelru.LRU[string, *core.TransformResult]
	max  int64
	size int64
}

// maxEntries only bounds the entry count; the byte budget evicts first.
const maxEntries = 1 << 20

// NewMemory returns a Memory cache holding at most maxBytes of output.
func NewMemory(maxBytes int64) *Memory {
	m := &Memory{max: maxBytes}
	m.lru, _ = simplelru.NewLRU[string, *core.TransformResult](maxEntries, func(_ string, v *core.TransformResult) {
		m.size -= int64(len(v.Data))
	})
	return m
}

func (m *Memory) Get(_ context.Context, key string) (*core.TransformResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Get(key)
}

func (m *Memory) Set(_ context.Context, key string, res *core.TransformResult) {
	n := int64(len(res.Data))
	if n > m.max {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.lru.Peek(key); ok {
		m.size -= int64(len(old.Data))
	}
	m.lru.Add(key, res)
	m.size += n
	for m.size > m.max {
		if _, _, ok := m.lru.RemoveOldest(); !ok {
			return
		}
	}
}

// Len reports the number of cached entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// Size reports the cached output bytes.
func (m *Memory) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}
