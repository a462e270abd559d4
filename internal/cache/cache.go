package cache

import (
	"sync"

	"github.com/23skdu/longbow-archer/internal/engine"
)

// AlignmentCache defines a generic interface for caching alignment results.
// Keys are derived from the emission digest plus the label sequence, so
// identical requests skip the DP recursion entirely.
type AlignmentCache interface {
	// Get retrieves a cached result.
	Get(key string) (engine.Result, bool)
	// Put stores a result.
	Put(key string, res engine.Result)
	// Size returns the number of cached entries.
	Size() int
}

// MapCache is a simple in-memory implementation of AlignmentCache.
type MapCache struct {
	data map[string]engine.Result
	mu   sync.RWMutex
}

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[string]engine.Result),
	}
}

func (c *MapCache) Get(key string) (engine.Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	res, ok := c.data[key]
	if !ok {
		return engine.Result{}, false
	}
	// Return copies of the slices to keep cached values immutable.
	return copyResult(res), true
}

func (c *MapCache) Put(key string, res engine.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = copyResult(res)
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func copyResult(res engine.Result) engine.Result {
	out := engine.Result{LogProb: res.LogProb}
	if res.Spans != nil {
		out.Spans = append([]engine.Span(nil), res.Spans...)
	}
	if res.Tokens != nil {
		out.Tokens = append([]int(nil), res.Tokens...)
	}
	if res.Confidence != nil {
		out.Confidence = append([]float64(nil), res.Confidence...)
	}
	if res.Gradient != nil {
		out.Gradient = append([]float64(nil), res.Gradient...)
	}
	return out
}
