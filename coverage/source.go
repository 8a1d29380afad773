package coverage

import (
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSourceCacheSize bounds how many file contents stay in memory while
// coverage is converted and synthesized.
const DefaultSourceCacheSize = 512

// SourceCache is a bounded, concurrency safe cache of file contents.
type SourceCache struct {
	files *lru.Cache[string, string]
}

// NewSourceCache creates a cache holding at most size files.
func NewSourceCache(size int) *SourceCache {
	if size <= 0 {
		size = DefaultSourceCacheSize
	}
	files, err := lru.New[string, string](size)
	if err != nil {
		// only returned for non-positive sizes
		panic(err)
	}
	return &SourceCache{files: files}
}

// Read returns the content of path, reading it at most once while cached.
func (c *SourceCache) Read(path string) (string, error) {
	if c == nil {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading source %s: %w", path, err)
		}
		return string(b), nil
	}
	if src, ok := c.files.Get(path); ok {
		return src, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading source %s: %w", path, err)
	}
	src := string(b)
	c.files.Add(path, src)
	return src, nil
}

// Len reports how many files are cached.
func (c *SourceCache) Len() int {
	if c == nil {
		return 0
	}
	return c.files.Len()
}
