package runtime

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ResourceCache shares expensive runtime resources, such as a launched
// browser, between the executions of one orchestrator run. Each key is
// created once even under concurrent demand.
type ResourceCache struct {
	group  singleflight.Group
	mu     sync.Mutex
	values map[string]any
	order  []string
	closed bool
}

// NewResourceCache returns an empty cache.
func NewResourceCache() *ResourceCache {
	return &ResourceCache{values: make(map[string]any)}
}

// Get returns the value stored under key, creating it with create when
// missing. Failed creations are not cached.
func (c *ResourceCache) Get(key string, create func() (any, error)) (any, error) {
	if v, ok := c.lookup(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := create()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			if closer, ok := v.(io.Closer); ok {
				_ = closer.Close()
			}
			return nil, fmt.Errorf("resource cache closed while creating %q", key)
		}
		c.values[key] = v
		c.order = append(c.order, key)
		return v, nil
	})
	return v, err
}

func (c *ResourceCache) lookup(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// GetAs is Get with a typed value.
func GetAs[T any](c *ResourceCache, key string, create func() (T, error)) (T, error) {
	var zero T
	if c == nil {
		return create()
	}
	v, err := c.Get(key, func() (any, error) { return create() })
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("resource %q has type %T", key, v)
	}
	return typed, nil
}

// Close closes every cached io.Closer in reverse creation order.
func (c *ResourceCache) Close() error {
	c.mu.Lock()
	c.closed = true
	order := c.order
	values := c.values
	c.order = nil
	c.values = make(map[string]any)
	c.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if closer, ok := values[order[i]].(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s: %w", order[i], err))
			}
		}
	}
	return errors.Join(errs...)
}
