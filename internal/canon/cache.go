package canon

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache memoises Canonicalize. Registry names repeat on every run of a
// long-lived process, so the reconciler keys through one of these.
type Cache struct {
	keys *lru.Cache[string, string]
}

func NewCache(size int) (*Cache, error) {
	c, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &Cache{keys: c}, nil
}

func (c *Cache) Canonicalize(raw string) string {
	if key, ok := c.keys.Get(raw); ok {
		return key
	}
	key := Canonicalize(raw)
	c.keys.Add(raw, key)
	return key
}

func (c *Cache) Len() int {
	return c.keys.Len()
}
