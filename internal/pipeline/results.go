package pipeline

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// ResultCache keeps the most recent results by storage name so they can be
// fetched again after the request that produced them.
type ResultCache struct {
	entries *lru.Cache[string, Result]
}

func NewResultCache(size int) (*ResultCache, error) {
	if size <= 0 {
		size = 256
	}
	entries, err := lru.New[string, Result](size)
	if err != nil {
		return nil, err
	}
	return &ResultCache{entries: entries}, nil
}

func (c *ResultCache) Put(key string, res Result) {
	if c == nil || key == "" {
		return
	}
	c.entries.Add(key, res)
}

func (c *ResultCache) Get(key string) (Result, bool) {
	if c == nil {
		return Result{}, false
	}
	return c.entries.Get(key)
}

func (c *ResultCache) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}
