/*
Copyright 2023.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"context"
	"sync"
)

// MemoryCache is the default L1 generation cache: a process-local map with
// no TTL (entries live until explicitly removed).
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]int64
}

var _ GenerationCache = &MemoryCache{}

// NewMemoryCache creates an empty in-memory generation cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]int64)}
}

func (c *MemoryCache) TryGet(_ context.Context, uid string) (int64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	gen, ok := c.entries[uid]
	return gen, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, uid string, generation int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[uid] = generation
	return nil
}

func (c *MemoryCache) Remove(_ context.Context, uid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, uid)
	return nil
}

// Len returns the number of cached entries; useful for metrics and tests.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
