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

import "context"

// ChainedCache composes an L1 (typically in-memory, fast) cache with an
// optional L2 (typically distributed) cache, read-through and write-through:
// reads consult L1 first and populate it from L2 on a miss; writes and
// removals go to both.
type ChainedCache struct {
	l1 GenerationCache
	l2 GenerationCache
}

var _ GenerationCache = &ChainedCache{}

// NewChainedCache builds a ChainedCache. l2 may be nil, in which case this
// behaves exactly like l1 alone.
func NewChainedCache(l1 GenerationCache, l2 GenerationCache) *ChainedCache {
	return &ChainedCache{l1: l1, l2: l2}
}

func (c *ChainedCache) TryGet(ctx context.Context, uid string) (int64, bool, error) {
	gen, found, err := c.l1.TryGet(ctx, uid)
	if err != nil || found || c.l2 == nil {
		return gen, found, err
	}
	gen, found, err = c.l2.TryGet(ctx, uid)
	if err != nil || !found {
		return gen, found, err
	}
	// populate L1 so subsequent reads avoid the round trip to L2
	if err := c.l1.Set(ctx, uid, gen); err != nil {
		return gen, found, err
	}
	return gen, found, nil
}

func (c *ChainedCache) Set(ctx context.Context, uid string, generation int64) error {
	if err := c.l1.Set(ctx, uid, generation); err != nil {
		return err
	}
	if c.l2 != nil {
		return c.l2.Set(ctx, uid, generation)
	}
	return nil
}

func (c *ChainedCache) Remove(ctx context.Context, uid string) error {
	if err := c.l1.Remove(ctx, uid); err != nil {
		return err
	}
	if c.l2 != nil {
		return c.l2.Remove(ctx, uid)
	}
	return nil
}
