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
	"strconv"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// RedisCache is the optional L2/distributed backing store for the
// generation cache, so that observed generations survive operator restarts.
// It stores uid -> generation under a configurable key prefix, so multiple
// operator types or replicas sharing one Redis instance do not collide.
type RedisCache struct {
	client    *goredis.Client
	keyPrefix string
}

var _ GenerationCache = &RedisCache{}

// NewRedisCache wraps an existing go-redis client. keyPrefix is prepended to
// every uid; pass "" to disable prefixing.
func NewRedisCache(client *goredis.Client, keyPrefix string) *RedisCache {
	return &RedisCache{client: client, keyPrefix: keyPrefix}
}

func (c *RedisCache) key(uid string) string {
	return c.keyPrefix + uid
}

func (c *RedisCache) TryGet(ctx context.Context, uid string) (int64, bool, error) {
	val, err := c.client.Get(ctx, c.key(uid)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "error reading generation cache entry from redis")
	}
	gen, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "error parsing cached generation for uid %s", uid)
	}
	return gen, true, nil
}

func (c *RedisCache) Set(ctx context.Context, uid string, generation int64) error {
	if err := c.client.Set(ctx, c.key(uid), generation, 0).Err(); err != nil {
		return errors.Wrap(err, "error writing generation cache entry to redis")
	}
	return nil
}

func (c *RedisCache) Remove(ctx context.Context, uid string) error {
	if err := c.client.Del(ctx, c.key(uid)).Err(); err != nil {
		return errors.Wrap(err, "error removing generation cache entry from redis")
	}
	return nil
}
