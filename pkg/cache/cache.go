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

// Package cache implements the generation cache: a uid-keyed map of the
// last-observed .metadata.generation, against which the dispatcher gates
// reconciliation. Keys are the resource's opaque uid, not namespace/name,
// because uid survives name reuse.
package cache

import "context"

// GenerationCache is the contract the dispatcher consults. Implementations
// must be safe for concurrent use; the core itself only ever serializes
// access per-uid by virtue of each watch loop processing events
// sequentially, not by locking inside the cache.
type GenerationCache interface {
	// TryGet returns the last-observed generation for uid, and whether an
	// entry exists at all. A missing key is the normal "never seen" signal,
	// not an error.
	TryGet(ctx context.Context, uid string) (generation int64, found bool, err error)
	// Set records generation as the last-observed value for uid.
	Set(ctx context.Context, uid string, generation int64) error
	// Remove evicts uid's entry, if any. Idempotent.
	Remove(ctx context.Context, uid string) error
}
