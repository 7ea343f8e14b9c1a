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

package requeue

import (
	"context"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/opkernel/opkernel/pkg/entity"
)

// TimedQueue schedules delayed re-delivery of entities, keyed by uid, with
// at most one pending entry per uid.
//
// It is built on client-go's workqueue.DelayingInterface; the delaying
// queue owns the "suspend until due, wake early on an earlier insertion"
// timer machinery, and TimedQueue
// layers uid-deduplication and typed entries on top of it, since the
// delaying queue alone only dedupes by item identity, not by replacing a
// stale due time with a fresher one.
type TimedQueue struct {
	mu      sync.Mutex
	pending map[string]Entry
	inner   workqueue.DelayingInterface
}

// New creates an empty TimedQueue.
func New() *TimedQueue {
	return &TimedQueue{
		pending: make(map[string]Entry),
		inner:   workqueue.NewDelayingQueue(),
	}
}

// Enqueue schedules obj for delivery at now+delay under the given kind. If
// an entry for obj's uid already exists, it is replaced. A timer left over
// from the replaced entry may still fire; Drain then re-arms it for the
// replacement's due time instead of delivering early, and skips a uid whose
// entry has been removed.
func (q *TimedQueue) Enqueue(obj entity.Object, kind Kind, delay time.Duration) {
	uid := entity.UID(obj)

	q.mu.Lock()
	q.pending[uid] = Entry{Object: obj, Kind: kind, DueAt: time.Now().Add(delay)}
	q.mu.Unlock()

	q.inner.AddAfter(uid, delay)
}

// Remove drops any pending entry for obj's uid. Idempotent.
func (q *TimedQueue) Remove(obj entity.Object) {
	uid := entity.UID(obj)
	q.mu.Lock()
	delete(q.pending, uid)
	q.mu.Unlock()
}

// Drain starts yielding RequeueEntry values, in a background goroutine, as
// their due times pass. The returned channel is closed once ctx is
// cancelled or Shutdown is called; in-flight waiters are released by the
// underlying delaying queue's own shutdown semantics.
func (q *TimedQueue) Drain(ctx context.Context) <-chan Entry {
	out := make(chan Entry)
	go func() {
		defer close(out)
		for {
			uid, shutdown := q.inner.Get()
			if shutdown {
				return
			}
			key, _ := uid.(string)

			q.mu.Lock()
			entry, ok := q.pending[key]
			early := ok && time.Now().Before(entry.DueAt)
			if ok && !early {
				delete(q.pending, key)
			}
			q.mu.Unlock()

			q.inner.Done(uid)

			if early {
				// a timer from a replaced entry fired before the replacement
				// is due; wait out the remainder
				q.inner.AddAfter(key, time.Until(entry.DueAt))
				continue
			}
			if !ok {
				// superseded by a later Enqueue call, or already removed; skip
				continue
			}

			select {
			case out <- entry:
			case <-ctx.Done():
				// the queue outlives this drain cycle; put the entry back so
				// a later Drain call can deliver it
				q.mu.Lock()
				if _, exists := q.pending[key]; !exists {
					q.pending[key] = entry
					q.inner.AddAfter(key, 0)
				}
				q.mu.Unlock()
				return
			}
		}
	}()
	return out
}

// Shutdown releases resources and causes Drain's goroutine to stop and its
// channel to close. Idempotent.
func (q *TimedQueue) Shutdown() {
	q.inner.ShutDown()
}

// Len reports the number of currently-pending (not yet superseded or
// delivered) entries; useful for metrics and tests.
func (q *TimedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
