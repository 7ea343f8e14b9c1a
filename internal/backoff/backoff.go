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

package backoff

import (
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"
)

// Backoff computes per-uid exponential retry delays for reconciliations
// that fail with a retriable error carrying no explicit retry-after. The
// activity discriminates which dispatcher path failed; when a uid's
// failures move to a different activity, its accumulated backoff is
// forgotten and starts over.
type Backoff struct {
	lock       sync.Mutex
	activities map[string]string
	limiter    workqueue.RateLimiter
}

// NewBackoff creates a Backoff whose delays grow exponentially from 20ms up
// to maxDelay.
func NewBackoff(maxDelay time.Duration) *Backoff {
	return &Backoff{
		activities: make(map[string]string),
		limiter:    workqueue.NewItemExponentialFailureRateLimiter(20*time.Millisecond, maxDelay),
	}
}

// Next returns the delay before uid's next retry of the given activity.
func (b *Backoff) Next(uid string, activity string) time.Duration {
	b.lock.Lock()
	defer b.lock.Unlock()

	if act, ok := b.activities[uid]; ok && act != activity {
		b.limiter.Forget([2]string{uid, act})
	}

	b.activities[uid] = activity
	return b.limiter.When([2]string{uid, activity})
}

// Forget clears uid's accumulated backoff, to be called once a
// reconciliation for uid succeeds.
func (b *Backoff) Forget(uid string) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if act, ok := b.activities[uid]; ok {
		b.limiter.Forget([2]string{uid, act})
	}

	delete(b.activities, uid)
}
