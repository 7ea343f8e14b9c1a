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
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

const maxReconnectAttempts = 5

// Reconnect tracks the watch loop's reconnectAttempts counter and computes
// the delay before the next reconnect: 2^clamp(attempts, 0, 5) seconds plus
// up to one second of jitter. It is not safe for concurrent use; each watch
// loop owns exactly one instance.
type Reconnect struct {
	attempts int
}

// NewReconnect returns a Reconnect counter starting at zero.
func NewReconnect() *Reconnect {
	return &Reconnect{}
}

// Next increments the attempt counter and returns the delay to sleep before
// reconnecting: 2^attempts seconds plus jitter uniformly drawn from
// [0, 1s).
func (r *Reconnect) Next() time.Duration {
	if r.attempts < maxReconnectAttempts {
		r.attempts++
	}
	base := time.Duration(1<<uint(r.attempts)) * time.Second
	// wait.JitterUntil-style jitter: Jitter(d, 1.0) returns a value in
	// [d, 2d); with d fixed at one second, subtracting d isolates a uniform
	// [0, 1s) sample, however large base has grown.
	jitter := wait.Jitter(time.Second, 1.0) - time.Second
	return base + jitter
}

// Reset zeroes the attempt counter, to be called after an event is
// successfully processed so a long-lived healthy stream does not stay
// pinned at maximum backoff after a single earlier blip.
func (r *Reconnect) Reset() {
	r.attempts = 0
}

// Attempts returns the current counter value, for logging and metrics.
func (r *Reconnect) Attempts() int {
	return r.attempts
}
