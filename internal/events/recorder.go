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

// Package events emits Kubernetes Events for reconciliation outcomes,
// deduplicating repeats so that a crash-looping reconciler does not flood
// the API server with identical Event objects.
package events

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"

	"github.com/opkernel/opkernel/pkg/entity"
)

const dedupWindow = 5 * time.Minute

// Recorder wraps a client-go EventRecorder, suppressing an event if the
// previous event recorded for the same entity carried the same type,
// reason and message within the dedup window.
type Recorder struct {
	recorder record.EventRecorder
	mutex    sync.Mutex
	seen     map[string]seenEvent
}

type seenEvent struct {
	digest    string
	timestamp time.Time
}

// NewRecorder wraps recorder. A nil recorder yields a Recorder whose
// methods are no-ops, so callers need not branch on whether event
// publishing is configured.
func NewRecorder(recorder record.EventRecorder) *Recorder {
	return &Recorder{
		recorder: recorder,
		seen:     make(map[string]seenEvent),
	}
}

// Event records an event against obj unless it duplicates the previous one
// for the same entity. Entities that do not implement runtime.Object (test
// fakes, mostly) are skipped, since the underlying recorder cannot address
// them.
func (r *Recorder) Event(obj entity.Object, eventType string, reason string, message string) {
	if r.recorder == nil {
		return
	}
	ro, ok := obj.(runtime.Object)
	if !ok {
		return
	}
	if r.isDuplicate(entity.UID(obj), eventType, reason, message) {
		return
	}
	r.recorder.Event(ro, eventType, reason, message)
}

// Eventf is Event with printf-style message formatting.
func (r *Recorder) Eventf(obj entity.Object, eventType string, reason string, messageFmt string, args ...any) {
	r.Event(obj, eventType, reason, fmt.Sprintf(messageFmt, args...))
}

func (r *Recorder) isDuplicate(uid string, eventType, reason, message string) bool {
	digest := eventType + "\x00" + reason + "\x00" + message
	now := time.Now()
	exp := now.Add(-dedupWindow)

	r.mutex.Lock()
	defer r.mutex.Unlock()
	for key, ev := range r.seen {
		if ev.timestamp.Before(exp) {
			delete(r.seen, key)
		}
	}
	if ev, ok := r.seen[uid]; ok && ev.digest == digest {
		return true
	}
	r.seen[uid] = seenEvent{digest: digest, timestamp: now}
	return false
}
