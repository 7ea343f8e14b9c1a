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

// Package requeue implements the timed requeue queue: a min-heap keyed by
// due time that yields entities whose delay has expired, used to schedule
// operator-origin re-delivery of entities after a reconciler-requested
// delay.
package requeue

import (
	"time"

	"github.com/opkernel/opkernel/pkg/entity"
)

// Kind encodes which dispatcher path a re-delivered entry will take.
type Kind string

const (
	KindAdded    Kind = "Added"
	KindModified Kind = "Modified"
	KindDeleted  Kind = "Deleted"
)

// Entry is yielded by Drain once its due time has passed.
type Entry struct {
	Object entity.Object
	Kind   Kind
	DueAt  time.Time
}
