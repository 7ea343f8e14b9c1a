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

// Package dispatcher implements the reconciliation dispatcher: the
// component that classifies an incoming event against the generation
// cache and drives the user reconciler, a finalizer, or neither.
package dispatcher

import (
	"strings"

	"k8s.io/client-go/tools/record"

	"github.com/opkernel/opkernel/pkg/reconcile"
)

// maxFinalizerIDLength is the Kubernetes limit on a single finalizer
// string.
const maxFinalizerIDLength = 63

// FinalizerID derives the finalizer identifier for a (group, name) pair:
// "{group}/{name}" lowercased, with the suffix "finalizer" appended to name
// if it does not already end with it, then truncated to 63 characters.
func FinalizerID(group, name string) string {
	if !strings.HasSuffix(strings.ToLower(name), "finalizer") {
		name += "finalizer"
	}
	id := strings.ToLower(group + "/" + name)
	if len(id) > maxFinalizerIDLength {
		id = id[:maxFinalizerIDLength]
	}
	return id
}

// FinalizerRegistry maps a finalizer identifier (as produced by FinalizerID)
// to the finalizer registered under it.
type FinalizerRegistry map[string]reconcile.Finalizer

// Config holds the per-entity-type wiring the dispatcher needs. It is
// supplied once at registration time by the lifecycle host.
type Config struct {
	// EntityTypeName is used in log scope and metric labels; it need not
	// match any Kubernetes-visible name.
	EntityTypeName string
	Reconciler     reconcile.Reconciler
	Finalizers     FinalizerRegistry
	// AutoAttachFinalizers, if true, appends every registered finalizer
	// identifier to an entity's finalizer list before a spec-change
	// reconciliation, persisting the change via the client.
	AutoAttachFinalizers bool
	// AutoDetachFinalizers, if true, removes a finalizer identifier from an
	// entity's finalizer list once that finalizer reports Success.
	AutoDetachFinalizers bool
	// Recorder, if non-nil, receives a Warning event for every failed
	// reconciliation (deduplicated, so repeated identical failures do not
	// flood the API server).
	Recorder record.EventRecorder
}
